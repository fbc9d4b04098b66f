// Package delivery defines the contract between a unit of routed content, the
// broker-side component that records its outcome, and the endpoint that
// receives it.
//
// A Delivery is a thin handle. It binds one Routable to one Observer and
// forwards acknowledge, cancel and redeliver calls to that Observer, which is
// the single authority on whether the outcome was committed. Observers own
// serialization: outcome calls for deliveries of one queue are expected to
// funnel through a single lock or executor held by that queue.
package delivery
