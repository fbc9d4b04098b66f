// Package middleware runs ordered hooks over incoming broker calls. Hooks see
// a read-only Packet describing the call and the negotiated peer; they may
// reject a call but cannot reach delivery state.
package middleware

import (
	"context"
	"crypto/x509"
	"log/slog"
	"slices"
	"sync"
)

// Packet is the read-only view of an incoming call.
type Packet struct {
	Method  string
	Session string
	// PeerCertificates is the verified client chain when the call arrived
	// over TLS with a client certificate, nil otherwise.
	PeerCertificates []*x509.Certificate
}

// TLS reports whether the peer presented a certificate chain.
func (p *Packet) TLS() bool {
	return len(p.PeerCertificates) > 0
}

// Hook observes a packet. Return a gRPC status error to reject the call.
type Hook func(ctx context.Context, p *Packet) error

// Chain holds ordered pre and post hooks. Pre hooks run before the handler
// and may reject; post hooks run after it and are for audit only.
type Chain struct {
	mu   sync.RWMutex
	pre  []Hook
	post []Hook
}

// Use appends pre hooks.
func (c *Chain) Use(hooks ...Hook) {
	c.mu.Lock()
	c.pre = append(c.pre, hooks...)
	c.mu.Unlock()
}

// After appends post hooks.
func (c *Chain) After(hooks ...Hook) {
	c.mu.Lock()
	c.post = append(c.post, hooks...)
	c.mu.Unlock()
}

// RunPre executes pre hooks in order. Stops on first error.
func (c *Chain) RunPre(ctx context.Context, p *Packet) error {
	c.mu.RLock()
	hooks := slices.Clone(c.pre)
	c.mu.RUnlock()

	for _, h := range hooks {
		if err := h(ctx, clonePacket(p)); err != nil {
			return err
		}
	}
	return nil
}

// RunPost executes every post hook. Errors are logged, not returned: the
// call has already completed.
func (c *Chain) RunPost(ctx context.Context, p *Packet) {
	c.mu.RLock()
	hooks := slices.Clone(c.post)
	c.mu.RUnlock()

	for _, h := range hooks {
		if err := h(ctx, clonePacket(p)); err != nil {
			slog.WarnContext(ctx, "post hook failed", "method", p.Method, "error", err)
		}
	}
}

// Each hook gets its own copy so one hook cannot change what the next sees.
func clonePacket(p *Packet) *Packet {
	cp := *p
	cp.PeerCertificates = slices.Clone(p.PeerCertificates)
	return &cp
}
