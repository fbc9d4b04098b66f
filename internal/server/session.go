package server

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/gezibash/arc-broker/internal/delivery"
	"github.com/gezibash/arc-broker/pkg/logging"
)

var errSessionClosed = errors.New("session closed")

// session is one client's consuming endpoint. Every delivery handed to the
// client is held under a delivery id until its outcome is recorded.
type session struct {
	id  string
	log *logging.Logger

	mu   sync.Mutex
	held map[string]*delivery.Delivery
	// Deliveries redelivered to this session that the client has not
	// consumed yet, in arrival order.
	pending []string
	closed  bool
}

var _ delivery.Receiver = (*session)(nil)

func newSession(id string, log *logging.Logger) *session {
	return &session{
		id:   id,
		log:  log.WithSession(id),
		held: make(map[string]*delivery.Delivery),
	}
}

// Handle accepts a routable redelivered by observer. The new delivery is
// returned to the client on its next consume of the routable's queue. It is
// called with the observer's lock held and must not call back into it.
func (s *session) Handle(ctx context.Context, observer delivery.Observer, r delivery.Routable) (*delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSessionClosed
	}

	d := delivery.New(delivery.WithObserver(observer), delivery.WithRoutable(r))
	id := uuid.NewString()
	s.held[id] = d
	s.pending = append(s.pending, id)
	s.log.WithDelivery(r.ID(), r.Destination()).DebugContext(ctx, "delivery handed to session",
		"delivery_id", logging.FormatID(id))
	return d, nil
}

// hold registers d and returns its delivery id.
func (s *session) hold(d *delivery.Delivery) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errSessionClosed
	}
	id := uuid.NewString()
	s.held[id] = d
	return id, nil
}

// next pops the oldest pending delivery destined for queue.
func (s *session) next(queue string) (string, *delivery.Delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune("")
	for i, id := range s.pending {
		d := s.held[id]
		if r := d.Routable(); r != nil && r.Destination() == queue {
			s.pending = slices.Delete(s.pending, i, i+1)
			return id, d, true
		}
	}
	return "", nil, false
}

func (s *session) lookup(id string) (*delivery.Delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(id)
	d, ok := s.held[id]
	return d, ok
}

// prune drops held deliveries whose outcome was recorded elsewhere, such as
// by the reaper or a redelivery that was never consumed. The entry named keep
// survives so an outcome call on it reports that it is settled. Callers hold
// s.mu.
func (s *session) prune(keep string) {
	for id, d := range s.held {
		if id != keep && d.Done() {
			delete(s.held, id)
		}
	}
	s.pending = slices.DeleteFunc(s.pending, func(id string) bool {
		_, ok := s.held[id]
		return !ok
	})
}

func (s *session) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.held, id)
	if i := slices.Index(s.pending, id); i >= 0 {
		s.pending = slices.Delete(s.pending, i, i+1)
	}
}

// close stops the session from accepting deliveries and cancels every held
// delivery that is still active. It returns how many were cancelled.
func (s *session) close(ctx context.Context) int {
	s.mu.Lock()
	s.closed = true
	held := s.held
	s.held = make(map[string]*delivery.Delivery)
	s.pending = nil
	s.mu.Unlock()

	n := 0
	for id, d := range held {
		if d.Done() {
			continue
		}
		if _, err := d.Cancel(ctx); err != nil {
			if !delivery.IsUsageError(err) {
				s.log.WarnContext(ctx, "cancel held delivery", "delivery", logging.FormatID(id), "error", err)
			}
			continue
		}
		n++
	}
	return n
}

// sessions is the registry of open sessions, keyed by client session id.
type sessions struct {
	log *logging.Logger

	mu   sync.Mutex
	byID map[string]*session
}

func newSessions(log *logging.Logger) *sessions {
	return &sessions{log: log, byID: make(map[string]*session)}
}

// get returns the session for id, creating it on first use.
func (r *sessions) get(id string) (s *session, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[id]; ok {
		return s, false
	}
	s = newSession(id, r.log)
	r.byID[id] = s
	return s, true
}

func (r *sessions) lookup(id string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

func (r *sessions) remove(id string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
	}
	return s, ok
}

func (r *sessions) drain() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session, 0, len(r.byID))
	for id, s := range r.byID {
		out = append(out, s)
		delete(r.byID, id)
	}
	return out
}

func (r *sessions) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
