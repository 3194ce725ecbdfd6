// Package notify fans organization events out to live subscribers. A
// Registry is created at process start, injected where events are published
// or consumed, and closed at shutdown. Delivery is best-effort: a subscriber
// whose buffer is full misses events.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Event types.
const (
	EventMemberJoined  = "member.joined"
	EventInviteCreated = "invite.created"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("notify: registry closed")

// Event is a notification scoped to one organization.
type Event struct {
	Type  string            `json:"type"`
	OrgID string            `json:"org_id"`
	Data  map[string]string `json:"data,omitempty"`
	At    time.Time         `json:"at"`
}

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Registry tracks subscriptions per organization.
type Registry struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
	buffer int
	log    *slog.Logger
}

// NewRegistry returns a Registry whose subscriptions buffer up to buffer
// events each.
func NewRegistry(buffer int, log *slog.Logger) *Registry {
	if buffer <= 0 {
		buffer = 16
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		log:    log,
	}
}

// Subscribe registers a new subscriber for orgID.
func (r *Registry) Subscribe(orgID string) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	s := &Subscription{orgID: orgID, ch: make(chan Event, r.buffer), reg: r}
	if r.subs[orgID] == nil {
		r.subs[orgID] = make(map[*Subscription]struct{})
	}
	r.subs[orgID][s] = struct{}{}
	return s, nil
}

// Publish delivers e to local subscribers of e.OrgID. It never blocks.
func (r *Registry) Publish(_ context.Context, e Event) error {
	r.Deliver(e)
	return nil
}

// Deliver hands e to every subscriber of its organization and returns how
// many received it.
func (r *Registry) Deliver(e Event) int {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for s := range r.subs[e.OrgID] {
		select {
		case s.ch <- e:
			n++
		default:
			r.log.Debug("notification dropped", "org_id", e.OrgID, "type", e.Type)
		}
	}
	return n
}

// Count returns the number of live subscribers for orgID.
func (r *Registry) Count(orgID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[orgID])
}

// Close ends every subscription. Further Subscribe calls fail.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, set := range r.subs {
		for s := range set {
			s.closeLocked()
		}
	}
	r.subs = map[string]map[*Subscription]struct{}{}
}

func (r *Registry) remove(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.subs[s.orgID]; ok {
		if _, ok := set[s]; ok {
			delete(set, s)
			s.closeLocked()
		}
		if len(set) == 0 {
			delete(r.subs, s.orgID)
		}
	}
}

// Subscription receives the events of one organization.
type Subscription struct {
	orgID string
	ch    chan Event
	reg   *Registry
	once  sync.Once
}

// Events returns the channel of delivered events. It is closed when the
// subscription or the registry is closed.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close unregisters the subscription.
func (s *Subscription) Close() { s.reg.remove(s) }

// closeLocked must be called with the registry lock held.
func (s *Subscription) closeLocked() {
	s.once.Do(func() { close(s.ch) })
}
