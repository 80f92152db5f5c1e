// Package audit records every security-relevant decision in an append-only
// trail. Recording never fails the operation that triggered it: a failed
// write is reported through the logging sink and the security decision
// stands.
package audit

import (
	"context"
	"time"

	"iotguard.dev/internal/ids"
	"iotguard.dev/internal/obs"
)

// Actor types.
const (
	ActorUser   = "user"
	ActorDevice = "device"
	ActorSystem = "system"
)

// Event outcomes.
const (
	StatusSuccess = "success"
	StatusDenied  = "denied"
	StatusError   = "error"
)

// MaxListLimit caps how many events a single listing can return regardless of
// the requested limit.
const MaxListLimit = 500

// Event is one immutable entry in the security trail.
type Event struct {
	ID        string
	CreatedAt time.Time
	ActorType string
	ActorID   string
	EventType string
	Status    string
	Detail    string
}

// Store persists events. Append must be insert-only; implementations never
// update or delete rows.
type Store interface {
	Append(ctx context.Context, ev *Event) error
	List(ctx context.Context, limit int) ([]Event, error)
}

// Recorder writes events to the store.
type Recorder struct {
	store Store
	now   func() time.Time
}

// Option configures Recorder.
type Option func(*Recorder)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRecorder constructs a Recorder.
func NewRecorder(store Store, opts ...Option) *Recorder {
	r := &Recorder{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends one event. The write is detached from request cancellation:
// once the underlying decision has been made the trail entry must land even
// if the caller has gone away. A store failure is logged and swallowed.
func (r *Recorder) Record(ctx context.Context, actorType, actorID, eventType, status, detail string) {
	ev := &Event{
		ID:        ids.New(),
		CreatedAt: r.now().UTC(),
		ActorType: actorType,
		ActorID:   actorID,
		EventType: eventType,
		Status:    status,
		Detail:    detail,
	}
	if err := r.store.Append(context.WithoutCancel(ctx), ev); err != nil {
		obs.LogJSON(map[string]any{
			"level":      "warn",
			"msg":        "audit append failed",
			"event_type": eventType,
			"actor_type": actorType,
			"error":      err.Error(),
		})
	}
}

// List returns events newest-first, capped at MaxListLimit.
func (r *Recorder) List(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	return r.store.List(ctx, limit)
}
