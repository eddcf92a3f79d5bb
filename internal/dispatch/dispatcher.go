package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/btouchard/courier/internal/event"
	"github.com/btouchard/courier/internal/hub"
	"github.com/btouchard/courier/internal/metrics"
	"github.com/btouchard/courier/internal/notify"
	"github.com/btouchard/courier/internal/store"
)

const defaultMaxConcurrentFallbacks = 8

// Presence answers whether a user can be reached live.
type Presence interface {
	IsOnline(id event.UserID) bool
}

// Publisher delivers encoded frames to topics without blocking.
type Publisher interface {
	Publish(topic string, msg []byte) int
	Broadcast(msg []byte) int
}

// Persister durably records an event for an offline recipient.
type Persister interface {
	Persist(ctx context.Context, f notify.Fallback) (*store.NotificationRecord, error)
}

// FallbackError reports a failed durable write for one recipient.
type FallbackError struct {
	Recipient event.UserID
	Kind      event.Kind
	Err       error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("fallback for %s (%s): %v", e.Recipient, e.Kind, e.Err)
}

func (e *FallbackError) Unwrap() error { return e.Err }

// Report describes what happened to each recipient of one dispatch.
type Report struct {
	Pushed    []event.UserID // reached live
	Persisted []event.UserID // stored for later
	Skipped   []event.UserID // the actor
	Dropped   []event.UserID // offline, live-only event
	Failed    []*FallbackError
}

// Dispatcher routes events to recipients live or through the persister.
type Dispatcher struct {
	presence  Presence
	publisher Publisher
	persister Persister
	metrics   *metrics.Metrics

	maxFallbacks int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxConcurrentFallbacks bounds parallel fallback writes per dispatch.
func WithMaxConcurrentFallbacks(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxFallbacks = n
		}
	}
}

// WithMetrics records delivery outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a Dispatcher.
func New(presence Presence, publisher Publisher, persister Persister, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		presence:     presence,
		publisher:    publisher,
		persister:    persister,
		maxFallbacks: defaultMaxConcurrentFallbacks,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch delivers e to each of its recipients. Live pushes go out in
// recipient order before Dispatch returns; fallback writes run concurrently
// and are all finished when it returns. A failed fallback write is logged
// and reported, never returned as the dispatch error.
func (d *Dispatcher) Dispatch(ctx context.Context, e event.Event) (Report, error) {
	var report Report

	if err := e.Validate(); err != nil {
		return report, err
	}
	msg, err := event.Encode(e)
	if err != nil {
		return report, fmt.Errorf("encoding %s: %w", e.Kind, err)
	}

	var pending []event.UserID
	seen := make(map[event.UserID]struct{}, len(e.Recipients))

	for _, to := range e.Recipients {
		if _, dup := seen[to]; dup {
			continue
		}
		seen[to] = struct{}{}

		if to == e.Actor {
			report.Skipped = append(report.Skipped, to)
			continue
		}

		if d.presence.IsOnline(to) {
			if d.publisher.Publish(hub.Topic(to), msg) > 0 {
				report.Pushed = append(report.Pushed, to)
				d.metrics.RecordPush(string(e.Kind))
				continue
			}
			// Last connection closed between the presence check and the push.
			slog.Debug("recipient went offline during dispatch",
				"user_id", to,
				"event_type", e.Kind)
		}

		if !e.Kind.Durable() {
			report.Dropped = append(report.Dropped, to)
			d.metrics.RecordDropped()
			continue
		}
		pending = append(pending, to)
	}

	report.Persisted, report.Failed = d.persistAll(ctx, e, pending)

	slog.Debug("event dispatched",
		"event_type", e.Kind,
		"task_id", e.TaskID,
		"actor", e.Actor,
		"pushed", len(report.Pushed),
		"persisted", len(report.Persisted),
		"failed", len(report.Failed))

	return report, nil
}

func (d *Dispatcher) persistAll(ctx context.Context, e event.Event, recipients []event.UserID) ([]event.UserID, []*FallbackError) {
	if len(recipients) == 0 {
		return nil, nil
	}

	errs := make([]error, len(recipients))

	var g errgroup.Group
	g.SetLimit(d.maxFallbacks)
	for i, to := range recipients {
		g.Go(func() error {
			_, err := d.persister.Persist(ctx, notify.Fallback{
				Recipient: to,
				Kind:      e.Kind,
				TaskID:    e.TaskID,
				Message:   e.Message,
			})
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait() // workers report through errs

	var persisted []event.UserID
	var failed []*FallbackError
	for i, to := range recipients {
		if errs[i] != nil {
			fe := &FallbackError{Recipient: to, Kind: e.Kind, Err: errs[i]}
			slog.Error("fallback persistence failed",
				"user_id", to,
				"event_type", e.Kind,
				"task_id", e.TaskID,
				"error", errs[i])
			d.metrics.RecordFallbackError(string(e.Kind))
			failed = append(failed, fe)
			continue
		}
		d.metrics.RecordFallback(string(e.Kind))
		persisted = append(persisted, to)
	}
	return persisted, failed
}

// BroadcastPresence tells every connected client that id went online or
// offline. Best effort: nothing is stored for offline users.
func (d *Dispatcher) BroadcastPresence(id event.UserID, online bool) {
	e, err := event.PresenceChanged(id, online, nil)
	if err != nil {
		slog.Error("building presence event", "user_id", id, "error", err)
		return
	}
	msg, err := event.Encode(e)
	if err != nil {
		slog.Error("encoding presence event", "user_id", id, "error", err)
		return
	}

	n := d.publisher.Broadcast(msg)
	slog.Debug("presence broadcast", "user_id", id, "online", online, "reached", n)
}
