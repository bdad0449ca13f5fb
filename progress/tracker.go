package progress

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Store is the key-value store records live in. Expiry of records is left to
// the implementation.
type Store interface {
	Get(ctx context.Context, key Key) (Record, bool, error)
	Set(ctx context.Context, key Key, rec Record) error
}

type EventKind string

const (
	EventStarted   EventKind = "started"
	EventReceived  EventKind = "received"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is emitted after every successful write to the store.
type Event struct {
	Kind   EventKind
	Key    Key
	Record Record
	// Delta is the number of bytes added by a received event.
	Delta int64
}

// Listener observes record changes. OnEvent is called synchronously from the
// goroutine that changed the record and must not block.
type Listener interface {
	OnEvent(ctx context.Context, ev Event)
}

type ListenerFunc func(ctx context.Context, ev Event)

func (f ListenerFunc) OnEvent(ctx context.Context, ev Event) { f(ctx, ev) }

type TrackerOption func(*Tracker)

func WithListener(l Listener) TrackerOption {
	return func(t *Tracker) {
		if l != nil {
			t.listeners = append(t.listeners, l)
		}
	}
}

// Tracker records upload progress in a Store. Updates are plain
// read-modify-write cycles; concurrent writers on the same key may lose
// updates.
type Tracker struct {
	store     Store
	listeners []Listener
}

func NewTracker(s Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{store: s}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start creates an uploading record of the given size and returns its key.
func (t *Tracker) Start(ctx context.Context, clientAddr, progressID string, size int64) (Key, error) {
	if progressID == "" {
		return "", ErrNoProgressID
	}
	if size < 0 {
		size = 0
	}
	key := NewKey(clientAddr, progressID)
	rec := Record{State: StateUploading, Size: size}
	if err := t.store.Set(ctx, key, rec); err != nil {
		return "", fmt.Errorf("start %s: %w", key, err)
	}
	log.Ctx(ctx).Debug().
		Str("progress_key", string(key)).
		Int64("size", size).
		Msg("upload progress initialized")
	t.notify(ctx, Event{Kind: EventStarted, Key: key, Record: rec})
	return key, nil
}

// Receive adds n bytes to the record. A missing record is skipped.
func (t *Tracker) Receive(ctx context.Context, key Key, n int64) error {
	if n <= 0 {
		return nil
	}
	return t.update(ctx, key, EventReceived, n, func(rec *Record) bool {
		rec.Received += n
		return true
	})
}

// Complete marks the record done whatever the received byte count is.
func (t *Tracker) Complete(ctx context.Context, key Key) error {
	return t.update(ctx, key, EventCompleted, 0, func(rec *Record) bool {
		rec.State = StateDone
		return true
	})
}

// Fail marks the record as errored unless it is already done.
func (t *Tracker) Fail(ctx context.Context, key Key) error {
	return t.update(ctx, key, EventFailed, 0, func(rec *Record) bool {
		if rec.State == StateDone {
			return false
		}
		rec.State = StateError
		return true
	})
}

func (t *Tracker) Status(ctx context.Context, key Key) (Record, bool, error) {
	rec, ok, err := t.store.Get(ctx, key)
	if err != nil {
		return Record{}, false, fmt.Errorf("status %s: %w", key, err)
	}
	return rec, ok, nil
}

func (t *Tracker) update(ctx context.Context, key Key, kind EventKind, delta int64, mutate func(*Record) bool) error {
	if key == "" {
		return nil
	}
	rec, ok, err := t.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("%s %s: %w", kind, key, err)
	}
	if !ok {
		return nil
	}
	if !mutate(&rec) {
		return nil
	}
	if err := t.store.Set(ctx, key, rec); err != nil {
		return fmt.Errorf("%s %s: %w", kind, key, err)
	}
	log.Ctx(ctx).Debug().
		Str("progress_key", string(key)).
		Str("state", string(rec.State)).
		Int64("received", rec.Received).
		Int64("size", rec.Size).
		Msg("upload progress updated")
	t.notify(ctx, Event{Kind: kind, Key: key, Record: rec, Delta: delta})
	return nil
}

func (t *Tracker) notify(ctx context.Context, ev Event) {
	for _, l := range t.listeners {
		l.OnEvent(ctx, ev)
	}
}
