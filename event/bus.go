// Package event provides the in-process dispatcher that bridges job state
// changes to subscribers — a topic bus keyed by job type for attempt and
// done events, plus per-UID one-shot callback registries.
package event

import (
	"log/slog"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/marianmeres/steve/job"
)

// Wildcard subscribes to every job type. It is never treated as a literal
// type.
const Wildcard = "*"

// Kind distinguishes the two event topics per job type.
type Kind string

const (
	// KindAttempt fires twice per attempt: once with the running view,
	// once with the terminal view.
	KindAttempt Kind = "attempt"
	// KindDone fires once, when the job reaches completed or failed.
	KindDone Kind = "done"
)

type subscription struct {
	cb  job.Callback
	ptr uintptr
}

// Bus dispatches attempt and done events to type-keyed subscribers and
// per-UID one-shot callbacks. Callbacks run on the publishing worker's
// goroutine; panics inside them are recovered and logged, never reaching
// the worker loop. Safe for concurrent use.
type Bus struct {
	mu           sync.RWMutex
	attempt      map[string][]subscription
	done         map[string][]subscription
	attemptByUID map[uuid.UUID][]job.Callback
	doneByUID    map[uuid.UUID][]job.Callback

	dedup  bool
	logger *slog.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithDedup toggles duplicate-subscription elimination (same topic, same
// callback). Enabled by default.
func WithDedup(on bool) BusOption {
	return func(b *Bus) { b.dedup = on }
}

// WithLogger sets the logger used for subscriber panics.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = logger }
}

// NewBus creates an empty event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		attempt:      make(map[string][]subscription),
		done:         make(map[string][]subscription),
		attemptByUID: make(map[uuid.UUID][]job.Callback),
		doneByUID:    make(map[uuid.UUID][]job.Callback),
		dedup:        true,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers cb on the given topics (job types, or Wildcard) for
// the given kind. It returns an unsubscriber that removes cb from the
// topics this call added it to. Callbacks are identified by function
// pointer, so with deduplication disabled, every registration of the same
// callback on those topics is removed, including ones made by other calls.
func (b *Bus) Subscribe(kind Kind, cb job.Callback, types ...string) func() {
	if cb == nil || len(types) == 0 {
		return func() {}
	}
	ptr := reflect.ValueOf(cb).Pointer()
	sub := subscription{cb: cb, ptr: ptr}

	b.mu.Lock()
	topics := b.topics(kind)
	added := make([]string, 0, len(types))
	for _, t := range types {
		if b.dedup && containsPtr(topics[t], ptr) {
			continue
		}
		topics[t] = append(topics[t], sub)
		added = append(added, t)
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			topics := b.topics(kind)
			for _, t := range added {
				topics[t] = removePtr(topics[t], ptr)
			}
		})
	}
}

// SubscribeUID registers a callback fired for every event of the given
// kind on the job with the given uid. Done callbacks (and all per-UID
// registrations for the uid) are removed when the job reaches a terminal
// done state.
func (b *Bus) SubscribeUID(kind Kind, uid uuid.UUID, cb job.Callback) {
	if cb == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch kind {
	case KindAttempt:
		b.attemptByUID[uid] = append(b.attemptByUID[uid], cb)
	case KindDone:
		b.doneByUID[uid] = append(b.doneByUID[uid], cb)
	}
}

// PublishAttempt delivers j to attempt subscribers of its type, wildcard
// attempt subscribers, and per-UID attempt callbacks.
func (b *Bus) PublishAttempt(j *job.Job) {
	b.mu.RLock()
	cbs := collect(b.attempt, j.Type)
	cbs = append(cbs, b.attemptByUID[j.UID]...)
	b.mu.RUnlock()

	b.invoke(cbs, j)
}

// PublishDone delivers j to done subscribers of its type, wildcard done
// subscribers, and per-UID done callbacks, then clears both per-UID
// registries for the job. Callers publish done only for terminal states.
func (b *Bus) PublishDone(j *job.Job) {
	b.mu.Lock()
	cbs := collect(b.done, j.Type)
	cbs = append(cbs, b.doneByUID[j.UID]...)
	delete(b.doneByUID, j.UID)
	delete(b.attemptByUID, j.UID)
	b.mu.Unlock()

	b.invoke(cbs, j)
}

// DropUID removes all per-UID callbacks for the given uid without firing
// them. Hosts can use it to avoid leaking entries for jobs that never
// reach a terminal state.
func (b *Bus) DropUID(uid uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.attemptByUID, uid)
	delete(b.doneByUID, uid)
}

// invoke runs each callback with a fresh clone of j, recovering and
// logging panics so a broken subscriber cannot take down the worker.
func (b *Bus) invoke(cbs []job.Callback, j *job.Job) {
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event subscriber panicked",
						slog.String("job_type", j.Type),
						slog.String("job_uid", j.UID.String()),
						slog.Any("panic", r),
					)
				}
			}()
			cb(j.Clone())
		}()
	}
}

func (b *Bus) topics(kind Kind) map[string][]subscription {
	if kind == KindDone {
		return b.done
	}
	return b.attempt
}

func collect(topics map[string][]subscription, jobType string) []job.Callback {
	subs := topics[jobType]
	wild := topics[Wildcard]
	cbs := make([]job.Callback, 0, len(subs)+len(wild))
	for _, s := range subs {
		cbs = append(cbs, s.cb)
	}
	if jobType != Wildcard {
		for _, s := range wild {
			cbs = append(cbs, s.cb)
		}
	}
	return cbs
}

func containsPtr(subs []subscription, ptr uintptr) bool {
	for _, s := range subs {
		if s.ptr == ptr {
			return true
		}
	}
	return false
}

func removePtr(subs []subscription, ptr uintptr) []subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.ptr != ptr {
			out = append(out, s)
		}
	}
	return out
}
