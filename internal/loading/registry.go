// Package loading tracks named in-flight operations and notifies observers
// on every change.
package loading

import (
	"context"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rendis/pulse/internal/logging"
)

// Entry is one in-flight operation. Its presence in the registry is the
// only loading flag.
type Entry struct {
	Key               string        `json:"key"`
	Operation         string        `json:"operation,omitempty"`
	Message           string        `json:"message,omitempty"`
	Progress          float64       `json:"progress"`
	HasProgress       bool          `json:"has_progress"`
	StartedAt         time.Time     `json:"started_at"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
}

// Elapsed returns how long the operation has been running at now.
func (e Entry) Elapsed(now time.Time) time.Duration {
	if d := now.Sub(e.StartedAt); d > 0 {
		return d
	}
	return 0
}

// Remaining returns the estimated time left, or 0 when there is no
// estimate or the estimate has already passed.
func (e Entry) Remaining(now time.Time) time.Duration {
	if e.EstimatedDuration <= 0 {
		return 0
	}
	if left := e.EstimatedDuration - e.Elapsed(now); left > 0 {
		return left
	}
	return 0
}

// StartOptions carries the optional metadata of a new entry.
type StartOptions struct {
	Operation         string
	Message           string
	EstimatedDuration time.Duration
}

// Snapshot is a copy of the registry contents, keyed by entry key.
// Mutating a snapshot never affects the registry.
type Snapshot map[string]Entry

// Listener receives a snapshot after each mutation.
type Listener func(Snapshot)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used to report listener panics.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is a keyed set of loading entries. Each method is atomic on its
// own; callers must not assume multi-call transactions. Listeners run
// synchronously in the goroutine that performed the mutation, after the
// registry lock is released, so they may call back into the registry.
// When several goroutines mutate concurrently, listeners may run
// concurrently too.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]Entry
	listeners map[uint64]Listener
	nextID    uint64

	logger *slog.Logger
	now    func() time.Time
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries:   make(map[string]Entry),
		listeners: make(map[uint64]Listener),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return r
}

// Start creates or overwrites the entry for key.
func (r *Registry) Start(key string, opts StartOptions) {
	r.mu.Lock()
	r.entries[key] = Entry{
		Key:               key,
		Operation:         opts.Operation,
		Message:           opts.Message,
		StartedAt:         r.now(),
		EstimatedDuration: opts.EstimatedDuration,
	}
	snap, listeners := r.prepareLocked()
	r.mu.Unlock()

	r.deliver(key, snap, listeners)
}

// UpdateProgress sets the progress of key, clamped to [0,100]. An optional
// message replaces the current one. Absent keys are ignored.
func (r *Registry) UpdateProgress(key string, progress float64, message ...string) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.Progress = ClampProgress(progress)
	e.HasProgress = true
	if len(message) > 0 {
		e.Message = message[0]
	}
	r.entries[key] = e
	snap, listeners := r.prepareLocked()
	r.mu.Unlock()

	r.deliver(key, snap, listeners)
}

// UpdateMessage replaces the message of key. Absent keys are ignored.
func (r *Registry) UpdateMessage(key, message string) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.Message = message
	r.entries[key] = e
	snap, listeners := r.prepareLocked()
	r.mu.Unlock()

	r.deliver(key, snap, listeners)
}

// Stop removes key. Stopping an absent key does nothing.
func (r *Registry) Stop(key string) {
	r.mu.Lock()
	if _, ok := r.entries[key]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.entries, key)
	snap, listeners := r.prepareLocked()
	r.mu.Unlock()

	r.deliver(key, snap, listeners)
}

// IsLoading reports whether key has an entry.
func (r *Registry) IsLoading(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

// Get returns the entry for key.
func (r *Registry) Get(key string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return e, ok
}

// AnyLoading reports whether at least one entry exists.
func (r *Registry) AnyLoading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries) > 0
}

// Keys returns the active keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of the current entries.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyLocked()
}

// Subscribe registers l and returns a function that removes it. The
// returned function is safe to call more than once.
func (r *Registry) Subscribe(l Listener) (unsubscribe func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[id] = l
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}

// RunScoped starts key, runs op, and stops key when op returns or panics.
// The error from op is returned unchanged.
func (r *Registry) RunScoped(ctx context.Context, key string, op func(context.Context) error, opts StartOptions) error {
	r.Start(key, opts)
	defer r.Stop(key)
	return op(logging.WithLoadingKey(ctx, key))
}

// RunScopedValue is RunScoped for operations that produce a value.
func RunScopedValue[T any](ctx context.Context, r *Registry, key string, op func(context.Context) (T, error), opts StartOptions) (T, error) {
	r.Start(key, opts)
	defer r.Stop(key)
	return op(logging.WithLoadingKey(ctx, key))
}

// ClampProgress bounds p to [0,100]. NaN becomes 0.
func ClampProgress(p float64) float64 {
	if math.IsNaN(p) {
		return 0
	}
	return math.Max(0, math.Min(100, p))
}

func (r *Registry) copyLocked() Snapshot {
	snap := make(Snapshot, len(r.entries))
	for k, e := range r.entries {
		snap[k] = e
	}
	return snap
}

// prepareLocked captures the snapshot and the listener set, in
// registration order, while r.mu is held.
func (r *Registry) prepareLocked() (Snapshot, []Listener) {
	ids := make([]uint64, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	listeners := make([]Listener, len(ids))
	for i, id := range ids {
		listeners[i] = r.listeners[id]
	}
	return r.copyLocked(), listeners
}

// deliver hands every listener its own copy of snap. A panicking listener
// is logged and skipped.
func (r *Registry) deliver(key string, snap Snapshot, listeners []Listener) {
	for i, l := range listeners {
		own := snap
		if i < len(listeners)-1 {
			own = make(Snapshot, len(snap))
			for k, e := range snap {
				own[k] = e
			}
		}
		r.call(key, l, own)
	}
}

func (r *Registry) call(key string, l Listener, snap Snapshot) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("loading listener panicked", "loading_key", key, "panic", rec)
		}
	}()
	l(snap)
}
