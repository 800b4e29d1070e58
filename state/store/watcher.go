package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event describes a new version observed for a key.
type Event struct {
	Key     string
	Version int
	Entry   *Entry
}

// Handler receives change events. Handlers run on the sync loop with a
// per-callback timeout; a slow handler is abandoned, not waited for.
type Handler func(Event)

type subscription struct {
	id      int
	pattern string
	handler Handler
}

// Watcher polls a Store at a fixed interval and fans out change events to
// subscribers whose pattern matches the changed key. Patterns are exact
// keys or contain a single '*' wildcard.
type Watcher struct {
	store           Store
	interval        time.Duration
	callbackTimeout time.Duration
	logger          *zap.Logger

	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int
	known  map[string]int

	cancel context.CancelFunc
	done   chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithCallbackTimeout bounds how long the sync loop waits for one handler.
func WithCallbackTimeout(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.callbackTimeout = d }
}

// NewWatcher creates a watcher polling store every interval.
func NewWatcher(store Store, interval time.Duration, logger *zap.Logger, opts ...WatcherOption) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{
		store:           store,
		interval:        interval,
		callbackTimeout: 5 * time.Second,
		logger:          logger.With(zap.String("component", "store_watcher")),
		subs:            make(map[int]*subscription),
		known:           make(map[string]int),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Subscribe registers a handler for keys matching pattern and returns an
// unsubscribe function.
func (w *Watcher) Subscribe(pattern string, h Handler) func() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	id := w.nextID
	w.subs[id] = &subscription{id: id, pattern: pattern, handler: h}

	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.subs, id)
	}
}

// Start begins polling. The first poll primes known versions without
// emitting events; only subsequent changes are delivered.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	w.poll(ctx, false)

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.poll(ctx, true)
			}
		}
	}()
}

// Stop cancels the poll loop and waits for it to exit.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Watcher) poll(ctx context.Context, emit bool) {
	keys, err := w.store.ListKeys(ctx, "")
	if err != nil {
		w.logger.Warn("poll failed", zap.Error(err))
		return
	}

	for _, key := range keys {
		versions, err := w.store.ListVersions(ctx, key)
		if err != nil || len(versions) == 0 {
			continue
		}
		latest := versions[len(versions)-1]

		w.mu.Lock()
		prev, seen := w.known[key]
		w.known[key] = latest
		w.mu.Unlock()

		if !emit || (seen && latest <= prev) {
			continue
		}

		entry, err := w.store.Load(ctx, key, latest)
		if err != nil {
			w.logger.Warn("failed to load changed entry",
				zap.String("key", key),
				zap.Int("version", latest),
				zap.Error(err),
			)
			continue
		}
		w.dispatch(Event{Key: key, Version: latest, Entry: entry})
	}
}

func (w *Watcher) dispatch(ev Event) {
	w.mu.Lock()
	matched := make([]*subscription, 0, len(w.subs))
	for _, sub := range w.subs {
		if matchKeyPattern(sub.pattern, ev.Key) {
			matched = append(matched, sub)
		}
	}
	w.mu.Unlock()

	for _, sub := range matched {
		w.run(sub, ev)
	}
}

// run executes one handler, bounded by the callback timeout so a stuck
// subscriber cannot starve the sync loop.
func (w *Watcher) run(sub *subscription, ev Event) {
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		sub.handler(ev)
	}()

	select {
	case <-doneCh:
	case <-time.After(w.callbackTimeout):
		w.logger.Warn("subscriber callback timed out",
			zap.String("pattern", sub.pattern),
			zap.String("key", ev.Key),
		)
	}
}

// matchKeyPattern matches an exact key or a pattern with one '*' wildcard.
func matchKeyPattern(pattern, key string) bool {
	i := strings.IndexByte(pattern, '*')
	if i < 0 {
		return pattern == key
	}
	prefix, suffix := pattern[:i], pattern[i+1:]
	return len(key) >= len(prefix)+len(suffix) &&
		strings.HasPrefix(key, prefix) &&
		strings.HasSuffix(key, suffix)
}
