package config

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileWatcher polls a file's modification time and invokes a callback
// when it changes. It backs policy hot-reload: point it at the policy
// file and call enforcer.LoadPolicy from the callback.
type FileWatcher struct {
	path     string
	interval time.Duration
	onChange func(path string)
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	lastMod time.Time
}

// NewFileWatcher creates a watcher for path. interval <= 0 defaults to
// five seconds.
func NewFileWatcher(path string, interval time.Duration, onChange func(path string), logger *zap.Logger) *FileWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileWatcher{
		path:     path,
		interval: interval,
		onChange: onChange,
		logger:   logger.With(zap.String("component", "file_watcher")),
	}
}

// Start begins polling. The initial modification time is recorded
// without firing the callback.
func (w *FileWatcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})

	if info, err := os.Stat(w.path); err == nil {
		w.lastMod = info.ModTime()
	}
	go w.loop()
}

// Stop halts polling and waits for the loop to exit.
func (w *FileWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	done := w.done
	w.mu.Unlock()
	<-done
}

func (w *FileWatcher) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *FileWatcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}
	w.mu.Lock()
	changed := info.ModTime().After(w.lastMod)
	if changed {
		w.lastMod = info.ModTime()
	}
	w.mu.Unlock()

	if changed && w.onChange != nil {
		w.logger.Info("watched file changed", zap.String("path", w.path))
		w.onChange(w.path)
	}
}
