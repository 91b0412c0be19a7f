package clipboard

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Watcher polls a Clipboard and reports content changes. Writes applied
// through Mark are not reported back, so a remote update does not echo
// around the room.
type Watcher struct {
	clipboard Clipboard
	interval  time.Duration
	onChange  func(content string)
	logger    *slog.Logger

	mu      sync.Mutex
	last    string
	haveSet bool
	stop    chan struct{}
}

const defaultPollInterval = time.Second

// NewWatcher creates a watcher that invokes onChange for every new local
// clipboard value.
func NewWatcher(clip Clipboard, interval time.Duration, onChange func(content string), logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		clipboard: clip,
		interval:  interval,
		onChange:  onChange,
		logger:    logger,
	}
}

// Start begins polling. A no-op while already running.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.stop != nil {
		w.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	w.stop = stop
	w.mu.Unlock()

	go w.run(stop)
}

// Stop halts polling. Idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stop != nil {
		close(w.stop)
		w.stop = nil
	}
	w.mu.Unlock()
}

// Mark records content as already seen, suppressing the change report the
// next poll would otherwise produce. Call it when writing remote content
// to the clipboard.
func (w *Watcher) Mark(content string) {
	w.mu.Lock()
	w.last = content
	w.haveSet = true
	w.mu.Unlock()
}

func (w *Watcher) run(stop chan struct{}) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	content, err := w.clipboard.Read()
	if err != nil {
		if !errors.Is(err, ErrEmpty) {
			w.logger.Warn("clipboard read failed", "error", err)
		}
		return
	}

	w.mu.Lock()
	changed := !w.haveSet || content != w.last
	if changed {
		w.last = content
		w.haveSet = true
	}
	w.mu.Unlock()

	if changed {
		w.onChange(content)
	}
}
