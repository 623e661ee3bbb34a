package policy

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce batches rapid successive writes (editors often write a
// file several times in quick succession) into one reload.
const watchDebounce = 200 * time.Millisecond

// Watcher pushes immediate policy reloads on file write events,
// supplementing the manager's poll-based debounced reload. Edits take
// effect within one debounce window instead of one poll interval.
type Watcher struct {
	manager *Manager
	fw      *fsnotify.Watcher
	done    chan struct{}
	logger  *slog.Logger
}

// NewWatcher starts watching the manager's policy file directory. The
// directory (not the file) is watched so atomic rename-over-write editors
// keep triggering events.
func NewWatcher(m *Manager) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(m.path)); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &Watcher{
		manager: m,
		fw:      fw,
		done:    make(chan struct{}),
		logger:  slog.Default().With("component", "policy_watcher"),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	var timer *time.Timer
	var timerC <-chan time.Time

	target := filepath.Clean(w.manager.path)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				timer.Reset(watchDebounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.logger.Debug("policy file changed, reloading", "path", w.manager.path)
			w.manager.Reload()

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watch error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fw.Close()
}
