// Package reload triggers rule reloads on file changes and SIGHUP.
package reload

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/vigilwaf/vigil/internal/logging"
)

const DefaultDebounce = 500 * time.Millisecond

// Func performs one reload.
type Func func() error

// Watcher watches the directories of rule file patterns and calls a Func
// once a burst of changes to matching files has settled.
type Watcher struct {
	patterns []string
	files    func() []string
	reload   Func
	logger   *zap.Logger
	debounce time.Duration

	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	watched  map[string]bool
	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher watches patterns. files, when set, returns extra paths (such as
// included files) whose changes also count.
func NewWatcher(patterns []string, files func() []string, reload Func, logger *zap.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if a, err := filepath.Abs(p); err == nil {
			abs = append(abs, a)
		}
	}
	return &Watcher{
		patterns: abs,
		files:    files,
		reload:   reload,
		logger:   logging.OrNop(logger),
		debounce: DefaultDebounce,
		watcher:  w,
		watched:  map[string]bool{},
		done:     make(chan struct{}),
	}, nil
}

func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start adds the watched directories and runs the event loop until ctx is
// done or Stop is called. Editors that replace files by rename are handled
// by watching directories rather than files.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.Sync(); err != nil {
		return err
	}
	w.logger.Info("rule watcher started", zap.Strings("patterns", w.patterns))

	go w.loop(ctx)
	return nil
}

// Sync watches the directories of the patterns and of every file currently
// reported by files. Call it after a reload so that newly included files
// are picked up.
func (w *Watcher) Sync() error {
	dirs := map[string]bool{}
	for _, p := range w.patterns {
		dirs[filepath.Dir(p)] = true
	}
	if w.files != nil {
		for _, f := range w.files() {
			if a, err := filepath.Abs(f); err == nil {
				dirs[filepath.Dir(a)] = true
			}
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for dir := range dirs {
		if w.watched[dir] {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.watched[dir] = true
		w.logger.Debug("watching rule directory", zap.String("dir", dir))
	}
	return nil
}

func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("rule file event", zap.String("op", event.Op.String()), zap.String("file", event.Name))
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerCh = timer.C

		case <-timerCh:
			timerCh = nil
			w.trigger("file change")

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("rule watcher error", zap.Error(err))

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return false
	}
	name, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	for _, p := range w.patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	if w.files != nil {
		for _, f := range w.files() {
			if a, err := filepath.Abs(f); err == nil && a == name {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) trigger(reason string) {
	if !run(w.reload, w.logger, reason) {
		return
	}
	if err := w.Sync(); err != nil {
		w.logger.Error("rule watcher sync", zap.Error(err))
	}
}

func run(reload Func, logger *zap.Logger, reason string) bool {
	start := time.Now()
	if err := reload(); err != nil {
		logger.Error("rule reload failed", zap.String("reason", reason), zap.Error(err))
		return false
	}
	logger.Info("rules reloaded", zap.String("reason", reason), zap.Duration("duration", time.Since(start)))
	return true
}

// OnSignal calls reload on every SIGHUP until ctx is done. It returns
// immediately; the signal loop runs in its own goroutine.
func OnSignal(ctx context.Context, reload Func, logger *zap.Logger) {
	logger = logging.OrNop(logger)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ch:
				run(reload, logger, "SIGHUP")
			case <-ctx.Done():
				return
			}
		}
	}()
}
