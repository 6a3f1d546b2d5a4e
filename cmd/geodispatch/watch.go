package main

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
)

// reloadDebounce coalesces the burst of events editors emit per save.
const reloadDebounce = 250 * time.Millisecond

type memoryLimiter interface {
	SetMaxMemoryPercent(p float64)
}

// configWatcher re-reads the config file when it changes and applies the
// keys that can change at runtime. Everything else needs a restart.
type configWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	v       *viper.Viper
	target  memoryLimiter
	logger  pslog.Logger
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// watchConfig watches the directory holding path so atomic renames by
// editors are seen too.
func watchConfig(path string, v *viper.Viper, target memoryLimiter, logger pslog.Logger) (*configWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	w := &configWatcher{
		watcher: watcher,
		path:    filepath.Clean(path),
		v:       v,
		target:  target,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	logger.Info("config.watch.start", "path", w.path)
	return w, nil
}

func (w *configWatcher) run() {
	defer close(w.done)
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config.watch.error", "error", err)
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *configWatcher) reload() {
	before := w.v.GetFloat64("max-memory-percent")
	if err := w.v.ReadInConfig(); err != nil {
		w.logger.Warn("config.reload.failed", "path", w.path, "error", err)
		return
	}
	after := w.v.GetFloat64("max-memory-percent")
	if after < 0 || after > 100 {
		w.logger.Warn("config.reload.rejected", "key", "max-memory-percent", "value", after)
		return
	}
	if after != before {
		w.target.SetMaxMemoryPercent(after)
	}
	w.logger.Info("config.reload.applied", "path", w.path, "max_memory_percent", after)
}

// Close stops watching.
func (w *configWatcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
		<-w.done
	})
	return err
}
