package config

import (
	"sync"
	"sync/atomic"

	log "github.com/cihub/seelog"
	"github.com/fsnotify/fsnotify"
)

// Watcher keeps an atomic.Pointer[AgentConfig] current with the contents of
// a yaml file on disk, so threshold tuning takes effect without a restart.
// Callers read the live config via Current(); the engine publishes its
// baselines through the same atomic-pointer-swap pattern (see baseline.Learner).
// A caller that needs reloads pushed into running state (rather than only
// polling Current()) registers a callback via OnReload.
type Watcher struct {
	path    string
	current atomic.Pointer[AgentConfig]
	watcher *fsnotify.Watcher
	done    chan struct{}

	mu       sync.Mutex
	onReload func(*AgentConfig)
}

// OnReload registers fn to be called, from the watcher's goroutine,
// every time a reload successfully produces a new config. Only one
// callback is kept; a later call replaces an earlier one.
func (w *Watcher) OnReload(fn func(*AgentConfig)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = fn
}

// NewWatcher loads path once and, if it exists, starts watching it for
// writes. path == "" disables watching entirely; Current always returns the
// initial config in that case.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, done: make(chan struct{})}
	w.current.Store(cfg)

	if path == "" {
		return w, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warnf("config: could not start file watcher, hot-reload disabled: %s", err)
		return w, nil
	}
	if err := fw.Add(path); err != nil {
		log.Warnf("config: could not watch %s, hot-reload disabled: %s", path, err)
		fw.Close()
		return w, nil
	}
	w.watcher = fw
	go w.run()
	return w, nil
}

// Current returns the most recently loaded config. Safe for concurrent use.
func (w *Watcher) Current() *AgentConfig {
	return w.current.Load()
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Errorf("config: reload of %s failed, keeping previous config: %s", w.path, err)
				continue
			}
			w.current.Store(cfg)
			log.Infof("config: reloaded %s", w.path)

			w.mu.Lock()
			fn := w.onReload
			w.mu.Unlock()
			if fn != nil {
				fn(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("config: watcher error: %s", err)
		case <-w.done:
			return
		}
	}
}

// Stop shuts down the file watcher, if one was started.
func (w *Watcher) Stop() {
	close(w.done)
	if w.watcher != nil {
		w.watcher.Close()
	}
}
