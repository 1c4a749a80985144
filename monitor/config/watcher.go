package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	debounceWindow  = 200 * time.Millisecond
	emptyRetryCount = 3
	emptyRetryDelay = 500 * time.Millisecond
)

// ReloadFunc receives the freshly parsed configuration and the diff against
// the previous one. It is called from the watcher goroutine.
type ReloadFunc func(cfg *Config, diff Diff)

// Watcher re-parses the config file on filesystem changes and delivers
// differential reloads. Parse failures keep the previous configuration.
type Watcher struct {
	path     string
	log      *zap.Logger
	onReload ReloadFunc

	mu      sync.Mutex
	current *Config
}

// NewWatcher wraps the already-loaded initial configuration.
func NewWatcher(path string, initial *Config, log *zap.Logger, onReload ReloadFunc) *Watcher {
	return &Watcher{path: path, log: log, onReload: onReload, current: initial}
}

// Current returns the last successfully applied configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run watches the config file until ctx is cancelled. The parent directory is
// watched because editors replace files by rename.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(w.path)

	var debounce *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", zap.Error(err))
		case <-fire:
			w.reload(ctx)
		}
	}
}

// reload parses the file and applies the diff. A reload collapsing to zero
// specs while the previous load had some is retried a few times to ride over
// editor-save races; after the retries it is accepted as-is.
func (w *Watcher) reload(ctx context.Context) {
	prev := w.Current()

	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error("config reload failed, keeping previous configuration", zap.Error(err))
		return
	}

	if len(cfg.Specs) == 0 && len(prev.Specs) > 0 {
		for i := 0; i < emptyRetryCount; i++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(emptyRetryDelay):
			}
			retry, err := Load(w.path)
			if err != nil {
				w.log.Error("config reload retry failed, keeping previous configuration", zap.Error(err))
				return
			}
			cfg = retry
			if len(cfg.Specs) > 0 {
				break
			}
		}
	}

	diff := Compute(prev, cfg)
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	if diff.Empty() {
		w.log.Debug("config reload produced no changes")
		return
	}
	w.log.Info("config reloaded",
		zap.Int("added", len(diff.Added)),
		zap.Int("removed", len(diff.Removed)),
		zap.Int("modified", len(diff.Modified)),
		zap.Bool("default_freq_changed", diff.DefaultFreqChanged))
	w.onReload(cfg, diff)
}
