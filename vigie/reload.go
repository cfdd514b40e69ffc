package vigie

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader installs a new configuration. *Service implements it.
type Reloader interface {
	Reload(ctx context.Context, cfg *Config) error
}

// ConfigReloader watches the configuration file and reloads the service
// when its content changes. Invalid files are logged and ignored.
type ConfigReloader struct {
	path     string
	target   Reloader
	debounce time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	hash []byte
}

// NewConfigReloader creates a reloader for path. debounce <= 0 defaults to
// 500ms.
func NewConfigReloader(path string, target Reloader, debounce time.Duration, logger *slog.Logger) *ConfigReloader {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &ConfigReloader{path: filepath.Clean(path), target: target, debounce: debounce, logger: logger}
}

// Run watches until ctx is done. The directory is watched rather than the
// file so editors that replace the file by rename are seen.
func (r *ConfigReloader) Run(ctx context.Context) error {
	if data, err := os.ReadFile(r.path); err == nil {
		r.mu.Lock()
		r.hash = digest(data)
		r.mu.Unlock()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("vigie: config watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("vigie: watch %s: %w", filepath.Dir(r.path), err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != r.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(r.debounce)
				fire = timer.C
			} else {
				timer.Reset(r.debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("vigie: config watcher error", "error", err)
		case <-fire:
			if _, err := r.Check(ctx); err != nil {
				r.logger.Error("vigie: config reload rejected, keeping current config", "path", r.path, "error", err)
			}
		}
	}
}

// Check reloads the file if its content changed since the last successful
// load. It reports whether a reload happened.
func (r *ConfigReloader) Check(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := os.ReadFile(r.path)
	if err != nil {
		return false, fmt.Errorf("vigie: read config: %w", err)
	}
	sum := digest(data)
	if bytes.Equal(sum, r.hash) {
		return false, nil
	}
	// The target validates against its own channel variants.
	cfg, err := decodeConfig(data)
	if err != nil {
		return false, err
	}
	if err := r.target.Reload(ctx, cfg); err != nil {
		return false, err
	}
	r.hash = sum
	r.logger.Info("vigie: config file reloaded", "path", r.path)
	return true, nil
}

func digest(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
