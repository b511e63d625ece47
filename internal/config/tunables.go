package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Tunables are the learning knobs that may change while the service runs.
// Retrieval and feedback read them per request through a TunableSource.
type Tunables struct {
	Delta               float64 `yaml:"delta"`
	Beta                float64 `yaml:"beta"`
	MinMemorySimilarity float64 `yaml:"min_memory_similarity"`
	WorkflowTopM        int     `yaml:"workflow_top_m"`
	WorkflowEnabled     bool    `yaml:"workflow_enabled"`
	TopK                int     `yaml:"top_k"`
}

func (t Tunables) validate() error {
	if t.Delta <= 0 || t.Delta > 0.5 {
		return fmt.Errorf("delta must be in (0, 0.5], got %v", t.Delta)
	}
	if t.Beta < 0 {
		return fmt.Errorf("beta must be >= 0, got %v", t.Beta)
	}
	if t.MinMemorySimilarity < 0 || t.MinMemorySimilarity > 1 {
		return fmt.Errorf("min_memory_similarity must be in [0, 1], got %v", t.MinMemorySimilarity)
	}
	if t.WorkflowTopM < 1 {
		return fmt.Errorf("workflow_top_m must be >= 1, got %d", t.WorkflowTopM)
	}
	if t.TopK < 1 {
		return fmt.Errorf("top_k must be >= 1, got %d", t.TopK)
	}
	return nil
}

// TunableSource yields the current learning knobs.
type TunableSource interface {
	Current() Tunables
}

// Static is a fixed TunableSource for tests and deployments without a
// tunables file.
type Static Tunables

func (s Static) Current() Tunables { return Tunables(s) }

// Watcher hot-reloads Tunables from a YAML file. An invalid or unreadable
// file keeps the previous values; readers always see a complete snapshot.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu      sync.RWMutex
	current Tunables

	stopCh  chan struct{}
	started bool
}

// NewWatcher creates a watcher seeded with initial values. The file does not
// have to exist yet; it is picked up on creation.
func NewWatcher(path string, initial Tunables, logger *zap.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("tunables path cannot be empty")
	}
	if err := initial.validate(); err != nil {
		return nil, fmt.Errorf("initial tunables: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Watcher{
		path:    path,
		watcher: fw,
		logger:  logger,
		current: initial,
		stopCh:  make(chan struct{}),
	}, nil
}

// Current returns the latest tunables snapshot.
func (w *Watcher) Current() Tunables {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start loads the file if present and begins watching its directory.
// Watching the directory rather than the file survives editors and config
// mounts that replace the file on write.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	if err := w.reload("initial_load"); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("Tunables file unreadable at startup, using defaults",
			zap.String("path", w.path), zap.Error(err))
	}

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch tunables directory: %w", err)
	}

	go w.watchLoop()

	w.logger.Info("Tunables watcher started",
		zap.String("path", w.path),
		zap.Float64("delta", w.Current().Delta),
		zap.Float64("beta", w.Current().Beta),
	)
	return nil
}

// Stop terminates the watch loop.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return nil
	}
	w.started = false
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Brief delay to absorb rapid successive writes.
			time.Sleep(50 * time.Millisecond)
			if err := w.reload(event.Op.String()); err != nil {
				w.logger.Error("Tunables reload failed, keeping previous values",
					zap.String("path", w.path), zap.Error(err))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Tunables watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload(action string) error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}

	// Decode over a copy of the current values so a partial file only
	// changes the keys it names.
	next := w.Current()
	if err := yaml.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("parse tunables: %w", err)
	}
	if err := next.validate(); err != nil {
		return err
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	w.mu.Unlock()

	if prev != next {
		w.logger.Info("Tunables updated",
			zap.String("action", action),
			zap.Float64("delta", next.Delta),
			zap.Float64("beta", next.Beta),
			zap.Float64("min_memory_similarity", next.MinMemorySimilarity),
			zap.Int("top_k", next.TopK),
			zap.Bool("workflow_enabled", next.WorkflowEnabled),
		)
	}
	return nil
}
