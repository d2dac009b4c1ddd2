// Package watch applies operator edits from the workspace plan file.
//
// The plan file is the human side of the hierarchy: titles, dependency
// edges, and new nodes are authored there and folded into the store
// through the same versioned mutations any other external edit uses.
// The watcher debounces filesystem events because editors save through
// write-write or write-rename sequences, and applies the whole file on
// each settled change.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/hierarchy"
)

const defaultDebounce = 500 * time.Millisecond

// Config holds watcher configuration.
type Config struct {
	// PlanPath is the plan file location (default: .swarmd/plan.yaml).
	PlanPath string

	// Debounce is how long the file must stay quiet before an apply.
	Debounce time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PlanPath: filepath.Join(".swarmd", "plan.yaml"),
		Debounce: defaultDebounce,
	}
}

// Watcher watches the plan file and applies operator edits to the store.
type Watcher struct {
	config  *Config
	store   *hierarchy.Store
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	stopCh chan struct{}
	doneCh chan struct{}

	// applied is signaled after each apply; tests synchronize on it.
	applied chan *ApplyResult
}

// NewWatcher creates a plan watcher. The plan file does not have to
// exist yet; its directory does.
func NewWatcher(cfg *Config, store *hierarchy.Store, logger *zap.Logger) (*Watcher, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.PlanPath == "" {
		cfg.PlanPath = filepath.Join(".swarmd", "plan.yaml")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if store == nil {
		return nil, errors.New("hierarchy store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create plan watcher: %w", err)
	}

	// Watch the directory, not the file: editors and atomic savers
	// replace the file by rename, which drops a direct file watch.
	dir := filepath.Dir(cfg.PlanPath)
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch plan directory %s: %w", dir, err)
	}

	return &Watcher{
		config:  cfg,
		store:   store,
		logger:  logger,
		watcher: fw,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		applied: make(chan *ApplyResult, 1),
	}, nil
}

// Start applies the current plan file if present, then begins watching.
func (w *Watcher) Start(ctx context.Context) error {
	if _, err := os.Stat(w.config.PlanPath); err == nil {
		if err := w.apply(ctx); err != nil {
			return err
		}
	}

	go w.run(ctx)
	return nil
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	_ = w.watcher.Close()
	<-w.doneCh
}

// Applied exposes apply results for synchronization in tests.
func (w *Watcher) Applied() <-chan *ApplyResult {
	return w.applied
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.isPlanEvent(event) {
				continue
			}
			// Restart the quiet period on every hit.
			if timer == nil {
				timer = time.NewTimer(w.config.Debounce)
				timerCh = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.config.Debounce)
			}

		case <-timerCh:
			timerCh = nil
			timer = nil
			if err := w.apply(ctx); err != nil {
				w.logger.Warn("plan apply failed", zap.Error(err))
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("plan watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) isPlanEvent(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != filepath.Clean(w.config.PlanPath) {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

// apply reloads the plan file and folds it into the store.
func (w *Watcher) apply(ctx context.Context) error {
	plan, err := LoadPlan(w.config.PlanPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Deleted or mid-rename; the next event re-applies.
			return nil
		}
		return err
	}

	res, err := ApplyPlan(ctx, w.store, plan)
	if err != nil {
		return err
	}

	for _, aerr := range res.Errors {
		w.logger.Warn("plan node rejected", zap.Error(aerr))
	}
	w.logger.Info("plan applied",
		zap.String("path", w.config.PlanPath),
		zap.Int("created", res.Created),
		zap.Int("edited", res.Edited),
		zap.Int("rejected", len(res.Errors)))

	select {
	case w.applied <- res:
	default:
	}
	return nil
}
