package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Catalog holds the loaded scenarios and reloads them when the scenario
// directory changes on disk.
type Catalog struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	scenarios map[string]*Scenario
}

func NewCatalog(dir string, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		dir:       dir,
		logger:    logger,
		scenarios: make(map[string]*Scenario),
	}
}

// Load reads the scenario directory. Invalid files are logged and skipped.
func (c *Catalog) Load() error {
	loaded, errs := LoadDir(c.dir)
	for _, err := range errs {
		c.logger.Warn("scenario skipped", "error", err)
	}
	c.mu.Lock()
	c.scenarios = loaded
	c.mu.Unlock()
	c.logger.Info("scenarios loaded", "dir", c.dir, "count", len(loaded), "skipped", len(errs))
	return nil
}

// Get returns the scenario by id, if present.
func (c *Catalog) Get(id string) (*Scenario, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sc, ok := c.scenarios[id]
	return sc, ok
}

// List returns all scenarios sorted by id.
func (c *Catalog) List() []*Scenario {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Scenario, 0, len(c.scenarios))
	for _, sc := range c.scenarios {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Watch reloads the catalog when any scenario file changes. Bursts of
// filesystem events are debounced.
func (c *Catalog) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	abs, err := filepath.Abs(c.dir)
	if err != nil {
		_ = fsw.Close()
		return fmt.Errorf("abs scenario dir: %w", err)
	}
	if err := fsw.Add(abs); err != nil {
		_ = fsw.Close()
		if os.IsNotExist(err) {
			c.logger.Warn("scenario dir missing, hot reload disabled", "dir", abs)
			return nil
		}
		return fmt.Errorf("watch scenario dir: %w", err)
	}

	go func() {
		defer func() { _ = fsw.Close() }()

		var pending bool
		var timer *time.Timer
		var timerC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				name := strings.ToLower(ev.Name)
				if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
					continue
				}
				if !pending {
					pending = true
					timer = time.NewTimer(250 * time.Millisecond)
					timerC = timer.C
				}
			case <-timerC:
				pending = false
				timerC = nil
				if err := c.Load(); err != nil {
					c.logger.Warn("scenario reload failed", "error", err)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				c.logger.Warn("scenario watcher error", "error", err)
			}
		}
	}()
	return nil
}
