package catalog

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Model tiers
const (
	TierBasic    = "basic"
	TierStandard = "standard"
	TierAdvanced = "advanced"
	TierPremium  = "premium"
)

// ModelDescriptor holds the static metadata for one backend model.
// Descriptors are owned by the Catalog; callers receive copies and
// must not expect mutations to be visible elsewhere.
type ModelDescriptor struct {
	ID                 string   `yaml:"id"`
	Provider           string   `yaml:"provider"`
	Tier               string   `yaml:"tier"`
	CapabilityTags     []string `yaml:"capabilities"`
	InputCostPerMTok   float64  `yaml:"input_cost_per_mtok"`
	OutputCostPerMTok  float64  `yaml:"output_cost_per_mtok"`
	PerMinuteRateLimit int      `yaml:"rate_limit_per_minute"`
	Available          bool     `yaml:"-"`
}

// HasCapability reports whether the descriptor carries the given tag.
func (d ModelDescriptor) HasCapability(tag string) bool {
	for _, t := range d.CapabilityTags {
		if t == tag {
			return true
		}
	}
	return false
}

type rosterFile struct {
	Models []ModelDescriptor `yaml:"models"`
}

// Catalog is the shared, read-mostly roster of model descriptors.
// Reads return an immutable snapshot; writes swap the snapshot under
// a write lock so readers never observe a half-updated descriptor.
type Catalog struct {
	logger *zap.Logger

	mu    sync.RWMutex
	list  []ModelDescriptor
	index map[string]int
}

// Load reads the model roster from a YAML file and returns a Catalog
// preserving file order. File order is significant: it is the tie-break
// for equal scores during ranking.
func Load(path string, logger *zap.Logger) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model roster: %w", err)
	}
	var rf rosterFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("unmarshal model roster: %w", err)
	}
	if len(rf.Models) == 0 {
		return nil, fmt.Errorf("model roster %s contains no models", path)
	}
	c := &Catalog{logger: logger}
	c.replace(rf.Models)
	logger.Info("Loaded model roster",
		zap.String("path", path),
		zap.Int("models", len(rf.Models)),
	)
	return c, nil
}

// New builds a Catalog from an in-memory roster. Used by tests and by
// callers that assemble descriptors programmatically.
func New(models []ModelDescriptor, logger *zap.Logger) *Catalog {
	c := &Catalog{logger: logger}
	c.replace(models)
	return c
}

func (c *Catalog) replace(models []ModelDescriptor) {
	list := make([]ModelDescriptor, len(models))
	index := make(map[string]int, len(models))
	for i, m := range models {
		m.Available = true
		if m.PerMinuteRateLimit < 0 {
			m.PerMinuteRateLimit = 0
		}
		list[i] = m
		index[m.ID] = i
	}
	c.mu.Lock()
	// Preserve availability overrides across reloads (e.g. a model
	// disabled because its API key is absent stays disabled).
	for id, i := range c.index {
		if j, ok := index[id]; ok && !c.list[i].Available {
			list[j].Available = false
		}
	}
	c.list = list
	c.index = index
	c.mu.Unlock()
}

// List returns all descriptors in roster order.
func (c *Catalog) List() []ModelDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ModelDescriptor, len(c.list))
	copy(out, c.list)
	return out
}

// Get returns the descriptor for a model id.
func (c *Catalog) Get(id string) (ModelDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.index[id]
	if !ok {
		return ModelDescriptor{}, false
	}
	return c.list[i], true
}

// SetAvailable marks a model available or unavailable at runtime,
// typically because its provider credentials are missing.
func (c *Catalog) SetAvailable(id string, available bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.index[id]
	if !ok {
		return false
	}
	c.list[i].Available = available
	c.logger.Info("Model availability changed",
		zap.String("model", id),
		zap.Bool("available", available),
	)
	return true
}

// Watch reloads the roster when the file changes. It blocks until the
// context-free stop channel is closed and is intended to run in its
// own goroutine.
func (c *Catalog) Watch(path string, stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create roster watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch model roster: %w", err)
	}

	for {
		select {
		case <-stop:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			data, err := os.ReadFile(path)
			if err != nil {
				c.logger.Warn("Roster reload failed", zap.Error(err))
				continue
			}
			var rf rosterFile
			if err := yaml.Unmarshal(data, &rf); err != nil {
				c.logger.Warn("Roster reload failed", zap.Error(err))
				continue
			}
			if len(rf.Models) == 0 {
				c.logger.Warn("Roster reload produced empty roster, keeping previous")
				continue
			}
			c.replace(rf.Models)
			c.logger.Info("Reloaded model roster", zap.Int("models", len(rf.Models)))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("Roster watcher error", zap.Error(err))
		}
	}
}
