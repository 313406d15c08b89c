package changes

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/tally/pkg/observability"
)

// Definition describes one record type: the canonical field order used
// for diffs and serialization, which fields are sensitive, and which
// carry timestamps.
type Definition struct {
	Name       string   `yaml:"name"`
	Fields     []string `yaml:"fields"`
	Sensitive  []string `yaml:"sensitive"`
	Timestamps []string `yaml:"timestamps"`
}

// IsSensitive reports whether the named field must be redacted in
// human-readable output.
func (d Definition) IsSensitive(field string) bool {
	for _, s := range d.Sensitive {
		if s == field {
			return true
		}
	}
	return false
}

// IsTimestamp reports whether the named field holds a timestamp.
// Parse restores time semantics only for these fields.
func (d Definition) IsTimestamp(field string) bool {
	for _, s := range d.Timestamps {
		if s == field {
			return true
		}
	}
	return false
}

// Registry holds record type definitions. Lookups for unknown record
// types get a zero Definition, which yields lexical field ordering and
// no sensitive fields.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds or replaces a definition.
func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
}

// Get returns the definition for a record type, or a zero Definition
// if none is registered.
func (r *Registry) Get(name string) Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defs[name]
}

// Names returns the registered record type names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type registryFile struct {
	RecordTypes []Definition `yaml:"record_types"`
}

// LoadFile replaces the registry contents with the definitions in a
// YAML file. On parse failure the current contents are kept.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read record type definitions: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse record type definitions: %w", err)
	}
	defs := make(map[string]Definition, len(file.RecordTypes))
	for _, def := range file.RecordTypes {
		if def.Name == "" {
			return fmt.Errorf("record type definition missing name")
		}
		defs[def.Name] = def
	}
	r.mu.Lock()
	r.defs = defs
	r.mu.Unlock()
	return nil
}

// Watch reloads the registry whenever the definitions file changes,
// until the context is cancelled. Reload failures are logged and the
// previous definitions stay in effect.
func (r *Registry) Watch(ctx context.Context, path string, logger *observability.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := r.LoadFile(path); err != nil {
					logger.WithError(err).WithField("path", path).Error("record type registry reload failed")
					continue
				}
				logger.WithField("path", path).Info("record type registry reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("record type registry watcher error")
			}
		}
	}()
	return nil
}
