// Package tools loads the static tool manifest and narrows it to a small,
// deterministic subset per request (tool disclosure).
package tools

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Descriptor describes one tool from the manifest. Descriptors are
// immutable at runtime.
type Descriptor struct {
	ServerName  string                 `yaml:"-" json:"server_name"`
	ToolName    string                 `yaml:"name" json:"tool_name"`
	Description string                 `yaml:"description" json:"description"`
	Keywords    []string               `yaml:"keywords" json:"keywords,omitempty"`
	CostClass   string                 `yaml:"cost_class" json:"cost_class,omitempty"`
	Parameters  map[string]interface{} `yaml:"parameters" json:"parameters,omitempty"`
}

// Qualified returns the server-qualified tool name.
func (d Descriptor) Qualified() string { return d.ServerName + "::" + d.ToolName }

type manifest struct {
	Servers []struct {
		Name  string       `yaml:"name"`
		Tools []Descriptor `yaml:"tools"`
	} `yaml:"servers"`
}

// catalogueSnapshot is the immutable loaded state; reads are lock-free.
type catalogueSnapshot struct {
	tools  []Descriptor
	byName map[string]Descriptor // qualified name -> descriptor
}

// Catalogue holds the tool manifest and serves disclosure queries.
type Catalogue struct {
	snapshot atomic.Pointer[catalogueSnapshot]
	path     string
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
}

// Load reads the manifest file and returns a catalogue.
func Load(path string, logger *zap.Logger) (*Catalogue, error) {
	c := &Catalogue{path: path, logger: logger}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalogue) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read manifest %s: %w", c.path, err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse manifest %s: %w", c.path, err)
	}

	snap := &catalogueSnapshot{byName: make(map[string]Descriptor)}
	for _, srv := range m.Servers {
		for _, t := range srv.Tools {
			t.ServerName = srv.Name
			snap.tools = append(snap.tools, t)
			snap.byName[t.Qualified()] = t
		}
	}
	// Stable catalogue order: (server, tool). Disclosure output order
	// derives from this, which keeps results deterministic.
	sort.Slice(snap.tools, func(i, j int) bool {
		if snap.tools[i].ServerName != snap.tools[j].ServerName {
			return snap.tools[i].ServerName < snap.tools[j].ServerName
		}
		return snap.tools[i].ToolName < snap.tools[j].ToolName
	})

	c.snapshot.Store(snap)
	c.logger.Info("Tool manifest loaded",
		zap.String("path", c.path),
		zap.Int("tools", len(snap.tools)),
	)
	return nil
}

// Watch hot-reloads the manifest when the file changes. Reload failures
// keep the previous snapshot.
func (c *Catalogue) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(c.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", c.path, err)
	}
	c.watcher = watcher

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := c.reload(); err != nil {
					c.logger.Warn("Manifest reload failed; keeping previous catalogue", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("Manifest watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close stops the watcher if one is running.
func (c *Catalogue) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

// All returns every descriptor in catalogue order.
func (c *Catalogue) All() []Descriptor {
	snap := c.snapshot.Load()
	out := make([]Descriptor, len(snap.tools))
	copy(out, snap.tools)
	return out
}

// Lookup returns the descriptor for a server-qualified name.
func (c *Catalogue) Lookup(qualified string) (Descriptor, bool) {
	snap := c.snapshot.Load()
	d, ok := snap.byName[qualified]
	return d, ok
}

// Len returns the number of loaded tools.
func (c *Catalogue) Len() int { return len(c.snapshot.Load().tools) }

// tokenize lowercases and splits free-form request text into match terms.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
