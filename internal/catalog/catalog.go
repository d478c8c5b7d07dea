// Package catalog aggregates the tools and resources advertised by running
// providers into one namespaced lookup table. The table is rebuilt and
// atomically swapped whenever a provider enters or leaves the running state,
// so readers never observe a half-updated view.
package catalog

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ToolDescriptor is one callable tool, qualified by its owning provider.
type ToolDescriptor struct {
	Provider    string         `json:"provider"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ResourceDescriptor is one readable resource, qualified by its owning
// provider.
type ResourceDescriptor struct {
	Provider    string `json:"provider"`
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mime_type,omitempty"`
}

type providerEntry struct {
	name      string
	declIndex int // provider declaration order in the config snapshot
	tools     []ToolDescriptor
	resources []ResourceDescriptor
}

type view struct {
	tools     []ToolDescriptor
	resources []ResourceDescriptor
	toolIndex map[string]ToolDescriptor // bare name → first provider in declaration order
	uriIndex  map[string]ResourceDescriptor
}

// Catalog is safe for concurrent use: reads go through an atomic pointer,
// writes rebuild the view under a mutex.
type Catalog struct {
	mu        sync.Mutex
	providers map[string]*providerEntry
	view      atomic.Pointer[view]
}

// New creates an empty catalog.
func New() *Catalog {
	c := &Catalog{providers: make(map[string]*providerEntry)}
	c.view.Store(&view{
		toolIndex: map[string]ToolDescriptor{},
		uriIndex:  map[string]ResourceDescriptor{},
	})
	return c
}

// SetProvider publishes a running provider's tool and resource sets.
// declIndex fixes the provider's position in listings.
func (c *Catalog) SetProvider(name string, declIndex int, tools []ToolDescriptor, resources []ResourceDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = &providerEntry{
		name:      name,
		declIndex: declIndex,
		tools:     tools,
		resources: resources,
	}
	c.rebuild()
}

// RemoveProvider withdraws a provider's entries, e.g. when it stops or
// crashes.
func (c *Catalog) RemoveProvider(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.providers[name]; !ok {
		return
	}
	delete(c.providers, name)
	c.rebuild()
}

// rebuild recomputes the flattened view and swaps it in. Callers hold c.mu.
func (c *Catalog) rebuild() {
	entries := make([]*providerEntry, 0, len(c.providers))
	for _, e := range c.providers {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].declIndex < entries[j].declIndex })

	v := &view{
		toolIndex: make(map[string]ToolDescriptor),
		uriIndex:  make(map[string]ResourceDescriptor),
	}
	for _, e := range entries {
		for _, t := range e.tools {
			v.tools = append(v.tools, t)
			if _, taken := v.toolIndex[t.Name]; !taken {
				v.toolIndex[t.Name] = t
			}
		}
		for _, r := range e.resources {
			v.resources = append(v.resources, r)
			if _, taken := v.uriIndex[r.URI]; !taken {
				v.uriIndex[r.URI] = r
			}
		}
	}
	c.view.Store(v)
}

// Resolve maps a tool name to its descriptor. Names may be provider-qualified
// ("provider/tool"); a bare name resolves to the first declaring provider.
func (c *Catalog) Resolve(toolName string) (ToolDescriptor, bool) {
	v := c.view.Load()
	if provider, bare, ok := strings.Cut(toolName, "/"); ok {
		for _, t := range v.tools {
			if t.Provider == provider && t.Name == bare {
				return t, true
			}
		}
		return ToolDescriptor{}, false
	}
	t, ok := v.toolIndex[toolName]
	return t, ok
}

// ResolveResource maps a resource URI to its descriptor.
func (c *Catalog) ResolveResource(uri string) (ResourceDescriptor, bool) {
	v := c.view.Load()
	r, ok := v.uriIndex[uri]
	return r, ok
}

// Tools lists all tools in stable order: provider declaration order, then
// tool declaration order within each provider.
func (c *Catalog) Tools() []ToolDescriptor {
	v := c.view.Load()
	out := make([]ToolDescriptor, len(v.tools))
	copy(out, v.tools)
	return out
}

// Resources lists all resources in the same stable order.
func (c *Catalog) Resources() []ResourceDescriptor {
	v := c.view.Load()
	out := make([]ResourceDescriptor, len(v.resources))
	copy(out, v.resources)
	return out
}
