// Package plugins normalizes fetched payloads into asset records. A plugin
// declares which asset types it handles; the crawl success hook runs every
// matching plugin and stores the records it returns.
package plugins

import "sync"

// AssetRecord is one normalized asset produced from a fetched payload.
type AssetRecord struct {
	Identifier     string
	AssetType      string
	SourceURL      string
	Checksum       string
	Tags           []string
	NormalizedPath string
	Metadata       map[string]any
}

// Plugin turns a fetched payload into zero or more asset records.
type Plugin interface {
	Name() string
	Supports(assetType string) bool
	Normalize(sourceURL, rawPath, metadataJSON, normalizedDir string) ([]AssetRecord, error)
}

// Registry holds plugins in registration order.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// DefaultRegistry returns a registry preloaded with the built-in page and
// media plugins.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(PagePlugin{})
	r.Register(MediaPlugin{})
	return r
}

// Register adds plugin unless one with the same name is already present.
func (r *Registry) Register(plugin Plugin) {
	if plugin == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.plugins {
		if existing.Name() == plugin.Name() {
			return
		}
	}
	r.plugins = append(r.plugins, plugin)
}

// Find returns every registered plugin that supports assetType, in
// registration order.
func (r *Registry) Find(assetType string) []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []Plugin
	for _, plugin := range r.plugins {
		if plugin.Supports(assetType) {
			matches = append(matches, plugin)
		}
	}
	return matches
}

// Names lists the registered plugin names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.plugins))
	for _, plugin := range r.plugins {
		names = append(names, plugin.Name())
	}
	return names
}
