// Package output defines the destination plugin contract the session engine
// pushes to, and the concrete plugins shipped with the service.
package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// FileUpload is one file handed to a destination: rendered manifest text or
// fetched segment bytes.
type FileUpload struct {
	FileName    string
	ContentType string
	Data        []byte
}

// Destination is the output side of one fetcher session. Upload methods
// report success as a boolean; a false return is retried or dropped by the
// caller, never escalated as an error.
type Destination interface {
	// AttachSessionID correlates destination-side logs with a session.
	AttachSessionID(id string)
	UploadMediaPlaylist(ctx context.Context, up FileUpload) bool
	UploadMediaSegment(ctx context.Context, up FileUpload) bool
}

// SegmentDeleter is optionally implemented by destinations that can remove
// previously uploaded segments once they fall out of the window.
type SegmentDeleter interface {
	DeleteMediaSegment(ctx context.Context, fileName string) bool
}

// Plugin validates a destination payload and builds Destination instances.
type Plugin interface {
	Name() string
	CreateOutputDestination(payload json.RawMessage, log *slog.Logger) (Destination, error)
}

// ErrUnknownPlugin is returned by Registry.Get for unregistered plugin names.
var ErrUnknownPlugin = errors.New("unknown output plugin")

// Registry maps plugin names to plugins. It is owned by the service instance
// and passed to request handlers explicitly; there is no package-level
// registry.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry returns an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds a plugin under its name. Registering the same name twice
// keeps the first plugin, matching create-once semantics for service wiring.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[p.Name()]; exists {
		return
	}
	r.plugins[p.Name()] = p
}

// Get returns the plugin registered under name.
func (r *Registry) Get(name string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlugin, name)
	}
	return p, nil
}

// Names returns the registered plugin names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	return names
}
