// Package content implements the synchronization engine: identity
// resolution, sync-report reconciliation, orchestration with the
// single-flight guard, bits loading and orphan purging.
package content

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/packhub/packhub/internal/server/models"
)

// Provider is the adapter to one kind of remote package repository. A
// provider is registered once per content source type name; the same instance
// serves every source of that type and must be safe for concurrent use.
type Provider interface {
	// TestConnection verifies the source's configuration is usable.
	TestConnection(ctx context.Context, source *models.ContentSource) error

	// SynchronizePackages diffs the remote inventory against the previously
	// known mappings and returns the new/updated/deleted package descriptors.
	SynchronizePackages(ctx context.Context, source *models.ContentSource, previous []*models.PackageVersionContentSource) (*models.PackageSyncReport, error)

	// LoadPackageBits opens the raw payload stream for the given remote
	// location. The caller closes the stream.
	LoadPackageBits(ctx context.Context, source *models.ContentSource, location string) (io.ReadCloser, error)
}

// Registry maps content source type names to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) Register(typeName string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[typeName] = p
}

func (r *Registry) Lookup(typeName string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[typeName]
	if !ok {
		return nil, fmt.Errorf("no provider registered for source type %q", typeName)
	}
	return p, nil
}

// TypeNames returns the registered type names, for diagnostics.
func (r *Registry) TypeNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	return names
}
