package testutil

import (
	"cbak-go/internal/cbak"
	"cbak-go/internal/provider"
)

// TestProviders creates one in-memory provider per name. The stores are
// returned by name for inspection and failure injection.
func TestProviders(names ...string) (cbak.Providers, map[string]*provider.MemoryStore) {
	providers := make(cbak.Providers, len(names))
	stores := make(map[string]*provider.MemoryStore, len(names))
	for _, name := range names {
		p, store := provider.NewMemoryProvider(name)
		providers[name] = p
		stores[name] = store
	}
	return providers, stores
}
