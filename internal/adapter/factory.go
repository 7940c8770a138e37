package adapter

import (
	"fmt"
	"sync"

	"github.com/voragate/gateway/internal/config"
)

// Factory builds an adapter from its provider configuration.
type Factory func(cfg config.ProviderConfig) (Adapter, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register installs a factory for a provider type. Externally generated
// adapters plug in through the same call; the core never special-cases them.
func Register(providerType string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := factories[providerType]; exists {
		panic(fmt.Sprintf("adapter factory %s already registered", providerType))
	}
	factories[providerType] = f
}

// Get returns the factory for a provider type.
func Get(providerType string) (Factory, error) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := factories[providerType]
	if !ok {
		return nil, fmt.Errorf("adapter factory not found for type: %s", providerType)
	}
	return f, nil
}
