package function

import (
	"context"
	"fmt"
	"sync"
)

// The registry is where build-time user-code bindings publish their
// finalized functions. It stands in for dynamic code loading, which this
// runtime does not do.
var (
	registryMu sync.Mutex
	registry   = map[string]Finalized{}
)

// Register publishes a finalized function under its method name. Typically
// called from an init function in the user binding package.
func Register(fn Finalized) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[fn.Name]; ok {
		return fmt.Errorf("method %q already registered", fn.Name)
	}
	registry[fn.Name] = fn
	return nil
}

type registryLoader struct{}

func (registryLoader) Load(context.Context) (map[string]Finalized, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if len(registry) == 0 {
		return nil, fmt.Errorf("no methods registered")
	}
	out := make(map[string]Finalized, len(registry))
	for name, fn := range registry {
		out[name] = fn
	}
	return out, nil
}

// RegistryLoader returns a Loader over the process-wide registry.
func RegistryLoader() Loader {
	return registryLoader{}
}
