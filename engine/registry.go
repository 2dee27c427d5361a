package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry errors.
var (
	// ErrAlreadyRegistered is returned when a key is registered twice.
	ErrAlreadyRegistered = errors.New("engine key already registered")
	// ErrUnknownEngine is returned by New for a key that was never registered.
	ErrUnknownEngine = errors.New("unknown engine")
)

// Registry maps engine keys to constructors so a training loop can select a
// backend by name. It holds constructors only, never engine instances: every
// New call builds an independent engine.
//
// The intended lifecycle is populate-then-read: backends register at process
// start, before the first New call. Reads are safe concurrently.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry creates an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
	}
}

// Register records ctor under key. Registering an already-used key is
// rejected with ErrAlreadyRegistered rather than silently overwriting, so a
// backend cannot displace another by accident.
func (r *Registry) Register(key string, ctor Constructor) error {
	if key == "" {
		return fmt.Errorf("empty engine key")
	}
	if ctor == nil {
		return fmt.Errorf("nil constructor for engine %q", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.constructors[key]; ok {
		return fmt.Errorf("register %q: %w", key, ErrAlreadyRegistered)
	}
	r.constructors[key] = ctor
	return nil
}

// New looks up key and constructs a fresh engine, forwarding cfg unmodified
// to the constructor. An unregistered key fails with ErrUnknownEngine.
func (r *Registry) New(key string, cfg Config) (Engine, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[key]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, key)
	}
	return ctor(cfg)
}

// Keys returns all registered engine keys, sorted for stable output.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.constructors))
	for k := range r.constructors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
