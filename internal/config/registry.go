package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/murmur/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by [Registry.CreateTTS] for a backend
// name nobody registered.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// TTSFactory builds a synthesis backend from its configuration block.
type TTSFactory func(ProviderEntry) (tts.Provider, error)

// Registry resolves the tts.name (and each fallback name) of a config file
// to a synthesis backend. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	backend map[string]TTSFactory
}

func NewRegistry() *Registry {
	return &Registry{backend: make(map[string]TTSFactory)}
}

// RegisterTTS adds a backend factory. Registration happens once at startup,
// so an empty name, a nil factory or a name taken twice is a programming
// error and panics.
func (r *Registry) RegisterTTS(name string, factory TTSFactory) {
	if name == "" || factory == nil {
		panic("config: RegisterTTS needs a name and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.backend[name]; dup {
		panic(fmt.Sprintf("config: tts backend %q registered twice", name))
	}
	r.backend[name] = factory
}

// CreateTTS builds the backend named by entry.Name. An unknown name yields
// [ErrProviderNotRegistered] together with the names that are known.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.backend[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts %q (known: %s)", ErrProviderNotRegistered, entry.Name, strings.Join(r.TTSNames(), ", "))
	}
	p, err := factory(entry)
	switch {
	case err != nil:
		return nil, fmt.Errorf("config: build tts %q: %w", entry.Name, err)
	case p == nil:
		return nil, fmt.Errorf("config: build tts %q: factory returned no backend", entry.Name)
	}
	return p, nil
}

// TTSNames lists the registered backends alphabetically.
func (r *Registry) TTSNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.backend))
}
