package mda

import (
	"sort"
	"sync"
)

// WriterFactory creates a format Writer from configuration.
type WriterFactory func(cfg Config) (Writer, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[Format]WriterFactory)
)

// Register adds a writer factory for a mailbox format.
// It panics if called with an empty format or nil factory,
// or if the format is already registered.
func Register(format Format, factory WriterFactory) {
	if format == "" {
		panic("mda: Register called with empty format")
	}
	if factory == nil {
		panic("mda: Register called with nil factory")
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[format]; exists {
		panic("mda: Register called twice for " + string(format))
	}
	registry[format] = factory
}

// RegisteredFormats returns a sorted list of registered formats.
func RegisteredFormats() []Format {
	registryMu.RLock()
	defer registryMu.RUnlock()

	formats := make([]Format, 0, len(registry))
	for format := range registry {
		formats = append(formats, format)
	}
	sort.Slice(formats, func(i, j int) bool { return formats[i] < formats[j] })
	return formats
}

func factories() map[Format]WriterFactory {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make(map[Format]WriterFactory, len(registry))
	for format, factory := range registry {
		out[format] = factory
	}
	return out
}
