// Package backends implements the remote storages of chunks and manifests.
package backends

import (
	"github.com/sloonz/ushelf/lib"

	"fmt"
)

// Build a backend from its options, wrapped with timeouts, rate limiting
// and a circuit breaker
func New(options *ushelf.Options) (ushelf.Backend, error) {
	b, err := NewRaw(options)
	if err != nil {
		return nil, err
	}

	resilience, err := NewResilienceOptions(options)
	if err != nil {
		_ = ushelf.CloseBackend(b)
		return nil, err
	}

	name := options.String["Name"]
	if name == "" {
		name = options.String["Type"]
	}
	return NewResilient(name, b, resilience), nil
}

// Build a backend from its options, without the resilience layer
func NewRaw(options *ushelf.Options) (ushelf.Backend, error) {
	switch options.String["Type"] {
	case "fs":
		return newFSBackend(options)
	case "ftp":
		return newFTPBackend(options)
	case "object-storage":
		return newObjectStorageBackend(options)
	case "command":
		return newCommandBackend(options)
	case "proxy":
		return newProxyBackend(options)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("invalid backend type %v", options.String["Type"])
	}
}
