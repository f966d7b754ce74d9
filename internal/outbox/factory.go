package outbox

import (
	"fmt"
	"strings"
)

// Open selects an outbox backend by name: "sqlite" (default), "file" or
// "memory". Path is required for the durable backends.
func Open(backend, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "sqlite":
		return NewSQLiteStore(path)
	case "file":
		return NewFileStore(path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: unknown outbox backend %q", ErrInvalidInput, backend)
	}
}
