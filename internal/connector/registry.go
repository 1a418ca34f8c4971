package connector

import (
	"fmt"
	"sync"

	coreerrors "github.com/datacore/execution-core/infrastructure/errors"
)

// Registry resolves a System ID to its registered ReadWriter, implementing
// runner.ConnectorRegistry. Connectors are added one at a time with
// Register; nothing here builds them from System.ConnectionInfo, and
// cmd/coreserver constructs an empty Registry without registering any.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]ReadWriter
}

func NewRegistry() *Registry {
	return &Registry{connectors: map[string]ReadWriter{}}
}

func (r *Registry) Register(rw ReadWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[rw.SystemID()] = rw
}

func (r *Registry) ReadWriterFor(systemID string) (ReadWriter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rw, ok := r.connectors[systemID]
	if !ok {
		return nil, coreerrors.ConnectorError(coreerrors.CodeConnUnavailable, systemID, fmt.Errorf("no connector registered for system %q", systemID))
	}
	return rw, nil
}
