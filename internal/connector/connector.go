// Package connector defines the capability interfaces an external System
// implements to participate in schema discovery, record reads/writes, and
// the Execution Runner's retry/circuit-breaking policy.
package connector

import (
	"context"

	"github.com/datacore/execution-core/internal/domain"
	"github.com/datacore/execution-core/internal/value"
)

// Connector is the minimal capability every registered System must provide:
// enough to identify itself and report which optional capabilities below it
// also implements.
type Connector interface {
	SystemID() string
	Capabilities() map[string]bool
}

// SchemaDiscoverer introspects a System's native schema into the universal
// type taxonomy (internal/registry).
type SchemaDiscoverer interface {
	Connector
	DiscoverSchema(ctx context.Context, name string) (domain.Schema, error)
}

// Reader streams records from a System in batches, for Mapping Engine input.
type Reader interface {
	Connector
	Read(ctx context.Context, schema domain.Schema, cursor string, batchSize int) (records []value.Value, nextCursor string, done bool, err error)
}

// Writer persists Mapping Engine output records into a System.
type Writer interface {
	Connector
	Write(ctx context.Context, schema domain.Schema, records []value.Value) error
}

// ReadWriter is the common case: a System usable as both Mapping source and
// target.
type ReadWriter interface {
	Reader
	Writer
}
