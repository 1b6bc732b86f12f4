package nffg

import (
	"strings"

	"github.com/google/uuid"
)

// IDGenerator hands out fresh identifiers for VNFs, endpoints and flow
// rules. The engine takes it as a dependency so tests can supply a
// deterministic sequence; identifiers are never reused once a node is
// removed from a graph.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator is the production generator: random UUIDs without dashes,
// matching the identifier shape used across persisted graphs.
type UUIDGenerator struct{}

// NewID returns a fresh 32-character hex identifier.
func (UUIDGenerator) NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

var _ IDGenerator = UUIDGenerator{}
