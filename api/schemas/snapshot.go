package schemas

import (
	"encoding/json"
	"fmt"
)

// -- Persisted Snapshot Codec --
// The database stores the full post-mutation graph as a JSON document. The
// codec is the graph model's own encode/decode pair: round-tripping through
// EncodeSnapshot and DecodeSnapshot must reproduce an equal graph.

// EncodeSnapshot serializes the graph for persistence.
func EncodeSnapshot(g *Graph) ([]byte, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("failed to encode graph snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot reconstructs a graph from a persisted snapshot and verifies
// its reference integrity. A snapshot that fails validation was corrupted at
// rest and must not be handed to the transformation engine.
func DecodeSnapshot(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to decode graph snapshot: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("corrupted graph snapshot: %w", err)
	}
	return &g, nil
}
