// Package graph persists flow documents in Neo4j. A flow is stored as a
// (:Flow) node that CONTAINS its (:FlowNode) vertices, with CONNECTS
// relationships between them for edges.
package graph

import "time"

// flowRecord is the (:Flow) node.
type flowRecord struct {
	ID        string
	Name      string
	UpdatedAt time.Time
	// Viewport is the JSON encoded viewport, empty when unknown.
	Viewport string
}

// Summary describes a stored flow without its graph.
type Summary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}
