// Package flow holds the pipeline graph: nodes bound to domain entities,
// edges between them and the store that keeps their derived status and
// activity projections current.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/WessleyAI/flowpulse/engine/domain"
)

// Position is a point on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DefaultPosition is used for new nodes while no viewport is known.
var DefaultPosition = Position{X: 250, Y: 250}

// Viewport is the visible canvas region reported by the client. X and Y are
// the pan offset in screen pixels.
type Viewport struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Zoom   float64 `json:"zoom"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the canvas coordinate at the middle of the viewport.
func (v Viewport) Center() Position {
	zoom := v.Zoom
	if zoom <= 0 {
		zoom = 1
	}
	return Position{
		X: (v.Width/2 - v.X) / zoom,
		Y: (v.Height/2 - v.Y) / zoom,
	}
}

// Node is a graph vertex. Status, LastUpdated and Live are projections of
// the entity's history and are recomputed by the store.
type Node struct {
	ID          string        `json:"id"`
	Kind        domain.Kind   `json:"kind"`
	EntityID    string        `json:"entity_id,omitempty"`
	Label       string        `json:"label"`
	Status      domain.Status `json:"status"`
	LastUpdated *time.Time    `json:"last_updated,omitempty"`
	Live        bool          `json:"live"`
	Position    Position      `json:"position"`
	Data        NodeData      `json:"data,omitempty"`
}

// UnmarshalJSON decodes Data into the variant matching Kind.
func (n *Node) UnmarshalJSON(b []byte) error {
	type plain Node
	var raw struct {
		plain
		Data json.RawMessage `json:"data,omitempty"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*n = Node(raw.plain)
	n.Data = nil
	if !n.Kind.Valid() {
		return fmt.Errorf("flow: node %q: %w", n.ID, domain.NewValidationError("kind", string(n.Kind), domain.ErrUnknownKind))
	}
	data, err := DecodeNodeData(n.Kind, raw.Data)
	if err != nil {
		return fmt.Errorf("flow: node %q: %w", n.ID, err)
	}
	n.Data = data
	return nil
}

// Handles names the connection points used by an edge.
type Handles struct {
	Source string `json:"source_handle,omitempty"`
	Target string `json:"target_handle,omitempty"`
}

// Edge connects two nodes. Animated is true while either endpoint had
// activity in the pulse window.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"source_handle,omitempty"`
	TargetHandle string `json:"target_handle,omitempty"`
	Animated     bool   `json:"animated"`
}

// Document is the persisted form of a flow.
type Document struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
	Viewport  *Viewport `json:"viewport,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrFlowNotFound is returned by Persistence.Load for unknown flows.
var ErrFlowNotFound = errors.New("flow not found")

// Persistence loads and saves flow documents for an external flow service.
type Persistence interface {
	Load(ctx context.Context, flowID string) (Document, error)
	Save(ctx context.Context, flowID string, doc Document) error
}
