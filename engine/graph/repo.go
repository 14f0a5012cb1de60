package graph

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/WessleyAI/flowpulse/engine/domain"
	"github.com/WessleyAI/flowpulse/engine/flow"
	"github.com/WessleyAI/flowpulse/pkg/repo"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

const (
	flowLabel = "Flow"
	nodeLabel = "FlowNode"
)

// newFlowRepo creates a Neo4j-backed repository for Flow nodes.
func newFlowRepo(driver neo4j.DriverWithContext, opts ...repo.Neo4jOption[flowRecord, string]) *repo.Neo4jRepo[flowRecord, string] {
	return repo.NewNeo4jRepo[flowRecord, string](
		driver,
		flowLabel,
		flowToMap,
		flowFromRecord,
		opts...,
	)
}

func flowToMap(f flowRecord) map[string]any {
	return map[string]any{
		"id":         f.ID,
		"name":       f.Name,
		"updated_at": f.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"viewport":   f.Viewport,
	}
}

func flowFromRecord(rec *neo4j.Record) (flowRecord, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return flowRecord{}, err
	}
	props := node.Props
	f := flowRecord{
		ID:       strProp(props, "id"),
		Name:     strProp(props, "name"),
		Viewport: strProp(props, "viewport"),
	}
	if ts := strProp(props, "updated_at"); ts != "" {
		f.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return f, nil
}

// nodeToMap flattens a node into FlowNode properties. Derived fields are
// not stored.
func nodeToMap(flowID string, seq int, n flow.Node) (map[string]any, error) {
	m := map[string]any{
		"id":        n.ID,
		"flow_id":   flowID,
		"seq":       int64(seq),
		"kind":      string(n.Kind),
		"entity_id": n.EntityID,
		"label":     n.Label,
		"x":         n.Position.X,
		"y":         n.Position.Y,
	}
	if n.Data != nil {
		data, err := json.Marshal(n.Data)
		if err != nil {
			return nil, fmt.Errorf("encode node %s data: %w", n.ID, err)
		}
		m["data"] = string(data)
	}
	return m, nil
}

// nodeFromProps rebuilds a node from FlowNode properties. The status is
// left as no history until the store recomputes it.
func nodeFromProps(props map[string]any) (flow.Node, error) {
	n := flow.Node{
		ID:       strProp(props, "id"),
		Kind:     domain.Kind(strProp(props, "kind")),
		EntityID: strProp(props, "entity_id"),
		Label:    strProp(props, "label"),
		Status:   domain.StatusNoHistory,
		Position: flow.Position{X: floatProp(props, "x"), Y: floatProp(props, "y")},
	}
	if !n.Kind.Valid() {
		return flow.Node{}, fmt.Errorf("node %s: %w", n.ID, domain.NewValidationError("kind", string(n.Kind), domain.ErrUnknownKind))
	}
	data, err := flow.DecodeNodeData(n.Kind, json.RawMessage(strProp(props, "data")))
	if err != nil {
		return flow.Node{}, fmt.Errorf("node %s: %w", n.ID, err)
	}
	n.Data = data
	return n, nil
}

func edgeToMap(seq int, e flow.Edge) map[string]any {
	return map[string]any{
		"id":            e.ID,
		"seq":           int64(seq),
		"source":        e.Source,
		"target":        e.Target,
		"source_handle": e.SourceHandle,
		"target_handle": e.TargetHandle,
	}
}

func edgeFromRecord(rec *neo4j.Record) flow.Edge {
	props := rec.AsMap()
	return flow.Edge{
		ID:           strProp(props, "id"),
		Source:       strProp(props, "source"),
		Target:       strProp(props, "target"),
		SourceHandle: strProp(props, "source_handle"),
		TargetHandle: strProp(props, "target_handle"),
	}
}

func strProp(props map[string]any, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func floatProp(props map[string]any, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}
