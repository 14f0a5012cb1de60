package graph

import (
	"context"
	"fmt"

	"github.com/WessleyAI/flowpulse/engine/domain"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// KindCounts returns the number of stored nodes per kind in flowID.
func (g *FlowRepo) KindCounts(ctx context.Context, flowID string) (map[domain.Kind]int64, error) {
	cypher := `MATCH (:Flow {id: $flow})-[:CONTAINS]->(n:FlowNode)
		RETURN n.kind AS kind, count(*) AS count`
	counts := make(map[domain.Kind]int64)
	err := g.flows.Query(ctx, cypher, map[string]any{"flow": flowID}, func(rec *neo4j.Record) error {
		kind, _ := rec.Get("kind")
		cnt, _ := rec.Get("count")
		if k, ok := kind.(string); ok {
			if c, ok := cnt.(int64); ok {
				counts[domain.Kind(k)] = c
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("graph: count %q: %w", flowID, err)
	}
	return counts, nil
}

// EdgeCount returns the number of stored edges in flowID.
func (g *FlowRepo) EdgeCount(ctx context.Context, flowID string) (int64, error) {
	cypher := `MATCH (:Flow {id: $flow})-[:CONTAINS]->(:FlowNode)-[r:CONNECTS]->(:FlowNode)
		RETURN count(r) AS count`
	var n int64
	err := g.flows.Query(ctx, cypher, map[string]any{"flow": flowID}, func(rec *neo4j.Record) error {
		cnt, _ := rec.Get("count")
		n, _ = cnt.(int64)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("graph: count %q edges: %w", flowID, err)
	}
	return n, nil
}
