package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/WessleyAI/flowpulse/engine/flow"
	"github.com/WessleyAI/flowpulse/pkg/repo"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// FlowRepo implements flow.Persistence on Neo4j.
type FlowRepo struct {
	flows  *repo.Neo4jRepo[flowRecord, string]
	logger *slog.Logger
}

// Option configures a FlowRepo.
type Option func(*flowOpts)

type flowOpts struct {
	sessions repo.SessionFactory
	logger   *slog.Logger
}

// WithSessionFactory replaces the driver as the session source.
func WithSessionFactory(f repo.SessionFactory) Option {
	return func(o *flowOpts) { o.sessions = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *flowOpts) { o.logger = l }
}

// New creates a FlowRepo over driver.
func New(driver neo4j.DriverWithContext, opts ...Option) *FlowRepo {
	o := flowOpts{logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	var repoOpts []repo.Neo4jOption[flowRecord, string]
	if o.sessions != nil {
		repoOpts = append(repoOpts, repo.WithSessionFactory[flowRecord, string](o.sessions))
	}
	return &FlowRepo{
		flows:  newFlowRepo(driver, repoOpts...),
		logger: o.logger,
	}
}

var _ flow.Persistence = (*FlowRepo)(nil)

// Load reads a flow document. Missing flows return flow.ErrFlowNotFound.
func (g *FlowRepo) Load(ctx context.Context, flowID string) (flow.Document, error) {
	rec, err := g.flows.Get(ctx, flowID)
	if errors.Is(err, repo.ErrNotFound) {
		return flow.Document{}, fmt.Errorf("graph: load %q: %w", flowID, flow.ErrFlowNotFound)
	}
	if err != nil {
		return flow.Document{}, fmt.Errorf("graph: load %q: %w", flowID, err)
	}
	doc := flow.Document{
		ID:        rec.ID,
		Name:      rec.Name,
		UpdatedAt: rec.UpdatedAt,
		Nodes:     []flow.Node{},
		Edges:     []flow.Edge{},
	}
	if rec.Viewport != "" {
		var v flow.Viewport
		if err := json.Unmarshal([]byte(rec.Viewport), &v); err != nil {
			g.logger.Warn("ignoring stored viewport", "flow_id", flowID, "err", err)
		} else {
			doc.Viewport = &v
		}
	}

	nodesCypher := `MATCH (:Flow {id: $flow})-[:CONTAINS]->(n:FlowNode)
		RETURN n ORDER BY n.seq`
	err = g.flows.Query(ctx, nodesCypher, map[string]any{"flow": flowID}, func(r *neo4j.Record) error {
		node, _, err := neo4j.GetRecordValue[dbtype.Node](r, "n")
		if err != nil {
			return err
		}
		n, err := nodeFromProps(node.Props)
		if err != nil {
			return err
		}
		doc.Nodes = append(doc.Nodes, n)
		return nil
	})
	if err != nil {
		return flow.Document{}, fmt.Errorf("graph: load %q nodes: %w", flowID, err)
	}

	edgesCypher := `MATCH (:Flow {id: $flow})-[:CONTAINS]->(a:FlowNode)-[r:CONNECTS]->(b:FlowNode)
		RETURN r.id AS id, a.id AS source, b.id AS target,
		       r.source_handle AS source_handle, r.target_handle AS target_handle
		ORDER BY r.seq`
	err = g.flows.Query(ctx, edgesCypher, map[string]any{"flow": flowID}, func(r *neo4j.Record) error {
		doc.Edges = append(doc.Edges, edgeFromRecord(r))
		return nil
	})
	if err != nil {
		return flow.Document{}, fmt.Errorf("graph: load %q edges: %w", flowID, err)
	}
	return doc, nil
}

// Save replaces the stored graph of flowID with doc in one transaction.
// Edges are always stored without their animation flag.
func (g *FlowRepo) Save(ctx context.Context, flowID string, doc flow.Document) error {
	rec := flowRecord{ID: flowID, Name: doc.Name, UpdatedAt: doc.UpdatedAt}
	if doc.Viewport != nil {
		b, err := json.Marshal(doc.Viewport)
		if err != nil {
			return fmt.Errorf("graph: save %q: %w", flowID, err)
		}
		rec.Viewport = string(b)
	}
	nodes := make([]any, 0, len(doc.Nodes))
	for i, n := range doc.Nodes {
		m, err := nodeToMap(flowID, i, n)
		if err != nil {
			return fmt.Errorf("graph: save %q: %w", flowID, err)
		}
		nodes = append(nodes, m)
	}
	edges := make([]any, 0, len(doc.Edges))
	for i, e := range doc.Edges {
		edges = append(edges, edgeToMap(i, e))
	}

	err := g.flows.Write(ctx, func(tx repo.Runner) error {
		if err := g.flows.UpsertTx(ctx, tx, rec); err != nil {
			return err
		}
		detach := `MATCH (:Flow {id: $flow})-[:CONTAINS]->(n:FlowNode) DETACH DELETE n`
		if _, err := tx.Run(ctx, detach, map[string]any{"flow": flowID}); err != nil {
			return err
		}
		if len(nodes) > 0 {
			cypher := `MATCH (f:Flow {id: $flow})
				UNWIND $nodes AS props
				CREATE (f)-[:CONTAINS]->(n:FlowNode)
				SET n = props`
			if _, err := tx.Run(ctx, cypher, map[string]any{"flow": flowID, "nodes": nodes}); err != nil {
				return err
			}
		}
		if len(edges) > 0 {
			cypher := `UNWIND $edges AS e
				MATCH (a:FlowNode {flow_id: $flow, id: e.source}), (b:FlowNode {flow_id: $flow, id: e.target})
				CREATE (a)-[r:CONNECTS]->(b)
				SET r.id = e.id, r.seq = e.seq, r.source_handle = e.source_handle,
				    r.target_handle = e.target_handle, r.animated = false`
			if _, err := tx.Run(ctx, cypher, map[string]any{"flow": flowID, "edges": edges}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("graph: save %q: %w", flowID, err)
	}
	g.logger.Info("flow saved", "flow_id", flowID, "nodes", len(nodes), "edges", len(edges))
	return nil
}

// Delete removes a flow and all of its nodes.
func (g *FlowRepo) Delete(ctx context.Context, flowID string) error {
	err := g.flows.Write(ctx, func(tx repo.Runner) error {
		cypher := `MATCH (f:Flow {id: $flow})
			OPTIONAL MATCH (f)-[:CONTAINS]->(n:FlowNode)
			DETACH DELETE n, f`
		_, err := tx.Run(ctx, cypher, map[string]any{"flow": flowID})
		return err
	})
	if err != nil {
		return fmt.Errorf("graph: delete %q: %w", flowID, err)
	}
	return nil
}

// List returns stored flows ordered by id.
func (g *FlowRepo) List(ctx context.Context, opts repo.ListOpts) ([]Summary, error) {
	recs, err := g.flows.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("graph: list flows: %w", err)
	}
	out := make([]Summary, len(recs))
	for i, r := range recs {
		out[i] = Summary{ID: r.ID, Name: r.Name, UpdatedAt: r.UpdatedAt}
	}
	return out, nil
}
