package repo

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Result is the minimal interface needed from a neo4j result.
type Result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
}

// Runner executes a single Cypher statement, either on a session or
// inside a transaction.
type Runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (Result, error)
}

// Session is the minimal interface needed from a neo4j session.
type Session interface {
	Runner
	ExecuteWrite(ctx context.Context, work func(tx Runner) error) error
	Close(ctx context.Context) error
}

// SessionFactory opens a session. Tests substitute fakes here.
type SessionFactory func(ctx context.Context) Session

// Neo4jRepo is a generic Neo4j-backed repository.
type Neo4jRepo[T any, ID comparable] struct {
	driver     neo4j.DriverWithContext
	label      string
	idKey      string
	toMap      func(T) map[string]any
	fromRecord func(*neo4j.Record) (T, error)
	newSession SessionFactory
}

// Neo4jOption configures a Neo4jRepo.
type Neo4jOption[T any, ID comparable] func(*Neo4jRepo[T, ID])

// WithIDKey sets the property name used as the ID (default "id").
func WithIDKey[T any, ID comparable](key string) Neo4jOption[T, ID] {
	return func(r *Neo4jRepo[T, ID]) { r.idKey = key }
}

// WithSessionFactory replaces the driver as the session source.
func WithSessionFactory[T any, ID comparable](f SessionFactory) Neo4jOption[T, ID] {
	return func(r *Neo4jRepo[T, ID]) { r.newSession = f }
}

// NewNeo4jRepo creates a new Neo4j-backed repository.
func NewNeo4jRepo[T any, ID comparable](
	driver neo4j.DriverWithContext,
	label string,
	toMap func(T) map[string]any,
	fromRecord func(*neo4j.Record) (T, error),
	opts ...Neo4jOption[T, ID],
) *Neo4jRepo[T, ID] {
	r := &Neo4jRepo[T, ID]{
		driver:     driver,
		label:      label,
		idKey:      "id",
		toMap:      toMap,
		fromRecord: fromRecord,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Compile-time interface check.
var _ Repository[any, string] = (*Neo4jRepo[any, string])(nil)

// sessionAdapter adapts neo4j.SessionWithContext to Session.
type sessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *sessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (Result, error) {
	return a.sess.Run(ctx, cypher, params)
}

func (a *sessionAdapter) ExecuteWrite(ctx context.Context, work func(tx Runner) error) error {
	_, err := a.sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, work(txAdapter{tx: tx})
	})
	return err
}

func (a *sessionAdapter) Close(ctx context.Context) error {
	return a.sess.Close(ctx)
}

type txAdapter struct {
	tx neo4j.ManagedTransaction
}

func (a txAdapter) Run(ctx context.Context, cypher string, params map[string]any) (Result, error) {
	return a.tx.Run(ctx, cypher, params)
}

// Session opens a session from the configured factory or the driver.
func (r *Neo4jRepo[T, ID]) Session(ctx context.Context) Session {
	if r.newSession != nil {
		return r.newSession(ctx)
	}
	return &sessionAdapter{sess: r.driver.NewSession(ctx, neo4j.SessionConfig{})}
}

// Label returns the node label managed by the repository.
func (r *Neo4jRepo[T, ID]) Label() string { return r.label }

func (r *Neo4jRepo[T, ID]) Get(ctx context.Context, id ID) (T, error) {
	var zero T
	sess := r.Session(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf("MATCH (n:%s {%s: $id}) RETURN n", r.label, r.idKey)
	result, err := sess.Run(ctx, cypher, map[string]any{"id": id})
	if err != nil {
		return zero, err
	}
	if !result.Next(ctx) {
		return zero, fmt.Errorf("%s %v: %w", r.label, id, ErrNotFound)
	}
	return r.fromRecord(result.Record())
}

func (r *Neo4jRepo[T, ID]) List(ctx context.Context, opts ListOpts) ([]T, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	cypher := fmt.Sprintf("MATCH (n:%s) RETURN n ORDER BY n.%s SKIP $offset LIMIT $limit", r.label, r.idKey)
	var items []T
	err := r.Query(ctx, cypher, map[string]any{"offset": opts.Offset, "limit": limit}, func(rec *neo4j.Record) error {
		item, err := r.fromRecord(rec)
		if err != nil {
			return err
		}
		items = append(items, item)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Upsert merges the entity on its id and overwrites the given properties.
func (r *Neo4jRepo[T, ID]) Upsert(ctx context.Context, entity T) error {
	sess := r.Session(ctx)
	defer sess.Close(ctx)
	return r.UpsertTx(ctx, sess, entity)
}

// UpsertTx is Upsert within a caller-managed transaction.
func (r *Neo4jRepo[T, ID]) UpsertTx(ctx context.Context, tx Runner, entity T) error {
	props := r.toMap(entity)
	cypher := fmt.Sprintf("MERGE (n:%s {%s: $id}) SET n += $props", r.label, r.idKey)
	_, err := tx.Run(ctx, cypher, map[string]any{"id": props[r.idKey], "props": props})
	return err
}

func (r *Neo4jRepo[T, ID]) Delete(ctx context.Context, id ID) error {
	sess := r.Session(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf("MATCH (n:%s {%s: $id}) DETACH DELETE n", r.label, r.idKey)
	_, err := sess.Run(ctx, cypher, map[string]any{"id": id})
	return err
}

// Query runs a read statement and calls fn for every record.
func (r *Neo4jRepo[T, ID]) Query(ctx context.Context, cypher string, params map[string]any, fn func(*neo4j.Record) error) error {
	sess := r.Session(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return err
	}
	for result.Next(ctx) {
		if err := fn(result.Record()); err != nil {
			return err
		}
	}
	return nil
}

// Write runs work in a single write transaction.
func (r *Neo4jRepo[T, ID]) Write(ctx context.Context, work func(tx Runner) error) error {
	sess := r.Session(ctx)
	defer sess.Close(ctx)
	return sess.ExecuteWrite(ctx, work)
}
