// Package repotest provides an in-memory Session for testing code built on
// pkg/repo without a Neo4j server.
package repotest

import (
	"context"
	"strings"
	"sync"

	"github.com/WessleyAI/flowpulse/pkg/repo"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Call is one recorded statement.
type Call struct {
	Cypher string
	Params map[string]any
	InTx   bool
}

// Session records statements and answers them from scripted records.
// Responses are matched by the first registered prefix of the statement.
type Session struct {
	mu        sync.Mutex
	calls     []Call
	responses []response
	// Err, when set, is returned by every Run.
	Err error
	// TxErr, when set, aborts ExecuteWrite after work returns.
	TxErr  error
	closed int
}

type response struct {
	prefix  string
	records []*neo4j.Record
}

// Respond registers records for statements starting with prefix.
func (s *Session) Respond(prefix string, records ...*neo4j.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, response{prefix: prefix, records: records})
}

// Factory returns a SessionFactory that always hands out s.
func (s *Session) Factory() repo.SessionFactory {
	return func(context.Context) repo.Session { return s }
}

// Calls returns the recorded statements.
func (s *Session) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Closed reports how many times Close was called.
func (s *Session) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Run(ctx context.Context, cypher string, params map[string]any) (repo.Result, error) {
	return s.run(cypher, params, false)
}

func (s *Session) run(cypher string, params map[string]any, inTx bool) (repo.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Cypher: cypher, Params: params, InTx: inTx})
	if s.Err != nil {
		return nil, s.Err
	}
	for _, r := range s.responses {
		if strings.HasPrefix(strings.TrimSpace(cypher), r.prefix) {
			return &Result{records: r.records}, nil
		}
	}
	return &Result{}, nil
}

func (s *Session) ExecuteWrite(ctx context.Context, work func(tx repo.Runner) error) error {
	if err := work(txRunner{s: s}); err != nil {
		return err
	}
	return s.TxErr
}

func (s *Session) Close(context.Context) error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

type txRunner struct{ s *Session }

func (t txRunner) Run(ctx context.Context, cypher string, params map[string]any) (repo.Result, error) {
	return t.s.run(cypher, params, true)
}

// Result iterates scripted records.
type Result struct {
	records []*neo4j.Record
	idx     int
}

func (r *Result) Next(context.Context) bool {
	if r.idx < len(r.records) {
		r.idx++
		return true
	}
	return false
}

func (r *Result) Record() *neo4j.Record {
	return r.records[r.idx-1]
}

// Record builds a record from alternating key/value pairs.
func Record(kv ...any) *neo4j.Record {
	rec := &neo4j.Record{}
	for i := 0; i+1 < len(kv); i += 2 {
		rec.Keys = append(rec.Keys, kv[i].(string))
		rec.Values = append(rec.Values, kv[i+1])
	}
	return rec
}
