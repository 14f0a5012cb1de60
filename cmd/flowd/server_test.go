package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/WessleyAI/flowpulse/engine/domain"
	"github.com/WessleyAI/flowpulse/engine/flow"
	"github.com/WessleyAI/flowpulse/engine/graph"
	"github.com/WessleyAI/flowpulse/engine/history"
	"github.com/WessleyAI/flowpulse/engine/monitor"
	"github.com/WessleyAI/flowpulse/engine/refetch"
	"github.com/WessleyAI/flowpulse/pkg/metrics"
	"github.com/WessleyAI/flowpulse/pkg/mid"
	"github.com/WessleyAI/flowpulse/pkg/repo"
)

type fakeLister struct {
	got  repo.ListOpts
	err  error
	list []graph.Summary
}

func (f *fakeLister) List(_ context.Context, opts repo.ListOpts) ([]graph.Summary, error) {
	f.got = opts
	return f.list, f.err
}

type testServer struct {
	handler http.Handler
	mon     *monitor.Monitor
}

func newTestServer(t *testing.T, flows flowLister, mutate ...func(*Config)) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := 0
	store := flow.NewStore("flow-1", "test", flow.WithStoreLogger(logger),
		flow.WithIDGenerator(func() string { n++; return fmt.Sprintf("id-%d", n) }))
	collector := history.NewCollector(map[domain.Kind]history.Provider{
		domain.KindDevice: history.Static{IDFields: history.IDFields(domain.KindDevice)},
	}, history.WithLogger(logger))
	mon, err := monitor.New(store, collector, refetch.DefaultConfig(),
		monitor.WithLogger(logger), monitor.WithPulseInterval(0))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mon.Stop)

	cfg := defaultConfig()
	for _, f := range mutate {
		f(&cfg)
	}
	a := &api{mon: mon, logger: logger}
	if flows != nil {
		a.flows = flows
	}
	return &testServer{handler: newHandler(a, metrics.New(), cfg), mon: mon}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(method, path, r))
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do("GET", "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %s", resp["status"])
	}
	if rec.Header().Get(mid.RequestIDHeader) == "" {
		t.Fatal("missing request id header")
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}

func TestCreateAndListNodes(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do("POST", "/api/flow/nodes", `{"kind":"device","entity_id":"d1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var node flow.Node
	if err := json.NewDecoder(rec.Body).Decode(&node); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if node.Label != "Device 1" || node.Status != domain.StatusNoHistory || node.EntityID != "d1" {
		t.Fatalf("unexpected node %+v", node)
	}

	rec = s.do("GET", "/api/flow/nodes", "")
	var nodes []flow.Node
	if err := json.NewDecoder(rec.Body).Decode(&nodes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != node.ID {
		t.Fatalf("unexpected nodes %+v", nodes)
	}

	rec = s.do("GET", "/api/flow/entities?kind=device", "")
	var ents struct {
		Kind      string   `json:"kind"`
		EntityIDs []string `json:"entity_ids"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&ents); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ents.Kind != "device" || len(ents.EntityIDs) != 1 || ents.EntityIDs[0] != "d1" {
		t.Fatalf("unexpected entities %+v", ents)
	}
}

func TestCreateNodeRejectsBadInput(t *testing.T) {
	s := newTestServer(t, nil)
	tests := []struct {
		name string
		body string
	}{
		{"unknown kind", `{"kind":"robot"}`},
		{"invalid json", `not json`},
		{"blank entity", `{"kind":"device","entity_id":"   "}`},
		{"long label", `{"kind":"label","label":"` + strings.Repeat("x", 200) + `"}`},
		{"bad payload", `{"kind":"storage","data":{"retention_days":"forever"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := s.do("POST", "/api/flow/nodes", tt.body); rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body)
			}
		})
	}
}

func TestNodePayload(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do("POST", "/api/flow/nodes", `{"kind":"storage","data":{"bucket":"raw","retention_days":30}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var node flow.Node
	if err := json.NewDecoder(rec.Body).Decode(&node); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d, ok := node.Data.(*flow.StorageData); !ok || d.Bucket != "raw" || d.RetentionDays != 30 {
		t.Fatalf("unexpected payload %#v", node.Data)
	}

	rec = s.do("POST", "/api/flow/nodes/"+node.ID+"/data", `{"bucket":"curated","retention_days":7}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	got, _ := s.mon.Store().Node(node.ID)
	if d := got.Data.(*flow.StorageData); d.Bucket != "curated" || d.RetentionDays != 7 {
		t.Fatalf("payload not updated: %#v", d)
	}

	if rec := s.do("POST", "/api/flow/nodes/"+node.ID+"/data", `{"retention_days":"x"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body)
	}
	if rec := s.do("POST", "/api/flow/nodes/missing/data", `{}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body)
	}
}

func TestConnectAndRemove(t *testing.T) {
	s := newTestServer(t, nil)
	s.do("POST", "/api/flow/nodes", `{"kind":"device"}`)
	s.do("POST", "/api/flow/nodes", `{"kind":"storage"}`)

	if rec := s.do("POST", "/api/flow/edges", `{"source":"id-1","target":"missing"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown node, got %d", rec.Code)
	}
	rec := s.do("POST", "/api/flow/edges", `{"source":"id-1","target":"id-2","source_handle":"out"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var edge flow.Edge
	json.NewDecoder(rec.Body).Decode(&edge)
	if edge.Source != "id-1" || edge.Target != "id-2" || edge.Animated {
		t.Fatalf("unexpected edge %+v", edge)
	}

	if rec := s.do("POST", "/api/flow/nodes/id-2/move", `{"x":10,"y":20}`); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if n, _ := s.mon.Store().Node("id-2"); n.Position != (flow.Position{X: 10, Y: 20}) {
		t.Fatalf("node not moved: %+v", n.Position)
	}

	if rec := s.do("DELETE", "/api/flow/nodes/id-2", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(s.mon.Store().Edges()) != 0 {
		t.Fatal("incident edge not removed")
	}
	if rec := s.do("DELETE", "/api/flow/nodes/id-2", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := s.do("DELETE", "/api/flow/edges/"+edge.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestViewportPlacesNewNodes(t *testing.T) {
	s := newTestServer(t, nil)
	if rec := s.do("POST", "/api/flow/viewport", `{"x":0,"y":0,"zoom":2,"width":800,"height":600}`); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec := s.do("POST", "/api/flow/nodes", `{"kind":"action"}`)
	var node flow.Node
	json.NewDecoder(rec.Body).Decode(&node)
	if node.Position != (flow.Position{X: 200, Y: 150}) {
		t.Fatalf("expected node at viewport center, got %+v", node.Position)
	}
}

func TestFlowDocument(t *testing.T) {
	s := newTestServer(t, nil)
	s.do("POST", "/api/flow/nodes", `{"kind":"function","label":"Decode"}`)
	rec := s.do("GET", "/api/flow", "")
	var doc flow.Document
	if err := json.NewDecoder(rec.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.ID != "flow-1" || len(doc.Nodes) != 1 || doc.Nodes[0].Label != "Decode" {
		t.Fatalf("unexpected document %+v", doc)
	}
	if _, ok := doc.Nodes[0].Data.(*flow.FunctionData); !ok {
		t.Fatalf("expected function payload, got %T", doc.Nodes[0].Data)
	}
}

func TestRefreshIsRateLimited(t *testing.T) {
	s := newTestServer(t, nil, func(c *Config) {
		c.RefreshLimit.PerSecond = 0.001
		c.RefreshLimit.Burst = 1
	})
	rec := s.do("POST", "/api/flow/refresh", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Changed    bool   `json:"changed"`
		Generation uint64 `json:"generation"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Generation != 1 {
		t.Fatalf("expected generation 1, got %d", resp.Generation)
	}
	if rec := s.do("POST", "/api/flow/refresh", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestPresenceAndScheduler(t *testing.T) {
	s := newTestServer(t, nil)
	if rec := s.do("POST", "/api/presence", `{"type":"sleepy"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := s.do("POST", "/api/presence", `{"type":"hidden"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	rec := s.do("GET", "/api/scheduler", "")
	var info refetch.Info
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Visible || info.Running {
		t.Fatalf("unexpected scheduler info %+v", info)
	}
}

func TestSaveWithoutPersistence(t *testing.T) {
	s := newTestServer(t, nil)
	if rec := s.do("POST", "/api/flow/save", ""); rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rec.Code)
	}
	if rec := s.do("GET", "/api/flows", ""); rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rec.Code)
	}
}

func TestListFlows(t *testing.T) {
	lister := &fakeLister{list: []graph.Summary{{ID: "a", Name: "A"}}}
	s := newTestServer(t, lister)
	rec := s.do("GET", "/api/flows?offset=5&limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if lister.got != (repo.ListOpts{Offset: 5, Limit: 10}) {
		t.Fatalf("unexpected list opts %+v", lister.got)
	}
	var flows []graph.Summary
	json.NewDecoder(rec.Body).Decode(&flows)
	if len(flows) != 1 || flows[0].ID != "a" {
		t.Fatalf("unexpected flows %+v", flows)
	}

	lister.err = errors.New("neo4j down")
	rec = s.do("GET", "/api/flows?limit=bogus", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "neo4j down") {
		t.Fatal("internal error leaked to client")
	}
	if lister.got.Limit != 100 {
		t.Fatalf("expected default limit, got %d", lister.got.Limit)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	s.do("GET", "/api/health", "")
	rec := s.do("GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `flowpulse_http_requests_total{code="200",method="GET"} 1`) {
		t.Fatalf("http request not counted:\n%s", rec.Body)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", domain.ErrUnknownNodeReference), http.StatusNotFound},
		{fmt.Errorf("x: %w", flow.ErrNodeNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", flow.ErrEdgeNotFound), http.StatusNotFound},
		{flow.ErrFlowNotFound, http.StatusNotFound},
		{domain.NewValidationError("label", "x", domain.ErrInvalidLabel), http.StatusBadRequest},
		{fmt.Errorf("x: %w", domain.ErrUnknownKind), http.StatusBadRequest},
		{domain.ErrInvalidFlow, http.StatusBadRequest},
		{domain.NewValidationError("data", "x", domain.ErrInvalidNodeData), http.StatusBadRequest},
		{monitor.ErrNoPersistence, http.StatusNotImplemented},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
