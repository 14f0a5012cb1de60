package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/WessleyAI/flowpulse/engine/domain"
	"github.com/WessleyAI/flowpulse/engine/flow"
	"github.com/WessleyAI/flowpulse/engine/graph"
	"github.com/WessleyAI/flowpulse/engine/monitor"
	"github.com/WessleyAI/flowpulse/engine/refetch"
	"github.com/WessleyAI/flowpulse/pkg/metrics"
	"github.com/WessleyAI/flowpulse/pkg/mid"
	"github.com/WessleyAI/flowpulse/pkg/repo"
	"golang.org/x/time/rate"
)

// flowLister lists stored flows.
type flowLister interface {
	List(ctx context.Context, opts repo.ListOpts) ([]graph.Summary, error)
}

// api serves the flow of one monitor over HTTP.
type api struct {
	mon    *monitor.Monitor
	flows  flowLister
	logger *slog.Logger
}

// newHandler builds the routed and wrapped HTTP handler.
func newHandler(a *api, m *metrics.Collector, cfg Config) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(cfg.RefreshLimit.PerSecond), cfg.RefreshLimit.Burst)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("GET /api/flow", a.handleFlow)
	mux.HandleFunc("GET /api/flow/nodes", a.handleNodes)
	mux.HandleFunc("POST /api/flow/nodes", a.handleCreateNode)
	mux.HandleFunc("POST /api/flow/nodes/{id}/move", a.handleMoveNode)
	mux.HandleFunc("POST /api/flow/nodes/{id}/data", a.handleNodeData)
	mux.HandleFunc("DELETE /api/flow/nodes/{id}", a.handleRemoveNode)
	mux.HandleFunc("GET /api/flow/edges", a.handleEdges)
	mux.HandleFunc("POST /api/flow/edges", a.handleConnect)
	mux.HandleFunc("DELETE /api/flow/edges/{id}", a.handleRemoveEdge)
	mux.HandleFunc("GET /api/flow/entities", a.handleEntities)
	mux.HandleFunc("POST /api/flow/viewport", a.handleViewport)
	mux.Handle("POST /api/flow/refresh", mid.RateLimit(limiter)(http.HandlerFunc(a.handleRefresh)))
	mux.HandleFunc("POST /api/flow/save", a.handleSave)
	mux.HandleFunc("GET /api/flows", a.handleListFlows)
	mux.HandleFunc("POST /api/presence", a.handlePresence)
	mux.HandleFunc("GET /api/scheduler", a.handleScheduler)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	mws := []mid.Middleware{
		mid.Recover(a.logger),
		mid.RequestID(),
		mid.Logger(a.logger),
	}
	if m != nil {
		mws = append(mws, mid.Metrics(m))
	}
	mws = append(mws, mid.OTel("flowd"), mid.CORS(cfg.CORSOrigin))
	return mid.Chain(mux, mws...)
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) handleFlow(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.mon.Store().Flow())
}

func (a *api) handleNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.mon.Store().Nodes())
}

func (a *api) handleEdges(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.mon.Store().Edges())
}

// CreateNodeRequest is the JSON body for POST /api/flow/nodes.
type CreateNodeRequest struct {
	Kind     string          `json:"kind"`
	EntityID string          `json:"entity_id,omitempty"`
	Label    string          `json:"label,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func (a *api) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req CreateNodeRequest
	if !decode(w, r, &req) {
		return
	}
	kind, err := domain.ParseKind(req.Kind)
	if err != nil {
		a.writeError(w, err)
		return
	}
	data, err := flow.DecodeNodeData(kind, req.Data)
	if err != nil {
		a.writeError(w, err)
		return
	}
	node, err := a.mon.Store().CreateNodeWithData(kind, req.EntityID, req.Label, data)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

func (a *api) handleNodeData(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	node, ok := a.mon.Store().Node(id)
	if !ok {
		a.writeError(w, fmt.Errorf("node %q: %w", id, flow.ErrNodeNotFound))
		return
	}
	var raw json.RawMessage
	if !decode(w, r, &raw) {
		return
	}
	data, err := flow.DecodeNodeData(node.Kind, raw)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.mon.Store().SetNodeData(id, data); err != nil {
		a.writeError(w, err)
		return
	}
	updated, _ := a.mon.Store().Node(id)
	writeJSON(w, http.StatusOK, updated)
}

func (a *api) handleMoveNode(w http.ResponseWriter, r *http.Request) {
	var pos flow.Position
	if !decode(w, r, &pos) {
		return
	}
	if err := a.mon.Store().MoveNode(r.PathValue("id"), pos); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	if err := a.mon.Store().RemoveNode(r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ConnectRequest is the JSON body for POST /api/flow/edges.
type ConnectRequest struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"source_handle,omitempty"`
	TargetHandle string `json:"target_handle,omitempty"`
}

func (a *api) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if !decode(w, r, &req) {
		return
	}
	edge, err := a.mon.Store().Connect(req.Source, req.Target, flow.Handles{
		Source: req.SourceHandle,
		Target: req.TargetHandle,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, edge)
}

func (a *api) handleRemoveEdge(w http.ResponseWriter, r *http.Request) {
	if err := a.mon.Store().RemoveEdge(r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleEntities(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseKind(r.URL.Query().Get("kind"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":       kind,
		"entity_ids": a.mon.Store().ExistingEntityIDs(kind),
	})
}

func (a *api) handleViewport(w http.ResponseWriter, r *http.Request) {
	var v flow.Viewport
	if !decode(w, r, &v) {
		return
	}
	a.mon.Store().SetViewport(v)
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleRefresh(w http.ResponseWriter, r *http.Request) {
	changed := a.mon.Refresh(r.Context(), monitor.TriggerManual)
	writeJSON(w, http.StatusOK, map[string]any{
		"changed":    changed,
		"generation": a.mon.Store().Snapshot().Generation,
	})
}

func (a *api) handleSave(w http.ResponseWriter, r *http.Request) {
	if err := a.mon.Save(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleListFlows(w http.ResponseWriter, r *http.Request) {
	if a.flows == nil {
		a.writeError(w, monitor.ErrNoPersistence)
		return
	}
	opts := repo.ListOpts{
		Offset: queryInt(r, "offset", 0),
		Limit:  queryInt(r, "limit", 100),
	}
	flows, err := a.flows.List(r.Context(), opts)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flows)
}

func (a *api) handlePresence(w http.ResponseWriter, r *http.Request) {
	var msg monitor.PresenceMessage
	if !decode(w, r, &msg) {
		return
	}
	sig, err := refetch.ParseSignal(msg.Type)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	a.mon.Notify(sig)
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) handleScheduler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.mon.Scheduler().Info())
}

// --- Helpers ---

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var verr *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrUnknownNodeReference),
		errors.Is(err, flow.ErrNodeNotFound),
		errors.Is(err, flow.ErrEdgeNotFound),
		errors.Is(err, flow.ErrFlowNotFound):
		return http.StatusNotFound
	case errors.As(err, &verr),
		errors.Is(err, domain.ErrUnknownKind),
		errors.Is(err, domain.ErrInvalidFlow):
		return http.StatusBadRequest
	case errors.Is(err, monitor.ErrNoPersistence):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		a.logger.Error("request failed", "err", err)
		msg = "internal server error"
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
