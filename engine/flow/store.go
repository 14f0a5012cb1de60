package flow

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/WessleyAI/flowpulse/engine/activity"
	"github.com/WessleyAI/flowpulse/engine/domain"
	"github.com/WessleyAI/flowpulse/engine/history"
	"github.com/WessleyAI/flowpulse/engine/status"
	"github.com/google/uuid"
)

var (
	ErrNodeNotFound = errors.New("node not found")
	ErrEdgeNotFound = errors.New("edge not found")
)

// ChangeKind classifies a store notification.
type ChangeKind string

const (
	ChangeNodeAdded   ChangeKind = "node_added"
	ChangeNodeMoved   ChangeKind = "node_moved"
	ChangeNodeData    ChangeKind = "node_data"
	ChangeNodeRemoved ChangeKind = "node_removed"
	ChangeEdgeAdded   ChangeKind = "edge_added"
	ChangeEdgeRemoved ChangeKind = "edge_removed"
	ChangeStatuses    ChangeKind = "statuses"
	ChangeAnimations  ChangeKind = "animations"
	ChangeViewport    ChangeKind = "viewport"
	ChangeRestored    ChangeKind = "restored"
)

// Change describes one structural or derived change.
type Change struct {
	Kind    ChangeKind `json:"kind"`
	NodeIDs []string   `json:"node_ids,omitempty"`
	EdgeIDs []string   `json:"edge_ids,omitempty"`
}

type listener struct {
	id int
	fn func(Change)
}

// Store owns the nodes and edges of one flow. It is the only writer of
// both collections; readers get copies.
type Store struct {
	mu        sync.RWMutex
	id        string
	name      string
	nodes     []Node
	edges     []Edge
	viewport  *Viewport
	snap      history.Snapshot
	detector  *activity.Detector
	newID     func() string
	logger    *slog.Logger
	listeners []listener
	nextSub   int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithDetector sets the activity detector, typically sharing the clock
// used in tests.
func WithDetector(d *activity.Detector) StoreOption {
	return func(s *Store) { s.detector = d }
}

// WithIDGenerator overrides how node and edge ids are minted.
func WithIDGenerator(f func() string) StoreOption {
	return func(s *Store) { s.newID = f }
}

// WithStoreLogger sets the logger.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore creates an empty store for flow id.
func NewStore(id, name string, opts ...StoreOption) *Store {
	s := &Store{
		id:     id,
		name:   name,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.detector == nil {
		s.detector = activity.NewDetector(nil)
	}
	return s
}

// ID returns the flow id.
func (s *Store) ID() string { return s.id }

// Subscribe registers fn for every change. Listeners run synchronously in
// registration order after the store lock is released. The returned
// function removes the listener.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *Store) notify(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	s.mu.RLock()
	ls := append([]listener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, c := range changes {
		for _, l := range ls {
			l.fn(c)
		}
	}
}

// CreateNode adds a node of kind. An empty label becomes "{Kind} {n+1}",
// n being the number of nodes of that kind already on the canvas. The node
// is placed at the viewport center, or DefaultPosition without one.
func (s *Store) CreateNode(kind domain.Kind, entityID, label string) (Node, error) {
	return s.CreateNodeWithData(kind, entityID, label, nil)
}

// CreateNodeWithData is CreateNode with an initial payload. A nil data
// yields the zero payload for kind; data of another kind is rejected.
func (s *Store) CreateNodeWithData(kind domain.Kind, entityID, label string, data NodeData) (Node, error) {
	zero, err := newNodeData(kind)
	if err != nil {
		return Node{}, fmt.Errorf("flow: create node: %w", err)
	}
	if data == nil {
		data = zero
	} else if data.Kind() != kind {
		return Node{}, fmt.Errorf("flow: create node: %w",
			domain.NewValidationError("data", string(data.Kind()), domain.ErrInvalidNodeData))
	} else {
		data = cloneData(data)
	}
	if err := domain.ValidateEntityID(entityID); err != nil {
		return Node{}, fmt.Errorf("flow: create node: %w", err)
	}
	if err := domain.ValidateLabel(label); err != nil {
		return Node{}, fmt.Errorf("flow: create node: %w", err)
	}

	s.mu.Lock()
	if label == "" {
		n := 0
		for _, existing := range s.nodes {
			if existing.Kind == kind {
				n++
			}
		}
		label = fmt.Sprintf("%s %d", kind.Title(), n+1)
	}
	pos := DefaultPosition
	if s.viewport != nil {
		pos = s.viewport.Center()
	}
	node := Node{
		ID:       s.newID(),
		Kind:     kind,
		EntityID: entityID,
		Label:    label,
		Position: pos,
		Data:     data,
	}
	s.project(&node, s.snap)
	s.nodes = append(s.nodes, node)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeNodeAdded, NodeIDs: []string{node.ID}})
	return node, nil
}

// ExistingEntityIDs returns the entity ids bound to nodes of kind, in
// canvas order. Duplicates are reported as often as they occur.
func (s *Store) ExistingEntityIDs(kind domain.Kind) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := []string{}
	for _, n := range s.nodes {
		if n.Kind == kind && n.EntityID != "" {
			ids = append(ids, n.EntityID)
		}
	}
	return ids
}

// Connect adds an edge from source to target. Both nodes must exist.
func (s *Store) Connect(source, target string, h Handles) (Edge, error) {
	s.mu.Lock()
	src, ok := s.node(source)
	if !ok {
		s.mu.Unlock()
		return Edge{}, fmt.Errorf("flow: connect source %q: %w", source, domain.ErrUnknownNodeReference)
	}
	dst, ok := s.node(target)
	if !ok {
		s.mu.Unlock()
		return Edge{}, fmt.Errorf("flow: connect target %q: %w", target, domain.ErrUnknownNodeReference)
	}
	edge := Edge{
		ID:           s.newID(),
		Source:       source,
		Target:       target,
		SourceHandle: h.Source,
		TargetHandle: h.Target,
		Animated:     s.pulsing(src, s.snap) || s.pulsing(dst, s.snap),
	}
	s.edges = append(s.edges, edge)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeEdgeAdded, EdgeIDs: []string{edge.ID}})
	return edge, nil
}

// RecomputeNodeStatuses makes snap current, re-derives every node's
// projection from it and reports whether any node changed. Nothing is
// emitted when none did.
func (s *Store) RecomputeNodeStatuses(snap history.Snapshot) bool {
	s.mu.Lock()
	s.snap = snap
	changed := s.recomputeNodes(snap)
	s.mu.Unlock()
	if len(changed) == 0 {
		return false
	}
	s.notify(Change{Kind: ChangeStatuses, NodeIDs: changed})
	return true
}

// RecomputeEdgeAnimations makes snap current, re-derives every edge's
// animated flag from it and reports whether any edge changed.
func (s *Store) RecomputeEdgeAnimations(snap history.Snapshot) bool {
	s.mu.Lock()
	s.snap = snap
	changed := s.recomputeEdges(snap)
	s.mu.Unlock()
	if len(changed) == 0 {
		return false
	}
	s.notify(Change{Kind: ChangeAnimations, EdgeIDs: changed})
	return true
}

// Apply makes snap current and recomputes nodes and edges from it in one
// pass. It reports whether anything changed.
func (s *Store) Apply(snap history.Snapshot) bool {
	s.mu.Lock()
	s.snap = snap
	nodes := s.recomputeNodes(snap)
	edges := s.recomputeEdges(snap)
	s.mu.Unlock()
	return s.emitProjections(nodes, edges)
}

// Tick re-evaluates projections against the current snapshot. Windows are
// relative to now, so activity expires between fetches.
func (s *Store) Tick() bool {
	s.mu.Lock()
	nodes := s.recomputeNodes(s.snap)
	edges := s.recomputeEdges(s.snap)
	s.mu.Unlock()
	return s.emitProjections(nodes, edges)
}

func (s *Store) emitProjections(nodes, edges []string) bool {
	var changes []Change
	if len(nodes) > 0 {
		changes = append(changes, Change{Kind: ChangeStatuses, NodeIDs: nodes})
	}
	if len(edges) > 0 {
		changes = append(changes, Change{Kind: ChangeAnimations, EdgeIDs: edges})
	}
	s.notify(changes...)
	return len(changes) > 0
}

// Snapshot returns the current snapshot: the last one passed to Apply or
// to either recompute.
func (s *Store) Snapshot() history.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// MoveNode updates a node's position.
func (s *Store) MoveNode(id string, pos Position) error {
	s.mu.Lock()
	i := s.nodeIndex(id)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("flow: move %q: %w", id, ErrNodeNotFound)
	}
	s.nodes[i].Position = pos
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeNodeMoved, NodeIDs: []string{id}})
	return nil
}

// SetNodeData replaces a node's payload. data must belong to the node's
// kind.
func (s *Store) SetNodeData(id string, data NodeData) error {
	if data == nil {
		return fmt.Errorf("flow: set data %q: %w", id,
			domain.NewValidationError("data", "null", domain.ErrInvalidNodeData))
	}
	s.mu.Lock()
	i := s.nodeIndex(id)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("flow: set data %q: %w", id, ErrNodeNotFound)
	}
	if kind := s.nodes[i].Kind; data.Kind() != kind {
		s.mu.Unlock()
		return fmt.Errorf("flow: set data %q: %w", id,
			domain.NewValidationError("data", string(data.Kind()), domain.ErrInvalidNodeData))
	}
	s.nodes[i].Data = cloneData(data)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeNodeData, NodeIDs: []string{id}})
	return nil
}

// RemoveNode deletes a node together with every edge touching it.
func (s *Store) RemoveNode(id string) error {
	s.mu.Lock()
	i := s.nodeIndex(id)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("flow: remove node %q: %w", id, ErrNodeNotFound)
	}
	s.nodes = append(s.nodes[:i:i], s.nodes[i+1:]...)
	var removed []string
	kept := s.edges[:0:0]
	for _, e := range s.edges {
		if e.Source == id || e.Target == id {
			removed = append(removed, e.ID)
			continue
		}
		kept = append(kept, e)
	}
	s.edges = kept
	s.mu.Unlock()

	changes := []Change{{Kind: ChangeNodeRemoved, NodeIDs: []string{id}}}
	if len(removed) > 0 {
		changes = append(changes, Change{Kind: ChangeEdgeRemoved, EdgeIDs: removed})
	}
	s.notify(changes...)
	return nil
}

// RemoveEdge deletes an edge.
func (s *Store) RemoveEdge(id string) error {
	s.mu.Lock()
	idx := -1
	for i, e := range s.edges {
		if e.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("flow: remove edge %q: %w", id, ErrEdgeNotFound)
	}
	s.edges = append(s.edges[:idx:idx], s.edges[idx+1:]...)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeEdgeRemoved, EdgeIDs: []string{id}})
	return nil
}

// SetViewport records the client's visible region.
func (s *Store) SetViewport(v Viewport) {
	s.mu.Lock()
	s.viewport = &v
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeViewport})
}

// Nodes returns a copy of the nodes in canvas order.
func (s *Store) Nodes() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneNodes(s.nodes)
}

// Edges returns a copy of the edges.
func (s *Store) Edges() []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Edge{}, s.edges...)
}

// Node returns the node with id.
func (s *Store) Node(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.node(id)
	if !ok {
		return Node{}, false
	}
	return cloneNodes([]Node{n})[0], true
}

// Flow returns the current state as a persistence document.
func (s *Store) Flow() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc := Document{
		ID:        s.id,
		Name:      s.name,
		Nodes:     cloneNodes(s.nodes),
		Edges:     append([]Edge{}, s.edges...),
		UpdatedAt: s.detector.Now(),
	}
	if s.viewport != nil {
		v := *s.viewport
		doc.Viewport = &v
	}
	return doc
}

// Restore validates doc and replaces the store contents with it. Derived
// fields in doc are ignored and recomputed from the current snapshot.
func (s *Store) Restore(doc Document) error {
	if err := Validate(doc); err != nil {
		return err
	}
	nodes := cloneNodes(doc.Nodes)
	for i := range nodes {
		if nodes[i].Data == nil {
			nodes[i].Data, _ = newNodeData(nodes[i].Kind)
		}
	}
	edges := append([]Edge{}, doc.Edges...)

	s.mu.Lock()
	if doc.Name != "" {
		s.name = doc.Name
	}
	s.nodes = nodes
	s.edges = edges
	s.viewport = nil
	if doc.Viewport != nil {
		v := *doc.Viewport
		s.viewport = &v
	}
	for i := range s.nodes {
		s.project(&s.nodes[i], s.snap)
	}
	for i := range s.edges {
		s.edges[i].Animated = s.edgeActive(s.edges[i], s.snap)
	}
	s.mu.Unlock()

	s.logger.Info("flow restored", "flow_id", s.id, "nodes", len(nodes), "edges", len(edges))
	s.notify(Change{Kind: ChangeRestored})
	return nil
}

// Validate checks that every node has a unique id and known kind and
// every edge references existing nodes.
func Validate(doc Document) error {
	invalid := func(field, value string, err error) error {
		return fmt.Errorf("%w: %w", domain.ErrInvalidFlow, domain.NewValidationError(field, value, err))
	}
	ids := make(map[string]bool, len(doc.Nodes))
	for _, n := range doc.Nodes {
		if n.ID == "" || ids[n.ID] {
			return invalid("node.id", n.ID, domain.ErrInvalidFlow)
		}
		ids[n.ID] = true
		if !n.Kind.Valid() {
			return invalid("node.kind", string(n.Kind), domain.ErrUnknownKind)
		}
		if !matchesKind(n.Data, n.Kind) {
			return invalid("node.data", n.ID, domain.ErrUnknownKind)
		}
		if err := domain.ValidateEntityID(n.EntityID); err != nil {
			return invalid("node.entity_id", n.EntityID, domain.ErrInvalidEntityID)
		}
	}
	edgeIDs := make(map[string]bool, len(doc.Edges))
	for _, e := range doc.Edges {
		if e.ID == "" || edgeIDs[e.ID] {
			return invalid("edge.id", e.ID, domain.ErrInvalidFlow)
		}
		edgeIDs[e.ID] = true
		if !ids[e.Source] {
			return invalid("edge.source", e.Source, domain.ErrUnknownNodeReference)
		}
		if !ids[e.Target] {
			return invalid("edge.target", e.Target, domain.ErrUnknownNodeReference)
		}
	}
	return nil
}

func (s *Store) node(id string) (Node, bool) {
	if i := s.nodeIndex(id); i >= 0 {
		return s.nodes[i], true
	}
	return Node{}, false
}

func (s *Store) nodeIndex(id string) int {
	for i, n := range s.nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// project sets the derived fields of n from snap. Unbound nodes always
// have no history.
func (s *Store) project(n *Node, snap history.Snapshot) {
	n.Status = domain.StatusNoHistory
	n.LastUpdated = nil
	n.Live = false
	if n.EntityID == "" {
		return
	}
	n.Status = status.Latest(n.EntityID, n.Kind, snap.Lookups)
	if at, ok := s.detector.LastSeen(n.EntityID, n.Kind, snap); ok {
		n.LastUpdated = &at
	}
	n.Live = s.detector.ActiveWithin(n.EntityID, n.Kind, snap, activity.LifecycleWindow)
}

func (s *Store) recomputeNodes(snap history.Snapshot) []string {
	var changed []string
	for i := range s.nodes {
		next := s.nodes[i]
		s.project(&next, snap)
		if sameProjection(s.nodes[i], next) {
			continue
		}
		s.nodes[i] = next
		changed = append(changed, next.ID)
	}
	return changed
}

func (s *Store) recomputeEdges(snap history.Snapshot) []string {
	var changed []string
	for i, e := range s.edges {
		animated := s.edgeActive(e, snap)
		if animated == e.Animated {
			continue
		}
		s.edges[i].Animated = animated
		changed = append(changed, e.ID)
	}
	return changed
}

func (s *Store) edgeActive(e Edge, snap history.Snapshot) bool {
	src, _ := s.node(e.Source)
	if s.pulsing(src, snap) {
		return true
	}
	dst, _ := s.node(e.Target)
	return s.pulsing(dst, snap)
}

func (s *Store) pulsing(n Node, snap history.Snapshot) bool {
	if n.EntityID == "" {
		return false
	}
	return s.detector.ActiveWithin(n.EntityID, n.Kind, snap, activity.PulseWindow)
}

func sameProjection(a, b Node) bool {
	if a.Status != b.Status || a.Live != b.Live {
		return false
	}
	switch {
	case a.LastUpdated == nil && b.LastUpdated == nil:
		return true
	case a.LastUpdated == nil || b.LastUpdated == nil:
		return false
	}
	return a.LastUpdated.Equal(*b.LastUpdated)
}

func cloneNodes(nodes []Node) []Node {
	out := make([]Node, len(nodes))
	copy(out, nodes)
	for i := range out {
		out[i].Data = cloneData(out[i].Data)
		if out[i].LastUpdated != nil {
			t := *out[i].LastUpdated
			out[i].LastUpdated = &t
		}
	}
	return out
}
