// Package inmem provides an in-memory implementation of store.Store.
//
// The in-memory store is intended for tests and local development. It applies
// the same command semantics as the durable backends (shared via
// store.Replay) but offers no durability across process restarts.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"goa.design/dataflow/runtime/flow"
	"goa.design/dataflow/runtime/flow/command"
	"goa.design/dataflow/runtime/flow/store"
)

// Store implements store.Store in memory.
type Store struct {
	mu sync.RWMutex

	dataflows map[string]*flow.Dataflow
	nodes     map[string]*flow.Node
	data      map[string]*flow.DataItem

	// per-dataflow identifier lists in creation order.
	flowNodes map[string][]string
	flowData  map[string][]string

	// per-dataflow command log and sequence head.
	commands map[string][]*command.Command
	seq      map[string]int64
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		dataflows: make(map[string]*flow.Dataflow),
		nodes:     make(map[string]*flow.Node),
		data:      make(map[string]*flow.DataItem),
		flowNodes: make(map[string][]string),
		flowData:  make(map[string][]string),
		commands:  make(map[string][]*command.Command),
		seq:       make(map[string]int64),
	}
}

// CreateDataflow implements store.Store.
func (s *Store) CreateDataflow(_ context.Context, df *flow.Dataflow) error {
	if df == nil || df.ID == "" {
		return fmt.Errorf("%w: dataflow id is required", store.ErrInvalidPayload)
	}
	if !df.Status.Valid() {
		return fmt.Errorf("%w: invalid dataflow status %q", store.ErrInvalidPayload, df.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.dataflows[df.ID]; dup {
		return fmt.Errorf("%w: dataflow %s already exists", store.ErrConflict, df.ID)
	}
	dup := *df
	if dup.CreatedAt.IsZero() {
		dup.CreatedAt = time.Now().UTC()
	}
	dup.UpdatedAt = dup.CreatedAt
	s.dataflows[df.ID] = &dup
	return nil
}

// SetDataflowStatus implements store.Store. Setting the current status again
// is a no-op so recovery paths can be retried safely.
func (s *Store) SetDataflowStatus(_ context.Context, id string, status flow.DataflowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	df, ok := s.dataflows[id]
	if !ok {
		return fmt.Errorf("%w: dataflow %s", store.ErrNotFound, id)
	}
	if df.Status == status {
		return nil
	}
	if !flow.CanTransitionDataflow(df.Status, status) {
		return fmt.Errorf("%w: dataflow %s cannot move from %s to %s", store.ErrInvalidPayload, id, df.Status, status)
	}
	df.Status = status
	df.UpdatedAt = time.Now().UTC()
	return nil
}

// Apply implements store.Store.
func (s *Store) Apply(_ context.Context, dataflowID string, expectedSeq int64, cmds []*command.Command) (*store.ApplyResult, error) {
	if err := command.ValidateBatch(dataflowID, cmds); err != nil {
		return nil, fmt.Errorf("%w: %s", store.ErrInvalidPayload, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	df, ok := s.dataflows[dataflowID]
	if !ok {
		return nil, fmt.Errorf("%w: dataflow %s", store.ErrNotFound, dataflowID)
	}

	head := s.seq[dataflowID]
	if expectedSeq != head {
		if s.isReplay(dataflowID, expectedSeq, cmds) {
			// Idempotent re-apply of an already-committed batch.
			return &store.ApplyResult{Seq: head}, nil
		}
		return nil, fmt.Errorf("%w: dataflow %s log head is %d, caller expected %d", store.ErrConflict, dataflowID, head, expectedSeq)
	}

	now := time.Now().UTC()
	stage := newStage(s, df)
	if err := store.Replay(stage, cmds, now); err != nil {
		return nil, err
	}

	// Commit: assign sequence numbers, append to the log, merge staged rows.
	res := &store.ApplyResult{}
	for i, c := range cmds {
		logged := *c
		logged.Seq = head + int64(i) + 1
		logged.AppliedAt = now
		s.commands[dataflowID] = append(s.commands[dataflowID], &logged)
	}
	s.seq[dataflowID] = head + int64(len(cmds))
	res.Seq = s.seq[dataflowID]

	for _, id := range stage.nodeOrder {
		n := stage.nodes[id]
		if _, exists := s.nodes[id]; !exists {
			s.flowNodes[dataflowID] = append(s.flowNodes[dataflowID], id)
		}
		s.nodes[id] = n
		res.Nodes = append(res.Nodes, n.Clone())
	}
	for _, id := range stage.dataOrder {
		d := stage.data[id]
		s.data[id] = d
		s.flowData[dataflowID] = append(s.flowData[dataflowID], id)
		dup := *d
		res.Data = append(res.Data, &dup)
	}
	df.UpdatedAt = now
	return res, nil
}

// isReplay reports whether the batch matches commands already in the log at
// the slots starting after expectedSeq. Matching batches were committed by a
// previous attempt and may be acknowledged without re-applying.
func (s *Store) isReplay(dataflowID string, expectedSeq int64, cmds []*command.Command) bool {
	log := s.commands[dataflowID]
	start := int(expectedSeq)
	if start < 0 || start+len(cmds) > len(log) {
		return false
	}
	for i, c := range cmds {
		if log[start+i].ID != c.ID {
			return false
		}
	}
	return true
}

// Dataflow implements store.Reader.
func (s *Store) Dataflow(_ context.Context, id string) (*flow.Dataflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	df, ok := s.dataflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: dataflow %s", store.ErrNotFound, id)
	}
	dup := *df
	return &dup, nil
}

// ListDataflows implements store.Reader.
func (s *Store) ListDataflows(_ context.Context, filter store.DataflowFilter) ([]*flow.Dataflow, error) {
	filter = filter.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.dataflows))
	for id := range s.dataflows {
		ids = append(ids, id)
	}
	// UUID v7 identifiers sort by creation time.
	sort.Strings(ids)

	var out []*flow.Dataflow
	skipped := 0
	for _, id := range ids {
		df := s.dataflows[id]
		if filter.Owner != "" && df.OwnerID != filter.Owner {
			continue
		}
		if filter.Status != "" && df.Status != filter.Status {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		dup := *df
		out = append(out, &dup)
		if len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Node implements store.Reader.
func (s *Store) Node(_ context.Context, id string) (*flow.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: node %s", store.ErrNotFound, id)
	}
	return n.Clone(), nil
}

// ListNodes implements store.Reader.
func (s *Store) ListNodes(_ context.Context, dataflowID string, filter store.NodeFilter) ([]*flow.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.dataflows[dataflowID]; !ok {
		return nil, fmt.Errorf("%w: dataflow %s", store.ErrNotFound, dataflowID)
	}
	var out []*flow.Node
	for _, id := range s.flowNodes[dataflowID] {
		n := s.nodes[id]
		if filter.RootsOnly && n.ParentID != "" {
			continue
		}
		if filter.ParentID != "" && n.ParentID != filter.ParentID {
			continue
		}
		if filter.Status != "" && n.Status != filter.Status {
			continue
		}
		if filter.Type != "" && n.Type != filter.Type {
			continue
		}
		out = append(out, n.Clone())
	}
	return out, nil
}

// Data implements store.Reader.
func (s *Store) Data(_ context.Context, id string, resolveReferences bool) (*flow.DataItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dataLocked(id, resolveReferences)
}

func (s *Store) dataLocked(id string, resolveReferences bool) (*flow.DataItem, error) {
	d, ok := s.data[id]
	if !ok {
		return nil, fmt.Errorf("%w: data item %s", store.ErrNotFound, id)
	}
	if resolveReferences && d.IsReference() {
		target, ok := s.data[d.ReferenceTarget()]
		if !ok {
			return nil, fmt.Errorf("%w: reference target %s", store.ErrNotFound, d.ReferenceTarget())
		}
		if target.IsReference() {
			return nil, fmt.Errorf("%w: %s -> %s", store.ErrReferenceChain, id, target.ID)
		}
		resolved := *d
		resolved.Content = append([]byte(nil), target.Content...)
		resolved.ContentType = target.ContentType
		return &resolved, nil
	}
	dup := *d
	return &dup, nil
}

// ListData implements store.Reader.
func (s *Store) ListData(_ context.Context, dataflowID string, filter store.DataFilter) ([]*flow.DataItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.dataflows[dataflowID]; !ok {
		return nil, fmt.Errorf("%w: dataflow %s", store.ErrNotFound, dataflowID)
	}
	var out []*flow.DataItem
	for _, id := range s.flowData[dataflowID] {
		d := s.data[id]
		if filter.NodeID != "" && d.NodeID != filter.NodeID {
			continue
		}
		if filter.Type != "" && d.Type != filter.Type {
			continue
		}
		if filter.Key != "" && d.Key != filter.Key {
			continue
		}
		item, err := s.dataLocked(id, filter.ResolveReferences)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

// Commands implements store.Reader.
func (s *Store) Commands(_ context.Context, dataflowID string, afterSeq int64) ([]*command.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.dataflows[dataflowID]; !ok {
		return nil, fmt.Errorf("%w: dataflow %s", store.ErrNotFound, dataflowID)
	}
	var out []*command.Command
	for _, c := range s.commands[dataflowID] {
		if c.Seq <= afterSeq {
			continue
		}
		dup := *c
		out = append(out, &dup)
	}
	return out, nil
}

// stage is the copy-on-write view Replay mutates. Reads fall through to the
// committed maps; writes stay in the stage until the batch commits.
type stage struct {
	s  *Store
	df *flow.Dataflow

	nodes     map[string]*flow.Node
	nodeOrder []string
	data      map[string]*flow.DataItem
	dataOrder []string
}

func newStage(s *Store, df *flow.Dataflow) *stage {
	return &stage{
		s:     s,
		df:    df,
		nodes: make(map[string]*flow.Node),
		data:  make(map[string]*flow.DataItem),
	}
}

// Dataflow implements store.View.
func (st *stage) Dataflow() *flow.Dataflow { return st.df }

// Node implements store.View.
func (st *stage) Node(id string) (*flow.Node, bool) {
	if n, ok := st.nodes[id]; ok {
		return n, true
	}
	n, ok := st.s.nodes[id]
	if !ok || n.DataflowID != st.df.ID {
		return nil, false
	}
	return n, true
}

// PutNode implements store.View.
func (st *stage) PutNode(n *flow.Node) {
	if _, staged := st.nodes[n.ID]; !staged {
		st.nodeOrder = append(st.nodeOrder, n.ID)
	}
	st.nodes[n.ID] = n
}

// PutData implements store.View.
func (st *stage) PutData(d *flow.DataItem) {
	if _, staged := st.data[d.ID]; !staged {
		st.dataOrder = append(st.dataOrder, d.ID)
	}
	st.data[d.ID] = d
}
