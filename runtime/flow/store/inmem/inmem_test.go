package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/dataflow/runtime/flow"
	"goa.design/dataflow/runtime/flow/command"
	"goa.design/dataflow/runtime/flow/store"
)

func newDataflow(t *testing.T, s *Store) *flow.Dataflow {
	t.Helper()
	df := &flow.Dataflow{ID: flow.NewID(), OwnerID: "user-1", Status: flow.DataflowPending}
	require.NoError(t, s.CreateDataflow(context.Background(), df))
	return df
}

func TestApplyCreatesNodesAndData(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	df := newDataflow(t, s)

	root := command.New(df.ID, command.CreateNode{
		NodeID:   "root",
		NodeType: "func",
		Status:   flow.NodePending,
		Config:   []byte(`{"func_id":"echo"}`),
	})
	child := command.New(df.ID, command.CreateNode{
		NodeID:       "child",
		NodeType:     "func",
		ParentNodeID: "root",
		Status:       flow.NodePending,
	})
	input := command.New(df.ID, command.CreateData{
		DataID:      "in-1",
		DataType:    flow.DataNodeInput,
		NodeID:      "root",
		Key:         "default",
		Content:     []byte(`{"message":"hi"}`),
		ContentType: flow.ContentTypeJSON,
	})

	res, err := s.Apply(ctx, df.ID, 0, []*command.Command{root, child, input})
	require.NoError(t, err)
	require.Equal(t, int64(3), res.Seq)
	require.Len(t, res.Nodes, 2)
	require.Len(t, res.Data, 1)

	got, err := s.Node(ctx, "child")
	require.NoError(t, err)
	require.Equal(t, "root", got.ParentID)
	require.Equal(t, []string{"root"}, got.Ancestors, "ancestor path derived from parent at apply time")

	log, err := s.Commands(ctx, df.ID, 0)
	require.NoError(t, err)
	require.Len(t, log, 3)
	require.Equal(t, int64(1), log[0].Seq)
	require.False(t, log[0].AppliedAt.IsZero())
}

func TestApplySequenceConflict(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	df := newDataflow(t, s)

	first := command.New(df.ID, command.CreateNode{NodeID: "n1", NodeType: "func", Status: flow.NodePending})
	_, err := s.Apply(ctx, df.ID, 0, []*command.Command{first})
	require.NoError(t, err)

	stale := command.New(df.ID, command.CreateNode{NodeID: "n2", NodeType: "func", Status: flow.NodePending})
	_, err = s.Apply(ctx, df.ID, 0, []*command.Command{stale})
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestApplyReplayIsIdempotent(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	df := newDataflow(t, s)

	batch := []*command.Command{
		command.New(df.ID, command.CreateNode{NodeID: "n1", NodeType: "func", Status: flow.NodePending}),
		command.New(df.ID, command.CreateData{
			DataID: "d1", DataType: flow.DataNodeInput, NodeID: "n1",
			Content: []byte(`1`), ContentType: flow.ContentTypeJSON,
		}),
	}
	_, err := s.Apply(ctx, df.ID, 0, batch)
	require.NoError(t, err)

	nodesBefore, err := s.ListNodes(ctx, df.ID, store.NodeFilter{})
	require.NoError(t, err)

	// Re-applying the identical batch (same command IDs, same slots) must be
	// a no-op rather than a conflict.
	res, err := s.Apply(ctx, df.ID, 0, batch)
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Seq)

	nodesAfter, err := s.ListNodes(ctx, df.ID, store.NodeFilter{})
	require.NoError(t, err)
	require.Equal(t, nodesBefore, nodesAfter)

	log, err := s.Commands(ctx, df.ID, 0)
	require.NoError(t, err)
	require.Len(t, log, 2)
}

func TestApplyBatchIsAtomic(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	df := newDataflow(t, s)

	good := command.New(df.ID, command.CreateNode{NodeID: "n1", NodeType: "func", Status: flow.NodePending})
	// Completing a pending node is an illegal transition and must abort the
	// whole batch.
	bad := command.New(df.ID, command.CompleteNode{NodeID: "n1"})
	_, err := s.Apply(ctx, df.ID, 0, []*command.Command{good, bad})
	require.ErrorIs(t, err, store.ErrInvalidPayload)

	_, err = s.Node(ctx, "n1")
	require.ErrorIs(t, err, store.ErrNotFound)

	log, err := s.Commands(ctx, df.ID, 0)
	require.NoError(t, err)
	require.Empty(t, log)
}

func TestApplyStatusLifecycle(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	df := newDataflow(t, s)

	_, err := s.Apply(ctx, df.ID, 0, []*command.Command{
		command.New(df.ID, command.CreateNode{NodeID: "n1", NodeType: "func", Status: flow.NodePending}),
	})
	require.NoError(t, err)

	_, err = s.Apply(ctx, df.ID, 1, []*command.Command{
		command.New(df.ID, command.UpdateNodeStatus{NodeID: "n1", Status: flow.NodeRunning}),
	})
	require.NoError(t, err)

	_, err = s.Apply(ctx, df.ID, 2, []*command.Command{
		command.New(df.ID, command.FailNode{NodeID: "n1", ErrorCode: flow.CodeFunctionExecutionFailed, ErrorMessage: "boom"}),
	})
	require.NoError(t, err)

	n, err := s.Node(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, flow.NodeFailed, n.Status)
	require.Equal(t, flow.CodeFunctionExecutionFailed, n.Metadata["error_code"])
	require.Equal(t, "boom", n.Metadata["error_message"])
}

func TestTerminalDataflowRejectsChanges(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	df := newDataflow(t, s)

	_, err := s.Apply(ctx, df.ID, 0, []*command.Command{
		command.New(df.ID, command.CreateNode{NodeID: "n1", NodeType: "func", Status: flow.NodePending}),
	})
	require.NoError(t, err)

	require.NoError(t, s.SetDataflowStatus(ctx, df.ID, flow.DataflowRunning))
	require.NoError(t, s.SetDataflowStatus(ctx, df.ID, flow.DataflowCanceled))

	_, err = s.Apply(ctx, df.ID, 1, []*command.Command{
		command.New(df.ID, command.UpdateNodeStatus{NodeID: "n1", Status: flow.NodeRunning}),
	})
	require.ErrorIs(t, err, store.ErrInvalidPayload)

	// Terminal dataflow statuses are final.
	err = s.SetDataflowStatus(ctx, df.ID, flow.DataflowRunning)
	require.ErrorIs(t, err, store.ErrInvalidPayload)
	// Re-setting the current status stays a no-op.
	require.NoError(t, s.SetDataflowStatus(ctx, df.ID, flow.DataflowCanceled))
}

func TestReferenceResolution(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	df := newDataflow(t, s)

	blob := command.New(df.ID, command.CreateData{
		DataID: "blob", DataType: flow.DataWorkflowInput,
		Content: []byte(`{"large":"payload"}`), ContentType: flow.ContentTypeJSON,
	})
	node := command.New(df.ID, command.CreateNode{NodeID: "n1", NodeType: "func", Status: flow.NodePending})
	ref := command.New(df.ID, command.CreateData{
		DataID: "ref", DataType: flow.DataNodeInput, NodeID: "n1",
		Content: []byte("blob"), ContentType: flow.ContentTypeReference,
	})
	chain := command.New(df.ID, command.CreateData{
		DataID: "chain", DataType: flow.DataWorkflowInput,
		Content: []byte("ref"), ContentType: flow.ContentTypeReference,
	})
	_, err := s.Apply(ctx, df.ID, 0, []*command.Command{blob, node, ref, chain})
	require.NoError(t, err)

	// Without resolution the reference payload is observed.
	raw, err := s.Data(ctx, "ref", false)
	require.NoError(t, err)
	require.Equal(t, flow.ContentTypeReference, raw.ContentType)
	require.Equal(t, "blob", string(raw.Content))

	// With resolution the target content is observed.
	resolved, err := s.Data(ctx, "ref", true)
	require.NoError(t, err)
	require.Equal(t, flow.ContentTypeJSON, resolved.ContentType)
	require.JSONEq(t, `{"large":"payload"}`, string(resolved.Content))

	// Chains longer than one hop fail.
	_, err = s.Data(ctx, "chain", true)
	require.ErrorIs(t, err, store.ErrReferenceChain)
}

func TestListDataflowsFilterAndPaging(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		owner := "alice"
		if i%2 == 1 {
			owner = "bob"
		}
		df := &flow.Dataflow{ID: flow.NewID(), OwnerID: owner, Status: flow.DataflowPending}
		require.NoError(t, s.CreateDataflow(ctx, df))
	}

	all, err := s.ListDataflows(ctx, store.DataflowFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		require.Less(t, all[i-1].ID, all[i].ID, "pages are ordered by creation time")
	}

	alice, err := s.ListDataflows(ctx, store.DataflowFilter{Owner: "alice"})
	require.NoError(t, err)
	require.Len(t, alice, 3)

	page, err := s.ListDataflows(ctx, store.DataflowFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, all[2].ID, page[0].ID)
}

func TestListNodesAndDataFilters(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	df := newDataflow(t, s)

	_, err := s.Apply(ctx, df.ID, 0, []*command.Command{
		command.New(df.ID, command.CreateNode{NodeID: "root", NodeType: "map_reduce", Status: flow.NodePending}),
		command.New(df.ID, command.CreateNode{NodeID: "tpl", NodeType: "func", ParentNodeID: "root", Status: flow.NodeTemplate}),
		command.New(df.ID, command.CreateData{
			DataID: "d1", DataType: flow.DataNodeInput, NodeID: "root", Key: "default",
			Content: []byte(`[]`), ContentType: flow.ContentTypeJSON,
		}),
	})
	require.NoError(t, err)

	templates, err := s.ListNodes(ctx, df.ID, store.NodeFilter{ParentID: "root", Status: flow.NodeTemplate})
	require.NoError(t, err)
	require.Len(t, templates, 1)
	require.Equal(t, "tpl", templates[0].ID)

	roots, err := s.ListNodes(ctx, df.ID, store.NodeFilter{RootsOnly: true})
	require.NoError(t, err)
	require.Len(t, roots, 1)
	require.Equal(t, "root", roots[0].ID)

	items, err := s.ListData(ctx, df.ID, store.DataFilter{NodeID: "root", Type: flow.DataNodeInput, Key: "default"})
	require.NoError(t, err)
	require.Len(t, items, 1)

	_, err = s.ListNodes(ctx, "missing", store.NodeFilter{})
	require.ErrorIs(t, err, store.ErrNotFound)
}
