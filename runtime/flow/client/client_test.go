package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/dataflow/runtime/flow"
	"goa.design/dataflow/runtime/flow/command"
	"goa.design/dataflow/runtime/flow/funcs"
	"goa.design/dataflow/runtime/flow/noderun"
	"goa.design/dataflow/runtime/flow/scheduler"
	"goa.design/dataflow/runtime/flow/store"
	"goa.design/dataflow/runtime/flow/store/inmem"
)

func newClient(t *testing.T) (*Client, *inmem.Store) {
	t.Helper()
	st := inmem.New()

	registry := funcs.NewRegistry()
	require.NoError(t, registry.Register("const_one", func(context.Context, any, map[string]any) (any, error) {
		return 1, nil
	}))
	require.NoError(t, registry.Register("boom", func(context.Context, any, map[string]any) (any, error) {
		return nil, errors.New("deliberate failure")
	}))
	require.NoError(t, registry.Register("block", func(ctx context.Context, _ any, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	runtimes := noderun.NewRegistry()
	require.NoError(t, runtimes.Register("func", noderun.NewFuncRuntime()))

	sched, err := scheduler.New(st, runtimes, registry, scheduler.Options{CancelGrace: time.Second})
	require.NoError(t, err)

	c, err := New(st, sched, nil)
	require.NoError(t, err)
	return c, st
}

func funcNode(id, funcID string, targets string) command.Payload {
	config := fmt.Sprintf(`{"func_id":%q,"required_input_keys":[]%s}`, funcID, targets)
	return command.CreateNode{
		NodeID:   id,
		NodeType: "func",
		Status:   flow.NodePending,
		Config:   json.RawMessage(config),
	}
}

func TestCreateWorkflow(t *testing.T) {
	t.Parallel()

	c, st := newClient(t)
	ctx := context.Background()
	nodeID := flow.NewID()

	id, err := c.CreateWorkflow(ctx, []command.Payload{funcNode(nodeID, "const_one", "")}, CreateOptions{
		Owner:    "alice",
		Metadata: map[string]any{"purpose": "test"},
	})
	require.NoError(t, err)

	df, err := st.Dataflow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, flow.DataflowPending, df.Status)
	require.Equal(t, "alice", df.OwnerID)

	nodes, err := st.ListNodes(ctx, id, store.NodeFilter{})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, nodeID, nodes[0].ID)

	cmds, err := st.Commands(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
}

func TestCreateWorkflowRejectsEmptyBatch(t *testing.T) {
	t.Parallel()

	c, _ := newClient(t)
	_, err := c.CreateWorkflow(context.Background(), nil, CreateOptions{})
	require.ErrorIs(t, err, store.ErrInvalidPayload)
}

func TestCreateWorkflowRejectsInvalidPayload(t *testing.T) {
	t.Parallel()

	c, _ := newClient(t)
	_, err := c.CreateWorkflow(context.Background(), []command.Payload{
		command.CreateNode{NodeType: "func", Status: flow.NodePending},
	}, CreateOptions{})
	require.ErrorIs(t, err, store.ErrInvalidPayload)
	require.ErrorContains(t, err, "node_id")
}

func TestExecuteCompletes(t *testing.T) {
	t.Parallel()

	c, st := newClient(t)
	ctx := context.Background()
	id, err := c.CreateWorkflow(ctx, []command.Payload{
		funcNode(flow.NewID(), "const_one",
			`,"data_targets":[{"data_type":"workflow.output","key":"result"}]`),
	}, CreateOptions{})
	require.NoError(t, err)

	df, err := c.Execute(ctx, id)
	require.NoError(t, err)
	require.Equal(t, flow.DataflowCompleted, df.Status)

	items, err := st.ListData(ctx, id, store.DataFilter{Type: flow.DataWorkflowOutput, Key: "result"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "1", string(items[0].Content))
}

func TestExecuteReturnsFailureCode(t *testing.T) {
	t.Parallel()

	c, _ := newClient(t)
	ctx := context.Background()
	id, err := c.CreateWorkflow(ctx, []command.Payload{funcNode(flow.NewID(), "boom", "")}, CreateOptions{})
	require.NoError(t, err)

	df, err := c.Execute(ctx, id)
	require.Error(t, err)
	require.Equal(t, flow.DataflowFailed, df.Status)
	require.Equal(t, flow.CodeFunctionExecutionFailed, flow.ErrorCode(err))
	require.ErrorContains(t, err, "deliberate failure")
}

func TestCancelWaitsForTerminal(t *testing.T) {
	t.Parallel()

	c, _ := newClient(t)
	ctx := context.Background()
	id, err := c.CreateWorkflow(ctx, []command.Payload{funcNode(flow.NewID(), "block", "")}, CreateOptions{})
	require.NoError(t, err)

	done := make(chan *flow.Dataflow, 1)
	go func() {
		df, eerr := c.Execute(ctx, id)
		require.NoError(t, eerr)
		done <- df
	}()
	require.Eventually(t, func() bool {
		df, derr := c.Dataflow(ctx, id)
		return derr == nil && df.Status == flow.DataflowRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Cancel(ctx, id, 5*time.Second))

	df, err := c.Dataflow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, flow.DataflowCanceled, df.Status)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("execute did not return after cancel")
	}
}

func TestTerminate(t *testing.T) {
	t.Parallel()

	c, _ := newClient(t)
	ctx := context.Background()
	id, err := c.CreateWorkflow(ctx, []command.Payload{funcNode(flow.NewID(), "const_one", "")}, CreateOptions{})
	require.NoError(t, err)

	// No runner is active, so terminate settles the dataflow directly.
	require.NoError(t, c.Terminate(ctx, id))
	df, err := c.Dataflow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, flow.DataflowTerminated, df.Status)
}

func TestInspect(t *testing.T) {
	t.Parallel()

	c, _ := newClient(t)
	ctx := context.Background()
	id, err := c.CreateWorkflow(ctx, []command.Payload{
		funcNode(flow.NewID(), "const_one",
			`,"data_targets":[{"data_type":"workflow.output","key":"result"}]`),
	}, CreateOptions{Owner: "alice"})
	require.NoError(t, err)
	_, err = c.Execute(ctx, id)
	require.NoError(t, err)

	insp, err := c.Inspect(ctx, id, false)
	require.NoError(t, err)
	require.Len(t, insp.Nodes, 1)
	require.Nil(t, insp.Data)

	insp, err = c.Inspect(ctx, id, true)
	require.NoError(t, err)
	// Canonical node.output plus the routed workflow.output.
	require.Len(t, insp.Data, 2)
}
