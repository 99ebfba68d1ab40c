package router

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/dataflow/runtime/flow"
	"goa.design/dataflow/runtime/flow/command"
)

func allExist(context.Context, string) bool  { return true }
func noneExist(context.Context, string) bool { return false }

func testNode(config string) *flow.Node {
	return &flow.Node{
		ID:         "producer",
		DataflowID: "df-1",
		Type:       "func",
		Status:     flow.NodeRunning,
		Config:     []byte(config),
	}
}

func TestRouteSuccess(t *testing.T) {
	t.Parallel()

	r, err := New(allExist, 0)
	require.NoError(t, err)

	node := testNode(`{
		"data_targets": [
			{"data_type": "workflow.output"},
			{"data_type": "node.input", "node_id": "downstream", "key": "payload"}
		]
	}`)
	cmds, err := r.RouteSuccess(context.Background(), node, map[string]any{"echoed": "hi"}, "done")
	require.NoError(t, err)
	require.Len(t, cmds, 4)

	// Canonical node.output first.
	out := cmds[0].Payload.(command.CreateData)
	require.Equal(t, flow.DataNodeOutput, out.DataType)
	require.Equal(t, "producer", out.NodeID)
	require.Equal(t, OutputKey, out.Key)
	require.Equal(t, flow.DiscriminatorSuccess, out.Discriminator)
	require.JSONEq(t, `{"echoed":"hi"}`, string(out.Content))

	wf := cmds[1].Payload.(command.CreateData)
	require.Equal(t, flow.DataWorkflowOutput, wf.DataType)
	require.JSONEq(t, `{"echoed":"hi"}`, string(wf.Content))

	in := cmds[2].Payload.(command.CreateData)
	require.Equal(t, flow.DataNodeInput, in.DataType)
	require.Equal(t, "downstream", in.NodeID)
	require.Equal(t, "payload", in.Key)

	done := cmds[3].Payload.(command.CompleteNode)
	require.Equal(t, "producer", done.NodeID)
	require.Equal(t, "done", done.Message)
}

func TestRouteSuccessDropsMissingDestinations(t *testing.T) {
	t.Parallel()

	r, err := New(noneExist, 0)
	require.NoError(t, err)

	node := testNode(`{
		"data_targets": [
			{"data_type": "node.input", "node_id": "gone", "key": "x"},
			{"data_type": "workflow.output"}
		]
	}`)
	cmds, err := r.RouteSuccess(context.Background(), node, 42, "")
	require.NoError(t, err)
	// node.output + workflow.output + complete_node; the dead target is dropped.
	require.Len(t, cmds, 3)
	require.Equal(t, flow.DataWorkflowOutput, cmds[1].Payload.(command.CreateData).DataType)
}

func TestRouteFailure(t *testing.T) {
	t.Parallel()

	r, err := New(allExist, 0)
	require.NoError(t, err)

	node := testNode(`{
		"error_targets": [{"data_type": "node.input", "node_id": "handler", "key": "error"}]
	}`)
	cmds, err := r.RouteFailure(context.Background(), node, flow.CodeFunctionExecutionFailed, "boom")
	require.NoError(t, err)
	require.Len(t, cmds, 3)

	out := cmds[0].Payload.(command.CreateData)
	require.Equal(t, flow.DiscriminatorError, out.Discriminator)
	require.JSONEq(t, `{"error_code":"function_execution_failed","error_message":"boom"}`, string(out.Content))

	fail := cmds[2].Payload.(command.FailNode)
	require.Equal(t, flow.CodeFunctionExecutionFailed, fail.ErrorCode)
	require.Equal(t, "boom", fail.ErrorMessage)
}

func TestRouteLargeOutputUsesReferences(t *testing.T) {
	t.Parallel()

	r, err := New(allExist, 16)
	require.NoError(t, err)

	node := testNode(`{
		"reference_outputs": true,
		"data_targets": [{"data_type": "node.input", "node_id": "downstream"}]
	}`)
	big := strings.Repeat("x", 64)
	cmds, err := r.RouteSuccess(context.Background(), node, map[string]any{"blob": big}, "")
	require.NoError(t, err)
	require.Len(t, cmds, 3)

	out := cmds[0].Payload.(command.CreateData)
	ref := cmds[1].Payload.(command.CreateData)
	require.Equal(t, flow.ContentTypeReference, ref.ContentType)
	require.Equal(t, out.DataID, string(ref.Content), "reference points at the canonical output item")
}

func TestRouteForcedContentType(t *testing.T) {
	t.Parallel()

	r, err := New(allExist, 0)
	require.NoError(t, err)

	node := testNode(`{
		"data_targets": [{"data_type": "workflow.output", "content_type": "text/plain"}]
	}`)
	cmds, err := r.RouteSuccess(context.Background(), node, "plain result", "")
	require.NoError(t, err)
	wf := cmds[1].Payload.(command.CreateData)
	require.Equal(t, flow.ContentTypeText, wf.ContentType)
	require.Equal(t, "plain result", string(wf.Content))
}

func TestEncode(t *testing.T) {
	t.Parallel()

	content, ct, err := Encode("hello", "")
	require.NoError(t, err)
	require.Equal(t, flow.ContentTypeText, ct)
	require.Equal(t, "hello", string(content))

	content, ct, err = Encode(map[string]any{"a": 1}, "")
	require.NoError(t, err)
	require.Equal(t, flow.ContentTypeJSON, ct)
	require.JSONEq(t, `{"a":1}`, string(content))

	content, ct, err = Encode(nil, "")
	require.NoError(t, err)
	require.Equal(t, flow.ContentTypeJSON, ct)
	require.Equal(t, "null", string(content))

	content, ct, err = Encode(map[string]any{"a": 1}, "application/vnd.custom")
	require.NoError(t, err)
	require.Equal(t, "application/vnd.custom", ct)
	require.JSONEq(t, `{"a":1}`, string(content))
}

func TestDecode(t *testing.T) {
	t.Parallel()

	v, err := Decode(&flow.DataItem{ContentType: flow.ContentTypeJSON, Content: []byte(`{"a":1}`)})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": float64(1)}, v)

	v, err = Decode(&flow.DataItem{ContentType: flow.ContentTypeText, Content: []byte("plain")})
	require.NoError(t, err)
	require.Equal(t, "plain", v)

	_, err = Decode(&flow.DataItem{ID: "bad", ContentType: flow.ContentTypeJSON, Content: []byte(`{`)})
	require.Error(t, err)
}
