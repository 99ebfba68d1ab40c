package graph

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/dataflow/runtime/flow"
)

func parent() *flow.Node {
	return &flow.Node{ID: "mr", DataflowID: "df-1", Type: "map_reduce", Status: flow.NodeRunning}
}

func template(id string, targets ...string) *flow.Node {
	cfg := `{"func_id":"step"`
	if len(targets) > 0 {
		cfg += `,"data_targets":[`
		for i, target := range targets {
			if i > 0 {
				cfg += ","
			}
			cfg += fmt.Sprintf(`{"data_type":"node.input","node_id":%q,"key":"default"}`, target)
		}
		cfg += `]`
	}
	cfg += `}`
	return &flow.Node{
		ID:         id,
		DataflowID: "df-1",
		Type:       "func",
		Status:     flow.NodeTemplate,
		ParentID:   "mr",
		Config:     []byte(cfg),
	}
}

func TestBuildLinearChain(t *testing.T) {
	t.Parallel()

	g, err := Build(parent(), []*flow.Node{
		template("a", "b"),
		template("b", "c"),
		template("c"),
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, g.Roots)
	require.Equal(t, []string{"b"}, g.Edges["a"])
	require.Equal(t, []string{"c"}, g.Edges["b"])
	require.Empty(t, g.Edges["c"])
	require.Equal(t, []string{"b", "c"}, g.Descendants("a"))
}

func TestBuildDiamond(t *testing.T) {
	t.Parallel()

	g, err := Build(parent(), []*flow.Node{
		template("a", "b", "c"),
		template("b", "d"),
		template("c", "d"),
		template("d"),
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, g.Roots)
	require.ElementsMatch(t, []string{"b", "c"}, g.Edges["a"])
}

func TestBuildIgnoresExternalTargets(t *testing.T) {
	t.Parallel()

	// "outside" is not part of the template set; the target must not create
	// an edge nor disturb root detection.
	g, err := Build(parent(), []*flow.Node{
		template("a", "outside"),
		template("b"),
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, g.Roots)
	require.Empty(t, g.Edges["a"])
}

func TestBuildEmptyTemplates(t *testing.T) {
	t.Parallel()

	_, err := Build(parent(), nil)
	require.Error(t, err)
	require.Equal(t, flow.CodeNoTemplates, flow.ErrorCode(err))
}

func TestBuildTwoNodeCycle(t *testing.T) {
	t.Parallel()

	_, err := Build(parent(), []*flow.Node{
		template("a", "b"),
		template("b", "a"),
	})
	require.Error(t, err)
	require.Equal(t, flow.CodeTemplateDiscoveryFailed, flow.ErrorCode(err))
	require.Contains(t, err.Error(), "Circular dependency")
}

func TestBuildCycleBehindRoot(t *testing.T) {
	t.Parallel()

	// A valid root exists but b<->c form a cycle further down.
	_, err := Build(parent(), []*flow.Node{
		template("a", "b"),
		template("b", "c"),
		template("c", "b"),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "Circular dependency")
}

func TestBuildRejectsNonTemplateChild(t *testing.T) {
	t.Parallel()

	n := template("a")
	n.Status = flow.NodePending
	_, err := Build(parent(), []*flow.Node{n})
	require.Error(t, err)
	require.Equal(t, flow.CodeTemplateDiscoveryFailed, flow.ErrorCode(err))
}

func TestPrototypesAreSnapshots(t *testing.T) {
	t.Parallel()

	child := template("a")
	g, err := Build(parent(), []*flow.Node{child})
	require.NoError(t, err)

	child.Config[0] = 'X'
	require.Equal(t, byte('{'), g.Nodes["a"].Config[0], "graph holds an immutable snapshot")
}
