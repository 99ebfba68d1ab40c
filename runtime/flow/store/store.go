// Package store defines the durable repository contract for dataflows, nodes,
// data items and the append-only command log.
//
// The engine has exactly one write primitive: Apply, which appends a batch of
// commands to the per-dataflow log and applies them to the dataflow, node and
// data tables in a single transaction. The per-dataflow sequence counter acts
// as a compare-and-swap guard so only one writer can extend a log at a time.
//
// Implementations ship in store/inmem (tests, local development) and
// features/store/mongo (durable).
package store

import (
	"context"
	"errors"

	"goa.design/dataflow/runtime/flow"
	"goa.design/dataflow/runtime/flow/command"
)

// Typed store errors. Callers distinguish retriable failures (backend errors,
// anything not matching the sentinels below) from permanent ones with
// errors.Is.
var (
	// ErrNotFound indicates the requested dataflow, node or data item does
	// not exist.
	ErrNotFound = errors.New("not_found")
	// ErrConflict indicates a sequence CAS mismatch: another writer extended
	// the command log. The caller must re-read and reconcile.
	ErrConflict = errors.New("conflict")
	// ErrInvalidPayload indicates a command batch that can never be applied
	// (validation failure, illegal transition, terminal dataflow).
	ErrInvalidPayload = errors.New("invalid_payload")
	// ErrReferenceChain indicates a dataflow/reference item pointing at
	// another reference. Chains longer than one hop are never followed.
	ErrReferenceChain = errors.New("reference chain longer than one hop")
)

// MaxPageSize caps list page sizes across all backends.
const MaxPageSize = 100

type (
	// DataflowFilter selects dataflows for listing. Pagination is by
	// creation time (identifier order, since identifiers are UUID v7).
	DataflowFilter struct {
		// Owner restricts results to one owner. Empty means all owners.
		Owner string
		// Status restricts results to one lifecycle state.
		Status flow.DataflowStatus
		// Limit caps the page size (1..MaxPageSize; values outside the range
		// are clamped).
		Limit int
		// Offset skips the first Offset matches.
		Offset int
	}

	// NodeFilter selects nodes of a dataflow.
	NodeFilter struct {
		// ParentID restricts results to children of one node.
		ParentID string
		// RootsOnly restricts results to nodes without a parent.
		RootsOnly bool
		// Status restricts results to one lifecycle state.
		Status flow.NodeStatus
		// Type restricts results to one node type.
		Type string
	}

	// DataFilter selects data items of a dataflow.
	DataFilter struct {
		// NodeID restricts results to items owned by one node.
		NodeID string
		// Type restricts results to one data type.
		Type flow.DataType
		// Key restricts results to one slot key. Empty means no key filter.
		Key string
		// ResolveReferences dereferences dataflow/reference items one hop
		// deep. Deeper chains fail with ErrReferenceChain.
		ResolveReferences bool
	}

	// ApplyResult reports the state persisted by one Apply call.
	ApplyResult struct {
		// Seq is the new head of the command log.
		Seq int64
		// Nodes holds the nodes created or updated by the batch.
		Nodes []*flow.Node
		// Data holds the data items created by the batch.
		Data []*flow.DataItem
	}

	// Reader exposes the read queries shared by the engine and the HTTP
	// surface. Reads are lock-free with respect to the per-dataflow writer.
	Reader interface {
		// Dataflow returns one dataflow by identifier.
		Dataflow(ctx context.Context, id string) (*flow.Dataflow, error)

		// ListDataflows returns dataflows ordered by creation time.
		ListDataflows(ctx context.Context, filter DataflowFilter) ([]*flow.Dataflow, error)

		// Node returns one node by identifier.
		Node(ctx context.Context, id string) (*flow.Node, error)

		// ListNodes returns the nodes of a dataflow ordered by creation time.
		ListNodes(ctx context.Context, dataflowID string, filter NodeFilter) ([]*flow.Node, error)

		// Data returns one data item by identifier, optionally dereferencing
		// a reference item one hop deep.
		Data(ctx context.Context, id string, resolveReferences bool) (*flow.DataItem, error)

		// ListData returns the data items of a dataflow ordered by creation
		// time.
		ListData(ctx context.Context, dataflowID string, filter DataFilter) ([]*flow.DataItem, error)

		// Commands returns the command log of a dataflow from the given
		// sequence number (exclusive), oldest first.
		Commands(ctx context.Context, dataflowID string, afterSeq int64) ([]*command.Command, error)
	}

	// Store is the full repository contract.
	Store interface {
		Reader

		// CreateDataflow persists a new dataflow row with an empty command
		// log. The identifier must be unique.
		CreateDataflow(ctx context.Context, df *flow.Dataflow) error

		// SetDataflowStatus applies a monotone dataflow status transition.
		SetDataflowStatus(ctx context.Context, id string, status flow.DataflowStatus) error

		// Apply appends the batch to the command log and applies it to the
		// dataflow tables in one transaction. expectedSeq is the log head the
		// caller observed; a mismatch returns ErrConflict unless the batch is
		// an exact replay of already-logged commands, in which case Apply is
		// an idempotent no-op.
		Apply(ctx context.Context, dataflowID string, expectedSeq int64, cmds []*command.Command) (*ApplyResult, error)
	}
)

// Normalize clamps the page size into the valid range.
func (f DataflowFilter) Normalize() DataflowFilter {
	if f.Limit <= 0 || f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
