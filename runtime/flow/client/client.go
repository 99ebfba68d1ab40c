// Package client is the synchronous surface over the engine: create a
// workflow from a command batch, execute it to a terminal status, cancel or
// terminate it, and inspect its state.
//
// The client owns no state of its own; it composes the store and the
// scheduler, which the HTTP surface and the demo server share.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/dataflow/runtime/flow"
	"goa.design/dataflow/runtime/flow/command"
	"goa.design/dataflow/runtime/flow/scheduler"
	"goa.design/dataflow/runtime/flow/store"
	"goa.design/dataflow/runtime/flow/telemetry"
)

// ErrCancelTimeout reports that the dataflow did not settle within the wait
// window. Cancellation keeps going in the background.
var ErrCancelTimeout = errors.New("cancel timed out")

type (
	// Client wraps the store and scheduler behind a blocking call surface.
	Client struct {
		store  store.Store
		sched  *scheduler.Scheduler
		logger telemetry.Logger
	}

	// CreateOptions carries workflow-level attributes for CreateWorkflow.
	CreateOptions struct {
		// Owner identifies the creating user. Listed and enforced by the
		// HTTP surface.
		Owner string
		// ParentID links a nested workflow to its parent dataflow.
		ParentID string
		// Metadata is stored on the dataflow row.
		Metadata map[string]any
	}

	// Inspection is the full read view of one dataflow.
	Inspection struct {
		Dataflow *flow.Dataflow
		Nodes    []*flow.Node
		Data     []*flow.DataItem
	}
)

// New returns a client. The logger defaults to a noop.
func New(st store.Store, sched *scheduler.Scheduler, logger telemetry.Logger) (*Client, error) {
	if st == nil || sched == nil {
		return nil, fmt.Errorf("store and scheduler are required")
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Client{store: st, sched: sched, logger: logger}, nil
}

// CreateWorkflow creates a dataflow and applies the initial command batch in
// one call. The payloads are scoped to the new dataflow by the client; node
// and data identifiers inside them are the caller's. At least one command is
// required: a dataflow with an empty log has nothing to execute.
func (c *Client) CreateWorkflow(ctx context.Context, payloads []command.Payload, opts CreateOptions) (string, error) {
	if len(payloads) == 0 {
		return "", fmt.Errorf("%w: workflow requires at least one command", store.ErrInvalidPayload)
	}
	id := flow.NewID()
	cmds := make([]*command.Command, len(payloads))
	for i, p := range payloads {
		if p == nil {
			return "", fmt.Errorf("%w: command %d is nil", store.ErrInvalidPayload, i)
		}
		cmds[i] = command.New(id, p)
	}
	if err := command.ValidateBatch(id, cmds); err != nil {
		return "", fmt.Errorf("%w: %s", store.ErrInvalidPayload, err)
	}

	df := &flow.Dataflow{
		ID:       id,
		OwnerID:  opts.Owner,
		Status:   flow.DataflowPending,
		ParentID: opts.ParentID,
		Metadata: opts.Metadata,
	}
	if err := c.store.CreateDataflow(ctx, df); err != nil {
		return "", err
	}
	if _, err := c.store.Apply(ctx, id, 0, cmds); err != nil {
		return "", err
	}
	c.logger.Info(ctx, "workflow created", "dataflow", id, "commands", len(cmds))
	return id, nil
}

// Execute drives the dataflow to a terminal status and blocks until it gets
// there. A failed dataflow returns the final state together with an error
// carrying the failing node's engine error code.
func (c *Client) Execute(ctx context.Context, dataflowID string) (*flow.Dataflow, error) {
	df, err := c.sched.Execute(ctx, dataflowID)
	if err != nil {
		return nil, err
	}
	if df.Status == flow.DataflowFailed {
		return df, c.failure(ctx, dataflowID)
	}
	return df, nil
}

// Cancel requests a graceful stop and waits up to timeout for the dataflow to
// reach a terminal status. On timeout the error reports it but cancellation
// continues in the background.
func (c *Client) Cancel(ctx context.Context, dataflowID string, timeout time.Duration) error {
	if err := c.sched.Cancel(ctx, dataflowID); err != nil {
		return err
	}
	if timeout <= 0 {
		return nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()
	for {
		df, err := c.store.Dataflow(ctx, dataflowID)
		if err != nil {
			return err
		}
		if df.Status.Terminal() {
			return nil
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			return fmt.Errorf("%w: dataflow %s did not settle within %s", ErrCancelTimeout, dataflowID, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Terminate stops the dataflow immediately.
func (c *Client) Terminate(ctx context.Context, dataflowID string) error {
	return c.sched.Terminate(ctx, dataflowID)
}

// Dataflow returns one dataflow by identifier.
func (c *Client) Dataflow(ctx context.Context, id string) (*flow.Dataflow, error) {
	return c.store.Dataflow(ctx, id)
}

// ListDataflows returns dataflows ordered by creation time.
func (c *Client) ListDataflows(ctx context.Context, filter store.DataflowFilter) ([]*flow.Dataflow, error) {
	return c.store.ListDataflows(ctx, filter)
}

// Inspect returns the dataflow with its nodes, and its data items when full
// is set.
func (c *Client) Inspect(ctx context.Context, id string, full bool) (*Inspection, error) {
	df, err := c.store.Dataflow(ctx, id)
	if err != nil {
		return nil, err
	}
	nodes, err := c.store.ListNodes(ctx, id, store.NodeFilter{})
	if err != nil {
		return nil, err
	}
	insp := &Inspection{Dataflow: df, Nodes: nodes}
	if full {
		insp.Data, err = c.store.ListData(ctx, id, store.DataFilter{})
		if err != nil {
			return nil, err
		}
	}
	return insp, nil
}

// failure builds the error for a failed dataflow from the first failed
// root-level node. Node failure details are persisted in node metadata by the
// fail_node applier.
func (c *Client) failure(ctx context.Context, dataflowID string) error {
	roots, err := c.store.ListNodes(ctx, dataflowID, store.NodeFilter{RootsOnly: true, Status: flow.NodeFailed})
	if err != nil || len(roots) == 0 {
		return flow.Coded(flow.CodeInternal, "dataflow %s failed", dataflowID)
	}
	n := roots[0]
	code, _ := n.Metadata["error_code"].(string)
	if code == "" {
		code = flow.CodeInternal
	}
	message, _ := n.Metadata["error_message"].(string)
	return flow.Coded(code, "node %s failed: %s", n.ID, message)
}
