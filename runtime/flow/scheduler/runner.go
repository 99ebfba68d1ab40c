package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"goa.design/dataflow/runtime/flow"
	"goa.design/dataflow/runtime/flow/command"
	"goa.design/dataflow/runtime/flow/noderun"
	"goa.design/dataflow/runtime/flow/store"
	"goa.design/dataflow/runtime/flow/stream"
	"goa.design/dataflow/runtime/flow/telemetry"
)

// run drives the dataflow to a terminal status. It is the single writer for
// the dataflow's command log; workers funnel their mutations through the
// apply channel.
func (r *runner) run(ctx context.Context) error {
	defer close(r.done)

	// Store writes survive caller cancellation so terminal statuses always
	// get recorded; only worker contexts derive from the caller's.
	sctx := context.WithoutCancel(ctx)

	head, err := r.s.logHead(sctx, r.df.ID)
	if err != nil {
		return err
	}
	r.seq = head

	if r.df.Status == flow.DataflowPending {
		if err := r.s.store.SetDataflowStatus(sctx, r.df.ID, flow.DataflowRunning); err != nil {
			return err
		}
		r.s.publish(sctx, stream.New(stream.EventDataflowStarted, r.df.ID, ""))
	}
	r.s.opts.Metrics.RecordGauge(telemetry.MetricDataflowsActive, 1)
	defer r.s.opts.Metrics.RecordGauge(telemetry.MetricDataflowsActive, 0)

	workCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	if err := r.bootstrap(sctx, workCtx); err != nil {
		return err
	}

	var graceC, retryC <-chan time.Time
	done := ctx.Done()
	for {
		if stalled := r.dispatchReady(sctx, workCtx); stalled && retryC == nil {
			retryC = time.After(dispatchRetryDelay)
		}
		if len(r.running) == 0 && len(r.ready) == 0 {
			if len(r.suspended) == 0 {
				break
			}
			if !r.resolveStuck(sctx, workCtx) {
				break
			}
			continue
		}
		select {
		case ev := <-r.events:
			r.handleEvent(sctx, workCtx, ev)
		case req := <-r.apply:
			req.done <- r.applyBatch(sctx, req.cmds)
		case req := <-r.ctrl:
			if req.terminate {
				cancelAll()
				err := r.terminate(sctx)
				req.done <- err
				return err
			}
			r.startCancel(sctx, cancelAll)
			graceC = time.After(r.s.opts.CancelGrace)
			req.done <- nil
		case <-graceC:
			// Grace expired: force-settle whatever is still marked running.
			r.forceCancelRunning(sctx)
		case <-retryC:
			retryC = nil
		case <-done:
			done = nil
			r.startCancel(sctx, cancelAll)
			graceC = time.After(r.s.opts.CancelGrace)
		}
	}

	// The loop no longer services ctrl while finalize settles the remaining
	// records. The dataflow is out of work, so a cancel or terminate racing
	// the shutdown is acknowledged right away; finalize records the terminal
	// status either way.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case req := <-r.ctrl:
				req.done <- nil
			case <-stop:
				return
			}
		}
	}()
	return r.finalize(sctx)
}

// bootstrap seeds the ready queue from the store: pending nodes whose inputs
// are satisfied, plus nodes left in running status by an interrupted run,
// which are re-dispatched from scratch.
func (r *runner) bootstrap(ctx, workCtx context.Context) error {
	orphans, err := r.s.store.ListNodes(ctx, r.df.ID, store.NodeFilter{Status: flow.NodeRunning})
	if err != nil {
		return err
	}
	for _, n := range orphans {
		r.seen[n.ID] = struct{}{}
		r.dispatch(workCtx, n, false, nil)
	}
	r.rescan(ctx)
	return nil
}

// rescan enqueues every pending node whose inputs are satisfied.
func (r *runner) rescan(ctx context.Context) {
	nodes, err := r.s.store.ListNodes(ctx, r.df.ID, store.NodeFilter{Status: flow.NodePending})
	if err != nil {
		r.s.opts.Logger.Error(ctx, "rescan failed", "dataflow", r.df.ID, "err", err.Error())
		return
	}
	for _, n := range nodes {
		if _, dup := r.seen[n.ID]; dup {
			continue
		}
		if !r.isReady(ctx, n) {
			continue
		}
		r.seen[n.ID] = struct{}{}
		r.ready = append(r.ready, n.ID)
	}
}

// isReady applies the readiness rule: a declared empty required_input_keys
// list runs input-free, declared keys must all be present, and an undeclared
// list requires at least one input item.
func (r *runner) isReady(ctx context.Context, n *flow.Node) bool {
	keys, declared, err := flow.RequiredInputKeys(n.Config)
	if err != nil {
		return false
	}
	if declared && len(keys) == 0 {
		return true
	}
	items, err := r.s.store.ListData(ctx, r.df.ID, store.DataFilter{NodeID: n.ID, Type: flow.DataNodeInput})
	if err != nil {
		return false
	}
	if declared {
		present := make(map[string]struct{}, len(items))
		for _, item := range items {
			present[item.Key] = struct{}{}
		}
		for _, k := range keys {
			if _, ok := present[k]; !ok {
				return false
			}
		}
		return true
	}
	return len(items) > 0
}

// dispatchRetryDelay paces redispatch attempts after a store write failed.
const dispatchRetryDelay = 250 * time.Millisecond

// dispatchReady starts workers for queued nodes up to the concurrency cap. It
// reports whether a node could not be dispatched because the store rejected
// the status write; the node stays queued and the caller schedules a retry.
func (r *runner) dispatchReady(ctx, workCtx context.Context) bool {
	for len(r.ready) > 0 && len(r.running) < r.s.opts.Concurrency && !r.canceling {
		id := r.ready[0]
		r.ready = r.ready[1:]

		n, err := r.s.store.Node(ctx, id)
		if err != nil || n.Status != flow.NodePending {
			continue
		}
		if err := r.applyBatch(ctx, []*command.Command{
			command.New(r.df.ID, command.UpdateNodeStatus{NodeID: id, Status: flow.NodeRunning}),
		}); err != nil {
			r.s.opts.Logger.Error(ctx, "mark node running failed", "node", id, "err", err.Error())
			// Keep the node dispatchable: put it back so a later pass retries
			// instead of leaving it stranded pending.
			r.ready = append(r.ready, id)
			return true
		}
		n.Status = flow.NodeRunning
		r.s.publish(ctx, stream.New(stream.EventNodeStarted, r.df.ID, id))
		r.s.opts.Metrics.IncCounter(telemetry.MetricNodesDispatched, 1, "type", n.Type)
		r.dispatch(workCtx, n, false, nil)
	}
	return false
}

// dispatch starts one worker goroutine for a node.
func (r *runner) dispatch(workCtx context.Context, n *flow.Node, resume bool, state json.RawMessage) {
	nodeCtx, cancel := context.WithCancel(workCtx)
	r.running[n.ID] = cancel

	applyFn := func(actx context.Context, cmds []*command.Command) error {
		req := applyReq{cmds: cmds, done: make(chan error, 1)}
		select {
		case r.apply <- req:
		case <-actx.Done():
			return actx.Err()
		}
		select {
		case err := <-req.done:
			return err
		case <-actx.Done():
			return actx.Err()
		}
	}

	go func() {
		started := time.Now()
		out := r.execute(nodeCtx, n, resume, state, applyFn)
		r.s.opts.Metrics.RecordTimer(telemetry.MetricNodeDuration, time.Since(started), "type", n.Type)
		r.events <- workerEvent{nodeID: n.ID, resume: resume, outcome: out}
	}()
}

func (r *runner) execute(ctx context.Context, n *flow.Node, resume bool, state json.RawMessage, applyFn noderun.ApplyFunc) noderun.Outcome {
	rt, ok := r.s.runtimes.Lookup(n.Type)
	if !ok {
		return noderun.Fail(flow.CodeInternal, "no runtime registered for node type %q", n.Type)
	}
	f, err := noderun.NewFacade(n, r.s.store, applyFn, r.s.funcs)
	if err != nil {
		return noderun.Fail(flow.CodeInternal, "node %s: %v", n.ID, err)
	}
	if resume {
		return rt.Resume(ctx, f, state)
	}
	return rt.Run(ctx, f)
}

// handleEvent settles a worker result and propagates its consequences.
func (r *runner) handleEvent(ctx, workCtx context.Context, ev workerEvent) {
	if cancel, ok := r.running[ev.nodeID]; ok {
		cancel()
		delete(r.running, ev.nodeID)
	}

	n, err := r.s.store.Node(ctx, ev.nodeID)
	if err != nil {
		r.s.opts.Logger.Error(ctx, "settled node not found", "node", ev.nodeID, "err", err.Error())
		return
	}

	switch ev.outcome.Kind {
	case noderun.KindYield:
		r.handleYield(ctx, workCtx, n, ev.outcome.Yield)
		return

	case noderun.KindComplete:
		cmds, rerr := r.rt.RouteSuccess(ctx, n, ev.outcome.Result, ev.outcome.Message)
		if rerr != nil {
			r.settleFailure(ctx, n, flow.ErrorCode(rerr), rerr.Error())
			break
		}
		if err := r.applyBatch(ctx, cmds); err != nil {
			r.s.opts.Logger.Error(ctx, "apply completion failed", "node", n.ID, "err", err.Error())
			r.settleFailure(ctx, n, flow.CodeInternal, err.Error())
			break
		}
		r.s.publish(ctx, stream.New(stream.EventNodeCompleted, r.df.ID, n.ID))
		r.s.opts.Metrics.IncCounter(telemetry.MetricNodesSettled, 1, "status", string(flow.NodeCompleted))

	case noderun.KindFail:
		r.settleFailure(ctx, n, ev.outcome.ErrorCode, ev.outcome.ErrorMessage)

	case noderun.KindCanceled:
		if err := r.applyBatch(ctx, []*command.Command{
			command.New(r.df.ID, command.UpdateNodeStatus{
				NodeID: n.ID,
				Status: flow.NodeCanceled,
				Reason: ev.outcome.ErrorMessage,
			}),
		}); err != nil {
			r.s.opts.Logger.Error(ctx, "mark node canceled failed", "node", n.ID, "err", err.Error())
		}
		r.s.publish(ctx, stream.New(stream.EventNodeCanceled, r.df.ID, n.ID))
		r.s.opts.Metrics.IncCounter(telemetry.MetricNodesSettled, 1, "status", string(flow.NodeCanceled))
	}

	r.settleWaiters(ctx, workCtx, ev.nodeID)
	r.rescan(ctx)
}

// settleFailure routes the error payload and fails the node. A node whose
// config cannot even be parsed for targets still gets its fail_node command.
func (r *runner) settleFailure(ctx context.Context, n *flow.Node, code, message string) {
	cmds, err := r.rt.RouteFailure(ctx, n, code, message)
	if err != nil {
		cmds = []*command.Command{command.New(r.df.ID, command.FailNode{
			NodeID:       n.ID,
			ErrorCode:    code,
			ErrorMessage: message,
		})}
	}
	if err := r.applyBatch(ctx, cmds); err != nil {
		r.s.opts.Logger.Error(ctx, "apply failure failed", "node", n.ID, "err", err.Error())
	}
	r.s.publish(ctx, stream.New(stream.EventNodeFailed, r.df.ID, n.ID))
	r.s.opts.Metrics.IncCounter(telemetry.MetricNodesSettled, 1, "status", string(flow.NodeFailed))
}

// handleYield records the suspension and enqueues the requested nodes. Wait
// entries that are already terminal are dropped immediately; an empty wait
// set resumes the node on the spot.
func (r *runner) handleYield(ctx, workCtx context.Context, n *flow.Node, y *noderun.Yield) {
	wait := make(map[string]struct{}, len(y.Wait))
	for _, id := range y.Wait {
		child, err := r.s.store.Node(ctx, id)
		if err != nil || child.Status.Terminal() {
			continue
		}
		wait[id] = struct{}{}
	}
	for _, id := range y.Run {
		if _, dup := r.seen[id]; dup {
			continue
		}
		r.seen[id] = struct{}{}
		r.ready = append(r.ready, id)
	}
	r.s.publish(ctx, stream.New(stream.EventNodeSuspended, r.df.ID, n.ID))

	if len(wait) == 0 {
		r.resume(ctx, workCtx, n.ID, y.State)
		return
	}
	r.suspended[n.ID] = &suspension{state: y.State, wait: wait}
}

// settleWaiters removes the settled node from every wait set and resumes
// suspensions that became satisfied.
func (r *runner) settleWaiters(ctx, workCtx context.Context, nodeID string) {
	for parentID, susp := range r.suspended {
		if _, waiting := susp.wait[nodeID]; !waiting {
			continue
		}
		delete(susp.wait, nodeID)
		if len(susp.wait) == 0 {
			delete(r.suspended, parentID)
			r.resume(ctx, workCtx, parentID, susp.state)
		}
	}
}

// resume restarts a suspended node with its continuation state.
func (r *runner) resume(ctx, workCtx context.Context, nodeID string, state json.RawMessage) {
	n, err := r.s.store.Node(ctx, nodeID)
	if err != nil {
		r.s.opts.Logger.Error(ctx, "resume target not found", "node", nodeID, "err", err.Error())
		return
	}
	r.s.publish(ctx, stream.New(stream.EventNodeResumed, r.df.ID, nodeID))
	r.dispatch(workCtx, n, true, state)
}

// resolveStuck runs when nothing is ready or running but suspensions remain.
// Waited nodes that can never become ready (still pending with no path to
// input) are canceled so their parents can resume. Reports whether any
// progress was made.
func (r *runner) resolveStuck(ctx, workCtx context.Context) bool {
	progress := false
	for parentID, susp := range r.suspended {
		for id := range susp.wait {
			child, err := r.s.store.Node(ctx, id)
			if err != nil {
				delete(susp.wait, id)
				progress = true
				continue
			}
			if child.Status.Terminal() {
				delete(susp.wait, id)
				progress = true
				continue
			}
			if child.Status == flow.NodePending {
				if err := r.applyBatch(ctx, []*command.Command{
					command.New(r.df.ID, command.UpdateNodeStatus{
						NodeID: id,
						Status: flow.NodeCanceled,
						Reason: "upstream node settled without routing input",
					}),
				}); err != nil {
					r.s.opts.Logger.Error(ctx, "cancel unreachable node failed", "node", id, "err", err.Error())
					continue
				}
				r.seen[id] = struct{}{}
				r.s.publish(ctx, stream.New(stream.EventNodeCanceled, r.df.ID, id))
				delete(susp.wait, id)
				progress = true
			}
		}
		if len(susp.wait) == 0 {
			delete(r.suspended, parentID)
			r.resume(ctx, workCtx, parentID, susp.state)
			progress = true
		}
	}
	return progress
}

// startCancel begins a graceful stop: the ready queue is drained into
// canceled statuses, suspended nodes are canceled, and running workers get
// their contexts canceled.
func (r *runner) startCancel(ctx context.Context, cancelAll context.CancelFunc) {
	if r.canceling {
		return
	}
	r.canceling = true

	var cmds []*command.Command
	for _, id := range r.ready {
		cmds = append(cmds, command.New(r.df.ID, command.UpdateNodeStatus{
			NodeID: id,
			Status: flow.NodeCanceled,
			Reason: "dataflow canceled",
		}))
	}
	r.ready = nil
	for id := range r.suspended {
		cmds = append(cmds, command.New(r.df.ID, command.UpdateNodeStatus{
			NodeID: id,
			Status: flow.NodeCanceled,
			Reason: "dataflow canceled",
		}))
		delete(r.suspended, id)
	}
	if len(cmds) > 0 {
		if err := r.applyBatch(ctx, cmds); err != nil {
			r.s.opts.Logger.Error(ctx, "cancel queued nodes failed", "dataflow", r.df.ID, "err", err.Error())
		}
	}
	cancelAll()
}

// forceCancelRunning settles nodes whose workers did not unwind within the
// grace period.
func (r *runner) forceCancelRunning(ctx context.Context) {
	for id, cancel := range r.running {
		cancel()
		delete(r.running, id)
		if err := r.applyBatch(ctx, []*command.Command{
			command.New(r.df.ID, command.UpdateNodeStatus{
				NodeID: id,
				Status: flow.NodeCanceled,
				Reason: "cancellation grace period expired",
			}),
		}); err != nil {
			r.s.opts.Logger.Error(ctx, "force cancel failed", "node", id, "err", err.Error())
		}
		r.s.publish(ctx, stream.New(stream.EventNodeCanceled, r.df.ID, id))
	}
}

// terminate stops the dataflow immediately.
func (r *runner) terminate(ctx context.Context) error {
	if err := r.s.store.SetDataflowStatus(ctx, r.df.ID, flow.DataflowTerminated); err != nil {
		return err
	}
	r.s.publish(ctx, stream.New(stream.EventDataflowCanceled, r.df.ID, ""))
	return nil
}

// finalize settles leftover pending nodes and computes the terminal dataflow
// status: canceled when a cancel was requested, failed when a root-level node
// failed without error targets to consume the failure, completed otherwise.
func (r *runner) finalize(ctx context.Context) error {
	pending, err := r.s.store.ListNodes(ctx, r.df.ID, store.NodeFilter{Status: flow.NodePending})
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		cmds := make([]*command.Command, 0, len(pending))
		for _, n := range pending {
			cmds = append(cmds, command.New(r.df.ID, command.UpdateNodeStatus{
				NodeID: n.ID,
				Status: flow.NodeCanceled,
				Reason: "never became ready",
			}))
		}
		if err := r.applyBatch(ctx, cmds); err != nil {
			return err
		}
	}

	status := flow.DataflowCompleted
	event := stream.EventDataflowCompleted
	switch {
	case r.canceling:
		status = flow.DataflowCanceled
		event = stream.EventDataflowCanceled
	default:
		failed, err := r.rootFailure(ctx)
		if err != nil {
			return err
		}
		if failed {
			status = flow.DataflowFailed
			event = stream.EventDataflowFailed
		}
	}
	if err := r.s.store.SetDataflowStatus(ctx, r.df.ID, status); err != nil {
		return err
	}
	r.s.publish(ctx, stream.New(event, r.df.ID, ""))
	r.s.opts.Logger.Info(ctx, "dataflow settled", "dataflow", r.df.ID, "status", string(status))
	return nil
}

// rootFailure reports whether a root-level node failed without error targets
// consuming the failure.
func (r *runner) rootFailure(ctx context.Context) (bool, error) {
	roots, err := r.s.store.ListNodes(ctx, r.df.ID, store.NodeFilter{RootsOnly: true, Status: flow.NodeFailed})
	if err != nil {
		return false, err
	}
	for _, n := range roots {
		_, errTargets, terr := flow.Targets(n.Config)
		if terr != nil || len(errTargets) == 0 {
			return true, nil
		}
	}
	return false, nil
}

// applyBatch extends the command log. The runner is the only writer, so a
// conflict means the store was mutated out of band.
func (r *runner) applyBatch(ctx context.Context, cmds []*command.Command) error {
	res, err := r.s.store.Apply(ctx, r.df.ID, r.seq, cmds)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			r.s.opts.Metrics.IncCounter(telemetry.MetricApplyConflicts, 1)
		}
		return err
	}
	r.seq = res.Seq
	return nil
}
