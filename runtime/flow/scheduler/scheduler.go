// Package scheduler drives dataflow execution: per-dataflow single-writer,
// multi-worker.
//
// One runner goroutine owns each dataflow's state transitions. Workers execute
// node runtimes in parallel but every mutation funnels through the runner as a
// command batch, so the store sequence CAS never races. The runner maintains a
// ready queue, a running set and a suspension table; a yield outcome suspends
// the node until all waited children settle, then resumes it with its
// continuation state.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"goa.design/dataflow/runtime/flow"
	"goa.design/dataflow/runtime/flow/command"
	"goa.design/dataflow/runtime/flow/funcs"
	"goa.design/dataflow/runtime/flow/noderun"
	"goa.design/dataflow/runtime/flow/router"
	"goa.design/dataflow/runtime/flow/store"
	"goa.design/dataflow/runtime/flow/stream"
	"goa.design/dataflow/runtime/flow/telemetry"
)

// DefaultCancelGrace is how long a graceful cancel waits for running workers
// to unwind before statuses are forced.
const DefaultCancelGrace = 10 * time.Second

type (
	// Options tune the scheduler. Zero values select defaults.
	Options struct {
		// Concurrency caps workers per dataflow. Defaults to max(2, 2*CPU).
		Concurrency int
		// ReferenceThreshold is handed to the router.
		ReferenceThreshold int
		// CancelGrace bounds graceful cancellation.
		CancelGrace time.Duration
		// Logger, Metrics and Sink default to noops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Sink    stream.Sink
	}

	// Scheduler executes dataflows against a store.
	Scheduler struct {
		store    store.Store
		runtimes *noderun.Registry
		funcs    *funcs.Registry
		opts     Options

		mu      sync.Mutex
		runners map[string]*runner
	}

	// suspension tracks one yielded node.
	suspension struct {
		state json.RawMessage
		wait  map[string]struct{}
	}

	// workerEvent reports a settled worker.
	workerEvent struct {
		nodeID  string
		resume  bool
		outcome noderun.Outcome
	}

	// applyReq funnels a worker-side Apply through the runner.
	applyReq struct {
		cmds []*command.Command
		done chan error
	}

	// ctrlReq carries cancel/terminate requests into the runner loop.
	ctrlReq struct {
		terminate bool
		done      chan error
	}

	// runner owns one dataflow.
	runner struct {
		s  *Scheduler
		df *flow.Dataflow

		seq       int64
		ready     []string
		seen      map[string]struct{}
		running   map[string]context.CancelFunc
		suspended map[string]*suspension

		events chan workerEvent
		apply  chan applyReq
		ctrl   chan ctrlReq
		// done is closed when run returns; control falls back to the store
		// path once no goroutine services ctrl anymore.
		done chan struct{}

		canceling bool
		rt        *router.Router
	}
)

// DefaultConcurrency is the worker cap used when Options.Concurrency is zero.
func DefaultConcurrency() int {
	n := 2 * runtime.NumCPU()
	if n < 2 {
		n = 2
	}
	return n
}

// New returns a scheduler.
func New(st store.Store, runtimes *noderun.Registry, registry *funcs.Registry, opts Options) (*Scheduler, error) {
	if st == nil || runtimes == nil || registry == nil {
		return nil, fmt.Errorf("store, runtime registry and function registry are required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency()
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = DefaultCancelGrace
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Sink == nil {
		opts.Sink = stream.NoopSink{}
	}
	return &Scheduler{
		store:    st,
		runtimes: runtimes,
		funcs:    registry,
		opts:     opts,
		runners:  make(map[string]*runner),
	}, nil
}

// Execute drives the dataflow to a terminal status and returns its final
// state. Only one runner per dataflow may exist at a time.
func (s *Scheduler) Execute(ctx context.Context, dataflowID string) (*flow.Dataflow, error) {
	df, err := s.store.Dataflow(ctx, dataflowID)
	if err != nil {
		return nil, err
	}
	if df.Status.Terminal() {
		return df, nil
	}

	r, err := s.register(dataflowID, df)
	if err != nil {
		return nil, err
	}
	defer s.unregister(dataflowID)

	if err := r.run(ctx); err != nil {
		return nil, err
	}
	return s.store.Dataflow(ctx, dataflowID)
}

// Cancel requests a graceful stop: running nodes are asked to cancel, pending
// nodes are marked canceled, and the dataflow ends canceled.
func (s *Scheduler) Cancel(ctx context.Context, dataflowID string) error {
	return s.control(ctx, dataflowID, false)
}

// Terminate stops the dataflow immediately without draining workers.
func (s *Scheduler) Terminate(ctx context.Context, dataflowID string) error {
	return s.control(ctx, dataflowID, true)
}

// Recover returns the identifiers of dataflows that were interrupted
// mid-execution (status running without an active runner). Callers re-Execute
// them; replay through the command log makes re-application idempotent.
func (s *Scheduler) Recover(ctx context.Context) ([]string, error) {
	flows, err := s.store.ListDataflows(ctx, store.DataflowFilter{Status: flow.DataflowRunning})
	if err != nil {
		return nil, err
	}
	var out []string
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, df := range flows {
		if _, active := s.runners[df.ID]; !active {
			out = append(out, df.ID)
		}
	}
	return out, nil
}

func (s *Scheduler) register(id string, df *flow.Dataflow) (*runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.runners[id]; dup {
		return nil, fmt.Errorf("dataflow %s is already being executed", id)
	}
	rt, err := router.New(s.nodeExists, s.opts.ReferenceThreshold)
	if err != nil {
		return nil, err
	}
	r := &runner{
		s:         s,
		df:        df,
		seen:      make(map[string]struct{}),
		running:   make(map[string]context.CancelFunc),
		suspended: make(map[string]*suspension),
		// Oversized so workers never block on a runner that exited early.
		events:    make(chan workerEvent, 4*s.opts.Concurrency+16),
		apply:     make(chan applyReq),
		ctrl:      make(chan ctrlReq),
		done:      make(chan struct{}),
		rt:        rt,
	}
	s.runners[id] = r
	return r, nil
}

func (s *Scheduler) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runners, id)
}

func (s *Scheduler) nodeExists(ctx context.Context, nodeID string) bool {
	_, err := s.store.Node(ctx, nodeID)
	return err == nil
}

// control routes a cancel/terminate either into an active runner or, when no
// runner exists, applies it directly against the store.
func (s *Scheduler) control(ctx context.Context, dataflowID string, terminate bool) error {
	s.mu.Lock()
	r := s.runners[dataflowID]
	s.mu.Unlock()

	if r == nil {
		return s.stopIdle(ctx, dataflowID, terminate)
	}
	req := ctrlReq{terminate: terminate, done: make(chan error, 1)}
	select {
	case r.ctrl <- req:
	case <-r.done:
		// The runner exited between the lookup and the send. The dataflow is
		// settled or idle by now, so take the store path.
		return s.stopIdle(ctx, dataflowID, terminate)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopIdle cancels or terminates a dataflow that no runner is driving.
func (s *Scheduler) stopIdle(ctx context.Context, dataflowID string, terminate bool) error {
	df, err := s.store.Dataflow(ctx, dataflowID)
	if err != nil {
		return err
	}
	if df.Status.Terminal() {
		return nil
	}
	target := flow.DataflowCanceled
	if terminate {
		target = flow.DataflowTerminated
	}
	if !terminate {
		// Settle pending nodes so the record shows they never ran.
		nodes, err := s.store.ListNodes(ctx, dataflowID, store.NodeFilter{Status: flow.NodePending})
		if err != nil {
			return err
		}
		if len(nodes) > 0 {
			seq, err := s.logHead(ctx, dataflowID)
			if err != nil {
				return err
			}
			cmds := make([]*command.Command, 0, len(nodes))
			for _, n := range nodes {
				cmds = append(cmds, command.New(dataflowID, command.UpdateNodeStatus{
					NodeID: n.ID,
					Status: flow.NodeCanceled,
					Reason: "dataflow canceled",
				}))
			}
			if _, err := s.store.Apply(ctx, dataflowID, seq, cmds); err != nil {
				return err
			}
		}
	}
	if err := s.store.SetDataflowStatus(ctx, dataflowID, target); err != nil {
		return err
	}
	s.publish(ctx, stream.New(stream.EventDataflowCanceled, dataflowID, ""))
	return nil
}

func (s *Scheduler) logHead(ctx context.Context, dataflowID string) (int64, error) {
	cmds, err := s.store.Commands(ctx, dataflowID, 0)
	if err != nil {
		return 0, err
	}
	if len(cmds) == 0 {
		return 0, nil
	}
	return cmds[len(cmds)-1].Seq, nil
}

func (s *Scheduler) publish(ctx context.Context, ev stream.Event) {
	if err := s.opts.Sink.Publish(ctx, ev); err != nil {
		s.opts.Logger.Warn(ctx, "publish event failed", "event", string(ev.Type), "err", err.Error())
	}
}
