package engine

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/roach88/steward/internal/capture"
	"github.com/roach88/steward/internal/model"
)

const meterName = "github.com/roach88/steward/internal/engine"

// ApprovalOptions override the gate's defaults for one request.
type ApprovalOptions struct {
	Approver string
	Timeout  time.Duration
}

// Gate opens and cancels approval requests on behalf of the machine.
// Both calls run inside the caller's unit.
type Gate interface {
	// Open inserts a PENDING request for step of exec.
	Open(ctx context.Context, u *Unit, exec *model.Execution, wf *model.Workflow, step int, opts ApprovalOptions) (*model.ApprovalRequest, error)

	// Cancel moves a PENDING request to CANCELLED and returns the change to
	// attach to the cancelling entry, or nil if the request was already
	// resolved.
	Cancel(ctx context.Context, u *Unit, requestID int64, reason string) (*capture.Change, error)
}

// Machine drives executions through their lifecycle. Every transition runs
// in one capture unit: read, validate the source state, write, audit.
//
// Thread-safety model:
//   - transition methods: safe from any goroutine; units serialize in the store
//   - Run(): must be called from exactly one goroutine
//   - Drain(): must not run concurrently with Run()
type Machine struct {
	rec        *capture.Recorder
	gate       Gate
	dispatcher Dispatcher
	notifier   Notifier
	queue      *taskQueue
	logger     *slog.Logger

	transitions metric.Int64Counter
	failures    metric.Int64Counter
}

// Option configures a Machine.
type Option func(*Machine)

// WithGate sets the approval gate. It may also be set later with SetGate.
func WithGate(g Gate) Option {
	return func(m *Machine) {
		m.gate = g
	}
}

// WithDispatcher sets the agent dispatch service. Without one, no dispatch
// calls are queued and agents are expected to report on their own.
func WithDispatcher(d Dispatcher) Option {
	return func(m *Machine) {
		m.dispatcher = d
	}
}

// WithNotifier sets the notification service.
func WithNotifier(n Notifier) Option {
	return func(m *Machine) {
		m.notifier = n
	}
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = l
	}
}

// New creates a Machine writing through rec.
func New(rec *capture.Recorder, opts ...Option) (*Machine, error) {
	m := &Machine{
		rec:    rec,
		queue:  newTaskQueue(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	meter := otel.Meter(meterName)
	var err error
	m.transitions, err = meter.Int64Counter("steward.execution.transitions",
		metric.WithDescription("Committed execution status transitions"))
	if err != nil {
		return nil, err
	}
	m.failures, err = meter.Int64Counter("steward.integration.failures",
		metric.WithDescription("Failed calls to agent dispatch or notification services"))
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SetGate sets the approval gate. Call before the machine is used.
func (m *Machine) SetGate(g Gate) {
	m.gate = g
}

// Recorder returns the audit recorder the machine writes through.
func (m *Machine) Recorder() *capture.Recorder {
	return m.rec
}

// Pending returns the number of queued outbound calls.
func (m *Machine) Pending() int {
	return m.queue.Len()
}

// Unit is a capture unit plus the outbound calls to queue once it commits.
type Unit struct {
	*capture.Unit

	tasks []Task
	moves []move
}

type move struct {
	execution string
	from, to  model.ExecutionStatus
	event     string
}

// Notify queues n for delivery after the unit commits.
func (u *Unit) Notify(n Notification) {
	u.tasks = append(u.tasks, Task{Type: TaskNotify, Notification: &n})
}

func (u *Unit) dispatch(req DispatchRequest) {
	u.tasks = append(u.tasks, Task{Type: TaskDispatch, Dispatch: &req})
}

// Mutate runs fn in one governed unit as actor. Errors are mapped onto the
// taxonomy against rt/id unless fn already returned an *Error. Outbound
// calls queued by fn are released only after commit.
func (m *Machine) Mutate(ctx context.Context, actor model.Actor, rt model.ResourceType, id string, fn func(u *Unit) error) error {
	var unit *Unit
	_, err := m.rec.Mutate(ctx, actor, func(cu *capture.Unit) error {
		unit = &Unit{Unit: cu}
		return fn(unit)
	})
	if err != nil {
		return FromStore(rt, id, err)
	}
	m.afterCommit(ctx, unit)
	return nil
}

func (m *Machine) afterCommit(ctx context.Context, u *Unit) {
	for _, mv := range u.moves {
		m.logger.Info("execution transitioned",
			"execution", mv.execution,
			"from", string(mv.from),
			"to", string(mv.to),
			"event", mv.event,
			"actor", u.Actor().String())
		m.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", string(mv.from)),
			attribute.String("to", string(mv.to))))
	}
	for _, t := range u.tasks {
		switch {
		case t.Type == TaskDispatch && m.dispatcher == nil:
			continue
		case t.Type == TaskNotify && m.notifier == nil:
			continue
		}
		if !m.queue.Enqueue(t) {
			m.logger.Warn("outbound call dropped: queue closed", "type", int(t.Type))
		}
	}
}

// Run processes queued outbound calls until ctx is cancelled or Stop is
// called.
//
// A failed call is audited and counted, then processing continues. Calls
// are never retried here; a failed dispatch leaves the execution where it
// is until an agent reports or it is cancelled.
func (m *Machine) Run(ctx context.Context) error {
	m.logger.Info("engine worker starting")

	for {
		task, ok := m.queue.TryDequeue()
		if ok {
			m.process(ctx, task)
			continue
		}

		select {
		case <-ctx.Done():
			m.logger.Info("engine worker stopping: context cancelled")
			m.queue.Close()
			return ctx.Err()

		case <-m.queue.Wait():
			// The signal channel is closed with the queue.
			if m.queue.Len() == 0 && m.queue.Closed() {
				m.logger.Info("engine worker stopping: queue closed")
				return nil
			}
		}
	}
}

// Drain processes queued calls, including any they enqueue, until the
// queue is empty. It returns the number of calls processed.
func (m *Machine) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		task, ok := m.queue.TryDequeue()
		if !ok {
			return n, nil
		}
		m.process(ctx, task)
		n++
	}
}

// Stop closes the queue; Run returns once it is empty.
func (m *Machine) Stop() {
	m.queue.Close()
}

func (m *Machine) process(ctx context.Context, t Task) {
	switch t.Type {
	case TaskDispatch:
		m.processDispatch(ctx, t.Dispatch)
	case TaskNotify:
		m.processNotify(ctx, t.Notification)
	default:
		m.logger.Error("unknown outbound task", "type", int(t.Type))
	}
}

func (m *Machine) processDispatch(ctx context.Context, req *DispatchRequest) {
	res, err := m.dispatcher.Dispatch(ctx, *req)
	if err != nil {
		m.integrationFailure(ctx, "dispatch_failed", model.ResourceExecution, req.ExecutionID, err)
		return
	}
	if res == nil {
		m.logger.Debug("step dispatched", "execution", req.ExecutionID, "step", req.Step, "agent", req.AgentID)
		return
	}

	if res.Step == 0 {
		res.Step = req.Step
	}
	actor := model.SystemActor("dispatcher")
	if req.AgentID != "" {
		actor = model.AgentActor(req.AgentID)
	}
	if res.Error != "" {
		_, err = m.FailStep(ctx, actor, req.ExecutionID, *res)
	} else {
		_, err = m.CompleteStep(ctx, actor, req.ExecutionID, *res)
	}
	if err != nil {
		// Typically a conflict: the execution was cancelled meanwhile.
		m.logger.Warn("step report rejected",
			"execution", req.ExecutionID,
			"step", res.Step,
			"code", string(CodeOf(err)),
			"error", err)
	}
}

func (m *Machine) processNotify(ctx context.Context, n *Notification) {
	if err := m.notifier.Notify(ctx, *n); err != nil {
		m.integrationFailure(ctx, "notification_failed", model.ResourceApproval, n.ApprovalID, err)
		return
	}
	m.logger.Debug("notification delivered", "kind", string(n.Kind), "approval", n.ApprovalID)
}

// integrationFailure audits a failed outbound call against the resource it
// concerned. The entry carries no state change.
func (m *Machine) integrationFailure(ctx context.Context, event string, rt model.ResourceType, id string, cause error) {
	ierr := IntegrationError(rt, id, cause)
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
	m.logger.Warn("external call failed",
		"event", event,
		"resource", string(rt),
		"id", id,
		"error", cause)

	err := m.Mutate(ctx, model.SystemActor("engine"), rt, id, func(u *Unit) error {
		snap, err := capture.LiveSnapshot(ctx, u.Tx(), rt, id)
		if err != nil {
			return err
		}
		if snap == nil {
			return NotFoundError(rt, id)
		}
		_, err = u.Commit(ctx, capture.Record{
			Event:   event,
			Change:  capture.Modified(rt, id, snap, snap),
			Failure: ierr.Error(),
		})
		return err
	})
	if err != nil {
		m.logger.Error("audit of external call failure failed",
			"event", event,
			"resource", string(rt),
			"id", id,
			"error", err)
	}
}
