// Package dispatch routes tasks and execution requests to registered agents
// under a global concurrency ceiling, a retry/backoff policy, and cooperative
// cancellation, publishing lifecycle events on the bus.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agentmesh/pkg/bus"
	"agentmesh/pkg/cache"
	"agentmesh/pkg/config"
	"agentmesh/pkg/limiter"
	"agentmesh/pkg/logx"
	"agentmesh/pkg/proto"
	"agentmesh/pkg/registry"
)

// Mode selects how a multi-agent request runs.
type Mode string

const (
	// ModeParallel runs all listed agents concurrently under the global
	// ceiling, isolating per-slot failures.
	ModeParallel Mode = "parallel"
	// ModeSequential runs listed agents one at a time, aborting the rest of
	// the sequence on the first failure.
	ModeSequential Mode = "sequential"
)

// Request is an execution request in one of three shapes: a single agent, a
// list of agents with a mode, or a named orchestration plan.
type Request struct {
	AgentID  string
	AgentIDs []string
	Mode     Mode
	PlanType string
	Input    proto.ExecutionInput
}

// Result is one slot of an execution request's outcome. For plan requests
// StepID names the plan step the slot belongs to.
type Result struct {
	AgentID string
	StepID  string
	Output  proto.ExecutionOutput
	Err     error
}

// Metrics receives dispatch instrumentation. Implementations must be safe
// for concurrent use. A nil Metrics disables instrumentation.
type Metrics interface {
	TaskSubmitted()
	ExecutionStarted(agentID string)
	ExecutionFinished(agentID string, success bool, elapsed time.Duration)
	RetryScheduled(agentID string)
}

type trackedTask struct {
	task   *proto.Task
	output proto.ExecutionOutput
	cancel context.CancelFunc
	done   chan struct{}
}

// Dispatcher is the orchestration core. It consults the registry for agent
// selection, bounds executions with a global slot semaphore, retries
// recoverable failures with capped exponential backoff, and emits
// execution:start plus exactly one of execution:complete/execution:error per
// invocation.
type Dispatcher struct {
	logger   *logx.Logger
	cfg      *config.Config
	registry *registry.Registry
	bus      *bus.Bus
	limiter  *limiter.Limiter
	cache    *cache.Cache
	metrics  Metrics

	mu    sync.Mutex
	tasks map[string]*trackedTask
	plans map[string]*Plan

	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithCache enables execution result caching.
func WithCache(c *cache.Cache) Option {
	return func(d *Dispatcher) { d.cache = c }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a dispatcher. The global concurrency ceiling comes from
// cfg.MaxConcurrentTasks.
func New(cfg *config.Config, reg *registry.Registry, eventBus *bus.Bus, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:   logx.NewLogger("dispatch"),
		cfg:      cfg,
		registry: reg,
		bus:      eventBus,
		limiter:  limiter.New(cfg.MaxConcurrentTasks),
		tasks:    make(map[string]*trackedTask),
		plans:    make(map[string]*Plan),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SubmitTask validates a task and starts it asynchronously. Validation
// failures return synchronously with no side effects. The task's required
// capabilities select the agent; retry bounds come from the task with delay
// parameters from the selected agent's policy.
func (d *Dispatcher) SubmitTask(ctx context.Context, task *proto.Task) error {
	if task == nil {
		return &TaskError{Kind: ErrKindValidation, Msg: "task is required"}
	}
	if err := task.Validate(); err != nil {
		return &TaskError{Kind: ErrKindValidation, TaskID: task.ID, Err: err}
	}

	tracked := &trackedTask{task: task.Clone(), done: make(chan struct{})}
	tracked.task.Status = proto.TaskStatusPending
	tracked.task.ScheduledAt = time.Now().UTC()

	d.mu.Lock()
	select {
	case <-d.shutdown:
		d.mu.Unlock()
		return fmt.Errorf("dispatcher is shut down")
	default:
	}
	if _, exists := d.tasks[task.ID]; exists {
		d.mu.Unlock()
		return &TaskError{Kind: ErrKindValidation, TaskID: task.ID, Msg: "task id already submitted"}
	}
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	tracked.cancel = cancel
	d.tasks[task.ID] = tracked
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.TaskSubmitted()
	}
	d.logger.Info("Submitted task %s (type=%s, priority=%s)", task.ID, task.Type, task.Priority)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.processTask(taskCtx, tracked)
	}()
	return nil
}

// Task returns a snapshot of a submitted task.
func (d *Dispatcher) Task(id string) (*proto.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tracked, ok := d.tasks[id]
	if !ok {
		return nil, &TaskError{Kind: ErrKindValidation, TaskID: id, Msg: "unknown task"}
	}
	return tracked.task.Clone(), nil
}

// Wait blocks until the task reaches a terminal status or the context is
// cancelled, returning the task snapshot and its final output.
func (d *Dispatcher) Wait(ctx context.Context, id string) (*proto.Task, proto.ExecutionOutput, error) {
	d.mu.Lock()
	tracked, ok := d.tasks[id]
	d.mu.Unlock()
	if !ok {
		return nil, proto.ExecutionOutput{}, &TaskError{Kind: ErrKindValidation, TaskID: id, Msg: "unknown task"}
	}

	select {
	case <-tracked.done:
	case <-ctx.Done():
		return nil, proto.ExecutionOutput{}, ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return tracked.task.Clone(), tracked.output, nil
}

// Cancel requests cooperative cancellation of a task. Cancellation is
// observed before each retry attempt and at timeout expiry; an in-flight
// agent call runs to completion but its result is discarded.
func (d *Dispatcher) Cancel(id string) error {
	d.mu.Lock()
	tracked, ok := d.tasks[id]
	if !ok {
		d.mu.Unlock()
		return &TaskError{Kind: ErrKindValidation, TaskID: id, Msg: "unknown task"}
	}
	if tracked.task.Status.Terminal() {
		d.mu.Unlock()
		return &TaskError{Kind: ErrKindValidation, TaskID: id,
			Msg: fmt.Sprintf("already terminal (%s)", tracked.task.Status)}
	}
	cancel := tracked.cancel
	d.mu.Unlock()

	d.logger.Info("Cancellation requested for task %s", id)
	cancel()
	return nil
}

// Shutdown stops accepting tasks and waits for in-flight work to drain or
// the context to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.once.Do(func() { close(d.shutdown) })

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// processTask drives a submitted task through its state machine.
func (d *Dispatcher) processTask(ctx context.Context, tracked *trackedTask) {
	task := tracked.task

	agents, err := d.registry.Select(task.RequiredCapabilities, 1)
	if err != nil {
		// Every invocation pairs a start event with exactly one terminal
		// event, including the no-agent path.
		d.publishEvent(proto.MsgTypeExecutionStart, task.ID, map[string]any{
			"task_id": task.ID,
		})
		d.finishTask(tracked, proto.ExecutionOutput{}, &TaskError{
			Kind: ErrKindValidation, TaskID: task.ID, Msg: "no agent available", Err: err,
		})
		return
	}
	agent := agents[0]

	input := proto.NewExecutionInput(task.Payload)
	input.Context = map[string]any{"task_id": task.ID, "task_type": task.Type}

	d.setTaskStatus(tracked, proto.TaskStatusRunning)
	d.publishEvent(proto.MsgTypeExecutionStart, task.ID, map[string]any{
		"task_id":  task.ID,
		"agent_id": agent.ID,
	})

	out, err := d.runWithRetry(ctx, agent.ID, input, retrySpec{
		maxRetries: task.MaxRetries,
		policy:     agent.RetryPolicy,
		timeout:    d.taskTimeout(task),
		tracked:    tracked,
	})
	d.finishTask(tracked, out, err)
}

func (d *Dispatcher) taskTimeout(task *proto.Task) time.Duration {
	if task.Timeout > 0 {
		return task.Timeout
	}
	return d.cfg.TaskTimeout.Std()
}

// finishTask records the terminal state, emits the terminal event and
// releases waiters.
func (d *Dispatcher) finishTask(tracked *trackedTask, out proto.ExecutionOutput, err error) {
	task := tracked.task

	var status proto.TaskStatus
	switch {
	case err == nil:
		status = proto.TaskStatusCompleted
	case IsKind(err, ErrKindCancelled):
		status = proto.TaskStatusCancelled
	default:
		status = proto.TaskStatusFailed
	}

	d.mu.Lock()
	if task.Status == proto.TaskStatusPending && status != proto.TaskStatusCancelled {
		// Terminal transition must pass through RUNNING except cancellation.
		task.Status = proto.TaskStatusRunning
	}
	if task.Status.CanTransitionTo(status) {
		task.Status = status
	}
	if err != nil {
		task.Error = err.Error()
	}
	tracked.output = out
	close(tracked.done)
	d.mu.Unlock()

	switch status {
	case proto.TaskStatusCompleted:
		d.logger.Info("Task %s completed after %d retries", task.ID, task.RetryCount)
		d.publishEvent(proto.MsgTypeExecutionComplete, task.ID, map[string]any{
			"task_id": task.ID,
			"payload": out.Payload,
		})
	case proto.TaskStatusCancelled:
		d.logger.Info("Task %s cancelled", task.ID)
		d.publishEvent(proto.MsgTypeExecutionError, task.ID, map[string]any{
			"task_id": task.ID,
			"error":   task.Error,
		})
	default:
		d.logger.Warn("Task %s failed: %s", task.ID, task.Error)
		d.publishEvent(proto.MsgTypeExecutionError, task.ID, map[string]any{
			"task_id": task.ID,
			"error":   task.Error,
		})
	}
}

func (d *Dispatcher) setTaskStatus(tracked *trackedTask, status proto.TaskStatus) {
	d.mu.Lock()
	if tracked.task.Status.CanTransitionTo(status) {
		tracked.task.Status = status
	}
	d.mu.Unlock()
}

type retrySpec struct {
	maxRetries int
	policy     proto.RetryPolicy
	timeout    time.Duration
	tracked    *trackedTask // nil for direct execution requests
}

// runWithRetry executes one agent with capped exponential backoff. A timeout
// consumes a retry like any other recoverable failure. Cancellation is
// checked before each attempt and while waiting out a backoff delay.
func (d *Dispatcher) runWithRetry(ctx context.Context, agentID string, input proto.ExecutionInput, spec retrySpec) (proto.ExecutionOutput, error) {
	policy := spec.policy
	if policy == (proto.RetryPolicy{}) {
		policy = d.cfg.RetryPolicy.Policy()
	}

	retryCount := 0
	if spec.tracked != nil {
		retryCount = spec.tracked.task.RetryCount
	}

	var lastErr error
	for {
		if ctx.Err() != nil {
			return proto.ExecutionOutput{}, &TaskError{
				Kind: ErrKindCancelled, TaskID: taskID(spec.tracked), Err: context.Cause(ctx),
			}
		}

		out, err := d.executeOnce(ctx, agentID, input, spec.timeout)
		if err == nil {
			return out, nil
		}
		if IsKind(err, ErrKindCancelled) {
			return proto.ExecutionOutput{}, err
		}
		if registry.IsNotFound(err) || registry.IsCapabilityMismatch(err) {
			// The agent is gone or never matched; retrying cannot help.
			return proto.ExecutionOutput{}, err
		}
		lastErr = err

		if retryCount >= spec.maxRetries {
			return proto.ExecutionOutput{}, &TaskError{
				Kind: ErrKindRetriesExhausted, TaskID: taskID(spec.tracked),
				Msg: fmt.Sprintf("%d attempts", retryCount+1), Err: lastErr,
			}
		}

		delay := policy.NextDelay(retryCount)
		retryCount++
		if spec.tracked != nil {
			d.mu.Lock()
			spec.tracked.task.RetryCount = retryCount
			d.mu.Unlock()
			d.setTaskStatus(spec.tracked, proto.TaskStatusPending)
		}
		if d.metrics != nil {
			d.metrics.RetryScheduled(agentID)
		}
		d.logger.Debug("Agent %s attempt %d failed, retrying in %s: %v", agentID, retryCount, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return proto.ExecutionOutput{}, &TaskError{
				Kind: ErrKindCancelled, TaskID: taskID(spec.tracked), Err: context.Cause(ctx),
			}
		}
		if spec.tracked != nil {
			d.setTaskStatus(spec.tracked, proto.TaskStatusRunning)
		}
	}
}

// executeOnce runs a single attempt: global slot, agent slot, bounded call.
func (d *Dispatcher) executeOnce(ctx context.Context, agentID string, input proto.ExecutionInput, timeout time.Duration) (proto.ExecutionOutput, error) {
	exec, err := d.registry.ExecutorFor(agentID)
	if err != nil {
		return proto.ExecutionOutput{}, err
	}

	if err := d.limiter.Acquire(ctx); err != nil {
		return proto.ExecutionOutput{}, &TaskError{Kind: ErrKindCancelled, Err: err}
	}
	defer d.limiter.Release()

	if err := d.registry.Reserve(agentID); err != nil {
		return proto.ExecutionOutput{}, err
	}
	defer d.registry.Release(agentID)

	if d.metrics != nil {
		d.metrics.ExecutionStarted(agentID)
	}
	start := time.Now()

	attemptCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type attempt struct {
		out proto.ExecutionOutput
		err error
	}
	ch := make(chan attempt, 1)
	go func() {
		out, err := exec.Execute(attemptCtx, input)
		ch <- attempt{out, err}
	}()

	var res attempt
	select {
	case res = <-ch:
	case <-attemptCtx.Done():
		// Late results are discarded; the executor goroutine drains into the
		// buffered channel.
		elapsed := time.Since(start)
		if d.metrics != nil {
			d.metrics.ExecutionFinished(agentID, false, elapsed)
		}
		if ctx.Err() != nil {
			return proto.ExecutionOutput{}, &TaskError{Kind: ErrKindCancelled, Err: context.Cause(ctx)}
		}
		return proto.ExecutionOutput{}, &TaskError{
			Kind: ErrKindTimeout,
			Msg:  fmt.Sprintf("agent %s exceeded %s", agentID, timeout),
		}
	}

	elapsed := time.Since(start)
	if res.err == nil && !res.out.Success && len(res.out.Errors) > 0 {
		res.err = fmt.Errorf("agent %s: %s", agentID, res.out.Errors[0])
	}
	if d.metrics != nil {
		d.metrics.ExecutionFinished(agentID, res.err == nil, elapsed)
	}
	if res.err != nil {
		return proto.ExecutionOutput{}, fmt.Errorf("agent %s: %w", agentID, res.err)
	}
	res.out.Duration = elapsed
	return res.out, nil
}

func (d *Dispatcher) publishEvent(msgType proto.MsgType, correlationID string, payload map[string]any) {
	if d.bus == nil {
		return
	}
	msg := proto.NewMessage(msgType, "dispatch", "")
	msg.CorrelationID = correlationID
	for k, v := range payload {
		msg.SetPayload(k, v)
	}
	if err := d.bus.Publish(msg); err != nil {
		d.logger.Warn("Failed to publish %s: %v", msgType, err)
	}
}

func taskID(tracked *trackedTask) string {
	if tracked == nil {
		return ""
	}
	return tracked.task.ID
}
