package foreman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/buildmath/foreman/bus"
)

// AgentStatus is an agent's lifecycle state.
type AgentStatus string

const (
	StatusIdle      AgentStatus = "idle"
	StatusWorking   AgentStatus = "working"
	StatusError     AgentStatus = "error"
	StatusCompleted AgentStatus = "completed"
	StatusFailed    AgentStatus = "failed"
)

// Worker is the single domain-specific extension point. The core assumes
// nothing about Execute beyond "function of payload to result, may fail".
// The context carries the per-task deadline; well-behaved workers honor it.
type Worker interface {
	Execute(ctx context.Context, payload map[string]any) (map[string]any, error)
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Execute calls the function.
func (f WorkerFunc) Execute(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return f(ctx, payload)
}

// AgentMetrics tracks an agent's processing history.
type AgentMetrics struct {
	TasksCompleted    int       `json:"tasks_completed"`
	TasksFailed       int       `json:"tasks_failed"`
	AvgProcessingSecs float64   `json:"avg_processing_secs"`
	LastActivity      time.Time `json:"last_activity"`
}

// Agent is an actor with a private bounded mailbox and at most one task in
// flight. It communicates exclusively through the bus: task requests arrive
// as direct messages, responses and status updates leave the same way.
type Agent struct {
	ID   string
	Name string

	capabilities []bus.Capability
	capNames     map[string]bool
	worker       Worker
	log          *slog.Logger

	mailbox           chan bus.Message
	execTimeout       time.Duration
	heartbeatInterval time.Duration
	defaultEstimate   time.Duration

	mu          sync.Mutex
	b           *bus.Bus
	status      AgentStatus
	currentTask string
	metrics     AgentMetrics

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithMailboxSize replaces the default mailbox bound. Only effective at
// construction; the mailbox survives restarts.
func WithMailboxSize(n int) AgentOption {
	return func(a *Agent) {
		if n > 0 {
			a.mailbox = make(chan bus.Message, n)
		}
	}
}

// WithExecTimeout bounds a single Execute call.
func WithExecTimeout(d time.Duration) AgentOption {
	return func(a *Agent) {
		a.execTimeout = d
	}
}

// WithHeartbeatInterval sets how often an idle agent broadcasts status.
func WithHeartbeatInterval(d time.Duration) AgentOption {
	return func(a *Agent) {
		a.heartbeatInterval = d
	}
}

// WithDefaultEstimate sets the processing estimate reported before any task
// has completed.
func WithDefaultEstimate(d time.Duration) AgentOption {
	return func(a *Agent) {
		a.defaultEstimate = d
	}
}

// WithAgentConfig applies a full AgentConfig in one option.
func WithAgentConfig(cfg AgentConfig) AgentOption {
	return func(a *Agent) {
		if cfg.MailboxSize > 0 {
			a.mailbox = make(chan bus.Message, cfg.MailboxSize)
		}
		if cfg.ExecTimeout > 0 {
			a.execTimeout = cfg.ExecTimeout
		}
		if cfg.HeartbeatInterval > 0 {
			a.heartbeatInterval = cfg.HeartbeatInterval
		}
		if cfg.DefaultEstimate > 0 {
			a.defaultEstimate = cfg.DefaultEstimate
		}
	}
}

// NewAgent creates an agent. The capability set is fixed after construction;
// the registry indexes it and the agent gates task requests against it. An
// empty id gets a generated one.
func NewAgent(id, name string, capabilities []bus.Capability, worker Worker, opts ...AgentOption) *Agent {
	if id == "" {
		id = uuid.New().String()[:8]
	}
	if name == "" {
		name = id
	}

	capNames := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		capNames[c.Name] = true
	}

	defaults := DefaultConfig().Agent
	a := &Agent{
		ID:                id,
		Name:              name,
		capabilities:      capabilities,
		capNames:          capNames,
		worker:            worker,
		log:               slog.Default().With("agent", id),
		mailbox:           make(chan bus.Message, defaults.MailboxSize),
		execTimeout:       defaults.ExecTimeout,
		heartbeatInterval: defaults.HeartbeatInterval,
		defaultEstimate:   defaults.DefaultEstimate,
		status:            StatusIdle,
		metrics:           AgentMetrics{LastActivity: time.Now()},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AttachBus connects the agent to a bus. The registry calls this before
// installing the agent's direct route.
func (a *Agent) AttachBus(b *bus.Bus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.b = b
}

// Capabilities returns the agent's declared capabilities.
func (a *Agent) Capabilities() []bus.Capability {
	return a.capabilities
}

// HasCapability reports whether the agent declares the named capability.
func (a *Agent) HasCapability(name string) bool {
	return a.capNames[name]
}

// Status returns the agent's current lifecycle state.
func (a *Agent) Status() AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Metrics returns a snapshot of the agent's processing history.
func (a *Agent) Metrics() AgentMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}

// QueueSize returns the number of queued task requests.
func (a *Agent) QueueSize() int {
	return len(a.mailbox)
}

// Running reports whether the run loop is active.
func (a *Agent) Running() bool {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.running
}

// EstimateSeconds is the agent's processing-time estimate: the rolling
// average of past tasks, or the configured default before any completed.
func (a *Agent) EstimateSeconds() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.metrics.AvgProcessingSecs > 0 {
		return a.metrics.AvgProcessingSecs
	}
	return a.defaultEstimate.Seconds()
}

// Start launches the run loop. The mailbox and metrics survive restarts; the
// manager restarts the loop, never the Agent value.
func (a *Agent) Start() error {
	if a.worker == nil {
		return &AgentError{AgentID: a.ID, Name: a.Name, Err: ErrNoWorker}
	}
	a.mu.Lock()
	attached := a.b != nil
	a.mu.Unlock()
	if !attached {
		return &AgentError{AgentID: a.ID, Name: a.Name, Err: ErrNoBus}
	}

	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return &AgentError{AgentID: a.ID, Name: a.Name, Err: ErrAgentRunning}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	a.running = true

	go a.run(ctx)
	a.log.Info("agent started", "name", a.Name)
	return nil
}

// Stop requests a cooperative shutdown and waits for the loop to exit. An
// in-flight task runs to completion first; the exec timeout bounds how long
// that can take.
func (a *Agent) Stop() {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return
	}
	cancel, done := a.cancel, a.done
	a.runMu.Unlock()

	cancel()
	<-done

	a.runMu.Lock()
	a.running = false
	a.runMu.Unlock()
	a.log.Info("agent stopped", "name", a.Name)
}

// Receive is the agent's bus handler for direct messages.
func (a *Agent) Receive(msg bus.Message) error {
	switch msg.Type {
	case bus.TypeTaskRequest:
		return a.handleTaskRequest(msg)
	case bus.TypeStatusUpdate, bus.TypeCoordination:
		return nil
	case bus.TypeErrorReport:
		a.log.Warn("error reported", "sender", msg.SenderID, "payload", msg.Payload)
		return nil
	default:
		a.log.Warn("no handler for message type", "type", msg.Type)
		return nil
	}
}

// handleTaskRequest gates the request against the capability set, then
// either queues it with an acceptance ack or rejects it immediately.
func (a *Agent) handleTaskRequest(msg bus.Message) error {
	taskType, _ := msg.Payload["type"].(string)
	if !a.capNames[taskType] {
		return a.respond(msg, map[string]any{
			"status": "rejected",
			"reason": fmt.Sprintf("task type %q not supported", taskType),
		})
	}

	select {
	case a.mailbox <- msg:
		return a.respond(msg, map[string]any{
			"status":            "accepted",
			"estimated_seconds": a.EstimateSeconds(),
		})
	default:
		return a.respond(msg, map[string]any{
			"status": "rejected",
			"reason": ErrMailboxFull.Error(),
		})
	}
}

func (a *Agent) run(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()

	a.setStatus(StatusIdle, "")
	a.broadcastStatus()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.mailbox:
			a.processTask(msg)
		case <-ticker.C:
			a.broadcastStatus()
		}
	}
}

// processTask executes one task request. A status update is always broadcast
// after processing. An exceeded deadline means the worker hung, so the agent
// enters the error state and stays there until it is restarted; any other
// outcome returns it to idle.
func (a *Agent) processTask(msg bus.Message) {
	taskID, _ := msg.Payload["task_id"].(string)
	a.setStatus(StatusWorking, taskID)
	a.broadcastStatus()

	start := time.Now()
	execCtx, cancel := context.WithTimeout(context.Background(), a.execTimeout)
	result, err := a.worker.Execute(execCtx, msg.Payload)
	hung := err != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil {
		a.log.Error("task failed", "task", taskID, "error", err)
		a.recordFailure()
		if hung {
			a.setStatus(StatusError, "")
			a.reportError(taskID, err)
		} else {
			a.setStatus(StatusFailed, "")
		}
		if rerr := a.respond(msg, map[string]any{
			"status":     "failed",
			"error":      err.Error(),
			"error_type": fmt.Sprintf("%T", err),
		}); rerr != nil {
			a.log.Error("send failure response", "task", taskID, "error", rerr)
		}
	} else {
		a.recordSuccess(time.Since(start))
		a.setStatus(StatusCompleted, "")
		if rerr := a.respond(msg, map[string]any{
			"status": "completed",
			"result": result,
		}); rerr != nil {
			a.log.Error("send completion response", "task", taskID, "error", rerr)
		}
	}

	a.broadcastStatus()
	if !hung {
		a.setStatus(StatusIdle, "")
	}
}

// reportError broadcasts an ErrorReport so the manager can flag the agent
// without waiting for its heartbeats to stop.
func (a *Agent) reportError(taskID string, err error) {
	a.mu.Lock()
	b := a.b
	a.mu.Unlock()
	if b == nil {
		return
	}
	payload := map[string]any{
		"task_id": taskID,
		"error":   err.Error(),
	}
	if perr := b.Publish(bus.NewBroadcast(a.ID, bus.TypeErrorReport, payload)); perr != nil {
		a.log.Error("broadcast error report", "error", perr)
	}
}

// respond sends a TaskResponse back to the requester, correlated to the
// request and carrying its task id.
func (a *Agent) respond(req bus.Message, payload map[string]any) error {
	if taskID, ok := req.Payload["task_id"]; ok {
		payload["task_id"] = taskID
	}

	a.mu.Lock()
	b := a.b
	a.mu.Unlock()
	if b == nil {
		return &AgentError{AgentID: a.ID, Name: a.Name, Err: ErrNoBus}
	}
	return b.Publish(bus.NewDirect(a.ID, req.SenderID, bus.TypeTaskResponse, payload, req.ID))
}

func (a *Agent) broadcastStatus() {
	a.mu.Lock()
	b := a.b
	payload := map[string]any{
		"status":       string(a.status),
		"current_task": a.currentTask,
		"queue_size":   len(a.mailbox),
		"performance": map[string]any{
			"tasks_completed":     a.metrics.TasksCompleted,
			"tasks_failed":        a.metrics.TasksFailed,
			"avg_processing_secs": a.metrics.AvgProcessingSecs,
		},
	}
	a.mu.Unlock()

	if b == nil {
		return
	}
	if err := b.Publish(bus.NewBroadcast(a.ID, bus.TypeStatusUpdate, payload)); err != nil {
		a.log.Error("broadcast status", "error", err)
	}
}

func (a *Agent) setStatus(s AgentStatus, currentTask string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = s
	a.currentTask = currentTask
}

func (a *Agent) recordSuccess(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics.TasksCompleted++
	n := float64(a.metrics.TasksCompleted + a.metrics.TasksFailed)
	a.metrics.AvgProcessingSecs = (a.metrics.AvgProcessingSecs*(n-1) + d.Seconds()) / n
	a.metrics.LastActivity = time.Now()
}

func (a *Agent) recordFailure() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics.TasksFailed++
	a.metrics.LastActivity = time.Now()
}
