package foreman

import "errors"

// Standard errors returned by the orchestration core.
var (
	ErrAgentNotFound      = errors.New("agent not found")
	ErrAgentExists        = errors.New("agent already registered")
	ErrAgentRunning       = errors.New("agent already running")
	ErrNoWorker           = errors.New("agent has no worker")
	ErrNoBus              = errors.New("agent is not attached to a bus")
	ErrFactoryNotFound    = errors.New("no factory registered for agent type")
	ErrProjectNotFound    = errors.New("project not found")
	ErrProjectNotPending  = errors.New("project is not pending")
	ErrDanglingDependency = errors.New("task depends on unknown task id")
	ErrDependencyCycle    = errors.New("task dependencies form a cycle")
	ErrMailboxFull        = errors.New("agent mailbox is full")
)

// AgentError wraps an error with the agent it belongs to.
type AgentError struct {
	AgentID string
	Name    string
	Err     error
}

func (e *AgentError) Error() string {
	if e.Name != "" {
		return "agent " + e.AgentID + " (" + e.Name + "): " + e.Err.Error()
	}
	return "agent " + e.AgentID + ": " + e.Err.Error()
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// TaskError wraps an error with the task it belongs to.
type TaskError struct {
	TaskID string
	Name   string
	Err    error
}

func (e *TaskError) Error() string {
	if e.Name != "" {
		return "task " + e.TaskID + " (" + e.Name + "): " + e.Err.Error()
	}
	return "task " + e.TaskID + ": " + e.Err.Error()
}

func (e *TaskError) Unwrap() error {
	return e.Err
}
