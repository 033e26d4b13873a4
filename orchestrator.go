package foreman

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/buildmath/foreman/bus"
)

// OrchestratorID is the bus identity the orchestrator claims for direct
// replies from agents.
const OrchestratorID = "orchestrator"

// TaskStatus is a task's scheduling state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// ProjectStatus is derived from the statuses of a project's tasks.
type ProjectStatus string

const (
	ProjectPending    ProjectStatus = "pending"
	ProjectInProgress ProjectStatus = "in_progress"
	ProjectCompleted  ProjectStatus = "completed"
	ProjectFailed     ProjectStatus = "failed"
)

// TaskSpec describes one task of a project submission. RequiredCapabilities
// defaults to the task type; listing more restricts dispatch to agents that
// declare every one of them.
type TaskSpec struct {
	ID                   string         `json:"id" yaml:"id"`
	Name                 string         `json:"name" yaml:"name"`
	Type                 string         `json:"type" yaml:"type"`
	Priority             int            `json:"priority" yaml:"priority"`
	Payload              map[string]any `json:"payload" yaml:"payload"`
	DependsOn            []string       `json:"depends_on" yaml:"depends_on"`
	RequiredCapabilities []string       `json:"required_capabilities" yaml:"required_capabilities"`
	MaxRetries           int            `json:"max_retries" yaml:"max_retries"`
}

// Task is a unit of schedulable work inside a project. All mutable fields
// are guarded by the orchestrator's lock.
type Task struct {
	ID           string
	ProjectID    string
	Name         string
	Type         string
	Priority     int
	Payload      map[string]any
	DependsOn    []string
	RequiredCaps []string
	MaxRetries   int

	Status        TaskStatus
	AssignedTo    string
	Attempts      int
	Deferrals     int
	Result        map[string]any
	LastError     string
	EstimatedSecs float64
	CreatedAt     time.Time
	StartedAt     time.Time
	CompletedAt   time.Time

	seq uint64
}

// Project groups tasks under one dependency graph.
type Project struct {
	ID          string
	Name        string
	Status      ProjectStatus
	Tasks       map[string]*Task
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	done chan struct{}
}

// TaskReport is a read-only snapshot of one task.
type TaskReport struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	Status     TaskStatus `json:"status"`
	AssignedTo string     `json:"assigned_to,omitempty"`
	Attempts   int        `json:"attempts"`
	Progress   float64    `json:"progress"`
	LastError  string     `json:"last_error,omitempty"`
}

// ProjectReport is a read-only snapshot of one project.
type ProjectReport struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Status         ProjectStatus `json:"status"`
	Progress       float64       `json:"progress"`
	CompletedTasks int           `json:"completed_tasks"`
	FailedTasks    int           `json:"failed_tasks"`
	TotalTasks     int           `json:"total_tasks"`
	Tasks          []TaskReport  `json:"tasks"`
}

// Orchestrator decomposes projects into tasks, dispatches them to capable
// agents in dependency and priority order, and drives retries. Scheduling is
// event driven: agent responses and registrations kick the loop, with a slow
// ticker as a safety net.
type Orchestrator struct {
	cfg OrchestratorConfig
	b   *bus.Bus
	mgr *Manager
	log *slog.Logger

	mu       sync.Mutex
	projects map[string]*Project
	byTask   map[string]*Task
	ready    taskHeap
	parked   []*Task
	inFlight map[string]int
	nextSeq  uint64

	kick chan struct{}

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewOrchestrator creates an orchestrator bound to a bus and an agent
// manager. Zero config fields fall back to defaults.
func NewOrchestrator(b *bus.Bus, mgr *Manager, cfg OrchestratorConfig) *Orchestrator {
	defaults := DefaultConfig().Orchestrator
	if cfg.ScheduleInterval <= 0 {
		cfg.ScheduleInterval = defaults.ScheduleInterval
	}
	if cfg.MaxDeferrals <= 0 {
		cfg.MaxDeferrals = defaults.MaxDeferrals
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = defaults.DefaultMaxRetries
	}
	return &Orchestrator{
		cfg:      cfg,
		b:        b,
		mgr:      mgr,
		log:      slog.Default().With("component", "orchestrator"),
		projects: make(map[string]*Project),
		byTask:   make(map[string]*Task),
		inFlight: make(map[string]int),
		kick:     make(chan struct{}, 1),
	}
}

// Start installs the orchestrator's bus route and launches the scheduling
// loop.
func (o *Orchestrator) Start() error {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.running {
		return ErrAgentRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})
	o.running = true
	o.b.RegisterAgent(OrchestratorID, o.onMessage)

	go o.run(ctx)
	o.log.Info("orchestrator started", "schedule_interval", o.cfg.ScheduleInterval)
	return nil
}

// Stop halts the scheduling loop. Projects keep their state; a later Start
// resumes them.
func (o *Orchestrator) Stop() {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if !o.running {
		return
	}
	o.running = false
	o.cancel()
	<-o.done
	o.b.UnregisterAgent(OrchestratorID)
	o.log.Info("orchestrator stopped")
}

// Kick prompts an immediate scheduling pass. The registry calls this when a
// new agent comes online so parked tasks get another chance.
func (o *Orchestrator) Kick() {
	o.mu.Lock()
	o.unparkLocked()
	o.mu.Unlock()
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// CreateProject validates the task graph and stores the project in pending
// state. Dependencies must name tasks inside the same project and must not
// form a cycle.
func (o *Orchestrator) CreateProject(name string, specs []TaskSpec) (*Project, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("project %q: no tasks", name)
	}

	p := &Project{
		ID:        uuid.New().String()[:8],
		Name:      name,
		Status:    ProjectPending,
		Tasks:     make(map[string]*Task, len(specs)),
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}

	for i, spec := range specs {
		id := spec.ID
		if id == "" {
			id = fmt.Sprintf("%s-t%d", p.ID, i+1)
		}
		if _, dup := p.Tasks[id]; dup {
			return nil, fmt.Errorf("project %q: duplicate task id %q", name, id)
		}
		maxRetries := spec.MaxRetries
		if maxRetries <= 0 {
			maxRetries = o.cfg.DefaultMaxRetries
		}
		priority := spec.Priority
		if priority <= 0 {
			priority = 5
		}
		// The type is always required, so listing extra capabilities never
		// routes a task to an agent that would reject it on type.
		required := spec.RequiredCapabilities
		if !containsString(required, spec.Type) {
			required = append(append([]string{}, required...), spec.Type)
		}
		p.Tasks[id] = &Task{
			ID:           id,
			ProjectID:    p.ID,
			Name:         spec.Name,
			Type:         spec.Type,
			Priority:     priority,
			Payload:      spec.Payload,
			DependsOn:    spec.DependsOn,
			RequiredCaps: required,
			MaxRetries:   maxRetries,
			Status:       TaskPending,
			CreatedAt:    time.Now(),
		}
	}

	if err := validateGraph(p); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.projects[p.ID] = p
	for _, t := range p.Tasks {
		o.byTask[t.ID] = t
	}
	o.mu.Unlock()

	o.log.Info("project created", "project", p.ID, "name", name, "tasks", len(specs))
	return p, nil
}

// validateGraph rejects dangling dependencies and cycles (Kahn's algorithm).
func validateGraph(p *Project) error {
	indegree := make(map[string]int, len(p.Tasks))
	dependents := make(map[string][]string, len(p.Tasks))
	for id, t := range p.Tasks {
		indegree[id] += 0
		for _, dep := range t.DependsOn {
			if _, ok := p.Tasks[dep]; !ok {
				return &TaskError{TaskID: id, Name: t.Name,
					Err: fmt.Errorf("%w: %q", ErrDanglingDependency, dep)}
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue []string
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	seen := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		seen++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if seen != len(p.Tasks) {
		return fmt.Errorf("project %q: %w", p.Name, ErrDependencyCycle)
	}
	return nil
}

// StartProject moves a pending project into progress and enqueues its ready
// tasks.
func (o *Orchestrator) StartProject(projectID string) error {
	o.mu.Lock()
	p, ok := o.projects[projectID]
	if !ok {
		o.mu.Unlock()
		return ErrProjectNotFound
	}
	if p.Status != ProjectPending {
		o.mu.Unlock()
		return fmt.Errorf("project %q in state %s: %w", projectID, p.Status, ErrProjectNotPending)
	}
	p.Status = ProjectInProgress
	p.StartedAt = time.Now()
	for _, t := range p.Tasks {
		if o.readyLocked(p, t) {
			o.enqueueLocked(t)
		}
	}
	o.mu.Unlock()

	o.log.Info("project started", "project", projectID)
	o.Kick()
	return nil
}

// readyLocked reports whether t is pending with every dependency completed.
func (o *Orchestrator) readyLocked(p *Project, t *Task) bool {
	if t.Status != TaskPending {
		return false
	}
	for _, dep := range t.DependsOn {
		if p.Tasks[dep].Status != TaskCompleted {
			return false
		}
	}
	return true
}

func (o *Orchestrator) enqueueLocked(t *Task) {
	o.nextSeq++
	t.seq = o.nextSeq
	heap.Push(&o.ready, t)
}

// unparkLocked returns every parked task to the ready heap.
func (o *Orchestrator) unparkLocked() {
	for _, t := range o.parked {
		t.Deferrals = 0
		o.enqueueLocked(t)
	}
	o.parked = o.parked[:0]
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.done)

	ticker := time.NewTicker(o.cfg.ScheduleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.kick:
			o.schedule()
		case <-ticker.C:
			o.mu.Lock()
			o.unparkLocked()
			o.mu.Unlock()
			o.schedule()
		}
	}
}

// schedule drains the ready heap, assigning each task to the best capable
// agent. A task with no taker is set aside until the end of the pass so it
// does not block placeable tasks behind it; past the deferral cap it is
// parked until an agent event wakes it.
func (o *Orchestrator) schedule() {
	var deferred []*Task
	defer func() {
		if len(deferred) == 0 {
			return
		}
		o.mu.Lock()
		for _, t := range deferred {
			o.enqueueLocked(t)
		}
		o.mu.Unlock()
	}()

	for {
		o.mu.Lock()
		if o.ready.Len() == 0 {
			o.mu.Unlock()
			return
		}
		t := heap.Pop(&o.ready).(*Task)
		p := o.projects[t.ProjectID]
		if p == nil || p.Status != ProjectInProgress || t.Status != TaskPending {
			o.mu.Unlock()
			continue
		}

		agent := o.pickAgent(t)
		if agent == nil {
			t.Deferrals++
			if t.Deferrals > o.cfg.MaxDeferrals {
				o.parked = append(o.parked, t)
				o.log.Warn("task parked, no capable agent", "task", t.ID, "type", t.Type)
			} else {
				deferred = append(deferred, t)
			}
			o.mu.Unlock()
			continue
		}

		t.Status = TaskAssigned
		t.AssignedTo = agent.ID
		o.inFlight[agent.ID]++
		payload := o.requestPayloadLocked(p, t)
		o.mu.Unlock()

		msg := bus.NewDirect(OrchestratorID, agent.ID, bus.TypeTaskRequest, payload, "")
		if err := o.b.Publish(msg); err != nil {
			o.log.Error("dispatch failed", "task", t.ID, "agent", agent.ID, "error", err)
			o.mu.Lock()
			o.releaseAgentLocked(t.AssignedTo)
			t.Status = TaskPending
			t.AssignedTo = ""
			o.enqueueLocked(t)
			o.mu.Unlock()
			return
		}
		o.log.Info("task dispatched", "task", t.ID, "type", t.Type, "agent", agent.ID)
	}
}

// requestPayloadLocked builds the task request payload: the task's own
// payload plus identity fields and the results of its dependencies.
func (o *Orchestrator) requestPayloadLocked(p *Project, t *Task) map[string]any {
	payload := make(map[string]any, len(t.Payload)+4)
	for k, v := range t.Payload {
		payload[k] = v
	}
	payload["task_id"] = t.ID
	payload["type"] = t.Type
	payload["project_id"] = p.ID
	if len(t.DependsOn) > 0 {
		deps := make(map[string]any, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			deps[dep] = p.Tasks[dep].Result
		}
		payload["dependencies"] = deps
	}
	return payload
}

// pickAgent scores the candidates for a task. Only running agents that are
// idle or just finished qualify, and an agent already holding an assignment
// in the orchestrator's books is skipped even before its status catches up,
// so an agent never accumulates more than one active task. Of the rest, the
// agent must declare every required capability; lower queue depth wins and an
// exact capability-set match earns a bonus, so a specialist beats a
// generalist. Ties break on agent id for determinism.
func (o *Orchestrator) pickAgent(t *Task) *Agent {
	var best *Agent
	bestScore := 0
	for _, a := range o.mgr.Agents() {
		if !a.Running() || o.inFlight[a.ID] > 0 {
			continue
		}
		if s := a.Status(); s != StatusIdle && s != StatusCompleted {
			continue
		}
		if !hasAllCapabilities(a, t.RequiredCaps) {
			continue
		}
		score := 10 - 2*a.QueueSize()
		if len(a.Capabilities()) == len(t.RequiredCaps) {
			score += 10
		}
		if score <= 0 {
			continue
		}
		if best == nil || score > bestScore {
			best = a
			bestScore = score
		}
	}
	return best
}

func hasAllCapabilities(a *Agent, required []string) bool {
	for _, name := range required {
		if !a.HasCapability(name) {
			return false
		}
	}
	return true
}

// onMessage handles direct replies from agents.
func (o *Orchestrator) onMessage(msg bus.Message) error {
	if msg.Type != bus.TypeTaskResponse {
		return nil
	}
	taskID, _ := msg.Payload["task_id"].(string)
	status, _ := msg.Payload["status"].(string)

	switch status {
	case "accepted":
		o.onAccepted(taskID, msg)
	case "rejected":
		o.onRejected(taskID, msg)
	case "completed":
		o.onCompleted(taskID, msg)
	case "failed":
		o.onFailed(taskID, msg)
	default:
		o.log.Warn("unknown response status", "task", taskID, "status", status)
	}
	return nil
}

func (o *Orchestrator) onAccepted(taskID string, msg bus.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.byTask[taskID]
	if t == nil || t.Status != TaskAssigned {
		return
	}
	t.Status = TaskInProgress
	t.StartedAt = time.Now()
	if est, ok := msg.Payload["estimated_seconds"].(float64); ok && est > 0 {
		t.EstimatedSecs = est
	}
	o.log.Info("task accepted", "task", taskID, "agent", msg.SenderID)
}

// onRejected returns the task to pending without spending a retry; rejection
// means the agent could not take the task, not that the work failed.
func (o *Orchestrator) onRejected(taskID string, msg bus.Message) {
	o.mu.Lock()
	t := o.byTask[taskID]
	if t == nil || t.Status != TaskAssigned {
		o.mu.Unlock()
		return
	}
	reason, _ := msg.Payload["reason"].(string)
	o.releaseAgentLocked(t.AssignedTo)
	t.Status = TaskPending
	t.AssignedTo = ""
	t.Deferrals++
	if t.Deferrals > o.cfg.MaxDeferrals {
		o.parked = append(o.parked, t)
		o.mu.Unlock()
		o.log.Warn("task parked after rejections", "task", taskID, "reason", reason)
		return
	}
	o.enqueueLocked(t)
	o.mu.Unlock()

	o.log.Warn("task rejected", "task", taskID, "agent", msg.SenderID, "reason", reason)
	o.Kick()
}

func (o *Orchestrator) onCompleted(taskID string, msg bus.Message) {
	o.mu.Lock()
	t := o.byTask[taskID]
	if t == nil || t.Status == TaskCompleted {
		o.mu.Unlock()
		return
	}
	o.releaseAgentLocked(t.AssignedTo)
	t.Status = TaskCompleted
	t.CompletedAt = time.Now()
	if result, ok := msg.Payload["result"].(map[string]any); ok {
		t.Result = result
	}

	p := o.projects[t.ProjectID]
	for _, next := range p.Tasks {
		if dependsOn(next, taskID) && o.readyLocked(p, next) {
			o.enqueueLocked(next)
		}
	}
	o.finishIfDoneLocked(p)
	o.unparkLocked()
	o.mu.Unlock()

	o.log.Info("task completed", "task", taskID, "agent", msg.SenderID)
	o.Kick()
}

// onFailed retries the task with decayed priority until its retry budget is
// spent, then marks it and its project failed.
func (o *Orchestrator) onFailed(taskID string, msg bus.Message) {
	o.mu.Lock()
	t := o.byTask[taskID]
	if t == nil || t.Status == TaskCompleted || t.Status == TaskFailed {
		o.mu.Unlock()
		return
	}
	errText, _ := msg.Payload["error"].(string)
	o.releaseAgentLocked(t.AssignedTo)
	t.Attempts++
	t.LastError = errText
	t.AssignedTo = ""

	if t.Attempts >= t.MaxRetries {
		t.Status = TaskFailed
		o.failProjectLocked(o.projects[t.ProjectID])
		o.mu.Unlock()
		o.log.Error("task failed permanently", "task", taskID, "attempts", t.Attempts, "error", errText)
		return
	}

	if t.Priority > 1 {
		t.Priority--
	}
	t.Status = TaskPending
	o.enqueueLocked(t)
	o.mu.Unlock()

	o.log.Warn("task retrying", "task", taskID, "attempt", t.Attempts, "error", errText)
	o.Kick()
}

func dependsOn(t *Task, dep string) bool {
	return containsString(t.DependsOn, dep)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// releaseAgentLocked retires one assignment from the agent's in-flight count.
func (o *Orchestrator) releaseAgentLocked(agentID string) {
	if agentID == "" {
		return
	}
	if n := o.inFlight[agentID]; n > 1 {
		o.inFlight[agentID] = n - 1
	} else {
		delete(o.inFlight, agentID)
	}
}

func (o *Orchestrator) finishIfDoneLocked(p *Project) {
	if p.Status != ProjectInProgress {
		return
	}
	for _, t := range p.Tasks {
		if t.Status != TaskCompleted {
			return
		}
	}
	p.Status = ProjectCompleted
	p.CompletedAt = time.Now()
	close(p.done)
	o.log.Info("project completed", "project", p.ID, "name", p.Name)
}

func (o *Orchestrator) failProjectLocked(p *Project) {
	if p.Status == ProjectCompleted || p.Status == ProjectFailed {
		return
	}
	p.Status = ProjectFailed
	p.CompletedAt = time.Now()
	close(p.done)
}

// Wait blocks until the project reaches a terminal state or the context is
// done, then returns the final report.
func (o *Orchestrator) Wait(ctx context.Context, projectID string) (ProjectReport, error) {
	o.mu.Lock()
	p, ok := o.projects[projectID]
	o.mu.Unlock()
	if !ok {
		return ProjectReport{}, ErrProjectNotFound
	}

	select {
	case <-ctx.Done():
		return ProjectReport{}, ctx.Err()
	case <-p.done:
	}
	return o.Project(projectID)
}

// Project returns a snapshot report for one project.
func (o *Orchestrator) Project(projectID string) (ProjectReport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.projects[projectID]
	if !ok {
		return ProjectReport{}, ErrProjectNotFound
	}
	return o.reportLocked(p), nil
}

// Projects returns snapshot reports for every project.
func (o *Orchestrator) Projects() []ProjectReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ProjectReport, 0, len(o.projects))
	for _, p := range o.projects {
		out = append(out, o.reportLocked(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (o *Orchestrator) reportLocked(p *Project) ProjectReport {
	r := ProjectReport{
		ID:         p.ID,
		Name:       p.Name,
		Status:     p.Status,
		TotalTasks: len(p.Tasks),
	}
	var sum float64
	r.Tasks = make([]TaskReport, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		progress := taskProgress(t)
		sum += progress
		switch t.Status {
		case TaskCompleted:
			r.CompletedTasks++
		case TaskFailed:
			r.FailedTasks++
		}
		r.Tasks = append(r.Tasks, TaskReport{
			ID:         t.ID,
			Name:       t.Name,
			Type:       t.Type,
			Status:     t.Status,
			AssignedTo: t.AssignedTo,
			Attempts:   t.Attempts,
			Progress:   progress,
			LastError:  t.LastError,
		})
	}
	sort.Slice(r.Tasks, func(i, j int) bool { return r.Tasks[i].ID < r.Tasks[j].ID })
	if len(p.Tasks) > 0 {
		r.Progress = sum / float64(len(p.Tasks))
	}
	return r
}

// taskProgress estimates completion percent. An in-progress task reports
// elapsed over estimate, capped at 90 until the agent confirms completion.
func taskProgress(t *Task) float64 {
	switch t.Status {
	case TaskCompleted:
		return 100
	case TaskInProgress:
		if t.EstimatedSecs <= 0 {
			return 50
		}
		pct := time.Since(t.StartedAt).Seconds() / t.EstimatedSecs * 100
		if pct > 90 {
			pct = 90
		}
		return pct
	default:
		return 0
	}
}
