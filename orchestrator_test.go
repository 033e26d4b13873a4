package foreman

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/buildmath/foreman/bus"
)

// newTestSystem wires a bus, a manager with monitoring effectively off, and
// an orchestrator with a fast schedule tick.
func newTestSystem(t *testing.T) (*bus.Bus, *Manager, *Orchestrator) {
	t.Helper()
	b := newTestBus(t)
	mgr := NewManager(b, ManagerConfig{CheckInterval: time.Hour})
	if err := mgr.Start(); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(mgr.Stop)

	orch := NewOrchestrator(b, mgr, OrchestratorConfig{
		ScheduleInterval: 20 * time.Millisecond,
		MaxDeferrals:     3,
	})
	if err := orch.Start(); err != nil {
		t.Fatalf("start orchestrator: %v", err)
	}
	t.Cleanup(orch.Stop)
	return b, mgr, orch
}

func registerWorkerAgent(t *testing.T, mgr *Manager, id string, caps []bus.Capability, w Worker) *Agent {
	t.Helper()
	a := NewAgent(id, id, caps, w, WithHeartbeatInterval(time.Hour))
	if err := mgr.Register(a); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return a
}

func waitProject(t *testing.T, orch *Orchestrator, projectID string, want ProjectStatus) ProjectReport {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		report, err := orch.Project(projectID)
		if err != nil {
			t.Fatalf("project report: %v", err)
		}
		if report.Status == want {
			return report
		}
		time.Sleep(10 * time.Millisecond)
	}
	report, _ := orch.Project(projectID)
	t.Fatalf("project %s stuck in %s, want %s", projectID, report.Status, want)
	return ProjectReport{}
}

func TestCreateProjectRejectsDanglingDependency(t *testing.T) {
	_, _, orch := newTestSystem(t)

	_, err := orch.CreateProject("bad", []TaskSpec{
		{ID: "a", Type: "calc", DependsOn: []string{"missing"}},
	})
	if !errors.Is(err, ErrDanglingDependency) {
		t.Errorf("CreateProject with dangling dep = %v, want ErrDanglingDependency", err)
	}
}

func TestCreateProjectRejectsCycle(t *testing.T) {
	_, _, orch := newTestSystem(t)

	_, err := orch.CreateProject("cyclic", []TaskSpec{
		{ID: "a", Type: "calc", DependsOn: []string{"b"}},
		{ID: "b", Type: "calc", DependsOn: []string{"a"}},
	})
	if !errors.Is(err, ErrDependencyCycle) {
		t.Errorf("CreateProject with cycle = %v, want ErrDependencyCycle", err)
	}
}

func TestStartProjectStateChecks(t *testing.T) {
	_, mgr, orch := newTestSystem(t)
	registerWorkerAgent(t, mgr, "w1", testCaps("calc"), echoWorker())

	if err := orch.StartProject("nope"); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("StartProject unknown = %v, want ErrProjectNotFound", err)
	}

	p, err := orch.CreateProject("twice", []TaskSpec{{ID: "a", Type: "calc"}})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := orch.StartProject(p.ID); err != nil {
		t.Fatalf("start project: %v", err)
	}
	if err := orch.StartProject(p.ID); !errors.Is(err, ErrProjectNotPending) {
		t.Errorf("second StartProject = %v, want ErrProjectNotPending", err)
	}
}

func TestProjectCompletesTwoTasks(t *testing.T) {
	_, mgr, orch := newTestSystem(t)
	registerWorkerAgent(t, mgr, "w1", testCaps("calc"), echoWorker())

	p, err := orch.CreateProject("pair", []TaskSpec{
		{ID: "a", Name: "first", Type: "calc"},
		{ID: "b", Name: "second", Type: "calc"},
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := orch.StartProject(p.ID); err != nil {
		t.Fatalf("start project: %v", err)
	}

	report := waitProject(t, orch, p.ID, ProjectCompleted)
	if report.CompletedTasks != 2 {
		t.Errorf("completed tasks = %d, want 2", report.CompletedTasks)
	}
	if report.Progress != 100 {
		t.Errorf("progress = %v, want 100", report.Progress)
	}
}

func TestProjectDependencyOrdering(t *testing.T) {
	_, mgr, orch := newTestSystem(t)

	var mu sync.Mutex
	var order []string
	worker := WorkerFunc(func(_ context.Context, payload map[string]any) (map[string]any, error) {
		id, _ := payload["task_id"].(string)
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
		return map[string]any{"done": id}, nil
	})
	registerWorkerAgent(t, mgr, "w1", testCaps("calc"), worker)

	p, err := orch.CreateProject("chain", []TaskSpec{
		{ID: "c", Type: "calc", DependsOn: []string{"b"}},
		{ID: "b", Type: "calc", DependsOn: []string{"a"}},
		{ID: "a", Type: "calc"},
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := orch.StartProject(p.ID); err != nil {
		t.Fatalf("start project: %v", err)
	}
	waitProject(t, orch, p.ID, ProjectCompleted)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("executed %d tasks, want %d: %v", len(order), len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}
}

func TestDependentSeesUpstreamResult(t *testing.T) {
	_, mgr, orch := newTestSystem(t)

	got := make(chan any, 1)
	worker := WorkerFunc(func(_ context.Context, payload map[string]any) (map[string]any, error) {
		if payload["task_id"] == "down" {
			deps, _ := payload["dependencies"].(map[string]any)
			got <- deps["up"]
		}
		return map[string]any{"value": "v1"}, nil
	})
	registerWorkerAgent(t, mgr, "w1", testCaps("calc"), worker)

	p, err := orch.CreateProject("results", []TaskSpec{
		{ID: "up", Type: "calc"},
		{ID: "down", Type: "calc", DependsOn: []string{"up"}},
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := orch.StartProject(p.ID); err != nil {
		t.Fatalf("start project: %v", err)
	}
	waitProject(t, orch, p.ID, ProjectCompleted)

	select {
	case dep := <-got:
		m, ok := dep.(map[string]any)
		if !ok || m["value"] != "v1" {
			t.Errorf("downstream saw dependency result %v, want map with value v1", dep)
		}
	case <-time.After(time.Second):
		t.Fatal("downstream task never reported its dependency view")
	}
}

func TestTaskRetryBudget(t *testing.T) {
	_, mgr, orch := newTestSystem(t)

	var mu sync.Mutex
	attempts := 0
	worker := WorkerFunc(func(_ context.Context, _ map[string]any) (map[string]any, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, fmt.Errorf("boom")
	})
	registerWorkerAgent(t, mgr, "w1", testCaps("calc"), worker)

	p, err := orch.CreateProject("doomed", []TaskSpec{
		{ID: "a", Type: "calc", MaxRetries: 3},
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := orch.StartProject(p.ID); err != nil {
		t.Fatalf("start project: %v", err)
	}

	report := waitProject(t, orch, p.ID, ProjectFailed)
	if report.FailedTasks != 1 {
		t.Errorf("failed tasks = %d, want 1", report.FailedTasks)
	}
	if report.Tasks[0].Attempts != 3 {
		t.Errorf("task attempts = %d, want 3", report.Tasks[0].Attempts)
	}

	// No further executions after the budget is spent.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("worker executions = %d, want exactly 3", attempts)
	}
}

func TestRetrySucceedsWithinBudget(t *testing.T) {
	_, mgr, orch := newTestSystem(t)

	var mu sync.Mutex
	calls := 0
	worker := WorkerFunc(func(_ context.Context, _ map[string]any) (map[string]any, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			return nil, fmt.Errorf("transient")
		}
		return map[string]any{}, nil
	})
	registerWorkerAgent(t, mgr, "w1", testCaps("calc"), worker)

	p, err := orch.CreateProject("flaky", []TaskSpec{
		{ID: "a", Type: "calc", MaxRetries: 3},
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := orch.StartProject(p.ID); err != nil {
		t.Fatalf("start project: %v", err)
	}

	report := waitProject(t, orch, p.ID, ProjectCompleted)
	if report.Tasks[0].Attempts != 2 {
		t.Errorf("task attempts = %d, want 2 failed attempts before success", report.Tasks[0].Attempts)
	}
}

func TestTaskWithoutCapableAgentStaysPending(t *testing.T) {
	_, mgr, orch := newTestSystem(t)
	registerWorkerAgent(t, mgr, "w1", testCaps("joist_calculation"), echoWorker())

	p, err := orch.CreateProject("waiting", []TaskSpec{
		{ID: "a", Type: "plumbing_calculation"},
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := orch.StartProject(p.ID); err != nil {
		t.Fatalf("start project: %v", err)
	}

	// Give the scheduler several passes; the task must neither fail nor
	// reach the incapable agent.
	time.Sleep(150 * time.Millisecond)
	report, err := orch.Project(p.ID)
	if err != nil {
		t.Fatalf("project report: %v", err)
	}
	if report.Status != ProjectInProgress {
		t.Errorf("project status = %s, want in_progress", report.Status)
	}
	if report.Tasks[0].Status != TaskPending {
		t.Errorf("task status = %s, want pending", report.Tasks[0].Status)
	}
	if report.Tasks[0].Attempts != 0 {
		t.Errorf("task attempts = %d, want 0", report.Tasks[0].Attempts)
	}
}

func TestParkedTaskRunsWhenAgentJoins(t *testing.T) {
	_, mgr, orch := newTestSystem(t)

	p, err := orch.CreateProject("late", []TaskSpec{
		{ID: "a", Type: "calc"},
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := orch.StartProject(p.ID); err != nil {
		t.Fatalf("start project: %v", err)
	}

	// Let the task exhaust its deferrals and park.
	time.Sleep(150 * time.Millisecond)

	registerWorkerAgent(t, mgr, "w1", testCaps("calc"), echoWorker())
	orch.Kick()

	waitProject(t, orch, p.ID, ProjectCompleted)
}

func TestWaitReturnsFinalReport(t *testing.T) {
	_, mgr, orch := newTestSystem(t)
	registerWorkerAgent(t, mgr, "w1", testCaps("calc"), echoWorker())

	p, err := orch.CreateProject("awaited", []TaskSpec{{ID: "a", Type: "calc"}})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := orch.StartProject(p.ID); err != nil {
		t.Fatalf("start project: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	report, err := orch.Wait(ctx, p.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if report.Status != ProjectCompleted {
		t.Errorf("final status = %s, want completed", report.Status)
	}

	if _, err := orch.Wait(ctx, "ghost"); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("Wait unknown project = %v, want ErrProjectNotFound", err)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	_, _, orch := newTestSystem(t)

	// No agents, so the project can never finish.
	p, err := orch.CreateProject("stuck", []TaskSpec{{ID: "a", Type: "calc"}})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := orch.StartProject(p.ID); err != nil {
		t.Fatalf("start project: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := orch.Wait(ctx, p.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait on stuck project = %v, want DeadlineExceeded", err)
	}
}

func TestBusyAgentGetsNoSecondTask(t *testing.T) {
	_, mgr, orch := newTestSystem(t)

	release := make(chan struct{})
	worker := WorkerFunc(func(_ context.Context, _ map[string]any) (map[string]any, error) {
		<-release
		return map[string]any{}, nil
	})
	registerWorkerAgent(t, mgr, "w1", testCaps("calc"), worker)

	p, err := orch.CreateProject("single-file", []TaskSpec{
		{ID: "a", Type: "calc"},
		{ID: "b", Type: "calc"},
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := orch.StartProject(p.ID); err != nil {
		t.Fatalf("start project: %v", err)
	}

	inProgress := func() int {
		report, err := orch.Project(p.ID)
		if err != nil {
			t.Fatalf("project report: %v", err)
		}
		n := 0
		for _, tr := range report.Tasks {
			if tr.Status == TaskInProgress {
				n++
			}
		}
		return n
	}
	waitCond(t, func() bool { return inProgress() == 1 })

	// Several scheduling passes elapse; the second task must not reach the
	// agent while the first is still executing.
	time.Sleep(150 * time.Millisecond)
	if got := inProgress(); got != 1 {
		t.Fatalf("tasks in progress on one agent = %d, want 1", got)
	}

	close(release)
	report := waitProject(t, orch, p.ID, ProjectCompleted)
	if report.CompletedTasks != 2 {
		t.Errorf("completed tasks = %d, want 2", report.CompletedTasks)
	}
}

func TestExactCapabilityMatchPreferred(t *testing.T) {
	_, mgr, orch := newTestSystem(t)

	var mu sync.Mutex
	var executed []string
	workerFor := func(id string) Worker {
		return WorkerFunc(func(_ context.Context, _ map[string]any) (map[string]any, error) {
			mu.Lock()
			executed = append(executed, id)
			mu.Unlock()
			return map[string]any{}, nil
		})
	}
	// Sorted iteration would visit the generalist first; the specialist must
	// still win on the exact-match bonus.
	registerWorkerAgent(t, mgr, "a-generalist", testCaps("calc", "review"), workerFor("a-generalist"))
	registerWorkerAgent(t, mgr, "b-specialist", testCaps("calc"), workerFor("b-specialist"))

	p, err := orch.CreateProject("specialised", []TaskSpec{{ID: "a", Type: "calc"}})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := orch.StartProject(p.ID); err != nil {
		t.Fatalf("start project: %v", err)
	}
	waitProject(t, orch, p.ID, ProjectCompleted)

	mu.Lock()
	defer mu.Unlock()
	if len(executed) != 1 || executed[0] != "b-specialist" {
		t.Errorf("task executed by %v, want [b-specialist]", executed)
	}
}

func TestTaskRequiresMultipleCapabilities(t *testing.T) {
	_, mgr, orch := newTestSystem(t)

	var mu sync.Mutex
	var executed []string
	workerFor := func(id string) Worker {
		return WorkerFunc(func(_ context.Context, _ map[string]any) (map[string]any, error) {
			mu.Lock()
			executed = append(executed, id)
			mu.Unlock()
			return map[string]any{}, nil
		})
	}
	// Both agents accept type "calc"; only one also reviews.
	registerWorkerAgent(t, mgr, "a-calc", testCaps("calc"), workerFor("a-calc"))
	registerWorkerAgent(t, mgr, "b-both", testCaps("calc", "review"), workerFor("b-both"))

	p, err := orch.CreateProject("strict", []TaskSpec{{
		ID:                   "a",
		Type:                 "calc",
		RequiredCapabilities: []string{"calc", "review"},
	}})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := orch.StartProject(p.ID); err != nil {
		t.Fatalf("start project: %v", err)
	}
	report := waitProject(t, orch, p.ID, ProjectCompleted)

	if got := report.Tasks[0].AssignedTo; got != "b-both" {
		t.Errorf("task assigned to %s, want b-both", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(executed) != 1 || executed[0] != "b-both" {
		t.Errorf("task executed by %v, want [b-both]", executed)
	}
}

func TestUnplaceableTaskDoesNotBlockOthers(t *testing.T) {
	b := newTestBus(t)
	mgr := NewManager(b, ManagerConfig{CheckInterval: time.Hour})
	if err := mgr.Start(); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(mgr.Stop)

	// An hour-long tick leaves kicks as the only scheduling trigger, so the
	// placeable task must get through in the same pass.
	orch := NewOrchestrator(b, mgr, OrchestratorConfig{
		ScheduleInterval: time.Hour,
		MaxDeferrals:     3,
	})
	if err := orch.Start(); err != nil {
		t.Fatalf("start orchestrator: %v", err)
	}
	t.Cleanup(orch.Stop)

	registerWorkerAgent(t, mgr, "w1", testCaps("calc"), echoWorker())

	p, err := orch.CreateProject("mixed", []TaskSpec{
		{ID: "stuck", Type: "plumbing", Priority: 9},
		{ID: "runs", Type: "calc", Priority: 1},
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := orch.StartProject(p.ID); err != nil {
		t.Fatalf("start project: %v", err)
	}

	waitCond(t, func() bool {
		report, err := orch.Project(p.ID)
		if err != nil {
			t.Fatalf("project report: %v", err)
		}
		for _, tr := range report.Tasks {
			if tr.ID == "runs" {
				return tr.Status == TaskCompleted
			}
		}
		return false
	})

	report, err := orch.Project(p.ID)
	if err != nil {
		t.Fatalf("project report: %v", err)
	}
	for _, tr := range report.Tasks {
		if tr.ID == "stuck" && tr.Status != TaskPending {
			t.Errorf("unplaceable task status = %s, want pending", tr.Status)
		}
	}
}

func TestHigherPriorityDispatchesFirst(t *testing.T) {
	_, mgr, orch := newTestSystem(t)

	var mu sync.Mutex
	var order []string
	worker := WorkerFunc(func(_ context.Context, payload map[string]any) (map[string]any, error) {
		id, _ := payload["task_id"].(string)
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
		return map[string]any{}, nil
	})

	p, err := orch.CreateProject("ranked", []TaskSpec{
		{ID: "low", Type: "calc", Priority: 2},
		{ID: "high", Type: "calc", Priority: 9},
		{ID: "mid", Type: "calc", Priority: 5},
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	// Start with no agents so all three queue up, then add one.
	if err := orch.StartProject(p.ID); err != nil {
		t.Fatalf("start project: %v", err)
	}
	registerWorkerAgent(t, mgr, "w1", testCaps("calc"), worker)
	orch.Kick()

	waitProject(t, orch, p.ID, ProjectCompleted)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high", "mid", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", order, want)
		}
	}
}
