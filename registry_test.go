package foreman

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Manager.CheckInterval = time.Hour
	cfg.Orchestrator.ScheduleInterval = 20 * time.Millisecond
	reg, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	if err := reg.Start(); err != nil {
		t.Fatalf("start registry: %v", err)
	}
	t.Cleanup(reg.Close)
	return reg
}

func TestRegistrySpawnUnknownFactory(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.Spawn("ghost"); !errors.Is(err, ErrFactoryNotFound) {
		t.Errorf("Spawn unknown type = %v, want ErrFactoryNotFound", err)
	}
}

func TestRegistrySpawnFromFactory(t *testing.T) {
	reg := newTestRegistry(t)
	reg.RegisterFactory("echo", func() (*Agent, error) {
		return NewAgent("", "echo", testCaps("calc"), echoWorker(),
			WithHeartbeatInterval(time.Hour)), nil
	})

	a, err := reg.Spawn("echo")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !a.Running() {
		t.Error("spawned agent not running")
	}
	if got := len(reg.FindByType("echo")); got != 1 {
		t.Errorf("FindByType(echo) = %d agents, want 1", got)
	}
}

func TestRegistryIndices(t *testing.T) {
	reg := newTestRegistry(t)

	a := NewAgent("idx-1", "indexed", testCaps("joist_calculation", "load_calculation"),
		echoWorker(), WithHeartbeatInterval(time.Hour))
	if err := reg.RegisterAgent("joist", a); err != nil {
		t.Fatalf("register: %v", err)
	}

	for _, cap := range []string{"joist_calculation", "load_calculation"} {
		found := reg.FindByCapability(cap)
		if len(found) != 1 || found[0].ID != "idx-1" {
			t.Errorf("FindByCapability(%s) = %v, want [idx-1]", cap, found)
		}
	}
	if got := reg.FindByCapability("plumbing"); len(got) != 0 {
		t.Errorf("FindByCapability(plumbing) = %d agents, want 0", len(got))
	}

	regs := reg.Registrations()
	if len(regs) != 1 || regs[0].AgentType != "joist" {
		t.Errorf("Registrations() = %v, want one joist entry", regs)
	}

	if err := reg.DeregisterAgent("idx-1"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if got := len(reg.FindByCapability("joist_calculation")); got != 0 {
		t.Errorf("capability index kept deregistered agent, %d entries", got)
	}
	if got := len(reg.FindByType("joist")); got != 0 {
		t.Errorf("type index kept deregistered agent, %d entries", got)
	}
}

func TestRegistryHealthRollup(t *testing.T) {
	reg := newTestRegistry(t)

	h := reg.Health()
	if h.Status != "idle" {
		t.Errorf("empty system status = %s, want idle", h.Status)
	}

	a := NewAgent("h-1", "healthy", testCaps("calc"), echoWorker(),
		WithHeartbeatInterval(time.Hour))
	if err := reg.RegisterAgent("calc", a); err != nil {
		t.Fatalf("register: %v", err)
	}

	h = reg.Health()
	if h.Status != "healthy" {
		t.Errorf("system status = %s, want healthy", h.Status)
	}
	if h.Agents != 1 || h.Healthy != 1 {
		t.Errorf("rollup = %+v, want 1 healthy agent", h)
	}
}

func TestRegistryMatchAgentsForTask(t *testing.T) {
	reg := newTestRegistry(t)

	a1 := NewAgent("m-1", "calc-only", testCaps("calc"), echoWorker(),
		WithHeartbeatInterval(time.Hour))
	a2 := NewAgent("m-2", "calc-review", testCaps("calc", "review"), echoWorker(),
		WithHeartbeatInterval(time.Hour))
	for _, a := range []*Agent{a1, a2} {
		if err := reg.RegisterAgent("calc", a); err != nil {
			t.Fatalf("register %s: %v", a.ID, err)
		}
	}

	if got := reg.MatchAgentsForTask(nil); got != nil {
		t.Errorf("MatchAgentsForTask(nil) = %v, want nil", got)
	}
	if got := len(reg.MatchAgentsForTask([]string{"calc"})); got != 2 {
		t.Errorf("match on calc = %d agents, want 2", got)
	}
	both := reg.MatchAgentsForTask([]string{"calc", "review"})
	if len(both) != 1 || both[0].ID != "m-2" {
		t.Errorf("match on calc+review = %v, want [m-2]", both)
	}

	// Agents the manager considers unwell are not offered.
	reg.Manager().mu.Lock()
	reg.Manager().agents["m-2"].health = HealthUnresponsive
	reg.Manager().mu.Unlock()
	if got := len(reg.MatchAgentsForTask([]string{"calc", "review"})); got != 0 {
		t.Errorf("match including unresponsive agent = %d agents, want 0", got)
	}
}

func TestRegistryRestartAgent(t *testing.T) {
	reg := newTestRegistry(t)

	if reg.RestartAgent("ghost") {
		t.Error("RestartAgent(ghost) = true, want false")
	}

	a := NewAgent("r-1", "restartable", testCaps("calc"), echoWorker(),
		WithHeartbeatInterval(time.Hour))
	if err := reg.RegisterAgent("calc", a); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !reg.RestartAgent("r-1") {
		t.Error("RestartAgent(r-1) = false, want true")
	}
	if !a.Running() {
		t.Error("agent not running after restart")
	}
}

func TestRegistrySubmitProjectRunsImmediately(t *testing.T) {
	reg := newTestRegistry(t)

	a := NewAgent("s-1", "runner", testCaps("calc"), echoWorker(),
		WithHeartbeatInterval(time.Hour))
	if err := reg.RegisterAgent("calc", a); err != nil {
		t.Fatalf("register: %v", err)
	}

	p, err := reg.SubmitProject("direct", []TaskSpec{{ID: "a", Type: "calc"}})
	if err != nil {
		t.Fatalf("submit project: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	report, err := reg.Orchestrator().Wait(ctx, p.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if report.Status != ProjectCompleted {
		t.Errorf("project status = %s, want completed", report.Status)
	}
}

func TestRegistryKicksSchedulerOnRegistration(t *testing.T) {
	reg := newTestRegistry(t)
	orch := reg.Orchestrator()

	p, err := orch.CreateProject("pending-work", []TaskSpec{{ID: "a", Type: "calc"}})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := orch.StartProject(p.ID); err != nil {
		t.Fatalf("start project: %v", err)
	}

	// Park the task, then let registration wake it.
	time.Sleep(150 * time.Millisecond)
	a := NewAgent("late-1", "late", testCaps("calc"), echoWorker(),
		WithHeartbeatInterval(time.Hour))
	if err := reg.RegisterAgent("calc", a); err != nil {
		t.Fatalf("register: %v", err)
	}

	waitProject(t, orch, p.ID, ProjectCompleted)
}
