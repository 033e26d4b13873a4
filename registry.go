package foreman

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/buildmath/foreman/bus"
)

// AgentFactory builds a fresh agent of some type. Factories let callers
// spawn agents by name without knowing their capability sets or workers.
type AgentFactory func() (*Agent, error)

// Registration records when and as what type an agent joined the registry.
type Registration struct {
	AgentID      string    `json:"agent_id"`
	AgentType    string    `json:"agent_type"`
	RegisteredAt time.Time `json:"registered_at"`
}

// SystemHealth is a rollup of agent health and bus throughput.
type SystemHealth struct {
	Status       string        `json:"status"`
	Agents       int           `json:"agents"`
	Healthy      int           `json:"healthy"`
	Degraded     int           `json:"degraded"`
	Unhealthy    int           `json:"unhealthy"`
	Unresponsive int           `json:"unresponsive"`
	Failed       int           `json:"failed"`
	FailedAgents []FailedAgent `json:"failed_agents,omitempty"`
	Bus          bus.Metrics   `json:"bus"`
}

// Registry is the composition root: it owns the bus, the agent manager, and
// the orchestrator, and keeps capability and type indices over the agents it
// registers. Construct one per system; there is no package-level instance.
type Registry struct {
	cfg  Config
	b    *bus.Bus
	mgr  *Manager
	orch *Orchestrator
	log  *slog.Logger

	mu            sync.Mutex
	factories     map[string]AgentFactory
	byType        map[string]map[string]bool
	byCapability  map[string]map[string]bool
	registrations map[string]Registration
}

// NewRegistry builds the full system from config: an embedded bus, a manager
// supervising agents, and an orchestrator scheduling over them.
func NewRegistry(cfg Config) (*Registry, error) {
	b, err := bus.New(cfg.Bus)
	if err != nil {
		return nil, err
	}
	mgr := NewManager(b, cfg.Manager)
	orch := NewOrchestrator(b, mgr, cfg.Orchestrator)
	return &Registry{
		cfg:           cfg,
		b:             b,
		mgr:           mgr,
		orch:          orch,
		log:           slog.Default().With("component", "registry"),
		factories:     make(map[string]AgentFactory),
		byType:        make(map[string]map[string]bool),
		byCapability:  make(map[string]map[string]bool),
		registrations: make(map[string]Registration),
	}, nil
}

// Bus returns the shared message bus.
func (r *Registry) Bus() *bus.Bus { return r.b }

// Manager returns the agent manager.
func (r *Registry) Manager() *Manager { return r.mgr }

// Orchestrator returns the project orchestrator.
func (r *Registry) Orchestrator() *Orchestrator { return r.orch }

// Start brings the manager and the orchestrator online.
func (r *Registry) Start() error {
	if err := r.mgr.Start(); err != nil {
		return err
	}
	if err := r.orch.Start(); err != nil {
		r.mgr.Stop()
		return err
	}
	r.log.Info("registry started")
	return nil
}

// Close shuts the system down: orchestrator first so no new work dispatches,
// then agents, then the bus.
func (r *Registry) Close() {
	r.orch.Stop()
	r.mgr.Stop()
	r.b.Close()
	r.log.Info("registry closed")
}

// RegisterFactory installs a factory under an agent type name.
func (r *Registry) RegisterFactory(agentType string, f AgentFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[agentType] = f
}

// Spawn builds an agent from the named factory and registers it.
func (r *Registry) Spawn(agentType string) (*Agent, error) {
	r.mu.Lock()
	f, ok := r.factories[agentType]
	r.mu.Unlock()
	if !ok {
		return nil, &AgentError{Name: agentType, Err: ErrFactoryNotFound}
	}
	a, err := f()
	if err != nil {
		return nil, err
	}
	if err := r.RegisterAgent(agentType, a); err != nil {
		return nil, err
	}
	return a, nil
}

// RegisterAgent hands the agent to the manager, indexes it, and kicks the
// scheduler so waiting tasks see the new capacity.
func (r *Registry) RegisterAgent(agentType string, a *Agent) error {
	if err := r.mgr.Register(a); err != nil {
		return err
	}

	r.mu.Lock()
	if r.byType[agentType] == nil {
		r.byType[agentType] = make(map[string]bool)
	}
	r.byType[agentType][a.ID] = true
	for _, c := range a.Capabilities() {
		if r.byCapability[c.Name] == nil {
			r.byCapability[c.Name] = make(map[string]bool)
		}
		r.byCapability[c.Name][a.ID] = true
	}
	r.registrations[a.ID] = Registration{
		AgentID:      a.ID,
		AgentType:    agentType,
		RegisteredAt: time.Now(),
	}
	r.mu.Unlock()

	r.orch.Kick()
	return nil
}

// DeregisterAgent stops the agent and removes it from all indices.
func (r *Registry) DeregisterAgent(agentID string) error {
	if err := r.mgr.Deregister(agentID); err != nil {
		return err
	}

	r.mu.Lock()
	reg := r.registrations[agentID]
	delete(r.registrations, agentID)
	if ids := r.byType[reg.AgentType]; ids != nil {
		delete(ids, agentID)
	}
	for _, ids := range r.byCapability {
		delete(ids, agentID)
	}
	r.mu.Unlock()
	return nil
}

// FindByCapability returns registered agents declaring the capability,
// sorted by id.
func (r *Registry) FindByCapability(name string) []*Agent {
	r.mu.Lock()
	ids := make([]string, 0, len(r.byCapability[name]))
	for id := range r.byCapability[name] {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	return r.resolve(ids)
}

// RestartAgent forces a restart of the named agent, reporting whether it came
// back up. A failed agent that recovers is cleared from the failed ledger.
func (r *Registry) RestartAgent(agentID string) bool {
	return r.mgr.Restart(agentID)
}

// MatchAgentsForTask returns the currently healthy agents declaring every
// listed capability, sorted by id.
func (r *Registry) MatchAgentsForTask(required []string) []*Agent {
	if len(required) == 0 {
		return nil
	}

	r.mu.Lock()
	var ids []string
	for id := range r.byCapability[required[0]] {
		qualified := true
		for _, name := range required[1:] {
			if !r.byCapability[name][id] {
				qualified = false
				break
			}
		}
		if qualified {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	out := make([]*Agent, 0, len(ids))
	for _, a := range r.resolve(ids) {
		if h, ok := r.mgr.healthOf(a.ID); ok && h == HealthHealthy {
			out = append(out, a)
		}
	}
	return out
}

// SubmitProject validates and stores a project, then starts it immediately.
func (r *Registry) SubmitProject(name string, specs []TaskSpec) (*Project, error) {
	p, err := r.orch.CreateProject(name, specs)
	if err != nil {
		return nil, err
	}
	if err := r.orch.StartProject(p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

// FindByType returns registered agents of the given type, sorted by id.
func (r *Registry) FindByType(agentType string) []*Agent {
	r.mu.Lock()
	ids := make([]string, 0, len(r.byType[agentType]))
	for id := range r.byType[agentType] {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	return r.resolve(ids)
}

func (r *Registry) resolve(ids []string) []*Agent {
	sort.Strings(ids)
	out := make([]*Agent, 0, len(ids))
	for _, id := range ids {
		if a, err := r.mgr.Agent(id); err == nil {
			out = append(out, a)
		}
	}
	return out
}

// Registrations returns all registration records, oldest first.
func (r *Registry) Registrations() []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Registration, 0, len(r.registrations))
	for _, reg := range r.registrations {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out
}

// Health rolls agent health and bus metrics into one system view. Any failed
// agent, or unresponsive agents in the majority, makes the system critical;
// any other non-healthy agent makes it degraded.
func (r *Registry) Health() SystemHealth {
	h := SystemHealth{Bus: r.b.Stats()}
	for _, v := range r.mgr.Views() {
		h.Agents++
		switch v.Health {
		case HealthHealthy:
			h.Healthy++
		case HealthDegraded:
			h.Degraded++
		case HealthUnhealthy:
			h.Unhealthy++
		case HealthUnresponsive:
			h.Unresponsive++
		case HealthFailed:
			h.Failed++
		}
	}
	h.FailedAgents = r.mgr.FailedAgents()

	switch {
	case h.Agents == 0:
		h.Status = "idle"
	case h.Failed > 0 || h.Unresponsive*2 > h.Agents:
		h.Status = "critical"
	case h.Degraded > 0 || h.Unhealthy > 0 || h.Unresponsive > 0:
		h.Status = "degraded"
	default:
		h.Status = "healthy"
	}
	return h
}
