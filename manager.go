package foreman

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/buildmath/foreman/bus"
)

// AgentHealth is the manager's view of an agent, derived from heartbeat
// recency and the status the agent last reported.
type AgentHealth string

const (
	HealthHealthy      AgentHealth = "healthy"
	HealthDegraded     AgentHealth = "degraded"
	HealthUnhealthy    AgentHealth = "unhealthy"
	HealthUnresponsive AgentHealth = "unresponsive"
	HealthFailed       AgentHealth = "failed"
)

// AgentView is a point-in-time snapshot of a managed agent.
type AgentView struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Status          AgentStatus  `json:"status"`
	Health          AgentHealth  `json:"health"`
	QueueSize       int          `json:"queue_size"`
	Metrics         AgentMetrics `json:"metrics"`
	LastSeen        time.Time    `json:"last_seen"`
	RestartAttempts int          `json:"restart_attempts"`
}

// FailedAgent records an agent the manager has given up on.
type FailedAgent struct {
	AgentID  string    `json:"agent_id"`
	Name     string    `json:"name"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
	Attempts int       `json:"attempts"`
}

type agentRecord struct {
	agent       *Agent
	health      AgentHealth
	lastSeen    time.Time
	lastStatus  AgentStatus
	attempts    int
	lastRestart time.Time
}

// Manager supervises a set of agents: it registers them on the bus, tracks
// their heartbeats, and restarts the ones that go unresponsive or report an
// error state. Restarts are
// rate limited by a cooldown and capped; an agent past the cap is marked
// failed and left stopped.
type Manager struct {
	cfg ManagerConfig
	b   *bus.Bus
	log *slog.Logger

	mu     sync.Mutex
	agents map[string]*agentRecord
	failed map[string]FailedAgent

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	sub     *bus.Subscription
	errSub  *bus.Subscription
}

// NewManager creates a manager bound to a bus. Zero config fields fall back
// to defaults.
func NewManager(b *bus.Bus, cfg ManagerConfig) *Manager {
	defaults := DefaultConfig().Manager
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaults.CheckInterval
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = defaults.DegradedAfter
	}
	if cfg.UnresponsiveAfter <= 0 {
		cfg.UnresponsiveAfter = defaults.UnresponsiveAfter
	}
	if cfg.RestartCooldown <= 0 {
		cfg.RestartCooldown = defaults.RestartCooldown
	}
	if cfg.RestartPause <= 0 {
		cfg.RestartPause = defaults.RestartPause
	}
	if cfg.MaxRestartAttempts <= 0 {
		cfg.MaxRestartAttempts = defaults.MaxRestartAttempts
	}
	return &Manager{
		cfg:    cfg,
		b:      b,
		log:    slog.Default().With("component", "manager"),
		agents: make(map[string]*agentRecord),
		failed: make(map[string]FailedAgent),
	}
}

// Register attaches the agent to the bus, installs its direct route, and
// starts it.
func (m *Manager) Register(a *Agent) error {
	m.mu.Lock()
	if _, ok := m.agents[a.ID]; ok {
		m.mu.Unlock()
		return &AgentError{AgentID: a.ID, Name: a.Name, Err: ErrAgentExists}
	}
	m.agents[a.ID] = &agentRecord{
		agent:      a,
		health:     HealthHealthy,
		lastSeen:   time.Now(),
		lastStatus: StatusIdle,
	}
	m.mu.Unlock()

	a.AttachBus(m.b)
	m.b.RegisterAgent(a.ID, a.Receive)

	if err := a.Start(); err != nil {
		m.b.UnregisterAgent(a.ID)
		m.mu.Lock()
		delete(m.agents, a.ID)
		m.mu.Unlock()
		return err
	}
	m.log.Info("agent registered", "agent", a.ID, "name", a.Name)
	return nil
}

// Deregister stops the agent and removes it from the bus and the manager.
func (m *Manager) Deregister(agentID string) error {
	m.mu.Lock()
	rec, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return &AgentError{AgentID: agentID, Err: ErrAgentNotFound}
	}
	delete(m.agents, agentID)
	m.mu.Unlock()

	m.b.UnregisterAgent(agentID)
	rec.agent.Stop()
	m.log.Info("agent deregistered", "agent", agentID)
	return nil
}

// Agent returns a managed agent by id.
func (m *Manager) Agent(agentID string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return nil, &AgentError{AgentID: agentID, Err: ErrAgentNotFound}
	}
	return rec.agent, nil
}

// Agents returns the managed agents, sorted by id for stable iteration.
func (m *Manager) Agents() []*Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Agent, 0, len(m.agents))
	for _, rec := range m.agents {
		out = append(out, rec.agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start launches the health monitor and subscribes to status broadcasts.
func (m *Manager) Start() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return ErrAgentRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	m.sub = m.b.Subscribe(bus.TypeStatusUpdate, m.onStatus)
	m.errSub = m.b.Subscribe(bus.TypeErrorReport, m.onErrorReport)

	go m.monitor(ctx)
	m.log.Info("manager started",
		"check_interval", m.cfg.CheckInterval,
		"max_restart_attempts", m.cfg.MaxRestartAttempts)
	return nil
}

// Stop halts monitoring and stops every managed agent.
func (m *Manager) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	<-m.done
	if m.sub != nil {
		m.sub.Unsubscribe()
		m.sub = nil
	}
	if m.errSub != nil {
		m.errSub.Unsubscribe()
		m.errSub = nil
	}
	m.runMu.Unlock()

	for _, a := range m.Agents() {
		a.Stop()
	}
	m.log.Info("manager stopped")
}

// onStatus records a heartbeat and the reported status for the sending agent.
func (m *Manager) onStatus(msg bus.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[msg.SenderID]
	if !ok {
		return nil
	}
	rec.lastSeen = time.Now()
	if s, ok := msg.Payload["status"].(string); ok && s != "" {
		rec.lastStatus = AgentStatus(s)
	}
	return nil
}

// onErrorReport flags the sending agent so the next health pass classifies it
// unhealthy even while its heartbeats keep arriving.
func (m *Manager) onErrorReport(msg bus.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.agents[msg.SenderID]; ok {
		rec.lastStatus = StatusError
	}
	return nil
}

func (m *Manager) monitor(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

// checkHealth classifies each agent by heartbeat recency and reported status,
// then restarts the unresponsive and unhealthy ones. Restart attempts reset
// only once an agent is observed healthy again, so a flapping agent cannot
// dodge the cap.
func (m *Manager) checkHealth() {
	now := time.Now()

	type restartTarget struct {
		rec *agentRecord
		id  string
	}
	var restarts []restartTarget

	m.mu.Lock()
	for id, rec := range m.agents {
		if rec.health == HealthFailed {
			continue
		}
		elapsed := now.Sub(rec.lastSeen)
		switch {
		case elapsed > m.cfg.UnresponsiveAfter:
			if rec.health != HealthUnresponsive {
				m.log.Error("agent unresponsive", "agent", id, "silent_for", elapsed)
			}
			rec.health = HealthUnresponsive
			restarts = append(restarts, restartTarget{rec: rec, id: id})
		case rec.lastStatus == StatusError:
			if rec.health != HealthUnhealthy {
				m.log.Warn("agent unhealthy", "agent", id, "status", rec.lastStatus)
			}
			rec.health = HealthUnhealthy
			restarts = append(restarts, restartTarget{rec: rec, id: id})
		case elapsed > m.cfg.DegradedAfter:
			if rec.health != HealthDegraded {
				m.log.Warn("agent degraded", "agent", id, "silent_for", elapsed)
			}
			rec.health = HealthDegraded
		default:
			if rec.health != HealthHealthy {
				m.log.Info("agent recovered", "agent", id)
			}
			rec.health = HealthHealthy
			rec.attempts = 0
		}
	}
	m.mu.Unlock()

	for _, t := range restarts {
		m.tryRestart(t.id, t.rec)
	}
}

// tryRestart applies the cooldown and the attempt cap, then performs a
// stop-pause-start cycle.
func (m *Manager) tryRestart(id string, rec *agentRecord) {
	m.mu.Lock()
	if !rec.lastRestart.IsZero() && time.Since(rec.lastRestart) < m.cfg.RestartCooldown {
		m.mu.Unlock()
		m.log.Info("restart skipped, in cooldown", "agent", id)
		return
	}
	if rec.attempts >= m.cfg.MaxRestartAttempts {
		m.markFailedLocked(id, rec, fmt.Sprintf("not recovered after %d restart attempts", rec.attempts))
		m.mu.Unlock()
		rec.agent.Stop()
		return
	}
	rec.attempts++
	rec.lastRestart = time.Now()
	attempt := rec.attempts
	a := rec.agent
	m.mu.Unlock()

	m.log.Warn("restarting agent", "agent", id, "attempt", attempt)
	a.Stop()
	time.Sleep(m.cfg.RestartPause)

	if err := a.Start(); err != nil {
		m.log.Error("agent restart failed", "agent", id, "attempt", attempt, "error", err)
		m.mu.Lock()
		if attempt >= m.cfg.MaxRestartAttempts {
			m.markFailedLocked(id, rec, fmt.Sprintf("restart failed after %d attempts: %v", attempt, err))
		}
		m.mu.Unlock()
		return
	}

	// Fresh grace period so the next check does not immediately re-trigger.
	m.mu.Lock()
	rec.lastSeen = time.Now()
	rec.lastStatus = StatusIdle
	m.mu.Unlock()
	m.log.Info("agent restarted", "agent", id, "attempt", attempt)
}

// Restart forces a stop-pause-start cycle on the named agent regardless of
// cooldown or attempt state and reports whether it came back up. A failed
// agent that recovers is cleared from the failed ledger.
func (m *Manager) Restart(agentID string) bool {
	m.mu.Lock()
	rec, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	a := rec.agent
	rec.lastRestart = time.Now()
	m.mu.Unlock()

	a.Stop()
	time.Sleep(m.cfg.RestartPause)
	if err := a.Start(); err != nil {
		m.log.Error("requested restart failed", "agent", agentID, "error", err)
		return false
	}

	m.mu.Lock()
	rec.health = HealthHealthy
	rec.lastSeen = time.Now()
	rec.lastStatus = StatusIdle
	rec.attempts = 0
	delete(m.failed, agentID)
	m.mu.Unlock()
	m.log.Info("agent restarted on request", "agent", agentID)
	return true
}

// healthOf returns the manager's current classification for one agent.
func (m *Manager) healthOf(agentID string) (AgentHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return "", false
	}
	return rec.health, true
}

// markFailedLocked moves the agent to the failed ledger. Caller holds m.mu.
func (m *Manager) markFailedLocked(id string, rec *agentRecord, reason string) {
	if rec.health == HealthFailed {
		return
	}
	rec.health = HealthFailed
	m.failed[id] = FailedAgent{
		AgentID:  id,
		Name:     rec.agent.Name,
		Reason:   reason,
		FailedAt: time.Now(),
		Attempts: rec.attempts,
	}
	m.log.Error("agent marked failed", "agent", id, "reason", reason)
}

// FailedAgents returns the agents the manager has given up on, ordered by
// failure time.
func (m *Manager) FailedAgents() []FailedAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FailedAgent, 0, len(m.failed))
	for _, f := range m.failed {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return out
}

// Views returns a snapshot of every managed agent, sorted by id.
func (m *Manager) Views() []AgentView {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AgentView, 0, len(m.agents))
	for id, rec := range m.agents {
		out = append(out, AgentView{
			ID:              id,
			Name:            rec.agent.Name,
			Status:          rec.agent.Status(),
			Health:          rec.health,
			QueueSize:       rec.agent.QueueSize(),
			Metrics:         rec.agent.Metrics(),
			LastSeen:        rec.lastSeen,
			RestartAttempts: rec.attempts,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
