// Package bus provides the asynchronous message broker that connects the
// orchestration components. It supports type-keyed broadcast subscriptions
// and direct agent addressing on top of an embedded NATS server, and keeps a
// bounded message history with delivery confirmations for observability. The
// history is not a durability mechanism; all state is lost on shutdown.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const (
	directPrefix = "agents.direct."
	castPrefix   = "agents.cast."

	// DefaultHistoryLimit bounds the retained message history.
	DefaultHistoryLimit = 1000

	serverReadyTimeout = 5 * time.Second
)

// Handler processes a delivered message. A returned error is recorded and
// reported as an ErrorReport message; it never affects other handlers.
type Handler func(Message) error

// Config configures the broker.
type Config struct {
	// Port for the embedded NATS server. Zero or negative picks a random
	// free port, which is what tests and single-process deployments want.
	Port int `yaml:"port"`

	// HistoryLimit bounds the retained message history (default 1000).
	HistoryLimit int `yaml:"history_limit"`
}

// Metrics is a snapshot of broker counters.
type Metrics struct {
	Published         int     `json:"published"`
	Delivered         int     `json:"delivered"`
	Failed            int     `json:"failed"`
	Undeliverable     int     `json:"undeliverable"`
	AvgDeliverySecs   float64 `json:"avg_delivery_secs"`
	ActiveSubscribers int     `json:"active_subscribers"`
	RegisteredAgents  int     `json:"registered_agents"`
	HistorySize       int     `json:"history_size"`
}

// HistoryEntry is a published message plus its delivery confirmation flag.
type HistoryEntry struct {
	Message   Message `json:"message"`
	Delivered bool    `json:"delivered"`
}

// Bus is the in-process broker. Broadcast messages fan out to every
// subscriber of their type; direct messages go to exactly one registered
// agent. Publish is fire-and-forget: messages queue on the embedded server
// and a failing subscriber never blocks or poisons delivery to the others.
type Bus struct {
	server *natsserver.Server
	conn   *nats.Conn
	log    *slog.Logger

	mu          sync.RWMutex
	subscribers map[MessageType]map[uint64]Handler
	routes      map[string]Handler
	nextSubID   uint64

	histMu       sync.Mutex
	history      []HistoryEntry
	historyIdx   map[string]int
	historyLimit int

	metricsMu     sync.Mutex
	published     int
	delivered     int
	failed        int
	undeliverable int
	avgDelivery   float64
}

// Subscription is a handle for a broadcast subscription.
type Subscription struct {
	bus *Bus
	t   MessageType
	id  uint64
}

// Unsubscribe removes the handler from its type's subscriber set.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if set, ok := s.bus.subscribers[s.t]; ok {
		delete(set, s.id)
		if len(set) == 0 {
			delete(s.bus.subscribers, s.t)
		}
	}
}

// New starts an embedded NATS server, connects a client to it, and wires the
// dispatch subscriptions. The server runs in-memory only.
func New(cfg Config) (*Bus, error) {
	port := cfg.Port
	if port <= 0 {
		port = natsserver.RANDOM_PORT
	}

	ns, err := natsserver.NewServer(&natsserver.Options{
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(serverReadyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	b := &Bus{
		server:       ns,
		conn:         conn,
		log:          slog.Default().With("component", "bus"),
		subscribers:  make(map[MessageType]map[uint64]Handler),
		routes:       make(map[string]Handler),
		historyIdx:   make(map[string]int),
		historyLimit: limit,
	}

	if _, err := conn.Subscribe(directPrefix+"*", b.dispatchDirect); err != nil {
		b.Close()
		return nil, fmt.Errorf("subscribe direct: %w", err)
	}
	if _, err := conn.Subscribe(castPrefix+"*", b.dispatchCast); err != nil {
		b.Close()
		return nil, fmt.Errorf("subscribe cast: %w", err)
	}

	return b, nil
}

// Close shuts down the client connection and the embedded server. All
// history and registrations are discarded.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
	b.server.Shutdown()
	b.server.WaitForShutdown()
}

// ClientURL returns the embedded server's client URL.
func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// Publish enqueues a message for delivery and returns immediately. There is
// no backpressure: a slow consumer cannot slow a producer down, it can only
// grow the server-side queue.
func (b *Bus) Publish(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	subject := castPrefix + string(msg.Type)
	if msg.RecipientID != "" {
		subject = directPrefix + msg.RecipientID
	}

	b.record(msg)
	if err := b.conn.Publish(subject, data); err != nil {
		b.metricsMu.Lock()
		b.failed++
		b.metricsMu.Unlock()
		return fmt.Errorf("publish %s: %w", msg.Type, err)
	}

	b.metricsMu.Lock()
	b.published++
	b.metricsMu.Unlock()
	return nil
}

// Subscribe registers a handler for all broadcast messages of the given type.
func (b *Bus) Subscribe(t MessageType, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	id := b.nextSubID
	if b.subscribers[t] == nil {
		b.subscribers[t] = make(map[uint64]Handler)
	}
	b.subscribers[t][id] = h
	return &Subscription{bus: b, t: t, id: id}
}

// RegisterAgent installs the direct-addressing route for an agent.
func (b *Bus) RegisterAgent(agentID string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[agentID] = h
	b.log.Info("registered agent route", "agent", agentID)
}

// UnregisterAgent removes an agent's direct-addressing route.
func (b *Bus) UnregisterAgent(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.routes, agentID)
	b.log.Info("unregistered agent route", "agent", agentID)
}

// Flush blocks until all published messages have reached the server. Useful
// in tests to remove publish/deliver races.
func (b *Bus) Flush() error {
	return b.conn.Flush()
}

// dispatchDirect delivers a direct message to its registered recipient.
// Unknown recipients are an error: recorded, logged, never retried.
func (b *Bus) dispatchDirect(m *nats.Msg) {
	msg, ok := b.decode(m)
	if !ok {
		return
	}

	b.mu.RLock()
	h, found := b.routes[msg.RecipientID]
	b.mu.RUnlock()

	if !found {
		b.log.Warn("no route for recipient", "recipient", msg.RecipientID, "type", msg.Type)
		b.metricsMu.Lock()
		b.undeliverable++
		b.metricsMu.Unlock()
		b.confirm(msg.ID, false)
		return
	}

	start := time.Now()
	err := b.invoke(h, msg)
	b.observeDelivery(time.Since(start), err == nil)
	b.confirm(msg.ID, err == nil)
	if err != nil {
		b.reportHandlerError(msg, err)
	}
}

// dispatchCast fans a broadcast out to every subscriber of the message type.
// Each subscriber runs in its own goroutine and its failure is isolated: one
// bad handler never prevents delivery to the others.
func (b *Bus) dispatchCast(m *nats.Msg) {
	msg, ok := b.decode(m)
	if !ok {
		return
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subscribers[msg.Type]))
	for _, h := range b.subscribers[msg.Type] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	start := time.Now()
	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			if err := b.invoke(h, msg); err != nil {
				b.reportHandlerError(msg, err)
			}
		}(h)
	}
	wg.Wait()

	b.observeDelivery(time.Since(start), true)
	b.confirm(msg.ID, true)
}

// invoke runs a handler, converting panics into errors so a misbehaving
// subscriber cannot take the dispatch goroutine down.
func (b *Bus) invoke(h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(msg)
}

func (b *Bus) decode(m *nats.Msg) (Message, bool) {
	var msg Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		b.log.Error("drop undecodable message", "subject", m.Subject, "error", err)
		b.metricsMu.Lock()
		b.failed++
		b.metricsMu.Unlock()
		return Message{}, false
	}
	return msg, true
}

// reportHandlerError logs a handler failure and surfaces it on the bus as an
// ErrorReport. Failures while handling an ErrorReport are only logged, so a
// broken error subscriber cannot feed itself.
func (b *Bus) reportHandlerError(msg Message, err error) {
	b.log.Error("handler failed", "type", msg.Type, "sender", msg.SenderID, "error", err)
	b.metricsMu.Lock()
	b.failed++
	b.metricsMu.Unlock()

	if msg.Type == TypeErrorReport {
		return
	}
	report := NewBroadcast("bus", TypeErrorReport, map[string]any{
		"error":      err.Error(),
		"message_id": msg.ID,
		"sender_id":  msg.SenderID,
		"type":       string(msg.Type),
	})
	report.CorrelationID = msg.ID
	if perr := b.Publish(report); perr != nil {
		b.log.Error("publish error report", "error", perr)
	}
}

func (b *Bus) record(msg Message) {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	if len(b.history) >= b.historyLimit {
		evicted := b.history[0]
		b.history = b.history[1:]
		delete(b.historyIdx, evicted.Message.ID)
		for id, idx := range b.historyIdx {
			b.historyIdx[id] = idx - 1
		}
	}
	b.history = append(b.history, HistoryEntry{Message: msg})
	b.historyIdx[msg.ID] = len(b.history) - 1
}

func (b *Bus) confirm(msgID string, delivered bool) {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	if idx, ok := b.historyIdx[msgID]; ok {
		b.history[idx].Delivered = delivered
	}
}

func (b *Bus) observeDelivery(d time.Duration, success bool) {
	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	if success {
		b.delivered++
		n := float64(b.delivered)
		b.avgDelivery = (b.avgDelivery*(n-1) + d.Seconds()) / n
	} else {
		b.failed++
	}
}

// History returns up to limit most recent messages, optionally filtered by
// type. Pass an empty type to disable filtering.
func (b *Bus) History(limit int, filter MessageType) []HistoryEntry {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	out := make([]HistoryEntry, 0, limit)
	for i := len(b.history) - 1; i >= 0 && len(out) < limit; i-- {
		e := b.history[i]
		if filter != "" && e.Message.Type != filter {
			continue
		}
		out = append(out, e)
	}
	// Oldest first, matching publish order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Delivered reports whether the message with the given ID was confirmed
// delivered. The second return is false once the entry ages out of history.
func (b *Bus) Delivered(msgID string) (bool, bool) {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	idx, ok := b.historyIdx[msgID]
	if !ok {
		return false, false
	}
	return b.history[idx].Delivered, true
}

// Stats returns a snapshot of broker counters.
func (b *Bus) Stats() Metrics {
	b.mu.RLock()
	subs := 0
	for _, set := range b.subscribers {
		subs += len(set)
	}
	agents := len(b.routes)
	b.mu.RUnlock()

	b.histMu.Lock()
	hist := len(b.history)
	b.histMu.Unlock()

	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	return Metrics{
		Published:         b.published,
		Delivered:         b.delivered,
		Failed:            b.failed,
		Undeliverable:     b.undeliverable,
		AvgDeliverySecs:   b.avgDelivery,
		ActiveSubscribers: subs,
		RegisteredAgents:  agents,
		HistorySize:       hist,
	}
}

// ClearHistory drops the retained history and confirmations. Useful in tests.
func (b *Bus) ClearHistory() {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	b.history = nil
	b.historyIdx = make(map[string]int)
}
