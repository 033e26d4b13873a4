// Package foreman provides in-process multi-agent orchestration for
// construction estimation workloads.
//
// Foreman coordinates a pool of calculation agents over an embedded NATS
// message bus. It provides:
//
//   - Agents with bounded mailboxes, capability gating, and one task in
//     flight at a time
//   - A manager that tracks agent heartbeats and reported status, restarting
//     unresponsive or erroring agents under a capped, cooled-down policy
//   - An orchestrator that decomposes projects into dependency-ordered
//     tasks, dispatches them by priority to capable agents, and retries
//     failures with a bounded budget
//   - A registry that composes the system and indexes agents by type and
//     capability
//
// # Quick Start
//
// Build a system, register an agent, and run a project:
//
//	reg, err := foreman.NewRegistry(foreman.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer reg.Close()
//	if err := reg.Start(); err != nil {
//	    log.Fatal(err)
//	}
//
//	agent := foreman.NewAgent("", "joist-calculator", workers.JoistCapabilities(), workers.JoistWorker{})
//	if err := reg.RegisterAgent("joist", agent); err != nil {
//	    log.Fatal(err)
//	}
//
//	p, err := reg.Orchestrator().CreateProject("house", []foreman.TaskSpec{
//	    {ID: "l1", Type: "joist_calculation", Payload: map[string]any{"span_length": 3.386}},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := reg.Orchestrator().StartProject(p.ID); err != nil {
//	    log.Fatal(err)
//	}
//
// # Architecture
//
// The main components are:
//
//   - Agent: an actor consuming task requests from its mailbox and
//     answering over the bus
//   - Worker: the domain extension point, a pure function of payload to
//     result
//   - Manager: supervision of agent liveness and restarts
//   - Orchestrator: project decomposition, scheduling, and retries
//   - Registry: composition root with type and capability indices
//   - bus: the embedded NATS broker all components communicate through
//
// # Thread Safety
//
// All exported types are safe for concurrent use.
package foreman
