// Package main provides the foreman CLI.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/buildmath/foreman"
	"github.com/buildmath/foreman/workers"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		runCmd(args)
	case "validate":
		validateCmd(args)
	case "version":
		fmt.Printf("foreman %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Foreman - agent orchestration for construction estimation

Usage:
  foreman <command> [options]

Commands:
  run       Run a project from a .project.yaml file
  validate  Validate a .project.yaml file
  version   Print version information
  help      Show this help message

Examples:
  foreman run house.project.yaml --agents 2
  foreman validate house.project.yaml`)
}

// projectFile is the on-disk project definition.
type projectFile struct {
	Name  string             `yaml:"name"`
	Tasks []foreman.TaskSpec `yaml:"tasks"`
}

func loadProjectFile(path string) (projectFile, error) {
	var pf projectFile
	data, err := os.ReadFile(path)
	if err != nil {
		return pf, err
	}
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return pf, fmt.Errorf("parse %s: %w", path, err)
	}
	if pf.Name == "" {
		pf.Name = path
	}
	return pf, nil
}

// runCmd executes a project file against a local system with joist agents.
func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	agents := fs.Int("agents", 2, "Number of joist agents to spawn")
	timeout := fs.Duration("timeout", 5*time.Minute, "Maximum run time")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: no project file specified")
		os.Exit(1)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	pf, err := loadProjectFile(fs.Arg(0))
	if err != nil {
		fatal(err)
	}

	cfg, err := foreman.Load()
	if err != nil {
		fatal(err)
	}
	// Short intervals: a CLI run wants prompt scheduling and health checks.
	cfg.Agent.HeartbeatInterval = time.Second
	cfg.Orchestrator.ScheduleInterval = 200 * time.Millisecond

	reg, err := foreman.NewRegistry(cfg)
	if err != nil {
		fatal(err)
	}
	defer reg.Close()

	if err := reg.Start(); err != nil {
		fatal(err)
	}

	reg.RegisterFactory("joist", func() (*foreman.Agent, error) {
		return workers.NewJoistAgent("", foreman.WithAgentConfig(cfg.Agent)), nil
	})
	for i := 0; i < *agents; i++ {
		if _, err := reg.Spawn("joist"); err != nil {
			fatal(err)
		}
	}

	p, err := reg.SubmitProject(pf.Name, pf.Tasks)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	report, err := reg.Orchestrator().Wait(ctx, p.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		printReport(reg, p.ID)
		os.Exit(1)
	}

	printReport(reg, p.ID)
	if report.Status == foreman.ProjectFailed {
		os.Exit(1)
	}
}

func printReport(reg *foreman.Registry, projectID string) {
	report, err := reg.Orchestrator().Project(projectID)
	if err != nil {
		fatal(err)
	}
	out := struct {
		Project foreman.ProjectReport `json:"project"`
		Health  foreman.SystemHealth  `json:"health"`
	}{Project: report, Health: reg.Health()}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fatal(err)
	}
}

// validateCmd checks a project file's task graph without running it.
func validateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: no project file specified")
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))

	pf, err := loadProjectFile(fs.Arg(0))
	if err != nil {
		fatal(err)
	}

	reg, err := foreman.NewRegistry(foreman.DefaultConfig())
	if err != nil {
		fatal(err)
	}
	defer reg.Close()

	if _, err := reg.Orchestrator().CreateProject(pf.Name, pf.Tasks); err != nil {
		fatal(err)
	}
	fmt.Printf("%s: %d tasks, graph OK\n", pf.Name, len(pf.Tasks))
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
