// Package fleet composes the supervisor: config, state store, event bus,
// runtime factory, scheduler. It owns the PID file lifecycle, signal
// handling and the read-only views the operator CLI consumes.
package fleet

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/herdctl/herdctl/internal/common/config"
	"github.com/herdctl/herdctl/internal/common/logger"
	"github.com/herdctl/herdctl/internal/container"
	"github.com/herdctl/herdctl/internal/events/bus"
	"github.com/herdctl/herdctl/internal/executor"
	"github.com/herdctl/herdctl/internal/runtime"
	"github.com/herdctl/herdctl/internal/scheduler"
	"github.com/herdctl/herdctl/internal/state"
)

// hardKillDelay is how long StopByPID waits after SIGTERM before SIGKILL.
const hardKillDelay = 35 * time.Second

// Manager is the supervisor facade.
type Manager struct {
	cfg    *config.Config
	agents []*config.Agent
	store  *state.Store
	logger *logger.Logger
	bus    bus.EventBus
	sched  *scheduler.Scheduler
	exec   *executor.Executor

	// containers is nil when no agent is containerized.
	containers *container.Manager

	// fleetMu serializes fleet-state read-modify-write from job events.
	fleetMu sync.Mutex
}

// New wires a manager from resolved configuration.
func New(cfg *config.Config, agents []*config.Agent, log *logger.Logger) (*Manager, error) {
	store, err := state.NewStore(cfg.State.Root)
	if err != nil {
		return nil, err
	}

	eventBus, err := bus.New(cfg.NATS, log)
	if err != nil {
		return nil, err
	}

	factoryOpts := []runtime.FactoryOption{}
	var containers *container.Manager
	if anyContainerized(agents) {
		dockerClient, err := container.NewClient(cfg.Docker, log)
		if err != nil {
			return nil, fmt.Errorf("containerized agents configured but docker is unavailable: %w", err)
		}
		containers = container.NewManager(dockerClient, store, cfg.Docker, log)
		factoryOpts = append(factoryOpts, runtime.WithDecorator(containers))
	}
	factory := runtime.NewFactory(log, factoryOpts...)

	exec := executor.New(store, factory, eventBus, log)
	sched := scheduler.New(exec, store, cfg.Scheduler, agents, log)

	return &Manager{
		cfg:        cfg,
		agents:     agents,
		store:      store,
		logger:     log.WithFields(zap.String("component", "fleet")),
		bus:        eventBus,
		sched:      sched,
		exec:       exec,
		containers: containers,
	}, nil
}

// Open wires a manager for read-only queries and pid signalling. It opens
// the state store only; no event bus, runtime or docker client is created,
// so it works even when the supervisor's dependencies are unavailable.
// Managers from Open must not call Run.
func Open(cfg *config.Config, agents []*config.Agent, log *logger.Logger) (*Manager, error) {
	store, err := state.NewStore(cfg.State.Root)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:    cfg,
		agents: agents,
		store:  store,
		logger: log.WithFields(zap.String("component", "fleet")),
	}, nil
}

func anyContainerized(agents []*config.Agent) bool {
	for _, a := range agents {
		if a.IsContainerized() {
			return true
		}
	}
	return false
}

// Store exposes the state store for read-only CLI queries.
func (m *Manager) Store() *state.Store { return m.store }

// Bus exposes the event bus for live log following.
func (m *Manager) Bus() bus.EventBus { return m.bus }

// Scheduler exposes the scheduler for trigger and cancel operations.
func (m *Manager) Scheduler() *scheduler.Scheduler { return m.sched }

// Run starts the supervisor in the foreground and blocks until a
// termination signal arrives or ctx ends. It owns the PID file for its
// lifetime.
func (m *Manager) Run(ctx context.Context) error {
	if pid, ok, err := m.store.ReadPID(); err != nil {
		return err
	} else if ok && processAlive(pid) {
		return fmt.Errorf("supervisor already running with pid %d", pid)
	}
	if err := m.store.WritePID(os.Getpid()); err != nil {
		return err
	}
	defer func() {
		if err := m.store.RemovePID(); err != nil {
			m.logger.Warn("removing pid file", zap.Error(err))
		}
	}()

	if err := m.writeFleetState(); err != nil {
		return err
	}

	// Job events keep the persisted fleet state current while running.
	sub, err := m.bus.Subscribe(bus.AllJobsSubject, m.handleJobEvent)
	if err != nil {
		return fmt.Errorf("subscribing to job events: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := m.sched.Start(ctx); err != nil {
		return err
	}
	m.logger.Info("fleet started",
		zap.Int("agents", len(m.agents)),
		zap.Int("pid", os.Getpid()))

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, os.Interrupt)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info("termination signal received", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	// Further signals are ignored while stopping.
	go func() {
		for range sigCh {
		}
	}()

	return m.shutdown()
}

func (m *Manager) shutdown() error {
	stopErr := m.sched.Stop(scheduler.StopOptions{
		WaitForJobs: true,
		Timeout:     m.cfg.Scheduler.ShutdownTimeoutDuration(),
	})
	if stopErr != nil {
		m.logger.Warn("scheduler stop", zap.Error(stopErr))
	}

	if m.containers != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.containers.StopAll(stopCtx); err != nil {
			m.logger.Warn("stopping containers", zap.Error(err))
		}
	}

	m.bus.Close()
	m.logger.Info("fleet stopped")
	return stopErr
}

// StopByPID signals the supervisor recorded in the PID file: SIGTERM first,
// SIGKILL when it has not exited within the escalation delay.
func (m *Manager) StopByPID() error {
	pid, ok, err := m.store.ReadPID()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no supervisor is running (pid file absent)")
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding supervisor process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if !processAlive(pid) {
			// Stale pid file left by a crash.
			return m.store.RemovePID()
		}
		return fmt.Errorf("signalling supervisor %d: %w", pid, err)
	}
	m.logger.Info("sent SIGTERM to supervisor", zap.Int("pid", pid))

	deadline := time.Now().Add(hardKillDelay)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	m.logger.Warn("supervisor did not exit, sending SIGKILL", zap.Int("pid", pid))
	if err := proc.Signal(syscall.SIGKILL); err != nil && processAlive(pid) {
		return fmt.Errorf("killing supervisor %d: %w", pid, err)
	}
	return m.store.RemovePID()
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// handleJobEvent folds one job lifecycle event into the persisted fleet
// state. Message events are high-volume and carry no status transition.
func (m *Manager) handleJobEvent(_ context.Context, event *bus.Event) error {
	if event.Type == bus.JobMessage {
		return nil
	}
	m.fleetMu.Lock()
	defer m.fleetMu.Unlock()

	fs, ok, err := m.store.ReadFleetState()
	if err != nil {
		return err
	}
	if !ok || fs.Agents == nil {
		return nil
	}
	view, known := fs.Agents[event.Agent]
	if !known {
		return nil
	}

	switch event.Type {
	case bus.JobStarted:
		view.RunningJobs++
		view.Status = "running"
		view.LastJobID = event.JobID
		ts := event.Timestamp
		view.LastRunAt = &ts
	default:
		if view.RunningJobs > 0 {
			view.RunningJobs--
		}
		if view.RunningJobs == 0 {
			view.Status = "idle"
		}
	}
	fs.Agents[event.Agent] = view
	return m.store.WriteFleetState(fs)
}

// writeFleetState persists the fleet view at startup.
func (m *Manager) writeFleetState() error {
	fs := &state.FleetState{
		StartedAt: time.Now().UTC(),
		Agents:    make(map[string]state.AgentView, len(m.agents)),
	}
	for _, agent := range m.agents {
		fs.Agents[agent.Name] = state.AgentView{Status: "idle"}
	}
	return m.store.WriteFleetState(fs)
}
