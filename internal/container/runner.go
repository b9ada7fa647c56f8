package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/herdctl/herdctl/internal/bridge"
	"github.com/herdctl/herdctl/internal/common/config"
	"github.com/herdctl/herdctl/internal/common/logger"
	"github.com/herdctl/herdctl/internal/runtime"
	"github.com/herdctl/herdctl/internal/state"
	"github.com/herdctl/herdctl/pkg/claudecode"
)

// Paths inside job containers. The workspace mount point is fixed so tool
// bridges can translate paths without per-agent knowledge.
const (
	containerConfigDir     = "/home/agent/.claude"
	containerCredentialDir = "/home/agent/.claude-creds"

	// hostAlias is how processes inside a container reach bridges bound on
	// the host.
	hostAlias = "host.docker.internal"

	stopTimeout = 10 * time.Second

	// cancelStopGrace is the in-container termination grace for the provider
	// after a cancelled job, before the engine kills it.
	cancelStopGrace = 5 * time.Second
)

// API is the Docker surface the manager consumes. *Client implements it;
// tests substitute a fake.
type API interface {
	PullImage(ctx context.Context, imageName string) error
	CreateContainer(ctx context.Context, spec CreateSpec) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	ListByLabels(ctx context.Context, labels map[string]string) ([]Info, error)
	ExecStreaming(ctx context.Context, containerID string, cmd []string, env []string, stdin string, onLine func(line []byte) bool) (*ExecResult, error)
}

// Manager owns the Docker client and produces container-backed runtimes.
type Manager struct {
	client API
	store  *state.Store
	docker config.DockerConfig
	logger *logger.Logger
	binary string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithProviderBinary overrides the provider executable inside containers;
// tests point it at a stub.
func WithProviderBinary(binary string) ManagerOption {
	return func(m *Manager) { m.binary = binary }
}

// NewManager creates a container manager.
func NewManager(client API, store *state.Store, docker config.DockerConfig, log *logger.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		client: client,
		store:  store,
		docker: docker,
		logger: log.WithFields(zap.String("component", "container")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wrap decorates a runtime: agents with containerization enabled execute
// inside a container, everything else falls through to inner.
func (m *Manager) Wrap(inner runtime.Runtime, agent *config.Agent) runtime.Runtime {
	if !agent.IsContainerized() {
		return inner
	}
	return &Runner{
		manager: m,
		inner:   inner,
		logger:  m.logger.WithFields(zap.String("agent", agent.Name)),
	}
}

// Runner is the container decorator. The provider executes inside a
// hardened container; the record stream is recovered either from the exec's
// stdout (direct agents) or by tailing the host-side session log mirror
// (external agents).
type Runner struct {
	manager *Manager
	inner   runtime.Runtime
	logger  *logger.Logger
}

// Run implements runtime.Runtime.
func (r *Runner) Run(ctx context.Context, req runtime.Request) (*runtime.Stream, error) {
	agent := req.Agent
	if !agent.IsContainerized() {
		return r.inner.Run(ctx, req)
	}
	m := r.manager

	configDirHost := m.store.DockerConfigDir(agent.Name)
	if _, err := m.store.EnsureDockerSessionDir(agent.Name); err != nil {
		return nil, err
	}

	opts, servers, stopBridges, err := runtime.PrepareProvider(
		ctx, req, r.logger, m.binary, hostAlias,
		bridge.WithArgTranslation(bridge.GuardWorkingDir(agent.WorkingDir)),
	)
	if err != nil {
		return nil, err
	}
	cleanup := stopBridges

	// The provider sees the workspace at its fixed mount point.
	opts.WorkingDir = bridge.ContainerWorkspace
	if len(servers) > 0 {
		hostPath, err := runtime.WriteMCPConfigFile(configDirHost, servers)
		if err != nil {
			stopBridges()
			return nil, err
		}
		// The config dir is mounted, so the file is visible in-container
		// under the same basename.
		opts.MCPConfigPath = filepath.Join(containerConfigDir, filepath.Base(hostPath))
		cleanup = func() {
			stopBridges()
			_ = m.store.Remove(hostPath)
		}
	}

	containerID, ephemeral, err := m.ensureContainer(ctx, agent)
	if err != nil {
		cleanup()
		return nil, err
	}

	stream := runtime.NewStream(64)
	go func() {
		// Retention pass after every job, once the stream is closed and the
		// bridges are down: stopped containers beyond max_containers go.
		defer func() {
			pruneCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if err := m.Cleanup(pruneCtx, agent); err != nil {
				r.logger.Warn("container retention cleanup", zap.Error(err))
			}
		}()
		defer cleanup()
		defer stream.Close()
		r.execute(ctx, stream, req, opts, containerID, ephemeral)
	}()
	return stream, nil
}

func (r *Runner) execute(ctx context.Context, stream *runtime.Stream, req runtime.Request, opts claudecode.Options, containerID string, ephemeral bool) {
	agent := req.Agent
	m := r.manager

	if ephemeral {
		defer func() {
			rmCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if err := m.client.RemoveContainer(rmCtx, containerID, true); err != nil {
				r.logger.Warn("removing ephemeral container", zap.Error(err))
			}
		}()
	}

	binary := opts.Binary
	if binary == "" {
		binary = claudecode.DefaultBinary
	}
	cmd := append([]string{binary}, opts.ArgsStdin()...)
	env := []string{"CLAUDE_CONFIG_DIR=" + containerConfigDir}
	for k, v := range m.docker.Env {
		env = append(env, k+"="+v)
	}

	// sawError tracks whether the record stream already carried a specific
	// failure. Writes from the tail goroutine are ordered before the read by
	// the tailDone receive.
	var sawError bool
	emit := func(raw any) bool {
		for _, record := range runtime.TranslateProviderRecord(raw) {
			if runtime.IsErrorRecord(record) {
				sawError = true
			}
			if !stream.Emit(ctx, record) {
				return false
			}
		}
		return true
	}

	var onLine func(line []byte) bool
	childExited := make(chan struct{})
	tailDone := make(chan error, 1)

	if agent.Runtime == config.RuntimeExternal {
		// External agents write their stream to the session log, mirrored
		// to the host through the config dir mount.
		tailer := runtime.NewTailer(m.store.DockerSessionDir(agent.Name), time.Now(), r.logger)
		go func() {
			tailDone <- tailer.Tail(ctx, childExited, func(raw any) bool {
				return emit(raw)
			})
		}()
	} else {
		onLine = func(line []byte) bool {
			return emit(decodeLine(line))
		}
		close(tailDone)
	}

	result, execErr := m.client.ExecStreaming(ctx, containerID, cmd, env, req.Prompt+"\n", onLine)
	close(childExited)
	tailErr := <-tailDone

	if ctx.Err() != nil {
		// Closing the attach only detaches; the exec'd provider keeps
		// running. Stop the container so cancellation actually terminates
		// it; persistent containers restart on the next job.
		if !ephemeral {
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			if err := m.client.StopContainer(stopCtx, containerID, cancelStopGrace); err != nil {
				r.logger.Warn("stopping container after cancellation", zap.Error(err))
			}
			cancel()
		}
		stream.Emit(context.Background(), map[string]any{
			"type":    "error",
			"message": "execution cancelled",
			"code":    runtime.CodeCancelled,
		})
		stream.Fail(ctx.Err())
		return
	}
	if execErr != nil {
		stream.Fail(execErr)
		return
	}
	if tailErr != nil {
		stream.Fail(tailErr)
		return
	}
	if result.ExitCode != 0 && !sawError {
		msg := strings.TrimSpace(result.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("agent exited with code %d", result.ExitCode)
		}
		stream.Emit(ctx, map[string]any{
			"type":    "error",
			"message": msg,
			"code":    fmt.Sprintf("EXIT_%d", result.ExitCode),
		})
	}
}

// ensureContainer returns a running container for the agent, creating one
// when needed. Persistent agents reuse a single long-lived container;
// otherwise a fresh container is created per job and removed afterwards.
func (m *Manager) ensureContainer(ctx context.Context, agent *config.Agent) (string, bool, error) {
	if agent.Container.Persistent {
		existing, err := m.client.ListByLabels(ctx, map[string]string{
			LabelManaged: "true",
			LabelAgent:   agent.Name,
		})
		if err != nil {
			return "", false, err
		}
		for _, info := range existing {
			if info.State == "running" {
				return info.ID, false, nil
			}
		}
		for _, info := range existing {
			if err := m.client.StartContainer(ctx, info.ID); err == nil {
				return info.ID, false, nil
			}
		}
		id, err := m.createContainer(ctx, agent, fmt.Sprintf("herdctl-%s", agent.Name))
		if err != nil {
			return "", false, err
		}
		return id, false, nil
	}

	name := fmt.Sprintf("herdctl-%s-%d", agent.Name, time.Now().UnixNano())
	id, err := m.createContainer(ctx, agent, name)
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (m *Manager) createContainer(ctx context.Context, agent *config.Agent, name string) (string, error) {
	spec, err := m.buildSpec(agent, name)
	if err != nil {
		return "", err
	}

	id, err := m.client.CreateContainer(ctx, spec)
	if err != nil && isImageMissing(err) {
		if pullErr := m.client.PullImage(ctx, spec.Image); pullErr != nil {
			return "", pullErr
		}
		id, err = m.client.CreateContainer(ctx, spec)
	}
	if err != nil {
		return "", err
	}
	if err := m.client.StartContainer(ctx, id); err != nil {
		_ = m.client.RemoveContainer(context.Background(), id, true)
		return "", err
	}
	return id, nil
}

// buildSpec computes the container spec for an agent. Agent settings can
// only tighten the sandbox; image, network, user, extra mounts, env and the
// raw host-config override come from fleet config.
func (m *Manager) buildSpec(agent *config.Agent, name string) (CreateSpec, error) {
	settings := agent.Container

	workspace, err := filepath.Abs(agent.WorkingDir)
	if err != nil {
		return CreateSpec{}, fmt.Errorf("resolving working dir: %w", err)
	}

	mounts := []MountSpec{
		{Source: workspace, Target: bridge.ContainerWorkspace, ReadOnly: settings.ReadOnlyWorkspace},
		{Source: m.store.DockerConfigDir(agent.Name), Target: containerConfigDir},
	}
	if m.docker.CredentialDir != "" {
		mounts = append(mounts, MountSpec{
			Source:   m.docker.CredentialDir,
			Target:   containerCredentialDir,
			ReadOnly: true,
		})
	}
	for _, extra := range m.docker.ExtraMounts {
		mounts = append(mounts, MountSpec{
			Source:   extra.Source,
			Target:   extra.Target,
			ReadOnly: extra.ReadOnly,
		})
	}

	memory, err := parseMemoryLimit(settings.MemoryLimit)
	if err != nil {
		return CreateSpec{}, err
	}

	tmpfs := make(map[string]string, len(settings.Tmpfs))
	for _, path := range settings.Tmpfs {
		tmpfs[path] = ""
	}

	env := []string{"CLAUDE_CONFIG_DIR=" + containerConfigDir}
	for k, v := range m.docker.Env {
		env = append(env, k+"="+v)
	}

	image := m.docker.DefaultImage
	return CreateSpec{
		Name:       name,
		Image:      image,
		// The container idles; jobs run as execs so one container serves
		// many jobs in persistent mode.
		Cmd:        []string{"sleep", "infinity"},
		Env:        env,
		WorkingDir: bridge.ContainerWorkspace,
		User:       m.docker.User,
		Mounts:     mounts,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelAgent:   agent.Name,
		},
		NetworkMode: m.docker.Network,
		ExtraHosts:  []string{hostAlias + ":host-gateway"},
		Memory:      memory,
		CPUQuota:    settings.CPUQuota,
		CPUShares:   settings.CPUShares,
		PidsLimit:   settings.PidsLimit,
		Tmpfs:       tmpfs,

		HostConfigOverride: m.docker.HostConfigOverride,
	}, nil
}

// Cleanup removes stopped herdctl containers for an agent beyond the
// newest-N retention configured by maxContainers (0 keeps none).
func (m *Manager) Cleanup(ctx context.Context, agent *config.Agent) error {
	if agent.Container == nil {
		return nil
	}
	infos, err := m.client.ListByLabels(ctx, map[string]string{
		LabelManaged: "true",
		LabelAgent:   agent.Name,
	})
	if err != nil {
		return err
	}

	keep := agent.Container.MaxContainers
	var stopped []Info
	for _, info := range infos {
		if info.State == "running" {
			continue
		}
		stopped = append(stopped, info)
	}
	if len(stopped) <= keep {
		return nil
	}
	// ListByLabels sorts newest first; everything past the retention window
	// goes.
	var errs []error
	for _, info := range stopped[keep:] {
		if err := m.client.RemoveContainer(ctx, info.ID, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every running herdctl container. Used on supervisor
// shutdown when persistent containers should not outlive the fleet.
func (m *Manager) StopAll(ctx context.Context) error {
	infos, err := m.client.ListByLabels(ctx, map[string]string{LabelManaged: "true"})
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, info := range infos {
		if info.State != "running" {
			continue
		}
		id := info.ID
		g.Go(func() error {
			return m.client.StopContainer(ctx, id, stopTimeout)
		})
	}
	return g.Wait()
}

func decodeLine(line []byte) any {
	var raw any
	if err := json.Unmarshal(line, &raw); err != nil {
		return string(line)
	}
	return raw
}

func isImageMissing(err error) bool {
	return err != nil && strings.Contains(err.Error(), "No such image")
}
