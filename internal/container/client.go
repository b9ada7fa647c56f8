// Package container runs agent jobs inside Docker containers. It wraps the
// Docker SDK with the lifecycle operations herdctl needs and provides the
// Runner decorator that moves any runtime's provider execution into a
// hardened container.
package container

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/herdctl/herdctl/internal/common/config"
	"github.com/herdctl/herdctl/internal/common/logger"
)

// Labels applied to every container herdctl creates. Cleanup and discovery
// filter on these, never on names.
const (
	LabelManaged = "herdctl.managed"
	LabelAgent   = "herdctl.agent"
)

// Client wraps the Docker client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewClient creates a Docker client from fleet config.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	log.Info("Docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion),
	)
	return &Client{cli: cli, logger: log, config: cfg}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks that the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// PullImage pulls an image, draining the progress stream.
func (c *Client) PullImage(ctx context.Context, imageName string) error {
	c.logger.Info("Pulling image", zap.String("image", imageName))
	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading image pull output: %w", err)
	}
	return nil
}

// MountSpec describes one bind mount of a job container.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// CreateSpec holds everything needed to create a job container.
type CreateSpec struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	WorkingDir string
	User       string
	Mounts     []MountSpec
	Labels     map[string]string
	AutoRemove bool

	NetworkMode string
	ExtraHosts  []string

	Memory    int64
	CPUQuota  int64
	CPUShares int64
	PidsLimit int64
	Tmpfs     map[string]string

	// HostConfigOverride is merged over the computed host config last.
	// Fleet-operator privilege.
	HostConfigOverride map[string]any
}

// CreateContainer creates a hardened container: all capabilities dropped,
// privilege escalation disabled. Only the fleet-level override can widen
// this.
func (c *Client) CreateContainer(ctx context.Context, spec CreateSpec) (string, error) {
	c.logger.Info("Creating container",
		zap.String("name", spec.Name),
		zap.String("image", spec.Image),
	)

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		User:       spec.User,
		Labels:     spec.Labels,
	}

	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		ExtraHosts:  spec.ExtraHosts,
		AutoRemove:  spec.AutoRemove,
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Tmpfs:       spec.Tmpfs,
		Resources: container.Resources{
			Memory:    spec.Memory,
			CPUQuota:  spec.CPUQuota,
			CPUShares: spec.CPUShares,
		},
	}
	if spec.PidsLimit > 0 {
		limit := spec.PidsLimit
		hostCfg.Resources.PidsLimit = &limit
	}

	if len(spec.HostConfigOverride) > 0 {
		merged, err := mergeHostConfig(hostCfg, spec.HostConfigOverride)
		if err != nil {
			return "", fmt.Errorf("applying host config override: %w", err)
		}
		hostCfg = merged
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

// StartContainer starts a container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", containerID, err)
	}
	return nil
}

// StopContainer stops a container within timeout, then kills it.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
	if err != nil {
		return fmt.Errorf("stopping container %s: %w", containerID, err)
	}
	return nil
}

// KillContainer sends a signal to a container.
func (c *Client) KillContainer(ctx context.Context, containerID, signal string) error {
	if err := c.cli.ContainerKill(ctx, containerID, signal); err != nil {
		return fmt.Errorf("killing container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer removes a container and its anonymous volumes.
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		return fmt.Errorf("removing container %s: %w", containerID, err)
	}
	return nil
}

// Info is a reduced container view.
type Info struct {
	ID        string
	Name      string
	State     string
	CreatedAt time.Time
	Labels    map[string]string
}

// ListByLabels lists all containers (running or not) matching every label.
func (c *Client) ListByLabels(ctx context.Context, labels map[string]string) ([]Info, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	infos := make([]Info, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		infos = append(infos, Info{
			ID:        ctr.ID,
			Name:      name,
			State:     ctr.State,
			CreatedAt: time.Unix(ctr.Created, 0),
			Labels:    ctr.Labels,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos, nil
}

// ExecResult is a finished exec: demultiplexed stdout, raw stderr and the
// exit code.
type ExecResult struct {
	ExitCode int
	Stderr   string
}

// ExecStreaming runs cmd inside a running container, writes stdin to the
// process, and invokes onLine for every stdout line as it arrives. It
// returns after the exec finishes.
func (c *Client) ExecStreaming(ctx context.Context, containerID string, cmd []string, env []string, stdin string, onLine func(line []byte) bool) (*ExecResult, error) {
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		AttachStdin:  stdin != "",
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := c.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attaching exec: %w", err)
	}
	defer attach.Close()

	// Closing the attach connection unblocks the demultiplexer when the
	// caller cancels.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			attach.Close()
		case <-done:
		}
	}()

	if stdin != "" {
		go func() {
			_, _ = io.WriteString(attach.Conn, stdin)
			_ = attach.CloseWrite()
		}()
	}

	var stderr bytes.Buffer
	if err := demultiplex(attach.Reader, onLine, &stderr); err != nil {
		return nil, err
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("inspecting exec: %w", err)
	}
	return &ExecResult{ExitCode: inspect.ExitCode, Stderr: stderr.String()}, nil
}

// demultiplex reads Docker's multiplexed stream format (Tty=false): an
// 8-byte header per frame, byte 0 the stream id, bytes 4-7 the big-endian
// frame length. Stdout frames are split into lines and fed to onLine;
// stderr frames are collected.
func demultiplex(reader io.Reader, onLine func(line []byte) bool, stderr io.Writer) error {
	header := make([]byte, 8)
	var pending bytes.Buffer

	flushLines := func() bool {
		for {
			data := pending.Bytes()
			idx := bytes.IndexByte(data, '\n')
			if idx < 0 {
				return true
			}
			line := make([]byte, idx)
			copy(line, data[:idx])
			pending.Next(idx + 1)
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			if onLine != nil && !onLine(line) {
				return false
			}
		}
	}

	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				// Trailing partial line without newline.
				if rest := bytes.TrimSpace(pending.Bytes()); len(rest) > 0 && onLine != nil {
					onLine(rest)
				}
				return nil
			}
			return fmt.Errorf("reading exec stream: %w", err)
		}
		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			return fmt.Errorf("reading exec frame: %w", err)
		}
		switch streamType {
		case 1:
			pending.Write(data)
			if !flushLines() {
				return nil
			}
		case 2:
			_, _ = stderr.Write(data)
		}
	}
}
