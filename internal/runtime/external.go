package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/herdctl/herdctl/internal/common/logger"
	"github.com/herdctl/herdctl/pkg/claudecode"
)

// ExternalRuntime spawns the provider CLI as a child process and recovers
// its message stream by tailing the session log file the CLI writes, rather
// than reading stdout. This keeps the child's terminal behavior untouched
// and works for providers that buffer or reformat stdout.
type ExternalRuntime struct {
	logger *logger.Logger
	// binary overrides the provider executable; tests point it at a stub.
	binary string
	// sessionDir overrides the session log directory. The container
	// decorator points this at the host-side mirror of the container's
	// provider config dir.
	sessionDir string
}

// ExternalOption configures an ExternalRuntime.
type ExternalOption func(*ExternalRuntime)

// WithBinary overrides the provider executable.
func WithBinary(binary string) ExternalOption {
	return func(r *ExternalRuntime) { r.binary = binary }
}

// WithSessionDir overrides where session logs are discovered.
func WithSessionDir(dir string) ExternalOption {
	return func(r *ExternalRuntime) { r.sessionDir = dir }
}

// NewExternalRuntime creates an external runtime.
func NewExternalRuntime(log *logger.Logger, opts ...ExternalOption) *ExternalRuntime {
	r := &ExternalRuntime{
		logger: log.WithFields(zap.String("runtime", "external")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run implements Runtime.
func (r *ExternalRuntime) Run(ctx context.Context, req Request) (*Stream, error) {
	opts, cleanup, err := buildProviderOptions(ctx, req, r.logger, r.binary)
	if err != nil {
		return nil, err
	}

	binary := opts.Binary
	if binary == "" {
		binary = claudecode.DefaultBinary
	}
	if _, err := exec.LookPath(binary); err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: %q", claudecode.ErrCLINotFound, binary)
	}

	sessionDir := r.sessionDir
	if sessionDir == "" {
		sessionDir = claudecode.SessionLogDir(ProviderSessionDir(), req.Agent.WorkingDir)
	}

	spawnedAt := time.Now()
	cmd := exec.CommandContext(ctx, binary, opts.Args(req.Prompt)...)
	if opts.WorkingDir != "" {
		cmd.Dir = opts.WorkingDir
	}
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, fmt.Errorf("starting %s: %w", binary, err)
	}
	r.logger.Debug("provider spawned",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("session_dir", sessionDir))

	childExited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(childExited)
	}()

	stream := NewStream(64)
	go func() {
		defer cleanup()
		defer stream.Close()

		var sawError bool
		tailer := NewTailer(sessionDir, spawnedAt, r.logger)
		tailErr := tailer.Tail(ctx, childExited, func(raw any) bool {
			for _, record := range TranslateProviderRecord(raw) {
				if IsErrorRecord(record) {
					sawError = true
				}
				if !stream.Emit(ctx, record) {
					return false
				}
			}
			return true
		})

		<-childExited

		if ctx.Err() != nil {
			stream.Emit(context.Background(), map[string]any{
				"type":    "error",
				"message": "execution cancelled",
				"code":    CodeCancelled,
			})
			stream.Fail(ctx.Err())
			return
		}
		if tailErr != nil {
			stream.Fail(tailErr)
			return
		}
		if waitErr != nil {
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				// The session log already carried a specific failure;
				// synthesizing a generic exit error would shadow it.
				if sawError {
					return
				}
				msg := strings.TrimSpace(stderr.String())
				if msg == "" {
					msg = fmt.Sprintf("agent exited with code %d", exitErr.ExitCode())
				}
				stream.Emit(ctx, map[string]any{
					"type":    "error",
					"message": msg,
					"code":    fmt.Sprintf("EXIT_%d", exitErr.ExitCode()),
				})
				return
			}
			stream.Fail(waitErr)
		}
	}()
	return stream, nil
}
