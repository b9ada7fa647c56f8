package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// ErrCLINotFound reports that the provider binary is not installed.
var ErrCLINotFound = errors.New("claude CLI not found")

// maxLineSize bounds a single stream-json line. Assistant messages with
// large tool results can run to several megabytes.
const maxLineSize = 16 * 1024 * 1024

// Stream is a lazy, finite, non-restartable sequence of raw records decoded
// from the CLI's stdout. After Events is closed, Err reports the terminal
// error, if any.
type Stream struct {
	events chan any

	mu  sync.Mutex
	err error
}

// Events returns the record channel. It is closed when the stream ends.
func (s *Stream) Events() <-chan any { return s.events }

// Err returns the terminal error. Only valid after Events is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Query launches the provider CLI for one prompt and streams each decoded
// stdout line. The child is killed when ctx is cancelled. Initialization
// failures (binary missing, spawn failure) are returned synchronously;
// streaming failures surface through Stream.Err.
func Query(ctx context.Context, prompt string, opts Options) (*Stream, error) {
	binary := opts.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrCLINotFound, binary)
	}

	cmd := exec.CommandContext(ctx, binary, opts.Args(prompt)...)
	if opts.WorkingDir != "" {
		cmd.Dir = opts.WorkingDir
	}
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", binary, err)
	}

	stream := &Stream{events: make(chan any, 64)}

	go func() {
		defer close(stream.events)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var raw any
			if err := json.Unmarshal(line, &raw); err != nil {
				// Deliver undecodable lines as-is; the consumer decides
				// how to classify them.
				raw = string(line)
			}
			select {
			case stream.events <- raw:
			case <-ctx.Done():
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				stream.fail(ctx.Err())
				return
			}
		}
		if err := scanner.Err(); err != nil {
			stream.fail(fmt.Errorf("reading CLI output: %w", err))
			_ = cmd.Wait()
			return
		}

		if err := cmd.Wait(); err != nil {
			if ctx.Err() != nil {
				stream.fail(ctx.Err())
				return
			}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				stream.fail(fmt.Errorf("claude exited with code %d: %s",
					exitErr.ExitCode(), strings.TrimSpace(stderr.String())))
				return
			}
			stream.fail(err)
		}
	}()

	return stream, nil
}
