// Package agentexec runs the research agent as an external program.
//
// The request is written to the program's stdin as one JSON object. The
// program answers on stdout with JSON lines:
//
//	{"progress": 40}
//	{"result": "...", "artifacts": ["report.md"], "artifact_error": ""}
//	{"error": "model unavailable", "permanent": false}
//
// Progress lines may repeat. The last result or error line wins. Lines that
// are not JSON objects are logged and ignored.
package agentexec

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mohans/researchq/internal/logging"
	"github.com/mohans/researchq/researchq"
)

const (
	DefaultCancelPoll = 2 * time.Second
	DefaultWaitDelay  = 5 * time.Second
	maxLineSize       = 16 << 20
	stderrTail        = 4 << 10
)

var errCancelled = errors.New("task cancelled")

// Request is the JSON document written to the agent's stdin.
type Request struct {
	TaskID  string            `json:"task_id"`
	Query   string            `json:"query"`
	Options researchq.Options `json:"options"`
	Attempt int               `json:"attempt"`
}

// line is one stdout record.
type line struct {
	Progress      *int     `json:"progress,omitempty"`
	Result        *string  `json:"result,omitempty"`
	Artifacts     []string `json:"artifacts,omitempty"`
	ArtifactError string   `json:"artifact_error,omitempty"`
	Error         string   `json:"error,omitempty"`
	Permanent     bool     `json:"permanent,omitempty"`
}

// Command is a researchq.Executor backed by a subprocess.
type Command struct {
	Path string
	Args []string
	Dir  string
	// Env is appended to the current process environment.
	Env []string
	// CancelPoll is how often the task's cancellation flag is checked.
	CancelPoll time.Duration
	// WaitDelay bounds how long output is drained after the process is
	// killed.
	WaitDelay time.Duration
	Logger    *slog.Logger
}

var _ researchq.Executor = (*Command)(nil)

// Execute runs one attempt. The process is killed when ctx ends or the task
// is cancelled.
func (c *Command) Execute(ctx context.Context, req researchq.ExecRequest) (researchq.ExecResult, error) {
	if c.Path == "" {
		return researchq.ExecResult{}, researchq.Permanent(errors.New("agentexec: no command configured"))
	}
	logger := logging.WithTrace(ctx, logging.Component(c.Logger, "agentexec")).With("task_id", req.TaskID, "attempt", req.Attempt)

	payload, err := json.Marshal(Request{TaskID: req.TaskID, Query: req.Query, Options: req.Options, Attempt: req.Attempt})
	if err != nil {
		return researchq.ExecResult{}, researchq.Permanent(fmt.Errorf("agentexec: encode request: %w", err))
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	cmd := exec.CommandContext(runCtx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = c.waitDelay()
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr
	// A pipe that is not an *os.File lets WaitDelay bound the copy when a
	// child of the agent keeps stdout open.
	pr, pw := io.Pipe()
	cmd.Stdout = pw

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return researchq.ExecResult{}, researchq.Permanent(fmt.Errorf("agentexec: start %s: %w", c.Path, err))
	}
	logger.Debug("agent started", "pid", cmd.Process.Pid)

	var wg sync.WaitGroup
	if req.Cancelled != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.watchCancel(runCtx, req.Cancelled, cancel)
		}()
	}

	type output struct {
		final *line
		err   error
	}
	read := make(chan output, 1)
	go func() {
		final, err := c.read(pr, req.Progress, logger)
		read <- output{final, err}
	}()

	waitErr := cmd.Wait()
	_ = pw.Close()
	out := <-read
	final, readErr := out.final, out.err
	cancel(nil)
	wg.Wait()

	logger.Debug("agent exited", "elapsed", time.Since(start), "err", waitErr)

	if cause := context.Cause(runCtx); errors.Is(cause, errCancelled) {
		return researchq.ExecResult{}, researchq.Permanent(fmt.Errorf("agentexec: %w", errCancelled))
	}
	if err := ctx.Err(); err != nil {
		return researchq.ExecResult{}, fmt.Errorf("agentexec: %w", err)
	}
	if final != nil && final.Error != "" {
		err := fmt.Errorf("agent: %s", final.Error)
		if final.Permanent {
			return researchq.ExecResult{}, researchq.Permanent(err)
		}
		return researchq.ExecResult{}, err
	}
	if waitErr != nil {
		return researchq.ExecResult{}, fmt.Errorf("agentexec: %w%s", waitErr, stderr.suffix())
	}
	if readErr != nil {
		return researchq.ExecResult{}, fmt.Errorf("agentexec: read output: %w", readErr)
	}
	if final == nil || final.Result == nil {
		return researchq.ExecResult{}, fmt.Errorf("agentexec: agent exited without a result%s", stderr.suffix())
	}

	res := researchq.ExecResult{Text: *final.Result, Artifacts: final.Artifacts}
	if final.ArtifactError != "" {
		res.ArtifactErr = errors.New(final.ArtifactError)
	}
	return res, nil
}

// read consumes stdout until EOF and returns the last result or error line.
func (c *Command) read(r io.Reader, progress func(int), logger *slog.Logger) (*line, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)

	var final *line
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var l line
		if raw[0] != '{' || json.Unmarshal(raw, &l) != nil {
			logger.Debug("agent output", "line", truncate(string(raw), 200))
			continue
		}
		if l.Progress != nil && progress != nil {
			progress(*l.Progress)
		}
		if l.Result != nil || l.Error != "" {
			final = &l
		}
	}
	if err := sc.Err(); err != nil {
		// Keep draining so the process is not blocked on a full pipe.
		_, _ = io.Copy(io.Discard, r)
		return final, err
	}
	return final, nil
}

func (c *Command) watchCancel(ctx context.Context, cancelled func() bool, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(c.cancelPoll())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cancelled() {
				cancel(errCancelled)
				return
			}
		}
	}
}

func (c *Command) cancelPoll() time.Duration {
	if c.CancelPoll > 0 {
		return c.CancelPoll
	}
	return DefaultCancelPoll
}

func (c *Command) waitDelay() time.Duration {
	if c.WaitDelay > 0 {
		return c.WaitDelay
	}
	return DefaultWaitDelay
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) suffix() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.TrimSpace(string(b.buf))
	if s == "" {
		return ""
	}
	return ": " + s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
