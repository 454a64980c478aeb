package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// ExecCapability invokes an external worker as a subprocess.
//
// The task is written to the worker's stdin as JSON and the structured
// result is read from its stdout, also as JSON. The process runs with the
// sandbox root as its working directory, so a worker that only knows how
// to operate on "the current tree" stays inside its isolation boundary.
type ExecCapability struct {
	kind   Kind
	argv   []string
	logger *zap.Logger
}

// NewExecCapability builds a subprocess capability from an argv.
func NewExecCapability(kind Kind, argv []string, logger *zap.Logger) (*ExecCapability, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%s capability: command is required", kind)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecCapability{kind: kind, argv: argv, logger: logger}, nil
}

// Kind returns the capability's kind tag.
func (c *ExecCapability) Kind() Kind { return c.kind }

// Invoke runs the subprocess once and decodes its result.
func (c *ExecCapability) Invoke(ctx context.Context, task Task) (*Result, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encoding task for unit %s: %w", task.UnitID, err)
	}

	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Dir = task.SandboxRoot
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimedOut
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("worker process failed: %w (stderr: %s)",
			err, strings.TrimSpace(stderr.String()))
	}

	var result Result
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("decoding worker result: %w (stdout: %s)",
			err, truncate(stdout.String(), 512))
	}

	c.logger.Debug("worker process finished",
		zap.String("kind", string(c.kind)),
		zap.String("unit", task.UnitID),
		zap.Bool("success", result.Success),
		zap.Int("artifacts", len(result.ArtifactsChanged)))
	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
