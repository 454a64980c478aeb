// Package worktree manages isolated git worktrees for active units and the
// serialized merge of their branches back into trunk.
//
// Trunk is mutated only by Merge, and merges are serialized by a single
// lock: trunk is never read mid-write. Everything else operates on
// per-unit branches and worktree directories derived deterministically
// from the unit ID.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/feature"
)

// ErrCollision is returned when the sandbox directory or branch already
// exists. Names derive from the unit ID, so a collision means a leaked
// sandbox from a previous crash; it is surfaced, never silently reused.
var ErrCollision = errors.New("sandbox already exists")

// SandboxError wraps a failure to create, merge, or discard a sandbox.
type SandboxError struct {
	UnitID string
	Op     string
	Err    error
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("sandbox %s for unit %s: %v", e.Op, e.UnitID, e.Err)
}

func (e *SandboxError) Unwrap() error { return e.Err }

// Sandbox is an isolated worktree bound 1:1 to an active unit.
type Sandbox struct {
	UnitID    string    `json:"unit_id"`
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	CreatedAt time.Time `json:"created_at"`
}

// MergeResult is the outcome of merging a sandbox branch into trunk.
// When ConflictFiles is non-empty the merge was aborted and trunk is
// unchanged.
type MergeResult struct {
	Merged        bool
	Commit        string
	ConflictFiles []string
}

// Config holds worktree manager configuration.
type Config struct {
	// Trunk is the working directory of the trunk repository.
	Trunk string `koanf:"trunk"`

	// Dir is where sandbox worktrees are created. Defaults to a
	// "sandboxes" sibling of the trunk directory.
	Dir string `koanf:"dir"`

	// BranchPrefix namespaces sandbox branches. Default "conductd/".
	BranchPrefix string `koanf:"branch_prefix"`

	// CommandTimeout bounds each git invocation.
	CommandTimeout time.Duration `koanf:"command_timeout"`
}

// Manager creates, merges, and discards sandboxes for one trunk repository.
type Manager struct {
	trunk   string
	dir     string
	prefix  string
	timeout time.Duration
	logger  *zap.Logger

	// mergeMu is the global merge lock. Concurrent non-conflicting merges
	// are intentionally not pipelined.
	mergeMu sync.Mutex
}

// NewManager validates the trunk repository and returns a manager.
func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Trunk == "" {
		return nil, errors.New("trunk path is required")
	}
	if _, err := git.PlainOpen(cfg.Trunk); err != nil {
		return nil, fmt.Errorf("opening trunk repository %s: %w", cfg.Trunk, err)
	}
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(filepath.Dir(cfg.Trunk), "sandboxes")
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "conductd/"
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	return &Manager{
		trunk:   cfg.Trunk,
		dir:     cfg.Dir,
		prefix:  cfg.BranchPrefix,
		timeout: cfg.CommandTimeout,
		logger:  logger,
	}, nil
}

// BranchFor returns the deterministic sandbox branch name for a unit.
func (m *Manager) BranchFor(unitID string) string {
	return m.prefix + unitID
}

// PathFor returns the deterministic sandbox directory for a unit.
func (m *Manager) PathFor(unitID string) string {
	return filepath.Join(m.dir, unitID)
}

// Create makes a new branch from the current trunk tip and a worktree bound
// to it. Directory or branch collisions fail with ErrCollision.
func (m *Manager) Create(ctx context.Context, unit *feature.Unit) (*Sandbox, error) {
	branch := m.BranchFor(unit.ID)
	path := m.PathFor(unit.ID)

	if _, err := os.Stat(path); err == nil {
		return nil, &SandboxError{UnitID: unit.ID, Op: "create",
			Err: fmt.Errorf("%w: directory %s", ErrCollision, path)}
	}
	exists, err := m.branchExists(branch)
	if err != nil {
		return nil, &SandboxError{UnitID: unit.ID, Op: "create", Err: err}
	}
	if exists {
		return nil, &SandboxError{UnitID: unit.ID, Op: "create",
			Err: fmt.Errorf("%w: branch %s", ErrCollision, branch)}
	}

	if err := os.MkdirAll(m.dir, 0o750); err != nil {
		return nil, &SandboxError{UnitID: unit.ID, Op: "create", Err: err}
	}
	if _, err := m.git(ctx, m.trunk, "worktree", "add", "-b", branch, path); err != nil {
		return nil, &SandboxError{UnitID: unit.ID, Op: "create", Err: err}
	}

	m.logger.Info("sandbox created",
		zap.String("unit", unit.ID),
		zap.String("branch", branch),
		zap.String("path", path))

	return &Sandbox{
		UnitID:    unit.ID,
		Path:      path,
		Branch:    branch,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Merge merges the sandbox branch into trunk under the global merge lock.
//
// On a clean merge the sandbox worktree and branch are deleted and the new
// trunk commit is returned. On conflict the merge is aborted, trunk stays
// unchanged, and the conflicted files are reported for the caller to decide
// between a bounded resolution pass and escalation.
func (m *Manager) Merge(ctx context.Context, sb *Sandbox) (*MergeResult, error) {
	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	if _, err := m.git(ctx, m.trunk, "merge", "--no-edit", sb.Branch); err != nil {
		files, filesErr := m.conflictedFiles(ctx)
		if filesErr == nil && len(files) > 0 {
			if _, abortErr := m.git(ctx, m.trunk, "merge", "--abort"); abortErr != nil {
				return nil, &SandboxError{UnitID: sb.UnitID, Op: "merge",
					Err: fmt.Errorf("aborting conflicted merge: %w", abortErr)}
			}
			m.logger.Warn("merge conflict",
				zap.String("unit", sb.UnitID),
				zap.Strings("files", files))
			return &MergeResult{ConflictFiles: files}, nil
		}
		return nil, &SandboxError{UnitID: sb.UnitID, Op: "merge", Err: err}
	}

	commit, err := m.Head(m.trunk)
	if err != nil {
		return nil, &SandboxError{UnitID: sb.UnitID, Op: "merge", Err: err}
	}
	if err := m.remove(ctx, sb); err != nil {
		// Trunk already has the merge; a leftover sandbox is an operator
		// cleanup problem, not a merge failure.
		m.logger.Warn("failed to remove merged sandbox",
			zap.String("unit", sb.UnitID), zap.Error(err))
	}

	m.logger.Info("sandbox merged",
		zap.String("unit", sb.UnitID),
		zap.String("commit", commit))
	return &MergeResult{Merged: true, Commit: commit}, nil
}

// Discard removes a sandbox without merging. With retain set the worktree
// and branch are kept for postmortem inspection.
func (m *Manager) Discard(ctx context.Context, sb *Sandbox, retain bool) error {
	if retain {
		m.logger.Info("sandbox retained for inspection",
			zap.String("unit", sb.UnitID),
			zap.String("path", sb.Path))
		return nil
	}
	if err := m.remove(ctx, sb); err != nil {
		return &SandboxError{UnitID: sb.UnitID, Op: "discard", Err: err}
	}
	m.logger.Info("sandbox discarded", zap.String("unit", sb.UnitID))
	return nil
}

// Head returns the commit ID the repository at path currently points to.
func (m *Manager) Head(path string) (string, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return "", fmt.Errorf("opening repository %s: %w", path, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading HEAD of %s: %w", path, err)
	}
	return head.Hash().String(), nil
}

func (m *Manager) remove(ctx context.Context, sb *Sandbox) error {
	if _, err := m.git(ctx, m.trunk, "worktree", "remove", "--force", sb.Path); err != nil {
		return err
	}
	if _, err := m.git(ctx, m.trunk, "branch", "-D", sb.Branch); err != nil {
		return err
	}
	return nil
}

func (m *Manager) branchExists(branch string) (bool, error) {
	repo, err := git.PlainOpen(m.trunk)
	if err != nil {
		return false, err
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) conflictedFiles(ctx context.Context) ([]string, error) {
	out, err := m.git(ctx, m.trunk, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// git runs one git command with a hard timeout.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	cmd := exec.CommandContext(timeoutCtx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		if timeoutCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("git %s timed out after %v", args[0], m.timeout)
		}
		return "", fmt.Errorf("git %s failed: %w (output: %s)",
			strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}
