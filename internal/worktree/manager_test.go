package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/feature"
)

// gitRun runs a git command in dir, failing the test on error.
func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// setupTrunk creates a throwaway git repository with one commit.
func setupTrunk(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	trunk := filepath.Join(t.TempDir(), "trunk")
	require.NoError(t, os.MkdirAll(trunk, 0o750))
	gitRun(t, trunk, "init")
	gitRun(t, trunk, "config", "user.name", "Test User")
	gitRun(t, trunk, "config", "user.email", "test@example.com")
	writeFile(t, trunk, "README.md", "trunk\n")
	gitRun(t, trunk, "add", ".")
	gitRun(t, trunk, "commit", "-m", "initial commit")
	return trunk
}

func newTestManager(t *testing.T, trunk string) *Manager {
	t.Helper()
	m, err := NewManager(Config{Trunk: trunk}, zap.NewNop())
	require.NoError(t, err)
	return m
}

func commitIn(t *testing.T, dir, name, content, msg string) {
	t.Helper()
	writeFile(t, dir, name, content)
	gitRun(t, dir, "add", ".")
	gitRun(t, dir, "commit", "-m", msg)
}

func TestNewManager(t *testing.T) {
	trunk := setupTrunk(t)

	m, err := NewManager(Config{Trunk: trunk}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "conductd/u1", m.BranchFor("u1"))

	_, err = NewManager(Config{}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewManager(Config{Trunk: t.TempDir()}, zap.NewNop())
	assert.Error(t, err, "not a git repository")
}

func TestManager_Create(t *testing.T) {
	trunk := setupTrunk(t)
	m := newTestManager(t, trunk)
	ctx := context.Background()

	unit := &feature.Unit{ID: "u1", ProjectID: "p", Name: "unit"}
	sb, err := m.Create(ctx, unit)
	require.NoError(t, err)
	assert.Equal(t, "u1", sb.UnitID)
	assert.DirExists(t, sb.Path)

	// Sandbox starts at the trunk tip.
	trunkHead, err := m.Head(trunk)
	require.NoError(t, err)
	sbHead, err := m.Head(sb.Path)
	require.NoError(t, err)
	assert.Equal(t, trunkHead, sbHead)
}

func TestManager_Create_Collision(t *testing.T) {
	trunk := setupTrunk(t)
	m := newTestManager(t, trunk)
	ctx := context.Background()

	unit := &feature.Unit{ID: "u1", ProjectID: "p", Name: "unit"}
	_, err := m.Create(ctx, unit)
	require.NoError(t, err)

	_, err = m.Create(ctx, unit)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCollision)
	var sbErr *SandboxError
	assert.ErrorAs(t, err, &sbErr)
	assert.Equal(t, "u1", sbErr.UnitID)
}

func TestManager_Merge_Clean(t *testing.T) {
	trunk := setupTrunk(t)
	m := newTestManager(t, trunk)
	ctx := context.Background()

	sb, err := m.Create(ctx, &feature.Unit{ID: "u1", ProjectID: "p", Name: "unit"})
	require.NoError(t, err)
	commitIn(t, sb.Path, "feature.txt", "done\n", "add feature")

	res, err := m.Merge(ctx, sb)
	require.NoError(t, err)
	assert.True(t, res.Merged)
	assert.NotEmpty(t, res.Commit)
	assert.Empty(t, res.ConflictFiles)

	// Change landed on trunk, sandbox cleaned up.
	assert.FileExists(t, filepath.Join(trunk, "feature.txt"))
	assert.NoDirExists(t, sb.Path)
	exists, err := m.branchExists(sb.Branch)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestManager_Merge_Conflict_LeavesTrunkUnchanged(t *testing.T) {
	trunk := setupTrunk(t)
	m := newTestManager(t, trunk)
	ctx := context.Background()

	sb, err := m.Create(ctx, &feature.Unit{ID: "u1", ProjectID: "p", Name: "unit"})
	require.NoError(t, err)

	// Divergent edits to the same file on trunk and sandbox.
	commitIn(t, trunk, "README.md", "trunk change\n", "trunk edit")
	commitIn(t, sb.Path, "README.md", "sandbox change\n", "sandbox edit")

	headBefore, err := m.Head(trunk)
	require.NoError(t, err)

	res, err := m.Merge(ctx, sb)
	require.NoError(t, err)
	assert.False(t, res.Merged)
	assert.Equal(t, []string{"README.md"}, res.ConflictFiles)

	headAfter, err := m.Head(trunk)
	require.NoError(t, err)
	assert.Equal(t, headBefore, headAfter)

	// Sandbox survives the conflict for a resolution pass.
	assert.DirExists(t, sb.Path)
}

func TestManager_Discard(t *testing.T) {
	trunk := setupTrunk(t)
	m := newTestManager(t, trunk)
	ctx := context.Background()

	t.Run("removes sandbox", func(t *testing.T) {
		sb, err := m.Create(ctx, &feature.Unit{ID: "gone", ProjectID: "p", Name: "unit"})
		require.NoError(t, err)
		require.NoError(t, m.Discard(ctx, sb, false))
		assert.NoDirExists(t, sb.Path)
		exists, err := m.branchExists(sb.Branch)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("retains sandbox for inspection", func(t *testing.T) {
		sb, err := m.Create(ctx, &feature.Unit{ID: "kept", ProjectID: "p", Name: "unit"})
		require.NoError(t, err)
		require.NoError(t, m.Discard(ctx, sb, true))
		assert.DirExists(t, sb.Path)
	})
}

// Concurrent merges of independent units are serialized by the merge lock:
// every merge lands and trunk ends up with all changes.
func TestManager_Merge_Serialized(t *testing.T) {
	trunk := setupTrunk(t)
	m := newTestManager(t, trunk)
	ctx := context.Background()

	const n = 4
	sandboxes := make([]*Sandbox, n)
	for i := 0; i < n; i++ {
		sb, err := m.Create(ctx, &feature.Unit{
			ID: fmt.Sprintf("u%d", i), ProjectID: "p", Name: "unit",
		})
		require.NoError(t, err)
		commitIn(t, sb.Path, fmt.Sprintf("file%d.txt", i), "content\n", "add file")
		sandboxes[i] = sb
	}

	var wg sync.WaitGroup
	results := make([]*MergeResult, n)
	errs := make([]error, n)
	for i := range sandboxes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Merge(ctx, sandboxes[i])
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.True(t, results[i].Merged, "merge %d", i)
		assert.FileExists(t, filepath.Join(trunk, fmt.Sprintf("file%d.txt", i)))
	}
}

func TestManager_Head_Errors(t *testing.T) {
	trunk := setupTrunk(t)
	m := newTestManager(t, trunk)

	_, err := m.Head(t.TempDir())
	assert.Error(t, err)
}

func TestManager_Git_Timeout(t *testing.T) {
	trunk := setupTrunk(t)
	m, err := NewManager(Config{Trunk: trunk, CommandTimeout: time.Nanosecond}, zap.NewNop())
	require.NoError(t, err)

	_, err = m.git(context.Background(), trunk, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}