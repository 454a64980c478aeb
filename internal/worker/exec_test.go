package worker

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/feature"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestNewExecCapability(t *testing.T) {
	_, err := NewExecCapability(KindCoder, nil, zap.NewNop())
	assert.Error(t, err)

	c, err := NewExecCapability(KindCoder, []string{"worker-cmd"}, nil)
	require.NoError(t, err)
	assert.Equal(t, KindCoder, c.Kind())
}

func TestExecCapability_Invoke(t *testing.T) {
	requireShell(t)

	// The worker echoes a fixed result; stdin is drained so the task
	// payload write does not block.
	script := `cat > /dev/null; printf '{"success": true, "artifacts_changed": ["main.go"], "notes": "done"}'`
	c, err := NewExecCapability(KindCoder, []string{"sh", "-c", script}, zap.NewNop())
	require.NoError(t, err)

	res, err := c.Invoke(context.Background(), Task{
		UnitID:      "u1",
		Description: "implement the thing",
		Criteria:    []feature.Criterion{{Description: "compiles", Tier: feature.TierLogic}},
		SandboxRoot: t.TempDir(),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"main.go"}, res.ArtifactsChanged)
	assert.Equal(t, "done", res.Notes)
}

func TestExecCapability_Invoke_ReadsTaskFromStdin(t *testing.T) {
	requireShell(t)

	// The worker reports the task's unit ID back through notes, proving
	// the payload arrived on stdin.
	script := `notes=$(cat); printf '{"success": false, "notes": "%s"}' "$(printf '%s' "$notes" | grep -o 'u-42')"`
	c, err := NewExecCapability(KindValidator, []string{"sh", "-c", script}, zap.NewNop())
	require.NoError(t, err)

	res, err := c.Invoke(context.Background(), Task{UnitID: "u-42", SandboxRoot: t.TempDir()})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "u-42", res.Notes)
}

func TestExecCapability_Invoke_ProcessFailure(t *testing.T) {
	requireShell(t)

	c, err := NewExecCapability(KindCoder, []string{"sh", "-c", "echo boom >&2; exit 3"}, zap.NewNop())
	require.NoError(t, err)

	_, err = c.Invoke(context.Background(), Task{UnitID: "u1", SandboxRoot: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestExecCapability_Invoke_BadJSON(t *testing.T) {
	requireShell(t)

	c, err := NewExecCapability(KindCoder, []string{"sh", "-c", "cat > /dev/null; echo not-json"}, zap.NewNop())
	require.NoError(t, err)

	_, err = c.Invoke(context.Background(), Task{UnitID: "u1", SandboxRoot: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding worker result")
}

func TestExecCapability_Invoke_Timeout(t *testing.T) {
	requireShell(t)

	c, err := NewExecCapability(KindCoder, []string{"sh", "-c", "sleep 10"}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = c.Invoke(ctx, Task{UnitID: "u1", SandboxRoot: t.TempDir()})
	assert.ErrorIs(t, err, ErrTimedOut)
}
