package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/feature"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PutGetUnit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &feature.Unit{
		ID:        "u1",
		ProjectID: "proj",
		Name:      "first unit",
		Status:    feature.StatusPending,
		Priority:  3,
		DependsOn: []string{"u0"},
		Criteria: []feature.Criterion{
			{Description: "works", Tier: feature.TierLogic},
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.PutUnit(ctx, u))

	got, err := s.GetUnit(ctx, "proj", "u1")
	require.NoError(t, err)
	assert.Equal(t, u.Name, got.Name)
	assert.Equal(t, u.DependsOn, got.DependsOn)
	assert.Equal(t, u.Criteria, got.Criteria)

	_, err = s.GetUnit(ctx, "proj", "missing")
	assert.ErrorIs(t, err, feature.ErrUnitNotFound)
}

func TestStore_UpdateUnit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutUnit(ctx, &feature.Unit{
		ID: "u1", ProjectID: "proj", Name: "unit", Status: feature.StatusPending,
	}))

	updated, err := s.UpdateUnit(ctx, "proj", "u1", func(u *feature.Unit) error {
		u.Status = feature.StatusInProgress
		u.Attempt++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, feature.StatusInProgress, updated.Status)
	assert.Equal(t, 1, updated.Attempt)
	assert.False(t, updated.UpdatedAt.IsZero())

	got, err := s.GetUnit(ctx, "proj", "u1")
	require.NoError(t, err)
	assert.Equal(t, feature.StatusInProgress, got.Status)

	_, err = s.UpdateUnit(ctx, "proj", "missing", func(u *feature.Unit) error { return nil })
	assert.ErrorIs(t, err, feature.ErrUnitNotFound)
}

func TestStore_UpdateUnit_FnErrorAborts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutUnit(ctx, &feature.Unit{
		ID: "u1", ProjectID: "proj", Name: "unit", Status: feature.StatusPending,
	}))

	_, err := s.UpdateUnit(ctx, "proj", "u1", func(u *feature.Unit) error {
		u.Status = feature.StatusFailed
		return assert.AnError
	})
	require.Error(t, err)

	got, err := s.GetUnit(ctx, "proj", "u1")
	require.NoError(t, err)
	assert.Equal(t, feature.StatusPending, got.Status)
}

// Concurrent increments through UpdateUnit must not lose writes.
func TestStore_UpdateUnit_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutUnit(ctx, &feature.Unit{
		ID: "u1", ProjectID: "proj", Name: "unit", Status: feature.StatusPending,
	}))

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateUnit(ctx, "proj", "u1", func(u *feature.Unit) error {
				u.Iteration++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetUnit(ctx, "proj", "u1")
	require.NoError(t, err)
	assert.Equal(t, writers, got.Iteration)
}

func TestStore_ListUnits_ScopedToProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutUnit(ctx, &feature.Unit{ID: "a", ProjectID: "p1", Name: "a"}))
	require.NoError(t, s.PutUnit(ctx, &feature.Unit{ID: "b", ProjectID: "p1", Name: "b"}))
	require.NoError(t, s.PutUnit(ctx, &feature.Unit{ID: "c", ProjectID: "p2", Name: "c"}))

	units, err := s.ListUnits(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, units, 2)

	units, err = s.ListUnits(ctx, "p2")
	require.NoError(t, err)
	assert.Len(t, units, 1)

	units, err = s.ListUnits(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, units)
}

func TestStore_RunHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, status := range []feature.RunStatus{feature.RunFailed, feature.RunSucceeded} {
		run := &feature.Run{
			UnitID:    "u1",
			Worker:    "coder",
			StartedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
			EndedAt:   time.Now().UTC(),
			Status:    status,
		}
		require.NoError(t, s.AppendRun(ctx, run))
		assert.NotEmpty(t, run.ID)
	}

	runs, err := s.ListRuns(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, feature.RunFailed, runs[0].Status)
	assert.Equal(t, feature.RunSucceeded, runs[1].Status)

	runs, err = s.ListRuns(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestStore_Checkpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cp, err := s.LatestCheckpoint(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, s.AppendCheckpoint(ctx, &feature.Checkpoint{
		UnitID: "u1", Head: "aaa", ObservedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.AppendCheckpoint(ctx, &feature.Checkpoint{
		UnitID: "u1", Head: "bbb", ObservedAt: time.Now().UTC(),
	}))

	cp, err = s.LatestCheckpoint(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "bbb", cp.Head)
}

func TestStore_ContextCancelled(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, s.PutUnit(ctx, &feature.Unit{ID: "x", ProjectID: "p", Name: "x"}))
	_, err := s.ListUnits(ctx, "p")
	assert.Error(t, err)
}
