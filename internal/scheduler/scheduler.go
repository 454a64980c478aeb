// Package scheduler runs the orchestration control loop: it claims ready
// units, binds sandboxes, fans work out to lifecycle tasks under the pool's
// capacity, observes sandbox liveness, and stops when no further progress
// is possible.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/conductd/internal/activity"
	"github.com/fyrsmithlabs/conductd/internal/feature"
	"github.com/fyrsmithlabs/conductd/internal/worktree"
)

// ErrNoProgress is returned when nothing is running and nothing can become
// ready: every remaining unit is terminally failed, escalated, or blocked
// behind one of those. Operator action is required to continue.
var ErrNoProgress = errors.New("no runnable units remain")

// errNotClaimable aborts a claim transaction when another pass already
// moved the unit out of pending.
var errNotClaimable = errors.New("unit is not claimable")

// Board is the dependency-graph surface the scheduler polls.
type Board interface {
	ProjectID() string
	ReadyUnits(ctx context.Context) ([]*feature.Unit, error)
	Done(ctx context.Context) (bool, error)
}

// Sandboxes creates and inspects isolated worktrees.
type Sandboxes interface {
	Create(ctx context.Context, unit *feature.Unit) (*worktree.Sandbox, error)
	Discard(ctx context.Context, sb *worktree.Sandbox, retain bool) error
	Head(path string) (string, error)
	BranchFor(unitID string) string
	PathFor(unitID string) string
}

// UnitRunner drives one claimed unit to a settled state.
type UnitRunner interface {
	Run(ctx context.Context, unit *feature.Unit, sb *worktree.Sandbox) (feature.Status, error)
}

// Slots bounds how many units run concurrently. A slot is held for a
// unit's whole lifecycle, not per invocation.
type Slots interface {
	TryAcquire() bool
	Release()
}

// Store is the persistence surface the scheduler needs.
type Store interface {
	UpdateUnit(ctx context.Context, projectID, unitID string, fn func(*feature.Unit) error) (*feature.Unit, error)
	ListUnits(ctx context.Context, projectID string) ([]*feature.Unit, error)
	AppendCheckpoint(ctx context.Context, cp *feature.Checkpoint) error
}

// Config holds control-loop policy.
type Config struct {
	// Tick is the poll interval of the dispatch loop. Completions also wake
	// the loop immediately, so the tick only bounds reaction to external
	// changes.
	Tick time.Duration `koanf:"tick"`

	// CheckpointInterval is how often active sandboxes are observed for
	// liveness evidence.
	CheckpointInterval time.Duration `koanf:"checkpoint_interval"`

	// StallAfter force-fails a unit whose sandbox head has not moved for
	// this long. Zero disables stall detection.
	StallAfter time.Duration `koanf:"stall_after"`
}

// DefaultConfig returns scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Tick:               2 * time.Second,
		CheckpointInterval: 15 * time.Second,
		StallAfter:         10 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Tick <= 0 {
		return fmt.Errorf("tick must be > 0, got %s", c.Tick)
	}
	if c.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint interval must be > 0, got %s", c.CheckpointInterval)
	}
	if c.StallAfter > 0 && c.StallAfter < c.CheckpointInterval {
		return fmt.Errorf("stall window %s is shorter than the checkpoint interval %s", c.StallAfter, c.CheckpointInterval)
	}
	return nil
}

// activeUnit is the scheduler's view of one running lifecycle task.
type activeUnit struct {
	sandbox *worktree.Sandbox
	cancel  context.CancelFunc

	lastHead   string
	lastChange time.Time

	// killReason is set before cancel when the scheduler itself aborts the
	// task (stall, operator cancel) so the exit path can distinguish a
	// forced failure from a daemon shutdown.
	killReason string
}

// Scheduler owns the control loop for one project.
type Scheduler struct {
	cfg       Config
	board     Board
	store     Store
	sandboxes Sandboxes
	runner    UnitRunner
	slots     Slots
	sink      activity.Sink
	logger    *zap.Logger

	mu     sync.Mutex
	active map[string]*activeUnit

	wake chan struct{}
}

// New wires a scheduler.
func New(cfg Config, board Board, store Store, sandboxes Sandboxes, runner UnitRunner,
	slots Slots, sink activity.Sink, logger *zap.Logger) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	if sink == nil {
		sink = activity.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:       cfg,
		board:     board,
		store:     store,
		sandboxes: sandboxes,
		runner:    runner,
		slots:     slots,
		sink:      sink,
		logger:    logger.With(zap.String("project", board.ProjectID())),
		active:    make(map[string]*activeUnit),
		wake:      make(chan struct{}, 1),
	}, nil
}

// Run executes the control loop until the plan settles or ctx is
// cancelled. It returns nil when every unit completed, ErrNoProgress when
// the remaining units need an operator, and ctx.Err() on shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.recoverOrphans(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(loopCtx)
	var dispatchErr error
	g.Go(func() error {
		dispatchErr = s.dispatchLoop(gctx)
		cancel() // stop the observer once dispatch settles
		return nil
	})
	g.Go(func() error {
		s.observeLoop(gctx)
		return nil
	})
	_ = g.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return dispatchErr
}

// Cancel aborts a running unit. The unit is failed with the given reason
// and its sandbox retained. It reports whether the unit was active.
func (s *Scheduler) Cancel(unitID, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	au, ok := s.active[unitID]
	if !ok {
		return false
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	au.killReason = reason
	au.cancel()
	return true
}

// Active returns the IDs of units currently running.
func (s *Scheduler) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for id := range s.active {
		out = append(out, id)
	}
	return out
}

// recoverOrphans re-enters units a previous process left in progress.
// Their sandboxes are stale: the binding is cleared so the next claim
// starts fresh.
func (s *Scheduler) recoverOrphans(ctx context.Context) error {
	units, err := s.store.ListUnits(ctx, s.board.ProjectID())
	if err != nil {
		return fmt.Errorf("listing units for recovery: %w", err)
	}
	for _, u := range units {
		if u.Status != feature.StatusInProgress {
			continue
		}
		s.logger.Warn("recovering orphaned unit", zap.String("unit", u.ID))
		if _, err := s.store.UpdateUnit(ctx, u.ProjectID, u.ID, func(u *feature.Unit) error {
			u.Status = feature.StatusPending
			u.SandboxPath = ""
			u.Branch = ""
			u.Iteration = 0
			return nil
		}); err != nil {
			return fmt.Errorf("recovering unit %s: %w", u.ID, err)
		}
		if u.SandboxPath != "" {
			stale := &worktree.Sandbox{UnitID: u.ID, Path: u.SandboxPath, Branch: u.Branch}
			if derr := s.sandboxes.Discard(ctx, stale, false); derr != nil {
				s.logger.Warn("failed to discard stale sandbox",
					zap.String("unit", u.ID), zap.Error(derr))
			}
		}
	}
	return nil
}

func (s *Scheduler) dispatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		settled, err := s.dispatchOnce(ctx)
		if err != nil {
			return err
		}
		if settled != nil {
			return settled()
		}

		select {
		case <-ctx.Done():
			s.drainActive()
			return ctx.Err()
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// dispatchOnce claims and launches as many ready units as slots allow,
// then evaluates termination. A non-nil settled func means the loop is
// finished and should return its result.
func (s *Scheduler) dispatchOnce(ctx context.Context) (func() error, error) {
	ready, err := s.board.ReadyUnits(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying ready units: %w", err)
	}

	launched := 0
	for _, u := range ready {
		if s.isActive(u.ID) {
			continue
		}
		if !s.slots.TryAcquire() {
			break
		}
		claimed, err := s.claim(ctx, u.ID)
		if err != nil {
			s.slots.Release()
			if errors.Is(err, errNotClaimable) {
				continue
			}
			return nil, err
		}
		if err := s.launch(ctx, claimed); err != nil {
			// Sandbox binding failed; the unit was already settled by
			// launch and the slot returned.
			s.logger.Warn("launch failed", zap.String("unit", u.ID), zap.Error(err))
		} else {
			launched++
		}
	}

	if launched > 0 {
		return nil, nil
	}

	done, err := s.board.Done(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking plan completion: %w", err)
	}
	if done {
		return func() error { return nil }, nil
	}

	// Nothing launched and nothing running: if the ready set is also
	// empty, no state transition can happen without an operator.
	if s.activeCount() == 0 && len(ready) == 0 {
		return func() error { return s.noProgress(ctx) }, nil
	}
	return nil, nil
}

// noProgress builds the ErrNoProgress report from the surviving units.
func (s *Scheduler) noProgress(ctx context.Context) error {
	units, err := s.store.ListUnits(ctx, s.board.ProjectID())
	if err != nil {
		return fmt.Errorf("%w (and listing units failed: %v)", ErrNoProgress, err)
	}
	var failed, escalated, blocked int
	for _, u := range units {
		switch {
		case u.Status == feature.StatusFailed:
			failed++
		case u.Escalated:
			escalated++
		case !u.Status.Terminal():
			blocked++
		}
	}
	return fmt.Errorf("%w: %d failed, %d escalated, %d blocked", ErrNoProgress, failed, escalated, blocked)
}

// claim transitions pending -> in progress atomically and opens a new
// attempt. Losing a claim race is not an error.
func (s *Scheduler) claim(ctx context.Context, unitID string) (*feature.Unit, error) {
	return s.store.UpdateUnit(ctx, s.board.ProjectID(), unitID, func(u *feature.Unit) error {
		if u.Status != feature.StatusPending {
			return errNotClaimable
		}
		u.Status = feature.StatusInProgress
		u.Attempt++
		u.StartedAt = time.Now().UTC()
		u.LastError = ""
		return nil
	})
}

// launch binds a sandbox to a freshly claimed unit and starts its
// lifecycle task. Sandbox creation gets one retry after clearing debris
// left at the unit's deterministic branch and path; a second failure
// settles the unit as failed.
func (s *Scheduler) launch(ctx context.Context, unit *feature.Unit) error {
	sb, err := s.sandboxes.Create(ctx, unit)
	if err != nil {
		s.logger.Warn("sandbox creation failed, clearing and retrying",
			zap.String("unit", unit.ID), zap.Error(err))
		debris := &worktree.Sandbox{
			UnitID: unit.ID,
			Path:   s.sandboxes.PathFor(unit.ID),
			Branch: s.sandboxes.BranchFor(unit.ID),
		}
		if derr := s.sandboxes.Discard(ctx, debris, false); derr != nil {
			s.logger.Debug("sandbox cleanup before retry failed",
				zap.String("unit", unit.ID), zap.Error(derr))
		}
		sb, err = s.sandboxes.Create(ctx, unit)
	}
	if err != nil {
		s.slots.Release()
		if _, uerr := s.store.UpdateUnit(ctx, unit.ProjectID, unit.ID, func(u *feature.Unit) error {
			u.Status = feature.StatusFailed
			u.LastError = fmt.Sprintf("sandbox creation failed: %v", err)
			u.CompletedAt = time.Now().UTC()
			return nil
		}); uerr != nil {
			return uerr
		}
		s.sink.Publish(activity.Event{
			ProjectID: unit.ProjectID, UnitID: unit.ID,
			Kind:    activity.EventUnitFailed,
			Payload: map[string]any{"cause": "sandbox creation failed"},
		})
		return fmt.Errorf("creating sandbox for unit %s: %w", unit.ID, err)
	}

	bound, err := s.store.UpdateUnit(ctx, unit.ProjectID, unit.ID, func(u *feature.Unit) error {
		u.SandboxPath = sb.Path
		u.Branch = sb.Branch
		return nil
	})
	if err != nil {
		// The sandbox exists but the unit never learned about it. Remove
		// it and return the unit to the backlog so no in-progress unit is
		// left without a running task.
		if derr := s.sandboxes.Discard(ctx, sb, false); derr != nil {
			s.logger.Warn("failed to discard unbound sandbox",
				zap.String("unit", unit.ID), zap.Error(derr))
		}
		if _, perr := s.store.UpdateUnit(ctx, unit.ProjectID, unit.ID, func(u *feature.Unit) error {
			u.Status = feature.StatusPending
			u.SandboxPath = ""
			u.Branch = ""
			return nil
		}); perr != nil {
			s.logger.Error("failed to return unit to backlog after binding failure",
				zap.String("unit", unit.ID), zap.Error(perr))
		}
		s.slots.Release()
		return fmt.Errorf("binding sandbox to unit %s: %w", unit.ID, err)
	}

	unitCtx, cancel := context.WithCancel(ctx)
	au := &activeUnit{sandbox: sb, cancel: cancel, lastChange: time.Now()}
	s.mu.Lock()
	s.active[unit.ID] = au
	s.mu.Unlock()

	s.sink.Publish(activity.Event{
		ProjectID: unit.ProjectID, UnitID: unit.ID,
		Kind:    activity.EventUnitClaimed,
		Payload: map[string]any{"attempt": bound.Attempt, "branch": sb.Branch},
	})
	s.logger.Info("unit claimed",
		zap.String("unit", unit.ID),
		zap.Int("attempt", bound.Attempt),
		zap.String("sandbox", sb.Path))

	go s.runUnit(unitCtx, bound, au)
	return nil
}

// runUnit is the lifetime of one lifecycle task.
func (s *Scheduler) runUnit(ctx context.Context, unit *feature.Unit, au *activeUnit) {
	defer func() {
		s.mu.Lock()
		delete(s.active, unit.ID)
		s.mu.Unlock()
		au.cancel()
		s.slots.Release()
		s.signal()
	}()

	status, err := s.runner.Run(ctx, unit, au.sandbox)
	if err == nil {
		s.logger.Debug("unit settled",
			zap.String("unit", unit.ID),
			zap.String("status", string(status)))
		return
	}

	s.mu.Lock()
	reason := au.killReason
	s.mu.Unlock()

	if reason == "" {
		// Daemon shutdown: leave the unit in progress for recovery on the
		// next start.
		s.logger.Info("unit interrupted by shutdown", zap.String("unit", unit.ID))
		return
	}

	// Forced failure (stall or operator cancel). The sandbox is retained
	// for inspection.
	if _, uerr := s.store.UpdateUnit(context.WithoutCancel(ctx), unit.ProjectID, unit.ID, func(u *feature.Unit) error {
		u.Status = feature.StatusFailed
		u.LastError = reason
		u.SandboxPath = ""
		u.Branch = ""
		u.CompletedAt = time.Now().UTC()
		return nil
	}); uerr != nil {
		s.logger.Error("failed to settle cancelled unit",
			zap.String("unit", unit.ID), zap.Error(uerr))
		return
	}
	if derr := s.sandboxes.Discard(context.WithoutCancel(ctx), au.sandbox, true); derr != nil {
		s.logger.Warn("failed to retain cancelled sandbox",
			zap.String("unit", unit.ID), zap.Error(derr))
	}
	s.sink.Publish(activity.Event{
		ProjectID: unit.ProjectID, UnitID: unit.ID,
		Kind:    activity.EventUnitFailed,
		Payload: map[string]any{"cause": reason},
	})
	s.logger.Error("unit force-failed",
		zap.String("unit", unit.ID), zap.String("cause", reason))
}

// observeLoop records sandbox checkpoints and detects stalls.
func (s *Scheduler) observeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.observeOnce(ctx)
	}
}

func (s *Scheduler) observeOnce(ctx context.Context) {
	type observation struct {
		unitID string
		au     *activeUnit
	}
	s.mu.Lock()
	obs := make([]observation, 0, len(s.active))
	for id, au := range s.active {
		obs = append(obs, observation{unitID: id, au: au})
	}
	s.mu.Unlock()

	now := time.Now()
	for _, o := range obs {
		head, err := s.sandboxes.Head(o.au.sandbox.Path)
		if err != nil {
			s.logger.Debug("checkpoint head read failed",
				zap.String("unit", o.unitID), zap.Error(err))
			continue
		}

		s.mu.Lock()
		moved := head != o.au.lastHead
		if moved {
			o.au.lastHead = head
			o.au.lastChange = now
		}
		stalledFor := now.Sub(o.au.lastChange)
		s.mu.Unlock()

		if moved {
			cp := &feature.Checkpoint{UnitID: o.unitID, Head: head, ObservedAt: now.UTC()}
			if err := s.store.AppendCheckpoint(ctx, cp); err != nil {
				s.logger.Warn("failed to append checkpoint",
					zap.String("unit", o.unitID), zap.Error(err))
			}
			s.sink.Publish(activity.Event{
				ProjectID: s.board.ProjectID(), UnitID: o.unitID,
				Kind:    activity.EventCheckpoint,
				Payload: map[string]any{"head": head},
			})
			continue
		}

		if s.cfg.StallAfter > 0 && stalledFor >= s.cfg.StallAfter {
			s.sink.Publish(activity.Event{
				ProjectID: s.board.ProjectID(), UnitID: o.unitID,
				Kind:    activity.EventUnitStalled,
				Payload: map[string]any{"idle": stalledFor.String()},
			})
			s.logger.Warn("unit stalled",
				zap.String("unit", o.unitID),
				zap.Duration("idle", stalledFor))
			s.Cancel(o.unitID, fmt.Sprintf("stalled: no sandbox activity for %s", stalledFor.Truncate(time.Second)))
		}
	}
}

// drainActive waits for running lifecycle tasks to observe cancellation.
func (s *Scheduler) drainActive() {
	for {
		if s.activeCount() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (s *Scheduler) isActive(unitID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[unitID]
	return ok
}

func (s *Scheduler) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
