// Package lifecycle drives one claimed unit from in-progress to a terminal
// state: the bounded code-validate loop, review, the serialized merge with
// one automatic conflict-resolution pass, and the retry policy.
//
// A lifecycle task owns exactly one sandbox and issues strictly sequential
// worker invocations; all concurrency lives in the scheduler above it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/activity"
	"github.com/fyrsmithlabs/conductd/internal/feature"
	"github.com/fyrsmithlabs/conductd/internal/worker"
	"github.com/fyrsmithlabs/conductd/internal/worktree"
)

// iterationsExceededMsg is the terminal error recorded when the
// code-validate loop runs out of budget.
const iterationsExceededMsg = "max iterations exceeded"

// ErrRetryExhausted marks a unit that failed its final configured attempt.
// It requires operator action; the scheduler never retries past it.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// Invoker runs one capability invocation under the pool's timeout.
type Invoker interface {
	Invoke(ctx context.Context, capability worker.Capability, task worker.Task) (*worker.Result, error)
}

// Sandboxes is the worktree surface the lifecycle needs.
type Sandboxes interface {
	Merge(ctx context.Context, sb *worktree.Sandbox) (*worktree.MergeResult, error)
	Discard(ctx context.Context, sb *worktree.Sandbox, retain bool) error
}

// Recorder is the store surface the lifecycle needs: atomic unit updates
// and the append-only run history.
type Recorder interface {
	UpdateUnit(ctx context.Context, projectID, unitID string, fn func(*feature.Unit) error) (*feature.Unit, error)
	AppendRun(ctx context.Context, run *feature.Run) error
}

// Config holds lifecycle policy.
type Config struct {
	// MaxCodeTestIterations bounds the code-validate loop. The budget is
	// shared across review cycles, not reset per review pass.
	MaxCodeTestIterations int `koanf:"max_code_test_iterations"`

	// MaxAttempts is the total number of attempts a unit gets before its
	// failure is terminal. 1 means no retries.
	MaxAttempts int `koanf:"max_attempts"`

	// RetainFailedSandboxes keeps the sandbox of a terminally failed unit
	// for postmortem inspection.
	RetainFailedSandboxes bool `koanf:"retain_failed_sandboxes"`
}

// DefaultConfig returns lifecycle defaults.
func DefaultConfig() Config {
	return Config{
		MaxCodeTestIterations: 10,
		MaxAttempts:           2,
		RetainFailedSandboxes: true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxCodeTestIterations <= 0 {
		return fmt.Errorf("max code-test iterations must be > 0, got %d", c.MaxCodeTestIterations)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be > 0, got %d", c.MaxAttempts)
	}
	return nil
}

// Runner executes unit lifecycles.
type Runner struct {
	cfg       Config
	invoker   Invoker
	sandboxes Sandboxes
	store     Recorder
	caps      map[worker.Kind]worker.Capability
	sink      activity.Sink
	logger    *zap.Logger
}

// NewRunner wires a lifecycle runner. All capability kinds must be present.
func NewRunner(cfg Config, invoker Invoker, sandboxes Sandboxes, store Recorder,
	caps map[worker.Kind]worker.Capability, sink activity.Sink, logger *zap.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid lifecycle config: %w", err)
	}
	for _, kind := range worker.Kinds() {
		if caps[kind] == nil {
			return nil, fmt.Errorf("missing %s capability", kind)
		}
	}
	if sink == nil {
		sink = activity.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:       cfg,
		invoker:   invoker,
		sandboxes: sandboxes,
		store:     store,
		caps:      caps,
		sink:      sink,
		logger:    logger,
	}, nil
}

// Run drives one claimed unit to completed, failed, pending (retry), or
// review-with-escalation. The unit must already be in progress with the
// sandbox bound. On context cancellation Run returns the context error
// without a status transition; the caller owns forced failure.
func (r *Runner) Run(ctx context.Context, unit *feature.Unit, sb *worktree.Sandbox) (feature.Status, error) {
	log := r.logger.With(
		zap.String("project", unit.ProjectID),
		zap.String("unit", unit.ID),
		zap.Int("attempt", unit.Attempt))

	// First coder pass: implement the unit from scratch in the sandbox.
	result, err := r.invokeRecorded(ctx, worker.KindCoder, unit, worker.Task{
		UnitID:      unit.ID,
		Description: implementPrompt(unit),
		Criteria:    unit.Criteria,
		SandboxRoot: sb.Path,
	})
	if err != nil {
		return r.failAttempt(ctx, unit, sb, describeWorkerFailure(worker.KindCoder, err))
	}
	if !result.Success {
		return r.failAttempt(ctx, unit, sb, fmt.Sprintf("coder reported failure: %s", result.Notes))
	}

	var priorFailures []string
	for {
		status, err := r.codeValidateLoop(ctx, unit, sb, priorFailures, log)
		if err != nil || status != feature.StatusReview {
			return status, err
		}

		approved, reviewNotes, status, err := r.review(ctx, unit, sb)
		if err != nil || status != "" {
			return status, err
		}
		if approved {
			return r.merge(ctx, unit, sb, log)
		}

		// Changes requested: back to the code-validate loop with the
		// review notes as fix input. The iteration budget is shared.
		r.sink.Publish(activity.Event{
			ProjectID: unit.ProjectID, UnitID: unit.ID,
			Kind:    activity.EventReviewRequested,
			Payload: map[string]any{"notes": reviewNotes},
		})
		if _, err := r.transition(ctx, unit, feature.StatusInProgress, ""); err != nil {
			return feature.StatusFailed, err
		}
		priorFailures = []string{reviewNotes}
	}
}

// codeValidateLoop runs validate/fix passes until validation passes or the
// shared iteration budget is exhausted.
func (r *Runner) codeValidateLoop(ctx context.Context, unit *feature.Unit, sb *worktree.Sandbox,
	pendingFixes []string, log *zap.Logger) (feature.Status, error) {

	// A re-entry from review starts with a fix pass for the requested
	// changes before validating again.
	if len(pendingFixes) > 0 {
		if status, err := r.fix(ctx, unit, sb, pendingFixes); err != nil || status != "" {
			return status, err
		}
	}

	for unit.Iteration < r.cfg.MaxCodeTestIterations {
		passed, failures, err := r.validate(ctx, unit, sb)
		if err != nil {
			return r.failAttempt(ctx, unit, sb, describeWorkerFailure(worker.KindValidator, err))
		}
		if passed {
			if _, err := r.transition(ctx, unit, feature.StatusReview, ""); err != nil {
				return feature.StatusFailed, err
			}
			log.Info("validation passed", zap.Int("iteration", unit.Iteration))
			return feature.StatusReview, nil
		}

		r.sink.Publish(activity.Event{
			ProjectID: unit.ProjectID, UnitID: unit.ID,
			Kind:    activity.EventValidationFailed,
			Payload: map[string]any{"iteration": unit.Iteration, "failures": failures},
		})
		log.Info("validation failed",
			zap.Int("iteration", unit.Iteration),
			zap.Int("failures", len(failures)))

		if status, err := r.fix(ctx, unit, sb, failures); err != nil || status != "" {
			return status, err
		}
	}

	return r.failAttempt(ctx, unit, sb, iterationsExceededMsg)
}

// fix runs one coder fix pass and consumes one iteration. A non-empty
// returned status means the attempt ended inside the fix.
func (r *Runner) fix(ctx context.Context, unit *feature.Unit, sb *worktree.Sandbox, failures []string) (feature.Status, error) {
	result, err := r.invokeRecorded(ctx, worker.KindCoder, unit, worker.Task{
		UnitID:        unit.ID,
		Description:   fixPrompt(unit),
		Criteria:      unit.Criteria,
		SandboxRoot:   sb.Path,
		PriorFailures: failures,
	})
	if err != nil {
		return r.failAttemptErr(ctx, unit, sb, describeWorkerFailure(worker.KindCoder, err))
	}
	if !result.Success {
		return r.failAttemptErr(ctx, unit, sb, fmt.Sprintf("coder reported failure: %s", result.Notes))
	}

	updated, err := r.store.UpdateUnit(ctx, unit.ProjectID, unit.ID, func(u *feature.Unit) error {
		u.Iteration++
		return nil
	})
	if err != nil {
		return feature.StatusFailed, err
	}
	unit.Iteration = updated.Iteration
	return "", nil
}

// review invokes the reviewer once. A non-empty returned status means the
// attempt ended inside the review.
func (r *Runner) review(ctx context.Context, unit *feature.Unit, sb *worktree.Sandbox) (bool, string, feature.Status, error) {
	result, err := r.invokeRecorded(ctx, worker.KindReviewer, unit, worker.Task{
		UnitID:      unit.ID,
		Description: reviewPrompt(unit),
		Criteria:    unit.Criteria,
		SandboxRoot: sb.Path,
	})
	if err != nil {
		status, ferr := r.failAttempt(ctx, unit, sb, describeWorkerFailure(worker.KindReviewer, err))
		return false, "", status, ferr
	}
	return result.Success, result.Notes, "", nil
}

// merge lands the approved sandbox on trunk. On conflict it runs one
// bounded resolution pass (the coder, with the conflicted files as
// context) and re-attempts once; a second conflict escalates: the unit
// stays in review, flagged, with trunk untouched.
func (r *Runner) merge(ctx context.Context, unit *feature.Unit, sb *worktree.Sandbox, log *zap.Logger) (feature.Status, error) {
	res, err := r.sandboxes.Merge(ctx, sb)
	if err != nil {
		return r.failAttempt(ctx, unit, sb, fmt.Sprintf("merge failed: %v", err))
	}
	if res.Merged {
		return r.complete(ctx, unit, res.Commit, log)
	}

	r.sink.Publish(activity.Event{
		ProjectID: unit.ProjectID, UnitID: unit.ID,
		Kind:    activity.EventMergeConflict,
		Payload: map[string]any{"files": res.ConflictFiles},
	})
	log.Warn("merge conflict, attempting automatic resolution",
		zap.Strings("files", res.ConflictFiles))

	result, err := r.invokeRecorded(ctx, worker.KindCoder, unit, worker.Task{
		UnitID:        unit.ID,
		Description:   conflictPrompt(unit),
		Criteria:      unit.Criteria,
		SandboxRoot:   sb.Path,
		PriorFailures: conflictFailures(res.ConflictFiles),
	})
	if err == nil && result.Success {
		res, err = r.sandboxes.Merge(ctx, sb)
		if err != nil {
			return r.failAttempt(ctx, unit, sb, fmt.Sprintf("merge failed: %v", err))
		}
		if res.Merged {
			return r.complete(ctx, unit, res.Commit, log)
		}
	}

	// Still conflicted (or the resolution pass itself failed): escalate
	// rather than silently failing. The scheduler skips the unit and
	// continues with siblings.
	if _, uerr := r.store.UpdateUnit(ctx, unit.ProjectID, unit.ID, func(u *feature.Unit) error {
		u.Escalated = true
		u.ConflictFiles = res.ConflictFiles
		u.LastError = fmt.Sprintf("merge conflict unresolved after automatic resolution (files: %v)", res.ConflictFiles)
		return nil
	}); uerr != nil {
		return feature.StatusFailed, uerr
	}
	r.sink.Publish(activity.Event{
		ProjectID: unit.ProjectID, UnitID: unit.ID,
		Kind:    activity.EventMergeEscalated,
		Payload: map[string]any{"files": res.ConflictFiles},
	})
	log.Error("merge conflict escalated", zap.Strings("files", res.ConflictFiles))
	return feature.StatusReview, nil
}

func (r *Runner) complete(ctx context.Context, unit *feature.Unit, commit string, log *zap.Logger) (feature.Status, error) {
	if _, err := r.store.UpdateUnit(ctx, unit.ProjectID, unit.ID, func(u *feature.Unit) error {
		u.Status = feature.StatusCompleted
		u.CompletedAt = time.Now().UTC()
		u.SandboxPath = ""
		u.Branch = ""
		u.LastError = ""
		return nil
	}); err != nil {
		return feature.StatusFailed, err
	}
	r.sink.Publish(activity.Event{
		ProjectID: unit.ProjectID, UnitID: unit.ID,
		Kind:    activity.EventUnitCompleted,
		Payload: map[string]any{"commit": commit, "iterations": unit.Iteration},
	})
	log.Info("unit completed", zap.String("commit", commit))
	return feature.StatusCompleted, nil
}

// failAttempt ends the current attempt. With attempts left the unit
// re-enters pending with a cleared sandbox binding and a reset iteration
// counter: no state from a failed attempt is reused. Otherwise the failure
// is terminal and the sandbox is retained per policy.
func (r *Runner) failAttempt(ctx context.Context, unit *feature.Unit, sb *worktree.Sandbox, cause string) (feature.Status, error) {
	if ctx.Err() != nil {
		// Shutdown or operator cancel: the caller decides the unit's fate.
		return "", ctx.Err()
	}

	retrying := unit.Attempt < r.cfg.MaxAttempts
	summary := fmt.Sprintf("attempt %d: %s (after %d fix iterations)", unit.Attempt, cause, unit.Iteration)

	var target feature.Status
	if retrying {
		target = feature.StatusPending
	} else {
		target = feature.StatusFailed
		summary = fmt.Sprintf("%s; %v", summary, ErrRetryExhausted)
	}

	if _, err := r.store.UpdateUnit(ctx, unit.ProjectID, unit.ID, func(u *feature.Unit) error {
		u.Status = target
		u.LastError = summary
		u.SandboxPath = ""
		u.Branch = ""
		u.Iteration = 0
		if target == feature.StatusFailed {
			u.CompletedAt = time.Now().UTC()
		}
		return nil
	}); err != nil {
		return feature.StatusFailed, err
	}

	retain := !retrying && r.cfg.RetainFailedSandboxes
	if err := r.sandboxes.Discard(ctx, sb, retain); err != nil {
		r.logger.Warn("failed to discard sandbox",
			zap.String("unit", unit.ID), zap.Error(err))
	}

	if retrying {
		r.sink.Publish(activity.Event{
			ProjectID: unit.ProjectID, UnitID: unit.ID,
			Kind:    activity.EventUnitRetrying,
			Payload: map[string]any{"attempt": unit.Attempt, "cause": cause},
		})
		r.logger.Info("unit will retry",
			zap.String("unit", unit.ID),
			zap.Int("attempt", unit.Attempt),
			zap.String("cause", cause))
		return feature.StatusPending, nil
	}

	r.sink.Publish(activity.Event{
		ProjectID: unit.ProjectID, UnitID: unit.ID,
		Kind:    activity.EventUnitFailed,
		Payload: map[string]any{"attempt": unit.Attempt, "cause": cause},
	})
	r.logger.Error("unit failed",
		zap.String("unit", unit.ID),
		zap.String("cause", cause))
	return feature.StatusFailed, nil
}

// failAttemptErr adapts failAttempt for call sites that only propagate a
// non-empty status.
func (r *Runner) failAttemptErr(ctx context.Context, unit *feature.Unit, sb *worktree.Sandbox, cause string) (feature.Status, error) {
	status, err := r.failAttempt(ctx, unit, sb, cause)
	if status == "" && err == nil {
		return feature.StatusFailed, nil
	}
	return status, err
}

func (r *Runner) transition(ctx context.Context, unit *feature.Unit, to feature.Status, lastError string) (*feature.Unit, error) {
	updated, err := r.store.UpdateUnit(ctx, unit.ProjectID, unit.ID, func(u *feature.Unit) error {
		u.Status = to
		if lastError != "" {
			u.LastError = lastError
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transitioning unit %s to %s: %w", unit.ID, to, err)
	}
	unit.Status = to
	return updated, nil
}

// invokeRecorded runs one invocation and appends the immutable run record.
func (r *Runner) invokeRecorded(ctx context.Context, kind worker.Kind, unit *feature.Unit, task worker.Task) (*worker.Result, error) {
	run := &feature.Run{
		UnitID:    unit.ID,
		Worker:    string(kind),
		StartedAt: time.Now().UTC(),
	}
	result, err := r.invoker.Invoke(ctx, r.caps[kind], task)
	run.EndedAt = time.Now().UTC()

	switch {
	case errors.Is(err, worker.ErrTimedOut):
		run.Status = feature.RunTimedOut
		run.Error = err.Error()
	case err != nil:
		run.Status = feature.RunFailed
		run.Error = err.Error()
	case result.Success:
		run.Status = feature.RunSucceeded
		run.Notes = result.Notes
		run.Artifacts = result.ArtifactsChanged
	default:
		run.Status = feature.RunFailed
		run.Notes = result.Notes
		run.Artifacts = result.ArtifactsChanged
	}

	if aerr := r.store.AppendRun(ctx, run); aerr != nil {
		r.logger.Warn("failed to append run record",
			zap.String("unit", unit.ID), zap.Error(aerr))
	}
	return result, err
}

func describeWorkerFailure(kind worker.Kind, err error) string {
	if errors.Is(err, worker.ErrTimedOut) {
		return fmt.Sprintf("%s timed out", kind)
	}
	return fmt.Sprintf("%s error: %v", kind, err)
}

func conflictFailures(files []string) []string {
	out := make([]string, 0, len(files)+1)
	out = append(out, "merge into trunk conflicted; resolve the conflict markers and keep both intents where possible")
	for _, f := range files {
		out = append(out, "conflicted file: "+f)
	}
	return out
}

func implementPrompt(u *feature.Unit) string {
	return fmt.Sprintf("Implement feature %q: %s", u.Name, u.Description)
}

func fixPrompt(u *feature.Unit) string {
	return fmt.Sprintf("Fix feature %q so the failing acceptance checks pass", u.Name)
}

func reviewPrompt(u *feature.Unit) string {
	return fmt.Sprintf("Review the implementation of feature %q against its acceptance criteria", u.Name)
}

func conflictPrompt(u *feature.Unit) string {
	return fmt.Sprintf("Resolve the merge conflict for feature %q in this sandbox", u.Name)
}
