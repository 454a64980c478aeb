package feature

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a unit.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether the status is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusReview, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Tier classifies how an acceptance criterion is verified.
//
// Tiers run in order and short-circuit on the first failure: logic checks
// are fast and deterministic, behavior checks exercise a running instance,
// and appearance checks only collect evidence for an external reviewer.
type Tier string

const (
	TierLogic      Tier = "logic"
	TierBehavior   Tier = "behavior"
	TierAppearance Tier = "appearance"
)

// Valid reports whether the tier is known.
func (t Tier) Valid() bool {
	switch t {
	case TierLogic, TierBehavior, TierAppearance:
		return true
	}
	return false
}

// Criterion is one acceptance criterion with its verification tier.
type Criterion struct {
	Description string `json:"description" yaml:"description"`
	Tier        Tier   `json:"tier" yaml:"tier"`
}

// Unit is one implementable slice of work.
//
// Sandbox binding fields (SandboxPath, Branch) are populated only while the
// unit is active. Iteration counts code-validate loop passes and is shared
// across review cycles within one attempt. Attempt counts retries after a
// terminal failure re-entered the unit into pending.
type Unit struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"project_id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Criteria    []Criterion `json:"criteria,omitempty"`
	Status      Status      `json:"status"`
	Priority    int         `json:"priority"`
	DependsOn   []string    `json:"depends_on,omitempty"`

	SandboxPath string `json:"sandbox_path,omitempty"`
	Branch      string `json:"branch,omitempty"`

	Iteration int `json:"iteration"`
	Attempt   int `json:"attempt"`

	// Escalated marks a unit whose merge conflicted again after the bounded
	// automatic resolution pass. The unit stays in review until an operator
	// acts; the scheduler skips it and continues with siblings.
	Escalated     bool     `json:"escalated,omitempty"`
	ConflictFiles []string `json:"conflict_files,omitempty"`

	LastError string `json:"last_error,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks the unit is well formed for insertion into a graph.
func (u *Unit) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("%w: unit id is required", ErrInvalidUnit)
	}
	if u.ProjectID == "" {
		return fmt.Errorf("%w: project id is required", ErrInvalidUnit)
	}
	if u.Name == "" {
		return fmt.Errorf("%w: unit name is required", ErrInvalidUnit)
	}
	if u.Status != "" && !u.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidUnit, u.Status)
	}
	for _, c := range u.Criteria {
		if c.Description == "" {
			return fmt.Errorf("%w: criterion description is required", ErrInvalidUnit)
		}
		if !c.Tier.Valid() {
			return fmt.Errorf("%w: unknown criterion tier %q", ErrInvalidUnit, c.Tier)
		}
	}
	for _, dep := range u.DependsOn {
		if dep == u.ID {
			return fmt.Errorf("%w: unit %s depends on itself", ErrInvalidUnit, u.ID)
		}
	}
	return nil
}

// CriteriaForTier returns the criteria verified at the given tier.
func (u *Unit) CriteriaForTier(tier Tier) []Criterion {
	var out []Criterion
	for _, c := range u.Criteria {
		if c.Tier == tier {
			out = append(out, c)
		}
	}
	return out
}

// ErrInvalidUnit is returned when a unit fails validation.
var ErrInvalidUnit = errors.New("invalid unit")

// RunStatus is the terminal status of one worker invocation.
type RunStatus string

const (
	RunSucceeded RunStatus = "success"
	RunFailed    RunStatus = "failure"
	RunTimedOut  RunStatus = "timeout"
)

// Run records one invocation of one worker capability against one unit.
// Runs are immutable once closed; history is append-only per unit.
type Run struct {
	ID        string    `json:"id"`
	UnitID    string    `json:"unit_id"`
	Worker    string    `json:"worker"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Status    RunStatus `json:"status"`
	Notes     string    `json:"notes,omitempty"`
	Artifacts []string  `json:"artifacts,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Checkpoint is a periodic observation of a sandbox's latest commit.
// It is liveness evidence for stall detection, never a correctness signal.
type Checkpoint struct {
	UnitID     string    `json:"unit_id"`
	Head       string    `json:"head"`
	ObservedAt time.Time `json:"observed_at"`
}
