// Package worker runs external worker capabilities against sandboxes
// through a fixed-capacity slot pool with hard per-invocation timeouts.
//
// A capability is opaque: the orchestrator hands it a task and a sandbox
// root and branches only on success, error, or timeout. Notes are carried
// through uninterpreted.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/conductd/internal/feature"
)

// Kind tags a worker capability.
type Kind string

const (
	// KindCoder implements and fixes units.
	KindCoder Kind = "coder"
	// KindValidator checks acceptance criteria against a sandbox.
	KindValidator Kind = "validator"
	// KindReviewer judges a completed unit before merge.
	KindReviewer Kind = "reviewer"
)

// Kinds lists every capability kind the lifecycle invokes.
func Kinds() []Kind {
	return []Kind{KindCoder, KindValidator, KindReviewer}
}

// Task is one unit of work handed to a capability.
type Task struct {
	UnitID        string              `json:"unit_id"`
	Description   string              `json:"description"`
	Criteria      []feature.Criterion `json:"acceptance_criteria,omitempty"`
	SandboxRoot   string              `json:"sandbox_root"`
	PriorFailures []string            `json:"prior_failures,omitempty"`
}

// Result is the structured outcome of a capability invocation.
type Result struct {
	Success          bool     `json:"success"`
	ArtifactsChanged []string `json:"artifacts_changed,omitempty"`
	Notes            string   `json:"notes,omitempty"`
}

// Capability is an external worker: given a task and a filesystem root it
// either succeeds or fails. How it decides what to write is out of scope.
type Capability interface {
	Kind() Kind
	Invoke(ctx context.Context, task Task) (*Result, error)
}

// ErrTimedOut is returned when an invocation exceeds its hard wall-clock
// timeout. A timeout is always a failure, never a partial success; the
// sandbox is left in whatever state the worker abandoned it in.
var ErrTimedOut = errors.New("worker invocation timed out")

// CapabilityError wraps a worker failure with its kind for diagnostics.
type CapabilityError struct {
	Kind Kind
	Err  error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s capability failed: %v", e.Kind, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }
