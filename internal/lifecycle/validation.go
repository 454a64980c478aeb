package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/feature"
	"github.com/fyrsmithlabs/conductd/internal/worker"
	"github.com/fyrsmithlabs/conductd/internal/worktree"
)

// blockingTiers run in order and short-circuit on the first failure: logic
// checks are cheap, behavior checks need a running instance.
var blockingTiers = []feature.Tier{feature.TierLogic, feature.TierBehavior}

// validate runs the tiered validation pass for one iteration.
//
// Logic and behavior tiers gate progression; a tier with no criteria is
// trivially satisfied and skipped without an invocation. The appearance
// tier only gathers evidence for human review: it runs after the blocking
// tiers pass and its outcome never fails the unit.
func (r *Runner) validate(ctx context.Context, unit *feature.Unit, sb *worktree.Sandbox) (bool, []string, error) {
	for _, tier := range blockingTiers {
		criteria := unit.CriteriaForTier(tier)
		if len(criteria) == 0 {
			continue
		}
		result, err := r.invokeRecorded(ctx, worker.KindValidator, unit, worker.Task{
			UnitID:      unit.ID,
			Description: validatePrompt(unit, tier),
			Criteria:    criteria,
			SandboxRoot: sb.Path,
		})
		if err != nil {
			return false, nil, err
		}
		if !result.Success {
			return false, tierFailures(tier, result.Notes), nil
		}
	}

	r.collectAppearanceEvidence(ctx, unit, sb)
	return true, nil, nil
}

// collectAppearanceEvidence runs the appearance tier for its run record
// only. Failures are recorded, not propagated.
func (r *Runner) collectAppearanceEvidence(ctx context.Context, unit *feature.Unit, sb *worktree.Sandbox) {
	criteria := unit.CriteriaForTier(feature.TierAppearance)
	if len(criteria) == 0 {
		return
	}
	if _, err := r.invokeRecorded(ctx, worker.KindValidator, unit, worker.Task{
		UnitID:      unit.ID,
		Description: validatePrompt(unit, feature.TierAppearance),
		Criteria:    criteria,
		SandboxRoot: sb.Path,
	}); err != nil {
		r.logger.Debug("appearance evidence collection failed",
			zap.String("unit", unit.ID), zap.Error(err))
	}
}

func tierFailures(tier feature.Tier, notes string) []string {
	if notes == "" {
		return []string{fmt.Sprintf("%s validation failed", tier)}
	}
	return []string{fmt.Sprintf("%s validation failed: %s", tier, notes)}
}

func validatePrompt(u *feature.Unit, tier feature.Tier) string {
	return fmt.Sprintf("Verify the %s acceptance criteria for feature %q", tier, u.Name)
}
