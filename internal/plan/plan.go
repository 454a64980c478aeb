// Package plan loads construction plans from YAML and seeds the feature
// graph with their units.
package plan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/conductd/internal/feature"
)

const maxPlanFileSize = 4 * 1024 * 1024 // 4MB

// Plan is one project's unit breakdown.
type Plan struct {
	Project string `yaml:"project"`
	Units   []Unit `yaml:"units"`
}

// Unit is one planned feature.
type Unit struct {
	ID          string              `yaml:"id"`
	Name        string              `yaml:"name"`
	Description string              `yaml:"description"`
	Priority    int                 `yaml:"priority"`
	DependsOn   []string            `yaml:"depends_on"`
	Criteria    []feature.Criterion `yaml:"criteria"`
}

// Load reads and validates a plan file.
func Load(path string) (*Plan, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("plan file %s: %w", path, err)
	}
	if info.Size() > maxPlanFileSize {
		return nil, fmt.Errorf("plan file too large: %d bytes (max %d)", info.Size(), maxPlanFileSize)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}

	var p Plan
	if err := yaml.Unmarshal(content, &p); err != nil {
		return nil, fmt.Errorf("parsing plan file %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan %s: %w", path, err)
	}
	return &p, nil
}

// Validate checks plan shape. Graph-level properties (missing
// dependencies, cycles) are checked after seeding, against the whole
// persisted graph.
func (p *Plan) Validate() error {
	if p.Project == "" {
		return fmt.Errorf("project is required")
	}
	if len(p.Units) == 0 {
		return fmt.Errorf("plan has no units")
	}
	seen := make(map[string]bool, len(p.Units))
	for i, u := range p.Units {
		if u.ID == "" {
			return fmt.Errorf("unit %d: id is required", i)
		}
		if seen[u.ID] {
			return fmt.Errorf("duplicate unit id %q", u.ID)
		}
		seen[u.ID] = true
		if u.Name == "" {
			return fmt.Errorf("unit %s: name is required", u.ID)
		}
		for _, c := range u.Criteria {
			if c.Tier != "" && !c.Tier.Valid() {
				return fmt.Errorf("unit %s: unknown criterion tier %q", u.ID, c.Tier)
			}
		}
	}
	return nil
}

// Seed inserts the plan's units into the graph and validates the result.
// Units already present are left untouched, so re-running a plan against
// an existing store resumes instead of resetting progress.
func (p *Plan) Seed(ctx context.Context, graph *feature.Graph, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	seeded := 0
	for _, u := range p.Units {
		unit := &feature.Unit{
			ID:          u.ID,
			ProjectID:   p.Project,
			Name:        u.Name,
			Description: u.Description,
			Priority:    u.Priority,
			DependsOn:   u.DependsOn,
			Criteria:    defaultTiers(u.Criteria),
			Status:      feature.StatusPending,
			CreatedAt:   time.Now().UTC(),
		}
		err := graph.AddUnit(ctx, unit)
		if errors.Is(err, feature.ErrUnitExists) {
			logger.Debug("unit already seeded", zap.String("unit", u.ID))
			continue
		}
		if err != nil {
			return fmt.Errorf("seeding unit %s: %w", u.ID, err)
		}
		seeded++
	}

	if err := graph.Validate(ctx); err != nil {
		return fmt.Errorf("plan graph is not schedulable: %w", err)
	}

	logger.Info("plan seeded",
		zap.String("project", p.Project),
		zap.Int("new_units", seeded),
		zap.Int("plan_units", len(p.Units)))
	return nil
}

// defaultTiers fills the logic tier on criteria that omit one.
func defaultTiers(criteria []feature.Criterion) []feature.Criterion {
	out := make([]feature.Criterion, len(criteria))
	for i, c := range criteria {
		if c.Tier == "" {
			c.Tier = feature.TierLogic
		}
		out[i] = c
	}
	return out
}
