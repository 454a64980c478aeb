package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/conductd/internal/feature"
	"github.com/fyrsmithlabs/conductd/internal/plan"
)

var validateCmd = &cobra.Command{
	Use:   "validate <plan.yaml>",
	Short: "Check a plan without touching any state",
	Long: `Validate parses the plan, seeds it into a throwaway in-memory graph,
and checks that every dependency resolves and the graph is acyclic.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	p, err := plan.Load(args[0])
	if err != nil {
		return err
	}

	graph := feature.NewGraph(newScratchStore(), p.Project)
	if err := p.Seed(cmd.Context(), graph, nil); err != nil {
		return err
	}

	ready, err := graph.ReadyUnits(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Plan OK: project %q, %d units, %d immediately ready\n", p.Project, len(p.Units), len(ready))
	for _, u := range ready {
		fmt.Printf("  ready: %s (%s)\n", u.ID, u.Name)
	}
	return nil
}

// scratchStore is a throwaway in-memory feature.Store for offline plan
// validation.
type scratchStore struct {
	units map[string]*feature.Unit
}

func newScratchStore() *scratchStore {
	return &scratchStore{units: make(map[string]*feature.Unit)}
}

func (s *scratchStore) PutUnit(_ context.Context, u *feature.Unit) error {
	cp := *u
	s.units[u.ID] = &cp
	return nil
}

func (s *scratchStore) GetUnit(_ context.Context, _, unitID string) (*feature.Unit, error) {
	u, ok := s.units[unitID]
	if !ok {
		return nil, feature.ErrUnitNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *scratchStore) UpdateUnit(_ context.Context, _, unitID string, fn func(*feature.Unit) error) (*feature.Unit, error) {
	u, ok := s.units[unitID]
	if !ok {
		return nil, feature.ErrUnitNotFound
	}
	cp := *u
	if err := fn(&cp); err != nil {
		return nil, err
	}
	s.units[unitID] = &cp
	out := cp
	return &out, nil
}

func (s *scratchStore) ListUnits(context.Context, string) ([]*feature.Unit, error) {
	out := make([]*feature.Unit, 0, len(s.units))
	for _, u := range s.units {
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}
