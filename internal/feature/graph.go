// Package feature owns the unit model and the dependency graph that the
// scheduler plans against. The graph is backed by the durable store; the
// ready set is a pure query over current status snapshots, so completing a
// unit never writes to its dependents.
package feature

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Store is the record store the graph reads and writes.
//
// UpdateUnit must apply fn inside a single atomic read-modify-write
// transaction keyed by unit ID.
type Store interface {
	PutUnit(ctx context.Context, u *Unit) error
	GetUnit(ctx context.Context, projectID, unitID string) (*Unit, error)
	UpdateUnit(ctx context.Context, projectID, unitID string, fn func(*Unit) error) (*Unit, error)
	ListUnits(ctx context.Context, projectID string) ([]*Unit, error)
}

// Graph exposes the dependency graph of one project.
//
// Graph holds no state of its own: every query reads the store, so the
// scheduler and lifecycle tasks always see current statuses.
type Graph struct {
	store   Store
	project string
}

// NewGraph creates a graph over the given project's units.
func NewGraph(store Store, projectID string) *Graph {
	return &Graph{store: store, project: projectID}
}

// ProjectID returns the project this graph belongs to.
func (g *Graph) ProjectID() string { return g.project }

// AddUnit validates and persists a new unit. The unit enters the graph in
// pending state unless another valid status is already set.
func (g *Graph) AddUnit(ctx context.Context, u *Unit) error {
	if u.ProjectID == "" {
		u.ProjectID = g.project
	}
	if u.Status == "" {
		u.Status = StatusPending
	}
	if err := u.Validate(); err != nil {
		return err
	}
	if existing, err := g.store.GetUnit(ctx, g.project, u.ID); err == nil && existing != nil {
		return fmt.Errorf("%w: %s", ErrUnitExists, u.ID)
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if err := g.store.PutUnit(ctx, u); err != nil {
		return fmt.Errorf("adding unit %s: %w", u.ID, err)
	}
	return nil
}

// AddDependency records that unit depends on dep.
//
// The edge is checked for cycles by reachability before insertion: the edge
// unit -> dep closes a cycle exactly when unit is already reachable from dep
// along existing depends-on edges. On CycleError the graph is unchanged.
func (g *Graph) AddDependency(ctx context.Context, unitID, depID string) error {
	if unitID == depID {
		return &CycleError{UnitID: unitID, DependsOn: depID}
	}
	units, err := g.store.ListUnits(ctx, g.project)
	if err != nil {
		return fmt.Errorf("loading graph: %w", err)
	}
	byID := unitsByID(units)
	if _, ok := byID[unitID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnitNotFound, unitID)
	}
	if _, ok := byID[depID]; !ok {
		return &MissingDependencyError{UnitID: unitID, DependsOn: depID}
	}
	if reachable(byID, depID, unitID) {
		return &CycleError{UnitID: unitID, DependsOn: depID}
	}
	_, err = g.store.UpdateUnit(ctx, g.project, unitID, func(u *Unit) error {
		if slices.Contains(u.DependsOn, depID) {
			return nil
		}
		u.DependsOn = append(u.DependsOn, depID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("adding dependency %s -> %s: %w", unitID, depID, err)
	}
	return nil
}

// ReadyUnits returns every pending unit whose dependency set is empty or
// entirely completed, ordered by priority descending then ID ascending so
// claiming is deterministic.
//
// This is a pure query over the current snapshot; it performs no writes.
func (g *Graph) ReadyUnits(ctx context.Context) ([]*Unit, error) {
	units, err := g.store.ListUnits(ctx, g.project)
	if err != nil {
		return nil, fmt.Errorf("listing units: %w", err)
	}
	status := make(map[string]Status, len(units))
	for _, u := range units {
		status[u.ID] = u.Status
	}

	var ready []*Unit
	for _, u := range units {
		if u.Status != StatusPending {
			continue
		}
		if unitReady(u, status) {
			ready = append(ready, u)
		}
	}
	slices.SortFunc(ready, func(a, b *Unit) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return strings.Compare(a.ID, b.ID)
	})
	return ready, nil
}

// Done reports whether every unit in the graph is terminal.
func (g *Graph) Done(ctx context.Context) (bool, error) {
	units, err := g.store.ListUnits(ctx, g.project)
	if err != nil {
		return false, fmt.Errorf("listing units: %w", err)
	}
	for _, u := range units {
		if !u.Status.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

// Validate checks the whole graph once at load time: every dependency must
// reference a known unit and the edge set must be acyclic. A cycle makes
// "ready" undefined, so scheduling must not start on a graph that fails here.
func (g *Graph) Validate(ctx context.Context) error {
	units, err := g.store.ListUnits(ctx, g.project)
	if err != nil {
		return fmt.Errorf("loading graph: %w", err)
	}
	byID := unitsByID(units)

	for _, u := range units {
		for _, dep := range u.DependsOn {
			if _, ok := byID[dep]; !ok {
				return &MissingDependencyError{UnitID: u.ID, DependsOn: dep}
			}
		}
	}

	// Kahn's algorithm: leftover nodes after peeling are on a cycle.
	indegree := make(map[string]int, len(units))
	dependents := make(map[string][]string, len(units))
	for _, u := range units {
		indegree[u.ID] = len(u.DependsOn)
		for _, dep := range u.DependsOn {
			dependents[dep] = append(dependents[dep], u.ID)
		}
	}
	var queue []string
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	seen := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		seen++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if seen != len(units) {
		for _, u := range units {
			if indegree[u.ID] > 0 && len(u.DependsOn) > 0 {
				return &CycleError{UnitID: u.ID, DependsOn: u.DependsOn[0]}
			}
		}
		return fmt.Errorf("%w: dependency cycle detected", ErrGraph)
	}
	return nil
}

// unitReady reports whether every dependency of u is completed.
// Unknown dependencies can never be satisfied, so they hold the unit back
// rather than erroring; Validate rejects them before scheduling starts.
func unitReady(u *Unit, status map[string]Status) bool {
	for _, dep := range u.DependsOn {
		if status[dep] != StatusCompleted {
			return false
		}
	}
	return true
}

// reachable reports whether `to` can be reached from `from` along
// depends-on edges.
func reachable(byID map[string]*Unit, from, to string) bool {
	stack := []string{from}
	visited := make(map[string]bool, len(byID))
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == to {
			return true
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		if u, ok := byID[id]; ok {
			stack = append(stack, u.DependsOn...)
		}
	}
	return false
}

func unitsByID(units []*Unit) map[string]*Unit {
	byID := make(map[string]*Unit, len(units))
	for _, u := range units {
		byID[u.ID] = u
	}
	return byID
}
