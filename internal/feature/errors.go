package feature

import (
	"errors"
	"fmt"
)

// ErrGraph is the base error for structural graph problems. Graph errors
// are fatal at load time and must never surface at runtime.
var ErrGraph = errors.New("invalid feature graph")

// ErrUnitExists is returned when adding a unit whose ID is already present.
var ErrUnitExists = errors.New("unit already exists")

// ErrUnitNotFound is returned when a referenced unit does not exist.
var ErrUnitNotFound = errors.New("unit not found")

// CycleError reports a dependency edge that would create a cycle.
// The edge is rejected before insertion, leaving the graph unchanged.
type CycleError struct {
	UnitID    string
	DependsOn string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency %s -> %s would create a cycle", e.UnitID, e.DependsOn)
}

func (e *CycleError) Unwrap() error { return ErrGraph }

// MissingDependencyError reports a dependency edge referencing a unit
// that does not exist in the graph.
type MissingDependencyError struct {
	UnitID    string
	DependsOn string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("unit %s depends on unknown unit %s", e.UnitID, e.DependsOn)
}

func (e *MissingDependencyError) Unwrap() error { return ErrGraph }
