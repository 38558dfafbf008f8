// Package simplex implements the LP Solver Interface (§4.5): given an LP in
// standard form with box-bounded variables, equality and ≤ constraints, it
// returns a primal solution, dual multipliers, objective value and status.
//
// The only concrete implementation is a dense bounded-variable Big-M
// simplex (see bigm.go) — no example in the retrieval pack imports an
// LP/simplex/interior-point library, so this component is implemented
// directly on the standard library rather than a fabricated dependency
// (see DESIGN.md).
package simplex

import (
	"fmt"

	"github.com/voltgrid/dispatch/faults"
)

// LargeBound stands in for +∞ on any variable whose natural upper bound is
// "whatever the physics allows" (e.g. curtailment). Every quantity in this
// domain is physically bounded, so representing "unbounded" variables with
// a large finite constant lets the solver use a uniform bounded-variable
// algorithm without special-casing infinite bounds; see DESIGN.md.
const LargeBound = 1e9

// eps is the numerical tolerance used throughout the solver for comparing
// floats to zero.
const eps = 1e-9

// Status is the solver's outcome, matching §4.5's four-way contract.
type Status int

const (
	StatusOptimal Status = iota
	StatusInfeasible
	StatusUnbounded
	StatusNumericalError
)

func (s Status) String() string {
	switch s {
	case StatusOptimal:
		return "Optimal"
	case StatusInfeasible:
		return "Infeasible"
	case StatusUnbounded:
		return "Unbounded"
	case StatusNumericalError:
		return "NumericalError"
	default:
		return "Unknown"
	}
}

// Bound is a variable's [Lower, Upper] box constraint.
type Bound struct {
	Lower float64
	Upper float64
}

// Entry is one nonzero coefficient of a sparse constraint row.
type Entry struct {
	Col int
	Val float64
}

// Problem is an LP in the form:
//
//	minimize    Cost · x
//	subject to  EqRows x = EqRHS
//	            LeRows x ≤ LeRHS
//	            Bounds[j].Lower ≤ x[j] ≤ Bounds[j].Upper
//
// Constraint rows are sparse (~3-5% density is expected at production
// scale, per §4.5); the solver densifies them once per Solve call.
type Problem struct {
	NumVars int
	Cost    []float64
	Bounds  []Bound

	EqRows []Entry // flattened; EqRowStart delimits row i as [EqRowStart[i], EqRowStart[i+1])
	EqRowStart []int
	EqRHS  []float64

	LeRows []Entry
	LeRowStart []int
	LeRHS  []float64

	VarNames []string // optional, diagnostics only
}

// NumEq and NumLe return the number of equality/inequality rows.
func (p *Problem) NumEq() int { return len(p.EqRHS) }
func (p *Problem) NumLe() int { return len(p.LeRHS) }

func (p *Problem) eqRow(i int) []Entry { return p.EqRows[p.EqRowStart[i]:p.EqRowStart[i+1]] }
func (p *Problem) leRow(i int) []Entry { return p.LeRows[p.LeRowStart[i]:p.LeRowStart[i+1]] }

// Validate checks structural consistency of the problem description.
func (p *Problem) Validate() error {
	const op = "simplex.Problem.Validate"
	if p.NumVars <= 0 {
		return faults.Configurationf(op, "problem must have at least one variable")
	}
	if len(p.Cost) != p.NumVars {
		return faults.Configurationf(op, "cost vector length %d does not match NumVars %d", len(p.Cost), p.NumVars)
	}
	if len(p.Bounds) != p.NumVars {
		return faults.Configurationf(op, "bounds length %d does not match NumVars %d", len(p.Bounds), p.NumVars)
	}
	for j, b := range p.Bounds {
		if b.Lower > b.Upper+eps {
			return faults.Configurationf(op, "variable %d has lower bound %v greater than upper bound %v", j, b.Lower, b.Upper)
		}
	}
	if len(p.EqRowStart) != len(p.EqRHS)+1 {
		return faults.Configurationf(op, "EqRowStart must have length len(EqRHS)+1")
	}
	if len(p.LeRowStart) != len(p.LeRHS)+1 {
		return faults.Configurationf(op, "LeRowStart must have length len(LeRHS)+1")
	}
	checkCols := func(entries []Entry) error {
		for _, e := range entries {
			if e.Col < 0 || e.Col >= p.NumVars {
				return fmt.Errorf("entry column %d out of range [0,%d)", e.Col, p.NumVars)
			}
		}
		return nil
	}
	if err := checkCols(p.EqRows); err != nil {
		return faults.Configurationf(op, "%v", err)
	}
	if err := checkCols(p.LeRows); err != nil {
		return faults.Configurationf(op, "%v", err)
	}
	return nil
}

// Solution is the result of a Solve call.
type Solution struct {
	Status         Status
	X              []float64
	ObjectiveValue float64
	DualEq         []float64 // shadow price per equality row
	DualLe         []float64 // shadow price per ≤ row
	Iterations     int
}

// Solver is the capability set every concrete LP solver implementation
// must provide (§9 Design Notes: "abstract polymorphism over solvers" is
// replaced with a single concrete interface).
type Solver interface {
	Solve(p *Problem) (Solution, error)
}
