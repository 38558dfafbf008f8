// Package dispatch implements the Monthly Optimizer (§4.6): a single
// full-month LP solve used for sizing, benchmarking, and as the reference
// engine the rolling-horizon controller is checked against.
package dispatch

import (
	"sync"

	"github.com/voltgrid/dispatch/battery"
	"github.com/voltgrid/dispatch/faults"
	"github.com/voltgrid/dispatch/lp"
	"github.com/voltgrid/dispatch/simplex"
	"github.com/voltgrid/dispatch/tariff"
	"github.com/voltgrid/dispatch/timegrid"
)

// MonthResult is one calendar month's solved window plus the exact,
// post-processed power-tariff cost (§4.2: the LP's bracket-activation term
// is a conservative approximation; the caller-visible cost always uses the
// exact step function evaluated at the solved peak).
type MonthResult struct {
	Window            *lp.WindowResult
	ExactPowerTariff   float64
	TotalCost          float64
	FinalSOCkWh        float64
}

// MonthlyOptimizer solves one calendar month at a time, optionally seeding
// each month's initial SOC from the previous month's final SOC for
// sequential annual use (§4.6).
type MonthlyOptimizer struct {
	Battery    battery.Spec
	Tariff     tariff.Spec
	GridLimits lp.GridLimits
	Solver     simplex.Solver
}

// NewMonthlyOptimizer constructs a MonthlyOptimizer with the default
// solver (a BigMSimplex instance), letting callers override the Solver
// field for an alternate implementation or test double.
func NewMonthlyOptimizer(bs battery.Spec, ts tariff.Spec, gl lp.GridLimits) *MonthlyOptimizer {
	return &MonthlyOptimizer{Battery: bs, Tariff: ts, GridLimits: gl, Solver: simplex.BigMSimplex{}}
}

// SolveMonth builds and solves one month's LP in tight peak mode, returning
// the decoded result and the exact power-tariff cost.
func (m *MonthlyOptimizer) SolveMonth(grid *timegrid.Grid, series lp.ExogenousSeries, initialSOCkWh float64) (*MonthResult, error) {
	const op = "dispatch.MonthlyOptimizer.SolveMonth"
	solver := m.Solver
	if solver == nil {
		solver = simplex.BigMSimplex{}
	}

	w := &lp.Window{
		Grid:          grid,
		Series:        series,
		Battery:       m.Battery,
		Tariff:        m.Tariff,
		GridLimits:    m.GridLimits,
		InitialSOCkWh: initialSOCkWh,
		Mode:          lp.PeakModeTight,
	}
	problem, layout, err := lp.BuildWindow(w)
	if err != nil {
		return nil, err
	}
	sol, err := solver.Solve(problem)
	if err != nil {
		return nil, faults.Numericalf(op, "solver call failed: %w", err)
	}
	result, err := lp.ExtractResult(w, layout, sol)
	if err != nil {
		return nil, err
	}

	exact, err := m.Tariff.PowerTariffExact(result.PeakWindowKW)
	if err != nil {
		return nil, err
	}
	total := result.EnergyCost + exact + result.DegradationCost

	finalSOC := initialSOCkWh
	if len(result.EnergyKWh) > 0 {
		finalSOC = result.EnergyKWh[len(result.EnergyKWh)-1]
	}

	return &MonthResult{
		Window:           result,
		ExactPowerTariff: exact,
		TotalCost:        total,
		FinalSOCkWh:      finalSOC,
	}, nil
}

// SolveYear runs SolveMonth once per entry in grids/series (typically 12
// calendar months), seeding each month's initial SOC from the previous
// month's final SOC (§4.6 "Sequential annual use"). month_peak_kw resets
// naturally because each month is an independent LP.
func (m *MonthlyOptimizer) SolveYear(grids []*timegrid.Grid, series []lp.ExogenousSeries, initialSOCkWh float64) ([]*MonthResult, error) {
	const op = "dispatch.MonthlyOptimizer.SolveYear"
	if len(grids) != len(series) {
		return nil, faults.Configurationf(op, "grids and series must have the same length, got %d and %d", len(grids), len(series))
	}
	results := make([]*MonthResult, len(grids))
	soc := initialSOCkWh
	for i := range grids {
		r, err := m.SolveMonth(grids[i], series[i], soc)
		if err != nil {
			return nil, err
		}
		results[i] = r
		soc = r.FinalSOCkWh
	}
	return results, nil
}

// SweepTask is one independent monthly-optimizer run in a parameter sweep.
type SweepTask struct {
	Name       string
	Optimizer  *MonthlyOptimizer
	Grid       *timegrid.Grid
	Series     lp.ExogenousSeries
	InitialSOC float64
}

// SweepOutcome pairs a task's name with its result or error.
type SweepOutcome struct {
	Name   string
	Result *MonthResult
	Err    error
}

// RunSweep runs each task's monthly solve concurrently, one goroutine per
// task: embarrassingly parallel, since each task owns an independent
// MonthlyOptimizer+Window with no shared mutable state.
func RunSweep(tasks []SweepTask) []SweepOutcome {
	outcomes := make([]SweepOutcome, len(tasks))
	var wg sync.WaitGroup
	wg.Add(len(tasks))
	for i, task := range tasks {
		go func(i int, task SweepTask) {
			defer wg.Done()
			result, err := task.Optimizer.SolveMonth(task.Grid, task.Series, task.InitialSOC)
			outcomes[i] = SweepOutcome{Name: task.Name, Result: result, Err: err}
		}(i, task)
	}
	wg.Wait()
	return outcomes
}
