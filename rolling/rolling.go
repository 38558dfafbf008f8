// Package rolling implements the Rolling-Horizon Controller (§4.7): a
// sequential, single-threaded state machine that re-solves a short LP
// window at every step, applies only the first step, and carries
// BatteryState forward between solves.
package rolling

import (
	"fmt"
	"log"
	"time"

	"github.com/voltgrid/dispatch/battery"
	"github.com/voltgrid/dispatch/faults"
	"github.com/voltgrid/dispatch/lp"
	"github.com/voltgrid/dispatch/simplex"
	"github.com/voltgrid/dispatch/tariff"
	"github.com/voltgrid/dispatch/timegrid"
	"github.com/voltgrid/dispatch/trajectory"
)

// Phase is one state of the controller's state machine (§4.7).
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseBuildingWindow
	PhaseSolving
	PhaseApplyingFirstStep
	PhaseAdvancingState
	PhaseMonthBoundaryCheck
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseBuildingWindow:
		return "BuildingWindow"
	case PhaseSolving:
		return "Solving"
	case PhaseApplyingFirstStep:
		return "ApplyingFirstStep"
	case PhaseAdvancingState:
		return "AdvancingState"
	case PhaseMonthBoundaryCheck:
		return "MonthBoundaryCheck"
	case PhaseDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// Source supplies exogenous data for an arbitrary window starting at step
// index t0 and spanning w steps, plus a per-window TimeGrid. Implementations
// typically slice pre-loaded annual forecast arrays.
type Source interface {
	Grid(t0, w int) (*timegrid.Grid, error)
	Series(t0, w int) (lp.ExogenousSeries, error)
	Len() int
}

// Controller runs the rolling-horizon simulation described by §4.7.
type Controller struct {
	Battery       battery.Spec
	Tariff        tariff.Spec
	GridLimits    lp.GridLimits
	WindowSteps   int
	StepSize      int // receding-horizon step, typically 1
	DaysPerMonth  float64
	Solver        simplex.Solver
	Logger        *log.Logger

	// MaxConsecutiveFaults aborts the simulation once more than this many
	// consecutive solver faults (numerical error or timeout) have
	// occurred in a row (§4.7 "repeated faults (> threshold) abort").
	MaxConsecutiveFaults int

	// OnStep, if set, is called synchronously after every applied step
	// (real or safe-mode), letting a live dashboard stream progress
	// without the controller depending on any transport package.
	OnStep func(trajectory.Step)

	phase             Phase
	consecutiveFaults int
	faultCount        int
}

// NewController constructs a Controller with the default solver and a
// standard logger, both overridable by setting the corresponding field
// after construction.
func NewController(bs battery.Spec, ts tariff.Spec, gl lp.GridLimits, windowSteps int) *Controller {
	return &Controller{
		Battery:               bs,
		Tariff:                ts,
		GridLimits:            gl,
		WindowSteps:           windowSteps,
		StepSize:              1,
		DaysPerMonth:          30,
		Solver:                simplex.BigMSimplex{},
		Logger:                log.New(log.Writer(), "rolling: ", log.LstdFlags),
		MaxConsecutiveFaults:  5,
		phase:                 PhaseIdle,
	}
}

// FaultCount is the total number of safe-mode steps taken over the run.
func (c *Controller) FaultCount() int { return c.faultCount }

// Phase returns the state machine's current phase, useful for tests and
// live-dashboard reporting mid-run.
func (c *Controller) Phase() Phase { return c.phase }

// Run drives the state machine from t=0 to source.Len(), returning the
// accumulated Trajectory. state is the BatteryState at simulation start and
// is mutated in place as the simulation advances.
func (c *Controller) Run(source Source, state *battery.State) (*trajectory.Trajectory, error) {
	const op = "rolling.Controller.Run"
	if c.WindowSteps <= 0 {
		return nil, faults.Configurationf(op, "window_steps must be positive")
	}
	step := c.StepSize
	if step <= 0 {
		step = 1
	}
	solver := c.Solver
	if solver == nil {
		solver = simplex.BigMSimplex{}
	}

	tr := &trajectory.Trajectory{}
	c.phase = PhaseIdle

	horizon := source.Len()
	for t0 := 0; t0 < horizon; t0 += step {
		c.phase = PhaseBuildingWindow
		w := c.WindowSteps
		if t0+w > horizon {
			w = horizon - t0
		}
		if w <= 0 {
			break
		}

		grid, err := source.Grid(t0, w)
		if err != nil {
			return nil, err
		}
		series, err := source.Series(t0, w)
		if err != nil {
			return nil, err
		}

		forecastPeak := 0.0
		for t := range series.LoadKW {
			netImport := series.LoadKW[t] - series.PVkW[t]
			if netImport > forecastPeak {
				forecastPeak = netImport
			}
		}
		currentImportKW := series.LoadKW[0] - series.PVkW[0]
		if currentImportKW < 0 {
			currentImportKW = 0
		}
		daysRemaining := daysRemainingInMonth(grid.Time(0))
		penalty := lp.ComputePeakPenalty(c.Tariff.MarginalRate(), daysRemaining, c.DaysPerMonth, currentImportKW, state.MonthPeakKW, forecastPeak)

		window := &lp.Window{
			Grid:          grid,
			Series:        series,
			Battery:       c.Battery,
			Tariff:        c.Tariff,
			GridLimits:    c.GridLimits,
			InitialSOCkWh: state.SOCkWh,
			MonthPeakKW:   state.MonthPeakKW,
			Mode:          lp.PeakModePenalty,
			Penalty:       penalty,
		}

		c.phase = PhaseSolving
		result, safeMode, err := c.solveWithFallback(solver, window)
		if err != nil {
			return nil, err
		}

		c.phase = PhaseApplyingFirstStep
		firstStepDegradation := 0.0
		var stepRecord trajectory.Step
		if safeMode {
			stepRecord = trajectory.Step{
				Time:         grid.Time(0),
				GridImportKW: series.LoadKW[0] - series.PVkW[0],
				PriceImport:  series.PriceImport[0],
			}
			if stepRecord.GridImportKW < 0 {
				stepRecord.GridImportKW = 0
			}
			importCost, _ := c.Tariff.EnergyCost(stepRecord.GridImportKW, 0, series.PeakBand[0], grid.StepHours())
			stepRecord.StepCost = importCost
		} else {
			importCost, exportRevenue := c.Tariff.EnergyCost(result.GridImportKW[0], result.GridExportKW[0], series.PeakBand[0], grid.StepHours())
			stepRecord = trajectory.Step{
				Time:            grid.Time(0),
				ChargeKW:        result.ChargeKW[0],
				DischargeKW:     result.DischargeKW[0],
				GridImportKW:    result.GridImportKW[0],
				GridExportKW:    result.GridExportKW[0],
				CurtailKW:       result.CurtailKW[0],
				EnergyKWh:       result.EnergyKWh[0],
				PriceImport:     series.PriceImport[0],
				StepCost:        importCost - exportRevenue,
				StepDegradation: result.DP[0],
			}
			firstStepDegradation = result.DP[0]
		}
		tr.Append(stepRecord)
		if c.OnStep != nil {
			c.OnStep(stepRecord)
		}

		c.phase = PhaseAdvancingState
		newSOC := stepRecord.EnergyKWh
		if safeMode {
			newSOC = state.SOCkWh
		}
		state.Advance(newSOC, stepRecord.GridImportKW, firstStepDegradation, grid.Time(0))

		c.phase = PhaseMonthBoundaryCheck
		if w > 1 {
			state.ResetMonthPeakIfNewMonth(grid.Time(1))
		}
	}

	c.phase = PhaseDone
	return tr, nil
}

// solveWithFallback builds and solves the window, falling back to a
// safe-mode step (battery idle) on Timeout/NumericalError, per §4.7's
// failure semantics. Infeasibility is never expected in rolling mode (the
// LP always has a feasible curtailment/import-slack solution) and is
// treated as a hard fault.
func (c *Controller) solveWithFallback(solver simplex.Solver, window *lp.Window) (result *lp.WindowResult, safeMode bool, err error) {
	const op = "rolling.Controller.solveWithFallback"
	problem, layout, buildErr := lp.BuildWindow(window)
	if buildErr != nil {
		return nil, false, buildErr
	}
	sol, solveErr := solver.Solve(problem)
	if solveErr != nil {
		return c.handleFault(op, solveErr)
	}
	switch sol.Status {
	case simplex.StatusInfeasible:
		return nil, false, faults.Infeasiblef(op, "rolling window reported infeasible, which should not occur given curtailment slack")
	case simplex.StatusOptimal:
		result, extractErr := lp.ExtractResult(window, layout, sol)
		if extractErr != nil {
			return c.handleFault(op, extractErr)
		}
		c.consecutiveFaults = 0
		return result, false, nil
	default:
		return c.handleFault(op, fmt.Errorf("solver status %v", sol.Status))
	}
}

// daysRemainingInMonth returns the number of days from t (inclusive) to the
// end of its calendar month, used as the peak-penalty's time_factor input.
func daysRemainingInMonth(t time.Time) float64 {
	firstOfNextMonth := time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
	remaining := firstOfNextMonth.Sub(time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()))
	return remaining.Hours() / 24
}

func (c *Controller) handleFault(op string, cause error) (*lp.WindowResult, bool, error) {
	c.consecutiveFaults++
	c.faultCount++
	if c.Logger != nil {
		c.Logger.Printf("safe-mode step after solver fault: %v (consecutive=%d)", cause, c.consecutiveFaults)
	}
	if c.consecutiveFaults > c.MaxConsecutiveFaults {
		return nil, false, faults.Numericalf(op, "aborting after %d consecutive solver faults: %w", c.consecutiveFaults, cause)
	}
	return nil, true, nil
}
