// Package timegrid implements discrete timestep arithmetic for the
// dispatch optimizer: resolutions, month boundaries and aggregation from
// fine to coarse steps for peak-power calculation.
package timegrid

import (
	"time"

	"github.com/voltgrid/dispatch/faults"
)

// Resolution is the fixed step duration of a TimeGrid. Only two values are
// supported, matching the External Interfaces contract (3600s, 900s).
type Resolution int

const (
	// Hourly is a 3600-second step.
	Hourly Resolution = iota
	// QuarterHourly is a 900-second step.
	QuarterHourly
)

// Hours returns the step duration in hours (1.0 or 0.25).
func (r Resolution) Hours() float64 {
	switch r {
	case QuarterHourly:
		return 0.25
	default:
		return 1.0
	}
}

func (r Resolution) String() string {
	if r == QuarterHourly {
		return "quarter-hourly"
	}
	return "hourly"
}

// Grid is an ordered sequence of T timestamps with a fixed step Δt,
// strictly monotonic with no gaps.
type Grid struct {
	start      time.Time
	resolution Resolution
	steps      int
}

// New builds a Grid of `steps` timesteps of the given resolution, starting
// at start. start is used as given and is not truncated to a step
// boundary, so callers should pass a value already aligned to their
// intended boundary.
func New(start time.Time, resolution Resolution, steps int) (*Grid, error) {
	if steps <= 0 {
		return nil, faults.Configurationf("timegrid.New", "steps must be positive, got %d", steps)
	}
	return &Grid{start: start, resolution: resolution, steps: steps}, nil
}

// Len returns T, the number of timesteps in the grid.
func (g *Grid) Len() int { return g.steps }

// StepHours returns Δt in hours.
func (g *Grid) StepHours() float64 { return g.resolution.Hours() }

// Resolution returns the grid's resolution.
func (g *Grid) Resolution() Resolution { return g.resolution }

// Time returns the timestamp at the start of step t.
func (g *Grid) Time(t int) time.Time {
	d := time.Duration(float64(t) * g.resolution.Hours() * float64(time.Hour))
	return g.start.Add(d)
}

// MonthIndex returns a calendar-month key (year*12+month) for step t, used
// to detect month boundaries without assuming any particular calendar
// arithmetic beyond what time.Time already provides.
func (g *Grid) MonthIndex(t int) int {
	ts := g.Time(t)
	return ts.Year()*12 + int(ts.Month())
}

// IsMonthStart reports whether step t is the first step of its calendar
// month within the grid — either t==0, or the previous step falls in a
// different month.
func (g *Grid) IsMonthStart(t int) bool {
	if t == 0 {
		return true
	}
	return g.MonthIndex(t) != g.MonthIndex(t-1)
}

// StepsInMonth returns the indices of all steps in the grid that share the
// calendar month of step t.
func (g *Grid) StepsInMonth(t int) []int {
	month := g.MonthIndex(t)
	var out []int
	for i := 0; i < g.steps; i++ {
		if g.MonthIndex(i) == month {
			out = append(out, i)
		}
	}
	return out
}

// Sub returns a new Grid covering the window [from, from+length) of the
// receiver, sharing its resolution.
func (g *Grid) Sub(from, length int) (*Grid, error) {
	if from < 0 || length <= 0 || from+length > g.steps {
		return nil, faults.Dataf("timegrid.Sub", "window [%d,%d) out of range for grid of length %d", from, from+length, g.steps)
	}
	return New(g.Time(from), g.resolution, length)
}

// AggregateToHourly reduces a sub-hourly series (length T at the grid's own
// resolution) to one value per hour, taking the max of the sub-steps that
// fall within each hour. Used for power-tariff peak calculation, which is
// always evaluated on an hourly basis regardless of optimization
// resolution (§4.1). At hourly resolution this is the identity function.
func (g *Grid) AggregateToHourly(series []float64) ([]float64, error) {
	if len(series) != g.steps {
		return nil, faults.Dataf("timegrid.AggregateToHourly", "series length %d does not match grid length %d", len(series), g.steps)
	}
	if g.resolution == Hourly {
		out := make([]float64, len(series))
		copy(out, series)
		return out, nil
	}

	subStepsPerHour := int(1.0 / g.resolution.Hours())
	nHours := (g.steps + subStepsPerHour - 1) / subStepsPerHour
	out := make([]float64, nHours)
	for h := 0; h < nHours; h++ {
		maxV := 0.0
		any := false
		for j := 0; j < subStepsPerHour; j++ {
			idx := h*subStepsPerHour + j
			if idx >= g.steps {
				break
			}
			if !any || series[idx] > maxV {
				maxV = series[idx]
				any = true
			}
		}
		out[h] = maxV
	}
	return out, nil
}
