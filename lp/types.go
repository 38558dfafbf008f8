// Package lp builds the per-window linear program (§4.4): variables,
// constraints and objective for one optimization window, consuming a
// timegrid.Grid, exogenous forecasts, a battery.Spec/battery.State and a
// tariff.Spec. It is the component with the largest share of the system
// (§2: 25%).
package lp

import (
	"math"

	"github.com/voltgrid/dispatch/battery"
	"github.com/voltgrid/dispatch/faults"
	"github.com/voltgrid/dispatch/tariff"
	"github.com/voltgrid/dispatch/timegrid"
)

// PeakMode selects how the progressive power tariff's monthly peak is
// represented in a window's LP (§4.4): as a hard-constrained variable
// (Tight, used when the window covers a full calendar month) or as a
// soft incentive against a carried-over baseline (Penalty, used by the
// rolling controller's short windows).
type PeakMode int

const (
	PeakModeTight PeakMode = iota
	PeakModePenalty
)

func (m PeakMode) String() string {
	if m == PeakModeTight {
		return "tight"
	}
	return "penalty"
}

// GridLimits are the grid connection's import/export power ceilings.
type GridLimits struct {
	ImportKW float64
	ExportKW float64
}

func (g GridLimits) Validate() error {
	if g.ImportKW < 0 || g.ExportKW < 0 {
		return faults.Configurationf("lp.GridLimits.Validate", "grid import/export limits must be non-negative")
	}
	return nil
}

// ExogenousSeries holds the forecast inputs for one window, aligned index
// for index to the window's TimeGrid (§3).
type ExogenousSeries struct {
	PVkW          []float64
	LoadKW        []float64
	PriceImport   []float64
	PriceExport   []float64
	PeakBand      []bool
}

// Validate checks the length-alignment, non-negativity and
// finite-value invariants from §7's DataError class.
func (s ExogenousSeries) Validate(steps int) error {
	const op = "lp.ExogenousSeries.Validate"
	lengths := map[string]int{
		"p_pv": len(s.PVkW), "p_load": len(s.LoadKW),
		"price_import": len(s.PriceImport), "price_export": len(s.PriceExport),
		"tof_peak": len(s.PeakBand),
	}
	for name, n := range lengths {
		if n != steps {
			return faults.Dataf(op, "%s has length %d, expected %d", name, n, steps)
		}
	}
	check := func(name string, v []float64, nonNegative bool) error {
		for i, x := range v {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return faults.Dataf(op, "%s[%d] is NaN or Inf", name, i)
			}
			if nonNegative && x < 0 {
				return faults.Dataf(op, "%s[%d] = %v must be non-negative", name, i, x)
			}
		}
		return nil
	}
	if err := check("p_pv", s.PVkW, true); err != nil {
		return err
	}
	if err := check("p_load", s.LoadKW, true); err != nil {
		return err
	}
	if err := check("price_import", s.PriceImport, false); err != nil {
		return err
	}
	if err := check("price_export", s.PriceExport, false); err != nil {
		return err
	}
	return nil
}

// PeakPenaltyParams is the rolling controller's soft peak-demand incentive
// (§4.4 "Peak penalty parameter"): base · proximity · forecast_risk ·
// time_factor. The exact functional form is a tuning surface, not a
// contract (§9 Open Questions) — only monotonicity in each factor is
// required, which ComputePeakPenalty's construction below preserves.
type PeakPenaltyParams struct {
	Base         float64
	Proximity    float64
	ForecastRisk float64
	TimeFactor   float64
}

// Weight returns the scalar peak_penalty coefficient applied to
// Σ P_peak_violation[t] in the objective.
func (p PeakPenaltyParams) Weight() float64 {
	return p.Base * p.Proximity * p.ForecastRisk * p.TimeFactor
}

// ComputePeakPenalty derives PeakPenaltyParams from the tariff's marginal
// rate and the current BatteryState, per §4.4.
//
//   - proximity rises linearly from 1 (zero current import) to 2 as
//     currentImportKW approaches monthPeakKW, and stays 2 at or above it;
//     it is 1 while monthPeakKW is zero.
//   - forecastRisk rises from 1 to 1.5 if the window's forecast peak
//     exceeds monthPeakKW.
//   - timeFactor relaxes from 1.5 toward 1 over the course of the month
//     (larger early, when a new peak has more remaining days to be
//     re-amortized against).
func ComputePeakPenalty(marginalRate, daysRemaining, daysPerMonth, currentImportKW, monthPeakKW, forecastPeakKW float64) PeakPenaltyParams {
	if daysPerMonth <= 0 {
		daysPerMonth = 30
	}
	base := marginalRate * daysRemaining / daysPerMonth

	proximity := 1.0
	if monthPeakKW > 0 {
		ratio := currentImportKW / monthPeakKW
		if ratio > 1 {
			ratio = 1
		}
		if ratio < 0 {
			ratio = 0
		}
		proximity = 1 + ratio
	}

	forecastRisk := 1.0
	if monthPeakKW > 0 && forecastPeakKW > monthPeakKW {
		excess := (forecastPeakKW - monthPeakKW) / monthPeakKW
		if excess > 1 {
			excess = 1
		}
		forecastRisk = 1 + 0.5*excess
	}

	timeFactor := 1.0
	if daysPerMonth > 0 {
		elapsedFrac := 1 - daysRemaining/daysPerMonth
		if elapsedFrac < 0 {
			elapsedFrac = 0
		}
		if elapsedFrac > 1 {
			elapsedFrac = 1
		}
		timeFactor = 1.5 - 0.5*elapsedFrac
	}

	return PeakPenaltyParams{Base: base, Proximity: proximity, ForecastRisk: forecastRisk, TimeFactor: timeFactor}
}

// Window is everything needed to build one window's LP (§4.4 Inputs).
type Window struct {
	Grid          *timegrid.Grid
	Series        ExogenousSeries
	Battery       battery.Spec
	Tariff        tariff.Spec
	GridLimits    GridLimits
	InitialSOCkWh float64
	MonthPeakKW   float64 // carried-over baseline; used only in Penalty mode
	Mode          PeakMode
	Penalty       PeakPenaltyParams // used only in Penalty mode
}

// Validate checks the window's cross-cutting invariants (§7).
func (w *Window) Validate() error {
	const op = "lp.Window.Validate"
	if w.Grid == nil {
		return faults.Configurationf(op, "grid must not be nil")
	}
	if err := w.Battery.Validate(); err != nil {
		return err
	}
	if err := w.Tariff.Validate(); err != nil {
		return err
	}
	if err := w.GridLimits.Validate(); err != nil {
		return err
	}
	if err := w.Series.Validate(w.Grid.Len()); err != nil {
		return err
	}
	if w.InitialSOCkWh < w.Battery.MinEnergyKWh()-1e-6 || w.InitialSOCkWh > w.Battery.MaxEnergyKWh()+1e-6 {
		return faults.Dataf(op, "initial_soc_kwh %v outside [%v,%v]", w.InitialSOCkWh, w.Battery.MinEnergyKWh(), w.Battery.MaxEnergyKWh())
	}
	if w.MonthPeakKW < 0 {
		return faults.Dataf(op, "month_peak_kw must be non-negative, got %v", w.MonthPeakKW)
	}
	if w.Mode == PeakModeTight && len(w.Tariff.Brackets) == 0 {
		return faults.Configurationf(op, "tight peak mode requires at least one tariff bracket")
	}
	return nil
}
