// Package tariff implements the energy (time-of-use) charge and the
// progressive power-bracket tariff, in both its LP-friendly incremental
// form and its exact step-function form.
package tariff

import (
	"fmt"

	"github.com/voltgrid/dispatch/faults"
)

// EnergyRates holds the per-kWh monetary rates for the two time-of-use
// bands.
type EnergyRates struct {
	PeakImport    float64
	PeakExport    float64
	OffPeakImport float64
	OffPeakExport float64
}

// Bracket is one rung of the progressive power-demand tariff: a width in kW
// and the cumulative monthly cost of demand up to and including this
// bracket.
type Bracket struct {
	WidthKW        float64
	CumulativeCost float64 // monetary/month, cumulative through this bracket
}

// Spec is the immutable tariff configuration for a run: energy rates plus
// an ordered list of power brackets.
type Spec struct {
	Energy   EnergyRates
	Brackets []Bracket
}

// Validate checks the invariants from §3: widths non-negative, cumulative
// costs non-decreasing.
func (s Spec) Validate() error {
	prevCum := 0.0
	for i, b := range s.Brackets {
		if b.WidthKW < 0 {
			return faults.Configurationf("tariff.Spec.Validate", "bracket %d has negative width %v", i, b.WidthKW)
		}
		if b.CumulativeCost < prevCum {
			return faults.Configurationf("tariff.Spec.Validate", "bracket %d cumulative cost %v is less than bracket %d cumulative cost %v", i, b.CumulativeCost, i-1, prevCum)
		}
		prevCum = b.CumulativeCost
	}
	return nil
}

// IncrementalCosts returns c_i = cum_i - cum_{i-1} for every bracket (c_0 =
// cum_0). Non-decreasing c_i is the common case but is not required (§9 open
// question); NonMonotoneIncrementalCosts reports when it fails to hold.
func (s Spec) IncrementalCosts() []float64 {
	out := make([]float64, len(s.Brackets))
	prev := 0.0
	for i, b := range s.Brackets {
		out[i] = b.CumulativeCost - prev
		prev = b.CumulativeCost
	}
	return out
}

// NonMonotoneIncrementalCosts reports whether any incremental bracket cost
// is smaller than the previous one — an unusual tariff shape the LP
// relaxation handles correctly but that the source material never checks
// for (§9).
func (s Spec) NonMonotoneIncrementalCosts() bool {
	costs := s.IncrementalCosts()
	for i := 1; i < len(costs); i++ {
		if costs[i] < costs[i-1] {
			return true
		}
	}
	return false
}

// MarginalRate returns the per-kW cost of the topmost (last) bracket
// (its incremental cost divided by its width), used as the base rate for
// the rolling controller's peak-penalty parameterization (§4.4).
func (s Spec) MarginalRate() float64 {
	if len(s.Brackets) == 0 {
		return 0
	}
	costs := s.IncrementalCosts()
	last := s.Brackets[len(s.Brackets)-1]
	if last.WidthKW <= 0 {
		return 0
	}
	return costs[len(costs)-1] / last.WidthKW
}

// EnergyCost computes (import_cost, export_revenue) for one timestep, given
// the grid import/export power (kW), whether the step is in the peak
// time-of-use band, and the step duration in hours. Linear in the power
// variables, as required for use inside the LP objective.
func (s Spec) EnergyCost(gridImportKW, gridExportKW float64, peakBand bool, deltaHours float64) (importCost, exportRevenue float64) {
	importRate, exportRate := s.Energy.OffPeakImport, s.Energy.OffPeakExport
	if peakBand {
		importRate, exportRate = s.Energy.PeakImport, s.Energy.PeakExport
	}
	importCost = importRate * gridImportKW * deltaHours
	exportRevenue = exportRate * gridExportKW * deltaHours
	return importCost, exportRevenue
}

// PowerTariffLPTerm returns the LP-relaxed monthly power-tariff cost
// Σ c_i·z_i for a vector of bracket activations z_i ∈ [0,1].
func (s Spec) PowerTariffLPTerm(z []float64) (float64, error) {
	costs := s.IncrementalCosts()
	if len(z) != len(costs) {
		return 0, faults.Dataf("tariff.PowerTariffLPTerm", "z has length %d, expected %d brackets", len(z), len(costs))
	}
	total := 0.0
	for i, zi := range z {
		total += costs[i] * zi
	}
	return total, nil
}

// PowerTariffExact implements the true step function: locates the bracket
// containing peakKW and returns its cumulative cost. Used as the
// post-solve, non-approximated power-tariff cost (§4.2).
func (s Spec) PowerTariffExact(peakKW float64) (float64, error) {
	if len(s.Brackets) == 0 {
		return 0, faults.Configurationf("tariff.PowerTariffExact", "tariff has no brackets")
	}
	cumWidth := 0.0
	for _, b := range s.Brackets {
		cumWidth += b.WidthKW
		if peakKW <= cumWidth {
			return b.CumulativeCost, nil
		}
	}
	// peakKW exceeds every bracket's cumulative width: charge the highest
	// bracket's per-kW rate for the overflow, on top of its cumulative cost.
	last := s.Brackets[len(s.Brackets)-1]
	overflow := peakKW - cumWidth
	return last.CumulativeCost + s.MarginalRate()*overflow, nil
}

func (s Spec) String() string {
	return fmt.Sprintf("tariff.Spec{energy=%+v, brackets=%d}", s.Energy, len(s.Brackets))
}
