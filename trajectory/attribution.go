package trajectory

import (
	"math"

	"github.com/voltgrid/dispatch/faults"
	"github.com/voltgrid/dispatch/lp"
)

const bindingTolerance = 1e-6

// AttributionReport decomposes a monthly optimization's total savings
// (baseline minus optimized cost) into four value sources, using the
// solved window's dual multipliers (§4.8, monthly mode only — duals are
// only meaningful for value attribution across a full calendar month).
type AttributionReport struct {
	PeakShavingValue         float64
	CurtailmentAvoidanceValue float64
	ArbitrageValue           float64
	SelfConsumptionValue     float64 // residual, by construction
	BaselineCost             float64
	OptimizedCost            float64
}

// TotalAttributed sums the four components; by construction (self
// consumption is the residual) this always equals BaselineCost -
// OptimizedCost exactly, which is invariant 8's closure property.
func (a AttributionReport) TotalAttributed() float64 {
	return a.PeakShavingValue + a.CurtailmentAvoidanceValue + a.ArbitrageValue + a.SelfConsumptionValue
}

// ComputeAttribution implements §4.8's value-attribution rules:
//
//   - Peak-shaving value: Σ |dual on peak-tracking constraint[t]| (where
//     binding) × power-tariff marginal rate.
//   - Curtailment-avoidance value: for steps where the grid-export bound
//     binds and the battery is charging, P_charge[t] × price_export[t].
//   - Arbitrage value: Σ over consecutive steps of the SOC-dynamics dual
//     spread times the price spread, counted only when the two spreads
//     share a sign (the source's "aligning in sign" rule).
//   - Self-consumption value: the residual of total savings minus the
//     other three, so the four components close against the
//     baseline/optimized cost gap by construction. No separate
//     degradation-cost term is subtracted.
func ComputeAttribution(result *lp.WindowResult, series lp.ExogenousSeries, gridLimits lp.GridLimits, marginalRate, baselineCost, optimizedCost float64) (*AttributionReport, error) {
	const op = "trajectory.ComputeAttribution"
	if result.Mode != lp.PeakModeTight {
		return nil, faults.Configurationf(op, "dual-variable attribution requires a tight-mode (monthly) window result")
	}

	peakShaving := 0.0
	for _, d := range result.DualPeakConstraint {
		if math.Abs(d) > bindingTolerance {
			peakShaving += math.Abs(d)
		}
	}
	peakShaving *= marginalRate

	curtailment := 0.0
	for t := range result.GridExportKW {
		exportBinds := result.GridExportKW[t] >= gridLimits.ExportKW-bindingTolerance && gridLimits.ExportKW > 0
		if exportBinds && result.ChargeKW[t] > bindingTolerance {
			curtailment += result.ChargeKW[t] * series.PriceExport[t]
		}
	}

	arbitrage := 0.0
	for t := 1; t < len(result.DualDynamics); t++ {
		dualSpread := result.DualDynamics[t] - result.DualDynamics[t-1]
		priceSpread := series.PriceImport[t] - series.PriceImport[t-1]
		if dualSpread*priceSpread > 0 {
			arbitrage += dualSpread * priceSpread
		}
	}

	savings := baselineCost - optimizedCost
	selfConsumption := savings - peakShaving - curtailment - arbitrage

	return &AttributionReport{
		PeakShavingValue:          peakShaving,
		CurtailmentAvoidanceValue: curtailment,
		ArbitrageValue:            arbitrage,
		SelfConsumptionValue:      selfConsumption,
		BaselineCost:              baselineCost,
		OptimizedCost:             optimizedCost,
	}, nil
}

// ValidateClosure checks invariant 8: the attributed components sum to
// baseline_cost - optimized_cost within the given relative tolerance
// (spec: 1%).
func (a AttributionReport) ValidateClosure(relativeTolerance float64) error {
	const op = "trajectory.AttributionReport.ValidateClosure"
	savings := a.BaselineCost - a.OptimizedCost
	diff := math.Abs(a.TotalAttributed() - savings)
	scale := math.Abs(savings)
	if scale < 1e-9 {
		scale = 1e-9
	}
	if diff/scale > relativeTolerance {
		return faults.Numericalf(op, "attributed total %v does not close against savings %v within %v%% tolerance", a.TotalAttributed(), savings, relativeTolerance*100)
	}
	return nil
}
