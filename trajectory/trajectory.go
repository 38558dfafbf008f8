// Package trajectory implements Result & Metrics (§4.8): the append-only
// trajectory container, cost-decomposition summary, and dual-variable
// value attribution.
package trajectory

import (
	"fmt"
	"strconv"
	"time"

	"github.com/voltgrid/dispatch/faults"
)

// Step is one timestamped record of every primal variable plus
// instantaneous cost, the unit the Trajectory accumulates (§4.8,
// §6 "per-timestep record").
type Step struct {
	Time            time.Time
	ChargeKW        float64
	DischargeKW     float64
	GridImportKW    float64
	GridExportKW    float64
	CurtailKW       float64
	EnergyKWh       float64
	PriceImport     float64
	StepCost        float64 // energy cost only; power tariff is monthly, not per-step
	StepDegradation float64
}

// Trajectory is the append-only concatenation of first-step primals across
// rolling windows (or the full window for monthly mode), in strict
// timestamp order (§5 "Ordering guarantees").
type Trajectory struct {
	Steps             []Step
	CumulativeCost    float64
	CumulativeDeg     float64
}

// Append adds one step and updates the running totals.
func (tr *Trajectory) Append(s Step) {
	tr.Steps = append(tr.Steps, s)
	tr.CumulativeCost += s.StepCost
	tr.CumulativeDeg += s.StepDegradation
}

// ToTable emits the columnar output contract from §6: timestamps, charge,
// discharge, grid import, grid export, SOC energy, curtailment,
// instantaneous price, step cost.
func (tr *Trajectory) ToTable() [][]string {
	header := []string{"timestamp", "charge_kw", "discharge_kw", "grid_import_kw", "grid_export_kw", "soc_kwh", "curtail_kw", "price_import", "step_cost"}
	rows := make([][]string, 0, len(tr.Steps)+1)
	rows = append(rows, header)
	for _, s := range tr.Steps {
		rows = append(rows, []string{
			s.Time.Format(time.RFC3339),
			strconv.FormatFloat(s.ChargeKW, 'f', -1, 64),
			strconv.FormatFloat(s.DischargeKW, 'f', -1, 64),
			strconv.FormatFloat(s.GridImportKW, 'f', -1, 64),
			strconv.FormatFloat(s.GridExportKW, 'f', -1, 64),
			strconv.FormatFloat(s.EnergyKWh, 'f', -1, 64),
			strconv.FormatFloat(s.CurtailKW, 'f', -1, 64),
			strconv.FormatFloat(s.PriceImport, 'f', -1, 64),
			strconv.FormatFloat(s.StepCost, 'f', -1, 64),
		})
	}
	return rows
}

// MonthPeak is one calendar month's realized grid-import peak.
type MonthPeak struct {
	Month   time.Time
	PeakKW  float64
}

// Summary is the cost decomposition and headline metrics exposed to
// callers (§6 "Outputs exposed").
type Summary struct {
	ObjectiveValue       float64
	EnergyCost           float64
	PowerTariffCost      float64 // exact, post-processed, never the LP-approx value
	DegradationCost      float64
	EquivalentFullCycles float64
	PerMonthPeakKW       []MonthPeak
}

// TotalCost returns the decomposition's sum, which must equal
// ObjectiveValue within tolerance per §8 invariant 7 when PowerTariffCost
// is substituted for the LP-relaxed bracket term.
func (s Summary) TotalCost() float64 {
	return s.EnergyCost + s.PowerTariffCost + s.DegradationCost
}

// ValidateDecomposition checks invariant 7: the cost decomposition sums to
// the objective value within the given tolerance. objectiveWithExactTariff
// is the objective recomputed by the caller with the LP-approx bracket term
// replaced by PowerTariffCost (the two differ by construction per §4.2's
// documented conservative bias).
func (s Summary) ValidateDecomposition(objectiveWithExactTariff, tolerance float64) error {
	const op = "trajectory.Summary.ValidateDecomposition"
	diff := s.TotalCost() - objectiveWithExactTariff
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		return faults.Numericalf(op, "cost decomposition %v does not match objective %v within tolerance %v", s.TotalCost(), objectiveWithExactTariff, tolerance)
	}
	return nil
}

func (s Summary) String() string {
	return fmt.Sprintf("Summary{energy=%.2f tariff=%.2f degradation=%.2f cycles=%.3f}", s.EnergyCost, s.PowerTariffCost, s.DegradationCost, s.EquivalentFullCycles)
}
