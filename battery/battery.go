// Package battery implements the capacity/power/SOC model and the LFP
// cyclic+calendar degradation model shared by the monthly optimizer and the
// rolling-horizon controller.
package battery

import (
	"time"

	"github.com/voltgrid/dispatch/faults"
)

// Spec is the immutable battery configuration for a run (§3 BatterySpec).
type Spec struct {
	EnergyCapacityKWh float64 // E_nom
	MaxChargeKW       float64 // P_max_ch
	MaxDischargeKW    float64 // P_max_dch
	SOCMin            float64 // fraction [0,1]
	SOCMax            float64 // fraction [0,1]
	ChargeEfficiency  float64 // η_ch, (0,1]
	DischargeEff      float64 // η_dch, (0,1]
	InverterEff       float64 // η_inv, (0,1], applied at the AC/DC boundary
	CellCostPerKWh    float64 // monetary/kWh
	EndOfLifeFraction float64 // e.g. 0.20
	CyclicDegRho      float64 // ρ, fraction/equivalent full cycle
	CalendarDegRate   float64 // fraction lost per hour
}

// Validate checks the invariants from §3/§7: non-negative capacities and
// powers, SOC bounds in [0,1] with min ≤ max, efficiencies in (0,1].
func (s Spec) Validate() error {
	const op = "battery.Spec.Validate"
	if s.EnergyCapacityKWh < 0 {
		return faults.Configurationf(op, "energy capacity must be non-negative, got %v", s.EnergyCapacityKWh)
	}
	if s.MaxChargeKW < 0 || s.MaxDischargeKW < 0 {
		return faults.Configurationf(op, "max charge/discharge power must be non-negative")
	}
	if s.SOCMin < 0 || s.SOCMin > 1 || s.SOCMax < 0 || s.SOCMax > 1 {
		return faults.Configurationf(op, "soc_min/soc_max must be within [0,1], got min=%v max=%v", s.SOCMin, s.SOCMax)
	}
	if s.SOCMin > s.SOCMax {
		return faults.Configurationf(op, "soc_min (%v) cannot exceed soc_max (%v)", s.SOCMin, s.SOCMax)
	}
	for name, eff := range map[string]float64{"charge_efficiency": s.ChargeEfficiency, "discharge_efficiency": s.DischargeEff, "inverter_efficiency": s.InverterEff} {
		if eff <= 0 || eff > 1 {
			return faults.Configurationf(op, "%s must be in (0,1], got %v", name, eff)
		}
	}
	if s.EndOfLifeFraction <= 0 || s.EndOfLifeFraction > 1 {
		return faults.Configurationf(op, "end_of_life_fraction must be in (0,1], got %v", s.EndOfLifeFraction)
	}
	if s.CyclicDegRho < 0 || s.CalendarDegRate < 0 {
		return faults.Configurationf(op, "degradation rates must be non-negative")
	}
	if s.CellCostPerKWh < 0 {
		return faults.Configurationf(op, "cell_cost_per_kwh must be non-negative")
	}
	return nil
}

// MinEnergyKWh and MaxEnergyKWh are the absolute SOC bounds in kWh.
func (s Spec) MinEnergyKWh() float64 { return s.SOCMin * s.EnergyCapacityKWh }
func (s Spec) MaxEnergyKWh() float64 { return s.SOCMax * s.EnergyCapacityKWh }

// DegradationCostWeight returns the monetary weight applied to DP[t] in the
// LP objective: c_cell·E_nom/eol (§4.3).
func (s Spec) DegradationCostWeight() float64 {
	if s.EndOfLifeFraction == 0 {
		return 0
	}
	return s.CellCostPerKWh * s.EnergyCapacityKWh / s.EndOfLifeFraction
}

// State is the mutable battery state carried across rolling windows (§3
// BatteryState).
type State struct {
	SOCkWh          float64
	MonthPeakKW     float64
	MonthAnchor     time.Time
	CumDegradation  float64
	LastTime        time.Time
}

// Validate checks the BatteryState invariants against the given Spec.
func (st State) Validate(spec Spec) error {
	const op = "battery.State.Validate"
	if st.SOCkWh < spec.MinEnergyKWh()-1e-6 || st.SOCkWh > spec.MaxEnergyKWh()+1e-6 {
		return faults.Dataf(op, "soc_kwh %v out of bounds [%v,%v]", st.SOCkWh, spec.MinEnergyKWh(), spec.MaxEnergyKWh())
	}
	if st.MonthPeakKW < 0 {
		return faults.Dataf(op, "month_peak_kw must be non-negative, got %v", st.MonthPeakKW)
	}
	return nil
}

// ResetMonthPeakIfNewMonth resets MonthPeakKW to zero and updates
// MonthAnchor when the given timestamp has crossed into a new calendar
// month relative to the current anchor.
func (st *State) ResetMonthPeakIfNewMonth(at time.Time) {
	if st.MonthAnchor.IsZero() {
		st.MonthAnchor = monthStart(at)
		return
	}
	if monthStart(at) != monthStart(st.MonthAnchor) {
		st.MonthAnchor = monthStart(at)
		st.MonthPeakKW = 0
	}
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// Advance updates the state from the first-step actuals of a solved
// window: new SOC, the running monthly peak, and cumulative degradation.
// Month-boundary resets must be applied by the caller via
// ResetMonthPeakIfNewMonth before calling Advance, per §4.3's operational
// state update.
func (st *State) Advance(newSOCkWh, gridImportKW, stepDegradation float64, newTime time.Time) {
	st.SOCkWh = newSOCkWh
	if gridImportKW > st.MonthPeakKW {
		st.MonthPeakKW = gridImportKW
	}
	st.CumDegradation += stepDegradation
	st.LastTime = newTime
}

// EquivalentFullCycles converts cumulative absolute energy throughput into
// equivalent full cycles: total_throughput / (2 × nominal capacity).
func (s Spec) EquivalentFullCycles(throughputKWh float64) float64 {
	if s.EnergyCapacityKWh == 0 {
		return 0
	}
	return throughputKWh / (2 * s.EnergyCapacityKWh)
}
