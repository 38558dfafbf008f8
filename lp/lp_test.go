package lp

import (
	"math"
	"testing"
	"time"

	"github.com/voltgrid/dispatch/battery"
	"github.com/voltgrid/dispatch/simplex"
	"github.com/voltgrid/dispatch/tariff"
	"github.com/voltgrid/dispatch/timegrid"
)

func constSeries(steps int, pv, load, priceImport, priceExport float64) ExogenousSeries {
	s := ExogenousSeries{
		PVkW:        make([]float64, steps),
		LoadKW:      make([]float64, steps),
		PriceImport: make([]float64, steps),
		PriceExport: make([]float64, steps),
		PeakBand:    make([]bool, steps),
	}
	for t := 0; t < steps; t++ {
		s.PVkW[t] = pv
		s.LoadKW[t] = load
		s.PriceImport[t] = priceImport
		s.PriceExport[t] = priceExport
		s.PeakBand[t] = true
	}
	return s
}

func mustGrid(t *testing.T, steps int) *timegrid.Grid {
	t.Helper()
	g, err := timegrid.New(time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC), timegrid.Hourly, steps)
	if err != nil {
		t.Fatalf("timegrid.New() error = %v", err)
	}
	return g
}

func flatTariff() tariff.Spec {
	return tariff.Spec{
		Energy: tariff.EnergyRates{PeakImport: 1.0, PeakExport: 0.0, OffPeakImport: 1.0, OffPeakExport: 0.0},
		Brackets: []tariff.Bracket{
			{WidthKW: 100, CumulativeCost: 1000},
		},
	}
}

func noBattery() battery.Spec {
	return battery.Spec{
		EnergyCapacityKWh: 0,
		MaxChargeKW:       0,
		MaxDischargeKW:    0,
		SOCMin:            0,
		SOCMax:            0,
		ChargeEfficiency:  1,
		DischargeEff:      1,
		InverterEff:       1,
		CellCostPerKWh:    0,
		EndOfLifeFraction: 1,
		CyclicDegRho:      0,
		CalendarDegRate:   0,
	}
}

// TestNoBatteryReference implements scenario S1: with no battery, constant
// load and zero PV, every step's grid import must equal the load exactly.
func TestNoBatteryReference(t *testing.T) {
	steps := 24
	grid := mustGrid(t, steps)
	w := &Window{
		Grid:       grid,
		Series:     constSeries(steps, 0, 10, 1.0, 0),
		Battery:    noBattery(),
		Tariff:     flatTariff(),
		GridLimits: GridLimits{ImportKW: 100, ExportKW: 100},
		Mode:       PeakModeTight,
	}
	problem, layout, err := BuildWindow(w)
	if err != nil {
		t.Fatalf("BuildWindow() error = %v", err)
	}
	sol, err := (simplex.BigMSimplex{}).Solve(problem)
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	if sol.Status != simplex.StatusOptimal {
		t.Fatalf("Status = %v, want Optimal", sol.Status)
	}
	result, err := ExtractResult(w, layout, sol)
	if err != nil {
		t.Fatalf("ExtractResult() error = %v", err)
	}
	for tIdx, imp := range result.GridImportKW {
		if math.Abs(imp-10) > 1e-4 {
			t.Errorf("GridImportKW[%d] = %v, want 10", tIdx, imp)
		}
	}
	if math.Abs(result.PeakWindowKW-10) > 1e-4 {
		t.Errorf("PeakWindowKW = %v, want 10", result.PeakWindowKW)
	}
	wantEnergyCost := 10.0 * float64(steps) * 1.0
	if math.Abs(result.EnergyCost-wantEnergyCost) > 1e-3 {
		t.Errorf("EnergyCost = %v, want %v", result.EnergyCost, wantEnergyCost)
	}
	if result.DegradationCost != 0 {
		t.Errorf("DegradationCost = %v, want 0", result.DegradationCost)
	}
}

// TestPeakShaving implements a scenario in the spirit of S2: a battery can
// reduce the window's peak grid import below the uncontrolled load peak.
func TestPeakShaving(t *testing.T) {
	steps := 24
	grid := mustGrid(t, steps)
	series := constSeries(steps, 0, 20, 0, 0)
	series.LoadKW[7] = 60

	spec := battery.Spec{
		EnergyCapacityKWh: 50, MaxChargeKW: 10, MaxDischargeKW: 10,
		SOCMin: 0.1, SOCMax: 0.9, ChargeEfficiency: 0.95, DischargeEff: 0.95,
		InverterEff: 0.97, CellCostPerKWh: 0, EndOfLifeFraction: 1,
		CyclicDegRho: 0, CalendarDegRate: 0,
	}
	w := &Window{
		Grid: grid, Series: series, Battery: spec, Tariff: flatTariff(),
		GridLimits:    GridLimits{ImportKW: 100, ExportKW: 100},
		InitialSOCkWh: spec.MaxEnergyKWh(),
		Mode:          PeakModeTight,
	}
	problem, layout, err := BuildWindow(w)
	if err != nil {
		t.Fatalf("BuildWindow() error = %v", err)
	}
	sol, err := (simplex.BigMSimplex{}).Solve(problem)
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	if sol.Status != simplex.StatusOptimal {
		t.Fatalf("Status = %v, want Optimal", sol.Status)
	}
	result, err := ExtractResult(w, layout, sol)
	if err != nil {
		t.Fatalf("ExtractResult() error = %v", err)
	}
	if result.PeakWindowKW >= 60-1e-6 {
		t.Errorf("PeakWindowKW = %v, expected battery to shave below 60", result.PeakWindowKW)
	}
	if result.GridImportKW[7] >= 60-1e-6 {
		t.Errorf("GridImportKW[7] = %v, expected discharge to reduce import below 60", result.GridImportKW[7])
	}
	if result.DischargeKW[7] <= 0 {
		t.Errorf("DischargeKW[7] = %v, expected battery to discharge during the peak hour", result.DischargeKW[7])
	}
}

func TestWindowValidateRejectsBadInitialSOC(t *testing.T) {
	steps := 4
	w := &Window{
		Grid:          mustGrid(t, steps),
		Series:        constSeries(steps, 0, 1, 1, 0),
		Battery:       noBattery(),
		Tariff:        flatTariff(),
		GridLimits:    GridLimits{ImportKW: 10, ExportKW: 10},
		InitialSOCkWh: 5,
		Mode:          PeakModeTight,
	}
	if err := w.Validate(); err == nil {
		t.Error("expected validation error for out-of-bounds initial SOC")
	}
}

func TestComputePeakPenaltyMonotonicity(t *testing.T) {
	base := ComputePeakPenalty(10, 20, 30, 5, 50, 40)
	higherProximity := ComputePeakPenalty(10, 20, 30, 45, 50, 40)
	if higherProximity.Proximity < base.Proximity {
		t.Errorf("proximity should rise as current import approaches month peak: %v vs %v", higherProximity.Proximity, base.Proximity)
	}

	higherRisk := ComputePeakPenalty(10, 20, 30, 5, 50, 90)
	if higherRisk.ForecastRisk < base.ForecastRisk {
		t.Errorf("forecast risk should rise when forecast exceeds month peak: %v vs %v", higherRisk.ForecastRisk, base.ForecastRisk)
	}

	earlier := ComputePeakPenalty(10, 29, 30, 5, 50, 40)
	if earlier.TimeFactor < base.TimeFactor {
		t.Errorf("time factor should be larger earlier in the month: %v vs %v", earlier.TimeFactor, base.TimeFactor)
	}
}

// zeroCostTariff has a single bracket wide enough that the peak-tracking
// variable never binds and its cost is always zero, isolating the scenarios
// below to energy-cost and degradation-cost tradeoffs only.
func zeroCostTariff() tariff.Spec {
	return tariff.Spec{
		Energy:   tariff.EnergyRates{PeakImport: 1.0, PeakExport: 1.0, OffPeakImport: 1.0, OffPeakExport: 1.0},
		Brackets: []tariff.Bracket{{WidthKW: 1000, CumulativeCost: 0}},
	}
}

// TestArbitrage implements scenario S3: cheap import hours 0..11, expensive
// import hours 12..23, no load/PV/power-tariff. The battery should charge
// fully during the cheap hours and discharge during the expensive hours.
func TestArbitrage(t *testing.T) {
	steps := 24
	grid := mustGrid(t, steps)
	series := constSeries(steps, 0, 0, 0, 0)
	for t := 0; t < 12; t++ {
		series.PriceImport[t] = 1.0
		series.PriceExport[t] = 1.0
	}
	for t := 12; t < 24; t++ {
		series.PriceImport[t] = 2.0
		series.PriceExport[t] = 2.0
	}

	spec := battery.Spec{
		EnergyCapacityKWh: 100, MaxChargeKW: 50, MaxDischargeKW: 50,
		SOCMin: 0, SOCMax: 1, ChargeEfficiency: 0.95, DischargeEff: 0.95,
		InverterEff: 1, EndOfLifeFraction: 1,
	}
	w := &Window{
		Grid: grid, Series: series, Battery: spec, Tariff: zeroCostTariff(),
		GridLimits:    GridLimits{ImportKW: 100, ExportKW: 100},
		InitialSOCkWh: 0,
		Mode:          PeakModeTight,
	}
	problem, layout, err := BuildWindow(w)
	if err != nil {
		t.Fatalf("BuildWindow() error = %v", err)
	}
	sol, err := (simplex.BigMSimplex{}).Solve(problem)
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	if sol.Status != simplex.StatusOptimal {
		t.Fatalf("Status = %v, want Optimal", sol.Status)
	}
	result, err := ExtractResult(w, layout, sol)
	if err != nil {
		t.Fatalf("ExtractResult() error = %v", err)
	}

	chargeFirstHalf, dischargeFirstHalf := 0.0, 0.0
	chargeSecondHalf, dischargeSecondHalf := 0.0, 0.0
	for t := 0; t < 12; t++ {
		chargeFirstHalf += result.ChargeKW[t]
		dischargeFirstHalf += result.DischargeKW[t]
	}
	for t := 12; t < 24; t++ {
		chargeSecondHalf += result.ChargeKW[t]
		dischargeSecondHalf += result.DischargeKW[t]
	}
	if chargeFirstHalf <= 0 {
		t.Error("expected the battery to charge during the cheap-price hours")
	}
	if dischargeSecondHalf <= 0 {
		t.Error("expected the battery to discharge during the expensive-price hours")
	}
	if dischargeSecondHalf <= chargeSecondHalf {
		t.Errorf("expected net discharge in the expensive window, got charge=%v discharge=%v", chargeSecondHalf, dischargeSecondHalf)
	}
	if chargeFirstHalf <= dischargeFirstHalf {
		t.Errorf("expected net charge in the cheap window, got charge=%v discharge=%v", chargeFirstHalf, dischargeFirstHalf)
	}
	if result.EnergyKWh[23] >= result.EnergyKWh[11] {
		t.Errorf("expected SOC to be drawn down over the expensive window: E[11]=%v E[23]=%v", result.EnergyKWh[11], result.EnergyKWh[23])
	}
}

// TestCurtailmentAvoidance implements scenario S4: PV exceeds the grid
// export limit for a block of hours with no load; a battery large and fast
// enough to absorb the excess should curtail far less than the
// no-battery baseline.
func TestCurtailmentAvoidance(t *testing.T) {
	steps := 24
	grid := mustGrid(t, steps)
	// Import is priced above export so grid energy cannot be bought to fill
	// the export limit; the only way to export after hour 14 is stored PV.
	series := constSeries(steps, 0, 0, 1.0, 0.5)
	for t := 10; t < 15; t++ {
		series.PVkW[t] = 20
	}
	// Baseline (no battery) curtailment: (20-5)kW * 5h = 75 kWh.
	const baselineCurtailedKWh = 75.0

	spec := battery.Spec{
		EnergyCapacityKWh: 100, MaxChargeKW: 15, MaxDischargeKW: 15,
		SOCMin: 0, SOCMax: 1, ChargeEfficiency: 1, DischargeEff: 1,
		InverterEff: 1, EndOfLifeFraction: 1,
	}
	w := &Window{
		Grid: grid, Series: series, Battery: spec, Tariff: zeroCostTariff(),
		GridLimits:    GridLimits{ImportKW: 100, ExportKW: 5},
		InitialSOCkWh: 0,
		Mode:          PeakModeTight,
	}
	problem, layout, err := BuildWindow(w)
	if err != nil {
		t.Fatalf("BuildWindow() error = %v", err)
	}
	sol, err := (simplex.BigMSimplex{}).Solve(problem)
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	if sol.Status != simplex.StatusOptimal {
		t.Fatalf("Status = %v, want Optimal", sol.Status)
	}
	result, err := ExtractResult(w, layout, sol)
	if err != nil {
		t.Fatalf("ExtractResult() error = %v", err)
	}

	totalCurtailed := 0.0
	for t := 10; t < 15; t++ {
		totalCurtailed += result.CurtailKW[t]
	}
	if totalCurtailed >= baselineCurtailedKWh-1e-6 {
		t.Errorf("total curtailed energy = %v, expected well below the no-battery baseline of %v", totalCurtailed, baselineCurtailedKWh)
	}
}

// TestDegradationIncentiveReducesCycling implements scenario S6: with an
// arbitrage opportunity present, a large cell cost must produce strictly
// less cycling (lower absolute energy throughput) than a zero cell cost.
func TestDegradationIncentiveReducesCycling(t *testing.T) {
	steps := 24
	grid := mustGrid(t, steps)
	series := constSeries(steps, 0, 0, 0, 0)
	for t := 0; t < 12; t++ {
		series.PriceImport[t] = 1.0
		series.PriceExport[t] = 1.0
	}
	for t := 12; t < 24; t++ {
		series.PriceImport[t] = 1.2
		series.PriceExport[t] = 1.2
	}

	throughput := func(cellCost float64) float64 {
		spec := battery.Spec{
			EnergyCapacityKWh: 100, MaxChargeKW: 50, MaxDischargeKW: 50,
			SOCMin: 0, SOCMax: 1, ChargeEfficiency: 0.95, DischargeEff: 0.95,
			InverterEff: 1, CellCostPerKWh: cellCost, EndOfLifeFraction: 0.2,
			CyclicDegRho: 0.0005, CalendarDegRate: 0,
		}
		w := &Window{
			Grid: grid, Series: series, Battery: spec, Tariff: zeroCostTariff(),
			GridLimits:    GridLimits{ImportKW: 100, ExportKW: 100},
			InitialSOCkWh: 0,
			Mode:          PeakModeTight,
		}
		problem, layout, err := BuildWindow(w)
		if err != nil {
			t.Fatalf("BuildWindow() error = %v", err)
		}
		sol, err := (simplex.BigMSimplex{}).Solve(problem)
		if err != nil {
			t.Fatalf("Solve() error = %v", err)
		}
		if sol.Status != simplex.StatusOptimal {
			t.Fatalf("Status = %v, want Optimal", sol.Status)
		}
		result, err := ExtractResult(w, layout, sol)
		if err != nil {
			t.Fatalf("ExtractResult() error = %v", err)
		}
		total := 0.0
		for t := range result.DeltaPlus {
			total += result.DeltaPlus[t] + result.DeltaMinus[t]
		}
		return total
	}

	cheap := throughput(0)
	expensive := throughput(1e6)
	if expensive >= cheap {
		t.Errorf("expected strictly less cycling with a large cell cost: cheap=%v expensive=%v", cheap, expensive)
	}
}
