package rolling

import (
	"testing"
	"time"

	"github.com/voltgrid/dispatch/battery"
	"github.com/voltgrid/dispatch/lp"
	"github.com/voltgrid/dispatch/simplex"
	"github.com/voltgrid/dispatch/tariff"
	"github.com/voltgrid/dispatch/timegrid"
)

// arraySource is a Source backed by pre-built in-memory forecast arrays,
// the shape a live deployment would slice from a loaded annual forecast.
type arraySource struct {
	start time.Time
	res   timegrid.Resolution
	pv    []float64
	load  []float64
	price []float64
}

func (s *arraySource) Len() int { return len(s.load) }

func (s *arraySource) Grid(t0, w int) (*timegrid.Grid, error) {
	stepHours := timegrid.Hourly.Hours()
	start := s.start.Add(time.Duration(float64(t0) * stepHours * float64(time.Hour)))
	return timegrid.New(start, s.res, w)
}

func (s *arraySource) Series(t0, w int) (lp.ExogenousSeries, error) {
	end := t0 + w
	series := lp.ExogenousSeries{
		PVkW:        append([]float64{}, s.pv[t0:end]...),
		LoadKW:      append([]float64{}, s.load[t0:end]...),
		PriceImport: append([]float64{}, s.price[t0:end]...),
		PriceExport: make([]float64, w),
		PeakBand:    make([]bool, w),
	}
	for i := range series.PeakBand {
		series.PeakBand[i] = true
	}
	return series, nil
}

func flatArraySource(steps int, load, pv, price float64) *arraySource {
	s := &arraySource{
		start: time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
		res:   timegrid.Hourly,
		pv:    make([]float64, steps),
		load:  make([]float64, steps),
		price: make([]float64, steps),
	}
	for i := 0; i < steps; i++ {
		s.load[i] = load
		s.pv[i] = pv
		s.price[i] = price
	}
	return s
}

func noBattery() battery.Spec {
	return battery.Spec{ChargeEfficiency: 1, DischargeEff: 1, InverterEff: 1, EndOfLifeFraction: 1}
}

// withSpikeAt raises the load to spikeKW for a single hour at index t,
// used to reproduce scenario S5's isolated daily peaks.
func (s *arraySource) withSpikeAt(t int, spikeKW float64) *arraySource {
	s.load[t] = spikeKW
	return s
}

func flatTariff() tariff.Spec {
	return tariff.Spec{
		Energy:   tariff.EnergyRates{PeakImport: 1.0, OffPeakImport: 1.0},
		Brackets: []tariff.Bracket{{WidthKW: 100, CumulativeCost: 0}},
	}
}

func TestControllerRunNoBatteryMatchesLoad(t *testing.T) {
	source := flatArraySource(48, 10, 0, 1.0)
	c := NewController(noBattery(), flatTariff(), lp.GridLimits{ImportKW: 100, ExportKW: 100}, 24)
	state := &battery.State{SOCkWh: 0}

	tr, err := c.Run(source, state)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(tr.Steps) != 48 {
		t.Fatalf("len(tr.Steps) = %d, want 48", len(tr.Steps))
	}
	for i, s := range tr.Steps {
		if s.GridImportKW < 9.99 || s.GridImportKW > 10.01 {
			t.Errorf("step %d GridImportKW = %v, want ~10", i, s.GridImportKW)
		}
	}
	if c.Phase() != PhaseDone {
		t.Errorf("Phase() = %v, want Done", c.Phase())
	}
}

func TestControllerAdvancesMonthPeak(t *testing.T) {
	source := flatArraySource(24, 10, 0, 1.0)
	c := NewController(noBattery(), flatTariff(), lp.GridLimits{ImportKW: 100, ExportKW: 100}, 12)
	state := &battery.State{SOCkWh: 0}

	if _, err := c.Run(source, state); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if state.MonthPeakKW < 9.99 {
		t.Errorf("MonthPeakKW = %v, want >= ~10 after running with constant 10kW load", state.MonthPeakKW)
	}
}

// failingSolver always reports a numerical error, used to exercise the
// safe-mode fallback and fault-abort threshold.
type failingSolver struct{}

func (failingSolver) Solve(p *simplex.Problem) (simplex.Solution, error) {
	return simplex.Solution{Status: simplex.StatusNumericalError}, nil
}

func TestControllerAbortsAfterRepeatedFaults(t *testing.T) {
	source := flatArraySource(24, 10, 0, 1.0)
	c := NewController(noBattery(), flatTariff(), lp.GridLimits{ImportKW: 100, ExportKW: 100}, 6)
	c.Solver = failingSolver{}
	c.MaxConsecutiveFaults = 2
	state := &battery.State{SOCkWh: 0}

	_, err := c.Run(source, state)
	if err == nil {
		t.Fatal("expected an error after repeated solver faults")
	}
}

func TestControllerSafeModeStepUsesLoadMinusPV(t *testing.T) {
	source := flatArraySource(12, 15, 5, 1.0)
	c := NewController(noBattery(), flatTariff(), lp.GridLimits{ImportKW: 100, ExportKW: 100}, 6)
	c.Solver = failingSolver{}
	c.MaxConsecutiveFaults = 1000
	state := &battery.State{SOCkWh: 0}

	tr, err := c.Run(source, state)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for i, s := range tr.Steps {
		if s.GridImportKW < 9.99 || s.GridImportKW > 10.01 {
			t.Errorf("step %d safe-mode GridImportKW = %v, want ~10 (load-pv)", i, s.GridImportKW)
		}
	}
	if c.FaultCount() == 0 {
		t.Error("expected FaultCount() > 0 after running with a failing solver")
	}
}

// TestMonthlyPeakResetAcrossRollingWindows implements scenario S5: a load
// spike on one day of January must not contaminate February's running peak
// once the controller has crossed the calendar-month boundary.
func TestMonthlyPeakResetAcrossRollingWindows(t *testing.T) {
	const baseLoadKW = 5.0
	const spikeKW = 50.0

	// Phase 1: the last two days of January, with a spike on the first of
	// them. Stops before the Jan/Feb boundary itself so the reset has not
	// yet fired when phase 1 ends.
	phase1 := flatArraySource(48, baseLoadKW, 0, 1.0).withSpikeAt(12, spikeKW)
	phase1.start = time.Date(2026, time.January, 30, 0, 0, 0, 0, time.UTC)

	c := NewController(noBattery(), flatTariff(), lp.GridLimits{ImportKW: 200, ExportKW: 100}, 24)
	state := &battery.State{SOCkWh: 0}

	if _, err := c.Run(phase1, state); err != nil {
		t.Fatalf("Run() phase1 error = %v", err)
	}
	if state.MonthPeakKW < spikeKW-1e-6 {
		t.Fatalf("setup invariant violated: January's month_peak_kw should reflect the spike, got %v", state.MonthPeakKW)
	}

	// Phase 2: the first two days of February, flat load only. Once
	// February begins, the carried BatteryState's month_peak_kw must reset
	// to the new month's (much lower) running peak, independent of
	// January's spike.
	phase2 := flatArraySource(48, baseLoadKW, 0, 1.0)
	phase2.start = time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)

	if _, err := c.Run(phase2, state); err != nil {
		t.Fatalf("Run() phase2 error = %v", err)
	}
	if state.MonthPeakKW > baseLoadKW+1e-6 {
		t.Errorf("month_peak_kw after crossing into February = %v, want ~%v (independent of January's spike)", state.MonthPeakKW, baseLoadKW)
	}
}
