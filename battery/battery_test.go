package battery

import (
	"testing"
	"time"
)

func sampleSpec() Spec {
	return Spec{
		EnergyCapacityKWh: 50,
		MaxChargeKW:       10,
		MaxDischargeKW:    10,
		SOCMin:            0.1,
		SOCMax:            0.9,
		ChargeEfficiency:  0.95,
		DischargeEff:      0.95,
		InverterEff:       0.97,
		CellCostPerKWh:    200,
		EndOfLifeFraction: 0.2,
		CyclicDegRho:      0.0005,
		CalendarDegRate:   0.000002,
	}
}

func TestValidateRejectsBadSOCBounds(t *testing.T) {
	s := sampleSpec()
	s.SOCMin = 0.95
	if err := s.Validate(); err == nil {
		t.Error("expected error for soc_min > soc_max")
	}
}

func TestValidateRejectsBadEfficiency(t *testing.T) {
	s := sampleSpec()
	s.ChargeEfficiency = 0
	if err := s.Validate(); err == nil {
		t.Error("expected error for zero charge efficiency")
	}
}

func TestMinMaxEnergyKWh(t *testing.T) {
	s := sampleSpec()
	if s.MinEnergyKWh() != 5 {
		t.Errorf("MinEnergyKWh() = %v, want 5", s.MinEnergyKWh())
	}
	if s.MaxEnergyKWh() != 45 {
		t.Errorf("MaxEnergyKWh() = %v, want 45", s.MaxEnergyKWh())
	}
}

func TestDegradationCostWeight(t *testing.T) {
	s := sampleSpec()
	want := 200.0 * 50 / 0.2
	if s.DegradationCostWeight() != want {
		t.Errorf("DegradationCostWeight() = %v, want %v", s.DegradationCostWeight(), want)
	}
}

func TestResetMonthPeakIfNewMonth(t *testing.T) {
	st := &State{MonthPeakKW: 42}
	jan := time.Date(2026, time.January, 15, 10, 0, 0, 0, time.UTC)
	st.ResetMonthPeakIfNewMonth(jan)
	if st.MonthPeakKW != 42 {
		t.Errorf("first call should not reset, got %v", st.MonthPeakKW)
	}

	feb := time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)
	st.ResetMonthPeakIfNewMonth(feb)
	if st.MonthPeakKW != 0 {
		t.Errorf("crossing month boundary should reset month peak, got %v", st.MonthPeakKW)
	}
}

func TestAdvance(t *testing.T) {
	st := &State{SOCkWh: 20, MonthPeakKW: 5, CumDegradation: 0.01}
	now := time.Now()
	st.Advance(22, 8, 0.0001, now)
	if st.SOCkWh != 22 {
		t.Errorf("SOCkWh = %v, want 22", st.SOCkWh)
	}
	if st.MonthPeakKW != 8 {
		t.Errorf("MonthPeakKW = %v, want 8", st.MonthPeakKW)
	}
	if st.CumDegradation <= 0.01 {
		t.Errorf("CumDegradation should have increased, got %v", st.CumDegradation)
	}
	if !st.LastTime.Equal(now) {
		t.Errorf("LastTime = %v, want %v", st.LastTime, now)
	}

	st.Advance(22, 3, 0, now) // lower import should not lower the running peak
	if st.MonthPeakKW != 8 {
		t.Errorf("MonthPeakKW should remain the running max, got %v", st.MonthPeakKW)
	}
}

func TestEquivalentFullCycles(t *testing.T) {
	s := sampleSpec()
	got := s.EquivalentFullCycles(100)
	want := 1.0
	if got != want {
		t.Errorf("EquivalentFullCycles(100) = %v, want %v", got, want)
	}
}
