package lp

import (
	"github.com/voltgrid/dispatch/faults"
	"github.com/voltgrid/dispatch/simplex"
)

const simultaneousOpTolerance = 1e-6

// WindowResult is the solved and decoded output of one window's LP (§3
// WindowResult): primal trajectories, degradation auxiliaries, dual
// multipliers per constraint class, cost decomposition and diagnostics.
type WindowResult struct {
	ChargeKW      []float64
	DischargeKW   []float64
	GridImportKW  []float64
	GridExportKW  []float64
	CurtailKW     []float64
	EnergyKWh     []float64

	PeakWindowKW       float64   // tight mode only
	BracketActivation  []float64 // tight mode only, z_i
	PeakViolationKW    []float64 // penalty mode only

	DeltaPlus, DeltaMinus []float64
	DODAbs, DPCyc, DP     []float64

	DualBalance, DualDynamics, DualDeltaDecomp, DualDOD, DualCyclic []float64
	DualPeakDefinition                                              float64 // tight mode only
	DualDegMaxCyclic, DualDegMaxCalendar                            []float64
	DualPeakConstraint                                              []float64 // peak-tracking (tight) or peak-violation (penalty) row
	DualBracketOrdering                                             []float64 // tight mode only

	SimultaneousOp []bool // t where charge and discharge are both > tolerance

	ObjectiveValue    float64
	EnergyCost        float64
	PowerTariffLPCost float64 // tight mode only
	PeakPenaltyCost   float64 // penalty mode only
	DegradationCost   float64

	Mode PeakMode
}

// ExtractResult decodes a solved simplex.Solution against the layout
// returned by BuildWindow into a WindowResult, including the cost
// decomposition and diagnostics required by §8's testable invariants.
func ExtractResult(w *Window, l *layout, sol simplex.Solution) (*WindowResult, error) {
	const op = "lp.ExtractResult"
	switch sol.Status {
	case simplex.StatusInfeasible:
		return nil, faults.Infeasiblef(op, "window LP reported infeasible")
	case simplex.StatusUnbounded:
		return nil, faults.Numericalf(op, "window LP reported unbounded")
	case simplex.StatusNumericalError:
		return nil, faults.Numericalf(op, "window LP solver reported a numerical error")
	case simplex.StatusOptimal:
		// fall through
	default:
		return nil, faults.Numericalf(op, "window LP returned unknown status %v", sol.Status)
	}

	steps := l.steps
	r := &WindowResult{
		ChargeKW:     make([]float64, steps),
		DischargeKW:  make([]float64, steps),
		GridImportKW: make([]float64, steps),
		GridExportKW: make([]float64, steps),
		CurtailKW:    make([]float64, steps),
		EnergyKWh:    make([]float64, steps),
		DeltaPlus:    make([]float64, steps),
		DeltaMinus:   make([]float64, steps),
		DODAbs:       make([]float64, steps),
		DPCyc:        make([]float64, steps),
		DP:           make([]float64, steps),

		DualBalance:     make([]float64, steps),
		DualDynamics:    make([]float64, steps),
		DualDeltaDecomp: make([]float64, steps),
		DualDOD:         make([]float64, steps),
		DualCyclic:      make([]float64, steps),

		DualDegMaxCyclic:   make([]float64, steps),
		DualDegMaxCalendar: make([]float64, steps),
		DualPeakConstraint: make([]float64, steps),

		SimultaneousOp: make([]bool, steps),
		Mode:           w.Mode,
	}

	for t := 0; t < steps; t++ {
		r.ChargeKW[t] = sol.X[l.chargeIdx(t)]
		r.DischargeKW[t] = sol.X[l.dischargeIdx(t)]
		r.GridImportKW[t] = sol.X[l.gridImportIdx(t)]
		r.GridExportKW[t] = sol.X[l.gridExportIdx(t)]
		r.CurtailKW[t] = sol.X[l.curtailIdx(t)]
		r.EnergyKWh[t] = sol.X[l.energyIdx(t)]
		r.DeltaPlus[t] = sol.X[l.deltaPlusIdx(t)]
		r.DeltaMinus[t] = sol.X[l.deltaMinusIdx(t)]
		r.DODAbs[t] = sol.X[l.dodAbsIdx(t)]
		r.DPCyc[t] = sol.X[l.dpCycIdx(t)]
		r.DP[t] = sol.X[l.dpIdx(t)]

		if r.ChargeKW[t] > simultaneousOpTolerance && r.DischargeKW[t] > simultaneousOpTolerance {
			r.SimultaneousOp[t] = true
		}

		eqBase := 5 * t
		r.DualBalance[t] = sol.DualEq[eqBase]
		r.DualDynamics[t] = sol.DualEq[eqBase+1]
		r.DualDeltaDecomp[t] = sol.DualEq[eqBase+2]
		r.DualDOD[t] = sol.DualEq[eqBase+3]
		r.DualCyclic[t] = sol.DualEq[eqBase+4]

		leBase := 3 * t
		r.DualDegMaxCyclic[t] = sol.DualLe[leBase]
		r.DualDegMaxCalendar[t] = sol.DualLe[leBase+1]
		r.DualPeakConstraint[t] = sol.DualLe[leBase+2]
	}

	if w.Mode == PeakModeTight {
		r.PeakWindowKW = sol.X[l.peakWindow]
		r.BracketActivation = make([]float64, l.numBrackets)
		for i := 0; i < l.numBrackets; i++ {
			r.BracketActivation[i] = sol.X[l.zIdx(i)]
		}
		r.DualPeakDefinition = sol.DualEq[5*steps]
		if l.numBrackets > 1 {
			r.DualBracketOrdering = make([]float64, l.numBrackets-1)
			copy(r.DualBracketOrdering, sol.DualLe[3*steps:3*steps+l.numBrackets-1])
		}
	} else {
		r.PeakViolationKW = make([]float64, steps)
		for t := 0; t < steps; t++ {
			r.PeakViolationKW[t] = sol.X[l.peakViolationIdx(t)]
		}
	}

	dt := w.Grid.StepHours()
	energyCost := 0.0
	for t := 0; t < steps; t++ {
		importCost, exportRevenue := w.Tariff.EnergyCost(r.GridImportKW[t], r.GridExportKW[t], w.Series.PeakBand[t], dt)
		energyCost += importCost - exportRevenue
	}
	r.EnergyCost = energyCost

	if w.Mode == PeakModeTight {
		lpCost, err := w.Tariff.PowerTariffLPTerm(r.BracketActivation)
		if err != nil {
			return nil, err
		}
		r.PowerTariffLPCost = lpCost
	} else {
		weight := w.Penalty.Weight()
		for t := 0; t < steps; t++ {
			r.PeakPenaltyCost += weight * r.PeakViolationKW[t]
		}
	}

	degCost := 0.0
	weight := w.Battery.DegradationCostWeight()
	for t := 0; t < steps; t++ {
		degCost += weight * r.DP[t]
	}
	r.DegradationCost = degCost

	r.ObjectiveValue = sol.ObjectiveValue
	return r, nil
}
