package lp

import (
	"github.com/voltgrid/dispatch/simplex"
)

// layout records the column index of the first element of every variable
// category, so the builder and the result extractor agree on the mapping
// without either hard-coding magic offsets. A field holds -1 when that
// category does not exist for the window's mode.
type layout struct {
	steps   int
	numBrackets int

	charge, discharge       int
	gridImport, gridExport  int
	energy                  int
	curtail                 int
	z                       int // tight mode only
	peakWindow              int // tight mode only
	peakViolation           int // penalty mode only
	deltaPlus, deltaMinus   int
	dodAbs, dpCyc, dp       int

	total int
}

func (l *layout) chargeIdx(t int) int     { return l.charge + t }
func (l *layout) dischargeIdx(t int) int  { return l.discharge + t }
func (l *layout) gridImportIdx(t int) int { return l.gridImport + t }
func (l *layout) gridExportIdx(t int) int { return l.gridExport + t }
func (l *layout) energyIdx(t int) int     { return l.energy + t }
func (l *layout) curtailIdx(t int) int    { return l.curtail + t }
func (l *layout) zIdx(i int) int          { return l.z + i }
func (l *layout) peakViolationIdx(t int) int { return l.peakViolation + t }
func (l *layout) deltaPlusIdx(t int) int  { return l.deltaPlus + t }
func (l *layout) deltaMinusIdx(t int) int { return l.deltaMinus + t }
func (l *layout) dodAbsIdx(t int) int     { return l.dodAbs + t }
func (l *layout) dpCycIdx(t int) int      { return l.dpCyc + t }
func (l *layout) dpIdx(t int) int         { return l.dp + t }

func newLayout(steps, numBrackets int, mode PeakMode) *layout {
	l := &layout{steps: steps, numBrackets: numBrackets}
	next := 0
	alloc := func(n int) int {
		start := next
		next += n
		return start
	}
	l.charge = alloc(steps)
	l.discharge = alloc(steps)
	l.gridImport = alloc(steps)
	l.gridExport = alloc(steps)
	l.energy = alloc(steps)
	l.curtail = alloc(steps)
	l.deltaPlus = alloc(steps)
	l.deltaMinus = alloc(steps)
	l.dodAbs = alloc(steps)
	l.dpCyc = alloc(steps)
	l.dp = alloc(steps)
	if mode == PeakModeTight {
		l.z = alloc(numBrackets)
		l.peakWindow = alloc(1)
		l.peakViolation = -1
	} else {
		l.z = -1
		l.peakWindow = -1
		l.peakViolation = alloc(steps)
	}
	l.total = next
	return l
}

// rowBuilder accumulates sparse rows for one constraint class.
type rowBuilder struct {
	entries []simplex.Entry
	starts  []int
	rhs     []float64
}

func newRowBuilder() *rowBuilder {
	return &rowBuilder{starts: []int{0}}
}

func (r *rowBuilder) add(rhs float64, entries ...simplex.Entry) {
	r.entries = append(r.entries, entries...)
	r.starts = append(r.starts, len(r.entries))
	r.rhs = append(r.rhs, rhs)
}

func e(col int, val float64) simplex.Entry { return simplex.Entry{Col: col, Val: val} }

// BuildWindow constructs the sparse simplex.Problem for one optimization
// window, implementing every variable, constraint and objective term of
// §4.4. The returned layout is an opaque handle that must be passed to
// ExtractResult to decode the solution.
func BuildWindow(w *Window) (*simplex.Problem, *layout, error) {
	if err := w.Validate(); err != nil {
		return nil, nil, err
	}

	steps := w.Grid.Len()
	dt := w.Grid.StepHours()
	numBrackets := len(w.Tariff.Brackets)
	l := newLayout(steps, numBrackets, w.Mode)

	bounds := make([]simplex.Bound, l.total)
	for t := 0; t < steps; t++ {
		bounds[l.chargeIdx(t)] = simplex.Bound{Lower: 0, Upper: w.Battery.MaxChargeKW}
		bounds[l.dischargeIdx(t)] = simplex.Bound{Lower: 0, Upper: w.Battery.MaxDischargeKW}
		bounds[l.gridImportIdx(t)] = simplex.Bound{Lower: 0, Upper: w.GridLimits.ImportKW}
		bounds[l.gridExportIdx(t)] = simplex.Bound{Lower: 0, Upper: w.GridLimits.ExportKW}
		bounds[l.energyIdx(t)] = simplex.Bound{Lower: w.Battery.MinEnergyKWh(), Upper: w.Battery.MaxEnergyKWh()}
		bounds[l.curtailIdx(t)] = simplex.Bound{Lower: 0, Upper: simplex.LargeBound}
		bounds[l.deltaPlusIdx(t)] = simplex.Bound{Lower: 0, Upper: simplex.LargeBound}
		bounds[l.deltaMinusIdx(t)] = simplex.Bound{Lower: 0, Upper: simplex.LargeBound}
		bounds[l.dodAbsIdx(t)] = simplex.Bound{Lower: 0, Upper: 2}
		bounds[l.dpCycIdx(t)] = simplex.Bound{Lower: 0, Upper: simplex.LargeBound}
		bounds[l.dpIdx(t)] = simplex.Bound{Lower: 0, Upper: simplex.LargeBound}
	}
	if w.Mode == PeakModeTight {
		totalWidth := 0.0
		for i := 0; i < numBrackets; i++ {
			bounds[l.zIdx(i)] = simplex.Bound{Lower: 0, Upper: 1}
			totalWidth += w.Tariff.Brackets[i].WidthKW
		}
		bounds[l.peakWindow] = simplex.Bound{Lower: 0, Upper: totalWidth}
	} else {
		for t := 0; t < steps; t++ {
			bounds[l.peakViolationIdx(t)] = simplex.Bound{Lower: 0, Upper: simplex.LargeBound}
		}
	}

	etaCh := w.Battery.ChargeEfficiency
	etaDch := w.Battery.DischargeEff
	etaInv := w.Battery.InverterEff

	eq := newRowBuilder()
	for t := 0; t < steps; t++ {
		// Instantaneous power balance.
		eq.add(w.Series.LoadKW[t]-w.Series.PVkW[t],
			e(l.gridImportIdx(t), 1),
			e(l.dischargeIdx(t), etaInv),
			e(l.gridExportIdx(t), -1),
			e(l.chargeIdx(t), -1/etaInv),
			e(l.curtailIdx(t), -1),
		)

		// Battery dynamics: E[t] - E[t-1] - eta_ch*dt*charge + dt/eta_dch*discharge = 0.
		dynEntries := []simplex.Entry{
			e(l.energyIdx(t), 1),
			e(l.chargeIdx(t), -etaCh*dt),
			e(l.dischargeIdx(t), dt/etaDch),
		}
		dynRHS := 0.0
		if t == 0 {
			dynRHS = w.InitialSOCkWh
		} else {
			dynEntries = append(dynEntries, e(l.energyIdx(t-1), -1))
		}
		eq.add(dynRHS, dynEntries...)

		// Energy delta decomposition: Delta+ - Delta- - (E[t]-E[t-1]) = 0.
		deltaEntries := []simplex.Entry{
			e(l.deltaPlusIdx(t), 1),
			e(l.deltaMinusIdx(t), -1),
			e(l.energyIdx(t), -1),
		}
		deltaRHS := 0.0
		if t == 0 {
			deltaRHS = -w.InitialSOCkWh
		} else {
			deltaEntries = append(deltaEntries, e(l.energyIdx(t-1), 1))
		}
		eq.add(deltaRHS, deltaEntries...)

		// DOD definition: DOD_abs*E_nom - Delta+ - Delta- = 0.
		eq.add(0,
			e(l.dodAbsIdx(t), w.Battery.EnergyCapacityKWh),
			e(l.deltaPlusIdx(t), -1),
			e(l.deltaMinusIdx(t), -1),
		)

		// Cyclic degradation: DP_cyc - rho*DOD_abs = 0.
		eq.add(0,
			e(l.dpCycIdx(t), 1),
			e(l.dodAbsIdx(t), -w.Battery.CyclicDegRho),
		)
	}
	if w.Mode == PeakModeTight {
		zEntries := make([]simplex.Entry, numBrackets)
		for i := 0; i < numBrackets; i++ {
			zEntries[i] = e(l.zIdx(i), w.Tariff.Brackets[i].WidthKW)
		}
		zEntries = append(zEntries, e(l.peakWindow, -1))
		eq.add(0, zEntries...)
	}

	le := newRowBuilder()
	dpCal := w.Battery.CalendarDegRate * dt
	for t := 0; t < steps; t++ {
		// Degradation max: DP_cyc - DP <= 0; -DP <= -DP_cal.
		le.add(0, e(l.dpCycIdx(t), 1), e(l.dpIdx(t), -1))
		le.add(-dpCal, e(l.dpIdx(t), -1))

		if w.Mode == PeakModeTight {
			le.add(0, e(l.gridImportIdx(t), 1), e(l.peakWindow, -1))
		} else {
			le.add(w.MonthPeakKW, e(l.gridImportIdx(t), 1), e(l.peakViolationIdx(t), -1))
		}
	}
	if w.Mode == PeakModeTight {
		for i := 1; i < numBrackets; i++ {
			le.add(0, e(l.zIdx(i), 1), e(l.zIdx(i-1), -1))
		}
	}

	cost := make([]float64, l.total)
	for t := 0; t < steps; t++ {
		cost[l.gridImportIdx(t)] += w.Series.PriceImport[t] * dt
		cost[l.gridExportIdx(t)] += -w.Series.PriceExport[t] * dt
		cost[l.dpIdx(t)] += w.Battery.DegradationCostWeight()
	}
	if w.Mode == PeakModeTight {
		incCosts := w.Tariff.IncrementalCosts()
		for i := 0; i < numBrackets; i++ {
			cost[l.zIdx(i)] += incCosts[i]
		}
	} else {
		weight := w.Penalty.Weight()
		for t := 0; t < steps; t++ {
			cost[l.peakViolationIdx(t)] += weight
		}
	}

	p := &simplex.Problem{
		NumVars:    l.total,
		Cost:       cost,
		Bounds:     bounds,
		EqRows:     eq.entries,
		EqRowStart: eq.starts,
		EqRHS:      eq.rhs,
		LeRows:     le.entries,
		LeRowStart: le.starts,
		LeRHS:      le.rhs,
	}
	return p, l, nil
}
