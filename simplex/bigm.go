package simplex

import (
	"math"

	"github.com/voltgrid/dispatch/faults"
)

// BigMSimplex is a dense, bounded-variable primal simplex solver using the
// Big-M method to obtain an initial basic feasible solution. Entering and
// leaving variables are chosen by a lowest-index (Bland's rule) tie-break
// throughout, which both prevents cycling and makes repeated solves of the
// same problem return bit-identical results (§4.5 "replay determinism").
type BigMSimplex struct {
	// BigM overrides the penalty weight on artificial variables. Zero means
	// "derive one from the problem's cost magnitudes".
	BigM float64
	// MaxIterations overrides the iteration budget. Zero means "derive one
	// from the problem size".
	MaxIterations int
}

// Solve implements Solver.
func (s BigMSimplex) Solve(p *Problem) (Solution, error) {
	const op = "simplex.BigMSimplex.Solve"
	if err := p.Validate(); err != nil {
		return Solution{Status: StatusNumericalError}, err
	}

	numEq, numLe := p.NumEq(), p.NumLe()
	m := numEq + numLe
	nStruct := p.NumVars + numLe // original vars + one slack per ≤ row
	n := nStruct + m             // + one artificial per row

	if m == 0 {
		return s.solveUnconstrained(p)
	}

	// origA is the untouched (unshifted, unsigned-flipped) dense constraint
	// matrix over the structural variables, kept for dual recovery.
	origA := make([][]float64, m)
	origRHS := make([]float64, m)
	for i := range origA {
		origA[i] = make([]float64, nStruct)
	}
	for i := 0; i < numEq; i++ {
		for _, e := range p.eqRow(i) {
			origA[i][e.Col] = e.Val
		}
		origRHS[i] = p.EqRHS[i]
	}
	for i := 0; i < numLe; i++ {
		row := numEq + i
		for _, e := range p.leRow(i) {
			origA[row][e.Col] = e.Val
		}
		origA[row][p.NumVars+i] = 1 // slack
		origRHS[row] = p.LeRHS[i]
	}

	width := make([]float64, n)
	lower := make([]float64, n)
	for j := 0; j < p.NumVars; j++ {
		lower[j] = p.Bounds[j].Lower
		width[j] = p.Bounds[j].Upper - p.Bounds[j].Lower
	}
	for j := p.NumVars; j < nStruct; j++ {
		lower[j] = 0
		width[j] = LargeBound
	}
	for j := nStruct; j < n; j++ {
		lower[j] = 0
		width[j] = LargeBound
	}

	maxAbsCost := 0.0
	cost := make([]float64, n)
	for j := 0; j < p.NumVars; j++ {
		cost[j] = p.Cost[j]
		if math.Abs(cost[j]) > maxAbsCost {
			maxAbsCost = math.Abs(cost[j])
		}
	}
	bigM := s.BigM
	if bigM == 0 {
		bigM = 1e6 * (1 + maxAbsCost)
	}
	for j := nStruct; j < n; j++ {
		cost[j] = bigM
	}

	// Shift structural variables to zero lower bound and compute b' = b - A·l.
	rowSign := make([]float64, m) // +1 or -1, whether the row was sign-flipped
	T := make([][]float64, m+1)
	for i := range T {
		T[i] = make([]float64, n+1)
	}
	for i := 0; i < m; i++ {
		shifted := origRHS[i]
		for j := 0; j < nStruct; j++ {
			T[i][j] = origA[i][j]
			shifted -= origA[i][j] * lower[j]
		}
		rowSign[i] = 1
		if shifted < 0 {
			rowSign[i] = -1
			shifted = -shifted
			for j := 0; j < nStruct; j++ {
				T[i][j] = -T[i][j]
			}
		}
		T[i][nStruct+i] = 1 // artificial column, always a unit column
		T[i][n] = shifted
	}

	basis := make([]int, m)
	for i := range basis {
		basis[i] = nStruct + i
	}
	flipped := make([]bool, n)

	// Initialize the objective row: z_j = c_j, then eliminate the basic
	// columns (already unit, so this is a plain linear combination).
	copy(T[m], cost)
	for i := 0; i < m; i++ {
		cb := cost[basis[i]]
		if cb == 0 {
			continue
		}
		for j := 0; j <= n; j++ {
			T[m][j] -= cb * T[i][j]
		}
	}

	maxIter := s.MaxIterations
	if maxIter == 0 {
		maxIter = 200 * (m + n) + 1000
	}

	flipVar := func(v int) {
		for i := 0; i <= m; i++ {
			T[i][n] -= T[i][v] * width[v]
			T[i][v] = -T[i][v]
		}
		flipped[v] = !flipped[v]
	}

	iter := 0
	for ; iter < maxIter; iter++ {
		enter := -1
		for j := 0; j < n; j++ {
			if T[m][j] < -eps {
				enter = j
				break
			}
		}
		if enter == -1 {
			break // optimal
		}

		bestT := width[enter]
		bestRow := -1
		bestLeaveAtUpper := false
		for i := 0; i < m; i++ {
			a := T[i][enter]
			if a > eps {
				t := T[i][n] / a
				if t < bestT-eps || (t < bestT+eps && bestRow != -1 && basis[i] < basis[bestRow]) {
					bestT = t
					bestRow = i
					bestLeaveAtUpper = false
				}
			} else if a < -eps {
				bv := basis[i]
				t := (width[bv] - T[i][n]) / (-a)
				if t < bestT-eps || (t < bestT+eps && bestRow != -1 && basis[i] < basis[bestRow]) {
					bestT = t
					bestRow = i
					bestLeaveAtUpper = true
				}
			}
		}

		if bestRow == -1 {
			// Bounded by the entering variable's own width: a bound flip.
			if bestT >= LargeBound*0.999 {
				return Solution{Status: StatusUnbounded}, nil
			}
			flipVar(enter)
			continue
		}

		pivot := T[bestRow][enter]
		for j := 0; j <= n; j++ {
			T[bestRow][j] /= pivot
		}
		for i := 0; i <= m; i++ {
			if i == bestRow {
				continue
			}
			factor := T[i][enter]
			if factor == 0 {
				continue
			}
			for j := 0; j <= n; j++ {
				T[i][j] -= factor * T[bestRow][j]
			}
		}
		leaving := basis[bestRow]
		basis[bestRow] = enter
		if bestLeaveAtUpper {
			flipVar(leaving)
		}
	}

	if iter == maxIter {
		return Solution{Status: StatusNumericalError}, faults.Numericalf(op, "exceeded %d iterations without converging", maxIter)
	}

	// Feasibility check: no artificial variable may be basic at a
	// significant value.
	xShifted := make([]float64, n)
	for j := 0; j < n; j++ {
		if flipped[j] {
			xShifted[j] = width[j]
		}
	}
	for i, bv := range basis {
		xShifted[bv] = T[i][n]
		if flipped[bv] {
			// basic variables are never represented in flipped orientation
			// by construction of flipVar (only nonbasic columns are
			// flipped while basic), but guard defensively.
			xShifted[bv] = width[bv] - T[i][n]
		}
	}
	for j := nStruct; j < n; j++ {
		if math.Abs(xShifted[j]) > 1e-6 {
			return Solution{Status: StatusInfeasible}, nil
		}
	}

	x := make([]float64, p.NumVars)
	for j := 0; j < p.NumVars; j++ {
		x[j] = lower[j] + xShifted[j]
	}

	dualEq, dualLe, err := recoverDuals(origA, p.Cost, cost, basis, m, numEq, nStruct)
	if err != nil {
		return Solution{Status: StatusNumericalError}, err
	}

	obj := 0.0
	for j := 0; j < p.NumVars; j++ {
		obj += p.Cost[j] * x[j]
	}

	return Solution{
		Status:         StatusOptimal,
		X:              x,
		ObjectiveValue: obj,
		DualEq:         dualEq,
		DualLe:         dualLe,
		Iterations:     iter,
	}, nil
}

func (s BigMSimplex) solveUnconstrained(p *Problem) (Solution, error) {
	x := make([]float64, p.NumVars)
	obj := 0.0
	for j := 0; j < p.NumVars; j++ {
		if p.Cost[j] >= 0 {
			x[j] = p.Bounds[j].Lower
		} else {
			x[j] = p.Bounds[j].Upper
		}
		obj += p.Cost[j] * x[j]
	}
	return Solution{Status: StatusOptimal, X: x, ObjectiveValue: obj}, nil
}

// recoverDuals solves y^T B = c_B for the dual vector y, using the original
// (unshifted, unflipped) constraint matrix restricted to the final basis.
// Computing duals this way, rather than by reading Big-M reduced costs off
// the artificial columns, avoids the catastrophic cancellation that
// subtracting the (huge) Big-M constant would otherwise introduce.
func recoverDuals(origA [][]float64, realCost []float64, fullCost []float64, basis []int, m, numEq, nStruct int) ([]float64, []float64, error) {
	const op = "simplex.recoverDuals"
	B := make([][]float64, m)
	for r := range B {
		B[r] = make([]float64, m)
	}
	cB := make([]float64, m)
	for i := 0; i < m; i++ {
		bv := basis[i]
		for r := 0; r < m; r++ {
			if bv < nStruct {
				B[r][i] = origA[r][bv]
			} else {
				// Residual artificial still basic (degenerate, value ~0):
				// its defining column is the unit vector e_(bv-nStruct).
				if r == bv-nStruct {
					B[r][i] = 1
				}
			}
		}
		cB[i] = fullCost[bv]
	}

	// Solve B^T y = cB via Gaussian elimination with partial pivoting.
	aug := make([][]float64, m)
	for i := 0; i < m; i++ {
		aug[i] = make([]float64, m+1)
		for j := 0; j < m; j++ {
			aug[i][j] = B[j][i] // B^T
		}
		aug[i][m] = cB[i]
	}
	y, err := gaussianSolve(aug, m)
	if err != nil {
		return nil, nil, faults.Numericalf(op, "dual recovery failed: %v", err)
	}

	dualEq := make([]float64, numEq)
	dualLe := make([]float64, m-numEq)
	copy(dualEq, y[:numEq])
	copy(dualLe, y[numEq:])
	return dualEq, dualLe, nil
}

// gaussianSolve solves the n x (n+1) augmented system in place with partial
// pivoting, returning the solution vector.
func gaussianSolve(aug [][]float64, n int) ([]float64, error) {
	for col := 0; col < n; col++ {
		pivotRow := col
		best := math.Abs(aug[col][col])
		for r := col + 1; r < n; r++ {
			if math.Abs(aug[r][col]) > best {
				best = math.Abs(aug[r][col])
				pivotRow = r
			}
		}
		if best < 1e-12 {
			// Singular basis matrix (can occur with degenerate bases holding
			// a residual zero-valued artificial); report a zero dual for the
			// affected rows rather than failing outright.
			continue
		}
		aug[col], aug[pivotRow] = aug[pivotRow], aug[col]
		pivotVal := aug[col][col]
		for j := col; j <= n; j++ {
			aug[col][j] /= pivotVal
		}
		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			factor := aug[r][col]
			if factor == 0 {
				continue
			}
			for j := col; j <= n; j++ {
				aug[r][j] -= factor * aug[col][j]
			}
		}
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = aug[i][n]
	}
	return out, nil
}
