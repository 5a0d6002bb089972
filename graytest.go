package survival

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// GrayTestResult summarizes a test for equality of one cause's cumulative
// incidence across strata.
type GrayTestResult struct {
	Cause  string
	Strata []string

	// Observed and model-expected cause-specific event counts per
	// stratum, accumulated over event times.
	Observed []float64
	Expected []float64

	Stat   float64
	DF     int
	PValue float64
}

// GrayTest compares the sub-distribution hazard of one cause across the
// table's strata.  Subjects who fail from a competing cause remain in the
// risk set, down-weighted by the stratum's censoring survival ratio as in
// Gray's test; the statistic is the log-rank style quadratic form of
// observed minus expected cause-specific events, chi-squared with
// (strata - 1) degrees of freedom.
func GrayTest(t *EventTable, cause string) (*GrayTestResult, error) {

	code, err := t.causeIndex(cause)
	if err != nil {
		return nil, err
	}
	if len(t.strata) < 2 {
		return nil, &InsufficientDataError{Cause: cause, Reason: "test requires at least two strata"}
	}

	ngroup := len(t.strata)

	// Left-continuous censoring survival per stratum, for the
	// sub-distribution risk weights.
	cens := make([]*stepFunc, ngroup)
	groups, _ := t.byStratum()
	for g := range groups {
		cens[g] = censoringSurvival(t, groups[g])
	}

	// Distinct times with events of the requested cause, pooled.
	var etimes []float64
	seen := make(map[float64]bool)
	for i, k := range t.cause {
		if k == code && !seen[t.time[i]] {
			seen[t.time[i]] = true
			etimes = append(etimes, t.time[i])
		}
	}
	if len(etimes) == 0 {
		return nil, &InsufficientDataError{Cause: cause, Reason: "no events of this cause"}
	}
	sort.Float64s(etimes)

	res := &GrayTestResult{
		Cause:    cause,
		Strata:   t.StrataLabels(),
		Observed: make([]float64, ngroup),
		Expected: make([]float64, ngroup),
		DF:       ngroup - 1,
	}

	u := make([]float64, ngroup)
	v := mat.NewSymDense(ngroup, nil)

	for _, et := range etimes {

		nr := make([]float64, ngroup) // weighted risk set per group
		dk := make([]float64, ngroup) // cause events per group
		for i := range t.time {
			g := t.stratum[i]
			w := riskWeight(t, i, et, code, cens[g])
			nr[g] += w
			if t.time[i] == et && t.cause[i] == code {
				dk[g]++
			}
		}

		ntot, dtot := 0.0, 0.0
		for g := 0; g < ngroup; g++ {
			ntot += nr[g]
			dtot += dk[g]
		}
		if ntot <= 0 || dtot == 0 {
			continue
		}

		for g := 0; g < ngroup; g++ {
			e := dtot * nr[g] / ntot
			u[g] += dk[g] - e
			res.Observed[g] += dk[g]
			res.Expected[g] += e
		}

		if ntot > 1 {
			c := dtot * (ntot - dtot) / (ntot - 1)
			for g := 0; g < ngroup; g++ {
				for h := g; h < ngroup; h++ {
					x := -nr[g] * nr[h] / (ntot * ntot)
					if g == h {
						x += nr[g] / ntot
					}
					v.SetSym(g, h, v.At(g, h)+c*x)
				}
			}
		}
	}

	// The scores sum to zero, so drop the last stratum and invert the
	// leading block.
	m := ngroup - 1
	vv := mat.NewSymDense(m, nil)
	for g := 0; g < m; g++ {
		for h := g; h < m; h++ {
			vv.SetSym(g, h, v.At(g, h))
		}
	}
	uv := mat.NewVecDense(m, u[:m])

	var chol mat.Cholesky
	if !chol.Factorize(vv) {
		return nil, fmt.Errorf("survival: gray test covariance is singular")
	}
	var sol mat.VecDense
	if err := chol.SolveVecTo(&sol, uv); err != nil {
		return nil, fmt.Errorf("survival: gray test covariance solve: %w", err)
	}
	res.Stat = mat.Dot(uv, &sol)
	res.PValue = 1 - distuv.ChiSquared{K: float64(res.DF)}.CDF(res.Stat)

	return res, nil
}

// riskWeight is the sub-distribution at-risk weight of record i at time et.
// A subject still under observation counts fully; a subject who failed
// earlier from a competing cause stays in with weight G(et-)/G(T-), the
// stratum's censoring survival ratio; censored subjects and prior events of
// the tested cause are out.
func riskWeight(t *EventTable, i int, et float64, code int, cens *stepFunc) float64 {
	if t.time[i] >= et {
		return 1
	}
	if k := t.cause[i]; k == 0 || k == code {
		return 0
	}
	gt := cens.leftEval(et)
	gi := cens.leftEval(t.time[i])
	if gi <= 0 {
		return 0
	}
	return gt / gi
}

// stepFunc is a right-continuous step function starting at 1, used for the
// censoring survival curve.
type stepFunc struct {
	time []float64
	prob []float64
}

// leftEval returns the left limit of the step function at t.
func (f *stepFunc) leftEval(t float64) float64 {
	p := 1.0
	for i := range f.time {
		if f.time[i] >= t {
			break
		}
		p = f.prob[i]
	}
	return p
}

// censoringSurvival estimates the censoring distribution for one stratum by
// the reverse Kaplan-Meier: censorings are the events, and events at the
// same time leave the risk set first.
func censoringSurvival(t *EventTable, ix []int) *stepFunc {

	ord := append([]int(nil), ix...)
	sort.Slice(ord, func(a, b int) bool { return t.time[ord[a]] < t.time[ord[b]] })

	f := &stepFunc{}
	p := 1.0
	n := float64(len(ord))

	for i := 0; i < len(ord); {
		j := i
		c, d := 0.0, 0.0
		for j < len(ord) && t.time[ord[j]] == t.time[ord[i]] {
			if t.cause[ord[j]] == 0 {
				c++
			} else {
				d++
			}
			j++
		}
		if c > 0 && n-d > 0 {
			p *= 1 - c/(n-d)
			f.time = append(f.time, t.time[ord[i]])
			f.prob = append(f.prob, p)
		}
		n -= float64(j - i)
		i = j
	}

	return f
}
