package survival

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// TimeTransform selects the transform of event time that the scaled
// Schoenfeld residuals are tested against.
type TimeTransform int

const (
	// RankTime regresses against the rank of the event time, the
	// default; ties share their average rank.
	RankTime TimeTransform = iota
	// LogTime regresses against log time.
	LogTime
	// IdentityTime regresses against the raw time.
	IdentityTime
)

func (t TimeTransform) String() string {
	switch t {
	case RankTime:
		return "rank"
	case LogTime:
		return "log"
	case IdentityTime:
		return "identity"
	}
	return "unknown"
}

// PHTestResult holds the proportional hazards assumption test: one
// chi-squared statistic per covariate (1 df each) and a global statistic
// combining all covariates, together with the scaled residual series for
// plotting by a caller.
type PHTestResult struct {
	Names   []string
	Chisq   []float64
	PValues []float64

	GlobalChisq  float64
	GlobalDF     int
	GlobalPValue float64

	Transform TimeTransform

	// Times holds each event time in ascending order; Residuals holds
	// the matching rows of scaled Schoenfeld residuals, one column per
	// covariate, offset by the fitted coefficients.
	Times     []float64
	Residuals [][]float64
}

// TestPH tests the proportional hazards assumption of a converged fit by
// regressing scaled Schoenfeld residuals against a transform of time.  A
// significant slope for a covariate means its effect drifts with time.
func TestPH(r *PHResults, tt TimeTransform) (*PHTestResult, error) {

	if r.Status() != FitConverged {
		return nil, fmt.Errorf("survival: proportional hazards test requires a converged fit (status %s)", r.Status())
	}
	if r.cov == nil {
		return nil, fmt.Errorf("survival: proportional hazards test is not available for penalized fits")
	}

	ph := r.model
	p := len(r.params)

	times, resid := schoenfeld(ph, r.params)
	d := len(times)
	if d < 2 {
		return nil, &InsufficientDataError{Reason: "fewer than two events"}
	}

	g := make([]float64, d)
	switch tt {
	case RankTime:
		copy(g, avgRanks(times))
	case LogTime:
		for i, v := range times {
			if v <= 0 {
				return nil, &InsufficientDataError{Reason: "log time transform is undefined for an event at time 0"}
			}
			g[i] = math.Log(v)
		}
	case IdentityTime:
		copy(g, times)
	default:
		return nil, fmt.Errorf("survival: unknown time transform %d", tt)
	}

	gbar := 0.0
	for _, v := range g {
		gbar += v
	}
	gbar /= float64(d)
	sxx := 0.0
	for i := range g {
		g[i] -= gbar
		sxx += g[i] * g[i]
	}
	if sxx == 0 {
		return nil, &InsufficientDataError{Reason: "time transform is constant over the events"}
	}

	// u = sum_i g_i * resid_i
	u := mat.NewVecDense(p, nil)
	for i := 0; i < d; i++ {
		for j := 0; j < p; j++ {
			u.SetVec(j, u.AtVec(j)+g[i]*resid[i][j])
		}
	}

	var vu mat.VecDense
	vu.MulVec(r.cov, u)

	out := &PHTestResult{
		Names:     r.Names(),
		Chisq:     make([]float64, p),
		PValues:   make([]float64, p),
		GlobalDF:  p,
		Transform: tt,
		Times:     times,
	}

	chi1 := distuv.ChiSquared{K: 1}
	df := float64(d)
	for j := 0; j < p; j++ {
		z := df * vu.AtVec(j) * vu.AtVec(j) / (r.cov.At(j, j) * sxx)
		out.Chisq[j] = z
		out.PValues[j] = 1 - chi1.CDF(z)
	}

	out.GlobalChisq = mat.Dot(u, &vu) * df / sxx
	out.GlobalPValue = 1 - distuv.ChiSquared{K: float64(p)}.CDF(out.GlobalChisq)

	// Scaled residual series for plotting: d * resid * V, offset by the
	// coefficients.
	out.Residuals = make([][]float64, d)
	for i := 0; i < d; i++ {
		row := make([]float64, p)
		for j := 0; j < p; j++ {
			s := 0.0
			for k := 0; k < p; k++ {
				s += resid[i][k] * r.cov.At(k, j)
			}
			row[j] = df*s + r.params[j]
		}
		out.Residuals[i] = row
	}

	return out, nil
}

// schoenfeld computes the raw Schoenfeld residuals at beta: for each event,
// the subject's covariates minus the risk-set expected covariates under the
// fitted model.  Rows come back in ascending time order.
func schoenfeld(ph *PHReg, beta []float64) ([]float64, [][]float64) {

	t := ph.table.time
	cause := ph.table.cause
	n := ph.table.NumObs()
	p := len(beta)

	ord := make([]int, n)
	for i := range ord {
		ord[i] = i
	}
	sort.Slice(ord, func(a, b int) bool { return t[ord[a]] > t[ord[b]] })

	eta := make([]float64, n)
	for j, col := range ph.xcols {
		for i, v := range col {
			eta[i] += beta[j] * v
		}
	}

	wsum := 0.0
	v1 := make([]float64, p)

	var times []float64
	var resid [][]float64

	for i := 0; i < n; {
		j := i
		for j < n && t[ord[j]] == t[ord[i]] {
			k := ord[j]
			wk := 1.0
			if ph.weights != nil {
				wk = ph.weights[k]
			}
			we := wk * math.Exp(eta[k])
			wsum += we
			for a := 0; a < p; a++ {
				v1[a] += we * ph.xcols[a][k]
			}
			j++
		}

		for q := i; q < j; q++ {
			k := ord[q]
			if cause[k] == 0 {
				continue
			}
			row := make([]float64, p)
			for a := 0; a < p; a++ {
				row[a] = ph.xcols[a][k] - v1[a]/wsum
			}
			times = append(times, t[k])
			resid = append(resid, row)
		}
		i = j
	}

	// The sweep runs from the largest time down; flip to ascending.
	for a, b := 0, len(times)-1; a < b; a, b = a+1, b-1 {
		times[a], times[b] = times[b], times[a]
		resid[a], resid[b] = resid[b], resid[a]
	}

	return times, resid
}

// avgRanks returns 1-based ranks of an ascending slice, with ties sharing
// their average rank.
func avgRanks(x []float64) []float64 {
	r := make([]float64, len(x))
	for i := 0; i < len(x); {
		j := i
		for j < len(x) && x[j] == x[i] {
			j++
		}
		avg := float64(i+1+j) / 2
		for k := i; k < j; k++ {
			r[k] = avg
		}
		i = j
	}
	return r
}
