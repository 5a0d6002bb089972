package survival

import (
	"math"
	"sort"
)

// IncidenceCurve is a fitted cumulative incidence function for one cause in
// one stratum.  Points are placed at every distinct event time in the
// stratum regardless of cause, so the curves for all causes and the
// all-cause survival curve share one time grid and their probabilities sum
// to 1 at each point.
type IncidenceCurve struct {
	Stratum string
	Cause   string

	Time     []float64
	Prob     []float64 // monotone non-decreasing
	Variance []float64 // delta-method (Marubini-Valsecchi form)

	// Degenerate marks a cause with no events in this stratum; the
	// incidence is identically zero and was not estimated.
	Degenerate bool
}

// CumincResult holds Aalen-Johansen estimates for every cause and stratum,
// together with the all-cause survival curve that completes them.
type CumincResult struct {
	strata []string
	causes []string
	curves map[string]map[string]*IncidenceCurve
	surv   map[string]*SurvivalCurve
}

// Strata returns the stratum labels in fit order.
func (r *CumincResult) Strata() []string { return append([]string(nil), r.strata...) }

// Causes returns the cause labels in vocabulary order.
func (r *CumincResult) Causes() []string { return append([]string(nil), r.causes...) }

// Curve returns the incidence curve for one stratum and cause.
func (r *CumincResult) Curve(stratum, cause string) (*IncidenceCurve, error) {
	m, ok := r.curves[stratum]
	if !ok {
		return nil, &InsufficientDataError{Stratum: stratum, Reason: "stratum not in fit"}
	}
	cv, ok := m[cause]
	if !ok {
		return nil, &UnknownCauseError{Cause: cause, Known: r.causes}
	}
	return cv, nil
}

// Survival returns the all-cause survival curve for one stratum, on the
// same time grid as the stratum's incidence curves.
func (r *CumincResult) Survival(stratum string) (*SurvivalCurve, error) {
	cv, ok := r.surv[stratum]
	if !ok {
		return nil, &InsufficientDataError{Stratum: stratum, Reason: "stratum not in fit"}
	}
	return cv, nil
}

// CumincRight estimates cause-specific cumulative incidence under competing
// risks using the Aalen-Johansen product-limit form.
type CumincRight struct {
	table     *EventTable
	confLevel float64
	pooled    bool
}

// NewCumincRight sets up a cumulative incidence fit over every cause in the
// table's vocabulary.
func NewCumincRight(t *EventTable) *CumincRight {
	return &CumincRight{table: t, confLevel: 0.95}
}

// ConfLevel sets the confidence level for the all-cause survival curve's
// pointwise bands.  The default is 0.95.
func (c *CumincRight) ConfLevel(l float64) *CumincRight {
	c.confLevel = l
	return c
}

// Pooled ignores the table's strata and fits a single set of curves.
func (c *CumincRight) Pooled() *CumincRight {
	c.pooled = true
	return c
}

// Done finalizes the configuration.
func (c *CumincRight) Done() *CumincRight { return c }

// Fit computes incidence curves for every (stratum, cause) pair, with
// independent strata processed concurrently.  A stratum with no events of
// any kind at two or more distinct times is degenerate; if every stratum is
// degenerate the fit fails with InsufficientDataError.
func (c *CumincRight) Fit() (*CumincResult, error) {

	groups, labels := c.table.byStratum()
	if c.pooled {
		groups, labels = pooledGroup(c.table)
	}

	res := &CumincResult{
		strata: labels,
		causes: c.table.Causes(),
		curves: make(map[string]map[string]*IncidenceCurve, len(groups)),
		surv:   make(map[string]*SurvivalCurve, len(groups)),
	}

	type stratumFit struct {
		g      int
		curves map[string]*IncidenceCurve
		surv   *SurvivalCurve
	}
	ch := make(chan stratumFit, len(groups))
	for g := range groups {
		go func(g int) {
			cv, sv := ajCurves(c.table, groups[g], labels[g], c.confLevel)
			ch <- stratumFit{g: g, curves: cv, surv: sv}
		}(g)
	}
	ndegen := 0
	for range groups {
		f := <-ch
		res.curves[labels[f.g]] = f.curves
		res.surv[labels[f.g]] = f.surv
		if f.surv.Degenerate {
			ndegen++
		}
	}
	if ndegen == len(groups) {
		e := &InsufficientDataError{Reason: "no stratum has events at two or more distinct times"}
		if len(groups) == 1 {
			e.Stratum = labels[0]
		}
		return nil, e
	}

	return res, nil
}

// ajCurves computes the Aalen-Johansen estimates for one stratum: one
// incidence curve per cause plus the all-cause survival curve.
func ajCurves(t *EventTable, ix []int, label string, confLevel float64) (map[string]*IncidenceCurve, *SurvivalCurve) {

	surv := kmCurve(t, ix, label, -1, confLevel)

	out := make(map[string]*IncidenceCurve, len(t.causes))
	for _, cause := range t.causes {
		out[cause] = &IncidenceCurve{Stratum: label, Cause: cause, Degenerate: true}
	}
	if surv.Degenerate {
		return out, surv
	}

	ord := append([]int(nil), ix...)
	sort.Slice(ord, func(a, b int) bool { return t.time[ord[a]] < t.time[ord[b]] })

	// Per distinct event time: left-limit survival, risk set size, total
	// events, and per-cause events.
	var sprev, nrisk, dtot []float64
	dk := make([][]float64, len(t.causes))

	s := 1.0
	n := float64(len(ord))
	for i := 0; i < len(ord); {
		j := i
		d := 0.0
		dc := make([]float64, len(t.causes))
		for j < len(ord) && t.time[ord[j]] == t.time[ord[i]] {
			if k := t.cause[ord[j]]; k != 0 {
				d++
				dc[k-1]++
			}
			j++
		}
		if d > 0 {
			sprev = append(sprev, s)
			nrisk = append(nrisk, n)
			dtot = append(dtot, d)
			for k := range dk {
				dk[k] = append(dk[k], dc[k])
			}
			s *= 1 - d/n
		}
		n -= float64(j - i)
		i = j
	}

	for k, cause := range t.causes {
		cv := out[cause]
		cv.Time = append([]float64(nil), surv.Time...)
		cv.Prob = make([]float64, len(cv.Time))
		cv.Variance = make([]float64, len(cv.Time))

		f := 0.0
		for i := range cv.Time {
			f += sprev[i] * dk[k][i] / nrisk[i]
			cv.Prob[i] = f
			if dk[k][i] > 0 {
				cv.Degenerate = false
			}
		}
		for i := range cv.Time {
			cv.Variance[i] = ajVariance(cv.Prob, sprev, nrisk, dtot, dk[k], i)
		}
	}

	return out, surv
}

// ajVariance is the delta-method variance of the Aalen-Johansen estimate at
// point i, tracking the covariance between the overall survival process and
// the cause-specific incidence process (Marubini-Valsecchi form).
func ajVariance(f, sprev, nrisk, dtot, dk []float64, i int) float64 {

	v := 0.0
	for j := 0; j <= i; j++ {
		df := f[i] - f[j]
		if nrisk[j] > dtot[j] {
			v += df * df * dtot[j] / (nrisk[j] * (nrisk[j] - dtot[j]))
		}
		v += sprev[j] * sprev[j] * dk[j] * (nrisk[j] - dk[j]) / (nrisk[j] * nrisk[j] * nrisk[j])
		v -= 2 * df * sprev[j] * dk[j] / (nrisk[j] * nrisk[j])
	}
	return math.Max(v, 0)
}
