package survival

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

// SurvivalCurve is a fitted product-limit curve for one stratum.  Points are
// placed at distinct observed event times only; the curve starts at
// probability 1 at time 0 and is held flat after the last observed event
// time (it is never extrapolated past the data).
type SurvivalCurve struct {
	Stratum string

	// Parallel slices, one entry per distinct event time.
	Time      []float64
	SurvProb  []float64
	Variance  []float64 // Greenwood
	Lower     []float64 // log(-log) scale confidence limits
	Upper     []float64
	NumRisk   []float64
	NumEvents []float64

	// Degenerate marks a stratum with no events or fewer than two
	// distinct observed times.  Such a curve is flat at 1 and carries no
	// points; it was not estimated.
	Degenerate bool
}

// SurvfuncRight estimates per-stratum Kaplan-Meier survival curves for one
// event cause, treating every other competing cause as censoring.  Subjects
// censored exactly at an event time remain in the risk set for that time.
type SurvfuncRight struct {
	table     *EventTable
	cause     string
	confLevel float64
	pooled    bool
}

// NewSurvfuncRight sets up a Kaplan-Meier fit of the given cause.
func NewSurvfuncRight(t *EventTable, cause string) *SurvfuncRight {
	return &SurvfuncRight{table: t, cause: cause, confLevel: 0.95}
}

// ConfLevel sets the confidence level for the pointwise bands.  The default
// is 0.95.
func (s *SurvfuncRight) ConfLevel(c float64) *SurvfuncRight {
	s.confLevel = c
	return s
}

// Pooled ignores the table's strata and fits a single curve.
func (s *SurvfuncRight) Pooled() *SurvfuncRight {
	s.pooled = true
	return s
}

// Done finalizes the configuration.
func (s *SurvfuncRight) Done() *SurvfuncRight { return s }

// Fit computes one curve per stratum, in the table's stratum order.
// Independent strata are fit concurrently.  If every stratum is degenerate
// the fit fails with InsufficientDataError; a degenerate stratum among
// valid ones is returned flagged instead.
func (s *SurvfuncRight) Fit() ([]*SurvivalCurve, error) {

	code, err := s.table.causeIndex(s.cause)
	if err != nil {
		return nil, err
	}

	groups, labels := s.table.byStratum()
	if s.pooled {
		groups, labels = pooledGroup(s.table)
	}

	curves := make([]*SurvivalCurve, len(groups))
	done := make(chan int, len(groups))
	for g := range groups {
		go func(g int) {
			curves[g] = kmCurve(s.table, groups[g], labels[g], code, s.confLevel)
			done <- g
		}(g)
	}
	for range groups {
		<-done
	}

	ndegen := 0
	for _, c := range curves {
		if c.Degenerate {
			ndegen++
		}
	}
	if ndegen == len(curves) {
		e := &InsufficientDataError{Cause: s.cause, Reason: "no stratum has events at two or more distinct times"}
		if len(curves) == 1 {
			e.Stratum = curves[0].Stratum
		}
		return nil, e
	}

	return curves, nil
}

func pooledGroup(t *EventTable) ([][]int, []string) {
	ix := make([]int, t.NumObs())
	for i := range ix {
		ix[i] = i
	}
	return [][]int{ix}, []string{""}
}

// kmCurve computes the product-limit curve for one stratum.  code selects
// the event cause; code -1 treats every non-censored record as an event
// (all-cause survival, used by the cumulative incidence estimator).
func kmCurve(t *EventTable, ix []int, label string, code int, confLevel float64) *SurvivalCurve {

	ord := append([]int(nil), ix...)
	sort.Slice(ord, func(a, b int) bool { return t.time[ord[a]] < t.time[ord[b]] })

	cv := &SurvivalCurve{Stratum: label}

	ndistinct, nevents := 0, 0
	for i := 0; i < len(ord); {
		j := i
		for j < len(ord) && t.time[ord[j]] == t.time[ord[i]] {
			if isEvent(t.cause[ord[j]], code) {
				nevents++
			}
			j++
		}
		ndistinct++
		i = j
	}
	if nevents == 0 || ndistinct < 2 {
		cv.Degenerate = true
		return cv
	}

	z := distuv.UnitNormal.Quantile(0.5 + confLevel/2)

	surv := 1.0
	gw := 0.0 // Greenwood cumulative sum
	nrisk := float64(len(ord))

	for i := 0; i < len(ord); {
		j := i
		d := 0.0
		for j < len(ord) && t.time[ord[j]] == t.time[ord[i]] {
			if isEvent(t.cause[ord[j]], code) {
				d++
			}
			j++
		}

		if d > 0 {
			surv *= 1 - d/nrisk
			if nrisk > d {
				gw += d / (nrisk * (nrisk - d))
			}
			v := surv * surv * gw
			lo, hi := logLogBounds(surv, v, z)

			cv.Time = append(cv.Time, t.time[ord[i]])
			cv.SurvProb = append(cv.SurvProb, surv)
			cv.Variance = append(cv.Variance, v)
			cv.Lower = append(cv.Lower, lo)
			cv.Upper = append(cv.Upper, hi)
			cv.NumRisk = append(cv.NumRisk, nrisk)
			cv.NumEvents = append(cv.NumEvents, d)
		}

		// Everyone observed at this time, censored or not, leaves the
		// risk set only after the time's event contribution.
		nrisk -= float64(j - i)
		i = j
	}

	return cv
}

func isEvent(cause, code int) bool {
	if code < 0 {
		return cause != 0
	}
	return cause == code
}

// logLogBounds back-transforms a normal interval on log(-log S), which
// keeps the limits inside [0, 1].
func logLogBounds(surv, variance, z float64) (float64, float64) {
	if surv <= 0 {
		return 0, 0
	}
	if surv >= 1 || variance <= 0 {
		return surv, surv
	}
	se := math.Sqrt(variance) / (surv * math.Abs(math.Log(surv)))
	lo := math.Pow(surv, math.Exp(z*se))
	hi := math.Pow(surv, math.Exp(-z*se))
	return lo, hi
}
