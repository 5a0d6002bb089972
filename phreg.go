package survival

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat/distuv"
)

// FitStatus is the terminal state of a proportional hazards fit.
type FitStatus int

const (
	FitConverged FitStatus = iota
	FitNonConverged
	FitSingular
)

func (s FitStatus) String() string {
	switch s {
	case FitConverged:
		return "converged"
	case FitNonConverged:
		return "not converged"
	case FitSingular:
		return "singular"
	}
	return "unknown"
}

// PHReg fits a Cox proportional hazards regression by maximizing the
// partial likelihood.  Tied event times are handled with the Breslow
// approximation: tied events share the full risk set, and subjects censored
// at an event time remain in that time's risk set.
//
// The table must carry a single event cause; collapse or filter competing
// causes before fitting.
type PHReg struct {
	table  *EventTable
	xnames []string
	xcols  [][]float64

	weights []float64
	l2wgt   []float64
	norm    bool

	maxIter int
	tol     float64
	optset  *optimize.Settings

	err error
}

// NewPHReg sets up a proportional hazards fit of the named covariates.
func NewPHReg(t *EventTable, xnames []string) *PHReg {
	return &PHReg{
		table:   t,
		xnames:  append([]string(nil), xnames...),
		maxIter: 25,
		tol:     1e-9,
	}
}

// Weight attaches per-record case weights.
func (ph *PHReg) Weight(w []float64) *PHReg {
	ph.weights = w
	return ph
}

// L2Weight sets per-coefficient ridge penalty weights, one per covariate.
// A penalized fit runs through gradient optimization and reports no
// standard errors.
func (ph *PHReg) L2Weight(w []float64) *PHReg {
	ph.l2wgt = w
	return ph
}

// Norm centers and scales the covariates before fitting; coefficients and
// their covariance are returned on the original scale.
func (ph *PHReg) Norm() *PHReg {
	ph.norm = true
	return ph
}

// MaxIter caps the Newton-Raphson iterations.  The default is 25.
func (ph *PHReg) MaxIter(n int) *PHReg {
	ph.maxIter = n
	return ph
}

// Tol sets the convergence tolerance on the score norm and on the change in
// log partial likelihood.  The default is 1e-9.
func (ph *PHReg) Tol(tol float64) *PHReg {
	ph.tol = tol
	return ph
}

// OptSettings provides gonum optimize settings for the penalized fit path.
func (ph *PHReg) OptSettings(s *optimize.Settings) *PHReg {
	ph.optset = s
	return ph
}

// Done validates the configuration.  Any error surfaces from Fit.
func (ph *PHReg) Done() *PHReg {

	if len(ph.table.causes) != 1 {
		ph.err = fmt.Errorf("survival: phreg needs a single event cause, table has %d; collapse competing causes first",
			len(ph.table.causes))
		return ph
	}
	if len(ph.xnames) == 0 {
		ph.err = fmt.Errorf("survival: phreg needs at least one covariate")
		return ph
	}
	for _, name := range ph.xnames {
		col, err := ph.table.column(name)
		if err != nil {
			ph.err = err
			return ph
		}
		ph.xcols = append(ph.xcols, col)
	}
	if ph.weights != nil && len(ph.weights) != ph.table.NumObs() {
		ph.err = fmt.Errorf("survival: %d weights for %d records", len(ph.weights), ph.table.NumObs())
		return ph
	}
	if ph.l2wgt != nil && len(ph.l2wgt) != len(ph.xnames) {
		ph.err = fmt.Errorf("survival: %d penalty weights for %d covariates", len(ph.l2wgt), len(ph.xnames))
		return ph
	}
	return ph
}

// PHResults holds a fitted proportional hazards model.  It is immutable and
// owned by the caller.
type PHResults struct {
	model *PHReg

	status  FitStatus
	niter   int
	loglike float64
	nobs    int
	nevents int

	xnames []string
	params []float64
	cov    *mat.SymDense // nil for penalized fits
	stderr []float64
}

// Names returns the covariate names in fit order.
func (r *PHResults) Names() []string { return append([]string(nil), r.xnames...) }

// Params returns the estimated log hazard ratios.
func (r *PHResults) Params() []float64 { return append([]float64(nil), r.params...) }

// StdErr returns the coefficient standard errors, or nil for a penalized
// fit.
func (r *PHResults) StdErr() []float64 {
	if r.stderr == nil {
		return nil
	}
	return append([]float64(nil), r.stderr...)
}

// ZScores returns the Wald z statistics, or nil for a penalized fit.
func (r *PHResults) ZScores() []float64 {
	if r.stderr == nil {
		return nil
	}
	z := make([]float64, len(r.params))
	for i := range z {
		z[i] = r.params[i] / r.stderr[i]
	}
	return z
}

// PValues returns two-sided Wald p-values, or nil for a penalized fit.
func (r *PHResults) PValues() []float64 {
	z := r.ZScores()
	if z == nil {
		return nil
	}
	for i := range z {
		z[i] = 2 * distuv.UnitNormal.CDF(-math.Abs(z[i]))
	}
	return z
}

// HazardRatios returns exp(coefficient) per covariate.
func (r *PHResults) HazardRatios() []float64 {
	h := make([]float64, len(r.params))
	for i := range h {
		h[i] = math.Exp(r.params[i])
	}
	return h
}

// LogLike returns the log partial likelihood at the final iterate, without
// any penalty term.
func (r *PHResults) LogLike() float64 { return r.loglike }

// NumIter returns the number of iterations used.
func (r *PHResults) NumIter() int { return r.niter }

// Status returns the terminal fit state.
func (r *PHResults) Status() FitStatus { return r.status }

// Converged reports whether the fit met its tolerance.
func (r *PHResults) Converged() bool { return r.status == FitConverged }

// VCov returns a copy of the coefficient covariance matrix, or nil for a
// penalized fit.
func (r *PHResults) VCov() *mat.SymDense {
	if r.cov == nil {
		return nil
	}
	c := mat.NewSymDense(len(r.params), nil)
	c.CopySym(r.cov)
	return c
}

// FittedValues returns the linear predictors, one per table record.
func (r *PHResults) FittedValues() []float64 {
	eta := make([]float64, r.model.table.NumObs())
	for j, col := range r.model.xcols {
		for i, v := range col {
			eta[i] += r.params[j] * v
		}
	}
	return eta
}

// Summary returns a formatted coefficient table.
func (r *PHResults) Summary() string {

	var b strings.Builder
	fmt.Fprintf(&b, "Proportional hazards regression (Breslow ties)\n")
	fmt.Fprintf(&b, "Observations: %d   Events: %d\n", r.nobs, r.nevents)
	fmt.Fprintf(&b, "Log partial likelihood: %.4f   Iterations: %d (%s)\n\n", r.loglike, r.niter, r.status)

	w := 8
	for _, na := range r.xnames {
		if len(na) > w {
			w = len(na)
		}
	}

	if r.stderr == nil {
		fmt.Fprintf(&b, "%-*s  %10s  %10s\n", w, "", "coef", "HR")
		hr := r.HazardRatios()
		for i, na := range r.xnames {
			fmt.Fprintf(&b, "%-*s  %10.4f  %10.4f\n", w, na, r.params[i], hr[i])
		}
		return b.String()
	}

	fmt.Fprintf(&b, "%-*s  %10s  %10s  %8s  %8s  %10s\n", w, "", "coef", "se(coef)", "z", "p", "HR")
	z := r.ZScores()
	p := r.PValues()
	hr := r.HazardRatios()
	for i, na := range r.xnames {
		fmt.Fprintf(&b, "%-*s  %10.4f  %10.4f  %8.3f  %8.4f  %10.4f\n",
			w, na, r.params[i], r.stderr[i], z[i], p[i], hr[i])
	}
	return b.String()
}

// Fit estimates the coefficients.  On NonConvergenceError the returned
// results hold the last iterate; on SingularInformationError no results are
// returned.
func (ph *PHReg) Fit() (*PHResults, error) {

	if ph.err != nil {
		return nil, ph.err
	}
	if ph.xcols == nil {
		ph.Done()
		if ph.err != nil {
			return nil, ph.err
		}
	}

	nevents := 0
	for _, k := range ph.table.cause {
		if k != 0 {
			nevents++
		}
	}
	if nevents == 0 {
		return nil, &InsufficientDataError{Cause: ph.table.causes[0], Reason: "no events"}
	}

	for j, col := range ph.xcols {
		if constantColumn(col) {
			return nil, &InvalidCovariateError{Name: ph.xnames[j], Reason: "constant column"}
		}
	}

	work := ph.newWorkspace()

	if ph.l2wgt != nil {
		return ph.fitRegularized(work, nevents)
	}
	return ph.fitNewton(work, nevents)
}

func (ph *PHReg) fitNewton(work *phWork, nevents int) (*PHResults, error) {

	p := len(ph.xnames)
	beta := make([]float64, p)

	ll, score, info := work.derivs(beta, true)

	var niter int
	status := FitNonConverged
	for niter = 1; niter <= ph.maxIter; niter++ {

		var chol mat.Cholesky
		if !chol.Factorize(info) || chol.Cond() > 1e12 {
			return nil, &SingularInformationError{Iter: niter}
		}
		var step mat.VecDense
		if err := chol.SolveVecTo(&step, mat.NewVecDense(p, score)); err != nil {
			return nil, &SingularInformationError{Iter: niter}
		}

		// Step halving when the likelihood fails to improve.
		cand := make([]float64, p)
		var newll float64
		var newscore []float64
		var newinfo *mat.SymDense
		scale := 1.0
		for h := 0; ; h++ {
			for j := 0; j < p; j++ {
				cand[j] = beta[j] + scale*step.AtVec(j)
			}
			newll, newscore, newinfo = work.derivs(cand, true)
			if newll >= ll || h >= 10 {
				break
			}
			scale /= 2
		}

		conv := floats.Norm(newscore, 2) < ph.tol || math.Abs(newll-ll) < ph.tol
		copy(beta, cand)
		ll, score, info = newll, newscore, newinfo

		if conv {
			status = FitConverged
			break
		}
	}
	if niter > ph.maxIter {
		niter = ph.maxIter
	}

	var chol mat.Cholesky
	if !chol.Factorize(info) || chol.Cond() > 1e12 {
		return nil, &SingularInformationError{Iter: niter}
	}
	var cov mat.SymDense
	if err := chol.InverseTo(&cov); err != nil {
		return nil, &SingularInformationError{Iter: niter}
	}

	work.unscale(beta, &cov)

	stderr := make([]float64, p)
	for j := 0; j < p; j++ {
		stderr[j] = math.Sqrt(cov.At(j, j))
	}

	res := &PHResults{
		model:   ph,
		status:  status,
		niter:   niter,
		loglike: ll,
		nobs:    ph.table.NumObs(),
		nevents: nevents,
		xnames:  append([]string(nil), ph.xnames...),
		params:  beta,
		cov:     &cov,
		stderr:  stderr,
	}
	if status != FitConverged {
		return res, &NonConvergenceError{Iter: ph.maxIter, ScoreNorm: floats.Norm(score, 2)}
	}
	return res, nil
}

// fitRegularized minimizes the penalized negative log partial likelihood
// with gradient optimization, the path used for ridge fits.
func (ph *PHReg) fitRegularized(work *phWork, nevents int) (*PHResults, error) {

	p := len(ph.xnames)

	prob := optimize.Problem{
		Func: func(b []float64) float64 {
			ll, _, _ := work.derivs(b, false)
			f := -ll
			for j := 0; j < p; j++ {
				f += 0.5 * ph.l2wgt[j] * b[j] * b[j]
			}
			return f
		},
		Grad: func(grad, b []float64) {
			_, score, _ := work.derivs(b, false)
			for j := 0; j < p; j++ {
				grad[j] = -score[j] + ph.l2wgt[j]*b[j]
			}
		},
	}

	result, err := optimize.Minimize(prob, make([]float64, p), ph.optset, &optimize.LBFGS{})
	if err != nil {
		return nil, fmt.Errorf("survival: penalized fit: %w", err)
	}

	beta := append([]float64(nil), result.X...)
	ll, _, _ := work.derivs(beta, false)
	work.unscale(beta, nil)

	return &PHResults{
		model:   ph,
		status:  FitConverged,
		niter:   result.Stats.MajorIterations,
		loglike: ll,
		nobs:    ph.table.NumObs(),
		nevents: nevents,
		xnames:  append([]string(nil), ph.xnames...),
		params:  beta,
	}, nil
}

// phWork holds the sorted view of the data and scratch space shared by the
// likelihood, score, and information computations.
type phWork struct {
	ph    *PHReg
	ord   []int       // record indices, time descending
	x     [][]float64 // covariates, possibly centered and scaled
	scale []float64   // nil when not normalizing
	wgt   []float64

	eta []float64
	v1  []float64
	v2  []float64
}

func (ph *PHReg) newWorkspace() *phWork {

	n := ph.table.NumObs()
	p := len(ph.xnames)

	w := &phWork{
		ph:  ph,
		ord: make([]int, n),
		x:   ph.xcols,
		wgt: ph.weights,
		eta: make([]float64, n),
		v1:  make([]float64, p),
		v2:  make([]float64, p*p),
	}
	for i := range w.ord {
		w.ord[i] = i
	}
	t := ph.table.time
	sort.Slice(w.ord, func(a, b int) bool { return t[w.ord[a]] > t[w.ord[b]] })

	if ph.norm {
		w.scale = make([]float64, p)
		w.x = make([][]float64, p)
		for j, col := range ph.xcols {
			mn := floats.Sum(col) / float64(n)
			sd := 0.0
			for _, v := range col {
				sd += (v - mn) * (v - mn)
			}
			sd = math.Sqrt(sd / float64(n))
			w.scale[j] = sd
			z := make([]float64, n)
			for i, v := range col {
				z[i] = (v - mn) / sd
			}
			w.x[j] = z
		}
	}

	return w
}

// unscale maps coefficients (and optionally their covariance) from the
// normalized scale back to the original covariate scale.
func (w *phWork) unscale(beta []float64, cov *mat.SymDense) {
	if w.scale == nil {
		return
	}
	for j := range beta {
		beta[j] /= w.scale[j]
	}
	if cov != nil {
		p := len(beta)
		for j := 0; j < p; j++ {
			for k := j; k < p; k++ {
				cov.SetSym(j, k, cov.At(j, k)/(w.scale[j]*w.scale[k]))
			}
		}
	}
}

// derivs evaluates the Breslow log partial likelihood and score at beta,
// and the observed information when wantInfo is set.  Risk set aggregates
// accumulate as the sweep proceeds from the largest time downward.
func (w *phWork) derivs(beta []float64, wantInfo bool) (float64, []float64, *mat.SymDense) {

	t := w.ph.table.time
	cause := w.ph.table.cause
	p := len(beta)
	n := len(w.ord)

	for i := 0; i < n; i++ {
		e := 0.0
		for j := 0; j < p; j++ {
			e += beta[j] * w.x[j][i]
		}
		w.eta[i] = e
	}

	ll := 0.0
	score := make([]float64, p)
	var info *mat.SymDense
	if wantInfo {
		info = mat.NewSymDense(p, nil)
	}

	// Risk set aggregates: sum of w*exp(eta), its covariate-weighted
	// first moment, and second moment when the information is needed.
	wsum := 0.0
	for j := range w.v1 {
		w.v1[j] = 0
	}
	for j := range w.v2 {
		w.v2[j] = 0
	}

	for i := 0; i < n; {

		// Add every subject observed at this time to the risk set
		// before counting the time's events.
		j := i
		for j < n && t[w.ord[j]] == t[w.ord[i]] {
			k := w.ord[j]
			wk := 1.0
			if w.wgt != nil {
				wk = w.wgt[k]
			}
			we := wk * math.Exp(w.eta[k])
			wsum += we
			for a := 0; a < p; a++ {
				w.v1[a] += we * w.x[a][k]
				if wantInfo {
					for b := a; b < p; b++ {
						w.v2[a*p+b] += we * w.x[a][k] * w.x[b][k]
					}
				}
			}
			j++
		}

		dw := 0.0
		for q := i; q < j; q++ {
			k := w.ord[q]
			if cause[k] == 0 {
				continue
			}
			wk := 1.0
			if w.wgt != nil {
				wk = w.wgt[k]
			}
			dw += wk
			ll += wk * w.eta[k]
			for a := 0; a < p; a++ {
				score[a] += wk * w.x[a][k]
			}
		}

		if dw > 0 {
			ll -= dw * math.Log(wsum)
			for a := 0; a < p; a++ {
				xbar := w.v1[a] / wsum
				score[a] -= dw * xbar
				if wantInfo {
					for b := a; b < p; b++ {
						info.SetSym(a, b, info.At(a, b)+
							dw*(w.v2[a*p+b]/wsum-xbar*w.v1[b]/wsum))
					}
				}
			}
		}
		i = j
	}

	return ll, score, info
}

func constantColumn(x []float64) bool {
	for _, v := range x {
		if v != x[0] {
			return false
		}
	}
	return true
}
