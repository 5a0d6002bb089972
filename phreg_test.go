package survival

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// simCox draws right-censored times from a proportional hazards model with
// unit baseline rate: T ~ Exp(exp(beta * x)), censored at censorAt.
func simCox(rng *rand.Rand, x []float64, beta, censorAt float64) (time, status []float64) {
	time = make([]float64, len(x))
	status = make([]float64, len(x))
	for i := range x {
		u := rng.Float64()
		tt := -math.Log(1-u) / math.Exp(beta*x[i])
		if tt < censorAt {
			time[i] = tt
			status[i] = 1
		} else {
			time[i] = censorAt
		}
	}
	return time, status
}

func coxTable(t *testing.T, time, status, x []float64) *EventTable {
	t.Helper()
	et, err := NewEventTable(time, CausesFromStatus(status, "event"), []string{"event"}).
		Covariate("x", x).Done()
	require.NoError(t, err)
	return et
}

// A two-arm cohort with a known hazard ratio of 2: the fit must recover
// log(2) within sampling error.
func TestPHRegTwoArmRecovery(t *testing.T) {

	rng := rand.New(rand.NewSource(42))
	n := 4000
	x := make([]float64, n)
	for i := n / 2; i < n; i++ {
		x[i] = 1
	}
	time, status := simCox(rng, x, math.Log(2), 1.5)

	result, err := NewPHReg(coxTable(t, time, status, x), []string{"x"}).Done().Fit()
	require.NoError(t, err)

	assert.True(t, result.Converged())
	assert.Equal(t, FitConverged, result.Status())
	assert.LessOrEqual(t, result.NumIter(), 25)
	assert.InDelta(t, math.Log(2), result.Params()[0], 0.15)
	assert.InDelta(t, 2.0, result.HazardRatios()[0], 0.35)
	assert.Greater(t, result.StdErr()[0], 0.0)
}

// A covariate that is pure noise must come back near zero relative to its
// standard error.
func TestPHRegNullCovariate(t *testing.T) {

	rng := rand.New(rand.NewSource(7))
	n := 2000
	x := make([]float64, n)
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	// Times are independent of x.
	time, status := simCox(rng, make([]float64, n), 0, 2.0)

	result, err := NewPHReg(coxTable(t, time, status, x), []string{"x"}).Done().Fit()
	require.NoError(t, err)

	z := result.ZScores()[0]
	assert.Less(t, math.Abs(z), 4.0)
}

func TestPHRegWeightInvariance(t *testing.T) {

	rng := rand.New(rand.NewSource(3))
	n := 400
	x := make([]float64, n)
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	time, status := simCox(rng, x, 0.5, 2.0)
	et := coxTable(t, time, status, x)

	r1, err := NewPHReg(et, []string{"x"}).Done().Fit()
	require.NoError(t, err)

	w := make([]float64, n)
	for i := range w {
		w[i] = 2
	}
	r2, err := NewPHReg(et, []string{"x"}).Weight(w).Done().Fit()
	require.NoError(t, err)

	assert.InDelta(t, r1.Params()[0], r2.Params()[0], 1e-6)
}

func TestPHRegNormInvariance(t *testing.T) {

	rng := rand.New(rand.NewSource(11))
	n := 500
	x := make([]float64, n)
	for i := range x {
		x[i] = 10 + 3*rng.NormFloat64()
	}
	time, status := simCox(rng, x, 0.1, 5.0)
	et := coxTable(t, time, status, x)

	r1, err := NewPHReg(et, []string{"x"}).Done().Fit()
	require.NoError(t, err)
	r2, err := NewPHReg(et, []string{"x"}).Norm().Done().Fit()
	require.NoError(t, err)

	assert.InDelta(t, r1.Params()[0], r2.Params()[0], 1e-4)
	assert.InDelta(t, r1.StdErr()[0], r2.StdErr()[0], 1e-4)
}

// Ridge fits shrink toward zero and report no standard errors.
func TestPHRegRidge(t *testing.T) {

	rng := rand.New(rand.NewSource(23))
	n := 600
	x := make([]float64, n)
	for i := n / 2; i < n; i++ {
		x[i] = 1
	}
	time, status := simCox(rng, x, math.Log(2), 2.0)
	et := coxTable(t, time, status, x)

	mle, err := NewPHReg(et, []string{"x"}).Done().Fit()
	require.NoError(t, err)

	ridge, err := NewPHReg(et, []string{"x"}).L2Weight([]float64{50}).Done().Fit()
	require.NoError(t, err)

	assert.True(t, ridge.Converged())
	assert.Nil(t, ridge.StdErr())
	assert.Nil(t, ridge.ZScores())
	assert.Less(t, math.Abs(ridge.Params()[0]), math.Abs(mle.Params()[0]))
	assert.Greater(t, math.Abs(ridge.Params()[0]), 0.0)
}

func TestPHRegSingularInformation(t *testing.T) {

	rng := rand.New(rand.NewSource(9))
	n := 200
	x := make([]float64, n)
	x2 := make([]float64, n)
	for i := range x {
		x[i] = rng.NormFloat64()
		x2[i] = 2 * x[i]
	}
	time, status := simCox(rng, x, 0.3, 2.0)

	et, err := NewEventTable(time, CausesFromStatus(status, "event"), []string{"event"}).
		Covariate("x", x).
		Covariate("x2", x2).Done()
	require.NoError(t, err)

	_, err = NewPHReg(et, []string{"x", "x2"}).Done().Fit()
	var se *SingularInformationError
	require.ErrorAs(t, err, &se)
}

func TestPHRegInvalidCovariate(t *testing.T) {

	time := []float64{1, 2, 3, 4}
	status := []float64{1, 1, 0, 1}
	c := []float64{3, 3, 3, 3}

	et, err := NewEventTable(time, CausesFromStatus(status, "event"), []string{"event"}).
		Covariate("c", c).Done()
	require.NoError(t, err)

	_, err = NewPHReg(et, []string{"c"}).Done().Fit()
	var ic *InvalidCovariateError
	require.ErrorAs(t, err, &ic)
	assert.Equal(t, "c", ic.Name)
}

// Hitting the iteration cap returns the last iterate together with the
// error.
func TestPHRegNonConvergence(t *testing.T) {

	rng := rand.New(rand.NewSource(31))
	n := 500
	x := make([]float64, n)
	for i := n / 2; i < n; i++ {
		x[i] = 1
	}
	time, status := simCox(rng, x, math.Log(3), 2.0)

	result, err := NewPHReg(coxTable(t, time, status, x), []string{"x"}).
		MaxIter(1).Tol(1e-14).Done().Fit()

	var nc *NonConvergenceError
	require.ErrorAs(t, err, &nc)
	require.NotNil(t, result)
	assert.False(t, result.Converged())
	assert.Equal(t, FitNonConverged, result.Status())
	assert.NotZero(t, result.Params()[0])
}

func TestPHRegMultiCauseRejected(t *testing.T) {

	time := []float64{1, 2, 3, 4}
	cause := []string{"a", "b", Censored, "a"}
	et, err := NewEventTable(time, cause, []string{"a", "b"}).
		Covariate("x", []float64{1, 0, 1, 0}).Done()
	require.NoError(t, err)

	_, err = NewPHReg(et, []string{"x"}).Done().Fit()
	require.Error(t, err)
}

func TestPHRegResultsSurface(t *testing.T) {

	rng := rand.New(rand.NewSource(13))
	n := 300
	x := make([]float64, n)
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	time, status := simCox(rng, x, 0.4, 2.0)
	et := coxTable(t, time, status, x)

	result, err := NewPHReg(et, []string{"x"}).Done().Fit()
	require.NoError(t, err)

	assert.Equal(t, []string{"x"}, result.Names())
	assert.InDelta(t, math.Exp(result.Params()[0]), result.HazardRatios()[0], 1e-12)
	assert.Less(t, result.LogLike(), 0.0)

	fv := result.FittedValues()
	require.Len(t, fv, n)
	assert.InDelta(t, result.Params()[0]*x[0], fv[0], 1e-12)

	sum := result.Summary()
	assert.Contains(t, sum, "x")
	assert.Contains(t, sum, "coef")

	v := result.VCov()
	require.NotNil(t, v)
	assert.InDelta(t, result.StdErr()[0]*result.StdErr()[0], v.At(0, 0), 1e-12)

	p := result.PValues()
	require.Len(t, p, 1)
	assert.True(t, p[0] >= 0 && p[0] <= 1)
}
