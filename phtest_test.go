package survival

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Data generated under exact proportional hazards: the test must not flag a
// violation.
func TestPHTestUnderProportionalHazards(t *testing.T) {

	rng := rand.New(rand.NewSource(19))
	n := 1000
	x := make([]float64, n)
	for i := n / 2; i < n; i++ {
		x[i] = 1
	}
	time, status := simCox(rng, x, 0.7, 2.0)

	result, err := NewPHReg(coxTable(t, time, status, x), []string{"x"}).Done().Fit()
	require.NoError(t, err)

	r, err := TestPH(result, RankTime)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, r.GlobalChisq, 0.0)
	assert.Equal(t, 1, r.GlobalDF)
	assert.Greater(t, r.GlobalPValue, 0.001)
	assert.Greater(t, r.PValues[0], 0.001)
}

// A covariate whose effect reverses over time is a gross violation; the
// test must reject decisively.
func TestPHTestDetectsViolation(t *testing.T) {

	rng := rand.New(rand.NewSource(29))
	n := 1000
	time := make([]float64, n)
	status := make([]float64, n)
	x := make([]float64, n)

	for i := 0; i < n; i++ {
		if i < n/2 {
			// Constant unit hazard.
			time[i] = rng.ExpFloat64()
		} else {
			// Hazard 0.25 before t=1, hazard 8 after: the effect of
			// x flips sign over time.
			x[i] = 1
			e := rng.ExpFloat64()
			if e < 0.25 {
				time[i] = e / 0.25
			} else {
				time[i] = 1 + (e-0.25)/8
			}
		}
		if time[i] < 3 {
			status[i] = 1
		} else {
			time[i] = 3
		}
	}

	result, err := NewPHReg(coxTable(t, time, status, x), []string{"x"}).Done().Fit()
	require.NoError(t, err)

	r, err := TestPH(result, RankTime)
	require.NoError(t, err)
	assert.Less(t, r.PValues[0], 0.05)
	assert.Less(t, r.GlobalPValue, 0.05)

	// The log transform must reach the same conclusion this clear-cut.
	rl, err := TestPH(result, LogTime)
	require.NoError(t, err)
	assert.Less(t, rl.GlobalPValue, 0.05)
}

func TestPHTestResidualSeries(t *testing.T) {

	rng := rand.New(rand.NewSource(37))
	n := 300
	x := make([]float64, n)
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	time, status := simCox(rng, x, 0.5, 2.0)

	result, err := NewPHReg(coxTable(t, time, status, x), []string{"x"}).Done().Fit()
	require.NoError(t, err)

	r, err := TestPH(result, RankTime)
	require.NoError(t, err)

	nevents := 0
	for _, s := range status {
		if s == 1 {
			nevents++
		}
	}
	require.Len(t, r.Times, nevents)
	require.Len(t, r.Residuals, nevents)
	assert.True(t, sort.Float64sAreSorted(r.Times))

	for _, row := range r.Residuals {
		require.Len(t, row, 1)
		assert.False(t, math.IsNaN(row[0]))
	}
}

func TestPHTestRequiresConvergedFit(t *testing.T) {

	rng := rand.New(rand.NewSource(41))
	n := 400
	x := make([]float64, n)
	for i := n / 2; i < n; i++ {
		x[i] = 1
	}
	time, status := simCox(rng, x, math.Log(3), 2.0)
	et := coxTable(t, time, status, x)

	result, _ := NewPHReg(et, []string{"x"}).MaxIter(1).Tol(1e-14).Done().Fit()
	require.NotNil(t, result)
	_, err := TestPH(result, RankTime)
	assert.Error(t, err)

	ridge, err := NewPHReg(et, []string{"x"}).L2Weight([]float64{1}).Done().Fit()
	require.NoError(t, err)
	_, err = TestPH(ridge, RankTime)
	assert.Error(t, err)
}

// An event at time zero has no log transform; the test must refuse rather
// than push NaN through the statistics.
func TestPHTestLogTransformZeroTime(t *testing.T) {

	time := []float64{0, 1, 2, 3, 4, 5, 6, 7}
	status := []float64{1, 1, 1, 1, 1, 1, 1, 1}
	x := []float64{0, 1, 0, 1, 0, 1, 0, 1}

	result, err := NewPHReg(coxTable(t, time, status, x), []string{"x"}).Done().Fit()
	require.NoError(t, err)

	_, err = TestPH(result, LogTime)
	var ie *InsufficientDataError
	require.ErrorAs(t, err, &ie)

	// The rank transform is unaffected by a zero time.
	r, err := TestPH(result, RankTime)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(r.GlobalChisq))
	assert.False(t, math.IsNaN(r.GlobalPValue))
}

func TestAvgRanks(t *testing.T) {
	got := avgRanks([]float64{1, 2, 2, 5})
	assert.Equal(t, []float64{1, 2.5, 2.5, 4}, got)
}
