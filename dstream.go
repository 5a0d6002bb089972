package survival

import (
	"fmt"
	"math"

	"github.com/kshedden/dstream/dstream"
)

// FromDstream builds an EventTable from a dstream, the column-stream form
// used upstream for cleaned cohort data.  The status variable holds numeric
// cause codes: 0 for censored, k for the k'th label in causes.  Covariate
// columns are taken from xnames; stratumVar may be empty for an
// unstratified table.  All referenced columns must be float64.
func FromDstream(ds dstream.Dstream, timeVar, statusVar string, causes []string, xnames []string, stratumVar string) (*EventTable, error) {

	var time, status []float64
	var strat []string
	xcols := make([][]float64, len(xnames))

	ds.Reset()
	for ds.Next() {

		tc, err := floatChunk(ds, timeVar)
		if err != nil {
			return nil, err
		}
		time = append(time, tc...)

		sc, err := floatChunk(ds, statusVar)
		if err != nil {
			return nil, err
		}
		status = append(status, sc...)

		for j, na := range xnames {
			xc, err := floatChunk(ds, na)
			if err != nil {
				return nil, err
			}
			xcols[j] = append(xcols[j], xc...)
		}

		if stratumVar != "" {
			gc, err := floatChunk(ds, stratumVar)
			if err != nil {
				return nil, err
			}
			for _, v := range gc {
				strat = append(strat, fmt.Sprintf("%g", v))
			}
		}
	}

	labels := make([]string, len(status))
	for i, s := range status {
		k := int(s)
		switch {
		case s != math.Trunc(s):
			return nil, &UnknownCauseError{Cause: fmt.Sprintf("code %g", s), Known: causes}
		case k == 0:
			labels[i] = Censored
		case k >= 1 && k <= len(causes):
			labels[i] = causes[k-1]
		default:
			return nil, &UnknownCauseError{Cause: fmt.Sprintf("code %g", s), Known: causes}
		}
	}

	tb := NewEventTable(time, labels, causes)
	for j, na := range xnames {
		tb = tb.Covariate(na, xcols[j])
	}
	if stratumVar != "" {
		tb = tb.Strata(strat)
	}
	return tb.Done()
}

func floatChunk(ds dstream.Dstream, name string) ([]float64, error) {
	v := ds.Get(name)
	c, ok := v.([]float64)
	if !ok {
		return nil, &InvalidCovariateError{Name: name, Reason: fmt.Sprintf("column type %T, need []float64", v)}
	}
	return c, nil
}
