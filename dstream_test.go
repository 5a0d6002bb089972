package survival

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceStream is a single-chunk in-memory dstream for tests.
type sliceStream struct {
	names []string
	cols  [][]float64
	pos   int
}

func (s *sliceStream) Names() []string { return s.names }
func (s *sliceStream) NumVar() int     { return len(s.names) }
func (s *sliceStream) NumObs() int     { return len(s.cols[0]) }
func (s *sliceStream) Reset()          { s.pos = 0 }
func (s *sliceStream) Close()          {}

func (s *sliceStream) Next() bool {
	if s.pos > 0 {
		return false
	}
	s.pos++
	return true
}

func (s *sliceStream) Get(na string) interface{} {
	for i, n := range s.names {
		if n == na {
			return s.cols[i]
		}
	}
	return nil
}

func (s *sliceStream) GetPos(j int) interface{} { return s.cols[j] }

func TestFromDstream(t *testing.T) {

	ds := &sliceStream{
		names: []string{"Time", "Status", "Age", "Group"},
		cols: [][]float64{
			{1, 2, 3, 4},
			{1, 0, 2, 1},
			{50, 61, 57, 48},
			{0, 0, 1, 1},
		},
	}

	et, err := FromDstream(ds, "Time", "Status", []string{"relapse", "death"}, []string{"Age"}, "Group")
	require.NoError(t, err)

	assert.Equal(t, 4, et.NumObs())
	assert.Equal(t, []string{"relapse", Censored, "death", "relapse"}, et.CauseLabels())
	assert.Equal(t, []string{"0", "1"}, et.StrataLabels())

	age, err := et.Covariate("Age")
	require.NoError(t, err)
	assert.Equal(t, []float64{50, 61, 57, 48}, age)
}

func TestFromDstreamBadStatus(t *testing.T) {

	ds := &sliceStream{
		names: []string{"Time", "Status"},
		cols: [][]float64{
			{1, 2},
			{1, 9},
		},
	}

	_, err := FromDstream(ds, "Time", "Status", []string{"event"}, nil, "")
	var uc *UnknownCauseError
	require.ErrorAs(t, err, &uc)
}

// A fractional status code is a schema violation, not a cause to round.
func TestFromDstreamFractionalStatus(t *testing.T) {

	ds := &sliceStream{
		names: []string{"Time", "Status"},
		cols: [][]float64{
			{1, 2},
			{1, 1.5},
		},
	}

	_, err := FromDstream(ds, "Time", "Status", []string{"event", "other"}, nil, "")
	var uc *UnknownCauseError
	require.ErrorAs(t, err, &uc)
}
