package survival

import (
	"fmt"
	"math"
)

// Censored is the reserved cause label for right-censored records.  It is
// always part of a table's effective vocabulary and cannot be declared as a
// competing cause.
const Censored = "censored"

// EventTable holds one cohort of right-censored observations: a time for
// each subject, the cause of the event at that time (or Censored), the
// covariate columns shared by every subject, and an optional stratum label.
// The cause and stratum vocabularies are closed at construction.  The table
// is immutable once Done returns; estimators read it but never modify it.
type EventTable struct {
	time    []float64
	cause   []int // 0 = censored, k = index+1 into causes
	causes  []string
	x       [][]float64 // one column per covariate
	xnames  []string
	stratum []int // index into strata; empty when unstratified
	strata  []string
}

// TableBuilder assembles an EventTable.  Validation is deferred to Done so
// that columns can be attached in any order.
type TableBuilder struct {
	time   []float64
	cause  []string
	causes []string
	xnames []string
	x      [][]float64
	strat  []string
}

// NewEventTable starts building a table from observation times, per-record
// cause labels, and the closed vocabulary of competing causes.  A record
// with cause Censored contributes to risk sets only.
func NewEventTable(time []float64, cause []string, causes []string) *TableBuilder {
	return &TableBuilder{time: time, cause: cause, causes: causes}
}

// Covariate attaches a named numeric column.
func (tb *TableBuilder) Covariate(name string, x []float64) *TableBuilder {
	tb.xnames = append(tb.xnames, name)
	tb.x = append(tb.x, x)
	return tb
}

// Strata attaches a stratum label per record.
func (tb *TableBuilder) Strata(s []string) *TableBuilder {
	tb.strat = s
	return tb
}

// Done validates the accumulated columns and freezes the table.  The input
// slices are copied, so the caller may reuse them.
func (tb *TableBuilder) Done() (*EventTable, error) {

	n := len(tb.time)
	if n == 0 {
		return nil, fmt.Errorf("survival: empty event table")
	}
	if len(tb.cause) != n {
		return nil, fmt.Errorf("survival: %d times but %d cause labels", n, len(tb.cause))
	}
	if len(tb.causes) == 0 {
		return nil, fmt.Errorf("survival: cause vocabulary is empty")
	}

	ci := make(map[string]int, len(tb.causes))
	for k, c := range tb.causes {
		if c == Censored {
			return nil, fmt.Errorf("survival: %q cannot be declared as a competing cause", Censored)
		}
		if _, ok := ci[c]; ok {
			return nil, fmt.Errorf("survival: duplicate cause label %q", c)
		}
		ci[c] = k + 1
	}

	t := &EventTable{
		time:   make([]float64, n),
		cause:  make([]int, n),
		causes: append([]string(nil), tb.causes...),
	}

	for i, v := range tb.time {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return nil, fmt.Errorf("survival: record %d has invalid time %v", i, v)
		}
		t.time[i] = v
	}

	for i, c := range tb.cause {
		if c == Censored {
			continue
		}
		k, ok := ci[c]
		if !ok {
			return nil, &UnknownCauseError{Cause: c, Known: t.causes}
		}
		t.cause[i] = k
	}

	seen := make(map[string]bool, len(tb.xnames))
	for j, name := range tb.xnames {
		if seen[name] {
			return nil, &InvalidCovariateError{Name: name, Reason: "duplicate column"}
		}
		seen[name] = true
		col := tb.x[j]
		if len(col) != n {
			return nil, &InvalidCovariateError{
				Name:   name,
				Reason: fmt.Sprintf("length %d does not match table length %d", len(col), n),
			}
		}
		for _, v := range col {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, &InvalidCovariateError{Name: name, Reason: "non-finite value"}
			}
		}
		t.xnames = append(t.xnames, name)
		t.x = append(t.x, append([]float64(nil), col...))
	}

	if tb.strat != nil {
		if len(tb.strat) != n {
			return nil, fmt.Errorf("survival: %d records but %d stratum labels", n, len(tb.strat))
		}
		si := make(map[string]int)
		t.stratum = make([]int, n)
		for i, s := range tb.strat {
			k, ok := si[s]
			if !ok {
				k = len(t.strata)
				si[s] = k
				t.strata = append(t.strata, s)
			}
			t.stratum[i] = k
		}
	}

	return t, nil
}

// NumObs returns the number of records.
func (t *EventTable) NumObs() int { return len(t.time) }

// Causes returns the competing cause vocabulary.
func (t *EventTable) Causes() []string { return append([]string(nil), t.causes...) }

// StrataLabels returns the stratum vocabulary, empty for an unstratified
// table.
func (t *EventTable) StrataLabels() []string { return append([]string(nil), t.strata...) }

// CovariateNames returns the covariate schema in column order.
func (t *EventTable) CovariateNames() []string { return append([]string(nil), t.xnames...) }

// Time returns a copy of the observation times.
func (t *EventTable) Time() []float64 { return append([]float64(nil), t.time...) }

// CauseLabels returns a copy of the per-record cause labels.
func (t *EventTable) CauseLabels() []string {
	s := make([]string, len(t.cause))
	for i, k := range t.cause {
		if k == 0 {
			s[i] = Censored
		} else {
			s[i] = t.causes[k-1]
		}
	}
	return s
}

// Covariate returns a copy of a named column.
func (t *EventTable) Covariate(name string) ([]float64, error) {
	for j, x := range t.xnames {
		if x == name {
			return append([]float64(nil), t.x[j]...), nil
		}
	}
	return nil, &InvalidCovariateError{Name: name, Reason: "not in table"}
}

// causeIndex maps a label to its internal code (1..K).
func (t *EventTable) causeIndex(label string) (int, error) {
	for k, c := range t.causes {
		if c == label {
			return k + 1, nil
		}
	}
	return 0, &UnknownCauseError{Cause: label, Known: t.causes}
}

// column returns the internal storage for a named covariate, which callers
// within the package must not modify.
func (t *EventTable) column(name string) ([]float64, error) {
	for j, x := range t.xnames {
		if x == name {
			return t.x[j], nil
		}
	}
	return nil, &InvalidCovariateError{Name: name, Reason: "not in table"}
}

// byStratum returns record indices grouped by stratum, with the matching
// labels.  An unstratified table yields a single anonymous group.
func (t *EventTable) byStratum() ([][]int, []string) {
	if len(t.strata) == 0 {
		ix := make([]int, len(t.time))
		for i := range ix {
			ix[i] = i
		}
		return [][]int{ix}, []string{""}
	}
	groups := make([][]int, len(t.strata))
	for i, s := range t.stratum {
		groups[s] = append(groups[s], i)
	}
	return groups, append([]string(nil), t.strata...)
}

// CausesFromStatus converts a numeric 0/1 status column to cause labels,
// with any nonzero status mapped to the given event label.  This is the
// usual bridge from a cleaned single-event data set.
func CausesFromStatus(status []float64, label string) []string {
	out := make([]string, len(status))
	for i, s := range status {
		if s != 0 {
			out[i] = label
		} else {
			out[i] = Censored
		}
	}
	return out
}
