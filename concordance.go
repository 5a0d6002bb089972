package survival

import (
	"fmt"
	"math"
)

// Concordance measures how well a risk score orders observed event times:
// the fraction of usable pairs in which the subject with the higher score
// fails first.  Pairs are usable when the earlier time is an observed event;
// tied scores count half.  This is Harrell's C restricted to events before a
// truncation time.
type Concordance struct {
	time   []float64
	status []float64
	score  []float64
}

// NewConcordance sets up a concordance calculation from observation times,
// 0/1 event status, and risk scores (higher score, higher risk).
func NewConcordance(time, status, score []float64) *Concordance {
	return &Concordance{time: time, status: status, score: score}
}

// Done validates the inputs.
func (c *Concordance) Done() (*Concordance, error) {
	if len(c.status) != len(c.time) || len(c.score) != len(c.time) {
		return nil, fmt.Errorf("survival: concordance needs equal length columns, got %d times, %d status, %d scores",
			len(c.time), len(c.status), len(c.score))
	}
	return c, nil
}

// Concordance returns the concordance index using event times up to trunc.
// It returns NaN when no usable pairs exist.
func (c *Concordance) Concordance(trunc float64) float64 {

	var num, den float64
	for i := range c.time {
		if c.status[i] == 0 || c.time[i] >= trunc {
			continue
		}
		for j := range c.time {
			if c.time[j] <= c.time[i] {
				continue
			}
			den++
			switch {
			case c.score[i] > c.score[j]:
				num++
			case c.score[i] == c.score[j]:
				num += 0.5
			}
		}
	}
	if den == 0 {
		return math.NaN()
	}
	return num / den
}
