package survival

import (
	"fmt"
	"strings"
)

// InsufficientDataError indicates that a stratum or cause does not contain
// enough information to estimate anything: fewer than two distinct observed
// times, or no events at all.  Degenerate strata inside an otherwise valid
// stratified fit do not produce this error; they are returned with the
// Degenerate flag set instead.
type InsufficientDataError struct {
	Stratum string
	Cause   string
	Reason  string
}

func (e *InsufficientDataError) Error() string {
	var b strings.Builder
	b.WriteString("survival: insufficient data")
	if e.Stratum != "" {
		fmt.Fprintf(&b, " in stratum %q", e.Stratum)
	}
	if e.Cause != "" {
		fmt.Fprintf(&b, " for cause %q", e.Cause)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

// UnknownCauseError indicates that a requested cause label is not part of
// the table's declared cause vocabulary.
type UnknownCauseError struct {
	Cause string
	Known []string
}

func (e *UnknownCauseError) Error() string {
	return fmt.Sprintf("survival: unknown cause %q, table causes are %v", e.Cause, e.Known)
}

// InvalidCovariateError indicates a covariate column that cannot be used:
// non-finite values, constant values, or a length that does not match the
// rest of the table.
type InvalidCovariateError struct {
	Name   string
	Reason string
}

func (e *InvalidCovariateError) Error() string {
	return fmt.Sprintf("survival: invalid covariate %q: %s", e.Name, e.Reason)
}

// SingularInformationError indicates that the observed information matrix
// was not invertible during a proportional hazards fit, usually due to
// collinear covariates or complete separation.  The fit cannot proceed;
// the caller must drop or combine covariates and refit.
type SingularInformationError struct {
	Iter int
}

func (e *SingularInformationError) Error() string {
	return fmt.Sprintf("survival: singular information matrix at iteration %d", e.Iter)
}

// NonConvergenceError indicates that the iteration limit was reached before
// the convergence tolerance was met.  The accompanying results hold the last
// iterate and are returned alongside this error.
type NonConvergenceError struct {
	Iter      int
	ScoreNorm float64
}

func (e *NonConvergenceError) Error() string {
	return fmt.Sprintf("survival: no convergence after %d iterations (score norm %e)", e.Iter, e.ScoreNorm)
}
