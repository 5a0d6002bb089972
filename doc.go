// Package survival provides estimators for right-censored time-to-event
// data: Kaplan-Meier survival curves, Aalen-Johansen cumulative incidence
// under competing risks with a Gray-type test for group differences, Cox
// proportional hazards regression, and a scaled Schoenfeld residual test of
// the proportional hazards assumption.
//
// All estimators operate on an immutable EventTable and follow the same
// pattern: construct with New*, set options, call Done, then Fit.  The
// estimators are pure functions of the table; independent strata are
// processed concurrently where that applies.
package survival
