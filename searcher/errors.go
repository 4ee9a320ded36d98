package searcher

import "errors"

// These errors indicate misuse of the searcher API.
// They are never transient and should not be retried.
var (
	// ErrRoleViolation is returned when a non-chief
	// participant attempts something only the chief may do.
	ErrRoleViolation = errors.New("role violation")

	// ErrStateViolation is returned when an op is used
	// after it has been completed.
	ErrStateViolation = errors.New("state violation")

	// ErrInvalidMetric is returned for a searcher metric
	// which the master could not rank, such as NaN.
	ErrInvalidMetric = errors.New("invalid searcher metric")

	// ErrIncompleteOperation is returned when iteration
	// advances past an op that the chief never completed.
	ErrIncompleteOperation = errors.New("incomplete operation")
)
