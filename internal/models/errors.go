package models

import "fmt"

// InputError marks malformed message or token data. The offending item is
// skipped and the batch continues.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string { return "input error: " + e.Reason }

// ResourceError marks an unavailable lexicon or token registry. It is fatal
// to the current job; the external scheduler retries.
type ResourceError struct {
	Resource string
	Err      error
}

func (e *ResourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resource %s unavailable: %v", e.Resource, e.Err)
	}
	return fmt.Sprintf("resource %s unavailable", e.Resource)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// InsufficientDataError is a typed "no result" for correlation or trend
// requests below the minimum sample size.
type InsufficientDataError struct {
	Needed int
	Got    int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: need %d samples, have %d", e.Needed, e.Got)
}

// RuleConfigError marks an alert rule referencing a missing token or metric.
// The rule is skipped and surfaced in the check summary.
type RuleConfigError struct {
	RuleID int64
	Reason string
}

func (e *RuleConfigError) Error() string {
	if e.RuleID != 0 {
		return fmt.Sprintf("rule %d misconfigured: %s", e.RuleID, e.Reason)
	}
	return "rule misconfigured: " + e.Reason
}
