// Package recovery classifies task failures and applies the retry,
// escalate, or abort policy to the hierarchy.
package recovery

import "strings"

// Kind is the error family a failure was classified into.
type Kind string

const (
	// KindTransient covers timeouts, network failures, and rate limits.
	// Worth retrying as-is.
	KindTransient Kind = "transient"
	// KindRecoverable covers lint, test, and type errors a retry can fix.
	KindRecoverable Kind = "recoverable"
	// KindFatal covers permission, not-found, and syntax errors where a
	// blind retry cannot help.
	KindFatal Kind = "fatal"
	// KindUnknown is anything unrecognized; escalated rather than retried.
	KindUnknown Kind = "unknown"
)

// Action is the recovery decision for a failure event.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionEscalate Action = "escalate"
	ActionAbort    Action = "abort"
)

// family is an ordered keyword table; first family with a hit wins.
type family struct {
	kind     Kind
	keywords []string
}

var families = []family{
	{KindTransient, []string{
		"timeout", "timed out", "deadline exceeded",
		"connection refused", "connection reset", "network",
		"rate limit", "too many requests", "429", "503",
		"temporarily unavailable",
	}},
	{KindFatal, []string{
		"permission denied", "access denied", "unauthorized", "forbidden",
		"not found", "no such file or directory",
		"syntax error", "invalid syntax",
	}},
	{KindRecoverable, []string{
		"lint", "test failed", "tests failed", "assertion",
		"type error", "type mismatch", "undefined:", "compile error",
	}},
}

// Classify maps failure text to an error family. Families are checked
// in a fixed order (transient, fatal, recoverable) so that, for
// example, "timeout running tests" classifies as transient rather than
// recoverable. Unmatched text is unknown.
func Classify(errText string) Kind {
	lower := strings.ToLower(errText)
	for _, f := range families {
		for _, kw := range f.keywords {
			if strings.Contains(lower, kw) {
				return f.kind
			}
		}
	}
	return KindUnknown
}

// Decide picks the recovery action. The retry ceiling is checked first,
// whatever the family: when another attempt would meet or exceed
// maxRetries the task is aborted. Below the ceiling, transient and
// recoverable failures retry; fatal and unknown ones escalate.
func Decide(kind Kind, retryCount, maxRetries int) Action {
	if retryCount+1 >= maxRetries {
		return ActionAbort
	}
	switch kind {
	case KindTransient, KindRecoverable:
		return ActionRetry
	default:
		return ActionEscalate
	}
}
