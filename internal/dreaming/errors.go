package dreaming

import "errors"

// ErrTransientUpstream wraps a failure that originated from the configured
// LM provider (network error, timeout, circuit breaker open). A phase that
// fails with this error is expected to retry on its next scheduled cycle;
// it must never be treated as a reason to mark data processed or archived.
var ErrTransientUpstream = errors.New("dreaming: transient upstream failure")

// ErrMalformedOutput is returned when the LM responded but its output could
// not be parsed into the shape a phase expects (invalid JSON, missing
// fields, a mood outside the closed set). Per spec this is treated as
// transient: errors.Is(err, ErrTransientUpstream) is also true for any error
// wrapping ErrMalformedOutput.
var ErrMalformedOutput = errors.New("dreaming: malformed LM output")

// ErrStorage wraps a failure reading from or writing to the configured
// stores (conversation log, episodic memory, knowledge graph, character
// state).
var ErrStorage = errors.New("dreaming: storage failure")

// ErrValidation marks a caller error: an empty character ID, a nil
// dependency, or similar input that no retry will fix.
var ErrValidation = errors.New("dreaming: validation failure")

// malformedOutputErr wraps err so that it satisfies both
// errors.Is(_, ErrMalformedOutput) and errors.Is(_, ErrTransientUpstream),
// matching the spec's "malformed output wraps as transient" rule: a cycle
// that can't parse what the LM sent back retries next time exactly as if
// the LM call itself had failed.
type malformedOutputErr struct {
	cause error
}

func (e *malformedOutputErr) Error() string {
	return ErrMalformedOutput.Error() + ": " + e.cause.Error()
}

func (e *malformedOutputErr) Unwrap() []error {
	return []error{ErrMalformedOutput, ErrTransientUpstream, e.cause}
}

func wrapMalformed(err error) error {
	return &malformedOutputErr{cause: err}
}
