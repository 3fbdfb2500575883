package executor

import (
	"errors"
	"fmt"
)

// TransportError means the executor could not reach the target at all: a
// failed dial, a dropped session, a missing iptables binary. Always worth
// retrying.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CommandError means the target ran an instruction and rejected it with a
// non-zero exit. Retried a bounded number of times, then fatal for the
// batch.
type CommandError struct {
	Instruction string
	Output      string
	Err         error
}

func (e *CommandError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("command failed: %v: %s", e.Err, e.Output)
	}
	return fmt.Sprintf("command failed: %v", e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// MalformedError means the controller produced an instruction the executor
// cannot even submit. A programming error: retrying cannot help.
type MalformedError struct {
	Instruction string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed instruction: %q", e.Instruction)
}

// Retryable reports whether another attempt could plausibly succeed.
func Retryable(err error) bool {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return true
	}
	var commandErr *CommandError
	if errors.As(err, &commandErr) {
		return true
	}
	return false
}
