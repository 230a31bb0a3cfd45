// Package ferrors defines the error taxonomy shared by every fpdetect
// component: a small set of sentinel kinds that callers discriminate with
// errors.Is, instead of the ad-hoc exceptions the original scanner/client
// raised for bad database contents and skipped files.
package ferrors

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Wrap one of these with fmt.Errorf's %w verb to attach
// context while keeping it discriminable via errors.Is.
var (
	// MalformedInput marks a single input line or record that could not be
	// parsed. The only recoverable kind: callers log and skip.
	MalformedInput = errors.New("malformed input")

	// InvalidDatabase marks a database record that violates the codec's
	// invariants (missing barrier byte, bad length, dangling app-version
	// reference). Never recovered; aborts the run.
	InvalidDatabase = errors.New("invalid database")

	// ConsistencyViolation marks a bipartite-graph invariant (I1-I4)
	// failing during build. Indicates a bug, not bad input; aborts the run.
	ConsistencyViolation = errors.New("consistency violation")

	// IOFailure marks an underlying store or file that cannot be read or
	// written. Propagated to the caller with context.
	IOFailure = errors.New("i/o failure")
)

// Wrap attaches msg and any format args to kind, preserving errors.Is(kind).
func Wrap(kind error, msg string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(msg, args...), kind)
}

// Is reports whether err is (or wraps) kind. Thin alias over errors.Is kept
// so call sites read ferrors.Is(err, ferrors.InvalidDatabase) next to
// ferrors.Wrap(...) without an extra "errors" import.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
