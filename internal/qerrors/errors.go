// Package qerrors defines the sentinel error kinds shared by every layer of
// the queue engine, from the raw mapped file up through the public Queue
// API. Callers classify failures with errors.Is against these sentinels
// rather than matching message strings.
package qerrors

import "errors"

var (
	// ErrParameter marks an invalid argument, detected before any I/O.
	ErrParameter = errors.New("parameter")

	// ErrFormat marks a file whose marker, version, record size, or length
	// does not match what the reader expected.
	ErrFormat = errors.New("format")

	// ErrExistsWithDifferentParameters marks a create() call that found an
	// existing, well-formed file whose stored parameters differ from the
	// ones requested.
	ErrExistsWithDifferentParameters = errors.New("exists with different parameters")

	// ErrIO marks a read or write failure against the underlying file.
	ErrIO = errors.New("io")

	// ErrInvariant marks an internal consistency check that should be
	// unreachable in correct operation. Kept as an assertion for tests.
	ErrInvariant = errors.New("invariant violation")

	// ErrNotApplicable marks an operation that is a no-op against current
	// state, such as [queue.Queue.Delete] on an already-deleted message or
	// one belonging to a slot since reused. Most callers should check for
	// it with errors.Is and otherwise treat it as success, not failure.
	ErrNotApplicable = errors.New("not applicable")
)
