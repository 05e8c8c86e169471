package ivm

import (
	"fmt"
	"runtime/debug"
)

// Error taxonomy (spec.md §7). Every engine-raised error is one of these five
// kinds; ExternalError is not a distinct Go type -- errors raised by the
// source/storage delegate are propagated unchanged, exactly as spec.md §7
// requires ("propagated unchanged").

// ProgrammerError is fatal and carries no recovery path: schema mismatches in
// FanIn, a duplicate relationship name in a union FanIn, a destroy-count
// overflow on a fan-out, an edit that changes a join/child key, removing a
// row that was never added, or re-entering Exists.push. It captures a stack
// trace at construction time the way the teacher's ResolveError does, since
// these are always bugs in the caller's graph construction or the delegate's
// row bookkeeping and the trace is the only way to find which one.
type ProgrammerError struct {
	Message    string
	Cause      error
	StackTrace []byte
}

func (e *ProgrammerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("programmer error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("programmer error: %s", e.Message)
}

func (e *ProgrammerError) Unwrap() error { return e.Cause }

func newProgrammerError(message string, cause error) *ProgrammerError {
	return &ProgrammerError{Message: message, Cause: cause, StackTrace: debug.Stack()}
}

// PlannerError reports that an ordering used to connect a Source is missing
// one or more primary-key columns (spec.md §3 "Ordering invariants").
type PlannerError struct {
	TableName string
	Missing   []string
}

func (e *PlannerError) Error() string {
	return fmt.Sprintf(
		"planner error: ordering for table %q is missing primary-key column(s) %v; "+
			"quote identifiers that collide with SQL keywords, e.g. \"order\"",
		e.TableName, e.Missing,
	)
}

// UnsupportedFeatureErrorKind enumerates the two sources of
// UnsupportedFeatureError named in spec.md §7.
type UnsupportedFeatureErrorKind string

const (
	// FeatureNotExistsOnClient is raised when the builder sees a NOT EXISTS
	// condition and the delegate has not set EnableNotExists.
	FeatureNotExistsOnClient UnsupportedFeatureErrorKind = "not_exists_on_client"
	// FeatureMaxFlippableJoins is raised when the number of flipped joins in
	// a single plan exceeds the builder's configured maximum.
	FeatureMaxFlippableJoins UnsupportedFeatureErrorKind = "max_flippable_joins"
)

// UnsupportedFeatureError reports a feature the engine deliberately refuses
// to execute rather than executing incorrectly.
type UnsupportedFeatureError struct {
	Kind    UnsupportedFeatureErrorKind
	Message string
}

func (e *UnsupportedFeatureError) Error() string {
	return fmt.Sprintf("unsupported feature (%s): %s", e.Kind, e.Message)
}

func newNotExistsOnClientError() *UnsupportedFeatureError {
	return &UnsupportedFeatureError{
		Kind: FeatureNotExistsOnClient,
		Message: "NOT EXISTS is not supported on the client; see the tracking issue for the " +
			"server-side alternative",
	}
}

func newMaxFlippableJoinsError(count, max int) *UnsupportedFeatureError {
	return &UnsupportedFeatureError{
		Kind:    FeatureMaxFlippableJoins,
		Message: fmt.Sprintf("plan requires %d flipped joins, exceeding the configured maximum of %d", count, max),
	}
}

// AbandonedStreamError is fatal: Take's initial hydration must fully drain
// its bounded fetch, since a partially-drained hydration leaves {size, bound}
// in a state Take's push logic cannot reason about (spec.md §4.5 "Hydrate").
type AbandonedStreamError struct {
	Message string
}

func (e *AbandonedStreamError) Error() string { return e.Message }

func newAbandonedStreamError() *AbandonedStreamError {
	return &AbandonedStreamError{Message: "Unexpected early return prevented full hydration"}
}

// newExternalError wraps an error surfaced by the source or storage delegate.
// Per spec.md §7 it is "propagated unchanged" -- this helper exists only so
// call sites can attach which delegate call failed without altering err's
// identity for errors.Is/As.
func newExternalError(context string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}
