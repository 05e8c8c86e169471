package ivm

import (
	"fmt"
	"reflect"
	"sync"
)

// Row is a mapping from column name to Value. Once observed downstream a Row
// must be deeply immutable (spec.md §3); callers obtain that guarantee by
// running newly constructed rows through DeepFreeze before handing them to a
// Source.
type Row map[string]Value

// Clone returns a shallow copy safe to mutate before the caller re-freezes it.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Equal reports whether two rows have identical columns and values.
func (r Row) Equal(other Row) bool {
	if len(r) != len(other) {
		return false
	}
	for k, v := range r {
		ov, ok := other[k]
		if !ok || !valuesEqual(v, ov) {
			return false
		}
	}
	return true
}

// PrimaryKeyValue returns the JSON-comparable tuple of a row's primary-key
// columns, in schema order. This is the canonical identity used throughout
// the engine (storage keys, dedup probes, cache keys) per spec.md §6.
func PrimaryKeyValue(row Row, primaryKey []string) []Value {
	out := make([]Value, len(primaryKey))
	for i, col := range primaryKey {
		out[i] = row[col]
	}
	return out
}

// frozenTracker records which maps/slices have already been walked by
// DeepFreeze, keyed by their runtime data-pointer. Go has no way to make a
// map or slice header actually read-only, so "frozen" here is the same
// convention-based guarantee the spec's source language relies on:
// DeepFreeze is the single gate every row passes through once, and
// IsDeepFrozen answers "did it pass through that gate".
var frozenTracker sync.Map // map[uintptr]struct{}

func markFrozen(v Value) {
	if ptr, ok := dataPointer(v); ok {
		frozenTracker.Store(ptr, struct{}{})
	}
}

func isMarkedFrozen(v Value) bool {
	ptr, ok := dataPointer(v)
	if !ok {
		return true
	}
	_, frozen := frozenTracker.Load(ptr)
	return frozen
}

func dataPointer(v Value) (uintptr, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return 0, false
		}
		return rv.Pointer(), true
	default:
		return 0, false
	}
}

// DeepFreeze recursively validates a row (or nested value) so it is safe to
// share by reference across the operator graph with no copying (spec.md §5
// "Shared resources"). It rejects the Undefined sentinel anywhere except as
// the direct top-level argument of DeepFreezeAllowUndefined, and rejects
// sparse arrays (a []any containing Undefined at any position).
func DeepFreeze(v Value) Value {
	if v == Undefined {
		panic(newProgrammerError("DeepFreeze: undefined is not allowed except as the top-level allow-undefined argument", nil))
	}
	return deepFreezeValue(v)
}

// DeepFreezeAllowUndefined behaves like DeepFreeze but permits the top-level
// value itself to be Undefined, returning it unchanged.
func DeepFreezeAllowUndefined(v Value) Value {
	if v == Undefined {
		return v
	}
	return deepFreezeValue(v)
}

func deepFreezeValue(v Value) Value {
	if isMarkedFrozen(v) {
		return v
	}
	switch vv := v.(type) {
	case Row:
		for k, fv := range vv {
			deepFreezeInterior(fv, k)
		}
	case map[string]any:
		for k, fv := range vv {
			deepFreezeInterior(fv, k)
		}
	case []any:
		for i, fv := range vv {
			deepFreezeInterior(fv, fmt.Sprintf("[%d]", i))
		}
	}
	markFrozen(v)
	return v
}

func deepFreezeInterior(v Value, path string) {
	if v == Undefined {
		panic(newProgrammerError(fmt.Sprintf("DeepFreeze: undefined is not allowed at %s", path), nil))
	}
	deepFreezeValue(v)
}

// IsDeepFrozen reports whether v (and everything nested inside it) has
// already passed through DeepFreeze. path is accepted to match the spec's
// signature; it is not otherwise interpreted.
func IsDeepFrozen(v Value, path []string) bool {
	if !isMarkedFrozen(v) {
		switch v.(type) {
		case Row, map[string]any, []any:
			return false
		}
	}
	switch vv := v.(type) {
	case Row:
		for k, fv := range vv {
			if !IsDeepFrozen(fv, append(path, k)) {
				return false
			}
		}
	case map[string]any:
		for k, fv := range vv {
			if !IsDeepFrozen(fv, append(path, k)) {
				return false
			}
		}
	case []any:
		for i, fv := range vv {
			if !IsDeepFrozen(fv, append(path, fmt.Sprintf("[%d]", i))) {
				return false
			}
		}
	}
	return true
}

// undefinedSentinel is a distinct, unexported type so that Undefined can
// never collide with a legitimate value a caller constructs.
type undefinedSentinel struct{}

// Undefined stands in for JavaScript's `undefined` in the spec this engine is
// ported from: DeepFreeze rejects it anywhere except as the direct argument
// to DeepFreezeAllowUndefined.
var Undefined Value = undefinedSentinel{}
