package ivm

import (
	"errors"
	"testing"
)

func TestProgrammerErrorMessage(t *testing.T) {
	err := newProgrammerError("bad state", nil)
	if err.Error() != "programmer error: bad state" {
		t.Errorf("unexpected message: %q", err.Error())
	}
	if len(err.StackTrace) == 0 {
		t.Error("expected a captured stack trace")
	}
}

func TestProgrammerErrorWrapsCause(t *testing.T) {
	cause := errors.New("underlying")
	err := newProgrammerError("bad state", cause)
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
}

func TestPlannerErrorMessage(t *testing.T) {
	err := &PlannerError{TableName: "orders", Missing: []string{"id"}}
	if err.Error() == "" {
		t.Error("expected a non-empty message")
	}
}

func TestUnsupportedFeatureErrorNotExists(t *testing.T) {
	err := newNotExistsOnClientError()
	if err.Kind != FeatureNotExistsOnClient {
		t.Errorf("expected FeatureNotExistsOnClient, got %v", err.Kind)
	}
}

func TestUnsupportedFeatureErrorMaxFlippableJoins(t *testing.T) {
	err := newMaxFlippableJoinsError(5, 3)
	if err.Kind != FeatureMaxFlippableJoins {
		t.Errorf("expected FeatureMaxFlippableJoins, got %v", err.Kind)
	}
}

func TestAbandonedStreamError(t *testing.T) {
	err := newAbandonedStreamError()
	if err.Error() == "" {
		t.Error("expected a non-empty message")
	}
}

func TestNewExternalErrorNilPassthrough(t *testing.T) {
	if newExternalError("ctx", nil) != nil {
		t.Error("expected nil wrapping of a nil error")
	}
}

func TestNewExternalErrorWraps(t *testing.T) {
	cause := errors.New("disk full")
	err := newExternalError("storage set", cause)
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
}
