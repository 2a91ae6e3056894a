package e2err

import (
	"errors"
	"testing"
)

func TestNewWrapsKindAndCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := New(KindTransport, cause)

	if err.Kind != KindTransport {
		t.Fatalf("expected kind %s, got %s", KindTransport, err.Kind)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected Unwrap to expose the original cause")
	}
}

func TestWrapfFormatsMessage(t *testing.T) {
	err := Wrapf(KindValidation, "node %s rejected function %d", "node-1", 7)
	want := "validation_error: node node-1 rejected function 7"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestErrorsAsMatchesKind(t *testing.T) {
	err := New(KindCapacity, errors.New("at max_subs_per_node"))

	var target *Error
	if !errors.As(err, &target) {
		t.Fatal("expected errors.As to find the *Error")
	}
	if target.Kind != KindCapacity {
		t.Fatalf("expected capacity kind, got %s", target.Kind)
	}
}
