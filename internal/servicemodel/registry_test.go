package servicemodel

import (
	"errors"
	"testing"
)

func TestRegisterAndLookup(t *testing.T) {
	reg := New()
	kpm := NewKPMHandler(1)
	if err := reg.Register(kpm); err != nil {
		t.Fatalf("Register: %v", err)
	}
	found, err := reg.Lookup(1)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if found.FunctionID() != 1 {
		t.Fatalf("expected function id 1, got %d", found.FunctionID())
	}
}

func TestRegisterDuplicateFails(t *testing.T) {
	reg := New()
	if err := reg.Register(NewKPMHandler(1)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(NewNTNHandler(1)); !errors.Is(err, ErrDuplicateFunction) {
		t.Fatalf("expected ErrDuplicateFunction, got %v", err)
	}
}

func TestRegisterAfterFreezeFails(t *testing.T) {
	reg := New()
	reg.Freeze()
	if err := reg.Register(NewKPMHandler(1)); !errors.Is(err, ErrFrozen) {
		t.Fatalf("expected ErrFrozen, got %v", err)
	}
}

func TestLookupUnknownFunction(t *testing.T) {
	reg := New()
	if _, err := reg.Lookup(99); !errors.Is(err, ErrUnknownFunction) {
		t.Fatalf("expected ErrUnknownFunction, got %v", err)
	}
}

func TestKPMHandlerValidation(t *testing.T) {
	h := NewKPMHandler(1)
	if err := h.ValidateEventTrigger(nil); err == nil {
		t.Fatal("expected error for empty trigger")
	}
	if err := h.ValidateAction("policy", []byte("x")); err == nil {
		t.Fatal("expected error for unsupported action type")
	}
	if err := h.ValidateAction("report", []byte("x")); err != nil {
		t.Fatalf("expected valid report action, got %v", err)
	}
}

func TestNTNHandlerValidation(t *testing.T) {
	h := NewNTNHandler(10)
	if err := h.ValidateAction("report", []byte("x")); err != nil {
		t.Fatalf("expected report accepted: %v", err)
	}
	if err := h.ValidateAction("policy", []byte("x")); err != nil {
		t.Fatalf("expected policy accepted: %v", err)
	}
	if err := h.ValidateAction("control", []byte("x")); err == nil {
		t.Fatal("expected error for unsupported action type")
	}
}
