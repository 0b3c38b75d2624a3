package dataerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("read orders: %w", AccessDenied("Order", 4))
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}
	if errors.Is(err, ErrInvalidAttribute) {
		t.Fatalf("access denied must not match invalid attribute")
	}
	if got := CodeOf(err); got != CodeAccessDenied {
		t.Fatalf("CodeOf = %q", got)
	}
}

func TestErrorMessage(t *testing.T) {
	err := InvalidAttribute("Order", "customer/foo", "unknown attribute %q", "foo")
	want := `unknown attribute "foo" (Order.customer/foo)`
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}

	wrapped := &Error{Code: CodeInvalidModel, Model: "Place", Err: errors.New("boom")}
	if wrapped.Error() != "invalid_model (Place): boom" {
		t.Fatalf("got %q", wrapped.Error())
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("plain errors carry no code")
	}
}
