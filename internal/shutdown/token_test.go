package shutdown

import (
	"testing"
	"time"
)

func TestTokenIsMonotonic(t *testing.T) {
	tok := New()
	if tok.Triggered() {
		t.Fatal("fresh token must not be triggered")
	}
	tok.Trigger("gui-quit")
	tok.Trigger("watchdog")
	if !tok.Triggered() {
		t.Fatal("token should be triggered")
	}
	if got := tok.Reason(); got != "gui-quit" {
		t.Fatalf("reason = %q, want first writer", got)
	}
	select {
	case <-tok.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	if tok.Context().Err() == nil {
		t.Fatal("context should be cancelled")
	}
}

func TestTokensAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.Trigger("a")
	if b.Triggered() {
		t.Fatal("triggering one token leaked into another")
	}
}
