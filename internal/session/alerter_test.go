package session_test

import (
	"testing"
	"time"

	"github.com/rattil/rattil/internal/session"
)

func TestAlerter_EnforcesInterval(t *testing.T) {
	t.Parallel()

	a := session.NewAlerter(30 * time.Millisecond)
	if !a.Allow() {
		t.Fatal("first Allow() = false, want true")
	}
	if a.Allow() {
		t.Fatal("immediate second Allow() = true, want false")
	}

	time.Sleep(60 * time.Millisecond)
	if !a.Allow() {
		t.Error("Allow() after the interval = false, want true")
	}
}

func TestAlerter_DefaultInterval(t *testing.T) {
	t.Parallel()

	a := session.NewAlerter(0)
	if !a.Allow() {
		t.Fatal("first Allow() = false, want true")
	}
	if a.Allow() {
		t.Error("second Allow() within the default interval = true, want false")
	}
}
