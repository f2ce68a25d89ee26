package lifecycle

import "testing"

func TestIsShuttingDown_DefaultFalse(t *testing.T) {
	SetShuttingDown(false)
	if IsShuttingDown() {
		t.Error("IsShuttingDown() = true, want false by default")
	}
}

func TestSetShuttingDown_True(t *testing.T) {
	SetShuttingDown(true)
	defer SetShuttingDown(false)
	if !IsShuttingDown() {
		t.Error("IsShuttingDown() = false after SetShuttingDown(true), want true")
	}
}

func TestSetReady(t *testing.T) {
	SetReady(false)
	if IsReady() {
		t.Error("IsReady() = true after SetReady(false)")
	}
	SetReady(true)
	defer SetReady(false)
	if !IsReady() {
		t.Error("IsReady() = false after SetReady(true)")
	}
}
