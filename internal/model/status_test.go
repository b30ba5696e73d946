package model

import "testing"

func TestValidateTaskTransition(t *testing.T) {
	valid := []struct{ from, to Status }{
		{StatusPending, StatusReserved},
		{StatusReserved, StatusAcknowledged},
		{StatusReserved, StatusPending},
		{StatusAcknowledged, StatusInProgress},
		{StatusAcknowledged, StatusPending},
		{StatusInProgress, StatusInProgress},
		{StatusInProgress, StatusCompleted},
		{StatusInProgress, StatusFailed},
		{StatusReserved, StatusCompleted},
		{StatusAcknowledged, StatusFailed},
	}
	for _, tc := range valid {
		if err := ValidateTaskTransition(tc.from, tc.to); err != nil {
			t.Errorf("%s → %s should be valid: %v", tc.from, tc.to, err)
		}
	}

	invalid := []struct{ from, to Status }{
		{StatusPending, StatusAcknowledged},
		{StatusPending, StatusCompleted},
		{StatusCompleted, StatusPending},
		{StatusFailed, StatusReserved},
		{StatusCompleted, StatusFailed},
	}
	for _, tc := range invalid {
		if err := ValidateTaskTransition(tc.from, tc.to); err == nil {
			t.Errorf("%s → %s should be invalid", tc.from, tc.to)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if !IsTerminal(StatusCompleted) || !IsTerminal(StatusFailed) {
		t.Error("completed and failed should be terminal")
	}
	for _, s := range []Status{StatusPending, StatusReserved, StatusAcknowledged, StatusInProgress} {
		if IsTerminal(s) {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestValidateResultStatus(t *testing.T) {
	if err := ValidateResultStatus(ResultCompleted); err != nil {
		t.Errorf("completed: %v", err)
	}
	if err := ValidateResultStatus(ResultFailed); err != nil {
		t.Errorf("failed: %v", err)
	}
	if err := ValidateResultStatus("cancelled"); err == nil {
		t.Error("cancelled should be rejected")
	}
	if err := ValidateResultStatus(""); err == nil {
		t.Error("empty status should be rejected")
	}
}
