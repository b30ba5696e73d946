package model

import "fmt"

type Status string

const (
	StatusPending      Status = "pending"
	StatusReserved     Status = "reserved"
	StatusAcknowledged Status = "acknowledged"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
}

// Task lifecycle: pending → reserved → acknowledged → in_progress → terminal.
// Lease expiry returns any leased status to pending so the entry becomes
// reservable again.
var validTaskTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusReserved: true,
	},
	StatusReserved: {
		StatusPending:      true, // lease expired → reservable again
		StatusAcknowledged: true,
		StatusCompleted:    true,
		StatusFailed:       true,
	},
	StatusAcknowledged: {
		StatusPending:    true, // lease expired → reservable again
		StatusInProgress: true,
		StatusCompleted:  true,
		StatusFailed:     true,
	},
	StatusInProgress: {
		StatusPending:    true, // lease expired → reservable again
		StatusInProgress: true, // repeated progress reports
		StatusCompleted:  true,
		StatusFailed:     true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func ValidateTaskTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

// ResultStatus is the terminal status a client may report for a task.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
)

func ValidateResultStatus(s ResultStatus) error {
	switch s {
	case ResultCompleted, ResultFailed:
		return nil
	}
	return fmt.Errorf("invalid result status %q: must be completed or failed", s)
}
