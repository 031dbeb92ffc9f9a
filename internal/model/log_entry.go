package model

import "time"

// Action is the kind of event recorded in the log.
type Action string

const (
	ActionCheckIn  Action = "check-in"
	ActionCheckOut Action = "check-out"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	return a == ActionCheckIn || a == ActionCheckOut
}

// LogEntry is one immutable line of the event log.
// Fee is set only for check-out entries.
type LogEntry struct {
	Timestamp    time.Time
	MachineID    string
	LicensePlate string
	Action       Action
	Fee          *float64
}

// NewCheckIn builds a check-in entry.
func NewCheckIn(at time.Time, machineID, plate string) LogEntry {
	return LogEntry{Timestamp: at, MachineID: machineID, LicensePlate: plate, Action: ActionCheckIn}
}

// NewCheckOut builds a check-out entry carrying the charged fee.
func NewCheckOut(at time.Time, machineID, plate string, fee float64) LogEntry {
	return LogEntry{Timestamp: at, MachineID: machineID, LicensePlate: plate, Action: ActionCheckOut, Fee: &fee}
}
