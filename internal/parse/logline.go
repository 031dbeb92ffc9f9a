package parse

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"carpark/internal/model"
)

const (
	// TimestampLayout is the fixed DD-MM-YYYY HH:MM:SS format used by the
	// event log and snapshots.
	TimestampLayout = "02-01-2006 15:04:05"
	// DateLayout is the DD-MM-YYYY format accepted for day queries.
	DateLayout = "02-01-2006"

	keyMachine = "cpm_name"
	keyPlate   = "license_plate"
	keyAction  = "action"
	keyFee     = "parking_fee"
)

// ErrMalformedEntry marks a log line that cannot be turned into an entry.
// Readers skip such lines instead of aborting.
var ErrMalformedEntry = errors.New("malformed log entry")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEntry, fmt.Sprintf(format, args...))
}

// FormatTimestamp renders t in the log timestamp format.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// ParseTimestamp parses a log timestamp in the given location.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(TimestampLayout, strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// ParseDate parses a DD-MM-YYYY day in the given location.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date %q: %w", s, err)
	}
	return t, nil
}

// FormatFee renders a fee with two decimals.
func FormatFee(fee float64) string {
	return strconv.FormatFloat(fee, 'f', 2, 64)
}

// FormatEntry renders e as a single log line without the trailing newline.
func FormatEntry(e model.LogEntry) string {
	var b strings.Builder
	b.WriteString(FormatTimestamp(e.Timestamp))
	b.WriteString(";" + keyMachine + "=" + e.MachineID)
	b.WriteString(";" + keyPlate + "=" + e.LicensePlate)
	b.WriteString(";" + keyAction + "=" + string(e.Action))
	if e.Action == model.ActionCheckOut && e.Fee != nil {
		b.WriteString(";" + keyFee + "=" + FormatFee(*e.Fee))
	}
	return b.String()
}

// ParseEntry parses one log line. Any error it returns wraps ErrMalformedEntry.
func ParseEntry(line string, loc *time.Location) (model.LogEntry, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Split(line, ";")
	if len(fields) < 4 {
		return model.LogEntry{}, malformed("expected at least 4 fields, got %d", len(fields))
	}

	ts, err := ParseTimestamp(fields[0], loc)
	if err != nil {
		return model.LogEntry{}, malformed("%v", err)
	}

	values := make(map[string]string, len(fields)-1)
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return model.LogEntry{}, malformed("field %q is not key=value", f)
		}
		values[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	entry := model.LogEntry{
		Timestamp:    ts,
		MachineID:    values[keyMachine],
		LicensePlate: values[keyPlate],
		Action:       model.Action(values[keyAction]),
	}
	if entry.MachineID == "" {
		return model.LogEntry{}, malformed("missing %s", keyMachine)
	}
	if entry.LicensePlate == "" {
		return model.LogEntry{}, malformed("missing %s", keyPlate)
	}
	if !entry.Action.Valid() {
		return model.LogEntry{}, malformed("unknown action %q", values[keyAction])
	}

	if entry.Action == model.ActionCheckOut {
		raw, ok := values[keyFee]
		if !ok {
			return model.LogEntry{}, malformed("check-out without %s", keyFee)
		}
		fee, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(fee) || math.IsInf(fee, 0) || fee < 0 {
			return model.LogEntry{}, malformed("invalid %s %q", keyFee, raw)
		}
		entry.Fee = &fee
	}
	return entry, nil
}
