package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"carpark/internal/fee"
	"carpark/internal/model"
	"carpark/internal/parse"
	"carpark/internal/store"
)

// Summary is the result of a scan over the event log.
type Summary struct {
	Total   float64 // rounded to two decimals
	Matched int     // entries that contributed to Total
	Skipped int     // malformed entries that were ignored
}

// Querier answers aggregate fee questions.
type Querier interface {
	TotalFeeForVehicle(ctx context.Context, plate string) (Summary, error)
	TotalFeeForMachineOnDay(ctx context.Context, machineID string, day time.Time) (Summary, error)
}

// Ledger derives totals by replaying an event log. It keeps no index; every
// query is a full scan.
type Ledger struct {
	log store.EventLog
	loc *time.Location
}

// New returns a Ledger over log. Calendar days are evaluated in loc.
func New(log store.EventLog, loc *time.Location) *Ledger {
	if loc == nil {
		loc = time.Local
	}
	return &Ledger{log: log, loc: loc}
}

// TotalFeeForVehicle sums the fees of every check-out of plate, ignoring case.
func (l *Ledger) TotalFeeForVehicle(ctx context.Context, plate string) (Summary, error) {
	plate = strings.TrimSpace(plate)
	return l.sumFees(ctx, func(e model.LogEntry) bool {
		return strings.EqualFold(e.LicensePlate, plate)
	})
}

// TotalFeeForMachineOnDay sums the fees a machine collected on the calendar
// date of day. The machine id is compared ignoring case.
func (l *Ledger) TotalFeeForMachineOnDay(ctx context.Context, machineID string, day time.Time) (Summary, error) {
	machineID = strings.TrimSpace(machineID)
	y, m, d := day.Date()
	return l.sumFees(ctx, func(e model.LogEntry) bool {
		if !strings.EqualFold(e.MachineID, machineID) {
			return false
		}
		ey, em, ed := e.Timestamp.In(l.loc).Date()
		return ey == y && em == m && ed == d
	})
}

func (l *Ledger) sumFees(ctx context.Context, match func(model.LogEntry) bool) (Summary, error) {
	var sum Summary
	var total float64
	for e, err := range l.log.Entries(ctx) {
		if err != nil {
			if errors.Is(err, parse.ErrMalformedEntry) {
				sum.Skipped++
				continue
			}
			return Summary{}, fmt.Errorf("scan event log: %w", err)
		}
		if e.Action != model.ActionCheckOut {
			continue
		}
		if e.Fee == nil {
			sum.Skipped++
			continue
		}
		if match(e) {
			total += *e.Fee
			sum.Matched++
		}
	}
	sum.Total = fee.Round(total, 2)
	return sum, nil
}

// ReplayOccupancy rebuilds a machine's occupancy from the event log. It is a
// repair tool for a lost or damaged snapshot, not part of normal startup.
// The returned Summary counts applied events and the fees they carried.
func (l *Ledger) ReplayOccupancy(ctx context.Context, machineID string) (model.Occupancy, Summary, error) {
	occ := make(model.Occupancy)
	var sum Summary
	var total float64
	for e, err := range l.log.Entries(ctx) {
		if err != nil {
			if errors.Is(err, parse.ErrMalformedEntry) {
				sum.Skipped++
				continue
			}
			return nil, Summary{}, fmt.Errorf("replay event log: %w", err)
		}
		if !strings.EqualFold(e.MachineID, machineID) {
			continue
		}
		switch e.Action {
		case model.ActionCheckIn:
			occ[e.LicensePlate] = model.ParkedVehicle{LicensePlate: e.LicensePlate, CheckIn: e.Timestamp}
		case model.ActionCheckOut:
			delete(occ, e.LicensePlate)
			if e.Fee != nil {
				total += *e.Fee
			}
		}
		sum.Matched++
	}
	sum.Total = fee.Round(total, 2)
	return occ, sum, nil
}
