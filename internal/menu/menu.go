package menu

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"carpark/internal/fee"
	"carpark/internal/ledger"
	"carpark/internal/machine"
	"carpark/internal/parse"
)

// Menu is the interactive front end of one parking machine.
type Menu struct {
	machine *machine.Machine
	ledger  ledger.Querier
	in      *bufio.Scanner
	out     io.Writer
	loc     *time.Location
}

// New creates a menu reading commands from in and writing to out.
func New(m *machine.Machine, q ledger.Querier, in io.Reader, out io.Writer, loc *time.Location) *Menu {
	if loc == nil {
		loc = time.Local
	}
	return &Menu{machine: m, ledger: q, in: bufio.NewScanner(in), out: out, loc: loc}
}

func (mn *Menu) printMenu() {
	fmt.Fprintln(mn.out)
	fmt.Fprintf(mn.out, "Parking machine %s (%d/%d occupied)\n", mn.machine.ID(), mn.machine.Len(), mn.machine.Capacity())
	fmt.Fprintln(mn.out, "[I] Check-in car by license plate")
	fmt.Fprintln(mn.out, "[O] Check-out car by license plate")
	fmt.Fprintln(mn.out, "[P] List parked cars")
	fmt.Fprintln(mn.out, "[F] Total fee for a car")
	fmt.Fprintln(mn.out, "[D] Total fee for a machine on a day")
	fmt.Fprintln(mn.out, "[Q] Quit program")
}

// prompt writes label and reads one trimmed line. ok is false at end of input.
func (mn *Menu) prompt(label string) (string, bool) {
	fmt.Fprint(mn.out, label)
	if !mn.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(mn.in.Text()), true
}

// Run processes commands until Q, end of input, or ctx is done.
func (mn *Menu) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		mn.printMenu()
		choice, ok := mn.prompt("Enter your choice: ")
		if !ok {
			return mn.in.Err()
		}

		switch strings.ToUpper(choice) {
		case "I":
			mn.checkIn(ctx)
		case "O":
			mn.checkOut(ctx)
		case "P":
			mn.listParked()
		case "F":
			mn.vehicleTotal(ctx)
		case "D":
			mn.machineDayTotal(ctx)
		case "Q":
			return nil
		default:
			fmt.Fprintln(mn.out, "Invalid choice. Please try again.")
		}
	}
}

func (mn *Menu) checkIn(ctx context.Context) {
	plate, ok := mn.prompt("License: ")
	if !ok {
		return
	}
	err := mn.machine.CheckInNow(ctx, plate)
	switch {
	case err == nil:
		fmt.Fprintln(mn.out, "License registered")
	case errors.Is(err, machine.ErrCapacityExceeded):
		fmt.Fprintln(mn.out, "Capacity reached!")
	case errors.Is(err, machine.ErrDuplicateVehicle):
		fmt.Fprintf(mn.out, "License %s is already parked!\n", plate)
	case errors.Is(err, machine.ErrInvalidPlate):
		fmt.Fprintln(mn.out, "Invalid license plate.")
	default:
		fmt.Fprintf(mn.out, "Check-in failed: %v\n", err)
	}
}

func (mn *Menu) checkOut(ctx context.Context) {
	plate, ok := mn.prompt("License: ")
	if !ok {
		return
	}
	charge, err := mn.machine.CheckOutNow(ctx, plate)
	switch {
	case err == nil:
		fmt.Fprintf(mn.out, "Parking fee: %.2f EUR\n", charge)
	case errors.Is(err, machine.ErrVehicleNotFound):
		fmt.Fprintf(mn.out, "License %s not found!\n", plate)
	case errors.Is(err, machine.ErrInvalidPlate):
		fmt.Fprintln(mn.out, "Invalid license plate.")
	case errors.Is(err, fee.ErrInvalidInterval):
		fmt.Fprintln(mn.out, "Check-out time precedes check-in time; check the clock.")
	default:
		fmt.Fprintf(mn.out, "Check-out failed: %v\n", err)
	}
}

func (mn *Menu) listParked() {
	parked := mn.machine.Parked()
	if len(parked) == 0 {
		fmt.Fprintln(mn.out, "No parked cars recorded.")
		return
	}
	now := mn.machine.Now()
	fmt.Fprintln(mn.out, "Parked Cars:")
	for _, v := range parked {
		current, err := mn.machine.Fee(v.LicensePlate, now)
		if err != nil {
			fmt.Fprintf(mn.out, "License Plate: %s, Check-in: %s\n", v.LicensePlate, parse.FormatTimestamp(v.CheckIn.In(mn.loc)))
			continue
		}
		fmt.Fprintf(mn.out, "License Plate: %s, Check-in: %s, Fee so far: %.2f EUR\n",
			v.LicensePlate, parse.FormatTimestamp(v.CheckIn.In(mn.loc)), current)
	}
}

func (mn *Menu) vehicleTotal(ctx context.Context) {
	plate, ok := mn.prompt("License: ")
	if !ok {
		return
	}
	sum, err := mn.ledger.TotalFeeForVehicle(ctx, plate)
	if err != nil {
		fmt.Fprintf(mn.out, "Could not read the parking log: %v\n", err)
		return
	}
	fmt.Fprintf(mn.out, "Total fee for %s: %.2f EUR\n", plate, sum.Total)
	mn.reportSkipped(sum)
}

func (mn *Menu) machineDayTotal(ctx context.Context) {
	id, ok := mn.prompt(fmt.Sprintf("Machine [%s]: ", mn.machine.ID()))
	if !ok {
		return
	}
	if id == "" {
		id = mn.machine.ID()
	}
	raw, ok := mn.prompt("Date (DD-MM-YYYY): ")
	if !ok {
		return
	}
	day, err := parse.ParseDate(raw, mn.loc)
	if err != nil {
		fmt.Fprintln(mn.out, "Invalid date, expected DD-MM-YYYY.")
		return
	}
	sum, err := mn.ledger.TotalFeeForMachineOnDay(ctx, id, day)
	if err != nil {
		fmt.Fprintf(mn.out, "Could not read the parking log: %v\n", err)
		return
	}
	fmt.Fprintf(mn.out, "Total fee for %s on %s: %.2f EUR\n", id, day.Format(parse.DateLayout), sum.Total)
	mn.reportSkipped(sum)
}

func (mn *Menu) reportSkipped(sum ledger.Summary) {
	if sum.Skipped > 0 {
		fmt.Fprintf(mn.out, "(%d unreadable log lines were skipped)\n", sum.Skipped)
	}
}
