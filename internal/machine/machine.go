package machine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"carpark/internal/clock"
	"carpark/internal/fee"
	"carpark/internal/model"
	"carpark/internal/store"
)

// Settings are the fixed properties of a parking machine.
type Settings struct {
	ID         string
	Capacity   int
	HourlyRate float64
	MaxHours   int // 0 means fee.DefaultMaxHours
}

// Deps are the collaborators a machine persists through.
type Deps struct {
	Log         store.EventLog
	Snapshots   store.SnapshotStore
	Clock       clock.Clock // defaults to the system clock
	Coordinator Coordinator // optional; nil for a standalone machine
}

// Machine admits vehicles up to its capacity and charges them on exit.
// Mutations are serialized; every successful one is persisted to the
// snapshot store and the event log before it returns.
type Machine struct {
	mu        sync.Mutex
	settings  Settings
	occupancy model.Occupancy

	log         store.EventLog
	snapshots   store.SnapshotStore
	clock       clock.Clock
	coordinator Coordinator
}

// New validates the settings and restores the machine's last snapshot.
// The event log is never replayed here.
func New(ctx context.Context, s Settings, d Deps) (*Machine, error) {
	if err := validateSettings(&s); err != nil {
		return nil, err
	}
	if d.Log == nil || d.Snapshots == nil {
		return nil, errors.New("machine requires an event log and a snapshot store")
	}
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.Coordinator == nil {
		d.Coordinator = noCoordinator{}
	}

	m := &Machine{
		settings:    s,
		occupancy:   make(model.Occupancy),
		log:         d.Log,
		snapshots:   d.Snapshots,
		clock:       d.Clock,
		coordinator: d.Coordinator,
	}
	if err := m.restore(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func validateSettings(s *Settings) error {
	if s.ID == "" || strings.ContainsAny(s.ID, ";=\r\n") {
		return fmt.Errorf("invalid machine id %q", s.ID)
	}
	if s.Capacity <= 0 {
		return fmt.Errorf("machine %s: capacity must be positive, got %d", s.ID, s.Capacity)
	}
	if s.HourlyRate < 0 || math.IsNaN(s.HourlyRate) || math.IsInf(s.HourlyRate, 0) {
		return fmt.Errorf("machine %s: invalid hourly rate %v", s.ID, s.HourlyRate)
	}
	if s.MaxHours <= 0 {
		s.MaxHours = fee.DefaultMaxHours
	}
	return nil
}

func (m *Machine) restore(ctx context.Context) error {
	occ, found, err := m.snapshots.LoadSnapshot(ctx, m.settings.ID)
	if err != nil {
		return fmt.Errorf("restore machine %s: %w", m.settings.ID, err)
	}
	if !found {
		log.Printf("No snapshot for machine %s; starting empty.", m.settings.ID)
		return nil
	}

	var claimed []string
	for plate := range occ {
		if err := m.coordinator.Claim(plate, m.settings.ID); err != nil {
			for _, p := range claimed {
				m.coordinator.Release(p, m.settings.ID)
			}
			return fmt.Errorf("restore machine %s: %w", m.settings.ID, err)
		}
		claimed = append(claimed, plate)
	}
	if len(occ) > m.settings.Capacity {
		log.Printf("Warning: snapshot for machine %s holds %d vehicles, above capacity %d.", m.settings.ID, len(occ), m.settings.Capacity)
	}

	m.occupancy = occ
	log.Printf("Restored %d parked vehicles for machine %s.", len(occ), m.settings.ID)
	return nil
}

// NormalizePlate trims surrounding whitespace and rejects plates that are
// empty or would break the log line format.
func NormalizePlate(plate string) (string, error) {
	plate = strings.TrimSpace(plate)
	if plate == "" || strings.ContainsAny(plate, ";=\r\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPlate, plate)
	}
	return plate, nil
}

// CheckIn parks plate at the given time.
func (m *Machine) CheckIn(ctx context.Context, plate string, at time.Time) error {
	plate, err := NormalizePlate(plate)
	if err != nil {
		return err
	}
	at = at.Truncate(time.Second)

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.occupancy) >= m.settings.Capacity {
		return fmt.Errorf("check-in %s at machine %s: %w", plate, m.settings.ID, ErrCapacityExceeded)
	}
	if _, ok := m.occupancy[plate]; ok {
		return fmt.Errorf("check-in %s at machine %s: %w", plate, m.settings.ID, ErrDuplicateVehicle)
	}
	if err := m.coordinator.Claim(plate, m.settings.ID); err != nil {
		return fmt.Errorf("check-in %s at machine %s: %w", plate, m.settings.ID, err)
	}

	next := m.occupancy.Clone()
	next[plate] = model.ParkedVehicle{LicensePlate: plate, CheckIn: at}

	if err := m.commit(ctx, next, model.NewCheckIn(at, m.settings.ID, plate)); err != nil {
		m.coordinator.Release(plate, m.settings.ID)
		return fmt.Errorf("check-in %s at machine %s: %w", plate, m.settings.ID, err)
	}
	return nil
}

// CheckOut removes plate and returns the fee charged for its stay.
func (m *Machine) CheckOut(ctx context.Context, plate string, at time.Time) (float64, error) {
	plate, err := NormalizePlate(plate)
	if err != nil {
		return 0, err
	}
	at = at.Truncate(time.Second)

	m.mu.Lock()
	defer m.mu.Unlock()

	vehicle, ok := m.occupancy[plate]
	if !ok {
		return 0, fmt.Errorf("check-out %s at machine %s: %w", plate, m.settings.ID, ErrVehicleNotFound)
	}
	charge, err := fee.Calculate(vehicle.CheckIn, at, m.settings.HourlyRate, m.settings.MaxHours)
	if err != nil {
		return 0, fmt.Errorf("check-out %s at machine %s: %w", plate, m.settings.ID, err)
	}

	next := m.occupancy.Clone()
	delete(next, plate)

	if err := m.commit(ctx, next, model.NewCheckOut(at, m.settings.ID, plate, charge)); err != nil {
		return 0, fmt.Errorf("check-out %s at machine %s: %w", plate, m.settings.ID, err)
	}
	m.coordinator.Release(plate, m.settings.ID)
	return charge, nil
}

// CheckInNow checks plate in at the clock's current time.
func (m *Machine) CheckInNow(ctx context.Context, plate string) error {
	return m.CheckIn(ctx, plate, m.clock.Now())
}

// CheckOutNow checks plate out at the clock's current time.
func (m *Machine) CheckOutNow(ctx context.Context, plate string) (float64, error) {
	return m.CheckOut(ctx, plate, m.clock.Now())
}

// commit persists next as the snapshot, then appends entry. If the append
// fails the previous snapshot is written back and occupancy is left as it was.
// Callers hold m.mu.
func (m *Machine) commit(ctx context.Context, next model.Occupancy, entry model.LogEntry) error {
	if err := m.snapshots.SaveSnapshot(ctx, m.settings.ID, next); err != nil {
		return err
	}
	if err := m.log.Append(ctx, entry); err != nil {
		if rerr := m.snapshots.SaveSnapshot(context.WithoutCancel(ctx), m.settings.ID, m.occupancy); rerr != nil {
			log.Printf("Error: failed to roll back snapshot for machine %s: %v", m.settings.ID, rerr)
			return errors.Join(err, fmt.Errorf("roll back snapshot: %w", rerr))
		}
		return err
	}
	m.occupancy = next
	return nil
}

// Fee returns what plate would be charged if it left at the given time.
func (m *Machine) Fee(plate string, at time.Time) (float64, error) {
	plate, err := NormalizePlate(plate)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	vehicle, ok := m.occupancy[plate]
	m.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("fee for %s at machine %s: %w", plate, m.settings.ID, ErrVehicleNotFound)
	}
	return fee.Calculate(vehicle.CheckIn, at.Truncate(time.Second), m.settings.HourlyRate, m.settings.MaxHours)
}

// Parked lists the vehicles currently parked, oldest first.
func (m *Machine) Parked() []model.ParkedVehicle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.occupancy.Sorted()
}

// Len returns the number of parked vehicles.
func (m *Machine) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.occupancy)
}

// ID returns the machine's name as written to the log.
func (m *Machine) ID() string { return m.settings.ID }

// Capacity returns the maximum number of parked vehicles.
func (m *Machine) Capacity() int { return m.settings.Capacity }

// HourlyRate returns the price of one started hour.
func (m *Machine) HourlyRate() float64 { return m.settings.HourlyRate }

// Now reads the machine's clock.
func (m *Machine) Now() time.Time { return m.clock.Now() }
