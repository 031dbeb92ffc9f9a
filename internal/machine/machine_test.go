package machine

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carpark/internal/clock"
	"carpark/internal/fee"
	"carpark/internal/model"
	"carpark/internal/store"
)

// memStore is an in-memory store.Store whose writes can be made to fail.
type memStore struct {
	mu        sync.Mutex
	entries   []model.LogEntry
	snapshots map[string]model.Occupancy
	appendErr error
	failSave  func() error // consulted on every SaveSnapshot when set
}

func newMemStore() *memStore {
	return &memStore{snapshots: make(map[string]model.Occupancy)}
}

func (s *memStore) Append(_ context.Context, e model.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return &store.StorageError{Op: "append log entry", Err: s.appendErr}
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *memStore) Entries(context.Context) iter.Seq2[model.LogEntry, error] {
	s.mu.Lock()
	entries := append([]model.LogEntry(nil), s.entries...)
	s.mu.Unlock()
	return func(yield func(model.LogEntry, error) bool) {
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *memStore) LoadSnapshot(_ context.Context, machineID string) (model.Occupancy, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	occ, ok := s.snapshots[machineID]
	if !ok {
		return nil, false, nil
	}
	return occ.Clone(), true, nil
}

func (s *memStore) SaveSnapshot(_ context.Context, machineID string, occ model.Occupancy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		if err := s.failSave(); err != nil {
			return &store.StorageError{Op: "save snapshot", Err: err}
		}
	}
	s.snapshots[machineID] = occ.Clone()
	return nil
}

func (s *memStore) logLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

var (
	testLoc = time.FixedZone("CET", 3600)
	t0      = time.Date(2024, 3, 7, 8, 0, 0, 0, testLoc)
)

func newTestMachine(t *testing.T, s *memStore, settings Settings, coord Coordinator) *Machine {
	t.Helper()
	m, err := New(context.Background(), settings, Deps{Log: s, Snapshots: s, Clock: clock.Fixed(t0), Coordinator: coord})
	require.NoError(t, err)
	return m
}

func TestMachine_CapacityLimit(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	m := newTestMachine(t, s, Settings{ID: "North", Capacity: 3, HourlyRate: 2.5}, nil)

	for _, plate := range []string{"A", "B", "C"} {
		require.NoError(t, m.CheckIn(ctx, plate, t0))
	}

	err := m.CheckIn(ctx, "D", t0)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 3, m.Len())
	assert.Equal(t, 3, s.logLen(), "a rejected check-in is not logged")

	// Leaving frees a spot.
	_, err = m.CheckOut(ctx, "B", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.NoError(t, m.CheckIn(ctx, "D", t0.Add(time.Hour)))
}

func TestMachine_DuplicateVehicle(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t, newMemStore(), Settings{ID: "North", Capacity: 5, HourlyRate: 2.5}, nil)

	require.NoError(t, m.CheckIn(ctx, "AB-12-CD", t0))
	assert.ErrorIs(t, m.CheckIn(ctx, "AB-12-CD", t0), ErrDuplicateVehicle)
	assert.ErrorIs(t, m.CheckIn(ctx, "  AB-12-CD ", t0), ErrDuplicateVehicle, "plates are trimmed")
	assert.Equal(t, 1, m.Len())
}

func TestMachine_DuplicateAcrossMachines(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	north := newTestMachine(t, newMemStore(), Settings{ID: "North", Capacity: 5, HourlyRate: 2.5}, registry)
	south := newTestMachine(t, newMemStore(), Settings{ID: "South", Capacity: 5, HourlyRate: 2.5}, registry)

	require.NoError(t, north.CheckIn(ctx, "AB-12-CD", t0))
	assert.ErrorIs(t, south.CheckIn(ctx, "AB-12-CD", t0), ErrDuplicateVehicle)
	assert.Equal(t, 0, south.Len())

	holder, ok := registry.Holder("AB-12-CD")
	assert.True(t, ok)
	assert.Equal(t, "North", holder)

	_, err := north.CheckOut(ctx, "AB-12-CD", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.NoError(t, south.CheckIn(ctx, "AB-12-CD", t0.Add(time.Hour)))
}

func TestMachine_Fees(t *testing.T) {
	testCases := []struct {
		name     string
		stay     time.Duration
		expected float64
	}{
		{name: "Immediate check-out bills nothing", stay: 0, expected: 0},
		{name: "Sub-second stay is truncated to nothing", stay: 500 * time.Millisecond, expected: 0},
		{name: "Started hour", stay: time.Minute, expected: 2.5},
		{name: "Two and a half hours", stay: 150 * time.Minute, expected: 7.5},
		{name: "25 hours is capped at 24", stay: 25 * time.Hour, expected: 60},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			s := newMemStore()
			m := newTestMachine(t, s, Settings{ID: "North", Capacity: 5, HourlyRate: 2.5}, nil)

			require.NoError(t, m.CheckIn(ctx, "AB-12-CD", t0))
			preview, err := m.Fee("AB-12-CD", t0.Add(tc.stay))
			require.NoError(t, err)

			charged, err := m.CheckOut(ctx, "AB-12-CD", t0.Add(tc.stay))
			require.NoError(t, err)
			assert.InDelta(t, tc.expected, charged, 1e-9)
			assert.Equal(t, preview, charged)
			assert.Equal(t, 0, m.Len())

			require.Equal(t, 2, s.logLen())
			last := s.entries[1]
			assert.Equal(t, model.ActionCheckOut, last.Action)
			require.NotNil(t, last.Fee)
			assert.InDelta(t, tc.expected, *last.Fee, 1e-9)
		})
	}
}

func TestMachine_CheckOutUnknownPlate(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	m := newTestMachine(t, s, Settings{ID: "North", Capacity: 5, HourlyRate: 2.5}, nil)
	require.NoError(t, m.CheckIn(ctx, "A", t0))

	_, err := m.CheckOut(ctx, "ZZ-00-ZZ", t0.Add(time.Hour))
	assert.ErrorIs(t, err, ErrVehicleNotFound)
	assert.Equal(t, 1, s.logLen(), "the log is untouched")

	_, err = m.Fee("ZZ-00-ZZ", t0)
	assert.ErrorIs(t, err, ErrVehicleNotFound)
}

func TestMachine_CheckOutBeforeCheckIn(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	m := newTestMachine(t, s, Settings{ID: "North", Capacity: 5, HourlyRate: 2.5}, nil)
	require.NoError(t, m.CheckIn(ctx, "A", t0))

	_, err := m.CheckOut(ctx, "A", t0.Add(-time.Minute))
	assert.ErrorIs(t, err, fee.ErrInvalidInterval)
	assert.Equal(t, 1, m.Len(), "the vehicle stays parked")
	assert.Equal(t, 1, s.logLen())
}

func TestMachine_InvalidPlate(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	m := newTestMachine(t, s, Settings{ID: "North", Capacity: 5, HourlyRate: 2.5}, nil)

	for _, plate := range []string{"", "   ", "A;B", "A=B", "A\nB"} {
		assert.ErrorIs(t, m.CheckIn(ctx, plate, t0), ErrInvalidPlate, "plate %q", plate)
	}
	_, err := m.CheckOut(ctx, "", t0)
	assert.ErrorIs(t, err, ErrInvalidPlate)
	assert.Equal(t, 0, s.logLen())
}

func TestMachine_RestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs, err := store.NewFileStore(dir, "carparklog.txt", testLoc)
	require.NoError(t, err)
	defer fs.Close()

	settings := Settings{ID: "North", Capacity: 10, HourlyRate: 2.5}
	deps := Deps{Log: fs, Snapshots: fs, Clock: clock.Fixed(t0)}

	first, err := New(ctx, settings, deps)
	require.NoError(t, err)
	require.NoError(t, first.CheckIn(ctx, "AB-12-CD", t0.Add(123*time.Millisecond)))
	require.NoError(t, first.CheckIn(ctx, "XY-99-ZZ", t0.Add(42*time.Minute+7*time.Second)))
	require.NoError(t, first.CheckIn(ctx, "GONE", t0))
	_, err = first.CheckOut(ctx, "GONE", t0.Add(time.Hour))
	require.NoError(t, err)

	second, err := New(ctx, settings, deps)
	require.NoError(t, err)

	before, after := first.Parked(), second.Parked()
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].LicensePlate, after[i].LicensePlate)
		assert.True(t, before[i].CheckIn.Equal(after[i].CheckIn))
	}

	// The restored check-in time drives the fee.
	charged, err := second.CheckOut(ctx, "AB-12-CD", t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 7.5, charged)
}

func TestMachine_RestoreWithoutSnapshotIgnoresLog(t *testing.T) {
	s := newMemStore()
	s.entries = []model.LogEntry{model.NewCheckIn(t0, "North", "AB-12-CD")}

	m := newTestMachine(t, s, Settings{ID: "North", Capacity: 5, HourlyRate: 2.5}, nil)
	assert.Equal(t, 0, m.Len())
}

func TestMachine_RestoreClaimsPlates(t *testing.T) {
	s := newMemStore()
	s.snapshots["North"] = model.Occupancy{"AB-12-CD": {LicensePlate: "AB-12-CD", CheckIn: t0}}
	registry := NewRegistry()

	newTestMachine(t, s, Settings{ID: "North", Capacity: 5, HourlyRate: 2.5}, registry)
	holder, ok := registry.Holder("AB-12-CD")
	assert.True(t, ok)
	assert.Equal(t, "North", holder)

	// A second machine restoring the same plate conflicts.
	other := newMemStore()
	other.snapshots["South"] = model.Occupancy{
		"ZZ":       {LicensePlate: "ZZ", CheckIn: t0},
		"AB-12-CD": {LicensePlate: "AB-12-CD", CheckIn: t0},
	}
	_, err := New(context.Background(), Settings{ID: "South", Capacity: 5}, Deps{Log: other, Snapshots: other, Coordinator: registry})
	assert.ErrorIs(t, err, ErrDuplicateVehicle)
	_, ok = registry.Holder("ZZ")
	assert.False(t, ok, "claims of a failed restore are released")
}

func TestMachine_AppendFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	registry := NewRegistry()
	m := newTestMachine(t, s, Settings{ID: "North", Capacity: 5, HourlyRate: 2.5}, registry)
	require.NoError(t, m.CheckIn(ctx, "A", t0))

	s.appendErr = errors.New("disk full")

	err := m.CheckIn(ctx, "B", t0)
	assert.ErrorIs(t, err, store.ErrStorage)
	assert.Equal(t, 1, m.Len())
	_, claimed := registry.Holder("B")
	assert.False(t, claimed)
	assert.Len(t, s.snapshots["North"], 1, "snapshot is rolled back")

	_, err = m.CheckOut(ctx, "A", t0.Add(time.Hour))
	assert.ErrorIs(t, err, store.ErrStorage)
	assert.Equal(t, 1, m.Len())
	assert.Contains(t, s.snapshots["North"], "A")
	holder, _ := registry.Holder("A")
	assert.Equal(t, "North", holder)

	// Once the medium recovers, operations succeed again.
	s.appendErr = nil
	_, err = m.CheckOut(ctx, "A", t0.Add(time.Hour))
	assert.NoError(t, err)
}

func TestMachine_SnapshotFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	m := newTestMachine(t, s, Settings{ID: "North", Capacity: 5, HourlyRate: 2.5}, nil)

	s.failSave = func() error { return errors.New("read-only file system") }

	err := m.CheckIn(ctx, "A", t0)
	assert.ErrorIs(t, err, store.ErrStorage)
	var se *store.StorageError
	assert.ErrorAs(t, err, &se)
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 0, s.logLen())
}

func TestMachine_FailedRollbackIsReported(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	m := newTestMachine(t, s, Settings{ID: "North", Capacity: 5, HourlyRate: 2.5}, nil)

	s.appendErr = errors.New("disk full")
	// The forward save succeeds, the rollback save fails.
	saves := 0
	s.failSave = func() error {
		saves++
		if saves > 1 {
			return errors.New("read-only file system")
		}
		return nil
	}

	err := m.CheckIn(ctx, "A", t0)
	assert.ErrorIs(t, err, store.ErrStorage)
	assert.ErrorContains(t, err, "disk full")
	assert.ErrorContains(t, err, "roll back snapshot")
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 2, saves)
}

func TestMachine_ConcurrentCheckInsRespectCapacity(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	m := newTestMachine(t, s, Settings{ID: "North", Capacity: 5, HourlyRate: 2.5}, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			plate := string(rune('A'+i%26)) + string(rune('a'+i/26))
			if err := m.CheckIn(ctx, plate, t0); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrCapacityExceeded)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	assert.Equal(t, 5, m.Len())
	assert.Equal(t, 5, s.logLen())
}

func TestMachine_NowUsesClock(t *testing.T) {
	ctx := context.Background()
	current := t0
	s := newMemStore()
	m, err := New(ctx, Settings{ID: "North", Capacity: 5, HourlyRate: 2}, Deps{
		Log: s, Snapshots: s, Clock: clock.Func(func() time.Time { return current }),
	})
	require.NoError(t, err)

	require.NoError(t, m.CheckInNow(ctx, "A"))
	current = t0.Add(3*time.Hour + time.Second)
	charged, err := m.CheckOutNow(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 8.0, charged)
	assert.True(t, s.entries[0].Timestamp.Equal(t0))
	assert.True(t, s.entries[1].Timestamp.Equal(current))
}

func TestNew_InvalidSettings(t *testing.T) {
	s := newMemStore()
	testCases := []struct {
		name     string
		settings Settings
	}{
		{name: "Empty id", settings: Settings{Capacity: 1}},
		{name: "Separator in id", settings: Settings{ID: "a;b", Capacity: 1}},
		{name: "Zero capacity", settings: Settings{ID: "North"}},
		{name: "Negative rate", settings: Settings{ID: "North", Capacity: 1, HourlyRate: -1}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(context.Background(), tc.settings, Deps{Log: s, Snapshots: s})
			assert.Error(t, err)
		})
	}

	_, err := New(context.Background(), Settings{ID: "North", Capacity: 1}, Deps{})
	assert.Error(t, err, "stores are required")
}

func TestMachine_ParkedSorted(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t, newMemStore(), Settings{ID: "North", Capacity: 5, HourlyRate: 2.5}, nil)

	require.NoError(t, m.CheckIn(ctx, "LATE", t0.Add(time.Hour)))
	require.NoError(t, m.CheckIn(ctx, "EARLY", t0))

	parked := m.Parked()
	require.Len(t, parked, 2)
	assert.Equal(t, "EARLY", parked[0].LicensePlate)
	assert.Equal(t, "LATE", parked[1].LicensePlate)
	assert.Equal(t, "North", m.ID())
	assert.Equal(t, 5, m.Capacity())
	assert.Equal(t, 2.5, m.HourlyRate())
}
