package store

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"carpark/internal/model"
)

// EventLog is the append-only record of check-in and check-out events.
type EventLog interface {
	// Append durably records e before returning.
	Append(ctx context.Context, e model.LogEntry) error
	// Entries yields entries in append order. Errors wrapping
	// parse.ErrMalformedEntry concern a single entry and iteration continues;
	// a *StorageError ends the sequence.
	Entries(ctx context.Context) iter.Seq2[model.LogEntry, error]
}

// SnapshotStore keeps the current occupancy of each machine.
type SnapshotStore interface {
	// LoadSnapshot returns the saved occupancy and whether one exists.
	LoadSnapshot(ctx context.Context, machineID string) (model.Occupancy, bool, error)
	// SaveSnapshot overwrites the machine's snapshot.
	SaveSnapshot(ctx context.Context, machineID string, occ model.Occupancy) error
}

// Store is a backend providing both the event log and snapshots.
type Store interface {
	EventLog
	SnapshotStore
}

// ErrStorage matches every *StorageError via errors.Is.
var ErrStorage = errors.New("storage error")

// StorageError reports an I/O failure or corrupt persisted data.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
