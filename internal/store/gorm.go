package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"carpark/internal/model"
	"carpark/internal/parse"
)

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db  *gorm.DB
	loc *time.Location
	now func() time.Time
}

// NewGormStore creates a new GORM-backed store. Times read back are
// converted to loc.
func NewGormStore(db *gorm.DB, loc *time.Location) Store {
	if loc == nil {
		loc = time.Local
	}
	return &gormStore{db: db, loc: loc, now: time.Now}
}

// Append inserts e into log_entries.
func (s *gormStore) Append(ctx context.Context, e model.LogEntry) error {
	rec := model.LogEntryRecord{
		LoggedAt:     e.Timestamp,
		MachineID:    e.MachineID,
		LicensePlate: e.LicensePlate,
		Action:       string(e.Action),
	}
	if e.Action == model.ActionCheckOut {
		rec.ParkingFee = e.Fee
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return storageErr("append log entry", err)
	}
	return nil
}

// Entries streams log_entries ordered by id.
func (s *gormStore) Entries(ctx context.Context) iter.Seq2[model.LogEntry, error] {
	return func(yield func(model.LogEntry, error) bool) {
		rows, err := s.db.WithContext(ctx).Model(&model.LogEntryRecord{}).Order("id").Rows()
		if err != nil {
			yield(model.LogEntry{}, storageErr("read log", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var rec model.LogEntryRecord
			if err := s.db.ScanRows(rows, &rec); err != nil {
				yield(model.LogEntry{}, storageErr("scan log entry", err))
				return
			}
			entry, err := s.recordToEntry(rec)
			if !yield(entry, err) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.LogEntry{}, storageErr("read log", err))
		}
	}
}

func (s *gormStore) recordToEntry(rec model.LogEntryRecord) (model.LogEntry, error) {
	entry := model.LogEntry{
		Timestamp:    rec.LoggedAt.In(s.loc),
		MachineID:    rec.MachineID,
		LicensePlate: rec.LicensePlate,
		Action:       model.Action(rec.Action),
	}
	switch {
	case entry.MachineID == "" || entry.LicensePlate == "":
		return model.LogEntry{}, fmt.Errorf("row %d: %w: missing machine or plate", rec.ID, parse.ErrMalformedEntry)
	case !entry.Action.Valid():
		return model.LogEntry{}, fmt.Errorf("row %d: %w: unknown action %q", rec.ID, parse.ErrMalformedEntry, rec.Action)
	case entry.Action == model.ActionCheckOut && rec.ParkingFee == nil:
		return model.LogEntry{}, fmt.Errorf("row %d: %w: check-out without fee", rec.ID, parse.ErrMalformedEntry)
	case rec.ParkingFee != nil && (math.IsNaN(*rec.ParkingFee) || math.IsInf(*rec.ParkingFee, 0) || *rec.ParkingFee < 0):
		return model.LogEntry{}, fmt.Errorf("row %d: %w: invalid fee %v", rec.ID, parse.ErrMalformedEntry, *rec.ParkingFee)
	}
	if entry.Action == model.ActionCheckOut {
		fee := *rec.ParkingFee
		entry.Fee = &fee
	}
	return entry, nil
}

// LoadSnapshot returns the machine's parked vehicles if a snapshot was ever saved.
func (s *gormStore) LoadSnapshot(ctx context.Context, machineID string) (model.Occupancy, bool, error) {
	var marker model.SnapshotRecord
	err := s.db.WithContext(ctx).Where("machine_id = ?", machineID).First(&marker).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr("load snapshot", err)
	}

	var records []model.ParkedVehicleRecord
	if err := s.db.WithContext(ctx).Where("machine_id = ?", machineID).Find(&records).Error; err != nil {
		return nil, false, storageErr("load snapshot", err)
	}

	occ := make(model.Occupancy, len(records))
	for _, r := range records {
		occ[r.LicensePlate] = model.ParkedVehicle{LicensePlate: r.LicensePlate, CheckIn: r.CheckIn.In(s.loc)}
	}
	return occ, true, nil
}

// SaveSnapshot replaces the machine's rows in one transaction.
func (s *gormStore) SaveSnapshot(ctx context.Context, machineID string, occ model.Occupancy) error {
	records := make([]model.ParkedVehicleRecord, 0, len(occ))
	for _, v := range occ.Sorted() {
		records = append(records, model.ParkedVehicleRecord{
			MachineID:    machineID,
			LicensePlate: v.LicensePlate,
			CheckIn:      v.CheckIn,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("machine_id = ?", machineID).Delete(&model.ParkedVehicleRecord{}).Error; err != nil {
			return fmt.Errorf("failed to clear snapshot for machine %s: %w", machineID, err)
		}
		if len(records) > 0 {
			if err := tx.Create(&records).Error; err != nil {
				return fmt.Errorf("failed to write snapshot for machine %s: %w", machineID, err)
			}
		}
		marker := model.SnapshotRecord{MachineID: machineID, Vehicles: len(records), SavedAt: s.now()}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "machine_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"vehicles", "saved_at"}),
		}).Create(&marker).Error
	})
	if err != nil {
		return storageErr("save snapshot", err)
	}
	return nil
}
