package model

import "time"

// SnapshotRecord marks that a snapshot has been saved for a machine, so an
// empty occupancy can be told apart from a machine that never saved one.
type SnapshotRecord struct {
	MachineID string    `gorm:"primaryKey;size:128"`
	Vehicles  int       `gorm:"not null"`
	SavedAt   time.Time `gorm:"not null"`
}

func (SnapshotRecord) TableName() string { return "snapshots" }
