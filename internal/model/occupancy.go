package model

import (
	"time"
)

// ParkedVehicleRecord is one row of a machine's occupancy snapshot (hot table).
type ParkedVehicleRecord struct {
	MachineID    string    `gorm:"primaryKey;size:128"`
	LicensePlate string    `gorm:"primaryKey;size:64"`
	CheckIn      time.Time `gorm:"not null"`
}

// LogEntryRecord is one row of the append-only event log (cold table).
type LogEntryRecord struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	LoggedAt     time.Time `gorm:"not null;index"`
	MachineID    string    `gorm:"size:128;not null;index"`
	LicensePlate string    `gorm:"size:64;not null;index"`
	Action       string    `gorm:"size:16;not null"`
	ParkingFee   *float64
}

func (ParkedVehicleRecord) TableName() string { return "parked_vehicles" }

func (LogEntryRecord) TableName() string { return "log_entries" }
