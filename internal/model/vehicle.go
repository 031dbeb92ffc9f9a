package model

import (
	"sort"
	"time"
)

// ParkedVehicle is a vehicle currently checked in at a machine.
type ParkedVehicle struct {
	LicensePlate string
	CheckIn      time.Time
}

// Occupancy maps license plates to the vehicles parked at one machine.
type Occupancy map[string]ParkedVehicle

// Clone returns an independent copy of the occupancy.
func (o Occupancy) Clone() Occupancy {
	out := make(Occupancy, len(o))
	for plate, v := range o {
		out[plate] = v
	}
	return out
}

// Sorted returns the parked vehicles ordered by check-in time, then plate.
func (o Occupancy) Sorted() []ParkedVehicle {
	out := make([]ParkedVehicle, 0, len(o))
	for _, v := range o {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CheckIn.Equal(out[j].CheckIn) {
			return out[i].CheckIn.Before(out[j].CheckIn)
		}
		return out[i].LicensePlate < out[j].LicensePlate
	})
	return out
}
