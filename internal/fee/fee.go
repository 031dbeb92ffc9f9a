package fee

import (
	"errors"
	"math"
	"time"
)

// DefaultMaxHours caps billing at one day.
const DefaultMaxHours = 24

// ErrInvalidInterval is returned when check-out precedes check-in.
var ErrInvalidInterval = errors.New("check-out precedes check-in")

// Calculate returns the fee for parking between checkIn and checkOut.
// Every started hour is billed, up to maxHours; a zero-length stay bills nothing.
func Calculate(checkIn, checkOut time.Time, hourlyRate float64, maxHours int) (float64, error) {
	if checkOut.Before(checkIn) {
		return 0, ErrInvalidInterval
	}
	if maxHours <= 0 {
		maxHours = DefaultMaxHours
	}

	hours := int(math.Ceil(checkOut.Sub(checkIn).Seconds() / 3600))
	if hours > maxHours {
		hours = maxHours
	}
	return float64(hours) * hourlyRate, nil
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(v*pow) / pow
}
