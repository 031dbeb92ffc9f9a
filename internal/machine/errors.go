package machine

import "errors"

var (
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrDuplicateVehicle = errors.New("vehicle already parked")
	ErrVehicleNotFound  = errors.New("vehicle not found")
	ErrInvalidPlate     = errors.New("invalid license plate")
)
