package machine

import (
	"fmt"
	"sync"
)

// Coordinator tracks which machine holds each plate, so a vehicle cannot be
// checked in at two machines of the same facility. It is shared by reference
// between the machines it coordinates.
type Coordinator interface {
	// Claim records plate as parked at machineID. It fails with
	// ErrDuplicateVehicle if another machine already holds the plate.
	Claim(plate, machineID string) error
	// Release forgets the plate if machineID holds it.
	Release(plate, machineID string)
	// Holder returns the machine holding plate, if any.
	Holder(plate string) (string, bool)
}

// Registry is an in-process Coordinator.
type Registry struct {
	mu     sync.Mutex
	plates map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{plates: make(map[string]string)}
}

func (r *Registry) Claim(plate, machineID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if holder, ok := r.plates[plate]; ok && holder != machineID {
		return fmt.Errorf("%w: %s is parked at machine %s", ErrDuplicateVehicle, plate, holder)
	}
	r.plates[plate] = machineID
	return nil
}

func (r *Registry) Release(plate, machineID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.plates[plate] == machineID {
		delete(r.plates, plate)
	}
}

func (r *Registry) Holder(plate string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	holder, ok := r.plates[plate]
	return holder, ok
}

// noCoordinator is used when a machine runs alone.
type noCoordinator struct{}

func (noCoordinator) Claim(string, string) error { return nil }

func (noCoordinator) Release(string, string) {}

func (noCoordinator) Holder(string) (string, bool) { return "", false }
