// Package directory provides the read-only identity lookups the Dispatcher
// needs (facilities, services, destinations, assignments and denials) and the
// resolver that turns an audit event body into (facility, service) pairs.
package directory

import (
	"context"
	"errors"

	"github.com/c360studio/propd/task"
)

var (
	// ErrInvalidEventFormat is returned when an event body names no facility or service.
	ErrInvalidEventFormat = errors.New("invalid event format")

	// ErrServiceNotExists is returned when a referenced service is unknown.
	ErrServiceNotExists = errors.New("service does not exist")

	// ErrFacilityNotExists is returned when a referenced facility is unknown.
	ErrFacilityNotExists = errors.New("facility does not exist")
)

// IsNotExists reports whether err means a facility or service vanished.
func IsNotExists(err error) bool {
	return errors.Is(err, ErrServiceNotExists) || errors.Is(err, ErrFacilityNotExists)
}

// Binding is one facility with the services an event affects on it.
type Binding struct {
	Facility task.Facility
	Services []task.Service
}

// Directory is the identity service as seen by the Dispatcher.
type Directory interface {
	// Resolve maps an event body to the affected (facility, services) bindings.
	Resolve(ctx context.Context, body string) ([]Binding, error)

	GetFacility(ctx context.Context, id int) (task.Facility, error)
	GetService(ctx context.Context, id int) (task.Service, error)

	// GetDestinations returns the destinations of the service on the facility.
	GetDestinations(ctx context.Context, facilityID, serviceID int) ([]task.Destination, error)

	IsServiceDeniedOnFacility(ctx context.Context, serviceID, facilityID int) (bool, error)
	IsServiceAssigned(ctx context.Context, serviceID, facilityID int) (bool, error)
}
