// Package drivers defines the mechanism-driver callback contract. Drivers
// are invoked around each router/port mutation point: pre-commit failures
// abort the transaction, post-commit failures are logged and surfaced but
// never roll back the already-committed change.
package drivers

import (
	"context"
	"fmt"

	"github.com/netplane/dvrkit/log"
)

// Mutation kinds passed to driver hooks.
const (
	MutationRouterScheduled   = "router.scheduled"
	MutationRouterUnscheduled = "router.unscheduled"
	MutationInterfaceAdded    = "router_interface.added"
	MutationInterfaceRemoved  = "router_interface.removed"
	MutationPortBound         = "port.bound"
)

// Mutation describes the change a driver is being consulted about.
type Mutation struct {
	Kind     string
	RouterID string
	PortID   string
	AgentID  string
	Host     string
}

// Driver is a mechanism-driver extension point.
type Driver interface {
	Name() string
	PreCommit(ctx context.Context, m Mutation) error
	PostCommit(ctx context.Context, m Mutation) error
}

// Error wraps a failure raised by a named driver.
type Error struct {
	Driver string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("mechanism driver %s failed: %v", e.Driver, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Registry fans mutations out to the registered drivers in registration
// order.
type Registry struct {
	drivers []Driver
}

// NewRegistry returns an empty driver registry.
func NewRegistry(drivers ...Driver) *Registry {
	return &Registry{drivers: drivers}
}

// Register appends a driver. Not safe for concurrent use with dispatch;
// registration happens at startup.
func (r *Registry) Register(d Driver) {
	r.drivers = append(r.drivers, d)
}

// PreCommit consults every driver before a mutation commits. The first
// failure aborts the chain so the transaction can roll back.
func (r *Registry) PreCommit(ctx context.Context, m Mutation) error {
	for _, d := range r.drivers {
		if err := d.PreCommit(ctx, m); err != nil {
			return &Error{Driver: d.Name(), Err: err}
		}
	}
	return nil
}

// PostCommit notifies every driver after a mutation committed. All drivers
// run regardless of failures; the first failure is returned so the caller
// can surface it, but the committed state stays authoritative.
func (r *Registry) PostCommit(ctx context.Context, m Mutation) error {
	var first error
	for _, d := range r.drivers {
		if err := d.PostCommit(ctx, m); err != nil {
			wrapped := &Error{Driver: d.Name(), Err: err}
			log.G(ctx).WithError(wrapped).WithField("mutation", m.Kind).
				Error("post-commit driver failure, state kept")
			if first == nil {
				first = wrapped
			}
		}
	}
	return first
}
