// Package state defines the closed set of typed events emitted by the
// binding store after each committed transaction. Lifecycle reactions
// subscribe to these events through an explicit watch queue rather than a
// process-wide registry, so the fan-out stays testable.
package state

import (
	"github.com/netplane/dvrkit/api"
	"github.com/netplane/dvrkit/watch"
)

// Event is the type used for events passed over watcher channels, and also
// the type used to specify filtering in calls to Watch.
type Event interface {
	// matches checks if this item in a watch queue matches the event
	// description.
	matches(watch.Event) bool
}

// EventCommit delineates a transaction boundary.
type EventCommit struct{}

func (e EventCommit) matches(watchEvent watch.Event) bool {
	_, ok := watchEvent.Payload.(EventCommit)
	return ok
}

// PortCheckFunc is the type of function used to perform filtering checks on
// api.Port structures.
type PortCheckFunc func(p1, p2 *api.Port) bool

// PortCheckID is a PortCheckFunc for matching port IDs.
func PortCheckID(p1, p2 *api.Port) bool {
	return p1.ID == p2.ID
}

// PortCheckHost is a PortCheckFunc for matching bound hosts.
func PortCheckHost(p1, p2 *api.Port) bool {
	return p1.Binding.Host == p2.Binding.Host
}

// EventCreatePort is published when a port is created.
type EventCreatePort struct {
	Port   *api.Port
	Checks []PortCheckFunc
}

func (e EventCreatePort) matches(watchEvent watch.Event) bool {
	typedEvent, ok := watchEvent.Payload.(EventCreatePort)
	if !ok {
		return false
	}
	for _, check := range e.Checks {
		if !check(e.Port, typedEvent.Port) {
			return false
		}
	}
	return true
}

// EventUpdatePort is published when a port is updated. OldPort carries the
// previous committed state so subscribers can compute binding deltas.
type EventUpdatePort struct {
	Port    *api.Port
	OldPort *api.Port
	Checks  []PortCheckFunc
}

func (e EventUpdatePort) matches(watchEvent watch.Event) bool {
	typedEvent, ok := watchEvent.Payload.(EventUpdatePort)
	if !ok {
		return false
	}
	for _, check := range e.Checks {
		if !check(e.Port, typedEvent.Port) {
			return false
		}
	}
	return true
}

// EventDeletePort is published when a port is deleted.
type EventDeletePort struct {
	Port   *api.Port
	Checks []PortCheckFunc
}

func (e EventDeletePort) matches(watchEvent watch.Event) bool {
	typedEvent, ok := watchEvent.Payload.(EventDeletePort)
	if !ok {
		return false
	}
	for _, check := range e.Checks {
		if !check(e.Port, typedEvent.Port) {
			return false
		}
	}
	return true
}

// RouterCheckFunc is the type of function used to perform filtering checks
// on api.Router structures.
type RouterCheckFunc func(r1, r2 *api.Router) bool

// RouterCheckID is a RouterCheckFunc for matching router IDs.
func RouterCheckID(r1, r2 *api.Router) bool {
	return r1.ID == r2.ID
}

// EventCreateRouter is published when a router is created.
type EventCreateRouter struct {
	Router *api.Router
	Checks []RouterCheckFunc
}

func (e EventCreateRouter) matches(watchEvent watch.Event) bool {
	typedEvent, ok := watchEvent.Payload.(EventCreateRouter)
	if !ok {
		return false
	}
	for _, check := range e.Checks {
		if !check(e.Router, typedEvent.Router) {
			return false
		}
	}
	return true
}

// EventUpdateRouter is published when a router is updated.
type EventUpdateRouter struct {
	Router    *api.Router
	OldRouter *api.Router
	Checks    []RouterCheckFunc
}

func (e EventUpdateRouter) matches(watchEvent watch.Event) bool {
	typedEvent, ok := watchEvent.Payload.(EventUpdateRouter)
	if !ok {
		return false
	}
	for _, check := range e.Checks {
		if !check(e.Router, typedEvent.Router) {
			return false
		}
	}
	return true
}

// EventDeleteRouter is published when a router is deleted.
type EventDeleteRouter struct {
	Router *api.Router
	Checks []RouterCheckFunc
}

func (e EventDeleteRouter) matches(watchEvent watch.Event) bool {
	typedEvent, ok := watchEvent.Payload.(EventDeleteRouter)
	if !ok {
		return false
	}
	for _, check := range e.Checks {
		if !check(e.Router, typedEvent.Router) {
			return false
		}
	}
	return true
}

// FloatingIPCheckFunc is the type of function used to perform filtering
// checks on api.FloatingIP structures.
type FloatingIPCheckFunc func(f1, f2 *api.FloatingIP) bool

// FloatingIPCheckID is a FloatingIPCheckFunc for matching floating IP IDs.
func FloatingIPCheckID(f1, f2 *api.FloatingIP) bool {
	return f1.ID == f2.ID
}

// EventCreateFloatingIP is published when a floating IP is created.
type EventCreateFloatingIP struct {
	FloatingIP *api.FloatingIP
	Checks     []FloatingIPCheckFunc
}

func (e EventCreateFloatingIP) matches(watchEvent watch.Event) bool {
	typedEvent, ok := watchEvent.Payload.(EventCreateFloatingIP)
	if !ok {
		return false
	}
	for _, check := range e.Checks {
		if !check(e.FloatingIP, typedEvent.FloatingIP) {
			return false
		}
	}
	return true
}

// EventUpdateFloatingIP is published when a floating IP is updated, most
// notably on associate/disassociate of the fixed port.
type EventUpdateFloatingIP struct {
	FloatingIP    *api.FloatingIP
	OldFloatingIP *api.FloatingIP
	Checks        []FloatingIPCheckFunc
}

func (e EventUpdateFloatingIP) matches(watchEvent watch.Event) bool {
	typedEvent, ok := watchEvent.Payload.(EventUpdateFloatingIP)
	if !ok {
		return false
	}
	for _, check := range e.Checks {
		if !check(e.FloatingIP, typedEvent.FloatingIP) {
			return false
		}
	}
	return true
}

// EventDeleteFloatingIP is published when a floating IP is deleted.
type EventDeleteFloatingIP struct {
	FloatingIP *api.FloatingIP
	Checks     []FloatingIPCheckFunc
}

func (e EventDeleteFloatingIP) matches(watchEvent watch.Event) bool {
	typedEvent, ok := watchEvent.Payload.(EventDeleteFloatingIP)
	if !ok {
		return false
	}
	for _, check := range e.Checks {
		if !check(e.FloatingIP, typedEvent.FloatingIP) {
			return false
		}
	}
	return true
}

// AgentCheckFunc is the type of function used to perform filtering checks
// on api.Agent structures.
type AgentCheckFunc func(a1, a2 *api.Agent) bool

// AgentCheckID is an AgentCheckFunc for matching agent IDs.
func AgentCheckID(a1, a2 *api.Agent) bool {
	return a1.ID == a2.ID
}

// EventCreateAgent is published when an agent registers.
type EventCreateAgent struct {
	Agent  *api.Agent
	Checks []AgentCheckFunc
}

func (e EventCreateAgent) matches(watchEvent watch.Event) bool {
	typedEvent, ok := watchEvent.Payload.(EventCreateAgent)
	if !ok {
		return false
	}
	for _, check := range e.Checks {
		if !check(e.Agent, typedEvent.Agent) {
			return false
		}
	}
	return true
}

// EventUpdateAgent is published on agent heartbeat or state change.
type EventUpdateAgent struct {
	Agent    *api.Agent
	OldAgent *api.Agent
	Checks   []AgentCheckFunc
}

func (e EventUpdateAgent) matches(watchEvent watch.Event) bool {
	typedEvent, ok := watchEvent.Payload.(EventUpdateAgent)
	if !ok {
		return false
	}
	for _, check := range e.Checks {
		if !check(e.Agent, typedEvent.Agent) {
			return false
		}
	}
	return true
}

// EventDeleteAgent is published when an agent is deregistered.
type EventDeleteAgent struct {
	Agent  *api.Agent
	Checks []AgentCheckFunc
}

func (e EventDeleteAgent) matches(watchEvent watch.Event) bool {
	typedEvent, ok := watchEvent.Payload.(EventDeleteAgent)
	if !ok {
		return false
	}
	for _, check := range e.Checks {
		if !check(e.Agent, typedEvent.Agent) {
			return false
		}
	}
	return true
}

// EventCreateDistributedBinding is published when a per-host DVR binding is
// created.
type EventCreateDistributedBinding struct {
	Binding *api.DistributedBinding
}

func (e EventCreateDistributedBinding) matches(watchEvent watch.Event) bool {
	_, ok := watchEvent.Payload.(EventCreateDistributedBinding)
	return ok
}

// EventUpdateDistributedBinding is published when a per-host DVR binding
// changes router ownership or status.
type EventUpdateDistributedBinding struct {
	Binding    *api.DistributedBinding
	OldBinding *api.DistributedBinding
}

func (e EventUpdateDistributedBinding) matches(watchEvent watch.Event) bool {
	_, ok := watchEvent.Payload.(EventUpdateDistributedBinding)
	return ok
}

// EventDeleteDistributedBinding is published when a per-host DVR binding is
// reaped.
type EventDeleteDistributedBinding struct {
	Binding *api.DistributedBinding
}

func (e EventDeleteDistributedBinding) matches(watchEvent watch.Event) bool {
	_, ok := watchEvent.Payload.(EventDeleteDistributedBinding)
	return ok
}

// Watch takes a variable number of events to match against. The subscriber
// will receive events that match any of the arguments passed to Watch.
//
// Examples:
//
//	// subscribe to all events
//	Watch(q)
//
//	// subscribe to all port update events
//	Watch(q, EventUpdatePort{})
//
//	// subscribe to port updates for a particular host
//	Watch(q, EventUpdatePort{
//	        Port:   &api.Port{Binding: api.PortBinding{Host: "h1"}},
//	        Checks: []PortCheckFunc{PortCheckHost},
//	})
func Watch(queue *watch.Queue, specifiers ...Event) chan watch.Event {
	if len(specifiers) == 0 {
		return queue.Watch()
	}
	return queue.CallbackWatch(func(event watch.Event) bool {
		for _, s := range specifiers {
			if s.matches(event) {
				return true
			}
		}
		return false
	})
}

// Publish publishes an event to a queue.
func Publish(queue *watch.Queue, event Event) {
	queue.Publish(watch.Event{Payload: event})
}
