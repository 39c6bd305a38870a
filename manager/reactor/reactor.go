// Package reactor reacts to port and floating-IP lifecycle events: it
// computes host-membership deltas for distributed routers, keeps per-host
// bindings in step, and hands the resulting notification sets to the
// dispatcher. Reactions are level-triggered: every decision re-derives
// membership from current state, so a lost notification is repaired by the
// next event touching the same router/host pair.
package reactor

import (
	"context"

	"github.com/netplane/dvrkit/api"
	"github.com/netplane/dvrkit/log"
	"github.com/netplane/dvrkit/manager/drivers"
	"github.com/netplane/dvrkit/manager/l3"
	"github.com/netplane/dvrkit/manager/notifier"
	"github.com/netplane/dvrkit/manager/resolver"
	"github.com/netplane/dvrkit/manager/scheduler"
	"github.com/netplane/dvrkit/manager/state"
	"github.com/netplane/dvrkit/manager/state/store"
	"github.com/netplane/dvrkit/watch"
)

// Reactor subscribes to store lifecycle events and drives the DVR binding
// and notification machinery.
type Reactor struct {
	store    *store.MemoryStore
	resolver *resolver.Resolver
	bindings *scheduler.BindingManager
	notifier *notifier.Dispatcher
	drivers  *drivers.Registry

	// stopChan signals to the event loop to stop running
	stopChan chan struct{}
	// doneChan is closed when the event loop terminates
	doneChan chan struct{}
}

// New creates a reactor.
func New(s *store.MemoryStore, r *resolver.Resolver, b *scheduler.BindingManager, n *notifier.Dispatcher, d *drivers.Registry) *Reactor {
	return &Reactor{
		store:    s,
		resolver: r,
		bindings: b,
		notifier: n,
		drivers:  d,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Run is the reactor event loop. It consumes committed store events until
// Stop is called.
func (r *Reactor) Run(ctx context.Context) error {
	defer close(r.doneChan)
	ctx = log.WithModule(ctx, "reactor")

	updates, cancel, err := store.ViewAndWatch(r.store, func(store.ReadTx) error { return nil },
		state.EventCreatePort{},
		state.EventUpdatePort{},
		state.EventDeletePort{},
		state.EventCreateFloatingIP{},
		state.EventUpdateFloatingIP{},
		state.EventDeleteFloatingIP{},
	)
	if err != nil {
		log.G(ctx).WithError(err).Error("failed to snapshot store for watching")
		return err
	}
	defer cancel()

	for {
		select {
		case event := <-updates:
			r.dispatch(ctx, event)
		case <-r.stopChan:
			return nil
		}
	}
}

// Stop causes the reactor event loop to stop running.
func (r *Reactor) Stop() {
	close(r.stopChan)
	<-r.doneChan
}

func (r *Reactor) dispatch(ctx context.Context, event watch.Event) {
	switch v := event.Payload.(type) {
	case state.EventCreatePort:
		r.handlePortCreate(ctx, v.Port)
	case state.EventUpdatePort:
		r.handlePortUpdate(ctx, v.OldPort, v.Port)
	case state.EventDeletePort:
		r.handlePortDelete(ctx, v.Port)
	case state.EventCreateFloatingIP:
		r.handleFloatingIPChange(ctx, nil, v.FloatingIP)
	case state.EventUpdateFloatingIP:
		r.handleFloatingIPChange(ctx, v.OldFloatingIP, v.FloatingIP)
	case state.EventDeleteFloatingIP:
		r.handleFloatingIPChange(ctx, v.FloatingIP, nil)
	}
}

func (r *Reactor) handlePortCreate(ctx context.Context, p *api.Port) {
	if !r.serviceable(p) {
		return
	}
	if p.Binding.Host != "" && p.AdminStateUp {
		r.HandleNewServicePort(ctx, p, "")
	}
}

func (r *Reactor) handlePortUpdate(ctx context.Context, old, p *api.Port) {
	if old == nil {
		r.handlePortCreate(ctx, p)
		return
	}

	// Forward-notify the live-migration target before the binding moves,
	// so the destination namespaces exist ahead of the cut-over.
	if target := p.MigratingTo(); target != "" && target != old.MigratingTo() && r.serviceable(p) {
		r.HandleNewServicePort(ctx, p, target)
	}

	newActive := r.serviceable(p) && p.AdminStateUp && p.Binding.Host != ""
	oldActive := r.serviceable(old) && old.AdminStateUp && old.Binding.Host != ""

	if newActive && (!oldActive || old.Binding.Host != p.Binding.Host || fixedIPsChanged(old, p)) {
		r.HandleNewServicePort(ctx, p, "")
	}

	// The old host may have lost its last reason to run the routers.
	if oldActive && (!newActive || old.Binding.Host != p.Binding.Host) {
		r.removeRoutersFromHost(ctx, old)
	}

	if r.serviceable(p) || r.serviceable(old) {
		r.reactToAddressChanges(ctx, old, p)
	}

	r.reactToAddressPairs(ctx, old, p)
}

func (r *Reactor) handlePortDelete(ctx context.Context, p *api.Port) {
	if !r.serviceable(p) {
		return
	}
	if p.Binding.Host != "" {
		r.removeRoutersFromHost(ctx, p)
	}
	// Drop the dataplane ARP state for every address the port held.
	r.UpdateArpEntryForDVRServicePort(ctx, p, ArpDelete)
}

// serviceable applies the DVR-serviceable predicate.
func (r *Reactor) serviceable(p *api.Port) bool {
	return p != nil && r.resolver.IsServiceable(p)
}

// HandleNewServicePort reacts to a DVR-serviceable port appearing on a
// host: every distributed router with an interface on the port's subnets
// needs a routing instance there. destHost overrides the port's bound host
// for the migration pre-warm path.
func (r *Reactor) HandleNewServicePort(ctx context.Context, p *api.Port, destHost string) {
	host := destHost
	if host == "" {
		host = p.Binding.Host
	}
	if host == "" {
		return
	}

	type bindingKey struct {
		portID   string
		routerID string
	}
	var (
		routerIDs []string
		work      []bindingKey
		findErr   error
	)
	r.store.View(func(tx store.ReadTx) {
		routerIDs = r.resolver.DVRRoutersBySubnetIDs(tx, p.SubnetIDs())
		for _, routerID := range routerIDs {
			rps, err := store.FindRouterPorts(tx, store.ByRouterID(routerID))
			if err != nil {
				findErr = err
				return
			}
			for _, rp := range rps {
				if rp.PortType != api.PortTypeDVRIntf {
					continue
				}
				work = append(work, bindingKey{portID: rp.PortID, routerID: routerID})
			}
		}
	})
	if findErr != nil {
		log.G(ctx).WithError(findErr).WithField("port.id", p.ID).
			Error("failed to collect router interfaces for binding")
		return
	}
	if len(routerIDs) == 0 {
		return
	}

	// Lazily materialize the per-host bindings of every DVR interface the
	// routers own, so the host's agent can bind them when it wires the
	// namespaces. The upsert is idempotent, so splitting a large batch over
	// several transactions is safe.
	_, err := r.store.Batch(func(batch *store.Batch) error {
		for _, bk := range work {
			err := batch.Update(func(tx store.Tx) error {
				_, err := store.EnsureDistributedBinding(tx, bk.portID, host, bk.routerID)
				return err
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.G(ctx).WithError(err).WithField("port.id", p.ID).
			Error("failed to materialize distributed bindings")
		return
	}

	r.drivers.PostCommit(ctx, drivers.Mutation{
		Kind:   drivers.MutationPortBound,
		PortID: p.ID,
		Host:   host,
	})
	r.notifier.RoutersUpdatedOnHost(ctx, routerIDs, host)
	r.UpdateArpEntryForDVRServicePort(ctx, p, ArpAdd)

	if destHost != "" {
		r.precreateFipAgentGateways(ctx, p, destHost)
	}
}

// RouterHost is a (router, host) pair marked for removal.
type RouterHost struct {
	RouterID string
	Host     string
}

// RoutersToRemove computes which routers no longer need the port's host
// after the port left it: routers whose subnets have no other serviceable
// port there. A router is never removed from its dedicated SNAT host; the
// centralized function persists independently of port placement.
func (r *Reactor) RoutersToRemove(tx store.ReadTx, p *api.Port) []RouterHost {
	host := p.Binding.Host
	if host == "" {
		return nil
	}

	var out []RouterHost
	for _, routerID := range r.resolver.DVRRoutersBySubnetIDs(tx, p.SubnetIDs()) {
		subnetIDs := r.resolver.SubnetIDsOnRouter(tx, routerID)
		if r.resolver.HasServiceablePortsOnHost(tx, host, subnetIDs) {
			continue
		}
		if _, ok := r.bindings.SNATHosts(tx, routerID)[host]; ok {
			continue
		}
		out = append(out, RouterHost{RouterID: routerID, Host: host})
	}
	return out
}

// removeRoutersFromHost unbinds the routers the old port was pinning to
// its host and notifies the host's agent about each removal.
func (r *Reactor) removeRoutersFromHost(ctx context.Context, old *api.Port) {
	var removals []RouterHost
	err := r.store.Update(func(tx store.Tx) error {
		removals = r.RoutersToRemove(tx, old)
		for _, rh := range removals {
			if err := unbindRouterOnHost(tx, rh.RouterID, rh.Host); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.G(ctx).WithError(err).WithField("port.id", old.ID).
			Error("failed to unbind routers from host")
		return
	}
	for _, rh := range removals {
		r.notifier.RouterRemovedFromAgent(ctx, rh.RouterID, rh.Host)
	}
}

// unbindRouterOnHost clears the router from its per-host bindings on the
// host and reaps the ones that become stale.
func unbindRouterOnHost(tx store.Tx, routerID, host string) error {
	rps, err := store.FindRouterPorts(tx, store.ByRouterID(routerID))
	if err != nil {
		return err
	}
	for _, rp := range rps {
		if rp.PortType != api.PortTypeDVRIntf {
			continue
		}
		binding := store.GetDistributedBinding(tx, rp.PortID, host)
		if binding == nil {
			continue
		}
		binding.RouterID = ""
		if err := store.UpdateDistributedBinding(tx, binding); err != nil {
			return err
		}
		if _, err := store.DeleteDistributedBindingIfStale(tx, binding); err != nil {
			return err
		}
	}
	return nil
}

// handleFloatingIPChange reacts to floating IP association changes by
// notifying exactly the hosts serving the router involved.
func (r *Reactor) handleFloatingIPChange(ctx context.Context, old, fip *api.FloatingIP) {
	if fip != nil && fip.RouterID != "" && fip.FixedPortID != "" {
		if old == nil || old.FixedPortID != fip.FixedPortID || old.RouterID != fip.RouterID {
			// On reassociation the previous host still carries the
			// address; refresh it so the stale configuration is torn
			// down, then warm the new one.
			if old != nil && old.RouterID != "" && old.FixedPortID != "" {
				r.notifyFloatingIP(ctx, old)
			}
			r.notifyFloatingIP(ctx, fip)
		}
		return
	}
	// Disassociation: the hosts that served the old association need a
	// router refresh.
	if old != nil && old.RouterID != "" && old.FixedPortID != "" {
		r.notifyFloatingIP(ctx, old)
	}
}

// notifyFloatingIP resolves the host serving a floating IP's fixed port
// and sends a targeted router update there. For a centralized router the
// untargeted update path resolves hosts via the static agent bindings
// instead.
func (r *Reactor) notifyFloatingIP(ctx context.Context, fip *api.FloatingIP) {
	var (
		distributed bool
		hosts       []string
		routerKnown bool
	)
	r.store.View(func(tx store.ReadTx) {
		router := store.GetRouter(tx, fip.RouterID)
		if router == nil {
			return
		}
		routerKnown = true
		distributed = router.Distributed
		if !distributed {
			return
		}

		port := store.GetPort(tx, fip.FixedPortID)
		if port == nil {
			return
		}
		host := port.Binding.Host
		if host == "" {
			// The fixed port may be an allowed-address-pair target
			// with no binding of its own; the VM port owning the
			// address carries the real host.
			if owner := addressPairOwner(tx, port); owner != nil {
				host = owner.Binding.Host
				if target := owner.MigratingTo(); target != "" {
					hosts = append(hosts, target)
				}
			}
		}
		if host != "" {
			hosts = append(hosts, host)
		}
		if target := port.MigratingTo(); target != "" && target != host {
			hosts = append(hosts, target)
		}
	})

	if !routerKnown {
		log.G(ctx).WithField("router.id", fip.RouterID).
			Info("router deleted concurrently, skipping floating IP notification")
		return
	}
	if !distributed {
		r.notifier.RoutersUpdated(ctx, []string{fip.RouterID})
		return
	}
	for _, host := range hosts {
		r.notifier.RoutersUpdatedOnHost(ctx, []string{fip.RouterID}, host)
	}
}

// addressPairOwner finds the serviceable port that carries the given
// port's fixed IP as an allowed address pair.
func addressPairOwner(tx store.ReadTx, p *api.Port) *api.Port {
	if len(p.FixedIPs) == 0 {
		return nil
	}
	candidates, err := store.FindPorts(tx, store.ByNetworkID(p.NetworkID))
	if err != nil {
		return nil
	}
	for _, candidate := range candidates {
		if candidate.ID == p.ID || candidate.Binding.Host == "" {
			continue
		}
		for _, pair := range candidate.AllowedPairs {
			for _, fip := range p.FixedIPs {
				if pair.IPAddress == fip.IPAddress {
					return candidate
				}
			}
		}
	}
	return nil
}

// precreateFipAgentGateways creates the per-host external-network gateway
// ports on a migration target for every active floating IP of the port, so
// the destination answers floating-IP traffic as soon as the VM lands.
func (r *Reactor) precreateFipAgentGateways(ctx context.Context, p *api.Port, destHost string) {
	err := r.store.Update(func(tx store.Tx) error {
		fips, err := store.FindFloatingIPs(tx, store.ByPortID(p.ID))
		if err != nil {
			return err
		}
		for _, fip := range fips {
			if fip.RouterID == "" {
				continue
			}
			if _, err := l3.EnsureFipAgentGatewayPort(tx, fip.FloatingNetworkID, destHost); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.G(ctx).WithError(err).WithField("host", destHost).
			Error("failed to pre-create floating IP agent gateway")
	}
}
