// Package l3 owns router lifecycle and interface management: attaching and
// detaching subnets, gateway set/clear, the centralized SNAT interface
// ports of distributed routers, and floating IP association.
package l3

import (
	"context"

	"github.com/google/uuid"

	"github.com/netplane/dvrkit/api"
	"github.com/netplane/dvrkit/internal/errdefs"
	"github.com/netplane/dvrkit/internal/retry"
	"github.com/netplane/dvrkit/log"
	"github.com/netplane/dvrkit/manager/drivers"
	"github.com/netplane/dvrkit/manager/notifier"
	"github.com/netplane/dvrkit/manager/scheduler"
	"github.com/netplane/dvrkit/manager/state/store"
	"github.com/pkg/errors"
)

// Service implements the router-facing control operations.
type Service struct {
	store    *store.MemoryStore
	bindings *scheduler.BindingManager
	notifier *notifier.Dispatcher
	drivers  *drivers.Registry
}

// New creates the L3 service.
func New(s *store.MemoryStore, b *scheduler.BindingManager, n *notifier.Dispatcher, d *drivers.Registry) *Service {
	return &Service{store: s, bindings: b, notifier: n, drivers: d}
}

// CreateRouter persists a router and schedules its centralized function.
// Scheduling failure is not fatal: an admin-down or not-yet-needed router
// is picked up by later scheduling passes.
func (s *Service) CreateRouter(ctx context.Context, router *api.Router) error {
	if router.ID == "" {
		router.ID = uuid.New().String()
	}
	err := s.store.Update(func(tx store.Tx) error {
		return store.CreateRouter(tx, router)
	})
	if err == store.ErrExist {
		return errdefs.Conflict(errors.Errorf("router %s already exists", router.ID))
	}
	if err != nil {
		return err
	}

	if router.AdminStateUp {
		if err := s.bindings.ScheduleRouter(ctx, router.ID); err != nil {
			log.G(ctx).WithError(err).WithField("router.id", router.ID).
				Info("router not scheduled at creation")
		}
	}
	return nil
}

// DeleteRouter removes a router that has no remaining interfaces and no
// gateway. Agent bindings are removed with it.
func (s *Service) DeleteRouter(ctx context.Context, routerID string) error {
	err := s.store.Update(func(tx store.Tx) error {
		router := store.GetRouter(tx, routerID)
		if router == nil {
			return errdefs.NotFound(errors.Errorf("router %s not found", routerID))
		}
		if router.GWPortID != "" {
			return errdefs.Conflict(errors.Errorf("router %s still has a gateway", routerID))
		}
		rps, err := store.FindRouterPorts(tx, store.ByRouterID(routerID))
		if err != nil {
			return err
		}
		for _, rp := range rps {
			if rp.PortType == api.PortTypeRouterIntf || rp.PortType == api.PortTypeDVRIntf {
				return errdefs.Conflict(errors.Errorf("router %s still has interfaces", routerID))
			}
		}
		return store.DeleteRouter(tx, routerID)
	})
	return err
}

// AddRouterInterface attaches a subnet to a router by creating the
// interface port on the subnet's gateway address. On a distributed router
// with a gateway the subnet also gets its centralized SNAT interface.
func (s *Service) AddRouterInterface(ctx context.Context, routerID, subnetID string) (*api.Port, error) {
	var port *api.Port
	err := retry.Do(ctx, retry.Default(), func() error {
		err := s.store.Update(func(tx store.Tx) error {
			router := store.GetRouter(tx, routerID)
			if router == nil {
				return errdefs.NotFound(errors.Errorf("router %s not found", routerID))
			}
			subnet := store.GetSubnet(tx, subnetID)
			if subnet == nil {
				return errdefs.NotFound(errors.Errorf("subnet %s not found", subnetID))
			}
			if intf := routerInterfaceOnSubnet(tx, subnetID); intf != nil {
				return errdefs.Conflict(errors.Errorf("subnet %s is already attached to a router", subnetID))
			}

			owner := api.DeviceOwnerRouterIntf
			if router.Distributed {
				owner = api.DeviceOwnerDVRIntf
			}
			port = &api.Port{
				ID:           uuid.New().String(),
				NetworkID:    subnet.NetworkID,
				TenantID:     router.TenantID,
				DeviceOwner:  owner,
				DeviceID:     routerID,
				AdminStateUp: true,
				Status:       api.BindingStatusDown,
				FixedIPs: []api.FixedIP{
					{SubnetID: subnetID, IPAddress: subnet.GatewayIP},
				},
			}
			mutation := drivers.Mutation{
				Kind:     drivers.MutationInterfaceAdded,
				RouterID: routerID,
				PortID:   port.ID,
			}
			if err := s.drivers.PreCommit(ctx, mutation); err != nil {
				return err
			}
			if err := store.CreatePort(tx, port); err != nil {
				return err
			}
			if err := store.CreateRouterPort(tx, &api.RouterPort{
				PortID:   port.ID,
				RouterID: routerID,
				PortType: owner,
			}); err != nil {
				return err
			}
			if router.Distributed && router.GWPortID != "" {
				if err := s.ensureSnatPort(tx, router, subnet); err != nil {
					return err
				}
			}
			return nil
		})
		if err == store.ErrSequenceConflict {
			return retry.Retriable(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	s.drivers.PostCommit(ctx, drivers.Mutation{
		Kind:     drivers.MutationInterfaceAdded,
		RouterID: routerID,
		PortID:   port.ID,
	})
	s.notifier.RoutersUpdated(ctx, []string{routerID})
	return port, nil
}

// RemoveRouterInterface detaches a subnet from a router. The subnet's
// share of the centralized SNAT state is trimmed with it.
func (s *Service) RemoveRouterInterface(ctx context.Context, routerID, subnetID string) error {
	var portID string
	err := retry.Do(ctx, retry.Default(), func() error {
		err := s.store.Update(func(tx store.Tx) error {
			router := store.GetRouter(tx, routerID)
			if router == nil {
				return errdefs.NotFound(errors.Errorf("router %s not found", routerID))
			}
			intf := routerInterfaceOnSubnet(tx, subnetID)
			if intf == nil || intf.DeviceID != routerID {
				return errdefs.NotFound(errors.Errorf("router %s has no interface on subnet %s", routerID, subnetID))
			}
			portID = intf.ID
			if err := s.drivers.PreCommit(ctx, drivers.Mutation{
				Kind:     drivers.MutationInterfaceRemoved,
				RouterID: routerID,
				PortID:   portID,
			}); err != nil {
				return err
			}
			if err := store.DeletePort(tx, intf.ID); err != nil {
				return err
			}
			return s.trimSnatPort(tx, router, subnetID)
		})
		if err == store.ErrSequenceConflict {
			return retry.Retriable(err)
		}
		return err
	})
	if err != nil {
		return err
	}

	s.drivers.PostCommit(ctx, drivers.Mutation{
		Kind:     drivers.MutationInterfaceRemoved,
		RouterID: routerID,
		PortID:   portID,
	})
	s.notifier.RoutersUpdated(ctx, []string{routerID})
	return nil
}

// SetRouterGateway gives the router an uplink on an external network. For
// a distributed router this also materializes the centralized SNAT
// interfaces for every already-attached subnet.
func (s *Service) SetRouterGateway(ctx context.Context, routerID, externalNetworkID string) error {
	err := retry.Do(ctx, retry.Default(), func() error {
		err := s.store.Update(func(tx store.Tx) error {
			router := store.GetRouter(tx, routerID)
			if router == nil {
				return errdefs.NotFound(errors.Errorf("router %s not found", routerID))
			}
			if router.GWPortID != "" {
				return errdefs.Conflict(errors.Errorf("router %s already has a gateway", routerID))
			}

			gw := &api.Port{
				ID:           uuid.New().String(),
				NetworkID:    externalNetworkID,
				TenantID:     router.TenantID,
				DeviceOwner:  api.DeviceOwnerRouterGW,
				DeviceID:     routerID,
				AdminStateUp: true,
				Status:       api.BindingStatusDown,
			}
			if err := store.CreatePort(tx, gw); err != nil {
				return err
			}
			if err := store.CreateRouterPort(tx, &api.RouterPort{
				PortID:   gw.ID,
				RouterID: routerID,
				PortType: api.PortTypeRouterGW,
			}); err != nil {
				return err
			}

			router.GWPortID = gw.ID
			router.GWNetworkID = externalNetworkID
			if err := store.UpdateRouter(tx, router); err != nil {
				return err
			}
			if router.Distributed {
				return s.syncSnatPorts(tx, router)
			}
			return nil
		})
		if err == store.ErrSequenceConflict {
			return retry.Retriable(err)
		}
		return err
	})
	if err != nil {
		return err
	}

	// A gateway makes dvr_snat agents eligible; place the centralized
	// function now.
	if err := s.bindings.ScheduleRouter(ctx, routerID); err != nil {
		log.G(ctx).WithError(err).WithField("router.id", routerID).
			Info("router not scheduled after gateway set")
	}
	s.notifier.RoutersUpdated(ctx, []string{routerID})
	return nil
}

// ClearRouterGateway removes the router's uplink and tears down its
// centralized SNAT interfaces.
func (s *Service) ClearRouterGateway(ctx context.Context, routerID string) error {
	err := retry.Do(ctx, retry.Default(), func() error {
		err := s.store.Update(func(tx store.Tx) error {
			router := store.GetRouter(tx, routerID)
			if router == nil {
				return errdefs.NotFound(errors.Errorf("router %s not found", routerID))
			}
			if router.GWPortID == "" {
				return nil
			}
			if err := store.DeletePort(tx, router.GWPortID); err != nil && err != store.ErrNotExist {
				return err
			}
			for _, snat := range SnatSyncInterfaces(tx, routerID) {
				if err := store.DeletePort(tx, snat.ID); err != nil && err != store.ErrNotExist {
					return err
				}
			}
			router.GWPortID = ""
			router.GWNetworkID = ""
			return store.UpdateRouter(tx, router)
		})
		if err == store.ErrSequenceConflict {
			return retry.Retriable(err)
		}
		return err
	})
	if err != nil {
		return err
	}

	s.notifier.RoutersUpdated(ctx, []string{routerID})
	return nil
}

// SnatSyncInterfaces lists the centralized SNAT interface ports of a
// router, one per attached subnet (IPv6 subnets on a shared network share
// one port with multiple addresses).
func SnatSyncInterfaces(tx store.ReadTx, routerID string) []*api.Port {
	rps, err := store.FindRouterPorts(tx, store.ByRouterID(routerID))
	if err != nil {
		return nil
	}
	var out []*api.Port
	for _, rp := range rps {
		if rp.PortType != api.PortTypeRouterSNAT {
			continue
		}
		if p := store.GetPort(tx, rp.PortID); p != nil {
			out = append(out, p)
		}
	}
	return out
}

// syncSnatPorts ensures every attached subnet has its SNAT interface.
func (s *Service) syncSnatPorts(tx store.Tx, router *api.Router) error {
	rps, err := store.FindRouterPorts(tx, store.ByRouterID(router.ID))
	if err != nil {
		return err
	}
	for _, rp := range rps {
		if rp.PortType != api.PortTypeRouterIntf && rp.PortType != api.PortTypeDVRIntf {
			continue
		}
		intf := store.GetPort(tx, rp.PortID)
		if intf == nil {
			continue
		}
		for _, fip := range intf.FixedIPs {
			subnet := store.GetSubnet(tx, fip.SubnetID)
			if subnet == nil {
				continue
			}
			if err := s.ensureSnatPort(tx, router, subnet); err != nil {
				return err
			}
		}
	}
	return nil
}

// ensureSnatPort gives a subnet its centralized SNAT interface. IPv6
// subnets of the same network share one SNAT port, gaining an extra fixed
// IP instead of a new port.
func (s *Service) ensureSnatPort(tx store.Tx, router *api.Router, subnet *api.Subnet) error {
	snats := SnatSyncInterfaces(tx, router.ID)
	for _, snat := range snats {
		for _, fip := range snat.FixedIPs {
			if fip.SubnetID == subnet.ID {
				return nil
			}
		}
	}

	if subnet.IPVersion == 6 {
		for _, snat := range snats {
			if snat.NetworkID != subnet.NetworkID {
				continue
			}
			snat.FixedIPs = append(snat.FixedIPs, api.FixedIP{SubnetID: subnet.ID})
			return store.UpdatePort(tx, snat)
		}
	}

	snat := &api.Port{
		ID:           uuid.New().String(),
		NetworkID:    subnet.NetworkID,
		TenantID:     router.TenantID,
		DeviceOwner:  api.DeviceOwnerRouterSNAT,
		DeviceID:     router.ID,
		AdminStateUp: true,
		Status:       api.BindingStatusDown,
		FixedIPs: []api.FixedIP{
			{SubnetID: subnet.ID},
		},
	}
	if err := store.CreatePort(tx, snat); err != nil {
		return err
	}
	return store.CreateRouterPort(tx, &api.RouterPort{
		PortID:   snat.ID,
		RouterID: router.ID,
		PortType: api.PortTypeRouterSNAT,
	})
}

// trimSnatPort removes a subnet's share of the router's SNAT state: the
// SNAT port loses the subnet's fixed IP and is deleted only when that was
// its last address.
func (s *Service) trimSnatPort(tx store.Tx, router *api.Router, subnetID string) error {
	for _, snat := range SnatSyncInterfaces(tx, router.ID) {
		idx := -1
		for i, fip := range snat.FixedIPs {
			if fip.SubnetID == subnetID {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		if len(snat.FixedIPs) > 1 {
			snat.FixedIPs = append(snat.FixedIPs[:idx], snat.FixedIPs[idx+1:]...)
			return store.UpdatePort(tx, snat)
		}
		return store.DeletePort(tx, snat.ID)
	}
	return nil
}

// routerInterfaceOnSubnet returns the router interface port (centralized
// or distributed) attached to the subnet, if any.
func routerInterfaceOnSubnet(tx store.ReadTx, subnetID string) *api.Port {
	ports, err := store.FindPorts(tx, store.BySubnetID(subnetID))
	if err != nil {
		return nil
	}
	for _, p := range ports {
		if p.DeviceOwner == api.DeviceOwnerRouterIntf || p.DeviceOwner == api.DeviceOwnerDVRIntf {
			return p
		}
	}
	return nil
}

// EnsureFipAgentGatewayPort creates the external-network agent gateway
// port on a host if it is not already there. Each (network, host) pair has
// at most one such port.
func EnsureFipAgentGatewayPort(tx store.Tx, networkID, host string) (*api.Port, error) {
	ports, err := store.FindPorts(tx, store.ByNetworkID(networkID))
	if err != nil {
		return nil, err
	}
	for _, p := range ports {
		if p.DeviceOwner == api.DeviceOwnerAgentGW && p.Binding.Host == host {
			return p, nil
		}
	}
	gw := &api.Port{
		ID:           uuid.New().String(),
		NetworkID:    networkID,
		DeviceOwner:  api.DeviceOwnerAgentGW,
		DeviceID:     host,
		AdminStateUp: true,
		Status:       api.BindingStatusDown,
		Binding: api.PortBinding{
			Host:    host,
			VIFType: api.VIFTypeDistributed,
		},
	}
	if err := store.CreatePort(tx, gw); err != nil {
		return nil, err
	}
	return gw, nil
}
