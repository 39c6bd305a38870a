package reactor

import (
	"context"

	"github.com/netplane/dvrkit/api"
	"github.com/netplane/dvrkit/internal/retry"
	"github.com/netplane/dvrkit/log"
	"github.com/netplane/dvrkit/manager/state/store"
)

// reactToAddressPairs handles allowed-address-pair membership changes on a
// service port. A port that carries the paired address (a VRRP VIP port,
// typically unbound) temporarily borrows the service port's identity so the
// address is treated as serviceable on the service port's host; removing
// the pair reverts the borrowed identity.
func (r *Reactor) reactToAddressPairs(ctx context.Context, old, p *api.Port) {
	if !r.serviceable(p) && !r.serviceable(old) {
		return
	}

	added := pairDiff(p.AllowedPairs, old.AllowedPairs)
	removed := pairDiff(old.AllowedPairs, p.AllowedPairs)

	for _, pair := range added {
		if r.serviceable(p) && p.Binding.Host != "" {
			r.borrowIdentity(ctx, p, pair)
		}
	}
	for _, pair := range removed {
		r.revertIdentity(ctx, old.NetworkID, pair)
	}
}

// borrowIdentity makes the port holding the paired address inherit the
// service port's device owner and host. Ports that are serviceable in
// their own right are left alone.
func (r *Reactor) borrowIdentity(ctx context.Context, service *api.Port, pair api.AddressPair) {
	err := retry.Do(ctx, retry.Default(), func() error {
		err := r.store.Update(func(tx store.Tx) error {
			target := portByFixedIP(tx, service.NetworkID, pair.IPAddress, service.ID)
			if target == nil {
				return nil
			}
			// A port that is serviceable in its own right keeps its
			// identity, bound or not.
			if r.resolver.IsServiceable(target) {
				return nil
			}
			if target.Borrowed == nil {
				target.Borrowed = &api.BorrowedOwner{DeviceOwner: target.DeviceOwner}
			}
			target.DeviceOwner = service.DeviceOwner
			target.Binding.Host = service.Binding.Host
			return store.UpdatePort(tx, target)
		})
		if err == store.ErrSequenceConflict {
			return retry.Retriable(err)
		}
		return err
	})
	if err != nil {
		log.G(ctx).WithError(err).WithField("pair.ip", pair.IPAddress).
			Error("failed to inherit service port identity")
	}
}

// revertIdentity restores the original identity of a port that borrowed
// one through a removed address pair.
func (r *Reactor) revertIdentity(ctx context.Context, networkID string, pair api.AddressPair) {
	err := retry.Do(ctx, retry.Default(), func() error {
		err := r.store.Update(func(tx store.Tx) error {
			target := portByFixedIP(tx, networkID, pair.IPAddress, "")
			if target == nil || target.Borrowed == nil {
				return nil
			}
			target.DeviceOwner = target.Borrowed.DeviceOwner
			target.Borrowed = nil
			target.Binding.Host = ""
			target.Binding.VIFType = api.VIFTypeUnbound
			return store.UpdatePort(tx, target)
		})
		if err == store.ErrSequenceConflict {
			return retry.Retriable(err)
		}
		return err
	})
	if err != nil {
		log.G(ctx).WithError(err).WithField("pair.ip", pair.IPAddress).
			Error("failed to revert borrowed port identity")
	}
}

// portByFixedIP finds the port on a network holding the given address as a
// fixed IP, skipping the excluded port.
func portByFixedIP(tx store.ReadTx, networkID, ip, excludeID string) *api.Port {
	ports, err := store.FindPorts(tx, store.ByNetworkID(networkID))
	if err != nil {
		return nil
	}
	for _, p := range ports {
		if p.ID == excludeID {
			continue
		}
		for _, fip := range p.FixedIPs {
			if fip.IPAddress == ip {
				return p
			}
		}
	}
	return nil
}

// pairDiff returns the pairs of a not present in b, matching on address.
func pairDiff(a, b []api.AddressPair) []api.AddressPair {
	var out []api.AddressPair
	for _, pa := range a {
		found := false
		for _, pb := range b {
			if pa.IPAddress == pb.IPAddress {
				found = true
				break
			}
		}
		if !found {
			out = append(out, pa)
		}
	}
	return out
}

// fixedIPsChanged reports whether the fixed IP set of a port changed.
func fixedIPsChanged(old, p *api.Port) bool {
	if len(old.FixedIPs) != len(p.FixedIPs) {
		return true
	}
	for i := range old.FixedIPs {
		if old.FixedIPs[i] != p.FixedIPs[i] {
			return true
		}
	}
	return false
}
