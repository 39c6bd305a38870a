package reactor

import (
	"context"
	"net"

	"github.com/netplane/dvrkit/api"
	"github.com/netplane/dvrkit/manager/notifier"
	"github.com/netplane/dvrkit/manager/state/store"
)

// ArpAction selects between pushing and retracting ARP entries.
type ArpAction int

const (
	ArpAdd ArpAction = iota
	ArpDelete
)

// arpEntriesForPort builds the ARP rows a service port contributes: one per
// fixed IP, plus one per allowed address pair. A pair without its own MAC
// answers with the port's MAC.
func arpEntriesForPort(tx store.ReadTx, p *api.Port) []notifier.ArpEntry {
	entries := make([]notifier.ArpEntry, 0, len(p.FixedIPs)+len(p.AllowedPairs))
	for _, fip := range p.FixedIPs {
		entries = append(entries, notifier.ArpEntry{
			IPAddress:  fip.IPAddress,
			MACAddress: p.MACAddress,
			SubnetID:   fip.SubnetID,
		})
	}
	if len(p.FixedIPs) == 0 {
		// No subnet to attribute the pairs to.
		return entries
	}
	for _, pair := range p.AllowedPairs {
		mac := pair.MACAddress
		if mac == "" {
			mac = p.MACAddress
		}
		entries = append(entries, notifier.ArpEntry{
			IPAddress:  pair.IPAddress,
			MACAddress: mac,
			SubnetID:   pairSubnet(tx, p, pair.IPAddress),
		})
	}
	return entries
}

// pairSubnet attributes a paired address to the attached subnet whose CIDR
// contains it. Addresses outside every attached subnet fall back to the
// first fixed-IP subnet.
func pairSubnet(tx store.ReadTx, p *api.Port, ip string) string {
	if addr := net.ParseIP(ip); addr != nil {
		for _, fip := range p.FixedIPs {
			subnet := store.GetSubnet(tx, fip.SubnetID)
			if subnet == nil {
				continue
			}
			_, cidr, err := net.ParseCIDR(subnet.CIDR)
			if err != nil {
				continue
			}
			if cidr.Contains(addr) {
				return fip.SubnetID
			}
		}
	}
	return p.FixedIPs[0].SubnetID
}

// UpdateArpEntryForDVRServicePort pushes or retracts the port's ARP rows
// on the distributed router attached to each row's subnet. Subnets with no
// distributed router interface contribute nothing.
func (r *Reactor) UpdateArpEntryForDVRServicePort(ctx context.Context, p *api.Port, action ArpAction) {
	var entries []notifier.ArpEntry
	r.store.View(func(tx store.ReadTx) {
		entries = arpEntriesForPort(tx, p)
	})
	r.castArpEntries(ctx, entries, action)
}

// reactToAddressChanges diffs the ARP-relevant state of a port update and
// retracts entries that disappeared before pushing the ones that appeared.
func (r *Reactor) reactToAddressChanges(ctx context.Context, old, p *api.Port) {
	var oldEntries, newEntries []notifier.ArpEntry
	r.store.View(func(tx store.ReadTx) {
		oldEntries = arpEntriesForPort(tx, old)
		newEntries = arpEntriesForPort(tx, p)
	})

	r.castArpEntries(ctx, entryDiff(oldEntries, newEntries), ArpDelete)
	r.castArpEntries(ctx, entryDiff(newEntries, oldEntries), ArpAdd)
}

// castArpEntries resolves the owning distributed router of each entry's
// subnet and casts the entry to that router's hosts.
func (r *Reactor) castArpEntries(ctx context.Context, entries []notifier.ArpEntry, action ArpAction) {
	if len(entries) == 0 {
		return
	}

	type routedEntry struct {
		routerID string
		entry    notifier.ArpEntry
	}
	var routed []routedEntry

	r.store.View(func(tx store.ReadTx) {
		for _, entry := range entries {
			intf := r.resolver.DVRInterfaceOnSubnet(tx, entry.SubnetID)
			if intf == nil {
				continue
			}
			rp := store.GetRouterPort(tx, intf.ID)
			if rp == nil {
				continue
			}
			routed = append(routed, routedEntry{routerID: rp.RouterID, entry: entry})
		}
	})

	for _, re := range routed {
		switch action {
		case ArpAdd:
			r.notifier.AddArpEntry(ctx, re.routerID, re.entry)
		case ArpDelete:
			r.notifier.DelArpEntry(ctx, re.routerID, re.entry)
		}
	}
}

// entryDiff returns the entries of a that are not present in b.
func entryDiff(a, b []notifier.ArpEntry) []notifier.ArpEntry {
	var out []notifier.ArpEntry
	for _, ea := range a {
		found := false
		for _, eb := range b {
			if ea == eb {
				found = true
				break
			}
		}
		if !found {
			out = append(out, ea)
		}
	}
	return out
}
