// Package notifier fans RPC notifications out to the per-host dataplane
// agents. Casts are fire-and-forget: delivery failure is logged and never
// rolls back the store transaction that triggered it; a missed notification
// is repaired by the next lifecycle event touching the same router/host.
package notifier

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/docker/go-metrics"
	"github.com/nats-io/nats.go"

	"github.com/netplane/dvrkit/log"
	"github.com/netplane/dvrkit/manager/state/store"
)

// Methods understood by the L3 agents.
const (
	MethodRoutersUpdated = "routers_updated"
	MethodRouterAdded    = "router_added_to_agent"
	MethodRouterRemoved  = "router_removed_from_agent"
	MethodAddArpEntry    = "add_arp_entry"
	MethodDelArpEntry    = "del_arp_entry"
)

var castsCounter metrics.LabeledCounter

func init() {
	ns := metrics.NewNamespace("dvrkit", "notifier", nil)
	castsCounter = ns.NewLabeledCounter("casts", "The number of agent casts sent", "method")
	metrics.Register(ns)
}

// HostSubject is the targeted-cast subject for one host's L3 agent.
func HostSubject(host, method string) string {
	return "l3agent.host." + host + "." + method
}

// FanoutSubject is the topic-addressed subject all L3 agents subscribe to.
func FanoutSubject(method string) string {
	return "l3agent.fanout." + method
}

// Caster is the messaging transport consumed by the dispatcher: an
// at-most-once cast with no acknowledgement and no cross-call ordering.
type Caster interface {
	Cast(subject string, payload interface{}) error
}

// NATSCaster casts JSON payloads over a NATS connection.
type NATSCaster struct {
	conn *nats.Conn
}

// NewNATSCaster wraps an established NATS connection.
func NewNATSCaster(conn *nats.Conn) *NATSCaster {
	return &NATSCaster{conn: conn}
}

// Cast publishes the payload and returns without waiting for delivery.
func (c *NATSCaster) Cast(subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.conn.Publish(subject, data)
}

// ArpEntry is one ARP table row pushed to the agents hosting a router.
type ArpEntry struct {
	IPAddress  string `json:"ip_address"`
	MACAddress string `json:"mac_address"`
	SubnetID   string `json:"subnet_id"`
}

// RoutersPayload carries router IDs for update casts.
type RoutersPayload struct {
	RouterIDs []string `json:"router_ids"`
}

// RouterHostPayload carries a single router/host pair.
type RouterHostPayload struct {
	RouterID string `json:"router_id"`
	Host     string `json:"host"`
}

// ArpPayload carries one ARP entry for a router.
type ArpPayload struct {
	RouterID string   `json:"router_id"`
	Entry    ArpEntry `json:"entry"`
}

// Dispatcher resolves notification targets and casts to them.
type Dispatcher struct {
	store  *store.MemoryStore
	caster Caster
}

// New creates a dispatcher casting through the given transport.
func New(s *store.MemoryStore, caster Caster) *Dispatcher {
	return &Dispatcher{store: s, caster: caster}
}

// RoutersUpdatedOnHost casts a routers_updated notification to exactly one
// host's agent. Router IDs are deduplicated; an empty set is a no-op.
func (d *Dispatcher) RoutersUpdatedOnHost(ctx context.Context, routerIDs []string, host string) {
	ids := dedup(routerIDs)
	if len(ids) == 0 || host == "" {
		return
	}
	d.cast(ctx, HostSubject(host, MethodRoutersUpdated), MethodRoutersUpdated,
		RoutersPayload{RouterIDs: ids})
}

// RoutersUpdated notifies the agents statically bound to the given routers.
// Hosts are resolved through the router-agent bindings, not the membership
// resolver; routers with no binding fall back to the fanout topic.
func (d *Dispatcher) RoutersUpdated(ctx context.Context, routerIDs []string) {
	ids := dedup(routerIDs)
	if len(ids) == 0 {
		return
	}

	perHost := make(map[string][]string)
	var unbound []string
	d.store.View(func(tx store.ReadTx) {
		for _, routerID := range ids {
			hosts := agentHostsForRouter(tx, routerID)
			if len(hosts) == 0 {
				unbound = append(unbound, routerID)
				continue
			}
			for _, host := range hosts {
				perHost[host] = append(perHost[host], routerID)
			}
		}
	})

	for _, host := range sortedHosts(perHost) {
		d.cast(ctx, HostSubject(host, MethodRoutersUpdated), MethodRoutersUpdated,
			RoutersPayload{RouterIDs: dedup(perHost[host])})
	}
	if len(unbound) > 0 {
		d.cast(ctx, FanoutSubject(MethodRoutersUpdated), MethodRoutersUpdated,
			RoutersPayload{RouterIDs: dedup(unbound)})
	}
}

// RouterAddedToAgent casts a targeted router_added_to_agent notification.
func (d *Dispatcher) RouterAddedToAgent(ctx context.Context, routerID, host string) {
	if host == "" {
		return
	}
	d.cast(ctx, HostSubject(host, MethodRouterAdded), MethodRouterAdded,
		RouterHostPayload{RouterID: routerID, Host: host})
}

// RouterRemovedFromAgent casts a targeted router_removed_from_agent
// notification.
func (d *Dispatcher) RouterRemovedFromAgent(ctx context.Context, routerID, host string) {
	if host == "" {
		return
	}
	d.cast(ctx, HostSubject(host, MethodRouterRemoved), MethodRouterRemoved,
		RouterHostPayload{RouterID: routerID, Host: host})
}

// AddArpEntry pushes an ARP table row to every agent currently hosting the
// router. Hosts are resolved at call time, never cached.
func (d *Dispatcher) AddArpEntry(ctx context.Context, routerID string, entry ArpEntry) {
	d.castArp(ctx, MethodAddArpEntry, routerID, entry)
}

// DelArpEntry removes an ARP table row from every agent currently hosting
// the router.
func (d *Dispatcher) DelArpEntry(ctx context.Context, routerID string, entry ArpEntry) {
	d.castArp(ctx, MethodDelArpEntry, routerID, entry)
}

func (d *Dispatcher) castArp(ctx context.Context, method, routerID string, entry ArpEntry) {
	var hosts []string
	d.store.View(func(tx store.ReadTx) {
		hosts = routerHosts(tx, routerID)
	})
	for _, host := range hosts {
		d.cast(ctx, HostSubject(host, method), method,
			ArpPayload{RouterID: routerID, Entry: entry})
	}
}

func (d *Dispatcher) cast(ctx context.Context, subject, method string, payload interface{}) {
	if err := d.caster.Cast(subject, payload); err != nil {
		log.G(ctx).WithError(err).WithField("subject", subject).
			Warn("agent cast failed, state already committed")
		return
	}
	castsCounter.WithValues(method).Inc()
}

// agentHostsForRouter resolves the hosts of the L3 agents statically bound
// to a router.
func agentHostsForRouter(tx store.ReadTx, routerID string) []string {
	bindings, err := store.FindAgentBindings(tx, store.ByRouterID(routerID))
	if err != nil {
		return nil
	}
	set := make(map[string]struct{})
	for _, b := range bindings {
		if agent := store.GetAgent(tx, b.AgentID); agent != nil {
			set[agent.Host] = struct{}{}
		}
	}
	return setToSorted(set)
}

// routerHosts resolves every host currently hosting the router: its
// statically bound agents plus the hosts holding a distributed binding for
// it.
func routerHosts(tx store.ReadTx, routerID string) []string {
	set := make(map[string]struct{})
	for _, host := range agentHostsForRouter(tx, routerID) {
		set[host] = struct{}{}
	}
	bindings, err := store.FindDistributedBindings(tx, store.ByRouterID(routerID))
	if err == nil {
		for _, b := range bindings {
			set[b.Host] = struct{}{}
		}
	}
	return setToSorted(set)
}

func dedup(ids []string) []string {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return setToSorted(set)
}

func sortedHosts(m map[string][]string) []string {
	hosts := make([]string, 0, len(m))
	for host := range m {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

func setToSorted(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
