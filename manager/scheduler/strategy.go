package scheduler

import (
	"math/rand"
	"sort"

	"github.com/netplane/dvrkit/api"
	"github.com/netplane/dvrkit/manager/state/store"
)

// Strategy picks up to n agents out of the eligible candidates. The binding
// manager filters candidates for mode compatibility and liveness before the
// strategy sees them.
type Strategy interface {
	Name() string
	Select(tx store.ReadTx, candidates []*api.Agent, n int) []*api.Agent
}

// ChanceStrategy picks agents uniformly at random.
type ChanceStrategy struct{}

// Name returns the strategy name used in configuration.
func (ChanceStrategy) Name() string { return "chance" }

// Select picks n random candidates.
func (ChanceStrategy) Select(tx store.ReadTx, candidates []*api.Agent, n int) []*api.Agent {
	if n >= len(candidates) {
		return candidates
	}
	shuffled := append([]*api.Agent(nil), candidates...)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:n]
}

// LeastRoutersStrategy picks the agents hosting the fewest routers, so load
// evens out over time.
type LeastRoutersStrategy struct{}

// Name returns the strategy name used in configuration.
func (LeastRoutersStrategy) Name() string { return "least_routers" }

// Select picks the n least-loaded candidates, breaking ties by agent ID for
// determinism.
func (LeastRoutersStrategy) Select(tx store.ReadTx, candidates []*api.Agent, n int) []*api.Agent {
	sorted := append([]*api.Agent(nil), candidates...)
	load := make(map[string]int, len(sorted))
	for _, a := range sorted {
		load[a.ID] = bindingCount(tx, a.ID)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if load[sorted[i].ID] != load[sorted[j].ID] {
			return load[sorted[i].ID] < load[sorted[j].ID]
		}
		return sorted[i].ID < sorted[j].ID
	})
	if n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}

// AZSpreadStrategy spreads a router's agents across availability zones,
// picking the least-loaded agent of each zone in turn.
type AZSpreadStrategy struct{}

// Name returns the strategy name used in configuration.
func (AZSpreadStrategy) Name() string { return "az_spread" }

// Select round-robins over availability zones in sorted order, choosing the
// least-loaded remaining agent in each zone.
func (AZSpreadStrategy) Select(tx store.ReadTx, candidates []*api.Agent, n int) []*api.Agent {
	byZone := make(map[string][]*api.Agent)
	for _, a := range candidates {
		byZone[a.AvailabilityZone] = append(byZone[a.AvailabilityZone], a)
	}
	zones := make([]string, 0, len(byZone))
	for zone := range byZone {
		zones = append(zones, zone)
	}
	sort.Strings(zones)

	least := LeastRoutersStrategy{}
	for zone, agents := range byZone {
		byZone[zone] = least.Select(tx, agents, len(agents))
	}

	var picked []*api.Agent
	for len(picked) < n {
		progressed := false
		for _, zone := range zones {
			if len(picked) == n {
				break
			}
			agents := byZone[zone]
			if len(agents) == 0 {
				continue
			}
			picked = append(picked, agents[0])
			byZone[zone] = agents[1:]
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return picked
}

func bindingCount(tx store.ReadTx, agentID string) int {
	bindings, err := store.FindAgentBindings(tx, store.ByAgentID(agentID))
	if err != nil {
		return 0
	}
	return len(bindings)
}

// StrategyByName returns the named strategy, defaulting to least_routers.
func StrategyByName(name string) Strategy {
	switch name {
	case "chance":
		return ChanceStrategy{}
	case "az_spread":
		return AZSpreadStrategy{}
	default:
		return LeastRoutersStrategy{}
	}
}
