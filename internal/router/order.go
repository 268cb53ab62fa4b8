package router

import (
	"math/rand"
	"sort"

	"github.com/exoml/relay/internal/config"
)

// Order arranges providers for failover: ascending priority, with entries
// sharing a (priority, base URL) group shuffled so load spreads across
// credentials of the same upstream.
func Order(providers []*config.ProviderEntry, rng *rand.Rand) []*config.ProviderEntry {
	type groupKey struct {
		priority int
		baseURL  string
	}
	groups := map[groupKey][]*config.ProviderEntry{}
	var keys []groupKey
	for _, p := range providers {
		if p == nil {
			continue
		}
		key := groupKey{priority: p.EffectivePriority(), baseURL: p.BaseURL}
		if _, seen := groups[key]; !seen {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], p)
	}

	// Stable order across groups: priority first, then insertion order of the
	// base URLs within a priority.
	sort.SliceStable(keys, func(i, j int) bool { return keys[i].priority < keys[j].priority })

	out := make([]*config.ProviderEntry, 0, len(providers))
	for _, key := range keys {
		group := groups[key]
		rng.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
		out = append(out, group...)
	}
	return out
}
