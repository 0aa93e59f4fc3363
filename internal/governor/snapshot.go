package governor

import (
	"sort"
	"time"
)

// Snapshot is a point-in-time view of one domain's governance state, exposed
// on the ops surface.
type Snapshot struct {
	Domain    string        `json:"domain"`
	Tier      string        `json:"tier"`
	Breaker   string        `json:"breaker"`
	Delay     time.Duration `json:"delay_ns"`
	Exhausted bool          `json:"exhausted"`
}

// Snapshots returns the governance state of every known domain, sorted by
// domain name.
func (g *Governor) Snapshots() []Snapshot {
	g.mu.Lock()
	states := make([]*domainState, 0, len(g.domains))
	for _, ds := range g.domains {
		states = append(states, ds)
	}
	g.mu.Unlock()

	now := g.clock.Now()
	out := make([]Snapshot, 0, len(states))
	for _, ds := range states {
		ds.mu.Lock()
		out = append(out, Snapshot{
			Domain:    ds.domain,
			Tier:      ds.ladder.Tier().String(),
			Breaker:   ds.brk.State(now).String(),
			Delay:     ds.bucket.Delay(),
			Exhausted: ds.ladder.Exhausted(now),
		})
		ds.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}
