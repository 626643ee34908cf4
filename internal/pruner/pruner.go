package pruner

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/devlongs/cycle-arb/internal/config"
	"github.com/devlongs/cycle-arb/internal/engine"
	"github.com/devlongs/cycle-arb/internal/metrics"
	"github.com/devlongs/cycle-arb/pkg/types"
)

// Reasons a pool is pruned
const (
	ReasonFlagged   = "flagged"
	ReasonIlliquid  = "illiquid"
	ReasonInactive  = "inactive"
	ReasonNoReserve = "no_reserves"
)

// Pruner removes flagged, illiquid and inactive pools together with every
// cycle through them
type Pruner struct {
	graph   *engine.Graph
	cfg     config.PruneConfig
	metrics *metrics.Metrics
}

// New creates a pruner
func New(graph *engine.Graph, cfg config.PruneConfig, m *metrics.Metrics) *Pruner {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Pruner{graph: graph, cfg: cfg, metrics: m}
}

// Candidates returns the pools eligible for removal and why
func (p *Pruner) Candidates() map[types.PoolID]string {
	pools := p.graph.Pools()
	out := make(map[types.PoolID]string)

	for id, reason := range pools.Flagged() {
		out[id] = ReasonFlagged + ":" + reason
	}

	latest := p.graph.LatestBlock()
	for _, snap := range pools.Snapshot() {
		id := snap.Pool.ID
		if _, ok := out[id]; ok {
			continue
		}
		st := snap.State
		switch {
		case st == nil:
			out[id] = ReasonNoReserve
		case st.Class == types.Illiquid:
			out[id] = ReasonIlliquid
		case p.cfg.InactiveBlocks > 0 && latest > st.Marker.Block && latest-st.Marker.Block > p.cfg.InactiveBlocks:
			out[id] = ReasonInactive
		}
	}
	return out
}

// Prune removes every candidate and returns how many pools went
func (p *Pruner) Prune(ctx context.Context) (int, error) {
	candidates := p.Candidates()
	if len(candidates) == 0 {
		return 0, ctx.Err()
	}

	ids := make([]types.PoolID, 0, len(candidates))
	counts := make(map[string]int)
	for id, reason := range candidates {
		ids = append(ids, id)
		counts[reason]++
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	removedCycles := p.graph.RemovePools(ids)
	p.metrics.PoolsPruned.Add(float64(len(ids)))

	event := log.Info().
		Int("pools", len(ids)).
		Int("cycles", removedCycles)
	for reason, n := range counts {
		event = event.Int(reason, n)
	}
	event.Msg("Pruned pools")

	return len(ids), ctx.Err()
}
