package engine

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/devlongs/cycle-arb/internal/cycles"
	"github.com/devlongs/cycle-arb/internal/metrics"
	"github.com/devlongs/cycle-arb/internal/poolstore"
	"github.com/devlongs/cycle-arb/internal/rategraph"
	"github.com/devlongs/cycle-arb/internal/store"
	"github.com/devlongs/cycle-arb/pkg/types"
)

// Reasons a pool is flagged
const (
	flagNumeric   = "numeric"
	flagIntegrity = "integrity"
)

// Valuer prices tokens in a common reference unit
type Valuer interface {
	Prices(pools *poolstore.Store) poolstore.Prices
}

// View is the read surface of the graph handed out under its lock
type View struct {
	Pools  *poolstore.Store
	Rates  *rategraph.Graph
	Cycles *cycles.Index
}

// Graph is the single shared structure holding pools, rates and cycles.
// Ingestion and maintenance take the write lock per step; the scanner holds
// the read lock for a whole pass so it never sees half an update.
type Graph struct {
	mu     sync.RWMutex
	pools  *poolstore.Store
	rates  *rategraph.Graph
	cycles *cycles.Index

	metrics *metrics.Metrics

	pendingMu sync.Mutex
	pending   map[common.Address]types.Marker

	ckptMu sync.Mutex
	ckpt   map[types.PoolID]types.Marker // last persisted marker per pool

	latest atomic.Uint64
	synced atomic.Bool
}

// NewGraph creates an empty graph
func NewGraph(maxLegs int, liquidityFloor float64, m *metrics.Metrics) *Graph {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Graph{
		pools:   poolstore.New(liquidityFloor),
		rates:   rategraph.New(),
		cycles:  cycles.New(maxLegs),
		metrics: m,
		pending: make(map[common.Address]types.Marker),
		ckpt:    make(map[types.PoolID]types.Marker),
	}
}

// Read runs fn under the read lock
func (g *Graph) Read(fn func(v View)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	fn(View{Pools: g.pools, Rates: g.rates, Cycles: g.cycles})
}

// Pools exposes the pool store. Its reads are safe without the graph lock.
func (g *Graph) Pools() *poolstore.Store {
	return g.pools
}

// Load bulk-imports persisted pools and builds the cycle index
func (g *Graph) Load(records []store.PoolRecord) (cycles.RebuildStats, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, rec := range records {
		pool, err := g.registerLocked(rec.Address, rec.Token0, rec.Token1, rec.Factory)
		if err != nil {
			log.Warn().Err(err).Str("pool", rec.Address.Hex()).Msg("Skipping persisted pool")
			continue
		}
		g.setReservesLocked(pool, rec.Reserve0, rec.Reserve1, types.Marker{Block: rec.UpdatedBlock})
		g.markPersisted(pool.ID, types.Marker{Block: rec.UpdatedBlock})
		if rec.UpdatedBlock > g.latest.Load() {
			g.latest.Store(rec.UpdatedBlock)
		}
	}

	stats, err := g.cycles.Rebuild(g.pools, g.rates)
	g.cycles.DrainTouched()
	g.updateGaugesLocked()
	return stats, err
}

func (g *Graph) registerLocked(addr common.Address, t0, t1 store.TokenRecord, factory common.Address) (types.Pool, error) {
	token0 := g.pools.AddToken(t0.Address, t0.Symbol, t0.Decimals)
	token1 := g.pools.AddToken(t1.Address, t1.Symbol, t1.Decimals)
	return g.pools.AddPool(addr, token0, token1, factory)
}

// setReservesLocked publishes reserves without delta bookkeeping. Invalid
// reserves leave the pool without a rate, so it joins no cycle.
func (g *Graph) setReservesLocked(pool types.Pool, reserve0, reserve1 *big.Int, marker types.Marker) {
	if reserve0 == nil || reserve1 == nil {
		return
	}
	if err := g.pools.SetState(pool.ID, reserve0, reserve1, marker); err != nil {
		log.Warn().Err(err).Str("pool", pool.Address.Hex()).Msg("Failed to publish reserves")
		return
	}
	rate, err := rategraph.LogRate(pool, reserve0, reserve1)
	if err != nil {
		g.rates.Remove(pool.ID)
		return
	}
	g.rates.Set(pool.ID, rate)
}

// ApplySync applies one reserve-change notification. Unknown pools are
// queued for initialisation, stale markers are ignored, and non-positive
// reserves flag the pool without touching its rate.
func (g *Graph) ApplySync(ev *types.ChainEvent) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ev.Marker.Block > g.latest.Load() {
		g.latest.Store(ev.Marker.Block)
		g.metrics.LastBlock.Set(float64(ev.Marker.Block))
	}

	id, ok := g.pools.Lookup(ev.Pool)
	if !ok {
		g.queuePending(ev.Pool, ev.Marker)
		return fmt.Errorf("%w: %s", types.ErrNotFound, ev.Pool.Hex())
	}
	pool, _ := g.pools.Pool(id)

	if st := g.pools.State(id); st != nil && !st.Marker.Before(ev.Marker) {
		log.Debug().Str("pool", ev.Pool.Hex()).Str("marker", ev.Marker.String()).Msg("Ignoring stale sync")
		return nil
	}

	rate, err := rategraph.LogRate(pool, ev.Reserve0, ev.Reserve1)
	if err != nil {
		g.pools.Flag(id, flagNumeric)
		return err
	}

	if _, _, err := g.pools.ApplySync(ev.Pool, ev.Reserve0, ev.Reserve1, ev.Marker); err != nil {
		if errors.Is(err, poolstore.ErrStaleUpdate) {
			log.Debug().Str("pool", ev.Pool.Hex()).Str("marker", ev.Marker.String()).Msg("Ignoring stale sync")
			return nil
		}
		return err
	}

	g.applyRateLocked(id, rate)
	g.recoverLocked(pool)
	g.metrics.EventsApplied.Inc()
	return nil
}

// recoverLocked lifts a numeric flag once the pool reports valid reserves
// again, so the pruner and scanner take it back
func (g *Graph) recoverLocked(pool types.Pool) {
	if g.pools.ClearFlag(pool.ID, flagNumeric) {
		log.Info().Str("pool", pool.Address.Hex()).Msg("Pool reserves valid again, flag cleared")
	}
}

// applyRateLocked stores the new rate and propagates it to the cycles. A
// pool's first rate pulls its cycles into the index.
func (g *Graph) applyRateLocked(id types.PoolID, rate float64) {
	if !g.rates.Has(id) {
		g.rates.Set(id, rate)
		if _, err := g.cycles.AddPoolCycles(id, g.pools, g.rates); err != nil {
			g.pools.Flag(id, flagIntegrity)
			g.metrics.ErrorsTotal.WithLabelValues(types.ErrorType(err)).Inc()
		}
		g.metrics.Cycles.Set(float64(g.cycles.Len()))
		g.metrics.TouchedPending.Set(float64(g.cycles.TouchedLen()))
		return
	}
	delta := g.rates.Set(id, rate)
	n := g.cycles.ApplyDelta(delta.Pool, delta.Forward, delta.Reverse)
	g.metrics.CyclesTouched.Add(float64(n))
	g.metrics.TouchedPending.Set(float64(g.cycles.TouchedLen()))
}

// ResetReserves overwrites a pool's reserves regardless of marker order.
// Used after reorgs and full resyncs.
func (g *Graph) ResetReserves(addr common.Address, reserve0, reserve1 *big.Int, marker types.Marker) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if marker.Block > g.latest.Load() {
		g.latest.Store(marker.Block)
		g.metrics.LastBlock.Set(float64(marker.Block))
	}

	id, ok := g.pools.Lookup(addr)
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNotFound, addr.Hex())
	}
	pool, _ := g.pools.Pool(id)

	rate, err := rategraph.LogRate(pool, reserve0, reserve1)
	if err != nil {
		g.pools.Flag(id, flagNumeric)
		return err
	}
	if err := g.pools.SetState(id, reserve0, reserve1, marker); err != nil {
		return err
	}
	g.applyRateLocked(id, rate)
	g.recoverLocked(pool)
	return nil
}

// AddPool registers a newly initialised pool and indexes its cycles
func (g *Graph) AddPool(rec store.PoolRecord) (types.Pool, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pool, err := g.registerLocked(rec.Address, rec.Token0, rec.Token1, rec.Factory)
	if err != nil {
		return types.Pool{}, 0, err
	}
	g.setReservesLocked(pool, rec.Reserve0, rec.Reserve1, types.Marker{Block: rec.UpdatedBlock})
	g.markPersisted(pool.ID, types.Marker{Block: rec.UpdatedBlock})

	added := 0
	if g.rates.Has(pool.ID) {
		added, err = g.cycles.AddPoolCycles(pool.ID, g.pools, g.rates)
	}
	g.updateGaugesLocked()
	return pool, added, err
}

// RemovePools cascades removal through cycles, rates and pools. It returns
// the number of cycles removed.
func (g *Graph) RemovePools(ids []types.PoolID) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for _, id := range ids {
		removed += g.cycles.RemovePool(id)
		g.rates.Remove(id)
		if err := g.pools.RemovePool(id); err != nil {
			log.Warn().Err(err).Uint32("pool", uint32(id)).Msg("Pool already removed")
		}
		g.ckptMu.Lock()
		delete(g.ckpt, id)
		g.ckptMu.Unlock()
	}
	g.updateGaugesLocked()
	return removed
}

// Rebuild re-enumerates cycles and recomputes every aggregate from scratch
func (g *Graph) Rebuild() (cycles.RebuildStats, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	stats, err := g.cycles.Rebuild(g.pools, g.rates)
	g.metrics.RateDrift.Set(stats.MaxDrift)
	g.updateGaugesLocked()
	return stats, err
}

// Revalue recomputes reference prices and reclassifies every pool against
// them. It returns the number of priced tokens and of pools that changed
// class.
func (g *Graph) Revalue(v Valuer) (priced, changed int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	prices := v.Prices(g.pools)
	g.pools.SetPrices(prices)
	changed = g.pools.Reclassify()
	g.metrics.PricedTokens.Set(float64(len(prices)))
	return len(prices), changed
}

// DrainTouched hands the touched cycles to the caller
func (g *Graph) DrainTouched() []types.CycleID {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.metrics.TouchedPending.Set(0)
	return g.cycles.DrainTouched()
}

// MaxLegs returns the effective cycle length bound
func (g *Graph) MaxLegs() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cycles.MaxLegs()
}

func (g *Graph) updateGaugesLocked() {
	g.metrics.Pools.Set(float64(g.pools.Len()))
	g.metrics.Cycles.Set(float64(g.cycles.Len()))
}

func (g *Graph) queuePending(addr common.Address, marker types.Marker) {
	g.pendingMu.Lock()
	defer g.pendingMu.Unlock()
	if _, ok := g.pending[addr]; !ok {
		g.pending[addr] = marker
		g.metrics.PendingPools.Set(float64(len(g.pending)))
	}
}

// QueuePending records an unknown pool for the initialiser
func (g *Graph) QueuePending(addr common.Address, marker types.Marker) {
	if _, ok := g.pools.Lookup(addr); ok {
		return
	}
	g.queuePending(addr, marker)
}

// TakePending returns and clears the queued unknown pools
func (g *Graph) TakePending() map[common.Address]types.Marker {
	g.pendingMu.Lock()
	defer g.pendingMu.Unlock()
	out := g.pending
	g.pending = make(map[common.Address]types.Marker)
	g.metrics.PendingPools.Set(0)
	return out
}

func (g *Graph) markPersisted(id types.PoolID, marker types.Marker) {
	g.ckptMu.Lock()
	g.ckpt[id] = marker
	g.ckptMu.Unlock()
}

// Checkpoint returns the reserves of every pool whose state moved since it
// was last persisted, and a commit func to call once they are written
func (g *Graph) Checkpoint() ([]store.ReserveUpdate, func()) {
	snap := g.pools.Snapshot()

	g.ckptMu.Lock()
	var (
		out     []store.ReserveUpdate
		markers = make(map[types.PoolID]types.Marker)
	)
	for _, s := range snap {
		if s.State == nil {
			continue
		}
		if last, ok := g.ckpt[s.Pool.ID]; ok && last == s.State.Marker {
			continue
		}
		out = append(out, store.ReserveUpdate{
			Address:  s.Pool.Address,
			Reserve0: s.State.Reserve0,
			Reserve1: s.State.Reserve1,
			Block:    s.State.Marker.Block,
		})
		markers[s.Pool.ID] = s.State.Marker
	}
	g.ckptMu.Unlock()

	commit := func() {
		g.ckptMu.Lock()
		defer g.ckptMu.Unlock()
		for id, m := range markers {
			// a pool pruned in the meantime stays forgotten
			if _, live := g.pools.Pool(id); live {
				g.ckpt[id] = m
			}
		}
	}
	return out, commit
}

// LatestBlock returns the newest block seen by ingestion
func (g *Graph) LatestBlock() uint64 {
	return g.latest.Load()
}

// SetSynced marks whether the graph reflects the chain head
func (g *Graph) SetSynced(synced bool) {
	g.synced.Store(synced)
}

// Synced reports whether the graph reflects the chain head
func (g *Graph) Synced() bool {
	return g.synced.Load()
}

// Health is the metrics server's health probe
func (g *Graph) Health() (bool, uint64) {
	return g.Synced(), g.LatestBlock()
}

// Stats returns the pool and cycle counts
func (g *Graph) Stats() (pools, cycleCount int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.pools.Len(), g.cycles.Len()
}
