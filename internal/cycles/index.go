package cycles

import (
	"fmt"
	"math"
	"sort"

	"github.com/devlongs/cycle-arb/pkg/types"
)

// Cycle is a closed sequence of 2 or 3 swaps in canonical orientation. The
// opposite orientation has aggregate rate -Rate.
type Cycle struct {
	ID   types.CycleID
	Legs []types.Leg
	Rate float64 // sum of leg log-rates, maintained incrementally
}

// Start is the token the canonical orientation starts and ends at
func (c *Cycle) Start() types.TokenID {
	return c.Legs[0].TokenIn
}

// Oriented returns the legs walked forward, or the reverse walk
func (c *Cycle) Oriented(reverse bool) []types.Leg {
	if reverse {
		return reversed(c.Legs)
	}
	return c.Legs
}

// RebuildStats summarises a full rebuild
type RebuildStats struct {
	Added    int
	Removed  int
	Kept     int
	MaxDrift float64 // largest correction applied to a kept cycle's aggregate
}

// Index holds every precomputed cycle, the pool -> cycles map and the set of
// cycles touched since the last drain. It is not safe for concurrent use;
// the engine graph serialises access.
type Index struct {
	maxLegs int
	nextID  types.CycleID

	cycles  map[types.CycleID]*Cycle
	byKey   map[cycleKey]types.CycleID
	byPool  map[types.PoolID]map[types.CycleID]struct{}
	touched map[types.CycleID]struct{}
}

// New creates an empty index enumerating cycles up to maxLegs long
func New(maxLegs int) *Index {
	return &Index{
		maxLegs: clampLegs(maxLegs),
		cycles:  make(map[types.CycleID]*Cycle),
		byKey:   make(map[cycleKey]types.CycleID),
		byPool:  make(map[types.PoolID]map[types.CycleID]struct{}),
		touched: make(map[types.CycleID]struct{}),
	}
}

func (ix *Index) insert(key cycleKey, legs []types.Leg, rate float64) types.CycleID {
	id := ix.nextID
	ix.nextID++

	ix.cycles[id] = &Cycle{ID: id, Legs: legs, Rate: rate}
	ix.byKey[key] = id
	for _, leg := range legs {
		set, ok := ix.byPool[leg.Pool]
		if !ok {
			set = make(map[types.CycleID]struct{})
			ix.byPool[leg.Pool] = set
		}
		set[id] = struct{}{}
	}
	return id
}

func (ix *Index) remove(id types.CycleID) {
	c, ok := ix.cycles[id]
	if !ok {
		return
	}
	for _, leg := range c.Legs {
		if set, ok := ix.byPool[leg.Pool]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(ix.byPool, leg.Pool)
			}
		}
	}
	delete(ix.byKey, keyOf(c.Legs))
	delete(ix.cycles, id)
	delete(ix.touched, id)
}

func aggregate(legs []types.Leg, rates Rates) (float64, error) {
	var sum float64
	for _, leg := range legs {
		r, ok := rates.Rate(leg.Pool, leg.Direction)
		if !ok {
			return 0, &types.DataIntegrityError{Pool: leg.Pool, Err: fmt.Errorf("no rate for pool")}
		}
		sum += r
	}
	return sum, nil
}

// Rebuild re-enumerates every cycle from the topology. Cycles that survive
// keep their IDs and have their aggregate recomputed from the current rates;
// cycles that no longer exist are dropped.
func (ix *Index) Rebuild(topo Topology, rates Rates) (RebuildStats, error) {
	found := newWalker(topo, rates, ix.maxLegs).all()

	var stats RebuildStats
	for key, id := range ix.byKey {
		if _, ok := found[key]; !ok {
			ix.remove(id)
			stats.Removed++
		}
	}

	for key, legs := range found {
		rate, err := aggregate(legs, rates)
		if err != nil {
			return stats, err
		}
		if id, ok := ix.byKey[key]; ok {
			c := ix.cycles[id]
			if drift := math.Abs(c.Rate - rate); drift > stats.MaxDrift {
				stats.MaxDrift = drift
			}
			c.Rate = rate
			stats.Kept++
			continue
		}
		id := ix.insert(key, legs, rate)
		ix.touched[id] = struct{}{}
		stats.Added++
	}
	return stats, nil
}

// AddPoolCycles indexes the cycles through a newly rated pool and marks them
// touched. It returns how many were added.
func (ix *Index) AddPoolCycles(pool types.PoolID, topo Topology, rates Rates) (int, error) {
	found := newWalker(topo, rates, ix.maxLegs).through(pool)

	added := 0
	for key, legs := range found {
		if _, ok := ix.byKey[key]; ok {
			continue
		}
		rate, err := aggregate(legs, rates)
		if err != nil {
			return added, err
		}
		id := ix.insert(key, legs, rate)
		ix.touched[id] = struct{}{}
		added++
	}
	return added, nil
}

// ApplyDelta adds a pool's rate change to every cycle through it and marks
// those cycles touched. Returns the number of cycles updated.
func (ix *Index) ApplyDelta(poolID types.PoolID, forward, reverse float64) int {
	set := ix.byPool[poolID]
	for id := range set {
		c := ix.cycles[id]
		for _, leg := range c.Legs {
			if leg.Pool != poolID {
				continue
			}
			if leg.Direction == types.Forward {
				c.Rate += forward
			} else {
				c.Rate += reverse
			}
		}
		ix.touched[id] = struct{}{}
	}
	return len(set)
}

// RemovePool drops every cycle that uses the pool, including its entries
// under the other pools of those cycles. Returns the number removed.
func (ix *Index) RemovePool(pool types.PoolID) int {
	set := ix.byPool[pool]
	ids := make([]types.CycleID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	for _, id := range ids {
		ix.remove(id)
	}
	return len(ids)
}

// DrainTouched returns the touched cycles in ID order and resets the set
func (ix *Index) DrainTouched() []types.CycleID {
	out := make([]types.CycleID, 0, len(ix.touched))
	for id := range ix.touched {
		out = append(out, id)
	}
	ix.touched = make(map[types.CycleID]struct{})

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TouchedLen returns the number of cycles waiting to be drained
func (ix *Index) TouchedLen() int {
	return len(ix.touched)
}

// Recompute sums a cycle's leg rates from scratch
func (ix *Index) Recompute(id types.CycleID, rates Rates) (float64, error) {
	c, ok := ix.cycles[id]
	if !ok {
		return 0, &types.DataIntegrityError{Cycle: id, Err: types.ErrNotFound}
	}
	return aggregate(c.Legs, rates)
}

// Cycle returns a cycle by ID. The returned legs must not be modified.
func (ix *Index) Cycle(id types.CycleID) (Cycle, bool) {
	c, ok := ix.cycles[id]
	if !ok {
		return Cycle{}, false
	}
	return *c, true
}

// CyclesOf returns the IDs of the cycles through a pool
func (ix *Index) CyclesOf(pool types.PoolID) []types.CycleID {
	set := ix.byPool[pool]
	out := make([]types.CycleID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IDs returns every cycle ID in order
func (ix *Index) IDs() []types.CycleID {
	out := make([]types.CycleID, 0, len(ix.cycles))
	for id := range ix.cycles {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of indexed cycles
func (ix *Index) Len() int {
	return len(ix.cycles)
}

// MaxLegs returns the configured cycle length bound
func (ix *Index) MaxLegs() int {
	return ix.maxLegs
}
