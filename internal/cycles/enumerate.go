package cycles

import (
	"github.com/devlongs/cycle-arb/pkg/types"
)

// MaxLegs is the longest cycle the index supports
const MaxLegs = 3

// Topology is the pool graph the index enumerates over
type Topology interface {
	Pools() []types.Pool
	Pool(id types.PoolID) (types.Pool, bool)
	PoolsOfToken(token types.TokenID) []types.PoolID
}

// Rates supplies the directed log-rate of a pool
type Rates interface {
	Rate(id types.PoolID, dir types.Direction) (float64, bool)
}

type cycleKey struct {
	n     uint8
	swaps [MaxLegs]types.Swap
}

func less(a, b types.Swap) bool {
	if a.Pool != b.Pool {
		return a.Pool < b.Pool
	}
	return a.Direction < b.Direction
}

func keyLess(a, b cycleKey) bool {
	for i := 0; i < int(a.n); i++ {
		if a.swaps[i] != b.swaps[i] {
			return less(a.swaps[i], b.swaps[i])
		}
	}
	return false
}

func keyOf(legs []types.Leg) cycleKey {
	k := cycleKey{n: uint8(len(legs))}
	for i, leg := range legs {
		k.swaps[i] = types.Swap{Pool: leg.Pool, Direction: leg.Direction}
	}
	return k
}

// reversed walks the cycle the other way round
func reversed(legs []types.Leg) []types.Leg {
	out := make([]types.Leg, len(legs))
	for i, leg := range legs {
		out[len(legs)-1-i] = types.Leg{
			Pool:      leg.Pool,
			Direction: leg.Direction.Opposite(),
			TokenIn:   leg.TokenOut,
			TokenOut:  leg.TokenIn,
		}
	}
	return out
}

func rotated(legs []types.Leg, by int) []types.Leg {
	out := make([]types.Leg, 0, len(legs))
	out = append(out, legs[by:]...)
	return append(out, legs[:by]...)
}

// canonical picks the rotation, in either orientation, whose swap sequence
// is lexicographically smallest. Two leg sequences describe the same cycle
// exactly when their canonical keys are equal.
func canonical(legs []types.Leg) (cycleKey, []types.Leg) {
	var (
		bestKey  cycleKey
		bestLegs []types.Leg
	)
	for _, orient := range [][]types.Leg{legs, reversed(legs)} {
		for i := range orient {
			cand := rotated(orient, i)
			k := keyOf(cand)
			if bestLegs == nil || keyLess(k, bestKey) {
				bestKey, bestLegs = k, cand
			}
		}
	}
	return bestKey, bestLegs
}

func other(pool types.Pool, token types.TokenID) (types.TokenID, types.Direction) {
	if pool.Token0 == token {
		return pool.Token1, types.Forward
	}
	return pool.Token0, types.Reverse
}

type walker struct {
	topo    Topology
	rates   Rates
	maxLegs int
	found   map[cycleKey][]types.Leg

	start   types.TokenID
	path    []types.Leg
	usedP   map[types.PoolID]bool
	visited map[types.TokenID]bool
}

func newWalker(topo Topology, rates Rates, maxLegs int) *walker {
	return &walker{
		topo:    topo,
		rates:   rates,
		maxLegs: maxLegs,
		found:   make(map[cycleKey][]types.Leg),
		usedP:   make(map[types.PoolID]bool),
		visited: make(map[types.TokenID]bool),
	}
}

func (w *walker) usable(id types.PoolID) (types.Pool, bool) {
	if w.usedP[id] {
		return types.Pool{}, false
	}
	pool, ok := w.topo.Pool(id)
	if !ok {
		return types.Pool{}, false
	}
	if _, ok := w.rates.Rate(id, types.Forward); !ok {
		return types.Pool{}, false
	}
	return pool, true
}

func (w *walker) push(leg types.Leg) {
	w.path = append(w.path, leg)
	w.usedP[leg.Pool] = true
	w.visited[leg.TokenOut] = true
}

func (w *walker) pop() {
	leg := w.path[len(w.path)-1]
	w.path = w.path[:len(w.path)-1]
	delete(w.usedP, leg.Pool)
	delete(w.visited, leg.TokenOut)
}

// extend grows the current path from token until it closes at start
func (w *walker) extend(token types.TokenID) {
	for _, id := range w.topo.PoolsOfToken(token) {
		pool, ok := w.usable(id)
		if !ok {
			continue
		}
		next, dir := other(pool, token)
		leg := types.Leg{Pool: id, Direction: dir, TokenIn: token, TokenOut: next}

		if next == w.start {
			if len(w.path)+1 >= 2 {
				w.path = append(w.path, leg)
				k, legs := canonical(w.path)
				if _, dup := w.found[k]; !dup {
					w.found[k] = legs
				}
				w.path = w.path[:len(w.path)-1]
			}
			continue
		}
		if w.visited[next] || len(w.path)+1 >= w.maxLegs {
			continue
		}
		w.push(leg)
		w.extend(next)
		w.pop()
	}
}

// all enumerates every cycle in the graph
func (w *walker) all() map[cycleKey][]types.Leg {
	seen := make(map[types.TokenID]bool)
	for _, pool := range w.topo.Pools() {
		for _, token := range []types.TokenID{pool.Token0, pool.Token1} {
			if seen[token] {
				continue
			}
			seen[token] = true
			w.start = token
			w.visited = map[types.TokenID]bool{token: true}
			w.extend(token)
		}
	}
	return w.found
}

// through enumerates only the cycles containing pool
func (w *walker) through(id types.PoolID) map[cycleKey][]types.Leg {
	pool, ok := w.usable(id)
	if !ok {
		return w.found
	}
	w.start = pool.Token0
	w.visited = map[types.TokenID]bool{pool.Token0: true}
	w.push(types.Leg{Pool: id, Direction: types.Forward, TokenIn: pool.Token0, TokenOut: pool.Token1})
	w.extend(pool.Token1)
	w.pop()
	return w.found
}

// Enumerate returns every 2..maxLegs cycle of the graph in canonical form
func Enumerate(topo Topology, rates Rates, maxLegs int) [][]types.Leg {
	found := newWalker(topo, rates, clampLegs(maxLegs)).all()
	out := make([][]types.Leg, 0, len(found))
	for _, legs := range found {
		out = append(out, legs)
	}
	return out
}

func clampLegs(n int) int {
	if n > MaxLegs {
		return MaxLegs
	}
	if n < 2 {
		return 2
	}
	return n
}
