package rategraph

import (
	"math"
	"math/big"

	"github.com/devlongs/cycle-arb/pkg/types"
)

// Delta is the paired change of one pool's two directed rates. Reverse is
// always -Forward.
type Delta struct {
	Pool    types.PoolID
	Forward float64
	Reverse float64
}

// Graph holds the live log-domain exchange rate of every pool. Only the
// forward rate ln(reserve1/reserve0) is stored; the reverse rate is derived,
// so the two can never disagree.
type Graph struct {
	rates []float64
	set   []bool
	n     int
}

// New creates an empty rate graph
func New() *Graph {
	return &Graph{}
}

// LogRate returns ln(reserve1/reserve0) for a pool
func LogRate(pool types.Pool, reserve0, reserve1 *big.Int) (float64, error) {
	if reserve0 == nil || reserve1 == nil || reserve0.Sign() <= 0 || reserve1.Sign() <= 0 {
		return 0, &types.NumericError{Pool: pool.Address, Reserve0: reserve0, Reserve1: reserve1}
	}
	rate := bigLog(reserve1) - bigLog(reserve0)
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return 0, &types.NumericError{Pool: pool.Address, Reserve0: reserve0, Reserve1: reserve1}
	}
	return rate, nil
}

// bigLog is ln(x) for positive integers of any size
func bigLog(x *big.Int) float64 {
	f, _ := new(big.Float).SetInt(x).Float64()
	if !math.IsInf(f, 0) {
		return math.Log(f)
	}
	// Beyond float64 range: ln(x) = ln(mantissa) + exp*ln(2)
	mant := new(big.Float)
	exp := new(big.Float).SetInt(x).MantExp(mant)
	m, _ := mant.Float64()
	return math.Log(m) + float64(exp)*math.Ln2
}

func (g *Graph) grow(id types.PoolID) {
	for int(id) >= len(g.rates) {
		g.rates = append(g.rates, 0)
		g.set = append(g.set, false)
	}
}

// Update derives the pool's new rate from its reserves and returns the change
// relative to the previous rate. Invalid reserves leave the rate untouched.
func (g *Graph) Update(pool types.Pool, reserve0, reserve1 *big.Int) (Delta, error) {
	rate, err := LogRate(pool, reserve0, reserve1)
	if err != nil {
		return Delta{}, err
	}
	return g.Set(pool.ID, rate), nil
}

// Set stores a forward rate directly and returns the change
func (g *Graph) Set(id types.PoolID, rate float64) Delta {
	g.grow(id)
	old := g.rates[id]
	if !g.set[id] {
		g.set[id] = true
		g.n++
	}
	g.rates[id] = rate

	diff := rate - old
	return Delta{Pool: id, Forward: diff, Reverse: -diff}
}

// Rate returns the log-rate of trading the pool in the given direction
func (g *Graph) Rate(id types.PoolID, dir types.Direction) (float64, bool) {
	if int(id) >= len(g.rates) || !g.set[id] {
		return 0, false
	}
	return dir.Sign() * g.rates[id], true
}

// Has reports whether the pool has a rate
func (g *Graph) Has(id types.PoolID) bool {
	return int(id) < len(g.set) && g.set[id]
}

// Remove forgets a pool's rate
func (g *Graph) Remove(id types.PoolID) {
	if int(id) < len(g.set) && g.set[id] {
		g.set[id] = false
		g.rates[id] = 0
		g.n--
	}
}

// Len returns the number of pools with a rate
func (g *Graph) Len() int {
	return g.n
}
