package arbitrage

import (
	"math"
	"math/big"

	"github.com/devlongs/cycle-arb/internal/dex/uniswapv2"
)

// Maximum search steps when sizing a trade
const maxSizingSteps = 256

type hop struct {
	reserveIn  *big.Int
	reserveOut *big.Int
}

// quote runs amountIn through every hop and returns each hop's output
func quote(amountIn *big.Int, hops []hop) []*big.Int {
	outs := make([]*big.Int, len(hops))
	amount := amountIn
	for i, h := range hops {
		amount = uniswapv2.GetAmountOut(amount, h.reserveIn, h.reserveOut)
		outs[i] = amount
	}
	return outs
}

func profitAt(amountIn *big.Int, hops []hop) *big.Int {
	outs := quote(amountIn, hops)
	return new(big.Int).Sub(outs[len(outs)-1], amountIn)
}

// optimalInput finds the input in [1, maxIn] maximising output minus input.
// Profit is concave in the input for constant-product pools, so a ternary
// search converges on the optimum.
func optimalInput(hops []hop, maxIn *big.Int) *big.Int {
	one := big.NewInt(1)
	if maxIn.Cmp(one) < 0 {
		return new(big.Int)
	}

	lo := new(big.Int).Set(one)
	hi := new(big.Int).Set(maxIn)
	three := big.NewInt(3)

	for step := 0; step < maxSizingSteps; step++ {
		span := new(big.Int).Sub(hi, lo)
		if span.Cmp(three) < 0 {
			break
		}
		third := new(big.Int).Quo(span, three)
		m1 := new(big.Int).Add(lo, third)
		m2 := new(big.Int).Sub(hi, third)

		if profitAt(m1, hops).Cmp(profitAt(m2, hops)) < 0 {
			lo = m1.Add(m1, one)
		} else {
			hi = m2.Sub(m2, one)
		}
	}

	best := new(big.Int).Set(lo)
	bestProfit := profitAt(best, hops)
	for x := new(big.Int).Add(lo, one); x.Cmp(hi) <= 0; x.Add(x, one) {
		if p := profitAt(x, hops); p.Cmp(bestProfit) > 0 {
			best.Set(x)
			bestProfit = p
		}
	}
	return best
}

// capInput returns reserve * fraction rounded down
func capInput(reserve *big.Int, fraction float64) *big.Int {
	const scale = 1_000_000
	num := big.NewInt(int64(fraction * scale))
	out := new(big.Int).Mul(reserve, num)
	return out.Quo(out, big.NewInt(scale))
}

// logReturn is ln(out/in)
func logReturn(amountIn, amountOut *big.Int) float64 {
	ratio, _ := new(big.Float).Quo(new(big.Float).SetInt(amountOut), new(big.Float).SetInt(amountIn)).Float64()
	return math.Log(ratio)
}
