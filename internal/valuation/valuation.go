package valuation

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/devlongs/cycle-arb/internal/config"
	"github.com/devlongs/cycle-arb/internal/poolstore"
	"github.com/devlongs/cycle-arb/pkg/types"
)

// Valuer derives USD prices from the pools' own reserves. Stablecoins are
// pegged at 1; every other token takes its price from the deepest pool
// pairing it with an already priced token.
type Valuer struct {
	anchors  []common.Address
	minDepth float64
	maxHops  int
}

// New creates a valuer
func New(cfg config.ValuationConfig) *Valuer {
	anchors := make([]common.Address, 0, len(cfg.Stablecoins))
	for _, s := range cfg.Stablecoins {
		anchors = append(anchors, common.HexToAddress(s))
	}
	return &Valuer{
		anchors:  anchors,
		minDepth: cfg.MinPriceDepth,
		maxHops:  cfg.MaxHops,
	}
}

type quote struct {
	price float64
	depth float64
}

// Prices returns a price for every token reachable within the hop limit. It
// returns nil when no stablecoin is registered, which leaves pools valued
// by their unpriced depth score.
func (v *Valuer) Prices(pools *poolstore.Store) poolstore.Prices {
	prices := make(poolstore.Prices)
	var frontier []types.TokenID
	for _, addr := range v.anchors {
		if id, ok := pools.TokenID(addr); ok {
			prices[id] = 1
			frontier = append(frontier, id)
		}
	}
	if len(prices) == 0 {
		if len(v.anchors) > 0 {
			log.Warn().Int("stablecoins", len(v.anchors)).Msg("No stablecoin pools loaded, pools stay unpriced")
		}
		return nil
	}

	for hop := 0; hop < v.maxHops && len(frontier) > 0; hop++ {
		best := make(map[types.TokenID]quote)
		for _, known := range frontier {
			for _, pid := range pools.PoolsOfToken(known) {
				other, q, ok := v.quote(pools, pid, known, prices[known])
				if !ok {
					continue
				}
				if _, done := prices[other]; done {
					continue
				}
				if cur, seen := best[other]; !seen || q.depth > cur.depth {
					best[other] = q
				}
			}
		}

		next := make([]types.TokenID, 0, len(best))
		for id, q := range best {
			prices[id] = q.price
			next = append(next, id)
		}
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		frontier = next
	}
	return prices
}

// quote prices the token on the other side of a pool from a known price
func (v *Valuer) quote(pools *poolstore.Store, id types.PoolID, known types.TokenID, price float64) (types.TokenID, quote, bool) {
	pool, ok := pools.Pool(id)
	if !ok || pools.IsFlagged(id) {
		return 0, quote{}, false
	}
	st := pools.State(id)
	if st == nil {
		return 0, quote{}, false
	}

	other := pool.Token1
	knownRes, otherRes := st.Reserve0, st.Reserve1
	if pool.Token1 == known {
		other = pool.Token0
		knownRes, otherRes = st.Reserve1, st.Reserve0
	}
	kt, _ := pools.Token(known)
	ot, _ := pools.Token(other)

	nk := poolstore.Normalize(knownRes, kt.Decimals)
	no := poolstore.Normalize(otherRes, ot.Decimals)
	if nk <= 0 || no <= 0 {
		return 0, quote{}, false
	}
	depth := nk * price
	if depth < v.minDepth {
		return 0, quote{}, false
	}
	return other, quote{price: depth / no, depth: depth}, true
}
