package arbitrage

import (
	"context"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/devlongs/cycle-arb/internal/config"
	"github.com/devlongs/cycle-arb/internal/cycles"
	"github.com/devlongs/cycle-arb/internal/engine"
	"github.com/devlongs/cycle-arb/internal/metrics"
	"github.com/devlongs/cycle-arb/internal/output"
	"github.com/devlongs/cycle-arb/internal/poolstore"
	"github.com/devlongs/cycle-arb/pkg/types"
)

// How many cycles are evaluated between deadline checks
const defaultCheckEvery = 32

// Scanner turns touched cycles into ranked, non-conflicting opportunities
type Scanner struct {
	graph   *engine.Graph
	cfg     config.EngineConfig
	metrics *metrics.Metrics
	out     *output.Logger

	baseTokens map[common.Address]bool
	checkEvery int
	now        func() time.Time

	// only touched by the scan goroutine
	deferred map[types.CycleID]int
	carry    []types.CycleID
}

// NewScanner creates a scanner. out may be nil.
func NewScanner(graph *engine.Graph, cfg config.EngineConfig, m *metrics.Metrics, out *output.Logger) *Scanner {
	if m == nil {
		m = metrics.New(nil)
	}
	base := make(map[common.Address]bool, len(cfg.BaseTokens))
	for _, t := range cfg.BaseTokens {
		base[common.HexToAddress(t)] = true
	}
	return &Scanner{
		graph:      graph,
		cfg:        cfg,
		metrics:    m,
		out:        out,
		baseTokens: base,
		checkEvery: defaultCheckEvery,
		now:        time.Now,
		deferred:   make(map[types.CycleID]int),
	}
}

// Deferred returns how many cycles are waiting for a conflict to clear
func (s *Scanner) Deferred() int {
	return len(s.deferred)
}

// worklist merges the touched set with deferred and carried cycles
func (s *Scanner) worklist(touched []types.CycleID) []types.CycleID {
	size := len(touched) + len(s.carry) + len(s.deferred)
	seen := make(map[types.CycleID]struct{}, size)
	out := make([]types.CycleID, 0, size)
	add := func(id types.CycleID) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}

	for _, id := range s.carry {
		add(id)
	}
	for _, id := range touched {
		add(id)
	}
	for id := range s.deferred {
		add(id)
	}
	s.carry = nil

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Scan evaluates every cycle touched since the last pass. A pass that
// overruns its budget returns nothing and carries its whole worklist over,
// so cycles evaluated before the cut are scanned again on fresh state.
func (s *Scanner) Scan(ctx context.Context) []*types.Opportunity {
	start := s.now()
	deadline := start.Add(s.cfg.ScanBudget())
	work := s.worklist(s.graph.DrainTouched())
	block := s.graph.LatestBlock()

	var (
		candidates []candidate
		abandoned  bool
	)

	s.graph.Read(func(v engine.View) {
		for i, id := range work {
			if i%s.checkEvery == 0 && (ctx.Err() != nil || s.now().After(deadline)) {
				abandoned = true
				s.carry = work
				return
			}
			if opp := s.evaluate(v, id); opp != nil {
				candidates = append(candidates, s.value(v, opp))
			} else {
				delete(s.deferred, id)
			}
		}
	})

	elapsed := s.now().Sub(start)
	s.metrics.ScanDuration.Observe(elapsed.Seconds())

	if abandoned {
		s.metrics.ScansAbandoned.Inc()
		log.Warn().
			Int("cycles", len(work)).
			Int("carried", len(s.carry)).
			Dur("budget", s.cfg.ScanBudget()).
			Msg("Scan overran its budget, discarding candidates")
		if s.out != nil {
			s.out.LogScan(block, len(work), 0, true, elapsed)
		}
		return nil
	}

	selected := s.resolve(candidates)
	for _, opp := range selected {
		opp.ID = uuid.New()
		opp.DiscoveredAt = block
		opp.ExpiresAt = block + s.cfg.ExpiryBlocks
	}

	s.metrics.Opportunities.Add(float64(len(selected)))
	if s.out != nil {
		s.out.LogScan(block, len(work), len(selected), false, elapsed)
		if len(selected) > 0 {
			pools := s.graph.Pools()
			symbols := pools.Symbols()
			for _, opp := range selected {
				var decimals uint8 = 18
				if id, ok := pools.TokenID(opp.StartToken); ok {
					if tok, ok := pools.Token(id); ok {
						decimals = tok.Decimals
					}
				}
				s.out.LogOpportunity(opp, symbols, decimals)
			}
		}
	}
	return selected
}

// candidate is an opportunity with its expected profit in comparable units
type candidate struct {
	opp    *types.Opportunity
	value  float64 // USD when priced, whole start-token units otherwise
	priced bool
}

// value converts the expected profit to USD using the start token's
// reference price
func (s *Scanner) value(v engine.View, opp *types.Opportunity) candidate {
	var decimals uint8 = 18
	id, known := v.Pools.TokenID(opp.StartToken)
	if known {
		if tok, ok := v.Pools.Token(id); ok {
			decimals = tok.Decimals
		}
	}
	amount := poolstore.Normalize(opp.ExpectedProfit, decimals)
	if known {
		if price, ok := v.Pools.Price(id); ok {
			return candidate{opp: opp, value: amount * price, priced: true}
		}
	}
	return candidate{opp: opp, value: amount}
}

// resolve ranks candidates by expected profit and keeps the best ones that
// share no pool. Priced candidates rank ahead of unpriced ones. Losers are
// deferred to the next pass, at most MaxDeferrals times.
func (s *Scanner) resolve(candidates []candidate) []*types.Opportunity {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.priced != b.priced {
			return a.priced
		}
		if a.value != b.value {
			return a.value > b.value
		}
		return a.opp.CycleID < b.opp.CycleID
	})

	used := make(map[common.Address]bool)
	selected := make([]*types.Opportunity, 0, len(candidates))

	for _, c := range candidates {
		opp := c.opp
		conflict := false
		for _, pool := range opp.Pools() {
			if used[pool] {
				conflict = true
				break
			}
		}

		if conflict {
			n := s.deferred[opp.CycleID] + 1
			if n > s.cfg.MaxDeferrals {
				delete(s.deferred, opp.CycleID)
				continue
			}
			s.deferred[opp.CycleID] = n
			s.metrics.Deferred.Inc()
			continue
		}

		for _, pool := range opp.Pools() {
			used[pool] = true
		}
		delete(s.deferred, opp.CycleID)
		selected = append(selected, opp)
	}
	return selected
}

// evaluate checks one cycle in both orientations and sizes the trade
func (s *Scanner) evaluate(v engine.View, id types.CycleID) *types.Opportunity {
	c, ok := v.Cycles.Cycle(id)
	if !ok {
		return nil
	}
	// a flagged pool's rate is the last good one, not the chain's
	for _, leg := range c.Legs {
		if v.Pools.IsFlagged(leg.Pool) {
			return nil
		}
	}

	threshold := s.cfg.MinProfitLog + s.cfg.Epsilon
	var reverse bool
	switch {
	case c.Rate > threshold:
		reverse = false
	case -c.Rate > threshold:
		reverse = true
	default:
		return nil
	}

	legs := c.Oriented(reverse)
	if len(s.baseTokens) > 0 {
		if legs = s.rotateToBase(v, legs); legs == nil {
			return nil
		}
	}

	return s.size(v, c, legs, reverse)
}

func (s *Scanner) rotateToBase(v engine.View, legs []types.Leg) []types.Leg {
	for i, leg := range legs {
		tok, ok := v.Pools.Token(leg.TokenIn)
		if ok && s.baseTokens[tok.Address] {
			out := make([]types.Leg, 0, len(legs))
			out = append(out, legs[i:]...)
			return append(out, legs[:i]...)
		}
	}
	return nil
}

func (s *Scanner) size(v engine.View, c cycles.Cycle, legs []types.Leg, reverse bool) *types.Opportunity {
	hops := make([]hop, len(legs))
	for i, leg := range legs {
		st := v.Pools.State(leg.Pool)
		if st == nil {
			return nil
		}
		if leg.Direction == types.Forward {
			hops[i] = hop{reserveIn: st.Reserve0, reserveOut: st.Reserve1}
		} else {
			hops[i] = hop{reserveIn: st.Reserve1, reserveOut: st.Reserve0}
		}
	}

	amountIn := optimalInput(hops, capInput(hops[0].reserveIn, s.cfg.MaxInputFraction))
	if amountIn.Sign() <= 0 {
		return nil
	}
	outs := quote(amountIn, hops)
	amountOut := outs[len(outs)-1]
	profit := new(big.Int).Sub(amountOut, amountIn)
	if profit.Sign() <= 0 {
		return nil
	}

	oppLegs := make([]types.OpportunityLeg, len(legs))
	in := amountIn
	for i, leg := range legs {
		pool, ok := v.Pools.Pool(leg.Pool)
		if !ok {
			return nil
		}
		tokIn, _ := v.Pools.Token(leg.TokenIn)
		tokOut, _ := v.Pools.Token(leg.TokenOut)
		oppLegs[i] = types.OpportunityLeg{
			Pool:       pool.Address,
			TokenIn:    tokIn.Address,
			TokenOut:   tokOut.Address,
			ZeroForOne: leg.Direction == types.Forward,
			AmountIn:   in,
			AmountOut:  outs[i],
		}
		in = outs[i]
	}

	rate := c.Rate
	if reverse {
		rate = -rate
	}

	return &types.Opportunity{
		CycleID:        c.ID,
		Reversed:       reverse,
		StartToken:     oppLegs[0].TokenIn,
		AmountIn:       amountIn,
		Legs:           oppLegs,
		ExpectedProfit: profit,
		LogRate:        rate,
		LogReturn:      logReturn(amountIn, amountOut),
	}
}
