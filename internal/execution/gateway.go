package execution

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/devlongs/cycle-arb/pkg/types"
)

var (
	// ErrNotIncluded means the transaction did not land within the inclusion window
	ErrNotIncluded = errors.New("transaction not included")
	// ErrReverted means the transaction was mined with a failed status
	ErrReverted = errors.New("transaction reverted")
)

// Receipt is what the boundary reports for a landed transaction
type Receipt struct {
	TxHash common.Hash
	Block  uint64
}

// Boundary submits an execution call to the chain. Implementations return
// errors wrapping the named contract failures (types.ErrNotOwner and
// friends), ErrReverted, or ErrNotIncluded.
type Boundary interface {
	Submit(ctx context.Context, call types.ExecutionCall) (Receipt, error)
}

// BlockSource reports the current chain head
type BlockSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

type cycleAt struct {
	cycle types.CycleID
	block uint64
}

// Gateway hands opportunities to the boundary exactly once and classifies
// the outcome. It never retries.
type Gateway struct {
	boundary       Boundary
	blocks         BlockSource
	minProfitShare float64

	mu        sync.Mutex
	attempted map[uuid.UUID]uint64 // opportunity -> expiry block
	cycles    map[cycleAt]uint64   // cycle at discovery block -> expiry block
}

// NewGateway creates a gateway
func NewGateway(boundary Boundary, blocks BlockSource, minProfitShare float64) *Gateway {
	return &Gateway{
		boundary:       boundary,
		blocks:         blocks,
		minProfitShare: minProfitShare,
		attempted:      make(map[uuid.UUID]uint64),
		cycles:         make(map[cycleAt]uint64),
	}
}

// BuildCall turns an opportunity into the boundary's call parameters
func (g *Gateway) BuildCall(opp *types.Opportunity) types.ExecutionCall {
	legs := make([]types.ExecutionLeg, len(opp.Legs))
	for i, leg := range opp.Legs {
		legs[i] = types.ExecutionLeg{
			Pool:       leg.Pool,
			AmountOut:  new(big.Int).Set(leg.AmountOut),
			ZeroForOne: leg.ZeroForOne,
		}
	}

	return types.ExecutionCall{
		StartToken:      opp.StartToken,
		AmountIn:        new(big.Int).Set(opp.AmountIn),
		MinProfit:       minProfit(opp.ExpectedProfit, g.minProfitShare),
		Legs:            legs,
		SkipProfitCheck: false,
	}
}

func minProfit(expected *big.Int, share float64) *big.Int {
	const scale = 10_000
	out := new(big.Int).Mul(expected, big.NewInt(int64(share*scale)))
	out.Quo(out, big.NewInt(scale))
	if out.Sign() <= 0 {
		out.SetInt64(1)
	}
	return out
}

// claim records the attempt. It returns false when the opportunity, or the
// same cycle discovered at the same block, was already attempted.
func (g *Gateway) claim(opp *types.Opportunity, head uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id, expiry := range g.attempted {
		if expiry < head {
			delete(g.attempted, id)
		}
	}
	for key, expiry := range g.cycles {
		if expiry < head {
			delete(g.cycles, key)
		}
	}

	key := cycleAt{cycle: opp.CycleID, block: opp.DiscoveredAt}
	if _, ok := g.attempted[opp.ID]; ok {
		return false
	}
	if _, ok := g.cycles[key]; ok {
		return false
	}
	g.attempted[opp.ID] = opp.ExpiresAt
	g.cycles[key] = opp.ExpiresAt
	return true
}

// Execute submits one opportunity and classifies the outcome. Opportunities
// past their expiry block are never submitted.
func (g *Gateway) Execute(ctx context.Context, opp *types.Opportunity) types.ExecutionResult {
	res := types.ExecutionResult{OpportunityID: opp.ID}

	head, err := g.blocks.BlockNumber(ctx)
	if err != nil {
		res.Outcome = types.OutcomeNotIncluded
		res.Err = &types.ExecutionError{Opportunity: opp.ID, Err: err}
		return res
	}

	if head > opp.ExpiresAt {
		res.Outcome = types.OutcomeExpired
		res.Block = head
		return res
	}

	if !g.claim(opp, head) {
		res.Outcome = types.OutcomeDuplicate
		return res
	}

	receipt, err := g.boundary.Submit(ctx, g.BuildCall(opp))
	res.TxHash = receipt.TxHash
	res.Block = receipt.Block
	res.Outcome = Classify(err)
	if err != nil {
		res.Err = &types.ExecutionError{Opportunity: opp.ID, Err: err}
	}

	log.Debug().
		Str("id", opp.ID.String()).
		Str("outcome", string(res.Outcome)).
		Uint64("head", head).
		Msg("Opportunity submitted")
	return res
}

// Classify maps a boundary error to an outcome
func Classify(err error) types.Outcome {
	switch {
	case err == nil:
		return types.OutcomeSuccess
	case errors.Is(err, types.ErrNotOwner),
		errors.Is(err, types.ErrInvalidLegCount),
		errors.Is(err, types.ErrCallFailed),
		errors.Is(err, types.ErrProfitTargetNotMet),
		errors.Is(err, ErrReverted):
		return types.OutcomeReverted
	default:
		return types.OutcomeNotIncluded
	}
}
