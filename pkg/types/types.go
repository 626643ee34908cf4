package types

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// TokenID is the dense index of a token inside the pool store
type TokenID uint32

// PoolID is the dense index of a pool inside the pool store
type PoolID uint32

// CycleID is the dense index of a cycle inside the cycle index
type CycleID uint32

// Token represents an ERC20 token
type Token struct {
	ID       TokenID
	Address  common.Address
	Symbol   string
	Decimals uint8
}

// Pool represents a constant-product liquidity pool. It is immutable once
// registered; reserves live in PoolState.
type Pool struct {
	ID      PoolID
	Address common.Address
	Token0  TokenID
	Token1  TokenID
	Factory common.Address
}

// Marker orders reserve changes: block number first, then log index
type Marker struct {
	Block    uint64
	LogIndex uint
}

// Before reports whether m happened strictly before o
func (m Marker) Before(o Marker) bool {
	if m.Block != o.Block {
		return m.Block < o.Block
	}
	return m.LogIndex < o.LogIndex
}

func (m Marker) String() string {
	return fmt.Sprintf("%d:%d", m.Block, m.LogIndex)
}

// LiquidityClass is the coarse liquidity bucket a pool falls into
type LiquidityClass uint8

const (
	LiquidityUnknown LiquidityClass = iota
	Illiquid
	Liquid
)

func (c LiquidityClass) String() string {
	switch c {
	case Illiquid:
		return "illiquid"
	case Liquid:
		return "liquid"
	default:
		return "unknown"
	}
}

// PoolState is an immutable snapshot of a pool's reserves. A new snapshot is
// published on every reserve change.
type PoolState struct {
	Reserve0  *big.Int
	Reserve1  *big.Int
	Marker    Marker
	Liquidity float64
	Class     LiquidityClass
}

// Direction selects which way a pool is traded
type Direction uint8

const (
	Forward Direction = iota // token0 -> token1
	Reverse                  // token1 -> token0
)

// Opposite returns the other direction
func (d Direction) Opposite() Direction {
	if d == Forward {
		return Reverse
	}
	return Forward
}

// Sign is +1 for Forward and -1 for Reverse
func (d Direction) Sign() float64 {
	if d == Forward {
		return 1
	}
	return -1
}

func (d Direction) String() string {
	if d == Forward {
		return "fwd"
	}
	return "rev"
}

// Swap is a directed view of a pool
type Swap struct {
	Pool      PoolID
	Direction Direction
}

// Leg is one swap inside a cycle, with the tokens it moves between
type Leg struct {
	Pool      PoolID
	Direction Direction
	TokenIn   TokenID
	TokenOut  TokenID
}

// OpportunityLeg is a fully resolved hop of an opportunity
type OpportunityLeg struct {
	Pool       common.Address
	TokenIn    common.Address
	TokenOut   common.Address
	ZeroForOne bool
	AmountIn   *big.Int
	AmountOut  *big.Int
}

// Opportunity represents a detected profitable cycle ready for execution
type Opportunity struct {
	ID             uuid.UUID
	CycleID        CycleID
	Reversed       bool // traded against the cycle's canonical orientation
	StartToken     common.Address
	AmountIn       *big.Int
	Legs           []OpportunityLeg
	ExpectedProfit *big.Int
	LogRate        float64 // aggregate log-rate of the traded orientation
	LogReturn      float64 // ln(amountOut/amountIn) after sizing and fees
	DiscoveredAt   uint64
	ExpiresAt      uint64
}

// Pools returns the pool addresses touched by the opportunity
func (o *Opportunity) Pools() []common.Address {
	pools := make([]common.Address, 0, len(o.Legs))
	for _, leg := range o.Legs {
		pools = append(pools, leg.Pool)
	}
	return pools
}

// ExecutionLeg is one hop of an execution call
type ExecutionLeg struct {
	Pool       common.Address
	AmountOut  *big.Int
	ZeroForOne bool
}

// ExecutionCall holds the parameters passed to the execution boundary
type ExecutionCall struct {
	StartToken      common.Address
	AmountIn        *big.Int
	MinProfit       *big.Int
	Legs            []ExecutionLeg
	SkipProfitCheck bool
}

// Outcome classifies the result of an execution attempt
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeReverted    Outcome = "reverted"
	OutcomeNotIncluded Outcome = "not_included"
	OutcomeExpired     Outcome = "expired"
	OutcomeDuplicate   Outcome = "duplicate"
)

// ExecutionResult is what the gateway reports for one opportunity
type ExecutionResult struct {
	OpportunityID uuid.UUID
	Outcome       Outcome
	TxHash        common.Hash
	Block         uint64
	Err           error
}

// EventKind identifies a chain notification
type EventKind uint8

const (
	EventSync EventKind = iota
	EventPairCreated
	// EventReset carries reserves read straight from the chain. It replaces
	// the pool's state whatever its marker.
	EventReset
)

func (k EventKind) String() string {
	switch k {
	case EventPairCreated:
		return "pair_created"
	case EventReset:
		return "reset"
	default:
		return "sync"
	}
}

// ChainEvent is a decoded pool-lifecycle or reserve-change notification
type ChainEvent struct {
	Kind     EventKind
	Marker   Marker
	Pool     common.Address
	Reserve0 *big.Int
	Reserve1 *big.Int
	Token0   common.Address
	Token1   common.Address
	Factory  common.Address
	Removed  bool // the log was reverted by a reorg
}
