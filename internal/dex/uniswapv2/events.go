package uniswapv2

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/devlongs/cycle-arb/pkg/types"
)

// Sync event signature for reserve updates
// event Sync(uint112 reserve0, uint112 reserve1)
var SyncEventSignature = common.HexToHash("0x1c411e9a96e071241c2f21f7726b17ae89e3cab4c78be50e062b03a9fffbbad1")

// PairCreated event signature emitted by the factory
// event PairCreated(address indexed token0, address indexed token1, address pair, uint)
var PairCreatedEventSignature = common.HexToHash("0x0d3648bd0f6ba80134a33ba9275ac585d9d315f0ad8355cddefde31afa28d0e9")

// Common Uniswap V2 factory addresses
var (
	UniswapV2Factory = common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f")
	SushiswapFactory = common.HexToAddress("0xC0AEe478e3658e2610c5F7A4A2E1777cE9e4f2Ac")
)

var ErrUnknownEvent = errors.New("not a Uniswap V2 pool event")

// Topics returns the topic filter covering every event the feed consumes
func Topics() [][]common.Hash {
	return [][]common.Hash{{SyncEventSignature, PairCreatedEventSignature}}
}

// DecodeLog decodes a Sync or PairCreated log into a chain event
func DecodeLog(log ethtypes.Log) (*types.ChainEvent, error) {
	if len(log.Topics) == 0 {
		return nil, ErrUnknownEvent
	}

	switch log.Topics[0] {
	case SyncEventSignature:
		return DecodeSyncLog(log)
	case PairCreatedEventSignature:
		return DecodePairCreatedLog(log)
	default:
		return nil, ErrUnknownEvent
	}
}

// DecodeSyncLog decodes a Sync log. The emitting contract is the pair.
func DecodeSyncLog(log ethtypes.Log) (*types.ChainEvent, error) {
	if len(log.Data) < 64 {
		return nil, fmt.Errorf("invalid sync log data length: expected 64 bytes, got %d", len(log.Data))
	}

	return &types.ChainEvent{
		Kind:     types.EventSync,
		Marker:   types.Marker{Block: log.BlockNumber, LogIndex: log.Index},
		Pool:     log.Address,
		Reserve0: new(big.Int).SetBytes(log.Data[0:32]),
		Reserve1: new(big.Int).SetBytes(log.Data[32:64]),
		Removed:  log.Removed,
	}, nil
}

// DecodePairCreatedLog decodes a factory PairCreated log
func DecodePairCreatedLog(log ethtypes.Log) (*types.ChainEvent, error) {
	if len(log.Topics) < 3 {
		return nil, fmt.Errorf("invalid pair created log: expected 3 topics, got %d", len(log.Topics))
	}
	if len(log.Data) < 32 {
		return nil, fmt.Errorf("invalid pair created log data length: expected 64 bytes, got %d", len(log.Data))
	}

	return &types.ChainEvent{
		Kind:    types.EventPairCreated,
		Marker:  types.Marker{Block: log.BlockNumber, LogIndex: log.Index},
		Pool:    common.BytesToAddress(log.Data[12:32]),
		Token0:  common.BytesToAddress(log.Topics[1].Bytes()),
		Token1:  common.BytesToAddress(log.Topics[2].Bytes()),
		Factory: log.Address,
		Removed: log.Removed,
	}, nil
}
