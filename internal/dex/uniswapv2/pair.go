package uniswapv2

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// Caller is the subset of the chain client used to read pair and token state
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

const erc20ABI = `[
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

var parsedERC20 = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic(fmt.Sprintf("invalid erc20 abi: %v", err))
	}
	return parsed
}()

// Function selectors on the pair contract
var (
	selectorToken0      = common.Hex2Bytes("0dfe1681")
	selectorToken1      = common.Hex2Bytes("d21220a7")
	selectorGetReserves = common.Hex2Bytes("0902f1ac")
	selectorFactory     = common.Hex2Bytes("c45a0155")
)

// PairInfo holds the immutable identity of a V2 pair
type PairInfo struct {
	Address common.Address
	Token0  common.Address
	Token1  common.Address
	Factory common.Address
}

// TokenInfo holds ERC20 metadata
type TokenInfo struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

// Reader fetches pair and token state over eth_call
type Reader struct {
	client Caller

	mu         sync.Mutex
	tokenCache map[common.Address]TokenInfo
}

// NewReader creates a new Uniswap V2 reader
func NewReader(client Caller) *Reader {
	return &Reader{
		client:     client,
		tokenCache: make(map[common.Address]TokenInfo),
	}
}

func (r *Reader) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := ethereum.CallMsg{
		To:   &to,
		Data: data,
	}
	return r.client.CallContract(ctx, msg, nil)
}

func (r *Reader) callAddress(ctx context.Context, to common.Address, selector []byte, name string) (common.Address, error) {
	result, err := r.call(ctx, to, selector)
	if err != nil {
		return common.Address{}, err
	}
	if len(result) < 32 {
		return common.Address{}, fmt.Errorf("invalid %s response", name)
	}
	return common.BytesToAddress(result[12:32]), nil
}

// GetReserves fetches current reserves from a V2 pool
func (r *Reader) GetReserves(ctx context.Context, pool common.Address) (*big.Int, *big.Int, error) {
	result, err := r.call(ctx, pool, selectorGetReserves)
	if err != nil {
		return nil, nil, err
	}

	if len(result) < 64 {
		return nil, nil, fmt.Errorf("invalid getReserves response")
	}

	reserve0 := new(big.Int).SetBytes(result[0:32])
	reserve1 := new(big.Int).SetBytes(result[32:64])

	return reserve0, reserve1, nil
}

// PairInfo fetches token0, token1 and factory of a pair
func (r *Reader) PairInfo(ctx context.Context, pool common.Address) (*PairInfo, error) {
	token0, err := r.callAddress(ctx, pool, selectorToken0, "token0")
	if err != nil {
		return nil, fmt.Errorf("failed to get token0: %w", err)
	}

	token1, err := r.callAddress(ctx, pool, selectorToken1, "token1")
	if err != nil {
		return nil, fmt.Errorf("failed to get token1: %w", err)
	}

	factory, err := r.callAddress(ctx, pool, selectorFactory, "factory")
	if err != nil {
		return nil, fmt.Errorf("failed to get factory: %w", err)
	}

	return &PairInfo{
		Address: pool,
		Token0:  token0,
		Token1:  token1,
		Factory: factory,
	}, nil
}

// TokenInfo fetches and caches ERC20 symbol and decimals
func (r *Reader) TokenInfo(ctx context.Context, token common.Address) (TokenInfo, error) {
	r.mu.Lock()
	info, ok := r.tokenCache[token]
	r.mu.Unlock()
	if ok {
		return info, nil
	}

	decimalsData, err := r.call(ctx, token, parsedERC20.Methods["decimals"].ID)
	if err != nil {
		return TokenInfo{}, fmt.Errorf("failed to get decimals: %w", err)
	}
	out, err := parsedERC20.Unpack("decimals", decimalsData)
	if err != nil || len(out) == 0 {
		return TokenInfo{}, fmt.Errorf("invalid decimals response for %s", token.Hex())
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return TokenInfo{}, fmt.Errorf("invalid decimals type for %s", token.Hex())
	}

	// Symbol is best effort; some tokens return bytes32 or nothing at all
	symbol := ""
	if symbolData, err := r.call(ctx, token, parsedERC20.Methods["symbol"].ID); err == nil {
		symbol = decodeSymbol(symbolData)
	}

	info = TokenInfo{Address: token, Symbol: symbol, Decimals: decimals}

	r.mu.Lock()
	r.tokenCache[token] = info
	r.mu.Unlock()

	log.Debug().
		Str("token", token.Hex()).
		Str("symbol", symbol).
		Uint8("decimals", decimals).
		Msg("Cached token info")

	return info, nil
}

func decodeSymbol(data []byte) string {
	if out, err := parsedERC20.Unpack("symbol", data); err == nil && len(out) > 0 {
		if s, ok := out[0].(string); ok {
			return s
		}
	}
	if len(data) == 32 {
		return string(bytes.TrimRight(data, "\x00"))
	}
	return ""
}
