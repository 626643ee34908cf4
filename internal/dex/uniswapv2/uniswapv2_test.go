package uniswapv2

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devlongs/cycle-arb/pkg/types"
)

func word(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

func TestDecodeSyncLog(t *testing.T) {
	pool := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	data := append(word(big.NewInt(1000)), word(big.NewInt(2000))...)

	ev, err := DecodeLog(ethtypes.Log{
		Address:     pool,
		Topics:      []common.Hash{SyncEventSignature},
		Data:        data,
		BlockNumber: 42,
		Index:       7,
	})
	require.NoError(t, err)

	assert.Equal(t, types.EventSync, ev.Kind)
	assert.Equal(t, pool, ev.Pool)
	assert.Equal(t, types.Marker{Block: 42, LogIndex: 7}, ev.Marker)
	assert.Equal(t, int64(1000), ev.Reserve0.Int64())
	assert.Equal(t, int64(2000), ev.Reserve1.Int64())
}

func TestDecodeSyncLogShortData(t *testing.T) {
	_, err := DecodeLog(ethtypes.Log{Topics: []common.Hash{SyncEventSignature}, Data: make([]byte, 40)})
	assert.Error(t, err)
}

func TestDecodePairCreatedLog(t *testing.T) {
	factory := UniswapV2Factory
	token0 := common.HexToAddress("0x0000000000000000000000000000000000000001")
	token1 := common.HexToAddress("0x0000000000000000000000000000000000000002")
	pair := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	data := append(common.LeftPadBytes(pair.Bytes(), 32), word(big.NewInt(1))...)
	ev, err := DecodeLog(ethtypes.Log{
		Address: factory,
		Topics: []common.Hash{
			PairCreatedEventSignature,
			common.BytesToHash(token0.Bytes()),
			common.BytesToHash(token1.Bytes()),
		},
		Data:        data,
		BlockNumber: 10,
		Removed:     true,
	})
	require.NoError(t, err)

	assert.Equal(t, types.EventPairCreated, ev.Kind)
	assert.Equal(t, pair, ev.Pool)
	assert.Equal(t, token0, ev.Token0)
	assert.Equal(t, token1, ev.Token1)
	assert.Equal(t, factory, ev.Factory)
	assert.True(t, ev.Removed)
}

func TestDecodeUnknownLog(t *testing.T) {
	_, err := DecodeLog(ethtypes.Log{Topics: []common.Hash{common.HexToHash("0x01")}})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = DecodeLog(ethtypes.Log{})
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestGetAmountOut(t *testing.T) {
	// 1000 * 997 * 2000 / (1000 * 1000 + 997 * 100) = 181
	out := GetAmountOut(big.NewInt(100), big.NewInt(1000), big.NewInt(2000))
	assert.Equal(t, int64(181), out.Int64())

	assert.Zero(t, GetAmountOut(big.NewInt(0), big.NewInt(1000), big.NewInt(2000)).Sign())
	assert.Zero(t, GetAmountOut(big.NewInt(10), big.NewInt(0), big.NewInt(2000)).Sign())
}

type fakeCaller struct {
	responses map[string][]byte
	calls     int
}

func key(to common.Address, data []byte) string {
	return to.Hex() + common.Bytes2Hex(data)
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	if out, ok := f.responses[key(*msg.To, msg.Data)]; ok {
		return out, nil
	}
	return nil, errors.New("execution reverted")
}

func TestReaderPairAndReserves(t *testing.T) {
	pool := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	token0 := common.HexToAddress("0x0000000000000000000000000000000000000001")
	token1 := common.HexToAddress("0x0000000000000000000000000000000000000002")

	reserves := append(word(big.NewInt(5)), word(big.NewInt(9))...)
	reserves = append(reserves, word(big.NewInt(1700000000))...)

	caller := &fakeCaller{responses: map[string][]byte{
		key(pool, selectorToken0):      common.LeftPadBytes(token0.Bytes(), 32),
		key(pool, selectorToken1):      common.LeftPadBytes(token1.Bytes(), 32),
		key(pool, selectorFactory):     common.LeftPadBytes(UniswapV2Factory.Bytes(), 32),
		key(pool, selectorGetReserves): reserves,
	}}
	r := NewReader(caller)

	info, err := r.PairInfo(context.Background(), pool)
	require.NoError(t, err)
	assert.Equal(t, token0, info.Token0)
	assert.Equal(t, token1, info.Token1)
	assert.Equal(t, UniswapV2Factory, info.Factory)

	r0, r1, err := r.GetReserves(context.Background(), pool)
	require.NoError(t, err)
	assert.Equal(t, int64(5), r0.Int64())
	assert.Equal(t, int64(9), r1.Int64())
}

func TestReaderTokenInfoCaches(t *testing.T) {
	token := common.HexToAddress("0x0000000000000000000000000000000000000003")

	decimals, err := parsedERC20.Methods["decimals"].Outputs.Pack(uint8(6))
	require.NoError(t, err)
	symbol, err := parsedERC20.Methods["symbol"].Outputs.Pack("USDC")
	require.NoError(t, err)

	caller := &fakeCaller{responses: map[string][]byte{
		key(token, parsedERC20.Methods["decimals"].ID): decimals,
		key(token, parsedERC20.Methods["symbol"].ID):   symbol,
	}}
	r := NewReader(caller)

	info, err := r.TokenInfo(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "USDC", info.Symbol)
	assert.Equal(t, uint8(6), info.Decimals)

	calls := caller.calls
	_, err = r.TokenInfo(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, calls, caller.calls)
}

func TestDecodeBytes32Symbol(t *testing.T) {
	raw := make([]byte, 32)
	copy(raw, "MKR")
	assert.Equal(t, "MKR", decodeSymbol(raw))
	assert.Equal(t, "", decodeSymbol(bytes.Repeat([]byte{0}, 5)))
}
