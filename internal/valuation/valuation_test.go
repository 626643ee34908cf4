package valuation

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devlongs/cycle-arb/internal/config"
	"github.com/devlongs/cycle-arb/internal/poolstore"
	"github.com/devlongs/cycle-arb/pkg/types"
)

var (
	usdc = common.HexToAddress("0x0000000000000000000000000000000000000001")
	weth = common.HexToAddress("0x0000000000000000000000000000000000000002")
	tkn  = common.HexToAddress("0x0000000000000000000000000000000000000003")
	far  = common.HexToAddress("0x0000000000000000000000000000000000000004")
)

func units(n int64, decimals int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(decimals), nil))
}

type fixture struct {
	store *poolstore.Store

	usdc types.TokenID
	weth types.TokenID
	tkn  types.TokenID
	far  types.TokenID
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s := poolstore.New(5000)
	f := fixture{
		store: s,
		usdc:  s.AddToken(usdc, "USDC", 6),
		weth:  s.AddToken(weth, "WETH", 18),
		tkn:   s.AddToken(tkn, "TKN", 18),
		far:   s.AddToken(far, "FAR", 18),
	}

	add := func(addr int64, t0, t1 types.TokenID, r0, r1 *big.Int) {
		p, err := s.AddPool(common.BigToAddress(big.NewInt(addr)), t0, t1, common.Address{})
		require.NoError(t, err)
		require.NoError(t, s.SetState(p.ID, r0, r1, types.Marker{Block: 1}))
	}
	add(0xa1, f.usdc, f.weth, units(2_000_000, 6), units(1000, 18))
	// dust pool quoting WETH at 100 USD
	add(0xa2, f.weth, f.usdc, units(1, 18), units(100, 6))
	add(0xa3, f.weth, f.tkn, units(100, 18), units(1_000_000, 18))
	add(0xa4, f.tkn, f.far, units(1_000_000, 18), units(10, 18))
	return f
}

func TestPricesSpreadFromStablecoins(t *testing.T) {
	f := newFixture(t)
	v := New(config.ValuationConfig{
		Stablecoins:   []string{usdc.Hex()},
		MinPriceDepth: 10_000,
		MaxHops:       2,
	})

	prices := v.Prices(f.store)
	assert.Equal(t, 1.0, prices[f.usdc])
	assert.InDelta(t, 2000, prices[f.weth], 1e-6)
	assert.InDelta(t, 0.2, prices[f.tkn], 1e-9)

	// three hops away
	_, ok := prices[f.far]
	assert.False(t, ok)
}

func TestPricesSkipFlaggedPools(t *testing.T) {
	f := newFixture(t)
	id, _ := f.store.Lookup(common.BigToAddress(big.NewInt(0xa1)))
	f.store.Flag(id, "numeric")

	v := New(config.ValuationConfig{Stablecoins: []string{usdc.Hex()}, MaxHops: 2})
	prices := v.Prices(f.store)

	// only the dust pool is left to quote WETH
	assert.InDelta(t, 100, prices[f.weth], 1e-9)
}

func TestPricesWithoutStablecoinPool(t *testing.T) {
	f := newFixture(t)
	v := New(config.ValuationConfig{
		Stablecoins: []string{common.HexToAddress("0xdead").Hex()},
		MaxHops:     2,
	})
	assert.Nil(t, v.Prices(f.store))

	assert.Nil(t, New(config.ValuationConfig{MaxHops: 2}).Prices(f.store))
}

func TestUSDFloorClassifiesPools(t *testing.T) {
	f := newFixture(t)
	v := New(config.ValuationConfig{
		Stablecoins:   []string{usdc.Hex()},
		MinPriceDepth: 10_000,
		MaxHops:       2,
	})
	f.store.SetPrices(v.Prices(f.store))
	f.store.Reclassify()

	class := func(addr int64) types.LiquidityClass {
		id, _ := f.store.Lookup(common.BigToAddress(big.NewInt(addr)))
		return f.store.State(id).Class
	}
	// 4M USD
	assert.Equal(t, types.Liquid, class(0xa1))
	// 2000 + 100 USD
	assert.Equal(t, types.Illiquid, class(0xa2))
	// 400k USD
	assert.Equal(t, types.Liquid, class(0xa3))
	// FAR unpriced: twice the TKN side, 400k USD
	assert.Equal(t, types.Liquid, class(0xa4))
}
