package engine

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devlongs/cycle-arb/internal/config"
	"github.com/devlongs/cycle-arb/internal/dex/uniswapv2"
	"github.com/devlongs/cycle-arb/internal/poolstore"
	"github.com/devlongs/cycle-arb/internal/store"
	"github.com/devlongs/cycle-arb/pkg/types"
)

var (
	tokX  = store.TokenRecord{Address: common.HexToAddress("0x01"), Symbol: "X", Decimals: 18}
	tokY  = store.TokenRecord{Address: common.HexToAddress("0x02"), Symbol: "Y", Decimals: 18}
	tokZ  = store.TokenRecord{Address: common.HexToAddress("0x03"), Symbol: "Z", Decimals: 18}
	poolA = common.HexToAddress("0xa1")
	poolB = common.HexToAddress("0xa2")
)

func record(addr common.Address, t0, t1 store.TokenRecord, r0, r1 int64) store.PoolRecord {
	return store.PoolRecord{
		Address:      addr,
		Token0:       t0,
		Token1:       t1,
		Reserve0:     big.NewInt(r0),
		Reserve1:     big.NewInt(r1),
		UpdatedBlock: 10,
	}
}

func scenarioGraph(t *testing.T) *Graph {
	t.Helper()
	g := NewGraph(3, 0, nil)
	_, err := g.Load([]store.PoolRecord{
		record(poolA, tokX, tokY, 1000, 2000),
		record(poolB, tokY, tokX, 2100, 1000),
	})
	require.NoError(t, err)
	return g
}

func syncEvent(pool common.Address, r0, r1 int64, block uint64, idx uint) *types.ChainEvent {
	return &types.ChainEvent{
		Kind:     types.EventSync,
		Pool:     pool,
		Reserve0: big.NewInt(r0),
		Reserve1: big.NewInt(r1),
		Marker:   types.Marker{Block: block, LogIndex: idx},
	}
}

func onlyCycle(t *testing.T, g *Graph) float64 {
	t.Helper()
	var rate float64
	g.Read(func(v View) {
		ids := v.Cycles.IDs()
		require.Len(t, ids, 1)
		c, _ := v.Cycles.Cycle(ids[0])
		rate = c.Rate
	})
	return rate
}

func TestApplySyncUpdatesCycle(t *testing.T) {
	g := scenarioGraph(t)
	assert.InDelta(t, -0.0488, onlyCycle(t, g), 1e-3)
	assert.Empty(t, g.DrainTouched())

	require.NoError(t, g.ApplySync(syncEvent(poolB, 1900, 1000, 11, 0)))
	assert.InDelta(t, 0.0513, onlyCycle(t, g), 1e-3)
	assert.Len(t, g.DrainTouched(), 1)
	assert.Equal(t, uint64(11), g.LatestBlock())
}

func TestApplySyncRejectsZeroReserve(t *testing.T) {
	g := scenarioGraph(t)
	before := onlyCycle(t, g)

	err := g.ApplySync(syncEvent(poolA, 0, 2000, 11, 0))
	var numeric *types.NumericError
	require.ErrorAs(t, err, &numeric)

	assert.Equal(t, before, onlyCycle(t, g))
	assert.Empty(t, g.DrainTouched())

	id, _ := g.Pools().Lookup(poolA)
	assert.Contains(t, g.Pools().Flagged(), id)
	assert.Equal(t, int64(1000), g.Pools().State(id).Reserve0.Int64())
}

func TestApplySyncIgnoresStaleMarker(t *testing.T) {
	g := scenarioGraph(t)
	require.NoError(t, g.ApplySync(syncEvent(poolB, 1900, 1000, 12, 3)))
	g.DrainTouched()

	require.NoError(t, g.ApplySync(syncEvent(poolB, 2500, 1000, 12, 2)))
	assert.Empty(t, g.DrainTouched())
	assert.InDelta(t, 0.0513, onlyCycle(t, g), 1e-3)
}

func TestApplySyncQueuesUnknownPool(t *testing.T) {
	g := scenarioGraph(t)
	unknown := common.HexToAddress("0xff")

	err := g.ApplySync(syncEvent(unknown, 1, 1, 11, 0))
	assert.ErrorIs(t, err, types.ErrNotFound)

	pending := g.TakePending()
	assert.Contains(t, pending, unknown)
	assert.Empty(t, g.TakePending())
}

func TestResetReservesAppliesDelta(t *testing.T) {
	g := scenarioGraph(t)
	require.NoError(t, g.ApplySync(syncEvent(poolB, 1900, 1000, 12, 3)))

	// a reorg rolls the pool back to an older state
	require.NoError(t, g.ResetReserves(poolB, big.NewInt(2100), big.NewInt(1000), types.Marker{Block: 11}))
	assert.InDelta(t, -0.0488, onlyCycle(t, g), 1e-3)
}

func TestRemovePoolsCascades(t *testing.T) {
	g := scenarioGraph(t)
	id, _ := g.Pools().Lookup(poolA)

	assert.Equal(t, 1, g.RemovePools([]types.PoolID{id}))
	pools, cycles := g.Stats()
	assert.Equal(t, 1, pools)
	assert.Zero(t, cycles)
	g.Read(func(v View) {
		assert.False(t, v.Rates.Has(id))
	})
}

func TestCheckpointListsOnlyMovedPools(t *testing.T) {
	g := scenarioGraph(t)

	// freshly loaded reserves are already persisted
	updates, _ := g.Checkpoint()
	assert.Empty(t, updates)

	require.NoError(t, g.ApplySync(syncEvent(poolB, 1900, 1000, 12, 0)))
	updates, commit := g.Checkpoint()
	require.Len(t, updates, 1)
	assert.Equal(t, poolB, updates[0].Address)
	assert.Equal(t, uint64(12), updates[0].Block)
	assert.Equal(t, int64(1900), updates[0].Reserve0.Int64())

	// an uncommitted checkpoint is offered again
	updates, commit = g.Checkpoint()
	require.Len(t, updates, 1)
	commit()

	updates, _ = g.Checkpoint()
	assert.Empty(t, updates)

	require.NoError(t, g.ApplySync(syncEvent(poolB, 1800, 1000, 12, 4)))
	updates, _ = g.Checkpoint()
	assert.Len(t, updates, 1)
}

func TestNumericFlagClearsOnValidReserves(t *testing.T) {
	g := scenarioGraph(t)
	id, _ := g.Pools().Lookup(poolB)

	require.Error(t, g.ApplySync(syncEvent(poolB, 0, 1000, 11, 0)))
	assert.True(t, g.Pools().IsFlagged(id))

	require.NoError(t, g.ApplySync(syncEvent(poolB, 1900, 1000, 12, 0)))
	assert.False(t, g.Pools().IsFlagged(id))

	// an integrity flag is not lifted by a sync
	g.Pools().Flag(id, flagIntegrity)
	require.NoError(t, g.ApplySync(syncEvent(poolB, 1800, 1000, 13, 0)))
	assert.True(t, g.Pools().IsFlagged(id))

	require.Error(t, g.ResetReserves(poolA, big.NewInt(0), big.NewInt(1), types.Marker{Block: 14}))
	idA, _ := g.Pools().Lookup(poolA)
	assert.True(t, g.Pools().IsFlagged(idA))
	require.NoError(t, g.ResetReserves(poolA, big.NewInt(1000), big.NewInt(2000), types.Marker{Block: 14}))
	assert.False(t, g.Pools().IsFlagged(idA))
}

type stubValuer struct {
	prices map[common.Address]float64
}

func (s stubValuer) Prices(pools *poolstore.Store) poolstore.Prices {
	if s.prices == nil {
		return nil
	}
	out := make(poolstore.Prices)
	for addr, p := range s.prices {
		if id, ok := pools.TokenID(addr); ok {
			out[id] = p
		}
	}
	return out
}

func TestRevalueReclassifiesPools(t *testing.T) {
	g := NewGraph(3, 5000, nil)
	_, err := g.Load([]store.PoolRecord{
		record(poolA, tokX, tokY, 1000, 2000),
	})
	require.NoError(t, err)
	id, _ := g.Pools().Lookup(poolA)
	// raw units: the depth score is tiny
	assert.Equal(t, types.Illiquid, g.Pools().State(id).Class)

	priced, changed := g.Revalue(stubValuer{prices: map[common.Address]float64{tokX.Address: 1e21}})
	assert.Equal(t, 1, priced)
	assert.Equal(t, 1, changed)
	// 2 * 1000e-18 * 1e21
	assert.InDelta(t, 2e6, g.Pools().State(id).Liquidity, 1e-3)
	assert.Equal(t, types.Liquid, g.Pools().State(id).Class)

	priced, changed = g.Revalue(stubValuer{})
	assert.Zero(t, priced)
	assert.Equal(t, 1, changed)
}

func TestTouchedGaugeTracksPendingCycles(t *testing.T) {
	g := scenarioGraph(t)
	require.NoError(t, g.ApplySync(syncEvent(poolB, 1900, 1000, 11, 0)))
	assert.Equal(t, 1.0, testutil.ToFloat64(g.metrics.TouchedPending))

	g.DrainTouched()
	assert.Zero(t, testutil.ToFloat64(g.metrics.TouchedPending))
}

func TestMaxLegsIsClamped(t *testing.T) {
	assert.Equal(t, 3, NewGraph(5, 0, nil).MaxLegs())
	assert.Equal(t, 2, NewGraph(2, 0, nil).MaxLegs())
}

type fakeReader struct {
	pairs    map[common.Address]*uniswapv2.PairInfo
	reserves map[common.Address][2]int64
}

func (f *fakeReader) PairInfo(_ context.Context, pool common.Address) (*uniswapv2.PairInfo, error) {
	if p, ok := f.pairs[pool]; ok {
		return p, nil
	}
	return nil, errors.New("execution reverted")
}

func (f *fakeReader) TokenInfo(_ context.Context, token common.Address) (uniswapv2.TokenInfo, error) {
	return uniswapv2.TokenInfo{Address: token, Symbol: token.Hex()[:6], Decimals: 18}, nil
}

func (f *fakeReader) GetReserves(_ context.Context, pool common.Address) (*big.Int, *big.Int, error) {
	r := f.reserves[pool]
	return big.NewInt(r[0]), big.NewInt(r[1]), nil
}

type fakeWriter struct {
	mu       sync.Mutex
	inserted []common.Address
}

func (f *fakeWriter) InsertPool(_ context.Context, rec store.PoolRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, rec.Address)
	return nil
}

func TestInitializerAddsPendingPools(t *testing.T) {
	g := scenarioGraph(t)
	factory := common.HexToAddress("0xfac")
	poolC := common.HexToAddress("0xa3")
	poolD := common.HexToAddress("0xa4")
	foreign := common.HexToAddress("0xa5")

	reader := &fakeReader{
		pairs: map[common.Address]*uniswapv2.PairInfo{
			poolC:   {Address: poolC, Token0: tokY.Address, Token1: tokZ.Address, Factory: factory},
			poolD:   {Address: poolD, Token0: tokZ.Address, Token1: tokX.Address, Factory: factory},
			foreign: {Address: foreign, Token0: tokX.Address, Token1: tokZ.Address, Factory: common.HexToAddress("0xbad")},
		},
		reserves: map[common.Address][2]int64{
			poolC: {500, 700},
			poolD: {900, 300},
		},
	}
	writer := &fakeWriter{}

	g.QueuePending(poolC, types.Marker{Block: 11})
	g.QueuePending(poolD, types.Marker{Block: 11})
	g.QueuePending(foreign, types.Marker{Block: 11})
	g.QueuePending(poolA, types.Marker{Block: 11}) // already known

	ini := NewInitializer(g, reader, writer, []common.Address{factory}, 2)
	added, err := ini.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.ElementsMatch(t, []common.Address{poolC, poolD}, writer.inserted)

	_, ok := g.Pools().Lookup(foreign)
	assert.False(t, ok)

	// X/Y pair plus two triangles through the new pools
	_, cycles := g.Stats()
	assert.Equal(t, 3, cycles)

	stats, err := g.Rebuild()
	require.NoError(t, err)
	assert.Zero(t, stats.Added)
	assert.InDelta(t, 0, stats.MaxDrift, 1e-12)
}

type recordingScanner struct {
	mu    sync.Mutex
	scans int
}

func (s *recordingScanner) Scan(context.Context) []*types.Opportunity {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans++
	return nil
}

func (s *recordingScanner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scans
}

type sliceSource struct {
	events []*types.ChainEvent
}

func (s *sliceSource) Run(ctx context.Context, out chan<- *types.ChainEvent) error {
	for _, ev := range s.events {
		out <- ev
	}
	<-ctx.Done()
	return ctx.Err()
}

func testConfig() *config.Config {
	return &config.Config{
		Engine: config.EngineConfig{MaxLegs: 3, BlockInterval: time.Second, ScanBudgetFraction: 0.5},
		Feed:   config.FeedConfig{QueueSize: 16},
	}
}

func TestEngineRunAppliesEventsAndScans(t *testing.T) {
	g := scenarioGraph(t)
	g.SetSynced(true)
	scanner := &recordingScanner{}

	e := New(testConfig(), Options{
		Graph:   g,
		Source:  &sliceSource{events: []*types.ChainEvent{syncEvent(poolB, 1900, 1000, 11, 0)}},
		Scanner: scanner,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return scanner.count() > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.InDelta(t, 0.0513, onlyCycle(t, g), 1e-3)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestEngineSkipsScanWhileUnsynced(t *testing.T) {
	g := scenarioGraph(t)
	scanner := &recordingScanner{}

	e := New(testConfig(), Options{
		Graph:   g,
		Source:  &sliceSource{events: []*types.ChainEvent{syncEvent(poolB, 1900, 1000, 11, 0)}},
		Scanner: scanner,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()

	require.Eventually(t, func() bool { return g.LatestBlock() == 11 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, scanner.count())
}
