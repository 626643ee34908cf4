package poolstore

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/devlongs/cycle-arb/pkg/types"
)

var (
	ErrStaleUpdate = errors.New("reserve update is not newer than the pool's marker")
	ErrSameToken   = errors.New("pool tokens must differ")
)

// Prices maps tokens to their value in the reference unit (USD)
type Prices map[types.TokenID]float64

type entry struct {
	pool  types.Pool
	state atomic.Pointer[types.PoolState]
}

// Store is the authoritative registry of tokens and pools. Identifiers are
// dense and never reused. Pool state is published as immutable snapshots so
// State never waits on a reserve update.
type Store struct {
	liquidityFloor float64
	prices         atomic.Pointer[Prices]

	mu          sync.RWMutex
	tokens      []types.Token
	tokenByAddr map[common.Address]types.TokenID
	pools       []*entry // indexed by PoolID, nil once removed
	poolByAddr  map[common.Address]types.PoolID
	byToken     map[types.TokenID]map[types.PoolID]struct{}
	flagged     map[types.PoolID]string
	live        int
}

// New creates an empty store. Pools whose liquidity is below floor are
// classified illiquid.
func New(liquidityFloor float64) *Store {
	return &Store{
		liquidityFloor: liquidityFloor,
		tokenByAddr:    make(map[common.Address]types.TokenID),
		poolByAddr:     make(map[common.Address]types.PoolID),
		byToken:        make(map[types.TokenID]map[types.PoolID]struct{}),
		flagged:        make(map[types.PoolID]string),
	}
}

// AddToken registers a token, returning the existing ID if already known
func (s *Store) AddToken(addr common.Address, symbol string, decimals uint8) types.TokenID {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.tokenByAddr[addr]; ok {
		return id
	}
	id := types.TokenID(len(s.tokens))
	s.tokens = append(s.tokens, types.Token{ID: id, Address: addr, Symbol: symbol, Decimals: decimals})
	s.tokenByAddr[addr] = id
	return id
}

// AddPool registers a pool between two known tokens
func (s *Store) AddPool(addr common.Address, token0, token1 types.TokenID, factory common.Address) (types.Pool, error) {
	if token0 == token1 {
		return types.Pool{}, ErrSameToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.poolByAddr[addr]; ok {
		return types.Pool{}, fmt.Errorf("%w: %s", types.ErrDuplicateAddress, addr.Hex())
	}
	if int(token0) >= len(s.tokens) || int(token1) >= len(s.tokens) {
		return types.Pool{}, &types.DataIntegrityError{Err: fmt.Errorf("pool %s references unknown token", addr.Hex())}
	}

	pool := types.Pool{
		ID:      types.PoolID(len(s.pools)),
		Address: addr,
		Token0:  token0,
		Token1:  token1,
		Factory: factory,
	}
	s.pools = append(s.pools, &entry{pool: pool})
	s.poolByAddr[addr] = pool.ID
	s.link(token0, pool.ID)
	s.link(token1, pool.ID)
	s.live++

	return pool, nil
}

func (s *Store) link(token types.TokenID, pool types.PoolID) {
	set, ok := s.byToken[token]
	if !ok {
		set = make(map[types.PoolID]struct{})
		s.byToken[token] = set
	}
	set[pool] = struct{}{}
}

func (s *Store) unlink(token types.TokenID, pool types.PoolID) {
	if set, ok := s.byToken[token]; ok {
		delete(set, pool)
		if len(set) == 0 {
			delete(s.byToken, token)
		}
	}
}

func (s *Store) get(id types.PoolID) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(id) >= len(s.pools) {
		return nil
	}
	return s.pools[id]
}

// SetState publishes reserves unconditionally. Used by bulk load and resync.
func (s *Store) SetState(id types.PoolID, reserve0, reserve1 *big.Int, marker types.Marker) error {
	e := s.get(id)
	if e == nil {
		return types.ErrNotFound
	}
	e.state.Store(s.newState(e.pool, reserve0, reserve1, marker))
	return nil
}

// ApplySync updates a pool's reserves from a reserve-change notification and
// returns the pool with its prior state. Unknown pools yield ErrNotFound,
// updates at or before the current marker yield ErrStaleUpdate.
func (s *Store) ApplySync(addr common.Address, reserve0, reserve1 *big.Int, marker types.Marker) (types.Pool, *types.PoolState, error) {
	s.mu.RLock()
	id, ok := s.poolByAddr[addr]
	var e *entry
	if ok {
		e = s.pools[id]
	}
	s.mu.RUnlock()

	if e == nil {
		return types.Pool{}, nil, fmt.Errorf("%w: %s", types.ErrNotFound, addr.Hex())
	}

	prev := e.state.Load()
	if prev != nil && !prev.Marker.Before(marker) {
		return e.pool, prev, ErrStaleUpdate
	}
	e.state.Store(s.newState(e.pool, reserve0, reserve1, marker))
	return e.pool, prev, nil
}

func (s *Store) newState(pool types.Pool, reserve0, reserve1 *big.Int, marker types.Marker) *types.PoolState {
	st := &types.PoolState{
		Reserve0: new(big.Int).Set(reserve0),
		Reserve1: new(big.Int).Set(reserve1),
		Marker:   marker,
	}
	st.Liquidity = s.liquidity(pool, reserve0, reserve1)
	st.Class = types.Illiquid
	if st.Liquidity >= s.liquidityFloor {
		st.Class = types.Liquid
	}
	return st
}

// liquidity is the pool's depth in USD once prices are known: both sides
// valued when both tokens are priced, twice the priced side otherwise, zero
// when neither is. Without prices it falls back to the geometric mean of the
// decimal-normalised reserves.
func (s *Store) liquidity(pool types.Pool, reserve0, reserve1 *big.Int) float64 {
	s.mu.RLock()
	d0 := s.tokens[pool.Token0].Decimals
	d1 := s.tokens[pool.Token1].Decimals
	s.mu.RUnlock()

	n0, n1 := Normalize(reserve0, d0), Normalize(reserve1, d1)

	prices := s.prices.Load()
	if prices == nil {
		return math.Sqrt(n0) * math.Sqrt(n1)
	}
	p0, ok0 := (*prices)[pool.Token0]
	p1, ok1 := (*prices)[pool.Token1]
	switch {
	case ok0 && ok1:
		return n0*p0 + n1*p1
	case ok0:
		return 2 * n0 * p0
	case ok1:
		return 2 * n1 * p1
	default:
		return 0
	}
}

// SetPrices replaces the reference prices used to value pools. States
// published before the call keep their class until Reclassify.
func (s *Store) SetPrices(p Prices) {
	if p == nil {
		s.prices.Store(nil)
		return
	}
	s.prices.Store(&p)
}

// Price returns a token's reference price
func (s *Store) Price(id types.TokenID) (float64, bool) {
	prices := s.prices.Load()
	if prices == nil {
		return 0, false
	}
	p, ok := (*prices)[id]
	return p, ok
}

// Reclassify revalues every pool's current reserves and republishes the
// states whose liquidity changed. It returns how many changed class.
// Callers must serialise it with reserve writers.
func (s *Store) Reclassify() int {
	s.mu.RLock()
	entries := make([]*entry, 0, s.live)
	for _, e := range s.pools {
		if e != nil {
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()

	changed := 0
	for _, e := range entries {
		st := e.state.Load()
		if st == nil {
			continue
		}
		next := s.newState(e.pool, st.Reserve0, st.Reserve1, st.Marker)
		if next.Liquidity == st.Liquidity {
			continue
		}
		if next.Class != st.Class {
			changed++
		}
		e.state.Store(next)
	}
	return changed
}

// Normalize converts a raw token amount to whole units
func Normalize(amount *big.Int, decimals uint8) float64 {
	if amount == nil || amount.Sign() <= 0 {
		return 0
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	v, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), scale).Float64()
	return v
}

// RemovePool drops a pool from the registry. It does not touch rates or
// cycles; callers must cascade through the engine graph.
func (s *Store) RemovePool(id types.PoolID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int(id) >= len(s.pools) || s.pools[id] == nil {
		return types.ErrNotFound
	}
	pool := s.pools[id].pool
	s.pools[id] = nil
	delete(s.poolByAddr, pool.Address)
	delete(s.flagged, id)
	s.unlink(pool.Token0, id)
	s.unlink(pool.Token1, id)
	s.live--
	return nil
}

// Flag marks a pool for removal on the next prune
func (s *Store) Flag(id types.PoolID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(id) < len(s.pools) && s.pools[id] != nil {
		s.flagged[id] = reason
	}
}

// ClearFlag lifts a flag set for the given reason and reports whether it did
func (s *Store) ClearFlag(id types.PoolID, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.flagged[id]; ok && r == reason {
		delete(s.flagged, id)
		return true
	}
	return false
}

// IsFlagged reports whether a pool is marked for removal
func (s *Store) IsFlagged(id types.PoolID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.flagged[id]
	return ok
}

// Flagged returns the pools currently marked for removal
func (s *Store) Flagged() map[types.PoolID]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[types.PoolID]string, len(s.flagged))
	for id, reason := range s.flagged {
		out[id] = reason
	}
	return out
}

// Pool returns a registered pool
func (s *Store) Pool(id types.PoolID) (types.Pool, bool) {
	e := s.get(id)
	if e == nil {
		return types.Pool{}, false
	}
	return e.pool, true
}

// State returns the latest reserve snapshot, or nil before the first update
func (s *Store) State(id types.PoolID) *types.PoolState {
	e := s.get(id)
	if e == nil {
		return nil
	}
	return e.state.Load()
}

// Lookup resolves a pool address
func (s *Store) Lookup(addr common.Address) (types.PoolID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.poolByAddr[addr]
	return id, ok
}

// Token returns a registered token
func (s *Store) Token(id types.TokenID) (types.Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(id) >= len(s.tokens) {
		return types.Token{}, false
	}
	return s.tokens[id], true
}

// TokenID resolves a token address
func (s *Store) TokenID(addr common.Address) (types.TokenID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokenByAddr[addr]
	return id, ok
}

// Symbols maps every token address to its symbol
func (s *Store) Symbols() map[common.Address]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[common.Address]string, len(s.tokens))
	for _, t := range s.tokens {
		out[t.Address] = t.Symbol
	}
	return out
}

// Pools returns every live pool ordered by ID
func (s *Store) Pools() []types.Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Pool, 0, s.live)
	for _, e := range s.pools {
		if e != nil {
			out = append(out, e.pool)
		}
	}
	return out
}

// PoolsOfToken returns the live pools trading a token, ordered by ID
func (s *Store) PoolsOfToken(token types.TokenID) []types.PoolID {
	s.mu.RLock()
	set := s.byToken[token]
	out := make([]types.PoolID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of live pools
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}

// TokenCount returns the number of registered tokens
func (s *Store) TokenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

// PoolSnapshot pairs a pool with its current state
type PoolSnapshot struct {
	Pool  types.Pool
	State *types.PoolState
}

// Snapshot returns every live pool with its latest state
func (s *Store) Snapshot() []PoolSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PoolSnapshot, 0, s.live)
	for _, e := range s.pools {
		if e != nil {
			out = append(out, PoolSnapshot{Pool: e.pool, State: e.state.Load()})
		}
	}
	return out
}
