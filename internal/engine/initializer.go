package engine

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/devlongs/cycle-arb/internal/dex/uniswapv2"
	"github.com/devlongs/cycle-arb/internal/store"
	"github.com/devlongs/cycle-arb/pkg/types"
)

// PairReader fetches on-chain pair metadata
type PairReader interface {
	PairInfo(ctx context.Context, pool common.Address) (*uniswapv2.PairInfo, error)
	TokenInfo(ctx context.Context, token common.Address) (uniswapv2.TokenInfo, error)
	GetReserves(ctx context.Context, pool common.Address) (*big.Int, *big.Int, error)
}

// PoolWriter persists newly discovered pools
type PoolWriter interface {
	InsertPool(ctx context.Context, rec store.PoolRecord) error
}

// Initializer turns queued unknown pools into graph pools
type Initializer struct {
	graph     *Graph
	reader    PairReader
	writer    PoolWriter
	factories map[common.Address]bool
	workers   int
}

// NewInitializer creates an initializer. An empty factory list accepts pools
// from any factory. writer may be nil.
func NewInitializer(graph *Graph, reader PairReader, writer PoolWriter, factories []common.Address, workers int) *Initializer {
	allowed := make(map[common.Address]bool, len(factories))
	for _, f := range factories {
		allowed[f] = true
	}
	if workers < 1 {
		workers = 1
	}
	return &Initializer{
		graph:     graph,
		reader:    reader,
		writer:    writer,
		factories: allowed,
		workers:   workers,
	}
}

func (i *Initializer) fetch(ctx context.Context, addr common.Address, marker types.Marker) (*store.PoolRecord, error) {
	pair, err := i.reader.PairInfo(ctx, addr)
	if err != nil {
		return nil, err
	}
	if len(i.factories) > 0 && !i.factories[pair.Factory] {
		return nil, nil
	}

	token0, err := i.reader.TokenInfo(ctx, pair.Token0)
	if err != nil {
		return nil, fmt.Errorf("token0: %w", err)
	}
	token1, err := i.reader.TokenInfo(ctx, pair.Token1)
	if err != nil {
		return nil, fmt.Errorf("token1: %w", err)
	}
	reserve0, reserve1, err := i.reader.GetReserves(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("reserves: %w", err)
	}

	block := marker.Block
	if latest := i.graph.LatestBlock(); latest > block {
		block = latest
	}

	return &store.PoolRecord{
		Address:      addr,
		Token0:       store.TokenRecord{Address: token0.Address, Symbol: token0.Symbol, Decimals: token0.Decimals},
		Token1:       store.TokenRecord{Address: token1.Address, Symbol: token1.Symbol, Decimals: token1.Decimals},
		Factory:      pair.Factory,
		Reserve0:     reserve0,
		Reserve1:     reserve1,
		UpdatedBlock: block,
	}, nil
}

// Run initialises every queued pool and returns how many were added. Pools
// that fail to initialise are dropped; their next event queues them again.
func (i *Initializer) Run(ctx context.Context) (int, error) {
	pending := i.graph.TakePending()
	if len(pending) == 0 {
		return 0, nil
	}

	var (
		mu      sync.Mutex
		records []*store.PoolRecord
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(i.workers)
	for addr, marker := range pending {
		addr, marker := addr, marker
		eg.Go(func() error {
			rec, err := i.fetch(egCtx, addr, marker)
			if err != nil {
				log.Warn().Err(err).Str("pool", addr.Hex()).Msg("Failed to initialise pool")
				return nil
			}
			if rec == nil {
				log.Debug().Str("pool", addr.Hex()).Msg("Ignoring pool from unknown factory")
				return nil
			}
			mu.Lock()
			records = append(records, rec)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, err
	}

	added := 0
	for _, rec := range records {
		pool, cycleCount, err := i.graph.AddPool(*rec)
		if err != nil {
			log.Warn().Err(err).Str("pool", rec.Address.Hex()).Msg("Failed to add pool")
			continue
		}
		added++

		log.Info().
			Str("pool", rec.Address.Hex()).
			Str("pair", rec.Token0.Symbol+"/"+rec.Token1.Symbol).
			Uint32("id", uint32(pool.ID)).
			Int("cycles", cycleCount).
			Msg("New pool initialised")

		if i.writer != nil {
			if err := i.writer.InsertPool(ctx, *rec); err != nil {
				log.Warn().Err(err).Str("pool", rec.Address.Hex()).Msg("Failed to persist pool")
			}
		}
	}
	return added, ctx.Err()
}
