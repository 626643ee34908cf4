package feed

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/devlongs/cycle-arb/internal/config"
	"github.com/devlongs/cycle-arb/internal/dex/uniswapv2"
	"github.com/devlongs/cycle-arb/internal/engine"
	"github.com/devlongs/cycle-arb/internal/metrics"
	"github.com/devlongs/cycle-arb/pkg/types"
)

// Client is the chain access the feed needs
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, query ethereum.FilterQuery) ([]ethtypes.Log, error)
	SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error)
}

// ReserveReader reads a pool's current reserves
type ReserveReader interface {
	GetReserves(ctx context.Context, pool common.Address) (*big.Int, *big.Int, error)
}

// Feed streams Sync and PairCreated logs into the engine. After a dropped
// subscription it replays the missed range, or refreshes every pool when the
// range is too long to replay.
type Feed struct {
	client    Client
	reader    ReserveReader
	graph     *engine.Graph
	cfg       config.FeedConfig
	factories map[common.Address]bool
	metrics   *metrics.Metrics

	last uint64 // highest block forwarded, only touched by Run
}

// New creates a feed. An empty factory list accepts pairs from any factory.
func New(client Client, reader ReserveReader, graph *engine.Graph, cfg config.FeedConfig, m *metrics.Metrics) *Feed {
	if m == nil {
		m = metrics.New(nil)
	}
	factories := make(map[common.Address]bool, len(cfg.Factories))
	for _, f := range cfg.Factories {
		factories[common.HexToAddress(f)] = true
	}
	if cfg.RefreshWorkers < 1 {
		cfg.RefreshWorkers = 1
	}
	return &Feed{
		client:    client,
		reader:    reader,
		graph:     graph,
		cfg:       cfg,
		factories: factories,
		metrics:   m,
	}
}

func query() ethereum.FilterQuery {
	return ethereum.FilterQuery{Topics: uniswapv2.Topics()}
}

// Run keeps a log subscription alive until ctx is done
func (f *Feed) Run(ctx context.Context, out chan<- *types.ChainEvent) error {
	f.last = f.graph.LatestBlock()

	for attempt := 0; ; attempt++ {
		err := f.session(ctx, out, attempt > 0)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.graph.SetSynced(false)
		log.Warn().
			Err(err).
			Uint64("lastBlock", f.last).
			Dur("retryIn", f.cfg.ReconnectDelay).
			Msg("Log subscription lost, reconnecting...")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.cfg.ReconnectDelay):
		}
	}
}

func (f *Feed) session(ctx context.Context, out chan<- *types.ChainEvent, reconnect bool) error {
	logs := make(chan ethtypes.Log, f.cfg.QueueSize)
	sub, err := f.client.SubscribeFilterLogs(ctx, query(), logs)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	// Subscribed first so nothing is lost between catch-up and streaming
	if err := f.catchUp(ctx, out, reconnect); err != nil {
		return err
	}
	f.graph.SetSynced(true)
	log.Info().Uint64("block", f.last).Msg("Feed synced, streaming logs")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return err
		case l := <-logs:
			if err := f.handle(ctx, out, l); err != nil {
				return err
			}
		}
	}
}

// catchUp brings the graph from the last forwarded block to the head
func (f *Feed) catchUp(ctx context.Context, out chan<- *types.ChainEvent, reconnect bool) error {
	head, err := f.client.BlockNumber(ctx)
	if err != nil {
		return err
	}
	if f.last == 0 || head <= f.last {
		if head > f.last {
			f.last = head
		}
		return nil
	}

	gap := head - f.last
	if reconnect {
		gapErr := &types.FeedGapError{
			From:   types.Marker{Block: f.last},
			To:     types.Marker{Block: head},
			Reason: "subscription dropped",
		}
		f.metrics.ErrorsTotal.WithLabelValues(types.ErrorType(gapErr)).Inc()
		log.Warn().Err(gapErr).Uint64("blocks", gap).Msg("Resyncing after feed gap")
	}

	if gap <= f.cfg.MaxReplayBlocks {
		f.metrics.Resyncs.WithLabelValues("replay").Inc()
		return f.replay(ctx, out, f.last+1, head)
	}
	f.metrics.Resyncs.WithLabelValues("refresh").Inc()
	return f.refresh(ctx, out, head)
}

// replay forwards the logs of [from, to] in chain order
func (f *Feed) replay(ctx context.Context, out chan<- *types.ChainEvent, from, to uint64) error {
	q := query()
	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = new(big.Int).SetUint64(to)

	logs, err := f.client.GetLogs(ctx, q)
	if err != nil {
		return err
	}
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	for _, l := range logs {
		if err := f.handle(ctx, out, l); err != nil {
			return err
		}
	}
	f.last = to

	log.Info().Uint64("from", from).Uint64("to", to).Int("logs", len(logs)).Msg("Replayed missed logs")
	return nil
}

// refresh reads every pool's reserves at the head and forwards them as resets
func (f *Feed) refresh(ctx context.Context, out chan<- *types.ChainEvent, head uint64) error {
	pools := f.graph.Pools().Pools()
	marker := types.Marker{Block: head}

	var (
		mu     sync.Mutex
		events = make([]*types.ChainEvent, 0, len(pools))
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(f.cfg.RefreshWorkers)
	for _, pool := range pools {
		addr := pool.Address
		eg.Go(func() error {
			r0, r1, err := f.reader.GetReserves(egCtx, addr)
			if err != nil {
				log.Warn().Err(err).Str("pool", addr.Hex()).Msg("Failed to refresh pool reserves")
				return nil
			}
			mu.Lock()
			events = append(events, &types.ChainEvent{
				Kind:     types.EventReset,
				Marker:   marker,
				Pool:     addr,
				Reserve0: r0,
				Reserve1: r1,
			})
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, ev := range events {
		if err := f.forward(ctx, out, ev); err != nil {
			return err
		}
	}
	f.last = head

	log.Info().Uint64("block", head).Int("pools", len(events)).Msg("Refreshed all pool reserves")
	return nil
}

// handle decodes one log and forwards it. Logs removed by a reorg trigger a
// reserve refresh of that pool.
func (f *Feed) handle(ctx context.Context, out chan<- *types.ChainEvent, l ethtypes.Log) error {
	ev, err := uniswapv2.DecodeLog(l)
	if err != nil {
		log.Debug().Err(err).Str("address", l.Address.Hex()).Msg("Skipping undecodable log")
		return nil
	}

	if ev.Kind == types.EventPairCreated && len(f.factories) > 0 && !f.factories[ev.Factory] {
		return nil
	}

	if ev.Removed {
		if ev.Kind != types.EventSync {
			return nil
		}
		return f.reorg(ctx, out, ev)
	}

	if l.BlockNumber > f.last {
		f.last = l.BlockNumber
	}
	return f.forward(ctx, out, ev)
}

func (f *Feed) reorg(ctx context.Context, out chan<- *types.ChainEvent, ev *types.ChainEvent) error {
	if _, known := f.graph.Pools().Lookup(ev.Pool); !known {
		return nil
	}
	r0, r1, err := f.reader.GetReserves(ctx, ev.Pool)
	if err != nil {
		log.Warn().Err(err).Str("pool", ev.Pool.Hex()).Msg("Failed to refresh reorged pool")
		return nil
	}

	// Replacement logs from the new branch land at or after the removed block
	marker := types.Marker{}
	if ev.Marker.Block > 0 {
		marker.Block = ev.Marker.Block - 1
	}

	log.Info().Str("pool", ev.Pool.Hex()).Uint64("block", ev.Marker.Block).Msg("Sync removed by reorg, refreshing pool")
	return f.forward(ctx, out, &types.ChainEvent{
		Kind:     types.EventReset,
		Marker:   marker,
		Pool:     ev.Pool,
		Reserve0: r0,
		Reserve1: r1,
	})
}

func (f *Feed) forward(ctx context.Context, out chan<- *types.ChainEvent, ev *types.ChainEvent) error {
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
