package engine

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/devlongs/cycle-arb/internal/config"
	"github.com/devlongs/cycle-arb/internal/metrics"
	"github.com/devlongs/cycle-arb/internal/output"
	"github.com/devlongs/cycle-arb/internal/store"
	"github.com/devlongs/cycle-arb/pkg/types"
)

// Source produces chain events until ctx is done
type Source interface {
	Run(ctx context.Context, out chan<- *types.ChainEvent) error
}

// Scanner evaluates the touched cycles and returns the opportunities to act on
type Scanner interface {
	Scan(ctx context.Context) []*types.Opportunity
}

// Executor hands one opportunity to the execution boundary
type Executor interface {
	Execute(ctx context.Context, opp *types.Opportunity) types.ExecutionResult
}

// Pruner removes dead pools from the graph
type Pruner interface {
	Prune(ctx context.Context) (int, error)
}

// Checkpointer persists reserves
type Checkpointer interface {
	Checkpoint(ctx context.Context, updates []store.ReserveUpdate) (int, error)
}

// Engine wires the feed, graph, scanner and executor into one task group
type Engine struct {
	cfg         *config.Config
	graph       *Graph
	source      Source
	scanner     Scanner
	exec        Executor // nil disables execution
	pruner      Pruner
	initializer *Initializer
	ckpt        Checkpointer // nil disables checkpoints
	valuer      Valuer       // nil keeps the unpriced liquidity score
	metrics     *metrics.Metrics
	out         *output.Logger
}

// Options holds the engine's collaborators
type Options struct {
	Graph        *Graph
	Source       Source
	Scanner      Scanner
	Executor     Executor
	Pruner       Pruner
	Initializer  *Initializer
	Checkpointer Checkpointer
	Valuer       Valuer
	Metrics      *metrics.Metrics
	Logger       *output.Logger
}

// New creates an engine
func New(cfg *config.Config, opts Options) *Engine {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	return &Engine{
		cfg:         cfg,
		graph:       opts.Graph,
		source:      opts.Source,
		scanner:     opts.Scanner,
		exec:        opts.Executor,
		pruner:      opts.Pruner,
		initializer: opts.Initializer,
		ckpt:        opts.Checkpointer,
		valuer:      opts.Valuer,
		metrics:     opts.Metrics,
		out:         opts.Logger,
	}
}

// Run starts every task and blocks until ctx is cancelled or a task fails
func (e *Engine) Run(ctx context.Context) error {
	e.revalue()

	g, ctx := errgroup.WithContext(ctx)

	events := make(chan *types.ChainEvent, e.cfg.Feed.QueueSize)
	wake := make(chan struct{}, 1)

	var opps chan *types.Opportunity
	if e.exec != nil {
		opps = make(chan *types.Opportunity, e.cfg.Execution.QueueSize)
	}

	g.Go(func() error { return e.source.Run(ctx, events) })
	g.Go(func() error { return e.ingest(ctx, events, wake) })
	g.Go(func() error { return e.maintain(ctx) })
	g.Go(func() error { return e.scan(ctx, wake, opps) })

	if e.exec != nil {
		workers := e.cfg.Execution.Workers
		if workers < 1 {
			workers = 1
		}
		for i := 0; i < workers; i++ {
			g.Go(func() error { return e.execute(ctx, opps) })
		}
	}

	log.Info().
		Int("maxLegs", e.graph.MaxLegs()).
		Dur("scanBudget", e.cfg.Engine.ScanBudget()).
		Bool("execution", e.exec != nil).
		Msg("Engine started")

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) reportError(err error, what string) {
	e.metrics.ErrorsTotal.WithLabelValues(types.ErrorType(err)).Inc()
	if e.out != nil {
		e.out.LogError(err, what)
	}
}

// ingest applies events in arrival order and wakes the scanner once per
// drained batch
func (e *Engine) ingest(ctx context.Context, events <-chan *types.ChainEvent, wake chan<- struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			e.apply(ev)
		}

		// Drain whatever queued up while we were busy
	drain:
		for {
			select {
			case ev := <-events:
				e.apply(ev)
			default:
				break drain
			}
		}

		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) apply(ev *types.ChainEvent) {
	switch ev.Kind {
	case types.EventPairCreated:
		e.graph.QueuePending(ev.Pool, ev.Marker)
	case types.EventSync:
		if err := e.graph.ApplySync(ev); err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return
			}
			e.reportError(err, "apply sync")
		}
	case types.EventReset:
		if err := e.graph.ResetReserves(ev.Pool, ev.Reserve0, ev.Reserve1, ev.Marker); err != nil {
			e.reportError(err, "reset reserves")
		}
	}
}

func (e *Engine) scan(ctx context.Context, wake <-chan struct{}, opps chan<- *types.Opportunity) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}

		if !e.graph.Synced() {
			continue
		}

		found := e.scanner.Scan(ctx)
		if opps == nil {
			continue
		}
		for _, opp := range found {
			select {
			case opps <- opp:
			case <-ctx.Done():
				return ctx.Err()
			default:
				log.Warn().Str("id", opp.ID.String()).Msg("Execution queue full, dropping opportunity")
			}
		}
	}
}

func (e *Engine) execute(ctx context.Context, opps <-chan *types.Opportunity) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case opp := <-opps:
			res := e.exec.Execute(ctx, opp)
			e.metrics.Executions.WithLabelValues(string(res.Outcome)).Inc()
			if e.out != nil {
				e.out.LogExecution(res)
			}
			if res.Err != nil && res.Outcome != types.OutcomeExpired && res.Outcome != types.OutcomeDuplicate {
				e.metrics.ErrorsTotal.WithLabelValues(types.ErrorType(res.Err)).Inc()
			}
		}
	}
}

func newTicker(d time.Duration) *time.Ticker {
	if d <= 0 {
		// effectively disabled
		d = 24 * time.Hour * 365
	}
	return time.NewTicker(d)
}

// maintain is the only writer of topology: pruning, rebuilding, pending
// pool initialisation and checkpoints all run here, off the scan path
func (e *Engine) maintain(ctx context.Context) error {
	pruneTicker := newTicker(e.cfg.Prune.Interval)
	defer pruneTicker.Stop()
	rebuildTicker := newTicker(e.cfg.Engine.RebuildInterval)
	defer rebuildTicker.Stop()
	initTicker := newTicker(e.cfg.Engine.InitInterval)
	defer initTicker.Stop()
	ckptTicker := newTicker(e.cfg.Database.CheckpointInterval)
	defer ckptTicker.Stop()
	statsTicker := time.NewTicker(time.Minute)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.checkpoint(context.Background())
			return ctx.Err()

		case <-pruneTicker.C:
			e.revalue()
			if e.pruner == nil {
				continue
			}
			if _, err := e.pruner.Prune(ctx); err != nil {
				e.reportError(err, "prune")
			}

		case <-rebuildTicker.C:
			e.rebuild()

		case <-initTicker.C:
			if e.initializer == nil {
				continue
			}
			if _, err := e.initializer.Run(ctx); err != nil && ctx.Err() == nil {
				e.reportError(err, "initialise pools")
			}

		case <-ckptTicker.C:
			e.checkpoint(ctx)

		case <-statsTicker.C:
			if e.out != nil {
				pools, cycleCount := e.graph.Stats()
				e.out.LogStats(pools, cycleCount)
			}
		}
	}
}

func (e *Engine) rebuild() {
	timer := prometheus.NewTimer(e.metrics.RebuildDuration)
	stats, err := e.graph.Rebuild()
	elapsed := timer.ObserveDuration()
	if err != nil {
		e.reportError(err, "rebuild")
		return
	}
	log.Info().
		Int("added", stats.Added).
		Int("removed", stats.Removed).
		Int("kept", stats.Kept).
		Float64("maxDrift", stats.MaxDrift).
		Dur("duration", elapsed).
		Msg("Cycle index rebuilt")
}

// revalue refreshes reference prices so the pruner classifies pools by
// current USD depth
func (e *Engine) revalue() {
	if e.valuer == nil {
		return
	}
	priced, changed := e.graph.Revalue(e.valuer)
	log.Debug().Int("pricedTokens", priced).Int("reclassified", changed).Msg("Pools revalued")
}

func (e *Engine) checkpoint(ctx context.Context) {
	if e.ckpt == nil {
		return
	}
	updates, commit := e.graph.Checkpoint()
	if len(updates) == 0 {
		return
	}
	n, err := e.ckpt.Checkpoint(ctx, updates)
	if err != nil {
		e.reportError(err, "checkpoint")
		return
	}
	commit()
	e.metrics.CheckpointWrites.Add(float64(n))
	log.Debug().Int("rows", n).Msg("Reserves checkpointed")
}
