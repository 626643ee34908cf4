package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/devlongs/cycle-arb/internal/arbitrage"
	"github.com/devlongs/cycle-arb/internal/config"
	"github.com/devlongs/cycle-arb/internal/cycles"
	"github.com/devlongs/cycle-arb/internal/dex/uniswapv2"
	"github.com/devlongs/cycle-arb/internal/engine"
	"github.com/devlongs/cycle-arb/internal/eth"
	"github.com/devlongs/cycle-arb/internal/execution"
	"github.com/devlongs/cycle-arb/internal/feed"
	"github.com/devlongs/cycle-arb/internal/metrics"
	"github.com/devlongs/cycle-arb/internal/output"
	"github.com/devlongs/cycle-arb/internal/pruner"
	"github.com/devlongs/cycle-arb/internal/store"
	"github.com/devlongs/cycle-arb/internal/valuation"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "cyclearb",
		Short:        "Incremental cycle arbitrage engine for constant-product pools",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newCyclesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Follow the chain and scan touched cycles every block",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
}

func newCyclesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "cycles",
		Short: "Enumerate cycles over the persisted pools and print the best ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return listCycles(cfg, limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of cycles to print")
	return cmd
}

// openGraph loads the persisted pools into a fresh graph
func openGraph(cfg *config.Config, m *metrics.Metrics) (*store.Store, *engine.Graph, error) {
	db, err := store.Open(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.Driver == "sqlite" {
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, nil, err
		}
	}

	records, err := db.LoadAll(context.Background())
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	graph := engine.NewGraph(cfg.Engine.MaxLegs, cfg.Prune.LiquidityFloor, m)
	stats, err := graph.Load(records)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	log.Info().
		Int("pools", len(records)).
		Int("cycles", stats.Added).
		Uint64("block", graph.LatestBlock()).
		Msg("Graph loaded")
	return db, graph, nil
}

func run(cfg *config.Config) error {
	out := output.NewLogger(cfg.Logging)
	m := metrics.New(prometheus.DefaultRegisterer)

	db, graph, err := openGraph(cfg, m)
	if err != nil {
		return err
	}
	defer db.Close()

	client, err := eth.NewClient(cfg.RPC)
	if err != nil {
		return err
	}
	defer client.Close()

	reader := uniswapv2.NewReader(client)

	factories := make([]common.Address, 0, len(cfg.Feed.Factories))
	for _, f := range cfg.Feed.Factories {
		factories = append(factories, common.HexToAddress(f))
	}

	opts := engine.Options{
		Graph:        graph,
		Source:       feed.New(client, reader, graph, cfg.Feed, m),
		Scanner:      arbitrage.NewScanner(graph, cfg.Engine, m, out),
		Pruner:       pruner.New(graph, cfg.Prune, m),
		Initializer:  engine.NewInitializer(graph, reader, db, factories, cfg.Feed.RefreshWorkers),
		Checkpointer: db,
		Valuer:       valuation.New(cfg.Valuation),
		Metrics:      m,
		Logger:       out,
	}

	if cfg.Execution.Enabled {
		boundary, err := execution.NewContractBoundary(client, client.ChainID(), cfg.Execution)
		if err != nil {
			return err
		}
		opts.Executor = execution.NewGateway(boundary, client, cfg.Execution.MinProfitShare)
		log.Info().
			Str("contract", cfg.Execution.Contract).
			Bool("dryRun", cfg.Execution.DryRun).
			Msg("Execution enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.New(cfg, opts).Run(ctx) })
	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, prometheus.DefaultGatherer, graph.Health)
		g.Go(func() error { return srv.Run(ctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	stats := out.GetStats()
	log.Info().
		Uint64("scans", stats.Scans).
		Uint64("opportunities", stats.OpportunitiesSeen).
		Msg("Engine stopped")
	return nil
}

func listCycles(cfg *config.Config, limit int) error {
	output.Setup(cfg.Logging)

	db, graph, err := openGraph(cfg, nil)
	if err != nil {
		return err
	}
	defer db.Close()

	var (
		all    []cycles.Cycle
		byLegs = map[int]int{}
		lines  []string
	)
	graph.Read(func(v engine.View) {
		for _, id := range v.Cycles.IDs() {
			c, ok := v.Cycles.Cycle(id)
			if !ok {
				continue
			}
			all = append(all, c)
			byLegs[len(c.Legs)]++
		}

		sort.Slice(all, func(i, j int) bool {
			return math.Abs(all[i].Rate) > math.Abs(all[j].Rate)
		})
		if limit > len(all) {
			limit = len(all)
		}
		if limit < 0 {
			limit = 0
		}

		for _, c := range all[:limit] {
			legs := c.Oriented(c.Rate < 0)
			symbols := make([]string, 0, len(legs)+1)
			for _, leg := range legs {
				tok, _ := v.Pools.Token(leg.TokenIn)
				symbols = append(symbols, tok.Symbol)
			}
			symbols = append(symbols, symbols[0])
			lines = append(lines, fmt.Sprintf("%6d  %.6f  %s", c.ID, math.Abs(c.Rate), strings.Join(symbols, " -> ")))
		}
	})

	pools, tokens := graph.Pools().Len(), graph.Pools().TokenCount()
	fmt.Printf("pools=%d tokens=%d cycles=%d two-leg=%d three-leg=%d\n",
		pools, tokens, len(all), byLegs[2], byLegs[3])
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}
