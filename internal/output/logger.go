package output

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/devlongs/cycle-arb/internal/config"
	"github.com/devlongs/cycle-arb/pkg/types"
)

// Logger handles output formatting for scans, opportunities and executions
type Logger struct {
	mu    sync.Mutex
	stats *Stats
}

// Stats tracks engine statistics between stats lines
type Stats struct {
	Scans             uint64
	ScansAbandoned    uint64
	CyclesTouched     uint64
	OpportunitiesSeen uint64
	Outcomes          map[types.Outcome]uint64
	StartTime         time.Time
}

// Setup configures the global zerolog logger
func Setup(cfg config.LoggingConfig) {
	switch cfg.Format {
	case "json":
		// Default JSON output
	case "console":
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		})
	}

	switch cfg.Level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	}
}

// NewLogger creates a new engine logger
func NewLogger(cfg config.LoggingConfig) *Logger {
	Setup(cfg)

	return &Logger{
		stats: &Stats{
			Outcomes:  make(map[types.Outcome]uint64),
			StartTime: time.Now(),
		},
	}
}

// LogScan logs completion of a scan pass
func (l *Logger) LogScan(block uint64, touched, found int, abandoned bool, duration time.Duration) {
	l.mu.Lock()
	l.stats.Scans++
	l.stats.CyclesTouched += uint64(touched)
	l.stats.OpportunitiesSeen += uint64(found)
	if abandoned {
		l.stats.ScansAbandoned++
	}
	l.mu.Unlock()

	event := log.Debug()
	if found > 0 || abandoned {
		event = log.Info()
	}
	event.
		Uint64("block", block).
		Int("touched", touched).
		Int("opportunities", found).
		Bool("abandoned", abandoned).
		Dur("duration", duration).
		Msg("Scan complete")
}

// LogOpportunity logs a detected opportunity. decimals belong to the start
// token and only affect the human-readable amounts.
func (l *Logger) LogOpportunity(opp *types.Opportunity, symbols map[common.Address]string, decimals uint8) {
	log.Info().
		Str("id", opp.ID.String()).
		Uint32("cycle", uint32(opp.CycleID)).
		Uint64("block", opp.DiscoveredAt).
		Uint64("expires", opp.ExpiresAt).
		Str("amountIn", FormatUnits(opp.AmountIn, decimals)).
		Str("profit", FormatUnits(opp.ExpectedProfit, decimals)).
		Str("profitRaw", opp.ExpectedProfit.String()).
		Float64("logRate", opp.LogRate).
		Float64("logReturn", opp.LogReturn).
		Str("path", BuildPathString(opp, symbols)).
		Int("hops", len(opp.Legs)).
		Msg("OPPORTUNITY DETECTED")
}

// LogExecution logs the outcome of an execution attempt
func (l *Logger) LogExecution(res types.ExecutionResult) {
	l.mu.Lock()
	l.stats.Outcomes[res.Outcome]++
	l.mu.Unlock()

	event := log.Info()
	if res.Err != nil {
		event = log.Warn().Err(res.Err)
	}
	event.
		Str("id", res.OpportunityID.String()).
		Str("outcome", string(res.Outcome)).
		Str("tx", res.TxHash.Hex()).
		Uint64("block", res.Block).
		Msg("Execution finished")
}

// LogStats logs current statistics
func (l *Logger) LogStats(pools, cycles int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	elapsed := time.Since(l.stats.StartTime)
	outcomes := zerolog.Dict()
	for outcome, n := range l.stats.Outcomes {
		outcomes = outcomes.Uint64(string(outcome), n)
	}

	log.Info().
		Int("pools", pools).
		Int("cycles", cycles).
		Uint64("scans", l.stats.Scans).
		Uint64("scansAbandoned", l.stats.ScansAbandoned).
		Uint64("cyclesTouched", l.stats.CyclesTouched).
		Uint64("opportunities", l.stats.OpportunitiesSeen).
		Dict("outcomes", outcomes).
		Dur("uptime", elapsed).
		Msg("Engine Stats")
}

// LogError logs an error
func (l *Logger) LogError(err error, context string) {
	log.Error().
		Err(err).
		Str("type", types.ErrorType(err)).
		Str("context", context).
		Msg("Error occurred")
}

// GetStats returns a copy of the current statistics
func (l *Logger) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp := *l.stats
	cp.Outcomes = make(map[types.Outcome]uint64, len(l.stats.Outcomes))
	for k, v := range l.stats.Outcomes {
		cp.Outcomes[k] = v
	}
	return cp
}

// FormatUnits renders a raw token amount with the token's decimals
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).StringFixed(6)
}

// BuildPathString creates a human-readable path string showing token flow
func BuildPathString(opp *types.Opportunity, symbols map[common.Address]string) string {
	if len(opp.Legs) == 0 {
		return ""
	}

	name := func(addr common.Address) string {
		if s, ok := symbols[addr]; ok && s != "" {
			return s
		}
		return addr.Hex()[:10]
	}

	var b strings.Builder
	b.WriteString(name(opp.Legs[0].TokenIn))
	for _, leg := range opp.Legs {
		fmt.Fprintf(&b, " -[%s]-> %s", leg.Pool.Hex()[:10], name(leg.TokenOut))
	}
	return b.String()
}
