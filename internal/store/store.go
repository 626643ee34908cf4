package store

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/devlongs/cycle-arb/internal/config"
	"github.com/devlongs/cycle-arb/pkg/types"
)

// TokenRecord is a token as persisted
type TokenRecord struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

// PoolRecord is a pool with its tokens and last persisted reserves
type PoolRecord struct {
	Address      common.Address
	Token0       TokenRecord
	Token1       TokenRecord
	Factory      common.Address
	Reserve0     *big.Int
	Reserve1     *big.Int
	UpdatedBlock uint64
}

// ReserveUpdate is one row of a checkpoint
type ReserveUpdate struct {
	Address  common.Address
	Reserve0 *big.Int
	Reserve1 *big.Int
	Block    uint64
}

// Store reads and writes the pool universe
type Store struct {
	db *gorm.DB
}

// Open connects to the configured database
func Open(cfg config.DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, &types.PersistenceError{Op: "open", Err: fmt.Errorf("unsupported driver %q", cfg.Driver)}
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, &types.PersistenceError{Op: "open", Err: err}
	}

	log.Info().Str("driver", cfg.Driver).Msg("Connected to database")
	return &Store{db: db}, nil
}

// Migrate creates the tables. Production schemas are owned elsewhere; this
// is for local sqlite databases and tests.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&Token{}, &Factory{}, &Pair{}); err != nil {
		return &types.PersistenceError{Op: "migrate", Err: err}
	}
	return nil
}

// Close releases the connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toBig(d decimal.Decimal) *big.Int {
	return d.BigInt()
}

func fromBig(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, 0)
}

func normalize(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// LoadAll returns every persisted pool with its tokens
func (s *Store) LoadAll(ctx context.Context) ([]PoolRecord, error) {
	var pairs []Pair
	err := s.db.WithContext(ctx).
		Preload("Token0").
		Preload("Token1").
		Preload("Factory").
		Order("id").
		Find(&pairs).Error
	if err != nil {
		return nil, &types.PersistenceError{Op: "load", Err: err}
	}

	records := make([]PoolRecord, 0, len(pairs))
	for _, p := range pairs {
		records = append(records, PoolRecord{
			Address: common.HexToAddress(p.Address),
			Token0: TokenRecord{
				Address:  common.HexToAddress(p.Token0.Address),
				Symbol:   p.Token0.Symbol,
				Decimals: p.Token0.Decimals,
			},
			Token1: TokenRecord{
				Address:  common.HexToAddress(p.Token1.Address),
				Symbol:   p.Token1.Symbol,
				Decimals: p.Token1.Decimals,
			},
			Factory:      common.HexToAddress(p.Factory.Address),
			Reserve0:     toBig(p.Reserve0),
			Reserve1:     toBig(p.Reserve1),
			UpdatedBlock: p.UpdatedBlock,
		})
	}

	log.Info().Int("pools", len(records)).Msg("Loaded pools from database")
	return records, nil
}

func (s *Store) upsertToken(tx *gorm.DB, rec TokenRecord) (uint, error) {
	tok := Token{Address: normalize(rec.Address), Symbol: rec.Symbol, Decimals: rec.Decimals}
	if err := tx.Where(Token{Address: tok.Address}).FirstOrCreate(&tok).Error; err != nil {
		return 0, err
	}
	return tok.ID, nil
}

// InsertPool records a newly discovered pool, creating its tokens and
// factory rows when missing. Inserting a known pool is a no-op.
func (s *Store) InsertPool(ctx context.Context, rec PoolRecord) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		token0, err := s.upsertToken(tx, rec.Token0)
		if err != nil {
			return err
		}
		token1, err := s.upsertToken(tx, rec.Token1)
		if err != nil {
			return err
		}

		factory := Factory{Address: normalize(rec.Factory)}
		if err := tx.Where(Factory{Address: factory.Address}).FirstOrCreate(&factory).Error; err != nil {
			return err
		}

		pair := Pair{
			Address:      normalize(rec.Address),
			Token0ID:     token0,
			Token1ID:     token1,
			FactoryID:    factory.ID,
			Reserve0:     fromBig(rec.Reserve0),
			Reserve1:     fromBig(rec.Reserve1),
			UpdatedBlock: rec.UpdatedBlock,
		}
		return tx.Omit("Token0", "Token1", "Factory").
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "address"}}, DoNothing: true}).
			Create(&pair).Error
	})
	if err != nil {
		return &types.PersistenceError{Op: "insert pool", Err: err}
	}
	return nil
}

// Checkpoint writes current reserves back in a single transaction and
// returns the number of rows updated. Rows already at a later block are
// left alone.
func (s *Store) Checkpoint(ctx context.Context, updates []ReserveUpdate) (int, error) {
	var written int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range updates {
			res := tx.Model(&Pair{}).
				Where("address = ? AND updated_block <= ?", normalize(u.Address), u.Block).
				Updates(map[string]interface{}{
					"reserve0":      fromBig(u.Reserve0),
					"reserve1":      fromBig(u.Reserve1),
					"updated_block": u.Block,
				})
			if res.Error != nil {
				return res.Error
			}
			written += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, &types.PersistenceError{Op: "checkpoint", Err: err}
	}
	return int(written), nil
}
