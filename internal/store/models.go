package store

import (
	"github.com/shopspring/decimal"
)

// Token maps the tokens table
type Token struct {
	ID       uint   `gorm:"primaryKey"`
	Address  string `gorm:"size:42;uniqueIndex"`
	Symbol   string `gorm:"size:32"`
	Decimals uint8
}

// Factory maps the factories table
type Factory struct {
	ID      uint   `gorm:"primaryKey"`
	Address string `gorm:"size:42;uniqueIndex"`
	Name    string `gorm:"size:64"`
}

// Pair maps the pairs table. Reserves are stored as exact decimals.
type Pair struct {
	ID           uint   `gorm:"primaryKey"`
	Address      string `gorm:"size:42;uniqueIndex"`
	Token0ID     uint
	Token1ID     uint
	FactoryID    uint
	Reserve0     decimal.Decimal `gorm:"type:numeric(78,0)"`
	Reserve1     decimal.Decimal `gorm:"type:numeric(78,0)"`
	UpdatedBlock uint64

	Token0  Token   `gorm:"foreignKey:Token0ID"`
	Token1  Token   `gorm:"foreignKey:Token1ID"`
	Factory Factory `gorm:"foreignKey:FactoryID"`
}
