package types

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("pool not found")
	ErrDuplicateAddress = errors.New("duplicate pool address")
)

// Named failures raised by the execution boundary
var (
	ErrNotOwner           = errors.New("not owner")
	ErrInvalidLegCount    = errors.New("invalid leg count")
	ErrCallFailed         = errors.New("call failed")
	ErrProfitTargetNotMet = errors.New("profit target not met")
)

// DataIntegrityError reports a dangling pool or cycle reference
type DataIntegrityError struct {
	Pool  PoolID
	Cycle CycleID
	Err   error
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity: pool %d cycle %d: %v", e.Pool, e.Cycle, e.Err)
}

func (e *DataIntegrityError) Unwrap() error { return e.Err }

// NumericError reports reserves that cannot be turned into a log-rate
type NumericError struct {
	Pool     common.Address
	Reserve0 *big.Int
	Reserve1 *big.Int
}

func (e *NumericError) Error() string {
	return fmt.Sprintf("numeric: pool %s has non-positive reserves %v/%v", e.Pool.Hex(), e.Reserve0, e.Reserve1)
}

// FeedGapError reports missed or out-of-order notifications
type FeedGapError struct {
	From   Marker
	To     Marker
	Reason string
}

func (e *FeedGapError) Error() string {
	return fmt.Sprintf("feed gap %s..%s: %s", e.From, e.To, e.Reason)
}

// ExecutionError wraps a boundary failure for a single opportunity
type ExecutionError struct {
	Opportunity uuid.UUID
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution of %s: %v", e.Opportunity, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// PersistenceError wraps a storage failure
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ErrorType returns a short label used for metrics and logs
func ErrorType(err error) string {
	var (
		integrity   *DataIntegrityError
		numeric     *NumericError
		gap         *FeedGapError
		execution   *ExecutionError
		persistence *PersistenceError
	)
	switch {
	case errors.As(err, &integrity):
		return "data_integrity"
	case errors.As(err, &numeric):
		return "numeric"
	case errors.As(err, &gap):
		return "feed_gap"
	case errors.As(err, &execution):
		return "execution"
	case errors.As(err, &persistence):
		return "persistence"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "other"
	}
}
