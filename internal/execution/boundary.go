package execution

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog/log"

	"github.com/devlongs/cycle-arb/internal/config"
	"github.com/devlongs/cycle-arb/pkg/types"
)

const executorABI = `[
	{"type":"function","name":"execute","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"startToken","type":"address"},
		{"name":"amountIn","type":"uint256"},
		{"name":"minProfit","type":"uint256"},
		{"name":"legs","type":"tuple[]","components":[
			{"name":"pool","type":"address"},
			{"name":"amountOut","type":"uint256"},
			{"name":"zeroForOne","type":"bool"}
		]},
		{"name":"skipProfitCheck","type":"bool"}
	]},
	{"type":"error","name":"NotOwner","inputs":[]},
	{"type":"error","name":"InvalidLegCount","inputs":[]},
	{"type":"error","name":"CallFailed","inputs":[{"name":"leg","type":"uint256"}]},
	{"type":"error","name":"ProfitTargetNotMet","inputs":[{"name":"minProfit","type":"uint256"},{"name":"profit","type":"uint256"}]}
]`

var parsedExecutor = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(executorABI))
	if err != nil {
		panic(fmt.Sprintf("invalid executor abi: %v", err))
	}
	return parsed
}()

var namedErrors = map[string]error{
	"NotOwner":           types.ErrNotOwner,
	"InvalidLegCount":    types.ErrInvalidLegCount,
	"CallFailed":         types.ErrCallFailed,
	"ProfitTargetNotMet": types.ErrProfitTargetNotMet,
}

// legArg mirrors the contract's leg tuple; field names must match the ABI
type legArg struct {
	Pool       common.Address
	AmountOut  *big.Int
	ZeroForOne bool
}

// ChainClient is the subset of the eth client the boundary needs
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	SimulateCall(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

// ContractBoundary executes calls against the on-chain executor contract
type ContractBoundary struct {
	client          ChainClient
	contract        common.Address
	key             *ecdsa.PrivateKey
	from            common.Address
	chainID         *big.Int
	gasLimit        uint64
	inclusionBlocks uint64
	pollInterval    time.Duration
	dryRun          bool
}

// NewContractBoundary creates a boundary. In dry-run mode no key is needed
// and calls are only simulated.
func NewContractBoundary(client ChainClient, chainID *big.Int, cfg config.ExecutionConfig) (*ContractBoundary, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("invalid executor contract address %q", cfg.Contract)
	}

	b := &ContractBoundary{
		client:          client,
		contract:        common.HexToAddress(cfg.Contract),
		chainID:         chainID,
		gasLimit:        cfg.GasLimit,
		inclusionBlocks: cfg.InclusionBlocks,
		pollInterval:    cfg.PollInterval,
		dryRun:          cfg.DryRun,
	}
	if b.pollInterval <= 0 {
		b.pollInterval = 500 * time.Millisecond
	}

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		b.key = key
		b.from = crypto.PubkeyToAddress(key.PublicKey)
	} else if !cfg.DryRun {
		return nil, errors.New("private key required for live execution")
	}

	return b, nil
}

// Pack encodes the execute call
func Pack(call types.ExecutionCall) ([]byte, error) {
	legs := make([]legArg, len(call.Legs))
	for i, leg := range call.Legs {
		legs[i] = legArg{Pool: leg.Pool, AmountOut: leg.AmountOut, ZeroForOne: leg.ZeroForOne}
	}
	return parsedExecutor.Pack("execute", call.StartToken, call.AmountIn, call.MinProfit, legs, call.SkipProfitCheck)
}

// DecodeRevert maps revert data to one of the named contract failures
func DecodeRevert(data []byte) error {
	if len(data) < 4 {
		return ErrReverted
	}
	for name, e := range parsedExecutor.Errors {
		if !bytes.Equal(e.ID[:4], data[:4]) {
			continue
		}
		sentinel := namedErrors[name]
		args, err := e.Inputs.Unpack(data[4:])
		if err != nil || len(args) == 0 {
			return sentinel
		}
		return fmt.Errorf("%w %v", sentinel, args)
	}
	return fmt.Errorf("%w: unknown revert 0x%x", ErrReverted, data[:4])
}

// revertFromError extracts revert data from an eth_call error
func revertFromError(err error) error {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return err
	}
	hexData, ok := dataErr.ErrorData().(string)
	if !ok {
		return fmt.Errorf("%w: %v", ErrReverted, err)
	}
	data, decErr := hexutil.Decode(hexData)
	if decErr != nil {
		return fmt.Errorf("%w: %v", ErrReverted, err)
	}
	return DecodeRevert(data)
}

// Submit simulates the call, then signs and sends it and waits for the
// receipt within the inclusion window
func (b *ContractBoundary) Submit(ctx context.Context, call types.ExecutionCall) (Receipt, error) {
	data, err := Pack(call)
	if err != nil {
		return Receipt{}, fmt.Errorf("pack execute: %w", err)
	}

	msg := ethereum.CallMsg{From: b.from, To: &b.contract, Data: data, Gas: b.gasLimit}
	if _, err := b.client.SimulateCall(ctx, msg); err != nil {
		return Receipt{}, revertFromError(err)
	}
	if b.dryRun {
		log.Info().Str("start", call.StartToken.Hex()).Str("amountIn", call.AmountIn.String()).Msg("Dry run: simulation passed")
		return Receipt{}, nil
	}

	tx, err := b.sign(ctx, data)
	if err != nil {
		return Receipt{}, err
	}

	sentAt, err := b.client.BlockNumber(ctx)
	if err != nil {
		return Receipt{}, err
	}
	if err := b.client.SendTransaction(ctx, tx); err != nil {
		return Receipt{TxHash: tx.Hash()}, fmt.Errorf("send transaction: %w", err)
	}

	log.Info().Str("tx", tx.Hash().Hex()).Uint64("nonce", tx.Nonce()).Msg("Execution transaction sent")
	return b.wait(ctx, tx.Hash(), sentAt+b.inclusionBlocks)
}

func (b *ContractBoundary) sign(ctx context.Context, data []byte) (*ethtypes.Transaction, error) {
	nonce, err := b.client.PendingNonceAt(ctx, b.from)
	if err != nil {
		return nil, err
	}
	tip, err := b.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, err
	}
	head, err := b.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}

	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   b.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       b.gasLimit,
		To:        &b.contract,
		Data:      data,
	})
	return ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(b.chainID), b.key)
}

func (b *ContractBoundary) wait(ctx context.Context, hash common.Hash, lastBlock uint64) (Receipt, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := b.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			res := Receipt{TxHash: hash, Block: receipt.BlockNumber.Uint64()}
			if receipt.Status != ethtypes.ReceiptStatusSuccessful {
				return res, ErrReverted
			}
			return res, nil
		case !errors.Is(err, ethereum.NotFound):
			log.Warn().Err(err).Str("tx", hash.Hex()).Msg("Failed to fetch receipt, retrying...")
		}

		head, err := b.client.BlockNumber(ctx)
		if err == nil && head > lastBlock {
			return Receipt{TxHash: hash}, ErrNotIncluded
		}

		select {
		case <-ctx.Done():
			return Receipt{TxHash: hash}, ctx.Err()
		case <-ticker.C:
		}
	}
}
