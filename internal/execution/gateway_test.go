package execution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devlongs/cycle-arb/internal/config"
	"github.com/devlongs/cycle-arb/pkg/types"
)

type fakeBoundary struct {
	mu    sync.Mutex
	calls []types.ExecutionCall
	err   error
}

func (f *fakeBoundary) Submit(_ context.Context, call types.ExecutionCall) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return Receipt{TxHash: common.HexToHash("0xbeef"), Block: 11}, f.err
}

func (f *fakeBoundary) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixedHead uint64

func (h fixedHead) BlockNumber(context.Context) (uint64, error) { return uint64(h), nil }

func opportunity(cycle types.CycleID, discovered uint64) *types.Opportunity {
	return &types.Opportunity{
		ID:         uuid.New(),
		CycleID:    cycle,
		StartToken: common.HexToAddress("0x01"),
		AmountIn:   big.NewInt(1000),
		Legs: []types.OpportunityLeg{
			{Pool: common.HexToAddress("0xa1"), ZeroForOne: true, AmountIn: big.NewInt(1000), AmountOut: big.NewInt(1900)},
			{Pool: common.HexToAddress("0xa2"), ZeroForOne: false, AmountIn: big.NewInt(1900), AmountOut: big.NewInt(1050)},
		},
		ExpectedProfit: big.NewInt(50),
		DiscoveredAt:   discovered,
		ExpiresAt:      discovered + 2,
	}
}

func TestExpiredOpportunityIsNeverSubmitted(t *testing.T) {
	b := &fakeBoundary{}
	g := NewGateway(b, fixedHead(13), 0.5)

	res := g.Execute(context.Background(), opportunity(1, 10))
	assert.Equal(t, types.OutcomeExpired, res.Outcome)
	assert.Zero(t, b.count())
}

func TestOpportunityAtExpiryBlockIsSubmitted(t *testing.T) {
	b := &fakeBoundary{}
	g := NewGateway(b, fixedHead(12), 0.5)

	res := g.Execute(context.Background(), opportunity(1, 10))
	assert.Equal(t, types.OutcomeSuccess, res.Outcome)
	assert.Equal(t, common.HexToHash("0xbeef"), res.TxHash)
	assert.Equal(t, 1, b.count())
}

func TestDuplicatesAreNotResubmitted(t *testing.T) {
	b := &fakeBoundary{}
	g := NewGateway(b, fixedHead(10), 0.5)
	ctx := context.Background()

	opp := opportunity(7, 10)
	assert.Equal(t, types.OutcomeSuccess, g.Execute(ctx, opp).Outcome)
	assert.Equal(t, types.OutcomeDuplicate, g.Execute(ctx, opp).Outcome)

	// same cycle found again at the same block
	assert.Equal(t, types.OutcomeDuplicate, g.Execute(ctx, opportunity(7, 10)).Outcome)

	// a different cycle, or the same one at a later block, goes through
	assert.Equal(t, types.OutcomeSuccess, g.Execute(ctx, opportunity(8, 10)).Outcome)
	assert.Equal(t, types.OutcomeSuccess, g.Execute(ctx, opportunity(7, 11)).Outcome)
	assert.Equal(t, 3, b.count())
}

func TestFailedAttemptIsNotRetried(t *testing.T) {
	b := &fakeBoundary{err: fmt.Errorf("%w [1]", types.ErrCallFailed)}
	g := NewGateway(b, fixedHead(10), 0.5)

	opp := opportunity(3, 10)
	res := g.Execute(context.Background(), opp)
	assert.Equal(t, types.OutcomeReverted, res.Outcome)
	assert.ErrorIs(t, res.Err, types.ErrCallFailed)

	assert.Equal(t, types.OutcomeDuplicate, g.Execute(context.Background(), opp).Outcome)
	assert.Equal(t, 1, b.count())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want types.Outcome
	}{
		{nil, types.OutcomeSuccess},
		{types.ErrNotOwner, types.OutcomeReverted},
		{types.ErrInvalidLegCount, types.OutcomeReverted},
		{fmt.Errorf("%w [0]", types.ErrCallFailed), types.OutcomeReverted},
		{types.ErrProfitTargetNotMet, types.OutcomeReverted},
		{ErrReverted, types.OutcomeReverted},
		{ErrNotIncluded, types.OutcomeNotIncluded},
		{errors.New("connection reset"), types.OutcomeNotIncluded},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}

func TestBuildCall(t *testing.T) {
	g := NewGateway(&fakeBoundary{}, fixedHead(0), 0.5)
	opp := opportunity(1, 10)

	call := g.BuildCall(opp)
	assert.Equal(t, opp.StartToken, call.StartToken)
	assert.Equal(t, int64(1000), call.AmountIn.Int64())
	assert.Equal(t, int64(25), call.MinProfit.Int64())
	assert.False(t, call.SkipProfitCheck)
	require.Len(t, call.Legs, 2)
	assert.Equal(t, opp.Legs[1].Pool, call.Legs[1].Pool)
	assert.False(t, call.Legs[1].ZeroForOne)
	assert.Equal(t, int64(1050), call.Legs[1].AmountOut.Int64())

	// the call owns its amounts
	call.AmountIn.SetInt64(1)
	assert.Equal(t, int64(1000), opp.AmountIn.Int64())
}

func TestMinProfitIsAtLeastOne(t *testing.T) {
	assert.Equal(t, int64(1), minProfit(big.NewInt(1), 0.5).Int64())
	assert.Equal(t, int64(100), minProfit(big.NewInt(100), 1).Int64())
}

func TestDecodeRevert(t *testing.T) {
	e := parsedExecutor.Errors["ProfitTargetNotMet"]
	args, err := e.Inputs.Pack(big.NewInt(25), big.NewInt(3))
	require.NoError(t, err)

	data := append(append([]byte{}, e.ID[:4]...), args...)
	assert.ErrorIs(t, DecodeRevert(data), types.ErrProfitTargetNotMet)

	owner := parsedExecutor.Errors["NotOwner"]
	assert.ErrorIs(t, DecodeRevert(owner.ID[:4]), types.ErrNotOwner)

	assert.ErrorIs(t, DecodeRevert([]byte{1, 2, 3, 4}), ErrReverted)
	assert.ErrorIs(t, DecodeRevert(nil), ErrReverted)
}

type rpcDataError struct{ data string }

func (e rpcDataError) Error() string          { return "execution reverted" }
func (e rpcDataError) ErrorData() interface{} { return e.data }

func TestRevertFromCallError(t *testing.T) {
	legs := parsedExecutor.Errors["InvalidLegCount"]
	err := revertFromError(rpcDataError{data: hexutil.Encode(legs.ID[:4])})
	assert.ErrorIs(t, err, types.ErrInvalidLegCount)

	plain := errors.New("timeout")
	assert.Equal(t, plain, revertFromError(plain))
}

func TestPackUsesExecuteSelector(t *testing.T) {
	g := NewGateway(&fakeBoundary{}, fixedHead(0), 0.5)
	data, err := Pack(g.BuildCall(opportunity(1, 10)))
	require.NoError(t, err)
	assert.Equal(t, parsedExecutor.Methods["execute"].ID, data[:4])
}

type fakeChain struct {
	mu        sync.Mutex
	head      uint64
	simErr    error
	sent      []*ethtypes.Transaction
	receipt   *ethtypes.Receipt
	headsStep uint64
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head += f.headsStep
	return f.head, nil
}

func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*ethtypes.Header, error) {
	return &ethtypes.Header{BaseFee: big.NewInt(10)}, nil
}

func (f *fakeChain) SimulateCall(context.Context, ethereum.CallMsg) ([]byte, error) {
	return nil, f.simErr
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 4, nil
}

func (f *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(2), nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *ethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeChain) TransactionReceipt(context.Context, common.Hash) (*ethtypes.Receipt, error) {
	if f.receipt == nil {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func boundaryConfig(t *testing.T, dryRun bool) config.ExecutionConfig {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return config.ExecutionConfig{
		DryRun:          dryRun,
		Contract:        "0x00000000000000000000000000000000000000c0",
		PrivateKey:      hexutil.Encode(crypto.FromECDSA(key)),
		GasLimit:        500000,
		InclusionBlocks: 2,
		PollInterval:    time.Millisecond,
	}
}

func testCall() types.ExecutionCall {
	g := NewGateway(&fakeBoundary{}, fixedHead(0), 0.5)
	return g.BuildCall(opportunity(1, 10))
}

func TestDryRunOnlySimulates(t *testing.T) {
	chain := &fakeChain{}
	b, err := NewContractBoundary(chain, big.NewInt(8453), boundaryConfig(t, true))
	require.NoError(t, err)

	_, err = b.Submit(context.Background(), testCall())
	require.NoError(t, err)
	assert.Empty(t, chain.sent)
}

func TestSimulationRevertIsDecoded(t *testing.T) {
	owner := parsedExecutor.Errors["NotOwner"]
	chain := &fakeChain{simErr: rpcDataError{data: hexutil.Encode(owner.ID[:4])}}
	b, err := NewContractBoundary(chain, big.NewInt(8453), boundaryConfig(t, false))
	require.NoError(t, err)

	_, err = b.Submit(context.Background(), testCall())
	assert.ErrorIs(t, err, types.ErrNotOwner)
	assert.Empty(t, chain.sent)
}

func TestLiveSubmitWaitsForReceipt(t *testing.T) {
	chain := &fakeChain{head: 100, receipt: &ethtypes.Receipt{
		Status:      ethtypes.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(101),
	}}
	b, err := NewContractBoundary(chain, big.NewInt(8453), boundaryConfig(t, false))
	require.NoError(t, err)

	receipt, err := b.Submit(context.Background(), testCall())
	require.NoError(t, err)
	require.Len(t, chain.sent, 1)

	tx := chain.sent[0]
	assert.Equal(t, uint64(4), tx.Nonce())
	assert.Equal(t, int64(22), tx.GasFeeCap().Int64())
	assert.Equal(t, tx.Hash(), receipt.TxHash)
	assert.Equal(t, uint64(101), receipt.Block)
}

func TestFailedReceiptIsReverted(t *testing.T) {
	chain := &fakeChain{receipt: &ethtypes.Receipt{
		Status:      ethtypes.ReceiptStatusFailed,
		BlockNumber: big.NewInt(1),
	}}
	b, err := NewContractBoundary(chain, big.NewInt(8453), boundaryConfig(t, false))
	require.NoError(t, err)

	_, err = b.Submit(context.Background(), testCall())
	assert.ErrorIs(t, err, ErrReverted)
}

func TestMissingReceiptIsNotIncluded(t *testing.T) {
	chain := &fakeChain{head: 100, headsStep: 1}
	b, err := NewContractBoundary(chain, big.NewInt(8453), boundaryConfig(t, false))
	require.NoError(t, err)

	_, err = b.Submit(context.Background(), testCall())
	assert.ErrorIs(t, err, ErrNotIncluded)
	assert.Len(t, chain.sent, 1)
}

func TestLiveModeNeedsKey(t *testing.T) {
	cfg := boundaryConfig(t, false)
	cfg.PrivateKey = ""
	_, err := NewContractBoundary(&fakeChain{}, big.NewInt(1), cfg)
	assert.Error(t, err)

	cfg.DryRun = true
	_, err = NewContractBoundary(&fakeChain{}, big.NewInt(1), cfg)
	assert.NoError(t, err)
}
