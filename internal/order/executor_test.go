package order

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"math"
	"math/big"
	"testing"

	"spout-engine/internal/chain"
	xerrors "spout-engine/internal/errors"
	"spout-engine/internal/wallet"

	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type fakeChain struct {
	balance       *big.Int
	decimals      uint8
	identity      common.Address
	price         *big.Int
	submissions   []chain.TxIntent
	receiptStatus []uint64
	receiptIdx    int
}

func (f *fakeChain) Call(_ context.Context, _ common.Address, _ gethabi.ABI, method string, _ ...any) ([]any, error) {
	switch method {
	case "balanceOf":
		return []any{f.balance}, nil
	case "decimals":
		return []any{f.decimals}, nil
	case "getIdentity":
		return []any{f.identity}, nil
	case "getAssetPrice":
		return []any{f.price}, nil
	default:
		return nil, fmt.Errorf("unexpected method %s", method)
	}
}

func (f *fakeChain) Submit(_ context.Context, _ *ecdsa.PrivateKey, intent chain.TxIntent) (common.Hash, error) {
	f.submissions = append(f.submissions, intent)
	return common.BytesToHash([]byte{byte(len(f.submissions))}), nil
}

func (f *fakeChain) AwaitReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	status := types.ReceiptStatusSuccessful
	if f.receiptIdx < len(f.receiptStatus) {
		status = f.receiptStatus[f.receiptIdx]
	}
	f.receiptIdx++
	return &types.Receipt{Status: status}, nil
}

func testAccount(t *testing.T) wallet.Account {
	t.Helper()
	account, err := wallet.FromKeyHex("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	if err != nil {
		t.Fatalf("解析测试私钥失败: %v", err)
	}
	return account
}

func newFundedChain() *fakeChain {
	return &fakeChain{
		balance:  RawUnits(1000, 6),
		decimals: 6,
		identity: common.HexToAddress("0x4444444444444444444444444444444444444444"),
		price:    big.NewInt(100_000_000),
	}
}

func TestRawUnitsTruncatesExcessPrecision(t *testing.T) {
	cases := []struct {
		amount   float64
		decimals uint8
		want     int64
	}{
		{12.345678, 6, 12_345_678},
		{1.9999995, 6, 1_999_999},
		{100, 6, 100_000_000},
		{0.5, 2, 50},
		{-1, 6, 0},
	}
	for _, tc := range cases {
		if got := RawUnits(tc.amount, tc.decimals); got.Int64() != tc.want {
			t.Errorf("RawUnits(%v, %d) = %s, 期望 %d", tc.amount, tc.decimals, got, tc.want)
		}
	}
}

func TestRawUnitsHandlesAmountsBeyondUint64(t *testing.T) {
	got := RawUnits(1e30, 6)
	if got.Sign() <= 0 || got.BitLen() <= 64 {
		t.Errorf("RawUnits(1e30, 6) = %s, 期望超过 64 位的正整数", got)
	}
	if RawUnits(math.NaN(), 6).Sign() != 0 {
		t.Error("NaN 数量应换算为零")
	}
	if RawUnits(math.Inf(1), 6).Sign() != 0 {
		t.Error("无穷数量应换算为零")
	}
}

func TestHumanUnits(t *testing.T) {
	got := HumanUnits(big.NewInt(12_345_678), 6)
	if math.Abs(got-12.345678) > 1e-9 {
		t.Errorf("HumanUnits = %v, 期望 12.345678", got)
	}
}

func TestSpendingToken(t *testing.T) {
	contracts := chain.DefaultContracts()
	e := NewExecutor(&fakeChain{}, contracts)
	if e.SpendingToken(Buy) != contracts.USDC {
		t.Error("买入应花费 USDC")
	}
	if e.SpendingToken(Sell) != contracts.RWAToken {
		t.Error("卖出应花费 RWA 代币")
	}
}

func TestExecuteSkipsInsufficientBalance(t *testing.T) {
	f := newFundedChain()
	f.balance = RawUnits(1, 6)
	e := NewExecutor(f, chain.DefaultContracts())

	result := e.Execute(context.Background(), testAccount(t), Buy, 5)
	if result.Status != StatusSkipped {
		t.Fatalf("状态 = %s, 期望 skipped", result.Status)
	}
	if result.Reason == "" {
		t.Error("跳过结果应带原因")
	}
	if len(f.submissions) != 0 {
		t.Errorf("余额不足时发出了 %d 笔交易", len(f.submissions))
	}
}

func TestExecuteSkipsMissingIdentity(t *testing.T) {
	f := newFundedChain()
	f.identity = common.Address{}
	e := NewExecutor(f, chain.DefaultContracts())

	result := e.Execute(context.Background(), testAccount(t), Buy, 5)
	if result.Status != StatusSkipped {
		t.Fatalf("状态 = %s, 期望 skipped", result.Status)
	}
	if len(f.submissions) != 0 {
		t.Errorf("身份缺失时发出了 %d 笔交易", len(f.submissions))
	}
}

func TestExecuteBuyHappyPath(t *testing.T) {
	f := newFundedChain()
	contracts := chain.DefaultContracts()
	e := NewExecutor(f, contracts)

	result := e.Execute(context.Background(), testAccount(t), Buy, 12.345678)
	if result.Status != StatusSuccess {
		t.Fatalf("状态 = %s err=%v, 期望 success", result.Status, result.Err)
	}
	if len(f.submissions) != 2 {
		t.Fatalf("期望 2 笔交易，实际 %d", len(f.submissions))
	}

	approve := f.submissions[0]
	if approve.To != contracts.USDC {
		t.Errorf("授权目标 = %s, 期望 USDC", approve.To.Hex())
	}
	if approve.GasLimit != 100_000 {
		t.Errorf("授权 gas = %d, 期望 100000", approve.GasLimit)
	}

	trade := f.submissions[1]
	if trade.To != contracts.Orders {
		t.Errorf("订单目标 = %s, 期望订单合约", trade.To.Hex())
	}
	if trade.GasLimit != 400_000 {
		t.Errorf("订单 gas = %d, 期望 400000", trade.GasLimit)
	}
	if wantID := chain.ABIs().Orders.Methods["buyAsset"].ID; !bytes.Equal(trade.Data[:4], wantID) {
		t.Error("订单交易未调用 buyAsset")
	}
	if !bytes.Contains(trade.Data, []byte("LQD")) {
		t.Error("订单数据未包含资产代码")
	}
	if result.ApproveTx == (common.Hash{}) || result.TradeTx == (common.Hash{}) {
		t.Error("成功结果应记录两笔交易哈希")
	}
}

func TestExecuteSellSpendsRWAToken(t *testing.T) {
	f := newFundedChain()
	contracts := chain.DefaultContracts()
	e := NewExecutor(f, contracts)

	result := e.Execute(context.Background(), testAccount(t), Sell, 2.5)
	if result.Status != StatusSuccess {
		t.Fatalf("状态 = %s err=%v, 期望 success", result.Status, result.Err)
	}
	if f.submissions[0].To != contracts.RWAToken {
		t.Errorf("授权目标 = %s, 期望 RWA 代币", f.submissions[0].To.Hex())
	}
	if wantID := chain.ABIs().Orders.Methods["sellAsset"].ID; !bytes.Equal(f.submissions[1].Data[:4], wantID) {
		t.Error("订单交易未调用 sellAsset")
	}
}

func TestApprovalRevertBlocksTrade(t *testing.T) {
	f := newFundedChain()
	f.receiptStatus = []uint64{types.ReceiptStatusFailed}
	e := NewExecutor(f, chain.DefaultContracts())

	result := e.Execute(context.Background(), testAccount(t), Buy, 5)
	if result.Status != StatusFailed {
		t.Fatalf("状态 = %s, 期望 failed", result.Status)
	}
	if len(f.submissions) != 1 {
		t.Errorf("授权失败后仍发出了订单交易，共 %d 笔", len(f.submissions))
	}
	if code := xerrors.CodeOf(result.Err); code != xerrors.CodeTransactionReverted {
		t.Errorf("错误码 = %s, 期望 %s", code, xerrors.CodeTransactionReverted)
	}
}

func TestTradeRevertReported(t *testing.T) {
	f := newFundedChain()
	f.receiptStatus = []uint64{types.ReceiptStatusSuccessful, types.ReceiptStatusFailed}
	e := NewExecutor(f, chain.DefaultContracts())

	result := e.Execute(context.Background(), testAccount(t), Buy, 5)
	if result.Status != StatusFailed {
		t.Fatalf("状态 = %s, 期望 failed", result.Status)
	}
	if len(f.submissions) != 2 {
		t.Errorf("期望 2 笔交易，实际 %d", len(f.submissions))
	}
	if code := xerrors.CodeOf(result.Err); code != xerrors.CodeTransactionReverted {
		t.Errorf("错误码 = %s, 期望 %s", code, xerrors.CodeTransactionReverted)
	}
}

func TestAssetPrice(t *testing.T) {
	f := newFundedChain()
	e := NewExecutor(f, chain.DefaultContracts())
	price, err := e.AssetPrice(context.Background())
	if err != nil {
		t.Fatalf("查询喂价失败: %v", err)
	}
	if price.Cmp(f.price) != 0 {
		t.Errorf("price = %s, 期望 %s", price, f.price)
	}
}
