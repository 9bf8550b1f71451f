// Package order executes the two-phase approve-then-act pattern against the
// orders contract. Approval and trade are separate transactions with no
// on-chain atomicity, so the sequence is modeled as an explicit state
// machine whose transitions can be tested in isolation.
package order

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math"
	"math/big"

	"spout-engine/internal/chain"
	xerrors "spout-engine/internal/errors"
	"spout-engine/internal/wallet"
	"spout-engine/pkg/logger"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Side 表示交易方向。
type Side int

const (
	Buy Side = iota
	Sell
)

// String 返回方向的可读名称。
func (s Side) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

// Status 表示一次订单操作的结果类别。
type Status int

const (
	StatusSuccess Status = iota
	StatusFailed
	StatusSkipped
)

// String 返回结果类别的可读名称。
func (s Status) String() string {
	switch s {
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return "success"
	}
}

// Result 汇总一次订单操作的结果。
type Result struct {
	Account   common.Address
	Side      Side
	Amount    float64
	Status    Status
	Reason    string
	ApproveTx common.Hash
	TradeTx   common.Hash
	Err       error
}

// ChainClient 定义订单执行所需的链访问能力。
type ChainClient interface {
	Call(ctx context.Context, contract common.Address, contractABI abi.ABI, method string, args ...any) ([]any, error)
	Submit(ctx context.Context, key *ecdsa.PrivateKey, intent chain.TxIntent) (common.Hash, error)
	AwaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Executor 按 approve-then-act 两阶段执行买入或卖出。
type Executor struct {
	chain     ChainClient
	contracts chain.ContractSet
	abis      chain.ABISet
	log       *slog.Logger
}

// ExecutorOption 定义可选配置。
type ExecutorOption func(*Executor)

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if log != nil {
			e.log = log
		}
	}
}

// NewExecutor 创建订单执行器。
func NewExecutor(chainClient ChainClient, contracts chain.ContractSet, opts ...ExecutorOption) *Executor {
	e := &Executor{
		chain:     chainClient,
		contracts: contracts,
		abis:      chain.ABIs(),
		log:       logger.Named("order"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// SpendingToken 返回指定方向下被花费的代币合约。
func (e *Executor) SpendingToken(side Side) common.Address {
	if side == Sell {
		return e.contracts.RWAToken
	}
	return e.contracts.USDC
}

// TokenBalance 查询代币余额与精度。
func (e *Executor) TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, uint8, error) {
	values, err := e.chain.Call(ctx, token, e.abis.Token, "balanceOf", account)
	if err != nil {
		return nil, 0, err
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, 0, xerrors.New(xerrors.CodeUnknown, "balanceOf 返回值类型异常")
	}

	values, err = e.chain.Call(ctx, token, e.abis.Token, "decimals")
	if err != nil {
		return nil, 0, err
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return nil, 0, xerrors.New(xerrors.CodeUnknown, "decimals 返回值类型异常")
	}
	return balance, decimals, nil
}

// AssetPrice 查询当前资产的喂价。
func (e *Executor) AssetPrice(ctx context.Context) (*big.Int, error) {
	values, err := e.chain.Call(ctx, e.contracts.Orders, e.abis.Orders, "getAssetPrice", e.contracts.Asset.FeedID)
	if err != nil {
		return nil, err
	}
	price, ok := values[0].(*big.Int)
	if !ok {
		return nil, xerrors.New(xerrors.CodeUnknown, "getAssetPrice 返回值类型异常")
	}
	return price, nil
}

// Execute 对单个账户执行一次订单操作。
// 前置检查按顺序短路：余额不足或身份缺失直接返回 skipped，不发交易。
func (e *Executor) Execute(ctx context.Context, account wallet.Account, side Side, amount float64) Result {
	result := Result{Account: account.Address, Side: side, Amount: amount}

	token := e.SpendingToken(side)
	balance, decimals, err := e.TokenBalance(ctx, token, account.Address)
	if err != nil {
		result.Status = StatusFailed
		result.Err = err
		return result
	}
	if HumanUnits(balance, decimals) < amount {
		result.Status = StatusSkipped
		result.Reason = "余额不足"
		return result
	}

	values, err := e.chain.Call(ctx, e.contracts.IdentityFactory, e.abis.IdentityFactory, "getIdentity", account.Address)
	if err != nil {
		result.Status = StatusFailed
		result.Err = err
		return result
	}
	if identityAddr, ok := values[0].(common.Address); !ok || identityAddr == (common.Address{}) {
		result.Status = StatusSkipped
		result.Reason = "身份缺失，需先完成 KYC"
		return result
	}

	run := &execution{
		executor: e,
		account:  account,
		side:     side,
		token:    token,
		raw:      RawUnits(amount, decimals),
	}

	state := PhasePendingApproval
	for {
		switch state {
		case PhasePendingApproval:
			state = run.approve(ctx)
		case PhaseApproved:
			state = run.submitTrade(ctx)
		case PhaseSubmitted:
			state = run.confirm(ctx)
		case PhaseConfirmed:
			result.Status = StatusSuccess
			result.ApproveTx = run.approveTx
			result.TradeTx = run.tradeTx
			return result
		case PhaseFailed:
			result.Status = StatusFailed
			result.ApproveTx = run.approveTx
			result.TradeTx = run.tradeTx
			result.Err = run.err
			return result
		}
	}
}

// Phase 是两阶段执行的状态。
type Phase int

const (
	PhasePendingApproval Phase = iota
	PhaseApproved
	PhaseSubmitted
	PhaseConfirmed
	PhaseFailed
)

// execution 承载一次订单操作跨阶段的中间状态。
type execution struct {
	executor  *Executor
	account   wallet.Account
	side      Side
	token     common.Address
	raw       *big.Int
	approveTx common.Hash
	tradeTx   common.Hash
	err       error
}

// approve 提交授权交易并等待确认。授权失败或超时直接终止，
// 绝不会在未确认授权的情况下提交交易。
func (r *execution) approve(ctx context.Context) Phase {
	e := r.executor
	data, err := e.abis.Token.Pack("approve", e.contracts.Orders, r.raw)
	if err != nil {
		r.err = xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 approve 失败")
		return PhaseFailed
	}

	e.log.Info("提交授权", slog.String("account", r.account.Address.Hex()),
		slog.String("side", r.side.String()), slog.String("raw_amount", r.raw.String()))
	txHash, err := e.chain.Submit(ctx, r.account.Key, chain.TxIntent{
		To:       r.token,
		Data:     data,
		GasLimit: e.contracts.Gas.Approve,
	})
	if err != nil {
		r.err = err
		return PhaseFailed
	}
	r.approveTx = txHash

	receipt, err := e.chain.AwaitReceipt(ctx, txHash)
	if err != nil {
		r.err = err
		return PhaseFailed
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		r.err = xerrors.New(xerrors.CodeTransactionReverted, "授权交易失败",
			xerrors.WithMetadata("tx", txHash.Hex()))
		return PhaseFailed
	}
	return PhaseApproved
}

// submitTrade 在授权确认后提交买入或卖出交易。
func (r *execution) submitTrade(ctx context.Context) Phase {
	e := r.executor
	method := "buyAsset"
	gasLimit := e.contracts.Gas.Buy
	if r.side == Sell {
		method = "sellAsset"
		gasLimit = e.contracts.Gas.Sell
	}

	data, err := e.abis.Orders.Pack(method,
		e.contracts.Asset.FeedID,
		e.contracts.Asset.Ticker,
		e.contracts.RWAToken,
		r.raw,
	)
	if err != nil {
		r.err = xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("编码 %s 失败", method))
		return PhaseFailed
	}

	e.log.Info("提交订单交易", slog.String("account", r.account.Address.Hex()),
		slog.String("method", method), slog.String("ticker", e.contracts.Asset.Ticker))
	txHash, err := e.chain.Submit(ctx, r.account.Key, chain.TxIntent{
		To:       e.contracts.Orders,
		Data:     data,
		GasLimit: gasLimit,
	})
	if err != nil {
		r.err = err
		return PhaseFailed
	}
	r.tradeTx = txHash
	return PhaseSubmitted
}

// confirm 等待订单交易回执，只有 status 成功才算完成。
func (r *execution) confirm(ctx context.Context) Phase {
	receipt, err := r.executor.chain.AwaitReceipt(ctx, r.tradeTx)
	if err != nil {
		r.err = err
		return PhaseFailed
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		r.err = xerrors.New(xerrors.CodeTransactionReverted, "订单交易失败",
			xerrors.WithMetadata("tx", r.tradeTx.Hex()))
		return PhaseFailed
	}
	return PhaseConfirmed
}

// RawUnits 将人类可读数量换算为链上最小单位。
// 乘以 10^decimals 后直接截断取整，超出精度的小数被丢弃。
// 负数与非有限值视为零；超出 uint64 的数量走大数路径截断。
func RawUnits(amount float64, decimals uint8) *big.Int {
	scaled := amount * math.Pow10(int(decimals))
	if scaled < 0 || math.IsNaN(scaled) || math.IsInf(scaled, 0) {
		return new(big.Int)
	}
	if scaled >= math.MaxUint64 {
		result, _ := new(big.Float).SetFloat64(scaled).Int(nil)
		return result
	}
	return new(big.Int).SetUint64(uint64(scaled))
}

// HumanUnits 将链上最小单位换算为人类可读数量。
func HumanUnits(raw *big.Int, decimals uint8) float64 {
	scale := new(big.Float).SetFloat64(math.Pow10(int(decimals)))
	value, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), scale).Float64()
	return value
}
