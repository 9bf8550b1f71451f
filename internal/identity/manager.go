// Package identity keeps every account's on-chain identity record and KYC
// claim in the required state. All checks read live chain state, so a failed
// pass can simply be retried later without local bookkeeping.
package identity

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"spout-engine/internal/chain"
	"spout-engine/internal/credential"
	xerrors "spout-engine/internal/errors"
	"spout-engine/internal/wallet"
	"spout-engine/pkg/logger"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// State 描述账户在身份流程中所处的阶段。
type State int

const (
	StateNoIdentity State = iota
	StateIdentityOnly
	StateIdentityWithClaim
)

// String 返回状态的可读名称。
func (s State) String() string {
	switch s {
	case StateIdentityOnly:
		return "identity_only"
	case StateIdentityWithClaim:
		return "identity_with_claim"
	default:
		return "no_identity"
	}
}

// claimScheme 是 addClaim 使用的固定签名方案编号。
const claimScheme = 1

// ChainClient 定义身份流程所需的链访问能力。
type ChainClient interface {
	Call(ctx context.Context, contract common.Address, contractABI abi.ABI, method string, args ...any) ([]any, error)
	Submit(ctx context.Context, key *ecdsa.PrivateKey, intent chain.TxIntent) (common.Hash, error)
	AwaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
}

// Credentialer 提供认证材料。失败时返回固定材料，不报错。
type Credentialer interface {
	RequestClaim(ctx context.Context, account, identity common.Address) credential.ClaimMaterial
}

// Manager 负责身份创建与认证附加，所有操作都是幂等的。
type Manager struct {
	chain          ChainClient
	credentials    Credentialer
	contracts      chain.ContractSet
	abis           chain.ABISet
	identitySettle time.Duration
	claimSettle    time.Duration
	log            *slog.Logger
	now            func() time.Time
}

// Option 定义可选的 Manager 配置。
type Option func(*Manager)

// WithSettleIntervals 覆盖身份创建后与认证提交后的等待时间。
func WithSettleIntervals(identity, claim time.Duration) Option {
	return func(m *Manager) {
		if identity >= 0 {
			m.identitySettle = identity
		}
		if claim >= 0 {
			m.claimSettle = claim
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithClock 覆盖时间来源，主要用于测试盐值生成。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager 创建身份管理器。
func NewManager(chainClient ChainClient, credentials Credentialer, contracts chain.ContractSet, opts ...Option) *Manager {
	m := &Manager{
		chain:          chainClient,
		credentials:    credentials,
		contracts:      contracts,
		abis:           chain.ABIs(),
		identitySettle: 3 * time.Second,
		claimSettle:    5 * time.Second,
		log:            logger.Named("identity"),
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Lookup 查询钱包地址对应的身份合约地址，零地址视为不存在。
func (m *Manager) Lookup(ctx context.Context, walletAddr common.Address) (common.Address, bool, error) {
	values, err := m.chain.Call(ctx, m.contracts.IdentityFactory, m.abis.IdentityFactory, "getIdentity", walletAddr)
	if err != nil {
		return common.Address{}, false, err
	}
	identityAddr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, false, xerrors.New(xerrors.CodeUnknown, "getIdentity 返回值类型异常")
	}
	if identityAddr == (common.Address{}) {
		return common.Address{}, false, nil
	}
	return identityAddr, true, nil
}

// ClaimIDs 查询身份合约上指定主题的认证 ID 列表。
func (m *Manager) ClaimIDs(ctx context.Context, identityAddr common.Address, topic int64) ([][32]byte, error) {
	values, err := m.chain.Call(ctx, identityAddr, m.abis.Identity, "getClaimIdsByTopic", big.NewInt(topic))
	if err != nil {
		return nil, err
	}
	ids, ok := values[0].([][32]byte)
	if !ok {
		return nil, xerrors.New(xerrors.CodeUnknown, "getClaimIdsByTopic 返回值类型异常")
	}
	return ids, nil
}

// Status 返回账户当前的身份状态与身份合约地址。
func (m *Manager) Status(ctx context.Context, walletAddr common.Address) (State, common.Address, error) {
	identityAddr, exists, err := m.Lookup(ctx, walletAddr)
	if err != nil {
		return StateNoIdentity, common.Address{}, err
	}
	if !exists {
		return StateNoIdentity, common.Address{}, nil
	}
	ids, err := m.ClaimIDs(ctx, identityAddr, credential.ClaimTopicKYC)
	if err != nil {
		return StateIdentityOnly, identityAddr, err
	}
	if len(ids) > 0 {
		return StateIdentityWithClaim, identityAddr, nil
	}
	return StateIdentityOnly, identityAddr, nil
}

// EnsureIdentity 保证账户拥有身份合约。已存在时不产生任何交易。
func (m *Manager) EnsureIdentity(ctx context.Context, account wallet.Account) (common.Address, error) {
	identityAddr, exists, err := m.Lookup(ctx, account.Address)
	if err != nil {
		return common.Address{}, err
	}
	if exists {
		m.log.Debug("身份已存在", slog.String("account", account.Address.Hex()),
			slog.String("identity", identityAddr.Hex()))
		return identityAddr, nil
	}

	// 盐值带时间戳，重试时不会与工厂里的历史部署冲突。
	salt := fmt.Sprintf("wallet_%s_%d", strings.ToLower(account.Address.Hex()), m.now().Unix())
	data, err := m.abis.IdentityFactory.Pack("createIdentity", account.Address, salt)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 createIdentity 失败")
	}

	m.log.Info("创建身份", slog.String("account", account.Address.Hex()), slog.String("salt", salt))
	txHash, err := m.chain.Submit(ctx, account.Key, chain.TxIntent{
		To:       m.contracts.IdentityFactory,
		Data:     data,
		GasLimit: m.contracts.Gas.CreateIdentity,
	})
	if err != nil {
		return common.Address{}, err
	}

	receipt, err := m.chain.AwaitReceipt(ctx, txHash)
	if err != nil {
		return common.Address{}, err
	}
	if !receiptAccepted(receipt) {
		return common.Address{}, xerrors.New(xerrors.CodeTransactionReverted, "身份创建交易失败",
			xerrors.WithMetadata("account", account.Address.Hex()),
			xerrors.WithMetadata("tx", txHash.Hex()))
	}

	// 工厂注册需要时间，稍等后再查一次。
	if err := sleep(ctx, m.identitySettle); err != nil {
		return common.Address{}, err
	}
	identityAddr, exists, err = m.Lookup(ctx, account.Address)
	if err != nil {
		return common.Address{}, err
	}
	if !exists {
		return common.Address{}, xerrors.New(xerrors.CodeTransactionReverted, "身份创建后仍未注册",
			xerrors.WithMetadata("account", account.Address.Hex()))
	}
	m.log.Info("身份创建成功", slog.String("account", account.Address.Hex()),
		slog.String("identity", identityAddr.Hex()))
	return identityAddr, nil
}

// EnsureClaim 保证身份合约带有 KYC 认证。已存在时不产生任何交易。
func (m *Manager) EnsureClaim(ctx context.Context, account wallet.Account, identityAddr common.Address) error {
	ids, err := m.ClaimIDs(ctx, identityAddr, credential.ClaimTopicKYC)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		m.log.Debug("认证已存在", slog.String("identity", identityAddr.Hex()))
		return nil
	}

	claim := m.credentials.RequestClaim(ctx, account.Address, identityAddr)
	signature, err := claim.SignatureBytes()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeCredentialFailure, err, "重组签名失败")
	}
	claimBytes, err := claim.DataBytes()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeCredentialFailure, err, "解析认证数据失败")
	}

	data, err := m.abis.Identity.Pack("addClaim",
		big.NewInt(claim.Topic),
		big.NewInt(claimScheme),
		common.HexToAddress(claim.IssuerAddress),
		signature,
		claimBytes,
		"",
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 addClaim 失败")
	}

	m.log.Info("附加 KYC 认证", slog.String("identity", identityAddr.Hex()),
		slog.String("issuer", claim.IssuerAddress), slog.Int64("topic", claim.Topic))
	txHash, err := m.chain.Submit(ctx, account.Key, chain.TxIntent{
		To:       identityAddr,
		Data:     data,
		GasLimit: m.contracts.Gas.AddClaim,
	})
	if err != nil {
		return err
	}

	receipt, err := m.chain.AwaitReceipt(ctx, txHash)
	if err != nil {
		return err
	}
	if !receiptAccepted(receipt) {
		return xerrors.New(xerrors.CodeTransactionReverted, "认证附加交易失败",
			xerrors.WithMetadata("identity", identityAddr.Hex()),
			xerrors.WithMetadata("tx", txHash.Hex()))
	}
	m.log.Info("认证附加成功", slog.String("identity", identityAddr.Hex()))
	// 只有真正提交了 addClaim 才需要等待落账，幂等路径直接返回。
	return sleep(ctx, m.claimSettle)
}

// Outcome 汇总单个账户一次身份流程的结果。
type Outcome struct {
	Account common.Address
	State   State
	Skipped string
	Err     error
}

// ProcessAll 依次为所有账户补齐身份与认证。单个账户的失败只影响它
// 自己，本轮剩余账户继续处理；下一轮会重新从链上状态出发。
func (m *Manager) ProcessAll(ctx context.Context, accounts []wallet.Account) []Outcome {
	outcomes := make([]Outcome, 0, len(accounts))
	for i, account := range accounts {
		if ctx.Err() != nil {
			break
		}
		m.log.Info("处理账户身份",
			slog.Int("index", i+1), slog.Int("total", len(accounts)),
			slog.String("account", account.Address.Hex()))
		outcome := m.processOne(ctx, account)
		if outcome.Err != nil {
			m.log.Warn("账户身份流程失败",
				slog.String("account", account.Address.Hex()),
				slog.Any("error", outcome.Err))
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (m *Manager) processOne(ctx context.Context, account wallet.Account) Outcome {
	outcome := Outcome{Account: account.Address}

	balance, err := m.chain.BalanceAt(ctx, account.Address)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	if balance.Sign() == 0 {
		outcome.Skipped = "原生余额为零"
		return outcome
	}

	identityAddr, err := m.EnsureIdentity(ctx, account)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	outcome.State = StateIdentityOnly

	if err := m.EnsureClaim(ctx, account, identityAddr); err != nil {
		outcome.Err = err
		return outcome
	}
	outcome.State = StateIdentityWithClaim
	return outcome
}

// receiptAccepted 判断回执是否视为成功。历史部署在成功时偶尔返回
// status 0 但携带日志，因此日志非空也算通过。
func receiptAccepted(receipt *types.Receipt) bool {
	if receipt == nil {
		return false
	}
	return receipt.Status == types.ReceiptStatusSuccessful || len(receipt.Logs) > 0
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
