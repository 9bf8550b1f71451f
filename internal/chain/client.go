package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"time"

	xerrors "spout-engine/internal/errors"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/params"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"
)

// Backend 定义客户端所依赖的节点能力子集，便于测试替换。
// *ethclient.Client 天然满足该接口。
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Config describes how to construct a chain client.
type Config struct {
	RPCURL         string
	ChainID        int64
	GasPriceGwei   float64
	ReceiptTimeout time.Duration
	// RateLimit caps outbound RPC calls per second so sequential account
	// iteration cannot burst the endpoint. Zero disables the limiter.
	RateLimit float64
}

// TxIntent 描述一次待签名提交的合约调用。
type TxIntent struct {
	To       common.Address
	Data     []byte
	GasLimit uint64
	Value    *big.Int
}

// Client 封装 RPC 连接，负责交易构造、签名、提交与回执轮询。
type Client struct {
	backend        Backend
	rpcClient      *gethrpc.Client
	chainID        *big.Int
	signer         types.Signer
	gasPrice       *big.Int
	receiptTimeout time.Duration
	pollInterval   time.Duration
	limiter        *rate.Limiter
}

// ClientOption 定义可选配置。
type ClientOption func(*Client)

// WithReceiptTimeout 覆盖回执等待的超时时间。
func WithReceiptTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.receiptTimeout = timeout
		}
	}
}

// WithPollInterval 覆盖回执轮询间隔，主要用于测试。
func WithPollInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// WithGasPrice 以 wei 为单位覆盖固定 gas 价格。
func WithGasPrice(price *big.Int) ClientOption {
	return func(c *Client) {
		if price != nil && price.Sign() > 0 {
			c.gasPrice = new(big.Int).Set(price)
		}
	}
}

const (
	defaultReceiptTimeout = 60 * time.Second
	defaultPollInterval   = 2 * time.Second
	defaultGasPriceGwei   = 1.25
)

// NewClient dials the configured RPC endpoint and verifies the chain id
// before returning a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectivityFailure, err, "连接链节点失败")
	}
	eth := ethclient.NewClient(rpcClient)

	remoteID, err := eth.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, xerrors.Wrap(xerrors.CodeConnectivityFailure, err, "查询链 ID 失败")
	}
	if cfg.ChainID != 0 && remoteID.Int64() != cfg.ChainID {
		rpcClient.Close()
		return nil, xerrors.New(xerrors.CodeConnectivityFailure, "节点链 ID 与配置不一致",
			xerrors.WithMetadata("expected", big.NewInt(cfg.ChainID).String()),
			xerrors.WithMetadata("actual", remoteID.String()))
	}

	client := newClient(eth, remoteID)
	client.rpcClient = rpcClient
	if cfg.GasPriceGwei > 0 {
		client.gasPrice = gweiToWei(cfg.GasPriceGwei)
	}
	if cfg.ReceiptTimeout > 0 {
		client.receiptTimeout = cfg.ReceiptTimeout
	}
	if cfg.RateLimit > 0 {
		client.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return client, nil
}

// NewBackendClient wraps an injected backend, bypassing any dialing. Used by
// tests and by callers that already hold a live connection.
func NewBackendClient(backend Backend, chainID *big.Int, opts ...ClientOption) *Client {
	client := newClient(backend, chainID)
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client
}

func newClient(backend Backend, chainID *big.Int) *Client {
	id := new(big.Int).Set(chainID)
	return &Client{
		backend:        backend,
		chainID:        id,
		signer:         types.LatestSignerForChainID(id),
		gasPrice:       gweiToWei(defaultGasPriceGwei),
		receiptTimeout: defaultReceiptTimeout,
		pollInterval:   defaultPollInterval,
	}
}

// Close releases the underlying RPC connection, if any.
func (c *Client) Close() {
	if c == nil || c.rpcClient == nil {
		return
	}
	c.rpcClient.Close()
	c.rpcClient = nil
}

// ChainID 返回客户端绑定的链 ID。
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// GasPrice 返回固定的 gas 价格（wei）。
func (c *Client) GasPrice() *big.Int {
	return new(big.Int).Set(c.gasPrice)
}

// NonceFor 每次都向节点查询最新 nonce，避免顺序发送时复用过期值。
func (c *Client) NonceFor(ctx context.Context, account common.Address) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	nonce, err := c.backend.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeSubmissionFailure, err, "查询 nonce 失败",
			xerrors.WithMetadata("account", account.Hex()))
	}
	return nonce, nil
}

// Submit 构造、签名并提交一笔固定 gas 价格的交易，返回交易哈希。
func (c *Client) Submit(ctx context.Context, key *ecdsa.PrivateKey, intent TxIntent) (common.Hash, error) {
	sender := senderAddress(key)
	nonce, err := c.NonceFor(ctx, sender)
	if err != nil {
		return common.Hash{}, err
	}

	value := intent.Value
	if value == nil {
		value = new(big.Int)
	}
	to := intent.To
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      intent.GasLimit,
		GasPrice: c.GasPrice(),
		Data:     intent.Data,
	})

	signed, err := types.SignTx(tx, c.signer, key)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeSubmissionFailure, err, "签名交易失败",
			xerrors.WithMetadata("account", sender.Hex()))
	}

	if err := c.wait(ctx); err != nil {
		return common.Hash{}, err
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeSubmissionFailure, err, "提交交易失败",
			xerrors.WithMetadata("account", sender.Hex()),
			xerrors.WithMetadata("tx", signed.Hash().Hex()))
	}
	return signed.Hash(), nil
}

// AwaitReceipt 阻塞轮询交易回执，超过固定超时后返回 RECEIPT_TIMEOUT。
func (c *Client) AwaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	deadline := time.NewTimer(c.receiptTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, xerrors.Wrap(xerrors.CodeSubmissionFailure, err, "查询交易回执失败",
				xerrors.WithMetadata("tx", txHash.Hex()))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, xerrors.New(xerrors.CodeReceiptTimeout, "",
				xerrors.WithMetadata("tx", txHash.Hex()))
		case <-ticker.C:
		}
	}
}

// Call 执行只读合约调用并返回解包后的结果。
func (c *Client) Call(ctx context.Context, contract common.Address, contractABI abi.ABI, method string, args ...any) ([]any, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码合约调用失败",
			xerrors.WithMetadata("method", method))
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	output, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectivityFailure, err, "合约调用失败",
			xerrors.WithMetadata("contract", contract.Hex()),
			xerrors.WithMetadata("method", method))
	}

	values, err := contractABI.Unpack(method, output)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "解码合约返回值失败",
			xerrors.WithMetadata("method", method))
	}
	return values, nil
}

// BalanceAt 查询账户的原生代币余额。
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	balance, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectivityFailure, err, "查询余额失败",
			xerrors.WithMetadata("account", account.Hex()))
	}
	return balance, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func senderAddress(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

func gweiToWei(gwei float64) *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(params.GWei)).Int(nil)
	return wei
}
