package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 spoutd 在启动阶段需要加载的核心配置。
type Config struct {
	Chain      ChainConfig      `json:"chain"`
	Credential CredentialConfig `json:"credential"`
	Accounts   AccountsConfig   `json:"accounts"`
	Batch      BatchConfig      `json:"batch"`
	Logging    LoggingConfig    `json:"logging"`
	Alerting   AlertingConfig   `json:"alerting"`
}

// ChainConfig 包含访问链节点所需的 RPC 地址和交易参数。
type ChainConfig struct {
	RPCURL                string  `json:"rpc_url"`
	ChainID               int64   `json:"chain_id"`
	GasPriceGwei          float64 `json:"gas_price_gwei"`
	ReceiptTimeoutSeconds int     `json:"receipt_timeout_seconds"`
	RPCRateLimit          float64 `json:"rpc_rate_limit"`
	ContractsFile         string  `json:"contracts_file"`
}

// CredentialConfig 描述 KYC 签名服务的调用方式。
type CredentialConfig struct {
	Endpoint       string      `json:"endpoint"`
	TimeoutSeconds int         `json:"timeout_seconds"`
	Cache          CacheConfig `json:"cache"`
}

// CacheConfig 目前提供内存实现，可以切换到 Redis。
type CacheConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
}

// RedisConfig 描述 Redis 缓存的连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// AccountsConfig 指定账户私钥文件的位置。
type AccountsConfig struct {
	KeysFile string `json:"keys_file"`
}

// BatchConfig 控制批处理过程中的固定间隔。
type BatchConfig struct {
	AccountSettleSeconds  int `json:"account_settle_seconds"`
	IdentitySettleSeconds int `json:"identity_settle_seconds"`
	ClaimSettleSeconds    int `json:"claim_settle_seconds"`
}

// LoggingConfig 控制结构化日志的输出方式。
type LoggingConfig struct {
	Level       string         `json:"level"`
	Format      string         `json:"format"`
	OutputPaths []string       `json:"output_paths"`
	Activity    ActivityConfig `json:"activity"`
}

// ActivityConfig 控制运行记录文件的滚动策略。
type ActivityConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// AlertingConfig 配置失败告警的投递地址。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Chain.RPCURL == "" {
		c.Chain.RPCURL = "https://testnet.dplabs-internal.com"
	}
	if c.Chain.ChainID == 0 {
		c.Chain.ChainID = 688688
	}
	if c.Chain.GasPriceGwei <= 0 {
		c.Chain.GasPriceGwei = 1.25
	}
	if c.Chain.ReceiptTimeoutSeconds <= 0 {
		c.Chain.ReceiptTimeoutSeconds = 60
	}
	if c.Chain.RPCRateLimit <= 0 {
		c.Chain.RPCRateLimit = 10
	}
	if c.Chain.ContractsFile == "" {
		c.Chain.ContractsFile = filepath.Join(baseDir, "contracts.yaml")
	} else if !filepath.IsAbs(c.Chain.ContractsFile) {
		c.Chain.ContractsFile = filepath.Join(baseDir, c.Chain.ContractsFile)
	}

	if c.Credential.Endpoint == "" {
		c.Credential.Endpoint = "https://www.spout.finance/api/kyc-signature"
	}
	if c.Credential.TimeoutSeconds <= 0 {
		c.Credential.TimeoutSeconds = 30
	}
	if c.Credential.Cache.Driver == "" {
		c.Credential.Cache.Driver = "memory"
	}
	if c.Credential.Cache.Redis.KeyPrefix == "" {
		c.Credential.Cache.Redis.KeyPrefix = "spout:claims"
	}

	if c.Accounts.KeysFile == "" {
		c.Accounts.KeysFile = filepath.Join(baseDir, "accounts.txt")
	} else if !filepath.IsAbs(c.Accounts.KeysFile) {
		c.Accounts.KeysFile = filepath.Join(baseDir, c.Accounts.KeysFile)
	}

	if c.Batch.AccountSettleSeconds <= 0 {
		c.Batch.AccountSettleSeconds = 3
	}
	if c.Batch.IdentitySettleSeconds <= 0 {
		c.Batch.IdentitySettleSeconds = 3
	}
	if c.Batch.ClaimSettleSeconds <= 0 {
		c.Batch.ClaimSettleSeconds = 5
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}
