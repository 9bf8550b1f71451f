package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spout.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.Chain.RPCURL != "https://testnet.dplabs-internal.com" {
		t.Errorf("rpc_url = %s", cfg.Chain.RPCURL)
	}
	if cfg.Chain.ChainID != 688688 {
		t.Errorf("chain_id = %d, 期望 688688", cfg.Chain.ChainID)
	}
	if cfg.Chain.GasPriceGwei != 1.25 {
		t.Errorf("gas_price_gwei = %v, 期望 1.25", cfg.Chain.GasPriceGwei)
	}
	if cfg.Chain.ReceiptTimeoutSeconds != 60 {
		t.Errorf("receipt_timeout_seconds = %d, 期望 60", cfg.Chain.ReceiptTimeoutSeconds)
	}
	if cfg.Credential.Endpoint != "https://www.spout.finance/api/kyc-signature" {
		t.Errorf("endpoint = %s", cfg.Credential.Endpoint)
	}
	if cfg.Credential.Cache.Driver != "memory" {
		t.Errorf("cache driver = %s, 期望 memory", cfg.Credential.Cache.Driver)
	}
	if cfg.Batch.AccountSettleSeconds != 3 || cfg.Batch.IdentitySettleSeconds != 3 || cfg.Batch.ClaimSettleSeconds != 5 {
		t.Errorf("批处理间隔默认值不符: %+v", cfg.Batch)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("日志默认值不符: %+v", cfg.Logging)
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	path := writeConfig(t, `{"accounts":{"keys_file":"keys.txt"},"chain":{"contracts_file":"deploy.yaml"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	baseDir := filepath.Dir(path)
	if want := filepath.Join(baseDir, "keys.txt"); cfg.Accounts.KeysFile != want {
		t.Errorf("keys_file = %s, 期望 %s", cfg.Accounts.KeysFile, want)
	}
	if want := filepath.Join(baseDir, "deploy.yaml"); cfg.Chain.ContractsFile != want {
		t.Errorf("contracts_file = %s, 期望 %s", cfg.Chain.ContractsFile, want)
	}
}

func TestLoadKeepsExplicitValues(t *testing.T) {
	path := writeConfig(t, `{
		"chain": {"chain_id": 1, "gas_price_gwei": 2.5},
		"credential": {"cache": {"driver": "redis", "redis": {"address": "localhost:6379"}}}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Chain.ChainID != 1 {
		t.Errorf("chain_id = %d, 期望保留 1", cfg.Chain.ChainID)
	}
	if cfg.Chain.GasPriceGwei != 2.5 {
		t.Errorf("gas_price_gwei = %v, 期望保留 2.5", cfg.Chain.GasPriceGwei)
	}
	if cfg.Credential.Cache.Driver != "redis" {
		t.Errorf("cache driver = %s, 期望 redis", cfg.Credential.Cache.Driver)
	}
	if cfg.Credential.Cache.Redis.KeyPrefix != "spout:claims" {
		t.Errorf("key_prefix = %s, 期望默认前缀", cfg.Credential.Cache.Redis.KeyPrefix)
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := writeConfig(t, `{`)
	if _, err := Load(path); err == nil {
		t.Fatal("期望解析错误")
	}
}

func TestLoadRejectsEmptyPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("期望路径错误")
	}
}
