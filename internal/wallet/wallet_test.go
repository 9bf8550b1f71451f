package wallet

import (
	"os"
	"path/filepath"
	"testing"

	xerrors "spout-engine/internal/errors"
)

const (
	keyHexA = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	keyHexB = "8a1f9a8f95be41cd7ccb6168179afb4504aefe388d1e14474d32c45c72ce7b7a"
)

func writeKeysFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.txt")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入账户文件失败: %v", err)
	}
	return path
}

func TestFromKeyHexAcceptsPrefix(t *testing.T) {
	plain, err := FromKeyHex(keyHexA)
	if err != nil {
		t.Fatalf("解析无前缀私钥失败: %v", err)
	}
	prefixed, err := FromKeyHex("0x" + keyHexA)
	if err != nil {
		t.Fatalf("解析带前缀私钥失败: %v", err)
	}
	if plain.Address != prefixed.Address {
		t.Errorf("同一私钥派生地址不一致: %s vs %s", plain.Address.Hex(), prefixed.Address.Hex())
	}
}

func TestFromKeyHexRejectsGarbage(t *testing.T) {
	if _, err := FromKeyHex("not-a-key"); err == nil {
		t.Fatal("期望解析错误")
	} else if code := xerrors.CodeOf(err); code != xerrors.CodeInvalidArgument {
		t.Errorf("错误码 = %s, 期望 %s", code, xerrors.CodeInvalidArgument)
	}
}

func TestLoadKeysSkipsBlankLines(t *testing.T) {
	path := writeKeysFile(t, "\n"+keyHexA+"\n\n  \n0x"+keyHexB+"\n")
	accounts, err := LoadKeys(path)
	if err != nil {
		t.Fatalf("加载账户失败: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("账户数 = %d, 期望 2", len(accounts))
	}
	if accounts[0].Address == accounts[1].Address {
		t.Error("两个不同私钥派生了相同地址")
	}
}

func TestLoadKeysMissingFile(t *testing.T) {
	_, err := LoadKeys(filepath.Join(t.TempDir(), "nope.txt"))
	if err == nil {
		t.Fatal("期望 NO_ACCOUNTS 错误")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeNoAccounts {
		t.Errorf("错误码 = %s, 期望 %s", code, xerrors.CodeNoAccounts)
	}
}

func TestLoadKeysEmptyFile(t *testing.T) {
	path := writeKeysFile(t, "\n\n")
	_, err := LoadKeys(path)
	if err == nil {
		t.Fatal("期望 NO_ACCOUNTS 错误")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeNoAccounts {
		t.Errorf("错误码 = %s, 期望 %s", code, xerrors.CodeNoAccounts)
	}
}

func TestLoadKeysInvalidLineReportsPosition(t *testing.T) {
	path := writeKeysFile(t, keyHexA+"\ngarbage\n")
	_, err := LoadKeys(path)
	if err == nil {
		t.Fatal("期望解析错误")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeInvalidArgument {
		t.Errorf("错误码 = %s, 期望 %s", code, xerrors.CodeInvalidArgument)
	}
}
