// Package wallet loads the locally held account keypairs that the engine
// drives. Keys never leave the process and are never persisted by any other
// component.
package wallet

import (
	"bufio"
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	xerrors "spout-engine/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Account 表示一个由进程独占的密钥对及其派生地址。
type Account struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

// FromKeyHex 解析十六进制私钥并派生地址，可带 0x 前缀。
func FromKeyHex(keyHex string) (Account, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(keyHex), "0x")
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return Account{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析私钥失败")
	}
	return Account{
		Key:     key,
		Address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// LoadKeys 读取一行一个私钥的文本文件，空行被忽略。
// 文件不存在返回 NO_ACCOUNTS 错误和空账户集，而不是崩溃。
func LoadKeys(path string) ([]Account, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, xerrors.New(xerrors.CodeNoAccounts, "账户文件不存在",
				xerrors.WithMetadata("path", path))
		}
		return nil, xerrors.Wrap(xerrors.CodeNoAccounts, err, "读取账户文件失败",
			xerrors.WithMetadata("path", path))
	}
	defer file.Close()

	var accounts []Account
	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		account, err := FromKeyHex(text)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err,
				fmt.Sprintf("第 %d 行私钥无效", line),
				xerrors.WithMetadata("path", path))
		}
		accounts = append(accounts, account)
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNoAccounts, err, "读取账户文件失败",
			xerrors.WithMetadata("path", path))
	}
	if len(accounts) == 0 {
		return nil, xerrors.New(xerrors.CodeNoAccounts, "账户文件为空",
			xerrors.WithMetadata("path", path))
	}
	return accounts, nil
}
