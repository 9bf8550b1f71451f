package chain

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// 固定的合约 ABI。这一组接口由链上部署决定，不随配置变化。
const (
	identityFactoryABIJSON = `[
		{"inputs":[{"internalType":"address","name":"_wallet","type":"address"},{"internalType":"string","name":"_salt","type":"string"}],"name":"createIdentity","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"internalType":"address","name":"_wallet","type":"address"}],"name":"getIdentity","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}
	]`

	identityABIJSON = `[
		{"inputs":[{"internalType":"uint256","name":"_topic","type":"uint256"},{"internalType":"uint256","name":"_scheme","type":"uint256"},{"internalType":"address","name":"_issuer","type":"address"},{"internalType":"bytes","name":"_signature","type":"bytes"},{"internalType":"bytes","name":"_data","type":"bytes"},{"internalType":"string","name":"_uri","type":"string"}],"name":"addClaim","outputs":[{"internalType":"bytes32","name":"claimRequestId","type":"bytes32"}],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"internalType":"uint256","name":"_topic","type":"uint256"}],"name":"getClaimIdsByTopic","outputs":[{"internalType":"bytes32[]","name":"claimIds","type":"bytes32[]"}],"stateMutability":"view","type":"function"}
	]`

	tokenABIJSON = `[
		{"inputs":[{"internalType":"address","name":"_spender","type":"address"},{"internalType":"uint256","name":"_value","type":"uint256"}],"name":"approve","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"internalType":"address","name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"balance","type":"uint256"}],"stateMutability":"view","type":"function"},
		{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
	]`

	ordersABIJSON = `[
		{"inputs":[{"internalType":"uint256","name":"adfsFeedId","type":"uint256"},{"internalType":"string","name":"ticker","type":"string"},{"internalType":"address","name":"token","type":"address"},{"internalType":"uint256","name":"usdcAmount","type":"uint256"}],"name":"buyAsset","outputs":[],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"internalType":"uint256","name":"feedId","type":"uint256"},{"internalType":"string","name":"ticker","type":"string"},{"internalType":"address","name":"token","type":"address"},{"internalType":"uint256","name":"tokenAmount","type":"uint256"}],"name":"sellAsset","outputs":[],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"internalType":"uint256","name":"feedId","type":"uint256"}],"name":"getAssetPrice","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
	]`
)

// ABISet 汇总系统涉及的全部合约接口。
type ABISet struct {
	IdentityFactory abi.ABI
	Identity        abi.ABI
	Token           abi.ABI
	Orders          abi.ABI
}

var parsedABIs = ABISet{
	IdentityFactory: mustABI(identityFactoryABIJSON),
	Identity:        mustABI(identityABIJSON),
	Token:           mustABI(tokenABIJSON),
	Orders:          mustABI(ordersABIJSON),
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid builtin abi: %v", err))
	}
	return parsed
}

// ABIs 返回解析后的合约接口集合。
func ABIs() ABISet {
	return parsedABIs
}

// AssetSpec 标识当前配置下唯一可交易的资产。
type AssetSpec struct {
	FeedID *big.Int
	Ticker string
}

// GasTable 是按操作类型划分的 gas 上限。
type GasTable struct {
	CreateIdentity uint64
	AddClaim       uint64
	Approve        uint64
	Buy            uint64
	Sell           uint64
}

// ContractSet 汇总一次运行涉及的合约地址、资产标识与 gas 上限。
type ContractSet struct {
	IdentityFactory common.Address
	Gateway         common.Address
	Orders          common.Address
	USDC            common.Address
	RWAToken        common.Address
	Asset           AssetSpec
	Gas             GasTable
}

// contractsFile models the structure of configs/contracts.yaml.
type contractsFile struct {
	Contracts struct {
		IdentityFactory string `yaml:"identity_factory"`
		Gateway         string `yaml:"gateway"`
		Orders          string `yaml:"orders"`
		USDC            string `yaml:"usdc"`
		RWAToken        string `yaml:"rwa_token"`
	} `yaml:"contracts"`
	Asset struct {
		FeedID int64  `yaml:"feed_id"`
		Ticker string `yaml:"ticker"`
	} `yaml:"asset"`
	GasLimits struct {
		CreateIdentity uint64 `yaml:"create_identity"`
		AddClaim       uint64 `yaml:"add_claim"`
		Approve        uint64 `yaml:"approve"`
		Buy            uint64 `yaml:"buy"`
		Sell           uint64 `yaml:"sell"`
	} `yaml:"gas_limits"`
}

// DefaultContracts 返回公共测试网部署对应的合约集合。
func DefaultContracts() ContractSet {
	return ContractSet{
		IdentityFactory: common.HexToAddress("0x18cB5F2774a80121d1067007933285B32516226a"),
		Gateway:         common.HexToAddress("0x126F0c11F3e5EafE37AB143D4AA688429ef7DCB3"),
		Orders:          common.HexToAddress("0x81b33972f8bdf14fD7968aC99CAc59BcaB7f4E9A"),
		USDC:            common.HexToAddress("0x72df0bcd7276f2dFbAc900D1CE63c272C4BCcCED"),
		RWAToken:        common.HexToAddress("0x54b753555853ce22f66Ac8CB8e324EB607C4e4eE"),
		Asset: AssetSpec{
			FeedID: big.NewInt(2000002),
			Ticker: "LQD",
		},
		Gas: GasTable{
			CreateIdentity: 1_000_000,
			AddClaim:       800_000,
			Approve:        100_000,
			Buy:            400_000,
			Sell:           400_000,
		},
	}
}

// LoadContracts 解析合约定义文件，缺失的字段回落到默认部署。
// 空路径或文件不存在时直接返回默认集合。
func LoadContracts(path string) (ContractSet, error) {
	set := DefaultContracts()
	if strings.TrimSpace(path) == "" {
		return set, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return set, nil
		}
		return ContractSet{}, fmt.Errorf("读取合约配置失败: %w", err)
	}

	var file contractsFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return ContractSet{}, fmt.Errorf("解析合约配置失败: %w", err)
	}

	if file.Contracts.IdentityFactory != "" {
		set.IdentityFactory = common.HexToAddress(file.Contracts.IdentityFactory)
	}
	if file.Contracts.Gateway != "" {
		set.Gateway = common.HexToAddress(file.Contracts.Gateway)
	}
	if file.Contracts.Orders != "" {
		set.Orders = common.HexToAddress(file.Contracts.Orders)
	}
	if file.Contracts.USDC != "" {
		set.USDC = common.HexToAddress(file.Contracts.USDC)
	}
	if file.Contracts.RWAToken != "" {
		set.RWAToken = common.HexToAddress(file.Contracts.RWAToken)
	}
	if file.Asset.FeedID != 0 {
		set.Asset.FeedID = big.NewInt(file.Asset.FeedID)
	}
	if file.Asset.Ticker != "" {
		set.Asset.Ticker = file.Asset.Ticker
	}
	if file.GasLimits.CreateIdentity != 0 {
		set.Gas.CreateIdentity = file.GasLimits.CreateIdentity
	}
	if file.GasLimits.AddClaim != 0 {
		set.Gas.AddClaim = file.GasLimits.AddClaim
	}
	if file.GasLimits.Approve != 0 {
		set.Gas.Approve = file.GasLimits.Approve
	}
	if file.GasLimits.Buy != 0 {
		set.Gas.Buy = file.GasLimits.Buy
	}
	if file.GasLimits.Sell != 0 {
		set.Gas.Sell = file.GasLimits.Sell
	}
	return set, nil
}
