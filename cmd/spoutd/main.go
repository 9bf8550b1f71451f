package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"spout-engine/internal/batch"
	"spout-engine/internal/chain"
	"spout-engine/internal/config"
	"spout-engine/internal/credential"
	"spout-engine/internal/identity"
	"spout-engine/internal/observability/alerting"
	"spout-engine/internal/order"
	"spout-engine/internal/wallet"
	"spout-engine/pkg/logger"
)

// main 是 spoutd 的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("spoutd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("SPOUT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "spout.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Activity: logger.ActivityConfig{
			Enabled:    cfg.Logging.Activity.Enabled,
			Path:       cfg.Logging.Activity.Path,
			MaxSizeMB:  cfg.Logging.Activity.MaxSizeMB,
			MaxBackups: cfg.Logging.Activity.MaxBackups,
			MaxAgeDays: cfg.Logging.Activity.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	contracts, err := chain.LoadContracts(cfg.Chain.ContractsFile)
	if err != nil {
		return err
	}

	client, err := chain.NewClient(ctx, chain.Config{
		RPCURL:         cfg.Chain.RPCURL,
		ChainID:        cfg.Chain.ChainID,
		GasPriceGwei:   cfg.Chain.GasPriceGwei,
		ReceiptTimeout: time.Duration(cfg.Chain.ReceiptTimeoutSeconds) * time.Second,
		RateLimit:      cfg.Chain.RPCRateLimit,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	claimCache, err := newClaimCache(cfg.Credential.Cache)
	if err != nil {
		return err
	}
	defer func() { _ = claimCache.Close() }()

	credentials := credential.NewService(cfg.Credential.Endpoint,
		credential.WithTimeout(time.Duration(cfg.Credential.TimeoutSeconds)*time.Second),
		credential.WithCache(claimCache))

	manager := identity.NewManager(client, credentials, contracts,
		identity.WithSettleIntervals(
			time.Duration(cfg.Batch.IdentitySettleSeconds)*time.Second,
			time.Duration(cfg.Batch.ClaimSettleSeconds)*time.Second,
		))

	executor := order.NewExecutor(client, contracts)

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	runner := batch.NewRunner(executor,
		batch.WithAlertDispatcher(alerting.NewFanout(notifiers...)),
		batch.WithAccountSettle(time.Duration(cfg.Batch.AccountSettleSeconds)*time.Second),
	)

	app := &console{
		cfg:      cfg,
		client:   client,
		manager:  manager,
		executor: executor,
		runner:   runner,
		input:    bufio.NewScanner(os.Stdin),
	}
	return app.loop(ctx)
}

func newClaimCache(cfg config.CacheConfig) (credential.Cache, error) {
	switch cfg.Driver {
	case "", "memory":
		return credential.NewMemoryCache(), nil
	case "redis":
		return credential.NewRedisCache(credential.RedisCacheConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("未知的缓存驱动: %s", cfg.Driver)
	}
}

// console 承载交互式菜单的状态。
type console struct {
	cfg      *config.Config
	client   *chain.Client
	manager  *identity.Manager
	executor *order.Executor
	runner   *batch.Runner
	input    *bufio.Scanner
}

func (c *console) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		c.printMenu()
		choice, ok := c.readLine("Select option (1-6): ")
		if !ok {
			return nil
		}
		switch strings.TrimSpace(choice) {
		case "1":
			c.runKYC(ctx)
		case "2":
			c.runBatch(ctx, order.Buy)
		case "3":
			c.runBatch(ctx, order.Sell)
		case "4":
			c.showBalances(ctx)
		case "5":
			c.showIdentityStatus(ctx)
		case "6":
			fmt.Println("Goodbye!")
			return nil
		default:
			fmt.Println("Invalid option, please select 1-6.")
		}
	}
}

func (c *console) printMenu() {
	fmt.Println()
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println("SPOUT ENGINE - MAIN MENU")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println("1. KYC process (create identity & add claims)")
	fmt.Println("2. Buy RWA tokens (USDC -> RWA)")
	fmt.Println("3. Sell RWA tokens (RWA -> USDC)")
	fmt.Println("4. Check balances")
	fmt.Println("5. Check identity status")
	fmt.Println("6. Exit")
	fmt.Println(strings.Repeat("=", 50))
}

func (c *console) loadAccounts() []wallet.Account {
	accounts, err := wallet.LoadKeys(c.cfg.Accounts.KeysFile)
	if err != nil {
		fmt.Printf("Failed to load accounts: %v\n", err)
		return nil
	}
	return accounts
}

func (c *console) runKYC(ctx context.Context) {
	accounts := c.loadAccounts()
	if len(accounts) == 0 {
		return
	}
	outcomes := c.manager.ProcessAll(ctx, accounts)
	for _, outcome := range outcomes {
		switch {
		case outcome.Err != nil:
			fmt.Printf("%s: error: %v\n", outcome.Account.Hex(), outcome.Err)
		case outcome.Skipped != "":
			fmt.Printf("%s: skipped (%s)\n", outcome.Account.Hex(), outcome.Skipped)
		default:
			fmt.Printf("%s: %s\n", outcome.Account.Hex(), outcome.State)
		}
	}
	fmt.Println("KYC process completed.")
}

func (c *console) runBatch(ctx context.Context, side order.Side) {
	accounts := c.loadAccounts()
	if len(accounts) == 0 {
		return
	}

	cfg, ok := c.promptRunConfig(side)
	if !ok {
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid settings: %v\n", err)
		return
	}

	fmt.Printf("\nWill perform %d repetitions, amount %.4f - %.4f, delay %d - %d seconds.\n",
		cfg.Repetitions, cfg.AmountMin, cfg.AmountMax, cfg.DelayMinSeconds, cfg.DelayMaxSeconds)
	confirm, ok := c.readLine("Proceed with these settings? (y/n): ")
	if !ok || strings.ToLower(strings.TrimSpace(confirm)) != "y" {
		fmt.Println("Cancelled.")
		return
	}

	summary, err := c.runner.Run(ctx, cfg, side, accounts)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Printf("Batch aborted: %v\n", err)
		return
	}
	fmt.Printf("Batch %s finished: %d succeeded, %d failed, %d skipped.\n",
		summary.RunID, summary.Succeeded, summary.Failed, summary.Skipped)
}

func (c *console) promptRunConfig(side order.Side) (batch.RunConfig, bool) {
	unit := "USDC"
	if side == order.Sell {
		unit = "RWA tokens"
	}

	repetitions, ok := c.readInt("Enter number of transactions to perform: ")
	if !ok {
		return batch.RunConfig{}, false
	}
	amountMin, ok := c.readFloat(fmt.Sprintf("Enter minimum amount (%s): ", unit))
	if !ok {
		return batch.RunConfig{}, false
	}
	amountMax, ok := c.readFloat(fmt.Sprintf("Enter maximum amount (%s): ", unit))
	if !ok {
		return batch.RunConfig{}, false
	}
	delayMin, ok := c.readInt("Enter minimum delay between transactions (seconds): ")
	if !ok {
		return batch.RunConfig{}, false
	}
	delayMax, ok := c.readInt("Enter maximum delay between transactions (seconds): ")
	if !ok {
		return batch.RunConfig{}, false
	}

	return batch.RunConfig{
		Repetitions:     repetitions,
		AmountMin:       amountMin,
		AmountMax:       amountMax,
		DelayMinSeconds: delayMin,
		DelayMaxSeconds: delayMax,
	}, true
}

func (c *console) showBalances(ctx context.Context) {
	accounts := c.loadAccounts()
	if len(accounts) == 0 {
		return
	}

	if price, err := c.executor.AssetPrice(ctx); err == nil {
		fmt.Printf("Current asset price (feed): %s\n", price)
	}

	for i, account := range accounts {
		fmt.Printf("\nAccount %d/%d: %s\n", i+1, len(accounts), account.Address.Hex())

		native, err := c.client.BalanceAt(ctx, account.Address)
		if err != nil {
			fmt.Printf("  error: %v\n", err)
			continue
		}
		fmt.Printf("  Native: %s wei\n", native)

		c.printTokenBalance(ctx, "USDC", c.executor.SpendingToken(order.Buy), account)
		c.printTokenBalance(ctx, "RWA", c.executor.SpendingToken(order.Sell), account)

		if identityAddr, exists, err := c.manager.Lookup(ctx, account.Address); err != nil {
			fmt.Printf("  Identity: error: %v\n", err)
		} else if exists {
			fmt.Printf("  Identity: %s\n", identityAddr.Hex())
		} else {
			fmt.Println("  Identity: none")
		}
	}
}

func (c *console) printTokenBalance(ctx context.Context, label string, token common.Address, account wallet.Account) {
	balance, decimals, err := c.executor.TokenBalance(ctx, token, account.Address)
	if err != nil {
		fmt.Printf("  %s: error: %v\n", label, err)
		return
	}
	fmt.Printf("  %s: %.4f\n", label, order.HumanUnits(balance, decimals))
}

func (c *console) showIdentityStatus(ctx context.Context) {
	accounts := c.loadAccounts()
	if len(accounts) == 0 {
		return
	}
	for i, account := range accounts {
		fmt.Printf("Account %d/%d: %s\n", i+1, len(accounts), account.Address.Hex())
		state, identityAddr, err := c.manager.Status(ctx, account.Address)
		if err != nil {
			fmt.Printf("  error: %v\n", err)
			continue
		}
		switch state {
		case identity.StateNoIdentity:
			fmt.Println("  No identity")
		case identity.StateIdentityOnly:
			fmt.Printf("  Identity: %s (no KYC claim)\n", identityAddr.Hex())
		case identity.StateIdentityWithClaim:
			fmt.Printf("  Identity: %s (KYC claim present)\n", identityAddr.Hex())
		}
	}
}

func (c *console) readLine(prompt string) (string, bool) {
	fmt.Print(prompt)
	if !c.input.Scan() {
		return "", false
	}
	return c.input.Text(), true
}

func (c *console) readInt(prompt string) (int, bool) {
	line, ok := c.readLine(prompt)
	if !ok {
		return 0, false
	}
	value, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		fmt.Println("Invalid number.")
		return 0, false
	}
	return value, true
}

func (c *console) readFloat(prompt string) (float64, bool) {
	line, ok := c.readLine(prompt)
	if !ok {
		return 0, false
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
	if err != nil {
		fmt.Println("Invalid number.")
		return 0, false
	}
	return value, true
}
