// Package batch drives repeated order execution across all configured
// accounts. Processing is strictly sequential: one account, one transaction
// in flight at a time, so per-account nonce ordering is never violated.
package batch

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	xerrors "spout-engine/internal/errors"
	"spout-engine/internal/observability/alerting"
	"spout-engine/internal/order"
	"spout-engine/internal/wallet"
	"spout-engine/pkg/logger"

	"github.com/google/uuid"
)

// RunConfig 描述一次批处理的参数，在批处理开始前校验一次，之后不可变。
type RunConfig struct {
	Repetitions     int
	AmountMin       float64
	AmountMax       float64
	DelayMinSeconds int
	DelayMaxSeconds int
}

// Validate 校验批处理参数。任何交易发出之前必须先通过校验。
func (c RunConfig) Validate() error {
	if c.Repetitions <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "重复次数必须大于 0")
	}
	if math.IsNaN(c.AmountMin) || math.IsNaN(c.AmountMax) ||
		math.IsInf(c.AmountMin, 0) || math.IsInf(c.AmountMax, 0) {
		return xerrors.New(xerrors.CodeInvalidArgument, "数量必须是有限数值")
	}
	if c.AmountMin <= 0 || c.AmountMax <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "数量范围必须大于 0")
	}
	if c.AmountMin > c.AmountMax {
		return xerrors.New(xerrors.CodeInvalidArgument, "数量下限不能大于上限")
	}
	if c.DelayMinSeconds < 0 || c.DelayMaxSeconds < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "延迟范围不能为负")
	}
	if c.DelayMinSeconds > c.DelayMaxSeconds {
		return xerrors.New(xerrors.CodeInvalidArgument, "延迟下限不能大于上限")
	}
	return nil
}

// OrderExecutor 定义批处理驱动的订单执行能力。
type OrderExecutor interface {
	Execute(ctx context.Context, account wallet.Account, side order.Side, amount float64) order.Result
}

// Summary 汇总一次批处理运行的结果。
type Summary struct {
	RunID     string
	Results   []order.Result
	Succeeded int
	Failed    int
	Skipped   int
}

// Runner 按配置的重复次数顺序遍历所有账户执行订单。
type Runner struct {
	executor      OrderExecutor
	alerter       alerting.Dispatcher
	accountSettle time.Duration
	rng           *rand.Rand
	log           *slog.Logger
}

// RunnerOption 定义可选配置。
type RunnerOption func(*Runner)

// WithAlertDispatcher 配置失败告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) RunnerOption {
	return func(r *Runner) {
		r.alerter = dispatcher
	}
}

// WithAccountSettle 覆盖账户之间的固定等待时间。
func WithAccountSettle(settle time.Duration) RunnerOption {
	return func(r *Runner) {
		if settle >= 0 {
			r.accountSettle = settle
		}
	}
}

// WithRand 覆盖随机源，主要用于测试。
func WithRand(rng *rand.Rand) RunnerOption {
	return func(r *Runner) {
		if rng != nil {
			r.rng = rng
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// NewRunner 创建批处理运行器。
func NewRunner(executor OrderExecutor, opts ...RunnerOption) *Runner {
	r := &Runner{
		executor:      executor,
		accountSettle: 3 * time.Second,
		rng:           rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		log:           logger.Named("batch"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Run 执行一次完整批处理。每个重复周期抽取一次目标数量和延迟，
// 周期内所有账户共用同一目标数量但各自独立成败。单个账户的失败
// 不会中断同周期的其余账户。最后一个周期之后不再延迟。
func (r *Runner) Run(ctx context.Context, cfg RunConfig, side order.Side, accounts []wallet.Account) (Summary, error) {
	if err := cfg.Validate(); err != nil {
		return Summary{}, err
	}
	if len(accounts) == 0 {
		return Summary{}, xerrors.New(xerrors.CodeNoAccounts, "")
	}

	summary := Summary{RunID: uuid.NewString()}
	r.log.Info("批处理开始",
		slog.String("run_id", summary.RunID),
		slog.String("side", side.String()),
		slog.Int("repetitions", cfg.Repetitions),
		slog.Int("accounts", len(accounts)))

	for repetition := 1; repetition <= cfg.Repetitions; repetition++ {
		amount := r.drawAmount(cfg, side)
		delay := r.drawDelay(cfg)
		r.log.Info("周期开始",
			slog.String("run_id", summary.RunID),
			slog.Int("repetition", repetition),
			slog.Int("total", cfg.Repetitions),
			slog.Float64("amount", amount),
			slog.Int("next_delay_seconds", delay))

		for i, account := range accounts {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			r.log.Info("处理账户",
				slog.Int("index", i+1), slog.Int("total", len(accounts)),
				slog.String("account", account.Address.Hex()))

			result := r.executor.Execute(ctx, account, side, amount)
			r.record(ctx, &summary, repetition, result)

			if err := sleep(ctx, r.accountSettle); err != nil {
				return summary, err
			}
		}

		if repetition < cfg.Repetitions {
			if err := sleep(ctx, time.Duration(delay)*time.Second); err != nil {
				return summary, err
			}
		}
	}

	r.log.Info("批处理完成",
		slog.String("run_id", summary.RunID),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed),
		slog.Int("skipped", summary.Skipped))
	return summary, nil
}

func (r *Runner) record(ctx context.Context, summary *Summary, repetition int, result order.Result) {
	summary.Results = append(summary.Results, result)
	switch result.Status {
	case order.StatusSuccess:
		summary.Succeeded++
		logger.Activity().Info("order confirmed",
			slog.String("run_id", summary.RunID),
			slog.String("account", result.Account.Hex()),
			slog.String("side", result.Side.String()),
			slog.Float64("amount", result.Amount),
			slog.String("trade_tx", result.TradeTx.Hex()))
	case order.StatusSkipped:
		summary.Skipped++
		r.log.Info("账户被跳过",
			slog.String("account", result.Account.Hex()),
			slog.String("reason", result.Reason))
	case order.StatusFailed:
		summary.Failed++
		r.log.Warn("账户操作失败",
			slog.String("account", result.Account.Hex()),
			slog.Any("error", result.Err))
		r.alert(ctx, summary.RunID, repetition, result)
	}
}

func (r *Runner) alert(ctx context.Context, runID string, repetition int, result order.Result) {
	if r.alerter == nil || !xerrors.ShouldAlert(result.Err) {
		return
	}
	event := alerting.Event{
		Code:       xerrors.CodeOf(result.Err),
		Message:    result.Err.Error(),
		Severity:   xerrors.SeverityOf(result.Err),
		RunID:      runID,
		Account:    result.Account.Hex(),
		Repetition: repetition,
		OccurredAt: time.Now(),
	}
	if e, ok := xerrors.From(result.Err); ok {
		event.Metadata = e.Metadata()
	}
	if err := r.alerter.Notify(ctx, event); err != nil {
		r.log.Warn("告警投递失败", slog.Any("error", err))
	}
}

// drawAmount 在区间内均匀抽取数量，买入保留两位小数，卖出保留四位。
func (r *Runner) drawAmount(cfg RunConfig, side order.Side) float64 {
	value := cfg.AmountMin + r.rng.Float64()*(cfg.AmountMax-cfg.AmountMin)
	places := 2
	if side == order.Sell {
		places = 4
	}
	scale := math.Pow10(places)
	return math.Round(value*scale) / scale
}

func (r *Runner) drawDelay(cfg RunConfig) int {
	span := cfg.DelayMaxSeconds - cfg.DelayMinSeconds
	if span <= 0 {
		return cfg.DelayMinSeconds
	}
	return cfg.DelayMinSeconds + r.rng.IntN(span+1)
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
