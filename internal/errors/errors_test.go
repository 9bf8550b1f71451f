package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewUsesRegistryMessage(t *testing.T) {
	err := New(CodeReceiptTimeout, "")
	if err.Error() != "[RECEIPT_TIMEOUT] receipt not observed in time" {
		t.Errorf("message = %q", err.Error())
	}
	if !err.Retryable() {
		t.Error("RECEIPT_TIMEOUT 应可重试")
	}
	if !err.ShouldAlert() {
		t.Error("RECEIPT_TIMEOUT 应触发告警")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodeConnectivityFailure, cause, "连接链节点失败")

	if !errors.Is(err, cause) {
		t.Error("应能通过 errors.Is 找到原始错误")
	}
	if CodeOf(err) != CodeConnectivityFailure {
		t.Errorf("code = %s", CodeOf(err))
	}
}

func TestCodeOfThroughWrapping(t *testing.T) {
	inner := New(CodeTransactionReverted, "订单交易失败")
	outer := fmt.Errorf("batch: %w", inner)

	if CodeOf(outer) != CodeTransactionReverted {
		t.Errorf("code = %s, 期望穿透包装", CodeOf(outer))
	}
	if !ShouldAlert(outer) {
		t.Error("包装后仍应保留告警属性")
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if CodeOf(errors.New("boom")) != CodeUnknown {
		t.Error("普通错误应归为 UNKNOWN")
	}
	if CodeOf(nil) != CodeUnknown {
		t.Error("nil 错误应归为 UNKNOWN")
	}
}

func TestWithMetadata(t *testing.T) {
	err := New(CodeSubmissionFailure, "提交交易失败",
		WithMetadata("account", "0xabc"),
		WithMetadata("tx", "0xdef"))

	meta := err.Metadata()
	if meta["account"] != "0xabc" || meta["tx"] != "0xdef" {
		t.Errorf("metadata = %v", meta)
	}
}

func TestIsMatchesByCode(t *testing.T) {
	first := New(CodeNoAccounts, "账户文件不存在")
	second := New(CodeNoAccounts, "账户文件为空")
	if !errors.Is(first, second) {
		t.Error("相同错误码应匹配")
	}
	other := New(CodeInvalidArgument, "")
	if errors.Is(first, other) {
		t.Error("不同错误码不应匹配")
	}
}

func TestSeverityOf(t *testing.T) {
	if got := SeverityOf(New(CodeConnectivityFailure, "")); got != SeverityCritical {
		t.Errorf("severity = %s, 期望 critical", got)
	}
	if got := SeverityOf(New(CodeInsufficientBalance, "")); got != SeverityInfo {
		t.Errorf("severity = %s, 期望 info", got)
	}
}
