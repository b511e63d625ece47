package ratecontrol

import (
	"testing"
	"time"
)

func TestDelayForTokens(t *testing.T) {
	d := DelayForTokens("openai", 1000)
	if d.Milliseconds() <= 0 {
		t.Fatalf("expected positive delay, got %v", d)
	}
}

func TestDelayForTokensZero(t *testing.T) {
	if d := DelayForTokens("stub", 1000); d != 0 {
		t.Fatalf("expected no delay for unlimited provider, got %v", d)
	}
	if d := DelayForTokens("openai", 0); d != 0 {
		t.Fatalf("expected no delay for zero tokens, got %v", d)
	}
}

func TestDelayForTokensCapped(t *testing.T) {
	d := DelayForTokens("openai", 10_000_000)
	if d > time.Minute {
		t.Fatalf("delay should cap at one minute, got %v", d)
	}
}

func TestLimitForProviderBuiltIn(t *testing.T) {
	limit := LimitForProvider("OpenAI")
	if limit.RPM != 30 || limit.TPM != 60000 {
		t.Fatalf("unexpected built-in limit: %+v", limit)
	}
}

func TestLimitForUnknownProvider(t *testing.T) {
	limit := LimitForProvider("nonexistent")
	if limit.RPM != 0 || limit.TPM != 0 {
		t.Fatalf("expected unlimited for unknown provider, got %+v", limit)
	}
}
