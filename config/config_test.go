package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultNormalization(t *testing.T) {
	s := Default()

	if s.Backoff.Base != time.Second {
		t.Fatalf("backoff base = %v, want 1s", s.Backoff.Base)
	}
	if s.Backoff.Max != 60*time.Second {
		t.Fatalf("backoff max = %v, want 60s", s.Backoff.Max)
	}
	if s.Backoff.AttemptCap != 50 {
		t.Fatalf("attempt cap = %d, want 50", s.Backoff.AttemptCap)
	}
	if s.Breaker.FailureThreshold != 5 || s.Breaker.SuccessThreshold != 2 {
		t.Fatalf("breaker thresholds = %d/%d, want 5/2",
			s.Breaker.FailureThreshold, s.Breaker.SuccessThreshold)
	}
	if s.Heartbeat.Interval != 30*time.Second || s.Heartbeat.MissLimit != 2 {
		t.Fatalf("heartbeat = %v/%d, want 30s/2", s.Heartbeat.Interval, s.Heartbeat.MissLimit)
	}
	if s.Bus.TimerInterval != time.Second {
		t.Fatalf("timer interval = %v, want 1s", s.Bus.TimerInterval)
	}
	if s.Shutdown.Budget != 30*time.Second {
		t.Fatalf("shutdown budget = %v, want 30s", s.Shutdown.Budget)
	}
}

func TestFromMap(t *testing.T) {
	s, err := FromMap(map[string]string{
		"streaming.enabled":        "true",
		"adapter.binance.enabled":  "true",
		"adapter.binance.url":      "wss://stream.example.com/ws",
		"adapter.binance.symbols":  "BTC-USDT, ETH-USDT",
		"backoff.base":             "500ms",
		"backoff.attemptCap":       "10",
		"breaker.failureThreshold": "3",
		"heartbeat.interval":       "10s",
		"shutdown.budget":          "15s",
	})
	if err != nil {
		t.Fatalf("FromMap error: %v", err)
	}

	if !s.Streaming.Enabled {
		t.Fatal("streaming should be enabled")
	}
	binance, ok := s.Adapters["binance"]
	if !ok {
		t.Fatal("binance adapter missing")
	}
	if !binance.Enabled || binance.URL != "wss://stream.example.com/ws" {
		t.Fatalf("binance config = %+v", binance)
	}
	if len(binance.Symbols) != 2 || binance.Symbols[0] != "BTC-USDT" || binance.Symbols[1] != "ETH-USDT" {
		t.Fatalf("symbols = %v", binance.Symbols)
	}
	if s.Backoff.Base != 500*time.Millisecond || s.Backoff.AttemptCap != 10 {
		t.Fatalf("backoff = %+v", s.Backoff)
	}
	if s.Breaker.FailureThreshold != 3 {
		t.Fatalf("failure threshold = %d", s.Breaker.FailureThreshold)
	}
	// Untouched keys still get defaults.
	if s.Breaker.SuccessThreshold != 2 {
		t.Fatalf("success threshold = %d, want default 2", s.Breaker.SuccessThreshold)
	}
	if s.Shutdown.Budget != 15*time.Second {
		t.Fatalf("budget = %v", s.Shutdown.Budget)
	}
}

func TestFromMapRejectsUnknownKey(t *testing.T) {
	if _, err := FromMap(map[string]string{"backofff.base": "1s"}); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestFromMapRejectsBadValue(t *testing.T) {
	if _, err := FromMap(map[string]string{"heartbeat.interval": "soon"}); err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestAdapterAllows(t *testing.T) {
	cfg := AdapterConfig{Symbols: []string{"BTC-USDT"}}
	if !cfg.Allows("btc-usdt") {
		t.Fatal("allow-list match should be case-insensitive")
	}
	if cfg.Allows("ETH-USDT") {
		t.Fatal("symbol outside allow-list admitted")
	}
	open := AdapterConfig{}
	if !open.Allows("ANY-THING") {
		t.Fatal("empty allow-list should admit everything")
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pulse.yaml")
	doc := []byte(`
streaming:
  enabled: true
adapters:
  binance:
    enabled: true
    url: wss://stream.example.com/ws
    symbols: [BTC-USDT]
backoff:
  base: 2s
shutdown:
  budget: 20s
`)
	if err := os.WriteFile(path, doc, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if !s.Streaming.Enabled {
		t.Fatal("streaming should be enabled")
	}
	if s.Backoff.Base != 2*time.Second {
		t.Fatalf("backoff base = %v", s.Backoff.Base)
	}
	if s.Backoff.Max != 60*time.Second {
		t.Fatalf("backoff max should default, got %v", s.Backoff.Max)
	}
	if s.Shutdown.Budget != 20*time.Second {
		t.Fatalf("budget = %v", s.Shutdown.Budget)
	}
}
