// Package config declares the pulse runtime configuration surface.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marketwire/pulse/errs"
)

// Settings is the full configuration tree consumed by the core.
type Settings struct {
	Streaming StreamingSettings        `yaml:"streaming"`
	Adapters  map[string]AdapterConfig `yaml:"adapters"`
	Backoff   BackoffSettings          `yaml:"backoff"`
	Breaker   BreakerSettings          `yaml:"breaker"`
	Heartbeat HeartbeatSettings        `yaml:"heartbeat"`
	Bus       BusSettings              `yaml:"bus"`
	Shutdown  ShutdownSettings         `yaml:"shutdown"`
	Telemetry TelemetrySettings        `yaml:"telemetry"`
}

// StreamingSettings gates streaming globally.
type StreamingSettings struct {
	Enabled bool `yaml:"enabled"`
}

// AdapterConfig gates one adapter and constrains its symbol universe.
type AdapterConfig struct {
	Enabled bool     `yaml:"enabled"`
	URL     string   `yaml:"url"`
	Symbols []string `yaml:"symbols"`
}

// Allows reports whether the adapter may subscribe to the symbol.
// An empty allow-list admits everything.
func (a AdapterConfig) Allows(symbol string) bool {
	if len(a.Symbols) == 0 {
		return true
	}
	for _, s := range a.Symbols {
		if strings.EqualFold(strings.TrimSpace(s), strings.TrimSpace(symbol)) {
			return true
		}
	}
	return false
}

// BackoffSettings controls reconnect delay growth.
type BackoffSettings struct {
	Base       time.Duration `yaml:"base"`
	Max        time.Duration `yaml:"max"`
	AttemptCap int           `yaml:"attemptCap"`
}

// BreakerSettings controls circuit breaker thresholds.
type BreakerSettings struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	SuccessThreshold int           `yaml:"successThreshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// HeartbeatSettings controls liveness detection.
type HeartbeatSettings struct {
	Interval  time.Duration `yaml:"interval"`
	MissLimit int           `yaml:"missLimit"`
}

// BusSettings sizes the event bus queues and workers.
type BusSettings struct {
	QueueSize     int           `yaml:"queueSize"`
	TimerInterval time.Duration `yaml:"timerInterval"`
	StopTimeout   time.Duration `yaml:"stopTimeout"`
}

// ShutdownSettings holds the single top-level termination budget from
// which per-phase timeouts are derived.
type ShutdownSettings struct {
	Budget time.Duration `yaml:"budget"`
}

// TelemetrySettings configures metric export.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Default returns normalized default settings.
func Default() Settings {
	var s Settings
	return s.normalize()
}

func (s Settings) normalize() Settings {
	if s.Backoff.Base <= 0 {
		s.Backoff.Base = time.Second
	}
	if s.Backoff.Max <= 0 {
		s.Backoff.Max = 60 * time.Second
	}
	if s.Backoff.AttemptCap <= 0 {
		s.Backoff.AttemptCap = 50
	}
	if s.Breaker.FailureThreshold <= 0 {
		s.Breaker.FailureThreshold = 5
	}
	if s.Breaker.SuccessThreshold <= 0 {
		s.Breaker.SuccessThreshold = 2
	}
	if s.Breaker.Cooldown <= 0 {
		s.Breaker.Cooldown = 30 * time.Second
	}
	if s.Heartbeat.Interval <= 0 {
		s.Heartbeat.Interval = 30 * time.Second
	}
	if s.Heartbeat.MissLimit <= 0 {
		s.Heartbeat.MissLimit = 2
	}
	if s.Bus.QueueSize <= 0 {
		s.Bus.QueueSize = 1024
	}
	if s.Bus.TimerInterval <= 0 {
		s.Bus.TimerInterval = time.Second
	}
	if s.Bus.StopTimeout <= 0 {
		s.Bus.StopTimeout = 5 * time.Second
	}
	if s.Shutdown.Budget <= 0 {
		s.Shutdown.Budget = 30 * time.Second
	}
	if s.Adapters == nil {
		s.Adapters = make(map[string]AdapterConfig)
	}
	return s
}

// Load reads settings from a YAML file, applying defaults for absent keys.
func Load(path string) (Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read config: %w", err)
	}
	var s Settings
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Settings{}, errs.New("config", errs.CodeInvalid,
			errs.WithMessage("parse config yaml"), errs.WithCause(err))
	}
	return s.normalize(), nil
}

// FromMap builds settings from a flat key-value map such as
// {"streaming.enabled": "true", "adapter.binance.symbols": "BTC-USDT,ETH-USDT"}.
// Unknown keys are rejected so typos surface at startup.
func FromMap(kv map[string]string) (Settings, error) {
	var s Settings
	s.Adapters = make(map[string]AdapterConfig)

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := strings.TrimSpace(kv[key])
		if err := s.apply(strings.TrimSpace(key), value); err != nil {
			return Settings{}, err
		}
	}
	return s.normalize(), nil
}

func (s *Settings) apply(key, value string) error {
	if name, field, ok := adapterKey(key); ok {
		cfg := s.Adapters[name]
		switch field {
		case "enabled":
			b, err := parseBool(key, value)
			if err != nil {
				return err
			}
			cfg.Enabled = b
		case "url":
			cfg.URL = value
		case "symbols":
			cfg.Symbols = splitList(value)
		default:
			return unknownKey(key)
		}
		s.Adapters[name] = cfg
		return nil
	}

	switch key {
	case "streaming.enabled":
		b, err := parseBool(key, value)
		if err != nil {
			return err
		}
		s.Streaming.Enabled = b
	case "backoff.base":
		return assignDuration(&s.Backoff.Base, key, value)
	case "backoff.max":
		return assignDuration(&s.Backoff.Max, key, value)
	case "backoff.attemptCap":
		return assignInt(&s.Backoff.AttemptCap, key, value)
	case "breaker.failureThreshold":
		return assignInt(&s.Breaker.FailureThreshold, key, value)
	case "breaker.successThreshold":
		return assignInt(&s.Breaker.SuccessThreshold, key, value)
	case "breaker.cooldown":
		return assignDuration(&s.Breaker.Cooldown, key, value)
	case "heartbeat.interval":
		return assignDuration(&s.Heartbeat.Interval, key, value)
	case "heartbeat.missLimit":
		return assignInt(&s.Heartbeat.MissLimit, key, value)
	case "bus.queueSize":
		return assignInt(&s.Bus.QueueSize, key, value)
	case "bus.timerInterval":
		return assignDuration(&s.Bus.TimerInterval, key, value)
	case "bus.stopTimeout":
		return assignDuration(&s.Bus.StopTimeout, key, value)
	case "shutdown.budget":
		return assignDuration(&s.Shutdown.Budget, key, value)
	case "telemetry.otlpEndpoint":
		s.Telemetry.OTLPEndpoint = value
	case "telemetry.serviceName":
		s.Telemetry.ServiceName = value
	default:
		return unknownKey(key)
	}
	return nil
}

func adapterKey(key string) (name, field string, ok bool) {
	const prefix = "adapter."
	if !strings.HasPrefix(key, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(key, prefix)
	parts := strings.SplitN(rest, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseBool(key, value string) (bool, error) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, invalidValue(key, value, err)
	}
	return b, nil
}

func assignInt(dst *int, key, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return invalidValue(key, value, err)
	}
	*dst = n
	return nil
}

func assignDuration(dst *time.Duration, key, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return invalidValue(key, value, err)
	}
	*dst = d
	return nil
}

func unknownKey(key string) error {
	return errs.New("config", errs.CodeInvalid, errs.WithMessage("unknown config key "+strconv.Quote(key)))
}

func invalidValue(key, value string, cause error) error {
	return errs.New("config", errs.CodeInvalid,
		errs.WithMessage(fmt.Sprintf("invalid value %q for key %q", value, key)),
		errs.WithCause(cause))
}
