// Command pulsed launches the pulse streaming engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/marketwire/pulse/config"
	"github.com/marketwire/pulse/internal/adapters/fake"
	"github.com/marketwire/pulse/internal/adapters/shared"
	"github.com/marketwire/pulse/internal/breaker"
	"github.com/marketwire/pulse/internal/bridge"
	"github.com/marketwire/pulse/internal/bus/eventbus"
	"github.com/marketwire/pulse/internal/connmgr"
	"github.com/marketwire/pulse/internal/lifecycle"
	"github.com/marketwire/pulse/internal/observability"
	"github.com/marketwire/pulse/internal/schema"
	"github.com/marketwire/pulse/internal/transport"
	"github.com/marketwire/pulse/lib/telemetry"
)

const (
	defaultConfigPath        = "config/pulse.yaml"
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stderr, "pulsed ", log.LstdFlags|log.Lmsgprefix)
	observability.SetLogger(observability.NewStdLogger(logger))

	settings, loadedFromFile, err := loadSettings(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: adapters=%d streaming=%v",
		len(settings.Adapters), settings.Streaming.Enabled)

	_, telemetryShutdown, err := telemetry.Init(ctx, settings.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	bus := eventbus.New(eventbus.Config{
		QueueSize:     settings.Bus.QueueSize,
		TimerInterval: settings.Bus.TimerInterval,
		DrainTimeout:  settings.Bus.StopTimeout,
	})
	bus.Start()
	logTransitions(bus, logger)

	// Per-component stop timeouts derive from the shutdown budget: the
	// graceful share for polite stops, the force share for last resorts.
	gracefulStop := lifecycle.GracefulWindow(settings.Shutdown.Budget)
	forceStop := lifecycle.ForceWindow(settings.Shutdown.Budget)

	coordinator := lifecycle.NewCoordinator(bus)
	coordinator.Register("eventbus", stopComponent(func(timeout time.Duration) error {
		return bus.Stop(timeout)
	}, gracefulStop, forceStop))

	managers, err := buildAdapters(settings, bus, coordinator)
	if err != nil {
		logger.Fatalf("initialise adapters: %v", err)
	}
	logger.Printf("adapters started: %d", len(managers))

	if settings.Streaming.Enabled {
		connectAll(managers, settings, logger)
	} else {
		logger.Print("streaming disabled; adapters idle")
	}

	logger.Print("pulsed started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownStart := time.Now()
	clean := coordinator.ShutdownAll(settings.Shutdown.Budget)

	flushCtx, flushCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	if err := telemetryShutdown(flushCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}
	flushCancel()

	logger.Printf("shutdown completed in %v (clean=%v)", time.Since(shutdownStart), clean)
	if !clean {
		os.Exit(1)
	}
}

func parseFlags() string {
	cfgPath := flag.String("config", defaultConfigPath, "path to the configuration file")
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func loadSettings(path string) (config.Settings, bool, error) {
	settings, err := config.Load(path)
	if err == nil {
		return settings, true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), false, nil
	}
	return config.Settings{}, false, err
}

// buildAdapters constructs the per-adapter stack: execution bridge, circuit
// breaker and connection manager, each registered with the coordinator so
// adapters stop before the shared bus.
func buildAdapters(settings config.Settings, bus *eventbus.Bus, coordinator *lifecycle.Coordinator) ([]*connmgr.Manager, error) {
	gracefulStop := lifecycle.GracefulWindow(settings.Shutdown.Budget)
	forceStop := lifecycle.ForceWindow(settings.Shutdown.Budget)

	names := make([]string, 0, len(settings.Adapters))
	for name := range settings.Adapters {
		names = append(names, name)
	}
	sort.Strings(names)

	var managers []*connmgr.Manager
	for _, name := range names {
		adapterCfg := settings.Adapters[name]
		if !adapterCfg.Enabled {
			continue
		}

		registry := bridge.NewRegistry()
		brdg := bridge.New(name, bus, registry)
		brdg.Start()

		cb := breaker.New(name, breaker.Config{
			FailureThreshold: settings.Breaker.FailureThreshold,
			SuccessThreshold: settings.Breaker.SuccessThreshold,
			Cooldown:         settings.Breaker.Cooldown,
		}, bus)

		manager, err := connmgr.New(connmgr.Config{
			Adapter:   name,
			URL:       adapterCfg.URL,
			Backoff:   settings.Backoff,
			Heartbeat: settings.Heartbeat,
			Allow:     adapterCfg.Allows,
		}, newTransport(adapterCfg), fake.Decoder{}, shared.NewPublisher(name, brdg), bus, brdg, cb)
		if err != nil {
			return nil, fmt.Errorf("adapter %s: %w", name, err)
		}
		if err := manager.Start(); err != nil {
			return nil, fmt.Errorf("adapter %s: %w", name, err)
		}

		coordinator.Register("bridge/"+name, stopComponent(brdg.Stop, gracefulStop, forceStop))
		coordinator.Register("connmgr/"+name, stopComponent(manager.Close, gracefulStop, forceStop))
		managers = append(managers, manager)
	}
	return managers, nil
}

// newTransport picks the session transport: a configured URL means a live
// WebSocket venue, no URL means the in-process synthetic one.
func newTransport(cfg config.AdapterConfig) connmgr.Transport {
	if cfg.URL == "" {
		return &fake.Transport{}
	}
	return &transport.WS{}
}

func connectAll(managers []*connmgr.Manager, settings config.Settings, logger *log.Logger) {
	creds := connmgr.Credentials{
		APIKey:    os.Getenv("PULSE_API_KEY"),
		APISecret: os.Getenv("PULSE_API_SECRET"),
	}
	for _, m := range managers {
		name := m.Adapter()
		for _, symbol := range settings.Adapters[name].Symbols {
			if err := m.Subscribe(symbol); err != nil {
				logger.Printf("adapter %s: subscribe %s: %v", name, symbol, err)
			}
		}
		if err := m.Connect(creds); err != nil {
			logger.Printf("adapter %s: connect: %v", name, err)
		}
	}
}

// logTransitions mirrors connection, circuit and shutdown events onto the
// process log so operators can follow state without a metrics backend.
func logTransitions(bus *eventbus.Bus, logger *log.Logger) {
	_ = bus.Subscribe(schema.TypeConnection, func(evt schema.Event) {
		if p, ok := evt.Payload.(schema.ConnectionPayload); ok {
			logger.Printf("connection %s: %s -> %s (%s)", p.Adapter, p.From, p.To, p.Reason)
		}
	}, "pulsed")
	_ = bus.Subscribe(schema.TypeCircuit, func(evt schema.Event) {
		if p, ok := evt.Payload.(schema.CircuitPayload); ok {
			logger.Printf("circuit %s: %s -> %s (failures=%d)", p.Name, p.From, p.To, p.Failures)
		}
	}, "pulsed")
	_ = bus.Subscribe(schema.TypeShutdown, func(evt schema.Event) {
		if p, ok := evt.Payload.(schema.ShutdownPayload); ok {
			logger.Printf("shutdown phase %s: pending=%v elapsed=%v", p.Phase, p.Pending, p.Elapsed)
		}
	}, "pulsed")
}

// stopComponent adapts a stop-with-timeout function to the coordinator's
// component contract. The graceful timeout applies on signal, the force
// timeout on escalation.
func stopComponent(stop func(time.Duration) error, graceful, force time.Duration) lifecycle.Component {
	var done atomic.Bool
	return lifecycle.Hooks{
		Signal: func() {
			go func() {
				_ = stop(graceful)
				done.Store(true)
			}()
		},
		Done: func() bool { return done.Load() },
		Force: func() {
			_ = stop(force)
			done.Store(true)
		},
	}
}
