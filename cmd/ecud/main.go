package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/calibworks/ecud/internal/config"
	"github.com/calibworks/ecud/internal/daemon"
	"github.com/calibworks/ecud/internal/db"
	"github.com/calibworks/ecud/internal/flash"
	"github.com/calibworks/ecud/internal/model"
	"github.com/calibworks/ecud/internal/policy"
	"github.com/calibworks/ecud/internal/pubsub"
	"github.com/calibworks/ecud/internal/safety"
	"github.com/calibworks/ecud/internal/safetyq"
	"github.com/calibworks/ecud/internal/session"
	"github.com/calibworks/ecud/internal/statestore"
	"github.com/calibworks/ecud/internal/transport"
)

func main() {
	defaults := config.DefaultConfig()
	configPath := flag.String("config", "", "YAML config file")
	socketPath := flag.String("socket", defaults.SocketPath, "UDS path for ecud")
	dbPath := flag.String("db", defaults.DBPath, "SQLite path")
	serialDevice := flag.String("serial", defaults.SerialDevice, "serial device for the pass-through interface")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	// Explicit flags win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "socket":
			cfg.SocketPath = *socketPath
		case "db":
			cfg.DBPath = *dbPath
		case "serial":
			cfg.SerialDevice = *serialDevice
		}
	})

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mode, err := policy.ParseMode(cfg.OperatorMode)
	if err != nil {
		fatal(err)
	}
	gate, err := policy.NewGate(mode)
	if err != nil {
		fatal(err)
	}

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	profile := safety.DefaultProfile()
	if cfg.ProfilePath != "" {
		profile, err = safety.LoadProfile(cfg.ProfilePath)
		if err != nil {
			fatal(err)
		}
	}

	tr, err := buildTransport(cfg, gate)
	if err != nil {
		fatal(err)
	}

	bus := pubsub.NewBus()
	queue := safetyq.New(store, bus, logger, safetyq.Options{
		DeliveryTick:  cfg.DeliveryTick,
		DeliveryLimit: cfg.DeliveryLimit,
		MaxAttempts:   cfg.MaxDeliveryAttempts,
		Retention:     cfg.EventRetention,
		RetentionTick: cfg.RetentionTick,
	})
	queue.Subscribe(auditSubscriber(logger))

	sessions := session.NewManager(store, queue, gate, profile, tr, logger, cfg.SessionTTL)
	flashMgr := flash.NewManager(store, queue, tr, logger, cfg.FlashBlockSize)
	states := statestore.New(gate, bus, tr, sessions, flashMgr, profile, logger, statestore.Options{
		QueueDepth:        cfg.QueueDepth,
		FlashHistoryLimit: cfg.FlashHistoryLimit,
	})

	go states.Run(ctx)
	go queue.Run(ctx)
	startSweepLoop(ctx, states, cfg.SweepTick, logger)

	logger.Info("ecud started",
		slog.String("operator_mode", string(mode)),
		slog.String("socket", cfg.SocketPath),
		slog.String("db", cfg.DBPath))

	srv := daemon.NewServer(cfg, store, states, queue, mode, logger)
	if err := srv.Start(ctx); err != nil && err != context.Canceled {
		fatal(err)
	}
}

// buildTransport selects the hardware capability for the operator mode:
// simulation is only legal where the policy allows mock interfaces, and
// modes that require real hardware get the serial pass-through.
func buildTransport(cfg config.Config, gate *policy.Gate) (transport.Transport, error) {
	if gate.Config().RequiresRealHardware {
		if cfg.SerialDevice == "" {
			return nil, fmt.Errorf("mode %s requires real hardware but no serial device is configured", gate.Mode())
		}
		return transport.NewSerial(cfg.SerialDevice, cfg.SerialBaud), nil
	}
	if decision := gate.Authorize(policy.OpMockUse); !decision.Allowed {
		return nil, fmt.Errorf("no usable transport: %s", decision.Reason)
	}
	return transport.NewSim(), nil
}

// auditSubscriber is the always-on consumer of the safety event queue: it
// writes every event to the structured log, which is the daemon's audit
// trail.
func auditSubscriber(logger *slog.Logger) safetyq.Subscriber {
	return func(ev model.SafetyEvent) error {
		var payload map[string]any
		if err := json.Unmarshal([]byte(ev.Payload), &payload); err != nil {
			payload = map[string]any{"raw": ev.Payload}
		}
		logger.Info("safety event",
			slog.String("event_id", ev.EventID),
			slog.String("event_type", string(ev.Type)),
			slog.Time("created_at", ev.CreatedAt),
			slog.Any("payload", payload))
		return nil
	}
}

func startSweepLoop(ctx context.Context, states *statestore.Store, tick time.Duration, logger *slog.Logger) {
	if tick <= 0 {
		tick = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := states.Enqueue(model.Command{Type: model.CmdSessionSweep}); err != nil {
					logger.Warn("enqueue expiry sweep failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "ecud: %v\n", err)
	os.Exit(1)
}
