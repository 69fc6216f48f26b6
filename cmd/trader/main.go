package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alejandrodnm/tradepilot/config"
	brokeradapter "github.com/alejandrodnm/tradepilot/internal/adapters/broker"
	feedadapter "github.com/alejandrodnm/tradepilot/internal/adapters/feed"
	"github.com/alejandrodnm/tradepilot/internal/adapters/notify"
	"github.com/alejandrodnm/tradepilot/internal/adapters/storage"
	"github.com/alejandrodnm/tradepilot/internal/aggregator"
	"github.com/alejandrodnm/tradepilot/internal/application/controller"
	"github.com/alejandrodnm/tradepilot/internal/calendar"
	"github.com/alejandrodnm/tradepilot/internal/compliance"
	"github.com/alejandrodnm/tradepilot/internal/domain"
	"github.com/alejandrodnm/tradepilot/internal/execution"
	"github.com/alejandrodnm/tradepilot/internal/feed"
	"github.com/alejandrodnm/tradepilot/internal/health"
	"github.com/alejandrodnm/tradepilot/internal/positions"
	"github.com/alejandrodnm/tradepilot/internal/strategy"
	"golang.org/x/time/rate"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run one evaluation cycle and exit")
	paper := flag.Bool("paper", false, "force paper execution even with a valid broker session")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "print full position table per cycle (default: compact 1-line)")
	report := flag.Bool("report", false, "print the daily summary history and exit")
	forceFeedReset := flag.Bool("force-feed-reset", false, "force-disconnect a feed session held elsewhere before starting")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *paper {
		cfg.Execution.ForcePaper = true
	}
	setupLogger(cfg.Log)

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	notifier := notify.NewConsole(*table)

	if *report {
		printReport(store, notifier)
		return
	}

	slog.Info("tradepilot starting",
		"config", *configPath,
		"symbols", cfg.Trading.Symbols,
		"accounts", len(cfg.Trading.Accounts),
		"tick", cfg.TickInterval(),
		"paper", cfg.Execution.ForcePaper,
		"once", *once,
	)

	ctrl, err := buildController(cfg, store, notifier)
	if err != nil {
		slog.Error("failed to build pipeline", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *forceFeedReset {
		if err := ctrl.ForceFeedReset(ctx); err != nil {
			slog.Error("force feed reset failed", "err", err)
			os.Exit(1)
		}
		slog.Info("feed session force-reset")
	}

	if *once {
		if _, err := ctrl.RunOnce(ctx); err != nil {
			slog.Error("cycle failed", "err", err)
			os.Exit(1)
		}
		return
	}

	if err := ctrl.Run(ctx); err != nil {
		slog.Error("controller exited with error", "err", err)
		os.Exit(1)
	}

	slog.Info("tradepilot stopped cleanly")
}

// buildController cablea todos los componentes del pipeline.
func buildController(cfg *config.Config, store *storage.SQLiteStorage, notifier *notify.Console) (*controller.Controller, error) {
	loc, err := time.LoadLocation(cfg.Calendar.Timezone)
	if err != nil {
		return nil, err
	}
	open, close, err := cfg.SessionHours()
	if err != nil {
		return nil, err
	}

	cal := calendar.New(loc, open, close)
	for _, h := range cfg.Calendar.Holidays {
		day, err := time.ParseInLocation("2006-01-02", h, loc)
		if err != nil {
			slog.Warn("skipping unparseable holiday", "value", h, "err", err)
			continue
		}
		cal.AddHoliday(day)
	}

	gate := health.New(cal, health.DefaultConfig())

	// Precios iniciales del feed simulado: arrancan en 100 y caminan
	prices := make(map[string]float64, len(cfg.Trading.Symbols))
	for _, sym := range cfg.Trading.Symbols {
		prices[sym] = 100
	}
	feedClient := feedadapter.NewSim(prices)

	sup := feed.New(feedClient, feed.Config{
		Symbols:     cfg.Trading.Symbols,
		MaxFailures: cfg.Feed.MaxFailures,
		Heartbeat:   time.Duration(cfg.Feed.HeartbeatMs) * time.Millisecond,
		Backoff: domain.Backoff{
			Min:    time.Duration(cfg.Feed.BackoffMinMs) * time.Millisecond,
			Max:    time.Duration(cfg.Feed.BackoffMaxMs) * time.Millisecond,
			Factor: 2.0,
			Jitter: 0.2,
		},
	})

	agg := aggregator.New(sup.LatestTicks, aggregator.Config{
		Interval:   cfg.TickInterval(),
		BufferSize: cfg.Trading.SignalBuffer,
	})
	agg.Register(strategy.NewMomentum(strategy.MomentumConfig{}))

	tracker := positions.NewTracker()

	comp := compliance.New(compliance.Config{
		MaxOrdersPerWindow: cfg.Compliance.MaxOrdersPerWindow,
		Window:             cfg.Window(),
		MinInterval:        cfg.MinInterval(),
		TargetPct:          cfg.Compliance.TargetPct,
		StopPct:            cfg.Compliance.StopPct,
	}, tracker)
	for _, a := range cfg.Trading.Accounts {
		comp.UpsertAccount(domain.Account{
			ID:          a.ID,
			Capital:     a.Capital,
			ExposureCap: a.ExposureCap,
		})
	}

	brokerClient := brokeradapter.NewSim(!cfg.Execution.ForcePaper)

	oco := compliance.NewOCOTable()
	engine := execution.New(brokerClient, store, tracker, oco, sup.LatestPrice, execution.Config{
		Workers:     cfg.Execution.Workers,
		MaxAttempts: cfg.Execution.MaxAttempts,
		BrokerRate:  rate.Limit(cfg.Execution.BrokerRate),
		BrokerBurst: cfg.Execution.BrokerBurst,
		ForcePaper:  cfg.Execution.ForcePaper,
	})

	return controller.New(gate, sup, agg, comp, engine, tracker, store, notifier), nil
}

// printReport imprime los agregados diarios de los últimos 30 días.
func printReport(store *storage.SQLiteStorage, notifier *notify.Console) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	dailies, err := store.GetDailies(ctx, now.AddDate(0, 0, -30), now)
	if err != nil {
		slog.Error("failed to read daily history", "err", err)
		os.Exit(1)
	}
	notifier.PrintDailySummary(dailies)
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
