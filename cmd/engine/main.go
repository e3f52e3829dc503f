// Command engine runs the trading engine: webhook signal intake, risk
// gating, signal-authoritative position tracking, bracket execution, the
// exit state machine and periodic broker reconciliation in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"jet_trader/internal/alert"
	"jet_trader/internal/auth"
	"jet_trader/internal/bootstrap"
	"jet_trader/internal/broker"
	"jet_trader/internal/bus"
	"jet_trader/internal/config"
	"jet_trader/internal/core"
	"jet_trader/internal/infrastructure/health"
	"jet_trader/internal/infrastructure/server"
	"jet_trader/internal/market"
	"jet_trader/internal/registry"
	"jet_trader/internal/risk"
	"jet_trader/internal/safety"
	"jet_trader/internal/scheduler"
	"jet_trader/internal/store"
	"jet_trader/internal/trading/execution"
	"jet_trader/internal/trading/exit"
	"jet_trader/internal/trading/position"
	"jet_trader/internal/webhook"
	"jet_trader/pkg/concurrency"
	"jet_trader/pkg/liveserver"
	"jet_trader/pkg/telemetry"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

// bootTimeout bounds the work done before the engine accepts signals:
// token bootstrap, book restore, sequence seeding and exit rebuild.
const bootTimeout = 90 * time.Second

func main() {
	configPath := flag.String("config", "configs/engine.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("jet_trader engine %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Credentials arrive through ${VAR} references in the YAML; a local
	// .env fills them during development and is absent in production.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
		os.Exit(1)
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to boot: %v\n", err)
		os.Exit(1)
	}

	if err := run(app); err != nil {
		os.Exit(1)
	}
}

func run(app *bootstrap.App) error {
	cfg := app.Cfg
	logger := app.Logger

	logger.Info("Starting trading engine",
		"version", version,
		"store_driver", cfg.Store.Driver,
		"accounts", len(cfg.Accounts),
		"recorders", len(cfg.Recorders),
		"traders", len(cfg.Traders))

	tel, err := telemetry.Setup("jet_trader")
	if err != nil {
		logger.Error("Telemetry setup failed", "error", err)
		return err
	}

	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		logger.Error("Store open failed", "error", err)
		return err
	}
	defer st.Close()

	reg, err := registry.New(cfg, logger)
	if err != nil {
		logger.Error("Registry build failed", "error", err)
		return err
	}

	events := bus.New(cfg.Concurrency.BusBuffer, logger)
	tokens := auth.NewTokenCache()

	static := staticContracts(cfg)
	clients := make(map[core.Environment]*broker.Client)
	for _, env := range environmentsOf(cfg) {
		client, err := broker.NewClient(cfg.Broker, cfg.Stream, env, tokens, logger)
		if err != nil {
			logger.Error("Broker client build failed", "environment", env, "error", err)
			return err
		}
		client.SetStaticContracts(static)
		clients[env] = client
		reg.RegisterBroker(env, client)
	}

	governor := scheduler.NewGovernor(cfg.Broker.APIRpmLimit, cfg.Broker.APIBurst, logger)
	for _, client := range clients {
		client.SetGovernor(governor)
	}

	// One client resolves contract metadata; the catalog is the same in
	// both environments.
	resolver := anyClient(clients)
	if resolver == nil {
		logger.Error("No broker accounts configured")
		return fmt.Errorf("no broker accounts configured")
	}

	refresher := auth.NewRefresher(cfg.Tokens, tokens, reg, events, logger)

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), bootTimeout)
	defer cancelBoot()

	if err := refresher.Bootstrap(bootCtx); err != nil {
		logger.Error("Token bootstrap failed", "error", err)
		return err
	}

	session, err := core.NewSession(cfg.Session.Timezone, cfg.Session.Rollover)
	if err != nil {
		logger.Error("Session config invalid", "error", err)
		return err
	}

	prices := market.NewCache()

	tracker := position.NewTracker(st, prices, resolver, session, logger)
	if err := tracker.Restore(bootCtx, recorderIDs(cfg)); err != nil {
		logger.Error("Position restore failed", "error", err)
		return err
	}

	// Seed tag sequences from orders still working at the broker so
	// fresh tags never collide with ones placed before the restart.
	seq := broker.NewSeqAllocator()
	if err := seedSequences(bootCtx, cfg, st, seq, logger); err != nil {
		logger.Error("Tag sequence seeding failed", "error", err)
		return err
	}

	lanes := scheduler.NewKeyedSerializer(logger)
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "fanout",
		MaxWorkers:  cfg.Concurrency.FanoutWorkers,
		MaxCapacity: cfg.Concurrency.FanoutBuffer,
	}, logger)

	pipeline := execution.NewPipeline(reg, tracker, st, prices, events, lanes, pool, seq, cfg.Execution, logger)

	kill := safety.NewKillSwitch(reg, st, events, seq, safety.KillSwitchConfig{
		Budget: cfg.Exit.KillBudget(),
		Poll:   cfg.Exit.KillPoll(),
	}, logger)

	exits := exit.NewMachine(reg, tracker, st, events, kill, lanes, pipeline.Holdings(), seq, cfg.Exit, logger)
	pipeline.SetExitMachine(exits)

	halt := risk.NewHalt(risk.HaltConfig{
		MaxConsecutiveRejects: cfg.Execution.HaltMaxRejects,
		Cooldown:              cfg.Execution.HaltCooldown(),
	}, logger)
	pipeline.SetHalt(halt)
	exits.SetHalt(halt)

	gate := risk.NewGate(session, tracker, events, logger)
	gate.SetHalt(halt)

	recon := risk.NewReconciler(reg, tracker, st, prices, events, risk.ReconcilerConfig{
		Interval:    cfg.Reconcile.Interval(),
		FullSweep:   cfg.Reconcile.FullSweep(),
		PassTimeout: cfg.Reconcile.Timeout(),
	}, logger)
	recon.SetKillSwitch(kill)
	recon.SetBrackets(pipeline)
	recon.SetKeyRunner(lanes)

	// Re-arm exits interrupted by the previous shutdown before any new
	// signal can race them.
	if err := exits.Rebuild(bootCtx); err != nil {
		logger.Error("Exit rebuild failed", "error", err)
		return err
	}

	cron := scheduler.NewSessionCron(session, events, logger)
	if err := cron.AddRollover("risk_gate", gate.ResetSession); err != nil {
		logger.Error("Session cron wiring failed", "error", err)
		return err
	}
	if err := cron.AddRollover("position_tracker", tracker.ResetSession); err != nil {
		logger.Error("Session cron wiring failed", "error", err)
		return err
	}

	router := NewStreamRouter(clients, reg.Accounts(), exits, prices, st, recon, keysByAccount(cfg, reg), logger)

	hm := health.NewManager()
	hm.Register("store", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := st.ListOpenPositions(ctx)
		return err
	})
	for env, client := range clients {
		c := client
		hm.Register("broker_"+string(env), func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return c.CheckHealth(ctx)
		})
	}
	hm.Register("user_streams", router.Health)

	alerts := alert.NewManager(cfg.Alerts.Timeout(), logger)
	alerts.AddChannel(alert.NewLogChannel(logger))
	if cfg.Alerts.WebhookURL != "" {
		alerts.AddChannel(alert.NewWebhookChannel(cfg.Alerts.WebhookURL, cfg.Alerts.Timeout()))
	}
	if cfg.Alerts.TelegramBotToken != "" {
		alerts.AddChannel(alert.NewTelegramChannel(string(cfg.Alerts.TelegramBotToken), cfg.Alerts.TelegramChatID, cfg.Alerts.Timeout()))
	}
	notifier := alert.NewNotifier(alerts, events, logger)

	whs := webhook.NewServer(cfg.Webhook, reg, gate, pipeline, st, resolver, logger)
	whs.SetExitMachine(exits)
	whs.SetReconciler(recon)
	whs.SetHealth(hm)
	whs.AddStatusSection("pipeline", func() any { return pipeline.Stats() })
	whs.AddStatusSection("lanes", func() any { return lanes.Stats() })
	whs.AddStatusSection("exits", func() any { return exits.States() })
	whs.AddStatusSection("halts", func() any { return haltSection(halt) })
	whs.AddStatusSection("reconcile", func() any { return recon.GetStatus() })

	ops := server.NewOpsServer(cfg.Telemetry.MetricsPort, logger, hm)
	ops.UpdateStatus("version", version)
	ops.UpdateStatus("store_driver", cfg.Store.Driver)
	ops.UpdateStatus("environments", envList(clients))

	runners := []bootstrap.Runner{
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			if err := router.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			router.Stop()
			return nil
		}),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			if err := refresher.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return refresher.Stop()
		}),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			if err := recon.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return recon.Stop()
		}),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			cron.Start()
			<-ctx.Done()
			cron.Stop()
			return nil
		}),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			notifier.Start()
			<-ctx.Done()
			notifier.Stop()
			return nil
		}),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			whs.Start()
			<-ctx.Done()
			shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return whs.Shutdown(shCtx)
		}),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			ops.Start()
			<-ctx.Done()
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ops.Stop(shCtx)
		}),
		// Drains the execution core once every intake surface is down.
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			<-ctx.Done()
			pipeline.Stop()
			exits.Stop()
			lanes.Stop()
			pool.Stop()
			return nil
		}),
	}

	if cfg.LiveServer.Enabled {
		hub := liveserver.NewHub(logger)
		hub.SetSnapshot(engineSnapshot(tracker, exits))
		router.SetHub(hub)

		live := liveserver.NewServer(hub, logger, cfg.LiveServer.AllowedOrigins)
		live.SetProduction(hasLiveAccounts(cfg))

		runners = append(runners,
			bootstrap.RunnerFunc(func(ctx context.Context) error {
				hub.Run(ctx)
				return nil
			}),
			bootstrap.RunnerFunc(func(ctx context.Context) error {
				return live.Start(ctx, cfg.LiveServer.ListenAddr)
			}),
			busMirror(events, hub),
		)
	}

	runErr := app.Run(runners...)

	shCtx, cancelSh := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSh()
	if err := tel.Shutdown(shCtx); err != nil {
		logger.Warn("Telemetry shutdown failed", "error", err)
	}

	return runErr
}

// seedSequences replays the tags of persisted working orders into the
// allocator. One (account, ticker) scope is listed once even when several
// traders share it.
func seedSequences(ctx context.Context, cfg *config.Config, st core.IStore, seq *broker.SeqAllocator, logger core.ILogger) error {
	tickers := make(map[string]string, len(cfg.Recorders))
	for _, rec := range cfg.Recorders {
		tickers[rec.ID] = rec.Ticker
	}

	seen := make(map[string]bool)
	seeded := 0
	for _, tr := range cfg.Traders {
		ticker, ok := tickers[tr.RecorderID]
		if !ok || ticker == "" {
			continue
		}
		scope := fmt.Sprintf("%d:%s", tr.AccountID, ticker)
		if seen[scope] {
			continue
		}
		seen[scope] = true

		orders, err := st.ListWorkingOrders(ctx, tr.AccountID, ticker)
		if err != nil {
			return fmt.Errorf("list working orders for %s: %w", scope, err)
		}
		for _, o := range orders {
			tag, err := broker.ParseTag(o.Tag)
			if err != nil {
				continue
			}
			seq.Observe(tag.AccountID, tag.Symbol, tag.Role, tag.Seq)
			seeded++
		}
	}

	if seeded > 0 {
		logger.Info("Tag sequences seeded from working orders", "orders", seeded)
	}
	return nil
}

func environmentsOf(cfg *config.Config) []core.Environment {
	seen := make(map[core.Environment]bool)
	var envs []core.Environment
	for _, acct := range cfg.Accounts {
		env := core.Environment(acct.Environment)
		if !seen[env] {
			seen[env] = true
			envs = append(envs, env)
		}
	}
	return envs
}

func hasLiveAccounts(cfg *config.Config) bool {
	for _, acct := range cfg.Accounts {
		if core.Environment(acct.Environment) == core.EnvLive {
			return true
		}
	}
	return false
}

func recorderIDs(cfg *config.Config) []string {
	ids := make([]string, 0, len(cfg.Recorders))
	for _, rec := range cfg.Recorders {
		ids = append(ids, rec.ID)
	}
	return ids
}

func staticContracts(cfg *config.Config) map[string]*core.Contract {
	if len(cfg.Contracts) == 0 {
		return nil
	}
	out := make(map[string]*core.Contract, len(cfg.Contracts))
	for _, c := range cfg.Contracts {
		out[c.Symbol] = &core.Contract{
			Symbol:    c.Symbol,
			TickSize:  decimal.NewFromFloat(c.TickSize),
			TickValue: decimal.NewFromFloat(c.TickValue),
		}
	}
	return out
}

// anyClient picks the contract-metadata client, preferring live.
func anyClient(clients map[core.Environment]*broker.Client) *broker.Client {
	if c, ok := clients[core.EnvLive]; ok {
		return c
	}
	for _, c := range clients {
		return c
	}
	return nil
}

func keysByAccount(cfg *config.Config, reg *registry.Registry) map[int64][]core.PositionKey {
	out := make(map[int64][]core.PositionKey)
	for _, rec := range cfg.Recorders {
		for _, tr := range reg.TradersFor(rec.ID) {
			out[tr.AccountID] = append(out[tr.AccountID], core.PositionKey{RecorderID: rec.ID, Ticker: rec.Ticker})
		}
	}
	return out
}

func haltSection(halt *risk.Halt) map[string]string {
	out := make(map[string]string)
	for key, reason := range halt.Snapshot() {
		out[key.RecorderID+":"+key.Ticker] = reason
	}
	return out
}

func envList(clients map[core.Environment]*broker.Client) string {
	names := make([]string, 0, len(clients))
	for env := range clients {
		names = append(names, string(env))
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
