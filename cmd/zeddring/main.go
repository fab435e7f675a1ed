package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"zeddring/internal/adapter/gateway"
	"zeddring/internal/driver"
	"zeddring/internal/infra/config"
	"zeddring/internal/infra/logger"
	"zeddring/internal/infra/tracer"
	"zeddring/internal/store"
	"zeddring/internal/usecase/eventbus"
	"zeddring/internal/usecase/fleet"
	"zeddring/internal/usecase/registry"
	"zeddring/internal/usecase/scheduling"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`zeddring - smart ring fleet daemon

USAGE:
    zeddring [FLAGS]

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)
    --addr HOST:PORT   Override the web listen address

CONFIGURATION:
    Config file: ./config.yaml (optional; defaults apply when absent)
    Environment: ZEDDRING_* variables override config

EXAMPLES:
    zeddring                              # Run with defaults
    zeddring --config /etc/zeddring.yaml  # Run with custom config
    ZEDDRING_WEB_PORT=8080 zeddring       # Override via environment`)
}

// configPath reads the --config flag from os.Args.
func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("ZEDDRING_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// addrOverride reads the --addr flag from os.Args.
func addrOverride() string {
	for i, arg := range os.Args {
		if arg == "--addr" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--addr=") {
			return strings.TrimPrefix(arg, "--addr=")
		}
	}
	return ""
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if addr := addrOverride(); addr != "" {
		host, port, err := splitAddr(addr)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		cfg.Web.Host = host
		cfg.Web.Port = port
	}

	// 2. Logger
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	// 3. Tracing (noop unless enabled in config)
	tracerShutdown, err := tracer.Setup(context.Background(), cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 4. Store
	st, err := store.New(cfg.Storage.Path, log)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	// 5. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 6. Registry (reloads persisted rings)
	ctx := context.Background()
	reg, err := registry.New(ctx, st, bus, log)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	// 7. Driver (mock by default, real Bluetooth with the ble build tag)
	backend, err := buildDriver(cfg, log)
	if err != nil {
		return fmt.Errorf("driver: %w", err)
	}
	drv := driver.NewReliable(backend, driver.ReliableConfig{
		OpTimeout:        cfg.Bluetooth.OpTimeout,
		OpsPerSecond:     cfg.Bluetooth.OpsPerSecond,
		BreakerThreshold: cfg.Bluetooth.BreakerThreshold,
		BreakerCooldown:  cfg.Bluetooth.BreakerCooldown,
	}, log)

	// 8. Fleet manager
	manager := fleet.NewManager(cfg, reg, drv, st, bus, log)

	// 9. Scheduler
	sched := scheduling.NewScheduler(log)
	sched.RegisterAction(scheduling.ActionPollTick, manager.PollTick)
	sched.RegisterAction(scheduling.ActionScan, manager.ScanTick)
	sched.RegisterAction(scheduling.ActionTimeSync, manager.TimeSyncTick)
	tasks := []scheduling.ScheduledTask{
		{Name: "poll", Schedule: cfg.Scheduler.PollInterval.String(), Action: scheduling.ActionPollTick},
		{Name: "scan", Schedule: cfg.Scheduler.ScanInterval.String(), Action: scheduling.ActionScan},
		{Name: "time-sync", Schedule: cfg.Scheduler.TimeSyncInterval.String(), Action: scheduling.ActionTimeSync},
	}
	for _, task := range tasks {
		if err := sched.AddTask(task); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}

	// 10. Graceful shutdown on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 11. Start scheduler
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	// 12. Start gateway
	var gw *gateway.Server
	if cfg.Web.Enabled {
		gw = gateway.NewServer(reg, manager, st, bus, cfg.Web.Addr(), log)
		go func() {
			if err := gw.Start(ctx); err != nil {
				log.Error("gateway server error", "error", err)
			}
		}()
	}

	log.Info("zeddring started",
		"db", cfg.Storage.Path,
		"web", cfg.Web.Enabled,
		"poll_interval", cfg.Scheduler.PollInterval,
		"rings", len(reg.List()),
	)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := sched.Stop(); err != nil {
		log.Error("scheduler stop error", "error", err)
	}
	if gw != nil {
		if err := gw.Stop(shutdownCtx); err != nil {
			log.Error("gateway stop error", "error", err)
		}
	}
	manager.DisconnectAll(shutdownCtx)
	return nil
}

func splitAddr(addr string) (string, int, error) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return "", 0, fmt.Errorf("invalid --addr %q (want host:port)", addr)
	}
	var port int
	if _, err := fmt.Sscanf(addr[i+1:], "%d", &port); err != nil {
		return "", 0, fmt.Errorf("invalid --addr port %q", addr[i+1:])
	}
	return addr[:i], port, nil
}
