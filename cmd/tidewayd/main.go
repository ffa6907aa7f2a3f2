// Command tidewayd runs the blue-green deployment controller: its HTTP
// surface, the periodic cleanup and reconciliation jobs, and every
// collaborator they depend on.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tidewayhq/tideway/internal/api"
	"github.com/tidewayhq/tideway/internal/config"
	"github.com/tidewayhq/tideway/internal/coordinator"
	"github.com/tidewayhq/tideway/internal/healthprobe"
	"github.com/tidewayhq/tideway/internal/platform/logger"
	"github.com/tidewayhq/tideway/internal/portalloc"
	"github.com/tidewayhq/tideway/internal/proxy"
	"github.com/tidewayhq/tideway/internal/registry"
	"github.com/tidewayhq/tideway/internal/runtime"
	"github.com/tidewayhq/tideway/internal/scheduler"
	"github.com/tidewayhq/tideway/internal/slotmodel"
	"github.com/tidewayhq/tideway/internal/version"
)

// environmentRanges converts the config package's environment port-range
// table into the form registry.New expects.
func environmentRanges(ranges map[string]config.PortRange) map[string]slotmodel.PortRange {
	out := make(map[string]slotmodel.PortRange, len(ranges))
	for env, rng := range ranges {
		out[env] = slotmodel.PortRange{Start: rng.Start, End: rng.End}
	}
	return out
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	var log logger.Logger
	if cfg.Log.Format == "text" {
		log = logger.NewText(cfg.Log.Level)
	} else {
		log = logger.New(cfg.Log.Level)
	}

	log.Info("starting tidewayd",
		"version", version.Version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	driver, err := runtime.NewDockerDriver(cfg.Runtime.Host, log)
	if err != nil {
		log.Error("failed to initialize runtime driver", logger.Err(err))
		os.Exit(1)
	}
	defer driver.Close()

	reg, err := registry.New(cfg.Registry.Root, cfg.Mirror.DSN, environmentRanges(cfg.Environment.Ranges), log)
	if err != nil {
		log.Error("failed to initialize registry", logger.Err(err))
		os.Exit(2)
	}
	defer reg.Close()

	proxyCfg, err := proxy.New(cfg.Proxy.Root, cfg.Proxy.ValidateCmd, cfg.Proxy.ReloadCommand, log)
	if err != nil {
		log.Error("failed to initialize proxy configurator", logger.Err(err))
		os.Exit(1)
	}

	allocator := portalloc.New(reg, driver)
	prober := healthprobe.New(driver, log)
	coord := coordinator.New(reg, driver, allocator, prober, proxyCfg, cfg.Runtime.Network, log)
	reconciler := registry.NewReconciler(reg, driver, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New(coord, reconciler,
		time.Duration(cfg.Scheduler.IntervalMinutes)*time.Minute,
		time.Duration(cfg.Scheduler.ReconcileIntervalM)*time.Minute,
		log,
	)
	go sched.Run(ctx)
	go func() {
		if err := reconciler.Watch(ctx); err != nil {
			log.Error("registry filesystem watcher stopped", logger.Err(err))
		}
	}()

	dispatcher := api.NewToolDispatcher(coord, reg, log)
	server := api.NewServer(api.ServerConfig{
		Host:       cfg.Server.Host,
		Port:       cfg.Server.Port,
		AuthToken:  cfg.Auth.Token,
		Version:    version.Version,
		LatestVers: version.Version,
	}, dispatcher, log)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		log.Info("server listening", "addr", addr)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", logger.Err(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down tidewayd...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", logger.Err(err))
	}

	log.Info("tidewayd stopped")
}
