// Command taskengined is the device-resident task engine service: it
// loads service.conf, opens the SQLite store, and runs the scheduler's
// event loop behind a Unix-domain-socket command API and notification bus
// until it receives SIGINT/SIGTERM.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/rescale/taskengine/internal/config"
	"github.com/rescale/taskengine/internal/events"
	"github.com/rescale/taskengine/internal/ipcapi"
	"github.com/rescale/taskengine/internal/logging"
	"github.com/rescale/taskengine/internal/notifybus"
	"github.com/rescale/taskengine/internal/scheduler"
	"github.com/rescale/taskengine/internal/store"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

func main() {
	configPath := flag.String("config", "", "path to service.conf (empty = platform default)")
	sandboxDir := flag.String("sandbox-dir", "", "if set, every task's file paths must resolve under sandbox-dir/<uid>")
	flag.Parse()

	cfg, err := config.LoadServiceConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskengined: failed to load config: %v\n", err)
		os.Exit(1)
	}

	eventBus := events.NewEventBus(0)
	logger := logging.NewLogger("service", eventBus)
	if level, parseErr := zerolog.ParseLevel(cfg.Service.LogLevel); parseErr == nil {
		logging.SetGlobalLevel(level)
	}
	logger.Infof("taskengined %s (%s) starting", version, buildTime)

	st, err := store.Open(cfg.Service.StorePath)
	if err != nil {
		logger.Errorf("failed to open store at %s: %v", cfg.Service.StorePath, err)
		os.Exit(1)
	}
	defer st.Close()

	bus := notifybus.New(logger)

	sched := scheduler.New(scheduler.Options{
		Store:  st,
		Bus:    bus,
		Logger: logger,
		Caps: scheduler.Caps{
			PerAppRunningCap:     cfg.QoS.PerAppRunningCap,
			ForegroundRunningCap: cfg.QoS.ForegroundRunningCap,
			RunningCapNormal:     cfg.QoS.RunningCapNormal,
			RunningCapLow:        cfg.QoS.RunningCapLow,
			RunningCapCritical:   cfg.QoS.RunningCapCritical,
		},
		Quotas: scheduler.QuotaCaps{
			BackgroundPerApp: cfg.Quotas.BackgroundPerApp,
			ForegroundPerApp: cfg.Quotas.ForegroundPerApp,
		},
		SandboxDir: *sandboxDir,
		GCInterval: time.Duration(cfg.Service.GCIntervalHours) * time.Hour,
	})
	sched.Start()
	defer sched.Stop()

	ipcServer := ipcapi.NewServer(sched, logger, cfg.Service.IPCSocket)
	if err := ipcServer.Start(); err != nil {
		logger.Errorf("failed to start ipc server: %v", err)
		os.Exit(1)
	}
	defer ipcServer.Stop()

	logger.Infof("taskengined ready: store=%s ipc=%s", cfg.Service.StorePath, cfg.Service.IPCSocket)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("received %s, shutting down", sig)

	bus.BroadcastShutdown()
}
