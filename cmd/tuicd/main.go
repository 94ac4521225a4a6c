// Package main implements the tuicd TUIC v5 proxy server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tuic-go/tuicd/pkg/admin"
	"github.com/tuic-go/tuicd/pkg/audit"
	"github.com/tuic-go/tuicd/pkg/config"
	"github.com/tuic-go/tuicd/pkg/logger"
	"github.com/tuic-go/tuicd/pkg/server"
)

func main() {
	configFile := flag.String("c", "", "Path to the configuration file (required)")
	flag.StringVar(configFile, "config", "", "Path to the configuration file (required)")
	initConfig := flag.Bool("i", false, "Print an example configuration file and exit")
	flag.BoolVar(initConfig, "init", false, "Print an example configuration file and exit")
	flag.Parse()

	if *initConfig {
		example, err := config.ExampleTOML()
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to render example config:", err)
			os.Exit(1)
		}
		fmt.Print(example)
		return
	}

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "a configuration file is required: -c <path>")
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{Level: "info", Format: "json", Output: "stdout"}); err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}

	var hooks server.MultiHooks
	var adminSrv *admin.Server
	var adminStore *admin.Store
	var auditStore *audit.Store
	var auditAdapter *audit.HookAdapter

	if cfg.Restful.Enabled() {
		adminStore = admin.NewStore(cfg.Restful.MaximumClientsPerUser)
		adminSrv = admin.NewServer(cfg.Restful.Addr, cfg.Restful.Secret, adminStore)
		hooks = append(hooks, adminStore)
	}
	if cfg.Audit.Enabled() {
		auditStore, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			logger.Error("failed to open audit log", "err", err)
			os.Exit(1)
		}
		defer auditStore.Close()
		auditAdapter = audit.NewHookAdapter(auditStore)
		hooks = append(hooks, auditAdapter)
	}
	if adminStore != nil && auditAdapter != nil {
		adminStore.SetKickRecorder(auditAdapter)
	}

	var finalHooks server.Hooks = server.NoopHooks
	if len(hooks) > 0 {
		finalHooks = hooks
	}

	srv, err := server.New(cfg, finalHooks)
	if err != nil {
		logger.Error("failed to build server", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if adminSrv != nil {
		go func() {
			if err := adminSrv.Run(ctx); err != nil {
				logger.Error("admin server failed", "err", err)
			}
		}()
	}

	go func() {
		if err := srv.Run(ctx); err != nil {
			logger.Error("tuicd server failed", "err", err)
			cancel()
			os.Exit(1)
		}
	}()

	<-sigCh
	logger.Info("shutting down...")
	cancel()
}
