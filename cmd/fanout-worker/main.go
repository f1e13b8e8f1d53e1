// cmd/fanout-worker/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/mbarrio/fanout/internal/agent"
	"github.com/mbarrio/fanout/internal/config"
	"github.com/mbarrio/fanout/internal/logging"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file")
		slots      = flag.Int("slots", 0, "concurrent task slots (0 uses the CPU count)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)

	if *slots <= 0 {
		*slots = runtime.NumCPU()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := agent.New(cfg.NATS, *slots, logger)
	if err := a.Run(ctx); err != nil {
		logger.Error("agent failed", "error", err)
		os.Exit(1)
	}
}
