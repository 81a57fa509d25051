package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loanledger/config"
	"loanledger/core"
	"loanledger/observability/logging"
	"loanledger/storage"
)

const envVar = "LEDGER_ENV"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv(envVar))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup(cfg.ServiceName, env)

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}

	ledger, err := core.NewLedger(cfg, db, logger)
	if err != nil {
		db.Close()
		logger.Error("Failed to assemble ledger", slog.Any("error", err))
		os.Exit(1)
	}
	defer ledger.Close()

	if addr := strings.TrimSpace(cfg.MetricsAddress); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("metrics listener up", slog.String("address", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics listener stopped", slog.Any("error", err))
			}
		}()
	}

	logger.Info("ledger running",
		slog.String("pool", cfg.PoolID),
		slog.String("dataDir", cfg.DataDir))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")
}
