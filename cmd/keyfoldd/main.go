package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"keyfold/go-backend/internal/config"
	"keyfold/go-backend/internal/crypto"
	"keyfold/go-backend/internal/server"
	"keyfold/go-backend/internal/server/store"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	keygen := flag.Bool("keygen", false, "generate a server signature key pair and exit")
	configPath := flag.String("config", "", "Path to keyfold.yaml (optional)")
	listenAddr := flag.String("listen", "", "Listen address override (optional)")
	databasePath := flag.String("db", "", "SQLite database path override (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("keyfoldd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}
	if *keygen {
		publicKey, privateKey, err := crypto.GenerateSignatureKeyPair()
		if err != nil {
			fmt.Fprintf(os.Stderr, "keyfoldd keygen failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("signature:\n  publicKey: %s\n  privateKey: %s\n",
			crypto.EncodeKey(publicKey), crypto.EncodeKey(privateKey))
		return
	}

	cfg := config.LoadFromPath(*configPath)
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *databasePath != "" {
		cfg.DatabasePath = *databasePath
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("keyfoldd failed to open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	srv, err := server.New(cfg, st, logger)
	if err != nil {
		logger.Error("keyfoldd failed to initialize", "error", err)
		os.Exit(1)
	}
	if err := srv.Run(ctx); err != nil {
		logger.Error("keyfoldd failed", "error", err)
		os.Exit(1)
	}
	logger.Info("keyfoldd stopped")
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
