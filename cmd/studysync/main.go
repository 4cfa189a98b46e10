package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/studyhall/studysync/internal/attachment"
	"github.com/studyhall/studysync/internal/config"
	"github.com/studyhall/studysync/internal/gateway"
	"github.com/studyhall/studysync/internal/remotelog"
	"github.com/studyhall/studysync/internal/stats"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	signingKey     string
	allowedOrigins stringSliceFlag
	devMode        bool
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	// .env is optional, flags still win
	_ = godotenv.Load()

	flag.StringVar(&addr, "addr", envOr("STUDYSYNC_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&dsn, "dsn", envOr("STUDYSYNC_DSN", ""), "database connection string")
	flag.StringVar(&signingKey, "signing-key", envOr("STUDYSYNC_SIGNING_KEY", defaultSigningKey), "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.BoolVar(&devMode, "dev", false, "run with the in-memory store instead of Postgres")
	flag.Parse()

	logger := log.New(os.Stderr, "[studysync] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins, devMode)
	if err != nil {
		logger.Fatal("config:", err)
	}

	var rlog remotelog.RemoteLog
	if cfg.DevMode {
		logger.Println("dev mode: using in-memory remote log")
		rlog = remotelog.NewMemoryLog()
	} else {
		pgLog, err := remotelog.NewPgLog(cfg.DatabaseDSN, logger)
		if err != nil {
			logger.Fatal("remote log open:", err)
		}
		defer func() {
			if err := pgLog.Close(); err != nil {
				logger.Println("remote log close:", err)
			}
		}()
		rlog = pgLog
	}

	blobs := attachment.NewMemoryBlobStore()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	srv := gateway.NewGateway(mux, logger, rlog, blobs, statsUpdater, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
