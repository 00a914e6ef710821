// mnemosd serves the engine over HTTP.
//
//	go run ./cmd/mnemosd -addr :8080
//	go run ./cmd/mnemosd -storage postgres -dsn $DATABASE_URL -vector pgvector
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mnemosdb/mnemos"
	"github.com/mnemosdb/mnemos/src/server"
)

var (
	flagAddr      = flag.String("addr", ":8080", "HTTP listen address")
	flagStorage   = flag.String("storage", envOr("MNEMOS_STORAGE", "memory"), "Storage driver: memory|postgres|redis|mongo")
	flagDSN       = flag.String("dsn", os.Getenv("MNEMOS_DSN"), "Connection string for non-memory storage")
	flagMongoDB   = flag.String("mongo-db", envOr("MNEMOS_MONGO_DB", "mnemos"), "Mongo database name")
	flagVector    = flag.String("vector", envOr("MNEMOS_VECTOR", "memory"), "Vector driver: memory|pgvector")
	flagDims      = flag.Int("dims", 768, "Default embedding dimensionality")
	flagWorkers   = flag.Int("workers", 1, "Interpreter workers")
	flagTimeout   = flag.Duration("exec-timeout", 30*time.Second, "Per-script execution timeout")
	flagEmbedMax  = flag.Int("embed-max", 4, "Max concurrent embedding calls")
	flagAuth      = flag.Bool("auth", false, "Enforce per-caller permissions (persisted in storage)")
	flagLogLevel  = flag.String("log-level", envOr("MNEMOS_LOG_LEVEL", "info"), "Log level")
	flagLogFormat = flag.String("log-format", envOr("MNEMOS_LOG_FORMAT", "console"), "Log format: console|json")
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	_ = godotenv.Load()
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if level, err := zerolog.ParseLevel(*flagLogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if *flagLogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg := mnemos.DefaultConfig()
	cfg.StorageDriver = *flagStorage
	cfg.StorageDSN = *flagDSN
	cfg.MongoDatabase = *flagMongoDB
	cfg.VectorDriver = *flagVector
	cfg.EmbedDims = *flagDims
	cfg.PersistAuth = *flagAuth
	cfg.Query.Workers = *flagWorkers
	cfg.Query.ExecutionTimeout = *flagTimeout
	cfg.Query.MaxConcurrentEmbedding = *flagEmbedMax

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := mnemos.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open engine")
	}

	srv := &http.Server{
		Addr:         *flagAddr,
		Handler:      server.New(eng).Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: *flagTimeout + 10*time.Second,
	}

	go func() {
		log.Info().Str("addr", *flagAddr).Msg("mnemosd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := eng.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("engine close")
	}
}
