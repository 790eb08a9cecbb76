// Command concourse-server wires CLI flags and environment variables into an
// engine.Engine and keeps it running. It does not serve any RPC transport of
// its own; binding the engine to a wire protocol is an external concern.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/hunglin/concourse"
	"github.com/hunglin/concourse/engine"
)

func main() {
	concourse.ConfigureLogging()

	opts := parseFlags()
	if err := opts.Normalize(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	applyLogLevel(opts.LogLevel)

	e, err := engine.Open(opts)
	if err != nil {
		slog.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	slog.Info("concourse engine started",
		"version", concourse.Version,
		"buffer_directory", opts.BufferDirectory,
		"database_directory", opts.DatabaseDirectory,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runTransferLoop(ctx, e)
}

// runTransferLoop periodically drains sealed buffer pages into the database
// until ctx is canceled. A production deployment would instead trigger
// Transfer from the RPC layer's commit path; this loop keeps an embedded
// engine's durable tier advancing when run standalone.
func runTransferLoop(ctx context.Context, e *engine.Engine) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("concourse engine shutting down")
			return
		case <-ticker.C:
			for {
				transferred, err := e.Transfer()
				if err != nil {
					slog.Error("buffer transfer failed", "error", err)
					break
				}
				if !transferred {
					break
				}
			}
		}
	}
}

func parseFlags() concourse.EngineOptions {
	opts := concourse.DefaultEngineOptions()

	bufferDir := pflag.String("buffer-directory", envOr("CONCOURSE_BUFFER_DIR", ""), "directory for buffer page files")
	databaseDir := pflag.String("database-directory", envOr("CONCOURSE_DATABASE_DIR", ""), "directory for the db/primary, db/secondary, db/search trees")
	pageSize := pflag.Int64("buffer-page-size", envOrInt64("CONCOURSE_PAGE_SIZE", opts.BufferPageSize), "buffer page size in bytes before sealing")
	logLevel := pflag.String("log-level", envOr("CONCOURSE_LOG_LEVEL", opts.LogLevel), "DEBUG, INFO, WARN, or ERROR")
	clustered := pflag.Bool("clustered", false, "use a Redis-coordinated lock service instead of the in-process one")
	redisAddr := pflag.String("redis-address", envOr("CONCOURSE_REDIS_ADDR", ""), "redis host:port, required when --clustered is set")
	pflag.Parse()

	opts.BufferDirectory = *bufferDir
	opts.DatabaseDirectory = *databaseDir
	opts.BufferPageSize = *pageSize
	opts.LogLevel = *logLevel
	if *clustered {
		opts.Type = concourse.Clustered
		opts.RedisConfig = &concourse.RedisCacheConfig{Address: *redisAddr}
	}
	return opts
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envOrInt64(key string, fallback int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

// applyLogLevel overrides the level ConfigureLogging derived from
// CONCOURSE_LOG_LEVEL with the --log-level flag's resolved value.
func applyLogLevel(level string) {
	switch level {
	case "DEBUG":
		concourse.SetLogLevel(slog.LevelDebug)
	case "WARN":
		concourse.SetLogLevel(slog.LevelWarn)
	case "ERROR":
		concourse.SetLogLevel(slog.LevelError)
	default:
		concourse.SetLogLevel(slog.LevelInfo)
	}
}
