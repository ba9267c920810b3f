package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"

	"github.com/modhound/modhound/ledger"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "modhound",
		Usage:   "adaptive moderation daemon (sniffs out rule violations)",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Value:   "sqlite://data/modhound/modhound.sqlite",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
			Value:   40,
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		migrateCmd,
	}

	return app.Run(args)
}

var migrateCmd = &cli.Command{
	Name:  "migrate",
	Usage: "create or update database tables",
	Action: func(cctx *cli.Context) error {
		db, err := ledger.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return err
		}
		return ledger.MigrateDatabase(db)
	},
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for the event/admin API",
			Value:   ":3899",
			EnvVars: []string{"MODHOUND_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics",
			Value:   ":3898",
			EnvVars: []string{"MODHOUND_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for the rule cache; in-process memory cache when empty",
			EnvVars: []string{"REDIS_URL"},
		},
		&cli.DurationFlag{
			Name:    "rule-cache-ttl",
			Value:   600 * time.Second,
			EnvVars: []string{"MODHOUND_RULE_CACHE_TTL"},
		},
		&cli.StringFlag{
			Name:    "embedding-host",
			Usage:   "base URL of the embedding generator service",
			Value:   "http://localhost:8089",
			EnvVars: []string{"MODHOUND_EMBEDDING_HOST"},
		},
		&cli.IntFlag{
			Name:    "embedding-rate-limit",
			Usage:   "max requests per second to the embedding generator",
			Value:   20,
			EnvVars: []string{"MODHOUND_EMBEDDING_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "classifier-host",
			Usage:   "base URL of the external classifier service (optional)",
			EnvVars: []string{"MODHOUND_CLASSIFIER_HOST"},
		},
		&cli.StringFlag{
			Name:    "classifier-password",
			EnvVars: []string{"MODHOUND_CLASSIFIER_PASSWORD"},
		},
		&cli.IntFlag{
			Name:    "max-review-extensions",
			Usage:   "deadline extensions before a review resolves by plurality",
			Value:   3,
			EnvVars: []string{"MODHOUND_MAX_REVIEW_EXTENSIONS"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
		slog.SetDefault(logger)

		db, err := ledger.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return err
		}
		if err := ledger.MigrateDatabase(db); err != nil {
			return err
		}

		srv, err := NewServer(db, Config{
			Logger:             logger,
			RedisURL:           cctx.String("redis-url"),
			RuleCacheTTL:       cctx.Duration("rule-cache-ttl"),
			EmbeddingHost:      cctx.String("embedding-host"),
			EmbeddingRateLimit: cctx.Int("embedding-rate-limit"),
			ClassifierHost:     cctx.String("classifier-host"),
			ClassifierPassword: cctx.String("classifier-password"),
			MaxExtensions:      cctx.Int("max-review-extensions"),
		})
		if err != nil {
			return err
		}

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "err", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		if err := srv.RunAPI(ctx, cctx.String("bind")); err != nil {
			return fmt.Errorf("failed to run moderation service: %w", err)
		}
		return nil
	},
}
