package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/moltsocial/quorum/authority"
	"github.com/moltsocial/quorum/cachestore"
	"github.com/moltsocial/quorum/consumer"
	"github.com/moltsocial/quorum/engine"
	"github.com/moltsocial/quorum/modstate"
	"github.com/moltsocial/quorum/standing"
	"github.com/moltsocial/quorum/store"
	"github.com/moltsocial/quorum/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "quorum",
		Usage:   "accountable moderation and standing engine",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "sqlite or postgres database holding records and projections",
			Value:   "sqlite://data/quorum/quorum.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
			Value:   40,
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"QUORUM_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format (text or json)",
			EnvVars: []string{"QUORUM_LOG_FMT"},
		},
		&cli.StringFlag{
			Name:    "methodology-config",
			Usage:   "YAML file defining additional standing methodologies",
			EnvVars: []string{"QUORUM_METHODOLOGY_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "policy-config",
			Usage:   "YAML file mapping roles to capabilities",
			EnvVars: []string{"QUORUM_POLICY_CONFIG"},
		},
		&cli.StringSliceFlag{
			Name:    "governance-did",
			Usage:   "account trusted to grant and revoke roles (repeatable; none trusts any author)",
			EnvVars: []string{"QUORUM_GOVERNANCE_DIDS"},
		},
		&cli.DurationFlag{
			Name:    "window-duration",
			Usage:   "length of testimony windows",
			Value:   engine.DefaultConfig().WindowDuration,
			EnvVars: []string{"QUORUM_WINDOW_DURATION"},
		},
		&cli.StringFlag{
			Name:    "branch-policy",
			Usage:   "how conflicting appeal resolutions are reconciled (most_recent, most_authoritative)",
			Value:   string(modstate.PolicyMostRecent),
			EnvVars: []string{"QUORUM_BRANCH_POLICY"},
		},
		&cli.BoolFlag{
			Name:    "review-soft-reversals",
			Usage:   "open testimony windows for soft reversals too",
			EnvVars: []string{"QUORUM_REVIEW_SOFT_REVERSALS"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		ingestCmd,
		explainCmd,
		standingCmd,
		authorityCmd,
		deadLettersCmd,
		fakeItemsCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "stream-host",
			Usage:   "websocket URL of the record event stream to consume (eg, wss://jetstream.example.com); empty disables the consumer",
			EnvVars: []string{"QUORUM_STREAM_HOST"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":3030",
			EnvVars: []string{"QUORUM_BIND"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for the projection cache; in-process cache if not set",
			EnvVars: []string{"QUORUM_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "admin-password",
			Usage:   "basic auth password for admin endpoints; admin endpoints are disabled if not set",
			EnvVars: []string{"QUORUM_ADMIN_PASSWORD"},
		},
		&cli.DurationFlag{
			Name:    "max-deferral",
			Usage:   "how long items with missing references are retried before dead-lettering",
			Value:   engine.DefaultConfig().MaxDeferral,
			EnvVars: []string{"QUORUM_MAX_DEFERRAL"},
		},
		&cli.DurationFlag{
			Name:    "tick-interval",
			Usage:   "interval of the scheduler which closes windows and retries deferred items",
			Value:   engine.DefaultConfig().TickInterval,
			EnvVars: []string{"QUORUM_TICK_INTERVAL"},
		},
		&cli.IntFlag{
			Name:    "parallelism",
			Usage:   "concurrent items processed per batch",
			Value:   engine.DefaultConfig().Parallelism,
			EnvVars: []string{"QUORUM_PARALLELISM"},
		},
		&cli.BoolFlag{
			Name:    "enable-db-tracing",
			Usage:   "trace database queries with OpenTelemetry",
			EnvVars: []string{"QUORUM_ENABLE_DB_TRACING"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger, err := configLogger(cctx)
		if err != nil {
			return err
		}

		shutdownTracing, err := cliutil.SetupTracing(ctx, "quorum")
		if err != nil {
			return err
		}
		defer shutdownTracing()

		st, err := openStore(cctx, cctx.Bool("enable-db-tracing"))
		if err != nil {
			return err
		}

		var cache cachestore.CacheStore
		if cctx.String("redis-url") != "" {
			rcache, err := cachestore.NewRedisCacheStore(cctx.String("redis-url"), 30*time.Minute)
			if err != nil {
				return fmt.Errorf("initializing redis cachestore: %w", err)
			}
			cache = rcache
		} else {
			cache = cachestore.NewMemCacheStore(50_000, 30*time.Minute)
		}

		config, err := engineConfig(cctx)
		if err != nil {
			return err
		}
		config.MaxDeferral = cctx.Duration("max-deferral")
		config.TickInterval = cctx.Duration("tick-interval")
		config.Parallelism = cctx.Int("parallelism")

		eng, err := newEngine(cctx, logger, st, cache, config)
		if err != nil {
			return err
		}

		srv := NewServer(eng, logger, ServerConfig{
			Bind:          cctx.String("bind"),
			AdminPassword: cctx.String("admin-password"),
		})

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return eng.Run(ctx)
		})
		g.Go(func() error {
			return srv.Run(ctx)
		})

		if host := cctx.String("stream-host"); host != "" {
			sc := &consumer.StreamConsumer{
				Host:    host,
				Logger:  logger,
				Engine:  eng,
				Cursors: st,
				Limiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
			}
			g.Go(func() error {
				return sc.Run(ctx)
			})
			g.Go(func() error {
				return sc.RunPersistCursor(ctx)
			})
		} else {
			logger.Warn("no stream host configured; records arrive only through 'quorum ingest'")
		}

		if err := g.Wait(); err != nil {
			return fmt.Errorf("quorum service failed: %w", err)
		}
		logger.Info("shutdown complete")
		return nil
	},
}

func configLogger(cctx *cli.Context) (*slog.Logger, error) {
	return cliutil.SetupSlog(cliutil.LogOptions{
		LogLevel:  cctx.String("log-level"),
		LogFormat: cctx.String("log-format"),
	})
}

func openStore(cctx *cli.Context, tracing bool) (*store.GormStore, error) {
	db, err := cliutil.SetupDatabase(cctx.String("database-url"), cliutil.DatabaseOptions{
		MaxConnections: cctx.Int("max-db-connections"),
		Tracing:        tracing,
	})
	if err != nil {
		return nil, err
	}
	return store.NewGormStore(db)
}

// Engine settings shared by the daemon and the offline commands.
func engineConfig(cctx *cli.Context) (engine.Config, error) {
	config := engine.DefaultConfig()
	bp, err := modstate.ParseBranchPolicy(cctx.String("branch-policy"))
	if err != nil {
		return config, err
	}
	config.BranchPolicy = bp
	config.WindowDuration = cctx.Duration("window-duration")
	config.ReviewSoftReversals = cctx.Bool("review-soft-reversals")
	for _, did := range cctx.StringSlice("governance-did") {
		if did = strings.TrimSpace(did); did != "" {
			config.GovernanceDIDs = append(config.GovernanceDIDs, did)
		}
	}
	return config, nil
}

func newEngine(cctx *cli.Context, logger *slog.Logger, st store.Store, cache cachestore.CacheStore, config engine.Config) (*engine.Engine, error) {
	methodologies := standing.NewRegistry()
	if path := cctx.String("methodology-config"); path != "" {
		reg, err := standing.LoadRegistry(path)
		if err != nil {
			return nil, fmt.Errorf("loading methodologies: %w", err)
		}
		methodologies = reg
		logger.Info("loaded methodology config", "path", path, "methodologies", reg.IDs())
	}

	policy := authority.DefaultPolicy()
	if path := cctx.String("policy-config"); path != "" {
		p, err := authority.LoadPolicy(path)
		if err != nil {
			return nil, fmt.Errorf("loading role policy: %w", err)
		}
		policy = p
		logger.Info("loaded role policy", "path", path)
	}

	return engine.NewEngine(logger, st, cache, methodologies, policy, config), nil
}

// Engine over the configured database, for the one-shot commands.
func offlineEngine(cctx *cli.Context) (*engine.Engine, error) {
	logger, err := configLogger(cctx)
	if err != nil {
		return nil, err
	}
	st, err := openStore(cctx, false)
	if err != nil {
		return nil, err
	}
	config, err := engineConfig(cctx)
	if err != nil {
		return nil, err
	}
	return newEngine(cctx, logger, st, cachestore.NewMemCacheStore(5_000, 10*time.Minute), config)
}
