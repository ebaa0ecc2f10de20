package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/treeaudit/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/treeaudit/internal/app"
	"github.com/atvirokodosprendimai/treeaudit/migrations"
)

func main() {
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:  "treeaudit",
		Usage: "Field-level audited feature store with moderation",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Sources: cli.EnvVars("TREEAUDIT_LOG_LEVEL"),
				Usage:   "debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:    "log-format",
				Value:   "json",
				Sources: cli.EnvVars("TREEAUDIT_LOG_FORMAT"),
				Usage:   "json or console",
			},
			&cli.StringFlag{
				Name:    "storage",
				Value:   app.StorageSQLite,
				Sources: cli.EnvVars("TREEAUDIT_STORAGE"),
				Usage:   "sqlite or memory",
			},
			&cli.StringFlag{
				Name:    "db-path",
				Value:   "./treeaudit.sqlite",
				Sources: cli.EnvVars("TREEAUDIT_DB_PATH"),
				Usage:   "SQLite file path",
			},
			&cli.StringFlag{
				Name:    "seed-file",
				Sources: cli.EnvVars("TREEAUDIT_SEED_FILE"),
				Usage:   "YAML seed file applied at startup",
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API and the outbox dispatcher",
				Action: serve,
			},
			{
				Name:  "migrate",
				Usage: "Manage the SQLite schema",
				Commands: []*cli.Command{
					{Name: "up", Usage: "Apply pending migrations", Action: migrate(migrations.Up)},
					{Name: "down", Usage: "Roll back the latest migration", Action: migrate(migrations.Down)},
					{Name: "version", Usage: "Print the schema version", Action: migrationVersion},
				},
			},
			{
				Name:  "outbox",
				Usage: "Inspect and repair the event outbox",
				Commands: []*cli.Command{
					{Name: "stats", Usage: "Count events per status", Action: outboxStats},
					{
						Name:  "requeue",
						Usage: "Give dead-lettered events a fresh retry budget",
						Flags: []cli.Flag{
							&cli.Int64Flag{Name: "instance", Usage: "Limit to one instance id (default: all)"},
						},
						Action: outboxRequeue,
					},
				},
			},
			{
				Name:      "seed",
				Usage:     "Apply a YAML seed file and exit",
				ArgsUsage: "[file]",
				Action:    seed,
			},
		},
	}
	cmd.Flags = append(cmd.Flags, serveFlags()...)

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "addr",
			Value:   ":8080",
			Sources: cli.EnvVars("TREEAUDIT_ADDR"),
			Usage:   "HTTP listen address",
		},
		&cli.BoolFlag{
			Name:    "cache",
			Value:   true,
			Sources: cli.EnvVars("TREEAUDIT_CACHE"),
			Usage:   "Cache roles, field permissions and UDF definitions per instance",
		},
		&cli.StringFlag{
			Name:    "authz-mode",
			Value:   "enforce",
			Sources: cli.EnvVars("TREEAUDIT_AUTHZ_MODE"),
			Usage:   "enforce, shadow or disabled",
		},
		&cli.StringFlag{
			Name:    "authz-policy",
			Sources: cli.EnvVars("TREEAUDIT_AUTHZ_POLICY"),
			Usage:   "casbin policy CSV replacing the built-in admin policies",
		},
		&cli.BoolFlag{
			Name:    "authz-unsafe-allow-disabled",
			Sources: cli.EnvVars("TREEAUDIT_AUTHZ_UNSAFE_ALLOW_DISABLED"),
			Usage:   "Permit --authz-mode=disabled",
		},
		&cli.IntFlag{
			Name:    "point-precision",
			Value:   7,
			Sources: cli.EnvVars("TREEAUDIT_POINT_PRECISION"),
			Usage:   "Decimal places kept for point coordinates",
		},
		&cli.StringFlag{
			Name:    "publisher",
			Value:   app.PublisherLog,
			Sources: cli.EnvVars("TREEAUDIT_PUBLISHER"),
			Usage:   "Outbox publisher: log, webhook or redis",
		},
		&cli.DurationFlag{
			Name:    "outbox-interval",
			Value:   2 * time.Second,
			Sources: cli.EnvVars("TREEAUDIT_OUTBOX_INTERVAL"),
			Usage:   "Outbox polling interval",
		},
		&cli.IntFlag{
			Name:    "outbox-batch",
			Value:   100,
			Sources: cli.EnvVars("TREEAUDIT_OUTBOX_BATCH"),
			Usage:   "Outbox events published per poll",
		},
		&cli.IntFlag{
			Name:    "outbox-max-attempts",
			Value:   5,
			Sources: cli.EnvVars("TREEAUDIT_OUTBOX_MAX_ATTEMPTS"),
			Usage:   "Delivery attempts before an event is dead-lettered",
		},
		&cli.IntFlag{
			Name:    "outbox-lanes",
			Value:   4,
			Sources: cli.EnvVars("TREEAUDIT_OUTBOX_LANES"),
			Usage:   "Features published concurrently per poll",
		},
		&cli.StringFlag{
			Name:    "webhook-url",
			Sources: cli.EnvVars("TREEAUDIT_WEBHOOK_URL"),
			Usage:   "Outbox event webhook target URL",
		},
		&cli.StringFlag{
			Name:    "webhook-secret",
			Sources: cli.EnvVars("TREEAUDIT_WEBHOOK_SECRET"),
			Usage:   "HMAC-SHA256 signing secret for outbound webhook requests",
		},
		&cli.DurationFlag{
			Name:    "webhook-timeout",
			Value:   10 * time.Second,
			Sources: cli.EnvVars("TREEAUDIT_WEBHOOK_TIMEOUT"),
			Usage:   "Timeout of one webhook delivery",
		},
		&cli.StringSliceFlag{
			Name:    "webhook-events",
			Sources: cli.EnvVars("TREEAUDIT_WEBHOOK_EVENTS"),
			Usage:   "Event types delivered to the webhook (default: all)",
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Value:   "redis://localhost:6379/0",
			Sources: cli.EnvVars("TREEAUDIT_REDIS_URL"),
			Usage:   "Redis URL for the redis publisher",
		},
		&cli.StringFlag{
			Name:    "redis-prefix",
			Value:   "treeaudit:",
			Sources: cli.EnvVars("TREEAUDIT_REDIS_PREFIX"),
			Usage:   "Channel prefix for the redis publisher",
		},
		&cli.DurationFlag{
			Name:    "shutdown-grace",
			Value:   10 * time.Second,
			Sources: cli.EnvVars("TREEAUDIT_SHUTDOWN_GRACE"),
			Usage:   "Time allowed for in-flight requests on shutdown",
		},
	}
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	var cfg zap.Config
	switch format {
	case "console":
		cfg = zap.NewDevelopmentConfig()
	case "json", "":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	cfg.Level = lvl
	return cfg.Build()
}

func loggerFrom(c *cli.Command) (*zap.Logger, error) {
	return newLogger(c.String("log-level"), c.String("log-format"))
}

func configFrom(c *cli.Command) app.Config {
	return app.Config{
		Addr:                c.String("addr"),
		Storage:             c.String("storage"),
		DBPath:              c.String("db-path"),
		CacheEnabled:        c.Bool("cache"),
		AuthzMode:           c.String("authz-mode"),
		AuthzPolicyPath:     c.String("authz-policy"),
		AuthzAllowDisabled:  c.Bool("authz-unsafe-allow-disabled"),
		PointPrecision:      c.Int("point-precision"),
		SeedFile:            c.String("seed-file"),
		OutboxInterval:      c.Duration("outbox-interval"),
		OutboxBatchSize:     c.Int("outbox-batch"),
		OutboxMaxAttempts:   c.Int("outbox-max-attempts"),
		OutboxLanes:         c.Int("outbox-lanes"),
		Publisher:           c.String("publisher"),
		WebhookURL:          c.String("webhook-url"),
		WebhookSecret:       c.String("webhook-secret"),
		WebhookTimeout:      c.Duration("webhook-timeout"),
		WebhookEvents:       c.StringSlice("webhook-events"),
		RedisURL:            c.String("redis-url"),
		RedisChannelPrefix:  c.String("redis-prefix"),
		ShutdownGracePeriod: c.Duration("shutdown-grace"),
	}
}

func serve(ctx context.Context, c *cli.Command) error {
	log, err := loggerFrom(c)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cfg := configFrom(c)
	server, closer, err := app.NewServer(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	defer func() {
		if closeErr := closer.Close(); closeErr != nil {
			log.Error("close resources", zap.Error(closeErr))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Addr), zap.String("storage", cfg.Storage), zap.String("publisher", cfg.Publisher))
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}

	select {
	case <-ctx.Done():
		return shutdown()
	case sig := <-sigCh:
		log.Info("received signal", zap.String("signal", sig.String()))
		return shutdown()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func withWriter(c *cli.Command, fn func(db *sql.DB) error) error {
	db, err := gormsqlite.Open(c.String("db-path"))
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()

	writer, err := db.WriteSQLDB()
	if err != nil {
		return fmt.Errorf("resolve writer sql db: %w", err)
	}
	return fn(writer)
}

func migrate(step func(context.Context, *sql.DB) error) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		return withWriter(c, func(db *sql.DB) error {
			if err := step(ctx, db); err != nil {
				return err
			}
			v, err := migrations.Version(ctx, db)
			if err != nil {
				return err
			}
			fmt.Printf("schema version %d\n", v)
			return nil
		})
	}
}

func migrationVersion(ctx context.Context, c *cli.Command) error {
	return withWriter(c, func(db *sql.DB) error {
		v, err := migrations.Version(ctx, db)
		if err != nil {
			return err
		}
		fmt.Printf("schema version %d\n", v)
		return nil
	})
}

func seed(ctx context.Context, c *cli.Command) error {
	path := c.Args().First()
	if path == "" {
		path = c.String("seed-file")
	}
	if path == "" {
		return errors.New("seed: no file given")
	}
	return withRuntime(ctx, c, func(rt *app.Runtime) error {
		return rt.Seed(ctx, path)
	})
}

func withRuntime(ctx context.Context, c *cli.Command, fn func(rt *app.Runtime) error) error {
	log, err := loggerFrom(c)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	rt, err := app.Build(ctx, configFrom(c), log)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func outboxStats(ctx context.Context, c *cli.Command) error {
	return withRuntime(ctx, c, func(rt *app.Runtime) error {
		st, err := rt.Outbox.OutboxStats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("pending %d\ndispatched %d\ndead %d\n", st.Pending, st.Dispatched, st.Dead)
		return nil
	})
}

func outboxRequeue(ctx context.Context, c *cli.Command) error {
	return withRuntime(ctx, c, func(rt *app.Runtime) error {
		n, err := rt.Outbox.RequeueDead(ctx, c.Int64("instance"))
		if err != nil {
			return err
		}
		fmt.Printf("requeued %d events\n", n)
		return nil
	})
}
