package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/treeaudit/internal/adapters/authz"
	"github.com/atvirokodosprendimai/treeaudit/internal/adapters/events"
	"github.com/atvirokodosprendimai/treeaudit/internal/adapters/features"
	"github.com/atvirokodosprendimai/treeaudit/internal/adapters/httpapi"
	"github.com/atvirokodosprendimai/treeaudit/internal/adapters/memstore"
	sqliteadapter "github.com/atvirokodosprendimai/treeaudit/internal/adapters/sqlite"
	"github.com/atvirokodosprendimai/treeaudit/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/treeaudit/internal/bootstrap"
	"github.com/atvirokodosprendimai/treeaudit/internal/core/ports"
	"github.com/atvirokodosprendimai/treeaudit/internal/core/usecase"
	"github.com/atvirokodosprendimai/treeaudit/migrations"
)

const (
	StorageSQLite = "sqlite"
	StorageMemory = "memory"

	PublisherLog     = "log"
	PublisherWebhook = "webhook"
	PublisherRedis   = "redis"
)

type Config struct {
	Addr    string
	Storage string
	DBPath  string

	CacheEnabled        bool
	AuthzMode           string
	AuthzPolicyPath     string
	AuthzAllowDisabled  bool
	PointPrecision      int
	SeedFile            string
	OutboxInterval      time.Duration
	OutboxBatchSize     int
	OutboxMaxAttempts   int
	OutboxLanes         int
	Publisher           string
	WebhookURL          string
	WebhookSecret       string
	WebhookTimeout      time.Duration
	WebhookEvents       []string
	RedisURL            string
	RedisChannelPrefix  string
	ShutdownGracePeriod time.Duration
}

type resourceCloser struct {
	closers []io.Closer
}

func (r resourceCloser) Close() error {
	var firstErr error
	for _, c := range r.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Runtime holds the wired use cases and the resources behind them.
type Runtime struct {
	Services   httpapi.Services
	Seeder     *bootstrap.Seeder
	Dispatcher *usecase.OutboxDispatcher
	Outbox     ports.OutboxMaintenance

	closers []io.Closer
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() error {
	rev := make([]io.Closer, 0, len(rt.closers))
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rev = append(rev, rt.closers[i])
	}
	return resourceCloser{closers: rev}.Close()
}

type storage struct {
	store  ports.Store
	keys   ports.APIKeyRepository
	outbox interface {
		ports.OutboxRepository
		ports.OutboxMaintenance
	}
	dir interface {
		ports.DirectoryReader
		ports.AdjunctSource
	}
}

func openStorage(ctx context.Context, cfg Config, log *zap.Logger) (storage, io.Closer, error) {
	switch strings.ToLower(cfg.Storage) {
	case StorageMemory:
		log.Warn("using in-memory storage; data is lost on exit")
		s := memstore.New()
		return storage{store: s, keys: s, outbox: s, dir: s}, nil, nil
	case "", StorageSQLite:
		db, err := OpenDatabase(ctx, cfg.DBPath, log)
		if err != nil {
			return storage{}, nil, err
		}
		s := sqliteadapter.NewStore(db)
		return storage{
			store:  s,
			keys:   sqliteadapter.NewAPIKeyRepository(db),
			outbox: sqliteadapter.NewOutboxRepository(db),
			dir:    s,
		}, db, nil
	default:
		return storage{}, nil, fmt.Errorf("unknown storage %q", cfg.Storage)
	}
}

// OpenDatabase opens the SQLite file and applies pending migrations.
func OpenDatabase(ctx context.Context, path string, log *zap.Logger) (*gormsqlite.DB, error) {
	db, err := gormsqlite.Open(path, gormsqlite.WithLogger(log, 0))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	writeSQLDB, err := db.WriteSQLDB()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("resolve writer sql db: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := migrations.Up(ctx, writeSQLDB); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func newPublisher(ctx context.Context, cfg Config, log *zap.Logger) (ports.EventPublisher, io.Closer, error) {
	switch strings.ToLower(cfg.Publisher) {
	case "", PublisherLog:
		return events.NewLogPublisher(log), nil, nil
	case PublisherWebhook:
		if cfg.WebhookURL == "" {
			return nil, nil, fmt.Errorf("publisher %q needs a webhook url", cfg.Publisher)
		}
		return events.NewWebhookPublisher(cfg.WebhookURL, cfg.WebhookSecret, cfg.WebhookTimeout, cfg.WebhookEvents...), nil, nil
	case PublisherRedis:
		client, err := events.NewRedisClient(ctx, cfg.RedisURL, log)
		if err != nil {
			return nil, nil, err
		}
		return events.NewRedisPublisher(client, cfg.RedisChannelPrefix, log), client, nil
	default:
		return nil, nil, fmt.Errorf("unknown publisher %q", cfg.Publisher)
	}
}

// Build wires storage, authorization, the feature gate and every use case.
// The outbox dispatcher is created but not started.
func Build(ctx context.Context, cfg Config, log *zap.Logger) (*Runtime, error) {
	if log == nil {
		log = zap.NewNop()
	}
	rt := &Runtime{}

	st, dbCloser, err := openStorage(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, dbCloser)

	mode, err := authz.ParseMode(cfg.AuthzMode, cfg.AuthzAllowDisabled)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	authorizer, err := authz.NewAuthorizer(cfg.AuthzPolicyPath, mode, log.Named("authz"))
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	gate, err := features.NewCELGate(log.Named("features"))
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	publisher, pubCloser, err := newPublisher(ctx, cfg, log.Named("events"))
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, pubCloser)

	cache := usecase.NewAdjunctCache(st.store, cfg.CacheEnabled)
	perms := usecase.NewPermissionService(st.store, cache, authorizer)
	udfs := usecase.NewUDFService(st.store, cache, perms, gate)
	auditable := usecase.NewAuditableService(st.store, perms, cache, udfs, usecase.DefaultNormalizer{PointPrecision: cfg.PointPrecision})
	auth := usecase.NewAuthService(st.keys, st.store)

	rt.Services = httpapi.Services{
		Auditable:   auditable,
		ChangeLog:   usecase.NewChangeLogService(st.store, perms),
		Moderation:  usecase.NewModerationService(st.store, auditable, perms, gate),
		UDFs:        udfs,
		Permissions: perms,
		Auth:        auth,
	}
	rt.Seeder = bootstrap.NewSeeder(st.dir, perms, udfs, auth, log.Named("seed"))
	rt.Dispatcher = usecase.NewOutboxDispatcher(st.outbox, publisher, log, usecase.DispatcherConfig{
		Interval:    cfg.OutboxInterval,
		BatchSize:   cfg.OutboxBatchSize,
		MaxAttempts: cfg.OutboxMaxAttempts,
		Lanes:       cfg.OutboxLanes,
	})
	rt.Outbox = st.outbox
	return rt, nil
}

// Seed applies the configured seed file, if any.
func (rt *Runtime) Seed(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	f, err := bootstrap.LoadFile(path)
	if err != nil {
		return err
	}
	if _, err := rt.Seeder.Apply(ctx, f); err != nil {
		return fmt.Errorf("apply seed: %w", err)
	}
	return nil
}

func NewServer(ctx context.Context, cfg Config, log *zap.Logger) (*http.Server, io.Closer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	rt, err := Build(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}

	seedCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = rt.Seed(seedCtx, cfg.SeedFile)
	cancel()
	if err != nil {
		_ = rt.Close()
		return nil, nil, err
	}

	rt.Dispatcher.Start(context.Background())
	rt.closers = append(rt.closers, rt.Dispatcher)

	handler := httpapi.NewHandler(rt.Services, log.Named("http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return server, closerFunc(rt.Close), nil
}
