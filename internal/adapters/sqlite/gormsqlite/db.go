package gormsqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
	gormdriver "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

type DB struct {
	R *gorm.DB
	W *gorm.DB
}

type Tx struct {
	*gorm.DB
}

type cbfn func(tx *Tx) error

func (db *DB) ReadTX(ctx context.Context, fn cbfn) error {
	return db.R.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Tx{DB: tx})
	}, &sql.TxOptions{ReadOnly: true})
}

func (db *DB) WriteTX(ctx context.Context, fn cbfn) error {
	return db.W.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Tx{DB: tx})
	})
}

func (db *DB) WriteSQLDB() (*sql.DB, error) {
	return db.W.DB()
}

func (db *DB) Close() error {
	var firstErr error
	closeOne := func(g *gorm.DB) {
		if g == nil {
			return
		}
		sqlDB, err := g.DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		if err := sqlDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	closeOne(db.R)
	closeOne(db.W)
	return firstErr
}

var _ io.Closer = (*DB)(nil)

// Option adjusts how Open configures the two pools.
type Option func(*options)

type options struct {
	log  *zap.Logger
	slow time.Duration
}

// WithLogger sends gorm's slow-query and error reports to log. Without it
// gorm logging stays silent.
func WithLogger(log *zap.Logger, slow time.Duration) Option {
	return func(o *options) {
		o.log = log
		if slow > 0 {
			o.slow = slow
		}
	}
}

// zapWriter adapts a zap logger to gorm's logger.Writer.
type zapWriter struct {
	log *zap.SugaredLogger
}

func (w zapWriter) Printf(format string, args ...any) {
	w.log.Warnf(format, args...)
}

func gormLogger(o options) logger.Interface {
	cfg := logger.Config{
		SlowThreshold:             o.slow,
		LogLevel:                  logger.Silent,
		IgnoreRecordNotFoundError: true,
		ParameterizedQueries:      true,
		Colorful:                  false,
	}
	if o.log == nil {
		return logger.New(log.New(os.Stdout, "\r\n", log.LstdFlags), cfg)
	}
	cfg.LogLevel = logger.Warn
	return logger.New(zapWriter{log: o.log.Named("gorm").Sugar()}, cfg)
}

// Open opens a reader pool and a single-connection writer on the same
// file. Pragmas travel in the DSN so every pooled connection gets them.
func Open(file string, opts ...Option) (*DB, error) {
	o := options{slow: time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	newLogger := gormLogger(o)

	reader, err := gorm.Open(gormdriver.Dialector{DriverName: "sqlite", DSN: buildDSN(file, true)}, &gorm.Config{
		PrepareStmt: true,
		Logger:      newLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("open read db: %w", err)
	}

	writer, err := gorm.Open(gormdriver.Dialector{DriverName: "sqlite", DSN: buildDSN(file, false)}, &gorm.Config{
		PrepareStmt: true,
		Logger:      newLogger,
	})
	if err != nil {
		_ = closeGORM(reader)
		return nil, fmt.Errorf("open write db: %w", err)
	}

	rdb, err := reader.DB()
	if err != nil {
		_ = closeGORM(reader)
		_ = closeGORM(writer)
		return nil, fmt.Errorf("reader sql db: %w", err)
	}
	wdb, err := writer.DB()
	if err != nil {
		_ = closeGORM(reader)
		_ = closeGORM(writer)
		return nil, fmt.Errorf("writer sql db: %w", err)
	}

	rdb.SetMaxOpenConns(runtime.NumCPU())
	rdb.SetMaxIdleConns(runtime.NumCPU())
	rdb.SetConnMaxLifetime(0)
	rdb.SetConnMaxIdleTime(0)

	wdb.SetMaxOpenConns(1)
	wdb.SetMaxIdleConns(1)
	wdb.SetConnMaxLifetime(0)
	wdb.SetConnMaxIdleTime(0)

	return &DB{R: reader, W: writer}, nil
}

func buildDSN(file string, readOnly bool) string {
	pragmas := []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"temp_store(MEMORY)",
		"cache_size(-20000)",
		"foreign_keys(1)",
		"busy_timeout(5000)",
		"trusted_schema(OFF)",
	}
	if readOnly {
		pragmas = append(pragmas, "query_only(1)")
	} else {
		pragmas = append(pragmas, "query_only(0)")
	}
	params := url.Values{}
	for _, p := range pragmas {
		params.Add("_pragma", p)
	}
	if !readOnly {
		// take the write lock at BEGIN instead of on first write
		params.Set("_txlock", "immediate")
	}
	// url.Values escapes parentheses; the driver accepts them unescaped
	q := strings.NewReplacer("%28", "(", "%29", ")").Replace(params.Encode())
	return "file:" + file + "?" + q
}

func closeGORM(g *gorm.DB) error {
	if g == nil {
		return nil
	}
	sqlDB, err := g.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
