// Package postgres provides the database connection hub: a primary plus
// read-replica pair behind a round-robin resolver, with schema migrations
// applied on connect. The outbox repository draws its transactions from
// the primary through this hub.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/shopfabric/lib-eventbus/eventbus/log"

	// File source for migration scripts.
	_ "github.com/golang-migrate/migrate/v4/source/file"
	// Register the pgx stdlib driver under "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	dbOpenFn = sql.Open

	createResolverFn = func(primaryDB, replicaDB *sql.DB) (_ dbresolver.DB, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("failed to create resolver: %v", recovered)
			}
		}()

		connectionDB := dbresolver.New(
			dbresolver.WithPrimaryDBs(primaryDB),
			dbresolver.WithReplicaDBs(replicaDB),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		)

		if connectionDB == nil {
			return nil, errors.New("resolver returned nil connection")
		}

		return connectionDB, nil
	}

	runMigrationsFn = runMigrations

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern                      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Connection is a hub that owns the primary and replica database handles.
type Connection struct {
	ConnectionStringPrimary string
	ConnectionStringReplica string
	PrimaryDBName           string
	Component               string
	MigrationsPath          string
	AllowMultiStatements    bool
	Logger                  log.Logger
	MaxOpenConnections      int
	MaxIdleConnections      int

	connectionDB dbresolver.DB
	primaryDB    *sql.DB
	connected    bool
	mu           sync.RWMutex
}

func (pc *Connection) initDefaults() {
	if pc.Logger == nil {
		pc.Logger = &log.NopLogger{}
	}

	if pc.MaxOpenConnections <= 0 {
		pc.MaxOpenConnections = defaultMaxOpenConns
	}

	if pc.MaxIdleConnections <= 0 {
		pc.MaxIdleConnections = defaultMaxIdleConns
	}
}

// Connect opens both database handles, runs pending migrations on the
// primary, and verifies connectivity with a ping.
func (pc *Connection) Connect(ctxs ...context.Context) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	ctx := contextFrom(ctxs...)

	return pc.connectLocked(ctx)
}

// connectLocked performs the actual connection. Caller must hold the
// write lock.
func (pc *Connection) connectLocked(ctx context.Context) error {
	ctx = contextFrom(ctx)

	pc.initDefaults()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if pc.connectionDB != nil {
		if err := pc.closeLocked(); err != nil {
			pc.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect", log.Err(err))
		}
	}

	pc.Logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	dbPrimary, err := dbOpenFn("pgx", pc.ConnectionStringPrimary)
	if err != nil {
		sanitizedErr := sanitizeSensitiveError(err)
		pc.Logger.Log(ctx, log.LevelError, "failed to connect to primary database", log.String("error_detail", sanitizedErr))

		return fmt.Errorf("failed to connect to primary database: %s", sanitizedErr)
	}

	// Ensure primary is cleaned up if anything downstream fails.
	var success bool

	defer func() {
		if !success {
			dbPrimary.Close()
		}
	}()

	applyPoolSettings(dbPrimary, pc.MaxOpenConnections, pc.MaxIdleConnections)

	dbReplica, err := dbOpenFn("pgx", pc.ConnectionStringReplica)
	if err != nil {
		sanitizedErr := sanitizeSensitiveError(err)
		pc.Logger.Log(ctx, log.LevelError, "failed to connect to replica database", log.String("error_detail", sanitizedErr))

		return fmt.Errorf("failed to connect to replica database: %s", sanitizedErr)
	}

	defer func() {
		if !success {
			dbReplica.Close()
		}
	}()

	applyPoolSettings(dbReplica, pc.MaxOpenConnections, pc.MaxIdleConnections)

	connectionDB, err := createResolverFn(dbPrimary, dbReplica)
	if err != nil {
		pc.Logger.Log(ctx, log.LevelError, "failed to create resolver", log.Err(err))

		return fmt.Errorf("failed to create resolver: %w", err)
	}

	migrationsPath, err := pc.getMigrationsPath()
	if err != nil {
		pc.Logger.Log(ctx, log.LevelError, "failed to resolve migrations path", log.Err(err))

		return err
	}

	if err := runMigrationsFn(ctx, dbPrimary, migrationsPath, pc.PrimaryDBName, pc.AllowMultiStatements, pc.Logger); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before ping: %w", err)
	}

	if err := connectionDB.PingContext(ctx); err != nil {
		pc.Logger.Log(ctx, log.LevelError, "failed to ping database", log.Err(err))

		return fmt.Errorf("failed to ping database: %w", err)
	}

	pc.connected = true
	pc.connectionDB = connectionDB
	pc.primaryDB = dbPrimary

	pc.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	success = true

	return nil
}

// GetDB returns the resolver handle, connecting first when necessary.
// Writes route to the primary, reads round-robin across replicas.
func (pc *Connection) GetDB(ctxs ...context.Context) (dbresolver.DB, error) {
	ctx := contextFrom(ctxs...)

	pc.mu.RLock()

	if pc.connectionDB != nil {
		db := pc.connectionDB
		pc.mu.RUnlock()

		return db, nil
	}

	pc.mu.RUnlock()

	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.connectionDB != nil {
		return pc.connectionDB, nil
	}

	if err := pc.connectLocked(ctx); err != nil {
		return nil, err
	}

	return pc.connectionDB, nil
}

// GetPrimaryDB returns the primary handle directly. Outbox transactions
// must run here: the insert has to share the transaction with the domain
// write, and a replica would reject it.
func (pc *Connection) GetPrimaryDB(ctxs ...context.Context) (*sql.DB, error) {
	ctx := contextFrom(ctxs...)

	pc.mu.RLock()

	if pc.primaryDB != nil {
		db := pc.primaryDB
		pc.mu.RUnlock()

		return db, nil
	}

	pc.mu.RUnlock()

	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.primaryDB != nil {
		return pc.primaryDB, nil
	}

	if err := pc.connectLocked(ctx); err != nil {
		return nil, err
	}

	return pc.primaryDB, nil
}

// Close releases database connection resources.
func (pc *Connection) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	return pc.closeLocked()
}

func (pc *Connection) closeLocked() error {
	if pc.connectionDB != nil {
		err := pc.connectionDB.Close()
		pc.connectionDB = nil
		pc.primaryDB = nil
		pc.connected = false

		return err
	}

	return nil
}

// IsConnected reports whether the database resolver is initialized.
func (pc *Connection) IsConnected() bool {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	return pc.connected
}

// getMigrationsPath returns the path to migration files, deriving it from
// the component name when not explicitly provided.
func (pc *Connection) getMigrationsPath() (string, error) {
	if pc.MigrationsPath != "" {
		return sanitizePath(pc.MigrationsPath)
	}

	// filepath.Base strips directory components, so "../../etc" becomes
	// "etc" and cannot escape the components tree.
	sanitized := filepath.Base(pc.Component)
	if sanitized == "." || sanitized == string(filepath.Separator) {
		return "", fmt.Errorf("invalid component name: %q", pc.Component)
	}

	calculatedPath, err := filepath.Abs(filepath.Join("components", sanitized, "migrations"))
	if err != nil {
		return "", fmt.Errorf("failed to resolve migrations filepath: %w", err)
	}

	return calculatedPath, nil
}

func applyPoolSettings(db *sql.DB, maxOpen, maxIdle int) {
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)
}

func contextFrom(ctxs ...context.Context) context.Context {
	if len(ctxs) == 0 || ctxs[0] == nil {
		return context.Background()
	}

	return ctxs[0]
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	parts := strings.Split(cleaned, string(filepath.Separator))

	for _, part := range parts {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	return absPath, nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}

func runMigrations(
	ctx context.Context,
	dbPrimary *sql.DB,
	migrationsPath, primaryDBName string,
	allowMultiStatements bool,
	logger log.Logger,
) error {
	if err := validateDBName(primaryDBName); err != nil {
		logger.Log(ctx, log.LevelError, "invalid primary database name", log.Err(err))

		return err
	}

	sourceURL, err := url.Parse(filepath.ToSlash(migrationsPath))
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to parse migrations url", log.Err(err))

		return fmt.Errorf("failed to parse migrations url: %w", err)
	}

	sourceURL.Scheme = "file"

	primaryDriver, err := migratepg.WithInstance(dbPrimary, &migratepg.Config{
		MultiStatementEnabled: allowMultiStatements,
		DatabaseName:          primaryDBName,
		SchemaName:            "public",
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to create postgres driver instance", log.Err(err))

		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL.String(), primaryDBName, primaryDriver)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to create migration instance", log.Err(err))

		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, log.LevelInfo, "no new migrations found, skipping")

			return nil
		}

		if errors.Is(err, os.ErrNotExist) {
			logger.Log(ctx, log.LevelWarn, "no migration files found, skipping migration step")

			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			logger.Log(ctx, log.LevelError, "migration failed on dirty database version",
				log.Int("version", dirtyErr.Version))

			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		logger.Log(ctx, log.LevelError, "migration failed", log.Err(err))

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}
