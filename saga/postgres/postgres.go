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

	// File system migration source, required by migrate.NewWithDatabaseInstance.
	_ "github.com/golang-migrate/migrate/v4/source/file"
	// pgx stdlib driver registration.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/LerianStudio/lib-saga/saga/log"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	ErrNoPrimaryDB = errors.New("no primary database configured")

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern                      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Connection is a hub that manages the primary/replica postgres pair used by
// the saga store, the outbox, and the ledgers. Migrations run on connect.
type Connection struct {
	ConnectionStringPrimary string
	ConnectionStringReplica string
	PrimaryDBName           string
	MigrationsPath          string
	Logger                  log.Logger
	MaxOpenConnections      int
	MaxIdleConnections      int

	connectionDB dbresolver.DB
	connected    bool
	mu           sync.RWMutex
}

func (conn *Connection) initDefaults() {
	if conn.Logger == nil {
		conn.Logger = log.NewNop()
	}

	if conn.MaxOpenConnections <= 0 {
		conn.MaxOpenConnections = defaultMaxOpenConns
	}

	if conn.MaxIdleConnections <= 0 {
		conn.MaxIdleConnections = defaultMaxIdleConns
	}
}

// Connect opens the primary and replica pools, runs migrations, and pings.
func (conn *Connection) Connect(ctx context.Context) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.connectLocked(ctx)
}

func (conn *Connection) connectLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	conn.initDefaults()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if conn.connectionDB != nil {
		if err := conn.closeLocked(); err != nil {
			conn.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect", log.Err(err))
		}
	}

	conn.Logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	dbPrimary, err := sql.Open("pgx", conn.ConnectionStringPrimary)
	if err != nil {
		return fmt.Errorf("failed to connect to primary database: %s", sanitizeSensitiveError(err))
	}

	var success bool

	defer func() {
		if !success {
			dbPrimary.Close()
		}
	}()

	tunePool(dbPrimary, conn.MaxOpenConnections, conn.MaxIdleConnections)

	replicaConnString := conn.ConnectionStringReplica
	if replicaConnString == "" {
		replicaConnString = conn.ConnectionStringPrimary
	}

	dbReplica, err := sql.Open("pgx", replicaConnString)
	if err != nil {
		return fmt.Errorf("failed to connect to replica database: %s", sanitizeSensitiveError(err))
	}

	defer func() {
		if !success {
			dbReplica.Close()
		}
	}()

	tunePool(dbReplica, conn.MaxOpenConnections, conn.MaxIdleConnections)

	connectionDB := dbresolver.New(
		dbresolver.WithPrimaryDBs(dbPrimary),
		dbresolver.WithReplicaDBs(dbReplica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if conn.MigrationsPath != "" {
		migrationsPath, err := sanitizePath(conn.MigrationsPath)
		if err != nil {
			return err
		}

		if err := runMigrations(ctx, dbPrimary, migrationsPath, conn.PrimaryDBName, conn.Logger); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before ping: %w", err)
	}

	if err := connectionDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	conn.connected = true
	conn.connectionDB = connectionDB

	conn.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	success = true

	return nil
}

// GetDB returns the resolver, connecting lazily on first use.
func (conn *Connection) GetDB(ctx context.Context) (dbresolver.DB, error) {
	conn.mu.RLock()

	if conn.connectionDB != nil {
		db := conn.connectionDB
		conn.mu.RUnlock()

		return db, nil
	}

	conn.mu.RUnlock()

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.connectionDB != nil {
		return conn.connectionDB, nil
	}

	if err := conn.connectLocked(ctx); err != nil {
		return nil, err
	}

	return conn.connectionDB, nil
}

// PrimaryDB returns the first primary *sql.DB for transactional writers.
func (conn *Connection) PrimaryDB(ctx context.Context) (*sql.DB, error) {
	db, err := conn.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	primaries := db.PrimaryDBs()
	if len(primaries) == 0 || primaries[0] == nil {
		return nil, ErrNoPrimaryDB
	}

	return primaries[0], nil
}

// Close releases database connection resources.
func (conn *Connection) Close() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.closeLocked()
}

func (conn *Connection) closeLocked() error {
	if conn.connectionDB != nil {
		err := conn.connectionDB.Close()
		conn.connectionDB = nil
		conn.connected = false

		return err
	}

	return nil
}

// IsConnected reports whether the database resolver is initialized.
func (conn *Connection) IsConnected() bool {
	conn.mu.RLock()
	defer conn.mu.RUnlock()

	return conn.connected
}

func tunePool(db *sql.DB, maxOpen, maxIdle int) {
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")

	return connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
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

func runMigrations(ctx context.Context, dbPrimary *sql.DB, migrationsPath, primaryDBName string, logger log.Logger) error {
	if err := validateDBName(primaryDBName); err != nil {
		return err
	}

	sourceURL, err := url.Parse(filepath.ToSlash(migrationsPath))
	if err != nil {
		return fmt.Errorf("failed to parse migrations url: %w", err)
	}

	sourceURL.Scheme = "file"

	driver, err := migratepg.WithInstance(dbPrimary, &migratepg.Config{
		DatabaseName: primaryDBName,
		SchemaName:   "public",
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	migrator, err := migrate.NewWithDatabaseInstance(sourceURL.String(), primaryDBName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := migrator.Up(); err != nil {
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
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}
