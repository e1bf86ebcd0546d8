package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Migration is one versioned schema change
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
	Down        func(ctx context.Context, tx *sql.Tx) error
}

// MigrationStatus summarizes the schema state
type MigrationStatus struct {
	CurrentVersion    int                `json:"current_version"`
	LatestVersion     int                `json:"latest_version"`
	PendingMigrations int                `json:"pending_migrations"`
	Applied           []AppliedMigration `json:"applied"`
}

// AppliedMigration is a row of schema_migrations
type AppliedMigration struct {
	Version       int           `json:"version"`
	Description   string        `json:"description"`
	AppliedAt     time.Time     `json:"applied_at"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// MigrationManager applies and rolls back journal schema migrations
type MigrationManager struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations []Migration
}

// NewMigrationManager creates a manager over the built-in migrations
func NewMigrationManager(db *sql.DB, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MigrationManager{
		db:         db,
		logger:     logger,
		migrations: journalMigrations(),
	}
}

func (m *MigrationManager) ensureTable(ctx context.Context) error {
	const query = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			execution_time BIGINT NOT NULL DEFAULT 0
		)`
	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// LatestVersion is the highest known migration version
func (m *MigrationManager) LatestVersion() int {
	if len(m.migrations) == 0 {
		return 0
	}
	return m.migrations[len(m.migrations)-1].Version
}

// MigrateToLatest applies every pending migration
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	return m.Migrate(ctx, m.LatestVersion())
}

// Migrate applies pending migrations up to targetVersion
func (m *MigrationManager) Migrate(ctx context.Context, targetVersion int) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}

	current, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}
	if current >= targetVersion {
		m.logger.Debug("journal schema up to date", "version", current)
		return nil
	}

	applied := 0
	for _, mig := range m.migrations {
		if mig.Version <= current || mig.Version > targetVersion {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", mig.Version, err)
		}
		applied++
	}

	m.logger.Info("journal migrations applied", "from", current, "to", targetVersion, "count", applied)
	return nil
}

// Rollback reverts migrations above targetVersion, newest first
func (m *MigrationManager) Rollback(ctx context.Context, targetVersion int) error {
	current, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}

	for i := len(m.migrations) - 1; i >= 0; i-- {
		mig := m.migrations[i]
		if mig.Version <= targetVersion || mig.Version > current {
			continue
		}
		if err := m.revert(ctx, mig); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", mig.Version, err)
		}
	}
	return nil
}

// Status reports the applied and pending migrations
func (m *MigrationManager) Status(ctx context.Context) (*MigrationStatus, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	current, err := m.currentVersion(ctx)
	if err != nil {
		return nil, err
	}
	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	pending := 0
	for _, mig := range m.migrations {
		if mig.Version > current {
			pending++
		}
	}
	return &MigrationStatus{
		CurrentVersion:    current,
		LatestVersion:     m.LatestVersion(),
		PendingMigrations: pending,
		Applied:           applied,
	}, nil
}

func (m *MigrationManager) apply(ctx context.Context, mig Migration) error {
	start := time.Now()
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := mig.Up(ctx, tx); err != nil {
		return fmt.Errorf("migration execution failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, description, applied_at, execution_time) VALUES ($1, $2, $3, $4)`,
		mig.Version, mig.Description, start.UTC(), time.Since(start).Nanoseconds()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	m.logger.Debug("migration applied", "version", mig.Version, "description", mig.Description, "duration", time.Since(start))
	return nil
}

func (m *MigrationManager) revert(ctx context.Context, mig Migration) error {
	if mig.Down == nil {
		return fmt.Errorf("migration %d has no rollback function", mig.Version)
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start rollback transaction: %w", err)
	}
	defer tx.Rollback()

	if err := mig.Down(ctx, tx); err != nil {
		return fmt.Errorf("rollback execution failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = $1", mig.Version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback: %w", err)
	}

	m.logger.Info("migration rolled back", "version", mig.Version)
	return nil
}

func (m *MigrationManager) currentVersion(ctx context.Context) (int, error) {
	var version int
	if err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

func (m *MigrationManager) appliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT version, description, applied_at, execution_time FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var (
			a    AppliedMigration
			nsec int64
		)
		if err := rows.Scan(&a.Version, &a.Description, &a.AppliedAt, &nsec); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		a.ExecutionTime = time.Duration(nsec)
		out = append(out, a)
	}
	return out, rows.Err()
}

func execAll(ctx context.Context, tx *sql.Tx, statements ...string) error {
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func journalMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "create orders table",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				return execAll(ctx, tx, `
					CREATE TABLE IF NOT EXISTS orders (
						id VARCHAR PRIMARY KEY,
						instance_id VARCHAR NOT NULL,
						exchange VARCHAR NOT NULL,
						action VARCHAR NOT NULL CHECK (action IN ('place', 'cancel', 'status')),
						order_id VARCHAR NOT NULL,
						client_order_id VARCHAR,
						symbol VARCHAR NOT NULL,
						side VARCHAR NOT NULL,
						quantity DOUBLE NOT NULL,
						price DOUBLE NOT NULL,
						status VARCHAR NOT NULL,
						order_time TIMESTAMPTZ NOT NULL,
						fees VARCHAR,
						recorded_at TIMESTAMPTZ NOT NULL
					)`)
			},
			Down: func(ctx context.Context, tx *sql.Tx) error {
				return execAll(ctx, tx, "DROP TABLE IF EXISTS orders")
			},
		},
		{
			Version:     2,
			Description: "create ticks table",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				return execAll(ctx, tx, `
					CREATE TABLE IF NOT EXISTS ticks (
						instance_id VARCHAR NOT NULL,
						exchange VARCHAR NOT NULL,
						symbol VARCHAR NOT NULL,
						price DOUBLE NOT NULL,
						change_24h DOUBLE NOT NULL,
						volume_24h DOUBLE NOT NULL,
						tick_time TIMESTAMPTZ NOT NULL,
						received_at TIMESTAMPTZ NOT NULL
					)`)
			},
			Down: func(ctx context.Context, tx *sql.Tx) error {
				return execAll(ctx, tx, "DROP TABLE IF EXISTS ticks")
			},
		},
		{
			Version:     3,
			Description: "add lookup indexes",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				return execAll(ctx, tx,
					"CREATE INDEX IF NOT EXISTS idx_orders_instance ON orders (instance_id, recorded_at)",
					"CREATE INDEX IF NOT EXISTS idx_ticks_symbol_time ON ticks (symbol, tick_time)",
				)
			},
			Down: func(ctx context.Context, tx *sql.Tx) error {
				return execAll(ctx, tx,
					"DROP INDEX IF EXISTS idx_orders_instance",
					"DROP INDEX IF EXISTS idx_ticks_symbol_time",
				)
			},
		},
	}
}
