package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/johnayoung/go-broker-connectors/internal/models"
	"github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"
)

// DuckDBJournal stores records in a DuckDB database file. Ticks are written
// with the Appender API, orders with plain inserts.
type DuckDBJournal struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewDuckDBJournal opens the database at dbPath. ":memory:" or an empty path
// opens an in-memory database.
func NewDuckDBJournal(dbPath string, logger *slog.Logger) (*DuckDBJournal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath == ":memory:" {
		dbPath = ""
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, newError("open", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBJournal{
		db:     db,
		dbPath: dbPath,
		logger: logger.With("component", "journal"),
	}, nil
}

// Initialize brings the schema to the latest migration
func (d *DuckDBJournal) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger.Info("initializing DuckDB journal", "db_path", d.dbPath)
	if err := NewMigrationManager(d.db, d.logger).MigrateToLatest(ctx); err != nil {
		return newError("initialize", "", err)
	}
	return nil
}

// Migrations exposes the migration manager over this database
func (d *DuckDBJournal) Migrations() *MigrationManager {
	return NewMigrationManager(d.db, d.logger)
}

func (d *DuckDBJournal) conn() (*sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, fmt.Errorf("database connection is closed")
	}
	return d.db, nil
}

func (d *DuckDBJournal) RecordOrder(ctx context.Context, rec OrderRecord) error {
	if err := rec.normalize(time.Now().UTC()); err != nil {
		return newError("record_order", "orders", err)
	}
	db, err := d.conn()
	if err != nil {
		return newError("record_order", "orders", err)
	}

	var fees sql.NullString
	if rec.Result.Fees != nil {
		fees = sql.NullString{String: decimal.NewFromFloat(*rec.Result.Fees).String(), Valid: true}
	}

	const query = `
		INSERT INTO orders (id, instance_id, exchange, action, order_id, client_order_id, symbol, side,
			quantity, price, status, order_time, fees, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	r := rec.Result
	if _, err := db.ExecContext(ctx, query,
		rec.ID, rec.InstanceID, rec.Exchange, string(rec.Action), r.OrderID, r.ClientOrderID, r.Symbol,
		string(r.Side), r.Quantity, r.Price, string(r.Status), r.Timestamp.UTC(), fees, rec.RecordedAt.UTC(),
	); err != nil {
		return newError("record_order", "orders", err)
	}

	d.logger.Debug("order journaled", "instance_id", rec.InstanceID, "order_id", r.OrderID, "action", string(rec.Action))
	return nil
}

func (d *DuckDBJournal) RecordTick(ctx context.Context, rec TickRecord) error {
	if err := rec.normalize(time.Now().UTC()); err != nil {
		return newError("record_tick", "ticks", err)
	}
	db, err := d.conn()
	if err != nil {
		return newError("record_tick", "ticks", err)
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return newError("record_tick", "ticks", fmt.Errorf("failed to get connection: %w", err))
	}
	defer conn.Close()

	return conn.Raw(func(dc any) error {
		driverConn, ok := dc.(*duckdb.Conn)
		if !ok {
			return newError("record_tick", "ticks", fmt.Errorf("underlying connection is not a DuckDB connection"))
		}
		appender, err := duckdb.NewAppenderFromConn(driverConn, "", "ticks")
		if err != nil {
			return newError("record_tick", "ticks", fmt.Errorf("failed to create appender: %w", err))
		}
		defer appender.Close()

		md := rec.Data
		if err := appender.AppendRow(
			rec.InstanceID, rec.Exchange, md.Symbol, md.Price, md.Change24h, md.Volume24h,
			md.Timestamp.UTC(), rec.ReceivedAt.UTC(),
		); err != nil {
			return newError("record_tick", "ticks", fmt.Errorf("failed to append row: %w", err))
		}
		if err := appender.Flush(); err != nil {
			return newError("record_tick", "ticks", fmt.Errorf("failed to flush appender: %w", err))
		}
		return nil
	})
}

func (d *DuckDBJournal) Orders(ctx context.Context, instanceID string) ([]OrderRecord, error) {
	db, err := d.conn()
	if err != nil {
		return nil, newError("orders", "orders", err)
	}

	const query = `
		SELECT id, instance_id, exchange, action, order_id, COALESCE(client_order_id, ''), symbol, side,
			quantity, price, status, order_time, fees, recorded_at
		FROM orders
		WHERE instance_id = $1
		ORDER BY recorded_at, id`
	rows, err := db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, newError("orders", "orders", err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var (
			rec                  OrderRecord
			action, side, status string
			fees                 sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.InstanceID, &rec.Exchange, &action, &rec.Result.OrderID,
			&rec.Result.ClientOrderID, &rec.Result.Symbol, &side, &rec.Result.Quantity, &rec.Result.Price,
			&status, &rec.Result.Timestamp, &fees, &rec.RecordedAt); err != nil {
			return nil, newError("orders", "orders", fmt.Errorf("failed to scan row: %w", err))
		}
		rec.Action = OrderAction(action)
		rec.Result.Side = models.OrderSide(side)
		rec.Result.Status = models.OrderStatus(status)
		if fees.Valid {
			f, err := decimal.NewFromString(fees.String)
			if err != nil {
				return nil, newError("orders", "orders", fmt.Errorf("invalid fees %q: %w", fees.String, err))
			}
			v := f.InexactFloat64()
			rec.Result.Fees = &v
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, newError("orders", "orders", err)
	}
	if out == nil {
		out = []OrderRecord{}
	}
	return out, nil
}

func (d *DuckDBJournal) LatestTick(ctx context.Context, symbol string) (*TickRecord, error) {
	db, err := d.conn()
	if err != nil {
		return nil, newError("latest_tick", "ticks", err)
	}

	const query = `
		SELECT instance_id, exchange, symbol, price, change_24h, volume_24h, tick_time, received_at
		FROM ticks
		WHERE symbol = $1
		ORDER BY tick_time DESC, received_at DESC
		LIMIT 1`
	var rec TickRecord
	err = db.QueryRowContext(ctx, query, symbol).Scan(&rec.InstanceID, &rec.Exchange, &rec.Data.Symbol,
		&rec.Data.Price, &rec.Data.Change24h, &rec.Data.Volume24h, &rec.Data.Timestamp, &rec.ReceivedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, newError("latest_tick", "ticks", err)
	}
	return &rec, nil
}

func (d *DuckDBJournal) HealthCheck(ctx context.Context) error {
	db, err := d.conn()
	if err != nil {
		return err
	}
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return newError("health_check", "", err)
	}
	return nil
}

func (d *DuckDBJournal) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	d.logger.Info("DuckDB journal closed")
	return err
}
