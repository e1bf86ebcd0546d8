// Package journal persists the normalized results that leave the connectors:
// order acknowledgements and lookups, and market-data ticks. Connectors never
// write here themselves; the host and the relay do.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/johnayoung/go-broker-connectors/internal/config"
	"github.com/johnayoung/go-broker-connectors/internal/models"
)

// OrderAction names the call that produced an order record
type OrderAction string

const (
	ActionPlace  OrderAction = "place"
	ActionCancel OrderAction = "cancel"
	ActionStatus OrderAction = "status"
)

// OrderRecord is one journaled order result
type OrderRecord struct {
	ID         string             `json:"id"`
	InstanceID string             `json:"instance_id"`
	Exchange   string             `json:"exchange"`
	Action     OrderAction        `json:"action"`
	Result     models.TradeResult `json:"result"`
	RecordedAt time.Time          `json:"recorded_at"`
}

// TickRecord is one journaled market-data update
type TickRecord struct {
	InstanceID string            `json:"instance_id"`
	Exchange   string            `json:"exchange"`
	Data       models.MarketData `json:"data"`
	ReceivedAt time.Time         `json:"received_at"`
}

// Journal is the persistence contract shared by every backend
type Journal interface {
	// RecordOrder appends an order record. Empty ID and RecordedAt are filled.
	RecordOrder(ctx context.Context, rec OrderRecord) error
	// RecordTick appends a tick. An empty ReceivedAt is filled.
	RecordTick(ctx context.Context, rec TickRecord) error
	// Orders returns the records of one instance, oldest first
	Orders(ctx context.Context, instanceID string) ([]OrderRecord, error)
	// LatestTick returns the newest tick for symbol, or nil when none exists
	LatestTick(ctx context.Context, symbol string) (*TickRecord, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// Error wraps a backend failure with the operation and table involved
type Error struct {
	Operation string
	Table     string
	Err       error
}

func (e *Error) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("journal %s on %s: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("journal %s: %v", e.Operation, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(operation, table string, err error) *Error {
	return &Error{Operation: operation, Table: table, Err: err}
}

// Open builds and initializes the backend named by cfg
func Open(ctx context.Context, cfg config.JournalConfig, logger *slog.Logger) (Journal, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryJournal(), nil
	case "duckdb":
		j, err := NewDuckDBJournal(cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		if err := j.Initialize(ctx); err != nil {
			_ = j.Close()
			return nil, err
		}
		return j, nil
	default:
		return nil, fmt.Errorf("unknown journal type %q", cfg.Type)
	}
}

func (rec *OrderRecord) normalize(now time.Time) error {
	if rec.InstanceID == "" {
		return fmt.Errorf("order record requires an instance id")
	}
	if rec.Result.OrderID == "" {
		return fmt.Errorf("order record requires an order id")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = now
	}
	return nil
}

func (rec *TickRecord) normalize(now time.Time) error {
	if rec.Data.Symbol == "" {
		return fmt.Errorf("tick requires a symbol")
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = now
	}
	return nil
}
