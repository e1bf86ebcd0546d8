package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Credentials are the plaintext API credentials bound to one connector.
// They are never logged; String redacts everything but a key prefix.
type Credentials struct {
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase,omitempty"`
	Sandbox    bool   `json:"sandbox,omitempty"`
}

// Validate ensures the key material is present.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return &ValidationError{Field: "api_key", Message: "api key cannot be empty"}
	}
	if strings.TrimSpace(c.APISecret) == "" {
		return &ValidationError{Field: "api_secret", Message: "api secret cannot be empty"}
	}
	return nil
}

// Fingerprint derives a stable, non-reversible identifier for the credentials.
func (c Credentials) Fingerprint() string {
	sum := sha256.Sum256([]byte(c.APIKey + "\x00" + c.APISecret + "\x00" + c.Passphrase + "\x00" + fmt.Sprint(c.Sandbox)))
	return hex.EncodeToString(sum[:8])
}

// String implements fmt.Stringer without leaking secrets.
func (c Credentials) String() string {
	prefix := c.APIKey
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	return fmt.Sprintf("Credentials{APIKey:%s****, Sandbox:%t}", prefix, c.Sandbox)
}

// AccountBalance is one asset row of a wallet. Total is always Free+Locked.
type AccountBalance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
	Total  float64 `json:"total"`
}

// NewAccountBalance builds a balance row computing the total in decimal
// arithmetic so that the invariant holds on the float fields.
func NewAccountBalance(asset string, free, locked decimal.Decimal) AccountBalance {
	total := free.Add(locked)
	return AccountBalance{
		Asset:  asset,
		Free:   free.InexactFloat64(),
		Locked: locked.InexactFloat64(),
		Total:  total.InexactFloat64(),
	}
}

// IsEmpty reports whether the row carries no funds.
func (b AccountBalance) IsEmpty() bool {
	return b.Total <= 0
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Position is a normalized open derivatives position. Size is always positive;
// direction lives in Side.
type Position struct {
	Symbol     string       `json:"symbol"`
	Side       PositionSide `json:"side"`
	Size       float64      `json:"size"`
	EntryPrice float64      `json:"entry_price"`
	MarkPrice  float64      `json:"mark_price"`
	PnL        float64      `json:"pnl"`
	Percentage float64      `json:"percentage"`
}

// SideFromSignedSize derives the side from a signed exchange size and returns
// the absolute size.
func SideFromSignedSize(size decimal.Decimal) (PositionSide, decimal.Decimal) {
	if size.IsNegative() {
		return PositionShort, size.Abs()
	}
	return PositionLong, size
}

// MarketData is a normalized ticker event.
type MarketData struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Change24h float64   `json:"change_24h"`
	Volume24h float64   `json:"volume_24h"`
	Timestamp time.Time `json:"timestamp"`
}
