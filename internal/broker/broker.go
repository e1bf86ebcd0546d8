// Package broker defines the unified exchange connector contract and its four
// implementations: Delta Exchange, Binance USDⓈ-M Futures, Bybit and OKX.
//
// Every connector composes the same building blocks: a fixed-window admission
// limiter, an exchange-specific signer, a REST client and a lazily opened
// market-data stream. Exchange-native payloads and status vocabularies are
// normalized into the models package before they leave a connector.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/johnayoung/go-broker-connectors/internal/models"
	"github.com/johnayoung/go-broker-connectors/internal/ratelimit"
	"github.com/johnayoung/go-broker-connectors/internal/stream"
)

// ExchangeType selects a connector implementation
type ExchangeType string

const (
	ExchangeDelta   ExchangeType = "delta"
	ExchangeBinance ExchangeType = "binance"
	ExchangeBybit   ExchangeType = "bybit"
	ExchangeOKX     ExchangeType = "okx"
)

var exchangeAliases = map[string]ExchangeType{
	"delta":           ExchangeDelta,
	"delta-exchange":  ExchangeDelta,
	"binance":         ExchangeBinance,
	"binance-futures": ExchangeBinance,
	"binance_futures": ExchangeBinance,
	"bybit":           ExchangeBybit,
	"okx":             ExchangeOKX,
}

// ParseExchangeType resolves a user supplied exchange name
func ParseExchangeType(name string) (ExchangeType, bool) {
	t, ok := exchangeAliases[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}

// Valid reports whether t names a supported exchange
func (t ExchangeType) Valid() bool {
	_, ok := catalog[t]
	return ok
}

// SupportedExchanges lists every exchange type in a stable order
func SupportedExchanges() []ExchangeType {
	out := make([]ExchangeType, 0, len(catalog))
	for t := range catalog {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Logical endpoints used for local admission control
const (
	EndpointAccount   = "account"
	EndpointPositions = "positions"
	EndpointOrder     = "order"
	EndpointCancel    = "cancel"
	EndpointStatus    = "status"
)

// EventType distinguishes connector events
type EventType string

const (
	EventMarketData EventType = "market_data"
	EventError      EventType = "error"
)

// Event is an asynchronous connector output
type Event struct {
	Type       EventType          `json:"type"`
	Exchange   ExchangeType       `json:"exchange"`
	InstanceID string             `json:"instance_id"`
	MarketData *models.MarketData `json:"market_data,omitempty"`
	Err        error              `json:"-"`
	Time       time.Time          `json:"time"`
}

// ExchangeConnector is the unified contract implemented by every exchange
type ExchangeConnector interface {
	Type() ExchangeType
	InstanceID() string
	IsConnected() bool

	// Connect validates the credentials and opens the market-data stream.
	// On failure the connector stays disconnected.
	Connect(ctx context.Context) error
	// Disconnect closes the stream. It is idempotent.
	Disconnect() error
	// Close disconnects and wipes the key material. The connector cannot be
	// used afterwards.
	Close() error

	// ValidateCredentials returns false without an error on auth failures
	ValidateCredentials(ctx context.Context) (bool, error)
	GetAccountBalance(ctx context.Context) ([]models.AccountBalance, error)
	GetPositions(ctx context.Context) ([]models.Position, error)
	PlaceOrder(ctx context.Context, order models.TradeOrder) (*models.TradeResult, error)
	CancelOrder(ctx context.Context, orderID, symbol string) (bool, error)
	GetOrderStatus(ctx context.Context, orderID, symbol string) (*models.TradeResult, error)

	SubscribeToMarketData(ctx context.Context, symbols []string) error
	UnsubscribeFromMarketData(ctx context.Context, symbols []string) error
	// Subscriptions lists the symbols live on the current stream
	Subscriptions() []string

	HealthCheck(ctx context.Context) error
	// Events is the receive side of the connector-owned event channel
	Events() <-chan Event
}

// Info is static metadata describing an exchange
type Info struct {
	Type           ExchangeType `json:"type"`
	Name           string       `json:"name"`
	BaseURL        string       `json:"base_url"`
	WSURL          string       `json:"ws_url"`
	SandboxBaseURL string       `json:"sandbox_base_url,omitempty"`
	SandboxWSURL   string       `json:"sandbox_ws_url,omitempty"`
	Features       []string     `json:"features"`
}

// Endpoints returns the REST and WebSocket URLs for the given mode
func (i Info) Endpoints(sandbox bool) (string, string) {
	if sandbox && i.SandboxBaseURL != "" {
		return i.SandboxBaseURL, i.SandboxWSURL
	}
	return i.BaseURL, i.WSURL
}

var catalog = map[ExchangeType]Info{
	ExchangeDelta: {
		Type:           ExchangeDelta,
		Name:           "Delta Exchange",
		BaseURL:        "https://api.india.delta.exchange",
		WSURL:          "wss://socket.india.delta.exchange",
		SandboxBaseURL: "https://cdn-ind.testnet.deltaex.org",
		SandboxWSURL:   "wss://socket-ind.testnet.deltaex.org",
		Features:       []string{"futures", "perpetuals", "options", "stop_orders", "websocket", "testnet"},
	},
	ExchangeBinance: {
		Type:           ExchangeBinance,
		Name:           "Binance Futures",
		BaseURL:        "https://fapi.binance.com",
		WSURL:          "wss://fstream.binance.com/ws",
		SandboxBaseURL: "https://testnet.binancefuture.com",
		SandboxWSURL:   "wss://stream.binancefuture.com/ws",
		Features:       []string{"futures", "perpetuals", "stop_orders", "websocket", "testnet"},
	},
	ExchangeBybit: {
		Type:           ExchangeBybit,
		Name:           "Bybit",
		BaseURL:        "https://api.bybit.com",
		WSURL:          "wss://stream.bybit.com/v5/public/linear",
		SandboxBaseURL: "https://api-testnet.bybit.com",
		SandboxWSURL:   "wss://stream-testnet.bybit.com/v5/public/linear",
		Features:       []string{"futures", "perpetuals", "stop_orders", "websocket", "testnet"},
	},
	ExchangeOKX: {
		Type:           ExchangeOKX,
		Name:           "OKX",
		BaseURL:        "https://www.okx.com",
		WSURL:          "wss://ws.okx.com:8443/ws/v5/public",
		SandboxBaseURL: "https://www.okx.com",
		SandboxWSURL:   "wss://wspap.okx.com:8443/ws/v5/public",
		Features:       []string{"futures", "perpetuals", "websocket", "demo_trading"},
	},
}

// InfoFor returns the static metadata of an exchange
func InfoFor(t ExchangeType) (Info, bool) {
	info, ok := catalog[t]
	if ok {
		info.Features = append([]string(nil), info.Features...)
	}
	return info, ok
}

// Instrumentation receives connector-level measurements
type Instrumentation interface {
	ObserveRequest(exchange, path string, status int, duration time.Duration)
	RateLimited(exchange, endpoint string)
	MarketDataReceived(exchange string)
	EventDropped(exchange string)
	StreamFailed(exchange string)
}

type nopInstrumentation struct{}

func (nopInstrumentation) ObserveRequest(string, string, int, time.Duration) {}
func (nopInstrumentation) RateLimited(string, string)                        {}
func (nopInstrumentation) MarketDataReceived(string)                         {}
func (nopInstrumentation) EventDropped(string)                               {}
func (nopInstrumentation) StreamFailed(string)                               {}

// Options tunes connector construction. The zero value is usable.
type Options struct {
	Logger          *slog.Logger
	Instrumentation Instrumentation
	RateLimits      ratelimit.Policy
	Stream          stream.Config
	EventBuffer     int
	HTTPClient      *http.Client
	Clock           func() time.Time

	// BaseURL and WSURL replace the catalog endpoints. They exist for test
	// servers and egress proxies.
	BaseURL string
	WSURL   string
}

// DefaultRateLimits is the admission policy applied when Options.RateLimits
// is empty
func DefaultRateLimits() ratelimit.Policy {
	return ratelimit.Policy{
		Default: ratelimit.Limit{Requests: 20, Window: time.Minute},
		Endpoints: map[string]ratelimit.Limit{
			EndpointAccount:   {Requests: 20, Window: time.Minute},
			EndpointPositions: {Requests: 20, Window: time.Minute},
			EndpointOrder:     {Requests: 10, Window: time.Minute},
			EndpointCancel:    {Requests: 10, Window: time.Minute},
			EndpointStatus:    {Requests: 30, Window: time.Minute},
		},
	}
}

const defaultEventBuffer = 256

// New constructs the connector for t. The credentials are bound to the
// connector and must not be reused by the caller.
func New(t ExchangeType, creds models.Credentials, instanceID string, opts Options) (ExchangeConnector, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if instanceID == "" {
		instanceID = InstanceKey(t, creds)
	}

	switch t {
	case ExchangeDelta:
		return newDelta(creds, instanceID, opts)
	case ExchangeBinance:
		return newBinance(creds, instanceID, opts), nil
	case ExchangeBybit:
		return newBybit(creds, instanceID, opts), nil
	case ExchangeOKX:
		if creds.Passphrase == "" {
			return nil, &models.ValidationError{Field: "passphrase", Message: "okx credentials require a passphrase"}
		}
		return newOKX(creds, instanceID, opts), nil
	default:
		return nil, fmt.Errorf("cannot construct connector: %w", unsupported(t))
	}
}

// InstanceKey derives the default registry key of a connector
func InstanceKey(t ExchangeType, creds models.Credentials) string {
	return string(t) + ":" + creds.Fingerprint()
}
