package broker

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	brokererrors "github.com/johnayoung/go-broker-connectors/internal/errors"
	"github.com/johnayoung/go-broker-connectors/internal/models"
	"github.com/johnayoung/go-broker-connectors/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCreds = models.Credentials{APIKey: "test-key", APISecret: "test-secret", Passphrase: "test-pass"}

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// restMock routes requests by "METHOD /path" and counts hits
type restMock struct {
	*httptest.Server
	mu     sync.Mutex
	routes map[string]http.HandlerFunc
	hits   map[string]int
}

func newRESTMock(t *testing.T) *restMock {
	m := &restMock{routes: map[string]http.HandlerFunc{}, hits: map[string]int{}}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		m.mu.Lock()
		m.hits[key]++
		h, ok := m.routes[key]
		m.mu.Unlock()
		if !ok {
			t.Logf("unexpected request %s", key)
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(m.Close)
	return m
}

func (m *restMock) handle(method, path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[method+" "+path] = h
}

func (m *restMock) json(method, path string, status int, body string) {
	m.handle(method, path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	})
}

func (m *restMock) count(method, path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[method+" "+path]
}

// wsMock upgrades connections, records text frames and replays scripted
// pushes after every frame containing "subscribe"
type wsMock struct {
	*httptest.Server
	handshakes atomic.Int32
	mu         sync.Mutex
	frames     []string
	pushes     []string
}

func newWSMock(t *testing.T, pushes ...string) *wsMock {
	m := &wsMock{pushes: pushes}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.handshakes.Add(1)
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			m.mu.Lock()
			m.frames = append(m.frames, string(msg))
			m.mu.Unlock()
			if strings.Contains(strings.ToLower(string(msg)), `subscribe"`) && !strings.Contains(strings.ToLower(string(msg)), "unsubscribe") {
				for _, p := range m.pushes {
					_ = conn.WriteMessage(websocket.TextMessage, []byte(p))
				}
			}
		}
	}))
	t.Cleanup(m.Close)
	return m
}

func (m *wsMock) url() string {
	return strings.Replace(m.URL, "http://", "ws://", 1)
}

func (m *wsMock) sentFrames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.frames...)
}

func testOptions(baseURL, wsURL string) Options {
	return Options{
		Logger:  createTestLogger(),
		BaseURL: baseURL,
		WSURL:   wsURL,
		Stream:  stream.Config{PingInterval: 0, FramesPerSecond: 100, FrameBurst: 10},
	}
}

func newTestConnector(t *testing.T, ex ExchangeType, baseURL, wsURL string) ExchangeConnector {
	t.Helper()
	c, err := New(ex, testCreds, "", testOptions(baseURL, wsURL))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitEvent(t *testing.T, c ExchangeConnector) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connector event")
		return Event{}
	}
}

func TestParseExchangeType(t *testing.T) {
	tests := []struct {
		in   string
		want ExchangeType
		ok   bool
	}{
		{"delta", ExchangeDelta, true},
		{"Binance-Futures", ExchangeBinance, true},
		{" BYBIT ", ExchangeBybit, true},
		{"okx", ExchangeOKX, true},
		{"kraken", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseExchangeType(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCatalog(t *testing.T) {
	assert.Equal(t, []ExchangeType{ExchangeBinance, ExchangeBybit, ExchangeDelta, ExchangeOKX}, SupportedExchanges())

	info, ok := InfoFor(ExchangeBinance)
	require.True(t, ok)
	assert.Equal(t, "https://fapi.binance.com", info.BaseURL)
	assert.Equal(t, "wss://fstream.binance.com/ws", info.WSURL)
	assert.Contains(t, info.Features, "websocket")

	base, ws := info.Endpoints(true)
	assert.Equal(t, "https://testnet.binancefuture.com", base)
	assert.Equal(t, "wss://stream.binancefuture.com/ws", ws)

	info.Features[0] = "mutated"
	fresh, _ := InfoFor(ExchangeBinance)
	assert.NotEqual(t, "mutated", fresh.Features[0])

	_, ok = InfoFor("kraken")
	assert.False(t, ok)
	assert.False(t, ExchangeType("kraken").Valid())
	assert.True(t, ExchangeOKX.Valid())
}

func TestNew(t *testing.T) {
	t.Run("unsupported exchange", func(t *testing.T) {
		_, err := New("kraken", testCreds, "", Options{})
		require.Error(t, err)
		assert.True(t, brokererrors.IsKind(err, brokererrors.KindUnsupportedExchange))
	})

	t.Run("missing credentials", func(t *testing.T) {
		_, err := New(ExchangeBinance, models.Credentials{}, "", Options{})
		require.Error(t, err)
	})

	t.Run("okx requires passphrase", func(t *testing.T) {
		creds := testCreds
		creds.Passphrase = ""
		_, err := New(ExchangeOKX, creds, "", Options{})
		var verr *models.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "passphrase", verr.Field)
	})

	t.Run("derived instance id", func(t *testing.T) {
		c, err := New(ExchangeBybit, testCreds, "", Options{Logger: createTestLogger()})
		require.NoError(t, err)
		defer c.Close()
		assert.Equal(t, "bybit:"+testCreds.Fingerprint(), c.InstanceID())
		assert.Equal(t, ExchangeBybit, c.Type())
		assert.False(t, c.IsConnected())
	})

	t.Run("explicit instance id", func(t *testing.T) {
		c, err := New(ExchangeDelta, testCreds, "desk-1", Options{Logger: createTestLogger()})
		require.NoError(t, err)
		defer c.Close()
		assert.Equal(t, "desk-1", c.InstanceID())
	})
}

func TestStatusTables(t *testing.T) {
	tables := map[ExchangeType]struct {
		table    models.StatusTable
		expected map[string]models.OrderStatus
	}{
		ExchangeDelta: {deltaStatuses, map[string]models.OrderStatus{
			"open": models.StatusPending, "pending": models.StatusPending,
			"filled": models.StatusFilled, "closed": models.StatusFilled,
			"cancelled": models.StatusCancelled, "rejected": models.StatusRejected,
		}},
		ExchangeBinance: {binanceStatuses, map[string]models.OrderStatus{
			"NEW": models.StatusPending, "PARTIALLY_FILLED": models.StatusPending,
			"FILLED": models.StatusFilled, "CANCELED": models.StatusCancelled,
			"EXPIRED": models.StatusCancelled, "REJECTED": models.StatusRejected,
		}},
		ExchangeBybit: {bybitStatuses, map[string]models.OrderStatus{
			"New": models.StatusPending, "PartiallyFilled": models.StatusPending,
			"Filled": models.StatusFilled, "Cancelled": models.StatusCancelled,
			"Rejected": models.StatusCancelled, "Deactivated": models.StatusRejected,
		}},
		ExchangeOKX: {okxStatuses, map[string]models.OrderStatus{
			"live": models.StatusPending, "partially_filled": models.StatusPending,
			"filled": models.StatusFilled, "canceled": models.StatusCancelled,
			"rejected": models.StatusRejected,
		}},
	}

	for ex, tc := range tables {
		t.Run(string(ex), func(t *testing.T) {
			assert.Len(t, tc.table, len(tc.expected))
			for native, want := range tc.expected {
				assert.Equal(t, want, tc.table.Normalize(native), native)
			}
			assert.Equal(t, models.StatusPending, tc.table.Normalize("UNKNOWN_STATE"))
		})
	}
}

func TestConnector_SubscribeOpensStreamOnce(t *testing.T) {
	ws := newWSMock(t, `{"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT","c":"65000.5","P":"1.25","v":"1000","p":"800","C":1700000000001}`)
	c := newTestConnector(t, ExchangeBinance, "http://127.0.0.1:1", ws.url())

	require.NoError(t, c.SubscribeToMarketData(context.Background(), []string{"BTCUSDT"}))
	ev := waitEvent(t, c)
	require.Equal(t, EventMarketData, ev.Type)
	assert.Equal(t, ExchangeBinance, ev.Exchange)
	assert.Equal(t, c.InstanceID(), ev.InstanceID)
	assert.Equal(t, "BTCUSDT", ev.MarketData.Symbol)
	assert.Equal(t, 65000.5, ev.MarketData.Price)
	assert.Equal(t, 1.25, ev.MarketData.Change24h)

	require.NoError(t, c.SubscribeToMarketData(context.Background(), []string{"ETHUSDT"}))
	waitEvent(t, c)

	assert.Equal(t, int32(1), ws.handshakes.Load())
	frames := ws.sentFrames()
	require.Len(t, frames, 2)
	assert.JSONEq(t, `{"method":"SUBSCRIBE","params":["btcusdt@ticker"],"id":1}`, frames[0])
	assert.JSONEq(t, `{"method":"SUBSCRIBE","params":["ethusdt@ticker"],"id":2}`, frames[1])
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, c.Subscriptions())
}

func TestConnector_UnsubscribeWithoutStreamIsNoop(t *testing.T) {
	ws := newWSMock(t)
	c := newTestConnector(t, ExchangeBybit, "http://127.0.0.1:1", ws.url())

	require.NoError(t, c.UnsubscribeFromMarketData(context.Background(), []string{"BTCUSDT"}))
	assert.Equal(t, int32(0), ws.handshakes.Load())
}

func TestConnector_StreamFailureEmitsError(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, _, _ = conn.ReadMessage()
		conn.Close()
	}))
	defer server.Close()

	c := newTestConnector(t, ExchangeOKX, "http://127.0.0.1:1", strings.Replace(server.URL, "http://", "ws://", 1))
	require.NoError(t, c.SubscribeToMarketData(context.Background(), []string{"BTCUSDT"}))

	ev := waitEvent(t, c)
	assert.Equal(t, EventError, ev.Type)
	assert.ErrorIs(t, ev.Err, stream.ErrClosed)
	assert.Empty(t, c.Subscriptions())
}

func TestConnector_ConnectAndDisconnect(t *testing.T) {
	api := newRESTMock(t)
	api.json(http.MethodGet, "/fapi/v2/balance", 200, `[]`)
	ws := newWSMock(t)
	c := newTestConnector(t, ExchangeBinance, api.URL, ws.url())

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
	assert.Equal(t, int32(1), ws.handshakes.Load())

	// idempotent
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, api.count(http.MethodGet, "/fapi/v2/balance"))

	require.NoError(t, c.Disconnect())
	assert.False(t, c.IsConnected())
	require.NoError(t, c.Disconnect())
	assert.False(t, c.IsConnected())
}

func TestConnector_ConnectRejectsBadCredentials(t *testing.T) {
	api := newRESTMock(t)
	api.json(http.MethodGet, "/fapi/v2/balance", 401, `{"code":-2015,"msg":"Invalid API-key"}`)
	ws := newWSMock(t)
	c := newTestConnector(t, ExchangeBinance, api.URL, ws.url())

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, brokererrors.IsKind(err, brokererrors.KindInvalidCredentials))
	assert.False(t, c.IsConnected())
	assert.Equal(t, int32(0), ws.handshakes.Load())
}

func TestConnector_ConnectStreamFailureLeavesDisconnected(t *testing.T) {
	api := newRESTMock(t)
	api.json(http.MethodGet, "/fapi/v2/balance", 200, `[]`)
	c := newTestConnector(t, ExchangeBinance, api.URL, "ws://127.0.0.1:1/ws")

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, c.IsConnected())
}

func TestConnector_EventBufferDropsWhenFull(t *testing.T) {
	ws := newWSMock(t,
		`{"topic":"tickers.BTCUSDT","ts":1,"data":{"symbol":"BTCUSDT","lastPrice":"1"}}`,
		`{"topic":"tickers.BTCUSDT","ts":2,"data":{"symbol":"BTCUSDT","lastPrice":"2"}}`,
		`{"topic":"tickers.BTCUSDT","ts":3,"data":{"symbol":"BTCUSDT","lastPrice":"3"}}`,
	)
	opts := testOptions("http://127.0.0.1:1", ws.url())
	opts.EventBuffer = 1
	c, err := New(ExchangeBybit, testCreds, "", opts)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SubscribeToMarketData(context.Background(), []string{"BTCUSDT"}))
	ev := waitEvent(t, c)
	assert.Equal(t, 1.0, ev.MarketData.Price)

	select {
	case extra := <-c.Events():
		// a later tick may land once the buffer drained
		assert.Equal(t, EventMarketData, extra.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClientOrderID(t *testing.T) {
	a := clientOrderID(32)
	b := clientOrderID(32)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
	assert.Len(t, clientOrderID(10), 10)
}
