package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/johnayoung/go-broker-connectors/internal/broker"
	"github.com/johnayoung/go-broker-connectors/internal/config"
	brokererrors "github.com/johnayoung/go-broker-connectors/internal/errors"
	"github.com/johnayoung/go-broker-connectors/internal/journal"
	"github.com/johnayoung/go-broker-connectors/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubConnector only implements what the relay touches; the embedded
// interface panics on anything else.
type stubConnector struct {
	broker.ExchangeConnector

	connected    atomic.Bool
	mu           sync.Mutex
	subscribeErr []error
	subscribed   [][]string
	unsubscribed [][]string
}

func (s *stubConnector) IsConnected() bool { return s.connected.Load() }

func (s *stubConnector) SubscribeToMarketData(ctx context.Context, symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = append(s.subscribed, symbols)
	if len(s.subscribeErr) > 0 {
		err := s.subscribeErr[0]
		s.subscribeErr = s.subscribeErr[1:]
		return err
	}
	return nil
}

func (s *stubConnector) UnsubscribeFromMarketData(ctx context.Context, symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed = append(s.unsubscribed, symbols)
	return nil
}

func (s *stubConnector) subscribeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribed)
}

type stubSource struct {
	events     chan broker.Event
	connectors map[string]*stubConnector
}

func (s *stubSource) Events() <-chan broker.Event { return s.events }

func (s *stubSource) Get(id string) (broker.ExchangeConnector, bool) {
	c, ok := s.connectors[id]
	if !ok {
		return nil, false
	}
	return c, true
}

type countingRecorder struct {
	mu      sync.Mutex
	resubOK int
	resubKO int
	writes  int
}

func (c *countingRecorder) Resubscribed(_ string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.resubOK++
	} else {
		c.resubKO++
	}
}

func (c *countingRecorder) JournalWrite(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
}

func (c *countingRecorder) snapshot() (int, int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resubOK, c.resubKO, c.writes
}

func testConfig() config.RelayConfig {
	return config.RelayConfig{
		Enabled:      true,
		Resubscribe:  true,
		JournalTicks: true,
		RetryPolicy:  config.RetryPolicyConfig{MaxAttempts: 3, InitialDelay: "1ms", MaxDelay: "5ms"},
	}
}

func newFixture(cfg config.RelayConfig) (*stubSource, *stubConnector, *countingRecorder, *journal.MemoryJournal, *Relay) {
	conn := &stubConnector{}
	conn.connected.Store(true)
	src := &stubSource{events: make(chan broker.Event, 16), connectors: map[string]*stubConnector{"okx-1": conn}}
	rec := &countingRecorder{}
	j := journal.NewMemoryJournal()
	r := New(src, cfg, WithLogger(createTestLogger()), WithRecorder(rec), WithJournal(j))
	return src, conn, rec, j, r
}

func runRelay(t *testing.T, r *Relay) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestRelay_SubscribeTracksSymbols(t *testing.T) {
	_, conn, _, _, r := newFixture(testConfig())
	ctx := context.Background()

	require.NoError(t, r.Subscribe(ctx, "okx-1", []string{"ETHUSDT", "BTCUSDT"}))
	require.NoError(t, r.Subscribe(ctx, "okx-1", []string{"BTCUSDT"}))
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, r.Desired("okx-1"))

	require.NoError(t, r.Unsubscribe(ctx, "okx-1", []string{"ETHUSDT"}))
	assert.Equal(t, []string{"BTCUSDT"}, r.Desired("okx-1"))
	assert.Len(t, conn.unsubscribed, 1)

	assert.Error(t, r.Subscribe(ctx, "missing", []string{"BTCUSDT"}))

	r.Forget("okx-1")
	assert.Empty(t, r.Desired("okx-1"))
}

func TestRelay_SubscribeFailureNotTracked(t *testing.T) {
	_, conn, _, _, r := newFixture(testConfig())
	conn.subscribeErr = []error{brokererrors.New(brokererrors.KindTimeout, "")}

	assert.Error(t, r.Subscribe(context.Background(), "okx-1", []string{"BTCUSDT"}))
	assert.Empty(t, r.Desired("okx-1"))
}

func TestRelay_JournalsMarketData(t *testing.T) {
	src, _, rec, j, r := newFixture(testConfig())
	runRelay(t, r)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src.events <- broker.Event{
		Type: broker.EventMarketData, Exchange: broker.ExchangeOKX, InstanceID: "okx-1",
		MarketData: &models.MarketData{Symbol: "BTC-USDT-SWAP", Price: 42000, Timestamp: ts},
		Time:       ts,
	}

	require.Eventually(t, func() bool {
		tick, err := j.LatestTick(context.Background(), "BTC-USDT-SWAP")
		return err == nil && tick != nil
	}, time.Second, 5*time.Millisecond)

	tick, err := j.LatestTick(context.Background(), "BTC-USDT-SWAP")
	require.NoError(t, err)
	assert.Equal(t, "okx", tick.Exchange)
	assert.Equal(t, 42000.0, tick.Data.Price)
	_, _, writes := rec.snapshot()
	assert.Equal(t, 1, writes)
}

func TestRelay_ResubscribesAfterStreamError(t *testing.T) {
	src, conn, rec, _, r := newFixture(testConfig())
	require.NoError(t, r.Subscribe(context.Background(), "okx-1", []string{"BTCUSDT"}))

	// the first reconnect attempt fails transiently
	conn.mu.Lock()
	conn.subscribeErr = []error{brokererrors.New(brokererrors.KindConnectionRefused, "")}
	conn.mu.Unlock()

	runRelay(t, r)
	src.events <- broker.Event{Type: broker.EventError, Exchange: broker.ExchangeOKX, InstanceID: "okx-1", Err: errors.New("stream closed")}

	require.Eventually(t, func() bool {
		ok, _, _ := rec.snapshot()
		return ok == 1
	}, time.Second, 5*time.Millisecond)
	// initial subscribe, one failure, one success
	assert.Equal(t, 3, conn.subscribeCalls())
	assert.Equal(t, []string{"BTCUSDT"}, conn.subscribed[2])
}

func TestRelay_ResubscribeGivesUp(t *testing.T) {
	src, conn, rec, _, r := newFixture(testConfig())
	require.NoError(t, r.Subscribe(context.Background(), "okx-1", []string{"BTCUSDT"}))

	refused := brokererrors.New(brokererrors.KindConnectionRefused, "")
	conn.mu.Lock()
	conn.subscribeErr = []error{refused, refused, refused, refused}
	conn.mu.Unlock()

	runRelay(t, r)
	src.events <- broker.Event{Type: broker.EventError, InstanceID: "okx-1", Err: errors.New("stream closed")}

	require.Eventually(t, func() bool {
		_, ko, _ := rec.snapshot()
		return ko == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1+3, conn.subscribeCalls())
}

func TestRelay_InvalidCredentialsStopRetrying(t *testing.T) {
	src, conn, rec, _, r := newFixture(testConfig())
	require.NoError(t, r.Subscribe(context.Background(), "okx-1", []string{"BTCUSDT"}))
	conn.mu.Lock()
	conn.subscribeErr = []error{brokererrors.New(brokererrors.KindInvalidCredentials, "")}
	conn.mu.Unlock()

	runRelay(t, r)
	src.events <- broker.Event{Type: broker.EventError, InstanceID: "okx-1", Err: errors.New("stream closed")}

	require.Eventually(t, func() bool {
		_, ko, _ := rec.snapshot()
		return ko == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, conn.subscribeCalls())
}

func TestRelay_SkipsDisconnectedConnectors(t *testing.T) {
	src, conn, rec, _, r := newFixture(testConfig())
	require.NoError(t, r.Subscribe(context.Background(), "okx-1", []string{"BTCUSDT"}))
	conn.connected.Store(false)

	cancel, done := runRelay(t, r)
	src.events <- broker.Event{Type: broker.EventError, InstanceID: "okx-1", Err: errors.New("stream closed")}
	// an event for an instance with nothing tracked is ignored
	src.events <- broker.Event{Type: broker.EventError, InstanceID: "other", Err: errors.New("stream closed")}

	time.Sleep(50 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	ok, ko, _ := rec.snapshot()
	assert.Zero(t, ok)
	assert.Zero(t, ko)
	assert.Equal(t, 1, conn.subscribeCalls())
}

func TestRelay_ResubscribeDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Resubscribe = false
	src, conn, _, _, r := newFixture(cfg)
	require.NoError(t, r.Subscribe(context.Background(), "okx-1", []string{"BTCUSDT"}))

	cancel, done := runRelay(t, r)
	src.events <- broker.Event{Type: broker.EventError, InstanceID: "okx-1", Err: errors.New("stream closed")}
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 1, conn.subscribeCalls())
}

func TestRelay_RunEndsWhenSourceCloses(t *testing.T) {
	src, _, _, _, r := newFixture(testConfig())
	_, done := runRelay(t, r)
	close(src.events)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after the source closed")
	}
}
