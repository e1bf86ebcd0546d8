// Package stream manages the market-data WebSocket owned by a connector. The
// socket is opened lazily by the first subscription, shared by every later
// subscription, and never reconnected automatically: a read or keepalive
// failure clears the connection and reports an error, and the next
// subscription opens a fresh one.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/johnayoung/go-broker-connectors/internal/models"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ErrClosed is returned when the stream is closed while an open is in flight
var ErrClosed = errors.New("market data stream closed")

// Codec is the exchange-specific part of a stream: framing and tick decoding
type Codec interface {
	// SubscribeFrames returns the frames that subscribe symbols to tickers
	SubscribeFrames(symbols []string) ([][]byte, error)
	// UnsubscribeFrames returns the frames that drop symbols
	UnsubscribeFrames(symbols []string) ([][]byte, error)
	// Decode returns a tick only when msg matches the ticker channel shape
	Decode(msg []byte) (models.MarketData, bool)
	// Ping returns the keepalive frame. websocket.PingMessage selects a
	// control frame.
	Ping() (messageType int, payload []byte)
}

// Sink receives stream output. Calls happen on the read goroutine.
type Sink interface {
	OnMarketData(models.MarketData)
	OnStreamError(error)
}

// Config holds the connection parameters of a stream
type Config struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	FramesPerSecond  float64
	FrameBurst       int
}

// DefaultConfig returns the defaults applied to zero fields
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     20 * time.Second,
		ReadTimeout:      90 * time.Second,
		WriteTimeout:     10 * time.Second,
		FramesPerSecond:  5,
		FrameBurst:       5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.URL)
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.FramesPerSecond <= 0 {
		c.FramesPerSecond = d.FramesPerSecond
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = d.FrameBurst
	}
	return c
}

// Stream is a lazily opened market-data WebSocket
type Stream struct {
	cfg     Config
	codec   Codec
	sink    Sink
	logger  *slog.Logger
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	opens   singleflight.Group

	mu         sync.Mutex
	conn       *websocket.Conn
	generation uint64
	subscribed map[string]struct{}

	writeMu    sync.Mutex
	handshakes atomic.Int64
}

// New creates a closed stream
func New(cfg Config, codec Codec, sink Sink, logger *slog.Logger) *Stream {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		cfg:        cfg,
		codec:      codec,
		sink:       sink,
		logger:     logger,
		dialer:     &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		limiter:    rate.NewLimiter(rate.Limit(cfg.FramesPerSecond), cfg.FrameBurst),
		subscribed: make(map[string]struct{}),
	}
}

// IsOpen reports whether a connection is currently established
func (s *Stream) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Handshakes returns how many connections the stream has opened
func (s *Stream) Handshakes() int64 {
	return s.handshakes.Load()
}

// Subscriptions returns the symbols subscribed on the current connection
func (s *Stream) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Open establishes the connection if it is not already open
func (s *Stream) Open(ctx context.Context) error {
	_, err := s.ensureOpen(ctx)
	return err
}

// Subscribe opens the connection when needed and sends the subscribe frames.
// On an open stream only the frames are sent.
func (s *Stream) Subscribe(ctx context.Context, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}

	conn, err := s.ensureOpen(ctx)
	if err != nil {
		return err
	}

	frames, err := s.codec.SubscribeFrames(symbols)
	if err != nil {
		return fmt.Errorf("failed to build subscribe frame: %w", err)
	}
	for _, frame := range frames {
		if err := s.write(ctx, conn, websocket.TextMessage, frame); err != nil {
			return fmt.Errorf("failed to send subscribe frame: %w", err)
		}
	}

	s.mu.Lock()
	if s.conn == conn {
		for _, sym := range symbols {
			s.subscribed[sym] = struct{}{}
		}
	}
	s.mu.Unlock()

	s.logger.Debug("subscribed to market data", "symbols", symbols)
	return nil
}

// Unsubscribe sends the unsubscribe frames. It is a no-op on a closed stream.
func (s *Stream) Unsubscribe(ctx context.Context, symbols []string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil || len(symbols) == 0 {
		return nil
	}

	frames, err := s.codec.UnsubscribeFrames(symbols)
	if err != nil {
		return fmt.Errorf("failed to build unsubscribe frame: %w", err)
	}
	for _, frame := range frames {
		if err := s.write(ctx, conn, websocket.TextMessage, frame); err != nil {
			return fmt.Errorf("failed to send unsubscribe frame: %w", err)
		}
	}

	s.mu.Lock()
	if s.conn == conn {
		for _, sym := range symbols {
			delete(s.subscribed, sym)
		}
	}
	s.mu.Unlock()

	s.logger.Debug("unsubscribed from market data", "symbols", symbols)
	return nil
}

// Close closes the connection if open. Closing does not emit an error event.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.generation++
	conn := s.conn
	s.conn = nil
	s.subscribed = make(map[string]struct{})
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()

	s.logger.Info("market data stream closed", "url", s.cfg.URL)
	return conn.Close()
}

func (s *Stream) ensureOpen(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	if s.conn != nil {
		conn := s.conn
		s.mu.Unlock()
		return conn, nil
	}
	s.mu.Unlock()

	ch := s.opens.DoChan("open", func() (any, error) {
		return s.open()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*websocket.Conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Stream) open() (*websocket.Conn, error) {
	s.mu.Lock()
	if s.conn != nil {
		conn := s.conn
		s.mu.Unlock()
		return conn, nil
	}
	generation := s.generation
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, s.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("market data stream dial failed: %w", err)
	}
	s.handshakes.Add(1)

	s.mu.Lock()
	if generation != s.generation {
		s.mu.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	s.conn = conn
	s.subscribed = make(map[string]struct{})
	s.mu.Unlock()

	done := make(chan struct{})
	go s.readLoop(conn, done)
	if s.cfg.PingInterval > 0 {
		go s.pingLoop(conn, done)
	}

	s.logger.Info("market data stream opened", "url", s.cfg.URL)
	return conn, nil
}

func (s *Stream) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		if s.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.fail(conn, err)
			return
		}
		if tick, ok := s.codec.Decode(msg); ok && s.sink != nil {
			s.sink.OnMarketData(tick)
		}
	}
}

func (s *Stream) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			messageType, payload := s.codec.Ping()
			var err error
			if messageType == websocket.PingMessage {
				s.writeMu.Lock()
				err = conn.WriteControl(websocket.PingMessage, payload, time.Now().Add(s.cfg.WriteTimeout))
				s.writeMu.Unlock()
			} else {
				err = s.write(context.Background(), conn, messageType, payload)
			}
			if err != nil {
				s.fail(conn, fmt.Errorf("keepalive failed: %w", err))
				return
			}
		}
	}
}

func (s *Stream) write(ctx context.Context, conn *websocket.Conn, messageType int, data []byte) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteMessage(messageType, data)
}

// fail clears conn if it is still current and reports the error. Failures on
// a connection already replaced or closed are silent.
func (s *Stream) fail(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	current := s.conn == conn
	if current {
		s.conn = nil
		s.subscribed = make(map[string]struct{})
	}
	s.mu.Unlock()

	if !current {
		return
	}
	conn.Close()

	s.logger.Warn("market data stream failed", "url", s.cfg.URL, "error", cause)
	if s.sink != nil {
		s.sink.OnStreamError(fmt.Errorf("%w: %v", ErrClosed, cause))
	}
}
