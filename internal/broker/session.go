package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	brokererrors "github.com/johnayoung/go-broker-connectors/internal/errors"
	"github.com/johnayoung/go-broker-connectors/internal/models"
	"github.com/johnayoung/go-broker-connectors/internal/ratelimit"
	"github.com/johnayoung/go-broker-connectors/internal/rest"
	"github.com/johnayoung/go-broker-connectors/internal/signing"
	"github.com/johnayoung/go-broker-connectors/internal/stream"
)

// session is the plumbing shared by the four connectors: one REST client,
// one limiter, at most one live stream and the connector-owned event channel.
type session struct {
	exchange   ExchangeType
	instanceID string
	logger     *slog.Logger
	metrics    Instrumentation
	signer     signing.Signer
	client     *rest.Client
	limiter    *ratelimit.FixedWindow
	stream     *stream.Stream
	errs       *brokererrors.Handler
	events     chan Event
	now        func() time.Time
	connected  atomic.Bool
}

type sessionParams struct {
	exchange   ExchangeType
	instanceID string
	sandbox    bool
	signer     signing.Signer
	codec      stream.Codec
	headers    map[string]string
}

func newSession(p sessionParams, opts Options) *session {
	info := catalog[p.exchange]
	baseURL, wsURL := info.Endpoints(p.sandbox)
	if opts.BaseURL != "" {
		baseURL = opts.BaseURL
	}
	if opts.WSURL != "" {
		wsURL = opts.WSURL
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("exchange", string(p.exchange), "instance_id", p.instanceID)

	metrics := opts.Instrumentation
	if metrics == nil {
		metrics = nopInstrumentation{}
	}

	policy := opts.RateLimits
	if policy.Default.Requests == 0 && len(policy.Endpoints) == 0 {
		policy = DefaultRateLimits()
	}

	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}

	restOpts := []rest.Option{
		rest.WithLogger(logger),
		rest.WithObserver(metrics),
		rest.WithClock(now),
	}
	if opts.HTTPClient != nil {
		restOpts = append(restOpts, rest.WithHTTPClient(opts.HTTPClient))
	}
	for k, v := range p.headers {
		restOpts = append(restOpts, rest.WithHeader(k, v))
	}

	s := &session{
		exchange:   p.exchange,
		instanceID: p.instanceID,
		logger:     logger,
		metrics:    metrics,
		signer:     p.signer,
		client:     rest.NewClient(string(p.exchange), baseURL, p.signer, restOpts...),
		limiter:    ratelimit.New(ratelimit.WithPolicy(policy)),
		errs:       brokererrors.NewHandler(string(p.exchange), logger),
		events:     make(chan Event, buffer),
		now:        now,
	}

	streamCfg := opts.Stream
	streamCfg.URL = wsURL
	s.stream = stream.New(streamCfg, p.codec, s, logger.With("component", "stream"))
	return s
}

func (s *session) Type() ExchangeType   { return s.exchange }
func (s *session) InstanceID() string   { return s.instanceID }
func (s *session) IsConnected() bool    { return s.connected.Load() }
func (s *session) Events() <-chan Event { return s.events }

// Subscriptions lists the symbols live on the current stream
func (s *session) Subscriptions() []string { return s.stream.Subscriptions() }

// guard runs the local admission check for endpoint
func (s *session) guard(endpoint string) error {
	if s.limiter.Allow(endpoint) {
		return nil
	}
	s.metrics.RateLimited(string(s.exchange), endpoint)
	s.logger.Warn("request denied by local rate limit", "endpoint", endpoint)
	return brokererrors.RateLimited(string(s.exchange), endpoint)
}

// call performs an admission-checked REST call and classifies failures
func (s *session) call(ctx context.Context, endpoint, operation string, req rest.Request, out any) error {
	if err := s.guard(endpoint); err != nil {
		return err
	}
	if err := s.client.Do(ctx, req, out); err != nil {
		return s.errs.HandleError(err, operation)
	}
	return nil
}

// fail classifies an error raised outside of call, such as a rejected
// exchange envelope
func (s *session) fail(err error, operation string) error {
	return s.errs.HandleError(err, operation)
}

// validate runs probe and folds auth failures into false
func (s *session) validate(ctx context.Context, probe func(context.Context) error) (bool, error) {
	err := probe(ctx)
	switch {
	case err == nil:
		return true, nil
	case brokererrors.IsKind(err, brokererrors.KindInvalidCredentials):
		s.logger.Info("credential validation failed")
		return false, nil
	default:
		return false, err
	}
}

// connect validates the credentials and opens the stream
func (s *session) connect(ctx context.Context, validate func(context.Context) (bool, error)) error {
	if s.connected.Load() {
		return nil
	}

	ok, err := validate(ctx)
	if err != nil {
		return err
	}
	if !ok {
		e := brokererrors.New(brokererrors.KindInvalidCredentials, "")
		e.Exchange = string(s.exchange)
		e.Operation = "connect"
		return e
	}

	if err := s.stream.Open(ctx); err != nil {
		return s.errs.HandleError(err, "connect")
	}

	s.connected.Store(true)
	s.logger.Info("connector connected")
	return nil
}

// Disconnect closes the stream and marks the connector disconnected
func (s *session) Disconnect() error {
	wasConnected := s.connected.Swap(false)
	err := s.stream.Close()
	s.client.CloseIdleConnections()
	if wasConnected {
		s.logger.Info("connector disconnected")
	}
	return err
}

// Close disconnects and wipes the key material
func (s *session) Close() error {
	err := s.Disconnect()
	s.signer.Wipe()
	return err
}

// SubscribeToMarketData lazily opens the stream and subscribes symbols
func (s *session) SubscribeToMarketData(ctx context.Context, symbols []string) error {
	if err := s.stream.Subscribe(ctx, symbols); err != nil {
		return s.errs.HandleError(err, "subscribeToMarketData")
	}
	return nil
}

// UnsubscribeFromMarketData drops symbols. It is a no-op on a closed stream.
func (s *session) UnsubscribeFromMarketData(ctx context.Context, symbols []string) error {
	if err := s.stream.Unsubscribe(ctx, symbols); err != nil {
		return s.errs.HandleError(err, "unsubscribeFromMarketData")
	}
	return nil
}

// ping probes a public endpoint
func (s *session) ping(ctx context.Context, req rest.Request) error {
	if err := s.client.Do(ctx, req, nil); err != nil {
		return s.errs.HandleError(err, "healthCheck")
	}
	return nil
}

// OnMarketData implements stream.Sink
func (s *session) OnMarketData(md models.MarketData) {
	s.metrics.MarketDataReceived(string(s.exchange))
	s.emit(Event{Type: EventMarketData, MarketData: &md})
}

// OnStreamError implements stream.Sink
func (s *session) OnStreamError(err error) {
	s.metrics.StreamFailed(string(s.exchange))
	s.emit(Event{Type: EventError, Err: err})
}

// emit delivers ev without blocking the read loop; a full buffer drops it
func (s *session) emit(ev Event) {
	ev.Exchange = s.exchange
	ev.InstanceID = s.instanceID
	ev.Time = s.now()
	select {
	case s.events <- ev:
	default:
		s.metrics.EventDropped(string(s.exchange))
		s.logger.Warn("event buffer full, dropping event", "type", string(ev.Type))
	}
}

// clientOrderID returns a fresh client order id trimmed to maxLen characters
func clientOrderID(maxLen int) string {
	id := uuid.New()
	hexID := fmt.Sprintf("%x", id[:])
	if maxLen > 0 && len(hexID) > maxLen {
		hexID = hexID[:maxLen]
	}
	return hexID
}

// apiError is an exchange-level rejection delivered with a 2xx response.
// status maps the exchange code onto the HTTP status it is equivalent to so
// the error handler classifies it like a transport failure.
type apiError struct {
	exchange ExchangeType
	code     string
	message  string
	status   int
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s api error %s: %s", e.exchange, e.code, e.message)
}

func (e *apiError) HTTPStatus() int {
	return e.status
}

func unsupported(t ExchangeType) error {
	return brokererrors.Unsupported(string(t))
}

func timeInForceOrDefault(tif models.TimeInForce) models.TimeInForce {
	if tif == "" {
		return models.TimeInForceGTC
	}
	return tif
}
