// Package relay consumes the registry's event fan-in on behalf of the host. It
// journals market data and re-establishes subscriptions after a stream breaks,
// since connectors never reconnect on their own.
package relay

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/johnayoung/go-broker-connectors/internal/broker"
	"github.com/johnayoung/go-broker-connectors/internal/config"
	brokererrors "github.com/johnayoung/go-broker-connectors/internal/errors"
	"github.com/johnayoung/go-broker-connectors/internal/journal"
)

// Source is the part of the registry the relay depends on
type Source interface {
	Events() <-chan broker.Event
	Get(instanceID string) (broker.ExchangeConnector, bool)
}

// Recorder receives relay measurements
type Recorder interface {
	Resubscribed(exchange string, ok bool)
	JournalWrite(kind string)
}

type nopRecorder struct{}

func (nopRecorder) Resubscribed(string, bool) {}
func (nopRecorder) JournalWrite(string)       {}

// Option configures a Relay
type Option func(*Relay)

// WithLogger sets the relay logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) { r.logger = logger }
}

// WithRecorder sets the metrics recorder
func WithRecorder(rec Recorder) Option {
	return func(r *Relay) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// WithJournal sets where market data is recorded
func WithJournal(j journal.Journal) Option {
	return func(r *Relay) { r.journal = j }
}

// Relay drives the host side of the event stream. Desired subscriptions are
// tracked per instance so they survive a stream failure.
type Relay struct {
	source   Source
	journal  journal.Journal
	recorder Recorder
	cfg      config.RelayConfig
	policy   brokererrors.RetryPolicy
	logger   *slog.Logger

	mu       sync.Mutex
	desired  map[string]map[string]struct{}
	inflight map[string]bool
	wg       sync.WaitGroup
}

// New creates a relay reading from source
func New(source Source, cfg config.RelayConfig, opts ...Option) *Relay {
	r := &Relay{
		source:   source,
		recorder: nopRecorder{},
		cfg:      cfg,
		policy:   cfg.RetryPolicy.Policy(),
		desired:  make(map[string]map[string]struct{}),
		inflight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "relay")
	return r
}

// Subscribe subscribes symbols on an instance and remembers them for
// resubscription
func (r *Relay) Subscribe(ctx context.Context, instanceID string, symbols []string) error {
	c, ok := r.source.Get(instanceID)
	if !ok {
		return brokererrors.New(brokererrors.KindGeneric, "unknown instance "+instanceID)
	}
	if err := c.SubscribeToMarketData(ctx, symbols); err != nil {
		return err
	}

	r.mu.Lock()
	set := r.desired[instanceID]
	if set == nil {
		set = make(map[string]struct{})
		r.desired[instanceID] = set
	}
	for _, sym := range symbols {
		set[sym] = struct{}{}
	}
	r.mu.Unlock()
	return nil
}

// Unsubscribe drops symbols from an instance and from the tracked set
func (r *Relay) Unsubscribe(ctx context.Context, instanceID string, symbols []string) error {
	r.mu.Lock()
	if set := r.desired[instanceID]; set != nil {
		for _, sym := range symbols {
			delete(set, sym)
		}
	}
	r.mu.Unlock()

	c, ok := r.source.Get(instanceID)
	if !ok {
		return nil
	}
	return c.UnsubscribeFromMarketData(ctx, symbols)
}

// Forget stops tracking an instance
func (r *Relay) Forget(instanceID string) {
	r.mu.Lock()
	delete(r.desired, instanceID)
	r.mu.Unlock()
}

// Desired returns the tracked symbols of an instance, sorted
func (r *Relay) Desired(instanceID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.desired[instanceID]))
	for sym := range r.desired[instanceID] {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Run processes events until ctx is cancelled or the source channel closes.
// In-flight resubscriptions are awaited before it returns.
func (r *Relay) Run(ctx context.Context) error {
	events := r.source.Events()
	defer r.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Relay) handle(ctx context.Context, ev broker.Event) {
	switch ev.Type {
	case broker.EventMarketData:
		if ev.MarketData == nil || !r.cfg.JournalTicks || r.journal == nil {
			return
		}
		err := r.journal.RecordTick(ctx, journal.TickRecord{
			InstanceID: ev.InstanceID,
			Exchange:   string(ev.Exchange),
			Data:       *ev.MarketData,
			ReceivedAt: ev.Time,
		})
		if err != nil {
			r.logger.Warn("failed to journal tick", "instance_id", ev.InstanceID, "symbol", ev.MarketData.Symbol, "error", err)
			return
		}
		r.recorder.JournalWrite("tick")

	case broker.EventError:
		r.logger.Warn("connector stream error", "instance_id", ev.InstanceID, "exchange", string(ev.Exchange), "error", ev.Err)
		if !r.cfg.Resubscribe {
			return
		}
		r.mu.Lock()
		if r.inflight[ev.InstanceID] {
			r.mu.Unlock()
			return
		}
		r.inflight[ev.InstanceID] = true
		r.mu.Unlock()

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer func() {
				r.mu.Lock()
				delete(r.inflight, ev.InstanceID)
				r.mu.Unlock()
			}()
			r.resubscribe(ctx, ev.InstanceID, ev.Exchange)
		}()
	}
}

// resubscribe reopens the stream of one instance with its tracked symbols.
// Evicted or disconnected connectors and credential failures end the attempt.
func (r *Relay) resubscribe(ctx context.Context, instanceID string, exchange broker.ExchangeType) {
	symbols := r.Desired(instanceID)
	if len(symbols) == 0 {
		return
	}

	strategy := r.policy.BackOff(ctx)

	logger := r.logger.With("instance_id", instanceID, "exchange", string(exchange))
	start := time.Now()
	tries := 0
	err := backoff.Retry(func() error {
		tries++
		c, ok := r.source.Get(instanceID)
		if !ok || !c.IsConnected() {
			return backoff.Permanent(errStopped)
		}
		err := c.SubscribeToMarketData(ctx, symbols)
		if err == nil {
			return nil
		}
		if brokererrors.IsKind(err, brokererrors.KindInvalidCredentials) {
			return backoff.Permanent(err)
		}
		logger.Warn("resubscribe attempt failed", "attempt", tries, "max_attempts", r.policy.MaxAttempts, "error", err)
		return err
	}, strategy)

	switch {
	case err == nil:
		r.recorder.Resubscribed(string(exchange), true)
		logger.Info("market data resubscribed", "symbols", symbols, "attempts", tries, "duration", time.Since(start))
	case err == errStopped:
		logger.Debug("connector gone, resubscribe skipped")
	default:
		r.recorder.Resubscribed(string(exchange), false)
		logger.Error("resubscribe gave up", "attempts", tries, "error", err)
	}
}

var errStopped = brokererrors.New(brokererrors.KindGeneric, "connector is no longer connected")
