// Package registry creates, caches and tears down exchange connectors keyed by
// instance id, and fans their events into one channel.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/go-broker-connectors/internal/broker"
	brokererrors "github.com/johnayoung/go-broker-connectors/internal/errors"
	"github.com/johnayoung/go-broker-connectors/internal/models"
	"golang.org/x/sync/singleflight"
)

const (
	defaultEventBuffer = 1024

	// connectTimeout bounds a shared connect: credential probe plus stream handshake
	connectTimeout = 30 * time.Second
)

// Factory constructs a connector. broker.New is the production factory.
type Factory func(t broker.ExchangeType, creds models.Credentials, instanceID string, opts broker.Options) (broker.ExchangeConnector, error)

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the registry logger. Connectors inherit it unless
// WithConnectorOptions supplies another one.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithConnectorOptions sets the options every new connector is built with
func WithConnectorOptions(opts broker.Options) Option {
	return func(r *Registry) { r.connectorOpts = opts }
}

// WithFactory replaces the connector constructor
func WithFactory(f Factory) Option {
	return func(r *Registry) { r.factory = f }
}

// WithEventBuffer sets the capacity of the fan-in channel
func WithEventBuffer(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.eventBuffer = n
		}
	}
}

type entry struct {
	connector broker.ExchangeConnector
	done      chan struct{}
}

// Registry is a keyed connector cache. It is safe for concurrent use.
type Registry struct {
	logger        *slog.Logger
	factory       Factory
	connectorOpts broker.Options
	eventBuffer   int
	events        chan broker.Event
	connects      singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{
		factory:     broker.New,
		eventBuffer: defaultEventBuffer,
		entries:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.connectorOpts.Logger == nil {
		r.connectorOpts.Logger = r.logger
	}
	r.logger = r.logger.With("component", "registry")
	r.events = make(chan broker.Event, r.eventBuffer)
	return r
}

// GetOrCreate returns the connector cached under instanceID, constructing it
// on first use. An empty instanceID derives "<exchange>:<fingerprint>".
func (r *Registry) GetOrCreate(t broker.ExchangeType, creds models.Credentials, instanceID string) (broker.ExchangeConnector, error) {
	if !t.Valid() {
		return nil, brokererrors.Unsupported(string(t))
	}
	if instanceID == "" {
		instanceID = broker.InstanceKey(t, creds)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[instanceID]; ok {
		if e.connector.Type() != t {
			return nil, fmt.Errorf("instance %s is bound to %s, not %s", instanceID, e.connector.Type(), t)
		}
		return e.connector, nil
	}

	c, err := r.factory(t, creds, instanceID, r.connectorOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s connector: %w", t, err)
	}

	e := &entry{connector: c, done: make(chan struct{})}
	r.entries[instanceID] = e
	go r.forward(e)

	r.logger.Info("connector created", "exchange", string(t), "instance_id", instanceID)
	return c, nil
}

// Get returns a cached connector
func (r *Registry) Get(instanceID string) (broker.ExchangeConnector, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[instanceID]
	if !ok {
		return nil, false
	}
	return e.connector, true
}

// Connect fetches or creates the connector and connects it. Concurrent calls
// for the same instance share one connect attempt.
func (r *Registry) Connect(ctx context.Context, t broker.ExchangeType, creds models.Credentials, instanceID string) (broker.ExchangeConnector, error) {
	c, err := r.GetOrCreate(t, creds, instanceID)
	if err != nil {
		return nil, err
	}
	if c.IsConnected() {
		return c, nil
	}

	// the shared attempt outlives any single caller's cancellation
	ch := r.connects.DoChan(c.InstanceID(), func() (any, error) {
		if c.IsConnected() {
			return nil, nil
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), connectTimeout)
		defer cancel()
		return nil, c.Connect(cctx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			r.logger.Warn("connector connect failed", "instance_id", c.InstanceID(), "error", res.Err)
			return nil, res.Err
		}
		return c, nil
	}
}

// Disconnect closes and evicts one connector. Unknown ids are a no-op.
func (r *Registry) Disconnect(instanceID string) error {
	r.mu.Lock()
	e, ok := r.entries[instanceID]
	if ok {
		delete(r.entries, instanceID)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	close(e.done)
	if err := e.connector.Close(); err != nil {
		r.logger.Warn("connector close failed", "instance_id", instanceID, "error", err)
		return err
	}
	r.logger.Info("connector removed", "instance_id", instanceID)
	return nil
}

// DisconnectAll closes every connector concurrently and empties the cache.
// One failure never stops the others; the result maps each id to its error.
func (r *Registry) DisconnectAll(ctx context.Context) map[string]error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	results := make(map[string]error, len(entries))
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for id, e := range entries {
		wg.Add(1)
		go func(id string, e *entry) {
			defer wg.Done()
			close(e.done)
			err := e.connector.Close()
			if err != nil {
				r.logger.Warn("connector close failed", "instance_id", id, "error", err)
			}
			rmu.Lock()
			results[id] = err
			rmu.Unlock()
		}(id, e)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		rmu.Lock()
		for id := range entries {
			if _, ok := results[id]; !ok {
				results[id] = ctx.Err()
			}
		}
		out := make(map[string]error, len(results))
		for id, err := range results {
			out[id] = err
		}
		rmu.Unlock()
		r.logger.Warn("shutdown interrupted before every connector closed", "error", ctx.Err())
		return out
	}

	r.logger.Info("all connectors disconnected", "count", len(entries))
	return results
}

// HealthCheckAll probes every connector concurrently
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]bool {
	snapshot := r.snapshot()

	results := make(map[string]bool, len(snapshot))
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for id, c := range snapshot {
		wg.Add(1)
		go func(id string, c broker.ExchangeConnector) {
			defer wg.Done()
			err := c.HealthCheck(ctx)
			if err != nil {
				r.logger.Warn("health check failed", "instance_id", id, "error", err)
			}
			rmu.Lock()
			results[id] = err == nil
			rmu.Unlock()
		}(id, c)
	}
	wg.Wait()
	return results
}

// Events is the fan-in of every cached connector's events
func (r *Registry) Events() <-chan broker.Event {
	return r.events
}

// SupportedBrokers lists the exchanges a connector can be built for
func (r *Registry) SupportedBrokers() []broker.ExchangeType {
	return broker.SupportedExchanges()
}

// BrokerInfo returns the static metadata of an exchange
func (r *Registry) BrokerInfo(t broker.ExchangeType) (broker.Info, error) {
	info, ok := broker.InfoFor(t)
	if !ok {
		return broker.Info{}, brokererrors.Unsupported(string(t))
	}
	return info, nil
}

// ConnectedBrokers lists the instance ids whose connector is connected
func (r *Registry) ConnectedBrokers() []string {
	var ids []string
	for id, c := range r.snapshot() {
		if c.IsConnected() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of cached connectors
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) snapshot() map[string]broker.ExchangeConnector {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]broker.ExchangeConnector, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.connector
	}
	return out
}

// forward relays one connector's events until it is evicted. Events that do
// not fit into the fan-in buffer are dropped.
func (r *Registry) forward(e *entry) {
	src := e.connector.Events()
	for {
		select {
		case <-e.done:
			return
		case ev := <-src:
			select {
			case <-e.done:
				return
			default:
			}
			if ev.InstanceID == "" {
				ev.InstanceID = e.connector.InstanceID()
			}
			if ev.Exchange == "" {
				ev.Exchange = e.connector.Type()
			}
			select {
			case r.events <- ev:
			default:
				r.logger.Warn("registry event buffer full, dropping event",
					"instance_id", ev.InstanceID, "type", string(ev.Type))
			}
		}
	}
}
