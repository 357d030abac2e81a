package vbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// SettledHeaders is the one-time discovery result.
type SettledHeaders struct {
	Time    time.Time     `json:"time"`
	Headers []string      `json:"headers"`
	Fields  []PacketField `json:"fields"`
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Config is the loaded bridge configuration.
	Config *Config

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Connector is the bus daemon connection.
	Connector Connector

	// Decoder turns headers into named fields.
	Decoder FieldDecoder

	// Listeners receive every snapshot of the header consolidator
	// (recorder, telemetry). Optional.
	Listeners []SnapshotListener

	// Metrics is optional.
	Metrics *Metrics

	// Logger is optional structured logger.
	Logger Logger

	// Version is reported in health messages.
	Version string
}

// Bridge wires the bus connection to MQTT.
//
// Every header from the connector goes to the settling detector and to one
// consolidator per cadence: the header consolidator feeds recorder and
// telemetry listeners, the publish consolidator feeds the Publisher. Writes
// arrive through the Writer. Run returns when the context is cancelled or
// when either transport is lost.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg     *Config
	mqtt    MQTTClient
	conn    Connector
	decoder FieldDecoder
	fields  *FieldMap
	metrics *Metrics

	arbiter   *Arbiter
	accessor  *Accessor
	detector  *SettlingDetector
	headers   *Consolidator
	outbound  *Consolidator // nil when publishing is disabled
	publisher *Publisher    // nil when publishing is disabled
	writer    *Writer       // nil when publishing is disabled
	health    *HealthReporter

	settled   *SettledHeaders
	settledMu sync.RWMutex

	transportLost chan error
	lostOnce      sync.Once
	running       atomic.Bool

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge creates a new bridge instance.
// Call Run to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Connector == nil {
		return nil, fmt.Errorf("bus connector is required")
	}
	if opts.Decoder == nil {
		return nil, fmt.Errorf("field decoder is required")
	}

	cfg := opts.Config
	b := &Bridge{
		cfg:           cfg,
		mqtt:          opts.MQTTClient,
		conn:          opts.Connector,
		decoder:       opts.Decoder,
		fields:        cfg.FieldMap(),
		metrics:       opts.Metrics,
		transportLost: make(chan error, 1),
		logger:        opts.Logger,
	}

	b.arbiter = NewArbiter(cfg.ArbiterConfig(opts.Connector, opts.Metrics))
	b.accessor = NewAccessor(cfg.AccessorConfig(opts.Connector, opts.Metrics))
	b.detector = NewSettlingDetector(b.handleSettled)

	b.headers = NewConsolidator(ConsolidatorConfig{
		Name:     "headers",
		Interval: cfg.GetHeadersInterval(),
		TTL:      cfg.GetHeadersTTL(),
		Metrics:  opts.Metrics,
	})
	b.headers.AddListener(SnapshotFunc(b.logSnapshot))
	for _, l := range opts.Listeners {
		if l != nil {
			b.headers.AddListener(l)
		}
	}

	if cfg.GetPublishInterval() > 0 {
		if err := b.setupPublishing(); err != nil {
			return nil, err
		}
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  cfg.Bridge.ID,
		Version:   opts.Version,
		RootTopic: cfg.Publish.RootTopic,
		Address:   cfg.Bus.Connection,
		Interval:  cfg.GetHealthInterval(),
		Publisher: opts.MQTTClient,
		Connector: opts.Connector,
		Bus:       b.busStatus,
	})

	if opts.Logger != nil {
		b.SetLogger(opts.Logger)
	}

	return b, nil
}

// setupPublishing creates the publish consolidator, publisher and writer.
func (b *Bridge) setupPublishing() error {
	cfg := b.cfg
	qos := byte(cfg.Publish.QoS) //nolint:gosec // validated 0-2

	publisher, err := NewPublisher(PublisherConfig{
		RootTopic: cfg.Publish.RootTopic,
		Encoding:  Encoding(cfg.Publish.Encoding),
		QoS:       qos,
		Retain:    cfg.Publish.Retain,
		Client:    b.mqtt,
		Fields:    b.fields,
		Decoder:   b.decoder,
		Arbiter:   b.arbiter,
		Accessor:  b.accessor,
		Metrics:   b.metrics,
	})
	if err != nil {
		return fmt.Errorf("creating publisher: %w", err)
	}

	writer, err := NewWriter(WriterConfig{
		RootTopic: cfg.Publish.RootTopic,
		QoS:       qos,
		Fields:    b.fields,
		Arbiter:   b.arbiter,
		Accessor:  b.accessor,
		Publisher: publisher,
		Metrics:   b.metrics,
	})
	if err != nil {
		return fmt.Errorf("creating writer: %w", err)
	}

	b.outbound = NewConsolidator(ConsolidatorConfig{
		Name:     "publish",
		Interval: cfg.GetPublishInterval(),
		TTL:      cfg.GetHeadersTTL(),
		Metrics:  b.metrics,
	})
	b.outbound.AddListener(publisher)
	b.publisher = publisher
	b.writer = writer
	return nil
}

// Run operates the bridge until ctx is cancelled or a transport is lost.
// A lost transport is returned as an error wrapping ErrTransport.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return fmt.Errorf("bridge already running")
	}
	defer b.running.Store(false)

	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	if b.writer != nil {
		if _, err := b.writer.Subscribe(b.mqtt); err != nil {
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.ingest(gctx) })
	g.Go(func() error { return b.headers.Run(gctx) })
	if b.outbound != nil {
		g.Go(func() error { return b.outbound.Run(gctx) })
		g.Go(func() error { return b.writer.Run(gctx) })
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-b.transportLost:
			return err
		}
	})

	b.health.Start(gctx)

	b.logInfo("bridge started",
		"bridge_id", b.cfg.Bridge.ID,
		"values", len(b.fields.Values()),
		"header_keys", len(b.fields.Header()),
		"publishing", b.outbound != nil)

	err := g.Wait()
	b.health.Stop()

	if err != nil {
		b.logError("bridge stopped", err)
		return err
	}
	b.logInfo("bridge stopped")
	return nil
}

// ingest feeds every received header into discovery and consolidation.
func (b *Bridge) ingest(ctx context.Context) error {
	headers := b.conn.Headers()
	for {
		select {
		case <-ctx.Done():
			return nil
		case h, ok := <-headers:
			if !ok {
				return b.headerStreamClosed()
			}
			b.metrics.headerReceived()
			b.detector.AddHeader(h)
			b.headers.AddHeader(h)
			if b.outbound != nil {
				b.outbound.AddHeader(h)
			}
		}
	}
}

func (b *Bridge) headerStreamClosed() error {
	cause := b.conn.Err()
	if cause == nil {
		cause = errors.New("header stream closed")
	}
	if errors.Is(cause, ErrTransport) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrTransport, cause)
}

// NotifyTransportLost stops Run with a transport error. Only the first call
// has any effect.
func (b *Bridge) NotifyTransportLost(err error) {
	if err == nil {
		err = errors.New("connection lost")
	}
	b.lostOnce.Do(func() {
		b.transportLost <- fmt.Errorf("%w: mqtt: %w", ErrTransport, err)
	})
}

// handleSettled records the discovery result once the bus has settled.
func (b *Bridge) handleSettled(headers []Header) {
	keys := make([]string, len(headers))
	for i, h := range headers {
		keys[i] = h.Key.String()
	}
	fields := b.decoder.Decode(headers)

	b.settledMu.Lock()
	b.settled = &SettledHeaders{Time: time.Now(), Headers: keys, Fields: fields}
	b.settledMu.Unlock()

	b.logInfo("bus settled", "headers", len(headers), "fields", len(fields))
	if !b.cfg.Headers.SettleDump {
		return
	}
	for _, f := range fields {
		b.logInfo("discovered field",
			"id", f.ID,
			"name", f.Name,
			"value", FormatValue(f.Value, f.Precision),
			"unit", f.Unit)
	}
}

func (b *Bridge) logSnapshot(_ context.Context, snap Snapshot) error {
	b.logDebug("headers consolidated", "count", snap.Len())
	return nil
}

func (b *Bridge) busStatus() BusStatus {
	return BusStatus{
		Settled:        b.detector.Settled(),
		HeadersTracked: b.headers.Count(),
		Busy:           b.arbiter.Busy(),
	}
}

// Snapshot returns the currently consolidated headers.
func (b *Bridge) Snapshot() Snapshot {
	return b.headers.Snapshot()
}

// Settled returns the discovery result, if the bus has settled.
func (b *Bridge) Settled() (SettledHeaders, bool) {
	b.settledMu.RLock()
	defer b.settledMu.RUnlock()
	if b.settled == nil {
		return SettledHeaders{}, false
	}
	return *b.settled, true
}

// Decode decodes headers into named fields.
func (b *Bridge) Decode(headers []Header) []PacketField {
	return b.decoder.Decode(headers)
}

// Health returns the current health message.
func (b *Bridge) Health() HealthMessage {
	return b.health.Current()
}

// SetLogger sets the logger for the bridge and its components.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	b.headers.SetLogger(logger)
	b.health.SetLogger(logger)
	if b.outbound != nil {
		b.outbound.SetLogger(logger)
		b.publisher.SetLogger(logger)
		b.writer.SetLogger(logger)
	}
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// BridgeMetrics contains operational metrics for monitoring.
type BridgeMetrics struct {
	Connected       bool      `json:"connected"`
	HeadersReceived uint64    `json:"headers_received"`
	HeadersDropped  uint64    `json:"headers_dropped"`
	RequestsSent    uint64    `json:"requests_sent"`
	Errors          uint64    `json:"errors"`
	LastActivity    time.Time `json:"last_activity"`
	HeadersTracked  int       `json:"headers_tracked"`
	Settled         bool      `json:"settled"`
	Discovered      int       `json:"discovered"`
	BusBusy         bool      `json:"bus_busy"`
	PendingWrites   int       `json:"pending_writes"`
	LastPublish     time.Time `json:"last_publish,omitzero"`
}

// GetMetrics returns current bridge metrics.
func (b *Bridge) GetMetrics() BridgeMetrics {
	stats := b.conn.Stats()
	m := BridgeMetrics{
		Connected:       stats.Connected,
		HeadersReceived: stats.HeadersRx,
		HeadersDropped:  stats.HeadersDropped,
		RequestsSent:    stats.RequestsTx,
		Errors:          stats.ErrorsTotal,
		LastActivity:    stats.LastActivity,
		HeadersTracked:  b.headers.Count(),
		Settled:         b.detector.Settled(),
		Discovered:      b.detector.Discovered(),
		BusBusy:         b.arbiter.Busy(),
	}
	if settled, ok := b.Settled(); ok {
		m.Discovered = len(settled.Headers)
	}
	if b.writer != nil {
		m.PendingWrites = b.writer.Pending()
	}
	if b.publisher != nil {
		m.LastPublish = b.publisher.LastCycle()
	}
	return m
}
