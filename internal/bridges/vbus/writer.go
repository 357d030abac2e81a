package vbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// defaultWriteQueueSize bounds inbound writes waiting for the bus.
const defaultWriteQueueSize = 16

// setSuffix is appended to <root>/<key> for write topics.
const setSuffix = "/set"

// Subscriber is the subscribing half of an MQTT client.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
}

// WriterConfig holds configuration for a Writer.
type WriterConfig struct {
	RootTopic string
	QoS       byte
	QueueSize int

	Fields    *FieldMap
	Arbiter   *Arbiter
	Accessor  *Accessor
	Publisher *Publisher // Optional; confirmed values are republished when set
	Metrics   *Metrics
}

// writeRequest is a validated write waiting for the bus.
type writeRequest struct {
	value    ValueConfig
	physical float64
	raw      int32
}

// Writer turns <root>/<key>/set messages into validated controller writes.
//
// Messages are parsed and range-checked on arrival; rejected values never
// reach the bus. Accepted writes are queued and applied one at a time by Run,
// each inside its own arbitrated lease.
//
// Thread Safety: All methods are safe for concurrent use.
type Writer struct {
	root      string
	qos       byte
	fields    *FieldMap
	arbiter   *Arbiter
	accessor  *Accessor
	publisher *Publisher
	metrics   *Metrics

	queue chan writeRequest

	logger   Logger
	loggerMu sync.RWMutex
}

// NewWriter validates dependencies and creates a Writer.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.Fields == nil {
		return nil, fmt.Errorf("field map is required")
	}
	if cfg.Arbiter == nil || cfg.Accessor == nil {
		return nil, fmt.Errorf("arbiter and accessor are required")
	}

	root := cfg.RootTopic
	if root == "" {
		root = DefaultRootTopic
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultWriteQueueSize
	}

	return &Writer{
		root:      root,
		qos:       cfg.QoS,
		fields:    cfg.Fields,
		arbiter:   cfg.Arbiter,
		accessor:  cfg.Accessor,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		queue:     make(chan writeRequest, size),
	}, nil
}

// SetTopic returns <root>/<key>/set.
func (w *Writer) SetTopic(key string) string {
	return w.root + "/" + key + setSuffix
}

// Subscribe subscribes to the set topic of every writeable value. Values
// marked writeable without a complete type descriptor are logged and left
// unsubscribed. It returns the subscribed topics.
func (w *Writer) Subscribe(client Subscriber) ([]string, error) {
	for _, v := range w.fields.ValuesOfKind(ValueMisconfigured) {
		w.metrics.writeRejected("misconfigured")
		w.logWarn("not subscribing misconfigured writeable field",
			"key", v.Key, "error", fmt.Errorf("%w: %s", ErrMisconfiguredField, v.Problem))
	}

	var topics []string
	for _, v := range w.fields.ValuesOfKind(ValueWriteable) {
		key := v.Key
		topic := w.SetTopic(key)
		err := client.Subscribe(topic, w.qos, func(_ string, payload []byte) {
			// Rejections are logged inside Submit.
			_ = w.Submit(key, payload)
		})
		if err != nil {
			return topics, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		topics = append(topics, topic)
		w.logInfo("subscribed to writes", "topic", topic,
			"min", v.Range.Min, "max", v.Range.Max, "precision", v.Precision)
	}
	return topics, nil
}

// Submit parses and validates an inbound payload for key and queues it for
// the bus. Invalid, out-of-range and misconfigured writes are logged and
// returned as errors without touching the bus.
func (w *Writer) Submit(key string, payload []byte) error {
	req, err := w.prepare(key, payload)
	if err != nil {
		w.reject(key, payload, err)
		return err
	}

	select {
	case w.queue <- req:
		w.logDebug("write queued", "key", key, "value", req.physical, "raw", req.raw)
		return nil
	default:
		err := fmt.Errorf("%w: %s", ErrWriteQueueFull, key)
		w.reject(key, payload, err)
		return err
	}
}

// prepare parses the payload and validates it against the field.
func (w *Writer) prepare(key string, payload []byte) (writeRequest, error) {
	v, ok := w.fields.Value(key)
	if !ok {
		return writeRequest{}, fmt.Errorf("%w: %s", ErrUnknownField, key)
	}

	physical, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil {
		return writeRequest{}, fmt.Errorf("%w: %q is not a number", ErrInvalidPayload, payload)
	}

	if err := v.CheckWrite(physical); err != nil {
		return writeRequest{}, err
	}

	raw, err := ToRaw(physical, v.Precision)
	if err != nil {
		return writeRequest{}, err
	}

	return writeRequest{value: v, physical: physical, raw: raw}, nil
}

// reject logs and counts a refused write.
func (w *Writer) reject(key string, payload []byte, err error) {
	reason := "invalid"
	switch {
	case errors.Is(err, ErrOutOfRange):
		reason = "out_of_range"
	case errors.Is(err, ErrMisconfiguredField):
		reason = "misconfigured"
	case errors.Is(err, ErrWriteQueueFull):
		reason = "queue_full"
	case errors.Is(err, ErrUnknownField):
		reason = "unknown"
	}
	w.metrics.writeRejected(reason)

	kv := []any{"key", key, "payload", string(payload), "reason", reason, "error", err}
	if v, ok := w.fields.Value(key); ok && v.Range != nil {
		kv = append(kv, "min", v.Range.Min, "max", v.Range.Max)
	}
	w.logWarn("write rejected", kv...)
}

// Run applies queued writes until ctx is cancelled.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-w.queue:
			if err := w.apply(ctx, req); err != nil {
				w.logWarn("write failed",
					"key", req.value.Key, "value", req.physical, "raw", req.raw, "error", err)
			}
		}
	}
}

// apply performs one write under a bus lease and republishes the
// confirmed value. Bus timeouts and missing responses are returned to the
// caller for logging; the next write is unaffected.
func (w *Writer) apply(ctx context.Context, req writeRequest) error {
	start := time.Now()
	var dgram Datagram

	err := w.arbiter.WithLease(ctx, func(ctx context.Context, lease *Lease) error {
		var err error
		dgram, err = w.accessor.Set(ctx, lease, req.value.ID, req.raw, req.value.Save)
		return err
	})
	if err != nil {
		return err
	}

	w.metrics.writeApplied()
	confirmed := FormatValue(ToPhysical(dgram.Value, req.value.Precision), req.value.Precision)
	w.logInfo("value written",
		"key", req.value.Key, "value", confirmed, "raw", dgram.Value, "duration", time.Since(start))

	if w.publisher != nil {
		if err := w.publisher.PublishValue(req.value.Key, confirmed); err != nil {
			w.logWarn("republishing written value failed", "key", req.value.Key, "error", err)
		}
	}
	return nil
}

// Pending returns the number of queued writes.
func (w *Writer) Pending() int {
	return len(w.queue)
}

// SetLogger sets the logger for the writer.
func (w *Writer) SetLogger(logger Logger) {
	w.loggerMu.Lock()
	w.logger = logger
	w.loggerMu.Unlock()
}

func (w *Writer) getLogger() Logger {
	w.loggerMu.RLock()
	defer w.loggerMu.RUnlock()
	return w.logger
}

func (w *Writer) logInfo(msg string, keysAndValues ...any) {
	if logger := w.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (w *Writer) logWarn(msg string, keysAndValues ...any) {
	if logger := w.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (w *Writer) logDebug(msg string, keysAndValues ...any) {
	if logger := w.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
