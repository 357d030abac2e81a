package vbus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"
)

// Encoding selects the root topic payload format.
type Encoding string

const (
	// EncodingJSON publishes {"key":"value",...,"heartbeat":"..."} to the
	// root topic and every key to <root>/<key>.
	EncodingJSON Encoding = "json"

	// EncodingURL publishes a single key=value&... payload to the root topic.
	EncodingURL Encoding = "urlencoded"
)

// DefaultRootTopic is the default MQTT root topic.
const DefaultRootTopic = "resol"

// heartbeatKey is the payload key carrying the publish timestamp.
const heartbeatKey = "heartbeat"

// heartbeatLayout is ISO 8601 in UTC with millisecond precision.
const heartbeatLayout = "2006-01-02T15:04:05.000Z07:00"

// MessagePublisher is the publishing half of an MQTT client.
type MessagePublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// PublisherConfig holds configuration for a Publisher.
type PublisherConfig struct {
	RootTopic string
	Encoding  Encoding
	QoS       byte
	Retain    bool

	Client   MessagePublisher
	Fields   *FieldMap
	Decoder  FieldDecoder
	Arbiter  *Arbiter
	Accessor *Accessor
	Metrics  *Metrics
}

// Publisher runs one publish cycle per consolidated snapshot.
//
// Each cycle decodes the snapshot, publishes the passive values, and then,
// only if the bus is free at that instant, takes a lease to poll the
// configured values the controller does not broadcast. A busy bus skips the
// poll for that cycle.
//
// Thread Safety: All methods are safe for concurrent use.
type Publisher struct {
	root     string
	encoding Encoding
	qos      byte
	retain   bool

	client   MessagePublisher
	fields   *FieldMap
	decoder  FieldDecoder
	arbiter  *Arbiter
	accessor *Accessor
	metrics  *Metrics

	now func() time.Time

	lastMu    sync.RWMutex
	lastCycle time.Time

	logger   Logger
	loggerMu sync.RWMutex
}

// NewPublisher validates dependencies and creates a Publisher.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if cfg.Fields == nil {
		return nil, fmt.Errorf("field map is required")
	}
	if cfg.Decoder == nil {
		return nil, fmt.Errorf("field decoder is required")
	}
	if len(cfg.Fields.Values()) > 0 && (cfg.Arbiter == nil || cfg.Accessor == nil) {
		return nil, fmt.Errorf("arbiter and accessor are required to poll values")
	}

	root := cfg.RootTopic
	if root == "" {
		root = DefaultRootTopic
	}
	encoding := cfg.Encoding
	if encoding == "" {
		encoding = EncodingJSON
	}

	return &Publisher{
		root:     root,
		encoding: encoding,
		qos:      cfg.QoS,
		retain:   cfg.Retain,
		client:   cfg.Client,
		fields:   cfg.Fields,
		decoder:  cfg.Decoder,
		arbiter:  cfg.Arbiter,
		accessor: cfg.Accessor,
		metrics:  cfg.Metrics,
		now:      time.Now,
	}, nil
}

// RootTopic returns the root topic.
func (p *Publisher) RootTopic() string {
	return p.root
}

// Topic returns <root>/<key>.
func (p *Publisher) Topic(key string) string {
	return p.root + "/" + key
}

// LastCycle returns when the last publish cycle completed.
func (p *Publisher) LastCycle() time.Time {
	p.lastMu.RLock()
	defer p.lastMu.RUnlock()
	return p.lastCycle
}

// HandleSnapshot runs one publish cycle.
func (p *Publisher) HandleSnapshot(ctx context.Context, snap Snapshot) error {
	params, missing := p.fields.ResolveHeader(p.decoder.Decode(snap.Headers))
	if len(missing) > 0 {
		p.logDebug("header keys not present in snapshot", "keys", missing)
	}

	payload, err := BuildPayload(p.encoding, params, p.now())
	if err != nil {
		return fmt.Errorf("building payload: %w", err)
	}
	// A failed root publish does not cancel the per-key publishes or the
	// poll; it is reported once the cycle completes.
	rootErr := p.publish(p.root, payload, "root")

	if p.encoding == EncodingJSON {
		for _, param := range params {
			if err := p.publish(p.Topic(param.Key), []byte(param.Value), "field"); err != nil {
				p.logError("publishing field", err, "key", param.Key)
			}
		}
	}

	covered := make(map[string]bool, len(params))
	for _, param := range params {
		covered[param.Key] = true
	}
	p.pollValues(ctx, covered)

	p.lastMu.Lock()
	p.lastCycle = p.now()
	p.lastMu.Unlock()
	return rootErr
}

// pollValues reads every configured value not covered by passive headers.
// It is best effort: a busy bus or a failed acquisition skips the poll.
func (p *Publisher) pollValues(ctx context.Context, covered map[string]bool) {
	var pending []ValueConfig
	for _, v := range p.fields.Values() {
		if !covered[v.Key] {
			pending = append(pending, v)
		}
	}
	if len(pending) == 0 {
		return
	}

	lease, err := p.arbiter.TryAcquire(ctx)
	if err != nil {
		p.logWarn("bus acquisition for polling failed", "error", err)
		return
	}
	if lease == nil {
		p.logDebug("bus busy, skipping value poll")
		return
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			p.logWarn("releasing bus after poll failed", "error", err)
		}
	}()

	for _, v := range pending {
		if ctx.Err() != nil {
			return
		}

		dgram, err := p.accessor.Get(ctx, lease, v.ID)
		if err != nil {
			if errors.Is(err, ErrNoResponse) {
				p.logWarn("no response for value", "key", v.Key, "id", v.ID, "error", err)
			} else {
				p.logWarn("reading value failed", "key", v.Key, "id", v.ID, "error", err)
			}
			continue
		}

		value := FormatValue(ToPhysical(dgram.Value, v.Precision), v.Precision)
		if err := p.publish(p.Topic(v.Key), []byte(value), "value"); err != nil {
			p.logError("publishing value", err, "key", v.Key)
		}
	}
}

// PublishValue publishes a single formatted value to <root>/<key>.
func (p *Publisher) PublishValue(key, value string) error {
	return p.publish(p.Topic(key), []byte(value), "value")
}

func (p *Publisher) publish(topic string, payload []byte, kind string) error {
	if err := p.client.Publish(topic, payload, p.qos, p.retain); err != nil {
		p.metrics.publishFailed()
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	p.metrics.published(kind)
	return nil
}

// BuildPayload renders params plus a heartbeat timestamp in the given
// encoding. JSON keys keep the order of params with the heartbeat last;
// urlencoded keys are sorted.
func BuildPayload(enc Encoding, params []Param, heartbeat time.Time) ([]byte, error) {
	ts := heartbeat.UTC().Format(heartbeatLayout)

	switch enc {
	case EncodingURL:
		values := url.Values{}
		for _, param := range params {
			values.Set(param.Key, param.Value)
		}
		values.Set(heartbeatKey, ts)
		return []byte(values.Encode()), nil

	case EncodingJSON, "":
		var buf bytes.Buffer
		buf.WriteByte('{')
		for _, param := range params {
			if err := writeJSONPair(&buf, param.Key, param.Value); err != nil {
				return nil, err
			}
			buf.WriteByte(',')
		}
		if err := writeJSONPair(&buf, heartbeatKey, ts); err != nil {
			return nil, err
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("unsupported encoding %q", enc)
	}
}

func writeJSONPair(buf *bytes.Buffer, key, value string) error {
	k, err := json.Marshal(key)
	if err != nil {
		return err
	}
	v, err := json.Marshal(value)
	if err != nil {
		return err
	}
	buf.Write(k)
	buf.WriteByte(':')
	buf.Write(v)
	return nil
}

// SetLogger sets the logger for the publisher.
func (p *Publisher) SetLogger(logger Logger) {
	p.loggerMu.Lock()
	p.logger = logger
	p.loggerMu.Unlock()
}

func (p *Publisher) getLogger() Logger {
	p.loggerMu.RLock()
	defer p.loggerMu.RUnlock()
	return p.logger
}

func (p *Publisher) logError(msg string, err error, keysAndValues ...any) {
	if logger := p.getLogger(); logger != nil {
		logger.Error(msg, append(keysAndValues, "error", err)...)
	}
}

func (p *Publisher) logWarn(msg string, keysAndValues ...any) {
	if logger := p.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (p *Publisher) logDebug(msg string, keysAndValues ...any) {
	if logger := p.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
