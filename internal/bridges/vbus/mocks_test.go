package vbus

import (
	"context"
	"sync"
	"time"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []mockSubscription
	connected     bool
	publishErr    error
	topicErrs     map[string]error
	handlers      map[string]func(topic string, payload []byte)
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

type mockSubscription struct {
	Topic string
	QoS   byte
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	if err := m.topicErrs[topic]; err != nil {
		return err
	}
	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, mockSubscription{Topic: topic, QoS: qos})
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockPublish(nil), m.published...)
}

// PublishedTo returns the payloads published to topic, oldest first.
func (m *MockMQTTClient) PublishedTo(topic string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, p := range m.published {
		if p.Topic == topic {
			out = append(out, string(p.Payload))
		}
	}
	return out
}

func (m *MockMQTTClient) GetSubscriptions() []mockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockSubscription(nil), m.subscriptions...)
}

func (m *MockMQTTClient) ClearPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

// SimulateMessage simulates receiving an MQTT message on a topic.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	handler, ok := m.handlers[topic]
	m.mu.Unlock()
	if ok {
		handler(topic, payload)
	}
}

// MockConnector implements Connector for testing.
type MockConnector struct {
	mu         sync.Mutex
	connected  bool
	stats      ConnectorStats
	master     uint16
	waitErr    error
	releaseErr error
	err        error

	// getFunc and setFunc answer value requests; a nil func never answers.
	getFunc func(ctx context.Context, master, valueID uint16) (Datagram, error)
	setFunc func(ctx context.Context, master, valueID uint16, raw int32, save bool) (Datagram, error)

	waits    int
	releases int
	gets     []uint16
	sets     []mockSet

	headers   chan Header
	closeOnce sync.Once
}

type mockSet struct {
	ValueID uint16
	Raw     int32
	Save    bool
}

func NewMockConnector() *MockConnector {
	return &MockConnector{
		connected: true,
		master:    0x7E11,
		headers:   make(chan Header, 64),
	}
}

func (m *MockConnector) WaitForFreeBus(_ context.Context) (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waits++
	if m.waitErr != nil {
		return 0, m.waitErr
	}
	return m.master, nil
}

func (m *MockConnector) ReleaseBus(_ context.Context, _ uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	return m.releaseErr
}

func (m *MockConnector) GetValueByID(ctx context.Context, master, valueID uint16) (Datagram, error) {
	m.mu.Lock()
	m.gets = append(m.gets, valueID)
	fn := m.getFunc
	m.mu.Unlock()

	if fn == nil {
		<-ctx.Done()
		return Datagram{}, ctx.Err()
	}
	return fn(ctx, master, valueID)
}

func (m *MockConnector) SetValueByID(ctx context.Context, master, valueID uint16, raw int32, save bool) (Datagram, error) {
	m.mu.Lock()
	m.sets = append(m.sets, mockSet{ValueID: valueID, Raw: raw, Save: save})
	fn := m.setFunc
	m.mu.Unlock()

	if fn == nil {
		return Datagram{ValueID: valueID, Value: raw}, nil
	}
	return fn(ctx, master, valueID, raw, save)
}

func (m *MockConnector) Headers() <-chan Header {
	return m.headers
}

func (m *MockConnector) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *MockConnector) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockConnector) Stats() ConnectorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Connected = m.connected
	return s
}

func (m *MockConnector) Close() error {
	m.closeOnce.Do(func() { close(m.headers) })
	return nil
}

// Lose simulates a dropped daemon connection.
func (m *MockConnector) Lose(err error) {
	m.mu.Lock()
	m.connected = false
	m.err = err
	m.mu.Unlock()
	_ = m.Close()
}

func (m *MockConnector) Waits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waits
}

func (m *MockConnector) Releases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releases
}

func (m *MockConnector) Gets() []uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint16(nil), m.gets...)
}

func (m *MockConnector) Sets() []mockSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockSet(nil), m.sets...)
}

// testLogger records log lines.
type testLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	Level string
	Msg   string
	KV    []any
}

func (l *testLogger) add(level, msg string, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{Level: level, Msg: msg, KV: kv})
}

func (l *testLogger) Debug(msg string, kv ...any) { l.add("debug", msg, kv) }
func (l *testLogger) Info(msg string, kv ...any)  { l.add("info", msg, kv) }
func (l *testLogger) Warn(msg string, kv ...any)  { l.add("warn", msg, kv) }
func (l *testLogger) Error(msg string, kv ...any) { l.add("error", msg, kv) }

// find returns the first entry with msg.
func (l *testLogger) find(msg string) (logEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

// value returns the value logged for key.
func (e logEntry) value(key string) (any, bool) {
	for i := 0; i+1 < len(e.KV); i += 2 {
		if k, ok := e.KV[i].(string); ok && k == key {
			return e.KV[i+1], true
		}
	}
	return nil, false
}

// staticDecoder decodes every header into fields by key.
type staticDecoder map[HeaderKey][]PacketField

func (d staticDecoder) Decode(headers []Header) []PacketField {
	var out []PacketField
	for _, h := range headers {
		out = append(out, d[h.Key]...)
	}
	return out
}

var (
	keyA = HeaderKey{Destination: 0x0010, Source: 0x7E11, Protocol: 0x10, Command: 0x0100}
	keyB = HeaderKey{Destination: 0x0010, Source: 0x7E12, Protocol: 0x10, Command: 0x0100}
	keyC = HeaderKey{Destination: 0x0015, Source: 0x7E11, Protocol: 0x10, Command: 0x0100}
)

func header(key HeaderKey, at time.Time, payload ...byte) Header {
	return Header{Key: key, Payload: payload, Timestamp: at}
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
