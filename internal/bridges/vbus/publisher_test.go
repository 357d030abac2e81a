package vbus

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

var testHeartbeat = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestPublisher(t *testing.T, cfg PublisherConfig) *Publisher {
	t.Helper()
	if cfg.Decoder == nil {
		cfg.Decoder = staticDecoder{keyA: {{ID: "t1", Name: "Temperature sensor 1", Value: 21.5, Precision: 1}}}
	}
	if cfg.Fields == nil {
		cfg.Fields = NewFieldMap(nil, []HeaderMapping{{Key: "temp1", FieldIDs: []string{"t1"}}})
	}
	p, err := NewPublisher(cfg)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	p.now = func() time.Time { return testHeartbeat }
	return p
}

func snapshotOf(headers ...Header) Snapshot {
	return Snapshot{Time: testHeartbeat, Headers: headers}
}

func TestPublisherJSONCycle(t *testing.T) {
	client := NewMockMQTTClient()
	p := newTestPublisher(t, PublisherConfig{Client: client})

	if err := p.HandleSnapshot(context.Background(), snapshotOf(header(keyA, testHeartbeat))); err != nil {
		t.Fatalf("HandleSnapshot() error = %v", err)
	}

	root := client.PublishedTo("resol")
	if len(root) != 1 {
		t.Fatalf("root publishes = %d, want 1", len(root))
	}
	want := `{"temp1":"21.5","heartbeat":"2026-01-01T12:00:00.000Z"}`
	if root[0] != want {
		t.Errorf("root payload = %s, want %s", root[0], want)
	}

	field := client.PublishedTo("resol/temp1")
	if len(field) != 1 || field[0] != "21.5" {
		t.Errorf("resol/temp1 payloads = %v, want [21.5]", field)
	}
	if !p.LastCycle().Equal(testHeartbeat) {
		t.Errorf("LastCycle() = %v", p.LastCycle())
	}
}

func TestPublisherURLEncodedCycle(t *testing.T) {
	client := NewMockMQTTClient()
	p := newTestPublisher(t, PublisherConfig{Client: client, Encoding: EncodingURL, RootTopic: "solar"})

	if err := p.HandleSnapshot(context.Background(), snapshotOf(header(keyA, testHeartbeat))); err != nil {
		t.Fatalf("HandleSnapshot() error = %v", err)
	}

	published := client.GetPublished()
	if len(published) != 1 {
		t.Fatalf("publishes = %d, want only the root topic", len(published))
	}
	if published[0].Topic != "solar" {
		t.Errorf("topic = %q, want solar", published[0].Topic)
	}
	want := "heartbeat=2026-01-01T12%3A00%3A00.000Z&temp1=21.5"
	if string(published[0].Payload) != want {
		t.Errorf("payload = %s, want %s", published[0].Payload, want)
	}
}

func TestPublisherPollsUncoveredValues(t *testing.T) {
	client := NewMockMQTTClient()
	conn := NewMockConnector()
	conn.getFunc = func(_ context.Context, _, valueID uint16) (Datagram, error) {
		return Datagram{ValueID: valueID, Value: 1234}, nil
	}
	arbiter := newTestArbiter(conn, 5)
	fields := NewFieldMap(
		[]ValueConfig{
			{Key: "pressure", ID: 0x0200, Precision: 2},
			{Key: "temp1", ID: 0x0201, Precision: 1},
		},
		[]HeaderMapping{{Key: "temp1", FieldIDs: []string{"t1"}}},
	)

	p := newTestPublisher(t, PublisherConfig{
		Client:   client,
		Fields:   fields,
		Arbiter:  arbiter,
		Accessor: NewAccessor(AccessorConfig{Exchanger: conn, Timeout: 10 * time.Millisecond}),
	})

	if err := p.HandleSnapshot(context.Background(), snapshotOf(header(keyA, testHeartbeat))); err != nil {
		t.Fatalf("HandleSnapshot() error = %v", err)
	}

	if got := conn.Gets(); len(got) != 1 || got[0] != 0x0200 {
		t.Errorf("polled ids = %v, want [0x0200] only", got)
	}
	if got := client.PublishedTo("resol/pressure"); len(got) != 1 || got[0] != "12.34" {
		t.Errorf("resol/pressure payloads = %v, want [12.34]", got)
	}
	if arbiter.Busy() || conn.Releases() != 1 {
		t.Errorf("bus not released: busy = %v, releases = %d", arbiter.Busy(), conn.Releases())
	}
}

func TestPublisherValueFallsBackWhenHeaderMissing(t *testing.T) {
	cfg, err := LoadConfig(writeConfigFile(t, `
bridge:
  id: fallback
fields:
  values:
    temp1:
      id: 512
      type: {precision: 1}
  header:
    temp1: t1
`))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	client := NewMockMQTTClient()
	conn := NewMockConnector()
	conn.getFunc = func(_ context.Context, _, valueID uint16) (Datagram, error) {
		return Datagram{ValueID: valueID, Value: 198}, nil
	}
	p := newTestPublisher(t, PublisherConfig{
		Client:   client,
		Fields:   cfg.FieldMap(),
		Arbiter:  newTestArbiter(conn, 5),
		Accessor: NewAccessor(AccessorConfig{Exchanger: conn, Timeout: 10 * time.Millisecond}),
	})

	// Header present: the passive value is published and nothing is polled.
	if err := p.HandleSnapshot(context.Background(), snapshotOf(header(keyA, testHeartbeat))); err != nil {
		t.Fatalf("HandleSnapshot() error = %v", err)
	}
	if len(conn.Gets()) != 0 {
		t.Errorf("polled ids = %v, want none while the header is present", conn.Gets())
	}

	// Header missing: the configured value is read from the controller.
	client.ClearPublished()
	if err := p.HandleSnapshot(context.Background(), snapshotOf()); err != nil {
		t.Fatalf("HandleSnapshot() error = %v", err)
	}
	if got := conn.Gets(); len(got) != 1 || got[0] != 512 {
		t.Errorf("polled ids = %v, want [512]", got)
	}
	if got := client.PublishedTo("resol/temp1"); len(got) != 1 || got[0] != "19.8" {
		t.Errorf("resol/temp1 payloads = %v, want [19.8]", got)
	}
}

func TestPublisherSkipsPollWhenBusBusy(t *testing.T) {
	client := NewMockMQTTClient()
	conn := NewMockConnector()
	arbiter := newTestArbiter(conn, 5)
	fields := NewFieldMap([]ValueConfig{{Key: "pressure", ID: 0x0200}}, []HeaderMapping{{Key: "temp1", FieldIDs: []string{"t1"}}})

	p := newTestPublisher(t, PublisherConfig{
		Client:   client,
		Fields:   fields,
		Arbiter:  arbiter,
		Accessor: NewAccessor(AccessorConfig{Exchanger: conn}),
	})

	held, err := arbiter.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer func() { _ = held.Release(context.Background()) }()

	start := time.Now()
	if err := p.HandleSnapshot(context.Background(), snapshotOf(header(keyA, testHeartbeat))); err != nil {
		t.Fatalf("HandleSnapshot() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("HandleSnapshot() blocked for %v on a busy bus", elapsed)
	}

	if len(conn.Gets()) != 0 {
		t.Error("values polled while the bus was busy")
	}
	if len(client.PublishedTo("resol")) != 1 {
		t.Error("passive values not published while the bus was busy")
	}
}

func TestPublisherNoResponseContinues(t *testing.T) {
	client := NewMockMQTTClient()
	conn := NewMockConnector()
	conn.getFunc = func(ctx context.Context, _, valueID uint16) (Datagram, error) {
		if valueID == 0x0200 {
			<-ctx.Done()
			return Datagram{}, ctx.Err()
		}
		return Datagram{ValueID: valueID, Value: 5}, nil
	}
	arbiter := newTestArbiter(conn, 5)
	fields := NewFieldMap([]ValueConfig{{Key: "a_silent", ID: 0x0200}, {Key: "b_answers", ID: 0x0300}}, nil)

	p := newTestPublisher(t, PublisherConfig{
		Client:   client,
		Fields:   fields,
		Arbiter:  arbiter,
		Accessor: NewAccessor(AccessorConfig{Exchanger: conn, Timeout: 5 * time.Millisecond, Tries: 2}),
	})
	log := &testLogger{}
	p.SetLogger(log)

	if err := p.HandleSnapshot(context.Background(), snapshotOf()); err != nil {
		t.Fatalf("HandleSnapshot() error = %v", err)
	}

	if got := client.PublishedTo("resol/b_answers"); len(got) != 1 || got[0] != "5" {
		t.Errorf("resol/b_answers payloads = %v", got)
	}
	if len(client.PublishedTo("resol/a_silent")) != 0 {
		t.Error("silent value was published")
	}
	entry, ok := log.find("no response for value")
	if !ok {
		t.Fatal("no response was not logged")
	}
	if key, _ := entry.value("key"); key != "a_silent" {
		t.Errorf("logged key = %v", key)
	}
	if arbiter.Busy() {
		t.Error("bus left busy after failed poll")
	}
}

func TestPublisherRootPublishFailure(t *testing.T) {
	client := NewMockMQTTClient()
	client.topicErrs = map[string]error{"resol": errors.New("payload too large")}
	conn := NewMockConnector()
	conn.getFunc = func(_ context.Context, _, valueID uint16) (Datagram, error) {
		return Datagram{ValueID: valueID, Value: 42}, nil
	}
	fields := NewFieldMap(
		[]ValueConfig{{Key: "pressure", ID: 0x0200}},
		[]HeaderMapping{{Key: "temp1", FieldIDs: []string{"t1"}}},
	)
	p := newTestPublisher(t, PublisherConfig{
		Client:   client,
		Fields:   fields,
		Arbiter:  newTestArbiter(conn, 5),
		Accessor: NewAccessor(AccessorConfig{Exchanger: conn, Timeout: 10 * time.Millisecond}),
	})

	err := p.HandleSnapshot(context.Background(), snapshotOf(header(keyA, testHeartbeat)))
	if err == nil || !strings.Contains(err.Error(), "publish resol") {
		t.Errorf("HandleSnapshot() error = %v", err)
	}

	if got := client.PublishedTo("resol/temp1"); len(got) != 1 || got[0] != "21.5" {
		t.Errorf("resol/temp1 payloads = %v, want [21.5]", got)
	}
	if got := conn.Gets(); len(got) != 1 || got[0] != 0x0200 {
		t.Errorf("polled ids = %v, want [0x0200]", got)
	}
	if got := client.PublishedTo("resol/pressure"); len(got) != 1 || got[0] != "42" {
		t.Errorf("resol/pressure payloads = %v, want [42]", got)
	}
}

func TestPublisherPollHandshakeUnanswered(t *testing.T) {
	client := NewMockMQTTClient()
	conn := NewMockConnector()
	arbiter := NewArbiter(ArbiterConfig{
		Controller:       &unansweredController{ignoreWait: true},
		PollInterval:     time.Millisecond,
		MaxAttempts:      5,
		HandshakeTimeout: 20 * time.Millisecond,
	})
	p := newTestPublisher(t, PublisherConfig{
		Client:   client,
		Fields:   NewFieldMap([]ValueConfig{{Key: "pressure", ID: 0x0200}}, nil),
		Arbiter:  arbiter,
		Accessor: NewAccessor(AccessorConfig{Exchanger: conn, Timeout: 10 * time.Millisecond}),
	})

	done := make(chan error, 1)
	go func() { done <- p.HandleSnapshot(context.Background(), snapshotOf()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("HandleSnapshot() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("publish cycle blocked on the free-bus handshake")
	}
	if arbiter.Busy() {
		t.Error("bus left busy after unanswered handshake")
	}
	if len(conn.Gets()) != 0 {
		t.Error("value read without a lease")
	}
}

func TestNewPublisherValidation(t *testing.T) {
	fields := NewFieldMap([]ValueConfig{{Key: "x", ID: 1}}, nil)
	tests := []struct {
		name string
		cfg  PublisherConfig
	}{
		{"no client", PublisherConfig{Fields: fields, Decoder: staticDecoder{}}},
		{"no fields", PublisherConfig{Client: NewMockMQTTClient(), Decoder: staticDecoder{}}},
		{"no decoder", PublisherConfig{Client: NewMockMQTTClient(), Fields: fields}},
		{"values without arbiter", PublisherConfig{Client: NewMockMQTTClient(), Fields: fields, Decoder: staticDecoder{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPublisher(tt.cfg); err == nil {
				t.Error("NewPublisher() should fail")
			}
		})
	}
}

func TestBuildPayload(t *testing.T) {
	params := []Param{{Key: "b", Value: "2"}, {Key: "a", Value: "1"}}

	got, err := BuildPayload(EncodingJSON, params, testHeartbeat)
	if err != nil {
		t.Fatalf("BuildPayload(json) error = %v", err)
	}
	if want := `{"b":"2","a":"1","heartbeat":"2026-01-01T12:00:00.000Z"}`; string(got) != want {
		t.Errorf("BuildPayload(json) = %s, want %s", got, want)
	}

	got, err = BuildPayload(EncodingURL, params, testHeartbeat)
	if err != nil {
		t.Fatalf("BuildPayload(urlencoded) error = %v", err)
	}
	if want := "a=1&b=2&heartbeat=2026-01-01T12%3A00%3A00.000Z"; string(got) != want {
		t.Errorf("BuildPayload(urlencoded) = %s, want %s", got, want)
	}

	if _, err := BuildPayload("xml", params, testHeartbeat); err == nil {
		t.Error("BuildPayload(xml) should fail")
	}
}
