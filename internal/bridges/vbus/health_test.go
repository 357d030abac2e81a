package vbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func newTestHealthReporter(client *MockMQTTClient, conn *MockConnector) *HealthReporter {
	return NewHealthReporter(HealthReporterConfig{
		BridgeID:  "vbus-bridge-test",
		Version:   "1.2.3",
		RootTopic: "resol",
		Address:   "tcp://localhost:7053",
		Interval:  time.Hour,
		Publisher: client,
		Connector: conn,
		Bus: func() BusStatus {
			return BusStatus{Settled: true, HeadersTracked: 3}
		},
	})
}

func decodeHealth(t *testing.T, payload []byte) HealthMessage {
	t.Helper()
	var msg HealthMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	return msg
}

func TestHealthReporter_DetermineStatus(t *testing.T) {
	tests := []struct {
		name       string
		mqttUp     bool
		daemonUp   bool
		wantStatus HealthStatus
		wantReason string
	}{
		{name: "all connected", mqttUp: true, daemonUp: true, wantStatus: HealthHealthy},
		{name: "mqtt down", mqttUp: false, daemonUp: true, wantStatus: HealthDegraded, wantReason: "MQTT disconnected"},
		{name: "daemon down", mqttUp: true, daemonUp: false, wantStatus: HealthDegraded, wantReason: "bus daemon disconnected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewMockMQTTClient()
			client.SetConnected(tt.mqttUp)
			conn := NewMockConnector()
			conn.connected = tt.daemonUp

			msg := newTestHealthReporter(client, conn).Current()
			if msg.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", msg.Status, tt.wantStatus)
			}
			if msg.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", msg.Reason, tt.wantReason)
			}
		})
	}
}

func TestHealthReporter_PublishNow(t *testing.T) {
	client := NewMockMQTTClient()
	conn := NewMockConnector()
	conn.stats = ConnectorStats{HeadersRx: 42, RequestsTx: 7, LastActivity: time.Now()}

	h := newTestHealthReporter(client, conn)
	if err := h.PublishNow(); err != nil {
		t.Fatalf("PublishNow() error = %v", err)
	}

	published := client.GetPublished()
	if len(published) != 1 {
		t.Fatalf("published %d messages, want 1", len(published))
	}
	p := published[0]
	if p.Topic != "resol/health" || p.QoS != 1 || !p.Retained {
		t.Errorf("publish = %s qos=%d retained=%v", p.Topic, p.QoS, p.Retained)
	}

	msg := decodeHealth(t, p.Payload)
	if msg.Bridge != "vbus-bridge-test" || msg.Version != "1.2.3" {
		t.Errorf("identity = %s/%s", msg.Bridge, msg.Version)
	}
	if msg.Connection == nil || msg.Connection.Status != "connected" || msg.Connection.Address != "tcp://localhost:7053" {
		t.Errorf("connection = %+v", msg.Connection)
	}
	if msg.Statistics == nil || msg.Statistics.HeadersReceived != 42 || msg.Statistics.RequestsSent != 7 {
		t.Errorf("statistics = %+v", msg.Statistics)
	}
	if msg.Bus == nil || !msg.Bus.Settled || msg.Bus.HeadersTracked != 3 {
		t.Errorf("bus = %+v", msg.Bus)
	}
}

func TestHealthReporter_StartStop(t *testing.T) {
	client := NewMockMQTTClient()
	h := newTestHealthReporter(client, NewMockConnector())

	if err := h.PublishStarting(); err != nil {
		t.Fatalf("PublishStarting() error = %v", err)
	}

	h.Start(context.Background())

	deadline := time.Now().Add(time.Second)
	for len(client.PublishedTo("resol/health")) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	h.Stop()
	h.Stop()

	statuses := client.PublishedTo("resol/health")
	if len(statuses) != 3 {
		t.Fatalf("health messages = %d, want 3 (starting, initial, stopping)", len(statuses))
	}
	want := []HealthStatus{HealthStarting, HealthHealthy, HealthStopping}
	for i, raw := range statuses {
		if got := decodeHealth(t, []byte(raw)).Status; got != want[i] {
			t.Errorf("message %d status = %q, want %q", i, got, want[i])
		}
	}
}

func TestHealthReporter_Defaults(t *testing.T) {
	h := NewHealthReporter(HealthReporterConfig{})
	if h.interval != defaultHealthInterval {
		t.Errorf("interval = %v, want %v", h.interval, defaultHealthInterval)
	}
	if h.topic != DefaultRootTopic+"/health" {
		t.Errorf("topic = %q", h.topic)
	}
	// No publisher configured: publishing is a no-op.
	if err := h.PublishNow(); err != nil {
		t.Errorf("PublishNow() without publisher error = %v", err)
	}
}
