//go:build integration

package mqtt

import (
	"testing"
	"time"
)

// Integration tests require a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func TestIntegration_StatusAndRoundtrip(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ClientID = "vbusbridge-int-sub"
	cfg.StatusTopic = "vbusbridge-int/sub/status"

	sub, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() subscriber error = %v", err)
	}
	defer sub.Close()

	received := make(chan string, 4)
	err = sub.Subscribe("vbusbridge-int/+/set", 1, func(topic string, payload []byte) error {
		received <- topic + "=" + string(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !sub.HasSubscription("vbusbridge-int/+/set") {
		t.Error("subscription not tracked")
	}

	cfg.Broker.ClientID = "vbusbridge-int-pub"
	cfg.StatusTopic = "vbusbridge-int/pub/status"
	pub, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() publisher error = %v", err)
	}
	defer pub.Close()

	time.Sleep(100 * time.Millisecond)

	if err := pub.Publish("vbusbridge-int/boilerTempTarget/set", []byte("55.0"), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if got != "vbusbridge-int/boilerTempTarget/set=55.0" {
			t.Errorf("received %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	if err := sub.Unsubscribe("vbusbridge-int/+/set"); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
	if len(sub.Subscriptions()) != 0 {
		t.Errorf("Subscriptions() = %v after Unsubscribe", sub.Subscriptions())
	}
}
