package influxdb_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/vbus-bridge/internal/infrastructure/config"
	"github.com/nerrad567/vbus-bridge/internal/infrastructure/influxdb"
)

// fakeInflux answers /ping and records line protocol posted to /api/v2/write.
type fakeInflux struct {
	mu         sync.Mutex
	lines      []string
	writeCode  int
	pingStatus int
}

func newFakeInflux(t *testing.T) (*fakeInflux, *httptest.Server) {
	t.Helper()
	f := &fakeInflux{writeCode: http.StatusNoContent, pingStatus: http.StatusNoContent}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			w.WriteHeader(f.pingStatus)
		case "/api/v2/write":
			body, _ := io.ReadAll(r.Body) //nolint:errcheck // test server
			f.mu.Lock()
			for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
				if line != "" {
					f.lines = append(f.lines, line)
				}
			}
			code := f.writeCode
			f.mu.Unlock()
			if code != http.StatusNoContent {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(code)
				_, _ = w.Write([]byte(`{"code":"invalid","message":"rejected"}`)) //nolint:errcheck // test server
				return
			}
			w.WriteHeader(code)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeInflux) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func testConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         "vbusbridge-test-token",
		Org:           "home",
		Bucket:        "solar",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

func TestConnect(t *testing.T) {
	_, srv := newFakeInflux(t)

	client, err := influxdb.Connect(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // Test cleanup

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:8086")
	cfg.Enabled = false

	_, err := influxdb.Connect(cfg)
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	_, srv := newFakeInflux(t)
	url := srv.URL
	srv.Close()

	_, err := influxdb.Connect(testConfig(url))
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_DefaultBatchSettings(t *testing.T) {
	_, srv := newFakeInflux(t)
	cfg := testConfig(srv.URL)
	cfg.BatchSize = -5
	cfg.FlushInterval = 0

	client, err := influxdb.Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // Test cleanup

	if !client.IsConnected() {
		t.Error("IsConnected() = false with default batch settings")
	}
}

func TestWritePointWithTime(t *testing.T) {
	fake, srv := newFakeInflux(t)

	client, err := influxdb.Connect(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // Test cleanup

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client.WritePointWithTime("vbus_field",
		map[string]string{"bridge": "vbus-1", "field": "temp1"},
		map[string]interface{}{"value": 21.5},
		ts,
	)
	client.WritePointWithTime("vbus_field", nil, map[string]interface{}{}, ts)
	client.Flush()

	lines := fake.Lines()
	if len(lines) != 1 {
		t.Fatalf("lines = %v, want 1 point", lines)
	}
	want := "vbus_field,bridge=vbus-1,field=temp1 value=21.5 " + "1772366400000000000"
	if lines[0] != want {
		t.Errorf("line = %q, want %q", lines[0], want)
	}
}

func TestWritePoint(t *testing.T) {
	fake, srv := newFakeInflux(t)

	client, err := influxdb.Connect(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // Test cleanup

	client.WritePoint("vbus_bridge", map[string]string{"bridge": "vbus-1"}, map[string]interface{}{"headers": int64(3)})
	client.Flush()

	lines := fake.Lines()
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "vbus_bridge,bridge=vbus-1 headers=3i ") {
		t.Errorf("lines = %v", lines)
	}
}

func TestWriteErrorsReachCallback(t *testing.T) {
	fake, srv := newFakeInflux(t)
	fake.writeCode = http.StatusBadRequest

	client, err := influxdb.Connect(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // Test cleanup

	errCh := make(chan error, 1)
	client.SetOnError(func(err error) {
		select {
		case errCh <- err:
		default:
		}
	})

	client.WritePoint("vbus_field", nil, map[string]interface{}{"value": 1.0})
	client.Flush()

	select {
	case err := <-errCh:
		if !errors.Is(err, influxdb.ErrWriteFailed) {
			t.Errorf("callback error = %v, want ErrWriteFailed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("write error not delivered to callback")
	}
}

func TestClose(t *testing.T) {
	fake, srv := newFakeInflux(t)

	client, err := influxdb.Connect(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() after Close() = %v, want ErrNotConnected", err)
	}

	// Writes after Close are dropped.
	client.WritePoint("vbus_field", nil, map[string]interface{}{"value": 1.0})
	client.Flush()
	if got := len(fake.Lines()); got != 0 {
		t.Errorf("lines after Close = %d, want 0", got)
	}
}

func TestClose_Nil(t *testing.T) {
	var client *influxdb.Client
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() on nil client = true")
	}
}
