package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nerrad567/vbus-bridge/internal/infrastructure/config"
	"github.com/nerrad567/vbus-bridge/internal/infrastructure/logging"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

// closedPort returns a localhost port with nothing listening on it.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close() //nolint:errcheck // freeing the port
	return port
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("VBUSBRIDGE_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("VBUSBRIDGE_CONFIG", "/etc/vbusbridge/config.yaml")
	if got := getConfigPath(); got != "/etc/vbusbridge/config.yaml" {
		t.Errorf("getConfigPath() = %q", got)
	}

	configFlag = "/tmp/override.yaml"
	defer func() { configFlag = "" }()
	if got := getConfigPath(); got != "/tmp/override.yaml" {
		t.Errorf("getConfigPath() with flag = %q", got)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("VBUSBRIDGE_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil || !strings.Contains(err.Error(), "loading config") {
		t.Fatalf("run() error = %v, want loading config error", err)
	}
}

func TestRun_InvalidConfigValues(t *testing.T) {
	path := writeConfig(t, `
database:
  path: ""
mqtt:
  broker:
    host: "127.0.0.1"
    port: 1883
logging:
  level: error
`)
	t.Setenv("VBUSBRIDGE_CONFIG", path)
	t.Setenv("VBUSBRIDGE_DATABASE_PATH", "")

	err := run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "loading config") {
		t.Fatalf("run() error = %v, want validation failure", err)
	}
}

// TestRun_MQTTUnavailable checks the startup order: the database is opened
// and migrated before the broker connection fails the run.
func TestRun_MQTTUnavailable(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "vbusbridge.db")
	path := writeConfig(t, fmt.Sprintf(`
database:
  path: %q
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "127.0.0.1"
    port: %d
    client_id: "vbusbridge-test"
  connect_timeout: 2
  status_topic: "resol/status"
api:
  enabled: false
influxdb:
  enabled: false
logging:
  level: error
  format: text
protocols:
  vbus:
    enabled: true
    config_file: "unused.yaml"
`, dbPath, closedPort(t)))
	t.Setenv("VBUSBRIDGE_CONFIG", path)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil || !strings.Contains(err.Error(), "connecting to MQTT") {
		t.Fatalf("run() error = %v, want MQTT connection failure", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	defer db.Close() //nolint:errcheck // Test cleanup

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='vbus_headers'").Scan(&count); err != nil {
		t.Fatalf("querying schema: %v", err)
	}
	if count != 1 {
		t.Error("vbus_headers table not created by migrations")
	}
}

func TestLoadSpecification(t *testing.T) {
	log := logging.NewWithWriter(config.LoggingConfig{Level: "error"}, "test", io.Discard)

	spec, err := loadSpecification("", log)
	if err != nil {
		t.Fatalf("loadSpecification(\"\") error = %v", err)
	}
	if spec.PacketCount() != 0 {
		t.Errorf("PacketCount() = %d, want 0", spec.PacketCount())
	}

	if _, err := loadSpecification("/nonexistent/spec.yaml", log); err == nil {
		t.Error("loadSpecification() with missing file: expected error")
	}
}

func TestOptionalDependenciesAreUntypedNil(t *testing.T) {
	if influxHealth(nil) != nil {
		t.Error("influxHealth(nil) must be an untyped nil")
	}
	if (&bridgeService{}).recorderStore() != nil {
		t.Error("recorderStore() without recorder must be an untyped nil")
	}
}

func TestMQTTBridgeAdapter_NotConnected(t *testing.T) {
	a := &mqttBridgeAdapter{}
	if a.IsConnected() {
		t.Error("IsConnected() with no client = true")
	}
}
