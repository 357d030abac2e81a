package vbus

import "time"

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the bridge is operating normally.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bridge is operating with issues.
	HealthDegraded HealthStatus = "degraded"

	// HealthOffline indicates the bridge is not connected (from LWT).
	HealthOffline HealthStatus = "offline"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports the bridge's operational status.
// Topic: <root>/health
// QoS: 1, Retained: Yes
type HealthMessage struct {
	// Bridge is the bridge identifier.
	Bridge string `json:"bridge"`

	// Timestamp is when the health status was generated (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Status indicates the current operational status.
	Status HealthStatus `json:"status"`

	// Version is the bridge software version.
	Version string `json:"version"`

	// UptimeSeconds is how long the bridge has been running.
	UptimeSeconds int64 `json:"uptime_seconds"`

	// Connection describes the bus daemon link.
	Connection *ConnectionStatus `json:"connection,omitempty"`

	// Statistics contains operational counters.
	Statistics *BridgeStatistics `json:"statistics,omitempty"`

	// Bus describes discovery and arbitration state.
	Bus *BusStatus `json:"bus,omitempty"`

	// Reason explains the status (especially for offline/degraded).
	Reason string `json:"reason,omitempty"`
}

// ConnectionStatus describes the bus daemon link.
type ConnectionStatus struct {
	// Status is "connected" or "disconnected".
	Status string `json:"status"`

	// Address is the daemon connection URL.
	Address string `json:"address"`

	// LastActivity is when the daemon last sent anything.
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// BridgeStatistics contains operational counters.
type BridgeStatistics struct {
	HeadersReceived uint64 `json:"headers_received"`
	HeadersDropped  uint64 `json:"headers_dropped"`
	RequestsSent    uint64 `json:"requests_sent"`
	Errors          uint64 `json:"errors"`
}

// BusStatus describes discovery and arbitration state.
type BusStatus struct {
	Settled        bool `json:"settled"`
	HeadersTracked int  `json:"headers_tracked"`
	Busy           bool `json:"busy"`
}

// NewHealthMessage creates a health status message.
func NewHealthMessage(bridgeID, version string, status HealthStatus, stats ConnectorStats, startTime time.Time) HealthMessage {
	msg := HealthMessage{
		Bridge:        bridgeID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       version,
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
	}

	if stats.Connected {
		lastActivity := stats.LastActivity
		msg.Connection = &ConnectionStatus{
			Status:       "connected",
			LastActivity: &lastActivity,
		}
	} else {
		msg.Connection = &ConnectionStatus{Status: "disconnected"}
	}

	msg.Statistics = &BridgeStatistics{
		HeadersReceived: stats.HeadersRx,
		HeadersDropped:  stats.HeadersDropped,
		RequestsSent:    stats.RequestsTx,
		Errors:          stats.ErrorsTotal,
	}

	return msg
}

// HealthTopic returns the MQTT topic for health status.
// Example: resol/health
func HealthTopic(root string) string {
	return root + "/health"
}
