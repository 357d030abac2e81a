package api

import (
	"context"
	"net/http"
	"time"

	"github.com/nerrad567/vbus-bridge/internal/bridges/vbus"
)

// healthCheckTimeout bounds each dependency probe.
const healthCheckTimeout = 2 * time.Second

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status  string             `json:"status"`
	Version string             `json:"version"`
	Bridge  vbus.HealthMessage `json:"bridge"`
	Checks  map[string]string  `json:"checks"`
}

// handleHealth reports the bridge health plus a probe of each optional
// dependency. Any failing check answers 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.version,
		Bridge:  s.bridge.Health(),
		Checks:  make(map[string]string),
	}

	if s.mqtt != nil {
		resp.Checks["mqtt"] = "ok"
		if !s.mqtt.IsConnected() {
			resp.Checks["mqtt"] = "disconnected"
			resp.Status = "degraded"
		}
	}
	s.probe(r.Context(), &resp, "database", s.db)
	s.probe(r.Context(), &resp, "influxdb", s.influx)

	switch resp.Bridge.Status {
	case vbus.HealthOffline, vbus.HealthStopping:
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) probe(ctx context.Context, resp *HealthResponse, name string, hc HealthChecker) {
	if hc == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := hc.HealthCheck(ctx); err != nil {
		resp.Checks[name] = err.Error()
		resp.Status = "degraded"
		return
	}
	resp.Checks[name] = "ok"
}
