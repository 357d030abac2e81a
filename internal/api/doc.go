// Package api provides the read-only HTTP status API of the VBus bridge.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Routes:
//
//	GET /api/v1/health            bridge health plus dependency probes (503 when degraded)
//	GET /api/v1/metrics           runtime and bridge counters as JSON
//	GET /api/v1/headers           current consolidated snapshot with decoded fields
//	GET /api/v1/headers/{key}     one header of the snapshot
//	GET /api/v1/headers/settled   discovery dump once the bus has settled
//	GET /api/v1/headers/recorded  headers persisted by the recorder
//	GET /metrics                  Prometheus exposition
//
// The API is read-only; value writes go through MQTT set topics.
package api
