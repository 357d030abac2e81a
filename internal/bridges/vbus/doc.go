// Package vbus implements the VBus protocol bridge for RESOL solar and
// heating controllers.
//
// The bridge connects to a bus framing daemon (vbusd) over TCP, a Unix
// socket or a serial gateway, consolidates the headers controllers broadcast,
// and publishes the decoded values to MQTT. Setpoints published to
// <root>/<key>/set are validated and written back to the controller.
//
// # Architecture
//
//	┌──────────────┐   MQTT   ┌──────────────┐  vbusd   ┌─────────────┐
//	│ Home         │◄────────►│ VBus Bridge  │◄────────►│ VBus        │
//	│ Automation   │          │ (this pkg)   │          │ Controllers │
//	└──────────────┘          └──────────────┘          └─────────────┘
//
// # Data Flow
//
// Headers from the daemon feed a SettlingDetector, which logs the discovered
// packet types once the bus stops producing new ones, and one Consolidator
// per cadence. Consolidators keep the latest header per HeaderKey and hand
// snapshots to their listeners on every tick:
//
//   - Publisher: decodes the snapshot, publishes <root> and <root>/<key>,
//     then polls configured values if the bus is free
//   - HeaderRecorder: upserts headers into SQLite
//   - TelemetryWriter: writes decoded fields to InfluxDB
//
// # Bus Arbitration
//
// The bus is half-duplex. Any active request runs under a Lease from the
// shared Arbiter, which polls a single busy flag at a fixed interval and
// fails with ErrBusTimeout after a bounded number of checks. A Lease is
// always released, whatever the outcome of the exchange.
//
// Example:
//
//	err := arbiter.WithLease(ctx, func(ctx context.Context, lease *vbus.Lease) error {
//	    dgram, err := accessor.Get(ctx, lease, 0x0200)
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(vbus.ToPhysical(dgram.Value, 1))
//	    return nil
//	})
//
// # Errors
//
// ErrBusTimeout, ErrNoResponse and ErrOutOfRange are logged and only skip
// the affected operation. ErrMisconfiguredField prevents a write topic from
// being subscribed. ErrTransport ends Bridge.Run.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines,
// except HeaderSet.
package vbus
