package vbus

import "time"

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Connector is the bus connection used by the bridge.
//
// Headers are delivered on a bounded channel that is closed when the
// connection is lost or closed; Err then reports why. The request/response
// operations must only be used while holding a Lease.
type Connector interface {
	BusController
	ValueExchanger

	// Headers returns the stream of decoded bus headers.
	Headers() <-chan Header

	// Err returns the reason the header stream ended, or nil.
	Err() error

	IsConnected() bool
	Stats() ConnectorStats
	Close() error
}

// ConnectorStats holds operational statistics for a bus connection.
type ConnectorStats struct {
	HeadersRx      uint64
	HeadersDropped uint64 // Headers dropped due to a full queue
	RequestsTx     uint64
	ErrorsTotal    uint64
	LastActivity   time.Time
	Connected      bool
}
