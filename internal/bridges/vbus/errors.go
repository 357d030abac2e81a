package vbus

import "errors"

// Domain errors for the VBus bridge package.
var (
	// ErrBusTimeout is returned when the arbiter could not take the bus
	// within its polling budget.
	ErrBusTimeout = errors.New("vbus: timed out waiting for the bus")

	// ErrNoResponse is returned when a get/set exchange exhausted its retries
	// without an answer from the controller.
	ErrNoResponse = errors.New("vbus: no response from controller")

	// ErrOutOfRange is returned when an inbound write lies outside the
	// field's declared [min, max] range.
	ErrOutOfRange = errors.New("vbus: value out of range")

	// ErrMisconfiguredField is returned for writeable fields lacking a
	// complete {precision, min, max} type descriptor.
	ErrMisconfiguredField = errors.New("vbus: misconfigured field")

	// ErrTransport is returned when the bus connection or the MQTT client is
	// lost. It is fatal to the bridge run loop.
	ErrTransport = errors.New("vbus: transport failure")

	// ErrNotConnected is returned when an operation requires a connection
	// but the client is not connected to the bus daemon.
	ErrNotConnected = errors.New("vbus: not connected to bus daemon")

	// ErrConnectionFailed is returned when the connection to the bus daemon fails.
	ErrConnectionFailed = errors.New("vbus: connection to bus daemon failed")

	// ErrRequestFailed is returned when the bus daemon answers a request with an error.
	ErrRequestFailed = errors.New("vbus: request failed")

	// ErrValueRejected is returned when the controller refuses a get/set request.
	ErrValueRejected = errors.New("vbus: value request rejected by controller")

	// ErrLeaseReleased is returned when a bus exchange is attempted with a
	// lease that has already been released.
	ErrLeaseReleased = errors.New("vbus: bus lease already released")

	// ErrInvalidPayload is returned when an inbound MQTT payload is not a number.
	ErrInvalidPayload = errors.New("vbus: invalid payload")

	// ErrUnknownField is returned for writes to keys that are not configured.
	ErrUnknownField = errors.New("vbus: unknown field")

	// ErrWriteQueueFull is returned when inbound writes arrive faster than
	// the bus can absorb them.
	ErrWriteQueueFull = errors.New("vbus: write queue full")
)
