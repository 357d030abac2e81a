package vbus

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.bug.st/serial"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and sizes for bus daemon communication.
const (
	// DefaultDaemonConnection is the default bus daemon address.
	DefaultDaemonConnection = "tcp://localhost:7053"

	// defaultConnectTimeout is the maximum time to wait for the initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultBaudRate is the VBus line speed used by serial gateways.
	defaultBaudRate = 9600

	// defaultHeaderQueueSize is the buffer size of the header channel.
	defaultHeaderQueueSize = 256

	// maxFrameSize is the largest accepted line from the daemon.
	maxFrameSize = 64 * 1024

	// clientName identifies the bridge in the open handshake.
	clientName = "vbusbridge"
)

// Frame types exchanged with the bus daemon.
const (
	frameOpen        = "open"
	frameOpened      = "opened"
	frameHeader      = "header"
	frameWaitFreeBus = "wait_free_bus"
	frameFreeBus     = "free_bus"
	frameReleaseBus  = "release_bus"
	frameReleased    = "released"
	frameGetValue    = "get_value"
	frameSetValue    = "set_value"
	frameDatagram    = "datagram"
)

// frame is one newline-delimited JSON message on the daemon link.
type frame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Client    string `json:"client,omitempty"`
	Error     string `json:"error,omitempty"`

	// Header fields
	Channel     uint8      `json:"channel,omitempty"`
	Destination uint16     `json:"destination,omitempty"`
	Source      uint16     `json:"source,omitempty"`
	Protocol    uint8      `json:"protocol,omitempty"`
	Command     uint16     `json:"command,omitempty"`
	Payload     []byte     `json:"payload,omitempty"`
	Time        *time.Time `json:"time,omitempty"`

	// Request/response fields
	Master    uint16 `json:"master,omitempty"`
	ValueID   uint16 `json:"value_id,omitempty"`
	Value     *int32 `json:"value,omitempty"`
	Save      bool   `json:"save,omitempty"`
	Rejected  bool   `json:"rejected,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

// DaemonConfig holds bus daemon connection configuration.
type DaemonConfig struct {
	// Connection is the daemon URL.
	// Supported formats:
	//   - "tcp://localhost:7053" (TCP)
	//   - "unix:///run/vbusd.sock" (Unix socket)
	//   - "serial:///dev/ttyUSB0" (serial gateway)
	Connection string

	// BaudRate applies to serial connections. Default: 9600.
	BaudRate int

	// ConnectTimeout bounds dialling and the open handshake. Default: 10s.
	ConnectTimeout time.Duration

	// HeaderQueueSize is the header channel buffer. Default: 256.
	HeaderQueueSize int
}

// Ensure DaemonClient implements Connector.
var _ Connector = (*DaemonClient)(nil)

// DaemonClient talks to a bus framing daemon over newline-delimited JSON.
//
// The daemon owns bus framing and checksums; the client receives decoded
// headers and correlates request/response pairs by request id. There is no
// automatic reconnection: a read failure ends the header stream and Err
// reports the cause so the bridge can exit for its supervisor to restart it.
//
// Thread Safety: All methods are safe for concurrent use.
type DaemonClient struct {
	cfg  DaemonConfig
	conn io.ReadWriteCloser

	writeMu sync.Mutex
	enc     *json.Encoder

	pending   map[string]chan frame
	pendingMu sync.Mutex

	headers chan Header

	connected atomic.Bool
	err       error
	errMu     sync.RWMutex

	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	headersRx      atomic.Uint64
	headersDropped atomic.Uint64
	requestsTx     atomic.Uint64
	errorsTotal    atomic.Uint64
	lastActivity   atomic.Int64
}

// Connect opens the daemon link and performs the open handshake.
//
// The connection URL determines the transport:
//   - "tcp://host:port" → TCP socket
//   - "unix:///path" → Unix socket
//   - "serial:///dev/ttyUSB0" → serial port at cfg.BaudRate
func Connect(ctx context.Context, cfg DaemonConfig) (*DaemonClient, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = defaultBaudRate
	}
	if cfg.HeaderQueueSize == 0 {
		cfg.HeaderQueueSize = defaultHeaderQueueSize
	}

	network, address, err := parseConnectionURL(cfg.Connection)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	conn, err := dial(connectCtx, network, address, cfg.BaudRate)
	if err != nil {
		return nil, fmt.Errorf("%w: dial failed: %w", ErrConnectionFailed, err)
	}

	c := newDaemonClient(conn, cfg)
	if err := c.open(connectCtx); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: handshake failed: %w", ErrConnectionFailed, err)
	}

	return c, nil
}

// newDaemonClient wraps an established link and starts the receive loop.
func newDaemonClient(conn io.ReadWriteCloser, cfg DaemonConfig) *DaemonClient {
	if cfg.HeaderQueueSize == 0 {
		cfg.HeaderQueueSize = defaultHeaderQueueSize
	}

	c := &DaemonClient{
		cfg:     cfg,
		conn:    conn,
		enc:     json.NewEncoder(conn),
		pending: make(map[string]chan frame),
		headers: make(chan Header, cfg.HeaderQueueSize),
		done:    newCloseOnce(),
	}
	c.connected.Store(true)
	c.lastActivity.Store(time.Now().Unix())

	c.wg.Add(1)
	go c.receiveLoop()

	return c
}

// parseConnectionURL parses a daemon URL into a network and address.
func parseConnectionURL(connURL string) (network, address string, err error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "unix":
		return "unix", u.Path, nil
	case "tcp":
		host := u.Host
		if host == "" {
			host = "localhost:7053"
		}
		return "tcp", host, nil
	case "serial":
		if u.Path == "" {
			return "", "", fmt.Errorf("serial URL %q has no device path", connURL)
		}
		return "serial", u.Path, nil
	default:
		return "", "", fmt.Errorf("unsupported scheme %q (use tcp, unix or serial)", u.Scheme)
	}
}

// dial opens the transport for a parsed connection URL.
func dial(ctx context.Context, network, address string, baud int) (io.ReadWriteCloser, error) {
	if network != "serial" {
		var dialer net.Dialer
		return dialer.DialContext(ctx, network, address)
	}

	port, err := serial.Open(address, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", address, err)
	}
	return port, nil
}

// open announces the client and waits for the daemon's acknowledgement.
func (c *DaemonClient) open(ctx context.Context) error {
	_, err := c.request(ctx, frame{Type: frameOpen, Client: clientName}, frameOpened)
	return err
}

// receiveLoop reads frames until the link fails or the client is closed.
// It owns the header channel and closes it on exit.
func (c *DaemonClient) receiveLoop() {
	defer c.wg.Done()
	defer close(c.headers)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 4096), maxFrameSize)

	for scanner.Scan() {
		var f frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			c.errorsTotal.Add(1)
			c.logError("malformed frame from daemon", err)
			continue
		}
		c.lastActivity.Store(time.Now().Unix())

		if f.Type == frameHeader {
			c.handleHeader(f)
			continue
		}
		c.handleResponse(f)
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.handleDisconnect(err)
}

// handleHeader queues a header frame without blocking the receive loop.
func (c *DaemonClient) handleHeader(f frame) {
	ts := time.Now()
	if f.Time != nil {
		ts = *f.Time
	}
	h := Header{
		Key: HeaderKey{
			Channel:     f.Channel,
			Destination: f.Destination,
			Source:      f.Source,
			Protocol:    f.Protocol,
			Command:     f.Command,
		},
		Payload:   f.Payload,
		Timestamp: ts,
	}
	c.headersRx.Add(1)

	select {
	case c.headers <- h:
	default:
		c.headersDropped.Add(1)
		c.logError("header queue full, dropping header", nil)
	}
}

// handleResponse routes a response frame to its waiting request.
func (c *DaemonClient) handleResponse(f frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[f.RequestID]
	if ok {
		delete(c.pending, f.RequestID)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logDebug("response for unknown request", "request_id", f.RequestID, "type", f.Type)
		return
	}
	ch <- f
}

// handleDisconnect records the link failure unless the client is closing.
func (c *DaemonClient) handleDisconnect(err error) {
	wasConnected := c.connected.Swap(false)

	select {
	case <-c.done.Done():
		return
	default:
	}

	c.errMu.Lock()
	if c.err == nil {
		c.err = fmt.Errorf("%w: %w", ErrTransport, err)
	}
	c.errMu.Unlock()

	if wasConnected {
		c.errorsTotal.Add(1)
		c.logError("connection to bus daemon lost", err)
	}
	c.done.Close()
}

// request sends f and waits for a response of the expected type.
func (c *DaemonClient) request(ctx context.Context, f frame, want string) (frame, error) {
	if !c.IsConnected() {
		return frame{}, ErrNotConnected
	}

	f.RequestID = uuid.NewString()
	if deadline, ok := ctx.Deadline(); ok {
		f.TimeoutMS = max(time.Until(deadline).Milliseconds(), 1)
	}

	ch := make(chan frame, 1)
	c.pendingMu.Lock()
	c.pending[f.RequestID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, f.RequestID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := c.enc.Encode(f)
	c.writeMu.Unlock()
	if err != nil {
		c.errorsTotal.Add(1)
		return frame{}, fmt.Errorf("writing %s: %w", f.Type, err)
	}
	c.requestsTx.Add(1)

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return resp, fmt.Errorf("%w: %s: %s", ErrRequestFailed, f.Type, resp.Error)
		}
		if resp.Type != want {
			return resp, fmt.Errorf("%w: %s: unexpected response %q", ErrRequestFailed, f.Type, resp.Type)
		}
		return resp, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-c.done.Done():
		return frame{}, ErrNotConnected
	}
}

// WaitForFreeBus asks the daemon to claim bus mastership.
func (c *DaemonClient) WaitForFreeBus(ctx context.Context) (uint16, error) {
	resp, err := c.request(ctx, frame{Type: frameWaitFreeBus}, frameFreeBus)
	if err != nil {
		return 0, err
	}
	return resp.Master, nil
}

// ReleaseBus hands bus mastership back to master.
func (c *DaemonClient) ReleaseBus(ctx context.Context, master uint16) error {
	_, err := c.request(ctx, frame{Type: frameReleaseBus, Master: master}, frameReleased)
	return err
}

// GetValueByID reads a controller value. The context deadline is the
// response timeout for this single attempt.
func (c *DaemonClient) GetValueByID(ctx context.Context, master, valueID uint16) (Datagram, error) {
	resp, err := c.request(ctx, frame{Type: frameGetValue, Master: master, ValueID: valueID}, frameDatagram)
	if err != nil {
		return Datagram{}, err
	}
	return toDatagram(resp), nil
}

// SetValueByID writes a controller value.
func (c *DaemonClient) SetValueByID(ctx context.Context, master, valueID uint16, raw int32, save bool) (Datagram, error) {
	resp, err := c.request(ctx, frame{
		Type:    frameSetValue,
		Master:  master,
		ValueID: valueID,
		Value:   &raw,
		Save:    save,
	}, frameDatagram)
	if err != nil {
		return Datagram{}, err
	}
	return toDatagram(resp), nil
}

func toDatagram(f frame) Datagram {
	d := Datagram{ValueID: f.ValueID, Rejected: f.Rejected}
	if f.Value != nil {
		d.Value = *f.Value
	}
	return d
}

// Headers returns the header stream.
func (c *DaemonClient) Headers() <-chan Header {
	return c.headers
}

// Err returns why the header stream ended.
func (c *DaemonClient) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.err
}

// IsConnected returns true while the link is up.
func (c *DaemonClient) IsConnected() bool {
	return c.connected.Load()
}

// Stats returns current operational statistics.
func (c *DaemonClient) Stats() ConnectorStats {
	return ConnectorStats{
		HeadersRx:      c.headersRx.Load(),
		HeadersDropped: c.headersDropped.Load(),
		RequestsTx:     c.requestsTx.Load(),
		ErrorsTotal:    c.errorsTotal.Load(),
		LastActivity:   time.Unix(c.lastActivity.Load(), 0),
		Connected:      c.IsConnected(),
	}
}

// Address returns the configured connection URL.
func (c *DaemonClient) Address() string {
	return c.cfg.Connection
}

// Close shuts the link down and waits for the receive loop to exit.
func (c *DaemonClient) Close() error {
	c.done.Close()
	c.connected.Store(false)
	err := c.conn.Close()
	c.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// SetLogger sets the logger for this client.
func (c *DaemonClient) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *DaemonClient) logError(msg string, err error) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger == nil {
		return
	}
	if err != nil {
		logger.Error(msg, "error", err)
	} else {
		logger.Error(msg)
	}
}

func (c *DaemonClient) logDebug(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
