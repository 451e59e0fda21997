package velbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/serial"
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

// Transports.
const (
	TransportSerial = "serial"
	TransportTCP    = "tcp"
)

// Default timeouts and intervals for bus communication.
const (
	// DefaultBaudRate is the line speed of every Velbus serial interface.
	DefaultBaudRate = 38400

	// defaultConnectTimeout is the maximum time to wait for the initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultReadTimeout bounds each read so Close is noticed promptly.
	defaultReadTimeout = 1 * time.Second

	// defaultWriteTimeout is the timeout for write operations.
	defaultWriteTimeout = 5 * time.Second

	// defaultReconnectInterval is the initial delay between reconnection attempts.
	defaultReconnectInterval = 5 * time.Second

	// maxReconnectInterval is the maximum delay between reconnection attempts.
	maxReconnectInterval = 2 * time.Minute

	// readBufferSize is the size of the read buffer for incoming bytes.
	readBufferSize = 256
)

// ConnectionConfig holds bus connection settings.
type ConnectionConfig struct {
	// Transport is "serial" or "tcp".
	Transport string

	// Port is the serial device (e.g. "/dev/ttyACM0").
	Port string

	// BaudRate is the serial line speed. Default: 38400.
	BaudRate int

	// Address is the TCP gateway address ("host:port").
	Address string

	// ConnectTimeout is the maximum time to wait for a connection.
	ConnectTimeout time.Duration

	// ReadTimeout bounds each read. Default: 1 second.
	ReadTimeout time.Duration

	// ReconnectInterval is the initial delay between reconnection attempts.
	ReconnectInterval time.Duration
}

// ConnectionStats holds operational statistics.
type ConnectionStats struct {
	BytesRx         uint64
	FramesRx        uint64
	FramesTx        uint64
	FramesMalformed uint64
	ErrorsTotal     uint64
	ReconnectsTotal uint64
	LastActivity    time.Time
	Connected       bool
	Reconnecting    bool
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Connector is the bus side of the bridge.
// This allows mocking the connection in tests.
type Connector interface {
	Send(ctx context.Context, frame []byte) error
	SetOnFrame(callback func(Frame))
	IsConnected() bool
	Stats() ConnectionStats
	Close() error
}

// Ensure Connection implements Connector and Sender.
var (
	_ Connector = (*Connection)(nil)
	_ Sender    = (*Connection)(nil)
)

// dialFunc opens the underlying byte stream.
type dialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// Connection is a byte-stream connection to the Velbus bus.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Frames are delivered to the callback on the receive goroutine, one at
//     a time, in the order they arrived on the bus.
//
// Auto-Reconnection:
//   - When the stream fails, the connection reopens it with exponential
//     backoff starting at ReconnectInterval (default 5s) up to 2 minutes.
//   - Reconnection stops only when Close() is called.
type Connection struct {
	cfg  ConnectionConfig
	dial dialFunc

	// Connection state
	connMu    sync.RWMutex
	conn      io.ReadWriteCloser
	connected bool
	writeMu   sync.Mutex

	reconnecting atomic.Bool

	// Stream reassembly, owned by the receive goroutine
	reader *FrameReader

	onFrame    func(Frame)
	callbackMu sync.RWMutex

	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	bytesRx         atomic.Uint64
	framesRx        atomic.Uint64
	framesTx        atomic.Uint64
	framesMalformed atomic.Uint64
	errorsTotal     atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64
}

// Connect opens the bus connection and starts the receive loop.
//
// Parameters:
//   - ctx: Context for the initial connection
//   - cfg: Connection configuration
//
// Returns:
//   - *Connection: Connected and receiving
//   - error: ErrInvalidConfig or ErrConnectionFailed
func Connect(ctx context.Context, cfg ConnectionConfig) (*Connection, error) {
	cfg = withConnectionDefaults(cfg)

	dial, err := dialerFor(cfg)
	if err != nil {
		return nil, err
	}
	return connectWith(ctx, cfg, dial)
}

// connectWith opens a connection through dial. Split out for tests.
func connectWith(ctx context.Context, cfg ConnectionConfig, dial dialFunc) (*Connection, error) {
	cfg = withConnectionDefaults(cfg)

	if ctx == nil {
		ctx = context.Background()
	}
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	conn, err := dial(connectCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &Connection{
		cfg:    cfg,
		dial:   dial,
		conn:   conn,
		reader: NewFrameReader(),
		done:   newCloseOnce(),
	}
	c.reader.SetOnMalformed(c.handleMalformed)
	c.connected = true
	c.lastActivity.Store(time.Now().Unix())

	c.wg.Add(1)
	go c.receiveLoop()

	return c, nil
}

func withConnectionDefaults(cfg ConnectionConfig) ConnectionConfig {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	return cfg
}

// dialerFor returns the dial function for the configured transport.
func dialerFor(cfg ConnectionConfig) (dialFunc, error) {
	switch cfg.Transport {
	case TransportSerial:
		if cfg.Port == "" {
			return nil, fmt.Errorf("%w: serial port is required", ErrInvalidConfig)
		}
		return func(context.Context) (io.ReadWriteCloser, error) {
			port, err := serial.Open(&serial.Config{
				Address:  cfg.Port,
				BaudRate: cfg.BaudRate,
				DataBits: 8, //nolint:mnd // 8N1
				StopBits: 1,
				Parity:   "N",
				Timeout:  cfg.ReadTimeout,
			})
			if err != nil {
				return nil, fmt.Errorf("open %s: %w", cfg.Port, err)
			}
			return port, nil
		}, nil

	case TransportTCP:
		if cfg.Address == "" {
			return nil, fmt.Errorf("%w: tcp address is required", ErrInvalidConfig)
		}
		return func(ctx context.Context) (io.ReadWriteCloser, error) {
			var dialer net.Dialer
			conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
			if err != nil {
				return nil, fmt.Errorf("dial tcp://%s: %w", cfg.Address, err)
			}
			return conn, nil
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, cfg.Transport)
	}
}

// deadlineSetter is implemented by net.Conn.
type deadlineSetter interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// receiveLoop reads bytes, reassembles frames and delivers them in order.
// On stream failure it reconnects with exponential backoff.
func (c *Connection) receiveLoop() {
	defer c.wg.Done()

	buf := make([]byte, readBufferSize)

	for {
		if c.isClosed() {
			return
		}

		n, err := c.read(buf)
		if n > 0 {
			c.bytesRx.Add(uint64(n)) //nolint:gosec // n is non-negative
			c.lastActivity.Store(time.Now().Unix())
			for _, f := range c.reader.Feed(buf[:n]) {
				c.framesRx.Add(1)
				c.deliver(f)
			}
		}

		if err != nil && c.handleReadError(err) {
			if c.isClosed() || !c.reconnect() {
				return
			}
		}
	}
}

func (c *Connection) read(buf []byte) (int, error) {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		return 0, ErrNotConnected
	}
	if ds, ok := conn.(deadlineSetter); ok {
		if err := ds.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			return 0, fmt.Errorf("set deadline: %w", err)
		}
	}
	return conn.Read(buf)
}

// handleReadError returns true when the stream must be reopened.
func (c *Connection) handleReadError(err error) bool {
	if c.isClosed() {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	if errors.Is(err, serial.ErrTimeout) {
		return false
	}

	if !errors.Is(err, io.EOF) {
		c.logError("read failed", err)
	}
	c.errorsTotal.Add(1)
	c.handleDisconnect()
	return true
}

// deliver passes one frame to the callback, recovering from panics.
func (c *Connection) deliver(f Frame) {
	c.callbackMu.RLock()
	callback := c.onFrame
	c.callbackMu.RUnlock()

	if callback == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logError("frame callback panic", fmt.Errorf("%v", r))
		}
	}()
	callback(f)
}

func (c *Connection) handleMalformed(err error, skipped []byte) {
	c.framesMalformed.Add(1)
	c.logDebug("malformed frame dropped", "bytes", FormatHex(skipped), "error", err)
}

// handleDisconnect marks the connection as lost.
func (c *Connection) handleDisconnect() {
	c.connMu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.connMu.Unlock()

	if wasConnected {
		c.logInfo("connection lost, will attempt reconnection")
	}
}

// reconnect reopens the stream with exponential backoff.
// Returns true if reconnection succeeded, false if shutdown was signalled.
func (c *Connection) reconnect() bool {
	c.reconnecting.Store(true)
	defer c.reconnecting.Store(false)

	backoff := c.cfg.ReconnectInterval
	attempt := 0

	for {
		if c.isClosed() {
			return false
		}

		attempt++
		c.logInfo("attempting reconnection", "attempt", attempt, "backoff", backoff.String())
		c.closeOldConnection()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			backoff = c.handleReconnectFailure(err, backoff)
			if backoff == 0 {
				return false
			}
			continue
		}

		c.connMu.Lock()
		c.conn = conn
		c.connected = true
		c.connMu.Unlock()

		c.reader.Reset()
		c.reconnectsTotal.Add(1)
		c.lastActivity.Store(time.Now().Unix())
		c.logInfo("reconnection successful", "total_reconnects", c.reconnectsTotal.Load())
		return true
	}
}

// handleReconnectFailure waits out the backoff.
// Returns the new backoff duration, or 0 if shutdown was signalled.
func (c *Connection) handleReconnectFailure(err error, backoff time.Duration) time.Duration {
	c.logError("reconnect failed", err)
	c.errorsTotal.Add(1)

	select {
	case <-c.done.Done():
		return 0
	case <-time.After(backoff):
	}

	next := time.Duration(float64(backoff) * 1.5) //nolint:mnd // backoff factor
	if next > maxReconnectInterval {
		next = maxReconnectInterval
	}
	return next
}

func (c *Connection) closeOldConnection() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

// Close stops the receive loop and closes the stream.
// Safe to call multiple times.
func (c *Connection) Close() error {
	c.done.Close()

	c.connMu.Lock()
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()

	c.logInfo("connection closed")
	return nil
}

// Send writes one encoded frame to the bus.
//
// Parameters:
//   - ctx: Context for cancellation
//   - frame: Wire bytes from Encode
//
// Returns:
//   - error: ErrNotConnected, context errors, or write errors
func (c *Connection) Send(ctx context.Context, frame []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.connMu.RLock()
	conn, connected := c.conn, c.connected
	c.connMu.RUnlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if ds, ok := conn.(deadlineSetter); ok {
		deadline := time.Now().Add(defaultWriteTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := ds.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("set deadline: %w", err)
		}
	}

	if _, err := conn.Write(frame); err != nil {
		c.errorsTotal.Add(1)
		return fmt.Errorf("write: %w", err)
	}

	c.framesTx.Add(1)
	c.lastActivity.Store(time.Now().Unix())
	return nil
}

// SetOnFrame sets the callback for received frames.
func (c *Connection) SetOnFrame(callback func(Frame)) {
	c.callbackMu.Lock()
	c.onFrame = callback
	c.callbackMu.Unlock()
}

// SetLogger sets the logger for this connection.
func (c *Connection) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// IsConnected returns true while the stream is open.
func (c *Connection) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Stats returns current operational statistics.
func (c *Connection) Stats() ConnectionStats {
	return ConnectionStats{
		BytesRx:         c.bytesRx.Load(),
		FramesRx:        c.framesRx.Load(),
		FramesTx:        c.framesTx.Load(),
		FramesMalformed: c.framesMalformed.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
		ReconnectsTotal: c.reconnectsTotal.Load(),
		LastActivity:    time.Unix(c.lastActivity.Load(), 0),
		Connected:       c.IsConnected(),
		Reconnecting:    c.reconnecting.Load(),
	}
}

// HealthCheck verifies the connection is open.
func (c *Connection) HealthCheck(_ context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (c *Connection) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Connection) logDebug(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (c *Connection) logInfo(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (c *Connection) logError(msg string, err error) {
	if logger := c.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}
