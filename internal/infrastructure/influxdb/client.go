package influxdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/config"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
	pingTimeout          = 5 * time.Second
)

var (
	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	// ErrUnreachable is returned when the server does not answer a ping.
	ErrUnreachable = errors.New("influxdb: server unreachable")

	// ErrClosed is returned by HealthCheck after Close.
	ErrClosed = errors.New("influxdb: client closed")
)

// Client writes bridge health samples to one InfluxDB bucket.
//
// Writes are batched and never block the caller; failures are counted and
// passed to the SetOnError callback. A zero Client drops every write.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	closed      atomic.Bool
	writeErrors atomic.Uint64

	mu      sync.Mutex
	onError func(error)
}

// Connect pings the server and prepares the batched writer.
//
// Returns:
//   - *Client: Ready client
//   - error: ErrDisabled, or ErrUnreachable wrapping the cause
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, clientOptions(cfg))

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if ok, err := client.Ping(pingCtx); err != nil || !ok {
		client.Close()
		if err == nil {
			err = errors.New("not ready")
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, cfg.URL, err)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
	}
	go c.collectErrors(c.writeAPI.Errors())
	return c, nil
}

// clientOptions maps the config to library options. Non-positive batch
// settings fall back to the defaults. The library's own logger is silenced;
// write errors reach the bridge log through SetOnError.
func clientOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := uint(defaultBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize)
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}
	return influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush.Milliseconds())). //nolint:gosec // positive
		SetLogLevel(0)
}

func (c *Client) collectErrors(errs <-chan error) {
	for err := range errs {
		c.writeErrors.Add(1)
		c.mu.Lock()
		fn := c.onError
		c.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	}
}

// SetOnError registers the callback for failed batch writes.
func (c *Client) SetOnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// WriteErrors returns how many batch writes failed.
func (c *Client) WriteErrors() uint64 {
	return c.writeErrors.Load()
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.client == nil || c.closed.Load() {
		return ErrClosed
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	ok, err := c.client.Ping(pingCtx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	if !ok {
		return fmt.Errorf("%w: not ready", ErrUnreachable)
	}
	return nil
}

// Flush sends the pending batch now. No-op once closed.
func (c *Client) Flush() {
	if c.writing() {
		c.writeAPI.Flush()
	}
}

// Close flushes the pending batch and releases the client. Safe to call
// more than once.
func (c *Client) Close() error {
	if c.client == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}

func (c *Client) writing() bool {
	return c.writeAPI != nil && !c.closed.Load()
}
