package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/config"
)

// Client is the bridge's broker connection.
//
// It keeps the bridge's subscriptions and restores them after every
// reconnect, since sessions are clean. Handlers run on paho's goroutines; a
// handler that panics is logged and the message dropped.
//
// All methods are safe for concurrent use.
type Client struct {
	paho   pahomqtt.Client
	status status

	connected atomic.Bool
	closed    atomic.Bool

	mu            sync.RWMutex
	subscriptions map[string]subscription
	onConnect     func()
	onDisconnect  func(err error)
	logger        Logger
}

// Logger is the part of logging.Logger the client reports through.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type subscription struct {
	qos     byte
	handler func(topic string, payload []byte)
}

// Connect dials the broker and waits for the first connection.
//
// The will is set on the system status topic unless WithWill names another.
// After that paho reconnects on its own, with backoff between
// cfg.Reconnect.InitialDelay and MaxDelay.
func Connect(cfg config.MQTTConfig, options ...Option) (*Client, error) {
	c := newClient(cfg, options...)
	c.paho = pahomqtt.NewClient(c.clientOptions(cfg))

	token := c.paho.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The on-connect handler runs asynchronously; IsConnected must hold as
	// soon as Connect returns.
	c.connected.Store(true)
	return c, nil
}

func newClient(cfg config.MQTTConfig, options ...Option) *Client {
	st := defaultStatus(cfg.Broker.ClientID)
	for _, o := range options {
		o(&st)
	}
	return &Client{
		status:        st,
		subscriptions: make(map[string]subscription),
	}
}

func (c *Client) clientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := buildClientOptions(cfg, c.status)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })
	return opts
}

// handleConnect runs on the initial connect and on every reconnect.
func (c *Client) handleConnect() {
	c.connected.Store(true)
	c.restoreSubscriptions()

	if c.status.online != nil {
		c.paho.Publish(c.status.topic, willQoS, true, c.status.online())
	}

	c.mu.RLock()
	callback := c.onConnect
	c.mu.RUnlock()
	if callback != nil {
		callback()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connected.Store(false)

	c.mu.RLock()
	callback := c.onDisconnect
	c.mu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// restoreSubscriptions subscribes again to every filter the broker forgot
// with the old session. Failures are logged; the next reconnect retries.
func (c *Client) restoreSubscriptions() {
	c.mu.RLock()
	subs := make(map[string]subscription, len(c.subscriptions))
	for filter, sub := range c.subscriptions {
		subs[filter] = sub
	}
	c.mu.RUnlock()

	for filter, sub := range subs {
		token := c.paho.Subscribe(filter, sub.qos, c.wrapHandler(sub.handler))
		if !token.WaitTimeout(operationTimeout) {
			c.warn("MQTT resubscribe timed out", "topic", filter)
			continue
		}
		if err := token.Error(); err != nil {
			c.warn("MQTT resubscribe failed", "topic", filter, "error", err)
		}
	}
}

// Close publishes the graceful offline status, when this client owns one,
// and disconnects. Calling it again is a no-op.
func (c *Client) Close() error {
	if c.paho == nil || c.closed.Swap(true) {
		return nil
	}

	if c.status.offline != nil && c.IsConnected() {
		token := c.paho.Publish(c.status.topic, willQoS, true, c.status.offline())
		token.WaitTimeout(operationTimeout)
	}

	c.paho.Disconnect(disconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck returns ErrNotConnected while the broker connection is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.paho != nil && c.paho.IsConnected()
}

// SetOnConnect sets a callback run after every connect, once subscriptions
// are restored.
func (c *Client) SetOnConnect(callback func()) {
	c.mu.Lock()
	c.onConnect = callback
	c.mu.Unlock()
}

// SetOnDisconnect sets a callback run when the connection is lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.mu.Lock()
	c.onDisconnect = callback
	c.mu.Unlock()
}

// SetLogger sets where handler panics and resubscribe failures are
// reported. Without one they are dropped.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

func (c *Client) warn(msg string, args ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Warn(msg, args...)
	}
}

// wrapHandler adapts handler to paho and recovers its panics.
func (c *Client) wrapHandler(handler func(topic string, payload []byte)) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if logger := c.getLogger(); logger != nil {
					logger.Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
				}
			}
		}()
		handler(msg.Topic(), msg.Payload())
	}
}
