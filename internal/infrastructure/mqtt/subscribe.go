package mqtt

import "fmt"

// Subscribe routes messages matching filter to handler and remembers the
// subscription so it survives reconnects.
//
// The bridge subscribes to graylogic/command/velbus/+ and
// graylogic/request/velbus/+; handler sees the expanded topic. A filter
// that is subscribed twice keeps the newer handler.
func (c *Client) Subscribe(filter string, qos byte, handler func(topic string, payload []byte)) error {
	if err := validateFilter(filter); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.paho.Subscribe(filter, qos, c.wrapHandler(handler))
	if !token.WaitTimeout(operationTimeout) {
		return fmt.Errorf("%w: %s: timeout after %v", ErrSubscribeFailed, filter, operationTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, filter, err)
	}

	c.mu.Lock()
	c.subscriptions[filter] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()
	return nil
}
