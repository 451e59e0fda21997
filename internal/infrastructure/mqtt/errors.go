package mqtt

import "errors"

var (
	// ErrNotConnected is returned while the broker connection is down.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed is returned when Connect cannot reach the broker.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	ErrPublishFailed   = errors.New("mqtt: publish failed")
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")

	// ErrWildcardTopic is returned when a message is published to a filter.
	ErrWildcardTopic = errors.New("mqtt: cannot publish to a wildcard topic")

	// ErrInvalidFilter is returned for a subscription filter whose wildcards
	// do not fill whole levels.
	ErrInvalidFilter = errors.New("mqtt: invalid topic filter")
)
