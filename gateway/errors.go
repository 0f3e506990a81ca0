package gateway

import "errors"

var (
	// ErrProtocolViolation is a well formed packet that makes no sense in the
	// session's current state.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrCorrelationMiss is an acknowledgement from the broker that does not
	// match any request we forwarded.
	ErrCorrelationMiss = errors.New("no pending request for acknowledgement")

	// ErrUpstreamFailure is the broker connection refusing or dropping us.
	ErrUpstreamFailure = errors.New("upstream failure")

	ErrEmptyTopicName      = errors.New("topic name is empty")
	ErrTopicIDsExhausted   = errors.New("no topic ids left to allocate")
	ErrMessageIDsExhausted = errors.New("no message ids left to allocate")
	ErrUnknownTopicID      = errors.New("unknown topic id")
	ErrDispatcherStopped   = errors.New("dispatcher is not running")
)
