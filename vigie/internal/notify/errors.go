package notify

import (
	"errors"
	"fmt"
)

// ErrChannelNotFound is returned when an event targets a channel that is not
// configured.
type ErrChannelNotFound struct {
	Channel string
}

func (e *ErrChannelNotFound) Error() string {
	return fmt.Sprintf("notify: channel not found: %s", e.Channel)
}

// ErrUnknownPlatform is returned when a channel spec names an unregistered
// type.
type ErrUnknownPlatform struct {
	Channel  string
	Platform string
}

func (e *ErrUnknownPlatform) Error() string {
	return fmt.Sprintf("notify: no factory for type %q (channel %s)", e.Platform, e.Channel)
}

// ErrSendFailed is returned when a payload could not be delivered.
// Permanent failures (rejected credentials, bad request) are not retried.
type ErrSendFailed struct {
	Channel    string
	Platform   string
	StatusCode int
	Permanent  bool
	Cause      error
}

func (e *ErrSendFailed) Error() string {
	return fmt.Sprintf("notify: send failed on %s (%s): %v", e.Channel, e.Platform, e.Cause)
}

func (e *ErrSendFailed) Unwrap() error { return e.Cause }

// retryable reports whether another attempt may succeed.
func retryable(err error) bool {
	var sf *ErrSendFailed
	if errors.As(err, &sf) {
		return !sf.Permanent
	}
	return true
}
