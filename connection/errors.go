package connection

import (
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrConfiguration marks missing or invalid connection/queue parameters.
	ErrConfiguration = errors.New("configuration error")
	// ErrConnection marks a failed or lost broker connection: bad credentials,
	// unreachable host, or a connection-level exception.
	ErrConnection = errors.New("connection error")
	// ErrConnectionClosed is returned by the channel factory when the connection is
	// absent or already closed. Callers recover by reconnecting and retrying.
	ErrConnectionClosed = errors.New("connection is not open")
	// ErrChannelClosed marks a channel the broker has closed, typically after a
	// topology mismatch or a protocol violation on that channel.
	ErrChannelClosed = errors.New("channel closed")
	// ErrBrokerProtocol marks an unmapped broker or client library failure.
	ErrBrokerProtocol = errors.New("broker protocol error")
)

// Classify wraps a raw broker error with the taxonomy class it belongs to.
// Errors already carrying a class are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	for _, class := range []error{ErrConfiguration, ErrConnection, ErrConnectionClosed, ErrChannelClosed, ErrBrokerProtocol} {
		if errors.Is(err, class) {
			return err
		}
	}

	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrChannelClosed, err)
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.AccessRefused, amqp.NotFound, amqp.ResourceLocked, amqp.PreconditionFailed, amqp.ContentTooLarge, amqp.NoRoute, amqp.NoConsumers:
			return fmt.Errorf("%w: %w", ErrChannelClosed, err)
		case amqp.ConnectionForced, amqp.InvalidPath, amqp.FrameError, amqp.SyntaxError,
			amqp.CommandInvalid, amqp.ChannelError, amqp.UnexpectedFrame, amqp.ResourceError,
			amqp.NotAllowed, amqp.NotImplemented, amqp.InternalError:
			if amqpErr.Code == amqp.ChannelError && !amqpErr.Server {
				// Client-side "channel/connection is not open".
				return fmt.Errorf("%w: %w", ErrChannelClosed, err)
			}
			return fmt.Errorf("%w: %w", ErrConnection, err)
		}
	}

	return fmt.Errorf("%w: %w", ErrBrokerProtocol, err)
}

// IsRecoverable reports whether err can be handled by recreating the channel
// (and, if needed, the connection) and re-ensuring topology.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrChannelClosed) || errors.Is(err, ErrConnectionClosed)
}
