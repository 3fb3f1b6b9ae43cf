package queue

import (
	"errors"
	"fmt"

	"github.com/octabyte/fulltext-pipeline/connection"
)

var (
	// ErrSerialization marks a payload that is not a JSON object. Nothing is
	// sent to the broker.
	ErrSerialization = errors.New("message is not a serializable JSON object")
	// ErrStaleDelivery marks an ack/reject on a delivery that was already
	// settled or whose channel has closed.
	ErrStaleDelivery = errors.New("stale delivery")
	// ErrTopologyMismatch marks a queue or exchange that exists with different
	// arguments than requested.
	ErrTopologyMismatch = fmt.Errorf("%w: topology mismatch", connection.ErrConfiguration)
	// ErrDecode marks a consumed body that is not a JSON object.
	ErrDecode = errors.New("message body is not a JSON object")
)
