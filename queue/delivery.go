package queue

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/octabyte/fulltext-pipeline/connection"
)

// Delivery is the handle for one received, unacknowledged message. It is
// valid until it is acked or rejected, or until its channel closes.
type Delivery struct {
	raw     amqp.Delivery
	ch      connection.Channel
	settled bool
}

func newDelivery(raw amqp.Delivery, ch connection.Channel) *Delivery {
	return &Delivery{raw: raw, ch: ch}
}

func (d *Delivery) Tag() uint64 {
	return d.raw.DeliveryTag
}

func (d *Delivery) Body() []byte {
	return d.raw.Body
}

// Redelivered is set by the broker on every delivery after the first.
func (d *Delivery) Redelivered() bool {
	return d.raw.Redelivered
}

func (d *Delivery) MessageID() string {
	return d.raw.MessageId
}

func (d *Delivery) CorrelationID() string {
	return CorrelationID(d.raw.Body)
}

// RedeliveryKey identifies the message across redeliveries: the correlation
// id, else the publisher's MessageId, else a name-based uuid of the body.
// It is never empty, so bodies without an id can still be counted.
func (d *Delivery) RedeliveryKey() string {
	if id := d.CorrelationID(); id != "" {
		return id
	}
	if d.raw.MessageId != "" {
		return d.raw.MessageId
	}
	return "body-" + uuid.NewSHA1(uuid.NameSpaceOID, d.raw.Body).String()
}

// Message decodes the body as a generic JSON object.
func (d *Delivery) Message() (Message, error) {
	return Decode(d.raw.Body)
}

// Decode unmarshals the body into v.
func (d *Delivery) Decode(v any) error {
	if err := json.Unmarshal(d.raw.Body, v); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}

// Ack acknowledges the delivery. Acking twice, or after the channel closed,
// returns ErrStaleDelivery.
func (d *Delivery) Ack() error {
	if err := d.usable(); err != nil {
		return err
	}
	if err := d.raw.Ack(false); err != nil {
		return connection.Classify(err)
	}
	d.settled = true
	return nil
}

// Reject returns the delivery to its queue when requeue is true; otherwise
// the broker routes it to the dead-letter exchange.
func (d *Delivery) Reject(requeue bool) error {
	if err := d.usable(); err != nil {
		return err
	}
	if err := d.raw.Reject(requeue); err != nil {
		return connection.Classify(err)
	}
	d.settled = true
	return nil
}

func (d *Delivery) usable() error {
	if d.settled {
		return fmt.Errorf("%w: delivery %d already settled", ErrStaleDelivery, d.raw.DeliveryTag)
	}
	if d.ch == nil || d.ch.IsClosed() {
		return fmt.Errorf("%w: %w: delivery %d", ErrStaleDelivery, connection.ErrChannelClosed, d.raw.DeliveryTag)
	}
	return nil
}

// AckAll acknowledges every delivery in a batch, stopping at the first failure.
func AckAll(deliveries []*Delivery) error {
	for _, d := range deliveries {
		if err := d.Ack(); err != nil {
			return err
		}
	}
	return nil
}

// RejectAll rejects every delivery in a batch, stopping at the first failure.
func RejectAll(deliveries []*Delivery, requeue bool) error {
	for _, d := range deliveries {
		if err := d.Reject(requeue); err != nil {
			return err
		}
	}
	return nil
}
