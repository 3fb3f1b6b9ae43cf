package queue

import (
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/octabyte/fulltext-pipeline/connection"
	"github.com/octabyte/fulltext-pipeline/utils/logger"
)

// Topology declares and checks the exchanges, queues and bindings derived
// from Params:
//
//	main exchange --(queue name)--> main queue
//	dead-letter exchange --(dlx_key_<queue name>)--> dead-letter queue
type Topology struct {
	params Params
}

func NewTopology(params Params) *Topology {
	return &Topology{params}
}

func (t *Topology) Params() Params {
	return t.params
}

// IsReady passively checks that every exchange and queue exists. Nothing is
// created. A failed check makes the broker close ch, so callers must open a
// fresh channel before calling Ensure.
func (t *Topology) IsReady(ch connection.Channel) bool {
	if ch == nil || ch.IsClosed() {
		return false
	}

	p := t.params
	checks := []func() error{
		func() error {
			return ch.ExchangeDeclarePassive(p.MainExchange, ExchangeType, true, false, false, false, nil)
		},
		func() error {
			return ch.ExchangeDeclarePassive(p.DeadLetterExchange, ExchangeType, true, false, false, false, nil)
		},
		func() error {
			_, err := ch.QueueDeclarePassive(p.DeadLetterQueue, true, false, false, false, nil)
			return err
		},
		func() error {
			_, err := ch.QueueDeclarePassive(p.QueueName, true, false, false, false, p.QueueArgs())
			return err
		},
	}

	for _, check := range checks {
		if err := check(); err != nil {
			logger.LogDebug("Topology not ready",
				zap.String("queue", p.QueueName),
				zap.Error(err),
			)
			return false
		}
	}
	return true
}

// Ensure declares the topology if absent and sets the channel prefetch to the
// batch size. The dead-letter side is declared first because the main
// queue's arguments reference it. Re-declaring with identical Params is a
// no-op; conflicting arguments surface as ErrTopologyMismatch.
func (t *Topology) Ensure(ch connection.Channel) error {
	if ch == nil || ch.IsClosed() {
		return fmt.Errorf("%w: cannot ensure topology", connection.ErrChannelClosed)
	}

	p := t.params

	if err := ch.ExchangeDeclare(p.MainExchange, ExchangeType, true, false, false, false, nil); err != nil {
		return t.wrap("declare main exchange", err)
	}

	if err := ch.ExchangeDeclare(p.DeadLetterExchange, ExchangeType, true, false, false, false, nil); err != nil {
		return t.wrap("declare dead-letter exchange", err)
	}

	if _, err := ch.QueueDeclare(p.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return t.wrap("declare dead-letter queue", err)
	}

	if err := ch.QueueBind(p.DeadLetterQueue, p.DeadLetterRoutingKey(), p.DeadLetterExchange, false, nil); err != nil {
		return t.wrap("bind dead-letter queue", err)
	}

	if _, err := ch.QueueDeclare(p.QueueName, true, false, false, false, p.QueueArgs()); err != nil {
		return t.wrap("declare main queue", err)
	}

	if err := ch.QueueBind(p.QueueName, p.RoutingKey(), p.MainExchange, false, nil); err != nil {
		return t.wrap("bind main queue", err)
	}

	if err := ch.Qos(p.BatchSize, 0, false); err != nil {
		return t.wrap("set prefetch", err)
	}

	logger.LogDebug("Topology ensured",
		zap.String("queue", p.QueueName),
		zap.String("dead_letter_queue", p.DeadLetterQueue),
		zap.Int("prefetch", p.BatchSize),
	)

	return nil
}

func (t *Topology) wrap(step string, err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		logger.LogError("Topology mismatch",
			zap.String("queue", t.params.QueueName),
			zap.String("step", step),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %s: %w", ErrTopologyMismatch, step, err)
	}
	return fmt.Errorf("%s: %w", step, connection.Classify(err))
}

// QueueDepth returns the number of ready messages in name using a passive
// declare. A missing queue closes ch.
func QueueDepth(ch connection.Channel, name string) (int, error) {
	q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		return 0, connection.Classify(err)
	}
	return q.Messages, nil
}

// Probe opens a throwaway channel and reports whether the topology for params
// exists. It is the readiness check used by health endpoints.
func Probe(conn *connection.Connection, params Params) bool {
	if conn == nil || !conn.IsOpen() {
		return false
	}
	ch, err := connection.CreateChannel(conn)
	if err != nil {
		return false
	}
	defer func() { _ = ch.Close() }()

	return NewTopology(params).IsReady(ch)
}
