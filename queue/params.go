package queue

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/octabyte/fulltext-pipeline/connection"
)

const (
	// ExchangeType is fixed: every exchange in the topology is direct.
	ExchangeType = amqp.ExchangeDirect

	DefaultMainExchange       = "ht_channel"
	DefaultDeadLetterExchange = "ht_dlx_channel"

	deadLetterQueueSuffix = "_dead_letter_queue"
	deadLetterKeyPrefix   = "dlx_key_"
)

// Params fully determines a queue's topology. Producers and consumers built
// from equal Params interoperate on the same queue.
type Params struct {
	// QueueName: The main queue. It is also the routing key on the main exchange.
	QueueName string `validate:"required,max=255"`
	// MainExchange: The direct exchange the main queue is bound to.
	MainExchange string `validate:"required,max=255"`
	// DeadLetterExchange: The direct exchange receiving rejected messages.
	DeadLetterExchange string `validate:"required,max=255,nefield=MainExchange"`
	// DeadLetterQueue: The queue bound to DeadLetterExchange.
	DeadLetterQueue string `validate:"required,max=255,nefield=QueueName"`
	// BatchSize: Prefetch (QoS) per channel and the batch consumer's fetch size.
	BatchSize int `validate:"gte=1"`
	// RequeueOnReject: Whether batch rejections return messages to the main
	// queue instead of dead-lettering them.
	RequeueOnReject bool
}

// NewParams derives the dead-letter names from queueName using the default
// exchanges.
func NewParams(queueName string, batchSize int, requeueOnReject bool) Params {
	return Params{
		QueueName:          queueName,
		MainExchange:       DefaultMainExchange,
		DeadLetterExchange: DefaultDeadLetterExchange,
		DeadLetterQueue:    DeadLetterQueueName(queueName),
		BatchSize:          batchSize,
		RequeueOnReject:    requeueOnReject,
	}
}

// DeadLetterQueueName returns the conventional dead-letter queue name.
func DeadLetterQueueName(queueName string) string {
	return queueName + deadLetterQueueSuffix
}

func (p Params) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(p); err != nil {
		return fmt.Errorf("%w: %w", connection.ErrConfiguration, err)
	}
	return nil
}

func (p Params) RoutingKey() string {
	return p.QueueName
}

func (p Params) DeadLetterRoutingKey() string {
	return deadLetterKeyPrefix + p.QueueName
}

// QueueArgs are the main queue's declaration arguments. They guarantee that
// a message rejected without requeue lands in the dead-letter queue.
func (p Params) QueueArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    p.DeadLetterExchange,
		"x-dead-letter-routing-key": p.DeadLetterRoutingKey(),
	}
}
