package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/octabyte/fulltext-pipeline/connection"
)

func (s *QueueTestSuite) TestConsumeRoundTrip() {
	params := NewParams("orders", 1, false)
	producer := s.producer(params)
	consumer := s.consumer(params)

	s.publish(producer, map[string]any{"ht_id": "A", "pages": 12, "nested": map[string]any{"k": "v"}})

	d := s.next(consumer)
	m, err := d.Message()
	s.Require().NoError(err)
	s.Equal(Message{"ht_id": "A", "pages": float64(12), "nested": map[string]any{"k": "v"}}, m)
	s.Equal("A", d.CorrelationID())
	s.False(d.Redelivered())
	s.NotEmpty(d.MessageID())

	s.Require().NoError(consumer.Ack(d))
	s.Equal(0, s.broker.Depth("orders"))
	s.Equal(0, s.broker.Depth("orders_dead_letter_queue"))
	s.Equal(0, s.broker.Unacked())

	d, err = consumer.Next(s.ctx, 20*time.Millisecond)
	s.NoError(err)
	s.Nil(d, "exactly once")
}

func (s *QueueTestSuite) TestConsumeTimeout() {
	consumer := s.consumer(NewParams("orders", 1, false))

	start := time.Now()
	d, err := consumer.Next(s.ctx, 30*time.Millisecond)
	s.NoError(err)
	s.Nil(d)
	s.GreaterOrEqual(time.Since(start), 30*time.Millisecond)
	s.True(s.broker.HasQueue("orders"), "consuming ensures topology")
}

func (s *QueueTestSuite) TestConsumeCancelledContext() {
	consumer := s.consumer(NewParams("orders", 1, false))
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	d, err := consumer.Next(ctx, time.Second)
	s.Nil(d)
	s.True(errors.Is(err, context.Canceled))
}

func (s *QueueTestSuite) TestRejectRoutesToDeadLetterQueue() {
	params := NewParams("orders", 1, false)
	producer := s.producer(params)
	consumer := s.consumer(params)

	for i := range 10 {
		s.publish(producer, map[string]any{"id": fmt.Sprint(i)})
	}

	for range 10 {
		d := s.next(consumer)
		m, err := d.Message()
		s.Require().NoError(err)
		if m.ID() == "5" {
			s.Require().NoError(consumer.Reject(d, false))
		} else {
			s.Require().NoError(consumer.Ack(d))
		}
	}

	s.Equal(0, s.broker.Depth("orders"))
	s.Equal([]string{`{"id":"5"}`}, s.broker.Bodies("orders_dead_letter_queue"))

	dead := s.broker.Ready("orders_dead_letter_queue")[0]
	s.Equal("orders", dead.Headers["x-first-death-queue"])
}

func (s *QueueTestSuite) TestRejectWithRequeueRedelivers() {
	params := NewParams("orders", 1, false)
	producer := s.producer(params)
	consumer := s.consumer(params)

	s.publish(producer, map[string]any{"ht_id": "A"})

	const k = 4
	for i := range k {
		d := s.next(consumer)
		s.Equal(i > 0, d.Redelivered(), "delivery %d", i)
		s.Require().NoError(consumer.Reject(d, true))
	}

	d := s.next(consumer)
	s.True(d.Redelivered())
	s.Require().NoError(consumer.Ack(d))

	s.Equal(0, s.broker.Depth("orders"))
	s.Equal(0, s.broker.Depth("orders_dead_letter_queue"))
}

func (s *QueueTestSuite) TestScenarioSingleMessage() {
	params := NewParams("orders", 1, false)
	producer := s.producer(params)
	consumer := s.consumer(params)

	s.publish(producer, map[string]any{"ht_id": "A"})

	d := s.next(consumer)
	m, err := d.Message()
	s.Require().NoError(err)
	s.Equal(Message{"ht_id": "A"}, m)
	s.Require().NoError(consumer.Ack(d))

	s.Equal(0, s.broker.Depth("orders"))
	s.Equal(0, s.broker.Depth("orders_dead_letter_queue"))
}

func (s *QueueTestSuite) TestScenarioRejectOneOfThree() {
	params := NewParams("orders", 1, false)
	producer := s.producer(params)
	consumer := s.consumer(params)

	s.publish(producer, map[string]any{"ht_id": "1"}, map[string]any{"ht_id": "2"}, map[string]any{"ht_id": "3"})

	for range 3 {
		d := s.next(consumer)
		if d.CorrelationID() == "2" {
			s.Require().NoError(consumer.Reject(d, false))
			continue
		}
		s.Require().NoError(consumer.Ack(d))
	}

	s.Equal(0, s.broker.Depth("orders"))
	s.Equal([]string{`{"ht_id":"2"}`}, s.broker.Bodies("orders_dead_letter_queue"))
}

func (s *QueueTestSuite) TestStaleDelivery() {
	params := NewParams("orders", 1, false)
	producer := s.producer(params)
	consumer := s.consumer(params)

	s.publish(producer, map[string]any{"ht_id": "A"})

	d := s.next(consumer)
	s.Require().NoError(consumer.Ack(d))
	s.True(errors.Is(consumer.Ack(d), ErrStaleDelivery), "double ack")
	s.True(errors.Is(consumer.Reject(d, false), ErrStaleDelivery), "reject after ack")
	s.True(errors.Is(consumer.Ack(nil), ErrStaleDelivery))

	s.publish(producer, map[string]any{"ht_id": "B"})
	d = s.next(consumer)
	s.broker.CloseChannels()

	err := consumer.Ack(d)
	s.True(errors.Is(err, ErrStaleDelivery))
	s.True(errors.Is(err, connection.ErrChannelClosed))
	s.Equal(1, s.broker.Depth("orders"), "the unacked message returns to the queue")
}

func (s *QueueTestSuite) TestConsumerRestartsAfterChannelLoss() {
	params := NewParams("orders", 1, false)
	producer := s.producer(params)
	consumer := s.consumer(params)

	s.publish(producer, map[string]any{"ht_id": "A"})
	s.next(consumer)

	s.broker.CloseConnections()

	d := s.next(consumer)
	s.Equal("A", d.CorrelationID())
	s.True(d.Redelivered())
	s.Require().NoError(consumer.Ack(d))
	s.Equal(0, s.broker.Depth("orders"))
	s.Len(s.broker.Dials(), 2)
}

func (s *QueueTestSuite) TestConsumerPrefetch() {
	params := NewParams("orders", 2, false)
	producer := s.producer(params)
	consumer := s.consumer(params)

	for i := range 5 {
		s.publish(producer, map[string]any{"id": fmt.Sprint(i)})
	}

	first := s.next(consumer)
	s.Equal(2, s.broker.Unacked())
	s.Equal(3, s.broker.Depth("orders"))
	s.Require().NoError(consumer.Ack(first))
	s.Equal(2, s.broker.Unacked())
	s.Equal(2, s.broker.Depth("orders"))
}

func (s *QueueTestSuite) TestMessagesIterator() {
	params := NewParams("orders", 3, false)
	producer := s.producer(params)
	consumer := s.consumer(params)

	s.publish(producer, map[string]any{"id": "1"}, map[string]any{"id": "2"}, map[string]any{"id": "3"})

	var ids []string
	for d, err := range consumer.Messages(s.ctx, 30*time.Millisecond) {
		s.Require().NoError(err)
		if d == nil {
			break
		}
		ids = append(ids, d.CorrelationID())
		s.Require().NoError(d.Ack())
	}

	s.Equal([]string{"1", "2", "3"}, ids)
	s.Equal(0, s.broker.Unacked())
}

func (s *QueueTestSuite) TestMessagesIteratorStopsOnCancel() {
	consumer := s.consumer(NewParams("orders", 1, false))
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	timeouts := 0
	for d, err := range consumer.Messages(ctx, 5*time.Millisecond) {
		s.Require().NoError(err)
		s.Nil(d)
		timeouts++
		if timeouts == 2 {
			cancel()
		}
	}
	s.Equal(2, timeouts)
}

func (s *QueueTestSuite) TestConsumerCloseReturnsUnacked() {
	params := NewParams("orders", 1, false)
	producer := s.producer(params)
	consumer, err := NewConsumer(s.conn, params)
	s.Require().NoError(err)

	s.publish(producer, map[string]any{"ht_id": "A"})
	s.next(consumer)
	s.Equal(0, s.broker.Depth("orders"))

	s.Require().NoError(consumer.Close())
	s.Equal(1, s.broker.Depth("orders"))
	s.True(s.conn.IsOpen(), "closing a consumer leaves the connection open")
}
