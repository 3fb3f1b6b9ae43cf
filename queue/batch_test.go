package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/octabyte/fulltext-pipeline/connection"
)

func (s *QueueTestSuite) batchConsumer(params Params, handler BatchHandler, opts ...BatchOption) *BatchConsumer {
	b, err := NewBatchConsumer(s.conn, params, handler, opts...)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = b.Close() })
	return b
}

func (s *QueueTestSuite) publishIDs(params Params, n int) {
	producer := s.producer(params)
	for i := range n {
		s.publish(producer, map[string]any{"id": fmt.Sprint(i)})
	}
}

func (s *QueueTestSuite) TestBatchAcksWholeBatch() {
	params := NewParams("orders", 4, false)
	s.publishIDs(params, 10)

	var sizes []int
	var consumer *BatchConsumer
	consumer = s.batchConsumer(params, BatchHandlerFunc(func(ctx context.Context, batch []Message, deliveries []*Delivery) bool {
		s.Len(deliveries, len(batch))
		sizes = append(sizes, len(batch))
		s.Require().NoError(consumer.AckBatch(deliveries))
		return true
	}), WithShutdownOnEmptyQueue())

	s.Require().NoError(consumer.StartConsuming(s.ctx))
	s.Equal([]int{4, 4, 2}, sizes)
	s.Equal(0, s.broker.Depth("orders"))
	s.Equal(0, s.broker.Unacked())
}

func (s *QueueTestSuite) TestBatchAllOrNothingDeadLetter() {
	params := NewParams("orders", 10, false)
	s.publishIDs(params, 10)

	var consumer *BatchConsumer
	consumer = s.batchConsumer(params, BatchHandlerFunc(func(ctx context.Context, batch []Message, deliveries []*Delivery) bool {
		if slices.ContainsFunc(batch, func(m Message) bool { return m.ID() == "5" }) {
			s.Require().NoError(consumer.RejectBatch(deliveries))
			return true
		}
		s.Require().NoError(consumer.AckBatch(deliveries))
		return true
	}), WithShutdownOnEmptyQueue())

	s.Require().NoError(consumer.StartConsuming(s.ctx))
	s.Equal(0, s.broker.Depth("orders"))
	s.Equal(10, s.broker.Depth("orders_dead_letter_queue"))
	s.Equal(0, s.broker.Unacked())
}

func (s *QueueTestSuite) TestBatchAllOrNothingRequeue() {
	params := NewParams("orders", 10, true)
	s.publishIDs(params, 10)

	var consumer *BatchConsumer
	consumer = s.batchConsumer(params, BatchHandlerFunc(func(ctx context.Context, batch []Message, deliveries []*Delivery) bool {
		s.Require().Len(batch, 10)
		s.Require().NoError(consumer.RejectBatch(deliveries))
		return false
	}))

	s.Require().NoError(consumer.StartConsuming(s.ctx))
	s.Equal(10, s.broker.Depth("orders"))
	s.Equal(0, s.broker.Depth("orders_dead_letter_queue"))
	for _, p := range s.broker.Ready("orders") {
		s.NotEmpty(p.Body)
	}
}

func (s *QueueTestSuite) TestBatchDecodeFailureRejectsBatch() {
	params := NewParams("orders", 3, false)
	s.publishIDs(params, 2)
	s.Require().NoError(s.broker.Enqueue("orders", []byte("not json")))

	called := false
	consumer := s.batchConsumer(params, BatchHandlerFunc(func(context.Context, []Message, []*Delivery) bool {
		called = true
		return true
	}))

	err := consumer.StartConsuming(s.ctx)
	s.True(errors.Is(err, ErrDecode))
	s.False(called)
	s.Equal(0, s.broker.Depth("orders"))
	s.Equal(3, s.broker.Depth("orders_dead_letter_queue"))
}

type settlingHandler struct {
	BatchHandlerFunc
	rejected []*Delivery
	cause    error
}

func (h *settlingHandler) RejectUndecodable(_ context.Context, deliveries []*Delivery, cause error) {
	h.rejected = deliveries
	h.cause = cause
	_ = RejectAll(deliveries, false)
}

func (s *QueueTestSuite) TestBatchDecodeFailureSettledByHandler() {
	params := NewParams("orders", 3, true)
	s.publishIDs(params, 2)
	s.Require().NoError(s.broker.Enqueue("orders", []byte("not json")))

	handler := &settlingHandler{BatchHandlerFunc: func(context.Context, []Message, []*Delivery) bool {
		s.Fail("decoded batch handler called")
		return true
	}}
	consumer := s.batchConsumer(params, handler)

	err := consumer.StartConsuming(s.ctx)
	s.True(errors.Is(err, ErrDecode))
	s.Len(handler.rejected, 3)
	s.True(errors.Is(handler.cause, ErrDecode))
	// RequeueOnReject is true, but the handler chose to dead-letter.
	s.Equal(0, s.broker.Depth("orders"))
	s.Equal(3, s.broker.Depth("orders_dead_letter_queue"))
}

func (s *QueueTestSuite) TestBatchIdleWaitAndCancel() {
	params := NewParams("orders", 2, false)

	calls := 0
	consumer := s.batchConsumer(params, BatchHandlerFunc(func(ctx context.Context, batch []Message, deliveries []*Delivery) bool {
		calls++
		s.Require().NoError(AckAll(deliveries))
		return true
	}), WithIdleWait(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()

	err := consumer.StartConsuming(ctx)
	s.True(errors.Is(err, context.DeadlineExceeded))
	s.Equal(0, calls)
	s.True(s.broker.HasQueue("orders"))
}

func (s *QueueTestSuite) TestBatchRecoversClosedChannel() {
	params := NewParams("orders", 5, false)
	s.publishIDs(params, 3)

	batches := 0
	var consumer *BatchConsumer
	consumer = s.batchConsumer(params, BatchHandlerFunc(func(ctx context.Context, batch []Message, deliveries []*Delivery) bool {
		batches++
		if batches == 1 {
			s.broker.CloseChannels()
			s.True(errors.Is(consumer.AckBatch(deliveries), ErrStaleDelivery))
			return true
		}
		s.Require().NoError(consumer.AckBatch(deliveries))
		return true
	}), WithShutdownOnEmptyQueue())

	s.Require().NoError(consumer.StartConsuming(s.ctx))
	s.Equal(2, batches)
	s.Equal(0, s.broker.Depth("orders"))
}

func (s *QueueTestSuite) TestBatchConnectionFailure() {
	params := NewParams("orders", 1, false)
	consumer := s.batchConsumer(params, BatchHandlerFunc(func(context.Context, []Message, []*Delivery) bool {
		return true
	}), WithShutdownOnEmptyQueue())

	s.broker.CloseConnections()
	s.broker.FailDial(errors.New("dial tcp: connection refused"))

	err := consumer.StartConsuming(s.ctx)
	s.True(errors.Is(err, connection.ErrConnection))
}

func (s *QueueTestSuite) TestNewBatchConsumerValidates() {
	_, err := NewBatchConsumer(s.conn, NewParams("orders", 1, false), nil)
	s.True(errors.Is(err, connection.ErrConfiguration))

	_, err = NewBatchConsumer(s.conn, NewParams("orders", 0, false), BatchHandlerFunc(func(context.Context, []Message, []*Delivery) bool {
		return true
	}))
	s.True(errors.Is(err, connection.ErrConfiguration))
}
