package pipeline

import (
	"errors"
	"fmt"

	"github.com/octabyte/fulltext-pipeline/connection"
	"github.com/octabyte/fulltext-pipeline/queue"
)

func docs(n int) []any {
	out := make([]any, n)
	for i := range out {
		id := fmt.Sprintf("mdp.%03d", i)
		out[i] = FullTextDocument{"id": id, "ht_id": id, "ocr": "text of " + id}
	}
	return out
}

func (s *PipelineTestSuite) indexer(in queue.Params, index Index, opts Options) *Indexer {
	ix, err := NewIndexer(s.conn, in, index, opts)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = ix.Close() })
	return ix
}

func (s *PipelineTestSuite) TestIndexerIndexesInBatches() {
	s.publish(indexParams, docs(12)...)

	index := &fakeIndex{}
	s.Require().NoError(s.indexer(indexParams, index, options()).Run(s.ctx))

	s.Require().Len(index.batches, 3)
	s.Len(index.batches[0], 5)
	s.Len(index.batches[1], 5)
	s.Len(index.batches[2], 2)
	s.Equal("mdp.000", index.batches[0][0]["id"])
	s.Len(index.indexed(), 12)
	s.Zero(s.broker.Depth("index"))
	s.Zero(s.broker.Unacked())
}

func (s *PipelineTestSuite) TestIndexerDeadLettersWholeBatch() {
	s.publish(indexParams, docs(10)...)

	index := &fakeIndex{failIDs: []string{"mdp.007"}}
	s.Require().NoError(s.indexer(indexParams, index, options()).Run(s.ctx))

	s.Len(index.indexed(), 5)
	s.Equal(5, s.broker.Depth(indexParams.DeadLetterQueue))
	s.Len(s.rejected(IndexerName), 5)
	s.Contains(s.rejected(IndexerName), "mdp.007")
	s.Zero(s.broker.Depth("index"))
}

func (s *PipelineTestSuite) TestIndexerRejectsBatchWithInvalidDocument() {
	batch := docs(4)
	batch[2] = FullTextDocument{"ocr": "no id"}
	s.publish(indexParams, batch...)

	index := &fakeIndex{}
	s.Require().NoError(s.indexer(indexParams, index, options()).Run(s.ctx))

	s.Empty(index.batches)
	s.Equal(4, s.broker.Depth(indexParams.DeadLetterQueue))
}

func (s *PipelineTestSuite) TestIndexerSurvivesUndecodableBatch() {
	s.publish(indexParams, docs(2)...)
	s.Require().NoError(s.broker.Enqueue("index", []byte("[1,2]")))
	s.publish(indexParams, docs(7)[2:]...)

	index := &fakeIndex{}
	s.Require().NoError(s.indexer(indexParams, index, options()).Run(s.ctx))

	// The first batch holds the bad body and is rejected whole.
	s.Equal(5, s.broker.Depth(indexParams.DeadLetterQueue))
	s.Equal([]string{"mdp.004", "mdp.005", "mdp.006"}, index.indexed())
	s.NotEmpty(s.logs.FilterMessage("Rejected undecodable batch").All())
}

func (s *PipelineTestSuite) TestIndexerCapsBatchRequeues() {
	in := queue.NewParams("index", 5, true)
	s.publish(in, docs(3)...)

	counter := newFakeCounter()
	opts := options()
	opts.MaxRedeliveries = 1
	opts.Counter = counter

	index := &fakeIndex{failIDs: []string{"mdp.001"}}
	s.Require().NoError(s.indexer(in, index, opts).Run(s.ctx))

	s.Empty(index.batches)
	s.Equal(3, s.broker.Depth(in.DeadLetterQueue))
	s.Zero(s.broker.Depth("index"))
	s.ElementsMatch([]string{"mdp.000", "mdp.001", "mdp.002"}, counter.resets)
}

func (s *PipelineTestSuite) TestIndexerCapsRequeuesOfUndecodableBatch() {
	in := queue.NewParams("index", 1, true)
	s.declare(in)
	s.Require().NoError(s.broker.Enqueue("index", []byte("not json")))

	counter := newFakeCounter()
	opts := options()
	opts.MaxRedeliveries = 2
	opts.Counter = counter

	index := &fakeIndex{}
	s.Require().NoError(s.indexer(in, index, opts).Run(s.ctx))

	s.Empty(index.batches)
	s.Equal([]string{"not json"}, s.broker.Bodies(in.DeadLetterQueue))
	s.Zero(s.broker.Depth("index"))
	s.Len(s.logs.FilterMessage("Rejected undecodable batch").All(), 3)
	s.Len(counter.resets, 1)
	s.Empty(counter.counts)
}

func (s *PipelineTestSuite) TestIndexerRecoversAfterUndecodableBatch() {
	in := queue.NewParams("index", 1, true)
	s.declare(in)
	s.Require().NoError(s.broker.Enqueue("index", []byte("[]")))
	s.publish(in, docs(2)...)

	counter := newFakeCounter()
	opts := options()
	opts.MaxRedeliveries = 1
	opts.Counter = counter

	index := &fakeIndex{}
	s.Require().NoError(s.indexer(in, index, opts).Run(s.ctx))

	s.Equal([]string{"mdp.000", "mdp.001"}, index.indexed())
	s.Equal(1, s.broker.Depth(in.DeadLetterQueue))
	s.Zero(s.broker.Depth("index"))
}

func (s *PipelineTestSuite) TestIndexerStopsOnConnectionFailure() {
	s.publish(indexParams, docs(1)...)
	ix := s.indexer(indexParams, &fakeIndex{}, options())

	s.broker.CloseConnections()
	s.broker.FailDial(errors.New("connection refused"))

	s.ErrorIs(ix.Run(s.ctx), connection.ErrConnection)
}

func (s *PipelineTestSuite) TestIndexerRequiresIndex() {
	_, err := NewIndexer(s.conn, indexParams, nil, options())
	s.ErrorIs(err, connection.ErrConfiguration)
}
