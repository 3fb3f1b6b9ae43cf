package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/octabyte/fulltext-pipeline/connection"
	"github.com/octabyte/fulltext-pipeline/queue"
)

var (
	retrieveParams = queue.NewParams("retrieve", 5, false)
	generateParams = queue.NewParams("generate", 5, false)
)

func catalog() *fakeCatalog {
	return &fakeCatalog{
		ids: []string{"mdp.001", "mdp.002", "mdp.003"},
		records: map[string]map[string]any{
			"mdp.001": {"ht_id": "mdp.001", "title": []any{"Moby Dick"}, "author": "Melville, Herman", "language": []any{"English"}},
			"mdp.002": {"ht_id": "mdp.002", "title": "Walden", "publishDate": []any{"1854"}},
		},
	}
}

func (s *PipelineTestSuite) retriever(in queue.Params, cat Catalog, opts Options) *Retriever {
	r, err := NewRetriever(s.conn, in, generateParams, cat, opts)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = r.Close() })
	return r
}

func (s *PipelineTestSuite) TestRetrieverForwardsMetadata() {
	s.publish(retrieveParams, RetrieveRequest{HTID: "mdp.001"}, RetrieveRequest{HTID: "mdp.002"})

	r := s.retriever(retrieveParams, catalog(), options())
	s.Require().NoError(r.Run(s.ctx))

	items := output[ItemMetadata](s, "generate")
	s.Require().Len(items, 2)
	s.Equal("mdp.001", items[0].HTID)
	s.Equal("Moby Dick", items[0].Title)
	s.Equal("Melville, Herman", items[0].Author)
	s.Equal("English", items[0].Language)
	s.Equal("mdp.001", items[0].Record["ht_id"])
	s.Equal("1854", items[1].PublishDate)

	s.Zero(s.broker.Depth("retrieve"))
	s.Zero(s.broker.Depth(retrieveParams.DeadLetterQueue))
	s.Zero(s.broker.Unacked())
}

func (s *PipelineTestSuite) TestRetrieverDeadLettersFailedLookupOnly() {
	s.publish(retrieveParams,
		RetrieveRequest{HTID: "mdp.001"},
		RetrieveRequest{HTID: "mdp.404"},
		RetrieveRequest{HTID: "mdp.002"},
	)

	r := s.retriever(retrieveParams, catalog(), options())
	s.Require().NoError(r.Run(s.ctx))

	s.Len(output[ItemMetadata](s, "generate"), 2)
	dead := output[RetrieveRequest](s, retrieveParams.DeadLetterQueue)
	s.Equal([]RetrieveRequest{{HTID: "mdp.404"}}, dead)
	s.Equal([]string{"mdp.404"}, s.rejected(RetrieverName))
	s.Zero(s.broker.Unacked())
}

func (s *PipelineTestSuite) TestRetrieverDeadLettersInvalidRequest() {
	s.publish(retrieveParams, map[string]any{"title": "no id"})
	s.Require().NoError(s.broker.Enqueue("retrieve", []byte("not json")))

	cat := catalog()
	r := s.retriever(retrieveParams, cat, options())
	s.Require().NoError(r.Run(s.ctx))

	s.Empty(cat.fetched)
	s.Equal(2, s.broker.Depth(retrieveParams.DeadLetterQueue))
	s.Zero(s.broker.Depth("generate"))
}

func (s *PipelineTestSuite) TestRetrieverCapsRequeues() {
	in := queue.NewParams("retrieve", 5, true)
	s.publish(in, RetrieveRequest{HTID: "mdp.404"})

	counter := newFakeCounter()
	opts := options()
	opts.MaxRedeliveries = 2
	opts.Counter = counter

	cat := catalog()
	r := s.retriever(in, cat, opts)
	s.Require().NoError(r.Run(s.ctx))

	s.Equal([]string{"mdp.404", "mdp.404", "mdp.404"}, cat.fetched)
	s.Equal(1, s.broker.Depth(in.DeadLetterQueue))
	s.Zero(s.broker.Depth("retrieve"))
	s.Equal([]string{"mdp.404"}, counter.resets)
}

func (s *PipelineTestSuite) TestRetrieverCapsRequeuesOfMessagesWithoutID() {
	in := queue.NewParams("retrieve", 5, true)
	s.publish(in, map[string]any{"foo": "bar"})
	s.Require().NoError(s.broker.Enqueue("retrieve", []byte("not json")))

	counter := newFakeCounter()
	opts := options()
	opts.MaxRedeliveries = 2
	opts.Counter = counter

	cat := catalog()
	r := s.retriever(in, cat, opts)
	s.Require().NoError(r.Run(s.ctx))

	s.Empty(cat.fetched)
	s.Equal(2, s.broker.Depth(in.DeadLetterQueue))
	s.Zero(s.broker.Depth("retrieve"))
	// Each message is rejected once and requeued twice before dead-lettering.
	s.Len(s.rejected(RetrieverName), 6)
	s.Len(counter.resets, 2)
	s.NotContains(counter.resets, "")
	s.Empty(counter.counts)
}

func (s *PipelineTestSuite) TestRetrieverForgetsCountAfterSuccess() {
	in := queue.NewParams("retrieve", 5, true)
	s.publish(in, RetrieveRequest{HTID: "mdp.002"})

	flaky := &flakyCatalog{fakeCatalog: catalog(), failures: 1}
	counter := newFakeCounter()
	opts := options()
	opts.MaxRedeliveries = 3
	opts.Counter = counter

	r := s.retriever(in, flaky, opts)
	s.Require().NoError(r.Run(s.ctx))

	s.Len(output[ItemMetadata](s, "generate"), 1)
	s.Equal([]string{"mdp.002"}, counter.resets)
	s.Empty(counter.counts)
}

func (s *PipelineTestSuite) TestRetrieverStopsOnCancel() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	r := s.retriever(retrieveParams, catalog(), Options{InactivityTimeout: idle})
	s.ErrorIs(r.Run(ctx), context.Canceled)
}

func (s *PipelineTestSuite) TestRetrieverRequiresCatalog() {
	_, err := NewRetriever(s.conn, retrieveParams, generateParams, nil, options())
	s.ErrorIs(err, connection.ErrConfiguration)
}

func (s *PipelineTestSuite) TestSeed() {
	r := s.retriever(retrieveParams, catalog(), options())

	n, err := r.Seed(s.ctx, "*:*", 2)
	s.Require().NoError(err)
	s.Equal(2, n)
	s.Equal([]RetrieveRequest{{HTID: "mdp.001"}, {HTID: "mdp.002"}}, output[RetrieveRequest](s, "retrieve"))
}

func (s *PipelineTestSuite) TestSeedSelectFailure() {
	cat := catalog()
	cat.selectErr = errors.New("solr down")
	r := s.retriever(retrieveParams, cat, options())

	_, err := r.Seed(s.ctx, "*:*", 10)
	s.ErrorContains(err, "solr down")
}

func (s *PipelineTestSuite) TestSeedRetriesRecoverablePublish() {
	recoverable := fmt.Errorf("%w: gone", connection.ErrChannelClosed)
	pub := &fakePublisher{errs: []error{nil, recoverable}}

	n, err := seed(s.ctx, pub, []string{"a", "b", "c"})
	s.Require().NoError(err)
	s.Equal(3, n)
	s.Len(pub.published, 3)
}

func (s *PipelineTestSuite) TestSeedStopsOnFatalPublish() {
	pub := &fakePublisher{errs: []error{nil, fmt.Errorf("%w: refused", connection.ErrConnection)}}

	n, err := seed(s.ctx, pub, []string{"a", "b", "c"})
	s.ErrorIs(err, connection.ErrConnection)
	s.Equal(1, n)
}

type flakyCatalog struct {
	*fakeCatalog
	failures int
}

func (f *flakyCatalog) FetchRecord(ctx context.Context, id string) (map[string]any, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("timeout")
	}
	return f.fakeCatalog.FetchRecord(ctx, id)
}
