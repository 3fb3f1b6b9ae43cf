package pipeline

import (
	"context"
	"errors"

	"github.com/octabyte/fulltext-pipeline/connection"
	"github.com/octabyte/fulltext-pipeline/queue"
)

var indexParams = queue.NewParams("index", 5, false)

func item(htid string) ItemMetadata {
	return ItemMetadata{
		HTID:     htid,
		Title:    "Walden",
		Language: "English",
		Record:   map[string]any{"ht_id": htid},
	}
}

func (s *PipelineTestSuite) generator(content ContentStore, transformer Transformer) *Generator {
	g, err := NewGenerator(s.conn, generateParams, indexParams, content, transformer, options())
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = g.Close() })
	return g
}

func (s *PipelineTestSuite) TestGeneratorBuildsDocuments() {
	s.publish(generateParams, item("mdp.001"), item("mdp.002"))

	g := s.generator(fakeContent{"mdp.001": "call me", "mdp.002": "ishmael"}, nil)
	s.Require().NoError(g.Run(s.ctx))

	docs := output[FullTextDocument](s, "index")
	s.Require().Len(docs, 2)
	s.Equal(FullTextDocument{
		"id":       "mdp.001",
		"ht_id":    "mdp.001",
		"ocr":      "call me",
		"title":    "Walden",
		"language": "English",
	}, docs[0])
	s.Equal("mdp.002", docs[1].ID())
	s.Zero(s.broker.Depth("generate"))
	s.Zero(s.broker.Unacked())
}

func (s *PipelineTestSuite) TestGeneratorDeadLettersMissingContent() {
	s.publish(generateParams, item("mdp.001"), item("mdp.404"))

	g := s.generator(fakeContent{"mdp.001": "text"}, nil)
	s.Require().NoError(g.Run(s.ctx))

	s.Len(output[FullTextDocument](s, "index"), 1)
	s.Equal([]string{"mdp.404"}, s.rejected(GeneratorName))
	dead := output[ItemMetadata](s, generateParams.DeadLetterQueue)
	s.Require().Len(dead, 1)
	s.Equal("mdp.404", dead[0].HTID)
}

func (s *PipelineTestSuite) TestGeneratorDeadLettersTransformFailures() {
	s.publish(generateParams, item("mdp.001"), item("mdp.002"), item("mdp.003"))

	transformer := TransformFunc(func(ctx context.Context, it ItemMetadata, text string) (FullTextDocument, error) {
		switch it.HTID {
		case "mdp.001":
			return nil, errors.New("unsupported encoding")
		case "mdp.002":
			return FullTextDocument{"ocr": text}, nil
		}
		return BuildDocument(ctx, it, text)
	})
	content := fakeContent{"mdp.001": "a", "mdp.002": "b", "mdp.003": "c"}

	g := s.generator(content, transformer)
	s.Require().NoError(g.Run(s.ctx))

	docs := output[FullTextDocument](s, "index")
	s.Require().Len(docs, 1)
	s.Equal("mdp.003", docs[0].ID())
	s.Equal([]string{"mdp.001", "mdp.002"}, s.rejected(GeneratorName))
	s.Equal(2, s.broker.Depth(generateParams.DeadLetterQueue))
}

func (s *PipelineTestSuite) TestGeneratorRequeuesInputWhenForwardFails() {
	s.publish(generateParams, item("mdp.001"))
	s.broker.FailPublish(1)

	g := s.generator(fakeContent{"mdp.001": "text"}, nil)
	s.Require().NoError(g.Run(s.ctx))

	s.Len(output[FullTextDocument](s, "index"), 1)
	s.Zero(s.broker.Depth("generate"))
	s.Zero(s.broker.Depth(generateParams.DeadLetterQueue))
	s.Empty(s.rejected(GeneratorName))

	forwarded := s.logs.FilterMessage("Failed to forward message, requeueing input outside the redelivery cap").All()
	s.Require().Len(forwarded, 1)
	s.Equal(false, forwarded[0].ContextMap()["redelivery_capped"])
	s.Equal("mdp.001", forwarded[0].ContextMap()["id"])
}

func (s *PipelineTestSuite) TestGeneratorRequiresContentStore() {
	_, err := NewGenerator(s.conn, generateParams, indexParams, nil, nil, options())
	s.ErrorIs(err, connection.ErrConfiguration)
}
