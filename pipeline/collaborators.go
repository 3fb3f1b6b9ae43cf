package pipeline

import (
	"context"
	"fmt"
	"strings"
)

// Catalog looks up bibliographic records. *search.Client implements it.
type Catalog interface {
	Select(ctx context.Context, query string, rows int) ([]string, error)
	FetchRecord(ctx context.Context, id string) (map[string]any, error)
}

// ContentStore returns the full text of an item. *pairtree.Store implements it.
type ContentStore interface {
	Fetch(ctx context.Context, htid string) (string, error)
}

// Transformer maps an item and its text to an index document.
type Transformer interface {
	Transform(ctx context.Context, item ItemMetadata, text string) (FullTextDocument, error)
}

type TransformFunc func(ctx context.Context, item ItemMetadata, text string) (FullTextDocument, error)

func (f TransformFunc) Transform(ctx context.Context, item ItemMetadata, text string) (FullTextDocument, error) {
	return f(ctx, item, text)
}

// Index writes a batch of documents in one request. *search.Client
// implements it.
type Index interface {
	IndexBatch(ctx context.Context, docs []map[string]any) error
}

// Publisher is the producing half of a stage. *queue.Producer implements it.
type Publisher interface {
	Publish(ctx context.Context, message any) error
}

// DefaultTransformer builds documents with BuildDocument.
var DefaultTransformer Transformer = TransformFunc(BuildDocument)

// BuildDocument produces the full-text document for item: its id, the
// descriptive fields present on the item and the text as "ocr".
func BuildDocument(_ context.Context, item ItemMetadata, text string) (FullTextDocument, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("item %s has no text", item.HTID)
	}

	doc := FullTextDocument{
		"id":    item.HTID,
		"ht_id": item.HTID,
		"ocr":   text,
	}
	for field, value := range map[string]string{
		"title":        item.Title,
		"author":       item.Author,
		"publish_date": item.PublishDate,
		"language":     item.Language,
	} {
		if value != "" {
			doc[field] = value
		}
	}
	return doc, nil
}
