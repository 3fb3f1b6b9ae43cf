package pipeline

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/octabyte/fulltext-pipeline/queue"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// RetrieveRequest asks the retriever to look up one item.
type RetrieveRequest struct {
	HTID string `json:"ht_id" validate:"required"`
}

// ItemMetadata is the retriever's output: the catalog record of one item
// plus the fields the generator needs.
type ItemMetadata struct {
	HTID        string         `json:"ht_id" validate:"required"`
	Title       string         `json:"title,omitempty"`
	Author      string         `json:"author,omitempty"`
	PublishDate string         `json:"publish_date,omitempty"`
	Language    string         `json:"language,omitempty"`
	Record      map[string]any `json:"record" validate:"required"`
}

// NewItemMetadata maps a catalog record. Multi-valued fields contribute
// their first value.
func NewItemMetadata(htid string, record map[string]any) ItemMetadata {
	return ItemMetadata{
		HTID:        htid,
		Title:       firstString(record, "title"),
		Author:      firstString(record, "author"),
		PublishDate: firstString(record, "publishDate"),
		Language:    firstString(record, "language"),
		Record:      record,
	}
}

// FullTextDocument is one document for the full-text index. It must carry a
// non-empty "id".
type FullTextDocument map[string]any

func (d FullTextDocument) ID() string {
	id, _ := d["id"].(string)
	return id
}

func (d FullTextDocument) Validate() error {
	if strings.TrimSpace(d.ID()) == "" {
		return fmt.Errorf("%w: document has no id", ErrProcessing)
	}
	return nil
}

// decode unmarshals and validates a delivery body. Any failure is a
// processing error.
func decode(d *queue.Delivery, v any) error {
	if err := d.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrProcessing, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %w", ErrProcessing, err)
	}
	return nil
}

func firstString(record map[string]any, key string) string {
	switch v := record[key].(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	case []string:
		if len(v) > 0 {
			return v[0]
		}
	}
	return ""
}
