// Package search talks to the Solr cores used by the pipeline: the catalog
// core holding bibliographic records and the full-text core the indexer
// writes to.
package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/octabyte/fulltext-pipeline/otel"
	"github.com/octabyte/fulltext-pipeline/otel/metrics"
	"github.com/octabyte/fulltext-pipeline/utils/logger"
)

const (
	tracerName = "github.com/octabyte/fulltext-pipeline/search"

	// IDField is the catalog field holding the item id.
	IDField = "ht_id"

	DefaultTimeout = 30 * time.Second
)

// ErrNotFound is returned when a record does not exist in the catalog.
var ErrNotFound = errors.New("record not found")

const maxErrorBody = 256

// HTTPError is a non-2xx response from Solr.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > maxErrorBody {
		n := maxErrorBody
		for n > 0 && !utf8.RuneStart(body[n]) {
			n--
		}
		body = body[:n] + "..."
	}
	return fmt.Sprintf("solr returned HTTP %d: %s", e.Status, body)
}

type Config struct {
	// CatalogURL: Base URL of the catalog core, e.g. http://solr:8983/solr/catalog.
	CatalogURL string `validate:"required,url"`
	// FullTextURL: Base URL of the full-text core. Optional for services that
	// only read the catalog.
	FullTextURL string `validate:"omitempty,url"`
	// Username and Password enable basic auth when both are set.
	Username string
	Password string
	// Timeout: Per request. Zero means DefaultTimeout.
	Timeout time.Duration `validate:"gte=0"`
	// Commit: Ask Solr to commit after each IndexBatch.
	Commit bool
}

// Client is safe for concurrent use.
type Client struct {
	catalog  *resty.Client
	fulltext *resty.Client
	commit   bool
}

func New(cfg Config) (*Client, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid search configuration: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	newClient := func(baseURL string) *resty.Client {
		c := resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json").
			SetJSONMarshaler(json.Marshal).
			SetJSONUnmarshaler(json.Unmarshal).
			OnBeforeRequest(otel.WithTraceHeaders)
		if cfg.Username != "" && cfg.Password != "" {
			c.SetBasicAuth(cfg.Username, cfg.Password)
		}
		return c
	}

	c := &Client{
		catalog: newClient(cfg.CatalogURL),
		commit:  cfg.Commit,
	}
	if cfg.FullTextURL != "" {
		c.fulltext = newClient(cfg.FullTextURL)
	}
	return c, nil
}

// Select runs query against the catalog and returns up to rows item ids.
func (c *Client) Select(ctx context.Context, query string, rows int) ([]string, error) {
	body, err := c.do(ctx, c.catalog, "catalog", "select", http.MethodGet, "/select", func(r *resty.Request) {
		r.SetQueryParams(map[string]string{
			"q":    query,
			"fl":   IDField,
			"rows": strconv.Itoa(rows),
			"wt":   "json",
		})
	})
	if err != nil {
		return nil, err
	}

	var ids []string
	gjson.Get(body, "response.docs.#."+IDField).ForEach(func(_, v gjson.Result) bool {
		if id := v.String(); id != "" {
			ids = append(ids, id)
		}
		return true
	})
	return ids, nil
}

// FetchRecord returns the catalog record for id as a JSON object.
func (c *Client) FetchRecord(ctx context.Context, id string) (map[string]any, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrNotFound)
	}

	body, err := c.do(ctx, c.catalog, "catalog", "fetch_record", http.MethodGet, "/select", func(r *resty.Request) {
		r.SetQueryParams(map[string]string{
			"q":    IDField + ":" + Quote(id),
			"rows": "1",
			"wt":   "json",
		})
	})
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}

	doc := gjson.Get(body, "response.docs.0")
	if !doc.IsObject() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var record map[string]any
	if err := json.Unmarshal([]byte(doc.Raw), &record); err != nil {
		return nil, fmt.Errorf("decode catalog record %s: %w", id, err)
	}
	return record, nil
}

// IndexBatch posts docs to the full-text core as a single update request.
func (c *Client) IndexBatch(ctx context.Context, docs []map[string]any) error {
	if c.fulltext == nil {
		return errors.New("search client has no full-text core configured")
	}
	if len(docs) == 0 {
		return nil
	}

	_, err := c.do(ctx, c.fulltext, "fulltext", "index_batch", http.MethodPost, "/update", func(r *resty.Request) {
		r.SetHeader("Content-Type", "application/json").
			SetBody(docs)
		if c.commit {
			r.SetQueryParam("commit", "true")
		}
	})
	return err
}

func (c *Client) do(ctx context.Context, client *resty.Client, target, operation, method, path string, build func(*resty.Request)) (string, error) {
	ctx, finish := otel.StartHTTPSpan(ctx, tracerName, target, operation, method, client.BaseURL+path)
	start := time.Now()

	req := client.R().SetContext(ctx)
	build(req)

	resp, err := req.Execute(method, path)
	status := 0
	if resp != nil {
		status = resp.StatusCode()
	}
	if err == nil && resp.IsError() {
		err = &HTTPError{Status: status, Body: resp.String()}
	}

	finish(status, err)
	metrics.RecordDownstreamCall(ctx, target, time.Since(start), err == nil)

	if err != nil {
		logger.LogWarn("Search request failed",
			zap.String("target", target),
			zap.String("operation", operation),
			zap.Int("status", status),
			zap.Error(err),
		)
		return "", err
	}
	return resp.String(), nil
}

// Quote renders s as a Solr phrase, escaping quotes and backslashes.
func Quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
