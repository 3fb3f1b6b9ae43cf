// Package config loads a pipeline service's settings from the environment.
// Load fails fast: nothing is dialed until every value has been validated.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/octabyte/fulltext-pipeline/connection"
	"github.com/octabyte/fulltext-pipeline/db/redis"
	"github.com/octabyte/fulltext-pipeline/otel"
	"github.com/octabyte/fulltext-pipeline/queue"
	"github.com/octabyte/fulltext-pipeline/search"
)

const (
	ServiceRetriever = "retriever"
	ServiceGenerator = "generator"
	ServiceIndexer   = "indexer"

	DefaultHealthAddr        = ":8080"
	DefaultConnectMaxElapsed = 2 * time.Minute
	DefaultSeedRows          = 1000
)

type Config struct {
	Service  string `validate:"oneof=retriever generator indexer"`
	Env      string
	LogLevel string

	RabbitMQ connection.Config `validate:"-"`
	// Input is the queue the service consumes.
	Input queue.Params `validate:"-"`
	// Output is the queue results are published to. Unused by the indexer.
	Output queue.Params `validate:"-"`

	InactivityTimeout time.Duration `validate:"gte=0"`
	ExitOnIdle        bool
	MaxRedeliveries   int `validate:"gte=0"`
	// Redis is nil unless REDIS_ADDR is set; without it requeues are not capped.
	Redis         *redis.Config `validate:"-"`
	RedeliveryTTL time.Duration `validate:"gte=0"`

	Search       search.Config `validate:"-"`
	PairtreeRoot string

	// SeedQuery makes the retriever enqueue the query's ids before consuming.
	SeedQuery string
	SeedRows  int `validate:"gte=1"`

	HealthAddr        string        `validate:"required"`
	ConnectMaxElapsed time.Duration `validate:"gt=0"`

	OTel otel.Config `validate:"-"`
}

// Load reads the configuration of service. Every problem found is reported,
// wrapped in connection.ErrConfiguration.
func Load(service string) (*Config, error) {
	l := &loader{}

	batchSize := l.requiredInt("BATCH_SIZE")
	requeue := l.requiredBool("REQUEUE_ON_REJECT")

	cfg := &Config{
		Service:  service,
		Env:      l.getEnv("ENV", "development"),
		LogLevel: l.getEnv("LOG_LEVEL", "info"),
		RabbitMQ: connection.Config{
			User:     l.required("RABBITMQ_USER"),
			Password: l.required("RABBITMQ_PASSWORD"),
			Host:     l.required("RABBITMQ_HOST"),
			Port:     l.getIntEnv("RABBITMQ_PORT", connection.DefaultPort),
			VHost:    l.getEnv("RABBITMQ_VHOST", connection.DefaultVHost),
		},
		Input: l.params(l.required("QUEUE_NAME"), batchSize, requeue),

		InactivityTimeout: l.getDurationEnv("INACTIVITY_TIMEOUT", 5*time.Second),
		ExitOnIdle:        l.getBoolEnv("EXIT_ON_IDLE", false),
		MaxRedeliveries:   l.getIntEnv("MAX_REDELIVERIES", 0),
		RedeliveryTTL:     l.getDurationEnv("REDELIVERY_TTL", redis.DefaultCounterTTL),

		Search: search.Config{
			CatalogURL:  l.getEnv("CATALOG_URL", ""),
			FullTextURL: l.getEnv("FULLTEXT_URL", ""),
			Username:    l.getEnv("SOLR_USER", ""),
			Password:    l.getEnv("SOLR_PASSWORD", ""),
			Timeout:     l.getDurationEnv("SOLR_TIMEOUT", search.DefaultTimeout),
			Commit:      l.getBoolEnv("SOLR_COMMIT", false),
		},
		PairtreeRoot: l.getEnv("PAIRTREE_ROOT", ""),

		SeedQuery: l.getEnv("SEED_QUERY", ""),
		SeedRows:  l.getIntEnv("SEED_ROWS", DefaultSeedRows),

		HealthAddr:        l.getEnv("HEALTH_ADDR", DefaultHealthAddr),
		ConnectMaxElapsed: l.getDurationEnv("CONNECT_MAX_ELAPSED", DefaultConnectMaxElapsed),

		OTel: otel.Config{
			Enabled:     l.getBoolEnv("OTEL_ENABLED", false),
			EndpointURL: l.getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName: l.getEnv("OTEL_SERVICE_NAME", "fulltext-"+service),
			Headers:     parseHeaders(l.getEnv("OTEL_EXPORTER_OTLP_HEADERS", "")),
			SampleRate:  l.getFloatEnv("OTEL_SAMPLE_RATE", 1),
		},
	}
	cfg.OTel.Environment = cfg.Env

	if service != ServiceIndexer {
		cfg.Output = l.params(l.required("OUTPUT_QUEUE"), batchSize, requeue)
	}
	if addr := l.getEnv("REDIS_ADDR", ""); addr != "" {
		cfg.Redis = &redis.Config{
			Addr:     addr,
			Password: l.getEnv("REDIS_PASSWORD", ""),
			DB:       l.getIntEnv("REDIS_DB", 0),
		}
	}
	if service == ServiceIndexer && cfg.Search.CatalogURL == "" {
		cfg.Search.CatalogURL = cfg.Search.FullTextURL
	}

	if len(l.errs) > 0 {
		return nil, fmt.Errorf("%w: %w", connection.ErrConfiguration, errors.Join(l.errs...))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg, including the settings only its service needs.
func (cfg *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	errs := []error{v.Struct(cfg), cfg.RabbitMQ.Validate(), cfg.Input.Validate()}

	switch cfg.Service {
	case ServiceRetriever:
		errs = append(errs, cfg.Output.Validate(), v.Struct(cfg.Search))
	case ServiceGenerator:
		errs = append(errs, cfg.Output.Validate(), field("PairtreeRoot", v.Var(cfg.PairtreeRoot, "required")))
	case ServiceIndexer:
		errs = append(errs, field("FullTextURL", v.Var(cfg.Search.FullTextURL, "required,url")), v.Struct(cfg.Search))
	}
	if cfg.Redis != nil {
		errs = append(errs, v.Struct(cfg.Redis))
	}
	if cfg.OTel.Enabled {
		errs = append(errs, v.Struct(cfg.OTel))
	}

	if err := errors.Join(errs...); err != nil {
		if errors.Is(err, connection.ErrConfiguration) {
			return err
		}
		return fmt.Errorf("%w: %w", connection.ErrConfiguration, err)
	}
	return nil
}

func field(name string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// RequeueCapped reports whether a redelivery counter should be wired.
func (cfg *Config) RequeueCapped() bool {
	return cfg.Input.RequeueOnReject && cfg.MaxRedeliveries > 0 && cfg.Redis != nil
}

// loader collects every malformed or missing variable instead of stopping at
// the first one.
type loader struct {
	errs []error
}

func (l *loader) params(name string, batchSize int, requeue bool) queue.Params {
	p := queue.NewParams(name, batchSize, requeue)
	p.MainExchange = l.getEnv("MAIN_EXCHANGE", p.MainExchange)
	p.DeadLetterExchange = l.getEnv("DEAD_LETTER_EXCHANGE", p.DeadLetterExchange)
	return p
}

func (l *loader) required(key string) string {
	value := os.Getenv(key)
	if value == "" {
		l.errs = append(l.errs, fmt.Errorf("%s is required", key))
	}
	return value
}

func (l *loader) requiredInt(key string) int {
	value := l.required(key)
	if value == "" {
		return 0
	}
	return l.parseInt(key, value)
}

func (l *loader) requiredBool(key string) bool {
	value := l.required(key)
	if value == "" {
		return false
	}
	return l.parseBool(key, value)
}

func (l *loader) getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (l *loader) getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		return l.parseInt(key, value)
	}
	return defaultValue
}

func (l *loader) getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return l.parseBool(key, value)
	}
	return defaultValue
}

func (l *loader) getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			l.errs = append(l.errs, fmt.Errorf("%s: %q is not a number", key, value))
		}
		return f
	}
	return defaultValue
}

func (l *loader) getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil {
			l.errs = append(l.errs, fmt.Errorf("%s: %q is not a duration", key, value))
		}
		return d
	}
	return defaultValue
}

func (l *loader) parseInt(key, value string) int {
	i, err := strconv.Atoi(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %q is not an integer", key, value))
	}
	return i
}

func (l *loader) parseBool(key, value string) bool {
	b, err := strconv.ParseBool(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %q is not a boolean", key, value))
	}
	return b
}

// parseHeaders reads the OTLP "k1=v1,k2=v2" header list.
func parseHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	headers := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if ok && strings.TrimSpace(k) != "" {
			headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return headers
}
