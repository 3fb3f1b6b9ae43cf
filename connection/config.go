package connection

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultPort  = 5672
	DefaultVHost = "/"
)

type Config struct {
	// User: The broker account used to authenticate the connection.
	User string `validate:"required"`
	// Password: The password of the broker account.
	Password string `validate:"required"`
	// Host: The broker hostname or IP address, without scheme or port.
	Host string `validate:"required,hostname_rfc1123|ip"`
	// Port: The AMQP port. Zero means DefaultPort.
	Port int `validate:"gte=0,lte=65535"`
	// VHost: The virtual host to open. Empty means DefaultVHost.
	VHost string
}

// Validate reports a configuration error for missing or malformed fields.
// It never touches the network.
func (cfg Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return nil
}

// URI renders the AMQP URI for the config, filling in defaults.
func (cfg Config) URI() string {
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	vhost := cfg.VHost
	if vhost == "" {
		vhost = DefaultVHost
	}

	return amqp.URI{
		Scheme:   "amqp",
		Host:     cfg.Host,
		Port:     port,
		Username: cfg.User,
		Password: cfg.Password,
		Vhost:    vhost,
	}.String()
}

// Redacted returns the URI with the password masked, for logging.
func (cfg Config) Redacted() string {
	masked := cfg
	masked.Password = "***"
	return masked.URI()
}
