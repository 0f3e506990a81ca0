package env

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"go.uber.org/multierr"
)

type Config struct {
	Region    string `env:"SNGATE_REGION"`
	DebugHTTP bool   `env:"SNGATE_DEBUG_HTTP"`
	LogLevel  string `env:"SNGATE_LOG_LEVEL,default=info"`

	// Client facing UDP listener
	Host      string `env:"SNGATE_HOST,default=0.0.0.0"`
	Port      int    `env:"SNGATE_PORT,default=1883"`
	Reuseport bool   `env:"SNGATE_REUSEPORT,default=true"`
	Trace     bool   `env:"SNGATE_TRACE"`

	BrokerHost string `env:"SNGATE_BROKER_HOST,default=127.0.0.1"`
	BrokerPort int    `env:"SNGATE_BROKER_PORT,default=1883"`

	HTTPPort string `env:"SNGATE_HTTP_PORT,default=7362"`

	CleanupInterval time.Duration `env:"SNGATE_CLEANUP_INTERVAL,default=10s"`
	ConnectTimeout  time.Duration `env:"SNGATE_CONNECT_TIMEOUT,default=30s"`

	// InboundRate is datagrams per second across all clients, 0 disables the
	// limit
	InboundRate  float64 `env:"SNGATE_INBOUND_RATE,default=0"`
	InboundBurst int     `env:"SNGATE_INBOUND_BURST,default=100"`

	// PredefinedTopics is a comma separated list of id:name pairs
	PredefinedTopics map[string]string `env:"SNGATE_PREDEFINED_TOPICS"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading .env.local: %w", err)
		}
	}

	return LoadConfigWith(ctx, envconfig.OsLookuper())
}

// LoadConfigWith reads the config from l rather than the process
// environment.
func LoadConfigWith(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	config := Config{}

	if err := envconfig.ProcessWith(ctx, &config, l); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate reports every problem with the config at once.
func (c *Config) Validate() (err error) {
	if c.Port < 0 || c.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("SNGATE_PORT %d is out of range", c.Port))
	}

	if c.BrokerPort < 1 || c.BrokerPort > 65535 {
		err = multierr.Append(err, fmt.Errorf("SNGATE_BROKER_PORT %d is out of range", c.BrokerPort))
	}

	if c.CleanupInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("SNGATE_CLEANUP_INTERVAL must be positive, got %s", c.CleanupInterval))
	}

	if c.ConnectTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("SNGATE_CONNECT_TIMEOUT must be positive, got %s", c.ConnectTimeout))
	}

	if c.InboundRate < 0 {
		err = multierr.Append(err, fmt.Errorf("SNGATE_INBOUND_RATE can not be negative, got %v", c.InboundRate))
	}

	if _, predefinedErr := c.Predefined(); predefinedErr != nil {
		err = multierr.Append(err, predefinedErr)
	}

	return err
}

// Predefined parses PredefinedTopics into a topic id to name table.
func (c *Config) Predefined() (map[uint16]string, error) {
	topics := make(map[uint16]string, len(c.PredefinedTopics))

	for rawID, name := range c.PredefinedTopics {
		id, err := strconv.ParseUint(rawID, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("SNGATE_PREDEFINED_TOPICS: invalid topic id %q: %w", rawID, err)
		}

		if id == 0 || id == 0xFFFF {
			return nil, fmt.Errorf("SNGATE_PREDEFINED_TOPICS: topic id %d is reserved", id)
		}

		topics[uint16(id)] = name
	}

	return topics, nil
}

func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) BrokerAddr() string {
	return net.JoinHostPort(c.BrokerHost, strconv.Itoa(c.BrokerPort))
}
