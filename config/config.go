// Package config loads the immutable configuration consumed by the REST and
// websocket clients. Values come from a YAML file, the environment, or both;
// the loaded Config is passed explicitly into client constructors and never
// stored in a package-level variable.
package config

import (
	"os"
	"time"

	"github.com/juju/errors"
	yaml "gopkg.in/yaml.v2"
)

const (
	// DefaultBaseURL is the production REST endpoint. The session handshake
	// paths are appended to it.
	DefaultBaseURL = "https://api.tradier.com"

	// DefaultTimeout bounds a single session-handshake request.
	DefaultTimeout = 30 * time.Second

	// DefaultReconnectDelay is the fixed delay between supervised reconnect
	// attempts.
	DefaultReconnectDelay = 5 * time.Second

	// Environment variables consulted when the credentials section is empty.
	EnvAccessToken = "TRADIER_ACCESS_TOKEN"
	EnvClientID    = "TRADIER_CLIENT_ID"
)

var (
	// ErrMissingAccessToken means no access token was found in the config
	// file or the environment.
	ErrMissingAccessToken = errors.New("missing access token")
)

// Config is the root configuration.
type Config struct {
	Credentials Credentials     `yaml:"credentials"`
	RestAPI     RestAPIConfig   `yaml:"rest_api"`
	Streaming   StreamingConfig `yaml:"streaming"`
}

// Credentials holds the API access token and the client identifier.
type Credentials struct {
	AccessToken string `yaml:"access_token"`
	ClientID    string `yaml:"client_id"`
}

// RestAPIConfig holds settings for the REST client.
type RestAPIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// StreamingConfig holds settings for supervised streams.
type StreamingConfig struct {
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// Load reads a YAML config file, expands ${VAR} environment references in
// it, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "reading config file %q", path)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, errors.Annotatef(err, "parsing config file %q", path)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	return &cfg, nil
}

// FromEnv builds a Config from TRADIER_ACCESS_TOKEN and TRADIER_CLIENT_ID
// alone, with defaults for everything else.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Credentials.AccessToken == "" {
		c.Credentials.AccessToken = os.Getenv(EnvAccessToken)
	}
	if c.Credentials.ClientID == "" {
		c.Credentials.ClientID = os.Getenv(EnvClientID)
	}
	if c.RestAPI.BaseURL == "" {
		c.RestAPI.BaseURL = DefaultBaseURL
	}
	if c.RestAPI.Timeout == 0 {
		c.RestAPI.Timeout = DefaultTimeout
	}
	if c.Streaming.ReconnectDelay == 0 {
		c.Streaming.ReconnectDelay = DefaultReconnectDelay
	}
}

// Validate checks that the credentials needed for the session handshake are
// present.
func (c *Config) Validate() error {
	if c.Credentials.AccessToken == "" {
		return errors.Trace(ErrMissingAccessToken)
	}

	return nil
}

// AccessToken returns the bearer token used by the session handshake.
func (c *Config) AccessToken() string {
	return c.Credentials.AccessToken
}

// ClientID returns the client identifier sent in the handshake body.
func (c *Config) ClientID() string {
	return c.Credentials.ClientID
}
