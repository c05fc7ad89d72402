package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glimte/schemabus/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultVhost is used when a configuration leaves the vhost unset
	DefaultVhost = "/"

	DefaultHost              = "localhost"
	DefaultPort              = 5672
	DefaultTLSPort           = 5671
	DefaultUsername          = "guest"
	DefaultPassword          = "guest"
	DefaultHeartbeat         = 10 * time.Second
	DefaultConnectionTimeout = 30 * time.Second
)

// Connection holds broker connection settings. It only contains comparable
// fields so it can be used as a map key.
type Connection struct {
	Scheme            string        `yaml:"scheme"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	Vhost             string        `yaml:"vhost"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connectionTimeout"`
	// Name is reported to the broker as the connection_name client property
	Name string `yaml:"name"`
}

// DefaultConnection returns settings for a local broker
func DefaultConnection() Connection {
	return Connection{}.WithDefaults()
}

// ParseURL builds a Connection from an AMQP URL. A URL without a path uses
// the "/" vhost.
func ParseURL(raw string) (Connection, error) {
	if strings.TrimSpace(raw) == "" {
		return Connection{}, &contracts.ConfigurationError{Field: "url", Value: raw, Err: errors.New("url is empty")}
	}

	uri, err := amqp.ParseURI(raw)
	if err != nil {
		return Connection{}, &contracts.ConfigurationError{Field: "url", Value: redact(raw), Err: err}
	}

	conn := Connection{
		Scheme:   uri.Scheme,
		Host:     uri.Host,
		Port:     uri.Port,
		Username: uri.Username,
		Password: uri.Password,
		Vhost:    uri.Vhost,
	}
	return conn.WithDefaults(), nil
}

// WithDefaults returns a copy with every unset field given its default
func (c Connection) WithDefaults() Connection {
	if c.Scheme == "" {
		c.Scheme = "amqp"
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
		if c.Scheme == "amqps" {
			c.Port = DefaultTLSPort
		}
	}
	if c.Username == "" {
		c.Username = DefaultUsername
		if c.Password == "" {
			c.Password = DefaultPassword
		}
	}
	if c.Vhost == "" {
		c.Vhost = DefaultVhost
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	return c
}

// Validate reports the first unusable field as a ConfigurationError
func (c Connection) Validate() error {
	if c.Scheme != "amqp" && c.Scheme != "amqps" {
		return &contracts.ConfigurationError{Field: "scheme", Value: c.Scheme, Err: errors.New("must be amqp or amqps")}
	}
	if c.Host == "" {
		return &contracts.ConfigurationError{Field: "host", Value: c.Host, Err: errors.New("host is required")}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return &contracts.ConfigurationError{Field: "port", Value: fmt.Sprint(c.Port), Err: errors.New("must be between 1 and 65535")}
	}
	if c.Heartbeat < 0 {
		return &contracts.ConfigurationError{Field: "heartbeat", Value: c.Heartbeat.String(), Err: errors.New("must not be negative")}
	}
	if c.ConnectionTimeout < 0 {
		return &contracts.ConfigurationError{Field: "connectionTimeout", Value: c.ConnectionTimeout.String(), Err: errors.New("must not be negative")}
	}
	return nil
}

// URI converts the settings to an amqp.URI
func (c Connection) URI() amqp.URI {
	return amqp.URI{
		Scheme:   c.Scheme,
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		Vhost:    c.Vhost,
	}
}

// URL renders the settings as an AMQP URL, password included
func (c Connection) URL() string {
	return c.URI().String()
}

// Redacted renders the URL with the password masked, for logging
func (c Connection) Redacted() string {
	return redact(c.URL())
}

// AMQPConfig returns the dial configuration for these settings
func (c Connection) AMQPConfig() amqp.Config {
	cfg := amqp.Config{
		Vhost:     c.Vhost,
		Heartbeat: c.Heartbeat,
		Dial:      amqp.DefaultDial(c.ConnectionTimeout),
		Properties: amqp.Table{
			"product": "schemabus",
		},
	}
	if c.Name != "" {
		cfg.Properties.SetClientConnectionName(c.Name)
	}
	return cfg
}

func redact(raw string) string {
	uri, err := amqp.ParseURI(raw)
	if err != nil || uri.Password == "" {
		if at := strings.LastIndex(raw, "@"); at >= 0 {
			if scheme := strings.Index(raw, "://"); scheme >= 0 && scheme < at {
				return raw[:scheme+3] + "***" + raw[at:]
			}
		}
		return raw
	}
	uri.Password = "***"
	return uri.String()
}
