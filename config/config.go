package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/glimte/schemabus/contracts"
	"gopkg.in/yaml.v3"
)

// File is the on-disk configuration of a schemabus Client
type File struct {
	// Namespace is the vendor segment of content-types: application/vnd.<namespace>.<schema>+json
	Namespace string `yaml:"namespace"`
	// Schemas lists schema files or directories to register at startup
	Schemas    []string       `yaml:"schemas"`
	Connection ConnectionFile `yaml:"connection"`
}

// ConnectionFile is the connection section of a File. URL, when set, is
// parsed first and the remaining fields override what it specifies.
type ConnectionFile struct {
	URL        string `yaml:"url"`
	Connection `yaml:",inline"`
}

// Load reads and validates a YAML configuration file
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &contracts.NotFoundError{Kind: "config file", Name: path, Err: err}
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file File
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, &contracts.ConfigurationError{Field: "file", Err: err}
	}

	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

// Validate checks the namespace and the resolved connection settings
func (f *File) Validate() error {
	if strings.TrimSpace(f.Namespace) == "" {
		return &contracts.ConfigurationError{Field: "namespace", Err: errors.New("namespace is required")}
	}
	if strings.ContainsAny(f.Namespace, "/+; ") {
		return &contracts.ConfigurationError{Field: "namespace", Value: f.Namespace, Err: errors.New("must be a single media-type token")}
	}

	conn, err := f.Connection.Resolve()
	if err != nil {
		return err
	}
	return conn.Validate()
}

// Resolve merges the URL, if any, with the explicit fields and applies defaults
func (cf ConnectionFile) Resolve() (Connection, error) {
	base := Connection{}
	if cf.URL != "" {
		parsed, err := ParseURL(cf.URL)
		if err != nil {
			return Connection{}, err
		}
		base = parsed
	}

	explicit := cf.Connection
	if explicit.Scheme != "" {
		base.Scheme = explicit.Scheme
	}
	if explicit.Host != "" {
		base.Host = explicit.Host
	}
	if explicit.Port != 0 {
		base.Port = explicit.Port
	}
	if explicit.Username != "" {
		base.Username = explicit.Username
	}
	if explicit.Password != "" {
		base.Password = explicit.Password
	}
	if explicit.Vhost != "" {
		base.Vhost = explicit.Vhost
	}
	if explicit.Heartbeat != 0 {
		base.Heartbeat = explicit.Heartbeat
	}
	if explicit.ConnectionTimeout != 0 {
		base.ConnectionTimeout = explicit.ConnectionTimeout
	}
	if explicit.Name != "" {
		base.Name = explicit.Name
	}

	return base.WithDefaults(), nil
}
