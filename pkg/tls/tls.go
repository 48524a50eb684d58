// Package tls builds TLS configurations for the console listener and for
// outbound calls to the prediction, booking and speech services.
//
// The listener serves browsers, so client certificates are optional: they are
// only required when a client CA is configured. Outbound calls use the system
// roots unless a private CA is given, and present a client certificate only
// when one is configured.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// ServerConfig holds the listener certificate paths.
type ServerConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string

	// ClientCAFile, when set, turns on mutual TLS for the listener.
	ClientCAFile string
}

// Validate returns an error if TLS is enabled but files are missing.
func (c ServerConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return errors.New("tls enabled but cert/key files not specified")
	}
	return statFiles(c.CertFile, c.KeyFile, c.ClientCAFile)
}

// ClientConfig holds the settings for outbound HTTPS calls.
type ClientConfig struct {
	// CAFile adds a private CA to the trusted roots.
	CAFile string

	// CertFile and KeyFile present a client certificate. Both or neither.
	CertFile string
	KeyFile  string
}

// Empty reports whether nothing is configured, in which case the default
// transport settings apply.
func (c ClientConfig) Empty() bool {
	return c.CAFile == "" && c.CertFile == "" && c.KeyFile == ""
}

// Validate checks the pairing of cert and key and that files exist.
func (c ClientConfig) Validate() error {
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("client cert and key must be set together")
	}
	return statFiles(c.CAFile, c.CertFile, c.KeyFile)
}

// NewServerTLSConfig creates the listener configuration. TLS 1.3 minimum.
func NewServerTLSConfig(c ServerConfig) (*tls.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS13}

	if c.ClientCAFile != "" {
		pool, err := loadCAPool(c.ClientCAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}

// NewClientTLSConfig creates the configuration for outbound calls. It returns
// nil when c is empty.
//
// TLS 1.2 is accepted because the upstream services are public endpoints
// outside our control.
func NewClientTLSConfig(c ClientConfig) (*tls.Config, error) {
	if c.Empty() {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if c.CAFile != "" {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		caCert, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}
		cfg.RootCAs = pool
	}

	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("failed to parse CA certificate")
	}
	return pool, nil
}

func statFiles(paths ...string) error {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("tls file %q: %w", path, err)
		}
	}
	return nil
}
