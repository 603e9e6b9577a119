package redisbus

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrInvalidSecurityMode     = errors.New("redisbus: invalid security mode")
	ErrTLSRequired             = errors.New("redisbus: tls required")
	ErrMTLSRequired            = errors.New("redisbus: mtls required")
	ErrTLSCertFileRequired     = errors.New("redisbus: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("redisbus: tls key file required")
	ErrTLSCAFileRequired       = errors.New("redisbus: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("redisbus: insecure skip verify not allowed")
)

// SecurityMode selects how strictly transport settings are checked.
type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig describes client TLS towards the redis server.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

// ValidateTransport checks TLS settings against the security mode. Production
// requires mutual TLS with a verified server.
func (c Config) ValidateTransport() error {
	mode := NormalizeSecurityMode(c.SecurityMode)
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.SecurityMode)
	}

	if mode == SecurityModeProduction {
		if !c.TLS.Enabled {
			return ErrTLSRequired
		}
		if !c.TLS.Mutual {
			return ErrMTLSRequired
		}
		if c.TLS.InsecureSkipVerify {
			return ErrTLSInsecureSkipNotAllow
		}
	}
	if c.TLS.Mutual && !c.TLS.Enabled {
		return ErrTLSRequired
	}
	if c.TLS.Enabled && strings.TrimSpace(c.TLS.CAFile) == "" && !c.TLS.InsecureSkipVerify {
		return ErrTLSCAFileRequired
	}
	if c.TLS.Mutual {
		if strings.TrimSpace(c.TLS.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(c.TLS.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	return nil
}

// clientTLS builds the tls.Config for the redis client, or nil when disabled.
func (c Config) clientTLS() (*tls.Config, error) {
	if !c.TLS.Enabled {
		return nil, nil
	}
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         strings.TrimSpace(c.TLS.ServerName),
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}
	if ca := strings.TrimSpace(c.TLS.CAFile); ca != "" {
		pem, err := os.ReadFile(ca)
		if err != nil {
			return nil, fmt.Errorf("redisbus: read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("redisbus: no certificates in ca file %q", ca)
		}
		out.RootCAs = pool
	}
	if c.TLS.Mutual {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("redisbus: load client cert: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}
