package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrTLSCertFileRequired = errors.New("transport: tls cert file required")
	ErrTLSKeyFileRequired  = errors.New("transport: tls key file required")
	ErrTLSCAInvalid        = errors.New("transport: tls ca file holds no certificates")
)

// TLSConfig names PEM files. The zero value means plain HTTP.
type TLSConfig struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// ServerEnabled reports whether a listener should serve TLS.
func (c TLSConfig) ServerEnabled() bool {
	return strings.TrimSpace(c.CertFile) != "" || strings.TrimSpace(c.KeyFile) != ""
}

// Server loads the serving certificate. It returns nil when TLS is off.
func (c TLSConfig) Server() (*tls.Config, error) {
	if !c.ServerEnabled() {
		return nil, nil
	}
	if strings.TrimSpace(c.CertFile) == "" {
		return nil, ErrTLSCertFileRequired
	}
	if strings.TrimSpace(c.KeyFile) == "" {
		return nil, ErrTLSKeyFileRequired
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("transport: load key pair: %w", err)
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{cert}}, nil
}

// Client builds a config trusting CAFile. It returns nil without a CA so
// the system roots apply.
func (c TLSConfig) Client() (*tls.Config, error) {
	if strings.TrimSpace(c.CAFile) == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, fmt.Errorf("transport: read ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, ErrTLSCAInvalid
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}, nil
}
