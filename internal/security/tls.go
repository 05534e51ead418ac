// Package security holds TLS setup shared by the listeners.
package security

import (
	"crypto/tls"
	"fmt"

	"github.com/mailloft/mailloft/internal/config"
)

// TLSManager handles TLS certificate management
type TLSManager struct {
	tlsConfig *tls.Config
}

// NewTLSManager loads the configured certificate pair, if any. Without
// one the manager is inert and every listener stays plaintext.
func NewTLSManager(cfg *config.Config) (*TLSManager, error) {
	manager := &TLSManager{}

	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}

		manager.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
				tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			},
		}
	}

	return manager, nil
}

// TLSConfig returns the TLS configuration, nil when not configured.
func (m *TLSManager) TLSConfig() *tls.Config {
	return m.tlsConfig
}

// HasTLS returns true if TLS is configured
func (m *TLSManager) HasTLS() bool {
	return m.tlsConfig != nil
}
