// Package tlsutil builds client TLS configurations for the remote metering API.
//
// Four verification modes are supported, selected by configuration rather than
// code paths:
//
//   - ModeSystem: standard verification against the system CA bundle
//   - ModePinnedCA: verification against a pinned CA bundle (system pool plus
//     the configured PEM file)
//   - ModeRelaxHostname: chain verification without hostname matching.
//     Strictly for non-production use against endpoints served with
//     mismatched certificates.
//   - ModeInsecure: verification disabled entirely. Non-production only.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/Carmigna/npg-substation360-pipeline/errors"
)

// Mode selects how the remote service's certificate is verified
type Mode string

const (
	// ModeSystem verifies against the system CA bundle
	ModeSystem Mode = "system"
	// ModePinnedCA verifies against the system pool extended with a pinned CA file
	ModePinnedCA Mode = "pinned_ca"
	// ModeRelaxHostname verifies the chain but not the hostname (non-production)
	ModeRelaxHostname Mode = "relax_hostname"
	// ModeInsecure disables verification entirely (non-production)
	ModeInsecure Mode = "insecure"
)

// Config describes the client TLS verification behavior
type Config struct {
	Mode   Mode   `json:"mode"`
	CAFile string `json:"ca_file,omitempty"`
}

// Validate checks the configuration for errors
func (c Config) Validate() error {
	switch c.Mode {
	case "", ModeSystem, ModeRelaxHostname, ModeInsecure:
		return nil
	case ModePinnedCA:
		if c.CAFile == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
				"pinned_ca mode requires ca_file")
		}
		return nil
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unknown tls mode %q", c.Mode))
	}
}

// LoadClientTLSConfig creates a tls.Config for outbound HTTP calls.
// Returns nil for ModeSystem with no pinned CA, letting the transport use
// its defaults.
func LoadClientTLSConfig(cfg Config) (*tls.Config, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Mode {
	case "", ModeSystem:
		return nil, nil

	case ModePinnedCA:
		pool, err := poolWithPinnedCA(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		return &tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    pool,
		}, nil

	case ModeRelaxHostname:
		pool, err := systemPool()
		if err != nil {
			return nil, err
		}
		if cfg.CAFile != "" {
			pool, err = poolWithPinnedCA(cfg.CAFile)
			if err != nil {
				return nil, err
			}
		}
		// Hostname checks are bypassed by disabling the default verifier and
		// re-running chain verification without a DNSName. The chain itself
		// is still validated against the pool.
		return &tls.Config{
			MinVersion:            tls.VersionTLS12,
			InsecureSkipVerify:    true,
			VerifyPeerCertificate: chainOnlyVerifier(pool),
		}, nil

	case ModeInsecure:
		// Operators opt into this via config and accept the implications.
		return &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true,
		}, nil
	}

	return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "tlsutil", "LoadClientTLSConfig",
		fmt.Sprintf("unknown tls mode %q", cfg.Mode))
}

func systemPool() (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		// If the system pool is unavailable, start from an empty pool
		return x509.NewCertPool(), nil
	}
	return pool, nil
}

func poolWithPinnedCA(caFile string) (*x509.CertPool, error) {
	pool, err := systemPool()
	if err != nil {
		return nil, err
	}

	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, errors.WrapInvalid(err, "tlsutil", "LoadClientTLSConfig",
			fmt.Sprintf("read CA file %s", caFile))
	}
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("invalid PEM data"),
			"tlsutil", "LoadClientTLSConfig",
			fmt.Sprintf("parse CA certificate from %s", caFile),
		)
	}
	return pool, nil
}

// chainOnlyVerifier returns a VerifyPeerCertificate callback that validates
// the presented chain against roots but skips hostname verification.
func chainOnlyVerifier(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.WrapTransport(errors.ErrTLSHandshake, "tlsutil", "verify",
				"no peer certificates presented")
		}

		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return errors.WrapTransport(err, "tlsutil", "verify", "parse peer certificate")
			}
			certs = append(certs, cert)
		}

		intermediates := x509.NewCertPool()
		for _, cert := range certs[1:] {
			intermediates.AddCert(cert)
		}

		_, err := certs[0].Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
			// DNSName left empty: chain trust only, no hostname match
		})
		if err != nil {
			return errors.WrapTransport(err, "tlsutil", "verify", "verify certificate chain")
		}
		return nil
	}
}
