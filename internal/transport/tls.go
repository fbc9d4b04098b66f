package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pkcs12"

	"github.com/gezibash/arc-broker/internal/params"
)

const component = "transport"

// ServerTLSConfig builds the acceptor-side TLS config. A keystore is
// required. With NeedClientAuth the peer must present a chain that verifies
// against the truststore, otherwise the handshake is refused.
func ServerTLSConfig(cfg *Configuration) (*tls.Config, error) {
	cert, err := loadKeystore(cfg.Params)
	if err != nil {
		return nil, err
	}
	if cert == nil {
		return nil, params.NewConfigError(component, ParamKeystorePath, "required when TLS is enabled on an acceptor")
	}

	pool, err := loadTruststore(cfg.Params)
	if err != nil {
		return nil, err
	}

	tc := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}
	switch {
	case cfg.NeedClientAuth:
		if pool == nil {
			return nil, params.NewConfigError(component, ParamTruststorePath, "required when client authentication is needed")
		}
		tc.ClientAuth = tls.RequireAndVerifyClientCert
		tc.ClientCAs = pool
	case pool != nil:
		tc.ClientAuth = tls.VerifyClientCertIfGiven
		tc.ClientCAs = pool
	}
	return tc, nil
}

// ClientTLSConfig builds the connector-side TLS config. The keystore is
// optional: without one the client presents no certificate.
func ClientTLSConfig(cfg *Configuration) (*tls.Config, error) {
	pool, err := loadTruststore(cfg.Params)
	if err != nil {
		return nil, err
	}
	cert, err := loadKeystore(cfg.Params)
	if err != nil {
		return nil, err
	}

	tc := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    pool,
		ServerName: params.String(cfg.Params, ParamServerName, cfg.Host),
	}
	if cert != nil {
		tc.Certificates = []tls.Certificate{*cert}
	}
	return tc, nil
}

// loadKeystore returns nil, nil when no keystore is configured.
func loadKeystore(p map[string]string) (*tls.Certificate, error) {
	path := params.String(p, ParamKeystorePath, "")
	if path == "" {
		return nil, nil
	}
	path = params.ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, params.NewConfigErrorWithCause(component, ParamKeystorePath, "failed to read keystore", err)
	}

	switch provider := storeProvider(p, ParamKeystoreProvider); provider {
	case ProviderPEM:
		keyData := data
		if keyPath := params.String(p, ParamKeystoreKeyPath, ""); keyPath != "" {
			keyData, err = os.ReadFile(params.ExpandPath(keyPath))
			if err != nil {
				return nil, params.NewConfigErrorWithCause(component, ParamKeystoreKeyPath, "failed to read key", err)
			}
		}
		cert, err := tls.X509KeyPair(data, keyData)
		if err != nil {
			return nil, params.NewConfigErrorWithCause(component, ParamKeystorePath, "invalid PEM keystore", err)
		}
		return &cert, nil
	case ProviderPKCS12:
		key, leaf, err := pkcs12.Decode(data, p[ParamKeystorePassword])
		if err != nil {
			return nil, params.NewConfigErrorWithCause(component, ParamKeystorePath, "invalid PKCS12 keystore", err)
		}
		return &tls.Certificate{
			Certificate: [][]byte{leaf.Raw},
			PrivateKey:  key,
			Leaf:        leaf,
		}, nil
	default:
		return nil, params.NewConfigErrorWithValue(component, ParamKeystoreProvider, provider, "unsupported store provider")
	}
}

// loadTruststore returns nil, nil when no truststore is configured.
func loadTruststore(p map[string]string) (*x509.CertPool, error) {
	path := params.String(p, ParamTruststorePath, "")
	if path == "" {
		return nil, nil
	}
	path = params.ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, params.NewConfigErrorWithCause(component, ParamTruststorePath, "failed to read truststore", err)
	}

	pool := x509.NewCertPool()
	switch provider := storeProvider(p, ParamTruststoreProvider); provider {
	case ProviderPEM:
		if !pool.AppendCertsFromPEM(data) {
			return nil, params.NewConfigError(component, ParamTruststorePath, "no certificates found in PEM truststore")
		}
	case ProviderPKCS12:
		blocks, err := pkcs12.ToPEM(data, p[ParamTruststorePassword])
		if err != nil {
			return nil, params.NewConfigErrorWithCause(component, ParamTruststorePath, "invalid PKCS12 truststore", err)
		}
		n := 0
		for _, b := range blocks {
			if b.Type != "CERTIFICATE" {
				continue
			}
			c, err := x509.ParseCertificate(b.Bytes)
			if err != nil {
				return nil, params.NewConfigErrorWithCause(component, ParamTruststorePath, "invalid certificate in truststore", err)
			}
			pool.AddCert(c)
			n++
		}
		if n == 0 {
			return nil, params.NewConfigError(component, ParamTruststorePath, "no certificates found in PKCS12 truststore")
		}
	default:
		return nil, params.NewConfigErrorWithValue(component, ParamTruststoreProvider, provider, "unsupported store provider")
	}
	return pool, nil
}

func storeProvider(p map[string]string, key string) string {
	return strings.ToUpper(params.String(p, key, ProviderPEM))
}

// PeerSubject returns the subject common name of the first certificate in
// chain, or "" when the chain is empty.
func PeerSubject(chain []*x509.Certificate) string {
	if len(chain) == 0 {
		return ""
	}
	if cn := chain[0].Subject.CommonName; cn != "" {
		return cn
	}
	return fmt.Sprintf("serial:%s", chain[0].SerialNumber)
}
