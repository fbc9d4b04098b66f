// Package transport describes broker transport endpoints and decides which
// endpoint configurations are admissible before any listener or connection is
// created.
package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Kind selects the wire transport.
type Kind string

const (
	// KindInVM is the in-process transport used when client and broker share
	// a process. It never touches the network.
	KindInVM Kind = "invm"
	// KindRemote is the TCP transport, optionally secured with TLS.
	KindRemote Kind = "remote"
)

// ParseKind parses a transport kind name.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindInVM:
		return KindInVM, nil
	case KindRemote, "tcp":
		return KindRemote, nil
	default:
		return "", fmt.Errorf("unknown transport kind %q (want invm or remote)", s)
	}
}

// Provider parameter keys. They are passed through to TLS loading and are
// never interpreted by Validate.
const (
	ParamKeystorePath       = "keystore_path"
	ParamKeystoreKeyPath    = "keystore_key_path"
	ParamKeystorePassword   = "keystore_password"
	ParamKeystoreProvider   = "keystore_provider"
	ParamTruststorePath     = "truststore_path"
	ParamTruststorePassword = "truststore_password"
	ParamTruststoreProvider = "truststore_provider"
	ParamServerName         = "server_name"
)

// Store providers understood by the TLS loader.
const (
	ProviderPEM    = "PEM"
	ProviderPKCS12 = "PKCS12"
)

// Configuration describes one transport endpoint. It is built once, passed
// through Validate, and treated as read-only afterwards.
type Configuration struct {
	// Name identifies the endpoint. In-process acceptors are addressed by it.
	Name           string
	Kind           Kind
	Host           string
	Port           int
	TLSEnabled     bool
	InVMDisabled   bool
	NeedClientAuth bool
	Params         map[string]string
}

// Address returns host:port for remote endpoints.
func (c *Configuration) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Param returns a provider parameter, or "" if unset.
func (c *Configuration) Param(key string) string {
	if c.Params == nil {
		return ""
	}
	return c.Params[key]
}

// Clone returns a deep copy, for call sites that need to derive a variant
// (which must then be validated again).
func (c *Configuration) Clone() *Configuration {
	cp := *c
	if c.Params != nil {
		cp.Params = make(map[string]string, len(c.Params))
		for k, v := range c.Params {
			cp.Params[k] = v
		}
	}
	return &cp
}

// String renders the configuration for logs. Passwords are never included.
func (c *Configuration) String() string {
	return fmt.Sprintf("transport[%s](kind=%s addr=%s tls=%t invm_disabled=%t need_client_auth=%t)",
		c.Name, c.Kind, c.Address(), c.TLSEnabled, c.InVMDisabled, c.NeedClientAuth)
}
