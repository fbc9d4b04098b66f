package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-broker/internal/config"
	"github.com/gezibash/arc-broker/internal/observability"
	"github.com/gezibash/arc-broker/internal/transport"
	"github.com/gezibash/arc-broker/pkg/client"
)

// dial loads the connector configuration and connects to the broker.
func dial(cmd *cobra.Command, v *viper.Viper) (*client.Client, error) {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	observability.SetupLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, cmd.ErrOrStderr())

	connector := connectorConfig(cfg.Acceptor)
	target, err := connector.ToTransport()
	if err != nil {
		return nil, fmt.Errorf("connector: %w", err)
	}
	return client.Dial(cmd.Context(), target)
}

// connectorConfig turns an acceptor section into a connector: wildcard
// listen hosts dial loopback and no server-side policy applies.
func connectorConfig(tc config.TransportConfig) config.TransportConfig {
	switch tc.Host {
	case "", "0.0.0.0", "::":
		tc.Host = "127.0.0.1"
	}
	tc.NeedClientAuth = false
	tc.InVMDisabled = false
	if tc.Kind == string(transport.KindInVM) {
		tc.TLSEnabled = false
	}
	return tc
}
