package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-broker/internal/config"
	"github.com/gezibash/arc-broker/internal/transport"
)

func newValidateCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check an acceptor configuration",
		Long: `Run the transport admission rules against the configured acceptor and,
when TLS is enabled, load its key and trust stores.

Examples:
  arc-broker validate --config broker.yaml
  arc-broker validate --transport invm --tls     # rejected: invm-tls`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			acceptor, err := cfg.Acceptor.ToTransport()
			if err != nil {
				return err
			}
			if _, err := transport.ServerOptions(acceptor); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok %s\n", acceptor)
			return nil
		},
	}
	config.BindServeFlags(cmd, v)
	return cmd
}
