package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-broker/internal/config"
	"github.com/gezibash/arc-broker/pkg/labels"
)

func newPublishCmd() *cobra.Command {
	v := viper.New()
	var labelPairs []string

	cmd := &cobra.Command{
		Use:   "publish <queue> [payload]",
		Short: "Publish a message to a queue",
		Long: `Publish a message. The payload is read from stdin when not given.

Examples:
  arc-broker publish orders '{"id":1}'
  echo hello | arc-broker publish greetings -l lang=en`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lbls, err := labels.Parse(labelPairs)
			if err != nil {
				return err
			}

			var payload []byte
			if len(args) == 2 {
				payload = []byte(args[1])
			} else {
				payload, err = io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read payload: %w", err)
				}
			}

			c, err := dial(cmd, v)
			if err != nil {
				return err
			}
			defer c.Close()

			id, err := c.Publish(cmd.Context(), args[0], payload, lbls)
			if err != nil {
				return fmt.Errorf("publish: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&labelPairs, "label", "l", nil, "label key=value (repeatable)")
	config.BindConnectFlags(cmd, v)
	return cmd
}
