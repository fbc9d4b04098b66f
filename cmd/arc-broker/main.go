package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "arc-broker",
		Short: "Arc broker - durable queues with acknowledged delivery",
		Long: `Arc broker server and client commands.

Server:
  arc-broker serve       Start the broker
  arc-broker validate    Check an acceptor configuration

Client:
  arc-broker publish     Publish a message to a queue
  arc-broker consume     Consume messages from a queue`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newValidateCmd(),
		newPublishCmd(),
		newConsumeCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
