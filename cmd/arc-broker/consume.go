package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-broker/internal/config"
	"github.com/gezibash/arc-broker/pkg/client"
	brokererrors "github.com/gezibash/arc-broker/pkg/errors"
	"github.com/gezibash/arc-broker/pkg/labels"
	"github.com/gezibash/arc-broker/pkg/logging"
)

// Outcomes the consume command records for each delivery.
const (
	outcomeAck    = "ack"
	outcomeCancel = "cancel"
)

func newConsumeCmd() *cobra.Command {
	v := viper.New()
	var (
		count   int
		timeout time.Duration
		outcome string
		output  string
	)

	cmd := &cobra.Command{
		Use:   "consume <queue>",
		Short: "Consume messages from a queue",
		Long: `Consume messages and record an outcome for each.

Examples:
  arc-broker consume orders                     # one message, acknowledged
  arc-broker consume orders -n 10 -o json
  arc-broker consume orders --outcome cancel    # return it to the queue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outcome != outcomeAck && outcome != outcomeCancel {
				return fmt.Errorf("invalid outcome %q (want ack or cancel)", outcome)
			}

			c, err := dial(cmd, v)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := cmd.Context()
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				_, _ = c.CloseSession(closeCtx)
			}()

			for i := 0; count <= 0 || i < count; i++ {
				d, err := c.Consume(ctx, args[0], timeout)
				if errors.Is(err, brokererrors.ErrTimeout) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("consume: %w", err)
				}
				if err := formatDelivery(cmd.OutOrStdout(), d, output); err != nil {
					return err
				}
				if err := settle(ctx, c, d, outcome); err != nil {
					return err
				}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVarP(&count, "count", "n", 1, "messages to consume (0 for unlimited)")
	f.DurationVarP(&timeout, "timeout", "t", 10*time.Second, "wait per message")
	f.StringVar(&outcome, "outcome", outcomeAck, "outcome per delivery (ack, cancel)")
	f.StringVarP(&output, "output", "o", "text", "output format (text, json)")
	config.BindConnectFlags(cmd, v)
	return cmd
}

func settle(ctx context.Context, c *client.Client, d *client.Delivery, outcome string) error {
	if outcome == outcomeCancel {
		if _, err := c.Cancel(ctx, d.ID); err != nil {
			return fmt.Errorf("cancel %s: %w", d.MessageID, err)
		}
		return nil
	}
	if err := c.Acknowledge(ctx, d.ID); err != nil {
		return fmt.Errorf("acknowledge %s: %w", d.MessageID, err)
	}
	return nil
}

type deliveryJSON struct {
	MessageID string            `json:"message_id"`
	Queue     string            `json:"queue"`
	Attempts  int               `json:"attempts"`
	Labels    map[string]string `json:"labels,omitempty"`
	Payload   string            `json:"payload"`
}

func formatDelivery(w io.Writer, d *client.Delivery, output string) error {
	if output == "json" {
		return json.NewEncoder(w).Encode(deliveryJSON{
			MessageID: d.MessageID,
			Queue:     d.Queue,
			Attempts:  d.Attempts,
			Labels:    d.Labels,
			Payload:   string(d.Payload),
		})
	}

	_, err := fmt.Fprintf(w, "%-10s %-3d %-20s %s\n", logging.FormatID(d.MessageID), d.Attempts, labels.Format(d.Labels), d.Payload)
	return err
}
