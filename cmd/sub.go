package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/luma/sngate/client"
)

var subQoS int

func init() {
	addClientFlags(SubCmd)

	SubCmd.Flags().IntVarP(&subQoS, "qos", "q", 0, "QoS to subscribe at")
}

var SubCmd = &cobra.Command{
	Use:   "sub <topic filter>...",
	Short: "Subscribe through a gateway and print what arrives",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conn, err := dialGateway(ctx, client.DefaultKeepAlive)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		topicColor := color.New(color.FgCyan)

		for _, filter := range args {
			subCtx, cancel := context.WithTimeout(ctx, timeout)
			id, granted, err := conn.Subscribe(subCtx, filter, int8(subQoS))
			cancel()

			if err != nil {
				conn.Close()
				return fmt.Errorf("subscribing to %q: %w", filter, err)
			}

			fmt.Fprintf(out, "Subscribed to %s (topic id %d, qos %d)\n", topicColor.Sprint(filter), id, granted)
		}

		for {
			select {
			case msg, ok := <-conn.Messages():
				if !ok {
					return client.ErrDisconnected
				}

				name := msg.Topic
				if name == "" {
					name = fmt.Sprintf("#%d", msg.TopicID)
				}

				fmt.Fprintf(out, "%s %s\n", topicColor.Sprint(name), msg.Payload)

			case <-ctx.Done():
				disconnectCtx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()

				return conn.Disconnect(disconnectCtx)
			}
		}
	},
}

func defaultClientID() string {
	// Client ids are limited to 23 bytes
	return "sngate-" + uuid.NewString()[:8]
}
