package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/luma/sngate/client"
)

var (
	gatewayAddr string
	clientID    string
	timeout     time.Duration

	pubQoS    int
	pubRetain bool
)

func addClientFlags(cmd *cobra.Command) {
	flags := cmd.Flags()

	flags.StringVarP(&gatewayAddr, "gateway", "g", "127.0.0.1:1883", "The gateway to connect to")
	flags.StringVarP(&clientID, "client-id", "i", "", "The client id to connect with, defaults to a random sngate-* id")
	flags.DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for each gateway response")
}

func init() {
	addClientFlags(PubCmd)

	flags := PubCmd.Flags()
	flags.IntVarP(&pubQoS, "qos", "q", 0, "QoS to publish at")
	flags.BoolVarP(&pubRetain, "retain", "r", false, "Ask the broker to retain the message")
}

var PubCmd = &cobra.Command{
	Use:   "pub <topic> <message>",
	Short: "Publish a message through a gateway",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		topic, message := args[0], args[1]

		conn, err := dialGateway(cmd.Context(), 0)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		if err := conn.Publish(ctx, topic, []byte(message), int8(pubQoS), pubRetain); err != nil {
			conn.Close()
			return err
		}

		color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Published %d bytes to %s\n", len(message), topic)

		return conn.Disconnect(ctx)
	},
}

func dialGateway(parent context.Context, keepAlive time.Duration) (*client.Conn, error) {
	id := clientID
	if id == "" {
		id = defaultClientID()
	}

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn := client.New(client.Options{
		ClientID:  id,
		KeepAlive: keepAlive,
	})

	if err := conn.Connect(ctx, gatewayAddr); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", gatewayAddr, err)
	}

	return conn, nil
}
