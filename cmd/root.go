package cmd

import (
	"context"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/luma/sngate/cmd/gen"
)

var RootCmd = &cobra.Command{
	Use:   "sngate",
	Short: "A gateway between UDP sensor networks and an MQTT broker",
	Long: `sngate accepts the compact, datagram based variant of MQTT used by
constrained devices and relays each client to an MQTT broker over its own
stream connection.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.AddCommand(StartCmd)
	RootCmd.AddCommand(PubCmd)
	RootCmd.AddCommand(SubCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

func Execute() {
	if err := RootCmd.ExecuteContext(context.Background()); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
