// ABOUTME: Entry point for the botwatch monitoring agent
// ABOUTME: Cobra root command with run, init, demo and version subcommands

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
 _           _                    _       _
| |__   ___ | |___      ____ _| |_ ___| |__
| '_ \ / _ \| __\ \ /\ / / _' | __/ __| '_ \
| |_) | (_) | |_ \ V  V / (_| | || (__| | | |
|_.__/ \___/ \__| \_/\_/ \__,_|\__\___|_| |_|
`

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "botwatch",
		Short:         "Botnet monitoring agent with shared track ownership",
		Long:          color.CyanString(banner) + "\nAgents share a coordination room and agree on which of them monitors each target.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (default $BOTWATCH_CONFIG or $XDG_CONFIG_HOME/botwatch/agent.yaml)")

	root.AddCommand(
		newRunCmd(opts),
		newInitCmd(opts),
		newDemoCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the botwatch version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "botwatch %s\n", version)
		},
	}
}

func printBanner(w io.Writer) {
	color.New(color.FgCyan).Fprint(w, banner)
	color.New(color.FgHiBlack).Fprintf(w, "    version: %s\n\n", version)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
