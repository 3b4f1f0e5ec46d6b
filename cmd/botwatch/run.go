// ABOUTME: The run subcommand: load config, start the agent, drive the shell
// ABOUTME: Shuts the agent down on quit, EOF or signal

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/botwatch/internal/agent"
	"github.com/2389/botwatch/internal/config"
	"github.com/2389/botwatch/internal/session"
	"github.com/2389/botwatch/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the agent and read commands from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd.Context(), getConfigPath(root.configPath), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runAgent(ctx context.Context, configPath string, in io.Reader, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	printBanner(out)
	logger := setupLogger(cfg.Logging, os.Stderr)

	green := color.New(color.FgGreen)
	line := func(label, value string) {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "%-10s %s\n", label+":", value)
	}
	line("Config", configPath)
	line("Identity", cfg.AgentIdentity().String())
	line("Transport", cfg.Transport.Kind)
	rooms := cfg.RoomSet()
	line("Rooms", rooms.Coordination.Address+", "+rooms.DataShare.Address)
	if cfg.Database.Path != "" {
		line("Database", cfg.Database.Path)
	} else {
		line("Database", "in memory")
	}
	fmt.Fprintln(out)

	sh := newShell(out, configPath)
	a, err := agent.New(cfg,
		agent.WithLogger(logger),
		agent.WithDataShareHandler(func(m transport.Message) {
			sh.printf(dimColor, "[%s] %s\n", m.Sender, m.Body)
		}),
	)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}
	sh.agent = a

	go sh.watchState(a.Subscribe(ctx))

	if err := a.Start(ctx); err != nil {
		if !errors.Is(err, session.ErrJoinFailed) {
			a.Shutdown(context.Background())
			return fmt.Errorf("starting agent: %w", err)
		}
		// The session stays down until xreload replaces it.
		sh.printf(errColor, "could not join rooms: %v\n", err)
	}

	runErr := sh.run(ctx, in)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = a.Shutdown(shutdownCtx)
	sh.wait()

	return errors.Join(runErr, err)
}
