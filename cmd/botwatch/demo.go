// ABOUTME: The demo subcommand: several agents on an in-process hub
// ABOUTME: Plays the owned, unowned, in-flight and disconnected track scenarios

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/botwatch/internal/agent"
	"github.com/2389/botwatch/internal/config"
	"github.com/2389/botwatch/internal/protocol"
	"github.com/2389/botwatch/internal/store"
	"github.com/2389/botwatch/internal/transport"
)

type demoOptions struct {
	agents  int
	timeout time.Duration
	verbose bool
}

func newDemoCmd() *cobra.Command {
	opts := &demoOptions{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run several agents in-process and play the track scenarios",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDemo(cmd.Context(), cmd.OutOrStdout(), *opts)
		},
	}
	cmd.Flags().IntVarP(&opts.agents, "agents", "n", 3, "number of agents (at least 2)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 500*time.Millisecond, "query timeout")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log agent internals")
	return cmd
}

func demoConfig(login string, timeout time.Duration) *config.Config {
	cfg := config.Default()
	cfg.Transport.Kind = config.TransportLoopback
	cfg.Identity.LoginID = login
	cfg.Rooms.Coordination.Secret = "demo-coordination"
	cfg.Rooms.DataShare.Secret = "demo-datashare"
	cfg.Coordination.QueryTimeout = timeout
	return cfg
}

func runDemo(ctx context.Context, out io.Writer, opts demoOptions) error {
	if opts.agents < 2 {
		return fmt.Errorf("demo needs at least 2 agents, got %d", opts.agents)
	}

	level := "warn"
	if opts.verbose {
		level = "debug"
	}
	logger := setupLogger(config.LoggingConfig{Level: level}, out)

	hub := transport.NewHub()
	agents := make([]*agent.Agent, 0, opts.agents)
	defer func() {
		for _, a := range agents {
			a.Shutdown(context.Background())
		}
	}()

	for i := 1; i <= opts.agents; i++ {
		a, err := agent.New(demoConfig(fmt.Sprintf("agent-%d", i), opts.timeout),
			agent.WithLogger(logger),
			agent.WithDialer(hub.Dialer()),
			agent.WithStore(store.NewMockStore()),
		)
		if err != nil {
			return err
		}
		agents = append(agents, a)
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("starting agent-%d: %w", i, err)
		}
	}

	bold := color.New(color.Bold)
	report := func(who, target string, granted bool, err error, took time.Duration) {
		var result string
		switch {
		case err != nil:
			result = color.RedString("%v", err)
		case granted:
			result = color.GreenString("granted")
		default:
			result = color.YellowString("denied")
		}
		// one write per line: scenario C reports from two goroutines
		fmt.Fprintf(out, "  %s track %-8s %s%s\n", who, target, result,
			color.HiBlackString("  (%s)", took.Round(time.Millisecond)))
	}
	track := func(i int, target string) error {
		start := time.Now()
		granted, err := agents[i].RequestOwnership(ctx, target)
		report(agents[i].Identity().LoginID, target, granted, err, time.Since(start))
		return err
	}

	x, y := 0, 1

	bold.Fprintln(out, "\nA. a target owned elsewhere is denied")
	if err := track(x, "zeus1"); err != nil {
		return err
	}
	if err := track(y, "zeus1"); err != nil {
		return err
	}

	bold.Fprintln(out, "\nB. an unowned target is granted after the window")
	if err := track(y, "zeus2"); err != nil {
		return err
	}

	bold.Fprintln(out, "\nC. a second request while one is in flight fails at once")
	first := make(chan error, 1)
	go func() { first <- track(y, "zeus3") }()
	for {
		if _, busy := agents[y].InFlight(); busy {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	if err := track(y, "zeus4"); !errors.Is(err, protocol.ErrQueryAlreadyInFlight) {
		return fmt.Errorf("expected an in-flight rejection, got %v", err)
	}
	if err := <-first; err != nil {
		return err
	}

	bold.Fprintln(out, "\nD. a disconnected agent cannot ask")
	offline, err := agent.New(demoConfig("agent-offline", opts.timeout),
		agent.WithLogger(slog.New(slog.DiscardHandler)),
		agent.WithDialer(hub.Dialer()),
		agent.WithStore(store.NewMockStore()),
	)
	if err != nil {
		return err
	}
	defer offline.Shutdown(context.Background())
	start := time.Now()
	granted, err := offline.RequestOwnership(ctx, "zeus5")
	report("agent-offline", "zeus5", granted, err, time.Since(start))

	bold.Fprintln(out, "\nMonitored")
	for _, a := range agents {
		fmt.Fprintf(out, "  %-10s %v\n", a.Identity().LoginID, a.Monitored())
	}
	fmt.Fprintf(out, "\n%d messages crossed the coordination room\n", len(hub.History("coordination")))
	return nil
}
