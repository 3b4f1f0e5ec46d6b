// ABOUTME: Line-oriented command shell driving a running agent
// ABOUTME: track, release, list, log, xreload, state, decisions, help, quit

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/2389/botwatch/internal/config"
	"github.com/2389/botwatch/internal/protocol"
	"github.com/2389/botwatch/internal/session"
	"github.com/2389/botwatch/internal/store"
)

const defaultDecisionLimit = 10

// shellAgent is the part of *agent.Agent the shell drives.
type shellAgent interface {
	RequestOwnership(ctx context.Context, target string) (bool, error)
	ReleaseOwnership(target string) bool
	Publish(ctx context.Context, message string) error
	Reload(ctx context.Context, cfg *config.Config) error
	Monitored() []string
	InFlight() (string, bool)
	RecentDecisions(ctx context.Context, limit int) ([]store.Decision, error)
	State() session.State
	Err() error
	Identity() config.AgentIdentity
}

type shell struct {
	agent      shellAgent
	configPath string
	loadConfig func(string) (*config.Config, error)

	mu  sync.Mutex
	out io.Writer

	tracks sync.WaitGroup
}

func newShell(out io.Writer, configPath string) *shell {
	return &shell{
		out:        out,
		configPath: configPath,
		loadConfig: config.Load,
	}
}

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed)
	dimColor  = color.New(color.FgHiBlack)
)

func (s *shell) printf(c *color.Color, format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c == nil {
		fmt.Fprintf(s.out, format, args...)
		return
	}
	c.Fprintf(s.out, format, args...)
}

// run reads commands from in until quit, EOF or ctx ends.
func (s *shell) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	var scanErr error

	// Blocked reads on stdin end with the process.
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr = scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return scanErr
			}
			if s.exec(ctx, line) {
				return nil
			}
		}
	}
}

// exec runs one command line and reports whether the shell should exit.
func (s *shell) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "track":
		if len(args) != 1 {
			s.printf(errColor, "usage: track <target>\n")
			return false
		}
		s.track(ctx, args[0])
	case "release":
		if len(args) != 1 {
			s.printf(errColor, "usage: release <target>\n")
			return false
		}
		if s.agent.ReleaseOwnership(args[0]) {
			s.printf(okColor, "released %s\n", args[0])
		} else {
			s.printf(warnColor, "not monitoring %s\n", args[0])
		}
	case "list":
		s.list()
	case "log":
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "log"))
		if text == "" {
			s.printf(errColor, "usage: log <text>\n")
			return false
		}
		if err := s.agent.Publish(ctx, text); err != nil {
			s.printf(errColor, "log: %v\n", err)
		}
	case "xreload":
		s.reload(ctx)
	case "state":
		s.state()
	case "decisions":
		limit := defaultDecisionLimit
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 {
				s.printf(errColor, "usage: decisions [count]\n")
				return false
			}
			limit = n
		}
		s.decisions(ctx, limit)
	case "help", "?":
		s.help()
	case "quit", "exit":
		return true
	default:
		s.printf(errColor, "unknown command %q, try help\n", cmd)
	}
	return false
}

// track asks in the background so the shell stays usable while peers answer.
func (s *shell) track(ctx context.Context, target string) {
	s.tracks.Add(1)
	go func() {
		defer s.tracks.Done()

		granted, err := s.agent.RequestOwnership(ctx, target)
		switch {
		case errors.Is(err, protocol.ErrQueryAlreadyInFlight):
			current, _ := s.agent.InFlight()
			s.printf(warnColor, "track %s: still waiting on %s\n", target, current)
		case err != nil:
			s.printf(errColor, "track %s: %v\n", target, err)
		case granted:
			s.printf(okColor, "track %s: granted, now monitoring\n", target)
		default:
			s.printf(warnColor, "track %s: denied, another agent owns it\n", target)
		}
	}()
}

// wait blocks until every background track has printed its outcome.
func (s *shell) wait() {
	s.tracks.Wait()
}

func (s *shell) list() {
	targets := s.agent.Monitored()
	if len(targets) == 0 {
		s.printf(dimColor, "not monitoring anything\n")
		return
	}
	for _, t := range targets {
		s.printf(nil, "  %s\n", t)
	}
}

func (s *shell) reload(ctx context.Context) {
	cfg, err := s.loadConfig(s.configPath)
	if err != nil {
		s.printf(errColor, "xreload: %v\n", err)
		return
	}
	err = s.agent.Reload(ctx, cfg)
	switch {
	case errors.Is(err, session.ErrSessionBusy):
		s.printf(warnColor, "xreload: a reload is already in progress\n")
	case err != nil:
		s.printf(errColor, "xreload: %v\n", err)
	default:
		s.printf(okColor, "reloaded as %s\n", s.agent.Identity())
	}
}

func (s *shell) state() {
	s.printf(nil, "identity:   %s\n", s.agent.Identity())
	s.printf(nil, "session:    %s\n", s.agent.State())
	if target, ok := s.agent.InFlight(); ok {
		s.printf(nil, "asking:     %s\n", target)
	}
	s.printf(nil, "monitoring: %d\n", len(s.agent.Monitored()))
	if err := s.agent.Err(); err != nil {
		s.printf(errColor, "error:      %v\n", err)
	}
}

func (s *shell) decisions(ctx context.Context, limit int) {
	ds, err := s.agent.RecentDecisions(ctx, limit)
	if err != nil {
		s.printf(errColor, "decisions: %v\n", err)
		return
	}
	if len(ds) == 0 {
		s.printf(dimColor, "no decisions yet\n")
		return
	}
	for _, d := range ds {
		s.printf(nil, "  %s  %-12s %-24s %s\n",
			d.DecidedAt.Local().Format(time.DateTime), d.Outcome, d.Target, d.CorrelationID)
	}
}

func (s *shell) help() {
	s.printf(nil, `commands:
  track <target>     ask peers and monitor target if nobody answers
  release <target>   stop monitoring target
  list               show monitored targets
  log <text>         post text to the data-share room
  xreload            reread the config file and start a new session
  state              show identity and session state
  decisions [n]      show the last n ownership decisions
  quit, exit         shut down
`)
}

// watchState prints session transitions until changes closes.
func (s *shell) watchState(changes <-chan session.StateChange) {
	for change := range changes {
		if change.Err != nil {
			s.printf(errColor, "session %s: %v\n", change.State, change.Err)
			continue
		}
		s.printf(dimColor, "session %s\n", change.State)
	}
}
