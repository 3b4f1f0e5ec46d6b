// ABOUTME: The init subcommand: write an agent config file interactively
// ABOUTME: Generates room secrets and validates the result before writing

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/2389/botwatch/internal/config"
)

func newInitCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a config file interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd.InOrStdin(), cmd.OutOrStdout(), getConfigPath(root.configPath), getDataPath())
		},
	}
}

type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func (p *prompter) ask(question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(p.out, "%s: ", question)
	}

	input, err := p.in.ReadString('\n')
	input = strings.TrimSpace(input)
	if err != nil && input == "" {
		fmt.Fprintln(p.out)
		return defaultVal
	}
	if input == "" {
		return defaultVal
	}
	return input
}

func (p *prompter) yes(question string) bool {
	answer := strings.ToLower(p.ask(question, "no"))
	return answer == "yes" || answer == "y"
}

func randomSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating room secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func runInit(in io.Reader, out io.Writer, defaultConfigPath, dataPath string) error {
	p := &prompter{in: bufio.NewReader(in), out: out}

	fmt.Fprintln(out, "botwatch agent configuration")
	fmt.Fprintln(out, "============================")
	fmt.Fprintln(out)

	outputFile := p.ask("Config file path", defaultConfigPath)
	if _, err := os.Stat(outputFile); err == nil {
		if !p.yes("File exists. Overwrite?") {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	cfg := config.Default()

	fmt.Fprintln(out, "\n--- Transport ---")
	cfg.Transport.Kind = p.ask("Transport (matrix/kafka/loopback)", config.TransportMatrix)
	switch cfg.Transport.Kind {
	case config.TransportKafka:
		brokers := p.ask("Kafka brokers (comma separated)", "localhost:9092")
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.Transport.Brokers = append(cfg.Transport.Brokers, b)
			}
		}
	case config.TransportMatrix:
		cfg.Transport.RecoveryKey = p.ask("Recovery key for encrypted rooms (leave empty to skip)", "")
		if cfg.Transport.RecoveryKey != "" {
			cfg.Transport.DataDir = p.ask("Crypto store directory", dataPath)
		}
	}

	fmt.Fprintln(out, "\n--- Identity ---")
	if cfg.Transport.Kind != config.TransportLoopback {
		cfg.Identity.Server = p.ask("Server", "")
	}
	if cfg.Transport.Kind == config.TransportMatrix {
		port, err := strconv.Atoi(p.ask("Port", strconv.Itoa(config.DefaultPort)))
		if err != nil {
			return fmt.Errorf("port: %w", err)
		}
		cfg.Identity.Port = port
	}
	cfg.Identity.LoginID = p.ask("Login ID", "")
	if cfg.Transport.Kind == config.TransportMatrix {
		cfg.Identity.Password = p.ask("Password (or ${BOTWATCH_PASSWORD})", "${BOTWATCH_PASSWORD}")
	}

	fmt.Fprintln(out, "\n--- Rooms ---")
	coordSecret, err := randomSecret()
	if err != nil {
		return err
	}
	shareSecret, err := randomSecret()
	if err != nil {
		return err
	}
	cfg.Rooms.Coordination.Name = p.ask("Coordination room", cfg.Rooms.Coordination.Name)
	cfg.Rooms.Coordination.Secret = p.ask("Coordination room secret (shared by every agent)", coordSecret)
	cfg.Rooms.DataShare.Name = p.ask("Data-share room", cfg.Rooms.DataShare.Name)
	cfg.Rooms.DataShare.Secret = p.ask("Data-share room secret", shareSecret)

	fmt.Fprintln(out, "\n--- Storage and logging ---")
	cfg.Database.Path = p.ask("SQLite database path (empty keeps targets in memory)", filepath.Join(dataPath, "agent.db"))
	cfg.Logging.Level = p.ask("Log level (debug/info/warn/error)", "info")
	cfg.Logging.Format = p.ask("Log format (text/json)", "text")

	if err := validateDraft(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.Coordination.QueryTimeoutRaw = cfg.Coordination.QueryTimeout.String()
	cfg.Session.JoinBackoffRaw = cfg.Session.JoinBackoff.String()
	cfg.Session.MaxBackoffRaw = cfg.Session.MaxBackoff.String()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	data = append([]byte("# botwatch agent configuration\n# Generated by botwatch init\n\n"), data...)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// Room secrets and the password live in this file.
	if err := os.WriteFile(outputFile, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if cfg.Database.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "Share the room secrets with every agent that should coordinate with this one.")
	fmt.Fprintln(out, "\nTo start the agent:")
	fmt.Fprintf(out, "  botwatch run --config %s\n", outputFile)
	return nil
}

// validateDraft validates cfg as Load would after ${VAR} expansion, so a
// password placeholder is not rejected as empty.
func validateDraft(cfg *config.Config) error {
	check := *cfg
	if strings.HasPrefix(check.Identity.Password, "${") {
		check.Identity.Password = "placeholder"
	}
	return check.Validate()
}
