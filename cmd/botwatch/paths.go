// ABOUTME: Config and data file locations for the botwatch CLI
// ABOUTME: Follows the XDG base directory layout with flag and env overrides

package main

import (
	"os"
	"path/filepath"
)

// getConfigPath returns the path to the agent config file.
// Priority: --config flag > BOTWATCH_CONFIG > XDG_CONFIG_HOME/botwatch/agent.yaml > ~/.config/botwatch/agent.yaml
func getConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if envPath := os.Getenv("BOTWATCH_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "agent.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "botwatch", "agent.yaml")
}

// getDataPath returns the botwatch data directory.
// Priority: XDG_DATA_HOME/botwatch > ~/.local/share/botwatch
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "botwatch")
}
