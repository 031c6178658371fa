package main

import (
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
)

// Config holds client runtime configuration.
type Config struct {
	ServerURL string
	Port      int
	APIKey    string
	Subdomain string
	Reuse     bool
	Debug     bool
}

var cfg Config

// init registers all client flags into the default flag set.
func init() {
	flag.StringVar(&cfg.ServerURL, "server", "wss://api.knrog.online", "knrog server URL")
	flag.IntVar(&cfg.Port, "port", 3000, "local port to expose")
	flag.StringVar(&cfg.APIKey, "api-key", "", "API key for authentication (falls back to the saved config)")
	flag.StringVar(&cfg.Subdomain, "subdomain", "", "request a specific subdomain (paid plans)")
	flag.BoolVar(&cfg.Reuse, "reuse", false, "reuse the last assigned subdomain")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}

// FileConfig is the persisted state in ~/.knrog/config.json.
type FileConfig struct {
	APIKey        string `json:"apiKey,omitempty"`
	LastSubdomain string `json:"lastSubdomain,omitempty"`
}

func configPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".knrog", "config.json"), nil
}

func loadFileConfig() FileConfig {
	var fc FileConfig
	path, err := configPath()
	if err != nil {
		return fc
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fc
	}
	_ = json.Unmarshal(data, &fc)
	return fc
}

func saveFileConfig(fc FileConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
