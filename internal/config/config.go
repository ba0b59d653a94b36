// Package config reads the server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DefaultPort        = 7070
	DefaultTargetRepo  = "tipsy/profile-summary-for-github"
	DefaultDatabaseURL = "profile-cache.db"
)

// Config holds the server settings.
type Config struct {
	Port         int
	APITokens    []string
	Unrestricted bool
	GTMID        string
	// FreeRequestsCutoff is nil when unset.
	FreeRequestsCutoff *int
	DatabaseURL        string
	TargetRepo         string
	// GitHubAPIURL is the base URL of a GitHub Enterprise server. Empty means github.com.
	GitHubAPIURL string
	Debug        bool
}

// Load reads an optional .env file from the working directory, then the
// environment.
func Load() (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return Config{}, fmt.Errorf("failed to read .env: %w", err)
		}
	}
	return LoadWithEnv(os.Getenv)
}

// LoadWithEnv builds a Config from getenv. Each setting is looked up by its
// upper-case name with '-' replaced by '_', then by the name as written.
func LoadWithEnv(getenv func(string) string) (Config, error) {
	lookup := func(name string) string {
		if v := getenv(strings.ReplaceAll(strings.ToUpper(name), "-", "_")); v != "" {
			return v
		}
		return getenv(name)
	}

	cfg := Config{
		Port:         DefaultPort,
		APITokens:    splitTokens(lookup("api-tokens")),
		Unrestricted: strings.EqualFold(lookup("unrestricted"), "true"),
		GTMID:        lookup("gtm-id"),
		DatabaseURL:  orDefault(lookup("database-url"), DefaultDatabaseURL),
		TargetRepo:   orDefault(lookup("target-repo"), DefaultTargetRepo),
		GitHubAPIURL: lookup("github-api-url"),
		Debug:        strings.EqualFold(lookup("debug"), "true"),
	}

	if raw := lookup("port"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("PORT must be a valid port number, got %q", raw)
		}
		cfg.Port = port
	}
	if raw := lookup("free-requests-cutoff"); raw != "" {
		cutoff, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("FREE_REQUESTS_CUTOFF must be an integer, got %q", raw)
		}
		cfg.FreeRequestsCutoff = &cutoff
	}
	if owner, name, ok := strings.Cut(cfg.TargetRepo, "/"); !ok || owner == "" || name == "" {
		return Config{}, fmt.Errorf("TARGET_REPO must be owner/name, got %q", cfg.TargetRepo)
	}
	return cfg, nil
}

func splitTokens(raw string) []string {
	var tokens []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
