// Package config loads server settings from the environment and profile
// definitions from YAML files.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/amelia-dev/amelia/pkg/store"
)

// Server environment defaults. The server binds to loopback unless
// explicitly told otherwise.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8420
)

// ServerConfig holds the process-level settings read from the environment.
type ServerConfig struct {
	Host          string
	Port          int
	DatabaseURL   string
	DataDir       string
	MaxConcurrent int
	MaxRetries    int
	// RunTimeout bounds a single workflow run. Zero disables it.
	RunTimeout time.Duration
	// WSIdleTimeout closes WebSocket connections with no traffic. Zero
	// leaves them open.
	WSIdleTimeout time.Duration
	// RepoURL and RepoBase configure the sandbox worktree manager. Both are
	// optional; sandboxed profiles without a repository run against the
	// worktree path given at workflow creation.
	RepoURL  string
	RepoBase string
	// DockerHost overrides the Docker daemon endpoint for sandbox
	// containers. Empty uses the standard DOCKER_HOST resolution.
	DockerHost string
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", key, v)
	}
	return n, nil
}

// LoadEnv loads a .env file into the process environment. A missing file
// is not an error; existing variables are never overwritten.
func LoadEnv(path string) {
	if err := godotenv.Load(path); err != nil {
		slog.Debug("No .env file loaded", "path", path, "error", err)
		return
	}
	slog.Info("Loaded environment", "path", path)
}

// LoadServerConfig reads AMELIA_* variables, applying defaults.
func LoadServerConfig() (*ServerConfig, error) {
	cfg := &ServerConfig{
		Host:        getEnv("AMELIA_HOST", DefaultHost),
		DatabaseURL: os.Getenv("AMELIA_DATABASE_URL"),
		DataDir:     getEnv("AMELIA_DATA_DIR", defaultDataDir()),
		RepoURL:     os.Getenv("AMELIA_REPO_URL"),
		RepoBase:    getEnv("AMELIA_REPO_BASE", "main"),
		DockerHost:  os.Getenv("AMELIA_DOCKER_HOST"),
	}

	var err error
	if cfg.Port, err = getEnvInt("AMELIA_PORT", DefaultPort); err != nil {
		return nil, err
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("AMELIA_PORT: %d is out of range", cfg.Port)
	}
	if cfg.MaxConcurrent, err = getEnvInt("AMELIA_MAX_CONCURRENT", 0); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = getEnvInt("AMELIA_MAX_RETRIES", 0); err != nil {
		return nil, err
	}
	if raw := os.Getenv("AMELIA_RUN_TIMEOUT"); raw != "" {
		if cfg.RunTimeout, err = time.ParseDuration(raw); err != nil {
			return nil, fmt.Errorf("AMELIA_RUN_TIMEOUT: %q is not a duration", raw)
		}
	}
	if raw := os.Getenv("AMELIA_WS_IDLE_TIMEOUT"); raw != "" {
		if cfg.WSIdleTimeout, err = time.ParseDuration(raw); err != nil {
			return nil, fmt.Errorf("AMELIA_WS_IDLE_TIMEOUT: %q is not a duration", raw)
		}
	}
	return cfg, nil
}

// Addr returns the host:port to bind or dial.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// StoreConfig derives the database backend from the URL. A postgres URL
// selects the postgres backend; anything else is treated as a sqlite path,
// defaulting to amelia.db under the data directory.
func (c *ServerConfig) StoreConfig() store.Config {
	if strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		return store.Config{Backend: store.BackendPostgres, DSN: c.DatabaseURL}
	}
	dsn := c.DatabaseURL
	if dsn == "" {
		dsn = filepath.Join(c.DataDir, "amelia.db")
	}
	return store.Config{Backend: store.BackendSQLite, DSN: dsn}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".amelia"
	}
	return filepath.Join(home, ".amelia")
}
