package chatter

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/putto11262002/chatter-mobile/core"
)

type ConfigLoader interface {
	Load() (*Config, error)
}

// FileConfigLoader loads the configuration with LoadConfig.
type FileConfigLoader struct {
	File string
}

func (l *FileConfigLoader) Load() (*Config, error) {
	return LoadConfig(l.File)
}

// EnvConfigLoader loads the configuration from environment variables, reading
// the given .env files first. Missing .env files are ignored.
// CHATTER_TOKEN is expected to hold the access token of CHATTER_USERNAME.
type EnvConfigLoader struct {
	Files []string
}

func (l *EnvConfigLoader) Load() (*Config, error) {
	// Load environment variables from .env file
	if err := godotenv.Load(l.Files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	config := defaultConfig()
	config.Username = getEnv("CHATTER_USERNAME", config.Username)
	config.Token = getEnv("CHATTER_TOKEN", config.Token)
	config.Server.API = getEnv("CHATTER_SERVER_API", config.Server.API)
	config.Server.Socket = getEnv("CHATTER_SERVER_SOCKET", config.Server.Socket)
	config.Cache.File = getEnv("CHATTER_CACHE_FILE", config.Cache.File)
	config.Status.Addr = getEnv("CHATTER_STATUS_ADDR", config.Status.Addr)
	config.LogLevel = getEnv("CHATTER_LOG_LEVEL", config.LogLevel)
	return config, nil
}

// DefaultConfigLoader returns the defaults. Username and token are left empty.
type DefaultConfigLoader struct {
}

func (l *DefaultConfigLoader) Load() (*Config, error) {
	return defaultConfig(), nil
}

func defaultConfig() *Config {
	c := &Config{LogLevel: "info", Call: core.DefaultCallConfig}
	c.Server.API = "http://localhost:5000"
	c.Server.Socket = "ws://localhost:5000/ws"
	c.Cache.File = "./chatter-cache.db"
	c.Sync.Limit = core.DefaultSyncLimit
	c.Typing.Timeout = 3 * time.Second
	c.Typing.Interval = 500 * time.Millisecond
	c.Reconnect.Base = time.Second
	c.Reconnect.Max = 30 * time.Second
	return c
}

// Utility function to get an environment variable with a default value
func getEnv(key, def string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return def
	}
	return value
}
