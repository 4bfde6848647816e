package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "PAGEMARK"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "pagemark.db"
	defaultLogLevel     = "info"
	defaultDeviceName   = "pagemark-cli"
	defaultLibraryPath  = "library.db"
)

// ServerConfig captures runtime configuration for the sync server.
type ServerConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	LogFile      string
	LogMaxSizeMB int
	LogMaxFiles  int
}

// ClientConfig captures runtime configuration for the sync client.
type ClientConfig struct {
	ServerURL   string
	Username    string
	Password    string
	LibraryPath string
	DeviceName  string
	LogLevel    string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("log.max_size_mb", 64)
	configViper.SetDefault("log.max_files", 5)

	configViper.SetDefault("server.url", "")
	configViper.SetDefault("sync.username", "")
	configViper.SetDefault("sync.password", "")
	configViper.SetDefault("library.path", defaultLibraryPath)
	configViper.SetDefault("device.name", defaultDeviceName)
}

// LoadServer parses sync server configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		LogFile:      configViper.GetString("log.file"),
		LogMaxSizeMB: configViper.GetInt("log.max_size_mb"),
		LogMaxFiles:  configViper.GetInt("log.max_files"),
	}

	if strings.TrimSpace(cfg.HTTPAddress) == "" {
		return ServerConfig{}, fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return ServerConfig{}, fmt.Errorf("database.path is required")
	}

	return cfg, nil
}

// LoadClient parses sync client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:   configViper.GetString("server.url"),
		Username:    configViper.GetString("sync.username"),
		Password:    configViper.GetString("sync.password"),
		LibraryPath: configViper.GetString("library.path"),
		DeviceName:  configViper.GetString("device.name"),
		LogLevel:    configViper.GetString("log.level"),
	}

	if strings.TrimSpace(cfg.ServerURL) == "" {
		return ClientConfig{}, fmt.Errorf("server.url is required")
	}
	if strings.TrimSpace(cfg.LibraryPath) == "" {
		return ClientConfig{}, fmt.Errorf("library.path is required")
	}

	return cfg, nil
}
