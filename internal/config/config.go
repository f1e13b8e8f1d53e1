// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Launcher  LauncherConfig  `yaml:"launcher"`
	NATS      NATSConfig      `yaml:"nats"`
	LevelDB   LevelDBConfig   `yaml:"leveldb"`
	Postgres  PostgresConfig  `yaml:"-"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

// SchedulerConfig holds worker pool and retry configuration
type SchedulerConfig struct {
	Workers      int  `yaml:"workers"`      // 0 means derive from reservedCPUs
	ReservedCPUs int  `yaml:"reservedCPUs"` // CPU count of the allocation
	MaxRetries   int  `yaml:"maxRetries"`
	CPUBinding   bool `yaml:"cpuBinding"`
	NodeCPUs     int  `yaml:"nodeCPUs"`
}

// LauncherConfig selects and configures the worker backend
type LauncherConfig struct {
	Type  string   `yaml:"type"` // "local" or "cluster"
	Nodes []string `yaml:"nodes"`
}

// NATSConfig holds cluster launcher transport configuration
type NATSConfig struct {
	URL          string `yaml:"url"`
	TasksSubject string `yaml:"tasksSubject"`
	QueueGroup   string `yaml:"queueGroup"`
}

// LevelDBConfig holds run journal configuration
type LevelDBConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig holds the optional run history store configuration
type PostgresConfig struct {
	URL string `yaml:"-"`
}

// ServerConfig holds the status HTTP server configuration
type ServerConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Port         string `yaml:"port"`
	ReadTimeout  int    `yaml:"readTimeout"`
	WriteTimeout int    `yaml:"writeTimeout"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default configuration values
const (
	DefaultLauncherType = "local"
	DefaultMaxRetries   = 0
	DefaultNATSURL      = "nats://localhost:4222"
	DefaultTasksSubject = "fanout.tasks"
	DefaultQueueGroup   = "fanout-workers"
	DefaultLevelDBPath  = "./data/journal"
	DefaultServerPort   = "8080"
	DefaultReadTimeout  = 30
	DefaultWriteTimeout = 30
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
)

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an environment variable as integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool retrieves an environment variable as boolean or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// Load creates the configuration from an optional YAML file, then applies
// FANOUT_* environment overrides and defaults. An empty path skips the file
// and configures from environment alone. Unknown YAML keys are ignored.
func Load(configPath string) (*Config, error) {
	var config Config

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.Scheduler = SchedulerConfig{
		Workers:      getEnvInt("FANOUT_WORKERS", config.Scheduler.Workers),
		ReservedCPUs: getEnvInt("FANOUT_RESERVED_CPUS", config.Scheduler.ReservedCPUs),
		MaxRetries:   getEnvInt("FANOUT_MAX_RETRIES", orInt(config.Scheduler.MaxRetries, DefaultMaxRetries)),
		CPUBinding:   getEnvBool("FANOUT_CPU_BINDING", config.Scheduler.CPUBinding),
		NodeCPUs:     getEnvInt("FANOUT_NODE_CPUS", config.Scheduler.NodeCPUs),
	}

	config.Launcher = LauncherConfig{
		Type:  strings.ToLower(getEnv("FANOUT_LAUNCHER", orStr(config.Launcher.Type, DefaultLauncherType))),
		Nodes: config.Launcher.Nodes,
	}
	if nodes := os.Getenv("FANOUT_NODES"); nodes != "" {
		config.Launcher.Nodes = splitNodes(nodes)
	}

	config.NATS = NATSConfig{
		URL:          getEnv("FANOUT_NATS_URL", orStr(config.NATS.URL, DefaultNATSURL)),
		TasksSubject: getEnv("FANOUT_NATS_TASKS_SUBJECT", orStr(config.NATS.TasksSubject, DefaultTasksSubject)),
		QueueGroup:   getEnv("FANOUT_NATS_QUEUE_GROUP", orStr(config.NATS.QueueGroup, DefaultQueueGroup)),
	}

	config.LevelDB = LevelDBConfig{
		Path: getEnv("FANOUT_LEVELDB_PATH", orStr(config.LevelDB.Path, DefaultLevelDBPath)),
	}

	// The history store is optional and configured from environment only.
	config.Postgres = PostgresConfig{
		URL: os.Getenv("FANOUT_POSTGRES_URL"),
	}

	config.Server = ServerConfig{
		Enabled:      getEnvBool("FANOUT_SERVER_ENABLED", config.Server.Enabled),
		Port:         getEnv("FANOUT_SERVER_PORT", orStr(config.Server.Port, DefaultServerPort)),
		ReadTimeout:  getEnvInt("FANOUT_SERVER_READ_TIMEOUT", orInt(config.Server.ReadTimeout, DefaultReadTimeout)),
		WriteTimeout: getEnvInt("FANOUT_SERVER_WRITE_TIMEOUT", orInt(config.Server.WriteTimeout, DefaultWriteTimeout)),
	}

	config.Log = LogConfig{
		Level:  getEnv("FANOUT_LOG_LEVEL", orStr(config.Log.Level, DefaultLogLevel)),
		Format: getEnv("FANOUT_LOG_FORMAT", orStr(config.Log.Format, DefaultLogFormat)),
	}

	if config.Launcher.Type != "local" && config.Launcher.Type != "cluster" {
		return nil, fmt.Errorf("unknown launcher type %q", config.Launcher.Type)
	}

	return &config, nil
}

func orStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func splitNodes(s string) []string {
	var nodes []string
	for _, n := range strings.Split(s, ",") {
		if n = strings.TrimSpace(n); n != "" {
			nodes = append(nodes, n)
		}
	}
	return nodes
}
