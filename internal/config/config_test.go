// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		if len(kv) > 7 && kv[:7] == "FANOUT_" {
			for i := range kv {
				if kv[i] == '=' {
					t.Setenv(kv[:i], "")
					os.Unsetenv(kv[:i])
					break
				}
			}
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Launcher.Type != "local" {
		t.Errorf("launcher type = %q, want local", cfg.Launcher.Type)
	}
	if cfg.Scheduler.MaxRetries != 0 {
		t.Errorf("max retries = %d, want 0", cfg.Scheduler.MaxRetries)
	}
	if cfg.NATS.URL != DefaultNATSURL {
		t.Errorf("nats url = %q, want %q", cfg.NATS.URL, DefaultNATSURL)
	}
	if cfg.NATS.TasksSubject != DefaultTasksSubject {
		t.Errorf("tasks subject = %q, want %q", cfg.NATS.TasksSubject, DefaultTasksSubject)
	}
	if cfg.LevelDB.Path != DefaultLevelDBPath {
		t.Errorf("leveldb path = %q, want %q", cfg.LevelDB.Path, DefaultLevelDBPath)
	}
	if cfg.Postgres.URL != "" {
		t.Errorf("postgres url = %q, want unset", cfg.Postgres.URL)
	}
	if cfg.Server.Port != DefaultServerPort {
		t.Errorf("server port = %q, want %q", cfg.Server.Port, DefaultServerPort)
	}
}

func TestLoad_FromFile(t *testing.T) {
	clearEnv(t)

	content := `
scheduler:
  workers: 8
  maxRetries: 3
  cpuBinding: true
  nodeCPUs: 16
launcher:
  type: cluster
  nodes: [node-a, node-b]
nats:
  url: nats://queue:4222
server:
  enabled: true
  port: "9090"
unknownSection:
  ignored: true
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Scheduler.Workers != 8 || cfg.Scheduler.MaxRetries != 3 {
		t.Errorf("scheduler = %+v, want workers 8, retries 3", cfg.Scheduler)
	}
	if !cfg.Scheduler.CPUBinding || cfg.Scheduler.NodeCPUs != 16 {
		t.Errorf("binding = %+v, want cpuBinding over 16 CPUs", cfg.Scheduler)
	}
	if cfg.Launcher.Type != "cluster" || len(cfg.Launcher.Nodes) != 2 {
		t.Errorf("launcher = %+v, want cluster with 2 nodes", cfg.Launcher)
	}
	if cfg.NATS.URL != "nats://queue:4222" {
		t.Errorf("nats url = %q", cfg.NATS.URL)
	}
	if !cfg.Server.Enabled || cfg.Server.Port != "9090" {
		t.Errorf("server = %+v, want enabled on 9090", cfg.Server)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)

	content := "scheduler:\n  workers: 8\nlauncher:\n  type: local\n"
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("FANOUT_WORKERS", "2")
	t.Setenv("FANOUT_LAUNCHER", "cluster")
	t.Setenv("FANOUT_NODES", "node-a, node-b, ")
	t.Setenv("FANOUT_POSTGRES_URL", "postgres://history")
	t.Setenv("FANOUT_MAX_RETRIES", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Scheduler.Workers != 2 {
		t.Errorf("workers = %d, want env override 2", cfg.Scheduler.Workers)
	}
	if cfg.Scheduler.MaxRetries != 5 {
		t.Errorf("max retries = %d, want 5", cfg.Scheduler.MaxRetries)
	}
	if cfg.Launcher.Type != "cluster" {
		t.Errorf("launcher = %q, want cluster", cfg.Launcher.Type)
	}
	if len(cfg.Launcher.Nodes) != 2 || cfg.Launcher.Nodes[1] != "node-b" {
		t.Errorf("nodes = %v, want [node-a node-b]", cfg.Launcher.Nodes)
	}
	if cfg.Postgres.URL != "postgres://history" {
		t.Errorf("postgres url = %q", cfg.Postgres.URL)
	}
}

func TestLoad_UnknownLauncher(t *testing.T) {
	clearEnv(t)
	t.Setenv("FANOUT_LAUNCHER", "mpi")

	if _, err := Load(""); err == nil {
		t.Fatal("Load accepted unknown launcher type")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load accepted missing config file")
	}
}
