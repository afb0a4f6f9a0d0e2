package server

import (
	"log/slog"
	"reflect"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want %q", cfg.Port, "8080")
	}
	if cfg.Timezone != "Asia/Shanghai" {
		t.Errorf("Timezone = %q, want %q", cfg.Timezone, "Asia/Shanghai")
	}
	if cfg.HeartbeatTTL != 60*time.Second {
		t.Errorf("HeartbeatTTL = %v, want 60s", cfg.HeartbeatTTL)
	}
	if cfg.NodeTimeout != 120*time.Second {
		t.Errorf("NodeTimeout = %v, want 120s", cfg.NodeTimeout)
	}
	if cfg.HeartbeatCheckInterval != 30*time.Second {
		t.Errorf("HeartbeatCheckInterval = %v, want 30s", cfg.HeartbeatCheckInterval)
	}
	if cfg.SchedulerSyncInterval != 5*time.Minute {
		t.Errorf("SchedulerSyncInterval = %v, want 5m", cfg.SchedulerSyncInterval)
	}
	if cfg.DispatchFanOut != "first" {
		t.Errorf("DispatchFanOut = %q, want %q", cfg.DispatchFanOut, "first")
	}
	if cfg.Liveness != LivenessNATS {
		t.Errorf("Liveness = %q, want %q", cfg.Liveness, LivenessNATS)
	}
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("FLEET_PORT", "9000")
	t.Setenv("FLEET_HEARTBEAT_TTL", "45s")
	t.Setenv("FLEET_NODE_TIMEOUT", "90")
	t.Setenv("FLEET_DISPATCH_FANOUT", "ALL")
	t.Setenv("FLEET_LIVENESS", "etcd")
	t.Setenv("ETCD_ENDPOINTS", "etcd-1:2379, etcd-2:2379,")
	t.Setenv("FLEET_SCHEDULER_SYNC_INTERVAL", "not-a-duration")

	cfg := LoadConfig()

	if cfg.Port != "9000" {
		t.Errorf("Port = %q, want %q", cfg.Port, "9000")
	}
	if cfg.HeartbeatTTL != 45*time.Second {
		t.Errorf("HeartbeatTTL = %v, want 45s", cfg.HeartbeatTTL)
	}
	if cfg.NodeTimeout != 90*time.Second {
		t.Errorf("NodeTimeout = %v, want 90s", cfg.NodeTimeout)
	}
	if cfg.DispatchFanOut != "all" {
		t.Errorf("DispatchFanOut = %q, want %q", cfg.DispatchFanOut, "all")
	}
	if cfg.Liveness != LivenessEtcd {
		t.Errorf("Liveness = %q, want %q", cfg.Liveness, LivenessEtcd)
	}
	if want := []string{"etcd-1:2379", "etcd-2:2379"}; !reflect.DeepEqual(cfg.EtcdEndpoints, want) {
		t.Errorf("EtcdEndpoints = %v, want %v", cfg.EtcdEndpoints, want)
	}
	if cfg.SchedulerSyncInterval != 5*time.Minute {
		t.Errorf("SchedulerSyncInterval = %v, want default 5m", cfg.SchedulerSyncInterval)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"unknown liveness", func(c *Config) { c.Liveness = "redis" }, true},
		{"timeout below ttl", func(c *Config) { c.NodeTimeout = 30 * time.Second }, true},
		{"zero interval", func(c *Config) { c.HeartbeatCheckInterval = 0 }, true},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadWorkerConfig(t *testing.T) {
	t.Setenv("FLEET_WORKER_HOSTNAME", "crawler-09")
	t.Setenv("FLEET_WORKER_CONCURRENCY", "2")
	t.Setenv("FLEET_IS_PHYSICAL_HOST", "true")
	t.Setenv("FLEET_WORKER_MEMORY_GB", "31.5")
	t.Setenv("FLEET_WORKER_TAGS", "gpu,ssd")

	cfg := LoadWorkerConfig()

	if cfg.Hostname != "crawler-09" {
		t.Errorf("Hostname = %q, want %q", cfg.Hostname, "crawler-09")
	}
	if cfg.Concurrency != 2 {
		t.Errorf("Concurrency = %d, want 2", cfg.Concurrency)
	}
	if !cfg.IsPhysicalHost {
		t.Error("IsPhysicalHost = false, want true")
	}
	if cfg.MemoryGB != 31.5 {
		t.Errorf("MemoryGB = %v, want 31.5", cfg.MemoryGB)
	}
	if cfg.Tags != "gpu,ssd" {
		t.Errorf("Tags = %q, want %q", cfg.Tags, "gpu,ssd")
	}
	if cfg.CPUCores <= 0 {
		t.Errorf("CPUCores = %d, want > 0", cfg.CPUCores)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
