package server

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// Liveness backends.
const (
	LivenessNATS = "nats"
	LivenessEtcd = "etcd"
)

// Config holds server configuration from environment variables.
type Config struct {
	Port     string
	GRPCPort string
	NatsURL  string
	LogLevel string
	Timezone string
	DBPath   string

	Liveness      string
	EtcdEndpoints []string

	HeartbeatTTL           time.Duration
	NodeTimeout            time.Duration
	HeartbeatCheckInterval time.Duration
	SchedulerSyncInterval  time.Duration
	DispatchFanOut         string
	DispatchTimeout        time.Duration
	ReapInterval           time.Duration
	ReapGrace              time.Duration

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// LoadConfig reads configuration from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		Port:     getEnv("FLEET_PORT", "8080"),
		GRPCPort: getEnv("FLEET_GRPC_PORT", "9090"),
		NatsURL:  getEnv("NATS_URL", "nats://localhost:4222"),
		LogLevel: getEnv("FLEET_LOG_LEVEL", "info"),
		Timezone: getEnv("FLEET_TIMEZONE", "Asia/Shanghai"),
		DBPath:   getEnv("FLEET_DB_PATH", "fleet.db"),

		Liveness:      strings.ToLower(getEnv("FLEET_LIVENESS", LivenessNATS)),
		EtcdEndpoints: getEnvList("ETCD_ENDPOINTS", []string{"localhost:2379"}),

		HeartbeatTTL:           getEnvDuration("FLEET_HEARTBEAT_TTL", 60*time.Second),
		NodeTimeout:            getEnvDuration("FLEET_NODE_TIMEOUT", 120*time.Second),
		HeartbeatCheckInterval: getEnvDuration("FLEET_HEARTBEAT_CHECK_INTERVAL", 30*time.Second),
		SchedulerSyncInterval:  getEnvDuration("FLEET_SCHEDULER_SYNC_INTERVAL", 5*time.Minute),
		DispatchFanOut:         strings.ToLower(getEnv("FLEET_DISPATCH_FANOUT", "first")),
		DispatchTimeout:        getEnvDuration("FLEET_DISPATCH_TIMEOUT", 30*time.Second),
		ReapInterval:           getEnvDuration("FLEET_REAP_INTERVAL", time.Minute),
		ReapGrace:              getEnvDuration("FLEET_REAP_GRACE", 5*time.Minute),

		ReadTimeout:     getEnvDuration("FLEET_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("FLEET_HTTP_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:     getEnvDuration("FLEET_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("FLEET_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	if c.Liveness != LivenessNATS && c.Liveness != LivenessEtcd {
		return fmt.Errorf("FLEET_LIVENESS must be %q or %q, got %q", LivenessNATS, LivenessEtcd, c.Liveness)
	}
	if c.HeartbeatTTL <= 0 || c.NodeTimeout <= 0 || c.HeartbeatCheckInterval <= 0 {
		return fmt.Errorf("heartbeat durations must be positive")
	}
	if c.NodeTimeout < c.HeartbeatTTL {
		return fmt.Errorf("FLEET_NODE_TIMEOUT (%s) must not be shorter than FLEET_HEARTBEAT_TTL (%s)",
			c.NodeTimeout, c.HeartbeatTTL)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("FLEET_TIMEZONE: %w", err)
	}
	return nil
}

// Location returns the configured cron time zone.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// WorkerConfig holds the node agent configuration.
type WorkerConfig struct {
	Hostname  string
	MasterURL string
	NatsURL   string
	LogLevel  string

	Liveness      string
	EtcdEndpoints []string
	HeartbeatTTL  time.Duration

	HeartbeatInterval time.Duration
	Concurrency       int
	ProjectsDir       string
	LogsDir           string

	IP             string
	Tags           string
	PhysicalHostID string
	ContainerID    string
	IsPhysicalHost bool
	CPUCores       int
	MemoryGB       float64
	DiskGB         float64
}

// LoadWorkerConfig reads the agent configuration from environment variables.
func LoadWorkerConfig() WorkerConfig {
	host, _ := os.Hostname()
	return WorkerConfig{
		Hostname:  getEnv("FLEET_WORKER_HOSTNAME", host),
		MasterURL: getEnv("FLEET_MASTER_URL", "http://localhost:8080"),
		NatsURL:   getEnv("NATS_URL", "nats://localhost:4222"),
		LogLevel:  getEnv("FLEET_LOG_LEVEL", "info"),

		Liveness:      strings.ToLower(getEnv("FLEET_LIVENESS", LivenessNATS)),
		EtcdEndpoints: getEnvList("ETCD_ENDPOINTS", []string{"localhost:2379"}),
		HeartbeatTTL:  getEnvDuration("FLEET_HEARTBEAT_TTL", 60*time.Second),

		HeartbeatInterval: getEnvDuration("FLEET_WORKER_HEARTBEAT_INTERVAL", 15*time.Second),
		Concurrency:       getEnvInt("FLEET_WORKER_CONCURRENCY", 4),
		ProjectsDir:       getEnv("FLEET_PROJECTS_DIR", "projects"),
		LogsDir:           getEnv("FLEET_LOGS_DIR", "logs"),

		IP:             getEnv("FLEET_WORKER_IP", ""),
		Tags:           getEnv("FLEET_WORKER_TAGS", ""),
		PhysicalHostID: getEnv("FLEET_PHYSICAL_HOST_ID", ""),
		ContainerID:    getEnv("FLEET_CONTAINER_ID", ""),
		IsPhysicalHost: getEnvBool("FLEET_IS_PHYSICAL_HOST", false),
		CPUCores:       getEnvInt("FLEET_WORKER_CPU_CORES", runtime.NumCPU()),
		MemoryGB:       getEnvFloat("FLEET_WORKER_MEMORY_GB", 0),
		DiskGB:         getEnvFloat("FLEET_WORKER_DISK_GB", 0),
	}
}

// ParseLogLevel maps FLEET_LOG_LEVEL onto a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	val, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
