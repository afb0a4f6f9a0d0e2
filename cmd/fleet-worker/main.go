package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crawlodeployer/fleet/internal/core"
	"github.com/crawlodeployer/fleet/internal/liveness"
	natsbackend "github.com/crawlodeployer/fleet/internal/nats"
	"github.com/crawlodeployer/fleet/internal/server"
	"github.com/crawlodeployer/fleet/internal/worker"
)

func main() {
	cfg := server.LoadWorkerConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: server.ParseLogLevel(cfg.LogLevel),
	})).With("hostname", cfg.Hostname))

	if cfg.Hostname == "" {
		slog.Error("worker hostname is unknown", "hint", "set FLEET_WORKER_HOSTNAME")
		os.Exit(1)
	}

	backend, err := natsbackend.Connect(cfg.NatsURL, "fleet-worker-"+cfg.Hostname, cfg.HeartbeatTTL)
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer backend.Close()
	slog.Info("connected to NATS", "url", cfg.NatsURL)

	var live worker.Liveness = backend
	if cfg.Liveness == server.LivenessEtcd {
		etcd, err := liveness.NewEtcd(cfg.EtcdEndpoints, cfg.HeartbeatTTL)
		if err != nil {
			slog.Error("failed to connect to etcd", "endpoints", cfg.EtcdEndpoints, "error", err)
			os.Exit(1)
		}
		defer etcd.Close()
		live = etcd
	}

	ip := cfg.IP
	if ip == "" {
		if ip, err = worker.LocalIP(); err != nil {
			slog.Warn("could not detect IP address", "error", err)
		}
	}
	nodeOS := worker.LocalOS()
	info := core.ResourceInfo{
		IP:      ip,
		OS:      nodeOS,
		Version: core.Version,
		Capacity: core.Resources{
			CPUCores: cfg.CPUCores,
			MemoryGB: cfg.MemoryGB,
			DiskGB:   cfg.DiskGB,
		},
		Tags:           core.ParseTags(cfg.Tags),
		PhysicalHostID: cfg.PhysicalHostID,
		ContainerID:    cfg.ContainerID,
		IsPhysicalHost: cfg.IsPhysicalHost,
		MaxConcurrency: cfg.Concurrency,
	}

	executor := worker.NewExecutor(cfg.ProjectsDir, cfg.LogsDir, cfg.Hostname, nodeOS, backend)
	agent := worker.NewAgent(worker.AgentConfig{
		Hostname:          cfg.Hostname,
		MasterURL:         cfg.MasterURL,
		Info:              info,
		Concurrency:       cfg.Concurrency,
		HeartbeatInterval: cfg.HeartbeatInterval,
		FetchWait:         5 * time.Second,
	}, live, backend.NewWorkConsumer(cfg.Hostname), executor, backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("fleet worker starting", "os", nodeOS, "ip", ip, "concurrency", cfg.Concurrency,
		"projects_dir", cfg.ProjectsDir)
	if err := agent.Run(ctx); err != nil {
		slog.Error("agent failed", "error", err)
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
