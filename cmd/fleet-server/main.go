package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/crawlodeployer/fleet/internal/api"
	"github.com/crawlodeployer/fleet/internal/core"
	"github.com/crawlodeployer/fleet/internal/dispatch"
	"github.com/crawlodeployer/fleet/internal/heartbeat"
	"github.com/crawlodeployer/fleet/internal/liveness"
	"github.com/crawlodeployer/fleet/internal/metrics"
	natsbackend "github.com/crawlodeployer/fleet/internal/nats"
	"github.com/crawlodeployer/fleet/internal/placement"
	"github.com/crawlodeployer/fleet/internal/registry"
	"github.com/crawlodeployer/fleet/internal/scheduler"
	"github.com/crawlodeployer/fleet/internal/server"
	"github.com/crawlodeployer/fleet/internal/store"
)

func main() {
	cfg := server.LoadConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: server.ParseLogLevel(cfg.LogLevel),
	})))
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	st, err := openStore(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open store", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Connect to NATS
	backend, err := natsbackend.Connect(cfg.NatsURL, "fleet-server", cfg.HeartbeatTTL)
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer backend.Close()
	slog.Info("connected to NATS", "url", cfg.NatsURL)

	channel, closeChannel, err := openLiveness(cfg, backend)
	if err != nil {
		slog.Error("failed to open liveness channel", "backend", cfg.Liveness, "error", err)
		os.Exit(1)
	}
	defer closeChannel()
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = channel.Ping(pingCtx)
	pingCancel()
	if err != nil {
		slog.Error("liveness channel unreachable", "backend", cfg.Liveness, "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	m.Init(core.Version, cfg.Liveness)

	reg := registry.New(st, registry.WithObserver(m.NodeTransition))
	m.RegisterNodesOnline(func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		nodes, err := reg.ListOnline(ctx, registry.Filter{})
		if err != nil {
			return 0
		}
		return float64(len(nodes))
	})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Heartbeat monitor and registration listener
	monitor := heartbeat.NewMonitor(channel, reg, cfg.HeartbeatCheckInterval, cfg.NodeTimeout,
		heartbeat.WithPassObserver(func(r heartbeat.Result, d time.Duration) {
			m.Reconciled(d.Seconds(), r.WentOnline, r.WentOffline, r.Skipped)
		}))
	monitor.Start()
	defer monitor.Stop()
	go heartbeat.NewListener(channel, reg).Run(ctx)

	// Dispatcher and result consumer
	dispatcher := dispatch.New(st, placement.NewResolver(reg), backend, backend,
		dispatch.WithFanOut(dispatch.ParseFanOut(cfg.DispatchFanOut)),
		dispatch.WithDispatchObserver(m.Dispatched),
		dispatch.WithRunObserver(m.RunFinished))
	go func() {
		err := backend.ConsumeResults(ctx, func(ctx context.Context, ev *core.RunEvent) error {
			err := dispatcher.ApplyEvent(ctx, ev)
			m.EventApplied(ev.Status, err)
			return err
		})
		if err != nil && ctx.Err() == nil {
			slog.Error("result consumer stopped", "error", err)
		}
	}()

	// Cron scheduler
	sched := scheduler.New(st, dispatcher,
		scheduler.WithLocation(cfg.Location()),
		scheduler.WithSyncInterval(cfg.SchedulerSyncInterval),
		scheduler.WithDispatchTimeout(cfg.DispatchTimeout),
		scheduler.WithTriggerObserver(m.SetTriggers))
	syncCtx, syncCancel := context.WithTimeout(ctx, 30*time.Second)
	if _, err := sched.SyncFromStore(syncCtx); err != nil {
		slog.Error("initial scheduler sync failed", "error", err)
	}
	syncCancel()
	sched.Start()
	defer sched.Stop()

	reaper := scheduler.NewReaper(st, reg, dispatcher, cfg.ReapInterval, cfg.NodeTimeout, cfg.ReapGrace)
	reaper.Start()
	defer reaper.Stop()

	// Create HTTP server
	router := server.NewRouter(server.RouterDeps{
		Registry:   reg,
		Dispatcher: dispatcher,
		Runs:       st,
		Scheduler:  sched,
		Reconciler: monitor,
		Checks: map[string]api.HealthCheck{
			"nats":     backend.Ping,
			"liveness": channel.Ping,
		},
		Metrics: m.Handler(),
	})
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		slog.Info("fleet server listening", "port", cfg.Port, "version", core.Version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Start gRPC health server
	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("fleet.v1.Scheduler", healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	go func() {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			slog.Error("failed to listen for gRPC", "port", cfg.GRPCPort, "error", err)
			os.Exit(1)
		}
		slog.Info("fleet gRPC health listening", "port", cfg.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			slog.Error("gRPC server error", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")
	healthSrv.Shutdown()
	sched.Stop()
	reaper.Stop()
	monitor.Stop()
	stop()
	grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

func openStore(path string) (store.Store, error) {
	if path == "" || path == ":memory:" {
		slog.Warn("using in-memory store; jobs and runs are lost on restart")
		return store.NewMemory(), nil
	}
	return store.OpenSQLite(path)
}

// openLiveness returns the configured liveness channel. The NATS channel
// shares the server's connection.
func openLiveness(cfg server.Config, backend *natsbackend.Backend) (liveness.Channel, func(), error) {
	if cfg.Liveness == server.LivenessEtcd {
		etcd, err := liveness.NewEtcd(cfg.EtcdEndpoints, cfg.HeartbeatTTL)
		if err != nil {
			return nil, nil, err
		}
		return etcd, func() { _ = etcd.Close() }, nil
	}
	return backend, func() {}, nil
}
