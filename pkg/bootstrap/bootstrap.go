package bootstrap

import (
    "context"
    "fmt"
    "log"
    "os"
    "time"

    "github.com/hashicorp/go-hclog"

    "github.com/replicalab/replicasim/pkg/broadcast"
    "github.com/replicalab/replicasim/pkg/cluster"
    "github.com/replicalab/replicasim/pkg/compute/local"
    "github.com/replicalab/replicasim/pkg/engine/raftengine"
    "github.com/replicalab/replicasim/pkg/failure"
    "github.com/replicalab/replicasim/pkg/observability/metrics"
    "github.com/replicalab/replicasim/pkg/observability/tracing"
    "github.com/replicalab/replicasim/pkg/security/tlsconfig"
    "github.com/replicalab/replicasim/pkg/transport"
    "github.com/replicalab/replicasim/pkg/transport/grpcfeed"
    "github.com/replicalab/replicasim/pkg/transport/httpapi"
)

// App is a fully assembled simulation daemon: compute backend, coordinator,
// failure injector, broadcaster and the two API servers, wired together.
type App struct {
    Backend     *local.Backend
    Surface     *raftengine.Surface
    Coordinator *cluster.Coordinator
    Injector    *failure.Injector
    Hub         *broadcast.Hub
    HTTP        *httpapi.Server
    Feed        *grpcfeed.Server

    cfg       Config
    log       hclog.Logger
    stopTrace func(context.Context) error
}

// Build assembles the components without starting any server.
func Build(cfg Config) (*App, error) {
    if err := cfg.Normalize(); err != nil {
        return nil, err
    }

    metrics.Register()
    stopTrace, err := tracing.Setup(cfg.Trace)
    if err != nil {
        return nil, fmt.Errorf("bootstrap: tracing: %w", err)
    }

    logger := hclog.New(&hclog.LoggerOptions{Name: "replicasim", Output: os.Stderr})

    backend, err := local.New(local.Options{
        Logger:           logger,
        DataDir:          cfg.DataDir,
        InMemory:         cfg.InMemory,
        HeartbeatTimeout: cfg.HeartbeatTimeout,
        ElectionTimeout:  cfg.ElectionTimeout,
    })
    if err != nil {
        return nil, err
    }

    surface := raftengine.New(backend, logger)

    coord, err := cluster.New(cluster.Options{
        Driver:       backend,
        Surface:      surface,
        Logger:       logger,
        Host:         cfg.Host,
        PortBase:     cfg.PortBase,
        InitTimeout:  cfg.InitTimeout,
        StepdownWait: cfg.StepdownWait,
    })
    if err != nil {
        return nil, err
    }

    inj, err := failure.NewInjector(failure.Options{
        Driver: backend,
        Groups: coord,
        Guard:  coord.Guard(),
        Logger: logger,
    })
    if err != nil {
        return nil, err
    }

    hub := broadcast.NewHub(broadcast.Options{
        Status:   coord,
        Failures: inj,
        Logs:     coord,
        Interval: cfg.PollInterval,
        Logger:   logger,
    })

    app := &App{
        Backend:     backend,
        Surface:     surface,
        Coordinator: coord,
        Injector:    inj,
        Hub:         hub,
        HTTP:        httpapi.NewServer(cfg.HTTPAddr, log.Default()),
        cfg:         cfg,
        log:         logger,
        stopTrace:   stopTrace,
    }
    if cfg.FeedAddr != "" {
        app.Feed = grpcfeed.NewServer(cfg.FeedAddr)
    }

    tlsOpts := tlsconfig.Options{
        Enable:   cfg.TLS.Enable,
        CAFile:   cfg.TLS.CAFile,
        CertFile: cfg.TLS.CertFile,
        KeyFile:  cfg.TLS.KeyFile,
    }
    srvTLS, err := tlsOpts.ServerHotReload()
    if err != nil {
        return nil, fmt.Errorf("bootstrap: tls: %w", err)
    }
    if srvTLS != nil {
        app.HTTP.UseTLS(srvTLS)
        if app.Feed != nil {
            feedTLS, err := tlsOpts.ServerHotReload()
            if err != nil { return nil, fmt.Errorf("bootstrap: tls: %w", err) }
            app.Feed.UseTLS(feedTLS)
        }
    }

    return app, nil
}

// Handlers maps the coordinator and injector onto the transport surface.
func (a *App) Handlers() transport.Handlers {
    return transport.Handlers{
        InitGroup: func(ctx context.Context, req transport.InitGroupRequest) (cluster.GroupStatus, error) {
            seeds := make([]cluster.MemberSeed, 0, len(req.Members))
            for _, m := range req.Members {
                seeds = append(seeds, m.Seed())
            }
            return a.Coordinator.InitiateGroup(ctx, req.Group, seeds)
        },
        AddMember: func(ctx context.Context, req transport.AddMemberRequest) (cluster.MemberStatus, error) {
            return a.Coordinator.AddMember(ctx, req.Group, req.Member.Seed())
        },
        RemoveMember: func(ctx context.Context, req transport.RemoveMemberRequest) error {
            return a.Coordinator.RemoveMember(ctx, req.Group, req.NodeID)
        },
        Stepdown: func(ctx context.Context, req transport.StepdownRequest) (transport.StepdownResponse, error) {
            grace := time.Duration(req.GracePeriodSec) * time.Second
            leader, err := a.Coordinator.Stepdown(ctx, req.Group, grace)
            return transport.StepdownResponse{NewLeader: leader}, err
        },

        Crash: func(ctx context.Context, req transport.CrashRequest) (failure.Failure, error) {
            return a.Injector.Crash(ctx, req.Group, req.NodeID)
        },
        Restore: func(ctx context.Context, req transport.RestoreRequest) (transport.RestoreResponse, error) {
            restored, err := a.Injector.Restore(ctx, req.Group, req.NodeID)
            return transport.RestoreResponse{Restored: restored}, err
        },
        Partition: func(ctx context.Context, req transport.PartitionRequest) (failure.Failure, error) {
            return a.Injector.Partition(ctx, req.Group, req.SideA, req.SideB)
        },
        Latency: func(ctx context.Context, req transport.LatencyRequest) (failure.Failure, error) {
            return a.Injector.Latency(ctx, req.Group, req.Nodes, req.LatencyMs, req.JitterMs)
        },
        Heal: func(ctx context.Context, req transport.HealRequest) error {
            return a.Injector.Heal(ctx, req.ID)
        },
        Failures: func(ctx context.Context) []failure.Failure {
            return a.Injector.List()
        },

        GroupStatus: a.Coordinator.Status,
        State:       a.Coordinator.State,
        Endpoint:    a.Coordinator.ResolveEndpoint,
        Logs:        a.Coordinator.Logs,
    }
}

// Run builds the app and starts the HTTP API, the feed and the broadcaster.
// Everything stops when ctx is canceled.
func Run(ctx context.Context, cfg Config) (*App, error) {
    app, err := Build(cfg)
    if err != nil {
        return nil, err
    }
    if err := app.Start(ctx); err != nil {
        _ = app.Close(context.Background())
        return nil, err
    }
    return app, nil
}

// Start launches the servers and the poll loop. The provided ctx governs
// their lifetime.
func (a *App) Start(ctx context.Context) error {
    if err := a.HTTP.Start(ctx, a.Handlers()); err != nil {
        return fmt.Errorf("bootstrap: http: %w", err)
    }
    if a.Feed != nil {
        if err := a.Feed.Start(ctx, a.Hub); err != nil {
            return fmt.Errorf("bootstrap: feed: %w", err)
        }
    }
    go a.Hub.Run(ctx)
    a.log.Info("daemon started", "http", a.cfg.HTTPAddr, "feed", a.cfg.FeedAddr)
    return nil
}

// Close tears the deployment down and releases the servers.
func (a *App) Close(ctx context.Context) error {
    var firstErr error
    if a.HTTP != nil {
        if err := a.HTTP.Stop(ctx); err != nil && firstErr == nil { firstErr = err }
    }
    if a.Feed != nil {
        if err := a.Feed.Stop(ctx); err != nil && firstErr == nil { firstErr = err }
    }
    if a.Coordinator != nil {
        if err := a.Coordinator.Teardown(ctx); err != nil && firstErr == nil { firstErr = err }
    }
    if a.Backend != nil {
        if err := a.Backend.Close(); err != nil && firstErr == nil { firstErr = err }
    }
    if a.stopTrace != nil {
        _ = a.stopTrace(ctx)
    }
    return firstErr
}
