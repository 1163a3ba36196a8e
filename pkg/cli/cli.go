package cli

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "os"
    "os/signal"
    "strings"
    "syscall"
    "time"

    "github.com/spf13/cobra"

    "github.com/replicalab/replicasim/pkg/bootstrap"
    tlsx "github.com/replicalab/replicasim/pkg/security/tlsconfig"
    "github.com/replicalab/replicasim/pkg/transport"
    "github.com/replicalab/replicasim/pkg/transport/grpcfeed"
    "github.com/replicalab/replicasim/pkg/transport/httpapi"
)

// AddAll attaches every subcommand to the provided root command.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewInitCmd())
    root.AddCommand(NewAddMemberCmd())
    root.AddCommand(NewRemoveMemberCmd())
    root.AddCommand(NewStepdownCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewEndpointCmd())
    root.AddCommand(NewCrashCmd())
    root.AddCommand(NewRestoreCmd())
    root.AddCommand(NewPartitionCmd())
    root.AddCommand(NewLatencyCmd())
    root.AddCommand(NewHealCmd())
    root.AddCommand(NewFailuresCmd())
    root.AddCommand(NewLogsCmd())
    root.AddCommand(NewWatchCmd())
}

// clientFlags are the connection flags shared by every command that talks to
// a running daemon.
type clientFlags struct {
    addr    string
    timeout time.Duration

    tlsEnable, tlsSkip                    bool
    tlsCA, tlsCert, tlsKey, tlsServerName string
}

func (f *clientFlags) attach(cmd *cobra.Command) {
    cmd.Flags().StringVar(&f.addr, "addr", "127.0.0.1:8080", "daemon API address (host:port)")
    cmd.Flags().DurationVar(&f.timeout, "timeout", 30*time.Second, "request timeout")
    cmd.Flags().BoolVar(&f.tlsEnable, "tls-enable", false, "enable TLS for the API connection")
    cmd.Flags().StringVar(&f.tlsCA, "tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().StringVar(&f.tlsCert, "tls-cert", "", "path to client certificate (PEM)")
    cmd.Flags().StringVar(&f.tlsKey, "tls-key", "", "path to client private key (PEM)")
    cmd.Flags().BoolVar(&f.tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    cmd.Flags().StringVar(&f.tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (f *clientFlags) tlsConfig() (*tls.Config, error) {
    if !f.tlsEnable {
        return nil, nil
    }
    opts := tlsx.Options{
        Enable:             true,
        CAFile:             f.tlsCA,
        CertFile:           f.tlsCert,
        KeyFile:            f.tlsKey,
        InsecureSkipVerify: f.tlsSkip,
        ServerName:         f.tlsServerName,
    }
    return opts.Client()
}

func (f *clientFlags) client() (*httpapi.Client, error) {
    cli := httpapi.NewClient(f.addr, f.timeout)
    cfg, err := f.tlsConfig()
    if err != nil { return nil, fmt.Errorf("tls client config: %w", err) }
    if cfg != nil { cli.UseTLS(cfg) }
    return cli, nil
}

func (f *clientFlags) context() (context.Context, context.CancelFunc) {
    return context.WithTimeout(context.Background(), f.timeout)
}

func printJSON(v any) error {
    enc := json.NewEncoder(os.Stdout)
    enc.SetIndent("", "  ")
    return enc.Encode(v)
}

// NewRunCmd returns the "run" command used to start the simulation daemon.
func NewRunCmd() *cobra.Command {
    var (
        configPath                     string
        httpAddr, feedAddr, host       string
        dataDir                        string
        portBase                       int
        inMemory, traceEnable          bool
        pollInterval                   time.Duration
        tlsEnable                      bool
        tlsCA, tlsCert, tlsKey         string
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run the simulation daemon",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx, cancel := signalContext()
            defer cancel()

            var cfg bootstrap.Config
            if configPath != "" {
                var err error
                cfg, err = bootstrap.LoadFile(configPath)
                if err != nil { return err }
            } else {
                cfg = bootstrap.Config{
                    Host:         host,
                    PortBase:     portBase,
                    DataDir:      dataDir,
                    InMemory:     inMemory,
                    HTTPAddr:     httpAddr,
                    FeedAddr:     feedAddr,
                    PollInterval: pollInterval,
                    Trace:        traceEnable,
                    TLS: bootstrap.TLSConfig{
                        Enable:   tlsEnable,
                        CAFile:   tlsCA,
                        CertFile: tlsCert,
                        KeyFile:  tlsKey,
                    },
                }
            }

            app, err := bootstrap.Run(ctx, cfg)
            if err != nil { return err }
            defer func() { _ = app.Close(context.Background()) }()

            fmt.Println("daemon running. Press Ctrl+C to exit.")
            <-ctx.Done()
            return nil
        },
    }
    cmd.Flags().StringVar(&configPath, "config", "", "yaml config file; flags are ignored when set")
    cmd.Flags().StringVar(&httpAddr, "http-addr", ":8080", "HTTP API bind address")
    cmd.Flags().StringVar(&feedAddr, "feed-addr", "", "gRPC feed bind address (empty disables the feed)")
    cmd.Flags().StringVar(&host, "host", "127.0.0.1", "host written into member endpoints")
    cmd.Flags().IntVar(&portBase, "port-base", 27017, "base port for member endpoint allocation")
    cmd.Flags().StringVar(&dataDir, "data", "", "member state dir (ignored with --in-memory)")
    cmd.Flags().BoolVar(&inMemory, "in-memory", false, "keep member state in memory")
    cmd.Flags().DurationVar(&pollInterval, "poll-interval", 2*time.Second, "status broadcast poll period")
    cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "serve the APIs over TLS")
    cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "path to server certificate (PEM)")
    cmd.Flags().StringVar(&tlsKey, "tls-key", "", "path to server private key (PEM)")
    return cmd
}

// parseSeeds turns "n1:data-bearing:1:1,n2,n3:vote-only" into seed requests.
// Every field after the id is optional.
func parseSeeds(spec string) ([]transport.MemberSeedRequest, error) {
    if spec == "" {
        return nil, nil
    }
    var seeds []transport.MemberSeedRequest
    for _, entry := range strings.Split(spec, ",") {
        parts := strings.Split(strings.TrimSpace(entry), ":")
        seed := transport.MemberSeedRequest{NodeID: parts[0]}
        if len(parts) > 1 && parts[1] != "" {
            seed.Role = parts[1]
        }
        if len(parts) > 2 && parts[2] != "" {
            var p int
            if _, err := fmt.Sscanf(parts[2], "%d", &p); err != nil {
                return nil, fmt.Errorf("bad priority in %q", entry)
            }
            seed.Priority = &p
        }
        if len(parts) > 3 && parts[3] != "" {
            var v int
            if _, err := fmt.Sscanf(parts[3], "%d", &v); err != nil {
                return nil, fmt.Errorf("bad votes in %q", entry)
            }
            seed.Votes = &v
        }
        seeds = append(seeds, seed)
    }
    return seeds, nil
}

// NewInitCmd returns the "init" command.
func NewInitCmd() *cobra.Command {
    var f clientFlags
    var group, seedSpec string
    var members int
    cmd := &cobra.Command{
        Use:   "init",
        Short: "Initiate a replica group",
        RunE: func(cmd *cobra.Command, args []string) error {
            if group == "" { return fmt.Errorf("missing --group") }
            seeds, err := parseSeeds(seedSpec)
            if err != nil { return err }
            if seeds == nil {
                for i := 0; i < members; i++ {
                    seeds = append(seeds, transport.MemberSeedRequest{})
                }
            }
            cli, err := f.client()
            if err != nil { return err }
            ctx, cancel := f.context()
            defer cancel()
            st, err := cli.InitGroup(ctx, transport.InitGroupRequest{Group: group, Members: seeds})
            if err != nil { return fmt.Errorf("init error: %w", err) }
            return printJSON(st)
        },
    }
    cmd.Flags().StringVar(&group, "group", "", "replica group name (required)")
    cmd.Flags().IntVar(&members, "members", 3, "member count when --seeds is not given")
    cmd.Flags().StringVar(&seedSpec, "seeds", "", "seed list: id[:role[:priority[:votes]]],...")
    f.attach(cmd)
    return cmd
}

// NewAddMemberCmd returns the "add-member" command.
func NewAddMemberCmd() *cobra.Command {
    var f clientFlags
    var group, id, role string
    var priority, votes int
    cmd := &cobra.Command{
        Use:   "add-member",
        Short: "Add a member to a replica group",
        RunE: func(cmd *cobra.Command, args []string) error {
            if group == "" { return fmt.Errorf("missing --group") }
            seed := transport.MemberSeedRequest{NodeID: id, Role: role, Priority: &priority, Votes: &votes}
            cli, err := f.client()
            if err != nil { return err }
            ctx, cancel := f.context()
            defer cancel()
            st, err := cli.AddMember(ctx, transport.AddMemberRequest{Group: group, Member: seed})
            if err != nil { return fmt.Errorf("add-member error: %w", err) }
            return printJSON(st)
        },
    }
    cmd.Flags().StringVar(&group, "group", "", "replica group name (required)")
    cmd.Flags().StringVar(&id, "id", "", "member node id (auto-generated when empty)")
    cmd.Flags().StringVar(&role, "role", "data-bearing", "member role: data-bearing|vote-only")
    cmd.Flags().IntVar(&priority, "priority", 1, "election priority (0 = never primary)")
    cmd.Flags().IntVar(&votes, "votes", 1, "votes: 1 voter, 0 non-voter")
    f.attach(cmd)
    return cmd
}

// NewRemoveMemberCmd returns the "remove-member" command.
func NewRemoveMemberCmd() *cobra.Command {
    var f clientFlags
    var group, id string
    cmd := &cobra.Command{
        Use:   "remove-member",
        Short: "Remove a member from a replica group",
        RunE: func(cmd *cobra.Command, args []string) error {
            if group == "" || id == "" { return fmt.Errorf("missing required flags: --group and --id") }
            cli, err := f.client()
            if err != nil { return err }
            ctx, cancel := f.context()
            defer cancel()
            if err := cli.RemoveMember(ctx, transport.RemoveMemberRequest{Group: group, NodeID: id}); err != nil {
                return fmt.Errorf("remove-member error: %w", err)
            }
            fmt.Println("removed", id)
            return nil
        },
    }
    cmd.Flags().StringVar(&group, "group", "", "replica group name (required)")
    cmd.Flags().StringVar(&id, "id", "", "member node id (required)")
    f.attach(cmd)
    return cmd
}

// NewStepdownCmd returns the "stepdown" command.
func NewStepdownCmd() *cobra.Command {
    var f clientFlags
    var group string
    var graceSec int
    cmd := &cobra.Command{
        Use:   "stepdown",
        Short: "Force the group leader to hand over leadership",
        RunE: func(cmd *cobra.Command, args []string) error {
            if group == "" { return fmt.Errorf("missing --group") }
            cli, err := f.client()
            if err != nil { return err }
            ctx, cancel := f.context()
            defer cancel()
            resp, err := cli.Stepdown(ctx, transport.StepdownRequest{Group: group, GracePeriodSec: graceSec})
            if err != nil { return fmt.Errorf("stepdown error: %w", err) }
            return printJSON(resp)
        },
    }
    cmd.Flags().StringVar(&group, "group", "", "replica group name (required)")
    cmd.Flags().IntVar(&graceSec, "grace-sec", 0, "seconds to wait for a successor (0 = server default)")
    f.attach(cmd)
    return cmd
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var f clientFlags
    var group string
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch deployment or group status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            cli, err := f.client()
            if err != nil { return err }
            ctx, cancel := f.context()
            defer cancel()
            if group != "" {
                st, err := cli.GroupStatus(ctx, group)
                if err != nil { return fmt.Errorf("status error: %w", err) }
                return printJSON(st)
            }
            st, err := cli.State(ctx)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            return printJSON(st)
        },
    }
    cmd.Flags().StringVar(&group, "group", "", "limit to one replica group")
    f.attach(cmd)
    return cmd
}

// NewEndpointCmd returns the "endpoint" command.
func NewEndpointCmd() *cobra.Command {
    var f clientFlags
    var group, preference string
    cmd := &cobra.Command{
        Use:   "endpoint",
        Short: "Resolve a group's primary endpoint",
        RunE: func(cmd *cobra.Command, args []string) error {
            if group == "" { return fmt.Errorf("missing --group") }
            cli, err := f.client()
            if err != nil { return err }
            ctx, cancel := f.context()
            defer cancel()
            resp, err := cli.Endpoint(ctx, group, preference)
            if err != nil { return fmt.Errorf("endpoint error: %w", err) }
            fmt.Println(resp.Endpoint)
            return nil
        },
    }
    cmd.Flags().StringVar(&group, "group", "", "replica group name (required)")
    cmd.Flags().StringVar(&preference, "preference", "internal", "endpoint preference: internal|external")
    f.attach(cmd)
    return cmd
}

// NewCrashCmd returns the "crash" command.
func NewCrashCmd() *cobra.Command {
    var f clientFlags
    var group, node string
    cmd := &cobra.Command{
        Use:   "crash",
        Short: "Crash a member",
        RunE: func(cmd *cobra.Command, args []string) error {
            if group == "" || node == "" { return fmt.Errorf("missing required flags: --group and --node") }
            cli, err := f.client()
            if err != nil { return err }
            ctx, cancel := f.context()
            defer cancel()
            fl, err := cli.Crash(ctx, transport.CrashRequest{Group: group, NodeID: node})
            if err != nil { return fmt.Errorf("crash error: %w", err) }
            return printJSON(fl)
        },
    }
    cmd.Flags().StringVar(&group, "group", "", "replica group name (required)")
    cmd.Flags().StringVar(&node, "node", "", "member node id (required)")
    f.attach(cmd)
    return cmd
}

// NewRestoreCmd returns the "restore" command.
func NewRestoreCmd() *cobra.Command {
    var f clientFlags
    var group, node string
    cmd := &cobra.Command{
        Use:   "restore",
        Short: "Restart a crashed member",
        RunE: func(cmd *cobra.Command, args []string) error {
            if group == "" || node == "" { return fmt.Errorf("missing required flags: --group and --node") }
            cli, err := f.client()
            if err != nil { return err }
            ctx, cancel := f.context()
            defer cancel()
            resp, err := cli.Restore(ctx, transport.RestoreRequest{Group: group, NodeID: node})
            if err != nil { return fmt.Errorf("restore error: %w", err) }
            return printJSON(resp)
        },
    }
    cmd.Flags().StringVar(&group, "group", "", "replica group name (required)")
    cmd.Flags().StringVar(&node, "node", "", "member node id (required)")
    f.attach(cmd)
    return cmd
}

// NewPartitionCmd returns the "partition" command.
func NewPartitionCmd() *cobra.Command {
    var f clientFlags
    var group, sideA, sideB string
    cmd := &cobra.Command{
        Use:   "partition",
        Short: "Partition a replica group into two sides",
        RunE: func(cmd *cobra.Command, args []string) error {
            if group == "" || sideA == "" || sideB == "" {
                return fmt.Errorf("missing required flags: --group, --side-a and --side-b")
            }
            cli, err := f.client()
            if err != nil { return err }
            ctx, cancel := f.context()
            defer cancel()
            fl, err := cli.Partition(ctx, transport.PartitionRequest{
                Group: group,
                SideA: strings.Split(sideA, ","),
                SideB: strings.Split(sideB, ","),
            })
            if err != nil { return fmt.Errorf("partition error: %w", err) }
            return printJSON(fl)
        },
    }
    cmd.Flags().StringVar(&group, "group", "", "replica group name (required)")
    cmd.Flags().StringVar(&sideA, "side-a", "", "comma-separated member ids on side A (required)")
    cmd.Flags().StringVar(&sideB, "side-b", "", "comma-separated member ids on side B (required)")
    f.attach(cmd)
    return cmd
}

// NewLatencyCmd returns the "latency" command.
func NewLatencyCmd() *cobra.Command {
    var f clientFlags
    var group, nodes string
    var latencyMs, jitterMs int
    cmd := &cobra.Command{
        Use:   "latency",
        Short: "Record a latency injection against members (advisory)",
        RunE: func(cmd *cobra.Command, args []string) error {
            if group == "" || nodes == "" {
                return fmt.Errorf("missing required flags: --group and --nodes")
            }
            cli, err := f.client()
            if err != nil { return err }
            ctx, cancel := f.context()
            defer cancel()
            fl, err := cli.Latency(ctx, transport.LatencyRequest{
                Group:     group,
                Nodes:     strings.Split(nodes, ","),
                LatencyMs: latencyMs,
                JitterMs:  jitterMs,
            })
            if err != nil { return fmt.Errorf("latency error: %w", err) }
            return printJSON(fl)
        },
    }
    cmd.Flags().StringVar(&group, "group", "", "replica group name (required)")
    cmd.Flags().StringVar(&nodes, "nodes", "", "comma-separated member ids (required)")
    cmd.Flags().IntVar(&latencyMs, "latency-ms", 100, "injected latency in milliseconds")
    cmd.Flags().IntVar(&jitterMs, "jitter-ms", 0, "latency jitter in milliseconds")
    f.attach(cmd)
    return cmd
}

// NewHealCmd returns the "heal" command.
func NewHealCmd() *cobra.Command {
    var f clientFlags
    var id string
    cmd := &cobra.Command{
        Use:   "heal",
        Short: "Heal an injected failure (or all of them)",
        RunE: func(cmd *cobra.Command, args []string) error {
            cli, err := f.client()
            if err != nil { return err }
            ctx, cancel := f.context()
            defer cancel()
            if err := cli.Heal(ctx, transport.HealRequest{ID: id}); err != nil {
                return fmt.Errorf("heal error: %w", err)
            }
            fmt.Println("healed", id)
            return nil
        },
    }
    cmd.Flags().StringVar(&id, "id", "all", "failure id, or \"all\"")
    f.attach(cmd)
    return cmd
}

// NewFailuresCmd returns the "failures" command.
func NewFailuresCmd() *cobra.Command {
    var f clientFlags
    cmd := &cobra.Command{
        Use:   "failures",
        Short: "List active injected failures",
        RunE: func(cmd *cobra.Command, args []string) error {
            cli, err := f.client()
            if err != nil { return err }
            ctx, cancel := f.context()
            defer cancel()
            list, err := cli.Failures(ctx)
            if err != nil { return fmt.Errorf("failures error: %w", err) }
            return printJSON(list)
        },
    }
    f.attach(cmd)
    return cmd
}

// NewLogsCmd returns the "logs" command. With --follow it streams tail
// updates from the gRPC feed instead of a one-shot fetch.
func NewLogsCmd() *cobra.Command {
    var f clientFlags
    var node, feedAddr string
    var tail int
    var follow bool
    cmd := &cobra.Command{
        Use:   "logs",
        Short: "Fetch or follow a member's engine log tail",
        RunE: func(cmd *cobra.Command, args []string) error {
            if node == "" { return fmt.Errorf("missing --node") }
            if !follow {
                cli, err := f.client()
                if err != nil { return err }
                ctx, cancel := f.context()
                defer cancel()
                resp, err := cli.Logs(ctx, node, tail)
                if err != nil { return fmt.Errorf("logs error: %w", err) }
                fmt.Print(resp.Lines)
                return nil
            }

            ctx, cancel := signalContext()
            defer cancel()
            feed := grpcfeed.NewClient()
            defer func() { _ = feed.Close() }()
            if cfg, err := f.tlsConfig(); err != nil {
                return fmt.Errorf("tls client config: %w", err)
            } else if cfg != nil {
                feed.UseTLS(cfg)
            }
            ch, err := feed.SubscribeLogs(ctx, feedAddr, node)
            if err != nil { return fmt.Errorf("logs follow error: %w", err) }
            for chunk := range ch {
                fmt.Print(chunk.Lines)
            }
            return nil
        },
    }
    cmd.Flags().StringVar(&node, "node", "", "member node id (required)")
    cmd.Flags().IntVar(&tail, "tail", 50, "number of trailing lines")
    cmd.Flags().BoolVar(&follow, "follow", false, "stream tail updates from the feed")
    cmd.Flags().StringVar(&feedAddr, "feed-addr", "127.0.0.1:8090", "gRPC feed address (with --follow)")
    f.attach(cmd)
    return cmd
}

// NewWatchCmd returns the "watch" command: it subscribes to the gRPC feed
// and prints each deployment snapshot as a JSON line.
func NewWatchCmd() *cobra.Command {
    var f clientFlags
    var feedAddr string
    cmd := &cobra.Command{
        Use:   "watch",
        Short: "Stream deployment snapshots from the feed",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx, cancel := signalContext()
            defer cancel()
            feed := grpcfeed.NewClient()
            defer func() { _ = feed.Close() }()
            if cfg, err := f.tlsConfig(); err != nil {
                return fmt.Errorf("tls client config: %w", err)
            } else if cfg != nil {
                feed.UseTLS(cfg)
            }
            ch, err := feed.Subscribe(ctx, feedAddr)
            if err != nil { return fmt.Errorf("watch error: %w", err) }
            enc := json.NewEncoder(os.Stdout)
            for snap := range ch {
                if err := enc.Encode(snap); err != nil { return err }
            }
            return nil
        },
    }
    cmd.Flags().StringVar(&feedAddr, "feed-addr", "127.0.0.1:8090", "gRPC feed address")
    f.attach(cmd)
    return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
    ctx, cancel := context.WithCancel(context.Background())
    go func() {
        ch := make(chan os.Signal, 1)
        signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
        <-ch
        cancel()
    }()
    return ctx, cancel
}
