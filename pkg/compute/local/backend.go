package local

import (
    "context"
    "fmt"
    "os"
    "path/filepath"
    "sync"
    "time"

    "github.com/hashicorp/go-hclog"
    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"

    "github.com/replicalab/replicasim/pkg/compute"
)

// Backend hosts replica group members as in-process compute units, each
// wrapping a real consensus engine. Network membership decides reachability:
// two running units can talk iff they share at least one network, which is
// what makes partitions and crashes observable to the engines themselves.
type Backend struct {
    mu    sync.Mutex
    opts  Options
    log   hclog.Logger
    units map[string]*unit
    ports map[int]string
}

type unit struct {
    cfg      compute.NodeConfig
    endpoint compute.Endpoint

    ring   *logRing
    logger hclog.Logger
    fsm    *kvFSM

    trans     *raft.InmemTransport
    addr      raft.ServerAddress
    logStore  raft.LogStore
    stable    raft.StableStore
    snaps     raft.SnapshotStore
    bolt      *raftboltdb.BoltStore
    ra        *raft.Raft

    running   bool
    startedAt time.Time
    networks  map[string]struct{}
}

// New builds a Backend. The options are validated and normalized first.
func New(opts Options) (*Backend, error) {
    if err := opts.Validate(); err != nil {
        return nil, err
    }
    return &Backend{
        opts:  opts,
        log:   opts.Logger.Named("compute"),
        units: make(map[string]*unit),
        ports: make(map[int]string),
    }, nil
}

// Create allocates a unit for cfg, joins it to the default network and boots
// its engine. The engine starts without a cluster configuration; group
// initiation happens later through the control surface.
func (b *Backend) Create(ctx context.Context, cfg compute.NodeConfig) (compute.Endpoint, error) {
    b.mu.Lock()
    defer b.mu.Unlock()

    if _, ok := b.units[cfg.NodeID]; ok {
        return compute.Endpoint{}, &compute.ProvisioningError{NodeID: cfg.NodeID, Reason: "node id already in use"}
    }
    if owner, ok := b.ports[cfg.Port]; ok {
        return compute.Endpoint{}, &compute.ProvisioningError{
            NodeID: cfg.NodeID,
            Reason: fmt.Sprintf("port %d already allocated to %s", cfg.Port, owner),
        }
    }

    ring := newLogRing(b.opts.MaxLogLines)
    logger := hclog.New(&hclog.LoggerOptions{
        Name:   cfg.NodeID,
        Level:  hclog.Debug,
        Output: ring,
    })

    u := &unit{
        cfg: cfg,
        endpoint: compute.Endpoint{
            Internal: fmt.Sprintf("%s:%d", cfg.NodeID, cfg.Port),
            External: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
        },
        ring:     ring,
        logger:   logger,
        fsm:      newKVFSM(),
        networks: map[string]struct{}{compute.DefaultNetwork: {}},
    }
    u.addr, u.trans = raft.NewInmemTransport(raft.ServerAddress(cfg.NodeID))

    if b.opts.InMemory {
        store := raft.NewInmemStore()
        u.logStore, u.stable = store, store
        u.snaps = raft.NewInmemSnapshotStore()
    } else {
        dir := filepath.Join(b.opts.DataDir, cfg.NodeID)
        if err := os.MkdirAll(dir, 0o755); err != nil {
            return compute.Endpoint{}, &compute.ProvisioningError{NodeID: cfg.NodeID, Reason: "create data dir", Err: err}
        }
        bolt, err := raftboltdb.NewBoltStore(filepath.Join(dir, "engine.db"))
        if err != nil {
            return compute.Endpoint{}, &compute.ProvisioningError{NodeID: cfg.NodeID, Reason: "open log store", Err: err}
        }
        snaps, err := raft.NewFileSnapshotStore(dir, b.opts.SnapshotRetain, ring)
        if err != nil {
            bolt.Close()
            return compute.Endpoint{}, &compute.ProvisioningError{NodeID: cfg.NodeID, Reason: "open snapshot store", Err: err}
        }
        u.bolt = bolt
        u.logStore, u.stable = bolt, bolt
        u.snaps = snaps
    }

    if err := b.bootLocked(u); err != nil {
        if u.bolt != nil { u.bolt.Close() }
        return compute.Endpoint{}, &compute.ProvisioningError{NodeID: cfg.NodeID, Reason: "boot engine", Err: err}
    }

    b.units[cfg.NodeID] = u
    b.ports[cfg.Port] = cfg.NodeID
    b.reconnectLocked()
    b.log.Info("unit created", "node", cfg.NodeID, "port", cfg.Port, "group", cfg.GroupName)
    return u.endpoint, nil
}

// bootLocked builds a fresh engine over the unit's existing stores and
// transport, so restarts keep the persisted term and log.
func (b *Backend) bootLocked(u *unit) error {
    rc := raft.DefaultConfig()
    rc.LocalID = raft.ServerID(u.cfg.NodeID)
    rc.HeartbeatTimeout = b.opts.HeartbeatTimeout
    rc.ElectionTimeout = b.opts.ElectionTimeout
    rc.LeaderLeaseTimeout = b.opts.HeartbeatTimeout
    rc.CommitTimeout = b.opts.CommitTimeout
    rc.Logger = u.logger

    ra, err := raft.NewRaft(rc, u.fsm, u.logStore, u.stable, u.snaps, u.trans)
    if err != nil { return err }
    u.ra = ra
    u.running = true
    u.startedAt = time.Now()
    return nil
}

// Start boots a stopped unit. Starting a running unit is a no-op.
func (b *Backend) Start(ctx context.Context, nodeID string) error {
    b.mu.Lock()
    defer b.mu.Unlock()
    u, ok := b.units[nodeID]
    if !ok { return compute.ErrUnknownNode }
    if u.running { return nil }

    if err := b.bootLocked(u); err != nil {
        return &compute.ProvisioningError{NodeID: nodeID, Reason: "restart engine", Err: err}
    }
    b.reconnectLocked()
    b.log.Info("unit started", "node", nodeID)
    return nil
}

// Stop halts a unit. StopGraceful snapshots first; StopImmediate just tears
// the engine down, which is the closest an in-process unit gets to a kill.
func (b *Backend) Stop(ctx context.Context, nodeID string, mode compute.StopMode) error {
    b.mu.Lock()
    defer b.mu.Unlock()
    u, ok := b.units[nodeID]
    if !ok { return compute.ErrUnknownNode }
    if !u.running { return nil }

    if mode == compute.StopGraceful {
        if err := u.ra.Snapshot().Error(); err != nil && err != raft.ErrNothingNewToSnapshot {
            b.log.Warn("snapshot before stop failed", "node", nodeID, "error", err)
        }
    }
    if err := u.ra.Shutdown().Error(); err != nil {
        return fmt.Errorf("local: shutdown %s: %w", nodeID, err)
    }
    u.ra = nil
    u.running = false
    u.startedAt = time.Time{}
    b.reconnectLocked()
    b.log.Info("unit stopped", "node", nodeID, "mode", mode)
    return nil
}

// Remove tears the unit down and releases its port. Removing an unknown unit
// fails; removing a stopped one is fine.
func (b *Backend) Remove(ctx context.Context, nodeID string) error {
    b.mu.Lock()
    defer b.mu.Unlock()
    u, ok := b.units[nodeID]
    if !ok { return compute.ErrUnknownNode }

    if u.running {
        if err := u.ra.Shutdown().Error(); err != nil {
            return fmt.Errorf("local: shutdown %s: %w", nodeID, err)
        }
        u.ra = nil
        u.running = false
    }
    if u.bolt != nil { u.bolt.Close() }
    delete(b.units, nodeID)
    delete(b.ports, u.cfg.Port)
    b.reconnectLocked()
    b.log.Info("unit removed", "node", nodeID)
    return nil
}

// Isolate moves the unit onto the named network exclusively, cutting it off
// from everything not on that network.
func (b *Backend) Isolate(ctx context.Context, nodeID, network string) error {
    b.mu.Lock()
    defer b.mu.Unlock()
    u, ok := b.units[nodeID]
    if !ok { return compute.ErrUnknownNode }
    u.networks = map[string]struct{}{network: {}}
    b.reconnectLocked()
    b.log.Debug("unit isolated", "node", nodeID, "network", network)
    return nil
}

// Rejoin reverses Isolate: the unit leaves the named network and reattaches
// to the default one.
func (b *Backend) Rejoin(ctx context.Context, nodeID, network string) error {
    b.mu.Lock()
    defer b.mu.Unlock()
    u, ok := b.units[nodeID]
    if !ok { return compute.ErrUnknownNode }
    delete(u.networks, network)
    u.networks[compute.DefaultNetwork] = struct{}{}
    b.reconnectLocked()
    b.log.Debug("unit rejoined", "node", nodeID, "network", network)
    return nil
}

// AttachNetwork adds the unit to a network without detaching its others.
func (b *Backend) AttachNetwork(ctx context.Context, nodeID, network string) error {
    b.mu.Lock()
    defer b.mu.Unlock()
    u, ok := b.units[nodeID]
    if !ok { return compute.ErrUnknownNode }
    u.networks[network] = struct{}{}
    b.reconnectLocked()
    return nil
}

// DetachNetwork removes the unit from a network. Detaching from a network the
// unit is not on is a no-op.
func (b *Backend) DetachNetwork(ctx context.Context, nodeID, network string) error {
    b.mu.Lock()
    defer b.mu.Unlock()
    u, ok := b.units[nodeID]
    if !ok { return compute.ErrUnknownNode }
    delete(u.networks, network)
    b.reconnectLocked()
    return nil
}

// reconnectLocked recomputes pairwise reachability from scratch. Two units
// can exchange engine traffic iff both are running and share a network.
func (b *Backend) reconnectLocked() {
    for _, a := range b.units {
        for _, c := range b.units {
            if a == c { continue }
            if a.running && c.running && sharesNetwork(a, c) {
                a.trans.Connect(c.addr, c.trans)
            } else {
                a.trans.Disconnect(c.addr)
            }
        }
    }
}

func sharesNetwork(a, c *unit) bool {
    for n := range a.networks {
        if _, ok := c.networks[n]; ok { return true }
    }
    return false
}

// Logs returns the tail of the unit's engine log. Works for stopped units
// too, which is exactly when the tail is most interesting.
func (b *Backend) Logs(ctx context.Context, nodeID string, tailLines int) (string, error) {
    b.mu.Lock()
    u, ok := b.units[nodeID]
    b.mu.Unlock()
    if !ok { return "", compute.ErrUnknownNode }
    return u.ring.Tail(tailLines), nil
}

// Endpoint reports the unit's internal and external addresses.
func (b *Backend) Endpoint(nodeID string) (compute.Endpoint, bool) {
    b.mu.Lock()
    defer b.mu.Unlock()
    u, ok := b.units[nodeID]
    if !ok { return compute.Endpoint{}, false }
    return u.endpoint, true
}

// Uptime reports how long the unit has been running since its last start.
func (b *Backend) Uptime(nodeID string) time.Duration {
    b.mu.Lock()
    defer b.mu.Unlock()
    u, ok := b.units[nodeID]
    if !ok || !u.running { return 0 }
    return time.Since(u.startedAt)
}

// Engine exposes the hosted consensus engine for a running unit. The control
// surface uses this to issue configuration calls the way an operator client
// would over the wire.
func (b *Backend) Engine(nodeID string) (*raft.Raft, bool) {
    b.mu.Lock()
    defer b.mu.Unlock()
    u, ok := b.units[nodeID]
    if !ok || !u.running { return nil, false }
    return u.ra, true
}

// Address returns the engine transport address bound to the node id.
func (b *Backend) Address(nodeID string) (raft.ServerAddress, bool) {
    b.mu.Lock()
    defer b.mu.Unlock()
    u, ok := b.units[nodeID]
    if !ok { return "", false }
    return u.addr, true
}

// Running reports whether the unit exists and its engine is up.
func (b *Backend) Running(nodeID string) bool {
    b.mu.Lock()
    defer b.mu.Unlock()
    u, ok := b.units[nodeID]
    return ok && u.running
}

// Connected reports whether traffic from a to c would currently be delivered.
func (b *Backend) Connected(a, c string) bool {
    b.mu.Lock()
    defer b.mu.Unlock()
    ua, ok := b.units[a]
    if !ok { return false }
    uc, ok := b.units[c]
    if !ok { return false }
    return ua.running && uc.running && sharesNetwork(ua, uc)
}

// Close shuts every unit down. Used on daemon exit and in tests.
func (b *Backend) Close() error {
    b.mu.Lock()
    defer b.mu.Unlock()
    var first error
    for id, u := range b.units {
        if u.running {
            if err := u.ra.Shutdown().Error(); err != nil && first == nil {
                first = fmt.Errorf("local: shutdown %s: %w", id, err)
            }
            u.running = false
        }
        if u.bolt != nil { u.bolt.Close() }
    }
    b.units = make(map[string]*unit)
    b.ports = make(map[int]string)
    return first
}

var _ compute.Driver = (*Backend)(nil)
