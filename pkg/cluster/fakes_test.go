package cluster

import (
    "context"
    "fmt"
    "sync"
    "time"

    "github.com/replicalab/replicasim/pkg/compute"
    "github.com/replicalab/replicasim/pkg/engine"
)

// fakeDriver is an in-memory compute.Driver that only tracks bookkeeping.
type fakeDriver struct {
    mu      sync.Mutex
    units   map[string]compute.NodeConfig
    stopped map[string]bool
    removed []string

    createErr error
}

func newFakeDriver() *fakeDriver {
    return &fakeDriver{
        units:   make(map[string]compute.NodeConfig),
        stopped: make(map[string]bool),
    }
}

func (d *fakeDriver) Create(ctx context.Context, cfg compute.NodeConfig) (compute.Endpoint, error) {
    d.mu.Lock()
    defer d.mu.Unlock()
    if d.createErr != nil {
        return compute.Endpoint{}, d.createErr
    }
    d.units[cfg.NodeID] = cfg
    return compute.Endpoint{
        Internal: fmt.Sprintf("%s:%d", cfg.NodeID, cfg.Port),
        External: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
    }, nil
}

func (d *fakeDriver) Start(ctx context.Context, nodeID string) error {
    d.mu.Lock()
    defer d.mu.Unlock()
    delete(d.stopped, nodeID)
    return nil
}

func (d *fakeDriver) Stop(ctx context.Context, nodeID string, mode compute.StopMode) error {
    d.mu.Lock()
    defer d.mu.Unlock()
    d.stopped[nodeID] = true
    return nil
}

func (d *fakeDriver) Remove(ctx context.Context, nodeID string) error {
    d.mu.Lock()
    defer d.mu.Unlock()
    delete(d.units, nodeID)
    d.removed = append(d.removed, nodeID)
    return nil
}

func (d *fakeDriver) Isolate(ctx context.Context, nodeID, network string) error       { return nil }
func (d *fakeDriver) Rejoin(ctx context.Context, nodeID, network string) error        { return nil }
func (d *fakeDriver) AttachNetwork(ctx context.Context, nodeID, network string) error { return nil }
func (d *fakeDriver) DetachNetwork(ctx context.Context, nodeID, network string) error { return nil }

func (d *fakeDriver) Logs(ctx context.Context, nodeID string, tailLines int) (string, error) {
    return "log tail of " + nodeID, nil
}

func (d *fakeDriver) Endpoint(nodeID string) (compute.Endpoint, bool) {
    d.mu.Lock()
    defer d.mu.Unlock()
    cfg, ok := d.units[nodeID]
    if !ok {
        return compute.Endpoint{}, false
    }
    return compute.Endpoint{
        Internal: fmt.Sprintf("%s:%d", cfg.NodeID, cfg.Port),
        External: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
    }, true
}

func (d *fakeDriver) Uptime(nodeID string) time.Duration { return time.Minute }

// fakeSurface is a scriptable engine.ControlSurface. Unset hooks succeed with
// zero values; probes default to a healthy group led by its first member.
type fakeSurface struct {
    mu           sync.Mutex
    leader       string
    members      []string
    invalidated  int
    reconfigured []engine.GroupConfig

    initiateErr   error
    reconfigureFn func(call int, cfg engine.GroupConfig) error
    stepdownFn    func(leaderID, successorID string) error
    probeFn       func(nodeID string) (engine.MemberProbe, error)

    reconfigureCalls int
}

func (s *fakeSurface) Initiate(ctx context.Context, group string, cfg engine.GroupConfig) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.initiateErr != nil {
        return s.initiateErr
    }
    s.members = nil
    for _, m := range cfg.Members {
        s.members = append(s.members, m.NodeID)
    }
    if s.leader == "" && len(s.members) > 0 {
        s.leader = s.members[0]
    }
    return nil
}

func (s *fakeSurface) Config(ctx context.Context, group string) (engine.GroupConfig, error) {
    return engine.GroupConfig{}, nil
}

func (s *fakeSurface) Reconfigure(ctx context.Context, group string, cfg engine.GroupConfig) error {
    s.mu.Lock()
    call := s.reconfigureCalls
    s.reconfigureCalls++
    fn := s.reconfigureFn
    s.mu.Unlock()
    if fn != nil {
        if err := fn(call, cfg); err != nil {
            return err
        }
    }
    s.mu.Lock()
    defer s.mu.Unlock()
    s.reconfigured = append(s.reconfigured, cfg)
    s.members = nil
    for _, m := range cfg.Members {
        s.members = append(s.members, m.NodeID)
    }
    return nil
}

func (s *fakeSurface) Stepdown(ctx context.Context, group, leaderID, successorID string) error {
    s.mu.Lock()
    fn := s.stepdownFn
    s.mu.Unlock()
    if fn != nil {
        if err := fn(leaderID, successorID); err != nil {
            return err
        }
    }
    s.mu.Lock()
    s.leader = successorID
    s.mu.Unlock()
    return nil
}

func (s *fakeSurface) Probe(ctx context.Context, group, nodeID string) (engine.MemberProbe, error) {
    s.mu.Lock()
    fn := s.probeFn
    leader := s.leader
    s.mu.Unlock()
    if fn != nil {
        return fn(nodeID)
    }
    role := engine.RoleSecondary
    if nodeID == leader {
        role = engine.RolePrimary
    }
    return engine.MemberProbe{
        NodeID: nodeID, Role: role, Healthy: true,
        Term: 3, LastIndex: 10, HeartbeatAt: time.Now(),
    }, nil
}

func (s *fakeSurface) Invalidate(group string) {
    s.mu.Lock()
    s.invalidated++
    s.mu.Unlock()
}

func (s *fakeSurface) setLeader(id string) {
    s.mu.Lock()
    s.leader = id
    s.mu.Unlock()
}
