package raftengine

import (
    "context"
    "errors"
    "fmt"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/go-hclog"
    "github.com/hashicorp/raft"

    "github.com/replicalab/replicasim/pkg/compute/local"
    "github.com/replicalab/replicasim/pkg/engine"
)

const defaultCallTimeout = 5 * time.Second

// Surface drives the consensus engines hosted by a local backend. It keeps a
// cached leader handle per group, the way an operator client keeps a pinned
// connection to the primary, and invalidates it when the engine reports the
// handle has gone stale.
type Surface struct {
    backend *local.Backend
    log     hclog.Logger

    mu     sync.Mutex
    groups map[string]*groupHandle
}

type groupHandle struct {
    members  []string
    leaderID string
}

// New builds a Surface over the given backend.
func New(backend *local.Backend, logger hclog.Logger) *Surface {
    if logger == nil {
        logger = hclog.Default()
    }
    return &Surface{
        backend: backend,
        log:     logger.Named("engine"),
        groups:  make(map[string]*groupHandle),
    }
}

// Initiate bootstraps every listed member with the same initial
// configuration. Members that cannot be resolved fail the whole call; a
// half-initiated group is worse than a failed one.
func (s *Surface) Initiate(ctx context.Context, group string, cfg engine.GroupConfig) error {
    servers, err := s.toServers(cfg.Members)
    if err != nil {
        return err
    }
    rc := raft.Configuration{Servers: servers}
    for _, m := range cfg.Members {
        ra, ok := s.backend.Engine(m.NodeID)
        if !ok {
            return fmt.Errorf("initiate %s: %s: %w", group, m.NodeID, engine.ErrUnavailable)
        }
        if err := ra.BootstrapCluster(rc).Error(); err != nil {
            return fmt.Errorf("initiate %s: bootstrap %s: %w", group, m.NodeID, err)
        }
    }

    s.mu.Lock()
    s.groups[group] = &groupHandle{members: memberIDs(cfg.Members)}
    s.mu.Unlock()
    s.log.Info("group initiated", "group", group, "members", len(cfg.Members))
    return nil
}

// Config reads the group's configuration from its leader. Version is the log
// index the configuration was committed at.
func (s *Surface) Config(ctx context.Context, group string) (engine.GroupConfig, error) {
    ra, _, err := s.leaderFor(group)
    if err != nil {
        return engine.GroupConfig{}, err
    }
    f := ra.GetConfiguration()
    if err := f.Error(); err != nil {
        return engine.GroupConfig{}, fmt.Errorf("config %s: %w", group, err)
    }
    cfg := engine.GroupConfig{Version: int(f.Index())}
    for _, srv := range f.Configuration().Servers {
        votes := 0
        if srv.Suffrage == raft.Voter {
            votes = 1
        }
        cfg.Members = append(cfg.Members, engine.MemberSpec{
            NodeID: string(srv.ID),
            Addr:   string(srv.Address),
            Votes:  votes,
        })
    }
    return cfg, nil
}

// Reconfigure diffs the group's committed configuration against cfg and
// applies the delta through the leader: additions first, then suffrage
// changes, then removals.
func (s *Surface) Reconfigure(ctx context.Context, group string, cfg engine.GroupConfig) error {
    ra, leaderID, err := s.leaderFor(group)
    if err != nil {
        return err
    }
    timeout := callTimeout(ctx)

    f := ra.GetConfiguration()
    if err := f.Error(); err != nil {
        return fmt.Errorf("reconfigure %s: read config: %w", group, err)
    }
    current := make(map[string]raft.Server)
    for _, srv := range f.Configuration().Servers {
        current[string(srv.ID)] = srv
    }

    desired := make(map[string]engine.MemberSpec, len(cfg.Members))
    for _, m := range cfg.Members {
        desired[m.NodeID] = m

        addr, ok := s.backend.Address(m.NodeID)
        if !ok {
            return fmt.Errorf("reconfigure %s: %s: %w", group, m.NodeID, engine.ErrUnavailable)
        }
        srv, exists := current[m.NodeID]
        wantVoter := m.Votes > 0
        if exists && (srv.Suffrage == raft.Voter) == wantVoter {
            continue
        }
        var fut raft.IndexFuture
        if wantVoter {
            fut = ra.AddVoter(raft.ServerID(m.NodeID), addr, 0, timeout)
        } else {
            fut = ra.AddNonvoter(raft.ServerID(m.NodeID), addr, 0, timeout)
        }
        if err := fut.Error(); err != nil {
            return s.classify(group, fmt.Errorf("reconfigure %s: add %s: %w", group, m.NodeID, err))
        }
    }

    for id := range current {
        if _, keep := desired[id]; keep {
            continue
        }
        if err := ra.RemoveServer(raft.ServerID(id), 0, timeout).Error(); err != nil {
            return s.classify(group, fmt.Errorf("reconfigure %s: remove %s: %w", group, id, err))
        }
    }

    s.mu.Lock()
    s.groups[group] = &groupHandle{members: memberIDs(cfg.Members), leaderID: leaderID}
    s.mu.Unlock()
    s.log.Info("group reconfigured", "group", group, "members", len(cfg.Members))
    return nil
}

// Stepdown asks the group leader to transfer leadership to successorID.
func (s *Surface) Stepdown(ctx context.Context, group, leaderID, successorID string) error {
    ra, ok := s.backend.Engine(leaderID)
    if !ok {
        return fmt.Errorf("stepdown %s: %s: %w", group, leaderID, engine.ErrUnavailable)
    }
    addr, ok := s.backend.Address(successorID)
    if !ok {
        return fmt.Errorf("stepdown %s: successor %s: %w", group, successorID, engine.ErrUnavailable)
    }
    if err := ra.LeadershipTransferToServer(raft.ServerID(successorID), addr).Error(); err != nil {
        return s.classify(group, fmt.Errorf("stepdown %s: %w", group, err))
    }
    s.Invalidate(group)
    return nil
}

// Probe inspects one member directly. A stopped member probes as down rather
// than erroring; only an unknown member is an error.
func (s *Surface) Probe(ctx context.Context, group, nodeID string) (engine.MemberProbe, error) {
    started := time.Now()
    probe := engine.MemberProbe{NodeID: nodeID, Role: engine.RoleDown, HeartbeatAt: started}

    ra, ok := s.backend.Engine(nodeID)
    if !ok {
        if _, exists := s.backend.Endpoint(nodeID); !exists {
            return engine.MemberProbe{}, fmt.Errorf("probe %s: %s: %w", group, nodeID, engine.ErrUnavailable)
        }
        return probe, nil
    }

    switch ra.State() {
    case raft.Leader:
        probe.Role, probe.Healthy = engine.RolePrimary, true
    case raft.Follower:
        probe.Role, probe.Healthy = engine.RoleSecondary, true
    case raft.Candidate:
        probe.Role, probe.Healthy = engine.RoleCandidate, true
    default:
        return probe, nil
    }

    if term, err := strconv.ParseUint(ra.Stats()["term"], 10, 64); err == nil {
        probe.Term = term
    }
    probe.LastIndex = ra.AppliedIndex()
    probe.Uptime = s.backend.Uptime(nodeID)
    if !ra.LastContact().IsZero() {
        probe.HeartbeatAt = ra.LastContact()
    }
    probe.LatencyMs = time.Since(started).Milliseconds()
    return probe, nil
}

// Invalidate drops the cached leader handle for the group. The next call
// rediscovers the leader by scanning members.
func (s *Surface) Invalidate(group string) {
    s.mu.Lock()
    defer s.mu.Unlock()
    if g, ok := s.groups[group]; ok {
        g.leaderID = ""
    }
}

// leaderFor returns a handle to the group's current leader, preferring the
// cached one when it still leads.
func (s *Surface) leaderFor(group string) (*raft.Raft, string, error) {
    s.mu.Lock()
    g, ok := s.groups[group]
    if !ok {
        s.mu.Unlock()
        return nil, "", fmt.Errorf("leader %s: %w", group, engine.ErrUnavailable)
    }
    cached := g.leaderID
    members := append([]string(nil), g.members...)
    s.mu.Unlock()

    if cached != "" {
        if ra, ok := s.backend.Engine(cached); ok && ra.State() == raft.Leader {
            return ra, cached, nil
        }
    }
    for _, id := range members {
        ra, ok := s.backend.Engine(id)
        if !ok {
            continue
        }
        if ra.State() == raft.Leader {
            s.mu.Lock()
            if g, ok := s.groups[group]; ok {
                g.leaderID = id
            }
            s.mu.Unlock()
            return ra, id, nil
        }
    }
    return nil, "", fmt.Errorf("leader %s: no reachable leader: %w", group, engine.ErrNotLeader)
}

// classify rewrites raft sentinels into the surface's error vocabulary and
// drops the cached leader handle when it proved stale.
func (s *Surface) classify(group string, err error) error {
    switch {
    case errors.Is(err, raft.ErrNotLeader), errors.Is(err, raft.ErrLeadershipLost):
        s.Invalidate(group)
        return fmt.Errorf("%v: %w", err, engine.ErrStaleHandle)
    case errors.Is(err, raft.ErrRaftShutdown):
        s.Invalidate(group)
        return fmt.Errorf("%v: %w", err, engine.ErrUnavailable)
    default:
        return err
    }
}

func (s *Surface) toServers(members []engine.MemberSpec) ([]raft.Server, error) {
    servers := make([]raft.Server, 0, len(members))
    for _, m := range members {
        addr, ok := s.backend.Address(m.NodeID)
        if !ok {
            return nil, fmt.Errorf("%s: %w", m.NodeID, engine.ErrUnavailable)
        }
        suffrage := raft.Nonvoter
        if m.Votes > 0 {
            suffrage = raft.Voter
        }
        servers = append(servers, raft.Server{
            ID:       raft.ServerID(m.NodeID),
            Address:  addr,
            Suffrage: suffrage,
        })
    }
    return servers, nil
}

func memberIDs(members []engine.MemberSpec) []string {
    ids := make([]string, 0, len(members))
    for _, m := range members {
        ids = append(ids, m.NodeID)
    }
    return ids
}

func callTimeout(ctx context.Context) time.Duration {
    if dl, ok := ctx.Deadline(); ok {
        if d := time.Until(dl); d > 0 {
            return d
        }
    }
    return defaultCallTimeout
}

var _ engine.ControlSurface = (*Surface)(nil)
