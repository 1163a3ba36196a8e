package cluster

import (
    "context"
    "errors"
    "fmt"
    "sort"
    "sync"
    "time"

    "github.com/hashicorp/go-hclog"

    "github.com/replicalab/replicasim/pkg/compute"
    "github.com/replicalab/replicasim/pkg/engine"
)

// MemberSeed describes one member to be added to a replica group. NodeID may
// be empty, in which case the coordinator assigns "<group>-<n>".
type MemberSeed struct {
    NodeID   string       `json:"node_id,omitempty"`
    Role     compute.Role `json:"role,omitempty"`
    Priority int          `json:"priority"`
    Votes    int          `json:"votes"`
}

// Coordinator owns the authoritative view of every replica group: which
// members exist, their configuration version, and their last observed state.
// It drives membership changes through the engine control surface and unit
// lifecycle through the compute driver. Mutations on a group are serialized;
// a concurrent mutation fails fast with ErrGroupBusy.
type Coordinator struct {
    opts  Options
    log   hclog.Logger
    guard *Guard
    eb    eventBus

    mu       sync.Mutex
    groups   map[string]*groupState
    nextPort int
}

type groupState struct {
    name    string
    version int
    members []*memberState
    counter int
}

type memberState struct {
    cfg   compute.NodeConfig
    fails int
}

// New assembles a Coordinator from validated options.
func New(opts Options) (*Coordinator, error) {
    if err := opts.Validate(); err != nil {
        return nil, err
    }
    return &Coordinator{
        opts:     opts,
        log:      opts.Logger.Named("cluster"),
        guard:    NewGuard(),
        groups:   make(map[string]*groupState),
        nextPort: opts.PortBase,
    }, nil
}

// Guard exposes the per-group mutation lock so failure injection can
// serialize against membership changes on the same group.
func (c *Coordinator) Guard() *Guard { return c.guard }

// InitiateGroup creates one compute unit per seed, waits for all of them to
// come up, bootstraps them as one group and waits for a leader. On a
// provisioning failure the units created so far are rolled back; on a
// timeout they are left in place for inspection.
func (c *Coordinator) InitiateGroup(ctx context.Context, name string, seeds []MemberSeed) (GroupStatus, error) {
    if name == "" {
        return GroupStatus{}, &InvalidMutationError{Group: name, Reason: "empty group name"}
    }
    if len(seeds) == 0 {
        return GroupStatus{}, &InvalidMutationError{Group: name, Reason: "no members"}
    }

    release, ok := c.guard.Acquire(name)
    if !ok {
        return GroupStatus{}, fmt.Errorf("initiate %s: %w", name, ErrGroupBusy)
    }
    defer release()

    c.mu.Lock()
    if _, exists := c.groups[name]; exists {
        c.mu.Unlock()
        return GroupStatus{}, &InvalidMutationError{Group: name, Reason: "group already exists"}
    }
    c.mu.Unlock()

    g := &groupState{name: name, version: 1}
    for _, seed := range seeds {
        cfg, err := c.seedConfig(g, name, seed)
        if err != nil {
            c.rollback(ctx, g)
            return GroupStatus{}, err
        }
        if _, err := c.opts.Driver.Create(ctx, cfg); err != nil {
            c.rollback(ctx, g)
            return GroupStatus{}, fmt.Errorf("initiate %s: %w", name, err)
        }
        g.members = append(g.members, &memberState{cfg: cfg})
    }

    if err := c.awaitReachable(ctx, name, g); err != nil {
        return GroupStatus{}, err
    }
    if err := c.opts.Surface.Initiate(ctx, name, c.groupConfig(g)); err != nil {
        return GroupStatus{}, fmt.Errorf("initiate %s: %w", name, err)
    }
    if _, err := c.awaitLeader(ctx, name, g, "", c.opts.InitTimeout); err != nil {
        return GroupStatus{}, err
    }

    c.mu.Lock()
    c.groups[name] = g
    c.mu.Unlock()

    c.eb.publish(Event{Type: EventGroupInitiated, At: time.Now(), Group: name})
    c.log.Info("group initiated", "group", name, "members", len(seeds))
    return c.Status(ctx, name)
}

// AddMember provisions a unit for seed and reconfigures the group to include
// it. If the reconfiguration fails the unit is left in place; a retry of
// AddMember with the same node id will fail and the unit must be inspected
// or removed by hand.
func (c *Coordinator) AddMember(ctx context.Context, group string, seed MemberSeed) (MemberStatus, error) {
    release, ok := c.guard.Acquire(group)
    if !ok {
        return MemberStatus{}, fmt.Errorf("add member to %s: %w", group, ErrGroupBusy)
    }
    defer release()

    c.mu.Lock()
    g, exists := c.groups[group]
    c.mu.Unlock()
    if !exists {
        return MemberStatus{}, fmt.Errorf("add member: %s: %w", group, ErrUnknownGroup)
    }
    cfg, err := c.seedConfig(g, group, seed)
    if err != nil {
        return MemberStatus{}, err
    }

    if _, err := c.opts.Driver.Create(ctx, cfg); err != nil {
        return MemberStatus{}, fmt.Errorf("add member to %s: %w", group, err)
    }
    if err := c.awaitMemberUp(ctx, group, cfg.NodeID); err != nil {
        return MemberStatus{}, fmt.Errorf("add member to %s: %w", group, err)
    }
    m := &memberState{cfg: cfg}

    next := c.groupConfig(g)
    next.Version++
    next.Members = append(next.Members, memberSpec(cfg))
    if err := c.reconfigure(ctx, group, next); err != nil {
        return MemberStatus{}, err
    }

    c.mu.Lock()
    g.members = append(g.members, m)
    g.version = next.Version
    c.mu.Unlock()

    c.eb.publish(Event{Type: EventMemberAdded, At: time.Now(), Group: group, NodeID: cfg.NodeID})
    c.log.Info("member added", "group", group, "node", cfg.NodeID)

    probe, _ := c.opts.Surface.Probe(ctx, group, cfg.NodeID)
    return c.memberStatus(m, probe, true), nil
}

// RemoveMember reconfigures the group without nodeID, then tears its unit
// down. The last member of a group cannot be removed, nor can the removal
// leave the group without any voting member.
func (c *Coordinator) RemoveMember(ctx context.Context, group, nodeID string) error {
    release, ok := c.guard.Acquire(group)
    if !ok {
        return fmt.Errorf("remove member from %s: %w", group, ErrGroupBusy)
    }
    defer release()

    c.mu.Lock()
    g, exists := c.groups[group]
    if !exists {
        c.mu.Unlock()
        return fmt.Errorf("remove member: %s: %w", group, ErrUnknownGroup)
    }
    idx := -1
    votersLeft := 0
    for i, m := range g.members {
        if m.cfg.NodeID == nodeID {
            idx = i
        } else if m.cfg.Votes > 0 {
            votersLeft++
        }
    }
    if idx < 0 {
        c.mu.Unlock()
        return fmt.Errorf("remove member: %s/%s: %w", group, nodeID, ErrUnknownMember)
    }
    if len(g.members) == 1 {
        c.mu.Unlock()
        return &InvalidMutationError{Group: group, Reason: "cannot remove the last member"}
    }
    if votersLeft == 0 {
        c.mu.Unlock()
        return &InvalidMutationError{Group: group, Reason: "removal would leave no voting members"}
    }
    c.mu.Unlock()

    next := engine.GroupConfig{Version: g.version + 1}
    for _, m := range g.members {
        if m.cfg.NodeID == nodeID {
            continue
        }
        next.Members = append(next.Members, memberSpec(m.cfg))
    }
    if err := c.reconfigure(ctx, group, next); err != nil {
        return err
    }

    if err := c.opts.Driver.Remove(ctx, nodeID); err != nil {
        c.log.Warn("unit removal failed after reconfigure", "group", group, "node", nodeID, "error", err)
    }

    c.mu.Lock()
    g.members = append(g.members[:idx], g.members[idx+1:]...)
    g.version = next.Version
    c.mu.Unlock()

    c.eb.publish(Event{Type: EventMemberRemoved, At: time.Now(), Group: group, NodeID: nodeID})
    c.log.Info("member removed", "group", group, "node", nodeID)
    return nil
}

// Stepdown asks the group's current leader to hand off leadership and waits
// up to grace for a successor to be confirmed; grace <= 0 falls back to the
// configured StepdownWait. Successor candidates are healthy voting members
// with nonzero priority, highest priority first. A dropped connection or a
// not-leader answer from the old leader counts as success; that is how a
// leader mid-handover responds.
func (c *Coordinator) Stepdown(ctx context.Context, group string, grace time.Duration) (string, error) {
    if grace <= 0 {
        grace = c.opts.StepdownWait
    }
    release, ok := c.guard.Acquire(group)
    if !ok {
        return "", fmt.Errorf("stepdown %s: %w", group, ErrGroupBusy)
    }
    defer release()

    c.mu.Lock()
    g, exists := c.groups[group]
    c.mu.Unlock()
    if !exists {
        return "", fmt.Errorf("stepdown: %s: %w", group, ErrUnknownGroup)
    }

    leader, candidates := c.successors(ctx, group, g)
    if leader == "" {
        return "", fmt.Errorf("stepdown %s: no current leader: %w", group, ErrEngineUnavailable)
    }
    if len(candidates) == 0 {
        return "", fmt.Errorf("stepdown %s: %w", group, ErrNoEligibleSuccessor)
    }

    var lastErr error
    issued := false
    for _, successor := range candidates {
        err := c.opts.Surface.Stepdown(ctx, group, leader, successor)
        if stepdownSucceeded(err) {
            issued = true
            break
        }
        lastErr = err
        c.log.Warn("stepdown attempt failed", "group", group, "successor", successor, "error", err)
    }
    if !issued {
        return "", fmt.Errorf("stepdown %s: %w", group, lastErr)
    }
    c.opts.Surface.Invalidate(group)

    newLeader, err := c.awaitLeader(ctx, group, g, leader, grace)
    if err != nil {
        return "", fmt.Errorf("stepdown %s: no new leader confirmed: %w", group, ErrEngineUnavailable)
    }
    c.eb.publish(Event{
        Type: EventLeaderChanged, At: time.Now(), Group: group, NodeID: newLeader,
        Details: map[string]string{"previous": leader},
    })
    c.log.Info("leadership transferred", "group", group, "from", leader, "to", newLeader)
    return newLeader, nil
}

// Status probes every member of the group and assembles a snapshot. A member
// only counts as unreachable after ProbeFailThreshold consecutive probe
// failures, so one slow probe does not flap the view.
func (c *Coordinator) Status(ctx context.Context, group string) (GroupStatus, error) {
    c.mu.Lock()
    g, exists := c.groups[group]
    if !exists {
        c.mu.Unlock()
        return GroupStatus{}, fmt.Errorf("status: %s: %w", group, ErrUnknownGroup)
    }
    members := append([]*memberState(nil), g.members...)
    version := g.version
    c.mu.Unlock()

    st := GroupStatus{Name: group, Version: version, ObservedAt: time.Now()}

    type observed struct {
        m     *memberState
        probe engine.MemberProbe
        ok    bool
    }
    obs := make([]observed, 0, len(members))
    for _, m := range members {
        probe, err := c.opts.Surface.Probe(ctx, group, m.cfg.NodeID)
        obs = append(obs, observed{m: m, probe: probe, ok: err == nil})
    }

    c.mu.Lock()
    var leaderID string
    var leaderTerm uint64
    healthyVoters, voters := 0, 0
    for _, o := range obs {
        if o.ok {
            o.m.fails = 0
        } else {
            o.m.fails++
        }
        reachable := o.ok || o.m.fails < c.opts.ProbeFailThreshold
        ms := c.memberStatus(o.m, o.probe, reachable)
        if ms.Term > st.Term {
            st.Term = ms.Term
        }
        if o.m.cfg.Votes > 0 {
            voters++
            if ms.Healthy {
                healthyVoters++
            }
        }
        if o.ok && o.probe.Role == engine.RolePrimary {
            if leaderID != "" {
                // Two members claim leadership in one snapshot; trust the
                // higher term and flag the view as split.
                st.Warnings = append(st.Warnings,
                    fmt.Sprintf("multiple leaders observed: %s (term %d) and %s (term %d)",
                        leaderID, leaderTerm, o.probe.NodeID, o.probe.Term))
                if o.probe.Term > leaderTerm {
                    leaderID, leaderTerm = o.probe.NodeID, o.probe.Term
                }
            } else {
                leaderID, leaderTerm = o.probe.NodeID, o.probe.Term
            }
        }
        if !reachable {
            st.Warnings = append(st.Warnings, fmt.Sprintf("member %s unreachable", o.m.cfg.NodeID))
        }
        st.Members = append(st.Members, ms)
    }
    c.mu.Unlock()

    st.LeaderID = leaderID
    switch {
    case healthyVoters*2 <= voters:
        st.Health = HealthDown
    case leaderID == "" || len(st.Warnings) > 0:
        st.Health = HealthDegraded
    default:
        st.Health = HealthOK
    }
    return st, nil
}

// State snapshots every group, sorted by name.
func (c *Coordinator) State(ctx context.Context) ClusterState {
    c.mu.Lock()
    names := make([]string, 0, len(c.groups))
    for name := range c.groups {
        names = append(names, name)
    }
    c.mu.Unlock()
    sort.Strings(names)

    cs := ClusterState{ObservedAt: time.Now()}
    for _, name := range names {
        st, err := c.Status(ctx, name)
        if err != nil {
            continue
        }
        cs.Groups = append(cs.Groups, st)
    }
    return cs
}

// ResolveEndpoint returns the current leader's endpoint, either the internal
// or the external address depending on preference.
func (c *Coordinator) ResolveEndpoint(ctx context.Context, group, preference string) (string, error) {
    st, err := c.Status(ctx, group)
    if err != nil {
        return "", err
    }
    if st.LeaderID == "" {
        return "", fmt.Errorf("resolve endpoint: %s has no leader: %w", group, ErrEngineUnavailable)
    }
    ep, ok := c.opts.Driver.Endpoint(st.LeaderID)
    if !ok {
        return "", fmt.Errorf("resolve endpoint: %s/%s: %w", group, st.LeaderID, ErrUnknownMember)
    }
    if preference == "external" {
        return ep.External, nil
    }
    return ep.Internal, nil
}

// MemberIDs lists the group's member node ids in configuration order.
func (c *Coordinator) MemberIDs(group string) ([]string, error) {
    c.mu.Lock()
    defer c.mu.Unlock()
    g, exists := c.groups[group]
    if !exists {
        return nil, fmt.Errorf("members: %s: %w", group, ErrUnknownGroup)
    }
    ids := make([]string, 0, len(g.members))
    for _, m := range g.members {
        ids = append(ids, m.cfg.NodeID)
    }
    return ids, nil
}

// GroupNames lists every known group, sorted.
func (c *Coordinator) GroupNames() []string {
    c.mu.Lock()
    defer c.mu.Unlock()
    names := make([]string, 0, len(c.groups))
    for name := range c.groups {
        names = append(names, name)
    }
    sort.Strings(names)
    return names
}

// Logs returns the tail of a member's engine log.
func (c *Coordinator) Logs(ctx context.Context, nodeID string, tailLines int) (string, error) {
    return c.opts.Driver.Logs(ctx, nodeID, tailLines)
}

// Teardown removes every unit of every group and clears the registry.
func (c *Coordinator) Teardown(ctx context.Context) error {
    c.mu.Lock()
    groups := c.groups
    c.groups = make(map[string]*groupState)
    c.mu.Unlock()

    var first error
    for name, g := range groups {
        for _, m := range g.members {
            if err := c.opts.Driver.Remove(ctx, m.cfg.NodeID); err != nil && first == nil {
                first = fmt.Errorf("teardown %s/%s: %w", name, m.cfg.NodeID, err)
            }
        }
        c.eb.publish(Event{Type: EventGroupTornDown, At: time.Now(), Group: name})
    }
    return first
}

// seedConfig validates a seed and turns it into a NodeConfig with an
// allocated port and, when needed, a generated node id.
func (c *Coordinator) seedConfig(g *groupState, group string, seed MemberSeed) (compute.NodeConfig, error) {
    role := seed.Role
    if role == "" {
        role = compute.RoleData
    }
    if role != compute.RoleData && role != compute.RoleVoteOnly {
        return compute.NodeConfig{}, &InvalidMutationError{Group: group, Reason: fmt.Sprintf("unknown role %q", seed.Role)}
    }
    if seed.Votes != 0 && seed.Votes != 1 {
        return compute.NodeConfig{}, &InvalidMutationError{Group: group, Reason: "votes must be 0 or 1"}
    }
    if seed.Priority < 0 {
        return compute.NodeConfig{}, &InvalidMutationError{Group: group, Reason: "negative priority"}
    }
    if seed.Votes == 0 && seed.Priority != 0 {
        return compute.NodeConfig{}, &InvalidMutationError{Group: group, Reason: "non-voting member must have priority 0"}
    }
    if role == compute.RoleVoteOnly && seed.Priority != 0 {
        return compute.NodeConfig{}, &InvalidMutationError{Group: group, Reason: "vote-only member must have priority 0"}
    }

    nodeID := seed.NodeID
    if nodeID == "" {
        g.counter++
        nodeID = fmt.Sprintf("%s-%d", group, g.counter)
    }
    for _, m := range g.members {
        if m.cfg.NodeID == nodeID {
            return compute.NodeConfig{}, &InvalidMutationError{Group: group, Reason: fmt.Sprintf("duplicate node id %s", nodeID)}
        }
    }

    c.mu.Lock()
    port := c.nextPort
    c.nextPort++
    c.mu.Unlock()

    return compute.NodeConfig{
        NodeID:    nodeID,
        Host:      c.opts.Host,
        Port:      port,
        Role:      role,
        Priority:  seed.Priority,
        Votes:     seed.Votes,
        GroupName: group,
    }, nil
}

// reconfigure pushes cfg through the control surface, allowing itself one
// retry after invalidating a stale leader handle.
func (c *Coordinator) reconfigure(ctx context.Context, group string, cfg engine.GroupConfig) error {
    err := c.opts.Surface.Reconfigure(ctx, group, cfg)
    if err == nil {
        return nil
    }
    if errors.Is(err, engine.ErrStaleHandle) {
        c.opts.Surface.Invalidate(group)
        if err = c.opts.Surface.Reconfigure(ctx, group, cfg); err == nil {
            return nil
        }
        return fmt.Errorf("reconfigure %s: %v: %w", group, err, ErrStaleConnection)
    }
    if errors.Is(err, engine.ErrUnavailable) {
        return fmt.Errorf("reconfigure %s: %v: %w", group, err, ErrEngineUnavailable)
    }
    return fmt.Errorf("reconfigure %s: %w", group, err)
}

// successors probes the group and returns the current leader plus eligible
// stepdown targets ordered by priority, highest first.
func (c *Coordinator) successors(ctx context.Context, group string, g *groupState) (string, []string) {
    c.mu.Lock()
    members := append([]*memberState(nil), g.members...)
    c.mu.Unlock()

    var leader string
    type candidate struct {
        id       string
        priority int
    }
    var cands []candidate
    for _, m := range members {
        probe, err := c.opts.Surface.Probe(ctx, group, m.cfg.NodeID)
        if err != nil || !probe.Healthy {
            continue
        }
        if probe.Role == engine.RolePrimary {
            leader = m.cfg.NodeID
            continue
        }
        if m.cfg.Votes > 0 && m.cfg.Priority > 0 {
            cands = append(cands, candidate{id: m.cfg.NodeID, priority: m.cfg.Priority})
        }
    }
    sort.Slice(cands, func(i, j int) bool {
        if cands[i].priority != cands[j].priority {
            return cands[i].priority > cands[j].priority
        }
        return cands[i].id < cands[j].id
    })
    ids := make([]string, 0, len(cands))
    for _, cd := range cands {
        ids = append(ids, cd.id)
    }
    return leader, ids
}

// awaitReachable polls until every member of g probes as up, bounded by the
// init timeout.
func (c *Coordinator) awaitReachable(ctx context.Context, group string, g *groupState) error {
    deadline := time.Now().Add(c.opts.InitTimeout)
    backoff := 50 * time.Millisecond
    for time.Now().Before(deadline) {
        allUp := true
        for _, m := range g.members {
            probe, err := c.opts.Surface.Probe(ctx, group, m.cfg.NodeID)
            if err != nil || probe.Role == engine.RoleDown {
                allUp = false
                break
            }
        }
        if allUp {
            return nil
        }
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-time.After(backoff):
        }
        if backoff < time.Second {
            backoff *= 2
        }
    }
    return &InitializationTimeoutError{Group: group, Waiting: "members to become reachable"}
}

// awaitMemberUp polls one just-created unit until it probes as up, bounded
// by the init timeout. On expiry the unit is left in place so the caller can
// inspect or remove it; the error names what was being waited on.
func (c *Coordinator) awaitMemberUp(ctx context.Context, group, nodeID string) error {
    deadline := time.Now().Add(c.opts.InitTimeout)
    backoff := 50 * time.Millisecond
    for time.Now().Before(deadline) {
        probe, err := c.opts.Surface.Probe(ctx, group, nodeID)
        if err == nil && probe.Role != engine.RoleDown {
            return nil
        }
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-time.After(backoff):
        }
        if backoff < time.Second {
            backoff *= 2
        }
    }
    return &InitializationTimeoutError{Group: group, Waiting: fmt.Sprintf("new member %s to become reachable", nodeID)}
}

// awaitLeader polls until some member other than previous probes as primary,
// bounded by wait.
func (c *Coordinator) awaitLeader(ctx context.Context, group string, g *groupState, previous string, wait time.Duration) (string, error) {
    deadline := time.Now().Add(wait)
    for time.Now().Before(deadline) {
        for _, m := range g.members {
            if m.cfg.NodeID == previous {
                continue
            }
            probe, err := c.opts.Surface.Probe(ctx, group, m.cfg.NodeID)
            if err == nil && probe.Role == engine.RolePrimary {
                return m.cfg.NodeID, nil
            }
        }
        select {
        case <-ctx.Done():
            return "", ctx.Err()
        case <-time.After(50 * time.Millisecond):
        }
    }
    return "", &InitializationTimeoutError{Group: group, Waiting: "leader election"}
}

func (c *Coordinator) rollback(ctx context.Context, g *groupState) {
    for _, m := range g.members {
        if err := c.opts.Driver.Remove(ctx, m.cfg.NodeID); err != nil {
            c.log.Warn("rollback removal failed", "node", m.cfg.NodeID, "error", err)
        }
    }
}

func (c *Coordinator) groupConfig(g *groupState) engine.GroupConfig {
    cfg := engine.GroupConfig{Version: g.version}
    for _, m := range g.members {
        cfg.Members = append(cfg.Members, memberSpec(m.cfg))
    }
    return cfg
}

func memberSpec(cfg compute.NodeConfig) engine.MemberSpec {
    return engine.MemberSpec{
        NodeID:      cfg.NodeID,
        Addr:        fmt.Sprintf("%s:%d", cfg.NodeID, cfg.Port),
        Priority:    cfg.Priority,
        Votes:       cfg.Votes,
        DataBearing: cfg.Role == compute.RoleData,
    }
}

func (c *Coordinator) memberStatus(m *memberState, probe engine.MemberProbe, reachable bool) MemberStatus {
    ep, _ := c.opts.Driver.Endpoint(m.cfg.NodeID)
    return MemberStatus{
        NodeID:      m.cfg.NodeID,
        Role:        string(probe.Role),
        Healthy:     probe.Healthy && reachable,
        Reachable:   reachable,
        Priority:    m.cfg.Priority,
        Votes:       m.cfg.Votes,
        DataBearing: m.cfg.Role == compute.RoleData,
        Term:        probe.Term,
        LastIndex:   probe.LastIndex,
        UptimeSec:   int64(probe.Uptime.Seconds()),
        LatencyMs:   probe.LatencyMs,
        HeartbeatAt: probe.HeartbeatAt,
        Endpoint:    ep,
    }
}
