package cluster

import (
    "context"
    "errors"
    "fmt"
    "testing"
    "time"

    "github.com/hashicorp/go-hclog"

    "github.com/replicalab/replicasim/pkg/compute"
    "github.com/replicalab/replicasim/pkg/engine"
)

func testCoordinator(t *testing.T, surface *fakeSurface) (*Coordinator, *fakeDriver) {
    t.Helper()
    driver := newFakeDriver()
    c, err := New(Options{
        Driver:       driver,
        Surface:      surface,
        Logger:       hclog.NewNullLogger(),
        Host:         "127.0.0.1",
        PortBase:     27017,
        InitTimeout:  2 * time.Second,
        StepdownWait: 2 * time.Second,
    })
    if err != nil {
        t.Fatalf("new coordinator: %v", err)
    }
    return c, driver
}

func threeSeeds() []MemberSeed {
    return []MemberSeed{
        {Priority: 2, Votes: 1},
        {Priority: 1, Votes: 1},
        {Priority: 1, Votes: 1},
    }
}

func TestInitiateGroup(t *testing.T) {
    surface := &fakeSurface{}
    c, driver := testCoordinator(t, surface)

    st, err := c.InitiateGroup(context.Background(), "rs0", threeSeeds())
    if err != nil {
        t.Fatalf("initiate: %v", err)
    }
    if st.LeaderID != "rs0-1" {
        t.Fatalf("leader = %q, want rs0-1", st.LeaderID)
    }
    if st.Health != HealthOK {
        t.Fatalf("health = %s, want ok", st.Health)
    }
    if len(st.Members) != 3 {
        t.Fatalf("got %d members", len(st.Members))
    }
    // Deterministic port allocation from the base.
    for i, id := range []string{"rs0-1", "rs0-2", "rs0-3"} {
        cfg := driver.units[id]
        if cfg.Port != 27017+i {
            t.Fatalf("%s port = %d, want %d", id, cfg.Port, 27017+i)
        }
    }
}

func TestInitiateGroupValidation(t *testing.T) {
    surface := &fakeSurface{}
    c, _ := testCoordinator(t, surface)
    ctx := context.Background()

    var im *InvalidMutationError
    if _, err := c.InitiateGroup(ctx, "", threeSeeds()); !errors.As(err, &im) {
        t.Fatalf("empty name: %v", err)
    }
    if _, err := c.InitiateGroup(ctx, "rs0", nil); !errors.As(err, &im) {
        t.Fatalf("no members: %v", err)
    }
    if _, err := c.InitiateGroup(ctx, "rs0", []MemberSeed{{Votes: 2}}); !errors.As(err, &im) {
        t.Fatalf("bad votes: %v", err)
    }
    if _, err := c.InitiateGroup(ctx, "rs0", []MemberSeed{{Votes: 0, Priority: 1}}); !errors.As(err, &im) {
        t.Fatalf("nonvoter with priority: %v", err)
    }
    if _, err := c.InitiateGroup(ctx, "rs0", []MemberSeed{
        {Role: compute.RoleVoteOnly, Priority: 1, Votes: 1},
    }); !errors.As(err, &im) {
        t.Fatalf("vote-only with priority: %v", err)
    }
}

func TestInitiateRollsBackOnProvisioningError(t *testing.T) {
    surface := &fakeSurface{}
    c, driver := testCoordinator(t, surface)

    // Fail the third create, after two units already exist.
    calls := 0
    c.opts.Driver = &countingDriver{
        fakeDriver: driver,
        failAt:     3,
        err:        &compute.ProvisioningError{NodeID: "rs0-3", Reason: "port in use"},
        calls:      &calls,
    }

    _, err := c.InitiateGroup(context.Background(), "rs0", threeSeeds())
    var pe *compute.ProvisioningError
    if !errors.As(err, &pe) {
        t.Fatalf("expected provisioning error, got %v", err)
    }
    if len(driver.removed) != 2 {
        t.Fatalf("rolled back %d units, want 2", len(driver.removed))
    }
    if _, err := c.Status(context.Background(), "rs0"); !errors.Is(err, ErrUnknownGroup) {
        t.Fatalf("group registered despite failure: %v", err)
    }
}

type countingDriver struct {
    *fakeDriver
    failAt int
    err    error
    calls  *int
}

func (d *countingDriver) Create(ctx context.Context, cfg compute.NodeConfig) (compute.Endpoint, error) {
    *d.calls++
    if *d.calls == d.failAt {
        return compute.Endpoint{}, d.err
    }
    return d.fakeDriver.Create(ctx, cfg)
}

func TestAddMember(t *testing.T) {
    surface := &fakeSurface{}
    c, _ := testCoordinator(t, surface)
    ctx := context.Background()

    if _, err := c.InitiateGroup(ctx, "rs0", threeSeeds()); err != nil {
        t.Fatalf("initiate: %v", err)
    }
    ms, err := c.AddMember(ctx, "rs0", MemberSeed{NodeID: "extra", Priority: 1, Votes: 1})
    if err != nil {
        t.Fatalf("add member: %v", err)
    }
    if ms.NodeID != "extra" {
        t.Fatalf("added %q", ms.NodeID)
    }
    ids, _ := c.MemberIDs("rs0")
    if len(ids) != 4 {
        t.Fatalf("got %d members", len(ids))
    }
    last := surface.reconfigured[len(surface.reconfigured)-1]
    if last.Version != 2 {
        t.Fatalf("config version = %d, want 2", last.Version)
    }
}

func TestAddMemberWaitsForNewUnit(t *testing.T) {
    surface := &fakeSurface{}
    driver := newFakeDriver()
    c, err := New(Options{
        Driver:       driver,
        Surface:      surface,
        Logger:       hclog.NewNullLogger(),
        Host:         "127.0.0.1",
        PortBase:     27017,
        InitTimeout:  300 * time.Millisecond,
        StepdownWait: 300 * time.Millisecond,
    })
    if err != nil {
        t.Fatalf("new coordinator: %v", err)
    }
    ctx := context.Background()
    if _, err := c.InitiateGroup(ctx, "rs0", threeSeeds()); err != nil {
        t.Fatalf("initiate: %v", err)
    }
    reconfigsBefore := len(surface.reconfigured)

    // The fresh unit never comes up.
    surface.probeFn = func(nodeID string) (engine.MemberProbe, error) {
        if nodeID == "extra" {
            return engine.MemberProbe{NodeID: nodeID, Role: engine.RoleDown}, nil
        }
        return engine.MemberProbe{NodeID: nodeID, Role: engine.RoleSecondary, Healthy: true}, nil
    }

    var it *InitializationTimeoutError
    _, err = c.AddMember(ctx, "rs0", MemberSeed{NodeID: "extra", Priority: 1, Votes: 1})
    if !errors.As(err, &it) {
        t.Fatalf("got %v, want InitializationTimeoutError", err)
    }
    // No configuration change may be issued for an unreachable member.
    if len(surface.reconfigured) != reconfigsBefore {
        t.Fatalf("reconfigure was issued: %+v", surface.reconfigured[len(surface.reconfigured)-1])
    }
    // The unit stays for inspection; it is not silently reverted.
    if _, ok := driver.units["extra"]; !ok {
        t.Fatal("timed-out unit was removed")
    }
    ids, _ := c.MemberIDs("rs0")
    if len(ids) != 3 {
        t.Fatalf("group registered %d members, want 3", len(ids))
    }
}

func TestAddMemberRetriesStaleHandleOnce(t *testing.T) {
    surface := &fakeSurface{}
    c, _ := testCoordinator(t, surface)
    ctx := context.Background()
    if _, err := c.InitiateGroup(ctx, "rs0", threeSeeds()); err != nil {
        t.Fatalf("initiate: %v", err)
    }

    surface.reconfigureFn = func(call int, cfg engine.GroupConfig) error {
        if call == 0 {
            return fmt.Errorf("leader moved: %w", engine.ErrStaleHandle)
        }
        return nil
    }
    if _, err := c.AddMember(ctx, "rs0", MemberSeed{Priority: 1, Votes: 1}); err != nil {
        t.Fatalf("add member with one stale handle: %v", err)
    }
    if surface.invalidated == 0 {
        t.Fatal("stale handle was not invalidated")
    }

    // Persistent staleness surfaces as ErrStaleConnection.
    surface.reconfigureFn = func(call int, cfg engine.GroupConfig) error {
        return fmt.Errorf("leader moved: %w", engine.ErrStaleHandle)
    }
    if _, err := c.AddMember(ctx, "rs0", MemberSeed{Priority: 1, Votes: 1}); !errors.Is(err, ErrStaleConnection) {
        t.Fatalf("got %v, want ErrStaleConnection", err)
    }
}

func TestRemoveMemberGuards(t *testing.T) {
    surface := &fakeSurface{}
    c, driver := testCoordinator(t, surface)
    ctx := context.Background()
    if _, err := c.InitiateGroup(ctx, "rs0", []MemberSeed{
        {NodeID: "a", Priority: 1, Votes: 1},
        {NodeID: "b", Priority: 0, Votes: 0},
    }); err != nil {
        t.Fatalf("initiate: %v", err)
    }

    var im *InvalidMutationError
    // Removing the only voter would leave the group without a quorum source.
    if err := c.RemoveMember(ctx, "rs0", "a"); !errors.As(err, &im) {
        t.Fatalf("remove only voter: %v", err)
    }
    if err := c.RemoveMember(ctx, "rs0", "ghost"); !errors.Is(err, ErrUnknownMember) {
        t.Fatalf("remove unknown: %v", err)
    }
    if err := c.RemoveMember(ctx, "rs0", "b"); err != nil {
        t.Fatalf("remove nonvoter: %v", err)
    }
    if len(driver.removed) != 1 || driver.removed[0] != "b" {
        t.Fatalf("unit teardown: %v", driver.removed)
    }
    // Now "a" is the last member.
    if err := c.RemoveMember(ctx, "rs0", "a"); !errors.As(err, &im) {
        t.Fatalf("remove last member: %v", err)
    }
}

func TestStepdownPrefersHighestPriority(t *testing.T) {
    surface := &fakeSurface{}
    c, _ := testCoordinator(t, surface)
    ctx := context.Background()
    if _, err := c.InitiateGroup(ctx, "rs0", []MemberSeed{
        {NodeID: "a", Priority: 1, Votes: 1},
        {NodeID: "b", Priority: 5, Votes: 1},
        {NodeID: "c", Priority: 2, Votes: 1},
    }); err != nil {
        t.Fatalf("initiate: %v", err)
    }
    surface.setLeader("a")

    newLeader, err := c.Stepdown(ctx, "rs0", 0)
    if err != nil {
        t.Fatalf("stepdown: %v", err)
    }
    if newLeader != "b" {
        t.Fatalf("new leader = %q, want b (highest priority)", newLeader)
    }
}

func TestStepdownTreatsDroppedConnectionAsSuccess(t *testing.T) {
    surface := &fakeSurface{}
    c, _ := testCoordinator(t, surface)
    ctx := context.Background()
    if _, err := c.InitiateGroup(ctx, "rs0", []MemberSeed{
        {NodeID: "a", Priority: 1, Votes: 1},
        {NodeID: "b", Priority: 1, Votes: 1},
    }); err != nil {
        t.Fatalf("initiate: %v", err)
    }
    surface.setLeader("a")
    surface.stepdownFn = func(leaderID, successorID string) error {
        // The old leader hangs up mid-call, then the transfer completes.
        surface.setLeader(successorID)
        return errors.New("rpc failed: connection closed")
    }

    newLeader, err := c.Stepdown(ctx, "rs0", 0)
    if err != nil {
        t.Fatalf("stepdown: %v", err)
    }
    if newLeader != "b" {
        t.Fatalf("new leader = %q, want b", newLeader)
    }
}

func TestStepdownNoEligibleSuccessor(t *testing.T) {
    surface := &fakeSurface{}
    c, _ := testCoordinator(t, surface)
    ctx := context.Background()
    if _, err := c.InitiateGroup(ctx, "rs0", []MemberSeed{
        {NodeID: "a", Priority: 1, Votes: 1},
        {NodeID: "b", Role: compute.RoleVoteOnly, Priority: 0, Votes: 1},
    }); err != nil {
        t.Fatalf("initiate: %v", err)
    }
    surface.setLeader("a")

    if _, err := c.Stepdown(ctx, "rs0", 0); !errors.Is(err, ErrNoEligibleSuccessor) {
        t.Fatalf("got %v, want ErrNoEligibleSuccessor", err)
    }
}

func TestStepdownHonorsRequestGracePeriod(t *testing.T) {
    surface := &fakeSurface{}
    c, _ := testCoordinator(t, surface)
    ctx := context.Background()
    if _, err := c.InitiateGroup(ctx, "rs0", []MemberSeed{
        {NodeID: "a", Priority: 1, Votes: 1},
        {NodeID: "b", Priority: 1, Votes: 1},
    }); err != nil {
        t.Fatalf("initiate: %v", err)
    }
    surface.setLeader("a")
    // The transfer is accepted but no successor ever takes over.
    surface.probeFn = func(nodeID string) (engine.MemberProbe, error) {
        role := engine.RoleSecondary
        if nodeID == "a" {
            role = engine.RolePrimary
        }
        return engine.MemberProbe{NodeID: nodeID, Role: role, Healthy: true, Term: 3}, nil
    }

    start := time.Now()
    _, err := c.Stepdown(ctx, "rs0", 200*time.Millisecond)
    elapsed := time.Since(start)
    if !errors.Is(err, ErrEngineUnavailable) {
        t.Fatalf("got %v, want ErrEngineUnavailable", err)
    }
    // The per-call grace bounds the wait, not the configured default (2s).
    if elapsed >= time.Second {
        t.Fatalf("stepdown waited %v, want under the requested grace", elapsed)
    }
}

func TestGroupBusy(t *testing.T) {
    surface := &fakeSurface{}
    c, _ := testCoordinator(t, surface)
    ctx := context.Background()
    if _, err := c.InitiateGroup(ctx, "rs0", threeSeeds()); err != nil {
        t.Fatalf("initiate: %v", err)
    }

    release, ok := c.Guard().Acquire("rs0")
    if !ok {
        t.Fatal("guard should be free")
    }
    defer release()

    if _, err := c.AddMember(ctx, "rs0", MemberSeed{Priority: 1, Votes: 1}); !errors.Is(err, ErrGroupBusy) {
        t.Fatalf("add while busy: %v", err)
    }
    if err := c.RemoveMember(ctx, "rs0", "rs0-1"); !errors.Is(err, ErrGroupBusy) {
        t.Fatalf("remove while busy: %v", err)
    }
    if _, err := c.Stepdown(ctx, "rs0", 0); !errors.Is(err, ErrGroupBusy) {
        t.Fatalf("stepdown while busy: %v", err)
    }
    // Reads are never serialized.
    if _, err := c.Status(ctx, "rs0"); err != nil {
        t.Fatalf("status while busy: %v", err)
    }
}

func TestStatusSplitLeaderView(t *testing.T) {
    surface := &fakeSurface{}
    c, _ := testCoordinator(t, surface)
    ctx := context.Background()
    if _, err := c.InitiateGroup(ctx, "rs0", []MemberSeed{
        {NodeID: "a", Priority: 1, Votes: 1},
        {NodeID: "b", Priority: 1, Votes: 1},
        {NodeID: "c", Priority: 1, Votes: 1},
    }); err != nil {
        t.Fatalf("initiate: %v", err)
    }

    surface.probeFn = func(nodeID string) (engine.MemberProbe, error) {
        p := engine.MemberProbe{NodeID: nodeID, Healthy: true, Role: engine.RoleSecondary, HeartbeatAt: time.Now()}
        switch nodeID {
        case "a":
            p.Role, p.Term = engine.RolePrimary, 4
        case "b":
            p.Role, p.Term = engine.RolePrimary, 7
        default:
            p.Term = 7
        }
        return p, nil
    }

    st, err := c.Status(ctx, "rs0")
    if err != nil {
        t.Fatalf("status: %v", err)
    }
    if st.LeaderID != "b" {
        t.Fatalf("leader = %q, want the higher-term claimant b", st.LeaderID)
    }
    if st.Term != 7 {
        t.Fatalf("term = %d, want 7", st.Term)
    }
    if st.Health != HealthDegraded {
        t.Fatalf("health = %s, want degraded", st.Health)
    }
    if len(st.Warnings) == 0 {
        t.Fatal("expected a split-leader warning")
    }
}

func TestStatusUnreachableThreshold(t *testing.T) {
    surface := &fakeSurface{}
    c, _ := testCoordinator(t, surface)
    ctx := context.Background()
    if _, err := c.InitiateGroup(ctx, "rs0", []MemberSeed{
        {NodeID: "a", Priority: 1, Votes: 1},
        {NodeID: "b", Priority: 1, Votes: 1},
        {NodeID: "c", Priority: 1, Votes: 1},
    }); err != nil {
        t.Fatalf("initiate: %v", err)
    }

    surface.probeFn = func(nodeID string) (engine.MemberProbe, error) {
        if nodeID == "c" {
            return engine.MemberProbe{}, errors.New("probe timeout")
        }
        role := engine.RoleSecondary
        if nodeID == "a" {
            role = engine.RolePrimary
        }
        return engine.MemberProbe{NodeID: nodeID, Healthy: true, Role: role, Term: 2, HeartbeatAt: time.Now()}, nil
    }

    // Below the threshold the member still counts as reachable.
    st, _ := c.Status(ctx, "rs0")
    for _, m := range st.Members {
        if m.NodeID == "c" && !m.Reachable {
            t.Fatal("member marked unreachable after a single probe failure")
        }
    }
    c.Status(ctx, "rs0")
    st, _ = c.Status(ctx, "rs0")
    var cState MemberStatus
    for _, m := range st.Members {
        if m.NodeID == "c" {
            cState = m
        }
    }
    if cState.Reachable {
        t.Fatal("member still reachable after three consecutive failures")
    }
    if st.Health != HealthDegraded {
        t.Fatalf("health = %s, want degraded", st.Health)
    }
}

func TestResolveEndpoint(t *testing.T) {
    surface := &fakeSurface{}
    c, _ := testCoordinator(t, surface)
    ctx := context.Background()
    if _, err := c.InitiateGroup(ctx, "rs0", threeSeeds()); err != nil {
        t.Fatalf("initiate: %v", err)
    }

    internal, err := c.ResolveEndpoint(ctx, "rs0", "internal")
    if err != nil {
        t.Fatalf("resolve: %v", err)
    }
    if internal != "rs0-1:27017" {
        t.Fatalf("internal = %q", internal)
    }
    external, err := c.ResolveEndpoint(ctx, "rs0", "external")
    if err != nil {
        t.Fatalf("resolve: %v", err)
    }
    if external != "127.0.0.1:27017" {
        t.Fatalf("external = %q", external)
    }
}

func TestTeardown(t *testing.T) {
    surface := &fakeSurface{}
    c, driver := testCoordinator(t, surface)
    ctx := context.Background()
    if _, err := c.InitiateGroup(ctx, "rs0", threeSeeds()); err != nil {
        t.Fatalf("initiate: %v", err)
    }

    if err := c.Teardown(ctx); err != nil {
        t.Fatalf("teardown: %v", err)
    }
    if len(driver.removed) != 3 {
        t.Fatalf("removed %d units, want 3", len(driver.removed))
    }
    if _, err := c.Status(ctx, "rs0"); !errors.Is(err, ErrUnknownGroup) {
        t.Fatalf("status after teardown: %v", err)
    }
}
