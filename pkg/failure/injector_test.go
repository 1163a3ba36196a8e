package failure

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "testing"
    "time"

    "github.com/hashicorp/go-hclog"

    "github.com/replicalab/replicasim/pkg/cluster"
    "github.com/replicalab/replicasim/pkg/compute"
)

// netDriver tracks per-node network membership the way the real backend does.
type netDriver struct {
    mu       sync.Mutex
    running  map[string]bool
    networks map[string]map[string]bool
}

func newNetDriver(ids ...string) *netDriver {
    d := &netDriver{
        running:  make(map[string]bool),
        networks: make(map[string]map[string]bool),
    }
    for _, id := range ids {
        d.running[id] = true
        d.networks[id] = map[string]bool{compute.DefaultNetwork: true}
    }
    return d
}

func (d *netDriver) Create(ctx context.Context, cfg compute.NodeConfig) (compute.Endpoint, error) {
    return compute.Endpoint{}, nil
}

func (d *netDriver) Start(ctx context.Context, nodeID string) error {
    d.mu.Lock()
    defer d.mu.Unlock()
    d.running[nodeID] = true
    return nil
}

func (d *netDriver) Stop(ctx context.Context, nodeID string, mode compute.StopMode) error {
    d.mu.Lock()
    defer d.mu.Unlock()
    d.running[nodeID] = false
    return nil
}

func (d *netDriver) Remove(ctx context.Context, nodeID string) error { return nil }

func (d *netDriver) Isolate(ctx context.Context, nodeID, network string) error {
    d.mu.Lock()
    defer d.mu.Unlock()
    d.networks[nodeID] = map[string]bool{network: true}
    return nil
}

func (d *netDriver) Rejoin(ctx context.Context, nodeID, network string) error {
    d.mu.Lock()
    defer d.mu.Unlock()
    delete(d.networks[nodeID], network)
    d.networks[nodeID][compute.DefaultNetwork] = true
    return nil
}

func (d *netDriver) AttachNetwork(ctx context.Context, nodeID, network string) error {
    d.mu.Lock()
    defer d.mu.Unlock()
    d.networks[nodeID][network] = true
    return nil
}

func (d *netDriver) DetachNetwork(ctx context.Context, nodeID, network string) error {
    d.mu.Lock()
    defer d.mu.Unlock()
    delete(d.networks[nodeID], network)
    return nil
}

func (d *netDriver) Logs(ctx context.Context, nodeID string, tailLines int) (string, error) {
    return "", nil
}

func (d *netDriver) Endpoint(nodeID string) (compute.Endpoint, bool) { return compute.Endpoint{}, true }
func (d *netDriver) Uptime(nodeID string) time.Duration              { return 0 }

func (d *netDriver) connected(a, b string) bool {
    d.mu.Lock()
    defer d.mu.Unlock()
    if !d.running[a] || !d.running[b] {
        return false
    }
    for n := range d.networks[a] {
        if d.networks[b][n] {
            return true
        }
    }
    return false
}

type staticGroups map[string][]string

func (g staticGroups) MemberIDs(group string) ([]string, error) {
    ids, ok := g[group]
    if !ok {
        return nil, fmt.Errorf("members: %s: %w", group, cluster.ErrUnknownGroup)
    }
    return ids, nil
}

func testInjector(t *testing.T, ids ...string) (*Injector, *netDriver) {
    t.Helper()
    driver := newNetDriver(ids...)
    in, err := NewInjector(Options{
        Driver: driver,
        Groups: staticGroups{"rs0": ids},
        Guard:  cluster.NewGuard(),
        Logger: hclog.NewNullLogger(),
    })
    if err != nil {
        t.Fatalf("new injector: %v", err)
    }
    return in, driver
}

func TestCrashIsIdempotent(t *testing.T) {
    in, driver := testInjector(t, "a", "b", "c")
    ctx := context.Background()

    f1, err := in.Crash(ctx, "rs0", "a")
    if err != nil {
        t.Fatalf("crash: %v", err)
    }
    if driver.running["a"] {
        t.Fatal("unit still running after crash")
    }
    f2, err := in.Crash(ctx, "rs0", "a")
    if err != nil {
        t.Fatalf("second crash: %v", err)
    }
    if f2.ID != f1.ID {
        t.Fatalf("second crash returned a new failure: %s vs %s", f2.ID, f1.ID)
    }
    if got := len(in.List()); got != 1 {
        t.Fatalf("%d active failures, want 1", got)
    }
}

func TestCrashUnknownMember(t *testing.T) {
    in, _ := testInjector(t, "a", "b", "c")
    if _, err := in.Crash(context.Background(), "rs0", "ghost"); !errors.Is(err, cluster.ErrUnknownMember) {
        t.Fatalf("got %v", err)
    }
    if _, err := in.Crash(context.Background(), "nope", "a"); !errors.Is(err, cluster.ErrUnknownGroup) {
        t.Fatalf("got %v", err)
    }
}

func TestRestore(t *testing.T) {
    in, driver := testInjector(t, "a", "b", "c")
    ctx := context.Background()

    // Restoring a member that was never crashed is a quiet no-op.
    restored, err := in.Restore(ctx, "rs0", "a")
    if err != nil || restored {
        t.Fatalf("restore of healthy member: restored=%v err=%v", restored, err)
    }

    if _, err := in.Crash(ctx, "rs0", "a"); err != nil {
        t.Fatalf("crash: %v", err)
    }
    restored, err = in.Restore(ctx, "rs0", "a")
    if err != nil || !restored {
        t.Fatalf("restore: restored=%v err=%v", restored, err)
    }
    if !driver.running["a"] {
        t.Fatal("unit not running after restore")
    }
    if got := len(in.List()); got != 0 {
        t.Fatalf("%d active failures after restore, want 0", got)
    }
}

func TestPartitionSplitsPairs(t *testing.T) {
    in, driver := testInjector(t, "a", "b", "c", "d", "e")
    ctx := context.Background()

    f, err := in.Partition(ctx, "rs0", []string{"a", "b"}, []string{"c"})
    if err != nil {
        t.Fatalf("partition: %v", err)
    }

    // Within a side and across unaffected members traffic still flows.
    if !driver.connected("a", "b") {
        t.Fatal("same-side pair separated")
    }
    if !driver.connected("d", "e") {
        t.Fatal("bystander pair separated")
    }
    // Across the cut nothing flows.
    for _, pair := range [][2]string{{"a", "c"}, {"b", "c"}} {
        if driver.connected(pair[0], pair[1]) {
            t.Fatalf("pair %v still connected across the cut", pair)
        }
    }
    // Bystanders reach both sides.
    for _, pair := range [][2]string{{"d", "a"}, {"d", "c"}, {"e", "b"}} {
        if !driver.connected(pair[0], pair[1]) {
            t.Fatalf("bystander pair %v separated", pair)
        }
    }

    if err := in.Heal(ctx, f.ID); err != nil {
        t.Fatalf("heal: %v", err)
    }
    for _, pair := range [][2]string{{"a", "c"}, {"b", "c"}, {"a", "b"}, {"d", "a"}} {
        if !driver.connected(pair[0], pair[1]) {
            t.Fatalf("pair %v still separated after heal", pair)
        }
    }
}

func TestPartitionValidation(t *testing.T) {
    in, _ := testInjector(t, "a", "b", "c")
    ctx := context.Background()

    var ipe *InvalidPartitionSpecError
    if _, err := in.Partition(ctx, "rs0", nil, []string{"a"}); !errors.As(err, &ipe) {
        t.Fatalf("empty side: %v", err)
    }
    if _, err := in.Partition(ctx, "rs0", []string{"a"}, []string{"a"}); !errors.As(err, &ipe) {
        t.Fatalf("overlapping sides: %v", err)
    }
    if _, err := in.Partition(ctx, "rs0", []string{"a"}, []string{"ghost"}); !errors.As(err, &ipe) {
        t.Fatalf("unknown member: %v", err)
    }

    if _, err := in.Partition(ctx, "rs0", []string{"a"}, []string{"b"}); err != nil {
        t.Fatalf("partition: %v", err)
    }
    if _, err := in.Partition(ctx, "rs0", []string{"b"}, []string{"c"}); !errors.As(err, &ipe) {
        t.Fatalf("second active partition: %v", err)
    }
}

func TestHealUnknownAndAll(t *testing.T) {
    in, driver := testInjector(t, "a", "b", "c")
    ctx := context.Background()

    if err := in.Heal(ctx, "nope"); !errors.Is(err, ErrUnknownFailure) {
        t.Fatalf("heal unknown: %v", err)
    }

    // Healing the same id twice is a no-op, not an error.
    crash, err := in.Crash(ctx, "rs0", "a")
    if err != nil {
        t.Fatalf("crash: %v", err)
    }
    if err := in.Heal(ctx, crash.ID); err != nil {
        t.Fatalf("heal: %v", err)
    }
    if err := in.Heal(ctx, crash.ID); err != nil {
        t.Fatalf("second heal of %s: %v", crash.ID, err)
    }

    if _, err := in.Crash(ctx, "rs0", "a"); err != nil {
        t.Fatalf("crash: %v", err)
    }
    if _, err := in.Partition(ctx, "rs0", []string{"b"}, []string{"c"}); err != nil {
        t.Fatalf("partition: %v", err)
    }
    if err := in.Heal(ctx, "all"); err != nil {
        t.Fatalf("heal all: %v", err)
    }
    if got := len(in.List()); got != 0 {
        t.Fatalf("%d active failures after heal all, want 0", got)
    }
    if !driver.running["a"] {
        t.Fatal("crashed unit not restarted by heal all")
    }
    if !driver.connected("b", "c") {
        t.Fatal("partition not healed by heal all")
    }
}

func TestLatencyIsBookkeepingOnly(t *testing.T) {
    in, driver := testInjector(t, "a", "b", "c")
    ctx := context.Background()

    f, err := in.Latency(ctx, "rs0", []string{"a", "b"}, 150, 20)
    if err != nil {
        t.Fatalf("latency: %v", err)
    }
    if f.Type != TypeLatency || f.Config["latency_ms"] != 150 || f.Config["jitter_ms"] != 20 {
        t.Fatalf("unexpected failure record: %+v", f)
    }
    // no network action was taken
    if !driver.connected("a", "b") {
        t.Fatal("latency injection changed reachability")
    }
    if got := in.List(); len(got) != 1 {
        t.Fatalf("expected 1 active failure, got %d", len(got))
    }

    if err := in.Heal(ctx, f.ID); err != nil {
        t.Fatalf("heal: %v", err)
    }
    if got := in.List(); len(got) != 0 {
        t.Fatalf("failure left after heal: %v", got)
    }

    if _, err := in.Latency(ctx, "rs0", []string{"nope"}, 100, 0); !errors.Is(err, cluster.ErrUnknownMember) {
        t.Fatalf("expected ErrUnknownMember, got %v", err)
    }
    if _, err := in.Latency(ctx, "rs0", []string{"a"}, 0, 0); err == nil {
        t.Fatal("accepted non-positive latency")
    }
}

func TestGuardSharedWithCoordinator(t *testing.T) {
    in, _ := testInjector(t, "a", "b", "c")
    release, ok := in.opts.Guard.Acquire("rs0")
    if !ok {
        t.Fatal("guard should be free")
    }
    defer release()

    if _, err := in.Crash(context.Background(), "rs0", "a"); !errors.Is(err, cluster.ErrGroupBusy) {
        t.Fatalf("crash while busy: %v", err)
    }
    if _, err := in.Partition(context.Background(), "rs0", []string{"a"}, []string{"b"}); !errors.Is(err, cluster.ErrGroupBusy) {
        t.Fatalf("partition while busy: %v", err)
    }
}
