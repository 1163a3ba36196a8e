package failure

import (
    "context"
    "fmt"
    "sort"
    "sync"
    "time"

    "github.com/google/uuid"
    "github.com/hashicorp/go-hclog"

    "github.com/replicalab/replicasim/pkg/cluster"
    "github.com/replicalab/replicasim/pkg/compute"
)

// GroupView is the slice of the coordinator the injector needs: resolving a
// group name to its current member ids.
type GroupView interface {
    MemberIDs(group string) ([]string, error)
}

// Options wires an Injector.
type Options struct {
    Driver compute.Driver
    Groups GroupView
    // Guard is shared with the coordinator so a failure injection cannot
    // interleave with a membership change on the same group.
    Guard  *cluster.Guard
    Logger hclog.Logger
}

// Injector injects crashes and network partitions and reverses them on
// demand. Every injection is recorded with the exact actions taken, so a
// heal restores precisely the state the injection disturbed.
type Injector struct {
    opts Options
    log  hclog.Logger

    mu     sync.Mutex
    active map[string]*Failure
    healed map[string]bool
}

// NewInjector builds an Injector. Driver, Groups and Guard are required.
func NewInjector(opts Options) (*Injector, error) {
    if opts.Driver == nil {
        return nil, fmt.Errorf("failure: nil Driver")
    }
    if opts.Groups == nil {
        return nil, fmt.Errorf("failure: nil Groups")
    }
    if opts.Guard == nil {
        return nil, fmt.Errorf("failure: nil Guard")
    }
    if opts.Logger == nil {
        opts.Logger = hclog.Default()
    }
    return &Injector{
        opts:   opts,
        log:    opts.Logger.Named("failure"),
        active: make(map[string]*Failure),
        healed: make(map[string]bool),
    }, nil
}

// Crash stops the member's unit hard. Crashing an already crashed member is
// idempotent and returns the existing failure.
func (in *Injector) Crash(ctx context.Context, group, nodeID string) (Failure, error) {
    release, ok := in.opts.Guard.Acquire(group)
    if !ok {
        return Failure{}, fmt.Errorf("crash %s/%s: %w", group, nodeID, cluster.ErrGroupBusy)
    }
    defer release()

    if err := in.memberOf(group, nodeID); err != nil {
        return Failure{}, err
    }

    in.mu.Lock()
    for _, f := range in.active {
        if f.Type == TypeCrash && f.Group == group && f.Targets[0] == nodeID {
            existing := *f
            in.mu.Unlock()
            return existing, nil
        }
    }
    in.mu.Unlock()

    if err := in.opts.Driver.Stop(ctx, nodeID, compute.StopImmediate); err != nil {
        return Failure{}, fmt.Errorf("crash %s/%s: %w", group, nodeID, err)
    }

    f := &Failure{
        ID:         fmt.Sprintf("crash-%s-%s", nodeID, shortID()),
        Type:       TypeCrash,
        Group:      group,
        Targets:    []string{nodeID},
        InjectedAt: time.Now(),
    }
    in.mu.Lock()
    in.active[f.ID] = f
    in.mu.Unlock()

    in.log.Info("crash injected", "group", group, "node", nodeID, "id", f.ID)
    return *f, nil
}

// Restore restarts a crashed member and resolves its crash failure. Restoring
// a member that was never crashed is a no-op and reports restored=false.
func (in *Injector) Restore(ctx context.Context, group, nodeID string) (bool, error) {
    release, ok := in.opts.Guard.Acquire(group)
    if !ok {
        return false, fmt.Errorf("restore %s/%s: %w", group, nodeID, cluster.ErrGroupBusy)
    }
    defer release()

    in.mu.Lock()
    var match *Failure
    for _, f := range in.active {
        if f.Type == TypeCrash && f.Group == group && f.Targets[0] == nodeID {
            match = f
            break
        }
    }
    in.mu.Unlock()
    if match == nil {
        return false, nil
    }

    if err := in.opts.Driver.Start(ctx, nodeID); err != nil {
        return false, fmt.Errorf("restore %s/%s: %w", group, nodeID, err)
    }
    in.mu.Lock()
    delete(in.active, match.ID)
    in.healed[match.ID] = true
    in.mu.Unlock()

    in.log.Info("crash healed", "group", group, "node", nodeID, "id", match.ID)
    return true, nil
}

// Partition splits the group so members of setA and members of setB cannot
// reach each other, while members outside both sets keep reaching everyone.
// Both sets must be non-empty, disjoint subsets of the group, and only one
// partition per group may be active at a time.
func (in *Injector) Partition(ctx context.Context, group string, setA, setB []string) (Failure, error) {
    release, ok := in.opts.Guard.Acquire(group)
    if !ok {
        return Failure{}, fmt.Errorf("partition %s: %w", group, cluster.ErrGroupBusy)
    }
    defer release()

    members, err := in.opts.Groups.MemberIDs(group)
    if err != nil {
        return Failure{}, err
    }
    if err := validateSplit(group, members, setA, setB); err != nil {
        return Failure{}, err
    }

    in.mu.Lock()
    for _, f := range in.active {
        if f.Type == TypePartition && f.Group == group {
            in.mu.Unlock()
            return Failure{}, &InvalidPartitionSpecError{Group: group, Reason: "a partition is already active"}
        }
    }
    in.mu.Unlock()

    id := fmt.Sprintf("partition-%s-%s", group, shortID())
    netA, netB := id+"-a", id+"-b"

    f := &Failure{
        ID:         id,
        Type:       TypePartition,
        Group:      group,
        Targets:    append(append([]string{}, setA...), setB...),
        InjectedAt: time.Now(),
    }

    inA := toSet(setA)
    inB := toSet(setB)
    for _, nodeID := range members {
        switch {
        case inA[nodeID]:
            if err := in.opts.Driver.Isolate(ctx, nodeID, netA); err != nil {
                in.undo(ctx, f)
                return Failure{}, fmt.Errorf("partition %s: isolate %s: %w", group, nodeID, err)
            }
            f.actions = append(f.actions, action{kind: "isolate", nodeID: nodeID, network: netA})
        case inB[nodeID]:
            if err := in.opts.Driver.Isolate(ctx, nodeID, netB); err != nil {
                in.undo(ctx, f)
                return Failure{}, fmt.Errorf("partition %s: isolate %s: %w", group, nodeID, err)
            }
            f.actions = append(f.actions, action{kind: "isolate", nodeID: nodeID, network: netB})
        default:
            // A bystander stays reachable from both sides.
            for _, net := range []string{netA, netB} {
                if err := in.opts.Driver.AttachNetwork(ctx, nodeID, net); err != nil {
                    in.undo(ctx, f)
                    return Failure{}, fmt.Errorf("partition %s: attach %s: %w", group, nodeID, err)
                }
                f.actions = append(f.actions, action{kind: "attach", nodeID: nodeID, network: net})
            }
        }
    }

    in.mu.Lock()
    in.active[f.ID] = f
    in.mu.Unlock()

    in.log.Info("partition injected", "group", group, "id", id, "side_a", setA, "side_b", setB)
    return *f, nil
}

// Latency records a latency injection against the given members. The delay
// is bookkeeping only: it shows up on the failure list and in broadcast
// snapshots but is not enforced on the transport.
func (in *Injector) Latency(ctx context.Context, group string, nodeIDs []string, latencyMs, jitterMs int) (Failure, error) {
    release, ok := in.opts.Guard.Acquire(group)
    if !ok {
        return Failure{}, fmt.Errorf("latency %s: %w", group, cluster.ErrGroupBusy)
    }
    defer release()

    if latencyMs <= 0 {
        return Failure{}, fmt.Errorf("latency %s: non-positive latency_ms", group)
    }
    for _, nodeID := range nodeIDs {
        if err := in.memberOf(group, nodeID); err != nil {
            return Failure{}, err
        }
    }

    f := &Failure{
        ID:         fmt.Sprintf("latency-%s-%s", group, shortID()),
        Type:       TypeLatency,
        Group:      group,
        Targets:    append([]string{}, nodeIDs...),
        InjectedAt: time.Now(),
        Config:     map[string]int{"latency_ms": latencyMs, "jitter_ms": jitterMs},
    }
    in.mu.Lock()
    in.active[f.ID] = f
    in.mu.Unlock()

    in.log.Info("latency injected", "group", group, "nodes", nodeIDs, "id", f.ID, "latency_ms", latencyMs)
    return *f, nil
}

// Heal reverses one failure by id, or every active failure when id is "all".
// Healing an already healed id is a no-op; an id that was never injected
// returns ErrUnknownFailure.
func (in *Injector) Heal(ctx context.Context, id string) error {
    if id == "all" {
        return in.healAll(ctx)
    }

    in.mu.Lock()
    f, ok := in.active[id]
    wasHealed := in.healed[id]
    in.mu.Unlock()
    if !ok {
        if wasHealed {
            return nil
        }
        return fmt.Errorf("heal %s: %w", id, ErrUnknownFailure)
    }

    release, okG := in.opts.Guard.Acquire(f.Group)
    if !okG {
        return fmt.Errorf("heal %s: %w", id, cluster.ErrGroupBusy)
    }
    defer release()

    if err := in.heal(ctx, f); err != nil {
        return err
    }
    in.mu.Lock()
    delete(in.active, id)
    in.healed[id] = true
    in.mu.Unlock()
    in.log.Info("failure healed", "id", id, "type", f.Type, "group", f.Group)
    return nil
}

func (in *Injector) healAll(ctx context.Context) error {
    for _, f := range in.List() {
        if err := in.Heal(ctx, f.ID); err != nil {
            return err
        }
    }
    return nil
}

func (in *Injector) heal(ctx context.Context, f *Failure) error {
    switch f.Type {
    case TypeCrash:
        if err := in.opts.Driver.Start(ctx, f.Targets[0]); err != nil {
            return fmt.Errorf("heal %s: %w", f.ID, err)
        }
        return nil
    case TypePartition:
        in.undo(ctx, f)
        return nil
    case TypeLatency:
        // nothing was enforced, so there is nothing to reverse
        return nil
    default:
        return fmt.Errorf("heal %s: unknown type %q", f.ID, f.Type)
    }
}

// undo reverses a partition's action log. Failures while reversing are
// logged rather than returned; healing must get as far as it can.
func (in *Injector) undo(ctx context.Context, f *Failure) {
    for i := len(f.actions) - 1; i >= 0; i-- {
        a := f.actions[i]
        var err error
        switch a.kind {
        case "isolate":
            err = in.opts.Driver.Rejoin(ctx, a.nodeID, a.network)
        case "attach":
            err = in.opts.Driver.DetachNetwork(ctx, a.nodeID, a.network)
        }
        if err != nil {
            in.log.Warn("heal step failed", "id", f.ID, "node", a.nodeID, "network", a.network, "error", err)
        }
    }
    f.actions = nil
}

// List returns the active failures ordered by injection time.
func (in *Injector) List() []Failure {
    in.mu.Lock()
    out := make([]Failure, 0, len(in.active))
    for _, f := range in.active {
        out = append(out, *f)
    }
    in.mu.Unlock()
    sort.Slice(out, func(i, j int) bool {
        if out[i].InjectedAt.Equal(out[j].InjectedAt) {
            return out[i].ID < out[j].ID
        }
        return out[i].InjectedAt.Before(out[j].InjectedAt)
    })
    return out
}

func (in *Injector) memberOf(group, nodeID string) error {
    members, err := in.opts.Groups.MemberIDs(group)
    if err != nil {
        return err
    }
    for _, id := range members {
        if id == nodeID {
            return nil
        }
    }
    return fmt.Errorf("failure: %s/%s: %w", group, nodeID, cluster.ErrUnknownMember)
}

func validateSplit(group string, members, setA, setB []string) error {
    if len(setA) == 0 || len(setB) == 0 {
        return &InvalidPartitionSpecError{Group: group, Reason: "both sets must be non-empty"}
    }
    known := toSet(members)
    seen := make(map[string]bool)
    for _, id := range append(append([]string{}, setA...), setB...) {
        if !known[id] {
            return &InvalidPartitionSpecError{Group: group, Reason: fmt.Sprintf("%s is not a member", id)}
        }
        if seen[id] {
            return &InvalidPartitionSpecError{Group: group, Reason: fmt.Sprintf("%s appears in both sets", id)}
        }
        seen[id] = true
    }
    return nil
}

func toSet(ids []string) map[string]bool {
    s := make(map[string]bool, len(ids))
    for _, id := range ids {
        s[id] = true
    }
    return s
}

func shortID() string {
    return uuid.New().String()[:8]
}
