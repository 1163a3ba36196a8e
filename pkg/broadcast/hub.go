package broadcast

import (
    "context"
    "sync"
    "time"

    "github.com/hashicorp/go-hclog"

    "github.com/replicalab/replicasim/pkg/cluster"
    "github.com/replicalab/replicasim/pkg/failure"
    "github.com/replicalab/replicasim/pkg/observability/metrics"
)

// StatusSource yields the current deployment snapshot.
type StatusSource interface {
    State(ctx context.Context) cluster.ClusterState
}

// FailureSource yields the active injected failures.
type FailureSource interface {
    List() []failure.Failure
}

// Snapshot is one broadcast frame: the deployment plus whatever failures are
// active at the moment it was taken.
type Snapshot struct {
    Cluster  cluster.ClusterState `json:"cluster"`
    Failures []failure.Failure    `json:"failures"`
    At       time.Time            `json:"at"`
}

// Options wires a Hub.
type Options struct {
    Status   StatusSource
    Failures FailureSource
    Logs     LogSource
    // Interval is the poll period. Defaults to 2s, the cadence live
    // dashboards expect.
    Interval time.Duration
    Logger   hclog.Logger
}

// Hub polls the coordinator on a fixed interval and fans each snapshot out to
// subscribers. Delivery is best-effort: a subscriber that cannot keep up
// misses frames instead of stalling the poll loop, and the next frame it does
// receive is always current.
type Hub struct {
    opts Options
    log  hclog.Logger

    mu     sync.Mutex
    subs   map[chan Snapshot]struct{}
    latest *Snapshot

    streams map[string]*logStream
}

// NewHub builds a Hub; Run must be called to start polling.
func NewHub(opts Options) *Hub {
    if opts.Interval <= 0 {
        opts.Interval = 2 * time.Second
    }
    if opts.Logger == nil {
        opts.Logger = hclog.Default()
    }
    return &Hub{
        opts:    opts,
        log:     opts.Logger.Named("broadcast"),
        subs:    make(map[chan Snapshot]struct{}),
        streams: make(map[string]*logStream),
    }
}

// Run polls until ctx is done. It is the only goroutine that writes the
// latest snapshot.
func (h *Hub) Run(ctx context.Context) {
    ticker := time.NewTicker(h.opts.Interval)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            h.poll(ctx)
        }
    }
}

func (h *Hub) poll(ctx context.Context) {
    metrics.PollCycles.Inc()
    snap := Snapshot{
        Cluster: h.opts.Status.State(ctx),
        At:      time.Now(),
    }
    if h.opts.Failures != nil {
        snap.Failures = h.opts.Failures.List()
    }
    h.publish(snap)
    h.updateGauges(snap)
}

func (h *Hub) publish(snap Snapshot) {
    h.mu.Lock()
    h.latest = &snap
    for ch := range h.subs {
        select {
        case ch <- snap:
            metrics.Broadcasts.Inc()
        default:
            metrics.BroadcastDrops.Inc()
        }
    }
    h.mu.Unlock()
}

func (h *Hub) updateGauges(snap Snapshot) {
    metrics.ReplicaGroups.Set(float64(len(snap.Cluster.Groups)))
    for _, g := range snap.Cluster.Groups {
        metrics.GroupMembers.WithLabelValues(g.Name).Set(float64(len(g.Members)))
    }
    byType := map[failure.Type]int{failure.TypeCrash: 0, failure.TypePartition: 0}
    for _, f := range snap.Failures {
        byType[f.Type]++
    }
    for t, n := range byType {
        metrics.ActiveFailures.WithLabelValues(string(t)).Set(float64(n))
    }
}

// Subscribe registers a subscriber. The channel immediately carries the most
// recent snapshot when one exists, is buffered, and is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context) <-chan Snapshot {
    ch := make(chan Snapshot, 16)
    h.mu.Lock()
    h.subs[ch] = struct{}{}
    if h.latest != nil {
        ch <- *h.latest
    }
    h.mu.Unlock()
    metrics.Subscribers.Inc()

    go func() {
        <-ctx.Done()
        h.mu.Lock()
        delete(h.subs, ch)
        h.mu.Unlock()
        metrics.Subscribers.Dec()
        close(ch)
    }()
    return ch
}
