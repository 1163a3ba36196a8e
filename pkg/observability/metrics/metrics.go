package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    ReplicaGroups = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "replicasim",
        Name:      "groups_total",
        Help:      "Current number of replica groups",
    })

    GroupMembers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: "replicasim",
        Name:      "members_total",
        Help:      "Current number of members per replica group",
    }, []string{"group"})

    LeaderChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "replicasim",
        Name:      "leader_changes_total",
        Help:      "Total number of observed leader changes per group",
    }, []string{"group"})

    Commands = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "replicasim",
        Name:      "commands_total",
        Help:      "Total orchestration commands handled",
    }, []string{"op", "result"})

    ActiveFailures = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: "replicasim",
        Subsystem: "failure",
        Name:      "active",
        Help:      "Currently active injected failures by type",
    }, []string{"type"})

    PollCycles = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "replicasim",
        Subsystem: "broadcast",
        Name:      "poll_cycles_total",
        Help:      "Total status poll cycles run by the broadcaster",
    })
    PollErrors = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "replicasim",
        Subsystem: "broadcast",
        Name:      "poll_errors_total",
        Help:      "Total status poll cycles that failed",
    })
    Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "replicasim",
        Subsystem: "broadcast",
        Name:      "subscribers",
        Help:      "Number of active state feed subscribers",
    })
    Broadcasts = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "replicasim",
        Subsystem: "broadcast",
        Name:      "messages_total",
        Help:      "Total snapshots fanned out to subscribers",
    })
    BroadcastDrops = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "replicasim",
        Subsystem: "broadcast",
        Name:      "drops_total",
        Help:      "Total snapshots dropped on slow subscribers",
    })
    LogStreams = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "replicasim",
        Subsystem: "broadcast",
        Name:      "log_streams",
        Help:      "Number of active per-node log streams",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(ReplicaGroups)
        prometheus.MustRegister(GroupMembers)
        prometheus.MustRegister(LeaderChanges)
        prometheus.MustRegister(Commands)
        prometheus.MustRegister(ActiveFailures)
        prometheus.MustRegister(PollCycles)
        prometheus.MustRegister(PollErrors)
        prometheus.MustRegister(Subscribers)
        prometheus.MustRegister(Broadcasts)
        prometheus.MustRegister(BroadcastDrops)
        prometheus.MustRegister(LogStreams)
    })
}
