package local

import (
    "errors"
    "time"

    "github.com/hashicorp/go-hclog"
)

// Options tunes the in-process compute backend and the consensus engines it
// hosts.
type Options struct {
    // Logger receives the backend's own logs. Defaults to hclog.Default().
    Logger hclog.Logger

    // DataDir is where durable units keep their log stores and snapshots.
    // Required unless InMemory is set.
    DataDir string

    // InMemory keeps engine state in memory instead of on disk. Crashed units
    // then restart with an empty log, which is usually what a simulation
    // wants anyway.
    InMemory bool

    // MaxLogLines bounds each unit's retained log tail.
    MaxLogLines int

    // SnapshotRetain is how many snapshots durable units keep.
    SnapshotRetain int

    // Engine election tuning. Short timeouts keep failover visible within a
    // poll cycle or two.
    HeartbeatTimeout time.Duration
    ElectionTimeout  time.Duration
    CommitTimeout    time.Duration
}

// Validate normalizes the options in place and reports unusable combinations.
func (o *Options) Validate() error {
    if o.Logger == nil {
        o.Logger = hclog.Default()
    }
    if !o.InMemory && o.DataDir == "" {
        return errors.New("local: DataDir is required for durable units")
    }
    if o.MaxLogLines <= 0 {
        o.MaxLogLines = 512
    }
    if o.SnapshotRetain <= 0 {
        o.SnapshotRetain = 2
    }
    if o.HeartbeatTimeout <= 0 {
        o.HeartbeatTimeout = 250 * time.Millisecond
    }
    if o.ElectionTimeout <= 0 {
        o.ElectionTimeout = 250 * time.Millisecond
    }
    if o.CommitTimeout <= 0 {
        o.CommitTimeout = 50 * time.Millisecond
    }
    return nil
}
