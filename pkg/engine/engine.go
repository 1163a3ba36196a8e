package engine

import (
    "context"
    "errors"
    "time"
)

// MemberSpec describes one member of a replica group's desired configuration.
type MemberSpec struct {
    NodeID      string `json:"node_id"`
    Addr        string `json:"addr"`
    Priority    int    `json:"priority"`
    Votes       int    `json:"votes"`
    DataBearing bool   `json:"data_bearing"`
}

// GroupConfig is the desired membership of a replica group. Version increases
// monotonically with every accepted reconfiguration.
type GroupConfig struct {
    Version int          `json:"version"`
    Members []MemberSpec `json:"members"`
}

// MemberProbe is one member's health as seen by a direct probe.
type MemberProbe struct {
    NodeID      string        `json:"node_id"`
    Role        ProbeRole     `json:"role"`
    Healthy     bool          `json:"healthy"`
    Term        uint64        `json:"term"`
    LastIndex   uint64        `json:"last_index"`
    Uptime      time.Duration `json:"uptime"`
    LatencyMs   int64         `json:"latency_ms"`
    HeartbeatAt time.Time     `json:"heartbeat_at"`
}

// ProbeRole is the consensus role a probe observed.
type ProbeRole string

const (
    RolePrimary   ProbeRole = "primary"
    RoleSecondary ProbeRole = "secondary"
    RoleCandidate ProbeRole = "candidate"
    RoleDown      ProbeRole = "down"
)

var (
    // ErrStaleHandle means a cached connection to a member pointed at an
    // engine that has since lost leadership or restarted. Callers invalidate
    // and retry once.
    ErrStaleHandle = errors.New("engine: stale handle")
    // ErrUnavailable means the member could not be reached at all.
    ErrUnavailable = errors.New("engine: member unavailable")
    // ErrNotLeader means the contacted member is not the group leader and
    // cannot serve a configuration change.
    ErrNotLeader = errors.New("engine: not leader")
)

// ControlSurface is the administrative API a coordinator uses to drive the
// consensus engines of one replica group. Implementations hold whatever
// connection caching they need; Invalidate discards it for a group.
type ControlSurface interface {
    // Initiate bootstraps the group on every listed member with an identical
    // initial configuration.
    Initiate(ctx context.Context, group string, cfg GroupConfig) error
    // Config reads the group's current configuration from its leader.
    Config(ctx context.Context, group string) (GroupConfig, error)
    // Reconfigure drives the group from its current configuration to cfg.
    Reconfigure(ctx context.Context, group string, cfg GroupConfig) error
    // Stepdown asks the current leader to hand leadership to the named
    // successor.
    Stepdown(ctx context.Context, group, leaderID, successorID string) error
    // Probe inspects a single member directly, bypassing the leader.
    Probe(ctx context.Context, group, nodeID string) (MemberProbe, error)
    // Invalidate drops any cached leader handle for the group.
    Invalidate(group string)
}
