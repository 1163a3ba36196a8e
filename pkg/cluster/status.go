package cluster

import (
    "time"

    "github.com/replicalab/replicasim/pkg/compute"
)

// Health grades a group or the whole deployment.
type Health string

const (
    // HealthOK means a single leader is known and a majority of voting
    // members are healthy.
    HealthOK Health = "ok"
    // HealthDegraded means the group still operates but something is off:
    // unreachable members, a stale leader observation, no current leader.
    HealthDegraded Health = "degraded"
    // HealthDown means the group cannot make progress.
    HealthDown Health = "down"
)

// MemberStatus is one member's most recent observed state. It is a
// JSON-serializable snapshot suitable for status endpoints and feeds.
type MemberStatus struct {
    NodeID      string       `json:"node_id"`
    Role        string       `json:"role"`
    Healthy     bool         `json:"healthy"`
    Reachable   bool         `json:"reachable"`
    Priority    int          `json:"priority"`
    Votes       int          `json:"votes"`
    DataBearing bool         `json:"data_bearing"`
    Term        uint64       `json:"term"`
    LastIndex   uint64       `json:"last_index"`
    UptimeSec   int64        `json:"uptime_sec"`
    LatencyMs   int64        `json:"latency_ms"`
    HeartbeatAt time.Time    `json:"heartbeat_at"`
    Endpoint    compute.Endpoint `json:"endpoint"`
}

// GroupStatus is a point-in-time snapshot of one replica group.
type GroupStatus struct {
    Name       string         `json:"name"`
    Version    int            `json:"version"`
    Term       uint64         `json:"term"`
    LeaderID   string         `json:"leader_id,omitempty"`
    Health     Health         `json:"health"`
    Members    []MemberStatus `json:"members"`
    Warnings   []string       `json:"warnings,omitempty"`
    ObservedAt time.Time      `json:"observed_at"`
}

// ClusterState is the whole deployment as one snapshot.
type ClusterState struct {
    Groups     []GroupStatus `json:"groups"`
    ObservedAt time.Time     `json:"observed_at"`
}
