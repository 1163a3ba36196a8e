package compute

import (
    "context"
    "time"
)

// NodeConfig carries the identity and placement of one replica group member.
// It is created when a member is added and destroyed when the member is
// removed; only Role and Priority may change afterwards, via an explicit
// group reconfiguration.
type NodeConfig struct {
    // NodeID uniquely identifies the member for its whole lifetime.
    NodeID string `json:"node_id"`
    // Host is the externally visible host of the unit.
    Host string `json:"host"`
    // Port is the externally visible, deterministically allocated port.
    Port int `json:"port"`
    // Role is either RoleData (data-bearing) or RoleVoteOnly.
    Role Role `json:"role"`
    // Priority is the election weight used when choosing a stepdown successor.
    Priority int `json:"priority"`
    // Votes is 0 or 1.
    Votes int `json:"votes"`
    // GroupName names the replica group this unit belongs to.
    GroupName string `json:"group_name"`
}

// Role describes what a member contributes to the group.
type Role string

const (
    RoleData     Role = "data-bearing"
    RoleVoteOnly Role = "vote-only"
)

// Endpoint exposes both addresses of a compute unit: Internal is used for
// configuration calls issued from inside the orchestration network, External
// by clients outside it.
type Endpoint struct {
    Internal string `json:"internal"`
    External string `json:"external"`
}

// StopMode selects between a clean shutdown and a simulated hard crash.
type StopMode string

const (
    // StopGraceful flushes and shuts the unit down cleanly.
    StopGraceful StopMode = "graceful"
    // StopImmediate kills the unit without flushing, indistinguishable from a
    // real crash to anything probing its health.
    StopImmediate StopMode = "immediate"
)

// DefaultNetwork is the shared orchestration network every unit joins on
// creation. Units reach each other iff they share at least one network.
const DefaultNetwork = "simnet-default"

// Driver manages the isolated compute units backing replica group members.
// All operations are idempotent: stopping a stopped unit or isolating an
// already-isolated one succeeds without side effects.
type Driver interface {
    // Create allocates a unit bound to cfg's port and returns its endpoints.
    // Fails with a *ProvisioningError when the port is taken, the node id is
    // in use, or the underlying runtime is unavailable.
    Create(ctx context.Context, cfg NodeConfig) (Endpoint, error)
    // Start boots a previously stopped unit. No-op when already running.
    Start(ctx context.Context, nodeID string) error
    // Stop halts a unit; StopImmediate simulates a hard crash. Observable as
    // health=false on the next status poll either way.
    Stop(ctx context.Context, nodeID string, mode StopMode) error
    // Remove tears the unit down and releases its port.
    Remove(ctx context.Context, nodeID string) error

    // Isolate moves the unit off the default network onto the named one.
    Isolate(ctx context.Context, nodeID, network string) error
    // Rejoin reverses Isolate, reattaching the unit to the default network.
    Rejoin(ctx context.Context, nodeID, network string) error
    // AttachNetwork adds the unit to a network without leaving its others.
    AttachNetwork(ctx context.Context, nodeID, network string) error
    // DetachNetwork removes the unit from a network. Detaching from a network
    // the unit is not on is a no-op.
    DetachNetwork(ctx context.Context, nodeID, network string) error

    // Logs returns the tail of the unit's engine log.
    Logs(ctx context.Context, nodeID string, tailLines int) (string, error)
    // Endpoint reports the unit's addresses.
    Endpoint(nodeID string) (Endpoint, bool)
    // Uptime reports how long the unit has been running since its last start;
    // zero when stopped.
    Uptime(nodeID string) time.Duration
}
