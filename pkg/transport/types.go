package transport

import (
    "context"

    "github.com/replicalab/replicasim/pkg/cluster"
    "github.com/replicalab/replicasim/pkg/compute"
    "github.com/replicalab/replicasim/pkg/failure"
)

// MemberSeedRequest is the wire form of one requested member. Priority and
// Votes are pointers so an omitted field gets its default (1) while an
// explicit zero survives.
type MemberSeedRequest struct {
    NodeID   string `json:"node_id,omitempty"`
    Role     string `json:"role,omitempty" validate:"omitempty,oneof=data-bearing vote-only"`
    Priority *int   `json:"priority,omitempty" validate:"omitempty,gte=0"`
    Votes    *int   `json:"votes,omitempty" validate:"omitempty,oneof=0 1"`
}

// Seed applies wire defaults and converts to the coordinator's seed type.
func (r MemberSeedRequest) Seed() cluster.MemberSeed {
    seed := cluster.MemberSeed{NodeID: r.NodeID, Role: compute.Role(r.Role), Priority: 1, Votes: 1}
    if r.Role == string(compute.RoleVoteOnly) {
        seed.Priority = 0
    }
    if r.Priority != nil {
        seed.Priority = *r.Priority
    }
    if r.Votes != nil {
        seed.Votes = *r.Votes
    }
    return seed
}

type InitGroupRequest struct {
    Group   string              `json:"group" validate:"required"`
    Members []MemberSeedRequest `json:"members" validate:"required,min=1,dive"`
}

type AddMemberRequest struct {
    Group  string            `json:"group" validate:"required"`
    Member MemberSeedRequest `json:"member" validate:"required"`
}

type RemoveMemberRequest struct {
    Group  string `json:"group" validate:"required"`
    NodeID string `json:"node_id" validate:"required"`
}

type StepdownRequest struct {
    Group string `json:"group" validate:"required"`
    // GracePeriodSec bounds how long the coordinator waits for a successor
    // to be confirmed; 0 uses the configured default.
    GracePeriodSec int `json:"grace_period_sec,omitempty" validate:"omitempty,gte=0"`
}

type StepdownResponse struct {
    NewLeader string `json:"new_leader"`
}

type CrashRequest struct {
    Group  string `json:"group" validate:"required"`
    NodeID string `json:"node_id" validate:"required"`
}

type RestoreRequest struct {
    Group  string `json:"group" validate:"required"`
    NodeID string `json:"node_id" validate:"required"`
}

type RestoreResponse struct {
    Restored bool `json:"restored"`
}

type PartitionRequest struct {
    Group string   `json:"group" validate:"required"`
    SideA []string `json:"side_a" validate:"required,min=1"`
    SideB []string `json:"side_b" validate:"required,min=1"`
}

type LatencyRequest struct {
    Group     string   `json:"group" validate:"required"`
    Nodes     []string `json:"nodes" validate:"required,min=1"`
    LatencyMs int      `json:"latency_ms" validate:"required,gt=0"`
    JitterMs  int      `json:"jitter_ms" validate:"gte=0"`
}

type HealRequest struct {
    // ID is a failure id or "all".
    ID string `json:"id" validate:"required"`
}

type EndpointResponse struct {
    Group    string `json:"group"`
    Endpoint string `json:"endpoint"`
}

type LogsResponse struct {
    NodeID string `json:"node_id"`
    Lines  string `json:"lines"`
}

// ErrorResponse is the uniform error body of every endpoint.
type ErrorResponse struct {
    Error string `json:"error"`
}

// Handlers bundles the orchestration callbacks a server exposes. Nil entries
// answer with not-implemented.
type Handlers struct {
    InitGroup    func(ctx context.Context, req InitGroupRequest) (cluster.GroupStatus, error)
    AddMember    func(ctx context.Context, req AddMemberRequest) (cluster.MemberStatus, error)
    RemoveMember func(ctx context.Context, req RemoveMemberRequest) error
    Stepdown     func(ctx context.Context, req StepdownRequest) (StepdownResponse, error)

    Crash     func(ctx context.Context, req CrashRequest) (failure.Failure, error)
    Restore   func(ctx context.Context, req RestoreRequest) (RestoreResponse, error)
    Partition func(ctx context.Context, req PartitionRequest) (failure.Failure, error)
    Latency   func(ctx context.Context, req LatencyRequest) (failure.Failure, error)
    Heal      func(ctx context.Context, req HealRequest) error
    Failures  func(ctx context.Context) []failure.Failure

    GroupStatus func(ctx context.Context, group string) (cluster.GroupStatus, error)
    State       func(ctx context.Context) cluster.ClusterState
    Endpoint    func(ctx context.Context, group, preference string) (string, error)
    Logs        func(ctx context.Context, nodeID string, tail int) (string, error)
}
