package cluster

import (
    "errors"
    "fmt"
)

var (
    // ErrGroupBusy means another mutating operation holds the group. Callers
    // fail fast instead of queueing; retry is the caller's decision.
    ErrGroupBusy = errors.New("cluster: group busy")
    // ErrUnknownGroup means the named replica group was never initiated or
    // has been torn down.
    ErrUnknownGroup = errors.New("cluster: unknown group")
    // ErrUnknownMember means the node id is not part of the group.
    ErrUnknownMember = errors.New("cluster: unknown member")
    // ErrNoEligibleSuccessor means a stepdown found no healthy voting member
    // to hand leadership to.
    ErrNoEligibleSuccessor = errors.New("cluster: no eligible successor")
    // ErrStaleConnection means the cached leader handle went stale and the
    // one retry the coordinator allows itself also failed.
    ErrStaleConnection = errors.New("cluster: stale connection")
    // ErrEngineUnavailable means the consensus engine of a member could not
    // be reached at all.
    ErrEngineUnavailable = errors.New("cluster: engine unavailable")
)

// InvalidMutationError rejects a membership change that would leave the group
// in a state it cannot operate from.
type InvalidMutationError struct {
    Group  string
    Reason string
}

func (e *InvalidMutationError) Error() string {
    return fmt.Sprintf("cluster: invalid mutation on %s: %s", e.Group, e.Reason)
}

// InitializationTimeoutError reports that a group did not reach a usable
// state within the configured window. Units already created are left in
// place for inspection.
type InitializationTimeoutError struct {
    Group   string
    Waiting string
}

func (e *InitializationTimeoutError) Error() string {
    return fmt.Sprintf("cluster: initiating %s timed out waiting for %s", e.Group, e.Waiting)
}
