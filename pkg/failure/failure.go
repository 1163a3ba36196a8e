package failure

import (
    "errors"
    "fmt"
    "time"
)

// Type distinguishes the supported failure classes.
type Type string

const (
    TypeCrash     Type = "crash"
    TypePartition Type = "partition"
    TypeLatency   Type = "latency"
)

// Failure is one injected failure, active until healed. The action log it
// carries is everything needed to reverse it exactly.
type Failure struct {
    ID         string    `json:"id"`
    Type       Type      `json:"type"`
    Group      string    `json:"group"`
    Targets    []string  `json:"targets"`
    InjectedAt time.Time `json:"injected_at"`

    // Config carries kind-specific parameters, such as latency settings.
    Config map[string]int `json:"config,omitempty"`

    actions []action
}

// action records one reversible step taken while injecting.
type action struct {
    kind    string // "isolate" | "attach"
    nodeID  string
    network string
}

var (
    // ErrUnknownFailure means the failure id is not active; it was never
    // injected or has already been healed.
    ErrUnknownFailure = errors.New("failure: unknown failure")
)

// InvalidPartitionSpecError rejects a partition request before anything is
// touched.
type InvalidPartitionSpecError struct {
    Group  string
    Reason string
}

func (e *InvalidPartitionSpecError) Error() string {
    return fmt.Sprintf("failure: invalid partition of %s: %s", e.Group, e.Reason)
}
