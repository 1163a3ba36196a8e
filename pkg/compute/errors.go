package compute

import (
    "errors"
    "fmt"
)

var (
    // ErrUnknownNode indicates an operation on a node id the driver has never
    // seen (or whose unit was already removed).
    ErrUnknownNode = errors.New("compute: unknown node")
    // ErrUnknownNetwork indicates a detach from a network that does not exist.
    ErrUnknownNetwork = errors.New("compute: unknown network")
)

// ProvisioningError reports that a compute unit could not be created or
// started, with enough context to render an actionable message.
type ProvisioningError struct {
    NodeID string
    Reason string
    Err    error
}

func (e *ProvisioningError) Error() string {
    if e.Err != nil {
        return fmt.Sprintf("compute: provisioning %s: %s: %v", e.NodeID, e.Reason, e.Err)
    }
    return fmt.Sprintf("compute: provisioning %s: %s", e.NodeID, e.Reason)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }
