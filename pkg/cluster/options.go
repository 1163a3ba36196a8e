package cluster

import (
    "errors"
    "time"

    "github.com/hashicorp/go-hclog"

    "github.com/replicalab/replicasim/pkg/compute"
    "github.com/replicalab/replicasim/pkg/engine"
)

// Options carries the injected collaborators and timing knobs of a
// Coordinator. Instances are typically produced from bootstrap.Config.
type Options struct {
    // Driver manages the compute units behind members.
    Driver compute.Driver
    // Surface is the administrative API of the consensus engines.
    Surface engine.ControlSurface
    // Logger reports operational messages.
    Logger hclog.Logger

    // Host is the externally visible host written into member endpoints.
    Host string
    // PortBase seeds deterministic port allocation; member i of the
    // deployment gets PortBase+i.
    PortBase int

    // InitTimeout bounds how long Initiate waits for the group to elect a
    // leader after bootstrap.
    InitTimeout time.Duration
    // StepdownWait bounds how long Stepdown waits for a new leader to be
    // confirmed after the transfer is issued.
    StepdownWait time.Duration
    // ProbeFailThreshold is how many consecutive probe failures mark a
    // member unreachable rather than merely slow.
    ProbeFailThreshold int
}

// Validate normalizes the options in place and reports unusable combinations.
func (o *Options) Validate() error {
    if o.Driver == nil {
        return errors.New("cluster: nil Driver")
    }
    if o.Surface == nil {
        return errors.New("cluster: nil Surface")
    }
    if o.Logger == nil {
        o.Logger = hclog.Default()
    }
    if o.Host == "" {
        o.Host = "127.0.0.1"
    }
    if o.PortBase <= 0 {
        o.PortBase = 27017
    }
    if o.InitTimeout <= 0 {
        o.InitTimeout = 30 * time.Second
    }
    if o.StepdownWait <= 0 {
        o.StepdownWait = 15 * time.Second
    }
    if o.ProbeFailThreshold <= 0 {
        o.ProbeFailThreshold = 3
    }
    return nil
}
