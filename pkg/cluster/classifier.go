package cluster

import (
    "errors"
    "strings"

    "github.com/replicalab/replicasim/pkg/engine"
)

// stepdownSucceeded decides whether a stepdown error actually signals
// success. A leader that relinquishes leadership mid-call drops the
// connection or answers not-leader; both mean the handover it was asked for
// is underway. Anything else is a real failure.
func stepdownSucceeded(err error) bool {
    if err == nil {
        return true
    }
    if errors.Is(err, engine.ErrNotLeader) || errors.Is(err, engine.ErrStaleHandle) {
        return true
    }
    msg := err.Error()
    for _, sym := range []string{
        "connection closed",
        "connection reset",
        "not the leader",
        "leadership lost",
        "leadership transfer in progress",
    } {
        if strings.Contains(msg, sym) {
            return true
        }
    }
    return false
}
