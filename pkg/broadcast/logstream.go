package broadcast

import (
    "context"
    "crypto/sha256"
    "errors"
    "sync"
    "time"

    "github.com/replicalab/replicasim/pkg/observability/metrics"
)

// logTailLines is how much of a node's log each stream frame carries.
const logTailLines = 50

// LogSource yields a member's engine log tail.
type LogSource interface {
    Logs(ctx context.Context, nodeID string, tailLines int) (string, error)
}

// LogChunk is one log stream frame. Lines is the current tail, not a delta;
// a frame is only emitted when the tail changed since the previous one.
type LogChunk struct {
    NodeID string    `json:"node_id"`
    Lines  string    `json:"lines"`
    At     time.Time `json:"at"`
}

type logStream struct {
    cancel context.CancelFunc

    mu      sync.Mutex
    subs    map[chan LogChunk]struct{}
    lastSum [sha256.Size]byte
    any     bool
}

// SubscribeLogs streams the node's log tail. The per-node poll loop starts
// with the first subscriber and stops with the last; the channel closes when
// ctx ends.
func (h *Hub) SubscribeLogs(ctx context.Context, nodeID string) (<-chan LogChunk, error) {
    if h.opts.Logs == nil {
        return nil, errors.New("broadcast: no log source configured")
    }

    ch := make(chan LogChunk, 8)

    h.mu.Lock()
    s, ok := h.streams[nodeID]
    if !ok {
        runCtx, cancel := context.WithCancel(context.Background())
        s = &logStream{cancel: cancel, subs: make(map[chan LogChunk]struct{})}
        h.streams[nodeID] = s
        go h.runLogStream(runCtx, nodeID, s)
        metrics.LogStreams.Inc()
    }
    s.mu.Lock()
    s.subs[ch] = struct{}{}
    s.mu.Unlock()
    h.mu.Unlock()

    go func() {
        <-ctx.Done()
        h.mu.Lock()
        s.mu.Lock()
        delete(s.subs, ch)
        empty := len(s.subs) == 0
        s.mu.Unlock()
        if empty {
            s.cancel()
            delete(h.streams, nodeID)
            metrics.LogStreams.Dec()
        }
        h.mu.Unlock()
        close(ch)
    }()
    return ch, nil
}

func (h *Hub) runLogStream(ctx context.Context, nodeID string, s *logStream) {
    ticker := time.NewTicker(h.opts.Interval)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
        }

        lines, err := h.opts.Logs.Logs(ctx, nodeID, logTailLines)
        if err != nil {
            h.log.Debug("log poll failed", "node", nodeID, "error", err)
            continue
        }
        sum := sha256.Sum256([]byte(lines))
        s.mu.Lock()
        if s.any && sum == s.lastSum {
            s.mu.Unlock()
            continue
        }
        s.lastSum, s.any = sum, true
        chunk := LogChunk{NodeID: nodeID, Lines: lines, At: time.Now()}
        for ch := range s.subs {
            select {
            case ch <- chunk:
            default:
                // slow log consumer misses a frame
            }
        }
        s.mu.Unlock()
    }
}
