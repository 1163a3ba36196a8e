package cluster

import (
    "context"
    "sync"
    "time"
)

type EventType string

const (
    EventGroupInitiated EventType = "group_initiated"
    EventMemberAdded    EventType = "member_added"
    EventMemberRemoved  EventType = "member_removed"
    EventLeaderChanged  EventType = "leader_changed"
    EventGroupTornDown  EventType = "group_torn_down"
)

// Event describes a coordinator-observed change. Only the fields relevant to
// an event type are populated.
type Event struct {
    Type    EventType
    At      time.Time
    Group   string
    NodeID  string
    Details map[string]string
}

// Subscribe returns a channel of coordinator events. The channel is buffered
// and closed when ctx is done. Delivery is best-effort; slow consumers miss
// events rather than back-pressuring operations.
func (c *Coordinator) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    c.eb.add(ch)
    go func() {
        <-ctx.Done()
        c.eb.remove(ch)
        close(ch)
    }()
    return ch
}

// internal event bus
type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    if e.subs != nil { delete(e.subs, ch) }
    e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
    e.mu.Lock()
    for ch := range e.subs {
        select {
        case ch <- ev:
        default:
            // drop if receiver is slow
        }
    }
    e.mu.Unlock()
}
