package cluster

import (
    "context"
    "testing"
    "time"
)

func collectEvents(t *testing.T, ch <-chan Event, n int) []Event {
    t.Helper()
    var out []Event
    deadline := time.After(5 * time.Second)
    for len(out) < n {
        select {
        case ev := <-ch:
            out = append(out, ev)
        case <-deadline:
            t.Fatalf("got %d events, want %d", len(out), n)
        }
    }
    return out
}

func TestLifecycleEventsArePublished(t *testing.T) {
    surface := &fakeSurface{}
    c, _ := testCoordinator(t, surface)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    ch := c.Subscribe(ctx)

    if _, err := c.InitiateGroup(ctx, "rs0", threeSeeds()); err != nil {
        t.Fatalf("initiate: %v", err)
    }
    if _, err := c.AddMember(ctx, "rs0", MemberSeed{NodeID: "extra", Priority: 1, Votes: 1}); err != nil {
        t.Fatalf("add member: %v", err)
    }
    if err := c.RemoveMember(ctx, "rs0", "extra"); err != nil {
        t.Fatalf("remove member: %v", err)
    }

    evs := collectEvents(t, ch, 3)
    if evs[0].Type != EventGroupInitiated || evs[0].Group != "rs0" {
        t.Fatalf("first event = %+v", evs[0])
    }
    if evs[1].Type != EventMemberAdded || evs[1].NodeID != "extra" {
        t.Fatalf("second event = %+v", evs[1])
    }
    if evs[2].Type != EventMemberRemoved || evs[2].NodeID != "extra" {
        t.Fatalf("third event = %+v", evs[2])
    }
}

func TestSubscribeChannelClosesOnCancel(t *testing.T) {
    surface := &fakeSurface{}
    c, _ := testCoordinator(t, surface)
    ctx, cancel := context.WithCancel(context.Background())
    ch := c.Subscribe(ctx)
    cancel()

    deadline := time.After(5 * time.Second)
    for {
        select {
        case _, open := <-ch:
            if !open { return }
        case <-deadline:
            t.Fatal("channel not closed after cancel")
        }
    }
}
