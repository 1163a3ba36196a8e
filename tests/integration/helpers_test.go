//go:build integration

package integration

import (
    "context"
    "testing"
    "time"

    "github.com/replicalab/replicasim/pkg/bootstrap"
    "github.com/replicalab/replicasim/pkg/cluster"
)

func startApp(t *testing.T) *bootstrap.App {
    t.Helper()
    app, err := bootstrap.Build(bootstrap.Config{
        HTTPAddr:         "127.0.0.1:0",
        InMemory:         true,
        PollInterval:     100 * time.Millisecond,
        HeartbeatTimeout: 50 * time.Millisecond,
        ElectionTimeout:  50 * time.Millisecond,
    })
    if err != nil { t.Fatalf("build app: %v", err) }
    t.Cleanup(func() { _ = app.Close(context.Background()) })
    return app
}

func initGroup(t *testing.T, app *bootstrap.App, name string, members int) cluster.GroupStatus {
    t.Helper()
    ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
    defer cancel()
    seeds := make([]cluster.MemberSeed, members)
    for i := range seeds {
        seeds[i] = cluster.MemberSeed{Priority: 1, Votes: 1}
    }
    st, err := app.Coordinator.InitiateGroup(ctx, name, seeds)
    if err != nil { t.Fatalf("initiate %s: %v", name, err) }
    if st.LeaderID == "" { t.Fatalf("initiate %s: no leader", name) }
    return st
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    for time.Now().Before(deadline) {
        if cond() { return }
        time.Sleep(100 * time.Millisecond)
    }
    t.Fatalf("timed out waiting for %s", what)
}
