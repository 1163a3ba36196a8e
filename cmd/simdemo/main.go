package main

import (
    "context"
    "flag"
    "fmt"
    "log"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/replicalab/replicasim/pkg/bootstrap"
    "github.com/replicalab/replicasim/pkg/cluster"
)

// simdemo runs an in-process three member group, crashes the leader and
// watches the group elect a replacement.
func main() {
    var (
        group   = flag.String("group", "rs0", "replica group name")
        members = flag.Int("members", 3, "member count")
    )
    flag.Parse()

    ctx, cancel := signalContext()
    defer cancel()

    app, err := bootstrap.Build(bootstrap.Config{HTTPAddr: "127.0.0.1:0", InMemory: true})
    if err != nil { log.Fatal(err) }
    defer func() { _ = app.Close(context.Background()) }()

    seeds := make([]cluster.MemberSeed, *members)
    for i := range seeds {
        seeds[i] = cluster.MemberSeed{Priority: 1, Votes: 1}
    }
    st, err := app.Coordinator.InitiateGroup(ctx, *group, seeds)
    if err != nil { log.Fatal(err) }
    fmt.Printf("group %s initiated, leader=%s term=%d\n", st.Name, st.LeaderID, st.Term)

    leader := st.LeaderID
    fmt.Printf("crashing leader %s\n", leader)
    if _, err := app.Injector.Crash(ctx, *group, leader); err != nil { log.Fatal(err) }

    deadline := time.Now().Add(30 * time.Second)
    for time.Now().Before(deadline) {
        time.Sleep(500 * time.Millisecond)
        st, err = app.Coordinator.Status(ctx, *group)
        if err != nil { continue }
        if st.LeaderID != "" && st.LeaderID != leader {
            fmt.Printf("new leader %s elected, term=%d health=%s\n", st.LeaderID, st.Term, st.Health)
            break
        }
    }
    if st.LeaderID == "" || st.LeaderID == leader {
        log.Fatal("no new leader elected within 30s")
    }

    fmt.Printf("restoring %s\n", leader)
    if _, err := app.Injector.Restore(ctx, *group, leader); err != nil { log.Fatal(err) }

    time.Sleep(2 * time.Second)
    st, err = app.Coordinator.Status(ctx, *group)
    if err != nil { log.Fatal(err) }
    for _, m := range st.Members {
        fmt.Printf("member %-8s role=%-10s healthy=%v\n", m.NodeID, m.Role, m.Healthy)
    }
}

func signalContext() (context.Context, context.CancelFunc) {
    ctx, cancel := context.WithCancel(context.Background())
    go func() {
        ch := make(chan os.Signal, 1)
        signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
        <-ch
        cancel()
    }()
    return ctx, cancel
}
