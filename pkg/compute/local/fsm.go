package local

import (
    "encoding/json"
    "io"
    "sync"

    "github.com/hashicorp/raft"
)

// kvFSM is the minimal replicated state machine each hosted engine applies.
// The orchestration core never reads it; it exists so the engines replicate
// something real and demonstration writes have somewhere to land.
type kvFSM struct {
    mu   sync.RWMutex
    data map[string]string
}

type kvCommand struct {
    Op    string `json:"op"` // "set" | "delete"
    Key   string `json:"key"`
    Value string `json:"value,omitempty"`
}

func newKVFSM() *kvFSM { return &kvFSM{data: make(map[string]string)} }

func (f *kvFSM) Apply(l *raft.Log) interface{} {
    var cmd kvCommand
    if err := json.Unmarshal(l.Data, &cmd); err != nil {
        return err
    }
    f.mu.Lock()
    defer f.mu.Unlock()
    switch cmd.Op {
    case "set":
        f.data[cmd.Key] = cmd.Value
    case "delete":
        delete(f.data, cmd.Key)
    }
    return nil
}

func (f *kvFSM) Snapshot() (raft.FSMSnapshot, error) {
    f.mu.RLock()
    cp := make(map[string]string, len(f.data))
    for k, v := range f.data { cp[k] = v }
    f.mu.RUnlock()
    blob, err := json.Marshal(cp)
    if err != nil { return nil, err }
    return &kvSnapshot{blob: blob}, nil
}

func (f *kvFSM) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    data, err := io.ReadAll(rc)
    if err != nil { return err }
    m := make(map[string]string)
    if err := json.Unmarshal(data, &m); err != nil { return err }
    f.mu.Lock()
    f.data = m
    f.mu.Unlock()
    return nil
}

// Get returns the value for key, for demonstration reads in tests and the demo
// binary.
func (f *kvFSM) Get(key string) (string, bool) {
    f.mu.RLock()
    defer f.mu.RUnlock()
    v, ok := f.data[key]
    return v, ok
}

type kvSnapshot struct{ blob []byte }

func (s *kvSnapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil { _ = sink.Cancel(); return err }
    return sink.Close()
}

func (s *kvSnapshot) Release() {}

var _ raft.FSM = (*kvFSM)(nil)
