package local

import (
    "bytes"
    "strings"
    "sync"
)

// logRing is a bounded in-memory ring of log lines. It doubles as the
// io.Writer sink for a unit's engine logger, so fetch-logs works the same for
// running and crashed units without touching the filesystem.
type logRing struct {
    mu      sync.Mutex
    lines   []string
    max     int
    partial []byte
}

func newLogRing(maxLines int) *logRing {
    if maxLines <= 0 { maxLines = 512 }
    return &logRing{max: maxLines}
}

func (r *logRing) Write(p []byte) (int, error) {
    r.mu.Lock()
    defer r.mu.Unlock()
    r.partial = append(r.partial, p...)
    for {
        i := bytes.IndexByte(r.partial, '\n')
        if i < 0 { break }
        r.appendLine(string(r.partial[:i]))
        r.partial = r.partial[i+1:]
    }
    return len(p), nil
}

func (r *logRing) appendLine(line string) {
    r.lines = append(r.lines, line)
    if len(r.lines) > r.max {
        // drop oldest; reslice via copy so the backing array can be released
        r.lines = append([]string(nil), r.lines[len(r.lines)-r.max:]...)
    }
}

// Tail returns the last n lines joined by newlines. n <= 0 returns everything
// retained.
func (r *logRing) Tail(n int) string {
    r.mu.Lock()
    defer r.mu.Unlock()
    ls := r.lines
    if n > 0 && len(ls) > n {
        ls = ls[len(ls)-n:]
    }
    return strings.Join(ls, "\n")
}
