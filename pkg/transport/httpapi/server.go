package httpapi

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "net"
    "net/http"
    "strconv"
    "time"

    "github.com/go-playground/validator/v10"
    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/replicalab/replicasim/pkg/cluster"
    "github.com/replicalab/replicasim/pkg/failure"
    "github.com/replicalab/replicasim/pkg/internal/logutil"
    "github.com/replicalab/replicasim/pkg/observability/metrics"
    "github.com/replicalab/replicasim/pkg/observability/tracing"
    "github.com/replicalab/replicasim/pkg/transport"
)

var validate = validator.New()

// Server exposes the orchestration API over HTTP/JSON: group lifecycle under
// /cluster, failure injection under /failures, plus status, healthz and
// Prometheus metrics. It is intended for operator tooling and dashboards.
type Server struct {
    bind   string
    addr   string
    srv    *http.Server
    logger *log.Logger
    tlsCfg *tls.Config
}

// NewServer binds to the given TCP address (e.g., ":8080").
func NewServer(bind string, logger *log.Logger) *Server {
    if logger == nil { logger = log.Default() }
    return &Server{bind: bind, logger: logger}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Start launches the server with the given handlers. The server shuts down
// when ctx is canceled.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    s.srv = &http.Server{Addr: s.bind, Handler: newMux(h)}

    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    s.addr = ln.Addr().String()
    if s.tlsCfg != nil {
        ln = tls.NewListener(ln, s.tlsCfg)
    }

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
            logutil.Errorf(s.logger, "httpapi: server error: %v", err)
        }
    }()
    return nil
}

func newMux(h transport.Handlers) *http.ServeMux {
    mux := http.NewServeMux()

    mux.HandleFunc("/cluster/init", post(func(w http.ResponseWriter, r *http.Request) {
        ctx, end := tracing.StartSpan(r.Context(), "http.cluster.init")
        defer end()
        if h.InitGroup == nil { notImplemented(w); return }
        var req transport.InitGroupRequest
        if !decode(w, r, &req) { return }
        st, err := h.InitGroup(ctx, req)
        respond(w, "init", st, err)
    }))
    mux.HandleFunc("/cluster/add-member", post(func(w http.ResponseWriter, r *http.Request) {
        ctx, end := tracing.StartSpan(r.Context(), "http.cluster.add_member")
        defer end()
        if h.AddMember == nil { notImplemented(w); return }
        var req transport.AddMemberRequest
        if !decode(w, r, &req) { return }
        st, err := h.AddMember(ctx, req)
        respond(w, "add_member", st, err)
    }))
    mux.HandleFunc("/cluster/remove-member", post(func(w http.ResponseWriter, r *http.Request) {
        ctx, end := tracing.StartSpan(r.Context(), "http.cluster.remove_member")
        defer end()
        if h.RemoveMember == nil { notImplemented(w); return }
        var req transport.RemoveMemberRequest
        if !decode(w, r, &req) { return }
        err := h.RemoveMember(ctx, req)
        respond(w, "remove_member", map[string]bool{"removed": err == nil}, err)
    }))
    mux.HandleFunc("/cluster/stepdown", post(func(w http.ResponseWriter, r *http.Request) {
        ctx, end := tracing.StartSpan(r.Context(), "http.cluster.stepdown")
        defer end()
        if h.Stepdown == nil { notImplemented(w); return }
        var req transport.StepdownRequest
        if !decode(w, r, &req) { return }
        resp, err := h.Stepdown(ctx, req)
        respond(w, "stepdown", resp, err)
    }))
    mux.HandleFunc("/cluster/endpoint", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if h.Endpoint == nil { notImplemented(w); return }
        group := r.URL.Query().Get("group")
        pref := r.URL.Query().Get("preference")
        ep, err := h.Endpoint(r.Context(), group, pref)
        respond(w, "endpoint", transport.EndpointResponse{Group: group, Endpoint: ep}, err)
    })

    mux.HandleFunc("/failures/crash", post(func(w http.ResponseWriter, r *http.Request) {
        ctx, end := tracing.StartSpan(r.Context(), "http.failures.crash")
        defer end()
        if h.Crash == nil { notImplemented(w); return }
        var req transport.CrashRequest
        if !decode(w, r, &req) { return }
        f, err := h.Crash(ctx, req)
        respond(w, "crash", f, err)
    }))
    mux.HandleFunc("/failures/restore", post(func(w http.ResponseWriter, r *http.Request) {
        ctx, end := tracing.StartSpan(r.Context(), "http.failures.restore")
        defer end()
        if h.Restore == nil { notImplemented(w); return }
        var req transport.RestoreRequest
        if !decode(w, r, &req) { return }
        resp, err := h.Restore(ctx, req)
        respond(w, "restore", resp, err)
    }))
    mux.HandleFunc("/failures/partition", post(func(w http.ResponseWriter, r *http.Request) {
        ctx, end := tracing.StartSpan(r.Context(), "http.failures.partition")
        defer end()
        if h.Partition == nil { notImplemented(w); return }
        var req transport.PartitionRequest
        if !decode(w, r, &req) { return }
        f, err := h.Partition(ctx, req)
        respond(w, "partition", f, err)
    }))
    mux.HandleFunc("/failures/latency", post(func(w http.ResponseWriter, r *http.Request) {
        ctx, end := tracing.StartSpan(r.Context(), "http.failures.latency")
        defer end()
        if h.Latency == nil { notImplemented(w); return }
        var req transport.LatencyRequest
        if !decode(w, r, &req) { return }
        f, err := h.Latency(ctx, req)
        respond(w, "latency", f, err)
    }))
    mux.HandleFunc("/failures/heal", post(func(w http.ResponseWriter, r *http.Request) {
        ctx, end := tracing.StartSpan(r.Context(), "http.failures.heal")
        defer end()
        var req transport.HealRequest
        if !decode(w, r, &req) { return }
        if h.Heal == nil { notImplemented(w); return }
        err := h.Heal(ctx, req)
        respond(w, "heal", map[string]bool{"healed": err == nil}, err)
    }))
    mux.HandleFunc("/failures", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if h.Failures == nil { notImplemented(w); return }
        list := h.Failures(r.Context())
        if list == nil { list = []failure.Failure{} }
        respond(w, "failures", list, nil)
    })

    mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        ctx, end := tracing.StartSpan(r.Context(), "http.status")
        defer end()
        if group := r.URL.Query().Get("group"); group != "" {
            if h.GroupStatus == nil { notImplemented(w); return }
            st, err := h.GroupStatus(ctx, group)
            respond(w, "status", st, err)
            return
        }
        if h.State == nil { notImplemented(w); return }
        respond(w, "status", h.State(ctx), nil)
    })
    mux.HandleFunc("/logs", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if h.Logs == nil { notImplemented(w); return }
        nodeID := r.URL.Query().Get("node")
        tail := 50
        if v := r.URL.Query().Get("tail"); v != "" {
            n, err := strconv.Atoi(v)
            if err != nil || n < 0 {
                writeErr(w, http.StatusBadRequest, fmt.Errorf("bad tail %q", v))
                return
            }
            tail = n
        }
        lines, err := h.Logs(r.Context(), nodeID, tail)
        respond(w, "logs", transport.LogsResponse{NodeID: nodeID, Lines: lines}, err)
    })
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    // Prometheus metrics
    mux.Handle("/metrics", promhttp.Handler())

    return mux
}

// Addr returns the actual listen address once started, the configured bind
// address otherwise.
func (s *Server) Addr() string {
    if s.addr != "" { return s.addr }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    if s.srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    err := s.srv.Shutdown(c)
    s.srv = nil
    return err
}

func post(fn http.HandlerFunc) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost {
            http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
            return
        }
        fn(w, r)
    }
}

var errNotImplemented = errors.New("httpapi: not implemented")

func decode(w http.ResponseWriter, r *http.Request, req any) bool {
    if err := json.NewDecoder(r.Body).Decode(req); err != nil {
        writeErr(w, http.StatusBadRequest, fmt.Errorf("bad request: %w", err))
        return false
    }
    if err := validate.Struct(req); err != nil {
        writeErr(w, http.StatusBadRequest, err)
        return false
    }
    return true
}

func respond(w http.ResponseWriter, op string, body any, err error) {
    if err != nil {
        metrics.Commands.WithLabelValues(op, "error").Inc()
        writeErr(w, statusFor(err), err)
        return
    }
    metrics.Commands.WithLabelValues(op, "ok").Inc()
    w.Header().Set("Content-Type", "application/json")
    _ = json.NewEncoder(w).Encode(body)
}

func writeErr(w http.ResponseWriter, code int, err error) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(code)
    _ = json.NewEncoder(w).Encode(transport.ErrorResponse{Error: err.Error()})
}

func notImplemented(w http.ResponseWriter) {
    writeErr(w, http.StatusNotImplemented, errNotImplemented)
}

// statusFor maps the orchestration error taxonomy onto HTTP codes.
func statusFor(err error) int {
    var im *cluster.InvalidMutationError
    var ips *failure.InvalidPartitionSpecError
    var it *cluster.InitializationTimeoutError
    switch {
    case errors.Is(err, errNotImplemented):
        return http.StatusNotImplemented
    case errors.Is(err, cluster.ErrGroupBusy):
        return http.StatusConflict
    case errors.Is(err, cluster.ErrUnknownGroup),
        errors.Is(err, cluster.ErrUnknownMember),
        errors.Is(err, failure.ErrUnknownFailure):
        return http.StatusNotFound
    case errors.As(err, &im), errors.As(err, &ips):
        return http.StatusBadRequest
    case errors.As(err, &it):
        return http.StatusGatewayTimeout
    case errors.Is(err, cluster.ErrNoEligibleSuccessor):
        return http.StatusConflict
    case errors.Is(err, cluster.ErrEngineUnavailable),
        errors.Is(err, cluster.ErrStaleConnection):
        return http.StatusBadGateway
    default:
        return http.StatusInternalServerError
    }
}
