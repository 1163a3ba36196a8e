package httpapi

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "strconv"
    "time"

    "github.com/replicalab/replicasim/pkg/cluster"
    "github.com/replicalab/replicasim/pkg/failure"
    "github.com/replicalab/replicasim/pkg/transport"
)

// Client is a thin HTTP client for the orchestration API, used by the CLI and
// by tests. Reads retry with backoff; mutations are sent exactly once so a
// conflict surfaces instead of being papered over.
type Client struct {
    base      string
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
}

// NewClient talks to the server at addr (host:port) with the given timeout.
func NewClient(addr string, timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 5 * time.Second }
    tr := &http.Transport{}
    return &Client{
        base:      addr,
        httpc:     &http.Client{Timeout: timeout, Transport: tr},
        transport: tr,
    }
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

func (c *Client) url(path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, c.base, path)
}

func (c *Client) InitGroup(ctx context.Context, req transport.InitGroupRequest) (cluster.GroupStatus, error) {
    var out cluster.GroupStatus
    err := c.post(ctx, "/cluster/init", req, &out)
    return out, err
}

func (c *Client) AddMember(ctx context.Context, req transport.AddMemberRequest) (cluster.MemberStatus, error) {
    var out cluster.MemberStatus
    err := c.post(ctx, "/cluster/add-member", req, &out)
    return out, err
}

func (c *Client) RemoveMember(ctx context.Context, req transport.RemoveMemberRequest) error {
    return c.post(ctx, "/cluster/remove-member", req, nil)
}

func (c *Client) Stepdown(ctx context.Context, req transport.StepdownRequest) (transport.StepdownResponse, error) {
    var out transport.StepdownResponse
    err := c.post(ctx, "/cluster/stepdown", req, &out)
    return out, err
}

func (c *Client) Crash(ctx context.Context, req transport.CrashRequest) (failure.Failure, error) {
    var out failure.Failure
    err := c.post(ctx, "/failures/crash", req, &out)
    return out, err
}

func (c *Client) Restore(ctx context.Context, req transport.RestoreRequest) (transport.RestoreResponse, error) {
    var out transport.RestoreResponse
    err := c.post(ctx, "/failures/restore", req, &out)
    return out, err
}

func (c *Client) Partition(ctx context.Context, req transport.PartitionRequest) (failure.Failure, error) {
    var out failure.Failure
    err := c.post(ctx, "/failures/partition", req, &out)
    return out, err
}

func (c *Client) Latency(ctx context.Context, req transport.LatencyRequest) (failure.Failure, error) {
    var out failure.Failure
    err := c.post(ctx, "/failures/latency", req, &out)
    return out, err
}

func (c *Client) Heal(ctx context.Context, req transport.HealRequest) error {
    return c.post(ctx, "/failures/heal", req, nil)
}

func (c *Client) Failures(ctx context.Context) ([]failure.Failure, error) {
    var out []failure.Failure
    err := c.get(ctx, "/failures", &out)
    return out, err
}

func (c *Client) State(ctx context.Context) (cluster.ClusterState, error) {
    var out cluster.ClusterState
    err := c.get(ctx, "/status", &out)
    return out, err
}

func (c *Client) GroupStatus(ctx context.Context, group string) (cluster.GroupStatus, error) {
    var out cluster.GroupStatus
    err := c.get(ctx, "/status?group="+url.QueryEscape(group), &out)
    return out, err
}

func (c *Client) Endpoint(ctx context.Context, group, preference string) (transport.EndpointResponse, error) {
    var out transport.EndpointResponse
    q := url.Values{"group": {group}, "preference": {preference}}
    err := c.get(ctx, "/cluster/endpoint?"+q.Encode(), &out)
    return out, err
}

func (c *Client) Logs(ctx context.Context, nodeID string, tail int) (transport.LogsResponse, error) {
    var out transport.LogsResponse
    q := url.Values{"node": {nodeID}, "tail": {strconv.Itoa(tail)}}
    err := c.get(ctx, "/logs?"+q.Encode(), &out)
    return out, err
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
    body, err := json.Marshal(in)
    if err != nil { return err }
    req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(body))
    if err != nil { return err }
    req.Header.Set("Content-Type", "application/json")
    resp, err := c.httpc.Do(req)
    if err != nil { return err }
    defer resp.Body.Close()
    return decodeResponse(resp, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
    if err != nil { return err }
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        resp, err := c.httpc.Do(req)
        if err == nil {
            err = func() error {
                defer resp.Body.Close()
                return decodeResponse(resp, out)
            }()
            if err == nil { return nil }
        }
        lastErr = err
        // backoff unless context is done
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return lastErr
}

func decodeResponse(resp *http.Response, out any) error {
    b, err := io.ReadAll(resp.Body)
    if err != nil { return err }
    if resp.StatusCode != http.StatusOK {
        var er transport.ErrorResponse
        if json.Unmarshal(b, &er) == nil && er.Error != "" {
            return fmt.Errorf("status %d: %s", resp.StatusCode, er.Error)
        }
        return fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
    }
    if out == nil { return nil }
    return json.Unmarshal(b, out)
}
