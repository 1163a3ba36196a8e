package grpcfeed

import (
    "context"
    "crypto/tls"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"

    "github.com/replicalab/replicasim/pkg/broadcast"
)

// Client consumes the feed service. One dialed connection per target is kept
// and reused across streams.
type Client struct {
    tlsCfg *tls.Config

    mu    sync.Mutex
    conns map[string]*grpc.ClientConn
}

func NewClient() *Client {
    return &Client{conns: make(map[string]*grpc.ClientConn)}
}

// UseTLS sets the TLS config used when dialing.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) conn(target string) (*grpc.ClientConn, error) {
    c.mu.Lock()
    defer c.mu.Unlock()
    if cc, ok := c.conns[target]; ok {
        return cc, nil
    }
    // Use JSON codec and set content subtype accordingly.
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
    }
    if c.tlsCfg != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    cc, err := grpc.NewClient(target, opts...)
    if err != nil { return nil, err }
    c.conns[target] = cc
    return cc, nil
}

// Subscribe opens a snapshot stream. The returned channel closes when the
// stream ends or ctx is canceled.
func (c *Client) Subscribe(ctx context.Context, target string) (<-chan broadcast.Snapshot, error) {
    cc, err := c.conn(target)
    if err != nil { return nil, err }
    desc := &grpc.StreamDesc{StreamName: "Subscribe", ServerStreams: true}
    stream, err := cc.NewStream(ctx, desc, "/replicasim.v1.Feed/Subscribe")
    if err != nil { return nil, err }
    if err := stream.SendMsg(&subscribeReq{}); err != nil { return nil, err }
    if err := stream.CloseSend(); err != nil { return nil, err }

    ch := make(chan broadcast.Snapshot, 16)
    go func() {
        defer close(ch)
        for {
            var snap broadcast.Snapshot
            if err := stream.RecvMsg(&snap); err != nil {
                return
            }
            select {
            case ch <- snap:
            case <-ctx.Done():
                return
            }
        }
    }()
    return ch, nil
}

// SubscribeLogs opens a log tail stream for one node.
func (c *Client) SubscribeLogs(ctx context.Context, target, nodeID string) (<-chan broadcast.LogChunk, error) {
    cc, err := c.conn(target)
    if err != nil { return nil, err }
    desc := &grpc.StreamDesc{StreamName: "SubscribeLogs", ServerStreams: true}
    stream, err := cc.NewStream(ctx, desc, "/replicasim.v1.Feed/SubscribeLogs")
    if err != nil { return nil, err }
    if err := stream.SendMsg(&subscribeLogsReq{NodeID: nodeID}); err != nil { return nil, err }
    if err := stream.CloseSend(); err != nil { return nil, err }

    ch := make(chan broadcast.LogChunk, 16)
    go func() {
        defer close(ch)
        for {
            var chunk broadcast.LogChunk
            if err := stream.RecvMsg(&chunk); err != nil {
                return
            }
            select {
            case ch <- chunk:
            case <-ctx.Done():
                return
            }
        }
    }()
    return ch, nil
}

// Close tears down every cached connection.
func (c *Client) Close() error {
    c.mu.Lock()
    defer c.mu.Unlock()
    var first error
    for target, cc := range c.conns {
        if err := cc.Close(); err != nil && first == nil {
            first = err
        }
        delete(c.conns, target)
    }
    return first
}
