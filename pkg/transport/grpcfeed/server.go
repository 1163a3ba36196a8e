package grpcfeed

import (
    "context"
    "crypto/tls"
    "net"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"

    "github.com/replicalab/replicasim/pkg/broadcast"
)

// FeedSource is what the server streams from; the broadcast hub satisfies it.
type FeedSource interface {
    Subscribe(ctx context.Context) <-chan broadcast.Snapshot
    SubscribeLogs(ctx context.Context, nodeID string) (<-chan broadcast.LogChunk, error)
}

// Server streams deployment snapshots and log tails over gRPC using a JSON
// codec, so dashboards get push updates without protobuf codegen.
type Server struct {
    bind   string
    lis    net.Listener
    srv    *grpc.Server
    tlsCfg *tls.Config
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// wire types for the feed service
type subscribeReq struct{}
type subscribeLogsReq struct {
    NodeID string `json:"node_id"`
}

type feedServer interface {
    Subscribe(*subscribeReq, Feed_SubscribeServer) error
    SubscribeLogs(*subscribeLogsReq, Feed_SubscribeLogsServer) error
}

// Feed_SubscribeServer is the send side of a snapshot stream.
type Feed_SubscribeServer interface {
    Send(*broadcast.Snapshot) error
    grpc.ServerStream
}

// Feed_SubscribeLogsServer is the send side of a log stream.
type Feed_SubscribeLogsServer interface {
    Send(*broadcast.LogChunk) error
    grpc.ServerStream
}

type feedImpl struct{ source FeedSource }

func (f *feedImpl) Subscribe(_ *subscribeReq, stream Feed_SubscribeServer) error {
    ch := f.source.Subscribe(stream.Context())
    for snap := range ch {
        if err := stream.Send(&snap); err != nil {
            return err
        }
    }
    return nil
}

func (f *feedImpl) SubscribeLogs(req *subscribeLogsReq, stream Feed_SubscribeLogsServer) error {
    ch, err := f.source.SubscribeLogs(stream.Context(), req.NodeID)
    if err != nil {
        return err
    }
    for chunk := range ch {
        if err := stream.Send(&chunk); err != nil {
            return err
        }
    }
    return nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Feed_serviceDesc = grpc.ServiceDesc{
    ServiceName: "replicasim.v1.Feed",
    HandlerType: (*feedServer)(nil),
    Streams: []grpc.StreamDesc{
        {
            StreamName:    "Subscribe",
            ServerStreams: true,
            Handler:       _Feed_Subscribe_Handler,
        },
        {
            StreamName:    "SubscribeLogs",
            ServerStreams: true,
            Handler:       _Feed_SubscribeLogs_Handler,
        },
    },
}

func _Feed_Subscribe_Handler(srv interface{}, stream grpc.ServerStream) error {
    m := new(subscribeReq)
    if err := stream.RecvMsg(m); err != nil { return err }
    return srv.(feedServer).Subscribe(m, &feedSubscribeServer{stream})
}

type feedSubscribeServer struct{ grpc.ServerStream }

func (x *feedSubscribeServer) Send(m *broadcast.Snapshot) error { return x.ServerStream.SendMsg(m) }

func _Feed_SubscribeLogs_Handler(srv interface{}, stream grpc.ServerStream) error {
    m := new(subscribeLogsReq)
    if err := stream.RecvMsg(m); err != nil { return err }
    return srv.(feedServer).SubscribeLogs(m, &feedSubscribeLogsServer{stream})
}

type feedSubscribeLogsServer struct{ grpc.ServerStream }

func (x *feedSubscribeLogsServer) Send(m *broadcast.LogChunk) error { return x.ServerStream.SendMsg(m) }

// Start launches the gRPC server; it stops when ctx is canceled.
func (s *Server) Start(ctx context.Context, source FeedSource) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    s.lis = lis
    // Force JSON codec to avoid requiring protobuf types
    var opts []grpc.ServerOption
    opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
    // keepalive settings for long-lived streams
    opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
    opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    s.srv = srv
    // Health service (always serving for now)
    healthSrv := health.NewServer()
    healthpb.RegisterHealthServer(srv, healthSrv)
    srv.RegisterService(&_Feed_serviceDesc, &feedImpl{source: source})

    go func() {
        <-ctx.Done()
        // Graceful stop with a small timeout fallback
        ch := make(chan struct{})
        go func() { srv.GracefulStop(); close(ch) }()
        select {
        case <-ch:
        case <-time.After(2 * time.Second):
            srv.Stop()
        }
    }()
    go func() { _ = srv.Serve(lis) }()
    return nil
}

// Addr returns the listener address once started, else the bind address.
func (s *Server) Addr() string {
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

// Stop shuts the server down, forcing after ctx is done.
func (s *Server) Stop(ctx context.Context) error {
    if s.srv == nil { return nil }
    ch := make(chan struct{})
    go func() { s.srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        s.srv.Stop()
    }
    s.srv = nil
    if s.lis != nil { _ = s.lis.Close(); s.lis = nil }
    return nil
}
