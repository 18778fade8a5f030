package grpcapi

import (
	"context"
	"log/slog"
	"net"
	"runtime"
	"time"

	"github.com/coopdev/coop/internal/agentstate"
	"github.com/coopdev/coop/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// HealthRequest/HealthResponse and StatusRequest/StatusResponse stand in for
// what would otherwise be .proto-generated message types; they round-trip
// through the JSON codec registered in codec.go.
type HealthRequest struct{}

type HealthResponse struct {
	Status string `json:"status"`
	PID    int32  `json:"pid"`
	Agent  string `json:"agent"`
}

type StatusRequest struct{}

type StatusResponse struct {
	State        string `json:"state"`
	PID          int32  `json:"pid"`
	ExitCode     *int32 `json:"exit_code,omitempty"`
	ScreenSeq    uint64 `json:"screen_seq"`
	BytesRead    uint64 `json:"bytes_read"`
	BytesWritten uint64 `json:"bytes_written"`
	WSClients    int64  `json:"ws_clients"`
}

// Server implements the hand-rolled Coop gRPC service — two unary RPCs,
// Health and Status, mirroring the HTTP /api/v1/health and /api/v1/status
// handlers so every transport reports the same facts.
type Server struct {
	Store *store.Store
}

func NewServer(st *store.Store) *Server { return &Server{Store: st} }

func (s *Server) Health(ctx context.Context, req *HealthRequest) (*HealthResponse, error) {
	return &HealthResponse{
		Status: "ok",
		PID:    int32(s.Store.ChildPID.Load()),
		Agent:  s.Store.Agent,
	}, nil
}

func (s *Server) Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
	st := s.Store.AgentState()
	var exitCode *int32
	if st.Kind == agentstate.Exited && st.Exit.Code != nil {
		code := int32(*st.Exit.Code)
		exitCode = &code
	}
	return &StatusResponse{
		State:        st.Kind.String(),
		PID:          int32(s.Store.ChildPID.Load()),
		ExitCode:     exitCode,
		ScreenSeq:    s.Store.Screen.Snapshot().Sequence,
		BytesRead:    s.Store.Ring.TotalWritten(),
		BytesWritten: s.Store.BytesWritten.Load(),
		WSClients:    s.Store.WSClientCount.Load(),
	}, nil
}

// serviceDesc hand-builds the grpc.ServiceDesc a protoc-gen-go-grpc plugin
// would otherwise generate from a .proto file.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "coop.v1.Coop",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Health",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(HealthRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(*Server).Health(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/coop.v1.Coop/Health"}
				handler := func(ctx context.Context, req any) (any, error) {
					return srv.(*Server).Health(ctx, req.(*HealthRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
		{
			MethodName: "Status",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(StatusRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(*Server).Status(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/coop.v1.Coop/Status"}
				handler := func(ctx context.Context, req any) (any, error) {
					return srv.(*Server).Status(ctx, req.(*StatusRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coop.proto",
}

// ListenAndServe starts the gRPC server on the given TCP port, wired with
// the same panic-recovery + token-auth interceptor shape as
// internal/egg/server.go's grpc.NewServer call.
func ListenAndServe(ctx context.Context, st *store.Store, port int) error {
	lis, err := net.Listen("tcp", portAddr(port))
	if err != nil {
		return err
	}
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(recoveryUnary, authUnary(st.AuthToken)))
	srv.RegisterService(&serviceDesc, NewServer(st))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()

	select {
	case <-ctx.Done():
		done := make(chan struct{})
		go func() { srv.GracefulStop(); close(done) }()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			srv.Stop()
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func portAddr(port int) string {
	return ":" + itoa(port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func recoveryUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := make([]byte, 8192)
			n := runtime.Stack(stack, false)
			slog.Error("grpcapi panic", "method", info.FullMethod, "recover", r, "stack", string(stack[:n]))
			err = status.Errorf(codes.Internal, "panic in %s: %v", info.FullMethod, r)
		}
	}()
	return handler(ctx, req)
}

// authUnary mirrors internal/egg/server.go's checkToken: a no-op when no
// token is configured, otherwise requiring it in the "authorization"
// metadata key.
func authUnary(token string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if token == "" {
			return handler(ctx, req)
		}
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		got := md.Get("authorization")
		if len(got) == 0 || got[0] != token {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		return handler(ctx, req)
	}
}
