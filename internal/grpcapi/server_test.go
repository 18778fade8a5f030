package grpcapi

import (
	"context"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/coopdev/coop/internal/agentstate"
	"github.com/coopdev/coop/internal/store"
)

func TestHealthReportsAgentAndPID(t *testing.T) {
	st := store.New("claude", 4096, 80, 24)
	st.ChildPID.Store(4242)
	s := NewServer(st)

	resp, err := s.Health(context.Background(), &HealthRequest{})
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if resp.Status != "ok" || resp.Agent != "claude" || resp.PID != 4242 {
		t.Fatalf("Health response = %+v", resp)
	}
}

func TestStatusReflectsAgentState(t *testing.T) {
	st := store.New("claude", 4096, 80, 24)
	st.BytesWritten.Store(17)
	st.SetAgentState(agentstate.NewIdle())
	s := NewServer(st)

	resp, err := s.Status(context.Background(), &StatusRequest{})
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if resp.State != agentstate.Idle.String() {
		t.Fatalf("State = %q, want %q", resp.State, agentstate.Idle.String())
	}
	if resp.BytesWritten != 17 {
		t.Fatalf("BytesWritten = %d, want 17", resp.BytesWritten)
	}
}

func TestAuthUnaryRejectsMissingOrWrongToken(t *testing.T) {
	interceptor := authUnary("secret")
	info := &grpc.UnaryServerInfo{FullMethod: "/coop.v1.Coop/Health"}
	handler := func(ctx context.Context, req any) (any, error) { return "ok", nil }

	if _, err := interceptor(context.Background(), nil, info, handler); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("missing metadata: err = %v, want Unauthenticated", err)
	}

	badCtx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "wrong"))
	if _, err := interceptor(badCtx, nil, info, handler); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("wrong token: err = %v, want Unauthenticated", err)
	}

	goodCtx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "secret"))
	resp, err := interceptor(goodCtx, nil, info, handler)
	if err != nil || resp != "ok" {
		t.Fatalf("correct token: resp=%v err=%v", resp, err)
	}
}

func TestAuthUnaryNoopWithoutToken(t *testing.T) {
	interceptor := authUnary("")
	info := &grpc.UnaryServerInfo{FullMethod: "/coop.v1.Coop/Health"}
	handler := func(ctx context.Context, req any) (any, error) { return "ok", nil }

	resp, err := interceptor(context.Background(), nil, info, handler)
	if err != nil || resp != "ok" {
		t.Fatalf("resp=%v err=%v, want ok/nil with no token configured", resp, err)
	}
}

func TestRecoveryUnaryConvertsPanicToInternalError(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/coop.v1.Coop/Health"}
	handler := func(ctx context.Context, req any) (any, error) {
		panic("boom")
	}

	_, err := recoveryUnary(context.Background(), nil, info, handler)
	if status.Code(err) != codes.Internal {
		t.Fatalf("err = %v, want codes.Internal", err)
	}
}

func TestJSONCodecRoundtrip(t *testing.T) {
	c := jsonCodec{}
	data, err := c.Marshal(HealthResponse{Status: "ok", PID: 7, Agent: "claude"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got HealthResponse
	if err := c.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != "ok" || got.PID != 7 || got.Agent != "claude" {
		t.Fatalf("roundtrip = %+v", got)
	}
	if c.Name() != "json" {
		t.Fatalf("Name() = %q, want json", c.Name())
	}
}
