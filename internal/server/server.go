package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/claimqueue/internal/engine"
	"github.com/ChuLiYu/claimqueue/internal/ledger"
	"github.com/ChuLiYu/claimqueue/pkg/types"
)

var log = slog.Default()

// Engine 服務需要的引擎操作
type Engine interface {
	SubmitClaim(types.TaskID, types.UserID, types.BuyerAccountID) (*ledger.Handle, error)
	AwaitClaim(context.Context, *ledger.Handle, time.Duration) (types.ClaimResult, error)
	Lookup(handle string) (*ledger.Handle, error)
	CancelTask(context.Context, types.TaskID) (types.Outcome, error)
	CompleteTask(context.Context, types.TaskID) (types.Outcome, error)
	Pause()
	Resume()
	Paused() bool
	PurgeCompleted(olderThan time.Duration) int
	Stats() ledger.Stats
}

// Server implements ClaimServiceServer on top of the engine.
type Server struct {
	engine Engine
	grpc   *grpc.Server
}

// NewServer creates a new gRPC server instance.
func NewServer(e Engine) *Server {
	s := &Server{engine: e}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(logUnary))
	RegisterClaimServiceServer(s.grpc, s)
	return s
}

// Serve blocks until the listener fails or GracefulStop is called.
func (s *Server) Serve(lis net.Listener) error {
	log.Info("gRPC server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// GracefulStop waits for in-flight RPCs.
func (s *Server) GracefulStop() {
	s.grpc.GracefulStop()
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := next(ctx, req)
	if err != nil {
		log.Warn("rpc failed", "method", info.FullMethod, "duration", time.Since(start), "error", err)
	} else {
		log.Debug("rpc", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

// SubmitClaim queues a claim; with wait_ms it also waits for the outcome.
func (s *Server) SubmitClaim(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	h, err := s.engine.SubmitClaim(
		types.TaskID(stringField(req, "task_id")),
		types.UserID(stringField(req, "user_id")),
		types.BuyerAccountID(stringField(req, "buyer_account_id")),
	)
	if err != nil {
		return nil, toStatus(err)
	}

	wait := durationField(req, "wait_ms")
	if wait <= 0 {
		if out, ok := h.Outcome(); ok {
			return resultStruct(string(h.ID()), types.ClaimResult{Outcome: out}, true)
		}
		return resultStruct(string(h.ID()), types.ClaimResult{}, false)
	}
	return s.await(ctx, h, wait)
}

// AwaitClaim waits up to timeout_ms for the handle's outcome.
func (s *Server) AwaitClaim(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	h, err := s.engine.Lookup(stringField(req, "handle"))
	if err != nil {
		return nil, toStatus(err)
	}
	return s.await(ctx, h, durationField(req, "timeout_ms"))
}

func (s *Server) await(ctx context.Context, h *ledger.Handle, timeout time.Duration) (*structpb.Struct, error) {
	res, err := s.engine.AwaitClaim(ctx, h, timeout)
	if err != nil {
		return nil, toStatus(err)
	}
	return resultStruct(string(h.ID()), res, true)
}

// CancelTask runs a cancellation through the task's lane.
func (s *Server) CancelTask(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	out, err := s.engine.CancelTask(ctx, types.TaskID(stringField(req, "task_id")))
	if err != nil {
		return nil, toStatus(err)
	}
	return resultStruct("", types.ClaimResult{Outcome: out}, true)
}

// CompleteTask runs a completion through the task's lane.
func (s *Server) CompleteTask(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	out, err := s.engine.CompleteTask(ctx, types.TaskID(stringField(req, "task_id")))
	if err != nil {
		return nil, toStatus(err)
	}
	return resultStruct("", types.ClaimResult{Outcome: out}, true)
}

// Stats returns queue depths.
func (s *Server) Stats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st := s.engine.Stats()
	return structpb.NewStruct(map[string]any{
		"waiting":   st.Waiting,
		"active":    st.Active,
		"completed": st.Completed,
		"failed":    st.Failed,
		"lanes":     st.Lanes,
		"paused":    st.Paused,
	})
}

// Pause stops dispatching.
func (s *Server) Pause(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.engine.Pause()
	return structpb.NewStruct(map[string]any{"paused": s.engine.Paused()})
}

// Resume restarts dispatching.
func (s *Server) Resume(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.engine.Resume()
	return structpb.NewStruct(map[string]any{"paused": s.engine.Paused()})
}

// Purge drops outcomes resolved more than older_than_ms ago.
func (s *Server) Purge(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	n := s.engine.PurgeCompleted(durationField(req, "older_than_ms"))
	return structpb.NewStruct(map[string]any{"purged": n})
}

// Helpers

func stringField(s *structpb.Struct, key string) string {
	if v, ok := s.GetFields()[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func durationField(s *structpb.Struct, key string) time.Duration {
	if v, ok := s.GetFields()[key]; ok {
		return time.Duration(v.GetNumberValue()) * time.Millisecond
	}
	return 0
}

func resultStruct(handle string, res types.ClaimResult, done bool) (*structpb.Struct, error) {
	m := map[string]any{}
	if handle != "" {
		m["handle"] = handle
	}
	switch {
	case res.TimedOut:
		m["status"] = "timed_out"
	case !done:
		m["status"] = "pending"
	case res.Accepted:
		m["status"] = "accepted"
		if res.OrderID != "" {
			m["order_id"] = string(res.OrderID)
		}
	default:
		m["status"] = "rejected"
		m["reason"] = string(res.Reason)
	}
	return structpb.NewStruct(m)
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ledger.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ledger.ErrUnknownHandle):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrNotStarted):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
