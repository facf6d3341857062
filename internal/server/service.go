package server

// ============================================================================
// ClaimService - gRPC 服務描述
// ============================================================================
//
// 訊息一律使用 google.protobuf.Struct，不需要另外產生 pb 程式碼：
//
//   SubmitClaim  {task_id, user_id, buyer_account_id, wait_ms?} → {handle, status, order_id?, reason?}
//   AwaitClaim   {handle, timeout_ms}                            → {handle, status, order_id?, reason?}
//   CancelTask   {task_id}                                       → {status, reason?}
//   CompleteTask {task_id}                                       → {status, reason?}
//   Stats        {}                                              → {waiting, active, completed, failed, lanes, paused}
//   Pause/Resume {}                                              → {paused}
//   Purge        {older_than_ms}                                 → {purged}
//
// status ∈ pending | accepted | rejected | timed_out
// ============================================================================

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName gRPC 服務全名
const ServiceName = "claimqueue.v1.ClaimService"

// ClaimServiceServer 服務端需要實作的方法
type ClaimServiceServer interface {
	SubmitClaim(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AwaitClaim(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelTask(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CompleteTask(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Pause(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Resume(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Purge(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(ClaimServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func handler(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(ClaimServiceServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc ClaimService 的描述，等同 protoc 產生的 _ServiceDesc
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ClaimServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		handler("SubmitClaim", ClaimServiceServer.SubmitClaim),
		handler("AwaitClaim", ClaimServiceServer.AwaitClaim),
		handler("CancelTask", ClaimServiceServer.CancelTask),
		handler("CompleteTask", ClaimServiceServer.CompleteTask),
		handler("Stats", ClaimServiceServer.Stats),
		handler("Pause", ClaimServiceServer.Pause),
		handler("Resume", ClaimServiceServer.Resume),
		handler("Purge", ClaimServiceServer.Purge),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "claimqueue/v1/claim_service.proto",
}

// RegisterClaimServiceServer 註冊服務
func RegisterClaimServiceServer(s grpc.ServiceRegistrar, srv ClaimServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}
