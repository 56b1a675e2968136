// Package api is the daemon's control plane: a gRPC service on a Unix socket
// whose requests and replies are google.protobuf.Struct documents.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.Control"

// ControlServer is implemented by Server.
type ControlServer interface {
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SignIn(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SignOut(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SyncNow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryFailed(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetOnline(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListChats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateChat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ToggleFavorite(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteChat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Refresh(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueueStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

type unaryFunc func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).Watch(in, stream)
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", ControlServer.Status),
		unary("SignIn", ControlServer.SignIn),
		unary("SignOut", ControlServer.SignOut),
		unary("SyncNow", ControlServer.SyncNow),
		unary("RetryFailed", ControlServer.RetryFailed),
		unary("SetOnline", ControlServer.SetOnline),
		unary("ListChats", ControlServer.ListChats),
		unary("ListMessages", ControlServer.ListMessages),
		unary("CreateChat", ControlServer.CreateChat),
		unary("SendMessage", ControlServer.SendMessage),
		unary("ToggleFavorite", ControlServer.ToggleFavorite),
		unary("DeleteChat", ControlServer.DeleteChat),
		unary("Refresh", ControlServer.Refresh),
		unary("QueueStatus", ControlServer.QueueStatus),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}
