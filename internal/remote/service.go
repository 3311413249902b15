package remote

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName   = "telepipe.remote.Peer"
	pingMethod    = "/" + serviceName + "/Ping"
	spawnMethod   = "/" + serviceName + "/Spawn"
	sessionMethod = "/" + serviceName + "/Session"
)

// PeerServer is the server side of the remote peer service.
type PeerServer interface {
	Ping(ctx context.Context, req *PingRequest) (*PingResponse, error)
	Spawn(ctx context.Context, req *SpawnRequest) (*SpawnResponse, error)
	Session(stream grpc.ServerStream) error
}

func pingHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PingRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pingMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PeerServer).Ping(ctx, req.(*PingRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func spawnHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SpawnRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).Spawn(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: spawnMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PeerServer).Spawn(ctx, req.(*SpawnRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func sessionHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(PeerServer).Session(stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*PeerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: pingHandler},
		{MethodName: "Spawn", Handler: spawnHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       sessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "telepipe/remote",
}

// RegisterPeerServer adds srv to s.
func RegisterPeerServer(s grpc.ServiceRegistrar, srv PeerServer) {
	s.RegisterService(&serviceDesc, srv)
}
