package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	structpb "google.golang.org/protobuf/types/known/structpb"
)

const (
	NetworkController_ServiceName           = "dsnet.NetworkController"
	NetworkController_Stream_FullMethodName = "/dsnet.NetworkController/Stream"
)

// NetworkControllerServer is the server API for the NetworkController service.
type NetworkControllerServer interface {
	Stream(NetworkController_StreamServer) error
}

// UnimplementedNetworkControllerServer can be embedded to have forward
// compatible implementations.
type UnimplementedNetworkControllerServer struct{}

func (UnimplementedNetworkControllerServer) Stream(NetworkController_StreamServer) error {
	return status.Errorf(codes.Unimplemented, "method Stream not implemented")
}

type NetworkController_StreamServer interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	grpc.ServerStream
}

type networkControllerStreamServer struct {
	grpc.ServerStream
}

func (x *networkControllerStreamServer) Send(m *Envelope) error {
	return x.ServerStream.SendMsg(m.ToStruct())
}

func (x *networkControllerStreamServer) Recv() (*Envelope, error) {
	m := new(structpb.Struct)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	env, err := EnvelopeFromStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode envelope: %v", err)
	}
	return env, nil
}

func _NetworkController_Stream_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(NetworkControllerServer).Stream(&networkControllerStreamServer{stream})
}

var NetworkController_ServiceDesc = grpc.ServiceDesc{
	ServiceName: NetworkController_ServiceName,
	HandlerType: (*NetworkControllerServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       _NetworkController_Stream_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "proto/service.go",
}

func RegisterNetworkControllerServer(s grpc.ServiceRegistrar, srv NetworkControllerServer) {
	s.RegisterService(&NetworkController_ServiceDesc, srv)
}

// NetworkControllerClient is the client API for the NetworkController service.
type NetworkControllerClient interface {
	Stream(ctx context.Context, opts ...grpc.CallOption) (NetworkController_StreamClient, error)
}

type networkControllerClient struct {
	cc grpc.ClientConnInterface
}

func NewNetworkControllerClient(cc grpc.ClientConnInterface) NetworkControllerClient {
	return &networkControllerClient{cc}
}

func (c *networkControllerClient) Stream(ctx context.Context, opts ...grpc.CallOption) (NetworkController_StreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &NetworkController_ServiceDesc.Streams[0], NetworkController_Stream_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	return &networkControllerStreamClient{stream}, nil
}

type NetworkController_StreamClient interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	grpc.ClientStream
}

type networkControllerStreamClient struct {
	grpc.ClientStream
}

func (x *networkControllerStreamClient) Send(m *Envelope) error {
	return x.ClientStream.SendMsg(m.ToStruct())
}

func (x *networkControllerStreamClient) Recv() (*Envelope, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return EnvelopeFromStruct(m)
}
