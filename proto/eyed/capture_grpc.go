package eyed

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	CaptureService_SubmitFrame_FullMethodName  = "/eyed.CaptureService/SubmitFrame"
	CaptureService_StreamFrames_FullMethodName = "/eyed.CaptureService/StreamFrames"
	CaptureService_GetStatus_FullMethodName    = "/eyed.CaptureService/GetStatus"
)

// CaptureServiceClient is the client API for CaptureService.
type CaptureServiceClient interface {
	SubmitFrame(ctx context.Context, in *CaptureFrame, opts ...grpc.CallOption) (*FrameAck, error)
	StreamFrames(ctx context.Context, opts ...grpc.CallOption) (CaptureService_StreamFramesClient, error)
	GetStatus(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*ServerStatus, error)
}

type captureServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewCaptureServiceClient(cc grpc.ClientConnInterface) CaptureServiceClient {
	return &captureServiceClient{cc}
}

func (c *captureServiceClient) SubmitFrame(ctx context.Context, in *CaptureFrame, opts ...grpc.CallOption) (*FrameAck, error) {
	out := new(FrameAck)
	err := c.cc.Invoke(ctx, CaptureService_SubmitFrame_FullMethodName, in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *captureServiceClient) StreamFrames(ctx context.Context, opts ...grpc.CallOption) (CaptureService_StreamFramesClient, error) {
	stream, err := c.cc.NewStream(ctx, &CaptureService_ServiceDesc.Streams[0], CaptureService_StreamFrames_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	return &captureServiceStreamFramesClient{stream}, nil
}

type CaptureService_StreamFramesClient interface {
	Send(*CaptureFrame) error
	Recv() (*FrameAck, error)
	grpc.ClientStream
}

type captureServiceStreamFramesClient struct {
	grpc.ClientStream
}

func (x *captureServiceStreamFramesClient) Send(m *CaptureFrame) error {
	return x.ClientStream.SendMsg(m)
}

func (x *captureServiceStreamFramesClient) Recv() (*FrameAck, error) {
	m := new(FrameAck)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *captureServiceClient) GetStatus(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*ServerStatus, error) {
	out := new(ServerStatus)
	err := c.cc.Invoke(ctx, CaptureService_GetStatus_FullMethodName, in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CaptureServiceServer is the server API for CaptureService. Implementations
// should embed UnimplementedCaptureServiceServer for forward compatibility.
type CaptureServiceServer interface {
	SubmitFrame(context.Context, *CaptureFrame) (*FrameAck, error)
	StreamFrames(CaptureService_StreamFramesServer) error
	GetStatus(context.Context, *Empty) (*ServerStatus, error)
}

type CaptureService_StreamFramesServer interface {
	Send(*FrameAck) error
	Recv() (*CaptureFrame, error)
	grpc.ServerStream
}

type captureServiceStreamFramesServer struct {
	grpc.ServerStream
}

func (x *captureServiceStreamFramesServer) Send(m *FrameAck) error {
	return x.ServerStream.SendMsg(m)
}

func (x *captureServiceStreamFramesServer) Recv() (*CaptureFrame, error) {
	m := new(CaptureFrame)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type UnimplementedCaptureServiceServer struct{}

func (UnimplementedCaptureServiceServer) SubmitFrame(context.Context, *CaptureFrame) (*FrameAck, error) {
	return nil, status.Errorf(codes.Unimplemented, "method SubmitFrame not implemented")
}

func (UnimplementedCaptureServiceServer) StreamFrames(CaptureService_StreamFramesServer) error {
	return status.Errorf(codes.Unimplemented, "method StreamFrames not implemented")
}

func (UnimplementedCaptureServiceServer) GetStatus(context.Context, *Empty) (*ServerStatus, error) {
	return nil, status.Errorf(codes.Unimplemented, "method GetStatus not implemented")
}

// RegisterCaptureServiceServer registers the implementation with a gRPC
// server.
func RegisterCaptureServiceServer(s grpc.ServiceRegistrar, srv CaptureServiceServer) {
	s.RegisterService(&CaptureService_ServiceDesc, srv)
}

func _CaptureService_SubmitFrame_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CaptureFrame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CaptureServiceServer).SubmitFrame(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: CaptureService_SubmitFrame_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CaptureServiceServer).SubmitFrame(ctx, req.(*CaptureFrame))
	}
	return interceptor(ctx, in, info, handler)
}

func _CaptureService_StreamFrames_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(CaptureServiceServer).StreamFrames(&captureServiceStreamFramesServer{stream})
}

func _CaptureService_GetStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CaptureServiceServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: CaptureService_GetStatus_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CaptureServiceServer).GetStatus(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// CaptureService_ServiceDesc is the grpc.ServiceDesc for CaptureService.
var CaptureService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "eyed.CaptureService",
	HandlerType: (*CaptureServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SubmitFrame",
			Handler:    _CaptureService_SubmitFrame_Handler,
		},
		{
			MethodName: "GetStatus",
			Handler:    _CaptureService_GetStatus_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamFrames",
			Handler:       _CaptureService_StreamFrames_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "proto/eyed/capture.proto",
}
