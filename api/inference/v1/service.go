package inferencev1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	InferenceService_Infer_FullMethodName         = "/inference.v1.InferenceService/Infer"
	InferenceService_GetMetrics_FullMethodName    = "/inference.v1.InferenceService/GetMetrics"
	InferenceService_ReloadWeights_FullMethodName = "/inference.v1.InferenceService/ReloadWeights"
)

// InferenceServiceClient is the client API for InferenceService. Every call
// selects the JSON codec.
type InferenceServiceClient interface {
	Infer(ctx context.Context, in *InferRequest, opts ...grpc.CallOption) (*InferResponse, error)
	GetMetrics(ctx context.Context, in *MetricsRequest, opts ...grpc.CallOption) (*WorkerMetrics, error)
	ReloadWeights(ctx context.Context, in *ReloadRequest, opts ...grpc.CallOption) (*ReloadResponse, error)
}

type inferenceServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewInferenceServiceClient(cc grpc.ClientConnInterface) InferenceServiceClient {
	return &inferenceServiceClient{cc}
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *inferenceServiceClient) Infer(ctx context.Context, in *InferRequest, opts ...grpc.CallOption) (*InferResponse, error) {
	out := new(InferResponse)
	if err := c.cc.Invoke(ctx, InferenceService_Infer_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *inferenceServiceClient) GetMetrics(ctx context.Context, in *MetricsRequest, opts ...grpc.CallOption) (*WorkerMetrics, error) {
	out := new(WorkerMetrics)
	if err := c.cc.Invoke(ctx, InferenceService_GetMetrics_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *inferenceServiceClient) ReloadWeights(ctx context.Context, in *ReloadRequest, opts ...grpc.CallOption) (*ReloadResponse, error) {
	out := new(ReloadResponse)
	if err := c.cc.Invoke(ctx, InferenceService_ReloadWeights_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// InferenceServiceServer is the server API for InferenceService.
// Implementations must embed UnimplementedInferenceServiceServer.
type InferenceServiceServer interface {
	Infer(context.Context, *InferRequest) (*InferResponse, error)
	GetMetrics(context.Context, *MetricsRequest) (*WorkerMetrics, error)
	ReloadWeights(context.Context, *ReloadRequest) (*ReloadResponse, error)
	mustEmbedUnimplementedInferenceServiceServer()
}

// UnimplementedInferenceServiceServer answers every method with Unimplemented.
type UnimplementedInferenceServiceServer struct{}

func (UnimplementedInferenceServiceServer) Infer(context.Context, *InferRequest) (*InferResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Infer not implemented")
}

func (UnimplementedInferenceServiceServer) GetMetrics(context.Context, *MetricsRequest) (*WorkerMetrics, error) {
	return nil, status.Error(codes.Unimplemented, "method GetMetrics not implemented")
}

func (UnimplementedInferenceServiceServer) ReloadWeights(context.Context, *ReloadRequest) (*ReloadResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ReloadWeights not implemented")
}

func (UnimplementedInferenceServiceServer) mustEmbedUnimplementedInferenceServiceServer() {}

func RegisterInferenceServiceServer(s grpc.ServiceRegistrar, srv InferenceServiceServer) {
	s.RegisterService(&InferenceService_ServiceDesc, srv)
}

func _InferenceService_Infer_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(InferRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InferenceServiceServer).Infer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: InferenceService_Infer_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(InferenceServiceServer).Infer(ctx, req.(*InferRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _InferenceService_GetMetrics_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(MetricsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InferenceServiceServer).GetMetrics(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: InferenceService_GetMetrics_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(InferenceServiceServer).GetMetrics(ctx, req.(*MetricsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _InferenceService_ReloadWeights_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReloadRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InferenceServiceServer).ReloadWeights(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: InferenceService_ReloadWeights_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(InferenceServiceServer).ReloadWeights(ctx, req.(*ReloadRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// InferenceService_ServiceDesc describes inference.v1.InferenceService.
var InferenceService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "inference.v1.InferenceService",
	HandlerType: (*InferenceServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Infer", Handler: _InferenceService_Infer_Handler},
		{MethodName: "GetMetrics", Handler: _InferenceService_GetMetrics_Handler},
		{MethodName: "ReloadWeights", Handler: _InferenceService_ReloadWeights_Handler},
	},
	Streams:  []grpc.StreamDesc{},
}
