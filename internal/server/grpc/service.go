package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "smartbin.v1.SmartBin"

// Method names of the SmartBin service.
const (
	MethodPing                 = "Ping"
	MethodListDevices          = "ListDevices"
	MethodAddDevice            = "AddDevice"
	MethodDeviceOnline         = "DeviceOnline"
	MethodSyncToken            = "SyncToken"
	MethodUpdateLocation       = "UpdateLocation"
	MethodReportClassification = "ReportClassification"
	MethodReportError          = "ReportError"
	MethodPollConnection       = "PollConnection"
	MethodDisconnectAllUsers   = "DisconnectAllUsers"
	MethodConnect              = "Connect"
	MethodDisconnect           = "Disconnect"
	MethodListMyDevices        = "ListMyDevices"
	MethodClaimDevice          = "ClaimDevice"
	MethodRecognize            = "Recognize"
)

// FullMethod returns the "/service/method" path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// SmartBinServer is the server API of the SmartBin service. Every message is
// a structpb.Struct so no generated code is needed on either side.
type SmartBinServer interface {
	Ping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListDevices(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddDevice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeviceOnline(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SyncToken(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateLocation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReportClassification(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReportError(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PollConnection(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DisconnectAllUsers(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Connect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Disconnect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMyDevices(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClaimDevice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Recognize(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryFunc func(SmartBinServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, call unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(SmartBinServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes the SmartBin service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SmartBinServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodPing, SmartBinServer.Ping),
		unary(MethodListDevices, SmartBinServer.ListDevices),
		unary(MethodAddDevice, SmartBinServer.AddDevice),
		unary(MethodDeviceOnline, SmartBinServer.DeviceOnline),
		unary(MethodSyncToken, SmartBinServer.SyncToken),
		unary(MethodUpdateLocation, SmartBinServer.UpdateLocation),
		unary(MethodReportClassification, SmartBinServer.ReportClassification),
		unary(MethodReportError, SmartBinServer.ReportError),
		unary(MethodPollConnection, SmartBinServer.PollConnection),
		unary(MethodDisconnectAllUsers, SmartBinServer.DisconnectAllUsers),
		unary(MethodConnect, SmartBinServer.Connect),
		unary(MethodDisconnect, SmartBinServer.Disconnect),
		unary(MethodListMyDevices, SmartBinServer.ListMyDevices),
		unary(MethodClaimDevice, SmartBinServer.ClaimDevice),
		unary(MethodRecognize, SmartBinServer.Recognize),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "smartbin/v1/smartbin.proto",
}

// RegisterSmartBinServer attaches srv to s.
func RegisterSmartBinServer(s grpc.ServiceRegistrar, srv SmartBinServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls the SmartBin service over cc.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes method with req encoded as a Struct and returns the reply
// fields.
func (c *Client) Call(ctx context.Context, method string, req map[string]any, opts ...grpc.CallOption) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
