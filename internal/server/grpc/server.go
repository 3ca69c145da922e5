// Package grpc exposes the smartbin services over gRPC. Messages are
// structpb.Struct values so devices and apps can speak the protocol without
// generated stubs.
package grpc

import (
	"context"
	"net"

	"github.com/dmitrijs2005/smartbin/internal/logging"
	"github.com/dmitrijs2005/smartbin/internal/server/models"
	"github.com/dmitrijs2005/smartbin/internal/server/services"
	"google.golang.org/grpc"
)

type deviceService interface {
	DeviceOnline(ctx context.Context, req services.DeviceOnlineRequest) (*services.DeviceAck, error)
	SyncToken(ctx context.Context, req services.SyncTokenRequest) (*services.DeviceAck, error)
	UpdateLocation(ctx context.Context, req services.UpdateLocationRequest) (*services.DeviceAck, error)
	ReportClassification(ctx context.Context, req services.ClassificationRequest) (*services.ClassificationAck, error)
	ReportError(ctx context.Context, req services.ErrorReportRequest) (*services.WriteResult, error)
	PollConnection(ctx context.Context, deviceID int64) (*services.PollResult, error)
}

type connectionService interface {
	Connect(ctx context.Context, userID string, deviceID int64, token string) (*models.Connection, error)
	ConnectIfAbsent(ctx context.Context, userID string, deviceID int64) (*models.Connection, error)
	Disconnect(ctx context.Context, userID string, deviceID *int64) (int64, error)
	DisconnectAll(ctx context.Context, deviceID int64) ([]services.ConnectedUser, error)
	UserDevices(ctx context.Context, userID string) (*services.UserDevices, error)
}

type binService interface {
	ListDevices(ctx context.Context, page, pageSize int) (*services.DeviceList, error)
	AddDevice(ctx context.Context, req services.AddDeviceRequest) (*services.AddDeviceResult, error)
}

type recognizer interface {
	Recognize(ctx context.Context, userID string, image []byte, filename string) (*services.Recognition, error)
}

type storeState interface {
	IsOnline() bool
}

// Services bundles what the handlers call.
type Services struct {
	Devices     deviceService
	Connections connectionService
	Bins        binService
	Recognition recognizer
	Store       storeState
}

type GRPCServer struct {
	address     string
	devices     deviceService
	connections connectionService
	bins        binService
	recognition recognizer
	store       storeState
	logger      logging.Logger
	jwtSecret   []byte
}

func NewGRPCServer(a string, l logging.Logger, svc Services, secretKey string) *GRPCServer {
	return &GRPCServer{
		address:     a,
		logger:      l.With("module", "grpc_server"),
		devices:     svc.Devices,
		connections: svc.Connections,
		bins:        svc.Bins,
		recognition: svc.Recognition,
		store:       svc.Store,
		jwtSecret:   []byte(secretKey),
	}
}

// NewServer returns a grpc.Server with the interceptors installed and the
// service registered.
func (s *GRPCServer) NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(s.recoverInterceptor, s.accessTokenInterceptor))
	srv := grpc.NewServer(opts...)
	RegisterSmartBinServer(srv, s)
	return srv
}

// Run serves on the configured address until ctx is done.
func (s *GRPCServer) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

// Serve accepts connections on lis until ctx is done, then stops gracefully.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	srv := s.NewServer()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", lis.Addr().String())

	if err := srv.Serve(lis); err != nil {
		return err
	}
	<-stopped
	return nil
}
