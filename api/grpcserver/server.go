// Package grpcserver exposes the ops surface: the standard gRPC health
// service and reflection. Health reports NOT_SERVING until every pair is
// restored and SERVING afterwards.
package grpcserver

import (
	"context"
	"fmt"
	"net"
	"path"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"matchcore/infra/logger"
)

// Service is the health service name watched by orchestrators.
const Service = "matchcore.Engine"

type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

func New() *Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(recoverUnary, logUnary))

	hs := health.NewServer()
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(Service, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	grpc_health_v1.RegisterHealthServer(srv, hs)

	reflection.Register(srv)

	return &Server{grpc: srv, health: hs}
}

// SetServing flips both the overall and the named service status.
func (s *Server) SetServing(serving bool) {
	st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		st = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(Service, st)
}

// Serve blocks until ctx is cancelled, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(lis) }()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return errors.Wrap(err, "grpc serve")
	}
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	logger.Info(ctx, "grpc listening", zap.String("addr", addr))
	return s.Serve(ctx, lis)
}

func recoverUnary(
	ctx context.Context,
	request interface{},
	_ *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (response interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "panic recovered in gRPC handler",
				zap.String("panic", fmt.Sprintf("%v", r)),
			)

			err = status.Errorf(codes.Internal, "internal error")
		}
	}()

	return handler(ctx, request)
}

func logUnary(
	ctx context.Context,
	request interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	method := path.Base(info.FullMethod)
	startTime := time.Now()

	response, err := handler(ctx, request)

	if err != nil {
		st, _ := status.FromError(err)
		logger.Warn(ctx, "grpc call failed",
			zap.String("method", method),
			zap.String("code", st.Code().String()),
			zap.Duration("took", time.Since(startTime)),
			zap.Error(err),
		)
	} else {
		logger.Debug(ctx, "grpc call", zap.String("method", method), zap.Duration("took", time.Since(startTime)))
	}

	return response, err
}
