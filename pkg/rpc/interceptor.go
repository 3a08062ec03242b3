package rpc

import (
	"path"

	"github.com/cuemby/burrow/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// MetricsInterceptor records request counts and latency per method. Every
// burrow method is served through the unknown-service stream handler, so a
// stream interceptor sees all of them.
func MetricsInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		method := path.Base(info.FullMethod)
		timer := metrics.NewTimer()

		err := handler(srv, ss)

		timer.ObserveDurationVec(metrics.RPCRequestDuration, method)
		metrics.RPCRequestsTotal.WithLabelValues(method, status.Code(err).String()).Inc()
		return err
	}
}
