package middleware

import (
	"context"

	"google.golang.org/grpc"
)

// testServerStream stubs grpc.ServerStream with a caller-chosen context so
// interceptor tests can run without a real transport.
type testServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *testServerStream) Context() context.Context { return s.ctx }
