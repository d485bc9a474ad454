// Package middleware gRPC 服务端拦截器
//
// relayer 只暴露 health 服务, 拦截器负责 trace_id 注入, 请求日志与 panic 兜底.
package middleware

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/eidos-exchange/eidos/eidos-bridge/pkg/logger"
)

const TraceIDKey = "x-trace-id"

var errInternal = status.Error(codes.Internal, "internal error")

// tracedStream 替换 stream 的 context
type tracedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tracedStream) Context() context.Context {
	return s.ctx
}

// UnaryServerInterceptor 请求日志, trace_id 写入 context
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		traceID := extractTraceID(ctx)
		ctx = logger.NewContext(ctx, zap.String("trace_id", traceID), zap.String("method", info.FullMethod))

		resp, err := handler(ctx, req)
		logCall(traceID, info.FullMethod, start, err)
		return resp, err
	}
}

// StreamServerInterceptor 流式请求日志 (health Watch), 客户端取消不记录
func StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		traceID := extractTraceID(ss.Context())
		ctx := logger.NewContext(ss.Context(), zap.String("trace_id", traceID), zap.String("method", info.FullMethod))

		err := handler(srv, &tracedStream{ServerStream: ss, ctx: ctx})
		if status.Code(err) != codes.Canceled {
			logCall(traceID, info.FullMethod, start, err)
		}
		return err
	}
}

// RecoveryUnaryServerInterceptor panic 转为 codes.Internal
func RecoveryUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer recoverInternal(info.FullMethod, &err)
		return handler(ctx, req)
	}
}

// RecoveryStreamServerInterceptor 流式 panic 转为 codes.Internal
func RecoveryStreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer recoverInternal(info.FullMethod, &err)
		return handler(srv, ss)
	}
}

func recoverInternal(method string, err *error) {
	r := recover()
	if r == nil {
		return
	}
	logger.Error("grpc panic recovered",
		zap.String("method", method),
		zap.Any("panic", r),
		zap.Stack("stack"))
	*err = errInternal
}

func logCall(traceID, method string, start time.Time, err error) {
	fields := []zap.Field{
		zap.String("trace_id", traceID),
		zap.String("method", method),
		zap.Duration("duration", time.Since(start)),
	}
	if err == nil {
		logger.Debug("grpc call completed", fields...)
		return
	}
	st, _ := status.FromError(err)
	logger.Warn("grpc call failed", append(fields,
		zap.Stringer("code", st.Code()),
		zap.String("error", st.Message()))...)
}

// extractTraceID 优先使用调用方传入的 trace_id
func extractTraceID(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	for _, v := range md.Get(TraceIDKey) {
		if v != "" {
			return v
		}
	}
	return uuid.NewString()
}
