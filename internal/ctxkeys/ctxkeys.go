package ctxkeys

// TraceIDKey 链路追踪 ID
type TraceIDKey struct{}

// TransportIDKey 代理请求在传输层的请求 ID
type TransportIDKey struct{}
