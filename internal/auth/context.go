package auth

import "context"

// callerKey 是上下文中存储调用方名称的键类型。
type callerKey struct{}

// WithCaller 将通过认证的调用方名称写入上下文。
func WithCaller(ctx context.Context, caller string) context.Context {
	if caller == "" {
		return ctx
	}
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext 返回上下文中的调用方名称，未认证时为空字符串。
func CallerFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	caller, _ := ctx.Value(callerKey{}).(string)
	return caller
}
