// Package auth 为中继 API 提供基于静态 Bearer Token 的认证与审计。
package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	loggerpkg "SafeTx-Relay/pkg/logger"
)

// Guard 校验 Authorization 头中的 Bearer Token。未配置任何 Token 时不做校验。
type Guard struct {
	// tokens 以调用方名称为键。
	tokens map[string]string
	audit  *slog.Logger
}

// NewGuard 使用 调用方名称 -> Token 的映射构造 Guard，空 Token 会被忽略。
func NewGuard(tokens map[string]string) *Guard {
	g := &Guard{tokens: make(map[string]string, len(tokens))}
	for name, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		g.tokens[name] = token
	}
	return g
}

// Enabled 表示是否配置了至少一个 Token。
func (g *Guard) Enabled() bool {
	return g != nil && len(g.tokens) > 0
}

// Authenticate 返回与 Token 匹配的调用方名称。
func (g *Guard) Authenticate(header string) (string, bool) {
	token, ok := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	if !ok {
		return "", false
	}
	token = strings.TrimSpace(token)
	matched := ""
	for name, want := range g.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1 {
			matched = name
		}
	}
	return matched, matched != ""
}

// Middleware 返回认证中间件：拒绝未认证请求，并把写操作记录到审计日志。
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		caller, ok := g.Authenticate(r.Header.Get("Authorization"))
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			g.logger().Warn("access_denied",
				"path", r.URL.Path,
				"method", r.Method,
				"remote", r.RemoteAddr,
			)
			return
		}

		start := time.Now()
		aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(aw, r.WithContext(WithCaller(r.Context(), caller)))
		if r.Method == http.MethodGet {
			return
		}
		g.logger().Info("api_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", aw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"caller", caller,
		)
	})
}

func (g *Guard) logger() *slog.Logger {
	if g.audit != nil {
		return g.audit
	}
	return loggerpkg.Audit()
}

// auditWriter 捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
