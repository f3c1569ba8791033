package middleware

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"go.uber.org/zap"
)

type loggingMiddleware struct {
	Base
	log               *zap.SugaredLogger
	level             string
	excludePaths      []*regexp.Regexp
	includeUserAgent  bool
	includeRemoteAddr bool
}

type loggingStartKey struct{}

func buildLogging(name string, config map[string]any, deps Deps) (Middleware, error) {
	m := &loggingMiddleware{
		Base:              NewBase(name),
		log:               deps.Log,
		level:             stringOpt(config, "level", "info"),
		includeUserAgent:  boolOpt(config, "include_user_agent", false),
		includeRemoteAddr: boolOpt(config, "include_remote_addr", true),
	}
	for _, p := range stringSliceOpt(config, "exclude_paths") {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		m.excludePaths = append(m.excludePaths, re)
	}
	return m, nil
}

func (m *loggingMiddleware) PreRequest(ctx context.Context, r *http.Request) (context.Context, PreResult) {
	return context.WithValue(ctx, loggingStartKey{}, time.Now()), PreResult{Verdict: Continue}
}

func (m *loggingMiddleware) PostResponse(ctx context.Context, r *http.Request, resp *http.Response) *http.Response {
	if m.log == nil || m.excluded(r.URL.Path) {
		return resp
	}
	start, _ := ctx.Value(loggingStartKey{}).(time.Time)

	fields := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", r.Header.Get("X-Request-Id"),
	}
	if resp != nil {
		fields = append(fields, "status", resp.StatusCode)
	}
	if !start.IsZero() {
		fields = append(fields, "duration_ms", time.Since(start).Milliseconds())
	}
	if m.includeUserAgent {
		fields = append(fields, "user_agent", r.UserAgent())
	}
	if m.includeRemoteAddr {
		fields = append(fields, "remote_addr", r.RemoteAddr)
	}

	logAt(m.log, m.level, "request", fields...)
	return resp
}

func logAt(log *zap.SugaredLogger, level string, msg string, fields ...any) {
	switch level {
	case "debug":
		log.Debugw(msg, fields...)
	case "warn":
		log.Warnw(msg, fields...)
	case "error":
		log.Errorw(msg, fields...)
	default:
		log.Infow(msg, fields...)
	}
}

func (m *loggingMiddleware) excluded(path string) bool {
	for _, re := range m.excludePaths {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}
