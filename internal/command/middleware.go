package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"owscholar/internal/storage"
	logx "owscholar/pkg/logx"
)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] is the outermost middleware.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func WithTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func WithPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (reply string, err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Log.Error("panic recovered", logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 32)))
					reply, err = "", fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func WithRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			start := time.Now()
			reply, err := next(ctx, req)
			fields := []logx.Field{
				logx.String("cmd", req.Cmd.Name),
				logx.Duration("dur", time.Since(start)),
			}
			if err != nil {
				req.Log.Warn("command failed", append(fields, logx.Err(err))...)
			} else {
				req.Log.Info("command ok", fields...)
			}
			return reply, err
		}
	}
}

// WithAudit records state-changing commands. Audit failures are logged and
// never fail the command.
func WithAudit(a Auditor) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			if a == nil || !req.Cmd.Mutates {
				return next(ctx, req)
			}
			start := time.Now()
			reply, err := next(ctx, req)
			e := storage.AuditEntry{
				At:            start.UTC(),
				ActorID:       req.Msg.FromID,
				ActorUsername: req.Msg.FromUsername,
				Platform:      string(req.Msg.Platform),
				ChatID:        req.Msg.ChatID,
				Command:       req.Cmd.Name,
				Target:        req.Target,
				OK:            err == nil,
				TookMS:        time.Since(start).Milliseconds(),
			}
			if err != nil {
				e.Error = err.Error()
			}
			if aerr := a.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil && !errors.Is(aerr, storage.ErrDisabled) {
				req.Log.Warn("audit append failed", logx.Err(aerr))
			}
			return reply, err
		}
	}
}
