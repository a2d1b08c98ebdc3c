package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "guildbot/pkg/logx"
)

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Logger.Error("panic recovered", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// MWRequestLog logs failures at WARN and slow successes at INFO; the rest go
// to DEBUG.
func MWRequestLog(slow time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)
			switch {
			case err != nil:
				req.Logger.Warn("request failed", logx.Duration("dur", d), logx.Err(err))
			case d >= slow:
				req.Logger.Info("request ok", logx.Duration("dur", d))
			default:
				req.Logger.Debug("request ok", logx.Duration("dur", d))
			}
			return err
		}
	}
}
