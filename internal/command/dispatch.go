package command

import (
	"context"
	"runtime"
	"strconv"
	"time"

	rtsup "owscholar/internal/runtime/supervisor"
	"owscholar/internal/transport"
	logx "owscholar/pkg/logx"
)

// DispatchLoop handles updates with a small worker pool until ctx is done
// or updates is closed.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	workers := min(max(runtime.NumCPU(), 2), 8)
	sup := rtsup.New(ctx, rtsup.WithLogger(r.deps.Log), rtsup.WithCancelOnError(false))
	r.deps.Log.Info("command dispatcher started", logx.Int("workers", workers))

	for i := range workers {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case up, ok := <-updates:
					if !ok {
						return nil
					}
					if up.Kind == transport.UpdateMessage && up.Message != nil {
						r.Handle(c, up.Message)
					}
				}
			}
		}, rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	}

	<-ctx.Done()
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		r.deps.Log.Warn("command workers did not stop in time", logx.Err(err))
	}
	return nil
}
