package orchestrator

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"gatekeeper/internal/models"
)

// sharedRun is the context of one in-flight refresh and the number of
// callers still waiting on it
type sharedRun struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// flights joins concurrent refreshes of the same key. The shared run does
// not inherit any single caller's cancellation; it is cancelled once every
// caller has stopped waiting.
type flights struct {
	mu    sync.Mutex
	group singleflight.Group
	runs  map[string]*sharedRun
}

type refreshFunc func(ctx context.Context) (*models.RefreshResult, error)

// do runs fn once for all concurrent callers of key. Each caller returns
// when the run finishes or when its own ctx ends, whichever comes first.
func (f *flights) do(ctx context.Context, key string, fn refreshFunc) (*models.RefreshResult, bool, error) {
	f.mu.Lock()
	if f.runs == nil {
		f.runs = make(map[string]*sharedRun)
	}
	run, ok := f.runs[key]
	if !ok {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		run = &sharedRun{ctx: runCtx, cancel: cancel}
		f.runs[key] = run
	}
	run.waiters++
	ch := f.group.DoChan(key, func() (any, error) {
		defer f.finish(key, run)
		return fn(run.ctx)
	})
	f.mu.Unlock()

	select {
	case r := <-ch:
		f.leave(key, run)
		if r.Err != nil {
			return nil, r.Shared, r.Err
		}
		res := *r.Val.(*models.RefreshResult)
		return &res, r.Shared, nil
	case <-ctx.Done():
		f.leave(key, run)
		return nil, false, ctx.Err()
	}
}

// finish drops the run once it has produced its result, so later callers
// start a new one
func (f *flights) finish(key string, run *sharedRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runs[key] == run {
		delete(f.runs, key)
	}
}

// leave releases one waiter. The last waiter cancels the run and, if it is
// still registered, forgets it so a new caller never joins a cancelled run.
func (f *flights) leave(key string, run *sharedRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run.waiters--
	if run.waiters > 0 {
		return
	}
	if f.runs[key] == run {
		delete(f.runs, key)
		f.group.Forget(key)
	}
	run.cancel()
}
