package scheduler

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/bosondata/badwolf/internal/common"
)

// Job is one unit of work. f lets the job notice it was cancelled.
type Job func(ctx context.Context, f *Future)

// Pool runs jobs on a bounded number of goroutines.
type Pool struct {
	ctx       context.Context
	stop      context.CancelFunc
	semaphore chan struct{} // 控制并发量的信号量
	wg        sync.WaitGroup
	registry  *Registry
}

func NewPool(workers int, registry *Registry) *Pool {
	if workers <= 0 {
		workers = 1
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Pool{
		ctx:       ctx,
		stop:      stop,
		semaphore: make(chan struct{}, workers),
		registry:  registry,
	}
}

func (p *Pool) Registry() *Registry { return p.registry }

// Submit registers a future under id and returns it without waiting for
// the job. The future is deregistered when the job ends, however it ends.
func (p *Pool) Submit(id string, job Job) *Future {
	f := newFuture(id)
	p.registry.Register(f)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.registry.Remove(id)
		defer f.finish()

		select {
		case p.semaphore <- struct{}{}:
		case <-p.ctx.Done():
			return
		}
		defer func() { <-p.semaphore }()

		if !f.start() {
			common.GetLogger().Info("task cancelled before start", zap.String("task_id", id))
			return
		}
		defer func() {
			if r := recover(); r != nil {
				common.GetLogger().Error("task panicked", zap.String("task_id", id), zap.String("panic", fmt.Sprint(r)), zap.Stack("stack"))
			}
		}()
		job(p.ctx, f)
	}()
	return f
}

// Shutdown stops pending jobs and waits for running ones until ctx expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stop()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every submitted job ended.
func (p *Pool) Wait() {
	p.wg.Wait()
}
