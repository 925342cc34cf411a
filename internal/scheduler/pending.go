package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"distributed-job-scheduler/internal/models"
)

// execution is one attempt in flight.
type execution struct {
	job       *models.Job
	payload   any
	caps      Capabilities
	started   time.Time
	cancel    context.CancelFunc
	cancelled atomic.Bool
	halted    atomic.Bool
}

// abort signals the attempt's cancellation token.
func (x *execution) abort() {
	x.cancelled.Store(true)
	x.cancel()
}

// halt calls Halt at most once per execution.
func (x *execution) halt(immediate bool, log *zap.SugaredLogger) {
	if !x.caps.Has(CanHalt) || !x.halted.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			log.Warnw("halt hook panicked", "job_id", x.job.ID, "panic", p)
		}
	}()
	x.payload.(Halter).Halt(immediate)
}

// pendingSet tracks executions so stop and timeouts can reach them.
type pendingSet struct {
	mu    sync.Mutex
	items map[*execution]struct{}
}

func newPendingSet() *pendingSet {
	return &pendingSet{items: make(map[*execution]struct{})}
}

func (p *pendingSet) add(x *execution) {
	p.mu.Lock()
	p.items[x] = struct{}{}
	p.mu.Unlock()
}

func (p *pendingSet) remove(x *execution) {
	p.mu.Lock()
	delete(p.items, x)
	p.mu.Unlock()
}

func (p *pendingSet) snapshot() []*execution {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*execution, 0, len(p.items))
	for x := range p.items {
		out = append(out, x)
	}
	return out
}

func (p *pendingSet) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}
