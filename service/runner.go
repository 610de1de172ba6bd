package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
)

// ErrBusy 执行池已满
var ErrBusy = errors.New("worker pool exhausted")

// Work 是一个后台执行单元。ctx 取消后应在下一个挂起点尽快返回。
type Work func(ctx context.Context, progress func(msg string)) (interface{}, error)

type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeFailed
	// 取消被确认：工作单元在宽限期内退出
	OutcomeCancelled
	// 宽限期到仍未退出，执行槽被强制回收
	OutcomeAbandoned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeAbandoned:
		return "abandoned"
	}
	return "unknown"
}

// Callbacks 中 OnSuccess / OnFailure 至多触发一次，OnProgress 可多次。
// 取消被确认后不再触发任何回调。OnExit 是给编排器的簿记钩子，总会恰好触发一次。
type Callbacks struct {
	OnProgress func(msg string)
	OnSuccess  func(result interface{})
	OnFailure  func(err error)
	OnExit     func(outcome Outcome)
}

type RunnerOption func(*Runner)

// WithDelivery 指定回调的投递方式，例如投递到 UI 线程或某个 channel。
// 默认在工作 goroutine 上同步调用。
func WithDelivery(deliver func(fn func())) RunnerOption {
	return func(r *Runner) { r.deliver = deliver }
}

func WithGrace(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.grace = d
		}
	}
}

type Runner struct {
	pool    *ants.Pool
	grace   time.Duration
	deliver func(fn func())
}

func NewRunner(size int, opts ...RunnerOption) (*Runner, error) {
	r := &Runner{
		grace:   3 * time.Second,
		deliver: func(fn func()) { fn() },
	}
	for _, opt := range opts {
		opt(r)
	}
	pool, err := ants.NewPool(size,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			log.Error().Interface("panic", p).Msg("runner worker panicked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	r.pool = pool
	return r, nil
}

func (r *Runner) Grace() time.Duration { return r.grace }

func (r *Runner) Running() int { return r.pool.Running() }

func (r *Runner) Release() { r.pool.Release() }

// Start 把 work 放进执行池并立即返回句柄
func (r *Runner) Start(parent context.Context, work Work, cb Callbacks) (*Handle, error) {
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{
		cancel:   cancel,
		grace:    r.grace,
		done:     make(chan struct{}),
		workDone: make(chan struct{}),
		onExit:   cb.OnExit,
	}

	task := func() {
		defer close(h.workDone)
		defer cancel()

		result, err := r.invoke(ctx, h, work, cb)

		h.mu.Lock()
		acknowledged := h.cancelled
		if !acknowledged && err != nil && ctx.Err() != nil {
			// 父 context 被取消（关停）也按取消处理，不写失败标记
			acknowledged = true
			h.cancelled = true
		}
		h.settled = true
		h.mu.Unlock()

		if acknowledged {
			h.exit(OutcomeCancelled)
			return
		}
		if err != nil {
			r.finish(h, OutcomeFailed, func() {
				if cb.OnFailure != nil {
					cb.OnFailure(err)
				}
			})
			return
		}
		r.finish(h, OutcomeSucceeded, func() {
			if cb.OnSuccess != nil {
				cb.OnSuccess(result)
			}
		})
	}

	if err := r.pool.Submit(task); err != nil {
		cancel()
		if errors.Is(err, ants.ErrPoolOverload) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("submit work: %w", err)
	}
	return h, nil
}

func (r *Runner) invoke(ctx context.Context, h *Handle, work Work, cb Callbacks) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("task panicked")
			result, err = nil, fmt.Errorf("task panicked: %v", p)
		}
	}()
	progress := func(msg string) {
		if cb.OnProgress == nil || h.isCancelled() {
			return
		}
		r.emit(func() { cb.OnProgress(msg) })
	}
	return work(ctx, progress)
}

// emit 投递回调，回调自身的 panic 也在这里兜住
func (r *Runner) emit(fn func()) {
	r.deliver(func() { safeCall(fn) })
}

// finish 投递终态回调，回调返回后才回收执行槽
func (r *Runner) finish(h *Handle, o Outcome, fn func()) {
	r.deliver(func() {
		defer h.exit(o)
		safeCall(fn)
	})
}

func safeCall(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("task callback panicked")
		}
	}()
	fn()
}

type Handle struct {
	cancel context.CancelFunc
	grace  time.Duration

	mu        sync.Mutex
	cancelled bool
	settled   bool

	workDone chan struct{}
	done     chan struct{}
	exitOnce sync.Once
	onExit   func(Outcome)
}

// Cancel 请求协作式取消并最多等待宽限期。返回 false 表示任务被放弃、执行槽已强制回收。
// 工作单元已经返回时不再取消，等结果回调走完。
func (h *Handle) Cancel() bool {
	h.mu.Lock()
	settled := h.settled
	if !settled {
		h.cancelled = true
	}
	h.mu.Unlock()
	if settled {
		<-h.done
		return true
	}
	h.cancel()

	timer := time.NewTimer(h.grace)
	defer timer.Stop()
	select {
	case <-h.workDone:
		<-h.done
		return true
	case <-timer.C:
		if h.isSettled() {
			<-h.done
			return true
		}
		log.Warn().Dur("grace", h.grace).Msg("task did not stop within grace period, abandoning")
		h.exit(OutcomeAbandoned)
		return false
	}
}

// Done 在执行槽被回收后关闭
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Wait() { <-h.done }

func (h *Handle) isCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

func (h *Handle) isSettled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.settled
}

func (h *Handle) exit(o Outcome) {
	h.exitOnce.Do(func() {
		defer close(h.done)
		if h.onExit == nil {
			return
		}
		defer func() {
			if p := recover(); p != nil {
				log.Error().Interface("panic", p).Msg("task exit hook panicked")
			}
		}()
		h.onExit(o)
	})
}
