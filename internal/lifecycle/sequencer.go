package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/pkg/logger"
)

// Outcome 是单个步骤的最终结果。
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

// Step 是某个状态内部需要按顺序执行的一个异步操作。
type Step struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) (any, error)
}

// StepResult 报告一个步骤的结果，每个已开始的步骤恰好报告一次。
type StepResult struct {
	Name     string
	Outcome  Outcome
	Value    any
	Err      error
	Duration time.Duration
}

// StepObserver 记录步骤耗时。
type StepObserver interface {
	ObserveStep(step, outcome string, d time.Duration)
}

// Sequencer 按顺序执行步骤，保证超时与取消只在步骤边界生效。
type Sequencer struct {
	observer StepObserver
	logger   *slog.Logger
}

// NewSequencer 创建 Sequencer。observer 可以为 nil。
func NewSequencer(observer StepObserver) *Sequencer {
	return &Sequencer{observer: observer, logger: logger.Named("lifecycle.sequencer")}
}

// Sequence 是一次正在执行的步骤序列。
type Sequence struct {
	cancelled atomic.Bool
	done      chan struct{}
}

// Cancel 请求停止序列。正在执行的步骤会继续运行到结束，但它的结果记为 cancelled，
// 后续步骤不再开始。
func (q *Sequence) Cancel() {
	if q == nil {
		return
	}
	q.cancelled.Store(true)
}

// Cancelled 报告序列是否已被取消。
func (q *Sequence) Cancelled() bool {
	return q != nil && q.cancelled.Load()
}

// Done 在序列结束（全部成功、首个失败或取消）后关闭。
func (q *Sequence) Done() <-chan struct{} {
	return q.done
}

// Start 在后台执行 steps，并对每个已开始的步骤调用一次 report。
// 任一步骤未成功时序列立即停止。ctx 只用于节点关闭，取消序列应调用 Sequence.Cancel。
func (s *Sequencer) Start(ctx context.Context, steps []Step, report func(StepResult)) *Sequence {
	seq := &Sequence{done: make(chan struct{})}
	go func() {
		defer close(seq.done)
		for _, step := range steps {
			if seq.Cancelled() || ctx.Err() != nil {
				return
			}
			result := s.runStep(ctx, seq, step)
			if s.observer != nil {
				s.observer.ObserveStep(step.Name, string(result.Outcome), result.Duration)
			}
			report(result)
			if result.Outcome != OutcomeSucceeded {
				return
			}
		}
	}()
	return seq
}

type stepReturn struct {
	value any
	err   error
}

func (s *Sequencer) runStep(ctx context.Context, seq *Sequence, step Step) StepResult {
	start := time.Now()
	stepCtx := ctx
	cancel := context.CancelFunc(func() {})
	if step.Timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
	}
	defer cancel()

	// 步骤函数可能忽略 ctx，放到独立 goroutine 中以保证超时一定生效。
	ch := make(chan stepReturn, 1)
	var once sync.Once
	go func() {
		defer func() {
			if r := recover(); r != nil {
				once.Do(func() {
					ch <- stepReturn{err: xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("step %s panicked: %v", step.Name, r))}
				})
			}
		}()
		value, err := step.Run(stepCtx)
		once.Do(func() { ch <- stepReturn{value: value, err: err} })
	}()

	result := StepResult{Name: step.Name}
	select {
	case ret := <-ch:
		result.Value, result.Err = ret.value, ret.err
		switch {
		case seq.Cancelled():
			result.Outcome = OutcomeCancelled
		case ret.err == nil:
			result.Outcome = OutcomeSucceeded
		case stepCtx.Err() == context.DeadlineExceeded:
			result.Outcome = OutcomeTimedOut
		default:
			result.Outcome = OutcomeFailed
		}
	case <-stepCtx.Done():
		result.Err = xerrors.Wrap(xerrors.CodeTimeout, stepCtx.Err(), fmt.Sprintf("step %s did not finish within %s", step.Name, step.Timeout))
		result.Outcome = OutcomeTimedOut
		if seq.Cancelled() {
			result.Outcome = OutcomeCancelled
		} else if ctx.Err() != nil {
			result.Outcome = OutcomeFailed
		}
		s.logger.Debug("步骤超时", slog.String("step", step.Name), slog.Duration("timeout", step.Timeout))
	}
	result.Duration = time.Since(start)
	return result
}
