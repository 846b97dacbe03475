// internal/services/struct_worker.go
package services

import (
	"context"
	"sync"

	apperrors "github.com/storyos/storyos/internal/errors"
	"github.com/storyos/storyos/internal/models"
	"github.com/storyos/storyos/internal/utils"
)

// DefaultStructWorkers 结构化增量阶段的固定工作者数
const DefaultStructWorkers = 2

// StructJob 一个会话的未决结构化补全工作
// 每会话同时最多存在一个；新回合开始前必须等它落定
type StructJob struct {
	SessionID string
	Result    *models.TurnResponse
	Err       error
	done      chan struct{}
}

// Done 返回工作完成信号通道
func (j *StructJob) Done() <-chan struct{} {
	return j.done
}

// StructWorkFn 工作体：执行第二阶段调用并落库
type StructWorkFn func(ctx context.Context) (*models.TurnResponse, error)

type structTask struct {
	job *StructJob
	fn  StructWorkFn
}

// StructWorkerPool 有界的后台工作池
// 两阶段流程中，叙事阶段同步流式返回后，结构化阶段经此池异步执行，
// 调用方通过Poll轮询完成状态而不是内联等待
type StructWorkerPool struct {
	tasks   chan structTask
	pending map[string]*StructJob
	mu      sync.Mutex
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewStructWorkerPool 创建并启动工作池
func NewStructWorkerPool(workers int) *StructWorkerPool {
	if workers <= 0 {
		workers = DefaultStructWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &StructWorkerPool{
		tasks:   make(chan structTask, workers*4),
		pending: make(map[string]*StructJob),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker()
	}

	return pool
}

func (p *StructWorkerPool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.tasks:
			result, err := task.fn(p.ctx)
			task.job.Result = result
			task.job.Err = err
			close(task.job.done)

			if err != nil {
				utils.GetLogger().Warn("结构化补全失败", map[string]interface{}{
					"session_id": task.job.SessionID,
					"error":      err.Error(),
				})
			}
		}
	}
}

// Submit 为会话提交一个结构化补全工作
// 已有未决工作时返回冲突错误，调用方应先Wait或Poll
func (p *StructWorkerPool) Submit(sessionID string, fn StructWorkFn) (*StructJob, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, apperrors.NewProcessingError("工作池已关闭", nil)
	}
	if existing, exists := p.pending[sessionID]; exists {
		select {
		case <-existing.done:
			// 已完成但未被领取，允许覆盖
		default:
			p.mu.Unlock()
			return nil, apperrors.NewAppError(apperrors.ErrorTypeConflict,
				"会话已有未决的结构化补全工作", nil)
		}
	}

	job := &StructJob{
		SessionID: sessionID,
		done:      make(chan struct{}),
	}
	p.pending[sessionID] = job
	p.mu.Unlock()

	select {
	case p.tasks <- structTask{job: job, fn: fn}:
		return job, nil
	case <-p.ctx.Done():
		p.mu.Lock()
		delete(p.pending, sessionID)
		p.mu.Unlock()
		return nil, apperrors.NewProcessingError("工作池已关闭", nil)
	}
}

// Poll 查询会话的结构化补全状态
// 已完成的工作被领取后从未决表移除；没有工作时返回 (nil, false)
func (p *StructWorkerPool) Poll(sessionID string) (*StructJob, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	job, exists := p.pending[sessionID]
	if !exists {
		return nil, false
	}

	select {
	case <-job.done:
		delete(p.pending, sessionID)
		return job, true
	default:
		return job, false
	}
}

// Wait 阻塞直到会话的未决工作落定
// 这是未决工作与新回合竞争的解决策略：新输入等待而不是取消
func (p *StructWorkerPool) Wait(ctx context.Context, sessionID string) (*StructJob, error) {
	p.mu.Lock()
	job, exists := p.pending[sessionID]
	p.mu.Unlock()

	if !exists {
		return nil, nil
	}

	select {
	case <-job.done:
		p.mu.Lock()
		delete(p.pending, sessionID)
		p.mu.Unlock()
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HasPending 会话是否有未决工作
func (p *StructWorkerPool) HasPending(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	job, exists := p.pending[sessionID]
	if !exists {
		return false
	}

	select {
	case <-job.done:
		return false
	default:
		return true
	}
}

// Shutdown 停止工作池并等待工作者退出
// 已排队但未开始的工作以错误落定，阻塞中的 Wait 随之解除
func (p *StructWorkerPool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	for {
		select {
		case task := <-p.tasks:
			task.job.Err = apperrors.NewProcessingError("工作池已关闭", nil)
			close(task.job.done)
		default:
			return
		}
	}
}
