package service

import (
	"context"
	"fmt"

	"github.com/iabetor/oratio/internal/logger"
	"github.com/iabetor/oratio/internal/synth"
)

type task struct {
	jobID string
	req   synth.Request
}

// Start 执行启动对账与清理，启动工作池和定期清理。重复调用无效。
func (s *Service) Start(ctx context.Context) error {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}

	if _, err := s.Reconcile(); err != nil {
		return fmt.Errorf("[service] 启动对账失败: %w", err)
	}
	if s.opts.CleanupOnStart {
		res, err := s.RunCleanup()
		if err != nil {
			logger.Warnf("[service] 启动清理失败: %v", err)
		} else {
			logger.Infof("[service] 启动清理: 删除 %d 个文件，%d 条历史，剩余 %d 条",
				res.RemovedFiles, res.RemovedHistory, res.RemainingHistory)
		}
	}

	// worker 的 ctx 与调用方无关，ctx 取消后队列中的任务仍会执行完，由 Close 收尾
	var workCtx context.Context
	workCtx, s.workCancel = context.WithCancel(context.Background())
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker(workCtx, i)
	}
	ctx, s.cancel = context.WithCancel(ctx)
	if s.opts.CleanupInterval > 0 {
		s.loopWG.Add(1)
		go func() {
			defer s.loopWG.Done()
			s.Sweeper.Loop(ctx, s.opts.CleanupInterval)
		}()
	}

	s.started = true
	logger.Infof("[service] 工作池已启动: %d 个 worker，队列 %d", s.opts.Workers, cap(s.queue))
	return nil
}

func (s *Service) worker(ctx context.Context, n int) {
	defer s.wg.Done()
	for t := range s.queue {
		if _, err := s.RunJob(ctx, t.jobID, t.req); err != nil {
			logger.Debugf("[service] worker %d: 任务 %s 失败: %v", n, t.jobID, err)
		}
	}
}

func (s *Service) enqueue(t task) error {
	s.qmu.RLock()
	defer s.qmu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if !s.started {
		return fmt.Errorf("%w: 工作池未启动", ErrClosed)
	}
	select {
	case s.queue <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close 停止接收新任务，等待队列中的任务执行完毕，再释放所有资源。
func (s *Service) Close() {
	s.qmu.Lock()
	if s.closed {
		s.qmu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.qmu.Unlock()

	s.wg.Wait()
	if s.workCancel != nil {
		s.workCancel()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.loopWG.Wait()
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	logger.Info("[service] 已关闭")
}
