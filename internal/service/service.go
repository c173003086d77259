// Package service 对外提供任务、历史、清理与导出操作，是传输层（CLI、NATS）唯一依赖的入口。
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/iabetor/oratio/internal/cleanup"
	"github.com/iabetor/oratio/internal/database"
	"github.com/iabetor/oratio/internal/errs"
	"github.com/iabetor/oratio/internal/history"
	"github.com/iabetor/oratio/internal/jobs"
	"github.com/iabetor/oratio/internal/logger"
	"github.com/iabetor/oratio/internal/models"
	"github.com/iabetor/oratio/internal/synth"
	"github.com/iabetor/oratio/internal/voice"
)

// StaleRunningMessage 启动对账时写入被中断任务的错误信息。
const StaleRunningMessage = "interrupted: process exited while running"

// ErrQueueFull 异步队列已满。
var ErrQueueFull = errors.New("job queue full")

// ErrClosed 服务已关闭。
var ErrClosed = errors.New("service closed")

// Mirror 音频文件的远端副本，失败只记录日志。
type Mirror interface {
	UploadFile(ctx context.Context, path string) error
	Delete(ctx context.Context, key string) error
}

// StatsRecorder 记录成功合成的使用统计。
type StatsRecorder interface {
	Record(source, voiceID string, seconds float64) error
}

// sourceTotals 由支持汇总的统计实现提供，用于 Health。
type sourceTotals interface {
	TotalsBySource() (map[string]int, error)
}

// Components 服务依赖的组件。Models、Stats、Mirror 可为 nil。
type Components struct {
	Orchestrator *synth.Orchestrator
	Jobs         *jobs.Store
	History      *history.Log
	Sweeper      *cleanup.Sweeper
	Models       *models.Manager
	Stats        StatsRecorder
	Mirror       Mirror
}

// Options 运行参数。
type Options struct {
	Workers          int
	QueueSize        int
	FailStaleRunning bool
	CleanupOnStart   bool
	CleanupInterval  time.Duration
}

// Service 合成服务。
type Service struct {
	Components
	opts Options

	queue      chan task
	qmu        sync.RWMutex
	started    bool
	closed     bool
	wg         sync.WaitGroup     // worker
	loopWG     sync.WaitGroup     // 定期清理
	cancel     context.CancelFunc // 定期清理
	workCancel context.CancelFunc // worker，在队列排空后才调用

	nc      *nats.Conn
	db      *database.DB
	closers []func()
}

// NewFromComponents 用已构造的组件创建服务。
func NewFromComponents(c Components, opts Options) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &Service{
		Components: c,
		opts:       opts,
		queue:      make(chan task, opts.QueueSize),
	}
}

// CreateJob 创建一个 queued 任务并返回其 ID。
func (s *Service) CreateJob() (string, error) {
	j, err := s.Jobs.Create("")
	if err != nil {
		return "", err
	}
	return j.ID, nil
}

// Submit 校验请求后创建任务。async 为 false 时同步执行并返回终态任务；
// 为 true 时立即返回 queued 任务，由工作池执行。校验失败不会创建任务。
func (s *Service) Submit(ctx context.Context, req synth.Request, async bool) (jobs.Job, error) {
	if _, err := s.Orchestrator.Validate(req); err != nil {
		return jobs.Job{}, err
	}
	j, err := s.Jobs.Create(req.JobID)
	if err != nil {
		return jobs.Job{}, err
	}
	if !async {
		return s.RunJob(ctx, j.ID, req)
	}
	if err := s.enqueue(task{jobID: j.ID, req: req}); err != nil {
		failed, ferr := s.Jobs.MarkFailed(j.ID, err.Error())
		if ferr != nil {
			logger.Errorf("[service] 任务 %s 标记失败出错: %v", j.ID, ferr)
			return j, err
		}
		return failed, err
	}
	logger.Debugf("[service] 任务 %s 已入队", j.ID)
	return j, nil
}

// RunJob 执行一个 queued 任务，返回终态任务。
// 失败时任务已被标记为 failed，同时返回错误。
func (s *Service) RunJob(ctx context.Context, jobID string, req synth.Request) (jobs.Job, error) {
	// 先占有任务，同一任务只有一个执行者
	j, err := s.Jobs.Claim(jobID)
	if err != nil {
		return j, err
	}

	req.JobID = jobID
	if _, err := s.Orchestrator.Validate(req); err != nil {
		return s.fail(jobID, err)
	}

	res, err := s.Orchestrator.Synthesize(ctx, req)
	if err != nil {
		logger.Warnf("[service] 任务 %s 合成失败: %v", jobID, err)
		return s.fail(jobID, err)
	}
	return s.commit(res, req.Text)
}

// fail 将任务标记为 failed 并原样返回 cause。
func (s *Service) fail(jobID string, cause error) (jobs.Job, error) {
	failed, err := s.Jobs.MarkFailed(jobID, cause.Error())
	if err != nil {
		return jobs.Job{}, fmt.Errorf("%w (标记失败时出错: %v)", cause, err)
	}
	return failed, cause
}

// commit 先写历史再标记成功，两者都成功才算成功。
// 历史写入失败时任务记为失败并删除音频；任务更新失败时撤回历史条目。
func (s *Service) commit(res *synth.Result, text string) (jobs.Job, error) {
	if err := s.AppendHistoryFromResult(res, history.Preview(text)); err != nil {
		_ = os.Remove(res.AudioPath)
		return s.fail(res.JobID, err)
	}

	j, err := s.Jobs.MarkSucceeded(res.JobID, jobs.Outcome{
		AudioURL:        res.AudioURL,
		DurationSeconds: res.DurationSeconds,
		Model:           res.Model,
		VoiceID:         res.VoiceID,
		Source:          string(res.Source),
	})
	if err != nil {
		if _, rerr := s.History.Remove(res.JobID, true); rerr != nil {
			logger.Errorf("[service] 任务 %s 撤回历史记录失败: %v", res.JobID, rerr)
		}
		if _, ferr := s.Jobs.MarkFailed(res.JobID, err.Error()); ferr != nil {
			logger.Errorf("[service] 任务 %s 标记失败出错: %v", res.JobID, ferr)
		}
		return jobs.Job{}, err
	}

	s.afterSuccess(res)
	return j, nil
}

func (s *Service) afterSuccess(res *synth.Result) {
	if s.Stats != nil {
		if err := s.Stats.Record(string(res.Source), res.VoiceID, res.DurationSeconds); err != nil {
			logger.Warnf("[service] 记录统计失败: %v", err)
		}
	}
	if s.Mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Mirror.UploadFile(ctx, res.AudioPath); err != nil {
			logger.Warnf("[service] 镜像音频 %s 失败: %v", res.AudioPath, err)
		}
	}
}

// GetJob 返回任务，不存在时返回 ErrNotFound。
func (s *Service) GetJob(jobID string) (jobs.Job, error) {
	j, ok := s.Jobs.Get(jobID)
	if !ok {
		return jobs.Job{}, errs.NotFound("任务不存在: %s", jobID)
	}
	return j, nil
}

// ListJobs 按最近更新排序返回任务，limit <= 0 返回全部。
func (s *Service) ListJobs(limit int) []jobs.Job {
	return s.Jobs.List(limit)
}

// DeleteJob 删除任务记录，历史与音频不受影响。
func (s *Service) DeleteJob(jobID string) (bool, error) {
	return s.Jobs.Delete(jobID)
}

// BatchDeleteJobs 批量删除任务记录。
func (s *Service) BatchDeleteJobs(ids []string) (int, error) {
	return s.Jobs.DeleteBatch(ids)
}

// ListVoices 返回已注册的音色预设。
func (s *Service) ListVoices() []voice.Preset {
	return s.Orchestrator.Voices().List()
}

// AppendHistoryFromResult 由合成结果生成历史条目并插入到最前。
func (s *Service) AppendHistoryFromResult(res *synth.Result, textPreview string) error {
	return s.History.Append(history.Entry{
		JobID:           res.JobID,
		TextPreview:     history.Preview(textPreview),
		Model:           res.Model,
		VoiceID:         res.VoiceID,
		AudioPath:       res.AudioPath,
		AudioURL:        res.AudioURL,
		DurationSeconds: res.DurationSeconds,
		CreatedAt:       res.CreatedAt.UTC().Format(time.RFC3339Nano),
		Source:          string(res.Source),
	})
}

// ListHistory 返回最近的历史条目，limit <= 0 返回全部。
func (s *Service) ListHistory(limit int) []history.Entry {
	return s.History.List(limit)
}

// DeleteHistoryEntry 删除一条历史记录，deleteAudio 为 true 时同时删除音频文件。
func (s *Service) DeleteHistoryEntry(jobID string, deleteAudio bool) (bool, error) {
	n, err := s.BatchDeleteHistory([]string{jobID}, deleteAudio)
	return n > 0, err
}

// BatchDeleteHistory 批量删除历史记录，返回删除的条目数。
func (s *Service) BatchDeleteHistory(ids []string, deleteAudio bool) (int, error) {
	var keys []string
	if deleteAudio && s.Mirror != nil {
		for _, id := range ids {
			if e, ok := s.History.Get(id); ok && e.AudioPath != "" {
				keys = append(keys, filepath.Base(e.AudioPath))
			}
		}
	}

	n, err := s.History.RemoveBatch(ids, deleteAudio)
	if err != nil {
		return 0, err
	}

	if n > 0 && len(keys) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, k := range keys {
			if err := s.Mirror.Delete(ctx, k); err != nil {
				logger.Warnf("[service] 删除镜像 %s 失败: %v", k, err)
			}
		}
	}
	return n, nil
}

// RunCleanup 执行一次保留策略清理。
func (s *Service) RunCleanup() (cleanup.Result, error) {
	return s.Sweeper.Run()
}

// ModelStatus 返回本地模型状态，未配置模型管理器时返回 nil。
func (s *Service) ModelStatus() []models.Status {
	if s.Models == nil {
		return nil
	}
	return s.Models.Status()
}

// Health 服务状态摘要。
type Health struct {
	Status         string `json:"status"`
	Provider       string `json:"provider"`
	InferenceReady bool   `json:"inference_ready"`
	NeedsDownload  bool   `json:"needs_download"`
	Voices         int    `json:"voices"`
	Jobs           int    `json:"jobs"`
	History        int    `json:"history"`
	QueueDepth     int    `json:"queue_depth"`
	// Syntheses 按来源累计的成功合成次数，仅在启用数据库时填充。
	Syntheses map[string]int `json:"syntheses,omitempty"`
}

// Health 返回当前状态。
func (s *Service) Health() Health {
	r := s.Orchestrator.Resolver()
	h := Health{
		Status:         "ok",
		Provider:       string(r.Mode()),
		InferenceReady: r.InferenceReady(),
		Voices:         s.Orchestrator.Voices().Len(),
		Jobs:           s.Jobs.Len(),
		History:        s.History.Len(),
		QueueDepth:     len(s.queue),
	}
	if s.Models != nil {
		h.NeedsDownload = s.Models.NeedsDownload()
	}
	if st, ok := s.Stats.(sourceTotals); ok {
		totals, err := st.TotalsBySource()
		if err != nil {
			logger.Warnf("[service] 读取合成统计失败: %v", err)
		} else {
			h.Syntheses = totals
		}
	}
	return h
}

// Reconcile 启动对账：按配置将遗留的 running 任务标记为失败。
func (s *Service) Reconcile() (int, error) {
	if !s.opts.FailStaleRunning {
		return 0, nil
	}
	n, err := s.Jobs.FailStale(StaleRunningMessage)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Warnf("[service] 已将 %d 个中断的 running 任务标记为失败", n)
	}
	return n, nil
}
