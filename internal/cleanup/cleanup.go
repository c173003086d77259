// Package cleanup 实现音频文件与历史记录的保留策略。
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/iabetor/oratio/internal/history"
	"github.com/iabetor/oratio/internal/logger"
)

const (
	DefaultMaxAge     = 48 * time.Hour
	DefaultMaxHistory = 200
)

// Policy 保留策略。
type Policy struct {
	MaxAge     time.Duration
	MaxHistory int
}

// SoftFailure 单个文件删除失败，不影响整体结果。
type SoftFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Result 一次清理的统计。
type Result struct {
	RemovedFiles     int           `json:"removed_files"`
	RemovedHistory   int           `json:"removed_history"`
	RemainingHistory int           `json:"remaining_history"`
	SoftFailures     []SoftFailure `json:"soft_failures,omitempty"`
}

// Sweeper 清理服务，同一实例的多次调用串行执行。
type Sweeper struct {
	mu       sync.Mutex
	audioDir string
	log      *history.Log
	policy   Policy
	now      func() time.Time
	remove   func(string) error
}

// NewSweeper 创建清理服务，未设置的策略项使用默认值。
func NewSweeper(audioDir string, log *history.Log, policy Policy) *Sweeper {
	if policy.MaxAge <= 0 {
		policy.MaxAge = DefaultMaxAge
	}
	if policy.MaxHistory <= 0 {
		policy.MaxHistory = DefaultMaxHistory
	}
	return &Sweeper{
		audioDir: audioDir,
		log:      log,
		policy:   policy,
		now:      time.Now,
		remove:   os.Remove,
	}
}

// Policy 返回生效的策略。
func (s *Sweeper) Policy() Policy {
	return s.policy
}

// Run 执行一次清理：
//  1. 删除修改时间早于截止时间的音频文件；
//  2. 丢弃音频路径已不存在或创建时间早于截止时间的历史记录；
//  3. 截断到 MaxHistory 条并写回。
//
// 文件删除失败记入 SoftFailures，只有历史写回失败才返回 error。
func (s *Sweeper) Run() (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-s.policy.MaxAge)
	var res Result

	matches, err := filepath.Glob(filepath.Join(s.audioDir, "*.wav"))
	if err != nil {
		// 只有模式非法时才会出错
		logger.Warnf("[cleanup] 列出音频文件失败: %v", err)
	}
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := s.remove(path); err != nil && !os.IsNotExist(err) {
			res.SoftFailures = append(res.SoftFailures, SoftFailure{Path: path, Error: err.Error()})
			continue
		}
		res.RemovedFiles++
	}

	// 没有音频路径的记录只按时间和条数裁剪
	keep := func(e history.Entry) bool {
		if e.AudioPath != "" {
			if _, err := os.Stat(e.AudioPath); err != nil {
				return false
			}
		}
		return !e.CreatedTime(now).Before(cutoff)
	}
	filtered, overflow, remaining, err := s.log.Prune(keep, s.policy.MaxHistory)
	if err != nil {
		return res, err
	}
	res.RemovedHistory = filtered + overflow
	res.RemainingHistory = remaining

	if len(res.SoftFailures) > 0 {
		logger.Warnf("[cleanup] %d 个文件删除失败", len(res.SoftFailures))
	}
	logger.Infof("[cleanup] 删除文件 %d 个，删除历史 %d 条，剩余 %d 条",
		res.RemovedFiles, res.RemovedHistory, res.RemainingHistory)
	return res, nil
}

// Loop 每隔 interval 执行一次清理，直到 ctx 取消。
func (s *Sweeper) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Run(); err != nil {
				logger.Errorf("[cleanup] 定时清理失败: %v", err)
			}
		}
	}
}
