package jobs

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iabetor/oratio/internal/errs"
	"github.com/iabetor/oratio/internal/logger"
	"github.com/iabetor/oratio/internal/storage"
)

// DefaultMaxItems 未配置上限时保留的任务数。
const DefaultMaxItems = 200

// Store 任务持久化存储。每次修改都整体写回 JSON 文件后才返回。
type Store struct {
	mu       sync.RWMutex
	filePath string
	jobs     map[string]*Job
	maxItems int
	now      func() time.Time
}

// NewStore 创建任务存储，maxItems <= 0 时使用 DefaultMaxItems。
func NewStore(filePath string, maxItems int) (*Store, error) {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	s := &Store{
		filePath: filePath,
		jobs:     make(map[string]*Job),
		maxItems: maxItems,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if err := s.load(); err != nil {
		logger.Warnf("[jobs] 加载任务列表失败（将使用空列表）: %v", err)
		s.jobs = make(map[string]*Job)
	}
	return s, nil
}

func (s *Store) load() error {
	var list []Job
	if _, err := storage.ReadJSON(s.filePath, &list); err != nil {
		return err
	}
	for i := range list {
		j := list[i]
		if j.ID == "" {
			continue
		}
		if !j.Status.Valid() {
			logger.Warnf("[jobs] 任务 %s 状态未知 (%q)，按 failed 处理", j.ID, j.Status)
			j.Status = StatusFailed
		}
		if j.UpdatedAt.Before(j.CreatedAt) {
			j.UpdatedAt = j.CreatedAt
		}
		s.jobs[j.ID] = &j
	}
	logger.Debugf("[jobs] 已加载 %d 个任务", len(s.jobs))
	return nil
}

// sortedLocked 按 updated_at 倒序返回所有任务，调用方需持有锁。
func (s *Store) sortedLocked() []*Job {
	list := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		list = append(list, j)
	}
	sort.Slice(list, func(a, b int) bool {
		if !list[a].UpdatedAt.Equal(list[b].UpdatedAt) {
			return list[a].UpdatedAt.After(list[b].UpdatedAt)
		}
		if !list[a].CreatedAt.Equal(list[b].CreatedAt) {
			return list[a].CreatedAt.After(list[b].CreatedAt)
		}
		return list[a].ID < list[b].ID
	})
	return list
}

// flushLocked 写回文件并按上限裁剪最旧的任务。写入失败时内存不做裁剪。
func (s *Store) flushLocked() error {
	sorted := s.sortedLocked()
	var dropped []*Job
	if len(sorted) > s.maxItems {
		dropped = sorted[s.maxItems:]
		sorted = sorted[:s.maxItems]
	}

	out := make([]Job, len(sorted))
	for i, j := range sorted {
		out[i] = *j
	}
	if err := storage.WriteJSON(s.filePath, out); err != nil {
		return errs.Persistence(s.filePath, err)
	}

	for _, j := range dropped {
		delete(s.jobs, j.ID)
	}
	if len(dropped) > 0 {
		logger.Debugf("[jobs] 超出上限 %d，已丢弃 %d 个最旧任务", s.maxItems, len(dropped))
	}
	return nil
}

// Create 创建一个 queued 状态的任务，id 为空时自动生成。
func (s *Store) Create(id string) (Job, error) {
	if id == "" {
		id = NewID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[id]; exists {
		return Job{}, errs.Validation("任务已存在: %s", id)
	}

	now := s.now()
	j := &Job{
		ID:        id,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.jobs[id] = j

	if err := s.flushLocked(); err != nil {
		delete(s.jobs, id)
		return Job{}, err
	}
	return *j, nil
}

// Update 在临界区内对任务应用 fn，校验状态转换后写回。
// ID 与 created_at 不可修改；updated_at 由存储维护且单调不减。
func (s *Store) Update(id string, fn func(*Job)) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return Job{}, errs.NotFound("任务不存在: %s", id)
	}

	prev := *j
	next := *j
	fn(&next)

	next.ID = prev.ID
	next.CreatedAt = prev.CreatedAt
	if !validTransition(prev.Status, next.Status) {
		return prev, fmt.Errorf("%w: %s %s → %s", ErrInvalidTransition, id, prev.Status, next.Status)
	}

	now := s.now()
	if now.Before(prev.UpdatedAt) {
		now = prev.UpdatedAt
	}
	next.UpdatedAt = now

	*j = next
	if err := s.flushLocked(); err != nil {
		*j = prev
		return Job{}, err
	}
	if _, still := s.jobs[id]; !still {
		logger.Warnf("[jobs] 任务 %s 更新后因超出上限被丢弃", id)
	}
	return next, nil
}

// MarkRunning 将任务置为 running。
func (s *Store) MarkRunning(id string) (Job, error) {
	return s.Update(id, func(j *Job) {
		j.Status = StatusRunning
	})
}

// Claim 在临界区内将 queued 任务置为 running，任务不是 queued 时返回 ErrValidation。
// 同一任务并发 Claim 时只有一个调用成功。
func (s *Store) Claim(id string) (Job, error) {
	j, err := s.MarkRunning(id)
	if errors.Is(err, ErrInvalidTransition) {
		return j, errs.Validation("任务 %s 状态为 %s，不能再次执行", id, j.Status)
	}
	return j, err
}

// MarkSucceeded 将任务置为 succeeded 并写入结果字段。
func (s *Store) MarkSucceeded(id string, o Outcome) (Job, error) {
	return s.Update(id, func(j *Job) {
		j.Status = StatusSucceeded
		j.AudioURL = o.AudioURL
		j.DurationSeconds = o.DurationSeconds
		j.Model = o.Model
		j.VoiceID = o.VoiceID
		j.Source = o.Source
		j.Error = ""
	})
}

// MarkFailed 将任务置为 failed，只记录错误信息。
func (s *Store) MarkFailed(id, message string) (Job, error) {
	return s.Update(id, func(j *Job) {
		j.Status = StatusFailed
		j.Error = message
	})
}

// Get 返回任务副本。
func (s *Store) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// List 按最近更新排序返回任务，limit <= 0 返回全部。
func (s *Store) List(limit int) []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sorted := s.sortedLocked()
	if limit <= 0 || limit > len(sorted) {
		limit = len(sorted)
	}
	out := make([]Job, limit)
	for i := 0; i < limit; i++ {
		out[i] = *sorted[i]
	}
	return out
}

// Len 返回任务数。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Delete 删除任务，返回是否存在。
func (s *Store) Delete(id string) (bool, error) {
	n, err := s.DeleteBatch([]string{id})
	return n > 0, err
}

// DeleteBatch 删除多个任务并只写回一次，返回实际删除数量。
func (s *Store) DeleteBatch(ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make(map[string]*Job)
	for _, id := range ids {
		if j, ok := s.jobs[id]; ok {
			removed[id] = j
			delete(s.jobs, id)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}
	if err := s.flushLocked(); err != nil {
		for id, j := range removed {
			s.jobs[id] = j
		}
		return 0, err
	}
	return len(removed), nil
}

// FailStale 将所有 running 状态的任务标记为 failed，用于进程重启后的对账。
func (s *Store) FailStale(message string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []*Job
	var prev []Job
	now := s.now()
	for _, j := range s.jobs {
		if j.Status != StatusRunning {
			continue
		}
		prev = append(prev, *j)
		j.Status = StatusFailed
		j.Error = message
		if now.After(j.UpdatedAt) {
			j.UpdatedAt = now
		}
		changed = append(changed, j)
	}
	if len(changed) == 0 {
		return 0, nil
	}
	if err := s.flushLocked(); err != nil {
		for i, j := range changed {
			*j = prev[i]
		}
		return 0, err
	}
	return len(changed), nil
}
