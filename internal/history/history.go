// Package history 维护已完成合成的审计日志，同时作为音频导出的来源。
//
// 日志按最近优先排列，与任务存储相互独立：任务被删除后条目仍可保留。
package history

import (
	"os"
	"sync"
	"time"

	"github.com/iabetor/oratio/internal/errs"
	"github.com/iabetor/oratio/internal/logger"
	"github.com/iabetor/oratio/internal/storage"
)

// DefaultMaxItems 追加时的硬上限，保留策略由清理服务按 max_history 执行。
const DefaultMaxItems = 1000

// PreviewRunes 文本预览的最大字符数。
const PreviewRunes = 160

// Entry 历史条目。
type Entry struct {
	JobID           string  `json:"job_id"`
	TextPreview     string  `json:"text_preview"`
	Model           string  `json:"model"`
	VoiceID         string  `json:"voice_id"`
	AudioPath       string  `json:"audio_path"`
	AudioURL        string  `json:"audio_url"`
	DurationSeconds float64 `json:"duration_seconds"`
	CreatedAt       string  `json:"created_at"` // RFC3339
	Source          string  `json:"source"`
}

// CreatedTime 解析 created_at，缺失或无法解析时返回 now。
func (e Entry) CreatedTime(now time.Time) time.Time {
	if e.CreatedAt == "" {
		return now
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, e.CreatedAt); err == nil {
			return t
		}
	}
	return now
}

// Preview 截取文本前 PreviewRunes 个字符。
func Preview(text string) string {
	r := []rune(text)
	if len(r) <= PreviewRunes {
		return text
	}
	return string(r[:PreviewRunes])
}

// Log 历史记录存储。
type Log struct {
	mu       sync.RWMutex
	filePath string
	entries  []Entry
	maxItems int
}

// NewLog 创建历史记录存储，maxItems <= 0 时使用 DefaultMaxItems。
func NewLog(filePath string, maxItems int) (*Log, error) {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	l := &Log{filePath: filePath, maxItems: maxItems}
	if err := l.load(); err != nil {
		logger.Warnf("[history] 加载历史记录失败（将使用空列表）: %v", err)
		l.entries = make([]Entry, 0)
	}
	return l, nil
}

func (l *Log) load() error {
	l.entries = make([]Entry, 0)
	var list []Entry
	if _, err := storage.ReadJSON(l.filePath, &list); err != nil {
		return err
	}
	if list != nil {
		l.entries = list
	}
	return nil
}

func (l *Log) saveLocked() error {
	if err := storage.WriteJSON(l.filePath, l.entries); err != nil {
		return errs.Persistence(l.filePath, err)
	}
	return nil
}

// replaceLocked 用 next 替换条目并写回，失败时恢复原列表。
func (l *Log) replaceLocked(next []Entry) error {
	prev := l.entries
	l.entries = next
	if err := l.saveLocked(); err != nil {
		l.entries = prev
		return err
	}
	return nil
}

// Append 在头部插入条目，超过上限时丢弃最旧的条目。
func (l *Log) Append(e Entry) error {
	if e.CreatedAt == "" {
		e.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next := make([]Entry, 0, len(l.entries)+1)
	next = append(next, e)
	next = append(next, l.entries...)
	if len(next) > l.maxItems {
		next = next[:l.maxItems]
	}
	return l.replaceLocked(next)
}

// List 返回最近的 limit 条记录，limit <= 0 返回全部。
func (l *Log) List(limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.entries) {
		limit = len(l.entries)
	}
	out := make([]Entry, limit)
	copy(out, l.entries[:limit])
	return out
}

// Len 返回条目数。
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Get 按任务 ID 查找最近的一条记录。
func (l *Log) Get(jobID string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.JobID == jobID {
			return e, true
		}
	}
	return Entry{}, false
}

// Remove 删除指定任务的记录，deleteAudio 为 true 时同时删除音频文件。
func (l *Log) Remove(jobID string, deleteAudio bool) (bool, error) {
	n, err := l.RemoveBatch([]string{jobID}, deleteAudio)
	return n > 0, err
}

// RemoveBatch 删除多个任务的记录，返回删除的条目数。
// 音频文件在记录写回成功后才删除，文件已不存在不视为错误。
func (l *Log) RemoveBatch(jobIDs []string, deleteAudio bool) (int, error) {
	ids := make(map[string]bool, len(jobIDs))
	for _, id := range jobIDs {
		ids[id] = true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next := make([]Entry, 0, len(l.entries))
	var removed []Entry
	for _, e := range l.entries {
		if ids[e.JobID] {
			removed = append(removed, e)
			continue
		}
		next = append(next, e)
	}
	if len(removed) == 0 {
		return 0, nil
	}
	if err := l.replaceLocked(next); err != nil {
		return 0, err
	}

	if deleteAudio {
		for _, e := range removed {
			removeAudio(e.AudioPath)
		}
	}
	return len(removed), nil
}

func removeAudio(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warnf("[history] 删除音频文件 %s 失败: %v", path, err)
	}
}

// Prune 在同一临界区内保留 keep 返回 true 的条目，再截断到 max 条（max <= 0 不截断）。
// 返回被过滤掉的数量、被截断的数量与剩余数量。即使没有变化也会写回文件。
func (l *Log) Prune(keep func(Entry) bool, max int) (filtered, overflow, remaining int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if keep(e) {
			next = append(next, e)
		} else {
			filtered++
		}
	}
	if max > 0 && len(next) > max {
		overflow = len(next) - max
		next = next[:max]
	}
	if err := l.replaceLocked(next); err != nil {
		return 0, 0, len(l.entries), err
	}
	return filtered, overflow, len(next), nil
}

// AudioFiles 返回指定任务对应且仍存在于磁盘上的音频路径，按请求顺序去重。
func (l *Log) AudioFiles(jobIDs []string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	byJob := make(map[string]string, len(l.entries))
	for _, e := range l.entries {
		if _, seen := byJob[e.JobID]; !seen {
			byJob[e.JobID] = e.AudioPath
		}
	}

	seen := make(map[string]bool)
	var out []string
	for _, id := range jobIDs {
		path, ok := byJob[id]
		if !ok || path == "" || seen[path] {
			continue
		}
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			continue
		}
		seen[path] = true
		out = append(out, path)
	}
	return out
}
