package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status 任务状态。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ErrInvalidTransition 表示非法的状态转换。
var ErrInvalidTransition = errors.New("invalid job status transition")

// Terminal 报告状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Valid 报告是否为已知状态。
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// validTransition 校验状态转换：
//
//	queued  → running | failed
//	running → succeeded | failed
//
// 每次更新必须推进状态；同状态更新与终态之间的转换均不合法。
func validTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed
	}
	return false
}

// Job 合成任务记录。
type Job struct {
	ID              string    `json:"id"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	AudioURL        string    `json:"audio_url,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	Model           string    `json:"model,omitempty"`
	VoiceID         string    `json:"voice_id,omitempty"`
	Source          string    `json:"source,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// Outcome 成功任务携带的结果字段。
type Outcome struct {
	AudioURL        string
	DurationSeconds float64
	Model           string
	VoiceID         string
	Source          string
}

// NewID 生成不含连字符的随机任务 ID。
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (j Job) String() string {
	return fmt.Sprintf("job %s [%s]", j.ID, j.Status)
}
