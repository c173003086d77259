package tts

import (
	"context"
	"sort"
	"sync"

	"github.com/iabetor/oratio/internal/voice"
)

// Request 一次合成请求。
type Request struct {
	Text      string
	Preset    voice.Preset
	ModelPath string  // 本地模型目录，远程后端忽略
	Speed     float64 // 倍速，1.0 为原速
	Style     string  // 风格描述，不支持的后端忽略
	VoiceRef  string  // 参考音频路径，声音克隆后端必需
}

// Output 后端输出的单声道波形。
type Output struct {
	Samples    []float32
	SampleRate int
	// SpeedApplied 为 true 表示后端已按 Speed 合成，调用方无需再重采样。
	SpeedApplied bool
}

// Engine 定义语音合成后端接口。
type Engine interface {
	Name() string
	Synthesize(ctx context.Context, req Request) (*Output, error)
}

// Capable 由需要运行时依赖或本地模型的后端实现。
type Capable interface {
	// Supports 报告模型目录能否被当前运行环境加载，不能时返回原因。
	Supports(modelPath string) (bool, string)
}

// Closer 由持有原生资源的后端实现。
type Closer interface {
	Close()
}

// Registry 模型家族到本地后端的映射，启动时注册，之后只读。
type Registry struct {
	mu      sync.RWMutex
	engines map[voice.Family]Engine
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{engines: make(map[voice.Family]Engine)}
}

// Register 注册家族后端，同一家族重复注册时后者覆盖前者。
func (r *Registry) Register(family voice.Family, e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[family] = e
}

// Get 返回家族对应的后端。
func (r *Registry) Get(family voice.Family) (Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[family]
	return e, ok
}

// Supports 对家族后端做能力检查。
func (r *Registry) Supports(family voice.Family, modelPath string) (bool, string) {
	e, ok := r.Get(family)
	if !ok {
		return false, "没有为模型家族 " + string(family) + " 注册本地后端"
	}
	if c, ok := e.(Capable); ok {
		return c.Supports(modelPath)
	}
	return true, ""
}

// Families 返回已注册的家族，按名称排序。
func (r *Registry) Families() []voice.Family {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]voice.Family, 0, len(r.engines))
	for f := range r.engines {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close 释放所有后端持有的资源，同一实例只关闭一次。
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	closed := make(map[Engine]bool)
	for _, e := range r.engines {
		if c, ok := e.(Closer); ok && !closed[e] {
			c.Close()
			closed[e] = true
		}
	}
}
