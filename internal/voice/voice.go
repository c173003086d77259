// Package voice 维护音色预设注册表：音色 ID 到后端模型家族及语言/风格元数据的只读映射。
package voice

import (
	"fmt"
	"sync"

	"github.com/iabetor/oratio/internal/errs"
)

// Family 后端模型家族标签。
type Family string

const (
	FamilyKokoro Family = "kokoro"
	FamilyVITS   Family = "vits"
	FamilyPiper  Family = "piper"
	FamilyXTTS   Family = "xtts"
	FamilyStub   Family = "stub"
)

// FamilyInfo 描述一个模型家族的静态能力。
type FamilyInfo struct {
	Name             string
	RequiresVoiceRef bool // 声音克隆类后端必须提供参考音频
}

var families = map[Family]FamilyInfo{
	FamilyKokoro: {Name: "Kokoro"},
	FamilyVITS:   {Name: "VITS"},
	FamilyPiper:  {Name: "Piper"},
	FamilyXTTS:   {Name: "XTTS", RequiresVoiceRef: true},
	FamilyStub:   {Name: "Stub"},
}

// Info 返回家族描述，未知家族返回 false。
func (f Family) Info() (FamilyInfo, bool) {
	info, ok := families[f]
	return info, ok
}

// RequiresVoiceRef 报告该家族是否需要参考音频。
func (f Family) RequiresVoiceRef() bool {
	return families[f].RequiresVoiceRef
}

// Preset 音色预设，注册后不可修改。
type Preset struct {
	ID          string `json:"id"`
	Family      Family `json:"family"`
	Model       string `json:"model"`
	Label       string `json:"label"`
	Language    string `json:"language"`
	Voice       string `json:"voice,omitempty"`   // 后端原生音色标识
	Speaker     int    `json:"speaker,omitempty"` // 多说话人模型的说话人编号
	Description string `json:"description,omitempty"`
}

// DefaultVoiceID 未指定音色时使用的预设。
const DefaultVoiceID = "kokoro_en_us_0"

// Builtin 返回内置音色预设。
func Builtin() []Preset {
	return []Preset{
		{ID: "kokoro_en_us_0", Family: FamilyKokoro, Model: "hexgrad/Kokoro-82M", Label: "Kokoro US English", Language: "en-US", Voice: "af_heart", Speaker: 0, Description: "Natural US English narration"},
		{ID: "kokoro_en_gb_0", Family: FamilyKokoro, Model: "hexgrad/Kokoro-82M", Label: "Kokoro UK English", Language: "en-GB", Voice: "bf_emma", Speaker: 1},
		{ID: "kokoro_fr_0", Family: FamilyKokoro, Model: "hexgrad/Kokoro-82M", Label: "Kokoro French", Language: "fr-FR", Voice: "ff_siwis", Speaker: 2},
		{ID: "vits_en_0", Family: FamilyVITS, Model: "facebook/mms-tts-eng", Label: "MMS English", Language: "en", Description: "Massively multilingual VITS voice"},
		{ID: "piper_en_lessac", Family: FamilyPiper, Model: "rhasspy/piper-voices", Label: "Piper Lessac", Language: "en-US", Voice: "en_US-lessac-medium"},
		{ID: "xtts_clone", Family: FamilyXTTS, Model: "coqui/XTTS-v2", Label: "XTTS voice clone", Language: "en", Description: "Clones the supplied reference voice"},
		{ID: "stub-voice", Family: FamilyStub, Model: "stub", Label: "Test tone", Language: "und", Description: "Deterministic 440 Hz tone"},
	}
}

// Registry 音色注册表，启动后只读。
type Registry struct {
	mu        sync.RWMutex
	presets   map[string]Preset
	order     []string
	defaultID string
}

// NewRegistry 创建注册表并注册给定预设。
func NewRegistry(presets ...Preset) (*Registry, error) {
	r := &Registry{
		presets:   make(map[string]Preset),
		defaultID: DefaultVoiceID,
	}
	for _, p := range presets {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register 注册一个预设，ID 重复或家族未知时返回错误。
func (r *Registry) Register(p Preset) error {
	if p.ID == "" {
		return fmt.Errorf("音色 ID 不能为空")
	}
	if _, ok := p.Family.Info(); !ok {
		return fmt.Errorf("音色 %s 的模型家族未知: %s", p.ID, p.Family)
	}
	if p.Model == "" {
		return fmt.Errorf("音色 %s 缺少模型标识", p.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.presets[p.ID]; exists {
		return fmt.Errorf("音色 %s 已注册", p.ID)
	}
	r.presets[p.ID] = p
	r.order = append(r.order, p.ID)
	return nil
}

// SetDefault 设置默认音色，必须是已注册的 ID。
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.presets[id]; !ok {
		return errs.Validation("默认音色未注册: %s", id)
	}
	r.defaultID = id
	return nil
}

// Get 按 ID 查找预设；ID 为空时返回默认音色。未注册返回 ErrValidation。
func (r *Registry) Get(id string) (Preset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == "" {
		id = r.defaultID
	}
	p, ok := r.presets[id]
	if !ok {
		return Preset{}, errs.Validation("未知音色: %s", id)
	}
	return p, nil
}

// Has 报告 ID 是否已注册。
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.presets[id]
	return ok
}

// List 按注册顺序返回所有预设。
func (r *Registry) List() []Preset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Preset, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.presets[id])
	}
	return out
}

// Len 返回已注册预设数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Models 返回去重后的模型标识，顺序与注册顺序一致。
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, id := range r.order {
		m := r.presets[id].Model
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// FamilyOf 返回模型标识所属的家族。
func (r *Registry) FamilyOf(model string) (Family, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if p := r.presets[id]; p.Model == model {
			return p.Family, true
		}
	}
	return "", false
}
