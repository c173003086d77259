// Package synth 实现合成编排：校验 → 解析 provider → 调度后端 → 降级 → 写出音频文件。
package synth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/iabetor/oratio/internal/audio"
	"github.com/iabetor/oratio/internal/errs"
	"github.com/iabetor/oratio/internal/logger"
	"github.com/iabetor/oratio/internal/provider"
	"github.com/iabetor/oratio/internal/tts"
	"github.com/iabetor/oratio/internal/voice"
)

const (
	// MaxTextRunes 单次合成的最大字符数。
	MaxTextRunes = 6000
	MinSpeed     = 0.5
	MaxSpeed     = 2.0
)

// Request 合成请求。
type Request struct {
	Text     string            `json:"text"`
	VoiceID  string            `json:"voice_id"`
	Speed    float64           `json:"speed,omitempty"`
	Style    string            `json:"style,omitempty"`
	VoiceRef string            `json:"voice_ref,omitempty"`
	JobID    string            `json:"job_id,omitempty"`
	Provider provider.Provider `json:"provider,omitempty"`
}

// Result 一次成功合成的规范化结果，任务表与历史记录都由它派生。
type Result struct {
	JobID           string            `json:"job_id"`
	AudioPath       string            `json:"audio_path"`
	AudioURL        string            `json:"audio_url"`
	DurationSeconds float64           `json:"duration_seconds"`
	CreatedAt       time.Time         `json:"created_at"`
	Model           string            `json:"model"`
	VoiceID         string            `json:"voice_id"`
	Source          provider.Provider `json:"source"`
}

// Config 编排器配置。
type Config struct {
	AudioDir     string
	BaseAudioURL string
	FallbackStub bool
}

// ModelPaths 返回模型的本地目录，由模型管理器实现。
type ModelPaths interface {
	LocalPath(modelID string) string
}

// Orchestrator 合成编排器。构造后只读，可并发使用。
type Orchestrator struct {
	cfg       Config
	voices    *voice.Registry
	resolver  *provider.Resolver
	local     *tts.Registry
	models    ModelPaths
	inference tts.Engine
	stub      tts.Engine
	now       func() time.Time
}

// New 创建编排器。inference 为 nil 表示未配置远程推理。
func New(cfg Config, voices *voice.Registry, resolver *provider.Resolver, local *tts.Registry, models ModelPaths, inference tts.Engine) *Orchestrator {
	cfg.BaseAudioURL = strings.TrimRight(cfg.BaseAudioURL, "/")
	if local == nil {
		local = tts.NewRegistry()
	}
	return &Orchestrator{
		cfg:       cfg,
		voices:    voices,
		resolver:  resolver,
		local:     local,
		models:    models,
		inference: inference,
		stub:      tts.NewStubEngine(),
		now:       time.Now,
	}
}

// Validated 通过校验的请求。
type Validated struct {
	Request
	Preset voice.Preset
}

// Validate 校验请求并补全默认值，不调用任何后端。
func (o *Orchestrator) Validate(req Request) (Validated, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Validated{}, errs.Validation("文本不能为空")
	}
	if n := utf8.RuneCountInString(text); n > MaxTextRunes {
		return Validated{}, errs.Validation("文本过长: %d 字符，上限 %d", n, MaxTextRunes)
	}
	req.Text = text

	if req.Speed == 0 {
		req.Speed = 1
	}
	if math.IsNaN(req.Speed) || req.Speed < MinSpeed || req.Speed > MaxSpeed {
		return Validated{}, errs.Validation("语速 %.2f 超出范围 [%.1f, %.1f]", req.Speed, MinSpeed, MaxSpeed)
	}

	if req.Provider != "" {
		p, err := provider.Parse(string(req.Provider))
		if err != nil {
			return Validated{}, errs.Validation("%v", err)
		}
		req.Provider = p
	}

	preset, err := o.voices.Get(req.VoiceID)
	if err != nil {
		return Validated{}, err
	}
	req.VoiceID = preset.ID

	if preset.Family.RequiresVoiceRef() {
		if req.VoiceRef == "" {
			return Validated{}, errs.Validation("音色 %s 需要参考音频", preset.ID)
		}
		if _, err := os.Stat(req.VoiceRef); err != nil {
			return Validated{}, errs.Validation("参考音频不可读: %v", err)
		}
	}
	return Validated{Request: req, Preset: preset}, nil
}

// Resolve 返回该请求将使用的 provider。stub 家族的音色在未显式指定时总由 stub 处理。
func (o *Orchestrator) Resolve(v Validated) provider.Decision {
	if v.Preset.Family == voice.FamilyStub && (v.Provider == "" || v.Provider == provider.Auto) {
		return provider.Decision{Provider: provider.Stub, Reason: "stub voice"}
	}
	return o.resolver.Resolve(v.Provider, v.Preset.Model)
}

// Synthesize 执行一次合成，成功时音频文件已写入 audio_dir/<jobID>.wav。
func (o *Orchestrator) Synthesize(ctx context.Context, req Request) (*Result, error) {
	v, err := o.Validate(req)
	if err != nil {
		return nil, err
	}
	if v.JobID == "" {
		v.JobID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	createdAt := o.now().UTC()

	decision := o.Resolve(v)
	source := decision.Provider
	logger.Debugf("[synth] 任务 %s: 音色=%s 模型=%s provider=%s (%s)", v.JobID, v.Preset.ID, v.Preset.Model, source, decision.Reason)

	var out *tts.Output
	if source != provider.Stub {
		out, err = o.dispatch(ctx, source, v)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("[synth] 合成被取消: %w", ctx.Err())
			}
			if !o.cfg.FallbackStub || !errs.Fallbackable(err) {
				return nil, err
			}
			logger.Warnf("[synth] 任务 %s: %s 合成失败，降级为 stub: %v", v.JobID, source, err)
			source = provider.Stub
			out = nil
		}
	}
	if out == nil {
		out, err = o.stub.Synthesize(ctx, tts.Request{Text: v.Text, Preset: v.Preset, Speed: v.Speed})
		if err != nil {
			return nil, fmt.Errorf("[synth] stub 合成失败: %w", err)
		}
	}

	return o.finish(v, source, out, createdAt)
}

// dispatch 调用 provider 对应的后端，错误统一归类为不可用或执行失败。
func (o *Orchestrator) dispatch(ctx context.Context, p provider.Provider, v Validated) (*tts.Output, error) {
	var (
		engine tts.Engine
		req    = tts.Request{Text: v.Text, Preset: v.Preset, Speed: v.Speed, Style: v.Style, VoiceRef: v.VoiceRef}
	)

	switch p {
	case provider.Local:
		e, ok := o.local.Get(v.Preset.Family)
		if !ok {
			return nil, errs.Unavailable("没有模型家族 %s 的本地后端", v.Preset.Family)
		}
		if o.models != nil {
			req.ModelPath = o.models.LocalPath(v.Preset.Model)
		}
		if ok, reason := o.local.Supports(v.Preset.Family, req.ModelPath); !ok {
			return nil, errs.Unavailable("%s", reason)
		}
		engine = e
	case provider.Inference:
		if o.inference == nil {
			return nil, errs.Unavailable("未配置远程推理凭据")
		}
		engine = o.inference
	default:
		return nil, errs.Validation("未知的 provider: %s", p)
	}

	out, err := engine.Synthesize(ctx, req)
	if err != nil {
		if errs.Fallbackable(err) || errors.Is(err, errs.ErrValidation) {
			return nil, err
		}
		return nil, errs.Execution(engine.Name(), err)
	}
	if out == nil || len(out.Samples) == 0 || out.SampleRate <= 0 {
		return nil, errs.Execution(engine.Name(), errors.New("后端未返回音频"))
	}
	return out, nil
}

// finish 处理倍速并写出 WAV，时长按实际写入的帧数计算。
func (o *Orchestrator) finish(v Validated, source provider.Provider, out *tts.Output, createdAt time.Time) (*Result, error) {
	samples := out.Samples
	if !out.SpeedApplied && v.Speed != 1 {
		samples = audio.ChangeSpeed(samples, v.Speed)
	}
	// 超出满幅的输出按峰值缩放，避免写入 16-bit 时削波
	samples = audio.Normalize(samples, 1.0)

	name := v.JobID + ".wav"
	path := filepath.Join(o.cfg.AudioDir, name)
	frames, err := audio.WriteWAVFile(path, samples, out.SampleRate)
	if err != nil {
		return nil, errs.Persistence("写入音频文件", err)
	}

	res := &Result{
		JobID:           v.JobID,
		AudioPath:       path,
		AudioURL:        o.cfg.BaseAudioURL + "/" + name,
		DurationSeconds: audio.Duration(frames, out.SampleRate),
		CreatedAt:       createdAt,
		Model:           v.Preset.Model,
		VoiceID:         v.Preset.ID,
		Source:          source,
	}
	logger.Infof("[synth] 任务 %s 完成: source=%s 时长=%.2fs", res.JobID, res.Source, res.DurationSeconds)
	return res, nil
}

// Voices 返回音色注册表。
func (o *Orchestrator) Voices() *voice.Registry { return o.voices }

// Resolver 返回 provider 解析器。
func (o *Orchestrator) Resolver() *provider.Resolver { return o.resolver }
