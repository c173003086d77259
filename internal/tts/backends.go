package tts

import (
	"fmt"
	"time"

	"github.com/iabetor/oratio/internal/config"
	"github.com/iabetor/oratio/internal/logger"
	"github.com/iabetor/oratio/internal/voice"
)

// NewLocalRegistry 按配置注册所有本地家族后端。
// Kokoro 与 VITS 共用一个 sherpa-onnx 实例缓存。
func NewLocalRegistry(cfg config.LocalConfig) (*Registry, error) {
	r := NewRegistry()
	arena := NewArena()

	for _, family := range []voice.Family{voice.FamilyKokoro, voice.FamilyVITS} {
		e, err := NewSherpaEngine(family, cfg.NumThreads, arena)
		if err != nil {
			return nil, err
		}
		r.Register(family, e)
	}
	r.Register(voice.FamilyPiper, NewPiperEngine(cfg.Piper.BinaryPath))
	r.Register(voice.FamilyXTTS, NewXTTSEngine(cfg.XTTS.URL, cfg.XTTS.Language,
		time.Duration(cfg.XTTS.TimeoutSeconds)*time.Second))

	return r, nil
}

// NewInferenceEngine 创建配置指定的远程推理引擎。
// 未配置凭据时返回 (nil, nil)，表示远程推理不可用。
func NewInferenceEngine(cfg config.InferenceConfig) (Engine, error) {
	switch cfg.Engine {
	case "huggingface", "":
		if cfg.HuggingFace.Token == "" {
			return nil, nil
		}
		return NewHuggingFaceEngine(cfg.HuggingFace.APIURL, cfg.HuggingFace.Token,
			time.Duration(cfg.HuggingFace.TimeoutSeconds)*time.Second), nil
	case "edge":
		if !cfg.Edge.Enabled {
			return nil, nil
		}
		return NewEdgeEngine(cfg.Edge.Voice), nil
	case "tencent":
		if cfg.Tencent.SecretID == "" || cfg.Tencent.SecretKey == "" {
			return nil, nil
		}
		return NewTencentEngine(TencentConfig{
			SecretID:  cfg.Tencent.SecretID,
			SecretKey: cfg.Tencent.SecretKey,
			VoiceType: cfg.Tencent.VoiceType,
			Region:    cfg.Tencent.Region,
		})
	default:
		return nil, fmt.Errorf("[tts] 未知的推理引擎: %s", cfg.Engine)
	}
}

// LogBackends 输出本地后端的能力检查结果，便于排查。
func LogBackends(r *Registry, inference Engine) {
	for _, f := range r.Families() {
		e, _ := r.Get(f)
		logger.Debugf("[tts] 本地后端 %s → %s", f, e.Name())
	}
	if inference != nil {
		logger.Infof("[tts] 远程推理引擎: %s", inference.Name())
	} else {
		logger.Infof("[tts] 未配置远程推理凭据")
	}
}
