package tts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/iabetor/oratio/internal/errs"
	"github.com/iabetor/oratio/internal/logger"
	"github.com/iabetor/oratio/internal/voice"
)

// arenaEntry 一个模型目录对应的 sherpa-onnx 实例，首次使用时加载。
// mu 同时保护加载与 Generate（OfflineTts.Generate 不保证并发安全）。
type arenaEntry struct {
	mu      sync.Mutex
	tts     *sherpa.OfflineTts
	dropped bool // 加载失败后已从 arena 移除
	closed  bool
}

// Arena 按模型目录缓存已加载的离线 TTS 实例。加载失败不缓存，下次使用时重试。
type Arena struct {
	mu      sync.Mutex
	entries map[string]*arenaEntry
}

// NewArena 创建空缓存。
func NewArena() *Arena {
	return &Arena{entries: make(map[string]*arenaEntry)}
}

func (a *Arena) entry(key string) *arenaEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[key]
	if !ok {
		e = &arenaEntry{}
		a.entries[key] = e
	}
	return e
}

// acquire 返回已加载且已加锁的条目，调用方负责 e.mu.Unlock。
// 锁顺序为 e.mu → a.mu。
func (a *Arena) acquire(key string, load func() (*sherpa.OfflineTts, error)) (*arenaEntry, error) {
	for {
		e := a.entry(key)
		e.mu.Lock()
		if e.dropped {
			e.mu.Unlock()
			continue
		}
		if e.closed {
			e.mu.Unlock()
			return nil, errs.Unavailable("sherpa-onnx 实例已释放: %s", key)
		}
		if e.tts == nil {
			tts, err := load()
			if err != nil {
				e.dropped = true
				a.mu.Lock()
				if a.entries[key] == e {
					delete(a.entries, key)
				}
				a.mu.Unlock()
				e.mu.Unlock()
				return nil, err
			}
			e.tts = tts
		}
		return e, nil
	}
}

// Len 返回已创建的条目数。
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Close 释放所有已加载的实例。
func (a *Arena) Close() {
	a.mu.Lock()
	entries := a.entries
	a.entries = make(map[string]*arenaEntry)
	a.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.tts != nil {
			sherpa.DeleteOfflineTts(e.tts)
			e.tts = nil
		}
		e.closed = true
		e.mu.Unlock()
	}
}

// SherpaEngine 使用 sherpa-onnx 离线 TTS 在本地运行 Kokoro / VITS 模型。
type SherpaEngine struct {
	family     voice.Family
	numThreads int
	arena      *Arena
}

// NewSherpaEngine 创建指定家族的本地引擎，同一 arena 可在多个家族间共享。
func NewSherpaEngine(family voice.Family, numThreads int, arena *Arena) (*SherpaEngine, error) {
	if family != voice.FamilyKokoro && family != voice.FamilyVITS {
		return nil, fmt.Errorf("[tts] sherpa-onnx 不支持模型家族: %s", family)
	}
	if numThreads <= 0 {
		numThreads = 1
	}
	if arena == nil {
		arena = NewArena()
	}
	return &SherpaEngine{family: family, numThreads: numThreads, arena: arena}, nil
}

func (e *SherpaEngine) Name() string { return "sherpa-" + string(e.family) }

// modelFiles 在模型目录中定位所需文件。
type modelFiles struct {
	model   string
	voices  string
	tokens  string
	lexicon string
	dataDir string
}

func firstExisting(dir string, names ...string) string {
	for _, n := range names {
		p := filepath.Join(dir, n)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func findONNX(dir string) string {
	if p := firstExisting(dir, "model.onnx"); p != "" {
		return p
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*.onnx"))
	if len(matches) > 0 {
		return matches[0]
	}
	return ""
}

func (e *SherpaEngine) locate(modelPath string) (modelFiles, error) {
	files := modelFiles{
		model:   findONNX(modelPath),
		tokens:  firstExisting(modelPath, "tokens.txt"),
		lexicon: firstExisting(modelPath, "lexicon.txt"),
		dataDir: firstExisting(modelPath, "espeak-ng-data"),
	}
	if files.model == "" {
		return files, fmt.Errorf("%s 中缺少 .onnx 模型文件", modelPath)
	}
	if files.tokens == "" {
		return files, fmt.Errorf("%s 中缺少 tokens.txt", modelPath)
	}
	if e.family == voice.FamilyKokoro {
		files.voices = firstExisting(modelPath, "voices.bin")
		if files.voices == "" {
			return files, fmt.Errorf("%s 中缺少 voices.bin", modelPath)
		}
	}
	return files, nil
}

// Supports 检查模型目录是否包含该家族所需的文件。
func (e *SherpaEngine) Supports(modelPath string) (bool, string) {
	if _, err := e.locate(modelPath); err != nil {
		return false, err.Error()
	}
	return true, ""
}

func (e *SherpaEngine) load(modelPath string) (*sherpa.OfflineTts, error) {
	files, err := e.locate(modelPath)
	if err != nil {
		return nil, errs.Unavailable("%v", err)
	}

	config := sherpa.OfflineTtsConfig{}
	switch e.family {
	case voice.FamilyKokoro:
		config.Model.Kokoro.Model = files.model
		config.Model.Kokoro.Voices = files.voices
		config.Model.Kokoro.Tokens = files.tokens
		config.Model.Kokoro.DataDir = files.dataDir
		config.Model.Kokoro.LengthScale = 1.0
	case voice.FamilyVITS:
		config.Model.Vits.Model = files.model
		config.Model.Vits.Tokens = files.tokens
		config.Model.Vits.Lexicon = files.lexicon
		config.Model.Vits.DataDir = files.dataDir
		config.Model.Vits.NoiseScale = 0.667
		config.Model.Vits.NoiseScaleW = 0.8
		config.Model.Vits.LengthScale = 1.0
	}
	config.Model.NumThreads = e.numThreads
	config.Model.Provider = "cpu"
	config.MaxNumSentences = 1

	logger.Infof("[tts] sherpa-onnx: 加载 %s 模型 %s", e.family, files.model)
	tts := sherpa.NewOfflineTts(&config)
	if tts == nil {
		return nil, errs.Unavailable("sherpa-onnx 无法加载模型 %s", files.model)
	}
	return tts, nil
}

// Synthesize 使用缓存的离线实例合成，速度由模型原生处理。
func (e *SherpaEngine) Synthesize(ctx context.Context, req Request) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entry, err := e.arena.acquire(req.ModelPath, func() (*sherpa.OfflineTts, error) {
		return e.load(req.ModelPath)
	})
	if err != nil {
		return nil, err
	}
	defer entry.mu.Unlock()

	speed := req.Speed
	if speed <= 0 {
		speed = 1
	}

	logger.Debugf("[tts] sherpa-onnx: 正在合成 %d 个字符，说话人=%d", len([]rune(req.Text)), req.Preset.Speaker)
	generated := entry.tts.Generate(req.Text, req.Preset.Speaker, float32(speed))
	if generated == nil || len(generated.Samples) == 0 {
		return nil, fmt.Errorf("[tts] sherpa-onnx: 未生成音频")
	}

	return &Output{
		Samples:      generated.Samples,
		SampleRate:   generated.SampleRate,
		SpeedApplied: true,
	}, nil
}

// Close 释放 arena 中的实例。
func (e *SherpaEngine) Close() {
	e.arena.Close()
}
