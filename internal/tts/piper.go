package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/iabetor/oratio/internal/audio"
	"github.com/iabetor/oratio/internal/errs"
	"github.com/iabetor/oratio/internal/logger"
)

// piperSampleRate 是 piper 模型未声明采样率时的默认值。
const piperSampleRate = 22050

// PiperEngine 使用 piper CLI 子进程实现本地语音合成。
type PiperEngine struct {
	binary string
}

// NewPiperEngine 创建 Piper 引擎，binary 为空时使用 PATH 中的 piper。
func NewPiperEngine(binary string) *PiperEngine {
	if binary == "" {
		binary = "piper"
	}
	return &PiperEngine{binary: binary}
}

func (p *PiperEngine) Name() string { return "piper" }

// findPiperModel 在模型目录中查找 .onnx 文件，优先匹配预设指定的音色名（允许一层子目录）。
func findPiperModel(dir, voiceName string) string {
	if voiceName != "" {
		if direct := filepath.Join(dir, voiceName+".onnx"); fileExists(direct) {
			return direct
		}
		if matches, _ := filepath.Glob(filepath.Join(dir, "*", voiceName+".onnx")); len(matches) > 0 {
			return matches[0]
		}
	}
	return findONNX(dir)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Supports 检查 piper 可执行文件与模型文件。
func (p *PiperEngine) Supports(modelPath string) (bool, string) {
	if _, err := exec.LookPath(p.binary); err != nil {
		return false, fmt.Sprintf("未找到 piper 可执行文件 %q", p.binary)
	}
	if findPiperModel(modelPath, "") == "" {
		return false, fmt.Sprintf("%s 中缺少 .onnx 模型文件", modelPath)
	}
	return true, ""
}

// modelSampleRate 读取 <model>.onnx.json 中声明的采样率。
func modelSampleRate(modelFile string) int {
	data, err := os.ReadFile(modelFile + ".json")
	if err != nil {
		return piperSampleRate
	}
	var meta struct {
		Audio struct {
			SampleRate int `json:"sample_rate"`
		} `json:"audio"`
	}
	if err := json.Unmarshal(data, &meta); err != nil || meta.Audio.SampleRate <= 0 {
		return piperSampleRate
	}
	return meta.Audio.SampleRate
}

// Synthesize 使用 piper CLI 合成，输出 signed 16-bit LE 单声道 PCM。
// 倍速通过 --length_scale 传给 piper。
func (p *PiperEngine) Synthesize(ctx context.Context, req Request) (*Output, error) {
	modelFile := findPiperModel(req.ModelPath, req.Preset.Voice)
	if modelFile == "" {
		return nil, errs.Unavailable("%s 中缺少 piper 模型", req.ModelPath)
	}

	speed := req.Speed
	if speed <= 0 {
		speed = 1
	}

	logger.Debugf("[tts] piper: 正在合成 %d 个字符，模型=%s", len([]rune(req.Text)), modelFile)

	args := []string{
		"--model", modelFile,
		"--output-raw",
		"--length_scale", strconv.FormatFloat(1/speed, 'f', 3, 64),
	}
	if req.Preset.Speaker > 0 {
		args = append(args, "--speaker", strconv.Itoa(req.Preset.Speaker))
	}
	cmd := exec.CommandContext(ctx, p.binary, args...)
	cmd.Stdin = strings.NewReader(req.Text)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if s := strings.TrimSpace(stderr.String()); s != "" {
			logger.Warnf("[tts] piper stderr: %s", s)
		}
		return nil, fmt.Errorf("[tts] piper 执行失败: %w", err)
	}

	pcm := stdout.Bytes()
	if len(pcm) == 0 {
		return nil, fmt.Errorf("[tts] piper: 未收到音频数据")
	}

	samples := audio.BytesToFloat32(pcm)
	logger.Debugf("[tts] piper: 生成 %d 个单声道样本", len(samples))

	return &Output{
		Samples:      samples,
		SampleRate:   modelSampleRate(modelFile),
		SpeedApplied: true,
	}, nil
}
