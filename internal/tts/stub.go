package tts

import (
	"context"
	"math"
	"unicode/utf8"
)

const (
	stubSampleRate = 24000
	stubFrequency  = 440.0
	stubAmplitude  = 0.2
)

// StubEngine 生成确定性的正弦测试音，不依赖任何外部资源。
type StubEngine struct{}

// NewStubEngine 创建 stub 引擎。
func NewStubEngine() *StubEngine {
	return &StubEngine{}
}

func (s *StubEngine) Name() string { return "stub" }

// StubDuration 返回给定文本与倍速下测试音的时长（秒）：clamp(字符数/20, 1, 5) / speed。
func StubDuration(text string, speed float64) float64 {
	if speed <= 0 {
		speed = 1
	}
	d := float64(utf8.RuneCountInString(text)) / 20.0
	d = math.Max(1.0, math.Min(5.0, d))
	return d / speed
}

// Synthesize 生成 24kHz 单声道 440Hz 正弦波。
func (s *StubEngine) Synthesize(ctx context.Context, req Request) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frames := int(math.Round(stubSampleRate * StubDuration(req.Text, req.Speed)))
	samples := make([]float32, frames)
	for i := range samples {
		samples[i] = float32(stubAmplitude * math.Sin(2*math.Pi*stubFrequency*float64(i)/stubSampleRate))
	}
	return &Output{Samples: samples, SampleRate: stubSampleRate, SpeedApplied: true}, nil
}
