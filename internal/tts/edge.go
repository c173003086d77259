package tts

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/pp-group/edge-tts-go/biz/service/tts/edge"

	"github.com/iabetor/oratio/internal/audio"
	"github.com/iabetor/oratio/internal/logger"
)

// EdgeEngine 使用微软 Edge TTS 远程合成，
// 通过 edge-tts-go 获取 MP3 音频，再解码为 PCM。
type EdgeEngine struct {
	defaultVoice string
}

// NewEdgeEngine 创建 Edge TTS 引擎，预设未指定 Edge 音色时使用 defaultVoice。
func NewEdgeEngine(defaultVoice string) *EdgeEngine {
	return &EdgeEngine{defaultVoice: defaultVoice}
}

func (e *EdgeEngine) Name() string { return "edge" }

// voiceFor 预设音色形如 en-US-AriaNeural 时直接使用。
func (e *EdgeEngine) voiceFor(p Request) string {
	if v := p.Preset.Voice; strings.HasSuffix(v, "Neural") {
		return v
	}
	return e.defaultVoice
}

// Synthesize 将文本合成为单声道 float32 音频样本。
func (e *EdgeEngine) Synthesize(ctx context.Context, req Request) (*Output, error) {
	voiceName := e.voiceFor(req)
	logger.Debugf("[tts] edge-tts: 正在合成 %d 个字符，语音=%s", len([]rune(req.Text)), voiceName)

	comm, err := edge.NewCommunicate(req.Text, edge.WithVoice(voiceName))
	if err != nil {
		return nil, fmt.Errorf("[tts] edge-tts 创建实例失败: %w", err)
	}

	ch, err := comm.Stream()
	if err != nil {
		return nil, fmt.Errorf("[tts] edge-tts 开始流式合成失败: %w", err)
	}

	// Stream() 返回的 map 中，type=="audio" 的条目包含音频数据
	var mp3Buf bytes.Buffer
	for msg := range ch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if msgType, ok := msg["type"].(string); ok && msgType == "audio" {
			if data, ok := msg["data"].([]byte); ok {
				mp3Buf.Write(data)
			}
		}
	}
	if mp3Buf.Len() == 0 {
		return nil, fmt.Errorf("[tts] edge-tts: 未收到音频数据")
	}

	samples, rate, err := audio.DecodeMP3(ctx, mp3Buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("[tts] edge-tts: %w", err)
	}
	logger.Debugf("[tts] edge-tts: 收到 %d 字节 MP3，解码得到 %d 个样本", mp3Buf.Len(), len(samples))

	return &Output{Samples: samples, SampleRate: rate}, nil
}
