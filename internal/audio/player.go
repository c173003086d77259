package audio

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/iabetor/oratio/internal/logger"
)

// Player 使用 malgo (miniaudio) 播放合成结果。
type Player struct {
	ctx    *malgo.AllocatedContext
	mu     sync.Mutex
	closed bool
}

// NewPlayer 创建一个新的音频播放实例。
func NewPlayer() (*Player, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("初始化播放上下文失败: %w", err)
	}
	return &Player{ctx: ctx}, nil
}

// PlayFile 解码 WAV/MP3 文件并通过默认扬声器播放，阻塞直到播放完成或 ctx 被取消。
func (p *Player) PlayFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取音频文件失败: %w", err)
	}
	samples, sampleRate, err := Decode(ctx, data)
	if err != nil {
		return err
	}
	return p.Play(ctx, samples, sampleRate)
}

// Play 播放单声道 float32 样本。
func (p *Player) Play(ctx context.Context, samples []float32, sampleRate int) error {
	if len(samples) == 0 {
		return nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("播放器已关闭")
	}
	p.mu.Unlock()

	pcm := Float32ToBytes(samples)
	pos := 0
	done := make(chan struct{}, 1)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(sampleRate)

	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frameCount uint32) {
			need := int(frameCount) * 2
			n := copy(out[:need], pcm[pos:])
			pos += n
			for i := n; i < need; i++ {
				out[i] = 0
			}
			if pos >= len(pcm) {
				select {
				case done <- struct{}{}:
				default:
				}
			}
		},
	}

	device, err := malgo.InitDevice(p.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("初始化播放设备失败: %w", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return fmt.Errorf("启动播放设备失败: %w", err)
	}
	defer device.Stop()

	logger.Debugf("[audio] 开始播放 %.2fs 音频", Duration(len(samples), sampleRate))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Close 释放所有资源。
func (p *Player) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	if p.ctx != nil {
		_ = p.ctx.Uninit()
		p.ctx.Free()
		p.ctx = nil
	}
}
