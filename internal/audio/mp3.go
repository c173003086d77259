package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

// ErrUnknownFormat 表示既不是 WAV 也不是 MP3。
var ErrUnknownFormat = errors.New("unknown audio format")

// DecodeMP3 将 MP3 数据解码为单声道 float32 样本。
// go-mp3 固定输出立体声 signed 16-bit LE PCM，左右声道取平均。
func DecodeMP3(ctx context.Context, data []byte) ([]float32, int, error) {
	decoder, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("MP3 解码失败: %w", err)
	}

	sampleRate := decoder.SampleRate()

	var pcm bytes.Buffer
	buf := make([]byte, 16*1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		n, err := decoder.Read(buf)
		pcm.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("读取 PCM 数据失败: %w", err)
		}
	}

	raw := pcm.Bytes()
	// 每个立体声帧 4 字节，截掉不完整的尾部帧
	raw = raw[:len(raw)/4*4]
	return DownmixInt16(BytesToInt16(raw), 2), sampleRate, nil
}

// IsMP3 根据 ID3 标签或帧同步字判断是否为 MP3。
func IsMP3(data []byte) bool {
	if len(data) >= 3 && string(data[:3]) == "ID3" {
		return true
	}
	return len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0
}

// Decode 自动识别 WAV / MP3 并解码为单声道 float32。
func Decode(ctx context.Context, data []byte) ([]float32, int, error) {
	switch {
	case len(data) >= 4 && string(data[:4]) == "RIFF":
		return DecodeWAV(data)
	case IsMP3(data):
		return DecodeMP3(ctx, data)
	default:
		return nil, 0, ErrUnknownFormat
	}
}
