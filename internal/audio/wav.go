package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

// ErrNotWAV 表示数据不是 RIFF/WAVE 格式。
var ErrNotWAV = errors.New("not a RIFF/WAVE stream")

// writeWAVHeader 写入 16-bit 单声道 PCM 的 44 字节 WAV 头。
func writeWAVHeader(w io.Writer, sampleRate, dataSize int) error {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	blockAlign := channels * bitsPerSample / 8

	fields := []interface{}{
		[4]byte{'R', 'I', 'F', 'F'},
		uint32(36 + dataSize),
		[4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '},
		uint32(16),
		uint16(wavFormatPCM),
		uint16(channels),
		uint32(sampleRate),
		uint32(sampleRate * blockAlign),
		uint16(blockAlign),
		uint16(bitsPerSample),
		[4]byte{'d', 'a', 't', 'a'},
		uint32(dataSize),
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return nil
}

// EncodeWAV 将 float32 单声道样本编码为 16-bit PCM WAV。
func EncodeWAV(w io.Writer, samples []float32, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("采样率无效: %d", sampleRate)
	}
	pcm := Float32ToBytes(samples)
	if err := writeWAVHeader(w, sampleRate, len(pcm)); err != nil {
		return fmt.Errorf("写入 WAV 头失败: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("写入 PCM 数据失败: %w", err)
	}
	return nil
}

// WriteWAVFile 原子地写入 WAV 文件（先写临时文件再重命名），返回写入的帧数。
func WriteWAVFile(path string, samples []float32, sampleRate int) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("创建音频目录失败: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := EncodeWAV(tmp, samples, sampleRate); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("同步音频文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("关闭音频文件失败: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return 0, fmt.Errorf("设置音频文件权限失败: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return 0, fmt.Errorf("重命名音频文件失败: %w", err)
	}
	return len(samples), nil
}

// DecodeWAV 解析 WAV 数据并返回单声道 float32 样本和采样率。
// 支持 8/16/24/32-bit PCM 与 32-bit float，多声道取平均。
func DecodeWAV(data []byte) ([]float32, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, ErrNotWAV
	}

	var (
		format        uint16
		channels      int
		sampleRate    int
		bitsPerSample int
		pcm           []byte
		haveFmt       bool
	)

	r := bytes.NewReader(data[12:])
	for {
		var id [4]byte
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			break
		}
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return nil, 0, fmt.Errorf("读取 WAV 块大小失败: %w", err)
		}
		// 流式写出的 WAV 可能把 data 块大小写成 0 或 0xFFFFFFFF
		if int64(size) > int64(r.Len()) {
			size = uint32(r.Len())
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, 0, fmt.Errorf("读取 WAV 块 %q 失败: %w", string(id[:]), err)
		}
		if size%2 == 1 {
			_, _ = r.ReadByte()
		}

		switch string(id[:]) {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("WAV fmt 块过短: %d", len(chunk))
			}
			format = binary.LittleEndian.Uint16(chunk[0:2])
			channels = int(binary.LittleEndian.Uint16(chunk[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(chunk[14:16]))
			// WAVE_FORMAT_EXTENSIBLE：子格式 GUID 前两个字节即实际格式
			if format == 0xFFFE && len(chunk) >= 26 {
				format = binary.LittleEndian.Uint16(chunk[24:26])
			}
			haveFmt = true
		case "data":
			pcm = chunk
		}
	}

	if !haveFmt {
		return nil, 0, fmt.Errorf("WAV 缺少 fmt 块")
	}
	if channels <= 0 || sampleRate <= 0 {
		return nil, 0, fmt.Errorf("WAV 参数无效: channels=%d rate=%d", channels, sampleRate)
	}

	samples, err := decodeFrames(pcm, format, bitsPerSample, channels)
	if err != nil {
		return nil, 0, err
	}
	return samples, sampleRate, nil
}

func decodeFrames(pcm []byte, format uint16, bits, channels int) ([]float32, error) {
	bytesPerSample := bits / 8
	if bytesPerSample == 0 {
		return nil, fmt.Errorf("WAV 位深无效: %d", bits)
	}
	frameSize := bytesPerSample * channels
	frames := len(pcm) / frameSize
	out := make([]float32, frames)

	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			off := i*frameSize + c*bytesPerSample
			b := pcm[off : off+bytesPerSample]
			switch {
			case format == wavFormatFloat && bits == 32:
				sum += float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
			case format == wavFormatPCM && bits == 8:
				sum += (float64(b[0]) - 128) / 128
			case format == wavFormatPCM && bits == 16:
				sum += float64(int16(binary.LittleEndian.Uint16(b))) / 32768
			case format == wavFormatPCM && bits == 24:
				v := int32(b[0]) | int32(b[1])<<8 | int32(int8(b[2]))<<16
				sum += float64(v) / 8388608
			case format == wavFormatPCM && bits == 32:
				sum += float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648
			default:
				return nil, fmt.Errorf("不支持的 WAV 格式: format=%d bits=%d", format, bits)
			}
		}
		out[i] = float32(sum / float64(channels))
	}
	return out, nil
}
