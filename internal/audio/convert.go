package audio

import (
	"math"
)

// Int16ToFloat32 将 PCM int16 样本转换为 [-1.0, 1.0] 范围的 float32。
func Int16ToFloat32(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / math.MaxInt16
	}
	return out
}

// Float32ToInt16 将 float32 样本钳位到 [-1.0, 1.0] 后转换为 PCM int16。
func Float32ToInt16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		out[i] = int16(s * math.MaxInt16)
	}
	return out
}

// BytesToInt16 将小端字节切片转换为 int16 样本，末尾不足 2 字节的部分被丢弃。
func BytesToInt16(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(b[2*i]) | int16(b[2*i+1])<<8
	}
	return out
}

// Int16ToBytes 将 int16 样本转换为小端字节切片。
func Int16ToBytes(in []int16) []byte {
	out := make([]byte, len(in)*2)
	for i, s := range in {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

// BytesToFloat32 将 16-bit 单声道 PCM 字节直接转换为 float32。
func BytesToFloat32(b []byte) []float32 {
	return Int16ToFloat32(BytesToInt16(b))
}

// Float32ToBytes 将 float32 样本直接转换为 16-bit PCM 字节。
func Float32ToBytes(in []float32) []byte {
	return Int16ToBytes(Float32ToInt16(in))
}

// DownmixInt16 将交错的多声道 int16 PCM 取平均为单声道 float32。
func DownmixInt16(in []int16, channels int) []float32 {
	if channels <= 1 {
		return Int16ToFloat32(in)
	}
	frames := len(in) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(in[i*channels+c])
		}
		out[i] = sum / float32(channels) / 32768.0
	}
	return out
}

// Normalize 将峰值缩放到 peak，静音输入原样返回。
func Normalize(samples []float32, peak float32) []float32 {
	var max float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > max {
			max = s
		}
	}
	if max == 0 || max <= peak {
		return samples
	}
	scale := peak / max
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = s * scale
	}
	return out
}

// Duration 按帧数和采样率计算时长（秒）。
func Duration(frames, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(frames) / float64(sampleRate)
}
