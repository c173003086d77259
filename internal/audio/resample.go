package audio

// ChangeSpeed 按倍速重采样，采样率不变：speed=2 时帧数减半。
func ChangeSpeed(in []float32, speed float64) []float32 {
	if speed <= 0 || speed == 1 || len(in) == 0 {
		return in
	}
	return stretch(in, speed)
}

// stretch 使用线性插值，以 step 为步长在输入上取样，输出 floor(len/step) 帧。
func stretch(in []float32, step float64) []float32 {
	outLen := int(float64(len(in)) / step)
	if outLen <= 0 {
		return nil
	}
	out := make([]float32, outLen)
	last := len(in) - 1

	for i := range out {
		srcPos := float64(i) * step
		srcIdx := int(srcPos)
		if srcIdx >= last {
			out[i] = in[last]
			continue
		}
		frac := float32(srcPos - float64(srcIdx))
		s0, s1 := in[srcIdx], in[srcIdx+1]
		out[i] = s0 + frac*(s1-s0)
	}
	return out
}
