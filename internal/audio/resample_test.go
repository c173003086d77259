package audio

import "testing"

func TestChangeSpeed_Length(t *testing.T) {
	in := make([]float32, 24000)
	tests := []struct {
		speed float64
		want  int
	}{
		{1.0, 24000},
		{2.0, 12000},
		{0.5, 48000},
	}
	for _, tt := range tests {
		out := ChangeSpeed(in, tt.speed)
		if len(out) != tt.want {
			t.Errorf("speed %.1f: got %d frames, want %d", tt.speed, len(out), tt.want)
		}
	}
}

func TestChangeSpeed_Interpolates(t *testing.T) {
	out := ChangeSpeed([]float32{0, 1, 0, -1}, 0.5)
	want := []float32{0, 0.5, 1, 0.5, 0, -0.5, -1, -1}
	if len(out) != len(want) {
		t.Fatalf("got %d frames, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("index %d: got %f, want %f", i, out[i], want[i])
		}
	}
}
