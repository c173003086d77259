package provider

import "testing"

type fakeCatalog struct {
	available map[string]bool
	supported map[string]bool
}

func (f fakeCatalog) IsLocallyAvailable(id string) bool { return f.available[id] }

func (f fakeCatalog) SupportsFamily(id string) (bool, string) {
	if f.supported[id] {
		return true, ""
	}
	return false, "runtime missing"
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Provider
		wantErr bool
	}{
		{"", Auto, false},
		{"auto", Auto, false},
		{" Local ", Local, false},
		{"INFERENCE", Inference, false},
		{"stub", Stub, false},
		{"gpu", "", true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("Parse(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestResolve(t *testing.T) {
	cat := fakeCatalog{
		available: map[string]bool{"ready": true, "broken": true},
		supported: map[string]bool{"ready": true},
	}

	tests := []struct {
		name      string
		mode      Provider
		inference bool
		explicit  Provider
		model     string
		want      Provider
	}{
		{"显式覆盖优先", Auto, false, Inference, "ready", Inference},
		{"显式 stub", Auto, true, Stub, "ready", Stub},
		{"显式 auto 等同未指定", Auto, false, Auto, "ready", Local},
		{"配置模式", Local, false, "", "missing", Local},
		{"本地可用", Auto, true, "", "ready", Local},
		{"本地不支持转推理", Auto, true, "", "broken", Inference},
		{"未下载转推理", Auto, true, "", "missing", Inference},
		{"无凭据转 stub", Auto, false, "", "missing", Stub},
		{"不支持且无凭据", Auto, false, "", "broken", Stub},
		{"空模型", Auto, true, "", "", Inference},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(tt.mode, cat, tt.inference)
			d := r.Resolve(tt.explicit, tt.model)
			if d.Provider != tt.want {
				t.Errorf("got %s (%s), want %s", d.Provider, d.Reason, tt.want)
			}
		})
	}
}

func TestResolveNilCatalog(t *testing.T) {
	r := NewResolver("", nil, false)
	if r.Mode() != Auto {
		t.Errorf("空模式应为 auto, got %s", r.Mode())
	}
	if d := r.Resolve("", "hexgrad/Kokoro-82M"); d.Provider != Stub || d.Reason == "" {
		t.Errorf("got %+v", d)
	}
}
