package models

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/iabetor/oratio/internal/voice"
)

type fakeFamilies map[string]voice.Family

func (f fakeFamilies) FamilyOf(model string) (voice.Family, bool) {
	fam, ok := f[model]
	return fam, ok
}

type fakeBackends struct {
	lastFamily voice.Family
	lastPath   string
}

func (b *fakeBackends) Supports(family voice.Family, path string) (bool, string) {
	b.lastFamily, b.lastPath = family, path
	if family == voice.FamilyXTTS {
		return false, "xtts 未配置"
	}
	return true, ""
}

func newManager(t *testing.T) (*Manager, *fakeBackends) {
	t.Helper()
	fams := fakeFamilies{
		"hexgrad/Kokoro-82M": voice.FamilyKokoro,
		"coqui/XTTS-v2":      voice.FamilyXTTS,
	}
	b := &fakeBackends{}
	return NewManager(t.TempDir(), fams, b, "acme/custom-vits", "stub"), b
}

func TestLocalPath(t *testing.T) {
	m, _ := newManager(t)
	want := filepath.Join(m.Dir(), "hexgrad_Kokoro-82M")
	if got := m.LocalPath("hexgrad/Kokoro-82M"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestIsLocallyAvailable(t *testing.T) {
	m, _ := newManager(t)
	repo := "hexgrad/Kokoro-82M"
	if m.IsLocallyAvailable(repo) {
		t.Fatal("目录不存在时不可用")
	}

	dir := m.LocalPath(repo)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	m.Invalidate()
	if m.IsLocallyAvailable(repo) {
		t.Fatal("空目录不可用")
	}

	if err := os.WriteFile(filepath.Join(dir, "model.onnx"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if m.IsLocallyAvailable(repo) {
		t.Fatal("缓存失效前应返回旧结果")
	}
	m.Invalidate()
	if !m.IsLocallyAvailable(repo) {
		t.Fatal("非空目录应可用")
	}
	if m.IsLocallyAvailable("") {
		t.Error("空标识不可用")
	}
}

func TestStatusAndNeedsDownload(t *testing.T) {
	m, _ := newManager(t)
	st := m.Status()
	if len(st) != len(DefaultCatalog)+1 {
		t.Fatalf("应包含内置模型和额外模型, got %d", len(st))
	}
	for i := 1; i < len(st); i++ {
		if st[i-1].Key > st[i].Key {
			t.Fatal("状态应按键排序")
		}
	}
	if !m.NeedsDownload() {
		t.Fatal("模型全缺时应需要下载")
	}

	for _, s := range st {
		if err := os.MkdirAll(s.LocalPath, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(s.LocalPath, "f"), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	m.Invalidate()
	if m.NeedsDownload() {
		t.Error("模型齐全时不需要下载")
	}
}

func TestSupportsFamily(t *testing.T) {
	m, b := newManager(t)

	ok, _ := m.SupportsFamily("hexgrad/Kokoro-82M")
	if !ok || b.lastFamily != voice.FamilyKokoro || b.lastPath != m.LocalPath("hexgrad/Kokoro-82M") {
		t.Errorf("应以家族和本地路径委托检查, got %s %s", b.lastFamily, b.lastPath)
	}
	if ok, reason := m.SupportsFamily("coqui/XTTS-v2"); ok || reason == "" {
		t.Error("后端拒绝时应返回原因")
	}
	if ok, reason := m.SupportsFamily("unknown/model"); ok || reason == "" {
		t.Error("未知模型不应被支持")
	}
}

func TestWatchInvalidates(t *testing.T) {
	m, _ := newManager(t)
	repo := "hexgrad/Kokoro-82M"
	if m.IsLocallyAvailable(repo) {
		t.Fatal("初始不可用")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	dir := m.LocalPath(repo)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "model.onnx"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !m.IsLocallyAvailable(repo) {
		if time.Now().After(deadline) {
			t.Fatal("监听器应使缓存失效")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch 返回错误: %v", err)
	}
}
