package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/iabetor/oratio/internal/audio"
	"github.com/iabetor/oratio/internal/config"
	"github.com/iabetor/oratio/internal/errs"
	"github.com/iabetor/oratio/internal/voice"
)

func wavBytes(t *testing.T, frames, rate int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := audio.EncodeWAV(&buf, make([]float32, frames), rate); err != nil {
		t.Fatalf("EncodeWAV 失败: %v", err)
	}
	return buf.Bytes()
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestRegistrySupports(t *testing.T) {
	r := NewRegistry()
	r.Register(voice.FamilyStub, NewStubEngine())

	if ok, _ := r.Supports(voice.FamilyStub, ""); !ok {
		t.Error("未实现 Capable 的后端应视为支持")
	}
	if ok, reason := r.Supports(voice.FamilyKokoro, "/nowhere"); ok || reason == "" {
		t.Errorf("未注册家族应不支持并给出原因, got ok=%v reason=%q", ok, reason)
	}
}

func TestSherpaSupports(t *testing.T) {
	arena := NewArena()
	kokoro, err := NewSherpaEngine(voice.FamilyKokoro, 1, arena)
	if err != nil {
		t.Fatal(err)
	}
	vits, err := NewSherpaEngine(voice.FamilyVITS, 1, arena)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	if ok, _ := vits.Supports(dir); ok {
		t.Error("空目录不应被支持")
	}

	touch(t, filepath.Join(dir, "model.onnx"))
	touch(t, filepath.Join(dir, "tokens.txt"))
	if ok, reason := vits.Supports(dir); !ok {
		t.Errorf("VITS 应被支持: %s", reason)
	}
	if ok, _ := kokoro.Supports(dir); ok {
		t.Error("Kokoro 缺少 voices.bin 时不应被支持")
	}

	touch(t, filepath.Join(dir, "voices.bin"))
	if ok, reason := kokoro.Supports(dir); !ok {
		t.Errorf("Kokoro 应被支持: %s", reason)
	}

	if _, err := NewSherpaEngine(voice.FamilyPiper, 1, arena); err == nil {
		t.Error("sherpa 不应接受 piper 家族")
	}
}

func TestFindPiperModel(t *testing.T) {
	dir := t.TempDir()
	if findPiperModel(dir, "en_US-lessac-medium") != "" {
		t.Fatal("空目录应找不到模型")
	}
	nested := filepath.Join(dir, "en", "en_US-lessac-medium.onnx")
	touch(t, nested)
	if got := findPiperModel(dir, "en_US-lessac-medium"); got != nested {
		t.Errorf("got %q, want %q", got, nested)
	}

	if got := modelSampleRate(nested); got != piperSampleRate {
		t.Errorf("无元数据时采样率应为默认值, got %d", got)
	}
	if err := os.WriteFile(nested+".json", []byte(`{"audio":{"sample_rate":16000}}`), 0644); err != nil {
		t.Fatal(err)
	}
	if got := modelSampleRate(nested); got != 16000 {
		t.Errorf("got %d, want 16000", got)
	}
}

func TestPiperMissingBinary(t *testing.T) {
	p := NewPiperEngine("/definitely/not/piper")
	if ok, reason := p.Supports(t.TempDir()); ok || reason == "" {
		t.Errorf("缺少可执行文件时应不支持, got ok=%v reason=%q", ok, reason)
	}
}

func TestHuggingFaceSynthesize(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody hfRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wavBytes(t, 1600, 16000))
	}))
	defer srv.Close()

	e := NewHuggingFaceEngine(srv.URL+"/models/", "hf_test", 5*time.Second)
	out, err := e.Synthesize(context.Background(), Request{
		Text:   "hello",
		Preset: voice.Preset{Model: "facebook/mms-tts-eng"},
		Style:  "calm",
	})
	if err != nil {
		t.Fatalf("Synthesize 失败: %v", err)
	}
	if gotAuth != "Bearer hf_test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/models/facebook/mms-tts-eng" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody.Inputs != "hello" || gotBody.Parameters["description"] != "calm" {
		t.Errorf("请求体不正确: %+v", gotBody)
	}
	if out.SampleRate != 16000 || len(out.Samples) != 1600 {
		t.Errorf("got rate=%d frames=%d", out.SampleRate, len(out.Samples))
	}
	if out.SpeedApplied {
		t.Error("远程推理不处理倍速")
	}
}

func TestHuggingFaceErrors(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"loading"}`))
	}))
	defer srv.Close()

	e := NewHuggingFaceEngine(srv.URL, "hf_test", 5*time.Second)
	req := Request{Text: "hi", Preset: voice.Preset{Model: "m"}}

	_, err := e.Synthesize(context.Background(), req)
	if !errors.Is(err, errs.ErrBackendUnavailable) {
		t.Errorf("503 应映射为不可用, got %v", err)
	}

	status = http.StatusBadRequest
	_, err = e.Synthesize(context.Background(), req)
	if err == nil || errors.Is(err, errs.ErrBackendUnavailable) {
		t.Errorf("400 应为普通错误, got %v", err)
	}

	noToken := NewHuggingFaceEngine(srv.URL, "", time.Second)
	if _, err := noToken.Synthesize(context.Background(), req); !errors.Is(err, errs.ErrBackendUnavailable) {
		t.Errorf("缺少 token 应为不可用, got %v", err)
	}
}

func TestXTTSSynthesize(t *testing.T) {
	var got xttsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != xttsGeneratePath {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write(wavBytes(t, 2400, 24000))
	}))
	defer srv.Close()

	x := NewXTTSEngine(srv.URL, "", 5*time.Second)
	if ok, _ := x.Supports(""); !ok {
		t.Fatal("配置了地址应视为支持")
	}
	out, err := x.Synthesize(context.Background(), Request{
		Text:     "bonjour",
		Preset:   voice.Preset{Language: "fr-FR"},
		VoiceRef: "/tmp/ref.wav",
	})
	if err != nil {
		t.Fatalf("Synthesize 失败: %v", err)
	}
	if got.SpeakerRefPath != "/tmp/ref.wav" || got.Language != "fr" || got.Text != "bonjour" {
		t.Errorf("请求体不正确: %+v", got)
	}
	if out.SampleRate != 24000 || len(out.Samples) != 2400 {
		t.Errorf("got rate=%d frames=%d", out.SampleRate, len(out.Samples))
	}
}

func TestXTTSServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail":"cuda oom","error_code":"E_OOM"}`))
	}))
	defer srv.Close()

	_, err := NewXTTSEngine(srv.URL, "en", time.Second).Synthesize(context.Background(), Request{Text: "x"})
	if err == nil {
		t.Fatal("服务端错误应返回 error")
	}

	unset := NewXTTSEngine("", "en", time.Second)
	if ok, _ := unset.Supports(""); ok {
		t.Error("未配置地址不应被支持")
	}
}

func TestNewInferenceEngine(t *testing.T) {
	e, err := NewInferenceEngine(config.InferenceConfig{Engine: "huggingface"})
	if err != nil || e != nil {
		t.Errorf("无 token 应返回 nil, got %v %v", e, err)
	}

	cfg := config.InferenceConfig{Engine: "huggingface"}
	cfg.HuggingFace.Token = "hf_x"
	cfg.HuggingFace.APIURL = "http://localhost"
	e, err = NewInferenceEngine(cfg)
	if err != nil || e == nil || e.Name() != "huggingface" {
		t.Errorf("got %v %v", e, err)
	}

	cfg = config.InferenceConfig{Engine: "edge"}
	cfg.Edge.Enabled = true
	if e, _ := NewInferenceEngine(cfg); e == nil || e.Name() != "edge" {
		t.Errorf("edge 应被创建, got %v", e)
	}

	if _, err := NewInferenceEngine(config.InferenceConfig{Engine: "bogus"}); err == nil {
		t.Error("未知引擎应返回错误")
	}
}

func TestNewLocalRegistry(t *testing.T) {
	cfg := config.LocalConfig{NumThreads: 2}
	cfg.Piper.BinaryPath = "piper"
	r, err := NewLocalRegistry(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	want := []voice.Family{voice.FamilyKokoro, voice.FamilyPiper, voice.FamilyVITS, voice.FamilyXTTS}
	got := r.Families()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("families[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestArenaRetriesFailedLoad(t *testing.T) {
	a := NewArena()
	loads := 0
	failing := func() (*sherpa.OfflineTts, error) {
		loads++
		return nil, errs.Unavailable("缺少 voices.bin")
	}

	if _, err := a.acquire("/models/kokoro", failing); !errors.Is(err, errs.ErrBackendUnavailable) {
		t.Fatalf("期望 ErrBackendUnavailable，得到 %v", err)
	}
	if a.Len() != 0 {
		t.Fatalf("加载失败的条目不应保留，Len=%d", a.Len())
	}

	// 模型补全后再次使用应重新加载
	inst := &sherpa.OfflineTts{}
	ok := func() (*sherpa.OfflineTts, error) {
		loads++
		return inst, nil
	}
	e, err := a.acquire("/models/kokoro", ok)
	if err != nil {
		t.Fatalf("重新加载失败: %v", err)
	}
	e.mu.Unlock()
	if e.tts != inst || loads != 2 {
		t.Fatalf("应重新加载一次，loads=%d", loads)
	}

	e, err = a.acquire("/models/kokoro", ok)
	if err != nil {
		t.Fatal(err)
	}
	e.mu.Unlock()
	if loads != 2 || a.Len() != 1 {
		t.Errorf("已加载的实例应被缓存，loads=%d Len=%d", loads, a.Len())
	}
}
