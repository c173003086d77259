package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/iabetor/oratio/internal/audio"
	"github.com/iabetor/oratio/internal/errs"
	"github.com/iabetor/oratio/internal/logger"
)

const xttsGeneratePath = "/v1/generate/speech"

// XTTSEngine 调用独立部署的 XTTS HTTP 服务进行声音克隆合成。
type XTTSEngine struct {
	httpClient *http.Client
	baseURL    string
	language   string
}

// xttsRequest 请求体。
type xttsRequest struct {
	Text           string  `json:"text"`
	SpeakerRefPath string  `json:"speaker_ref_path,omitempty"`
	Language       string  `json:"language"`
	Temperature    float64 `json:"temperature"`
	Style          string  `json:"style,omitempty"`
}

// xttsError 服务端错误响应。
type xttsError struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// NewXTTSEngine 创建 XTTS 客户端，baseURL 形如 http://localhost:8000。
func NewXTTSEngine(baseURL, language string, timeout time.Duration) *XTTSEngine {
	if language == "" {
		language = "en"
	}
	return &XTTSEngine{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		language:   language,
	}
}

func (x *XTTSEngine) Name() string { return "xtts" }

// Supports 只检查服务地址是否已配置，不发起网络请求。
func (x *XTTSEngine) Supports(string) (bool, string) {
	if x.baseURL == "" {
		return false, "tts.local.xtts.url 未配置"
	}
	return true, ""
}

// Synthesize 发送合成请求并解码返回的 WAV。
func (x *XTTSEngine) Synthesize(ctx context.Context, req Request) (*Output, error) {
	if x.baseURL == "" {
		return nil, errs.Unavailable("xtts 服务地址未配置")
	}

	language := x.language
	if req.Preset.Language != "" && req.Preset.Language != "und" {
		language = strings.SplitN(req.Preset.Language, "-", 2)[0]
	}

	body, err := json.Marshal(xttsRequest{
		Text:           req.Text,
		SpeakerRefPath: req.VoiceRef,
		Language:       language,
		Temperature:    0.75,
		Style:          req.Style,
	})
	if err != nil {
		return nil, fmt.Errorf("[tts] xtts 序列化请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, x.baseURL+xttsGeneratePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("[tts] xtts 创建请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/wav")

	logger.Debugf("[tts] xtts: 正在合成 %d 个字符，参考音频=%s", len([]rune(req.Text)), req.VoiceRef)

	resp, err := x.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("[tts] xtts 请求 %s 失败: %w", x.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("[tts] xtts 读取响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e xttsError
		if json.Unmarshal(data, &e) == nil && e.Detail != "" {
			return nil, fmt.Errorf("[tts] xtts 服务错误 (%s): %s (code: %s)", resp.Status, e.Detail, e.ErrorCode)
		}
		return nil, fmt.Errorf("[tts] xtts 返回 %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("[tts] xtts: 未收到音频数据")
	}

	samples, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("[tts] xtts 解码 WAV 失败: %w", err)
	}
	return &Output{Samples: samples, SampleRate: rate}, nil
}
