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

// HuggingFaceEngine 调用 Hugging Face Inference API 进行远程合成。
type HuggingFaceEngine struct {
	httpClient *http.Client
	apiURL     string
	token      string
}

// NewHuggingFaceEngine 创建远程推理引擎，apiURL 为模型前缀地址。
func NewHuggingFaceEngine(apiURL, token string, timeout time.Duration) *HuggingFaceEngine {
	return &HuggingFaceEngine{
		httpClient: &http.Client{Timeout: timeout},
		apiURL:     strings.TrimRight(apiURL, "/"),
		token:      token,
	}
}

func (h *HuggingFaceEngine) Name() string { return "huggingface" }

type hfRequest struct {
	Inputs     string                 `json:"inputs"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// Synthesize 以预设的模型标识调用推理接口，响应为 WAV 或 MP3。
func (h *HuggingFaceEngine) Synthesize(ctx context.Context, req Request) (*Output, error) {
	if h.token == "" {
		return nil, errs.Unavailable("未配置 Hugging Face token")
	}

	payload := hfRequest{Inputs: req.Text}
	if req.Style != "" {
		payload.Parameters = map[string]interface{}{"description": req.Style}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("[tts] huggingface 序列化请求失败: %w", err)
	}

	url := h.apiURL + "/" + req.Preset.Model
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("[tts] huggingface 创建请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+h.token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/wav")

	logger.Debugf("[tts] huggingface: 正在合成 %d 个字符，模型=%s", len([]rune(req.Text)), req.Preset.Model)

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("[tts] huggingface 请求失败: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("[tts] huggingface 读取响应失败: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		// 模型冷启动中
		return nil, errs.Unavailable("huggingface 模型 %s 暂不可用: %s", req.Preset.Model, strings.TrimSpace(string(data)))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("[tts] huggingface 返回 %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	samples, rate, err := audio.Decode(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("[tts] huggingface 解码音频失败 (%s): %w", resp.Header.Get("Content-Type"), err)
	}
	logger.Debugf("[tts] huggingface: 收到 %d 字节，%d 个样本，采样率 %d Hz", len(data), len(samples), rate)

	return &Output{Samples: samples, SampleRate: rate}, nil
}
