package tts

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common/profile"
	tcetts "github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/tts/v20190823"

	"github.com/iabetor/oratio/internal/audio"
	"github.com/iabetor/oratio/internal/logger"
)

// TencentEngine 使用腾讯云 TTS 远程合成。
type TencentEngine struct {
	client    *tcetts.Client
	voiceType int64
}

// TencentConfig 腾讯云 TTS 配置。
type TencentConfig struct {
	SecretID  string
	SecretKey string
	VoiceType int64
	Region    string
}

// NewTencentEngine 创建腾讯云 TTS 引擎。
func NewTencentEngine(cfg TencentConfig) (*TencentEngine, error) {
	if cfg.SecretID == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("[tts] 腾讯云 TTS 需要 SecretID 和 SecretKey")
	}
	if cfg.VoiceType == 0 {
		cfg.VoiceType = 101051 // 英文女声 WeJack 系列
	}
	if cfg.Region == "" {
		cfg.Region = "ap-guangzhou"
	}

	credential := common.NewCredential(cfg.SecretID, cfg.SecretKey)
	cpf := profile.NewClientProfile()
	cpf.HttpProfile.Endpoint = "tts.tencentcloudapi.com"

	client, err := tcetts.NewClient(credential, cfg.Region, cpf)
	if err != nil {
		return nil, fmt.Errorf("[tts] 创建腾讯云 TTS 客户端失败: %w", err)
	}

	logger.Infof("[tts] 腾讯云 TTS 引擎已初始化 (voice=%d, region=%s)", cfg.VoiceType, cfg.Region)
	return &TencentEngine{client: client, voiceType: cfg.VoiceType}, nil
}

func (e *TencentEngine) Name() string { return "tencent" }

// Synthesize 请求 MP3 格式音频并解码为 PCM。
func (e *TencentEngine) Synthesize(ctx context.Context, req Request) (*Output, error) {
	logger.Debugf("[tts] 腾讯云 TTS: 正在合成 %d 个字符，音色=%d", len([]rune(req.Text)), e.voiceType)

	request := tcetts.NewTextToVoiceRequest()
	request.Text = common.StringPtr(req.Text)
	request.SessionId = common.StringPtr(uuid.NewString())
	request.VoiceType = common.Int64Ptr(e.voiceType)
	request.Codec = common.StringPtr("mp3")
	request.Volume = common.Float64Ptr(5.0)

	response, err := e.client.TextToVoiceWithContext(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("[tts] 腾讯云 TTS 合成失败: %w", err)
	}
	if response.Response == nil || response.Response.Audio == nil {
		return nil, fmt.Errorf("[tts] 腾讯云 TTS: 未返回音频数据")
	}

	mp3Data, err := base64.StdEncoding.DecodeString(*response.Response.Audio)
	if err != nil {
		return nil, fmt.Errorf("[tts] Base64 解码失败: %w", err)
	}

	samples, rate, err := audio.DecodeMP3(ctx, mp3Data)
	if err != nil {
		return nil, fmt.Errorf("[tts] 腾讯云 TTS: %w", err)
	}
	logger.Debugf("[tts] 腾讯云 TTS: 收到 %d 字节 MP3，解码得到 %d 个样本", len(mp3Data), len(samples))

	return &Output{Samples: samples, SampleRate: rate}, nil
}
