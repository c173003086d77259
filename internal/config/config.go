package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config 是 oratio 的顶层配置结构。
type Config struct {
	Data      DataConfig      `yaml:"data" toml:"data"`
	Models    ModelsConfig    `yaml:"models" toml:"models"`
	TTS       TTSConfig       `yaml:"tts" toml:"tts"`
	Voices    []VoiceConfig   `yaml:"voices" toml:"voices"`
	Jobs      JobsConfig      `yaml:"jobs" toml:"jobs"`
	Retention RetentionConfig `yaml:"retention" toml:"retention"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	NATS      NATSConfig      `yaml:"nats" toml:"nats"`
	Log       LogConfig       `yaml:"log" toml:"log"`
}

// DataConfig 数据目录与音频输出配置。
type DataConfig struct {
	Dir          string `yaml:"dir" toml:"dir"`
	AudioDir     string `yaml:"audio_dir" toml:"audio_dir"`
	BaseAudioURL string `yaml:"base_audio_url" toml:"base_audio_url"`
}

// ModelsConfig 本地模型目录配置。
type ModelsConfig struct {
	Dir   string `yaml:"dir" toml:"dir"`
	Watch bool   `yaml:"watch" toml:"watch"`
}

// TTSConfig 合成后端配置。
type TTSConfig struct {
	// Provider: auto, local, inference, stub
	Provider     string          `yaml:"provider" toml:"provider"`
	FallbackStub bool            `yaml:"fallback_stub" toml:"fallback_stub"`
	DefaultVoice string          `yaml:"default_voice" toml:"default_voice"`
	Inference    InferenceConfig `yaml:"inference" toml:"inference"`
	Local        LocalConfig     `yaml:"local" toml:"local"`
}

// InferenceConfig 远程推理配置，只启用 Engine 指定的一个。
type InferenceConfig struct {
	// Engine: huggingface, edge, tencent
	Engine      string            `yaml:"engine" toml:"engine"`
	HuggingFace HuggingFaceConfig `yaml:"huggingface" toml:"huggingface"`
	Edge        EdgeConfig        `yaml:"edge" toml:"edge"`
	Tencent     TencentConfig     `yaml:"tencent" toml:"tencent"`
}

// HuggingFaceConfig Hugging Face Inference API 配置。
type HuggingFaceConfig struct {
	Token          string `yaml:"token" toml:"token"`
	APIURL         string `yaml:"api_url" toml:"api_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// EdgeConfig Edge TTS 配置。
type EdgeConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Voice   string `yaml:"voice" toml:"voice"`
}

// TencentConfig 腾讯云 TTS 配置。
type TencentConfig struct {
	SecretID  string `yaml:"secret_id" toml:"secret_id"`
	SecretKey string `yaml:"secret_key" toml:"secret_key"`
	VoiceType int64  `yaml:"voice_type" toml:"voice_type"`
	Region    string `yaml:"region" toml:"region"`
}

// LocalConfig 本地后端配置。
type LocalConfig struct {
	NumThreads int         `yaml:"num_threads" toml:"num_threads"`
	Piper      PiperConfig `yaml:"piper" toml:"piper"`
	XTTS       XTTSConfig  `yaml:"xtts" toml:"xtts"`
}

// PiperConfig Piper CLI 配置。
type PiperConfig struct {
	BinaryPath string `yaml:"binary_path" toml:"binary_path"`
}

// XTTSConfig 声音克隆 HTTP 服务配置。
type XTTSConfig struct {
	URL            string `yaml:"url" toml:"url"`
	Language       string `yaml:"language" toml:"language"`
	TimeoutSeconds int    `yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// VoiceConfig 额外注册的音色预设。
type VoiceConfig struct {
	ID          string `yaml:"id" toml:"id"`
	Family      string `yaml:"family" toml:"family"`
	Model       string `yaml:"model" toml:"model"`
	Label       string `yaml:"label" toml:"label"`
	Language    string `yaml:"language" toml:"language"`
	Voice       string `yaml:"voice" toml:"voice"`
	Speaker     int    `yaml:"speaker" toml:"speaker"`
	Description string `yaml:"description" toml:"description"`
}

// JobsConfig 任务存储与工作池配置。
type JobsConfig struct {
	MaxItems         int  `yaml:"max_items" toml:"max_items"`
	Workers          int  `yaml:"workers" toml:"workers"`
	QueueSize        int  `yaml:"queue_size" toml:"queue_size"`
	FailStaleRunning bool `yaml:"fail_stale_running" toml:"fail_stale_running"`
}

// RetentionConfig 清理策略配置。
type RetentionConfig struct {
	MaxAgeHours     int  `yaml:"max_age_hours" toml:"max_age_hours"`
	MaxHistory      int  `yaml:"max_history" toml:"max_history"`
	CleanupOnStart  bool `yaml:"cleanup_on_start" toml:"cleanup_on_start"`
	IntervalMinutes int  `yaml:"interval_minutes" toml:"interval_minutes"`
}

// DatabaseConfig 使用统计数据库，Path 为空则不启用。
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// NATSConfig NATS 配置，URL 为空则不启用。
type NATSConfig struct {
	URL         string `yaml:"url" toml:"url"`
	Subject     string `yaml:"subject" toml:"subject"`
	AudioBucket string `yaml:"audio_bucket" toml:"audio_bucket"`
}

// LogConfig 日志配置。
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	File       string `yaml:"file" toml:"file"`
	MaxSize    int    `yaml:"max_size" toml:"max_size"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAge     int    `yaml:"max_age" toml:"max_age"`
}

// Load 读取配置文件并返回 Config。
// 根据扩展名选择 YAML 或 TOML；同目录存在 .env 时先加载（已有环境变量优先）。
// 支持 ${VAR_NAME} 形式的环境变量展开。
func Load(path string) (*Config, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("加载 %s 失败: %w", envFile, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件 %s 失败: %w", path, err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
		}
	}

	applyEnv(cfg)
	setDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 返回只包含默认值的配置，用于未提供配置文件的场景。
func Default() *Config {
	cfg := &Config{}
	applyEnv(cfg)
	setDefaults(cfg)
	return cfg
}

// applyEnv 兼容旧的环境变量开关，非空时覆盖配置文件中的值。
func applyEnv(cfg *Config) {
	if v := os.Getenv("ORATIO_PROVIDER"); v != "" {
		cfg.TTS.Provider = v
	}
	if v := os.Getenv("ORATIO_FALLBACK_STUB"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.TTS.FallbackStub = b
		}
	}
	if v := os.Getenv("ORATIO_CLEAN_MAX_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retention.MaxAgeHours = n
		}
	}
	if v := os.Getenv("ORATIO_CLEAN_MAX_HISTORY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retention.MaxHistory = n
		}
	}
	if v := os.Getenv("ORATIO_MAX_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Jobs.MaxItems = n
		}
	}
	if v := os.Getenv("HF_TOKEN"); v != "" && cfg.TTS.Inference.HuggingFace.Token == "" {
		cfg.TTS.Inference.HuggingFace.Token = v
	}
}

// setDefaults 为未设置的配置项填充默认值。
func setDefaults(cfg *Config) {
	if cfg.Data.Dir == "" {
		home, _ := os.UserHomeDir()
		if home != "" {
			cfg.Data.Dir = filepath.Join(home, ".oratio")
		} else {
			cfg.Data.Dir = "./.oratio-data"
		}
	}
	cfg.Data.Dir = expandHome(cfg.Data.Dir)
	if cfg.Data.AudioDir == "" {
		cfg.Data.AudioDir = filepath.Join(cfg.Data.Dir, "outputs", "audio")
	}
	cfg.Data.AudioDir = expandHome(cfg.Data.AudioDir)
	if cfg.Data.BaseAudioURL == "" {
		cfg.Data.BaseAudioURL = "/audio"
	}
	cfg.Data.BaseAudioURL = strings.TrimRight(cfg.Data.BaseAudioURL, "/")

	if cfg.Models.Dir == "" {
		cfg.Models.Dir = filepath.Join(cfg.Data.Dir, "models")
	}
	cfg.Models.Dir = expandHome(cfg.Models.Dir)

	if cfg.TTS.Provider == "" {
		cfg.TTS.Provider = "auto"
	}
	cfg.TTS.Provider = strings.ToLower(cfg.TTS.Provider)
	if cfg.TTS.DefaultVoice == "" {
		cfg.TTS.DefaultVoice = "kokoro_en_us_0"
	}
	if cfg.TTS.Inference.Engine == "" {
		cfg.TTS.Inference.Engine = "huggingface"
	}
	if cfg.TTS.Inference.HuggingFace.APIURL == "" {
		cfg.TTS.Inference.HuggingFace.APIURL = "https://api-inference.huggingface.co/models"
	}
	if cfg.TTS.Inference.HuggingFace.TimeoutSeconds == 0 {
		cfg.TTS.Inference.HuggingFace.TimeoutSeconds = 120
	}
	if cfg.TTS.Inference.Edge.Voice == "" {
		cfg.TTS.Inference.Edge.Voice = "en-US-AriaNeural"
	}
	if cfg.TTS.Inference.Tencent.Region == "" {
		cfg.TTS.Inference.Tencent.Region = "ap-guangzhou"
	}
	if cfg.TTS.Local.NumThreads == 0 {
		cfg.TTS.Local.NumThreads = 2
	}
	if cfg.TTS.Local.Piper.BinaryPath == "" {
		cfg.TTS.Local.Piper.BinaryPath = "piper"
	}
	if cfg.TTS.Local.XTTS.Language == "" {
		cfg.TTS.Local.XTTS.Language = "en"
	}
	if cfg.TTS.Local.XTTS.TimeoutSeconds == 0 {
		cfg.TTS.Local.XTTS.TimeoutSeconds = 300
	}

	if cfg.Jobs.MaxItems == 0 {
		cfg.Jobs.MaxItems = 300
	}
	if cfg.Jobs.Workers == 0 {
		cfg.Jobs.Workers = 2
	}
	if cfg.Jobs.QueueSize == 0 {
		cfg.Jobs.QueueSize = 64
	}

	if cfg.Retention.MaxAgeHours == 0 {
		cfg.Retention.MaxAgeHours = 48
	}
	if cfg.Retention.MaxHistory == 0 {
		cfg.Retention.MaxHistory = 200
	}

	if cfg.Database.Path != "" {
		cfg.Database.Path = expandHome(cfg.Database.Path)
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "oratio.synthesize"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File != "" {
		cfg.Log.File = expandHome(cfg.Log.File)
	}
}

// Validate 检查取值范围。
func (c *Config) Validate() error {
	switch c.TTS.Provider {
	case "auto", "local", "inference", "stub":
	default:
		return fmt.Errorf("tts.provider 取值无效: %s（可选 auto/local/inference/stub）", c.TTS.Provider)
	}
	switch c.TTS.Inference.Engine {
	case "huggingface", "edge", "tencent":
	default:
		return fmt.Errorf("tts.inference.engine 取值无效: %s", c.TTS.Inference.Engine)
	}
	if c.Jobs.MaxItems < 0 || c.Retention.MaxHistory < 0 || c.Retention.MaxAgeHours < 0 {
		return fmt.Errorf("jobs.max_items / retention.max_history / retention.max_age_hours 不能为负数")
	}
	if c.Jobs.Workers < 0 || c.Jobs.QueueSize < 0 {
		return fmt.Errorf("jobs.workers / jobs.queue_size 不能为负数")
	}
	return nil
}

// JobsFile 返回任务存储文件路径。
func (c *Config) JobsFile() string {
	return filepath.Join(c.Data.Dir, "jobs.json")
}

// HistoryFile 返回历史记录文件路径。
func (c *Config) HistoryFile() string {
	return filepath.Join(c.Data.Dir, "outputs", "history.json")
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, _ := os.UserHomeDir(); home != "" {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
