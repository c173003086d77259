package service

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/iabetor/oratio/internal/cleanup"
	"github.com/iabetor/oratio/internal/config"
	"github.com/iabetor/oratio/internal/database"
	"github.com/iabetor/oratio/internal/history"
	"github.com/iabetor/oratio/internal/jobs"
	"github.com/iabetor/oratio/internal/logger"
	"github.com/iabetor/oratio/internal/models"
	"github.com/iabetor/oratio/internal/objectstore"
	"github.com/iabetor/oratio/internal/provider"
	"github.com/iabetor/oratio/internal/synth"
	"github.com/iabetor/oratio/internal/tts"
	"github.com/iabetor/oratio/internal/voice"
)

// BuildVoices 注册内置音色与配置中的额外音色，并设置默认音色。
func BuildVoices(cfg *config.Config) (*voice.Registry, error) {
	reg, err := voice.NewRegistry(voice.Builtin()...)
	if err != nil {
		return nil, err
	}
	for _, vc := range cfg.Voices {
		p := voice.Preset{
			ID:          vc.ID,
			Family:      voice.Family(vc.Family),
			Model:       vc.Model,
			Label:       vc.Label,
			Language:    vc.Language,
			Voice:       vc.Voice,
			Speaker:     vc.Speaker,
			Description: vc.Description,
		}
		if p.Label == "" {
			p.Label = p.ID
		}
		if err := reg.Register(p); err != nil {
			return nil, fmt.Errorf("配置音色无效: %w", err)
		}
	}
	if cfg.TTS.DefaultVoice != "" {
		if err := reg.SetDefault(cfg.TTS.DefaultVoice); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// New 根据配置创建并初始化完整的服务。
// 数据库与 NATS 为可选组件，未配置时不启用；NATS 连接失败只记录警告。
func New(cfg *config.Config) (*Service, error) {
	voices, err := BuildVoices(cfg)
	if err != nil {
		return nil, err
	}

	// 后端
	local, err := tts.NewLocalRegistry(cfg.TTS.Local)
	if err != nil {
		return nil, fmt.Errorf("初始化本地后端失败: %w", err)
	}
	inference, err := tts.NewInferenceEngine(cfg.TTS.Inference)
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("初始化远程推理失败: %w", err)
	}
	tts.LogBackends(local, inference)

	mgr := models.NewManager(cfg.Models.Dir, voices, local, voices.Models()...)

	mode, err := provider.Parse(cfg.TTS.Provider)
	if err != nil {
		local.Close()
		return nil, err
	}
	resolver := provider.NewResolver(mode, mgr, inference != nil)

	orch := synth.New(synth.Config{
		AudioDir:     cfg.Data.AudioDir,
		BaseAudioURL: cfg.Data.BaseAudioURL,
		FallbackStub: cfg.TTS.FallbackStub,
	}, voices, resolver, local, mgr, inference)

	// 存储
	jobStore, err := jobs.NewStore(cfg.JobsFile(), cfg.Jobs.MaxItems)
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("初始化任务存储失败: %w", err)
	}
	histLog, err := history.NewLog(cfg.HistoryFile(), 0)
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("初始化历史记录失败: %w", err)
	}
	sweeper := cleanup.NewSweeper(cfg.Data.AudioDir, histLog, cleanup.Policy{
		MaxAge:     time.Duration(cfg.Retention.MaxAgeHours) * time.Hour,
		MaxHistory: cfg.Retention.MaxHistory,
	})

	s := NewFromComponents(Components{
		Orchestrator: orch,
		Jobs:         jobStore,
		History:      histLog,
		Sweeper:      sweeper,
		Models:       mgr,
	}, Options{
		Workers:          cfg.Jobs.Workers,
		QueueSize:        cfg.Jobs.QueueSize,
		FailStaleRunning: cfg.Jobs.FailStaleRunning,
		CleanupOnStart:   cfg.Retention.CleanupOnStart,
		CleanupInterval:  time.Duration(cfg.Retention.IntervalMinutes) * time.Minute,
	})
	s.closers = append(s.closers, local.Close)

	// 使用统计（可选）
	if cfg.Database.Path != "" {
		db, err := database.Open(cfg.Database.Path)
		if err != nil {
			s.Close()
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			s.Close()
			return nil, err
		}
		s.Stats = database.NewStatsStore(db)
		s.db = db
		s.closers = append(s.closers, func() { db.Close() })
	}

	// NATS（可选）
	if cfg.NATS.URL != "" {
		if err := s.connectNATS(cfg.NATS); err != nil {
			logger.Warnf("[service] NATS 不可用（已禁用）: %v", err)
		}
	}

	logger.Infof("[service] 初始化完成: provider=%s 音色=%d 任务=%d 历史=%d",
		mode, voices.Len(), jobStore.Len(), histLog.Len())
	return s, nil
}

func (s *Service) connectNATS(cfg config.NATSConfig) error {
	nc, err := nats.Connect(cfg.URL, nats.Name("oratio"))
	if err != nil {
		return fmt.Errorf("连接 %s 失败: %w", cfg.URL, err)
	}
	s.nc = nc
	s.closers = append(s.closers, func() { nc.Drain() })

	if cfg.AudioBucket == "" {
		return nil
	}
	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("获取 JetStream 失败: %w", err)
	}
	store, err := objectstore.New(js, cfg.AudioBucket)
	if err != nil {
		return err
	}
	s.Mirror = store
	return nil
}

// NATS 返回 NATS 连接，未启用时为 nil。
func (s *Service) NATS() *nats.Conn { return s.nc }

// DB 返回统计数据库，未启用时为 nil。
func (s *Service) DB() *database.DB { return s.db }
