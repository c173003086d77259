package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/iabetor/oratio/internal/audio"
	"github.com/iabetor/oratio/internal/config"
	"github.com/iabetor/oratio/internal/database"
	"github.com/iabetor/oratio/internal/logger"
	"github.com/iabetor/oratio/internal/provider"
	"github.com/iabetor/oratio/internal/service"
	"github.com/iabetor/oratio/internal/synth"
	"github.com/iabetor/oratio/internal/worker"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdServe(ctx context.Context, cfg *config.Config, svc *service.Service) error {
	if err := svc.Start(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	if cfg.Models.Watch && svc.Models != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Models.Watch(ctx); err != nil {
				logger.Warnf("[main] 模型目录监听退出: %v", err)
			}
		}()
	}
	if nc := svc.NATS(); nc != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := worker.New(nc, cfg.NATS.Subject, svc).Run(ctx); err != nil {
				logger.Errorf("[main] NATS worker 退出: %v", err)
			}
		}()
	}

	logger.Infof("[main] Oratio 已启动 (provider=%s)", cfg.TTS.Provider)
	<-ctx.Done()
	wg.Wait()
	logger.Info("[main] Oratio 已停止")
	return nil
}

func cmdSynth(ctx context.Context, svc *service.Service, args []string) error {
	fs := flag.NewFlagSet("synth", flag.ExitOnError)
	voiceID := fs.String("voice", "", "音色 ID（默认使用配置的默认音色）")
	speed := fs.Float64("speed", 1.0, "语速倍数 [0.5, 2.0]")
	style := fs.String("style", "", "风格描述")
	ref := fs.String("ref", "", "参考音频路径（声音克隆音色必需）")
	prov := fs.String("provider", "", "覆盖 provider: local, inference, stub")
	play := fs.Bool("play", false, "合成后直接播放")
	_ = fs.Parse(args)

	text := strings.Join(fs.Args(), " ")
	if text == "" {
		return fmt.Errorf("用法: oratio synth [flags] <文本>")
	}

	j, err := svc.Submit(ctx, synth.Request{
		Text:     text,
		VoiceID:  *voiceID,
		Speed:    *speed,
		Style:    *style,
		VoiceRef: *ref,
		Provider: provider.Provider(*prov),
	}, false)
	if err != nil {
		if j.ID != "" {
			_ = printJSON(j)
		}
		return err
	}
	if err := printJSON(j); err != nil {
		return err
	}

	if *play {
		e, ok := svc.History.Get(j.ID)
		if !ok {
			return fmt.Errorf("找不到任务 %s 的音频", j.ID)
		}
		player, err := audio.NewPlayer()
		if err != nil {
			return fmt.Errorf("初始化播放器失败: %w", err)
		}
		defer player.Close()
		return player.PlayFile(ctx, e.AudioPath)
	}
	return nil
}

func cmdJobs(svc *service.Service, args []string) error {
	if len(args) == 0 {
		args = []string{"list"}
	}
	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("jobs list", flag.ExitOnError)
		limit := fs.Int("limit", 20, "最多显示条数，0 为全部")
		_ = fs.Parse(args[1:])

		list := svc.ListJobs(*limit)
		if len(list) == 0 {
			fmt.Println("当前没有任务。")
			return nil
		}
		fmt.Printf("%-32s  %-9s  %-9s  %-16s  %s\n", "ID", "状态", "来源", "音色", "更新时间")
		for _, j := range list {
			fmt.Printf("%-32s  %-9s  %-9s  %-16s  %s\n", j.ID, j.Status, j.Source, j.VoiceID, j.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	case "get":
		if len(args) < 2 {
			return fmt.Errorf("用法: oratio jobs get <任务ID>")
		}
		j, err := svc.GetJob(args[1])
		if err != nil {
			return err
		}
		return printJSON(j)
	case "delete":
		if len(args) < 2 {
			return fmt.Errorf("用法: oratio jobs delete <任务ID...>")
		}
		n, err := svc.BatchDeleteJobs(args[1:])
		if err != nil {
			return err
		}
		fmt.Printf("已删除 %d 个任务。\n", n)
		return nil
	default:
		return fmt.Errorf("未知子命令: jobs %s", args[0])
	}
}

func cmdHistory(svc *service.Service, args []string) error {
	if len(args) == 0 {
		args = []string{"list"}
	}
	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("history list", flag.ExitOnError)
		limit := fs.Int("limit", 20, "最多显示条数，0 为全部")
		asJSON := fs.Bool("json", false, "以 JSON 输出")
		_ = fs.Parse(args[1:])

		entries := svc.ListHistory(*limit)
		if *asJSON {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("当前没有历史记录。")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %-9s  %-16s  %5.2fs  %s\n", e.JobID, e.Source, e.VoiceID, e.DurationSeconds, e.TextPreview)
		}
		return nil
	case "delete":
		fs := flag.NewFlagSet("history delete", flag.ExitOnError)
		withAudio := fs.Bool("audio", false, "同时删除音频文件")
		_ = fs.Parse(args[1:])
		if fs.NArg() == 0 {
			return fmt.Errorf("用法: oratio history delete [-audio] <任务ID...>")
		}
		n, err := svc.BatchDeleteHistory(fs.Args(), *withAudio)
		if err != nil {
			return err
		}
		fmt.Printf("已删除 %d 条历史记录。\n", n)
		return nil
	default:
		return fmt.Errorf("未知子命令: history %s", args[0])
	}
}

func cmdVoices(svc *service.Service) error {
	voices := svc.ListVoices()
	fmt.Printf("共 %d 个音色:\n", len(voices))
	for _, v := range voices {
		fmt.Printf("  %-18s %-7s %-8s %-24s %s\n", v.ID, v.Family, v.Language, v.Model, v.Label)
	}
	return nil
}

func cmdModels(svc *service.Service) error {
	for _, s := range svc.ModelStatus() {
		mark := "缺失"
		if s.Exists {
			mark = "就绪"
		}
		supported, reason := svc.Models.SupportsFamily(s.Repo)
		if !supported && s.Exists {
			mark += "（" + reason + "）"
		}
		fmt.Printf("  %-8s %-24s %s\n    %s\n", s.Key, s.Repo, mark, s.LocalPath)
	}
	return nil
}

func cmdCleanup(svc *service.Service) error {
	res, err := svc.RunCleanup()
	if err != nil {
		return err
	}
	return printJSON(res)
}

func cmdExport(svc *service.Service, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	out := fs.String("o", "oratio-audio.zip", "输出文件路径")
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("用法: oratio export -o <file> <任务ID...>")
	}

	tmp := *out + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("创建 %s 失败: %w", tmp, err)
	}
	n, err := svc.ExportAudioArchive(fs.Args(), f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, *out); err != nil {
		return err
	}
	fmt.Printf("已导出 %d 个音频文件到 %s\n", n, *out)
	return nil
}

func cmdStats(svc *service.Service, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	days := fs.Int("days", 7, "统计最近几天，0 为全部")
	_ = fs.Parse(args)

	db := svc.DB()
	if db == nil {
		return fmt.Errorf("未配置 database.path，统计未启用")
	}
	store := database.NewStatsStore(db)
	rows, err := store.Summary(*days)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("暂无合成统计。")
		return nil
	}
	totals, err := store.TotalsBySource()
	if err != nil {
		return err
	}
	sources := make([]string, 0, len(totals))
	for src := range totals {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	fmt.Print("累计:")
	for _, src := range sources {
		fmt.Printf(" %s=%d", src, totals[src])
	}
	fmt.Println()

	fmt.Printf("%-10s  %-9s  %-18s  %5s  %8s\n", "日期", "来源", "音色", "次数", "时长(s)")
	for _, r := range rows {
		fmt.Printf("%-10s  %-9s  %-18s  %5d  %8.1f\n", r.Date, r.Source, r.VoiceID, r.Count, r.Seconds)
	}
	return nil
}
