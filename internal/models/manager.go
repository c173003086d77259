// Package models 管理本地模型目录：模型清单、本地路径、可用性检查。
package models

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/iabetor/oratio/internal/logger"
	"github.com/iabetor/oratio/internal/voice"
)

// DefaultCatalog 内置模型清单：家族键 → 模型仓库标识。
var DefaultCatalog = map[string]string{
	"kokoro": "hexgrad/Kokoro-82M",
	"vits":   "facebook/mms-tts-eng",
	"piper":  "rhasspy/piper-voices",
	"xtts":   "coqui/XTTS-v2",
}

// Status 单个模型的本地状态。
type Status struct {
	Key       string `json:"key"`
	Repo      string `json:"repo"`
	LocalPath string `json:"local_path"`
	Exists    bool   `json:"exists"`
}

// FamilyResolver 由音色注册表实现。
type FamilyResolver interface {
	FamilyOf(model string) (voice.Family, bool)
}

// FamilyChecker 由后端注册表实现。
type FamilyChecker interface {
	Supports(family voice.Family, modelPath string) (bool, string)
}

// Manager 本地模型管理器。
type Manager struct {
	dir      string
	catalog  map[string]string
	families FamilyResolver
	backends FamilyChecker

	mu    sync.Mutex
	cache map[string]bool
}

// NewManager 创建模型管理器。families 中出现但清单里没有的模型以模型标识为键补入清单。
func NewManager(dir string, families FamilyResolver, backends FamilyChecker, extraModels ...string) *Manager {
	catalog := make(map[string]string, len(DefaultCatalog)+len(extraModels))
	known := make(map[string]bool)
	for k, repo := range DefaultCatalog {
		catalog[k] = repo
		known[repo] = true
	}
	for _, m := range extraModels {
		if m == "" || m == "stub" || known[m] {
			continue
		}
		catalog[m] = m
		known[m] = true
	}
	return &Manager{
		dir:      dir,
		catalog:  catalog,
		families: families,
		backends: backends,
		cache:    make(map[string]bool),
	}
}

// Dir 返回模型根目录。
func (m *Manager) Dir() string { return m.dir }

// LocalPath 返回模型的本地目录：仓库标识中的 "/" 替换为 "_"。
func (m *Manager) LocalPath(modelID string) string {
	return filepath.Join(m.dir, strings.ReplaceAll(modelID, "/", "_"))
}

// Status 返回清单中每个模型的状态，按键排序。
func (m *Manager) Status() []Status {
	keys := make([]string, 0, len(m.catalog))
	for k := range m.catalog {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Status, 0, len(keys))
	for _, k := range keys {
		repo := m.catalog[k]
		out = append(out, Status{
			Key:       k,
			Repo:      repo,
			LocalPath: m.LocalPath(repo),
			Exists:    m.IsLocallyAvailable(repo),
		})
	}
	return out
}

// NeedsDownload 报告是否有清单模型尚未就位。
func (m *Manager) NeedsDownload() bool {
	for _, s := range m.Status() {
		if !s.Exists {
			return true
		}
	}
	return false
}

// IsLocallyAvailable 检查模型目录存在且非空，结果缓存到目录变化为止。
func (m *Manager) IsLocallyAvailable(modelID string) bool {
	if modelID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.cache[modelID]; ok {
		return v
	}
	v := dirNonEmpty(m.LocalPath(modelID))
	m.cache[modelID] = v
	return v
}

func dirNonEmpty(path string) bool {
	entries, err := os.ReadDir(path)
	return err == nil && len(entries) > 0
}

// SupportsFamily 检查模型所属家族的本地后端能否加载该模型。
func (m *Manager) SupportsFamily(modelID string) (bool, string) {
	family, ok := m.families.FamilyOf(modelID)
	if !ok {
		return false, fmt.Sprintf("模型 %s 未绑定任何音色家族", modelID)
	}
	return m.backends.Supports(family, m.LocalPath(modelID))
}

// Invalidate 清空可用性缓存。
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cache = make(map[string]bool)
	m.mu.Unlock()
}

// Watch 监听模型目录，目录内容变化时清空缓存。阻塞直到 ctx 取消。
func (m *Manager) Watch(ctx context.Context) error {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("[models] 创建模型目录失败: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("[models] 创建监听器失败: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(m.dir); err != nil {
		return fmt.Errorf("[models] 监听目录 %q 失败: %w", m.dir, err)
	}
	// 子目录内的文件变化也会影响"非空"判断
	entries, _ := os.ReadDir(m.dir)
	for _, e := range entries {
		if e.IsDir() {
			_ = watcher.Add(filepath.Join(m.dir, e.Name()))
		}
	}

	logger.Infof("[models] 开始监听模型目录 %s", m.dir)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Write) {
				logger.Debugf("[models] 目录变化: %s", event)
				m.Invalidate()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("[models] 监听错误: %v", err)
		}
	}
}
