package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	appcfg "algo-trader-go/config"
	"algo-trader-go/infrastructure/logger"
	"algo-trader-go/risk"
)

// HotReloadConfig 热更新配置
type HotReloadConfig struct {
	Enabled      bool          `yaml:"enabled"`  // 是否启用热更新
	CooldownTime time.Duration `yaml:"cooldown"` // 冷却时间，避免频繁更新
}

// DefaultHotReloadConfig 默认热更新配置
func DefaultHotReloadConfig() HotReloadConfig {
	return HotReloadConfig{
		Enabled:      true,
		CooldownTime: 2 * time.Second,
	}
}

// LoadFunc 读取并校验配置文件。
type LoadFunc func(path string) (appcfg.AppConfig, error)

// Applier 把新配置应用到运行中的组件。
type Applier func(cfg appcfg.AppConfig) error

// HotReloader 监听配置文件，变化后重新加载并依次调用已注册的 Applier。
// 只有可以在运行中安全替换的部分（风控阈值）才应注册。
type HotReloader struct {
	config     HotReloadConfig
	configPath string
	watcher    *fsnotify.Watcher
	load       LoadFunc
	appliers   []namedApplier
	logger     *logger.Logger
	lastReload time.Time
	mu         sync.RWMutex
	stopChan   chan struct{}
	doneChan   chan struct{}
	stopOnce   sync.Once
	started    bool
}

type namedApplier struct {
	name string
	fn   Applier
}

// NewHotReloader 创建热更新器
func NewHotReloader(configPath string, cfg HotReloadConfig, load LoadFunc, lg *logger.Logger) (*HotReloader, error) {
	if load == nil {
		load = appcfg.LoadWithEnvOverrides
	}
	if lg == nil {
		lg = logger.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return &HotReloader{
		config:     cfg,
		configPath: filepath.Clean(configPath),
		watcher:    watcher,
		load:       load,
		logger:     lg,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}, nil
}

// Register 注册参数应用器，按注册顺序调用。
func (h *HotReloader) Register(name string, fn Applier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appliers = append(h.appliers, namedApplier{name: name, fn: fn})
}

// Start 启动热更新监听
func (h *HotReloader) Start(ctx context.Context) error {
	if !h.config.Enabled {
		return nil
	}
	// 监听所在目录，兼容以 rename 方式替换的写入
	if err := h.watcher.Add(filepath.Dir(h.configPath)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}
	h.mu.Lock()
	h.started = true
	h.mu.Unlock()
	go h.watch(ctx)
	return nil
}

// Stop 停止热更新
func (h *HotReloader) Stop() error {
	h.stopOnce.Do(func() { close(h.stopChan) })
	h.mu.RLock()
	started := h.started
	h.mu.RUnlock()
	if started {
		<-h.doneChan
	}
	return h.watcher.Close()
}

// watch 监听文件变化
func (h *HotReloader) watch(ctx context.Context) {
	defer close(h.doneChan)

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != h.configPath {
				continue
			}
			// 只处理写入和创建事件
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				h.handleConfigChange()
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// handleConfigChange 处理配置变化
func (h *HotReloader) handleConfigChange() {
	h.mu.RLock()
	cooling := time.Since(h.lastReload) < h.config.CooldownTime
	h.mu.RUnlock()
	if cooling {
		return
	}
	if err := h.Reload(); err != nil {
		h.logger.LogError(err, map[string]interface{}{"action": "config_reload", "path": h.configPath})
	}
}

// Reload 立即重新加载配置；校验失败时保持旧配置不变。
func (h *HotReloader) Reload() error {
	cfg, err := h.load(h.configPath)
	if err != nil {
		return fmt.Errorf("reload %s: %w", h.configPath, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	var errs []error
	for _, a := range h.appliers {
		if err := a.fn(cfg); err != nil {
			errs = append(errs, fmt.Errorf("apply %s: %w", a.name, err))
			continue
		}
		h.logger.Info("config applied", zap.String("component", a.name))
	}
	h.lastReload = time.Now()
	return errors.Join(errs...)
}

// GetLastReloadTime 获取最后重载时间
func (h *HotReloader) GetLastReloadTime() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastReload
}

// RiskApplier 以新阈值替换风控引擎，正在评估中的意图继续使用旧引擎。
func RiskApplier(p *risk.Provider) Applier {
	return func(cfg appcfg.AppConfig) error {
		if err := appcfg.ValidateRisk(cfg.Risk); err != nil {
			return err
		}
		p.UpdateLimits(cfg.RiskLimits())
		return nil
	}
}
