package container

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"algo-trader-go/events"
	"algo-trader-go/infrastructure/alert"
	"algo-trader-go/infrastructure/logger"
	"algo-trader-go/internal/api"
	internalcfg "algo-trader-go/internal/config"
	"algo-trader-go/internal/engine"
)

// Lifecycle 生命周期接口
type Lifecycle interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Health() error
}

// LifecycleManager 生命周期管理器
type LifecycleManager struct {
	components []Lifecycle
	mu         sync.RWMutex
}

// NewLifecycleManager 创建新的生命周期管理器
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{
		components: make([]Lifecycle, 0),
	}
}

// Register 注册组件
func (m *LifecycleManager) Register(component Lifecycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, component)
}

// StartAll 按顺序启动所有组件
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, component := range m.components {
		if err := component.Start(ctx); err != nil {
			// 启动失败，回滚已启动的组件
			for j := i - 1; j >= 0; j-- {
				_ = m.components[j].Stop()
			}
			return fmt.Errorf("start %s failed: %w", component.Name(), err)
		}
	}
	return nil
}

// StopAll 逆序停止所有组件
func (m *LifecycleManager) StopAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for i := len(m.components) - 1; i >= 0; i-- {
		if err := m.components[i].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", m.components[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// CheckHealth 检查所有组件健康状态
func (m *LifecycleManager) CheckHealth() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, component := range m.components {
		if err := component.Health(); err != nil {
			return fmt.Errorf("%s unhealthy: %w", component.Name(), err)
		}
	}
	return nil
}

// eventsComponent 把 websocket、kafka 与告警挂到广播器上。
type eventsComponent struct {
	broadcaster *events.Broadcaster
	hub         *events.WSHub
	kafka       *events.KafkaSink
	alerts      *alert.Sink
	cancel      context.CancelFunc
}

func (e *eventsComponent) Name() string { return "events" }

func (e *eventsComponent) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	if e.hub != nil {
		e.broadcaster.Attach(ctx, e.hub)
	}
	if e.kafka != nil {
		e.broadcaster.Attach(ctx, e.kafka)
	}
	if e.alerts != nil {
		e.broadcaster.Attach(ctx, e.alerts)
	}
	return nil
}

// Stop 先关闭广播器，让已排队的事件投递完，再关闭 sink。
func (e *eventsComponent) Stop() error {
	e.broadcaster.Close()
	if e.cancel != nil {
		e.cancel()
	}
	if e.hub != nil {
		e.hub.Close()
	}
	if e.kafka != nil {
		return e.kafka.Close()
	}
	return nil
}

func (e *eventsComponent) Health() error { return nil }

type engineComponent struct {
	engine *engine.Engine
}

func (e *engineComponent) Name() string { return "engine" }

func (e *engineComponent) Start(ctx context.Context) error { return e.engine.Start(ctx) }

func (e *engineComponent) Stop() error { return e.engine.Stop() }

func (e *engineComponent) Health() error {
	if st := e.engine.State(); st != engine.StateRunning {
		return fmt.Errorf("state %s", st)
	}
	return nil
}

type reloaderComponent struct {
	reloader *internalcfg.HotReloader
}

func (r *reloaderComponent) Name() string { return "config_reloader" }

func (r *reloaderComponent) Start(ctx context.Context) error { return r.reloader.Start(ctx) }

func (r *reloaderComponent) Stop() error { return r.reloader.Stop() }

func (r *reloaderComponent) Health() error { return nil }

// httpServerComponent HTTP服务器组件
type httpServerComponent struct {
	name    string
	server  *api.Server
	logger  *logger.Logger
	started bool
	mu      sync.Mutex
}

func (h *httpServerComponent) Name() string { return h.name }

func (h *httpServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return nil
	}
	h.server.Start()
	h.started = true
	return nil
}

func (h *httpServerComponent) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return nil
	}
	if err := h.server.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", h.name, err)
	}
	h.logger.Info(h.name + " stopped")
	h.started = false
	return nil
}

func (h *httpServerComponent) Health() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return fmt.Errorf("%s not started", h.name)
	}
	return nil
}
