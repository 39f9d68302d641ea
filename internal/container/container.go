package container

import (
	"context"
	"errors"
	"fmt"

	"algo-trader-go/config"
	"algo-trader-go/events"
	"algo-trader-go/gateway"
	"algo-trader-go/infrastructure/alert"
	"algo-trader-go/infrastructure/logger"
	"algo-trader-go/infrastructure/monitor"
	"algo-trader-go/internal/api"
	internalcfg "algo-trader-go/internal/config"
	"algo-trader-go/internal/engine"
	"algo-trader-go/internal/store"
	"algo-trader-go/inventory"
	"algo-trader-go/market"
	"algo-trader-go/order"
	"algo-trader-go/risk"
	"algo-trader-go/strategy"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        config.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	store   *store.Store

	// 核心服务
	market      *market.Service
	accounts    *gateway.Accounts
	broadcaster *events.Broadcaster
	wsHub       *events.WSHub
	kafka       *events.KafkaSink
	alerts      *alert.Sink
	ledger      *inventory.Ledger
	risk        *risk.Provider
	orders      *order.Manager
	engine      *engine.Engine
	reloader    *internalcfg.HotReloader

	server *api.Server

	// 生命周期管理
	lifecycle *LifecycleManager
}

// New 从配置文件创建 Container，环境变量覆盖敏感字段。
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	c := NewWithConfig(cfg)
	c.configPath = configPath
	return c, nil
}

// NewWithConfig 使用已加载的配置，不启用热更新。
func NewWithConfig(cfg config.AppConfig) *Container {
	return &Container{
		cfg:       cfg,
		lifecycle: NewLifecycleManager(),
	}
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildGateway(); err != nil {
		return fmt.Errorf("build gateway failed: %w", err)
	}
	if err := c.buildEvents(); err != nil {
		return fmt.Errorf("build events failed: %w", err)
	}
	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}
	if err := c.buildReloader(); err != nil {
		return fmt.Errorf("build config reloader failed: %w", err)
	}
	c.buildServer()
	c.registerLifecycleComponents()
	c.logger.Info("container built successfully")
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}
	c.monitor = monitor.New(c.cfg.Metrics)

	c.store, err = store.Open(c.cfg.Store, c.logger)
	if err != nil {
		return fmt.Errorf("open store failed: %w", err)
	}

	c.logger.Info("infrastructure built")
	return nil
}

func (c *Container) buildGateway() error {
	c.market = market.NewService(market.NewPublisher(c.cfg.Market.Buffer))

	lg := c.logger.Named("gateway")
	accts, err := gateway.OpenAccounts(
		gateway.NewDefaultRegistry(),
		c.cfg.GatewayAccounts(),
		gateway.Options{Prices: c.market},
		func(a gateway.Adapter) gateway.Adapter { return gateway.Instrument(a, lg, c.monitor) },
	)
	if err != nil {
		return err
	}
	c.accounts = accts

	c.logger.Info("gateway built")
	return nil
}

func (c *Container) buildEvents() error {
	c.broadcaster = events.NewBroadcaster(c.cfg.Events.Buffer, c.logger.Named("events"), c.monitor)
	if c.cfg.Events.WebSocket {
		c.wsHub = events.NewWSHub(c.cfg.Events.WriteTimeout, c.logger.Named("ws"))
	}
	alerts := alert.NewManager([]alert.Channel{alert.NewLogChannel("log", c.logger.Named("alert"))}, c.cfg.Events.AlertThrottle)
	c.alerts = alert.NewSink(alerts)
	if len(c.cfg.Events.Kafka.Brokers) > 0 {
		sink, err := events.NewKafkaSink(c.cfg.Events.Kafka)
		if err != nil {
			return err
		}
		c.kafka = sink
	}
	return nil
}

func (c *Container) buildCoreServices() error {
	loc, err := c.cfg.Location()
	if err != nil {
		return err
	}

	c.ledger = inventory.NewLedger(c.store, c.logger.Named("ledger"), c.monitor)
	c.risk = risk.NewProvider(risk.NewEngine(c.cfg.RiskLimits()))
	c.orders = order.NewManager(order.Deps{
		Store:     c.store,
		Brokers:   c.accounts,
		Ledger:    c.ledger,
		Risk:      c.risk,
		Publisher: c.broadcaster,
		Logger:    c.logger.Named("order"),
		Monitor:   c.monitor,
	}, order.Config{
		Retry:    c.cfg.Order.Retry,
		Location: loc,
	})

	c.engine, err = engine.New(c.cfg.EngineConfig(), engine.Components{
		Store:      c.store,
		Accounts:   c.accounts,
		Strategies: strategy.DefaultRegistry(),
		Orders:     c.orders,
		Ledger:     c.ledger,
		Market:     c.market,
		Publisher:  c.broadcaster,
		Logger:     c.logger,
		Monitor:    c.monitor,
	})
	if err != nil {
		return err
	}

	c.logger.Info("core services built")
	return nil
}

func (c *Container) buildReloader() error {
	if c.configPath == "" {
		return nil
	}
	r, err := internalcfg.NewHotReloader(c.configPath, internalcfg.DefaultHotReloadConfig(), nil, c.logger.Named("config"))
	if err != nil {
		return err
	}
	r.Register("risk", internalcfg.RiskApplier(c.risk))
	c.reloader = r
	return nil
}

func (c *Container) buildServer() {
	deps := api.Deps{
		Engine:  c.engine,
		Ledger:  c.store,
		Market:  c.market,
		Metrics: c.monitor.Handler(),
		Health:  c.HealthCheck,
		Logger:  c.logger.Named("api"),
	}
	if c.wsHub != nil {
		deps.Events = c.wsHub
	}
	c.server = api.NewServer(c.cfg.API, api.NewRouter(deps), c.logger.Named("api"))
}

// registerLifecycleComponents 启动顺序：事件投递 -> 引擎 -> 热更新 -> HTTP；停止时逆序。
func (c *Container) registerLifecycleComponents() {
	c.lifecycle.Register(&eventsComponent{
		broadcaster: c.broadcaster,
		hub:         c.wsHub,
		kafka:       c.kafka,
		alerts:      c.alerts,
	})
	c.lifecycle.Register(&engineComponent{engine: c.engine})
	if c.reloader != nil {
		c.lifecycle.Register(&reloaderComponent{reloader: c.reloader})
	}
	c.lifecycle.Register(&httpServerComponent{
		name:   "api_server",
		server: c.server,
		logger: c.logger,
	})
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started")
	return nil
}

// Stop 逆序停止组件。不撤单也不平仓：run 停止后已提交的订单继续由券商处理。
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	var errs []error
	if err := c.lifecycle.StopAll(); err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
		errs = append(errs, err)
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	c.logger.Info("container stopped")
	_ = c.logger.Close()
	return errors.Join(errs...)
}

// HealthCheck 数据库可达且引擎在运行。
func (c *Container) HealthCheck(ctx context.Context) error {
	if err := c.store.Ping(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if st := c.engine.State(); st != engine.StateRunning {
		return fmt.Errorf("engine %s", st)
	}
	return c.lifecycle.CheckHealth()
}

// ServerErr API 服务监听失败时收到错误。
func (c *Container) ServerErr() <-chan error { return c.server.Err() }

func (c *Container) Logger() *logger.Logger { return c.logger }

func (c *Container) Engine() *engine.Engine { return c.engine }
