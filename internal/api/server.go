// Package api 对外暴露策略运行、订单、持仓与行情接入的 HTTP 接口。
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"algo-trader-go/infrastructure/logger"
	"algo-trader-go/internal/engine"
	"algo-trader-go/internal/store"
	"algo-trader-go/internal/types"
	"algo-trader-go/inventory"
	"algo-trader-go/order"
	"algo-trader-go/risk"
	"algo-trader-go/strategy"
)

// Engine engine.Engine 的对外操作。
type Engine interface {
	StartRun(ctx context.Context, req engine.RunRequest) (*strategy.Run, error)
	StopRun(ctx context.Context, id string) (*strategy.Run, error)
	GetRun(ctx context.Context, id string) (*strategy.Run, error)
	Runs(ctx context.Context, f strategy.RunFilter) ([]strategy.Run, error)
	Orders(ctx context.Context, f order.Filter) ([]order.Order, error)
	CancelOrder(ctx context.Context, id string) (*order.Order, error)
	Positions(ctx context.Context, accountID string) ([]inventory.Position, error)
}

// Ledger 成交与风控事件的只读查询，internal/store.Store 实现了它。
type Ledger interface {
	Trades(ctx context.Context, f store.TradeFilter) ([]order.Trade, error)
	RiskEvents(ctx context.Context, f store.RiskEventFilter) ([]risk.Event, error)
}

// MarketData 行情入口，market.Service 实现了它。
type MarketData interface {
	OnCandle(c types.Candle) error
}

// Deps 路由依赖；Events、Metrics、Health 可为空。
type Deps struct {
	Engine  Engine
	Ledger  Ledger
	Market  MarketData
	Events  http.Handler // websocket 事件流
	Metrics http.Handler
	Health  func(ctx context.Context) error
	Logger  *logger.Logger
}

// Config HTTP 服务配置
type Config struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// NewRouter 注册全部路由。
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = logger.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(d.Logger))

	h := &handlers{deps: d}
	router.GET("/healthz", h.health)
	if d.Metrics != nil {
		router.GET("/metrics", gin.WrapH(d.Metrics))
	}

	v1 := router.Group("/api/v1")
	{
		runs := v1.Group("/runs")
		runs.POST("", h.startRun)
		runs.GET("", h.listRuns)
		runs.GET("/:id", h.getRun)
		runs.POST("/:id/stop", h.stopRun)

		orders := v1.Group("/orders")
		orders.GET("", h.listOrders)
		orders.POST("/:id/cancel", h.cancelOrder)

		v1.GET("/trades", h.listTrades)
		v1.GET("/accounts/:id/positions", h.positions)
		v1.GET("/risk-events", h.listRiskEvents)
		v1.POST("/market-data", h.ingestCandle)
		if d.Events != nil {
			v1.GET("/events/ws", gin.WrapH(d.Events))
		}
	}
	return router
}

func requestLogger(lg *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		lg.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// Server 带优雅关闭的 HTTP 服务。
type Server struct {
	srv     *http.Server
	cfg     Config
	logger  *logger.Logger
	errChan chan error
}

func NewServer(cfg Config, handler http.Handler, lg *logger.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Server{
		srv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		cfg:     cfg,
		logger:  lg,
		errChan: make(chan error, 1),
	}
}

// Start 后台监听；监听失败通过 Err 返回。
func (s *Server) Start() {
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errChan <- err
		}
		close(s.errChan)
	}()
}

// Err 监听错误通道。
func (s *Server) Err() <-chan error { return s.errChan }

// Shutdown 等待进行中的请求完成。
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
