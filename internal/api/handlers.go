package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"algo-trader-go/internal/engine"
	"algo-trader-go/internal/store"
	"algo-trader-go/internal/types"
	"algo-trader-go/order"
	"algo-trader-go/strategy"
)

type handlers struct {
	deps Deps
}

type listQuery struct {
	AccountID  string    `form:"account_id"`
	RunID      string    `form:"run_id"`
	OrderID    string    `form:"order_id"`
	StrategyID string    `form:"strategy_id"`
	Symbol     string    `form:"symbol"`
	Status     string    `form:"status"` // 逗号分隔
	Rule       string    `form:"rule"`
	Since      time.Time `form:"since" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit      int       `form:"limit" binding:"omitempty,min=0,max=1000"`
	Offset     int       `form:"offset" binding:"omitempty,min=0"`
}

func (q listQuery) statuses() []string {
	if q.Status == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(q.Status, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func bindList(c *gin.Context) (listQuery, bool) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		BadRequest(c, err.Error())
		return q, false
	}
	return q, true
}

func (h *handlers) health(c *gin.Context) {
	if h.deps.Health != nil {
		if err := h.deps.Health(c.Request.Context()); err != nil {
			fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
			return
		}
	}
	Success(c, gin.H{"status": "ok"})
}

// startRun startStrategyRun
func (h *handlers) startRun(c *gin.Context) {
	var req engine.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	if req.StrategyID == "" || req.AccountID == "" {
		BadRequest(c, "strategy_id and account_id are required")
		return
	}
	run, err := h.deps.Engine.StartRun(c.Request.Context(), req)
	Handle(c, run, err)
}

// stopRun stopStrategyRun
func (h *handlers) stopRun(c *gin.Context) {
	run, err := h.deps.Engine.StopRun(c.Request.Context(), c.Param("id"))
	Handle(c, run, err)
}

func (h *handlers) getRun(c *gin.Context) {
	run, err := h.deps.Engine.GetRun(c.Request.Context(), c.Param("id"))
	Handle(c, run, err)
}

func (h *handlers) listRuns(c *gin.Context) {
	q, ok := bindList(c)
	if !ok {
		return
	}
	f := strategy.RunFilter{AccountID: q.AccountID, StrategyID: q.StrategyID, Limit: q.Limit}
	for _, s := range q.statuses() {
		f.Statuses = append(f.Statuses, strategy.RunStatus(strings.ToLower(s)))
	}
	runs, err := h.deps.Engine.Runs(c.Request.Context(), f)
	Handle(c, runs, err)
}

// listOrders getOrders
func (h *handlers) listOrders(c *gin.Context) {
	q, ok := bindList(c)
	if !ok {
		return
	}
	f := order.Filter{
		AccountID: q.AccountID,
		RunID:     q.RunID,
		Symbol:    strings.ToUpper(q.Symbol),
		Since:     q.Since,
		Limit:     q.Limit,
		Offset:    q.Offset,
	}
	for _, s := range q.statuses() {
		f.Statuses = append(f.Statuses, order.Status(strings.ToUpper(s)))
	}
	orders, err := h.deps.Engine.Orders(c.Request.Context(), f)
	if orders == nil {
		orders = []order.Order{}
	}
	Handle(c, orders, err)
}

func (h *handlers) cancelOrder(c *gin.Context) {
	o, err := h.deps.Engine.CancelOrder(c.Request.Context(), c.Param("id"))
	Handle(c, o, err)
}

// positions getPositions
func (h *handlers) positions(c *gin.Context) {
	positions, err := h.deps.Engine.Positions(c.Request.Context(), c.Param("id"))
	Handle(c, positions, err)
}

func (h *handlers) listTrades(c *gin.Context) {
	q, ok := bindList(c)
	if !ok {
		return
	}
	trades, err := h.deps.Ledger.Trades(c.Request.Context(), store.TradeFilter{
		AccountID: q.AccountID,
		OrderID:   q.OrderID,
		RunID:     q.RunID,
		Symbol:    strings.ToUpper(q.Symbol),
		Since:     q.Since,
		Limit:     q.Limit,
	})
	if trades == nil {
		trades = []order.Trade{}
	}
	Handle(c, trades, err)
}

func (h *handlers) listRiskEvents(c *gin.Context) {
	q, ok := bindList(c)
	if !ok {
		return
	}
	evs, err := h.deps.Ledger.RiskEvents(c.Request.Context(), store.RiskEventFilter{
		AccountID: q.AccountID,
		RunID:     q.RunID,
		Rule:      q.Rule,
		Since:     q.Since,
		Limit:     q.Limit,
	})
	Handle(c, evs, err)
}

// ingestCandle 行情接入：一根 K 线。
func (h *handlers) ingestCandle(c *gin.Context) {
	var candle types.Candle
	if err := c.ShouldBindJSON(&candle); err != nil {
		BadRequest(c, err.Error())
		return
	}
	err := h.deps.Market.OnCandle(candle)
	Handle(c, gin.H{"symbol": strings.ToUpper(candle.Symbol)}, err)
}
