package ops

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gotrader/internal/archive"
	"github.com/betbot/gotrader/internal/domain"
	"github.com/betbot/gotrader/internal/services"
)

var opsLog = logrus.WithField("component", "ops")

// Server 本地运维端点：状态查询、人工下单/撤单、kill switch、按需对账。
// 只建议监听 localhost；没有鉴权。
type Server struct {
	trading *services.TradingService
	archive *archive.Store // 可为 nil（归档未启用）
}

func NewServer(trading *services.TradingService, archiveStore *archive.Store) *Server {
	return &Server{trading: trading, archive: archiveStore}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/orders", s.handleOrders)
	api.POST("/orders", s.handlePlaceOrder)
	api.POST("/orders/:orderID/cancel", s.handleCancelOrder)
	api.POST("/orders/:orderID/override", s.handleOverrideOrder)
	api.POST("/reconcile", s.handleReconcile)
	api.POST("/kill-switch", s.handleKillSwitch)
	api.GET("/archive/orders", s.handleArchivedOrders)

	return r
}

// StartAsync 非阻塞启动，ctx 取消时优雅关闭。
func (s *Server) StartAsync(ctx context.Context, listenAddr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Addr: listenAddr, Handler: s.Router()}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			opsLog.WithError(err).Error("ops 服务退出")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return srv, nil
}

func (s *Server) handleStatus(c *gin.Context) {
	writeResult(c, s.trading.Status())
}

func (s *Server) handleOrders(c *gin.Context) {
	openOnly := c.Query("open") == "true"
	writeResult(c, s.trading.Orders(openOnly))
}

func (s *Server) handlePlaceOrder(c *gin.Context) {
	var intent domain.OrderIntent
	if err := c.ShouldBindJSON(&intent); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "code": services.CodeInvalidArgument, "error": err.Error()})
		return
	}
	writeResult(c, s.trading.PlaceOrder(c.Request.Context(), intent))
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	writeResult(c, s.trading.CancelOrder(c.Request.Context(), c.Param("orderID")))
}

func (s *Server) handleOverrideOrder(c *gin.Context) {
	var req services.OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "code": services.CodeInvalidArgument, "error": err.Error()})
		return
	}
	writeResult(c, s.trading.OverrideOrder(c.Request.Context(), c.Param("orderID"), req))
}

func (s *Server) handleReconcile(c *gin.Context) {
	writeResult(c, s.trading.Reconcile(c.Request.Context()))
}

func (s *Server) handleKillSwitch(c *gin.Context) {
	var req struct {
		On     bool   `json:"on"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "code": services.CodeInvalidArgument, "error": err.Error()})
		return
	}
	if req.Reason == "" {
		req.Reason = "manual via ops endpoint"
	}
	writeResult(c, s.trading.SetKillSwitch(c.Request.Context(), req.On, req.Reason))
}

func (s *Server) handleArchivedOrders(c *gin.Context) {
	if s.archive == nil {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "code": services.CodeInvalidArgument, "error": "archive not enabled"})
		return
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	orders, err := s.archive.RecentOrders(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "code": services.CodeFatal, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "code": services.CodeOK, "data": orders})
}

// writeResult 把统一 Result 映射到 HTTP 状态码。
func writeResult(c *gin.Context, r services.Result) {
	status := http.StatusOK
	switch r.Code {
	case services.CodeInvalidArgument:
		status = http.StatusBadRequest
	case services.CodeRiskRejected:
		status = http.StatusUnprocessableEntity
	case services.CodeRetryable, services.CodeLockTimeout:
		status = http.StatusServiceUnavailable
	case services.CodeFatal:
		status = http.StatusBadGateway
	}
	c.JSON(status, r)
}
