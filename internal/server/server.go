// Package server exposes the billing engine over HTTP. Handlers stay
// thin: parse, call the service, map the error.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	rundomain "github.com/wispware/tally/internal/billingrun/domain"
	"github.com/wispware/tally/internal/config"
	dunningdomain "github.com/wispware/tally/internal/dunning/domain"
	invoicedomain "github.com/wispware/tally/internal/invoice/domain"
	ledgerdomain "github.com/wispware/tally/internal/ledger/domain"
	"github.com/wispware/tally/internal/orgcontext"
	paymentdomain "github.com/wispware/tally/internal/payment/domain"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Cfg      config.Config
	Runs     rundomain.Service
	Invoices invoicedomain.Service
	Ledger   ledgerdomain.Service
	Payments paymentdomain.Service
	Dunning  dunningdomain.Service
}

type Server struct {
	log      *zap.Logger
	cfg      config.Config
	runs     rundomain.Service
	invoices invoicedomain.Service
	ledger   ledgerdomain.Service
	payments paymentdomain.Service
	dunning  dunningdomain.Service
}

func NewEngine(cfg config.Config, log *zap.Logger) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(log))
	return engine
}

func NewServer(p Params) *Server {
	return &Server{
		log:      p.Log.Named("server"),
		cfg:      p.Cfg,
		runs:     p.Runs,
		invoices: p.Invoices,
		ledger:   p.Ledger,
		payments: p.Payments,
		dunning:  p.Dunning,
	}
}

func (s *Server) RegisterRoutes(engine *gin.Engine) {
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := engine.Group("/api/v1")
	api.Use(orgScope())
	{
		api.POST("/billing-runs", s.StartBillingRun)
		api.POST("/billing-runs/preview", s.PreviewBillingRun)
		api.GET("/billing-runs/:id", s.GetBillingRun)
		api.POST("/billing-runs/:id/retry", s.RetryBillingRun)

		api.GET("/invoices", s.ListInvoices)
		api.GET("/invoices/:id", s.GetInvoice)
		api.POST("/invoices/:id/void", s.VoidInvoice)

		api.GET("/accounts/:id/balance", s.GetAccountBalance)
		api.GET("/accounts/:id/aging", s.GetAccountAging)
		api.GET("/accounts/:id/dunning", s.GetDunningState)
		api.POST("/accounts/:id/reinstate", s.ReinstateAccount)

		api.POST("/payments", s.RecordPayment)
	}
}

// RunHTTP starts the listener under the fx lifecycle.
func RunHTTP(lc fx.Lifecycle, engine *gin.Engine, s *Server, log *zap.Logger) {
	s.RegisterRoutes(engine)
	srv := &http.Server{
		Addr:              s.cfg.HTTP.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(started)),
		)
	}
}

// orgScope stamps the tenant from the X-Org-ID header into the request
// context so handlers can default the organization when a body omits it.
func orgScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := c.GetHeader("X-Org-ID"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				AbortWithError(c, ErrBadRequest)
				return
			}
			ctx := orgcontext.WithOrgID(c.Request.Context(), snowflake.ID(id))
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}

// parseID reads a snowflake path parameter.
func parseID(c *gin.Context, name string) (snowflake.ID, bool) {
	raw, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || raw <= 0 {
		AbortWithError(c, ErrBadRequest)
		return 0, false
	}
	return snowflake.ID(raw), true
}

var Module = fx.Module("server",
	fx.Provide(
		NewEngine,
		NewServer,
	),
	fx.Invoke(RunHTTP),
)
