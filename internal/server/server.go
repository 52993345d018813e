package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	achievementdomain "github.com/smallbiznis/careledger/internal/achievement/domain"
	auctiondomain "github.com/smallbiznis/careledger/internal/auction/domain"
	"github.com/smallbiznis/careledger/internal/config"
	"github.com/smallbiznis/careledger/internal/credential"
	donationdomain "github.com/smallbiznis/careledger/internal/donation/domain"
	donordomain "github.com/smallbiznis/careledger/internal/donor/domain"
	"github.com/smallbiznis/careledger/internal/observability"
	obsmiddleware "github.com/smallbiznis/careledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/careledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/careledger/internal/observability/tracing"
	patientdomain "github.com/smallbiznis/careledger/internal/patient/domain"
	paymentdomain "github.com/smallbiznis/careledger/internal/payment/domain"
	"github.com/smallbiznis/careledger/internal/ratelimit"
	"github.com/smallbiznis/careledger/internal/receipt"
	"github.com/smallbiznis/careledger/internal/reconcile"
	"github.com/smallbiznis/careledger/internal/scheduler"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware(obstracing.MiddlewareConfig{UntracedRoutes: obsCfg.UntracedRoutes}))
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.String("addr", cfg.HTTPAddr), zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	log            *zap.Logger
	admin          *credential.Matcher
	donationSvc    donationdomain.Service
	donorSvc       donordomain.Service
	patientSvc     patientdomain.Service
	auctionSvc     auctiondomain.Service
	achievementSvc achievementdomain.Service
	paymentSvc     paymentdomain.Service
	receiptSvc     *receipt.Service
	reconciler     *reconcile.Service
	scheduler      *scheduler.Scheduler
	webhookLimiter *ratelimit.WebhookLimiter
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	DonationSvc    donationdomain.Service
	DonorSvc       donordomain.Service
	PatientSvc     patientdomain.Service
	AuctionSvc     auctiondomain.Service
	AchievementSvc achievementdomain.Service
	PaymentSvc     paymentdomain.Service
	ReceiptSvc     *receipt.Service
	Reconciler     *reconcile.Service
	Scheduler      *scheduler.Scheduler
	WebhookLimiter *ratelimit.WebhookLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		log:            p.Log.Named("http"),
		admin:          credential.NewMatcher(p.Cfg.AdminToken, p.Cfg.AdminTokenHash),
		donationSvc:    p.DonationSvc,
		donorSvc:       p.DonorSvc,
		patientSvc:     p.PatientSvc,
		auctionSvc:     p.AuctionSvc,
		achievementSvc: p.AchievementSvc,
		paymentSvc:     p.PaymentSvc,
		receiptSvc:     p.ReceiptSvc,
		reconciler:     p.Reconciler,
		scheduler:      p.Scheduler,
		webhookLimiter: p.WebhookLimiter,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	if !svc.admin.Configured() {
		svc.log.Warn("admin routes disabled: no ADMIN_API_TOKEN or ADMIN_API_TOKEN_HASH")
	}
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Donations --------
	api.POST("/donations/fiat", s.RecordFiatDonation)
	api.GET("/donations/:id", s.GetDonation)
	api.GET("/donations/:id/verify", s.VerifyDonation)
	api.GET("/donations/:id/receipt", s.GetDonationReceipt)

	// -------- Donors --------
	api.GET("/donors/:id", s.GetDonor)
	api.GET("/donors/:id/donations", s.ListDonorDonations)
	api.GET("/donors/:id/achievements", s.ListDonorAchievements)

	// -------- Patients --------
	api.GET("/patients/:id", s.GetPublicPatient)

	// -------- Auctions --------
	api.POST("/auctions", s.CreateAuction)
	api.GET("/auctions/:id", s.GetAuction)

	// -------- Payment Webhooks --------
	api.POST("/payments/webhooks/:provider", s.WebhookRateLimit(), s.HandlePaymentWebhook)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")
	admin.Use(s.AdminAuthRequired())

	admin.GET("/tasks", s.ListTasks)
	admin.POST("/tasks/:name/run", s.RunTask)
	admin.POST("/backfill/auctions", s.BackfillAuctions)
	admin.POST("/backfill/donations", s.BackfillDonations)

	admin.PUT("/donors/:id", s.UpsertDonorProfile)
	admin.POST("/donations/:id/sync", s.SyncDonation)
	admin.POST("/auctions/:id/link", s.LinkAuction)

	admin.POST("/patients", s.CreatePatient)
	admin.PATCH("/patients/:id", s.UpdatePatient)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
