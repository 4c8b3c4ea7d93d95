package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/qbsync_backend/config"
	"bitbucket.org/mmdatafocus/qbsync_backend/models"
	"bitbucket.org/mmdatafocus/qbsync_backend/qbsync"
	"bitbucket.org/mmdatafocus/qbsync_backend/reconcile"
	"bitbucket.org/mmdatafocus/qbsync_backend/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("QBSYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	tokens := qbsync.NewTokenManager(qbsync.TokenConfigFromEnv())
	client := qbsync.NewClient(qbsync.ClientConfigFromEnv(), tokens)
	importer := qbsync.NewImporter(client, logger, intFromEnv("QBSYNC_BATCH_SIZE", 0))
	cdcSyncer := qbsync.NewCDCSyncer(client, logger)
	budget := time.Duration(intFromEnv("QBSYNC_PROCESS_BUDGET_SECONDS", 0)) * time.Second
	scheduler := qbsync.NewScheduler(importer, cdcSyncer, tokens, logger, budget)
	engine := reconcile.NewEngine(reconcile.EngineConfigFromEnv(), client, logger)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "X-Realm-Id")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	// API endpoints (QuickBooks Sync)
	r.POST("/api/qbsync/jobs", qbsync.StartSyncHandler(scheduler))
	r.POST("/api/qbsync/process", qbsync.ProcessHandler(scheduler))
	r.GET("/api/qbsync/jobs/:id", qbsync.JobStatusHandler(scheduler))
	r.POST("/api/qbsync/jobs/:id/cancel", qbsync.CancelJobHandler(scheduler))
	r.GET("/api/qbsync/jobs/:id/stream", qbsync.StreamJobHandler())
	r.GET("/api/qbsync/verify", qbsync.VerifyHandler(client))
	r.POST("/api/qbsync/cdc", qbsync.CDCHandler(cdcSyncer))

	// Reconciliation endpoints
	r.GET("/api/qbsync/reconciliations", reconcile.ListHandler())
	r.POST("/api/qbsync/reconciliations/scan", reconcile.ScanHandler(engine))
	r.POST("/api/qbsync/reconciliations/:id/create-invoice", reconcile.CreateInvoiceHandler(engine))
	r.POST("/api/qbsync/reconciliations/:id/bulk-update", reconcile.BulkUpdateHandler(engine))

	// Pub/Sub push endpoint for the sync worker.
	r.POST("/pubsub/qbsync-process", qbsync.PubSubPushHandler(scheduler))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		fields := logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}
		// Handlers bind the realm onto the request context once resolved.
		if realmId, ok := utils.GetRealmIdFromContext(c.Request.Context()); ok {
			fields["realm_id"] = realmId
		}
		logger.WithFields(fields).Info("request")
	}
}

func intFromEnv(key string, def int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
