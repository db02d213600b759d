package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"bitbucket.org/mmdatafocus/mes_backend/middlewares"
	"bitbucket.org/mmdatafocus/mes_backend/models"
	"bitbucket.org/mmdatafocus/mes_backend/utils"
	"bitbucket.org/mmdatafocus/mes_backend/workflow"
)

const defaultPort = "8080"

var tracer = otel.Tracer("mes-backend")

// RateLimiter throttles clients by IP using a Redis counter per window.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func getRedisClient(redisAddress string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
}

// statusForError maps the domain error taxonomy onto HTTP statuses.
func statusForError(err error) int {
	var overAlloc *models.OverAllocationError
	var illegal *models.IllegalStateTransitionError
	switch {
	case errors.As(err, &illegal):
		return http.StatusConflict
	case errors.As(err, &overAlloc), models.IsConfigurationError(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, utils.ErrorRecordNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(statusForError(err), gin.H{"error": err.Error()})
}

func createBusinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewBusiness
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		business, err := models.CreateBusiness(c.Request.Context(), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, business)
	}
}

func createItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewItem
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		item, err := models.CreateItem(c.Request.Context(), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, item)
	}
}

func createWarehouseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewWarehouse
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		warehouse, err := models.CreateWarehouse(c.Request.Context(), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, warehouse)
	}
}

func createBomHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewBOM
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		bom, err := models.CreateBOM(c.Request.Context(), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, bom)
	}
}

func getBomHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		bom, err := models.GetBOM(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, bom)
	}
}

func explodeBomHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		itemCode := strings.TrimSpace(c.Query("item_code"))
		if itemCode == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "item_code is required"})
			return
		}
		qty := decimal.NewFromInt(1)
		if v := strings.TrimSpace(c.Query("qty")); v != "" {
			parsed, err := utils.ParseDecimal(v)
			if err != nil || !parsed.IsPositive() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "qty must be a positive number"})
				return
			}
			qty = parsed
		}
		recursive := strings.EqualFold(c.Query("recursive"), "true")

		components, err := models.ExplodeBOM(c.Request.Context(), itemCode, qty, recursive)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"item_code":  itemCode,
			"qty":        qty,
			"recursive":  recursive,
			"components": components,
		})
	}
}

func createWorkOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewWorkOrder
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		wo, err := models.CreateWorkOrder(c.Request.Context(), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, wo)
	}
}

func getWorkOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		wo, err := models.GetWorkOrder(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, wo)
	}
}

func closeWorkOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		wo, err := models.CloseWorkOrder(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, wo)
	}
}

func deleteWorkOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		wo, err := models.DeleteWorkOrder(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, wo)
	}
}

type recordProductionRequest struct {
	Qty decimal.Decimal `json:"qty" binding:"required"`
}

func recordProductionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		var req recordProductionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		wo, err := models.RecordProduction(c.Request.Context(), id, req.Qty)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, wo)
	}
}

func createMaterialTransferHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewMaterialTransfer
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		transfer, err := models.CreateMaterialTransfer(c.Request.Context(), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, transfer)
	}
}

func getMaterialTransferHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		transfer, err := models.GetMaterialTransfer(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, transfer)
	}
}

// obtainDocumentLock is a best-effort Redis lock around document
// transitions. Reliability never depends on Redis: posting is also
// serialized with MySQL advisory locks inside the workflow.
func obtainDocumentLock(ctx context.Context, businessId string, transferId int) *redislock.Lock {
	locker := config.GetRedisLock()
	if locker == nil {
		return nil
	}
	key := fmt.Sprintf("transferLock:%s:%d", businessId, transferId)
	lock, err := locker.Obtain(ctx, key, 30*time.Second, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(200*time.Millisecond), 10),
	})
	if err != nil {
		return nil
	}
	return lock
}

func submitMaterialTransferHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		businessId, _ := utils.GetBusinessIdFromContext(c.Request.Context())

		ctx, span := tracer.Start(c.Request.Context(), "SubmitMaterialTransfer")
		defer span.End()

		if lock := obtainDocumentLock(ctx, businessId, id); lock != nil {
			defer lock.Release(context.Background())
		}

		result, err := workflow.SubmitMaterialTransfer(config.GetDB().WithContext(ctx), logger, businessId, id)
		if err != nil {
			abortWithError(c, err)
			return
		}

		leftovers := gin.H{}
		for itemCode, qty := range result.LeftoverByItem {
			leftovers[itemCode] = qty
		}
		c.JSON(http.StatusOK, gin.H{
			"transfer":         result.Transfer,
			"allocations":      result.Allocations,
			"leftover_by_item": leftovers,
			"reconciled_items": result.ReconciledItems,
		})
	}
}

type cancelTransferRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func cancelMaterialTransferHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		var req cancelTransferRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
			return
		}
		businessId, _ := utils.GetBusinessIdFromContext(c.Request.Context())

		ctx, span := tracer.Start(c.Request.Context(), "CancelMaterialTransfer")
		defer span.End()

		if lock := obtainDocumentLock(ctx, businessId, id); lock != nil {
			defer lock.Release(context.Background())
		}

		transfer, err := workflow.CancelMaterialTransfer(config.GetDB().WithContext(ctx), logger, businessId, id, req.Reason)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, transfer)
	}
}

type reconcileRequest struct {
	ItemCodes []string `json:"item_codes"`
}

func reconcileHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reconcileRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}
		businessId, _ := utils.GetBusinessIdFromContext(c.Request.Context())

		db := config.GetDB().WithContext(c.Request.Context())
		tx := db.Begin()
		if tx.Error != nil {
			abortWithError(c, tx.Error)
			return
		}
		// GET_LOCK is connection-scoped: hold and release it on the
		// transaction connection, never on the pooled handle.
		if err := workflow.AcquireBusinessPostingLock(tx, businessId); err != nil {
			tx.Rollback()
			abortWithError(c, err)
			return
		}
		items, configErrors, err := workflow.RunReconciliation(tx, logger, businessId, req.ItemCodes...)
		workflow.ReleaseBusinessPostingLock(tx, businessId)
		if err != nil {
			tx.Rollback()
			abortWithError(c, err)
			return
		}
		if err := tx.Commit().Error; err != nil {
			abortWithError(c, err)
			return
		}

		skipped := gin.H{}
		for outputItem, cfgErr := range configErrors {
			skipped[outputItem] = cfgErr.Error()
		}
		c.JSON(http.StatusOK, gin.H{
			"items":                items,
			"skipped_output_items": skipped,
		})
	}
}

func listMaterialRequirementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var itemCodes []string
		if v := strings.TrimSpace(c.Query("item_codes")); v != "" {
			itemCodes = splitAndTrim(v)
		}
		requirements, err := models.ListMaterialRequirements(c.Request.Context(), itemCodes...)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, requirements)
	}
}

func createProductionPlanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, _ := utils.GetBusinessIdFromContext(c.Request.Context())

		tx := config.GetDB().WithContext(c.Request.Context()).Begin()
		if tx.Error != nil {
			abortWithError(c, tx.Error)
			return
		}
		plan, err := workflow.FreezeProductionPlan(tx, businessId)
		if err != nil {
			tx.Rollback()
			abortWithError(c, err)
			return
		}
		if err := tx.Commit().Error; err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, plan)
	}
}

func getProductionPlanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		plan, err := models.GetProductionPlan(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, plan)
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so the startup probe passes.
	// Until DB/Redis are ready, app endpoints return 503.
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
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// In production require an explicit allowlist; in development allow all.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "x-business-id", "x-user-name")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	api := r.Group("/api", middlewares.TenantMiddleware())
	api.POST("/businesses", createBusinessHandler())
	api.POST("/items", createItemHandler())
	api.POST("/warehouses", createWarehouseHandler())

	api.POST("/boms", createBomHandler())
	api.GET("/boms/:id", getBomHandler())
	api.GET("/boms/explode", explodeBomHandler())

	api.POST("/work-orders", createWorkOrderHandler())
	api.GET("/work-orders/:id", getWorkOrderHandler())
	api.DELETE("/work-orders/:id", deleteWorkOrderHandler())
	api.POST("/work-orders/:id/record-production", recordProductionHandler())
	api.POST("/work-orders/:id/close", closeWorkOrderHandler())

	api.POST("/material-transfers", createMaterialTransferHandler())
	api.GET("/material-transfers/:id", getMaterialTransferHandler())
	api.POST("/material-transfers/:id/submit", submitMaterialTransferHandler(logger))
	api.POST("/material-transfers/:id/cancel", cancelMaterialTransferHandler(logger))

	api.POST("/reconcile", reconcileHandler(logger))
	api.GET("/material-requirements", listMaterialRequirementsHandler())

	api.POST("/production-plans", createProductionPlanHandler())
	api.GET("/production-plans/:id", getProductionPlanHandler())

	r.NoRoute(customNotFoundHandler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running migrations
	// as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.Migrate(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Panic(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a gin middleware that logs only errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// RateLimitMiddleware throttles by client IP.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := c.ClientIP()

	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
