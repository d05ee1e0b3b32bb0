// Package admin serves the operational HTTP API: health, rule listing,
// reload and metrics.
package admin

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vigilwaf/vigil/internal/logging"
	"github.com/vigilwaf/vigil/internal/policy"
	"github.com/vigilwaf/vigil/internal/rules"
)

// Engine is the part of the inspection engine the admin API drives.
type Engine interface {
	RuleSet() *rules.RuleSet
	Reload() error
	Mode() policy.Mode
	Pending() int
}

type Options struct {
	// Token, when set, is required as a bearer token.
	Token   string
	Metrics http.Handler
	Logger  *zap.Logger
}

// NewHandler builds the admin router.
func NewHandler(engine Engine, opts Options) http.Handler {
	logger := logging.OrNop(opts.Logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	h := &handlers{engine: engine, logger: logger}
	router.GET("/healthz", h.health)

	api := router.Group("/", bearerAuth(opts.Token))
	api.GET("/rules", h.listRules)
	api.GET("/rules/:id", h.getRule)
	api.POST("/reload", h.reload)
	if opts.Metrics != nil {
		api.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	return router
}

type handlers struct {
	engine Engine
	logger *zap.Logger
}

func (h *handlers) health(c *gin.Context) {
	set := h.engine.RuleSet()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"mode":      h.engine.Mode(),
		"rules":     set.Len(),
		"loaded_at": set.LoadedAt().UTC().Format(time.RFC3339),
		"pending":   h.engine.Pending(),
	})
}

func (h *handlers) listRules(c *gin.Context) {
	set := h.engine.RuleSet()
	summaries := set.Summaries()
	if phase := c.Query("phase"); phase != "" {
		p, err := strconv.Atoi(phase)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "phase must be a number"})
			return
		}
		filtered := summaries[:0]
		for _, s := range summaries {
			if s.Phase == p {
				filtered = append(filtered, s)
			}
		}
		summaries = filtered
	}
	c.JSON(http.StatusOK, gin.H{"rules": summaries, "files": set.Files()})
}

func (h *handlers) getRule(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rule id must be a number"})
		return
	}
	for _, s := range h.engine.RuleSet().Summaries() {
		if s.ID == id {
			c.JSON(http.StatusOK, s)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
}

func (h *handlers) reload(c *gin.Context) {
	if err := h.engine.Reload(); err != nil {
		body := gin.H{"error": err.Error()}
		var le *rules.LoadError
		if errors.As(err, &le) {
			body["problems"] = le.Problems
		}
		c.JSON(http.StatusUnprocessableEntity, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded", "rules": h.engine.RuleSet().Len()})
}

func bearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("admin request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
