package admin

import (
	"errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/luma/sngate/internal/meta"
	"github.com/luma/sngate/storage"
)

type Options struct {
	// Store holds the session status documents written by the dispatcher
	Store storage.Store

	// Gatherer is exposed on /metrics
	Gatherer prometheus.Gatherer

	DebugHTTP bool

	Log *zap.Logger
}

// NewRouter builds the admin HTTP API.
func NewRouter(options Options) *gin.Engine {
	r := setupRouter(options.DebugHTTP, options.Log)

	// Ping test
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, meta.GetInfo())
	})

	r.GET("/sessions", func(c *gin.Context) {
		sessions, err := options.Store.Backup()
		if err != nil {
			options.Log.Error("Failed to read sessions", zap.Error(err))
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		c.Data(http.StatusOK, "application/json", sessions)
	})

	r.GET("/sessions/:id", func(c *gin.Context) {
		session, err := options.Store.Get(c.Request.Context(), []byte(c.Param("id")))
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}

		if err != nil {
			options.Log.Error("Failed to read session", zap.String("id", c.Param("id")), zap.Error(err))
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		c.Data(http.StatusOK, "application/json", session)
	})

	if options.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(options.Gatherer, promhttp.HandlerOpts{})))
	}

	return r
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Logs all requests, like a combined access and error log, in RFC3339
	// UTC time.
	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/ping", "/metrics"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}
