// Command dummy-backend is a small upstream for trying the gateway locally.
package main

import (
	"flag"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	addr := flag.String("addr", ":8081", "listen address")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	// /status/503 answers with that status.
	r.Any("/status/:code", func(c *gin.Context) {
		code, err := strconv.Atoi(c.Param("code"))
		if err != nil || code < 100 || code > 599 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status code"})
			return
		}
		c.JSON(code, gin.H{"status": code})
	})

	// /slow?delay=2s sleeps before answering, for exercising gateway timeouts.
	r.Any("/slow", func(c *gin.Context) {
		delay, err := time.ParseDuration(c.DefaultQuery("delay", "1s"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		select {
		case <-time.After(delay):
			c.JSON(http.StatusOK, gin.H{"slept": delay.String()})
		case <-c.Request.Context().Done():
		}
	})

	r.NoRoute(func(c *gin.Context) {
		logger.Info("Received request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("request_id", c.GetHeader("X-Request-ID")),
		)
		c.JSON(http.StatusOK, gin.H{
			"message":         "Hello from dummy backend",
			"method":          c.Request.Method,
			"path":            c.Request.URL.Path,
			"query":           c.Request.URL.RawQuery,
			"x_forwarded_for": c.GetHeader("X-Forwarded-For"),
			"time":            time.Now().UTC().Format(time.RFC3339),
		})
	})

	logger.Info("Dummy backend starting", zap.String("addr", *addr))
	if err := r.Run(*addr); err != nil {
		logger.Fatal("Dummy backend stopped", zap.Error(err))
	}
}
