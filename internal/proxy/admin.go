package proxy

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/busctl/internal/observability"
)

// Admin serves the proxy's operational HTTP surface: health, readiness,
// the cached route table, and Prometheus metrics.
type Admin struct {
	proxy   *Proxy
	started time.Time

	router *gin.Engine
	srv    *http.Server
}

func NewAdmin(p *Proxy, corsOrigins []string) *Admin {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(p.cfg.Identity))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	a := &Admin{
		proxy:   p,
		started: time.Now(),
		router:  r,
	}
	a.registerRoutes()
	return a
}

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(a.started).String(),
			"proxy":  a.proxy.cfg.Identity,
		})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router.GET("/ready", func(c *gin.Context) {
		ready := a.proxy.feLn != nil && a.proxy.beLn != nil
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":    ready,
			"frontend": a.proxy.FrontendAddr(),
			"backend":  a.proxy.BackendAddr(),
		})
	})

	a.router.GET("/routes", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"routes": a.proxy.Routes().Snapshot(),
		})
	})

	a.router.GET("/routes/:frontend", func(c *gin.Context) {
		entry, ok := a.proxy.Routes().Lookup(c.Param("frontend"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no route observed for frontend"})
			return
		}
		c.JSON(http.StatusOK, entry)
	})

	a.router.GET("/peers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"frontends": a.proxy.frontends.identities(),
			"backends":  a.proxy.backends.identities(),
		})
	})
}

// Serve blocks until the listener fails or Shutdown is called.
func (a *Admin) Serve(addr string) error {
	a.srv = &http.Server{Addr: addr, Handler: a.router}
	log.Info().Str("addr", addr).Msg("proxy admin listening")
	err := a.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (a *Admin) Shutdown(ctx context.Context) error {
	if a.srv == nil {
		return nil
	}
	return a.srv.Shutdown(ctx)
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		out = []string{"http://localhost"}
	}
	return out
}
