// Package server is the optional HTTP status surface of a running node.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/cnode/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// Status is a point-in-time view of the node.
type Status struct {
	Node  string `json:"node"`
	Port  int    `json:"port"`
	State string `json:"state"`
	Peer  string `json:"peer,omitempty"`
}

// StatusFunc reports the current Status; it must be safe for concurrent use.
type StatusFunc func() Status

type Server struct {
	name     string
	addr     string
	router   *gin.Engine
	status   StatusFunc
	appeared time.Time
	http     *http.Server
}

func New(name, addr string, corsOrigins []string, status StatusFunc) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = trustProxies(r, []string{"127.0.0.1", "::1"}, log.Logger)

	s := &Server{
		name:     name,
		addr:     addr,
		router:   r,
		status:   status,
		appeared: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": s.name,
			"version": version,
		})
	})

	s.router.GET("/status", func(c *gin.Context) {
		if s.status == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status unavailable"})
			return
		}
		c.JSON(http.StatusOK, s.status())
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Start binds addr and serves in the background. It returns the bound
// address so callers can use port 0.
func (s *Server) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, err
	}
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("component", "server").Msg("status server stopped")
		}
	}()
	log.Info().Str("component", "server").Str("addr", ln.Addr().String()).Msg("status server listening")
	return ln.Addr(), nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// trustProxies logs a rejected list; gin then keeps its previous setting.
func trustProxies(r *gin.Engine, proxies []string, logger zerolog.Logger) error {
	if err := r.SetTrustedProxies(proxies); err != nil {
		logger.Warn().Err(err).Str("component", "server").Strs("proxies", proxies).Msg("trusted proxies rejected")
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
