package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/swing-trader/internal/engine"
	"github.com/Rajchodisetti/swing-trader/internal/observ"
	"github.com/Rajchodisetti/swing-trader/internal/ops"
)

// StatusSource returns a copy of the engine state.
type StatusSource interface {
	Status(ctx context.Context) (engine.Status, error)
}

// HealthSource reports the operational state.
type HealthSource interface {
	State() ops.State
	Record() ops.Record
}

const statusTimeout = 2 * time.Second

// Server is the read-only operator HTTP surface.
type Server struct {
	status   StatusSource
	health   HealthSource
	limiters *cache.Cache
	http     *http.Server
}

func New(addr string, status StatusSource, health HealthSource) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		status:   status,
		health:   health,
		limiters: cache.New(10*time.Minute, 20*time.Minute),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(recovery, requestLog, s.rateLimit)

	r.GET("/healthz", s.healthz)
	r.HEAD("/healthz", s.healthz)
	r.GET("/metrics", gin.WrapH(observ.Handler()))

	st := r.Group("/state")
	{
		st.GET("", s.state)
		st.GET("/positions", s.positions)
		st.GET("/candidates", s.candidates)
		st.GET("/orders", s.orders)
	}
	return r
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	observ.Log("server_listen", map[string]any{"addr": s.http.Addr})
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			observ.Error("server_failed", err, map[string]any{"addr": s.http.Addr})
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) healthz(c *gin.Context) {
	rec := s.health.Record()
	code := http.StatusOK
	if rec.State != ops.Active {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"state":      rec.State,
		"since":      rec.Since,
		"last_error": rec.LastError,
	})
}

func (s *Server) snapshot(c *gin.Context) (engine.Status, bool) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), statusTimeout)
	defer cancel()
	st, err := s.status.Status(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine busy", "message": err.Error()})
		return engine.Status{}, false
	}
	return st, true
}

func (s *Server) state(c *gin.Context) {
	if st, ok := s.snapshot(c); ok {
		c.JSON(http.StatusOK, st)
	}
}

func (s *Server) positions(c *gin.Context) {
	if st, ok := s.snapshot(c); ok {
		c.JSON(http.StatusOK, gin.H{
			"positions":    st.State.Risk.Positions,
			"closed":       st.State.Risk.Closed,
			"cumulative_r": st.CumulativeR,
		})
	}
}

func (s *Server) candidates(c *gin.Context) {
	if st, ok := s.snapshot(c); ok {
		c.JSON(http.StatusOK, st.Pools)
	}
}

func (s *Server) orders(c *gin.Context) {
	if st, ok := s.snapshot(c); ok {
		c.JSON(http.StatusOK, gin.H{
			"pending": st.State.Pending,
			"stops":   st.State.Stops,
			"halted":  st.Halted,
		})
	}
}

// rateLimit allows each client 5 requests per second with bursts of 15.
func (s *Server) rateLimit(c *gin.Context) {
	ip := c.ClientIP()
	var limiter *rate.Limiter
	if v, ok := s.limiters.Get(ip); ok {
		limiter = v.(*rate.Limiter)
	} else {
		limiter = rate.NewLimiter(rate.Limit(5), 15)
		s.limiters.Set(ip, limiter, cache.DefaultExpiration)
	}
	if !limiter.Allow() {
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}
	c.Next()
}

func requestLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	observ.RecordDuration("http_request_duration", time.Since(start), map[string]string{"path": c.FullPath()})
	observ.Debug("http_request", map[string]any{
		"method": c.Request.Method, "path": c.Request.URL.Path, "status": c.Writer.Status(),
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

func recovery(c *gin.Context) {
	defer func() {
		if r := recover(); r != nil {
			observ.Warn("http_panic_recovered", map[string]any{"panic": r, "path": c.Request.URL.Path})
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
	}()
	c.Next()
}
