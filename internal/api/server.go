package api

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/proxy-checker-api/internal/aggregator"
	"github.com/proxy-checker-api/internal/config"
	"github.com/proxy-checker-api/internal/judge"
	"github.com/proxy-checker-api/internal/metrics"
	"github.com/proxy-checker-api/internal/pool"
	"github.com/proxy-checker-api/internal/proxytype"
	"github.com/proxy-checker-api/internal/validator"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Server exposes pool/judge state and triggers re-aggregation over HTTP;
// it is the monitoring and operations surface, not the proxy gateway
// itself (that is internal/server's raw TCP listener).
type Server struct {
	config     *config.Config
	pool       *pool.Pool
	judges     *judge.Registry
	metrics    *metrics.Collector
	aggregator *aggregator.Aggregator
	validator  *validator.Validator

	router      *gin.Engine
	httpServer  *http.Server
	rateLimiter *RateLimiter

	mu          sync.RWMutex
	lastReload  time.Time
	lastAdmitted int
	lastScraped  int
}

type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	rps := float64(requestsPerMinute) / 60.0
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    requestsPerMinute / 10,
	}
}

func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()
	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter
	return limiter
}

func NewServer(cfg *config.Config, p *pool.Pool, judges *judge.Registry, metricsCollector *metrics.Collector,
	agg *aggregator.Aggregator, v *validator.Validator) *Server {

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config:      cfg,
		pool:        p,
		judges:      judges,
		metrics:     metricsCollector,
		aggregator:  agg,
		validator:   v,
		router:      router,
		rateLimiter: NewRateLimiter(cfg.API.RateLimitPerMinute),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.metricsMiddleware())

	s.router.GET("/health", s.handleHealth)

	if s.config.Metrics.Enabled {
		s.router.GET(s.config.Metrics.Endpoint, gin.WrapH(promhttp.Handler()))
	}

	protected := s.router.Group("/")
	if s.config.API.EnableAPIKeyAuth {
		protected.Use(s.authMiddleware())
	}
	if s.config.API.EnableIPRateLimit {
		protected.Use(s.rateLimitMiddleware())
	}

	protected.GET("/select", s.handleSelect)
	protected.GET("/stat", s.handleStat)
	protected.POST("/reload", s.handleReload)
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.API.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Infof("Starting API server on %s", s.config.API.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}

// Middleware

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   c.Writer.Status(),
			"duration": duration.Milliseconds(),
			"ip":       c.ClientIP(),
		}).Info("API request")
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		s.metrics.RecordAPIRequest(method, path, status)
		s.metrics.RecordAPIDuration(method, path, duration)
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	expectedKey := os.Getenv(s.config.API.APIKeyEnv)
	if expectedKey == "" {
		log.Warn("API key not set in environment, authentication disabled")
	}

	return func(c *gin.Context) {
		if expectedKey == "" {
			c.Next()
			return
		}

		apiKey := c.GetHeader("X-Api-Key")
		if apiKey == "" {
			apiKey = c.Query("key")
		}

		if apiKey != expectedKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or missing API key"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		limiter := s.rateLimiter.GetLimiter(ip)

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// handleSelect is a debug/operator view onto the §4.3 selection
// algorithm: it runs a real Select and then frees the record's
// concurrency slot without recording an outcome, so it never biases
// eviction, and reports the chosen record without bridging a connection.
func (s *Server) handleSelect(c *gin.Context) {
	req := proxytype.Requirements{
		Protocol:     proxytype.Protocol(c.DefaultQuery("protocol", string(proxytype.HTTP))),
		MinAnonymity: proxytype.ParseAnonymity(c.Query("min_anonymity")),
	}
	if countries := c.Query("countries_include"); countries != "" {
		req.CountriesInclude = strings.Split(countries, ",")
	}
	if countries := c.Query("countries_exclude"); countries != "" {
		req.CountriesExclude = strings.Split(countries, ",")
	}
	if maxRT := c.Query("max_avg_rt_ms"); maxRT != "" {
		if v, err := strconv.ParseFloat(maxRT, 64); err == nil {
			req.MaxAvgRTMs = v
		}
	}

	handle, ok := s.pool.Select(req)
	s.metrics.RecordSelection(ok)
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no eligible proxy"})
		return
	}
	key := handle.Key()
	resp := gin.H{"host": key.Host, "port": key.Port}
	if rec, ok := s.pool.Get(key); ok {
		defer rec.Release()
		resp["protocols"] = rec.Protocols()
		resp["anonymity"] = rec.Anonymity().String()
		resp["country"] = rec.Country()
		if avg, ok := rec.AvgRuntime(s.config.Pool.MinSamples); ok {
			resp["avg_runtime_ms"] = avg
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStat(c *gin.Context) {
	s.mu.RLock()
	lastReload, lastAdmitted, lastScraped := s.lastReload, s.lastAdmitted, s.lastScraped
	s.mu.RUnlock()

	c.JSON(http.StatusOK, gin.H{
		"pool_size":     s.pool.Len(),
		"judges":        s.judges.GetStats(),
		"last_reload":   lastReload.Format(time.RFC3339),
		"last_admitted": lastAdmitted,
		"last_scraped":  lastScraped,
	})
}

// handleReload re-runs the grab -> validate -> admit pipeline (§4 end
// to end) in the background and returns immediately.
func (s *Server) handleReload(c *gin.Context) {
	log.Info("Manual reload triggered via API")

	go func() {
		ctx := context.Background()

		candidates, _, err := s.aggregator.Aggregate(ctx)
		if err != nil {
			log.Errorf("Reload aggregation failed: %v", err)
			return
		}

		var mu sync.Mutex
		admitted := 0

		g, gctx := errgroup.WithContext(ctx)
		for _, candidate := range candidates {
			host, portStr, err := net.SplitHostPort(candidate.Address)
			if err != nil {
				continue
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				continue
			}

			g.Go(func() error {
				key := proxytype.Key{Host: host, Port: port}
				result := s.validator.Validate(gctx, key)
				if !result.Admitted {
					return nil
				}
				s.pool.AdmitWithRuntimes(key, result.Protocols, result.Anonymity, result.Country, result.RuntimesMs)
				mu.Lock()
				admitted++
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		s.mu.Lock()
		s.lastReload = time.Now()
		s.lastAdmitted = admitted
		s.lastScraped = len(candidates)
		s.mu.Unlock()
		s.metrics.SetPoolSize(s.pool.Len())

		log.WithFields(log.Fields{"scraped": len(candidates), "admitted": admitted}).Info("reload complete")
	}()

	c.JSON(http.StatusOK, gin.H{"message": "Reload triggered"})
}
