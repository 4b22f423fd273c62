// Package status serves the gateway's health, feed and metrics endpoints.
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	appconfig "hermesgw/config"
	"hermesgw/internal/bus"
	"hermesgw/internal/metrics"
	"hermesgw/logger"
	"hermesgw/models"
)

const defaultPort = "7072"

// UpstreamSource reports the connector state, e.g. "streaming".
type UpstreamSource interface {
	StateName() string
}

// FeedSource is the registry view the status endpoints read.
type FeedSource interface {
	Union() []models.FeedID
	FeedCount() int
	Len() int
}

// ClientSource reports the number of subscribed clients.
type ClientSource interface {
	Active() int
}

// BusSource reports fan-out counters of the update bus.
type BusSource interface {
	Stats() bus.Stats
	Receivers() int
}

type Sources struct {
	Upstream UpstreamSource
	Feeds    FeedSource
	Clients  ClientSource
	Bus      BusSource
}

// Server hosts the status API. A nil *Server is valid and does nothing.
type Server struct {
	cfg             appconfig.StatusConfig
	log             *logger.Log
	sources         Sources
	logStore        *logStore
	resourceSampler *resourceSampler
	httpServer      *http.Server
	started         time.Time
}

// NewServer returns nil when the status server is disabled.
func NewServer(cfg appconfig.StatusConfig, log *logger.Log, sources Sources) *Server {
	if !cfg.Enabled {
		return nil
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}

	store := newLogStore(cfg.LogHistory)
	log.AddHook(store)

	return &Server{
		cfg:             cfg,
		log:             log,
		sources:         sources,
		logStore:        store,
		resourceSampler: newResourceSampler(cfg.LogHistory, cfg.SampleInterval, log),
		started:         time.Now(),
	}
}

// Run serves until ctx is cancelled or the HTTP server fails.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}

	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.WithComponent("status").WithField("address", s.cfg.Address).Info("status server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	s.logStore.close()
	s.resourceSampler.stop()
}

// Address reports the normalized listen address.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/api/health", func(c *gin.Context) {
		state := s.upstreamState()
		clients := s.clients()
		status := "ok"
		if clients > 0 && state != "streaming" {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{
			"service":        appName,
			"status":         status,
			"upstream_state": state,
			"clients":        clients,
			"feeds":          s.feedCount(),
			"bus":            s.busStats(),
			"uptime_seconds": int64(time.Since(s.started).Seconds()),
		})
	})

	router.GET("/api/feeds", func(c *gin.Context) {
		ids := s.union()
		payload := make([]string, 0, len(ids))
		for _, id := range ids {
			payload = append(payload, id.String())
		}
		registered := 0
		if s.sources.Feeds != nil {
			registered = s.sources.Feeds.Len()
		}
		c.JSON(http.StatusOK, gin.H{"feeds": payload, "subscriptions": registered})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	return router, nil
}

func (s *Server) upstreamState() string {
	if s.sources.Upstream == nil {
		return "unknown"
	}
	return s.sources.Upstream.StateName()
}

func (s *Server) clients() int {
	if s.sources.Clients == nil {
		return 0
	}
	return s.sources.Clients.Active()
}

func (s *Server) feedCount() int {
	if s.sources.Feeds == nil {
		return 0
	}
	return s.sources.Feeds.FeedCount()
}

func (s *Server) busStats() gin.H {
	if s.sources.Bus == nil {
		return gin.H{}
	}
	stats := s.sources.Bus.Stats()
	return gin.H{
		"receivers": s.sources.Bus.Receivers(),
		"published": stats.Published,
		"dropped":   stats.Dropped,
		"overruns":  stats.Overruns,
	}
}

func (s *Server) union() []models.FeedID {
	if s.sources.Feeds == nil {
		return nil
	}
	return s.sources.Feeds.Union()
}

// normalizeAddress accepts ":port", "host", "host:port" or a URL and returns
// a host:port pair suitable for http.Server.
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return net.JoinHostPort("127.0.0.1", defaultPort)
	}

	if i := strings.Index(addr, "://"); i >= 0 {
		addr = strings.TrimSuffix(addr[i+3:], "/")
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = defaultPort
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}
