// Package server exposes the relay's HTTP surface: the OpenAI-compatible
// proxy endpoints, the usage and model listings, and the admin key API.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/exoml/relay/internal/config"
	"github.com/exoml/relay/internal/gate"
	"github.com/exoml/relay/internal/ledger"
	"github.com/exoml/relay/internal/router"
	"github.com/exoml/relay/internal/usage"
)

// ProxyEndpoints are the paths relayed to upstream providers.
var ProxyEndpoints = []string{
	"/v1/chat/completions",
	"/v1/images/generations",
	"/v1/audio/transcriptions",
	"/v1/audio/speech",
	"/v1/responses",
}

// AbuseTracker is the slice of the rate monitor the HTTP layer needs.
type AbuseTracker interface {
	Record(clientIP, path, userAgent string)
	IsBlocked(ip string) bool
}

// Server wires the HTTP handlers to the relay subsystems.
type Server struct {
	cfg        *config.Config
	store      *config.Store
	gate       *gate.Gate
	ledger     *ledger.Ledger
	dispatcher *router.Dispatcher
	monitor    AbuseTracker
	recorder   *usage.Recorder

	now func() time.Time
}

// New assembles a server over the given subsystems. monitor and recorder
// may be nil, which disables abuse tracking and request logging.
func New(cfg *config.Config, store *config.Store, g *gate.Gate, l *ledger.Ledger, d *router.Dispatcher, monitor AbuseTracker, recorder *usage.Recorder) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		gate:       g,
		ledger:     l,
		dispatcher: d,
		monitor:    monitor,
		recorder:   recorder,
		now:        time.Now,
	}
}

// Handler builds the gin engine with all routes registered.
func (s *Server) Handler() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.corsMiddleware(), s.abuseMiddleware())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	engine.GET("/v1/models", s.handleModels)
	engine.GET("/v1/usage", s.handleUsage)

	for _, path := range ProxyEndpoints {
		engine.POST(path, s.handleProxy)
	}

	engine.GET("/admin/keys", s.handleAdminListKeys)
	engine.POST("/admin/keys", s.handleAdminKeyAction)
	engine.POST("/admin/auth", s.handleAdminAuth)

	return engine
}

func (s *Server) handleModels(c *gin.Context) {
	if s.rejectIfBlocked(c, "") {
		return
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": s.store.ModelList()})
}

// handleUsage returns the caller's own usage when a valid key is presented,
// and the anonymous aggregate otherwise.
func (s *Server) handleUsage(c *gin.Context) {
	if s.rejectIfBlocked(c, "") {
		return
	}
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
		if data, ok := s.ledger.UserUsage(authHeader[7:]); ok {
			c.JSON(http.StatusOK, data)
			return
		}
	}
	c.JSON(http.StatusOK, s.ledger.AggregateUsage())
}
