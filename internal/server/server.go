package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/porthole-live/porthole/internal/auth"
	"github.com/porthole-live/porthole/internal/classifier"
	"github.com/porthole-live/porthole/internal/errors"
	"github.com/porthole-live/porthole/internal/hub"
	"github.com/porthole-live/porthole/internal/logger"
	"github.com/porthole-live/porthole/internal/registry"
	"github.com/porthole-live/porthole/internal/watcher"
)

// Server wires the HTTP surface: pairing, session inventory, health,
// metrics and the WebSocket upgrade.
type Server struct {
	authService *auth.Service
	authHandler *auth.Handler
	authMW      *auth.Middleware
	reg         *registry.Registry
	cls         *classifier.Classifier
	hub         *hub.Hub
	watch       *watcher.Watcher
	metricsH    http.Handler
	version     string

	allowedOrigins []string
	upgrader       websocket.Upgrader

	log *logger.Logger
}

// Options bundles the server's collaborators.
type Options struct {
	AuthService    *auth.Service
	AuthHandler    *auth.Handler
	Registry       *registry.Registry
	Classifier     *classifier.Classifier
	Hub            *hub.Hub
	Watcher        *watcher.Watcher
	MetricsHandler http.Handler
	Version        string
	AllowedOrigins []string
}

// New creates the server.
func New(opts Options, log *logger.Logger) *Server {
	s := &Server{
		authService:    opts.AuthService,
		authHandler:    opts.AuthHandler,
		authMW:         auth.NewMiddleware(opts.AuthService),
		reg:            opts.Registry,
		cls:            opts.Classifier,
		hub:            opts.Hub,
		watch:          opts.Watcher,
		metricsH:       opts.MetricsHandler,
		version:        opts.Version,
		allowedOrigins: opts.AllowedOrigins,
		log:            log.WithComponent("server"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogging(s.log))
	r.Use(CORS(s.allowedOrigins))

	r.GET("/health", s.health)
	if s.metricsH != nil {
		r.GET("/metrics", gin.WrapH(s.metricsH))
	}

	// Pairing endpoints sit outside auth: the QR issuer runs on the
	// operator's own machine and the redeem call is what mints the
	// credential in the first place.
	r.POST("/api/auth/qr", s.authHandler.IssueQR)
	r.POST("/api/auth/mobile", s.authHandler.Redeem)

	authed := r.Group("/api", s.authMW.RequireAuth())
	{
		authed.POST("/auth/refresh", s.authHandler.Refresh)
		authed.POST("/auth/revoke", s.authHandler.Revoke)
		authed.GET("/auth/info", s.authHandler.Info)
		authed.GET("/sessions", s.listSessions)
		authed.GET("/sessions/:id", s.getSession)
	}

	// The upgrade endpoint authenticates in-band (or via the key query
	// parameter) rather than through middleware, so unauthenticated
	// clients get the protocol's 4401 close instead of an HTTP error.
	r.GET("/ws", s.serveWS)

	return r
}

// sessionView is a registry descriptor augmented with the derived state.
type sessionView struct {
	registry.Descriptor
	State string `json:"state"`
}

// listSessions returns every known session, newest activity first.
// GET /api/sessions (authenticated)
func (s *Server) listSessions(c *gin.Context) {
	descs := s.reg.List()
	out := make([]sessionView, 0, len(descs))
	for _, d := range descs {
		out = append(out, sessionView{
			Descriptor: d,
			State:      string(s.cls.Current(d.SessionID)),
		})
	}
	total, active := s.reg.Counts()
	c.JSON(http.StatusOK, gin.H{
		"sessions": out,
		"total":    total,
		"active":   active,
	})
}

// getSession returns a single session descriptor.
// GET /api/sessions/:id (authenticated)
func (s *Server) getSession(c *gin.Context) {
	id := c.Param("id")
	desc, ok := s.reg.Get(id)
	if !ok {
		errors.AbortWithNotFound(c, "unknown_session", "unknown session", nil)
		return
	}
	c.JSON(http.StatusOK, sessionView{
		Descriptor: desc,
		State:      string(s.cls.Current(id)),
	})
}

// health reports liveness. The watch root disappearing is the one
// condition that makes the server useless, so it degrades the check.
// GET /health
func (s *Server) health(c *gin.Context) {
	total, active := s.reg.Counts()
	body := gin.H{
		"status":          "healthy",
		"version":         s.version,
		"sessions_total":  total,
		"sessions_active": active,
		"clients":         s.hub.ClientCount(),
	}
	if s.watch != nil && !s.watch.Healthy() {
		body["status"] = "degraded"
		body["reason"] = "watch root unavailable"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

// serveWS upgrades the connection and hands it to the hub. A valid key in
// the bearer header or the query string pre-authenticates the connection;
// an invalid one gets the protocol-level rejection after the upgrade so
// mobile clients see a close code rather than a failed handshake. With no
// key at all, authentication happens in-band before the deadline.
// GET /ws
func (s *Server) serveWS(c *gin.Context) {
	var (
		cred *auth.DeviceCredential
		key  string
	)
	if k, ok := auth.ExtractKey(c); ok {
		validated, err := s.authService.Validate(k)
		if err != nil {
			conn, uerr := s.upgrader.Upgrade(c.Writer, c.Request, nil)
			if uerr != nil {
				return
			}
			s.hub.RejectUnauthorized(conn)
			return
		}
		cred = &validated
		key = k
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err.Error())
		return
	}
	s.hub.HandleConn(conn, cred, key)
}

// checkOrigin admits requests with no Origin header (native mobile apps)
// and any origin on the allow list. "*" admits everything.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
