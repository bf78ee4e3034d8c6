// Package transport exposes the gateway over HTTP: the client websocket, the
// status API and the operational endpoints.
package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/allthriveai/allthriveai-sub004/internal/auth"
	errx "github.com/allthriveai/allthriveai-sub004/internal/core/error"
	"github.com/allthriveai/allthriveai-sub004/internal/gateway"
	"github.com/allthriveai/allthriveai-sub004/internal/model"
	logx "github.com/allthriveai/allthriveai-sub004/pkg/logger"
)

// Gateway is the connection manager as seen by the transport.
type Gateway interface {
	OnConnect(ctx context.Context, req gateway.ConnectRequest) (*gateway.Handle, error)
	OnInboundMessage(ctx context.Context, h *gateway.Handle, text string) (gateway.Ack, error)
	OnDisconnect(h *gateway.Handle)
	Reject(h *gateway.Handle, err error)
	Status(ctx context.Context, userID, conversationID string) (*model.Status, error)
}

// ReadyFunc reports whether the process can serve traffic.
type ReadyFunc func(ctx context.Context) error

type Server struct {
	cfg        model.ServerConfig
	maxPayload int
	engine     *gin.Engine
	gateway    Gateway
	auth       auth.Authenticator
	ready      ReadyFunc
	upgrader   websocket.Upgrader
	validate   *validator.Validate
}

type ErrorResponse struct {
	Error *ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func New(cfg model.ServerConfig, gw model.GatewayConfig, g Gateway, authn auth.Authenticator, ready ReadyFunc, production bool) (*Server, error) {
	if g == nil || authn == nil {
		return nil, errors.New("transport: gateway and authenticator are required")
	}
	if production {
		gin.SetMode(gin.ReleaseMode)
	}
	if ready == nil {
		ready = func(context.Context) error { return nil }
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}

	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, err
	}
	engine.Use(gin.Recovery())
	engine.Use(requestID())
	engine.Use(requestLogger(logx.Logger()))

	s := &Server{
		cfg:        cfg,
		maxPayload: gw.MaxPayloadBytes,
		engine:     engine,
		gateway:    g,
		auth:       authn,
		ready:      ready,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	s.engine.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			logx.Warn().Err(err).Msg("readiness check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/v1")
	v1.GET("/ws", s.handleWebSocket)
	v1.GET("/conversations/:id/status", s.handleStatus)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logx.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logx.Info().Msg("context cancelled, shutting down HTTP server")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (s *Server) handleStatus(c *gin.Context) {
	identity, err := s.auth.Authenticate(c.Request.Context(), credentials(c))
	if err == nil && identity.Anonymous {
		err = errx.Unauthenticated(errors.New("status requires a bearer token"))
	}
	if err != nil {
		respondError(c, err)
		return
	}

	st, err := s.gateway.Status(c.Request.Context(), identity.UserID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func credentials(c *gin.Context) auth.Credentials {
	token := auth.BearerToken(c.GetHeader("Authorization"))
	if token == "" {
		token = c.Query("access_token")
	}
	return auth.Credentials{Token: token, RemoteAddr: c.ClientIP()}
}

func respondError(c *gin.Context, err error) {
	status := errx.StatusOf(err)
	if status >= http.StatusInternalServerError {
		logx.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: &ErrorDetail{
		Message: errx.MessageOf(err),
		Code:    string(errx.CodeOf(err)),
	}})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}
