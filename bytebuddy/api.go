package bytebuddy

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

const (
	apiPrefix          = "/api"
	apiHealthCheck     = "/health"
	apiPathUserHistory = "/users/:user_id/history"
	apiPathMetrics     = "/metrics"
)

const (
	xRequestIDHeader = "X-Request-ID"
	bearerPrefix     = "Bearer "
)

// API serves bot status, metrics and per-user history management
// over HTTP.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	engine     *gin.Engine
	logger     *slog.Logger

	listener   net.Listener
	listenerMu sync.Mutex

	handlers *APIHandlers
}

func newAPI(b *ByteBuddy, config *APIConfig) (*API, error) {
	if config.LogLevel == nil || config.LogLevel.Level() > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	api := &API{
		config:   config,
		engine:   r,
		logger:   newComponentLogger(levelOr(config.LogLevel, DefaultAPILogLevel), "api"),
		handlers: &APIHandlers{b: b},
	}

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" {
		var err error
		tlsCfg, err = tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiPathMetrics, gin.WrapH(b.metrics.Handler()))

	public := r.Group(apiPrefix)
	public.GET(apiHealthCheck, api.handlers.healthCheck)

	if config.Secret != "" {
		protected := r.Group(apiPrefix)
		protected.Use(authMiddleware(config.Secret))
		protected.GET(apiPathUserHistory, api.handlers.getUserHistory)
		protected.DELETE(apiPathUserHistory, api.handlers.deleteUserHistory)
	} else {
		api.logger.Warn("no API secret set, user history endpoints disabled")
	}

	return api, nil
}

// Serve listens on the configured address and serves until ctx is
// canceled, then shuts the server down.
func (a *API) Serve(ctx context.Context, shutdownTimeout time.Duration) error {
	a.listenerMu.Lock()
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			a.listenerMu.Unlock()
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	ln := a.listener
	a.listenerMu.Unlock()
	a.logger.InfoContext(ctx, "serving API", "address", ln.Addr().String())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.httpServer.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	a.logger.InfoContext(ctx, "shutting down API")
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.ErrorContext(ctx, "error shutting down API", tint.Err(err))
		return err
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the address the API is listening on, or nil if it
// isn't listening yet.
func (a *API) Addr() net.Addr {
	a.listenerMu.Lock()
	defer a.listenerMu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// APIHandlers holds the gin handlers for the API
type APIHandlers struct {
	b *ByteBuddy
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool         `json:"discord_gateway_connected"`
	GatewayConnects         int64        `json:"gateway_connects"`
	GatewayDisconnects      int64        `json:"gateway_disconnects"`
	Uptime                  string       `json:"uptime"`
	Session                 SessionStats `json:"session"`
}

type userHistoryResponse struct {
	UserID   string    `json:"user_id"`
	Capacity int       `json:"capacity"`
	Messages []Message `json:"messages"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	var uptime time.Duration
	if started := h.b.startedAt.Load(); started != nil {
		uptime = time.Since(*started).Truncate(time.Second)
	}
	c.JSON(
		http.StatusOK, healthCheckResponse{
			DiscordGatewayConnected: h.b.discord.connected.Load(),
			GatewayConnects:         h.b.discord.metricConnects.Load(),
			GatewayDisconnects:      h.b.discord.metricDisconnects.Load(),
			Uptime:                  uptime.String(),
			Session:                 h.b.session.Stats(),
		},
	)
}

// getUserHistory returns the user's current conversation history.
//
// Responses:
//   - 200 OK: history, oldest message first
//   - 404 Not Found: the user has no history
func (h *APIHandlers) getUserHistory(c *gin.Context) {
	userID := c.Param("user_id")
	messages, ok := h.b.session.History(userID)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "no history for user"})
		return
	}
	c.JSON(
		http.StatusOK, userHistoryResponse{
			UserID:   userID,
			Capacity: h.b.session.Config().HistoryCapacity,
			Messages: messages,
		},
	)
}

// deleteUserHistory clears the user's conversation history, the same
// as the user running /reset.
//
// Responses:
//   - 200 OK: history cleared
//   - 404 Not Found: the user has no history
func (h *APIHandlers) deleteUserHistory(c *gin.Context) {
	userID := c.Param("user_id")
	if !h.b.session.ResetHistory(userID) {
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "no history for user"})
		return
	}
	ginContextLogger(c).Info("history cleared via API", "user_id", userID)
	ginReplyMessage(c, "history cleared")
}

// authMiddleware requires an `Authorization: Bearer <secret>` header
func authMiddleware(secret string) gin.HandlerFunc {
	expected := []byte(secret)
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, bearerPrefix)
		if !ok || subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			ginContextLogger(c).Warn("unauthorized request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request when it finishes, with its
// duration, response status and any errors.
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := setGinContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				tint.Err(errors.Join(errs...)),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func tlsConfig(certfile string, keyfile string, minVersion uint16) (
	*tls.Config,
	error,
) {
	cert, err := tls.LoadX509KeyPair(certfile, keyfile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		ClientAuth:   tls.NoClientCert,
	}, nil
}
