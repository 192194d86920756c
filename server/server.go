// Package server exposes the subscriber's view state and actions over a local
// HTTP control panel.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	subscriber "github.com/mcpagents/aa-subscriber"
)

// Runner runs subscription requests and reports view state; *subscriber.State
// implements it.
type Runner interface {
	Run(ctx context.Context) (*subscriber.Result, error)
	View() subscriber.View
	LastResult() *subscriber.Result
}

// JWTSender posts JWT demonstration messages; *subscriber.Subscriber
// implements it.
type JWTSender interface {
	SendJWTRequest(ctx context.Context, kind string) (json.RawMessage, error)
}

// ServerOptions configures the control panel.
type ServerOptions struct {
	Logger *zap.Logger
	// RunTimeout bounds one subscription run. Zero means no bound beyond
	// the request context.
	RunTimeout time.Duration
	// Detach runs subscriptions on a background context so that a client
	// disconnect does not abort an on-chain flow halfway.
	Detach bool
}

// Options is the type for the options of New.
type Options func(*ServerOptions)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Options {
	return func(options *ServerOptions) {
		options.Logger = logger
	}
}

// WithRunTimeout bounds every subscription run.
func WithRunTimeout(d time.Duration) Options {
	return func(options *ServerOptions) {
		options.RunTimeout = d
	}
}

// WithDetachedRuns keeps runs alive when the requesting client goes away.
func WithDetachedRuns() Options {
	return func(options *ServerOptions) {
		options.Detach = true
	}
}

// Server is the gin control panel.
type Server struct {
	runner  Runner
	jwt     JWTSender
	options ServerOptions
	engine  *gin.Engine
}

// New builds the control panel routes.
func New(runner Runner, jwt JWTSender, opts ...Options) *Server {
	options := ServerOptions{Logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&options)
	}

	s := &Server{runner: runner, jwt: jwt, options: options}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(options.Logger))
	engine.GET("/healthz", s.health)
	engine.GET("/status", s.status)
	engine.GET("/result", s.lastResult)
	engine.POST("/subscribe", s.subscribe)
	engine.POST("/jwt/:kind", s.sendJWT)
	s.engine = engine
	return s
}

// Handler returns the HTTP handler of the control panel.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.options.Logger.Info("Control panel listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.runner.View())
}

func (s *Server) lastResult(c *gin.Context) {
	result := s.runner.LastResult()
	if result == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no subscription request has run yet"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) subscribe(c *gin.Context) {
	ctx := c.Request.Context()
	if s.options.Detach {
		ctx = context.WithoutCancel(ctx)
	}
	if s.options.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.options.RunTimeout)
		defer cancel()
	}

	result, err := s.runner.Run(ctx)
	if errors.Is(err, subscriber.ErrBusy) {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		body := gin.H{"error": err.Error(), "result": result}
		var subErr *subscriber.SubscriptionError
		if errors.As(err, &subErr) {
			body["step"] = subErr.Step
			body["code"] = subErr.Code
		}
		c.AbortWithStatusJSON(http.StatusBadGateway, body)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) sendJWT(c *gin.Context) {
	raw, err := s.jwt.SendJWTRequest(c.Request.Context(), c.Param("kind"))
	if errors.Is(err, subscriber.ErrUnknownJWTKind) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

// requestLogger logs one line per request.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("Request served",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}
