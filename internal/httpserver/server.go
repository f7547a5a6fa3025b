// Package httpserver is the HTTP edge of the gateway: users submit MT
// messages on /send and price them on /rate.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/thrillee/aegisroute/internal/config"
	"github.com/thrillee/aegisroute/internal/gateway"
	"github.com/thrillee/aegisroute/internal/logging"
	"github.com/thrillee/aegisroute/internal/metrics"
	"github.com/thrillee/aegisroute/internal/routable"
	"github.com/thrillee/aegisroute/pkg/codes"
	"github.com/thrillee/aegisroute/pkg/errormapper"
)

// Gateway is the routing core as seen from the edge. Implemented by
// gateway.Router.
type Gateway interface {
	RouteMT(ctx context.Context, r *routable.Routable) (*gateway.Result, error)
	RateMT(ctx context.Context, r *routable.Routable) (*gateway.Quote, error)
	InterceptionState() (set, connected bool)
}

// Authenticator resolves the username/password carried by every request.
// Implemented by account.Registry.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*routable.User, error)
}

// Server implements the HTTP edge.
type Server struct {
	config     config.HTTPConfig
	gateway    Gateway
	accounts   Authenticator
	engine     *gin.Engine
	httpServer *http.Server
	stopOnce   sync.Once
}

func NewServer(cfg config.HTTPConfig, gw Gateway, accounts Authenticator) *Server {
	if gw == nil {
		panic("Gateway cannot be nil for HTTP Server")
	}
	s := &Server{config: cfg, gateway: gw, accounts: accounts}
	s.engine = s.routes()
	return s
}

// Handler exposes the gin engine, for tests and for mounting.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/send", s.handleSend)
	router.POST("/send", s.handleSend)
	router.GET("/rate", s.handleRate)
	router.POST("/rate", s.handleRate)
	router.GET("/ping", s.handlePing)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	return router
}

// ListenAndServe starts the HTTP server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	if s.httpServer != nil {
		return errors.New("http server already started")
	}
	s.httpServer = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}

	slog.Info("Starting HTTP edge", slog.String("address", s.config.Addr))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP edge ListenAndServe error", slog.Any("error", err))
		return err
	}
	slog.Info("HTTP edge stopped.")
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.InfoContext(ctx, "Shutdown requested for HTTP edge...")
	var err error
	s.stopOnce.Do(func() {
		if s.httpServer != nil {
			s.httpServer.SetKeepAlivesEnabled(false)
			err = s.httpServer.Shutdown(ctx)
		}
	})
	return err
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.DebugContext(c.Request.Context(), "HTTP request served",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

// formValue reads a parameter from the POST form, falling back to the
// query string.
func formValue(c *gin.Context, key string) string {
	if v, ok := c.GetPostForm(key); ok {
		return v
	}
	return c.Query(key)
}

// authenticate resolves the request user and enriches the request context.
func (s *Server) authenticate(c *gin.Context) (context.Context, *routable.User, error) {
	ctx := logging.ContextWithRemoteAddr(c.Request.Context(), c.ClientIP())
	username := formValue(c, "username")
	ctx = logging.ContextWithUsername(ctx, username)
	if s.accounts == nil {
		return ctx, nil, codes.New(codes.KindAuthentication, "Authentication failure for username:%s", username)
	}
	user, err := s.accounts.Authenticate(ctx, username, formValue(c, "password"))
	if err != nil {
		return ctx, nil, err
	}
	return logging.ContextWithUserID(ctx, user.ID), user, nil
}

func invalidArgument(name, value string) error {
	return codes.New(codes.KindConfiguration, "Argument [%s] has an invalid value: [%s].", name, value)
}

func missingArgument(name string) error {
	return codes.New(codes.KindConfiguration, "Mandatory argument [%s] is not found.", name)
}

// buildRoutable turns the request arguments into an MT routable. content
// is mandatory for /send only.
func buildRoutable(c *gin.Context, user *routable.User, needContent bool) (*routable.Routable, error) {
	to := formValue(c, "to")
	if to == "" {
		return nil, missingArgument("to")
	}
	content, hasContent := c.GetPostForm("content")
	if !hasContent {
		content, hasContent = c.GetQuery("content")
	}
	if needContent && !hasContent {
		return nil, missingArgument("content")
	}

	params := map[string]any{
		routable.ParamDestinationAddr: to,
		routable.ParamShortMessage:    content,
	}
	if from := formValue(c, "from"); from != "" {
		params[routable.ParamSourceAddr] = from
	}
	if v := formValue(c, "coding"); v != "" {
		coding, err := strconv.Atoi(v)
		if err != nil || coding < 0 || coding > 14 {
			return nil, invalidArgument("coding", v)
		}
		params[routable.ParamDataCoding] = coding
	}
	if v := formValue(c, "priority"); v != "" {
		priority, err := strconv.Atoi(v)
		if err != nil || priority < 0 || priority > 3 {
			return nil, invalidArgument("priority", v)
		}
		params[routable.ParamPriorityFlag] = priority
	}
	if v := formValue(c, "dlr"); v != "" {
		switch v {
		case "yes":
			params[routable.ParamRegisteredDelivery] = 1
		case "no":
			params[routable.ParamRegisteredDelivery] = 0
		default:
			return nil, invalidArgument("dlr", v)
		}
	}

	r := routable.New(routable.MT, params)
	r.User = user
	if v := formValue(c, "tags"); v != "" {
		for _, tag := range strings.Split(v, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				if err := r.AddTag(tag); err != nil {
					return nil, err
				}
			}
		}
	}
	return r, nil
}

func (s *Server) handleSend(c *gin.Context) {
	ctx, user, err := s.authenticate(c)
	if err != nil {
		s.sendError(ctx, c, err)
		return
	}
	r, err := buildRoutable(c, user, true)
	if err != nil {
		s.sendError(ctx, c, err)
		return
	}

	res, err := s.gateway.RouteMT(ctx, r)
	if err != nil {
		s.sendError(ctx, c, err)
		return
	}
	slog.InfoContext(ctx, "HTTP message accepted",
		slog.String("routable_id", res.RoutableID),
		slog.String("connector_id", res.ConnectorID),
		slog.Int("segments", res.Segments),
	)
	c.String(http.StatusOK, "Success \"%s\"", res.RoutableID)
}

func (s *Server) sendError(ctx context.Context, c *gin.Context, err error) {
	status, msg := errormapper.HTTP(err)
	slog.WarnContext(ctx, "HTTP message rejected", slog.Int("status", status), slog.Any("error", err))
	c.String(status, "Error \"%s\"", msg)
}

func (s *Server) handleRate(c *gin.Context) {
	ctx, user, err := s.authenticate(c)
	if err != nil {
		s.rateError(ctx, c, err)
		return
	}
	r, err := buildRoutable(c, user, false)
	if err != nil {
		s.rateError(ctx, c, err)
		return
	}
	quote, err := s.gateway.RateMT(ctx, r)
	if err != nil {
		s.rateError(ctx, c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"submit_sm_count": quote.SubmitSMCount,
		"unit_rate":       quote.UnitRate.InexactFloat64(),
	})
}

func (s *Server) rateError(ctx context.Context, c *gin.Context, err error) {
	status, msg := errormapper.HTTP(err)
	slog.WarnContext(ctx, "HTTP rate request rejected", slog.Int("status", status), slog.Any("error", err))
	c.JSON(status, msg)
}

func (s *Server) handlePing(c *gin.Context) {
	set, connected := s.gateway.InterceptionState()
	c.Header("X-Interceptor", fmt.Sprintf("set=%t connected=%t", set, connected))
	c.String(http.StatusOK, "AegisRoute/PONG")
}
