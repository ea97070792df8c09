package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/moltsocial/quorum/authority"
	"github.com/moltsocial/quorum/engine"
	"github.com/moltsocial/quorum/modstate"
	"github.com/moltsocial/quorum/standing"
	"github.com/moltsocial/quorum/store"
	"github.com/moltsocial/quorum/syntax"

	"github.com/araddon/dateparse"
	"github.com/carlmjohnson/versioninfo"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

type ServerConfig struct {
	Bind string
	// HTTP Basic password (username "admin") for admin routes; empty disables them
	AdminPassword string
}

type Server struct {
	echo   *echo.Echo
	httpd  *http.Server
	engine *engine.Engine
	logger *slog.Logger
	config ServerConfig
}

type HealthStatus struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Deferred int    `json:"deferred"`
	Message  string `json:"msg,omitempty"`
}

type xrpcError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// metrics are registered globally, so the middleware can only be built once per process
var metricsMiddleware = sync.OnceValue(func() echo.MiddlewareFunc {
	return echoprometheus.NewMiddleware("quorum")
})

func NewServer(eng *engine.Engine, logger *slog.Logger, config ServerConfig) *Server {
	e := echo.New()
	srv := &Server{
		echo:   e,
		engine: eng,
		logger: logger.With("component", "server"),
		config: config,
	}
	srv.httpd = &http.Server{
		Handler:        e,
		Addr:           config.Bind,
		WriteTimeout:   time.Minute,
		ReadTimeout:    time.Minute,
		MaxHeaderBytes: 1024 * 1024,
	}

	e.HideBanner = true
	e.Use(slogecho.New(srv.logger))
	e.Use(middleware.Recover())
	e.Use(metricsMiddleware())
	e.Use(otelecho.Middleware("quorum"))
	e.Use(middleware.BodyLimit("16M"))
	e.HTTPErrorHandler = srv.errorHandler

	e.GET("/_health", srv.HandleHealthCheck)
	e.GET("/metrics", echoprometheus.NewHandler())

	e.GET("/xrpc/social.molt.moderation.getActionState", srv.HandleGetActionState)
	e.GET("/xrpc/social.molt.moderation.getTestimonyWindow", srv.HandleGetTestimonyWindow)
	e.GET("/xrpc/social.molt.standing.getStanding", srv.HandleGetStanding)
	e.GET("/xrpc/social.molt.authority.getAuthority", srv.HandleGetAuthority)
	e.GET("/xrpc/social.molt.authority.getTransitions", srv.HandleGetTransitions)

	if config.AdminPassword != "" {
		admin := e.Group("/admin", srv.adminAuthMiddleware())
		admin.GET("/deadletters", srv.HandleListDeadLetters)
		admin.POST("/ingest", srv.HandleIngest)
	}
	return srv
}

// Serves until ctx is done, then shuts down gracefully.
func (srv *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		srv.logger.Info("starting HTTP server", "bind", srv.config.Bind)
		if err := srv.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server shutting down unexpectedly: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.httpd.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	return nil
}

// HTTP Basic auth with username "admin" and a static password.
func (srv *Server) adminAuthMiddleware() echo.MiddlewareFunc {
	return middleware.BasicAuthWithConfig(middleware.BasicAuthConfig{
		Validator: func(username, password string, c echo.Context) (bool, error) {
			if subtle.ConstantTimeCompare([]byte(username), []byte("admin")) == 1 &&
				subtle.ConstantTimeCompare([]byte(password), []byte(srv.config.AdminPassword)) == 1 {
				return true, nil
			}
			srv.logger.Warn("admin auth failed", "username", username, "path", c.Path())
			return false, nil
		},
		Realm: "quorum",
	})
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	body := xrpcError{Error: "InternalServerError"}

	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		code = he.Code
		body.Error = strings.ReplaceAll(http.StatusText(code), " ", "")
		body.Message = fmt.Sprint(he.Message)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, engine.ErrNoWindow):
		code = http.StatusNotFound
		body = xrpcError{Error: "NotFound", Message: err.Error()}
	case errors.Is(err, engine.ErrBadQuery), errors.Is(err, modstate.ErrNotAction), errors.Is(err, standing.ErrUnknownMethodology):
		code = http.StatusBadRequest
		body = xrpcError{Error: "InvalidRequest", Message: err.Error()}
	}

	if code >= 500 {
		srv.logger.Error("HTTP request error", "statusCode", code, "path", c.Path(), "err", err)
	} else {
		srv.logger.Debug("HTTP request error", "statusCode", code, "path", c.Path(), "err", err)
	}
	if c.Response().Committed {
		return
	}
	if err := c.JSON(code, body); err != nil {
		srv.logger.Error("failed to write error response", "err", err)
	}
}

func badQuery(param string, err error) error {
	return fmt.Errorf("%w: %s: %v", engine.ErrBadQuery, param, err)
}

func requiredParam(c echo.Context, name string) (string, error) {
	v := c.QueryParam(name)
	if v == "" {
		return "", fmt.Errorf("%w: missing required parameter %q", engine.ErrBadQuery, name)
	}
	return v, nil
}

func refParam(c echo.Context, name string) (syntax.Ref, error) {
	raw, err := requiredParam(c, name)
	if err != nil {
		return syntax.Ref{}, err
	}
	ref, err := syntax.ParseRef(raw)
	if err != nil {
		return syntax.Ref{}, badQuery(name, err)
	}
	return ref, nil
}

func didParam(c echo.Context, name string) (syntax.DID, error) {
	raw, err := requiredParam(c, name)
	if err != nil {
		return "", err
	}
	did, err := syntax.ParseDID(raw)
	if err != nil {
		return "", badQuery(name, err)
	}
	return did, nil
}

// Optional timestamp parameter; accepts anything dateparse understands.
func timeParam(c echo.Context, name string) (*time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	t, err := dateparse.ParseAny(raw)
	if err != nil {
		return nil, badQuery(name, err)
	}
	t = t.UTC()
	return &t, nil
}

func boolParam(c echo.Context, name string) (bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, badQuery(name, err)
	}
	return v, nil
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:   "ok",
		Version:  versioninfo.Short(),
		Deferred: srv.engine.DeferredCount(),
	})
}

func (srv *Server) HandleGetActionState(c echo.Context) error {
	ref, err := refParam(c, "uri")
	if err != nil {
		return err
	}
	view, err := srv.engine.GetModerationActionState(c.Request().Context(), ref)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

func (srv *Server) HandleGetTestimonyWindow(c echo.Context) error {
	ref, err := refParam(c, "uri")
	if err != nil {
		return err
	}
	includePost, err := boolParam(c, "includePostWindow")
	if err != nil {
		return err
	}
	w, err := srv.engine.GetTestimonyWindow(c.Request().Context(), ref, includePost)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, w)
}

func (srv *Server) HandleGetStanding(c echo.Context) error {
	did, err := didParam(c, "did")
	if err != nil {
		return err
	}
	q := engine.StandingQuery{
		Subject:     did,
		Context:     c.QueryParam("context"),
		Methodology: c.QueryParam("methodology"),
		Cursor:      c.QueryParam("cursor"),
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return badQuery("limit", fmt.Errorf("not a positive integer: %q", raw))
		}
		q.Limit = limit
	}
	view, err := srv.engine.GetStanding(c.Request().Context(), q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

type authorityResponse struct {
	*engine.AuthorityView
	// set when a single capability was asked about
	Capability authority.Capability `json:"capability,omitempty"`
	Granted    *bool                `json:"granted,omitempty"`
}

func (srv *Server) HandleGetAuthority(c echo.Context) error {
	ctx := c.Request().Context()
	did, err := didParam(c, "did")
	if err != nil {
		return err
	}
	contextID, err := requiredParam(c, "context")
	if err != nil {
		return err
	}
	at, err := timeParam(c, "at")
	if err != nil {
		return err
	}
	view, err := srv.engine.GetAuthority(ctx, did, contextID, at)
	if err != nil {
		return err
	}
	out := authorityResponse{AuthorityView: view}
	if raw := c.QueryParam("capability"); raw != "" {
		capability, err := authority.ParseCapability(raw)
		if err != nil {
			return badQuery("capability", err)
		}
		granted, err := srv.engine.CheckAuthority(ctx, did, contextID, capability, &view.At)
		if err != nil {
			return err
		}
		out.Capability = capability
		out.Granted = &granted
	}
	return c.JSON(http.StatusOK, out)
}

func (srv *Server) HandleGetTransitions(c echo.Context) error {
	did, err := didParam(c, "did")
	if err != nil {
		return err
	}
	contextID, err := requiredParam(c, "context")
	if err != nil {
		return err
	}
	at, err := timeParam(c, "at")
	if err != nil {
		return err
	}
	referencedAt, err := timeParam(c, "referencedAt")
	if err != nil {
		return err
	}
	ts, err := srv.engine.GetTransitions(c.Request().Context(), did, contextID, at, referencedAt)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ts)
}

func (srv *Server) HandleListDeadLetters(c echo.Context) error {
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return badQuery("limit", err)
		}
		limit = v
	}
	dls, err := srv.engine.ListDeadLetters(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"deadLetters": dls})
}

type ingestResult struct {
	Ref     string         `json:"ref,omitempty"`
	Outcome engine.Outcome `json:"outcome"`
	Error   string         `json:"error,omitempty"`
}

// Accepts a JSON lines body of items and processes them as one batch.
func (srv *Server) HandleIngest(c echo.Context) error {
	items, err := engine.ReadItems(c.Request().Body)
	if err != nil {
		return badQuery("body", err)
	}
	results := srv.engine.ProcessBatch(c.Request().Context(), items)
	out := make([]ingestResult, 0, len(results))
	for _, res := range results {
		r := ingestResult{Outcome: res.Outcome}
		if ref, err := res.Item.Ref(); err == nil {
			r.Ref = ref.URI()
		}
		if res.Err != nil {
			r.Error = res.Err.Error()
		}
		out = append(out, r)
	}
	return c.JSON(http.StatusOK, map[string]any{"results": out})
}
