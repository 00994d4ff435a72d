package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mohammad-safakhou/lexresearch/internal/jobs"
)

// Options wires the HTTP surface to the job manager.
type Options struct {
	Jobs        JobService
	Metrics     http.Handler
	MetricsPath string
	JWTSecret   []byte
	CORSOrigins []string
	Logger      *log.Logger
	// DocsPath is the OpenAPI document served at /api/openapi.yaml.
	DocsPath string
}

// New builds the echo instance with every route registered.
func New(opts Options) *echo.Echo {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[HTTP] ", log.LstdFlags)
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = errorHandler(logger)

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		e.GET(path, echo.WrapHandler(opts.Metrics))
	}
	registerDocs(e, opts.DocsPath)

	api := e.Group("/api")
	if len(opts.JWTSecret) > 0 {
		api.Use(AuthMiddleware(opts.JWTSecret))
	} else {
		logger.Printf("warn: server.jwt_secret is empty; /api is unauthenticated")
	}
	h := &JobsHandler{Jobs: opts.Jobs}
	h.Register(api.Group("/jobs"))
	return e
}

// Run serves e on addr until ctx is cancelled, then drains in-flight
// requests for up to ten seconds.
func Run(ctx context.Context, e *echo.Echo, addr string) error {
	errc := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errc
}

// errorHandler renders every error as {"error": msg} and logs it.
func errorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()

		var (
			he   *echo.HTTPError
			verr jobs.ValidationError
		)
		switch {
		case errors.As(err, &he):
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		case errors.Is(err, jobs.ErrNotFound):
			code, msg = http.StatusNotFound, "not_found"
		case errors.As(err, &verr):
			code = http.StatusBadRequest
		}
		req := c.Request()
		if code >= http.StatusInternalServerError {
			logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		}
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
}
