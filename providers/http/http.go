// Package http provides an HTTP admin API for inspecting and sweeping a lease store.
package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/alecthomas/errors"

	"github.com/alecthomas/please"
	"github.com/alecthomas/please/providers/logging"
)

// Config for the admin server.
type Config struct {
	Bind string `help:"The address to bind the admin server to." default:"127.0.0.1:8080" env:"PLEASE_BIND"`
}

// NewServer creates an [http.Server] for handler, whose requests inherit ctx.
func NewServer(ctx context.Context, logger *slog.Logger, config Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              config.Bind,
		Handler:           handler,
		BaseContext:       func(l net.Listener) context.Context { return ctx },
		ReadTimeout:       time.Second * 10,
		WriteTimeout:      time.Second * 30,
		ReadHeaderTimeout: time.Second * 5,
		ErrorLog:          logging.Legacy(logger, slog.LevelError),
	}
}

// API serves the lease store admin endpoints:
//
//	GET  /leases?title=<prefix>   all leases, optionally filtered by title prefix
//	POST /cleanup                 sweep expired leases and return them
//	GET  /timeout                 the operation timeout configured in the database
type API struct {
	logger *slog.Logger
	store  *please.Store
}

// NewAPI creates a new [API].
func NewAPI(logger *slog.Logger, store *please.Store) *API {
	return &API{logger: logger, store: store}
}

// Handler returns an [http.Handler] routing to the API endpoints.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /leases", a.handle(a.listLeases))
	mux.HandleFunc("POST /cleanup", a.handle(a.cleanup))
	mux.HandleFunc("GET /timeout", a.handle(a.timeout))
	return LoggingMiddleware(a.logger)(mux)
}

// Middleware wraps a [http.Handler].
type Middleware func(next http.Handler) http.Handler

// LoggingMiddleware logs each request at debug level.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				logger.Debug("Request", "method", r.Method, "path", r.URL.Path, "status", sw.status, "duration", time.Since(start))
			}()
			next.ServeHTTP(sw, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (a *API) handle(fn func(r *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := fn(r)
		EncodeResponse(a.logger, r, w, data, translateError(err))
	}
}

type listRequest struct {
	Title string `qstring:"title"`
}

func (a *API) listLeases(r *http.Request) (any, error) {
	req, err := DecodeRequest[listRequest](r)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	records, err := a.store.List(r.Context())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	out := []please.Record{}
	for _, record := range records {
		if strings.HasPrefix(record.Title, req.Title) {
			out = append(out, record)
		}
	}
	return out, nil
}

func (a *API) cleanup(r *http.Request) (any, error) {
	expired, err := a.store.PerformCleanup(r.Context())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for _, record := range expired {
		a.logger.Info("Expired lease", "lease", record.ID, "title", record.Title, "expiry", record.Expiry)
	}
	if expired == nil {
		expired = []please.ExpiredRecord{}
	}
	return expired, nil
}

type timeoutResponse struct {
	Timeout string  `json:"timeout"`
	Seconds float64 `json:"seconds"`
}

func (a *API) timeout(r *http.Request) (any, error) {
	timeout, err := a.store.Timeout(r.Context())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return timeoutResponse{Timeout: timeout.String(), Seconds: timeout.Seconds()}, nil
}

func translateError(err error) error {
	if errors.Is(err, please.ErrProvider) {
		return APIErrorf(http.StatusServiceUnavailable, "%w", err)
	}
	return err
}
