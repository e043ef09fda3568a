package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/s2-index-exporter/internal/archive"
	"github.com/JakeFAU/s2-index-exporter/internal/boundary"
	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
	"github.com/JakeFAU/s2-index-exporter/internal/metrics"
)

// Submitter schedules new export jobs.
type Submitter interface {
	Submit(ctx context.Context, b geoexport.Boundary, params geoexport.JobParameters) (geoexport.Job, error)
}

// JobReader reads job snapshots.
type JobReader interface {
	Get(ctx context.Context, jobID string) (geoexport.Job, error)
}

// Archiver opens download archives for finished jobs and counts their
// outputs.
type Archiver interface {
	Open(ctx context.Context, jobID, index string) (*archive.Archive, error)
	Summarize(ctx context.Context, job geoexport.Job) (archive.Summary, error)
}

// Normalizer turns an upload into a validated boundary.
type Normalizer interface {
	Normalize(format boundary.Format, raw []byte) (geoexport.Boundary, error)
}

// Probe reports whether a dependency is usable.
type Probe func(ctx context.Context) error

// Deps are the collaborators behind the handlers.
type Deps struct {
	Dispatcher Submitter
	Jobs       JobReader
	Archives   Archiver
	Normalizer Normalizer
	Clock      geoexport.Clock
}

// Config controls request handling.
type Config struct {
	Version          string
	BaseURL          string
	MaxUploadBytes   int64
	RequestTimeout   time.Duration
	CORSOrigins      []string
	APIKey           string
	MinYear          int
	DefaultStartYear int
	// Presence is reported verbatim by /healthz.
	Presence map[string]bool
	// Probes are evaluated by /readyz; any failure makes the service
	// unready.
	Probes map[string]Probe
}

const probeTimeout = 2 * time.Second

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	metrics.Init()

	s := &Server{deps: deps, cfg: cfg, logger: logger}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(otelhttp.NewMiddleware("exporter.http",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return req.Method + " " + req.URL.Path
		}),
	))
	r.Use(s.accessLog)
	r.Use(s.recoverPanics)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-API-Key"},
		ExposedHeaders: []string{"Content-Disposition", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/", s.serviceInfo)

	r.Group(func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		// Archives can take longer than any fixed request deadline.
		r.Get("/download-zip", s.downloadZip)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.RequestTimeout))
			r.Post("/start", s.start)
			r.Get("/status", s.status)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
				writeDetail(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"detail":"request timed out"}`)
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeDetail(w, http.StatusUnauthorized, "missing or invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusFor maps an error to the HTTP status it is reported with.
func statusFor(err error) int {
	var verr *geoexport.ValidationError
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &verr), geoexport.IsBoundaryError(err):
		return http.StatusBadRequest
	case errors.Is(err, geoexport.ErrUnknownJob), errors.Is(err, archive.ErrNoIndexOutputs):
		return http.StatusNotFound
	case errors.Is(err, geoexport.ErrJobNotReady):
		return http.StatusConflict
	case errors.Is(err, geoexport.ErrDispatchFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err with its mapped status. Unclassified errors are
// logged and hidden from the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	detail := err.Error()
	switch {
	case errors.Is(err, geoexport.ErrDispatchFailure):
		s.logger.Error("dispatch failed", zap.Error(err))
		detail = "could not schedule the job, retry later"
	case errors.Is(err, geoexport.ErrNoOutputs):
		s.logger.Error("finished job has no outputs", zap.Error(err))
	case status == http.StatusInternalServerError:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		detail = "internal server error"
	}
	writeDetail(w, status, detail)
}
