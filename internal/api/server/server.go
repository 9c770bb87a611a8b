package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/xela07ax/threatecho/internal/api/handler"
	"github.com/xela07ax/threatecho/internal/infra/auth"
)

// Options - необязательные части сервера.
type Options struct {
	AllowedOrigins []string
	// Validator включает RS256-авторизацию на /logs. nil - /logs открыт.
	Validator auth.TokenValidator
}

type APIServer struct {
	router  *chi.Mux
	logger  *zap.Logger
	opts    Options
	handler *handler.Handler
}

func NewAPIServer(h *handler.Handler, opts Options, logger *zap.Logger) *APIServer {
	s := &APIServer{
		router:  chi.NewRouter(),
		logger:  logger.Named("read-api"),
		opts:    opts,
		handler: h,
	}
	s.routes()
	return s
}

func (s *APIServer) routes() {
	r := s.router

	// --- 1. Глобальные middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// --- 2. Публичные роуты ---
	r.Get("/", s.handler.Root)
	r.Get("/health", s.handler.Health)
	r.Get("/events", s.handler.Events)

	// --- 3. Выдача лога: чтение удаляет записи, поэтому при наличии ключа требуем токен ---
	r.Group(func(r chi.Router) {
		if s.opts.Validator != nil {
			r.Use(auth.NewMiddleware(s.opts.Validator, auth.ScopeDrainLogs, s.logger))
		}
		r.Get("/logs", s.handler.Logs)
	})
}

// ServeHTTP позволяет использовать APIServer как стандартный http.Handler
func (s *APIServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// accessLog - аналог middleware.Logger, но в zap.
func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("took", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
