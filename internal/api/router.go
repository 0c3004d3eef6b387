package api

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/papertrade-lab/papertrade/internal/logger"
	"github.com/papertrade-lab/papertrade/pkg/errors"
)

// NewRouter wires the full HTTP surface: public auth endpoints, the
// token-protected portfolio API, and the websocket upgrade.
func NewRouter(h *Handlers, ws http.HandlerFunc, tokens *TokenService, allowedOrigins []string, log *logger.Logger) http.Handler {
	router := mux.NewRouter()

	router.Use(recoverMiddleware(log))
	router.Use(requestLogMiddleware(log))

	router.HandleFunc("/api/auth/register", h.Register).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/login", h.Login).Methods(http.MethodPost)

	protected := router.PathPrefix("/api").Subrouter()
	protected.Use(AuthMiddleware(tokens))
	protected.HandleFunc("/portfolio", h.GetPortfolio).Methods(http.MethodGet)
	protected.HandleFunc("/positions", h.GetPositions).Methods(http.MethodGet)
	protected.HandleFunc("/orders", h.GetOrders).Methods(http.MethodGet)
	protected.HandleFunc("/orders", h.CreateOrder).Methods(http.MethodPost)
	protected.HandleFunc("/orders/{id}", h.GetOrder).Methods(http.MethodGet)
	protected.HandleFunc("/ledger", h.GetLedger).Methods(http.MethodGet)

	router.HandleFunc("/ws", ws).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	return c.Handler(router)
}

// requestLogMiddleware logs every request with its duration and status.
func requestLogMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(recorder, r)

			log.Info("request handled",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", recorder.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// recoverMiddleware turns handler panics into 500s instead of dropping the
// connection.
func recoverMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("handler panic",
						zap.String("path", r.URL.Path), zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal error")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack keeps the websocket upgrade working through the logging wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New(errors.ErrCodeInternal, "response writer does not support hijacking")
	}

	return hijacker.Hijack()
}
