package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/comigor/tutorchat/internal/logger"
)

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/chat", func(r chi.Router) {
		r.Post("/", h.ChatHandler)

		r.Post("/session", h.CreateSessionHandler)
		r.Get("/session/{sessionID}", h.GetSessionHandler)
		r.Put("/session/{sessionID}", h.UpdateSessionHandler)
		r.Post("/session/{sessionID}/message", h.SendMessageHandler)
		r.Post("/message", h.SendMessageHandler)
		r.Get("/sessions", h.ListSessionsHandler)

		r.Get("/student/{studentID}/last-session", h.LastSessionHandler)
		r.Post("/student/{studentID}/session", h.GetOrCreateSessionHandler)

		r.Post("/tutor/explain", h.ExplainHandler)
		r.Post("/tutor/recommendations", h.RecommendHandler)
		r.Post("/tutor/respond", h.RespondHandler)
	})

	return r
}

// requestLogger logs one line per request through the process logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			logger.L.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
