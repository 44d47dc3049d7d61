package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const requestIDHeader = "X-Request-ID"

// setupRoutes configures all HTTP routes for the API server
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestContext)
	r.Use(s.rateLimit)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()

	// catalog
	v1.HandleFunc("/events", s.handleCreateEvent).Methods(http.MethodPost)
	v1.HandleFunc("/events", s.handleListEvents).Methods(http.MethodGet)
	v1.HandleFunc("/events/{id}", s.handleGetEvent).Methods(http.MethodGet)
	v1.HandleFunc("/join/{code}", s.handleGetEventByJoinCode).Methods(http.MethodGet)
	v1.HandleFunc("/join/{code}/participants", s.handleJoin).Methods(http.MethodPost)
	v1.HandleFunc("/events/{id}/participants", s.handleRegisterParticipant).Methods(http.MethodPost)
	v1.HandleFunc("/events/{id}/participants", s.handleListParticipants).Methods(http.MethodGet)
	v1.HandleFunc("/events/{id}/participants/{wallet}", s.handleParticipantStatus).Methods(http.MethodGet)

	// issuance
	v1.HandleFunc("/events/{id}/issuance/{kind}/prepare", s.handlePrepare).Methods(http.MethodGet)
	v1.HandleFunc("/events/{id}/issuance/{kind}", s.handleSubmit).Methods(http.MethodPost)
	v1.HandleFunc("/events/{id}/issuance/{kind}/confirm", s.handleConfirm).Methods(http.MethodPost)
	v1.HandleFunc("/attempts", s.handleListAttempts).Methods(http.MethodGet)
	v1.HandleFunc("/attempts/{tx}", s.handleGetAttempt).Methods(http.MethodGet)
	v1.HandleFunc("/attempts/{tx}/resolve", s.handleResolveAttempt).Methods(http.MethodPost)

	// registry
	v1.HandleFunc("/events/{id}/registry/reconcile", s.handleReconcileEvent).Methods(http.MethodPost)
	v1.HandleFunc("/registry/reconcile", s.handleReconcileAll).Methods(http.MethodPost)
	v1.HandleFunc("/registry/sync", s.handleForceSync).Methods(http.MethodPost)

	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestContext tags each request with an id and logs its completion.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		s.logger.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request served")
	})
}
