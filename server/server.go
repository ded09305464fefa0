// Package server exposes the authorization pipeline over REST.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"cardauthd/authz"
	"cardauthd/models"
	"cardauthd/observability"
)

// Server carries the handler dependencies.
type Server struct {
	svc   *authz.Service
	holds *authz.HoldManager
	log   *slog.Logger
}

// New builds the HTTP server facade.
func New(svc *authz.Service, holds *authz.HoldManager, log *slog.Logger) *Server {
	return &Server{svc: svc, holds: holds, log: log}
}

// Router assembles the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/authorizations", func(r chi.Router) {
			r.Post("/", s.handleAuthorize)
			r.Get("/{decisionId}", s.handleGetDecision)
			r.Get("/request/{requestId}", s.handleGetDecisionByRequest)
			r.Post("/{requestId}/reverse", s.handleReverse)
			r.Post("/{requestId}/challenge-complete", s.handleChallengeComplete)
		})
		r.Route("/holds", func(r chi.Router) {
			r.Get("/", s.handleListHolds)
			r.Post("/process-expired", s.handleProcessExpired)
			r.Get("/request/{requestId}", s.handleHoldByRequest)
			r.Get("/account/{accountId}/space/{accountSpaceId}", s.handleHoldsByAccountSpace)
			r.Get("/card/{cardId}", s.handleHoldsByCard)
			r.Get("/{holdId}", s.handleGetHold)
			r.Post("/{holdId}/capture", s.handleCapture)
			r.Post("/{holdId}/release", s.handleRelease)
		})
	})
	return r
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		observability.HTTP().Observe(route, r.Method, strconv.Itoa(ww.Status()), time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req models.AuthorizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, authz.Validationf("invalid request body: %v", err))
		return
	}
	decision, err := s.svc.Authorize(r.Context(), &req, r.Header.Get("Idempotency-Key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, decisionStatus(decision), decision)
}

// decisionStatus maps a decision outcome onto its HTTP status.
func decisionStatus(d *models.AuthorizationDecision) int {
	switch d.Decision {
	case models.DecisionApproved, models.DecisionPartial:
		return http.StatusOK
	case models.DecisionChallenge:
		return http.StatusAccepted
	default:
		return http.StatusUnprocessableEntity
	}
}

func (s *Server) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "decisionId")
	if err != nil {
		s.writeError(w, err)
		return
	}
	decision, err := s.svc.DecisionByID(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleGetDecisionByRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "requestId")
	if err != nil {
		s.writeError(w, err)
		return
	}
	decision, err := s.svc.DecisionByRequest(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleReverse(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "requestId")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, authz.Validationf("invalid request body: %v", err))
		return
	}
	decision, err := s.svc.Reverse(r.Context(), id, body.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleChallengeComplete(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "requestId")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body struct {
		ChallengeResult string `json:"challengeResult"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, authz.Validationf("invalid request body: %v", err))
		return
	}
	decision, err := s.svc.ChallengeComplete(r.Context(), id, body.ChallengeResult)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleGetHold(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "holdId")
	if err != nil {
		s.writeError(w, err)
		return
	}
	hold, err := s.holds.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

func (s *Server) handleHoldByRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "requestId")
	if err != nil {
		s.writeError(w, err)
		return
	}
	hold, err := s.holds.ByRequest(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

func (s *Server) handleListHolds(w http.ResponseWriter, r *http.Request) {
	var filter authz.HoldFilter
	q := r.URL.Query()
	if v := q.Get("accountId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, authz.Validationf("invalid accountId %q", v))
			return
		}
		filter.AccountID = id
	}
	if v := q.Get("cardId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, authz.Validationf("invalid cardId %q", v))
			return
		}
		filter.CardID = id
	}
	if v := q.Get("status"); v != "" {
		filter.Status = models.HoldStatus(v)
	}
	holds, err := s.holds.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, holds)
}

func (s *Server) handleHoldsByAccountSpace(w http.ResponseWriter, r *http.Request) {
	accountID, err := pathInt(r, "accountId")
	if err != nil {
		s.writeError(w, err)
		return
	}
	spaceID, err := pathInt(r, "accountSpaceId")
	if err != nil {
		s.writeError(w, err)
		return
	}
	holds, err := s.holds.List(r.Context(), authz.HoldFilter{AccountID: accountID, AccountSpaceID: &spaceID})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, holds)
}

func (s *Server) handleHoldsByCard(w http.ResponseWriter, r *http.Request) {
	cardID, err := pathInt(r, "cardId")
	if err != nil {
		s.writeError(w, err)
		return
	}
	holds, err := s.holds.List(r.Context(), authz.HoldFilter{CardID: cardID})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, holds)
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "holdId")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body struct {
		Amount    decimal.Decimal `json:"amount"`
		Currency  string          `json:"currency"`
		Reference string          `json:"reference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, authz.Validationf("invalid request body: %v", err))
		return
	}
	hold, err := s.holds.Capture(r.Context(), id, body.Amount, body.Reference)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "holdId")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, authz.Validationf("invalid request body: %v", err))
		return
	}
	hold, err := s.holds.Release(r.Context(), id, "")
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

func (s *Server) handleProcessExpired(w http.ResponseWriter, r *http.Request) {
	processed, failed, err := s.holds.SweepExpired(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": processed, "failed": failed})
}

func pathInt(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, authz.Validationf("invalid %s %q", name, raw)
	}
	return id, nil
}

type errorBody struct {
	Error      string `json:"error"`
	ReasonCode string `json:"reasonCode,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusForKind(authz.KindOf(err))
	body := errorBody{Error: err.Error()}
	if status >= 500 {
		s.log.Error("request failed", "status", status, "error", err)
		body.Error = "internal error"
	}
	if reason := authz.ReasonOf(err); status == http.StatusServiceUnavailable {
		body.ReasonCode = string(reason)
	}
	writeJSON(w, status, body)
}

func statusForKind(kind authz.Kind) int {
	switch kind {
	case authz.KindValidation:
		return http.StatusBadRequest
	case authz.KindNotFound:
		return http.StatusNotFound
	case authz.KindInvalidState:
		return http.StatusConflict
	case authz.KindDecline:
		return http.StatusUnprocessableEntity
	case authz.KindUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
