package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"sessionchat/internal/constants"
	apperrors "sessionchat/internal/errors"
	"sessionchat/internal/metrics"
	"sessionchat/internal/middleware"
	"sessionchat/internal/models"
	"sessionchat/internal/service"
	"sessionchat/internal/validation"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server is the local control API standing in for the UI.
type Server struct {
	cfg     models.ServerConfig
	client  *service.Client
	metrics *metrics.Metrics
	logger  *logrus.Logger
	router  *mux.Router
	server  *http.Server
}

func NewServer(cfg models.ServerConfig, client *service.Client, m *metrics.Metrics, logger *logrus.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		client:  client,
		metrics: m,
		logger:  logger,
		router:  mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(
		middleware.Recover(s.logger),
		middleware.Observability(s.metrics, s.logger),
		middleware.RequireToken(s.cfg.APIToken, "/health"),
	)

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/messages", s.handleSendMessage()).Methods(http.MethodPost)
	v1.HandleFunc("/messages/{id}", s.handleGetMessage()).Methods(http.MethodGet)
	v1.HandleFunc("/messages/{id}/resend", s.handleResend()).Methods(http.MethodPost)
	v1.HandleFunc("/messages/{id}/presented", s.handlePresented()).Methods(http.MethodPost)

	v1.HandleFunc("/requests", s.handleSendRequest()).Methods(http.MethodPost)
	v1.HandleFunc("/requests", s.handleListRequests()).Methods(http.MethodGet)
	v1.HandleFunc("/requests/{id}/{action:accept|decline|revoke|retry}", s.handleRequestAction()).Methods(http.MethodPost)

	v1.HandleFunc("/presence/{sessionId}", s.handlePresence()).Methods(http.MethodGet)
	v1.HandleFunc("/lifecycle", s.handleLifecycle()).Methods(http.MethodPost)
	v1.HandleFunc("/typing/{peerId}", s.handleTyping(true)).Methods(http.MethodPost)
	v1.HandleFunc("/typing/{peerId}", s.handleTyping(false)).Methods(http.MethodDelete)
	v1.HandleFunc("/blocks/{sessionId}", s.handleBlock(true)).Methods(http.MethodPut)
	v1.HandleFunc("/blocks/{sessionId}", s.handleBlock(false)).Methods(http.MethodDelete)

	v1.HandleFunc("/updates", s.handleUpdates()).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  constants.DefaultServerReadTimeoutSec * time.Second,
		WriteTimeout: constants.DefaultServerWriteTimeoutSec * time.Second,
		IdleTimeout:  constants.DefaultServerIdleTimeoutSec * time.Second,
	}

	s.logger.WithField("addr", addr).Info("Starting control API")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

type sendMessageRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

func (s *Server) handleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendMessageRequest
		if err := decodeBody(w, r, &req); err != nil {
			apperrors.WriteJSON(w, err)
			return
		}
		if err := validation.ValidateSessionID("to", req.To); err != nil {
			apperrors.WriteJSON(w, err)
			return
		}
		if err := validation.ValidateText(req.Text); err != nil {
			apperrors.WriteJSON(w, err)
			return
		}

		rec, err := s.client.SendText(r.Context(), req.To, req.Text)
		switch {
		case err == nil:
			writeJSON(w, http.StatusAccepted, rec)
		case apperrors.GetCode(err) == apperrors.ErrCodeMissingKey && rec != nil:
			// Queued until the peer key resolves.
			writeJSON(w, http.StatusAccepted, rec)
		default:
			apperrors.WriteJSON(w, err)
		}
	}
}

func (s *Server) handleGetMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := messageID(w, r)
		if !ok {
			return
		}
		rec, found := s.client.Delivery.Get(id)
		if !found {
			apperrors.WriteJSON(w, apperrors.NewNotFoundError("message", id))
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) handleResend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := messageID(w, r)
		if !ok {
			return
		}
		if err := s.client.Delivery.Resend(r.Context(), id); err != nil && apperrors.GetCode(err) != apperrors.ErrCodeMissingKey {
			apperrors.WriteJSON(w, err)
			return
		}
		rec, _ := s.client.Delivery.Get(id)
		writeJSON(w, http.StatusAccepted, rec)
	}
}

func (s *Server) handlePresented() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := messageID(w, r)
		if !ok {
			return
		}
		if err := s.client.Delivery.MarkPresented(r.Context(), id); err != nil {
			apperrors.WriteJSON(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type sendRequestRequest struct {
	To     string `json:"to"`
	Phrase string `json:"phrase"`
}

func (s *Server) handleSendRequest() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequestRequest
		if err := decodeBody(w, r, &req); err != nil {
			apperrors.WriteJSON(w, err)
			return
		}
		if err := validation.ValidateSessionID("to", req.To); err != nil {
			apperrors.WriteJSON(w, err)
			return
		}

		kr, err := s.client.KeyExchange.SendRequest(r.Context(), req.To, req.Phrase)
		if err != nil {
			apperrors.WriteJSON(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, kr)
	}
}

func (s *Server) handleListRequests() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.client.KeyExchange.List())
	}
}

func (s *Server) handleRequestAction() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		id := vars["id"]
		if err := validation.ValidateMessageID(id); err != nil {
			apperrors.WriteJSON(w, err)
			return
		}

		var (
			kr  *models.KeyExchangeRequest
			err error
		)
		switch vars["action"] {
		case "accept":
			kr, err = s.client.KeyExchange.Accept(r.Context(), id)
		case "decline":
			kr, err = s.client.KeyExchange.Decline(r.Context(), id)
		case "revoke":
			kr, err = s.client.KeyExchange.Revoke(r.Context(), id)
		case "retry":
			kr, err = s.client.KeyExchange.RetryRequest(r.Context(), id)
		}
		if err != nil {
			apperrors.WriteJSON(w, err)
			return
		}
		writeJSON(w, http.StatusOK, kr)
	}
}

func (s *Server) handlePresence() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["sessionId"]
		if err := validation.ValidateSessionID("sessionId", id); err != nil {
			apperrors.WriteJSON(w, err)
			return
		}
		rec, ok := s.client.Presence.Peer(id)
		if !ok {
			apperrors.WriteJSON(w, apperrors.NewNotFoundError("presence", id))
			return
		}
		rec.IsOnline = s.client.Presence.IsPeerOnline(id)
		writeJSON(w, http.StatusOK, rec)
	}
}

type lifecycleRequest struct {
	State models.LocalState `json:"state"`
}

func (s *Server) handleLifecycle() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req lifecycleRequest
		if err := decodeBody(w, r, &req); err != nil {
			apperrors.WriteJSON(w, err)
			return
		}
		if err := s.client.Presence.ReportLocalStateChange(r.Context(), req.State); err != nil {
			apperrors.WriteJSON(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleTyping(start bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		peer := mux.Vars(r)["peerId"]
		if err := validation.ValidateSessionID("peerId", peer); err != nil {
			apperrors.WriteJSON(w, err)
			return
		}
		if start {
			if err := s.client.StartTyping(r.Context(), peer); err != nil {
				apperrors.WriteJSON(w, err)
				return
			}
		} else {
			s.client.StopTyping(r.Context(), peer)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleBlock(blocked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["sessionId"]
		if err := validation.ValidateSessionID("sessionId", id); err != nil {
			apperrors.WriteJSON(w, err)
			return
		}
		if err := s.client.Blocklist.SetUser(r.Context(), id, blocked); err != nil {
			apperrors.WriteJSON(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleUpdates streams hub updates as newline-delimited JSON until the
// caller disconnects.
func (s *Server) handleUpdates() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		updates, cancel := s.client.Hub.Subscribe()
		defer cancel()

		rc := http.NewResponseController(w)
		_ = rc.SetWriteDeadline(time.Time{})

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		_ = rc.Flush()

		enc := json.NewEncoder(w)
		for {
			select {
			case <-r.Context().Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				if err := enc.Encode(u); err != nil {
					s.logger.WithError(err).Debug("Update stream closed")
					return
				}
				_ = rc.Flush()
			}
		}
	}
}

func messageID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	if err := validation.ValidateMessageID(id); err != nil {
		apperrors.WriteJSON(w, err)
		return "", false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := validation.ValidateHTTPRequestSize(r, constants.MaxRequestBodyBytes); err != nil {
		return err
	}
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperrors.NewValidationError("body", "request body must be valid JSON")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
