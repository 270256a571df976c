package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appAuthority "github.com/soleid/soleid/internal/application/authority"
	appRevocation "github.com/soleid/soleid/internal/application/revocation"
	"github.com/soleid/soleid/internal/domain/chain"
	domainLease "github.com/soleid/soleid/internal/domain/lease"
	"github.com/soleid/soleid/internal/domain/merkle"
	domainToken "github.com/soleid/soleid/internal/domain/token"
	"github.com/soleid/soleid/internal/infrastructure/sse"
)

// Server exposes the Authority protocol over HTTP.
type Server struct {
	authority   *appAuthority.Service
	revocations *appRevocation.Service
	events      *sse.Hub
	logger      zerolog.Logger
}

// NewServer creates the Authority HTTP server.
func NewServer(authority *appAuthority.Service, revocations *appRevocation.Service, logger zerolog.Logger) *Server {
	return &Server{
		authority:   authority,
		revocations: revocations,
		events:      sse.NewHub(),
		logger:      logger.With().Str("service", "http").Logger(),
	}
}

// Close disconnects any attached event watchers.
func (s *Server) Close() {
	s.events.Stop()
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Post("/lease/acquire", s.acquireLease)
			r.Post("/lease/renew", s.renewLease)
			r.Post("/lease/release", s.releaseLease)

			r.Post("/state/{identityId}/append", s.appendState)
			r.Get("/state/{identityId}/head", s.getStateHead)
			r.Get("/state/{identityId}/history", s.getStateHistory)
			r.Get("/state/{identityId}/commitment", s.getStateCommitment)
			r.Get("/state/{identityId}/proof", s.getStateProof)

			r.Post("/revocation/tokens", s.revokeToken)
			r.Post("/revocation/keys", s.revokeKey)
			r.Post("/revocation/cleanup", s.cleanupRevocations)
		})

		// the event stream stays open past the request timeout
		r.Get("/state/{identityId}/events", s.streamStateEvents)
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) acquireLease(w http.ResponseWriter, r *http.Request) {
	var req domainLease.Request
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	grant, err := s.authority.Acquire(r.Context(), req)
	if err != nil {
		s.respondLeaseError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, grant)
}

type renewRequest struct {
	IdentityID string `json:"identity_id"`
	SessionID  string `json:"session_id"`
	Token      string `json:"token"`
}

func (s *Server) renewLease(w http.ResponseWriter, r *http.Request) {
	var req renewRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	grant, err := s.authority.Renew(r.Context(), req.IdentityID, req.SessionID, req.Token)
	if err != nil {
		s.respondLeaseError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, grant)
}

func (s *Server) releaseLease(w http.ResponseWriter, r *http.Request) {
	var req renewRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.authority.Release(r.Context(), req.IdentityID, req.SessionID, req.Token); err != nil {
		s.respondLeaseError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type appendRequest struct {
	Head      *chain.StateEntry   `json:"head"`
	Extension []*chain.StateEntry `json:"extension,omitempty"`
}

func (s *Server) appendState(w http.ResponseWriter, r *http.Request) {
	identityID := strings.TrimSpace(chi.URLParam(r, "identityId"))
	token, ok := bearerToken(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "TOKEN_MISSING", "bearer token required", nil)
		return
	}
	var req appendRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.authority.AppendState(r.Context(), identityID, token, req.Head, req.Extension); err != nil {
		s.respondChainError(w, err)
		return
	}
	s.publishAppended(identityID, req.Head, req.Extension)
	respondJSON(w, http.StatusOK, map[string]any{
		"identity_id": identityID,
		"sequence":    req.Head.Sequence,
		"status":      "ACCEPTED",
	})
}

func (s *Server) getStateHead(w http.ResponseWriter, r *http.Request) {
	identityID := strings.TrimSpace(chi.URLParam(r, "identityId"))
	head, err := s.authority.Head(r.Context(), identityID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	if head == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no head recorded", nil)
		return
	}
	respondJSON(w, http.StatusOK, head)
}

// publishAppended notifies event watchers of the entries just accepted.
func (s *Server) publishAppended(identityID string, head *chain.StateEntry, extension []*chain.StateEntry) {
	appended := extension
	if len(appended) == 0 && head != nil {
		appended = []*chain.StateEntry{head}
	}
	for _, entry := range appended {
		s.events.Publish(&sse.Event{
			IdentityID: identityID,
			Sequence:   entry.Sequence,
			EntryHash:  entry.EntryHash.Hex(),
			ActionType: string(entry.ActionType),
			Summary:    entry.ActionSummary,
			Timestamp:  entry.Timestamp,
		})
	}
}

func (s *Server) streamStateEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported", nil)
		return
	}
	identityID := strings.TrimSpace(chi.URLParam(r, "identityId"))
	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if clientID == "" {
		clientID = uuid.NewString()
	}

	ch := s.events.Subscribe(clientID, identityID)
	defer s.events.Unsubscribe(clientID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: state_append\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) getStateHistory(w http.ResponseWriter, r *http.Request) {
	identityID := strings.TrimSpace(chi.URLParam(r, "identityId"))
	from, err := parseUint(r.URL.Query().Get("from"), 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid from", nil)
		return
	}
	to, err := parseUint(r.URL.Query().Get("to"), ^uint64(0))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid to", nil)
		return
	}
	entries, err := s.authority.History(r.Context(), identityID, from, to)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"identity_id": identityID,
		"entries":     entries,
	})
}

// errIncompleteHistory marks an identity whose recorded entries start
// past genesis; a commitment over a partial history would be misleading.
var errIncompleteHistory = errors.New("recorded history does not start at genesis")

// commitment builds the Merkle commitment over an identity's recorded
// chain. Returns nil without error for an unknown identity.
func (s *Server) commitment(r *http.Request) (string, *merkle.ChainCommitment, error) {
	identityID := strings.TrimSpace(chi.URLParam(r, "identityId"))
	entries, err := s.authority.History(r.Context(), identityID, 0, ^uint64(0))
	if err != nil {
		return identityID, nil, err
	}
	if len(entries) == 0 {
		return identityID, nil, nil
	}
	if entries[0].Sequence != 0 {
		return identityID, nil, errIncompleteHistory
	}
	commitment, err := merkle.BuildChainCommitment(entries)
	return identityID, commitment, err
}

func (s *Server) respondCommitmentError(w http.ResponseWriter, err error) {
	if errors.Is(err, errIncompleteHistory) {
		respondError(w, http.StatusConflict, "INCOMPLETE_HISTORY", err.Error(), nil)
		return
	}
	respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
}

func (s *Server) getStateCommitment(w http.ResponseWriter, r *http.Request) {
	identityID, commitment, err := s.commitment(r)
	if err != nil {
		s.respondCommitmentError(w, err)
		return
	}
	if commitment == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no chain recorded", nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"identity_id": identityID,
		"root":        commitment.Root(),
		"size":        commitment.Size(),
	})
}

func (s *Server) getStateProof(w http.ResponseWriter, r *http.Request) {
	sequence, err := parseUint(r.URL.Query().Get("sequence"), 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sequence", nil)
		return
	}
	identityID, commitment, err := s.commitment(r)
	if err != nil {
		s.respondCommitmentError(w, err)
		return
	}
	if commitment == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no chain recorded", nil)
		return
	}
	if sequence >= uint64(commitment.Size()) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "sequence beyond head", nil)
		return
	}
	proof, err := commitment.Proof(int(sequence))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"identity_id": identityID,
		"sequence":    sequence,
		"root":        commitment.Root(),
		"proof":       proof,
	})
}

type revokeTokenRequest struct {
	TokenID        string    `json:"token_id"`
	IdentityID     string    `json:"identity_id"`
	OriginalExpiry time.Time `json:"original_expiry"`
	Reason         string    `json:"reason"`
}

func (s *Server) revokeToken(w http.ResponseWriter, r *http.Request) {
	var req revokeTokenRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.revocations.RevokeToken(r.Context(), req.TokenID, req.IdentityID, req.OriginalExpiry, req.Reason); err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type revokeKeyRequest struct {
	KeyID          string    `json:"key_id"`
	Reason         string    `json:"reason"`
	GracePeriodEnd time.Time `json:"grace_period_end"`
}

func (s *Server) revokeKey(w http.ResponseWriter, r *http.Request) {
	var req revokeKeyRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.revocations.RevokeKey(r.Context(), req.KeyID, req.Reason, req.GracePeriodEnd); err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cleanupRequest struct {
	RetentionSeconds int64 `json:"retention_seconds"`
}

func (s *Server) cleanupRevocations(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	n, err := s.revocations.Cleanup(r.Context(), time.Duration(req.RetentionSeconds)*time.Second)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

// respondLeaseError maps lease/token error kinds to protocol codes so
// callers can branch without parsing messages.
func (s *Server) respondLeaseError(w http.ResponseWriter, err error) {
	var held *domainLease.HeldError
	var revoked *domainToken.RevokedError
	switch {
	case errors.As(err, &held):
		respondError(w, http.StatusConflict, "LEASE_HELD", err.Error(), map[string]any{
			"identity_id":       held.IdentityID,
			"holder_session_id": held.HolderSessionID,
			"expires_at":        held.ExpiresAt,
		})
	case errors.Is(err, domainLease.ErrPolicyDenied):
		respondError(w, http.StatusForbidden, "POLICY_DENIED", err.Error(), nil)
	case errors.Is(err, domainLease.ErrNotHeld):
		respondError(w, http.StatusConflict, "LEASE_NOT_HELD", err.Error(), nil)
	case errors.Is(err, appAuthority.ErrLockBusy):
		respondError(w, http.StatusConflict, "LOCK_BUSY", err.Error(), nil)
	case errors.Is(err, domainToken.ErrExpired):
		respondError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", err.Error(), nil)
	case errors.As(err, &revoked):
		respondError(w, http.StatusUnauthorized, "TOKEN_REVOKED", err.Error(), map[string]any{
			"identity_id": revoked.IdentityID,
			"token_id":    revoked.TokenID,
		})
	case errors.Is(err, domainToken.ErrInvalid):
		respondError(w, http.StatusUnauthorized, "TOKEN_INVALID", err.Error(), nil)
	default:
		s.logger.Error().Err(err).Msg("lease operation failed")
		respondError(w, http.StatusBadRequest, "REJECTED", err.Error(), nil)
	}
}

// respondChainError maps append failures; forks carry forensic detail.
func (s *Server) respondChainError(w http.ResponseWriter, err error) {
	var fork *chain.ForkError
	var stale *chain.StaleHeadError
	switch {
	case errors.As(err, &fork):
		respondError(w, http.StatusConflict, "FORK_DETECTED", err.Error(), map[string]any{
			"identity_id": fork.IdentityID,
			"sequence":    fork.Sequence,
			"expected":    fork.Expected.Hex(),
			"actual":      fork.Actual.Hex(),
		})
	case errors.As(err, &stale):
		respondError(w, http.StatusConflict, "STALE_HEAD", err.Error(), map[string]any{
			"identity_id": stale.IdentityID,
			"claimed":     stale.Claimed,
			"known":       stale.Known,
		})
	default:
		s.respondLeaseError(w, err)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	return token, token != ""
}

func decodeBody(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func parseUint(raw string, def uint64) (uint64, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func respondError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	respondJSON(w, status, map[string]any{"error": errorBody{Code: code, Message: message, Details: details}})
}
