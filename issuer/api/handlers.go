package api

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/spf13/cast"

	issuererrors "github.com/hackcert/hackcert-node/issuer/errors"
	"github.com/hackcert/hackcert-node/issuer/ledger"
	"github.com/hackcert/hackcert-node/issuer/lifecycle"
	"github.com/hackcert/hackcert-node/issuer/store"
)

var defaultAttemptStatuses = []string{store.AttemptSubmitted, store.AttemptUnconfirmed, store.AttemptUndecodable}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func eventIDVar(r *http.Request) (uint64, error) {
	raw := mux.Vars(r)["id"]
	id, err := cast.ToUint64E(raw)
	if err != nil || id == 0 {
		return 0, issuererrors.NewValidationError(fmt.Sprintf("invalid event id %q", raw))
	}
	return id, nil
}

func kindVar(r *http.Request) (store.OperationKind, error) {
	kind := store.OperationKind(mux.Vars(r)["kind"])
	if !kind.Valid() {
		return "", issuererrors.NewValidationError(fmt.Sprintf("unknown operation kind %q", kind))
	}
	return kind, nil
}

// handleCreateEvent handles POST /api/v1/events
func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.EventID == 0 {
		s.writeError(w, issuererrors.NewValidationError("event_id is required"))
		return
	}
	event, err := s.deps.Catalog.CreateEvent(r.Context(), req.EventID, req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, eventView(event))
}

// handleListEvents handles GET /api/v1/events
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Catalog.ListActiveEvents(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]EventView, len(events))
	for i := range events {
		out[i] = eventView(&events[i])
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleGetEvent handles GET /api/v1/events/{id}
func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := eventIDVar(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	event, err := s.deps.Catalog.GetEvent(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, eventView(event))
}

// handleGetEventByJoinCode handles GET /api/v1/join/{code}
func (s *Server) handleGetEventByJoinCode(w http.ResponseWriter, r *http.Request) {
	event, err := s.deps.Catalog.GetEventByJoinCode(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, eventView(event))
}

// handleJoin handles POST /api/v1/join/{code}/participants
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	event, err := s.deps.Catalog.GetEventByJoinCode(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.register(w, r, event.EventID)
}

// handleRegisterParticipant handles POST /api/v1/events/{id}/participants
func (s *Server) handleRegisterParticipant(w http.ResponseWriter, r *http.Request) {
	id, err := eventIDVar(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.register(w, r, id)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request, eventID uint64) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.deps.Catalog.RegisterParticipant(r.Context(), lifecycle.ParticipantInput{
		EventID:         eventID,
		Wallet:          req.Wallet,
		Name:            req.Name,
		Email:           req.Email,
		Team:            req.Team,
		CommunityHandle: req.CommunityHandle,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, participantView(p))
}

// handleListParticipants handles GET /api/v1/events/{id}/participants
func (s *Server) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	id, err := eventIDVar(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	list, err := s.deps.Catalog.ListParticipants(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]ParticipantView, len(list))
	for i := range list {
		out[i] = participantView(&list[i])
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleParticipantStatus handles GET /api/v1/events/{id}/participants/{wallet}
func (s *Server) handleParticipantStatus(w http.ResponseWriter, r *http.Request) {
	id, err := eventIDVar(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	wallet, err := lifecycle.NormalizeWallet(mux.Vars(r)["wallet"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	ctx := r.Context()
	p, err := s.deps.Catalog.GetParticipant(ctx, id, wallet)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := ParticipantStatus{Participant: participantView(p)}
	for _, class := range []store.Class{store.ClassPoA, store.ClassCertificate} {
		rec, err := s.deps.Catalog.GetIssuanceRecord(ctx, id, wallet, class)
		if err != nil {
			s.writeError(w, err)
			return
		}
		view := recordView(rec)
		if store.Status(rec.Status) == store.StatusTransferred && rec.TokenID != "" {
			view.Ownership = s.checkOwnership(ctx, rec.TokenID, wallet)
		}
		if class == store.ClassPoA {
			status.PoA = view
		} else {
			status.Certificate = view
		}
	}
	s.writeJSON(w, http.StatusOK, status)
}

// checkOwnership verifies a transferred record against the ledger.
func (s *Server) checkOwnership(ctx context.Context, tokenID, wallet string) *OwnershipCheck {
	if s.deps.Owners == nil {
		return nil
	}
	id, err := ledger.ParseTokenID(tokenID)
	if err != nil {
		return &OwnershipCheck{Error: err.Error()}
	}
	owner, err := s.deps.Owners.OwnerOf(ctx, id)
	if err != nil {
		return &OwnershipCheck{Error: err.Error()}
	}
	return &OwnershipCheck{Owner: owner.Hex(), Matches: owner == ethcommon.HexToAddress(wallet)}
}

// handlePrepare handles GET /api/v1/events/{id}/issuance/{kind}/prepare
func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	id, err := eventIDVar(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	kind, err := kindVar(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	prepared, err := s.deps.Issuer.PrepareBulk(r.Context(), id, kind)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, prepared)
}

// handleSubmit handles POST /api/v1/events/{id}/issuance/{kind}
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, err := eventIDVar(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	kind, err := kindVar(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req submitRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	ctx := r.Context()
	list := req.Recipients
	if len(list) == 0 {
		prepared, err := s.deps.Issuer.PrepareBulk(ctx, id, kind)
		if err != nil {
			s.writeError(w, err)
			return
		}
		list = prepared.Recipients
	}
	attempt, err := s.deps.Issuer.SubmitBulk(ctx, id, kind, list)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, attemptView(attempt))
}

// handleConfirm handles POST /api/v1/events/{id}/issuance/{kind}/confirm
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id, err := eventIDVar(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	kind, err := kindVar(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req confirmRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	observed, err := toLedgerLogs(req.Logs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	summary, err := s.deps.Issuer.ConfirmBulk(r.Context(), id, kind, strings.TrimSpace(req.TxHash), observed)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func toLedgerLogs(in []observedLog) ([]ledger.Log, error) {
	if in == nil {
		return nil, nil
	}
	out := make([]ledger.Log, 0, len(in))
	for i, l := range in {
		lg := ledger.Log{Kind: ledger.LogKind(l.Kind), Index: uint(i)}
		if l.Recipient != "" {
			if !ethcommon.IsHexAddress(l.Recipient) {
				return nil, issuererrors.NewValidationError(fmt.Sprintf("log %d: invalid recipient %q", i, l.Recipient))
			}
			lg.Recipient = ethcommon.HexToAddress(l.Recipient)
		}
		if l.TokenID != "" {
			id, err := ledger.ParseTokenID(l.TokenID)
			if err != nil {
				return nil, issuererrors.NewValidationError(fmt.Sprintf("log %d: %v", i, err))
			}
			lg.TokenID = id
		}
		if l.EventID != "" {
			eventID, err := cast.ToUint64E(l.EventID)
			if err != nil {
				return nil, issuererrors.NewValidationError(fmt.Sprintf("log %d: invalid event id %q", i, l.EventID))
			}
			lg.EventID = new(big.Int).SetUint64(eventID)
		}
		out = append(out, lg)
	}
	return out, nil
}

// handleListAttempts handles GET /api/v1/attempts?status=a,b&event=N
func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	statuses := defaultAttemptStatuses
	if raw := r.URL.Query().Get("status"); raw != "" {
		statuses = strings.Split(raw, ",")
	}
	var eventFilter uint64
	if raw := r.URL.Query().Get("event"); raw != "" {
		id, err := cast.ToUint64E(raw)
		if err != nil {
			s.writeError(w, issuererrors.NewValidationError(fmt.Sprintf("invalid event filter %q", raw)))
			return
		}
		eventFilter = id
	}

	attempts, err := s.deps.Catalog.ListAttemptsByStatus(r.Context(), statuses...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]AttemptView, 0, len(attempts))
	for i := range attempts {
		if eventFilter != 0 && attempts[i].EventID != eventFilter {
			continue
		}
		out = append(out, attemptView(&attempts[i]))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleGetAttempt handles GET /api/v1/attempts/{tx}
func (s *Server) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	attempt, err := s.deps.Catalog.GetAttempt(r.Context(), mux.Vars(r)["tx"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, attemptView(attempt))
}

// handleResolveAttempt handles POST /api/v1/attempts/{tx}/resolve
func (s *Server) handleResolveAttempt(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	summary, err := s.deps.Issuer.ResolveUndecodable(r.Context(), mux.Vars(r)["tx"], req.Note)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// handleReconcileEvent handles POST /api/v1/events/{id}/registry/reconcile
func (s *Server) handleReconcileEvent(w http.ResponseWriter, r *http.Request) {
	id, err := eventIDVar(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.deps.Registry.ReconcileEvent(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleReconcileAll handles POST /api/v1/registry/reconcile
func (s *Server) handleReconcileAll(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Registry.ReconcileAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// handleForceSync handles POST /api/v1/registry/sync
func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.ForceRegistrySync == nil {
		s.writeError(w, issuererrors.NewNotFound("scheduled registry sync is not running"))
		return
	}
	s.deps.ForceRegistrySync()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}
