package api

import (
	"encoding/json"
	"time"

	"github.com/hackcert/hackcert-node/issuer/recipients"
	"github.com/hackcert/hackcert-node/issuer/store"
)

// Response is the envelope of every JSON reply.
type Response struct {
	Data      interface{} `json:"data"`
	Error     *ErrorBody  `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

type createEventRequest struct {
	EventID uint64 `json:"event_id"`
	Name    string `json:"name"`
}

type registerRequest struct {
	Wallet          string `json:"wallet"`
	Name            string `json:"name"`
	Email           string `json:"email"`
	Team            string `json:"team"`
	CommunityHandle string `json:"community_handle"`
}

// submitRequest may carry an explicit recipient list; when empty the eligible set is used.
type submitRequest struct {
	Recipients []recipients.Recipient `json:"recipients"`
}

type confirmRequest struct {
	TxHash string        `json:"tx_hash"`
	Logs   []observedLog `json:"logs"`
}

// observedLog is a receipt log as seen by the organizer's wallet.
type observedLog struct {
	Kind      string `json:"kind"`
	Recipient string `json:"recipient"`
	TokenID   string `json:"token_id"`
	EventID   string `json:"event_id"`
}

type resolveRequest struct {
	Note string `json:"note"`
}

// EventView is the public form of an event.
type EventView struct {
	EventID            uint64    `json:"event_id"`
	Name               string    `json:"name"`
	JoinCode           string    `json:"join_code"`
	Active             bool      `json:"active"`
	RegistrationStatus string    `json:"registration_status"`
	RegistrationTxHash string    `json:"registration_tx_hash,omitempty"`
	RegistrationError  string    `json:"registration_error,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

func eventView(e *store.Event) EventView {
	return EventView{
		EventID:            e.EventID,
		Name:               e.Name,
		JoinCode:           e.JoinCode,
		Active:             e.Active,
		RegistrationStatus: e.RegistrationStatus,
		RegistrationTxHash: e.RegistrationTxHash,
		RegistrationError:  e.RegistrationError,
		CreatedAt:          e.CreatedAt,
	}
}

// ParticipantView is the public form of a participant.
type ParticipantView struct {
	ID              uint   `json:"id"`
	EventID         uint64 `json:"event_id"`
	Wallet          string `json:"wallet"`
	Name            string `json:"name"`
	Email           string `json:"email,omitempty"`
	Team            string `json:"team,omitempty"`
	CommunityHandle string `json:"community_handle,omitempty"`
}

func participantView(p *store.Participant) ParticipantView {
	return ParticipantView{
		ID:              p.ID,
		EventID:         p.EventID,
		Wallet:          p.Wallet,
		Name:            p.Name,
		Email:           p.Email,
		Team:            p.Team,
		CommunityHandle: p.CommunityHandle,
	}
}

// RecordView is one issuance record with an optional ledger ownership check.
type RecordView struct {
	Class         string          `json:"class"`
	Status        string          `json:"status"`
	TokenID       string          `json:"token_id,omitempty"`
	TxHash        string          `json:"tx_hash,omitempty"`
	RegisteredAt  *time.Time      `json:"registered_at,omitempty"`
	EligibleAt    *time.Time      `json:"eligible_at,omitempty"`
	MintedAt      *time.Time      `json:"minted_at,omitempty"`
	TransferredAt *time.Time      `json:"transferred_at,omitempty"`
	Ownership     *OwnershipCheck `json:"ownership,omitempty"`
}

// OwnershipCheck compares the ledger owner of a transferred token with the participant wallet.
type OwnershipCheck struct {
	Owner   string `json:"owner,omitempty"`
	Matches bool   `json:"matches"`
	Error   string `json:"error,omitempty"`
}

func recordView(r *store.IssuanceRecord) RecordView {
	return RecordView{
		Class:         r.Class,
		Status:        r.Status,
		TokenID:       r.TokenID,
		TxHash:        r.TxHash,
		RegisteredAt:  r.RegisteredAt,
		EligibleAt:    r.EligibleAt,
		MintedAt:      r.MintedAt,
		TransferredAt: r.TransferredAt,
	}
}

// ParticipantStatus is a participant with both of its issuance records.
type ParticipantStatus struct {
	Participant ParticipantView `json:"participant"`
	PoA         RecordView      `json:"poa"`
	Certificate RecordView      `json:"certificate"`
}

// AttemptView is the public form of a bulk operation attempt.
type AttemptView struct {
	TxHash     string                   `json:"tx_hash"`
	EventID    uint64                   `json:"event_id"`
	Kind       string                   `json:"kind"`
	Status     string                   `json:"status"`
	Polls      int                      `json:"polls"`
	Recipients []store.AttemptRecipient `json:"recipients"`
	Summary    json.RawMessage          `json:"summary,omitempty"`
	Error      string                   `json:"error,omitempty"`
	CreatedAt  time.Time                `json:"created_at"`
	ConsumedAt *time.Time               `json:"consumed_at,omitempty"`
}

func attemptView(a *store.BulkOperationAttempt) AttemptView {
	list, err := a.RecipientList()
	if err != nil {
		list = nil
	}
	v := AttemptView{
		TxHash:     a.TxHash,
		EventID:    a.EventID,
		Kind:       a.Kind,
		Status:     a.Status,
		Polls:      a.Polls,
		Recipients: list,
		Error:      a.ErrorMsg,
		CreatedAt:  a.CreatedAt,
		ConsumedAt: a.ConsumedAt,
	}
	if len(a.Summary) > 0 {
		v.Summary = json.RawMessage(a.Summary)
	}
	return v
}
