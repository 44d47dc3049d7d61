// Package store contains GORM-backed SQLite models used by the issuance node.
//
// Database Structure (database file: issuance.db):
//
//	data/
//	└── issuance.db
//	    ├── events
//	    ├── participants
//	    ├── issuance_records
//	    └── bulk_operation_attempts
package store

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Event is one hackathon in the database catalog.
// EventID is the ledger-scoped identifier the contract registers the name under.
type Event struct {
	gorm.Model
	EventID            uint64 `gorm:"uniqueIndex;not null"`
	Name               string `gorm:"not null"`
	JoinCode           string `gorm:"uniqueIndex;size:16;not null"` // Short human-entry code participants register with
	Active             bool   `gorm:"index;not null;default:true"`
	RegistrationStatus string `gorm:"index"`     // "", "pending", "confirmed", "conflict"
	RegistrationTxHash string                    // createEvent tx hash while pending
	RegistrationError  string `gorm:"type:text"` // Operator-visible conflict detail
}

// Participant is a wallet registered against an event. Identity fields are immutable.
type Participant struct {
	gorm.Model
	EventID         uint64 `gorm:"uniqueIndex:idx_participant_event_wallet;not null"`
	Wallet          string `gorm:"uniqueIndex:idx_participant_event_wallet;size:42;not null"` // EIP-55 checksummed
	Name            string `gorm:"not null"`
	Email           string
	Team            string
	CommunityHandle string
}

// IssuanceRecord tracks one NFT class for one participant.
// The (event_id, wallet, class) triple is the idempotency key.
type IssuanceRecord struct {
	gorm.Model
	EventID       uint64 `gorm:"uniqueIndex:idx_issuance_key;not null"`
	Wallet        string `gorm:"uniqueIndex:idx_issuance_key;size:42;not null"`
	Class         string `gorm:"uniqueIndex:idx_issuance_key;size:16;not null"` // "poa" or "certificate"
	ParticipantID uint   `gorm:"index"`
	Status        string `gorm:"index;not null"`
	TokenID       string // Decimal uint256, empty until minted
	TxHash        string // Transaction that produced the current status
	RegisteredAt  *time.Time
	EligibleAt    *time.Time
	MintedAt      *time.Time
	TransferredAt *time.Time
}

// BulkOperationAttempt is one submitted batched transaction.
// Rows are archived after consumption, never deleted.
type BulkOperationAttempt struct {
	gorm.Model
	TxHash     string `gorm:"uniqueIndex;not null"`
	EventID    uint64 `gorm:"index:idx_attempt_event_kind;not null"`
	Kind       string `gorm:"index:idx_attempt_event_kind;not null"`
	Recipients []byte // JSON-encoded []AttemptRecipient in submission order
	Status     string `gorm:"index;not null"` // "submitted", "unconfirmed", "consumed", "undecodable"
	Polls      int    // Receipt polls spent so far
	Summary    []byte // JSON-encoded reconciliation summary once consumed
	ErrorMsg   string `gorm:"type:text"`
	ConsumedAt *time.Time
	ArchivedAt *time.Time `gorm:"index"`
}

// AttemptRecipient is one entry of an attempt's recipient list.
type AttemptRecipient struct {
	Wallet        string `json:"wallet"`
	ParticipantID uint   `json:"participant_id"`
	TokenID       string `json:"token_id,omitempty"`
	ContentHash   string `json:"content_hash,omitempty"`
}

// RecipientList decodes the attempt's recipients in submission order.
func (a *BulkOperationAttempt) RecipientList() ([]AttemptRecipient, error) {
	if len(a.Recipients) == 0 {
		return nil, nil
	}
	var out []AttemptRecipient
	if err := json.Unmarshal(a.Recipients, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetRecipientList encodes recipients onto the attempt.
func (a *BulkOperationAttempt) SetRecipientList(recipients []AttemptRecipient) error {
	raw, err := json.Marshal(recipients)
	if err != nil {
		return err
	}
	a.Recipients = raw
	return nil
}
