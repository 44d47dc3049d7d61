// Package lifecycle is the durable Participant Lifecycle Store: the event catalog, participants,
// per-class issuance records and the bulk operation attempt log.
//
// Issuance records only move forward through the state ordering. Every status change goes
// through CASTransition, which applies the change only when the stored status equals the
// caller's expected predecessor.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/hackcert/hackcert-node/issuer/db"
	issuererrors "github.com/hackcert/hackcert-node/issuer/errors"
	"github.com/hackcert/hackcert-node/issuer/store"
)

// TransitionMeta carries the ledger evidence recorded alongside a status change.
type TransitionMeta struct {
	ParticipantID uint
	TokenID       string
	TxHash        string
	At            time.Time
}

// Store implements the lifecycle operations over gorm.
type Store struct {
	database *db.DB
	client   *gorm.DB
	logger   zerolog.Logger
	now      func() time.Time
}

// NewStore creates a Store backed by database.
func NewStore(database *db.DB, logger zerolog.Logger) *Store {
	return &Store{
		database: database,
		client:   database.Client(),
		logger:   logger.With().Str("component", "lifecycle_store").Logger(),
		now:      time.Now,
	}
}

// Transaction runs fn against a Store bound to a single database transaction.
// Returning an error from fn rolls every write back.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.client.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&Store{database: s.database, client: gtx, logger: s.logger, now: s.now})
	})
}

// GetIssuanceRecord returns the record for (eventID, wallet, class) or a NotFound error.
func (s *Store) GetIssuanceRecord(ctx context.Context, eventID uint64, wallet string, class store.Class) (*store.IssuanceRecord, error) {
	var rec store.IssuanceRecord
	err := s.client.WithContext(ctx).
		Where("event_id = ? AND wallet = ? AND class = ?", eventID, wallet, string(class)).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, issuererrors.NewNotFound(fmt.Sprintf("no %s record for %s in event %d", class, wallet, eventID))
	}
	if err != nil {
		return nil, issuererrors.NewDatabaseError("failed to load issuance record", err)
	}
	return &rec, nil
}

// CASTransition moves the record for (eventID, wallet, class) from `from` to `to`.
// It fails with StaleTransition when the edge is not a forward edge or when the stored status
// is not `from`. A `from` of StatusUnset creates the record.
func (s *Store) CASTransition(ctx context.Context, eventID uint64, wallet string, class store.Class, from, to store.Status, meta TransitionMeta) (*store.IssuanceRecord, error) {
	if !store.IsForwardEdge(class, from, to) {
		return nil, issuererrors.NewStaleTransition(
			fmt.Sprintf("%s %q -> %q is not a forward edge", class, from, to)).
			WithContext("wallet", wallet)
	}
	if to == store.StatusMinted && meta.TokenID == "" {
		return nil, issuererrors.NewValidationError("minted transition requires a token id")
	}

	at := meta.At
	if at.IsZero() {
		at = s.now()
	}

	var out *store.IssuanceRecord
	err := s.client.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current store.IssuanceRecord
		err := tx.Where("event_id = ? AND wallet = ? AND class = ?", eventID, wallet, string(class)).
			First(&current).Error
		found := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return issuererrors.NewDatabaseError("failed to load issuance record", err)
		}

		currentStatus := store.StatusUnset
		if found {
			currentStatus = store.Status(current.Status)
		}
		if currentStatus != from {
			return issuererrors.NewStaleTransition(
				fmt.Sprintf("%s record for %s in event %d is %q, expected %q", class, wallet, eventID, currentStatus, from)).
				WithContext("target", string(to))
		}

		if !found {
			rec := store.IssuanceRecord{
				EventID:       eventID,
				Wallet:        wallet,
				Class:         string(class),
				ParticipantID: meta.ParticipantID,
				Status:        string(to),
				TokenID:       meta.TokenID,
				TxHash:        meta.TxHash,
			}
			stampTransition(&rec, to, at)
			if err := tx.Create(&rec).Error; err != nil {
				if isUniqueViolation(err) {
					return issuererrors.NewStaleTransition("issuance record created concurrently")
				}
				return issuererrors.NewDatabaseError("failed to create issuance record", err)
			}
			out = &rec
			return nil
		}

		updates := map[string]any{"status": string(to)}
		if meta.TokenID != "" {
			updates["token_id"] = meta.TokenID
		}
		if meta.TxHash != "" {
			updates["tx_hash"] = meta.TxHash
		}
		updates[timestampColumn(to)] = at

		result := tx.Model(&store.IssuanceRecord{}).
			Where("id = ? AND status = ?", current.ID, string(from)).
			Updates(updates)
		if result.Error != nil {
			return issuererrors.NewDatabaseError("failed to update issuance record", result.Error)
		}
		if result.RowsAffected == 0 {
			return issuererrors.NewStaleTransition("issuance record changed concurrently")
		}

		if err := tx.First(&current, current.ID).Error; err != nil {
			return issuererrors.NewDatabaseError("failed to reload issuance record", err)
		}
		out = &current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Uint64("event_id", eventID).
		Str("wallet", wallet).
		Str("class", string(class)).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("token_id", meta.TokenID).
		Msg("issuance record transitioned")
	return out, nil
}

// ListIssuanceRecords returns every record of class for the event, ordered by participant.
func (s *Store) ListIssuanceRecords(ctx context.Context, eventID uint64, class store.Class) ([]store.IssuanceRecord, error) {
	var recs []store.IssuanceRecord
	err := s.client.WithContext(ctx).
		Where("event_id = ? AND class = ?", eventID, string(class)).
		Order("participant_id ASC, id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, issuererrors.NewDatabaseError("failed to list issuance records", err)
	}
	return recs, nil
}

func stampTransition(rec *store.IssuanceRecord, to store.Status, at time.Time) {
	t := at
	switch to {
	case store.StatusRegistered:
		rec.RegisteredAt = &t
	case store.StatusEligible:
		rec.EligibleAt = &t
	case store.StatusMinted:
		rec.MintedAt = &t
	case store.StatusTransferred:
		rec.TransferredAt = &t
	}
}

func timestampColumn(to store.Status) string {
	switch to {
	case store.StatusRegistered:
		return "registered_at"
	case store.StatusEligible:
		return "eligible_at"
	case store.StatusMinted:
		return "minted_at"
	default:
		return "transferred_at"
	}
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}
