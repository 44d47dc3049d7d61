package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	issuererrors "github.com/hackcert/hackcert-node/issuer/errors"
	"github.com/hackcert/hackcert-node/issuer/store"
)

// CreateAttempt persists a freshly submitted bulk operation attempt.
func (s *Store) CreateAttempt(ctx context.Context, attempt *store.BulkOperationAttempt) error {
	if attempt.TxHash == "" {
		return issuererrors.NewValidationError("attempt requires a transaction hash")
	}
	if attempt.Status == "" {
		attempt.Status = store.AttemptSubmitted
	}
	if err := s.client.WithContext(ctx).Create(attempt).Error; err != nil {
		if isUniqueViolation(err) {
			return issuererrors.NewValidationError(fmt.Sprintf("attempt %s already recorded", attempt.TxHash))
		}
		return issuererrors.NewDatabaseError("failed to create attempt", err)
	}
	return nil
}

// GetAttempt loads an attempt by transaction hash.
func (s *Store) GetAttempt(ctx context.Context, txHash string) (*store.BulkOperationAttempt, error) {
	var attempt store.BulkOperationAttempt
	err := s.client.WithContext(ctx).Where("tx_hash = ?", txHash).First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, issuererrors.NewNotFound(fmt.Sprintf("attempt %s not found", txHash))
	}
	if err != nil {
		return nil, issuererrors.NewDatabaseError("failed to load attempt", err)
	}
	return &attempt, nil
}

// UpdateAttempt saves every field of the attempt.
func (s *Store) UpdateAttempt(ctx context.Context, attempt *store.BulkOperationAttempt) error {
	if err := s.client.WithContext(ctx).Save(attempt).Error; err != nil {
		return issuererrors.NewDatabaseError("failed to update attempt", err)
	}
	return nil
}

// ListAttemptsByStatus returns non-archived attempts in any of the given statuses, oldest first.
func (s *Store) ListAttemptsByStatus(ctx context.Context, statuses ...string) ([]store.BulkOperationAttempt, error) {
	var attempts []store.BulkOperationAttempt
	err := s.client.WithContext(ctx).
		Where("status IN ? AND archived_at IS NULL", statuses).
		Order("created_at ASC, id ASC").
		Find(&attempts).Error
	if err != nil {
		return nil, issuererrors.NewDatabaseError("failed to list attempts", err)
	}
	return attempts, nil
}

// blockingAttemptStatuses keep an (event, kind) key closed to new submissions.
var blockingAttemptStatuses = []string{store.AttemptSubmitted, store.AttemptUnconfirmed, store.AttemptUndecodable}

// PendingAttempt returns the newest unsettled attempt for (eventID, kind), or nil.
// Undecodable attempts count as unsettled until an operator resolves them.
func (s *Store) PendingAttempt(ctx context.Context, eventID uint64, kind store.OperationKind) (*store.BulkOperationAttempt, error) {
	var attempt store.BulkOperationAttempt
	err := s.client.WithContext(ctx).
		Where("event_id = ? AND kind = ? AND status IN ?", eventID, string(kind), blockingAttemptStatuses).
		Order("id DESC").
		First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, issuererrors.NewDatabaseError("failed to load pending attempt", err)
	}
	return &attempt, nil
}

// SetAttemptStatus moves an unsettled attempt to status, recording polls and errMsg.
// It reports false when the attempt was consumed in the meantime.
func (s *Store) SetAttemptStatus(ctx context.Context, txHash, status string, polls int, errMsg string) (bool, error) {
	result := s.client.WithContext(ctx).Model(&store.BulkOperationAttempt{}).
		Where("tx_hash = ? AND status <> ?", txHash, store.AttemptConsumed).
		Updates(map[string]any{"status": status, "polls": polls, "error_msg": errMsg})
	if result.Error != nil {
		return false, issuererrors.NewDatabaseError("failed to update attempt status", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ArchiveConsumedAttempts archives consumed attempts older than the retention period.
func (s *Store) ArchiveConsumedAttempts(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := s.database.ArchiveConsumedAttempts(olderThan, s.now())
	if err != nil {
		return 0, issuererrors.NewDatabaseError("failed to archive attempts", err)
	}
	return n, nil
}
