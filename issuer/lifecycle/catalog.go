package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	issuererrors "github.com/hackcert/hackcert-node/issuer/errors"
	"github.com/hackcert/hackcert-node/issuer/store"
)

const (
	joinCodeLength   = 8
	joinCodeAttempts = 5
)

// ParticipantInput holds the profile submitted at registration.
type ParticipantInput struct {
	EventID         uint64
	Wallet          string
	Name            string
	Email           string
	Team            string
	CommunityHandle string
}

// NormalizeWallet validates a hex address and returns its EIP-55 checksummed form.
func NormalizeWallet(wallet string) (string, error) {
	wallet = strings.TrimSpace(wallet)
	if !common.IsHexAddress(wallet) {
		return "", issuererrors.NewValidationError(fmt.Sprintf("invalid wallet address %q", wallet))
	}
	return common.HexToAddress(wallet).Hex(), nil
}

// CreateEvent adds an event to the catalog with a freshly generated join code.
func (s *Store) CreateEvent(ctx context.Context, eventID uint64, name string) (*store.Event, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, issuererrors.NewValidationError("event name is required")
	}

	if _, err := s.GetEvent(ctx, eventID); err == nil {
		return nil, issuererrors.NewValidationError(fmt.Sprintf("event %d already exists", eventID))
	} else if !issuererrors.HasCode(err, issuererrors.ErrCodeNotFound) {
		return nil, err
	}

	for i := 0; i < joinCodeAttempts; i++ {
		event := store.Event{
			EventID:  eventID,
			Name:     name,
			JoinCode: newJoinCode(),
			Active:   true,
		}
		err := s.client.WithContext(ctx).Create(&event).Error
		if err == nil {
			s.logger.Info().Uint64("event_id", eventID).Str("join_code", event.JoinCode).Msg("event created")
			return &event, nil
		}
		if !isUniqueViolation(err) {
			return nil, issuererrors.NewDatabaseError("failed to create event", err)
		}
	}
	return nil, issuererrors.NewInternalError("could not allocate a unique join code", nil)
}

// GetEvent loads an event by its ledger-scoped identifier.
func (s *Store) GetEvent(ctx context.Context, eventID uint64) (*store.Event, error) {
	var event store.Event
	err := s.client.WithContext(ctx).Where("event_id = ?", eventID).First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, issuererrors.NewNotFound(fmt.Sprintf("event %d not found", eventID))
	}
	if err != nil {
		return nil, issuererrors.NewDatabaseError("failed to load event", err)
	}
	return &event, nil
}

// GetEventByJoinCode loads an event by the code participants type in.
func (s *Store) GetEventByJoinCode(ctx context.Context, code string) (*store.Event, error) {
	var event store.Event
	err := s.client.WithContext(ctx).Where("join_code = ?", strings.ToUpper(strings.TrimSpace(code))).First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, issuererrors.NewNotFound(fmt.Sprintf("join code %q not found", code))
	}
	if err != nil {
		return nil, issuererrors.NewDatabaseError("failed to load event", err)
	}
	return &event, nil
}

// ListActiveEvents returns active events ordered by identifier.
func (s *Store) ListActiveEvents(ctx context.Context) ([]store.Event, error) {
	var events []store.Event
	if err := s.client.WithContext(ctx).Where("active = ?", true).Order("event_id ASC").Find(&events).Error; err != nil {
		return nil, issuererrors.NewDatabaseError("failed to list active events", err)
	}
	return events, nil
}

// SetEventActive toggles whether the event takes part in registry reconciliation.
func (s *Store) SetEventActive(ctx context.Context, eventID uint64, active bool) error {
	result := s.client.WithContext(ctx).Model(&store.Event{}).Where("event_id = ?", eventID).Update("active", active)
	if result.Error != nil {
		return issuererrors.NewDatabaseError("failed to update event", result.Error)
	}
	if result.RowsAffected == 0 {
		return issuererrors.NewNotFound(fmt.Sprintf("event %d not found", eventID))
	}
	return nil
}

// SetEventRegistration records the ledger registration state of an event.
func (s *Store) SetEventRegistration(ctx context.Context, eventID uint64, status, txHash, detail string) error {
	result := s.client.WithContext(ctx).Model(&store.Event{}).Where("event_id = ?", eventID).Updates(map[string]any{
		"registration_status":  status,
		"registration_tx_hash": txHash,
		"registration_error":   detail,
	})
	if result.Error != nil {
		return issuererrors.NewDatabaseError("failed to update event registration", result.Error)
	}
	if result.RowsAffected == 0 {
		return issuererrors.NewNotFound(fmt.Sprintf("event %d not found", eventID))
	}
	return nil
}

// RegisterParticipant creates the participant and both issuance records in "registered".
func (s *Store) RegisterParticipant(ctx context.Context, in ParticipantInput) (*store.Participant, error) {
	wallet, err := NormalizeWallet(in.Wallet)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, issuererrors.NewValidationError("participant name is required")
	}

	event, err := s.GetEvent(ctx, in.EventID)
	if err != nil {
		return nil, err
	}
	if !event.Active {
		return nil, issuererrors.NewValidationError(fmt.Sprintf("event %d is not accepting registrations", in.EventID))
	}

	participant := store.Participant{
		EventID:         in.EventID,
		Wallet:          wallet,
		Name:            strings.TrimSpace(in.Name),
		Email:           strings.TrimSpace(in.Email),
		Team:            strings.TrimSpace(in.Team),
		CommunityHandle: strings.TrimSpace(in.CommunityHandle),
	}

	err = s.Transaction(ctx, func(tx *Store) error {
		if err := tx.client.Create(&participant).Error; err != nil {
			if isUniqueViolation(err) {
				return issuererrors.NewValidationError(fmt.Sprintf("wallet %s is already registered for event %d", wallet, in.EventID))
			}
			return issuererrors.NewDatabaseError("failed to create participant", err)
		}
		meta := TransitionMeta{ParticipantID: participant.ID}
		for _, class := range []store.Class{store.ClassPoA, store.ClassCertificate} {
			if _, err := tx.CASTransition(ctx, in.EventID, wallet, class, store.StatusUnset, store.StatusRegistered, meta); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Uint64("event_id", in.EventID).Str("wallet", wallet).Uint("participant_id", participant.ID).Msg("participant registered")
	return &participant, nil
}

// GetParticipant loads the participant registered with wallet for the event.
func (s *Store) GetParticipant(ctx context.Context, eventID uint64, wallet string) (*store.Participant, error) {
	var p store.Participant
	err := s.client.WithContext(ctx).Where("event_id = ? AND wallet = ?", eventID, wallet).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, issuererrors.NewNotFound(fmt.Sprintf("participant %s not found in event %d", wallet, eventID))
	}
	if err != nil {
		return nil, issuererrors.NewDatabaseError("failed to load participant", err)
	}
	return &p, nil
}

// ListParticipants returns the event's participants ordered by id.
func (s *Store) ListParticipants(ctx context.Context, eventID uint64) ([]store.Participant, error) {
	var participants []store.Participant
	if err := s.client.WithContext(ctx).Where("event_id = ?", eventID).Order("id ASC").Find(&participants).Error; err != nil {
		return nil, issuererrors.NewDatabaseError("failed to list participants", err)
	}
	return participants, nil
}

func newJoinCode() string {
	code := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(code[:joinCodeLength])
}
