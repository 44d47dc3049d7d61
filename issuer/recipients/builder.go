// Package recipients computes who a bulk operation should target for an event.
package recipients

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	issuererrors "github.com/hackcert/hackcert-node/issuer/errors"
	"github.com/hackcert/hackcert-node/issuer/ledger"
	"github.com/hackcert/hackcert-node/issuer/store"
)

// Recipient is a (wallet, participant) pair plus the per-recipient metadata the ledger call needs.
// It is persisted verbatim on the bulk operation attempt.
type Recipient = store.AttemptRecipient

// Store is the read side of the lifecycle store.
type Store interface {
	GetEvent(ctx context.Context, eventID uint64) (*store.Event, error)
	ListParticipants(ctx context.Context, eventID uint64) ([]store.Participant, error)
	ListIssuanceRecords(ctx context.Context, eventID uint64, class store.Class) ([]store.IssuanceRecord, error)
}

// Builder selects recipients from lifecycle state
type Builder struct {
	store  Store
	logger zerolog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(st Store, logger zerolog.Logger) *Builder {
	return &Builder{
		store:  st,
		logger: logger.With().Str("component", "recipient_builder").Logger(),
	}
}

// BuildRecipients returns the participants eligible for kind, ordered by participant id and
// deduplicated by wallet. Participants already satisfied are excluded, so re-running after a
// partial failure targets only the remainder. An empty result is not an error.
func (b *Builder) BuildRecipients(ctx context.Context, eventID uint64, kind store.OperationKind) ([]Recipient, error) {
	if !kind.Valid() {
		return nil, issuererrors.NewValidationError(fmt.Sprintf("unknown operation kind %q", kind))
	}
	event, err := b.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	participants, err := b.store.ListParticipants(ctx, eventID)
	if err != nil {
		return nil, err
	}
	poa, err := b.recordsByWallet(ctx, eventID, store.ClassPoA)
	if err != nil {
		return nil, err
	}
	var cert map[string]store.IssuanceRecord
	if kind.Class() == store.ClassCertificate {
		if cert, err = b.recordsByWallet(ctx, eventID, store.ClassCertificate); err != nil {
			return nil, err
		}
	}

	out := make([]Recipient, 0, len(participants))
	seen := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		if _, dup := seen[p.Wallet]; dup {
			continue
		}
		seen[p.Wallet] = struct{}{}

		poaRec, hasPoA := poa[p.Wallet]
		poaStatus := store.StatusUnset
		if hasPoA {
			poaStatus = store.Status(poaRec.Status)
		}

		switch kind {
		case store.KindPoAMint:
			if !poaStatus.AtLeast(store.StatusMinted) {
				out = append(out, Recipient{Wallet: p.Wallet, ParticipantID: p.ID})
			}

		case store.KindPoATransfer:
			if poaStatus == store.StatusMinted && poaRec.TokenID != "" {
				out = append(out, Recipient{Wallet: p.Wallet, ParticipantID: p.ID, TokenID: poaRec.TokenID})
			}

		case store.KindCertificateMint:
			// PoA ownership is the precondition for certificate eligibility
			if poaStatus != store.StatusTransferred {
				continue
			}
			certStatus := store.StatusUnset
			if rec, ok := cert[p.Wallet]; ok {
				certStatus = store.Status(rec.Status)
			}
			if certStatus.AtLeast(store.StatusMinted) {
				continue
			}
			out = append(out, Recipient{
				Wallet:        p.Wallet,
				ParticipantID: p.ID,
				ContentHash:   ledger.CertificateContentHash(event.Name, p.Name, p.Team),
			})

		case store.KindCertificateTransfer:
			if rec, ok := cert[p.Wallet]; ok && store.Status(rec.Status) == store.StatusMinted && rec.TokenID != "" {
				out = append(out, Recipient{Wallet: p.Wallet, ParticipantID: p.ID, TokenID: rec.TokenID})
			}
		}
	}

	b.logger.Debug().
		Uint64("event_id", eventID).
		Str("kind", string(kind)).
		Int("participants", len(participants)).
		Int("recipients", len(out)).
		Msg("recipients built")
	return out, nil
}

func (b *Builder) recordsByWallet(ctx context.Context, eventID uint64, class store.Class) (map[string]store.IssuanceRecord, error) {
	recs, err := b.store.ListIssuanceRecords(ctx, eventID, class)
	if err != nil {
		return nil, err
	}
	out := make(map[string]store.IssuanceRecord, len(recs))
	for _, r := range recs {
		out[r.Wallet] = r
	}
	return out, nil
}
