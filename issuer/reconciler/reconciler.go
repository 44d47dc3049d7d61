// Package reconciler applies confirmed ledger evidence to issuance records.
//
// It is the only writer of ledger-derived lifecycle fields. Every change goes through the
// lifecycle store's compare-and-swap, and each transaction hash is applied at most once.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	issuererrors "github.com/hackcert/hackcert-node/issuer/errors"
	"github.com/hackcert/hackcert-node/issuer/lifecycle"
	"github.com/hackcert/hackcert-node/issuer/metrics"
	"github.com/hackcert/hackcert-node/issuer/store"
)

// Outcome is the ledger's verdict for one recipient of a bulk transaction.
type Outcome struct {
	Wallet        string
	ParticipantID uint
	Success       bool
	TokenID       string // assigned (mint) or moved (transfer) token
	Reason        string // verbatim ledger reason when !Success
}

// Succeeded builds a successful outcome.
func Succeeded(wallet, tokenID string) Outcome {
	return Outcome{Wallet: wallet, Success: true, TokenID: tokenID}
}

// Failed builds a failed outcome.
func Failed(wallet, reason string) Outcome {
	return Outcome{Wallet: wallet, Reason: reason}
}

// Entry is one recipient line of a summary.
type Entry struct {
	Wallet  string `json:"wallet"`
	TokenID string `json:"token_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Summary reports what a bulk transaction did. Skipped entries were successful on the
// ledger but already reflected (or superseded) off-chain.
type Summary struct {
	TxHash    string              `json:"tx_hash"`
	EventID   uint64              `json:"event_id"`
	Kind      store.OperationKind `json:"kind"`
	Succeeded []Entry             `json:"succeeded"`
	Failed    []Entry             `json:"failed"`
	Skipped   []Entry             `json:"skipped"`
	Totals    Totals              `json:"counts"`
}

// Totals are the per-bucket sizes of a summary.
type Totals struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Counts returns the succeeded, failed and skipped totals.
func (s *Summary) Counts() (succeeded, failed, skipped int) {
	return len(s.Succeeded), len(s.Failed), len(s.Skipped)
}

// Reconciler drives issuance records from ledger outcomes
type Reconciler struct {
	store   *lifecycle.Store
	metrics *metrics.IssuanceMetrics
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a Reconciler.
func New(st *lifecycle.Store, m *metrics.IssuanceMetrics, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:   st,
		metrics: m,
		logger:  logger.With().Str("component", "reconciler").Logger(),
		now:     time.Now,
	}
}

// ApplyResult applies outcomes of txHash for (eventID, kind).
//
// The first call records the summary on the attempt and marks it consumed; later calls with
// the same txHash return that stored summary and change nothing. Per-recipient failures leave
// records untouched. Transitions whose predecessor no longer holds are skipped as stale.
func (r *Reconciler) ApplyResult(ctx context.Context, eventID uint64, kind store.OperationKind, txHash string, outcomes []Outcome) (*Summary, error) {
	if !kind.Valid() {
		return nil, issuererrors.NewValidationError(fmt.Sprintf("unknown operation kind %q", kind))
	}
	if txHash == "" {
		return nil, issuererrors.NewValidationError("transaction hash is required")
	}
	outcomes, err := normaliseWallets(outcomes)
	if err != nil {
		return nil, err
	}
	log := r.logger.With().Uint64("event_id", eventID).Str("kind", string(kind)).Str("tx_hash", txHash).Logger()

	var (
		summary  *Summary
		replayed bool
		stale    int
	)
	err = r.store.Transaction(ctx, func(tx *lifecycle.Store) error {
		attempt, err := r.loadAttempt(ctx, tx, eventID, kind, txHash, outcomes)
		if err != nil {
			return err
		}
		if attempt.Status == store.AttemptConsumed {
			summary, err = decodeSummary(attempt.Summary)
			replayed = true
			return err
		}

		summary = &Summary{
			TxHash:    txHash,
			EventID:   eventID,
			Kind:      kind,
			Succeeded: []Entry{},
			Failed:    []Entry{},
			Skipped:   []Entry{},
		}
		at := r.now()
		for _, o := range outcomes {
			if !o.Success {
				summary.Failed = append(summary.Failed, Entry{Wallet: o.Wallet, Reason: o.Reason})
				continue
			}
			// each recipient applies all-or-nothing
			err := tx.Transaction(ctx, func(rtx *lifecycle.Store) error {
				return r.applyOne(ctx, rtx, eventID, kind, txHash, o, at)
			})
			switch {
			case err == nil:
				summary.Succeeded = append(summary.Succeeded, Entry{Wallet: o.Wallet, TokenID: o.TokenID})
			case issuererrors.HasCode(err, issuererrors.ErrCodeStaleTransition):
				stale++
				log.Warn().Str("wallet", o.Wallet).Str("token_id", o.TokenID).Err(err).Msg("stale transition dropped")
				summary.Skipped = append(summary.Skipped, Entry{Wallet: o.Wallet, TokenID: o.TokenID, Reason: err.Error()})
			default:
				return err
			}
		}

		summary.Totals = Totals{Succeeded: len(summary.Succeeded), Failed: len(summary.Failed), Skipped: len(summary.Skipped)}
		raw, err := json.Marshal(summary)
		if err != nil {
			return issuererrors.NewInternalError("failed to encode summary", err)
		}
		attempt.Summary = raw
		attempt.Status = store.AttemptConsumed
		attempt.ConsumedAt = &at
		attempt.ErrorMsg = ""
		return tx.UpdateAttempt(ctx, attempt)
	})
	if err != nil {
		return nil, err
	}

	if replayed {
		log.Debug().Msg("result already applied, returning stored summary")
		return summary, nil
	}

	succeeded, failed, skipped := summary.Counts()
	r.metrics.ObserveRecipients(string(kind), metrics.OutcomeSucceeded, succeeded)
	r.metrics.ObserveRecipients(string(kind), metrics.OutcomeFailed, failed)
	r.metrics.ObserveRecipients(string(kind), metrics.OutcomeSkipped, skipped)
	for i := 0; i < stale; i++ {
		r.metrics.ObserveStaleTransition(string(kind))
	}
	log.Info().Int("succeeded", succeeded).Int("failed", failed).Int("skipped", skipped).Msg("bulk result applied")
	return summary, nil
}

// normaliseWallets checksums every outcome wallet so records are always keyed the same way.
func normaliseWallets(outcomes []Outcome) ([]Outcome, error) {
	out := make([]Outcome, len(outcomes))
	for i, o := range outcomes {
		if !ethcommon.IsHexAddress(o.Wallet) {
			return nil, issuererrors.NewValidationError(fmt.Sprintf("invalid outcome wallet %q", o.Wallet))
		}
		o.Wallet = ethcommon.HexToAddress(o.Wallet).Hex()
		out[i] = o
	}
	return out, nil
}

// loadAttempt returns the attempt for txHash, recording one when the transaction was
// submitted outside this node (wallet-signed flows).
func (r *Reconciler) loadAttempt(ctx context.Context, tx *lifecycle.Store, eventID uint64, kind store.OperationKind, txHash string, outcomes []Outcome) (*store.BulkOperationAttempt, error) {
	attempt, err := tx.GetAttempt(ctx, txHash)
	if err == nil {
		if attempt.EventID != eventID || attempt.Kind != string(kind) {
			return nil, issuererrors.NewValidationError(fmt.Sprintf(
				"transaction %s belongs to event %d %s, not event %d %s", txHash, attempt.EventID, attempt.Kind, eventID, kind))
		}
		return attempt, nil
	}
	if !issuererrors.HasCode(err, issuererrors.ErrCodeNotFound) {
		return nil, err
	}

	attempt = &store.BulkOperationAttempt{TxHash: txHash, EventID: eventID, Kind: string(kind), Status: store.AttemptSubmitted}
	list := make([]store.AttemptRecipient, 0, len(outcomes))
	for _, o := range outcomes {
		list = append(list, store.AttemptRecipient{Wallet: o.Wallet, ParticipantID: o.ParticipantID, TokenID: o.TokenID})
	}
	if err := attempt.SetRecipientList(list); err != nil {
		return nil, issuererrors.NewInternalError("failed to encode recipients", err)
	}
	if err := tx.CreateAttempt(ctx, attempt); err != nil {
		return nil, err
	}
	return attempt, nil
}

func (r *Reconciler) applyOne(ctx context.Context, tx *lifecycle.Store, eventID uint64, kind store.OperationKind, txHash string, o Outcome, at time.Time) error {
	class := kind.Class()
	from, to := kind.Transition()
	meta := lifecycle.TransitionMeta{ParticipantID: o.ParticipantID, TxHash: txHash, At: at}

	current, err := r.status(ctx, tx, eventID, o.Wallet, class)
	if err != nil {
		return err
	}

	switch kind {
	case store.KindPoAMint:
		meta.TokenID = o.TokenID
		if current == store.StatusUnset {
			if _, err := tx.CASTransition(ctx, eventID, o.Wallet, class, store.StatusUnset, store.StatusRegistered, meta); err != nil {
				return err
			}
		}

	case store.KindCertificateMint:
		meta.TokenID = o.TokenID
		if current == store.StatusUnset || current == store.StatusRegistered {
			if err := r.promoteCertificate(ctx, tx, eventID, o.Wallet, current, meta); err != nil {
				return err
			}
		}

	case store.KindPoATransfer, store.KindCertificateTransfer:
		rec, err := tx.GetIssuanceRecord(ctx, eventID, o.Wallet, class)
		if err != nil && !issuererrors.HasCode(err, issuererrors.ErrCodeNotFound) {
			return err
		}
		if rec != nil && rec.TokenID != "" && o.TokenID != "" && rec.TokenID != o.TokenID {
			return issuererrors.NewStaleTransition(fmt.Sprintf("transfer of token %s does not match recorded token %s", o.TokenID, rec.TokenID))
		}
	}

	if _, err := tx.CASTransition(ctx, eventID, o.Wallet, class, from, to, meta); err != nil {
		return err
	}

	if kind == store.KindPoATransfer {
		cert, err := r.status(ctx, tx, eventID, o.Wallet, store.ClassCertificate)
		if err != nil {
			return err
		}
		if cert == store.StatusUnset || cert == store.StatusRegistered {
			certMeta := lifecycle.TransitionMeta{ParticipantID: o.ParticipantID, TxHash: txHash, At: at}
			if _, err := tx.CASTransition(ctx, eventID, o.Wallet, store.ClassCertificate, cert, store.StatusEligible, certMeta); err != nil {
				return err
			}
		}
	}
	return nil
}

// promoteCertificate moves a certificate record to eligible, which requires a transferred PoA.
func (r *Reconciler) promoteCertificate(ctx context.Context, tx *lifecycle.Store, eventID uint64, wallet string, current store.Status, meta lifecycle.TransitionMeta) error {
	poa, err := r.status(ctx, tx, eventID, wallet, store.ClassPoA)
	if err != nil {
		return err
	}
	if poa != store.StatusTransferred {
		return issuererrors.NewStaleTransition(fmt.Sprintf("certificate for %s minted while PoA is %q", wallet, poa))
	}
	eligible := meta
	eligible.TokenID = ""
	_, err = tx.CASTransition(ctx, eventID, wallet, store.ClassCertificate, current, store.StatusEligible, eligible)
	return err
}

func (r *Reconciler) status(ctx context.Context, tx *lifecycle.Store, eventID uint64, wallet string, class store.Class) (store.Status, error) {
	rec, err := tx.GetIssuanceRecord(ctx, eventID, wallet, class)
	if issuererrors.HasCode(err, issuererrors.ErrCodeNotFound) {
		return store.StatusUnset, nil
	}
	if err != nil {
		return "", err
	}
	return store.Status(rec.Status), nil
}

func decodeSummary(raw []byte) (*Summary, error) {
	var s Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, issuererrors.NewInternalError("stored summary is corrupt", err)
	}
	return &s, nil
}
