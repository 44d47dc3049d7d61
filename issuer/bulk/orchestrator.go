// Package bulk submits batched ledger operations and drives their confirmation.
//
// SubmitBulk returns as soon as the transaction is broadcast and its attempt recorded.
// Confirmation runs on a watcher detached from the request, with a bounded poll budget;
// attempts that exhaust it are left unconfirmed for the background sweep and are never
// resubmitted.
package bulk

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/hackcert/hackcert-node/issuer/config"
	issuererrors "github.com/hackcert/hackcert-node/issuer/errors"
	"github.com/hackcert/hackcert-node/issuer/ledger"
	"github.com/hackcert/hackcert-node/issuer/lifecycle"
	"github.com/hackcert/hackcert-node/issuer/metrics"
	"github.com/hackcert/hackcert-node/issuer/reconciler"
	"github.com/hackcert/hackcert-node/issuer/recipients"
	"github.com/hackcert/hackcert-node/issuer/store"
)

// RegistryGate reports whether an event's ledger registration matches the database.
type RegistryGate interface {
	CheckRegistered(ctx context.Context, eventID uint64) error
}

// RecipientBuilder selects eligible recipients.
type RecipientBuilder interface {
	BuildRecipients(ctx context.Context, eventID uint64, kind store.OperationKind) ([]recipients.Recipient, error)
}

// ResultApplier reconciles decoded outcomes.
type ResultApplier interface {
	ApplyResult(ctx context.Context, eventID uint64, kind store.OperationKind, txHash string, outcomes []reconciler.Outcome) (*reconciler.Summary, error)
}

// Options bounds confirmation polling.
type Options struct {
	PollInterval time.Duration
	MaxPolls     int
}

// OptionsFromConfig derives orchestrator options from node configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{PollInterval: cfg.ConfirmPollInterval(), MaxPolls: cfg.ConfirmMaxPolls}
}

// Completion is delivered to completion callbacks when a watcher settles.
// Err is set when the attempt was left unconfirmed or undecodable.
type Completion struct {
	Attempt *store.BulkOperationAttempt
	Summary *reconciler.Summary
	Err     error
}

// Prepared is the recipient set a wallet-signed submission should target.
type Prepared struct {
	EventID    uint64                 `json:"event_id"`
	Kind       store.OperationKind    `json:"kind"`
	Recipients []recipients.Recipient `json:"recipients"`
}

// Orchestrator coordinates bulk operations
type Orchestrator struct {
	store    *lifecycle.Store
	ledger   ledger.Client
	registry RegistryGate
	builder  RecipientBuilder
	applier  ResultApplier
	guard    *Guard
	metrics  *metrics.IssuanceMetrics
	opts     Options
	logger   zerolog.Logger

	// watchers outlive the requests that start them
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	callbackMu sync.RWMutex
	callbacks  []func(Completion)
}

// New creates an Orchestrator.
func New(
	st *lifecycle.Store,
	client ledger.Client,
	registry RegistryGate,
	builder RecipientBuilder,
	applier ResultApplier,
	m *metrics.IssuanceMetrics,
	opts Options,
	logger zerolog.Logger,
) *Orchestrator {
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:    st,
		ledger:   client,
		registry: registry,
		builder:  builder,
		applier:  applier,
		guard:    NewGuard(),
		metrics:  m,
		opts:     opts,
		logger:   logger.With().Str("component", "bulk_orchestrator").Logger(),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// OnComplete registers a callback run after every watcher settles.
func (o *Orchestrator) OnComplete(fn func(Completion)) {
	o.callbackMu.Lock()
	defer o.callbackMu.Unlock()
	o.callbacks = append(o.callbacks, fn)
}

// InFlight reports whether a submission for (eventID, kind) is currently being watched.
func (o *Orchestrator) InFlight(eventID uint64, kind store.OperationKind) bool {
	return o.guard.Held(eventID, kind)
}

// PrepareBulk returns the recipients a submission for (eventID, kind) should target.
func (o *Orchestrator) PrepareBulk(ctx context.Context, eventID uint64, kind store.OperationKind) (*Prepared, error) {
	list, err := o.builder.BuildRecipients(ctx, eventID, kind)
	if err != nil {
		return nil, err
	}
	return &Prepared{EventID: eventID, Kind: kind, Recipients: list}, nil
}

// SubmitBulk submits one batched transaction for recipients and returns its pending attempt.
//
// It fails fast with OperationInFlight while another submission for the same (eventID, kind)
// is being watched or is still unsettled in the store, and refuses events whose ledger
// registration is not consistent.
func (o *Orchestrator) SubmitBulk(ctx context.Context, eventID uint64, kind store.OperationKind, list []recipients.Recipient) (*store.BulkOperationAttempt, error) {
	if !kind.Valid() {
		return nil, issuererrors.NewValidationError(fmt.Sprintf("unknown operation kind %q", kind))
	}
	if len(list) == 0 {
		return nil, issuererrors.NewValidationError("recipient list is empty")
	}

	release, ok := o.guard.TryAcquire(eventID, kind)
	if !ok {
		return nil, issuererrors.NewOperationInFlight(fmt.Sprintf("%s for event %d is already in flight", kind, eventID))
	}
	watching := false
	defer func() {
		if !watching {
			release()
		}
	}()

	if err := o.registry.CheckRegistered(ctx, eventID); err != nil {
		return nil, err
	}
	pending, err := o.store.PendingAttempt(ctx, eventID, kind)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return nil, issuererrors.NewOperationInFlight(
			fmt.Sprintf("%s for event %d has unsettled attempt %s (%s)", kind, eventID, pending.TxHash, pending.Status)).
			WithContext("tx_hash", pending.TxHash)
	}

	list, err = o.admit(ctx, eventID, kind, list)
	if err != nil {
		return nil, err
	}

	txHash, err := o.send(ctx, eventID, kind, list)
	if err != nil {
		return nil, err
	}
	log := o.logger.With().Uint64("event_id", eventID).Str("kind", string(kind)).Str("tx_hash", txHash).Logger()

	attempt := &store.BulkOperationAttempt{
		TxHash:  txHash,
		EventID: eventID,
		Kind:    string(kind),
		Status:  store.AttemptSubmitted,
	}
	if err := attempt.SetRecipientList(list); err != nil {
		return nil, issuererrors.NewInternalError("failed to encode recipients", err)
	}
	if err := o.store.CreateAttempt(ctx, attempt); err != nil {
		// the transaction is already broadcast; ConfirmBulk can still recover it from calldata
		log.Error().Err(err).Msg("submitted transaction could not be recorded")
		return nil, err
	}

	o.metrics.ObserveBulkSubmitted(string(kind))
	log.Info().Int("recipients", len(list)).Msg("bulk operation submitted")

	watching = true
	o.watch(attempt, release)
	return attempt, nil
}

// admit checks list against the currently eligible recipients for (eventID, kind) and returns
// it with checksummed wallets and the builder's per-recipient metadata. A recipient that is no
// longer eligible, repeated, or carries a token id or content hash the builder did not assign is
// rejected, so a stale or hand-edited list can never reach the ledger.
func (o *Orchestrator) admit(ctx context.Context, eventID uint64, kind store.OperationKind, list []recipients.Recipient) ([]recipients.Recipient, error) {
	eligible, err := o.builder.BuildRecipients(ctx, eventID, kind)
	if err != nil {
		return nil, err
	}
	byWallet := make(map[string]recipients.Recipient, len(eligible))
	for _, r := range eligible {
		byWallet[r.Wallet] = r
	}

	out := make([]recipients.Recipient, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	for _, r := range list {
		if !ethcommon.IsHexAddress(r.Wallet) {
			return nil, issuererrors.NewValidationError(fmt.Sprintf("invalid recipient wallet %q", r.Wallet))
		}
		wallet := ethcommon.HexToAddress(r.Wallet).Hex()
		if _, dup := seen[wallet]; dup {
			return nil, issuererrors.NewValidationError(fmt.Sprintf("recipient %s is listed twice", wallet))
		}
		seen[wallet] = struct{}{}

		want, ok := byWallet[wallet]
		if !ok {
			return nil, issuererrors.NewValidationError(
				fmt.Sprintf("recipient %s is not eligible for %s on event %d; prepare the batch again", wallet, kind, eventID)).
				WithContext("wallet", wallet)
		}
		if r.TokenID != "" && r.TokenID != want.TokenID {
			return nil, issuererrors.NewValidationError(
				fmt.Sprintf("recipient %s: token %s does not match assigned token %s", wallet, r.TokenID, want.TokenID)).
				WithContext("wallet", wallet)
		}
		if r.ContentHash != "" && r.ContentHash != want.ContentHash {
			return nil, issuererrors.NewValidationError(
				fmt.Sprintf("recipient %s: content hash does not match the certificate record", wallet)).
				WithContext("wallet", wallet)
		}
		out = append(out, want)
	}
	return out, nil
}

func (o *Orchestrator) send(ctx context.Context, eventID uint64, kind store.OperationKind, list []recipients.Recipient) (string, error) {
	addrs := make([]ethcommon.Address, len(list))
	for i, r := range list {
		if !ethcommon.IsHexAddress(r.Wallet) {
			return "", issuererrors.NewValidationError(fmt.Sprintf("invalid recipient wallet %q", r.Wallet))
		}
		addrs[i] = ethcommon.HexToAddress(r.Wallet)
	}

	var (
		txHash string
		err    error
	)
	switch kind {
	case store.KindPoAMint:
		txHash, err = o.ledger.BulkMintPoA(ctx, addrs, eventID)

	case store.KindPoATransfer, store.KindCertificateTransfer:
		ids := make([]*big.Int, len(list))
		for i, r := range list {
			id, parseErr := ledger.ParseTokenID(r.TokenID)
			if parseErr != nil {
				return "", issuererrors.NewValidationError(fmt.Sprintf("recipient %s: %v", r.Wallet, parseErr))
			}
			ids[i] = id
		}
		txHash, err = o.ledger.BulkTransfer(ctx, addrs, ids)

	case store.KindCertificateMint:
		hashes := make([]string, len(list))
		for i, r := range list {
			if r.ContentHash == "" {
				return "", issuererrors.NewValidationError(fmt.Sprintf("recipient %s has no certificate content hash", r.Wallet))
			}
			hashes[i] = r.ContentHash
		}
		if len(list) == 1 {
			txHash, err = o.ledger.MintCertificate(ctx, addrs[0], eventID, hashes[0])
		} else {
			txHash, err = o.ledger.BulkMintCertificates(ctx, addrs, eventID, hashes)
		}
	}
	if err != nil {
		return "", issuererrors.NewLedgerError(fmt.Sprintf("failed to submit %s for event %d", kind, eventID), err)
	}
	return txHash, nil
}

// watch confirms attempt in the background and releases the single-flight key when done.
func (o *Orchestrator) watch(attempt *store.BulkOperationAttempt, release func()) {
	o.metrics.IncInFlight(attempt.Kind)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.metrics.DecInFlight(attempt.Kind)
		defer release()

		summary, err := o.confirm(o.baseCtx, attempt)
		if o.baseCtx.Err() != nil {
			// shutting down: the attempt stays submitted and is resumed on restart
			return
		}
		o.notify(Completion{Attempt: attempt, Summary: summary, Err: err})
	}()
}

func (o *Orchestrator) notify(c Completion) {
	o.callbackMu.RLock()
	callbacks := append([]func(Completion){}, o.callbacks...)
	o.callbackMu.RUnlock()
	for _, fn := range callbacks {
		fn(c)
	}
}

// confirm polls for the receipt within the budget and settles the attempt.
func (o *Orchestrator) confirm(ctx context.Context, attempt *store.BulkOperationAttempt) (*reconciler.Summary, error) {
	log := o.logger.With().Str("tx_hash", attempt.TxHash).Str("kind", attempt.Kind).Logger()

	for poll := 1; poll <= o.opts.MaxPolls; poll++ {
		receipt, err := o.ledger.GetReceipt(ctx, attempt.TxHash)
		switch {
		case err == nil:
			o.metrics.ObserveConfirmPolls(poll)
			return o.settle(ctx, attempt, receipt)
		case !errors.Is(err, ledger.ErrReceiptNotFound):
			log.Warn().Err(err).Int("poll", poll).Msg("receipt poll failed")
		}

		if poll == o.opts.MaxPolls {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.opts.PollInterval):
		}
	}

	polls := attempt.Polls + o.opts.MaxPolls
	if _, err := o.store.SetAttemptStatus(ctx, attempt.TxHash, store.AttemptUnconfirmed, polls, ""); err != nil {
		return nil, err
	}
	attempt.Status, attempt.Polls = store.AttemptUnconfirmed, polls
	log.Warn().Int("polls", polls).Msg("confirmation budget exhausted, leaving attempt for the sweeper")
	return nil, issuererrors.NewUnconfirmed(fmt.Sprintf("transaction %s not confirmed after %d polls", attempt.TxHash, o.opts.MaxPolls)).
		WithContext("tx_hash", attempt.TxHash)
}

// Repoll makes a single receipt check for an unconfirmed attempt, settling it when found.
// It never resubmits.
func (o *Orchestrator) Repoll(ctx context.Context, attempt *store.BulkOperationAttempt) (*reconciler.Summary, error) {
	receipt, err := o.ledger.GetReceipt(ctx, attempt.TxHash)
	if err == nil {
		return o.settle(ctx, attempt, receipt)
	}
	if !errors.Is(err, ledger.ErrReceiptNotFound) {
		return nil, issuererrors.NewLedgerError(fmt.Sprintf("failed to poll %s", attempt.TxHash), err)
	}
	polls := attempt.Polls + 1
	if _, setErr := o.store.SetAttemptStatus(ctx, attempt.TxHash, store.AttemptUnconfirmed, polls, ""); setErr != nil {
		return nil, setErr
	}
	attempt.Status, attempt.Polls = store.AttemptUnconfirmed, polls
	return nil, issuererrors.NewUnconfirmed(fmt.Sprintf("transaction %s still not included", attempt.TxHash)).
		WithContext("tx_hash", attempt.TxHash)
}

// settle decodes receipt against the attempt's recipients and hands the outcomes to the reconciler.
func (o *Orchestrator) settle(ctx context.Context, attempt *store.BulkOperationAttempt, receipt *ledger.Receipt) (*reconciler.Summary, error) {
	kind := store.OperationKind(attempt.Kind)
	list, err := attempt.RecipientList()
	if err != nil {
		return nil, issuererrors.NewInternalError("stored recipients are corrupt", err)
	}

	outcomes, err := MapOutcomes(attempt.EventID, kind, list, receipt)
	if err != nil {
		o.metrics.ObserveUndecodableLog(attempt.Kind)
		if _, setErr := o.store.SetAttemptStatus(ctx, attempt.TxHash, store.AttemptUndecodable, attempt.Polls, err.Error()); setErr != nil {
			return nil, setErr
		}
		attempt.Status, attempt.ErrorMsg = store.AttemptUndecodable, err.Error()
		o.logger.Error().Err(err).Str("tx_hash", attempt.TxHash).Uint64("event_id", attempt.EventID).
			Msg("receipt logs could not be mapped to recipients; operator action required")
		return nil, err
	}

	summary, err := o.applier.ApplyResult(ctx, attempt.EventID, kind, attempt.TxHash, outcomes)
	if err != nil {
		return nil, err
	}
	attempt.Status = store.AttemptConsumed
	return summary, nil
}

// ConfirmBulk reconciles a transaction the caller observed, typically one signed by the
// organizer's wallet. The receipt is always re-read from the ledger; observedLogs are only
// compared against it.
func (o *Orchestrator) ConfirmBulk(ctx context.Context, eventID uint64, kind store.OperationKind, txHash string, observedLogs []ledger.Log) (*reconciler.Summary, error) {
	if !kind.Valid() {
		return nil, issuererrors.NewValidationError(fmt.Sprintf("unknown operation kind %q", kind))
	}
	if txHash == "" {
		return nil, issuererrors.NewValidationError("transaction hash is required")
	}

	attempt, err := o.store.GetAttempt(ctx, txHash)
	switch {
	case err == nil:
		if attempt.EventID != eventID || attempt.Kind != string(kind) {
			return nil, issuererrors.NewValidationError(fmt.Sprintf("transaction %s belongs to event %d %s", txHash, attempt.EventID, attempt.Kind))
		}
		if attempt.Status == store.AttemptConsumed {
			return o.applier.ApplyResult(ctx, eventID, kind, txHash, nil)
		}
	case issuererrors.HasCode(err, issuererrors.ErrCodeNotFound):
		if attempt, err = o.recordExternal(ctx, eventID, kind, txHash); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	receipt, err := o.ledger.GetReceipt(ctx, txHash)
	if errors.Is(err, ledger.ErrReceiptNotFound) {
		return nil, issuererrors.NewUnconfirmed(fmt.Sprintf("transaction %s is not yet confirmed", txHash)).WithContext("tx_hash", txHash)
	}
	if err != nil {
		return nil, issuererrors.NewLedgerError(fmt.Sprintf("failed to read receipt %s", txHash), err)
	}
	o.compareObserved(receipt, kind, observedLogs)

	return o.settle(ctx, attempt, receipt)
}

// recordExternal builds an attempt for a transaction submitted outside this node from its
// calldata, so logs are mapped against what was actually sent.
func (o *Orchestrator) recordExternal(ctx context.Context, eventID uint64, kind store.OperationKind, txHash string) (*store.BulkOperationAttempt, error) {
	batch, err := o.ledger.GetSubmittedBatch(ctx, txHash)
	if errors.Is(err, ledger.ErrReceiptNotFound) {
		return nil, issuererrors.NewNotFound(fmt.Sprintf("transaction %s is unknown to the ledger", txHash))
	}
	if err != nil {
		return nil, issuererrors.NewLedgerError(fmt.Sprintf("failed to decode transaction %s", txHash), err)
	}
	if !methodServes(batch.Method, kind) {
		return nil, issuererrors.NewValidationError(fmt.Sprintf("transaction %s calls %s, which cannot confirm %s", txHash, batch.Method, kind))
	}
	if !kind.IsTransfer() && batch.EventID != eventID {
		return nil, issuererrors.NewValidationError(fmt.Sprintf("transaction %s targets event %d, not %d", txHash, batch.EventID, eventID))
	}

	list := make([]store.AttemptRecipient, len(batch.Recipients))
	for i, addr := range batch.Recipients {
		r := store.AttemptRecipient{Wallet: addr.Hex()}
		if p, err := o.store.GetParticipant(ctx, eventID, r.Wallet); err == nil {
			r.ParticipantID = p.ID
		} else if !issuererrors.HasCode(err, issuererrors.ErrCodeNotFound) {
			return nil, err
		}
		if i < len(batch.TokenIDs) {
			r.TokenID = batch.TokenIDs[i].String()
		}
		if i < len(batch.ContentHashes) {
			r.ContentHash = batch.ContentHashes[i]
		}
		list[i] = r
	}

	attempt := &store.BulkOperationAttempt{TxHash: txHash, EventID: eventID, Kind: string(kind), Status: store.AttemptSubmitted}
	if err := attempt.SetRecipientList(list); err != nil {
		return nil, issuererrors.NewInternalError("failed to encode recipients", err)
	}
	if err := o.store.CreateAttempt(ctx, attempt); err != nil {
		return nil, err
	}
	o.logger.Info().Str("tx_hash", txHash).Str("sender", batch.Sender.Hex()).Int("recipients", len(list)).
		Msg("recorded externally signed bulk transaction")
	return attempt, nil
}

func methodServes(method string, kind store.OperationKind) bool {
	switch kind {
	case store.KindPoAMint:
		return method == ledger.MethodBulkMintPoA
	case store.KindCertificateMint:
		return method == ledger.MethodMintCertificate || method == ledger.MethodBulkMintCertificates
	default:
		return method == ledger.MethodBulkTransfer
	}
}

// compareObserved logs drift between client-observed logs and the ledger receipt.
func (o *Orchestrator) compareObserved(receipt *ledger.Receipt, kind store.OperationKind, observed []ledger.Log) {
	if observed == nil {
		return
	}
	want := expectedLog(kind)
	tokens := make(map[string]struct{})
	for _, l := range receipt.Logs {
		if l.Kind == want && l.TokenID != nil {
			tokens[l.TokenID.String()] = struct{}{}
		}
	}
	drift := 0
	for _, l := range observed {
		if l.TokenID == nil {
			continue
		}
		if _, ok := tokens[l.TokenID.String()]; !ok {
			drift++
		}
	}
	if drift > 0 || len(observed) != len(tokens) {
		o.logger.Warn().
			Str("tx_hash", receipt.TxHash).
			Int("observed", len(observed)).
			Int("on_ledger", len(tokens)).
			Int("unknown_tokens", drift).
			Msg("client-observed logs differ from the ledger receipt; using the ledger")
	}
}

// ResolveUndecodable closes an undecodable attempt by failing all of its recipients with note.
// Use only after checking on the ledger that the batch did not mint to them.
func (o *Orchestrator) ResolveUndecodable(ctx context.Context, txHash, note string) (*reconciler.Summary, error) {
	attempt, err := o.store.GetAttempt(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if attempt.Status != store.AttemptUndecodable {
		return nil, issuererrors.NewValidationError(fmt.Sprintf("attempt %s is %s, not undecodable", txHash, attempt.Status))
	}
	list, err := attempt.RecipientList()
	if err != nil {
		return nil, issuererrors.NewInternalError("stored recipients are corrupt", err)
	}
	reason := "resolved by operator"
	if note != "" {
		reason += ": " + note
	}
	outcomes := make([]reconciler.Outcome, len(list))
	for i, r := range list {
		outcomes[i] = failed(r, reason)
	}
	o.logger.Warn().Str("tx_hash", txHash).Str("note", note).Msg("operator resolved undecodable attempt")
	return o.applier.ApplyResult(ctx, attempt.EventID, store.OperationKind(attempt.Kind), txHash, outcomes)
}

// Resume restarts watchers for attempts left submitted by a previous process.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	attempts, err := o.store.ListAttemptsByStatus(ctx, store.AttemptSubmitted)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for i := range attempts {
		attempt := attempts[i]
		release, ok := o.guard.TryAcquire(attempt.EventID, store.OperationKind(attempt.Kind))
		if !ok {
			continue
		}
		o.watch(&attempt, release)
		resumed++
	}
	if resumed > 0 {
		o.logger.Info().Int("attempts", resumed).Msg("resumed confirmation watchers")
	}
	return resumed, nil
}

// Stop cancels watchers and waits for them to exit.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
}

// Wait blocks until every running watcher has settled.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}
