// Package registry keeps the ledger's event registrations aligned with the database catalog.
//
// A missing ledger registration is repaired by submitting createEvent. A ledger name that
// differs from the database name is a Conflict and is never overwritten.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hackcert/hackcert-node/issuer/config"
	issuererrors "github.com/hackcert/hackcert-node/issuer/errors"
	"github.com/hackcert/hackcert-node/issuer/ledger"
	"github.com/hackcert/hackcert-node/issuer/metrics"
	"github.com/hackcert/hackcert-node/issuer/store"
)

// EventStore is the slice of the lifecycle store the synchronizer needs.
type EventStore interface {
	GetEvent(ctx context.Context, eventID uint64) (*store.Event, error)
	ListActiveEvents(ctx context.Context) ([]store.Event, error)
	SetEventRegistration(ctx context.Context, eventID uint64, status, txHash, detail string) error
}

// Outcome is the successful result of reconciling one event.
type Outcome string

const (
	OutcomeAlreadyConsistent Outcome = "already_consistent"
	OutcomeRepaired          Outcome = "repaired"
)

// Result reports how ReconcileEvent resolved an event. TxHash is set for repairs.
type Result struct {
	EventID uint64  `json:"event_id" yaml:"event_id"`
	Outcome Outcome `json:"outcome" yaml:"outcome"`
	TxHash  string  `json:"tx_hash,omitempty" yaml:"tx_hash,omitempty"`
}

// Summary aggregates ReconcileAll. Failed maps event id to the operator-facing reason.
type Summary struct {
	Created           []uint64          `json:"created" yaml:"created"`
	AlreadyConsistent []uint64          `json:"already_consistent" yaml:"already_consistent"`
	Failed            map[uint64]string `json:"failed" yaml:"failed"`
}

// Options tunes inclusion polling and fan-out.
type Options struct {
	PollInterval time.Duration
	MaxPolls     int
	Concurrency  int
	Retry        *issuererrors.RetryConfig
}

// OptionsFromConfig derives synchronizer options from node configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	retry := issuererrors.DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxRetries
	retry.InitialDelay = time.Duration(cfg.RetryBackoffSeconds) * time.Second
	return Options{
		PollInterval: cfg.ConfirmPollInterval(),
		MaxPolls:     cfg.ConfirmMaxPolls,
		Concurrency:  cfg.RegistryConcurrency,
		Retry:        retry,
	}
}

// Synchronizer reconciles event registrations
type Synchronizer struct {
	events  EventStore
	ledger  ledger.Client
	opts    Options
	metrics *metrics.IssuanceMetrics
	logger  zerolog.Logger

	locksMu sync.Mutex
	locks   map[uint64]*sync.Mutex
}

// New creates a Synchronizer.
func New(events EventStore, client ledger.Client, opts Options, m *metrics.IssuanceMetrics, logger zerolog.Logger) *Synchronizer {
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = 1
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Retry == nil {
		opts.Retry = issuererrors.DefaultRetryConfig()
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}
	return &Synchronizer{
		events:  events,
		ledger:  client,
		opts:    opts,
		metrics: m,
		logger:  logger.With().Str("component", "registry_sync").Logger(),
		locks:   make(map[uint64]*sync.Mutex),
	}
}

// eventLock serialises reconciliation of a single event across the cron job and API callers.
func (s *Synchronizer) eventLock(eventID uint64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[eventID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[eventID] = mu
	}
	return mu
}

// ReconcileEvent brings the ledger registration of eventID in line with the database.
//
// It fails with RegistryUnreachable when the ledger cannot be read, Conflict when the ledger
// holds a different name, and Unconfirmed when a createEvent transaction is still pending.
// A pending transaction is re-polled, never resubmitted, unless the node has dropped it.
func (s *Synchronizer) ReconcileEvent(ctx context.Context, eventID uint64) (Result, error) {
	mu := s.eventLock(eventID)
	mu.Lock()
	defer mu.Unlock()

	res, err := s.reconcileLocked(ctx, eventID)
	switch {
	case err == nil:
		s.metrics.ObserveRegistryReconcile(string(res.Outcome))
	default:
		s.metrics.ObserveRegistryReconcile(string(issuererrors.CodeOf(err)))
	}
	return res, err
}

func (s *Synchronizer) reconcileLocked(ctx context.Context, eventID uint64) (Result, error) {
	event, err := s.events.GetEvent(ctx, eventID)
	if err != nil {
		return Result{}, err
	}
	log := s.logger.With().Uint64("event_id", eventID).Logger()

	onLedger, err := s.readName(ctx, eventID)
	if err != nil {
		return Result{}, err
	}

	switch {
	case onLedger == event.Name:
		if event.RegistrationStatus != store.RegistrationConfirmed {
			if err := s.events.SetEventRegistration(ctx, eventID, store.RegistrationConfirmed, event.RegistrationTxHash, ""); err != nil {
				return Result{}, err
			}
		}
		log.Debug().Msg("event registration already consistent")
		return Result{EventID: eventID, Outcome: OutcomeAlreadyConsistent}, nil

	case onLedger != "":
		detail := fmt.Sprintf("ledger has %q for event %d, database has %q", onLedger, eventID, event.Name)
		if err := s.events.SetEventRegistration(ctx, eventID, store.RegistrationConflict, "", detail); err != nil {
			return Result{}, err
		}
		log.Error().Str("ledger_name", onLedger).Str("db_name", event.Name).Msg("event registration conflict")
		return Result{}, issuererrors.NewConflict(detail).
			WithContext("event_id", eventID).
			WithContext("ledger_name", onLedger)
	}

	if event.RegistrationStatus == store.RegistrationPending && event.RegistrationTxHash != "" {
		if err := s.checkPending(ctx, event); err != nil {
			return Result{}, err
		}
	}

	txHash, err := s.ledger.CreateEvent(ctx, eventID, event.Name)
	if err != nil {
		return Result{}, issuererrors.NewLedgerError(fmt.Sprintf("failed to submit createEvent for event %d", eventID), err)
	}
	if err := s.events.SetEventRegistration(ctx, eventID, store.RegistrationPending, txHash, ""); err != nil {
		return Result{}, err
	}
	log.Info().Str("tx_hash", txHash).Msg("submitted missing event registration")

	return s.awaitInclusion(ctx, event, txHash)
}

// checkPending inspects an earlier createEvent. A nil return means the transaction is gone
// (dropped or reverted) and the registration may be resubmitted.
func (s *Synchronizer) checkPending(ctx context.Context, event *store.Event) error {
	txHash := event.RegistrationTxHash
	receipt, err := s.ledger.GetReceipt(ctx, txHash)
	switch {
	case errors.Is(err, ledger.ErrReceiptNotFound):
		if _, lookupErr := s.ledger.GetSubmittedBatch(ctx, txHash); errors.Is(lookupErr, ledger.ErrReceiptNotFound) {
			s.logger.Warn().Uint64("event_id", event.EventID).Str("tx_hash", txHash).
				Msg("pending registration dropped by the ledger, resubmitting")
			return nil
		}
		return issuererrors.NewUnconfirmed(fmt.Sprintf("createEvent %s for event %d is not yet included", txHash, event.EventID)).
			WithContext("tx_hash", txHash)
	case err != nil:
		return issuererrors.NewRegistryUnreachable("failed to poll pending registration", err)
	case receipt.Reverted:
		s.logger.Warn().Uint64("event_id", event.EventID).Str("tx_hash", txHash).Str("reason", receipt.RevertReason).
			Msg("pending registration reverted, resubmitting")
		return nil
	default:
		// included, but the name read lags the receipt
		return issuererrors.NewUnconfirmed(fmt.Sprintf("createEvent %s is included but the registry does not show it yet", txHash)).
			WithContext("tx_hash", txHash)
	}
}

func (s *Synchronizer) awaitInclusion(ctx context.Context, event *store.Event, txHash string) (Result, error) {
	for poll := 1; poll <= s.opts.MaxPolls; poll++ {
		receipt, err := s.ledger.GetReceipt(ctx, txHash)
		switch {
		case err == nil && receipt.Reverted:
			detail := fmt.Sprintf("createEvent reverted: %s", receipt.RevertReason)
			if setErr := s.events.SetEventRegistration(ctx, event.EventID, "", "", detail); setErr != nil {
				return Result{}, setErr
			}
			return Result{}, issuererrors.NewLedgerError(detail, nil).WithContext("tx_hash", txHash)
		case err == nil:
			if setErr := s.events.SetEventRegistration(ctx, event.EventID, store.RegistrationConfirmed, txHash, ""); setErr != nil {
				return Result{}, setErr
			}
			s.logger.Info().Uint64("event_id", event.EventID).Str("tx_hash", txHash).Int("polls", poll).
				Msg("event registration repaired")
			return Result{EventID: event.EventID, Outcome: OutcomeRepaired, TxHash: txHash}, nil
		case !errors.Is(err, ledger.ErrReceiptNotFound):
			s.logger.Warn().Err(err).Str("tx_hash", txHash).Msg("receipt poll failed")
		}

		if poll == s.opts.MaxPolls {
			break
		}
		select {
		case <-ctx.Done():
			return Result{}, issuererrors.NewUnconfirmed("stopped waiting for createEvent inclusion").WithContext("tx_hash", txHash)
		case <-time.After(s.opts.PollInterval):
		}
	}
	return Result{}, issuererrors.NewUnconfirmed(
		fmt.Sprintf("createEvent %s for event %d not included after %d polls", txHash, event.EventID, s.opts.MaxPolls)).
		WithContext("tx_hash", txHash)
}

func (s *Synchronizer) readName(ctx context.Context, eventID uint64) (string, error) {
	var name string
	err := issuererrors.RetryWithConfig(ctx, func() error {
		var readErr error
		name, readErr = s.ledger.GetEventName(ctx, eventID)
		if readErr != nil {
			return issuererrors.NewRegistryUnreachable(fmt.Sprintf("failed to read ledger registration of event %d", eventID), readErr)
		}
		return nil
	}, s.opts.Retry)
	if err != nil && !issuererrors.HasCode(err, issuererrors.ErrCodeRegistryUnreachable) {
		return "", issuererrors.NewRegistryUnreachable("registry read interrupted", err)
	}
	return name, err
}

// ReconcileAll applies ReconcileEvent to every active event with bounded parallelism.
// Per-event failures land in the summary; only a failure to list events is returned.
func (s *Synchronizer) ReconcileAll(ctx context.Context) (Summary, error) {
	events, err := s.events.ListActiveEvents(ctx)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{
		Created:           []uint64{},
		AlreadyConsistent: []uint64{},
		Failed:            map[uint64]string{},
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, event := range events {
		eventID := event.EventID
		g.Go(func() error {
			res, err := s.ReconcileEvent(gctx, eventID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				summary.Failed[eventID] = err.Error()
			case res.Outcome == OutcomeRepaired:
				summary.Created = append(summary.Created, eventID)
			default:
				summary.AlreadyConsistent = append(summary.AlreadyConsistent, eventID)
			}
			return nil
		})
	}
	_ = g.Wait()

	sortIDs(summary.Created)
	sortIDs(summary.AlreadyConsistent)

	s.logger.Info().
		Int("created", len(summary.Created)).
		Int("already_consistent", len(summary.AlreadyConsistent)).
		Int("failed", len(summary.Failed)).
		Msg("registry reconciliation finished")
	return summary, nil
}

// CheckRegistered is the orchestrator's gate: nil only when the ledger already holds the
// database name for eventID. It never submits a transaction.
func (s *Synchronizer) CheckRegistered(ctx context.Context, eventID uint64) error {
	event, err := s.events.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	onLedger, err := s.readName(ctx, eventID)
	if err != nil {
		return err
	}
	switch {
	case onLedger == event.Name:
		return nil
	case onLedger != "":
		return issuererrors.NewConflict(fmt.Sprintf("ledger has %q for event %d, database has %q", onLedger, eventID, event.Name))
	case event.RegistrationStatus == store.RegistrationPending:
		return issuererrors.NewUnconfirmed(fmt.Sprintf("registration of event %d is still pending", eventID)).
			WithContext("tx_hash", event.RegistrationTxHash)
	default:
		return issuererrors.NewValidationError(fmt.Sprintf("event %d is not registered on the ledger; run registry reconcile", eventID))
	}
}

func sortIDs(ids []uint64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
