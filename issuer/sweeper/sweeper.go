// Package sweeper re-polls bulk attempts whose confirmation budget ran out.
package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	issuererrors "github.com/hackcert/hackcert-node/issuer/errors"
	"github.com/hackcert/hackcert-node/issuer/metrics"
	"github.com/hackcert/hackcert-node/issuer/reconciler"
	"github.com/hackcert/hackcert-node/issuer/store"
)

const (
	defaultCheckInterval = 30 * time.Second
	sweepBatchSize       = 100
)

// AttemptStore lists attempts by status.
type AttemptStore interface {
	ListAttemptsByStatus(ctx context.Context, statuses ...string) ([]store.BulkOperationAttempt, error)
}

// Repoller makes one receipt check for an attempt and settles it when found.
type Repoller interface {
	Repoll(ctx context.Context, attempt *store.BulkOperationAttempt) (*reconciler.Summary, error)
}

// Config holds configuration for the sweeper.
type Config struct {
	Attempts      AttemptStore
	Repoller      Repoller
	Metrics       *metrics.IssuanceMetrics // Optional
	CheckInterval time.Duration
	Logger        zerolog.Logger
}

// Result reports one sweep pass.
type Result struct {
	Checked     int `json:"checked" yaml:"checked"`
	Settled     int `json:"settled" yaml:"settled"`
	Unconfirmed int `json:"unconfirmed" yaml:"unconfirmed"`
	Undecodable int `json:"undecodable" yaml:"undecodable"`
	Errored     int `json:"errored" yaml:"errored"`
}

// Sweeper polls unconfirmed attempts. It never resubmits a transaction.
type Sweeper struct {
	attempts      AttemptStore
	repoller      Repoller
	metrics       *metrics.IssuanceMetrics
	checkInterval time.Duration
	logger        zerolog.Logger
}

// NewSweeper creates a new sweeper.
func NewSweeper(cfg Config) *Sweeper {
	interval := cfg.CheckInterval
	if interval == 0 {
		interval = defaultCheckInterval
	}
	return &Sweeper{
		attempts:      cfg.Attempts,
		repoller:      cfg.Repoller,
		metrics:       cfg.Metrics,
		checkInterval: interval,
		logger:        cfg.Logger.With().Str("component", "attempt_sweeper").Logger(),
	}
}

// Start begins the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error().Err(err).Msg("failed to query unconfirmed attempts")
			}
		}
	}
}

// Sweep re-polls up to one batch of unconfirmed attempts, oldest first.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	attempts, err := s.attempts.ListAttemptsByStatus(ctx, store.AttemptUnconfirmed)
	if err != nil {
		return res, err
	}
	if len(attempts) > sweepBatchSize {
		attempts = attempts[:sweepBatchSize]
	}

	for i := range attempts {
		if ctx.Err() != nil {
			break
		}
		attempt := &attempts[i]
		res.Checked++
		_, err := s.repoller.Repoll(ctx, attempt)
		switch {
		case err == nil:
			res.Settled++
		case issuererrors.HasCode(err, issuererrors.ErrCodeUnconfirmed):
			res.Unconfirmed++
		case issuererrors.HasCode(err, issuererrors.ErrCodeUndecodableLog):
			res.Undecodable++
		default:
			res.Errored++
			s.logger.Warn().Err(err).Str("tx_hash", attempt.TxHash).Msg("re-poll failed")
		}
	}

	s.metrics.SetUnconfirmed(res.Unconfirmed + res.Errored)
	if res.Checked > 0 {
		s.logger.Info().
			Int("checked", res.Checked).
			Int("settled", res.Settled).
			Int("still_unconfirmed", res.Unconfirmed).
			Int("undecodable", res.Undecodable).
			Msg("swept unconfirmed attempts")
	}
	return res, nil
}
