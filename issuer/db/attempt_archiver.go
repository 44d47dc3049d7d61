package db

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// AttemptArchiver periodically archives consumed bulk operation attempts
type AttemptArchiver struct {
	db              *DB
	logger          zerolog.Logger
	stopCh          chan struct{}
	archiveInterval time.Duration
	retentionPeriod time.Duration
	now             func() time.Time
}

// NewAttemptArchiver creates a new attempt archiver
func NewAttemptArchiver(database *DB, archiveInterval, retentionPeriod time.Duration, logger zerolog.Logger) *AttemptArchiver {
	if archiveInterval <= 0 {
		archiveInterval = time.Hour
	}
	return &AttemptArchiver{
		db:              database,
		archiveInterval: archiveInterval,
		retentionPeriod: retentionPeriod,
		logger:          logger.With().Str("component", "attempt_archiver").Logger(),
		stopCh:          make(chan struct{}),
		now:             time.Now,
	}
}

// Start begins the periodic archive process
func (a *AttemptArchiver) Start(ctx context.Context) error {
	a.logger.Info().
		Dur("archive_interval", a.archiveInterval).
		Dur("retention_period", a.retentionPeriod).
		Msg("starting attempt archiver")

	if _, err := a.RunOnce(); err != nil {
		a.logger.Error().Err(err).Msg("failed to perform initial archive")
	}

	ticker := time.NewTicker(a.archiveInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				a.logger.Info().Msg("context cancelled, stopping attempt archiver")
				return
			case <-a.stopCh:
				a.logger.Info().Msg("stop signal received, stopping attempt archiver")
				return
			case <-ticker.C:
				if _, err := a.RunOnce(); err != nil {
					a.logger.Error().Err(err).Msg("failed to perform scheduled archive")
				}
			}
		}
	}()

	return nil
}

// Stop gracefully stops the archiver
func (a *AttemptArchiver) Stop() {
	a.logger.Info().Msg("stopping attempt archiver")
	close(a.stopCh)
}

// RunOnce archives eligible attempts and checkpoints the WAL when anything changed.
func (a *AttemptArchiver) RunOnce() (int64, error) {
	start := a.now()

	archived, err := a.db.ArchiveConsumedAttempts(a.retentionPeriod, start)
	if err != nil {
		return 0, err
	}

	if archived > 0 {
		a.checkpointWAL()
		a.logger.Info().
			Int64("archived_count", archived).
			Dur("duration", time.Since(start)).
			Msg("attempt archive completed")
	} else {
		a.logger.Debug().Msg("attempt archive completed - nothing to archive")
	}
	return archived, nil
}

// checkpointWAL truncates the WAL so it does not grow unbounded between restarts
func (a *AttemptArchiver) checkpointWAL() {
	if err := a.db.Client().Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error; err != nil {
		a.logger.Warn().Err(err).Msg("failed to checkpoint WAL")
	}
}
