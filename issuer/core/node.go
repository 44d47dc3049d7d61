// Package core wires the issuance node's components together.
package core

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/hackcert/hackcert-node/issuer/api"
	"github.com/hackcert/hackcert-node/issuer/bulk"
	"github.com/hackcert/hackcert-node/issuer/config"
	"github.com/hackcert/hackcert-node/issuer/cron"
	"github.com/hackcert/hackcert-node/issuer/db"
	"github.com/hackcert/hackcert-node/issuer/ledger"
	"github.com/hackcert/hackcert-node/issuer/ledger/evm"
	"github.com/hackcert/hackcert-node/issuer/lifecycle"
	"github.com/hackcert/hackcert-node/issuer/metrics"
	"github.com/hackcert/hackcert-node/issuer/reconciler"
	"github.com/hackcert/hackcert-node/issuer/recipients"
	"github.com/hackcert/hackcert-node/issuer/registry"
	"github.com/hackcert/hackcert-node/issuer/sweeper"
)

// Option customises node construction.
type Option func(*options)

type options struct {
	ledger   ledger.Client
	inMemory bool
}

// WithLedger uses client instead of dialing the configured RPC endpoints.
func WithLedger(client ledger.Client) Option {
	return func(o *options) { o.ledger = client }
}

// WithInMemoryDB keeps the database in memory instead of the node home.
func WithInMemoryDB() Option {
	return func(o *options) { o.inMemory = true }
}

// Node owns every long-running component of hcertd.
type Node struct {
	cfg *config.Config
	log zerolog.Logger
	db  *db.DB
	rpc *evm.RPCClient

	Store        *lifecycle.Store
	Ledger       ledger.Client
	Registry     *registry.Synchronizer
	Orchestrator *bulk.Orchestrator
	Sweeper      *sweeper.Sweeper
	RegistryJob  *cron.RegistryJob
	Archiver     *db.AttemptArchiver
	API          *api.Server
}

// NewNode opens the database and ledger connection and builds every component.
// Nothing runs until Start.
func NewNode(cfg *config.Config, log zerolog.Logger, opts ...Option) (*Node, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{cfg: cfg, log: log.With().Str("component", "node").Logger()}

	var err error
	if o.inMemory {
		n.db, err = db.OpenInMemoryDB(true)
	} else {
		dir, file := cfg.DatabaseFile()
		n.db, err = db.OpenFileDB(dir, file, true)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	n.Ledger = o.ledger
	if n.Ledger == nil {
		client, rpc, err := evm.Dial(cfg, log)
		if err != nil {
			_ = n.db.Close()
			return nil, errors.Wrap(err, "failed to connect to ledger")
		}
		n.Ledger, n.rpc = client, rpc
		n.log.Info().Str("signer", client.Signer().Hex()).Str("contract", cfg.ContractAddress).Msg("ledger client ready")
	}

	m := metrics.Issuance()
	n.Store = lifecycle.NewStore(n.db, log)
	n.Registry = registry.New(n.Store, n.Ledger, registry.OptionsFromConfig(cfg), m, log)
	n.Orchestrator = bulk.New(
		n.Store,
		n.Ledger,
		n.Registry,
		recipients.NewBuilder(n.Store, log),
		reconciler.New(n.Store, m, log),
		m,
		bulk.OptionsFromConfig(cfg),
		log,
	)
	n.Orchestrator.OnComplete(n.logCompletion)

	n.Sweeper = sweeper.NewSweeper(sweeper.Config{
		Attempts:      n.Store,
		Repoller:      n.Orchestrator,
		Metrics:       m,
		CheckInterval: cfg.SweepInterval(),
		Logger:        log,
	})
	n.RegistryJob = cron.NewRegistryJob(n.Registry, cfg.RegistrySyncInterval(), cfg.RegistrySyncTimeout(), log)
	n.Archiver = db.NewAttemptArchiver(n.db, cfg.ArchiveInterval(), cfg.AttemptRetention(), log)

	n.API = api.NewServer(api.Deps{
		Catalog:           n.Store,
		Issuer:            n.Orchestrator,
		Registry:          n.Registry,
		Owners:            n.Ledger,
		ForceRegistrySync: n.RegistryJob.ForceSync,
		RateLimit: api.RateLimit{
			RequestsPerMinute: cfg.APIRateLimitPerMinute,
			Burst:             cfg.APIRateBurst,
		},
	}, log, cfg.APIPort, cfg.MetricsEnabled)

	return n, nil
}

func (n *Node) logCompletion(c bulk.Completion) {
	ev := n.log.Info()
	if c.Err != nil {
		ev = n.log.Warn().Err(c.Err)
	}
	ev = ev.Str("tx_hash", c.Attempt.TxHash).Uint64("event_id", c.Attempt.EventID).Str("kind", c.Attempt.Kind)
	if c.Summary != nil {
		succeeded, failed, skipped := c.Summary.Counts()
		ev = ev.Int("succeeded", succeeded).Int("failed", failed).Int("skipped", skipped)
	}
	ev.Msg("bulk operation settled")
}

// Start runs every background component and the API, then blocks until ctx is done.
func (n *Node) Start(ctx context.Context) error {
	n.log.Info().Msg("starting issuance node")

	if err := n.Archiver.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start attempt archiver")
	}
	if err := n.RegistryJob.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start registry job")
	}
	n.Sweeper.Start(ctx)

	resumed, err := n.Orchestrator.Resume(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to resume submitted attempts")
	}

	if err := n.API.Start(); err != nil {
		return errors.Wrap(err, "failed to start API server")
	}
	n.log.Info().Int("resumed_attempts", resumed).Int("api_port", n.cfg.APIPort).Msg("initialization complete")

	<-ctx.Done()

	n.log.Info().Msg("shutting down issuance node")
	return n.Close()
}

// Close stops every component and releases the database and ledger connections.
func (n *Node) Close() error {
	if n.API != nil {
		if err := n.API.Stop(); err != nil {
			n.log.Warn().Err(err).Msg("failed to stop API server")
		}
	}
	if n.RegistryJob != nil {
		n.RegistryJob.Stop()
	}
	if n.Orchestrator != nil {
		n.Orchestrator.Stop()
	}
	if n.rpc != nil {
		n.rpc.Close()
	}
	return n.db.Close()
}
