package api

import (
	"context"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/hackcert/hackcert-node/issuer/bulk"
	"github.com/hackcert/hackcert-node/issuer/ledger"
	"github.com/hackcert/hackcert-node/issuer/lifecycle"
	"github.com/hackcert/hackcert-node/issuer/reconciler"
	"github.com/hackcert/hackcert-node/issuer/recipients"
	"github.com/hackcert/hackcert-node/issuer/registry"
	"github.com/hackcert/hackcert-node/issuer/store"
)

// Catalog defines the lifecycle store reads and writes the API server needs
type Catalog interface {
	CreateEvent(ctx context.Context, eventID uint64, name string) (*store.Event, error)
	GetEvent(ctx context.Context, eventID uint64) (*store.Event, error)
	GetEventByJoinCode(ctx context.Context, code string) (*store.Event, error)
	ListActiveEvents(ctx context.Context) ([]store.Event, error)
	RegisterParticipant(ctx context.Context, in lifecycle.ParticipantInput) (*store.Participant, error)
	GetParticipant(ctx context.Context, eventID uint64, wallet string) (*store.Participant, error)
	ListParticipants(ctx context.Context, eventID uint64) ([]store.Participant, error)
	GetIssuanceRecord(ctx context.Context, eventID uint64, wallet string, class store.Class) (*store.IssuanceRecord, error)
	GetAttempt(ctx context.Context, txHash string) (*store.BulkOperationAttempt, error)
	ListAttemptsByStatus(ctx context.Context, statuses ...string) ([]store.BulkOperationAttempt, error)
}

// Issuer is the bulk orchestrator surface
type Issuer interface {
	PrepareBulk(ctx context.Context, eventID uint64, kind store.OperationKind) (*bulk.Prepared, error)
	SubmitBulk(ctx context.Context, eventID uint64, kind store.OperationKind, list []recipients.Recipient) (*store.BulkOperationAttempt, error)
	ConfirmBulk(ctx context.Context, eventID uint64, kind store.OperationKind, txHash string, observed []ledger.Log) (*reconciler.Summary, error)
	ResolveUndecodable(ctx context.Context, txHash, note string) (*reconciler.Summary, error)
}

// Registry reconciles ledger event registrations
type Registry interface {
	ReconcileEvent(ctx context.Context, eventID uint64) (registry.Result, error)
	ReconcileAll(ctx context.Context) (registry.Summary, error)
}

// OwnerReader checks token ownership on the ledger
type OwnerReader interface {
	OwnerOf(ctx context.Context, tokenID *big.Int) (ethcommon.Address, error)
}
