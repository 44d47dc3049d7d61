// Package ledger defines the contract between the issuance node and the certificate contract.
// Implementations submit transactions asynchronously: every write returns a transaction hash
// immediately and confirmation is a separate GetReceipt poll.
package ledger

import (
	"context"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// ErrReceiptNotFound is returned by GetReceipt while a transaction is not yet included.
var ErrReceiptNotFound = errors.New("receipt not found")

// Contract method names, as decoded by GetSubmittedBatch.
const (
	MethodCreateEvent          = "createEvent"
	MethodBulkMintPoA          = "bulkMintPOA"
	MethodBulkTransfer         = "bulkTransfer"
	MethodMintCertificate      = "mintCertificate"
	MethodBulkMintCertificates = "bulkMintCertificates"
)

// Client is the ledger surface used by the registry synchronizer and the bulk orchestrator.
type Client interface {
	// GetEventName returns the registered name, or "" when the event is unregistered.
	GetEventName(ctx context.Context, eventID uint64) (string, error)
	CreateEvent(ctx context.Context, eventID uint64, name string) (string, error)
	BulkMintPoA(ctx context.Context, recipients []ethcommon.Address, eventID uint64) (string, error)
	BulkTransfer(ctx context.Context, recipients []ethcommon.Address, tokenIDs []*big.Int) (string, error)
	MintCertificate(ctx context.Context, recipient ethcommon.Address, eventID uint64, contentHash string) (string, error)
	BulkMintCertificates(ctx context.Context, recipients []ethcommon.Address, eventID uint64, contentHashes []string) (string, error)
	// GetReceipt returns ErrReceiptNotFound until the transaction is included.
	GetReceipt(ctx context.Context, txHash string) (*Receipt, error)
	// GetSubmittedBatch decodes a transaction's calldata. It returns ErrReceiptNotFound when the
	// node does not know the transaction at all (dropped or never broadcast).
	GetSubmittedBatch(ctx context.Context, txHash string) (*Batch, error)
	OwnerOf(ctx context.Context, tokenID *big.Int) (ethcommon.Address, error)
}

// LogKind identifies a decoded contract event.
type LogKind string

const (
	LogPoAMinted         LogKind = "PoAMinted"
	LogCertificateMinted LogKind = "CertificateMinted"
	LogTransfer          LogKind = "Transfer"
)

// Log is one contract event emitted by a confirmed transaction, in emission order.
// DecodeErr is set when the log carried a known topic but its payload could not be decoded;
// only Kind and Index are meaningful in that case.
type Log struct {
	Kind        LogKind
	Index       uint
	Recipient   ethcommon.Address // minted-to address, or the transfer destination
	From        ethcommon.Address // transfers only
	TokenID     *big.Int
	EventID     *big.Int
	ContentHash string
	DecodeErr   error
}

// Receipt is the confirmed outcome of a submitted transaction.
type Receipt struct {
	TxHash        string
	BlockNumber   uint64
	Confirmations uint64
	Reverted      bool
	RevertReason  string
	Logs          []Log
}

// Batch is a submitted transaction's decoded calldata.
type Batch struct {
	Method        string
	Sender        ethcommon.Address
	EventID       uint64
	Name          string // createEvent only
	Recipients    []ethcommon.Address
	TokenIDs      []*big.Int
	ContentHashes []string
}
