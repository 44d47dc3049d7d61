// Package ledgertest provides an in-memory certificate contract for tests.
package ledgertest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/hackcert/hackcert-node/issuer/ledger"
)

// Organizer is the address the fake contract mints to before transfers.
var Organizer = ethcommon.HexToAddress("0x000000000000000000000000000000000000c0de")

type fakeTx struct {
	batch   ledger.Batch
	receipt *ledger.Receipt
	revert  string
	mined   bool
}

// Ledger simulates the certificate contract. Transactions are mined on submission
// unless AutoMine is false, in which case MineAll includes them.
type Ledger struct {
	mu sync.Mutex

	names     map[uint64]string
	owners    map[string]ethcommon.Address
	nextToken int64
	txs       map[string]*fakeTx
	order     []string
	seq       int
	block     uint64

	AutoMine bool
	// ReadErr fails GetEventName and OwnerOf.
	ReadErr error
	// SubmitErr fails every write before it reaches the mempool.
	SubmitErr error
	// ReceiptErr fails GetReceipt with a transport error.
	ReceiptErr error
	// Reject drops the log for these recipients inside otherwise successful mints.
	Reject map[ethcommon.Address]bool

	revertNext  string
	corruptNext bool
	calls       map[string]int
}

// New returns an empty contract with token ids starting at 1.
func New() *Ledger {
	return &Ledger{
		names:     make(map[uint64]string),
		owners:    make(map[string]ethcommon.Address),
		txs:       make(map[string]*fakeTx),
		nextToken: 1,
		AutoMine:  true,
		Reject:    make(map[ethcommon.Address]bool),
		calls:     make(map[string]int),
	}
}

var _ ledger.Client = (*Ledger)(nil)

// SetEventName registers an event directly, as if done out of band.
func (l *Ledger) SetEventName(eventID uint64, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names[eventID] = name
}

// SetNextTokenID sets the id assigned to the next minted token.
func (l *Ledger) SetNextTokenID(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextToken = id
}

// RevertNext makes the next submitted transaction revert with reason.
func (l *Ledger) RevertNext(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.revertNext = reason
}

// CorruptNext appends an undecodable log to the next successful transaction.
func (l *Ledger) CorruptNext() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.corruptNext = true
}

// Calls returns how many times method was submitted.
func (l *Ledger) Calls(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

// Drop forgets a pending transaction as if the mempool evicted it.
func (l *Ledger) Drop(txHash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.txs, txHash)
}

// MineAll includes every pending transaction in submission order.
func (l *Ledger) MineAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, hash := range l.order {
		if tx, ok := l.txs[hash]; ok && !tx.mined {
			l.mine(hash, tx)
		}
	}
}

// Owner returns the current owner of tokenID.
func (l *Ledger) Owner(tokenID int64) ethcommon.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owners[big.NewInt(tokenID).String()]
}

func (l *Ledger) GetEventName(_ context.Context, eventID uint64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReadErr != nil {
		return "", l.ReadErr
	}
	return l.names[eventID], nil
}

func (l *Ledger) OwnerOf(_ context.Context, tokenID *big.Int) (ethcommon.Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReadErr != nil {
		return ethcommon.Address{}, l.ReadErr
	}
	owner, ok := l.owners[tokenID.String()]
	if !ok {
		return ethcommon.Address{}, errors.New("execution reverted: invalid token id")
	}
	return owner, nil
}

func (l *Ledger) CreateEvent(_ context.Context, eventID uint64, name string) (string, error) {
	return l.submit(ledger.Batch{Method: ledger.MethodCreateEvent, EventID: eventID, Name: name})
}

func (l *Ledger) BulkMintPoA(_ context.Context, recipients []ethcommon.Address, eventID uint64) (string, error) {
	return l.submit(ledger.Batch{Method: ledger.MethodBulkMintPoA, EventID: eventID, Recipients: recipients})
}

func (l *Ledger) BulkTransfer(_ context.Context, recipients []ethcommon.Address, tokenIDs []*big.Int) (string, error) {
	if len(recipients) != len(tokenIDs) {
		return "", errors.New("length mismatch")
	}
	return l.submit(ledger.Batch{Method: ledger.MethodBulkTransfer, Recipients: recipients, TokenIDs: tokenIDs})
}

func (l *Ledger) MintCertificate(_ context.Context, recipient ethcommon.Address, eventID uint64, contentHash string) (string, error) {
	return l.submit(ledger.Batch{
		Method: ledger.MethodMintCertificate, EventID: eventID,
		Recipients: []ethcommon.Address{recipient}, ContentHashes: []string{contentHash},
	})
}

func (l *Ledger) BulkMintCertificates(_ context.Context, recipients []ethcommon.Address, eventID uint64, contentHashes []string) (string, error) {
	if len(recipients) != len(contentHashes) {
		return "", errors.New("length mismatch")
	}
	return l.submit(ledger.Batch{
		Method: ledger.MethodBulkMintCertificates, EventID: eventID,
		Recipients: recipients, ContentHashes: contentHashes,
	})
}

func (l *Ledger) GetReceipt(_ context.Context, txHash string) (*ledger.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReceiptErr != nil {
		return nil, l.ReceiptErr
	}
	tx, ok := l.txs[txHash]
	if !ok || !tx.mined {
		return nil, ledger.ErrReceiptNotFound
	}
	r := *tx.receipt
	r.Logs = append([]ledger.Log(nil), tx.receipt.Logs...)
	return &r, nil
}

func (l *Ledger) GetSubmittedBatch(_ context.Context, txHash string) (*ledger.Batch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txs[txHash]
	if !ok {
		return nil, ledger.ErrReceiptNotFound
	}
	b := tx.batch
	return &b, nil
}

func (l *Ledger) submit(batch ledger.Batch) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SubmitErr != nil {
		return "", l.SubmitErr
	}
	l.seq++
	hash := fmt.Sprintf("0x%064x", l.seq)
	batch.Sender = Organizer
	tx := &fakeTx{batch: batch, revert: l.revertNext}
	l.revertNext = ""
	l.txs[hash] = tx
	l.order = append(l.order, hash)
	l.calls[batch.Method]++
	if l.AutoMine {
		l.mine(hash, tx)
	}
	return hash, nil
}

// mine applies a transaction's effects. Callers hold l.mu.
func (l *Ledger) mine(hash string, tx *fakeTx) {
	l.block++
	tx.mined = true
	tx.receipt = &ledger.Receipt{TxHash: hash, BlockNumber: l.block, Confirmations: 1}

	if reason := l.precondition(tx); reason != "" {
		tx.receipt.Reverted = true
		tx.receipt.RevertReason = reason
		return
	}

	b := tx.batch
	var logs []ledger.Log
	emit := func(lg ledger.Log) {
		lg.Index = uint(len(logs))
		logs = append(logs, lg)
	}

	switch b.Method {
	case ledger.MethodCreateEvent:
		l.names[b.EventID] = b.Name
	case ledger.MethodBulkMintPoA, ledger.MethodMintCertificate, ledger.MethodBulkMintCertificates:
		kind := ledger.LogPoAMinted
		if b.Method != ledger.MethodBulkMintPoA {
			kind = ledger.LogCertificateMinted
		}
		for i, r := range b.Recipients {
			if l.Reject[r] {
				continue
			}
			id := big.NewInt(l.nextToken)
			l.nextToken++
			l.owners[id.String()] = Organizer
			lg := ledger.Log{Kind: kind, Recipient: r, TokenID: id, EventID: new(big.Int).SetUint64(b.EventID)}
			if kind == ledger.LogCertificateMinted {
				lg.ContentHash = b.ContentHashes[i]
			}
			emit(lg)
		}
	case ledger.MethodBulkTransfer:
		for i, r := range b.Recipients {
			id := b.TokenIDs[i]
			if l.Reject[r] || l.owners[id.String()] != Organizer {
				continue
			}
			l.owners[id.String()] = r
			emit(ledger.Log{Kind: ledger.LogTransfer, From: Organizer, Recipient: r, TokenID: new(big.Int).Set(id)})
		}
	}

	if l.corruptNext {
		l.corruptNext = false
		kind := ledger.LogPoAMinted
		if b.Method == ledger.MethodBulkTransfer {
			kind = ledger.LogTransfer
		}
		emit(ledger.Log{Kind: kind, DecodeErr: errors.New("truncated log data")})
	}
	tx.receipt.Logs = logs
}

func (l *Ledger) precondition(tx *fakeTx) string {
	if tx.revert != "" {
		return tx.revert
	}
	b := tx.batch
	switch b.Method {
	case ledger.MethodCreateEvent:
		if l.names[b.EventID] != "" {
			return "event already exists"
		}
	case ledger.MethodBulkMintPoA, ledger.MethodMintCertificate, ledger.MethodBulkMintCertificates:
		if l.names[b.EventID] == "" {
			return "event not registered"
		}
	}
	return ""
}
