package bulk

import (
	"fmt"

	ethcommon "github.com/ethereum/go-ethereum/common"

	issuererrors "github.com/hackcert/hackcert-node/issuer/errors"
	"github.com/hackcert/hackcert-node/issuer/ledger"
	"github.com/hackcert/hackcert-node/issuer/reconciler"
	"github.com/hackcert/hackcert-node/issuer/store"
)

const (
	reasonNoLog    = "ledger emitted no log for recipient"
	reasonReverted = "transaction reverted"
)

// expectedLog is the contract event that evidences success for kind.
func expectedLog(kind store.OperationKind) ledger.LogKind {
	switch kind {
	case store.KindPoAMint:
		return ledger.LogPoAMinted
	case store.KindCertificateMint:
		return ledger.LogCertificateMinted
	default:
		return ledger.LogTransfer
	}
}

// MapOutcomes turns a confirmed receipt into one outcome per submitted recipient, in
// submission order.
//
// A reverted transaction fails every recipient with the revert reason. Mint logs are matched
// to recipients by walking the submitted list in order, so a repeated address maps to
// successive positions and a skipped recipient fails. Transfer logs are matched by their
// indexed token id. A log of the expected kind that cannot be decoded or placed yields
// UndecodableLog.
func MapOutcomes(eventID uint64, kind store.OperationKind, recipients []store.AttemptRecipient, receipt *ledger.Receipt) ([]reconciler.Outcome, error) {
	out := make([]reconciler.Outcome, len(recipients))

	if receipt.Reverted {
		reason := receipt.RevertReason
		if reason == "" {
			reason = reasonReverted
		}
		for i, r := range recipients {
			out[i] = failed(r, reason)
		}
		return out, nil
	}

	want := expectedLog(kind)
	var logs []ledger.Log
	for _, l := range receipt.Logs {
		if l.Kind != want {
			continue
		}
		if l.DecodeErr != nil {
			return nil, issuererrors.NewUndecodableLog(fmt.Sprintf("%s log %d in %s", l.Kind, l.Index, receipt.TxHash), l.DecodeErr)
		}
		logs = append(logs, l)
	}

	if kind.IsTransfer() {
		return mapTransfers(recipients, logs, receipt.TxHash, out)
	}
	return mapMints(eventID, recipients, logs, receipt.TxHash, out)
}

func mapMints(eventID uint64, recipients []store.AttemptRecipient, logs []ledger.Log, txHash string, out []reconciler.Outcome) ([]reconciler.Outcome, error) {
	cursor := 0
	for _, l := range logs {
		if l.EventID == nil || !l.EventID.IsUint64() || l.EventID.Uint64() != eventID {
			return nil, issuererrors.NewUndecodableLog(fmt.Sprintf("log %d in %s is for event %v, not %d", l.Index, txHash, l.EventID, eventID), nil)
		}
		if l.TokenID == nil {
			return nil, issuererrors.NewUndecodableLog(fmt.Sprintf("log %d in %s carries no token id", l.Index, txHash), nil)
		}
		for cursor < len(recipients) && !sameWallet(recipients[cursor].Wallet, l.Recipient) {
			out[cursor] = failed(recipients[cursor], reasonNoLog)
			cursor++
		}
		if cursor == len(recipients) {
			return nil, issuererrors.NewUndecodableLog(
				fmt.Sprintf("log %d in %s mints to %s, which matches no remaining recipient", l.Index, txHash, l.Recipient.Hex()), nil)
		}
		out[cursor] = succeeded(recipients[cursor], l.TokenID.String())
		cursor++
	}
	for ; cursor < len(recipients); cursor++ {
		out[cursor] = failed(recipients[cursor], reasonNoLog)
	}
	return out, nil
}

func mapTransfers(recipients []store.AttemptRecipient, logs []ledger.Log, txHash string, out []reconciler.Outcome) ([]reconciler.Outcome, error) {
	byToken := make(map[string]ledger.Log, len(logs))
	for _, l := range logs {
		if l.TokenID == nil {
			return nil, issuererrors.NewUndecodableLog(fmt.Sprintf("transfer log %d in %s carries no token id", l.Index, txHash), nil)
		}
		byToken[l.TokenID.String()] = l
	}
	for i, r := range recipients {
		l, ok := byToken[r.TokenID]
		switch {
		case !ok:
			out[i] = failed(r, reasonNoLog)
		case !sameWallet(r.Wallet, l.Recipient):
			out[i] = failed(r, fmt.Sprintf("token %s moved to %s", r.TokenID, l.Recipient.Hex()))
		default:
			out[i] = succeeded(r, r.TokenID)
		}
	}
	return out, nil
}

func sameWallet(wallet string, addr ethcommon.Address) bool {
	return ethcommon.IsHexAddress(wallet) && ethcommon.HexToAddress(wallet) == addr
}

func succeeded(r store.AttemptRecipient, tokenID string) reconciler.Outcome {
	o := reconciler.Succeeded(r.Wallet, tokenID)
	o.ParticipantID = r.ParticipantID
	return o
}

func failed(r store.AttemptRecipient, reason string) reconciler.Outcome {
	o := reconciler.Failed(r.Wallet, reason)
	o.ParticipantID = r.ParticipantID
	return o
}
