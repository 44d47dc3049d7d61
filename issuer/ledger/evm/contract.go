package evm

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"github.com/hackcert/hackcert-node/issuer/config"
	"github.com/hackcert/hackcert-node/issuer/ledger"
)

const commonABI = `
{"type":"function","name":"getEventName","stateMutability":"view",
 "inputs":[{"name":"eventId","type":"uint256"}],"outputs":[{"name":"","type":"string"}]},
{"type":"function","name":"createEvent","stateMutability":"nonpayable",
 "inputs":[{"name":"eventId","type":"uint256"},{"name":"name","type":"string"}],"outputs":[]},
{"type":"function","name":"bulkTransfer","stateMutability":"nonpayable",
 "inputs":[{"name":"recipients","type":"address[]"},{"name":"tokenIds","type":"uint256[]"}],"outputs":[]},
{"type":"function","name":"mintCertificate","stateMutability":"nonpayable",
 "inputs":[{"name":"recipient","type":"address"},{"name":"eventId","type":"uint256"},{"name":"contentHash","type":"string"}],"outputs":[]},
{"type":"function","name":"bulkMintCertificates","stateMutability":"nonpayable",
 "inputs":[{"name":"recipients","type":"address[]"},{"name":"eventId","type":"uint256"},{"name":"contentHashes","type":"string[]"}],"outputs":[]},
{"type":"function","name":"ownerOf","stateMutability":"view",
 "inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
{"type":"event","name":"PoAMinted","anonymous":false,"inputs":[
 {"name":"recipient","type":"address","indexed":true},
 {"name":"tokenId","type":"uint256","indexed":true},
 {"name":"eventId","type":"uint256","indexed":true}]},
{"type":"event","name":"CertificateMinted","anonymous":false,"inputs":[
 {"name":"recipient","type":"address","indexed":true},
 {"name":"tokenId","type":"uint256","indexed":true},
 {"name":"eventId","type":"uint256","indexed":true},
 {"name":"contentHash","type":"string","indexed":false}]},
{"type":"event","name":"Transfer","anonymous":false,"inputs":[
 {"name":"from","type":"address","indexed":true},
 {"name":"to","type":"address","indexed":true},
 {"name":"tokenId","type":"uint256","indexed":true}]}`

const bulkMintPoAV1 = `
{"type":"function","name":"bulkMintPOA","stateMutability":"nonpayable",
 "inputs":[{"name":"recipients","type":"address[]"},{"name":"eventId","type":"uint256"}],"outputs":[]}`

const bulkMintPoAV2 = `
{"type":"function","name":"bulkMintPOA","stateMutability":"nonpayable",
 "inputs":[{"name":"recipients","type":"address[]"},{"name":"eventId","type":"uint256"},{"name":"contentHash","type":"string"}],"outputs":[]}`

// contractABI returns the contract ABI pinned to a deployed ledger version.
func contractABI(version config.LedgerVersion) (abi.ABI, error) {
	var mint string
	switch version {
	case config.LedgerVersionV1:
		mint = bulkMintPoAV1
	case config.LedgerVersionV2:
		mint = bulkMintPoAV2
	default:
		return abi.ABI{}, errors.Errorf("unsupported ledger version %q", version)
	}
	return abi.JSON(strings.NewReader("[" + commonABI + "," + mint + "]"))
}

var logKinds = map[string]ledger.LogKind{
	"PoAMinted":         ledger.LogPoAMinted,
	"CertificateMinted": ledger.LogCertificateMinted,
	"Transfer":          ledger.LogTransfer,
}

// decodeLogs turns the contract's receipt logs into ledger logs, in emission order.
// Logs from other addresses and unknown topics are ignored.
func decodeLogs(contract abi.ABI, address ethcommon.Address, logs []*types.Log) []ledger.Log {
	out := make([]ledger.Log, 0, len(logs))
	for _, l := range logs {
		if l == nil || l.Address != address || len(l.Topics) == 0 {
			continue
		}
		event, err := contract.EventByID(l.Topics[0])
		if err != nil {
			continue
		}
		kind, ok := logKinds[event.Name]
		if !ok {
			continue
		}

		decoded := ledger.Log{Kind: kind, Index: l.Index}
		if err := decodeLog(contract, event, l, &decoded); err != nil {
			decoded.DecodeErr = err
		}
		out = append(out, decoded)
	}
	return out
}

func decodeLog(contract abi.ABI, event *abi.Event, l *types.Log, out *ledger.Log) error {
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(l.Topics)-1 != len(indexed) {
		return errors.Errorf("%s log has %d indexed topics, want %d", event.Name, len(l.Topics)-1, len(indexed))
	}

	fields := make(map[string]interface{})
	if err := abi.ParseTopicsIntoMap(fields, indexed, l.Topics[1:]); err != nil {
		return errors.Wrapf(err, "failed to parse %s topics", event.Name)
	}
	if len(event.Inputs.NonIndexed()) > 0 {
		if err := contract.UnpackIntoMap(fields, event.Name, l.Data); err != nil {
			return errors.Wrapf(err, "failed to unpack %s data", event.Name)
		}
	}

	var err error
	switch out.Kind {
	case ledger.LogTransfer:
		if out.From, err = addressField(fields, "from"); err != nil {
			return err
		}
		if out.Recipient, err = addressField(fields, "to"); err != nil {
			return err
		}
	default:
		if out.Recipient, err = addressField(fields, "recipient"); err != nil {
			return err
		}
		if out.EventID, err = uintField(fields, "eventId"); err != nil {
			return err
		}
	}
	if out.TokenID, err = uintField(fields, "tokenId"); err != nil {
		return err
	}
	if out.Kind == ledger.LogCertificateMinted {
		hash, ok := fields["contentHash"].(string)
		if !ok {
			return errors.New("contentHash is not a string")
		}
		out.ContentHash = hash
	}
	return nil
}

func addressField(fields map[string]interface{}, name string) (ethcommon.Address, error) {
	v, ok := fields[name].(ethcommon.Address)
	if !ok {
		return ethcommon.Address{}, errors.Errorf("field %s is not an address", name)
	}
	return v, nil
}

func uintField(fields map[string]interface{}, name string) (*big.Int, error) {
	v, ok := fields[name].(*big.Int)
	if !ok || v == nil {
		return nil, errors.Errorf("field %s is not a uint256", name)
	}
	return v, nil
}

// decodeCalldata unpacks a contract write into a batch.
func decodeCalldata(contract abi.ABI, data []byte) (*ledger.Batch, error) {
	if len(data) < 4 {
		return nil, errors.New("calldata shorter than a selector")
	}
	method, err := contract.MethodById(data[:4])
	if err != nil {
		return nil, errors.Wrap(err, "unknown contract method")
	}
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, errors.Wrapf(err, "failed to unpack %s arguments", method.Name)
	}

	batch := &ledger.Batch{Method: method.Name}
	var eventID *big.Int
	switch method.Name {
	case ledger.MethodCreateEvent:
		id, ok1 := values[0].(*big.Int)
		name, ok2 := values[1].(string)
		if !ok1 || !ok2 {
			return nil, errors.New("malformed createEvent arguments")
		}
		eventID, batch.Name = id, name
	case ledger.MethodBulkMintPoA:
		recipients, ok1 := values[0].([]ethcommon.Address)
		id, ok2 := values[1].(*big.Int)
		if !ok1 || !ok2 {
			return nil, errors.New("malformed bulkMintPOA arguments")
		}
		eventID, batch.Recipients = id, recipients
	case ledger.MethodBulkTransfer:
		recipients, ok1 := values[0].([]ethcommon.Address)
		tokenIDs, ok2 := values[1].([]*big.Int)
		if !ok1 || !ok2 {
			return nil, errors.New("malformed bulkTransfer arguments")
		}
		batch.Recipients, batch.TokenIDs = recipients, tokenIDs
	case ledger.MethodMintCertificate:
		recipient, ok1 := values[0].(ethcommon.Address)
		id, ok2 := values[1].(*big.Int)
		hash, ok3 := values[2].(string)
		if !ok1 || !ok2 || !ok3 {
			return nil, errors.New("malformed mintCertificate arguments")
		}
		eventID, batch.Recipients = id, []ethcommon.Address{recipient}
		batch.ContentHashes = []string{hash}
	case ledger.MethodBulkMintCertificates:
		recipients, ok1 := values[0].([]ethcommon.Address)
		id, ok2 := values[1].(*big.Int)
		hashes, ok3 := values[2].([]string)
		if !ok1 || !ok2 || !ok3 {
			return nil, errors.New("malformed bulkMintCertificates arguments")
		}
		eventID, batch.Recipients, batch.ContentHashes = id, recipients, hashes
	default:
		return nil, errors.Errorf("method %s does not submit a batch", method.Name)
	}
	if eventID != nil {
		if !eventID.IsUint64() {
			return nil, errors.Errorf("event id %s does not fit a uint64", eventID)
		}
		batch.EventID = eventID.Uint64()
	}
	return batch, nil
}
