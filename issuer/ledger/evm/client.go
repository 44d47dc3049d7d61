// Package evm implements the ledger client against an EVM certificate contract.
package evm

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/hackcert/hackcert-node/issuer/config"
	"github.com/hackcert/hackcert-node/issuer/ledger"
)

// Options configures a contract client.
type Options struct {
	ContractAddress       string
	ChainID               int64
	Version               config.LedgerVersion
	PrivateKeyHex         string // empty: read-only client
	BaseGasLimit          uint64
	GasLimitPerRecipient  uint64
	RequiredConfirmations uint64
	RequestTimeout        time.Duration
}

// OptionsFromConfig maps node configuration onto client options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ContractAddress:       cfg.ContractAddress,
		ChainID:               cfg.LedgerChainID,
		Version:               cfg.LedgerVersion,
		PrivateKeyHex:         cfg.SignerPrivateKey,
		BaseGasLimit:          cfg.BaseGasLimit,
		GasLimitPerRecipient:  cfg.GasLimitPerRecipient,
		RequiredConfirmations: cfg.RequiredConfirmations,
		RequestTimeout:        cfg.RequestTimeout(),
	}
}

// Client talks to the certificate contract
type Client struct {
	rpc     chainRPC
	abi     abi.ABI
	address ethcommon.Address
	chainID *big.Int
	signer  types.Signer
	key     *ecdsa.PrivateKey
	from    ethcommon.Address
	opts    Options
	logger  zerolog.Logger

	nonceMu   sync.Mutex
	nextNonce uint64
	hasNonce  bool
}

var _ ledger.Client = (*Client)(nil)

// NewClient builds a contract client over rpc.
func NewClient(rpc chainRPC, opts Options, logger zerolog.Logger) (*Client, error) {
	if !ethcommon.IsHexAddress(opts.ContractAddress) {
		return nil, errors.Errorf("invalid contract address %q", opts.ContractAddress)
	}
	if opts.ChainID <= 0 {
		return nil, errors.Errorf("invalid chain id %d", opts.ChainID)
	}
	parsed, err := contractABI(opts.Version)
	if err != nil {
		return nil, err
	}
	if opts.RequiredConfirmations == 0 {
		opts.RequiredConfirmations = 1
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}

	chainID := big.NewInt(opts.ChainID)
	c := &Client{
		rpc:     rpc,
		abi:     parsed,
		address: ethcommon.HexToAddress(opts.ContractAddress),
		chainID: chainID,
		signer:  types.LatestSignerForChainID(chainID),
		opts:    opts,
		logger: logger.With().
			Str("component", "ledger_client").
			Str("contract", opts.ContractAddress).
			Str("version", string(opts.Version)).
			Logger(),
	}

	if opts.PrivateKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.PrivateKeyHex, "0x"))
		if err != nil {
			return nil, errors.Wrap(err, "invalid signer private key")
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
		c.logger = c.logger.With().Str("signer", c.from.Hex()).Logger()
	}
	return c, nil
}

// Dial connects to the configured endpoints and returns a contract client.
func Dial(cfg *config.Config, logger zerolog.Logger) (*Client, *RPCClient, error) {
	rpc, err := NewRPCClient(cfg.LedgerRPCURLs, cfg.LedgerChainID, logger)
	if err != nil {
		return nil, nil, err
	}
	client, err := NewClient(rpc, OptionsFromConfig(cfg), logger)
	if err != nil {
		rpc.Close()
		return nil, nil, err
	}
	return client, rpc, nil
}

// Signer returns the address transactions are sent from, or the zero address for read-only clients.
func (c *Client) Signer() ethcommon.Address {
	return c.from
}

// GetEventName reads the on-chain name registered for eventID.
func (c *Client) GetEventName(ctx context.Context, eventID uint64) (string, error) {
	out, err := c.call(ctx, "getEventName", new(big.Int).SetUint64(eventID))
	if err != nil {
		return "", err
	}
	name, ok := out[0].(string)
	if !ok {
		return "", errors.New("getEventName returned a non-string value")
	}
	return name, nil
}

// OwnerOf reads the current owner of a token.
func (c *Client) OwnerOf(ctx context.Context, tokenID *big.Int) (ethcommon.Address, error) {
	out, err := c.call(ctx, "ownerOf", tokenID)
	if err != nil {
		return ethcommon.Address{}, err
	}
	owner, ok := out[0].(ethcommon.Address)
	if !ok {
		return ethcommon.Address{}, errors.New("ownerOf returned a non-address value")
	}
	return owner, nil
}

// CreateEvent registers eventID with name on the contract.
func (c *Client) CreateEvent(ctx context.Context, eventID uint64, name string) (string, error) {
	return c.transact(ctx, 1, ledger.MethodCreateEvent, new(big.Int).SetUint64(eventID), name)
}

// BulkMintPoA mints one PoA per recipient. v2 contracts also receive the event content hash,
// derived from the event name already registered on-chain.
func (c *Client) BulkMintPoA(ctx context.Context, recipients []ethcommon.Address, eventID uint64) (string, error) {
	id := new(big.Int).SetUint64(eventID)
	if c.opts.Version == config.LedgerVersionV2 {
		name, err := c.GetEventName(ctx, eventID)
		if err != nil {
			return "", err
		}
		if name == "" {
			return "", errors.Errorf("event %d is not registered on the ledger", eventID)
		}
		return c.transact(ctx, len(recipients), ledger.MethodBulkMintPoA, recipients, id, ledger.EventContentHash(name))
	}
	return c.transact(ctx, len(recipients), ledger.MethodBulkMintPoA, recipients, id)
}

// BulkTransfer moves tokenIDs[i] to recipients[i].
func (c *Client) BulkTransfer(ctx context.Context, recipients []ethcommon.Address, tokenIDs []*big.Int) (string, error) {
	if len(recipients) != len(tokenIDs) {
		return "", errors.Errorf("bulkTransfer: %d recipients but %d token ids", len(recipients), len(tokenIDs))
	}
	return c.transact(ctx, len(recipients), ledger.MethodBulkTransfer, recipients, tokenIDs)
}

// MintCertificate mints a single certificate.
func (c *Client) MintCertificate(ctx context.Context, recipient ethcommon.Address, eventID uint64, contentHash string) (string, error) {
	return c.transact(ctx, 1, ledger.MethodMintCertificate, recipient, new(big.Int).SetUint64(eventID), contentHash)
}

// BulkMintCertificates mints one certificate per recipient with its own content hash.
func (c *Client) BulkMintCertificates(ctx context.Context, recipients []ethcommon.Address, eventID uint64, contentHashes []string) (string, error) {
	if len(recipients) != len(contentHashes) {
		return "", errors.Errorf("bulkMintCertificates: %d recipients but %d content hashes", len(recipients), len(contentHashes))
	}
	return c.transact(ctx, len(recipients), ledger.MethodBulkMintCertificates, recipients, new(big.Int).SetUint64(eventID), contentHashes)
}

// GetReceipt returns the decoded receipt once the transaction has the required confirmations.
func (c *Client) GetReceipt(ctx context.Context, txHash string) (*ledger.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	hash := ethcommon.HexToHash(txHash)
	receipt, err := c.rpc.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) || (err == nil && (receipt == nil || receipt.BlockNumber == nil)) {
		return nil, ledger.ErrReceiptNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction receipt")
	}

	head, err := c.rpc.BlockNumber(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get current block")
	}
	mined := receipt.BlockNumber.Uint64()
	var confirmations uint64
	if head >= mined {
		confirmations = head - mined + 1
	}
	if confirmations < c.opts.RequiredConfirmations {
		return nil, ledger.ErrReceiptNotFound
	}

	out := &ledger.Receipt{
		TxHash:        hash.Hex(),
		BlockNumber:   mined,
		Confirmations: confirmations,
		Reverted:      receipt.Status != types.ReceiptStatusSuccessful,
	}
	if out.Reverted {
		out.RevertReason = c.revertReason(ctx, hash, receipt.BlockNumber)
		return out, nil
	}
	out.Logs = decodeLogs(c.abi, c.address, receipt.Logs)
	return out, nil
}

// GetSubmittedBatch decodes the calldata of a transaction sent to the contract.
func (c *Client) GetSubmittedBatch(ctx context.Context, txHash string) (*ledger.Batch, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	tx, _, err := c.rpc.TransactionByHash(ctx, ethcommon.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, ledger.ErrReceiptNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	if tx.To() == nil || *tx.To() != c.address {
		return nil, errors.Errorf("transaction %s was not sent to the certificate contract", txHash)
	}

	batch, err := decodeCalldata(c.abi, tx.Data())
	if err != nil {
		return nil, err
	}
	if sender, err := types.Sender(c.signer, tx); err == nil {
		batch.Sender = sender
	}
	return batch, nil
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to pack %s", method)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	raw, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "%s call failed", method)
	}
	out, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to unpack %s result", method)
	}
	if len(out) == 0 {
		return nil, errors.Errorf("%s returned no values", method)
	}
	return out, nil
}

// transact signs and broadcasts one London transaction calling method.
// Nonces are allocated under a mutex so concurrent bulk submissions never collide.
func (c *Client) transact(ctx context.Context, recipients int, method string, args ...interface{}) (string, error) {
	if c.key == nil {
		return "", errors.New("ledger client has no signer key configured")
	}
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return "", errors.Wrapf(err, "failed to pack %s", method)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	nonce, err := c.rpc.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", errors.Wrap(err, "failed to get pending nonce")
	}
	if c.hasNonce && c.nextNonce > nonce {
		nonce = c.nextNonce
	}

	tip, err := c.rpc.SuggestGasTipCap(ctx)
	if err != nil {
		return "", errors.Wrap(err, "failed to get gas tip cap")
	}
	head, err := c.rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to get latest header")
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(2)))

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       c.gasLimit(recipients),
		To:        &c.address,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign transaction")
	}

	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return "", errors.Wrapf(err, "failed to send %s", method)
	}
	c.nextNonce = nonce + 1
	c.hasNonce = true

	c.logger.Info().
		Str("method", method).
		Str("tx_hash", signed.Hash().Hex()).
		Uint64("nonce", nonce).
		Int("recipients", recipients).
		Msg("transaction submitted")
	return signed.Hash().Hex(), nil
}

func (c *Client) gasLimit(recipients int) uint64 {
	if recipients < 1 {
		recipients = 1
	}
	return c.opts.BaseGasLimit + c.opts.GasLimitPerRecipient*uint64(recipients)
}

// revertReason replays a failed transaction at its block to recover the revert string.
// It is best effort and returns a generic reason when the node does not expose one.
func (c *Client) revertReason(ctx context.Context, hash ethcommon.Hash, block *big.Int) string {
	const fallback = "transaction reverted"

	tx, _, err := c.rpc.TransactionByHash(ctx, hash)
	if err != nil || tx == nil {
		return fallback
	}
	msg := ethereum.CallMsg{To: tx.To(), Data: tx.Data(), Gas: tx.Gas(), Value: tx.Value()}
	if sender, err := types.Sender(c.signer, tx); err == nil {
		msg.From = sender
	}

	_, callErr := c.rpc.CallContract(ctx, msg, block)
	if callErr == nil {
		return fallback
	}
	var dataErr interface{ ErrorData() interface{} }
	if errors.As(callErr, &dataErr) {
		if s, ok := dataErr.ErrorData().(string); ok {
			if raw, err := hexutil.Decode(s); err == nil {
				if reason, err := abi.UnpackRevert(raw); err == nil {
					return reason
				}
			}
		}
	}
	reason := strings.TrimPrefix(callErr.Error(), "execution reverted: ")
	if reason == "" || reason == "execution reverted" {
		return fallback
	}
	return reason
}
