package ledger

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

const contentHashDomain = "hackcert/certificate/v1"

// CertificateContentHash returns the keccak256 digest of the canonical certificate metadata.
// Fields are trimmed and joined with newlines under a fixed domain prefix.
func CertificateContentHash(eventName, participantName, team string) string {
	canonical := strings.Join([]string{
		contentHashDomain,
		strings.TrimSpace(eventName),
		strings.TrimSpace(participantName),
		strings.TrimSpace(team),
	}, "\n")
	return crypto.Keccak256Hash([]byte(canonical)).Hex()
}

// EventContentHash digests an event registration name; pinned v2 contracts take it on bulk PoA mints.
func EventContentHash(eventName string) string {
	return crypto.Keccak256Hash([]byte(contentHashDomain + "\n" + strings.TrimSpace(eventName))).Hex()
}

// ParseTokenID parses a decimal token identifier as stored off-chain.
func ParseTokenID(s string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(s, 10)
	if !ok || id.Sign() < 0 {
		return nil, errors.Errorf("invalid token id %q", s)
	}
	return id, nil
}
