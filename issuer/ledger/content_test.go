package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCertificateContentHash(t *testing.T) {
	h := CertificateContentHash("ETHGlobal", "Ada", "Lovelace")
	assert.Len(t, h, 66)
	assert.Equal(t, h, CertificateContentHash(" ETHGlobal ", "Ada\t", "Lovelace"))
	assert.NotEqual(t, h, CertificateContentHash("ETHGlobal", "Ada", "Babbage"))
	assert.NotEqual(t, EventContentHash("ETHGlobal"), h)
}

func TestParseTokenID(t *testing.T) {
	id, err := ParseTokenID("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	require.NoError(t, err)
	assert.Equal(t, 256, id.BitLen())

	_, err = ParseTokenID("-1")
	assert.Error(t, err)
	_, err = ParseTokenID("0x07")
	assert.Error(t, err)
}
