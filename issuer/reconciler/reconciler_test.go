package reconciler

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackcert/hackcert-node/issuer/db"
	issuererrors "github.com/hackcert/hackcert-node/issuer/errors"
	"github.com/hackcert/hackcert-node/issuer/lifecycle"
	"github.com/hackcert/hackcert-node/issuer/metrics"
	"github.com/hackcert/hackcert-node/issuer/recipients"
	"github.com/hackcert/hackcert-node/issuer/store"
)

const eventID = 42

var (
	w1 = ethcommon.HexToAddress("0x0000000000000000000000000000000000000001").Hex()
	w2 = ethcommon.HexToAddress("0x0000000000000000000000000000000000000002").Hex()
	w3 = ethcommon.HexToAddress("0x0000000000000000000000000000000000000003").Hex()
)

func setup(t *testing.T, wallets ...string) (*lifecycle.Store, *Reconciler) {
	t.Helper()
	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	st := lifecycle.NewStore(database, zerolog.Nop())
	ctx := context.Background()
	_, err = st.CreateEvent(ctx, eventID, "Hack")
	require.NoError(t, err)
	for _, w := range wallets {
		_, err := st.RegisterParticipant(ctx, lifecycle.ParticipantInput{EventID: eventID, Wallet: w, Name: "P"})
		require.NoError(t, err)
	}
	return st, New(st, metrics.Issuance(), zerolog.Nop())
}

func snapshot(t *testing.T, st *lifecycle.Store, class store.Class) map[string]store.IssuanceRecord {
	t.Helper()
	recs, err := st.ListIssuanceRecords(context.Background(), eventID, class)
	require.NoError(t, err)
	out := make(map[string]store.IssuanceRecord, len(recs))
	for _, r := range recs {
		out[r.Wallet] = r
	}
	return out
}

func status(t *testing.T, st *lifecycle.Store, wallet string, class store.Class) store.Status {
	t.Helper()
	rec, err := st.GetIssuanceRecord(context.Background(), eventID, wallet, class)
	require.NoError(t, err)
	return store.Status(rec.Status)
}

func TestRevertFailsEveryRecipient(t *testing.T) {
	ctx := context.Background()
	st, r := setup(t, w1, w2, w3)
	before := snapshot(t, st, store.ClassPoA)

	reason := "execution reverted: event not registered"
	summary, err := r.ApplyResult(ctx, eventID, store.KindPoAMint, "0xrevert", []Outcome{
		Failed(w1, reason), Failed(w2, reason), Failed(w3, reason),
	})
	require.NoError(t, err)
	succeeded, failed, skipped := summary.Counts()
	assert.Equal(t, 0, succeeded)
	assert.Equal(t, 3, failed)
	assert.Equal(t, 0, skipped)
	for _, e := range summary.Failed {
		assert.Equal(t, reason, e.Reason)
	}

	after := snapshot(t, st, store.ClassPoA)
	for w, rec := range before {
		assert.Equal(t, rec.Status, after[w].Status)
		assert.Equal(t, rec.UpdatedAt, after[w].UpdatedAt)
	}

	attempt, err := st.GetAttempt(ctx, "0xrevert")
	require.NoError(t, err)
	assert.Equal(t, store.AttemptConsumed, attempt.Status)
}

func TestMintThenTransferRecipients(t *testing.T) {
	ctx := context.Background()
	st, r := setup(t, w1, w2)

	summary, err := r.ApplyResult(ctx, eventID, store.KindPoAMint, "0xmint", []Outcome{
		Succeeded(w1, "7"), Succeeded(w2, "8"),
	})
	require.NoError(t, err)
	assert.Len(t, summary.Succeeded, 2)

	got, err := recipients.NewBuilder(st, zerolog.Nop()).BuildRecipients(ctx, eventID, store.KindPoATransfer)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, w1, got[0].Wallet)
	assert.Equal(t, "7", got[0].TokenID)
	assert.Equal(t, w2, got[1].Wallet)
	assert.Equal(t, "8", got[1].TokenID)
}

func TestApplyResultIdempotent(t *testing.T) {
	ctx := context.Background()
	st, r := setup(t, w1, w2, w3)
	outcomes := []Outcome{Succeeded(w1, "1"), Failed(w2, "out of gas"), Succeeded(w3, "2")}

	first, err := r.ApplyResult(ctx, eventID, store.KindPoAMint, "0xabc", outcomes)
	require.NoError(t, err)
	state := snapshot(t, st, store.ClassPoA)

	second, err := r.ApplyResult(ctx, eventID, store.KindPoAMint, "0xabc", outcomes)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, state, snapshot(t, st, store.ClassPoA))

	// replays ignore whatever outcomes they carry
	third, err := r.ApplyResult(ctx, eventID, store.KindPoAMint, "0xabc", []Outcome{Succeeded(w2, "9")})
	require.NoError(t, err)
	assert.Equal(t, first, third)
	assert.Equal(t, store.StatusRegistered, status(t, st, w2, store.ClassPoA))
}

func TestStaleTransitionSkipped(t *testing.T) {
	ctx := context.Background()
	st, r := setup(t, w1)

	_, err := r.ApplyResult(ctx, eventID, store.KindPoAMint, "0x01", []Outcome{Succeeded(w1, "5")})
	require.NoError(t, err)
	_, err = r.ApplyResult(ctx, eventID, store.KindPoATransfer, "0x02", []Outcome{Succeeded(w1, "5")})
	require.NoError(t, err)

	// an out-of-order mint confirmation for an already-transferred record
	summary, err := r.ApplyResult(ctx, eventID, store.KindPoAMint, "0x03", []Outcome{Succeeded(w1, "6")})
	require.NoError(t, err)
	require.Len(t, summary.Skipped, 1)
	assert.Contains(t, summary.Skipped[0].Reason, string(issuererrors.ErrCodeStaleTransition))

	rec, err := st.GetIssuanceRecord(ctx, eventID, w1, store.ClassPoA)
	require.NoError(t, err)
	assert.Equal(t, string(store.StatusTransferred), rec.Status)
	assert.Equal(t, "5", rec.TokenID)

	t.Run("TransferTokenMismatch", func(t *testing.T) {
		st, r := setup(t, w2)
		_, err := r.ApplyResult(ctx, eventID, store.KindPoAMint, "0x10", []Outcome{Succeeded(w2, "3")})
		require.NoError(t, err)
		summary, err := r.ApplyResult(ctx, eventID, store.KindPoATransfer, "0x11", []Outcome{Succeeded(w2, "4")})
		require.NoError(t, err)
		assert.Len(t, summary.Skipped, 1)
		assert.Equal(t, store.StatusMinted, status(t, st, w2, store.ClassPoA))
	})
}

func TestCertificateRequiresTransferredPoA(t *testing.T) {
	ctx := context.Background()
	st, r := setup(t, w1, w2)

	_, err := r.ApplyResult(ctx, eventID, store.KindPoAMint, "0x01", []Outcome{Succeeded(w1, "1"), Succeeded(w2, "2")})
	require.NoError(t, err)

	// PoA only minted: the certificate must not reach minted
	summary, err := r.ApplyResult(ctx, eventID, store.KindCertificateMint, "0x02", []Outcome{Succeeded(w1, "100")})
	require.NoError(t, err)
	assert.Len(t, summary.Skipped, 1)
	assert.Equal(t, store.StatusRegistered, status(t, st, w1, store.ClassCertificate))

	_, err = r.ApplyResult(ctx, eventID, store.KindPoATransfer, "0x03", []Outcome{Succeeded(w1, "1")})
	require.NoError(t, err)
	assert.Equal(t, store.StatusEligible, status(t, st, w1, store.ClassCertificate), "PoA transfer makes the certificate eligible")
	assert.Equal(t, store.StatusRegistered, status(t, st, w2, store.ClassCertificate))

	summary, err = r.ApplyResult(ctx, eventID, store.KindCertificateMint, "0x04", []Outcome{Succeeded(w1, "100"), Succeeded(w2, "101")})
	require.NoError(t, err)
	assert.Len(t, summary.Succeeded, 1)
	assert.Len(t, summary.Skipped, 1)
	assert.Equal(t, w2, summary.Skipped[0].Wallet)

	rec, err := st.GetIssuanceRecord(ctx, eventID, w1, store.ClassCertificate)
	require.NoError(t, err)
	assert.Equal(t, string(store.StatusMinted), rec.Status)
	assert.Equal(t, "100", rec.TokenID)
	require.NotNil(t, rec.EligibleAt)
	require.NotNil(t, rec.MintedAt)

	_, err = r.ApplyResult(ctx, eventID, store.KindCertificateTransfer, "0x05", []Outcome{Succeeded(w1, "100")})
	require.NoError(t, err)
	assert.Equal(t, store.StatusTransferred, status(t, st, w1, store.ClassCertificate))
}

func TestApplyResultValidation(t *testing.T) {
	ctx := context.Background()
	_, r := setup(t, w1)

	_, err := r.ApplyResult(ctx, eventID, "burn", "0x01", nil)
	assert.True(t, issuererrors.HasCode(err, issuererrors.ErrCodeValidation))

	_, err = r.ApplyResult(ctx, eventID, store.KindPoAMint, "", nil)
	assert.True(t, issuererrors.HasCode(err, issuererrors.ErrCodeValidation))

	_, err = r.ApplyResult(ctx, eventID, store.KindPoAMint, "0x01", []Outcome{Failed(w1, "x")})
	require.NoError(t, err)
	_, err = r.ApplyResult(ctx, eventID, store.KindPoATransfer, "0x01", nil)
	assert.True(t, issuererrors.HasCode(err, issuererrors.ErrCodeValidation), "a tx hash belongs to one kind")
}

func TestApplyResultNormalisesWallets(t *testing.T) {
	ctx := context.Background()
	mixed := ethcommon.HexToAddress("0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359").Hex()
	st, r := setup(t, mixed)

	summary, err := r.ApplyResult(ctx, eventID, store.KindPoAMint, "0xlower", []Outcome{Succeeded(strings.ToLower(mixed), "5")})
	require.NoError(t, err)
	require.Len(t, summary.Succeeded, 1)
	assert.Equal(t, mixed, summary.Succeeded[0].Wallet)

	recs := snapshot(t, st, store.ClassPoA)
	require.Len(t, recs, 1)
	assert.Equal(t, string(store.StatusMinted), recs[mixed].Status)
	assert.Equal(t, "5", recs[mixed].TokenID)

	_, err = r.ApplyResult(ctx, eventID, store.KindPoAMint, "0xbadwallet", []Outcome{Succeeded("not-a-wallet", "6")})
	assert.True(t, issuererrors.HasCode(err, issuererrors.ErrCodeValidation))
}

func TestSummaryCarriesCounts(t *testing.T) {
	ctx := context.Background()
	_, r := setup(t, w1, w2, w3)

	_, err := r.ApplyResult(ctx, eventID, store.KindPoAMint, "0xfirst", []Outcome{Succeeded(w1, "1")})
	require.NoError(t, err)

	summary, err := r.ApplyResult(ctx, eventID, store.KindPoAMint, "0xsecond", []Outcome{
		Succeeded(w1, "1"), Succeeded(w2, "2"), Failed(w3, "out of gas"),
	})
	require.NoError(t, err)
	assert.Equal(t, Totals{Succeeded: 1, Failed: 1, Skipped: 1}, summary.Totals)

	raw, err := json.Marshal(summary)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"counts":{"succeeded":1,"failed":1,"skipped":1}`)
}
