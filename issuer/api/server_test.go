package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackcert/hackcert-node/issuer/bulk"
	"github.com/hackcert/hackcert-node/issuer/db"
	issuererrors "github.com/hackcert/hackcert-node/issuer/errors"
	"github.com/hackcert/hackcert-node/issuer/ledger/ledgertest"
	"github.com/hackcert/hackcert-node/issuer/lifecycle"
	"github.com/hackcert/hackcert-node/issuer/metrics"
	"github.com/hackcert/hackcert-node/issuer/reconciler"
	"github.com/hackcert/hackcert-node/issuer/recipients"
	"github.com/hackcert/hackcert-node/issuer/registry"
	"github.com/hackcert/hackcert-node/issuer/store"
)

var (
	alice = ethcommon.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = ethcommon.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type testEnv struct {
	server *Server
	store  *lifecycle.Store
	ledger *ledgertest.Ledger
	orch   *bulk.Orchestrator
	forced int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	st := lifecycle.NewStore(database, zerolog.Nop())
	fake := ledgertest.New()
	m := metrics.Issuance()
	reg := registry.New(st, fake, registry.Options{PollInterval: time.Millisecond, MaxPolls: 2}, m, zerolog.Nop())
	orch := bulk.New(st, fake, reg, recipients.NewBuilder(st, zerolog.Nop()), reconciler.New(st, m, zerolog.Nop()),
		m, bulk.Options{PollInterval: time.Millisecond, MaxPolls: 2}, zerolog.Nop())
	t.Cleanup(orch.Stop)

	env := &testEnv{store: st, ledger: fake, orch: orch}
	env.server = NewServer(Deps{Catalog: st, Issuer: orch, Registry: reg, Owners: fake}, zerolog.Nop(), 0, true)
	return env
}

type testResponse struct {
	Data      json.RawMessage `json:"data"`
	Error     *ErrorBody      `json:"error"`
	RequestID string          `json:"request_id"`
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (int, testResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)

	var resp testResponse
	if w.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w.Code, resp
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	assert.Equal(t, "abc-123", w.Header().Get(requestIDHeader))
	assert.Contains(t, w.Body.String(), `"request_id":"abc-123"`)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEventsAndParticipants(t *testing.T) {
	env := newTestEnv(t)

	code, resp := env.do(t, http.MethodPost, "/api/v1/events", map[string]interface{}{"event_id": 42, "name": "ETHGlobal Lisbon"})
	require.Equal(t, http.StatusCreated, code)
	event := decode[EventView](t, resp.Data)
	assert.Equal(t, uint64(42), event.EventID)
	assert.Len(t, event.JoinCode, 8)

	code, resp = env.do(t, http.MethodPost, "/api/v1/events", map[string]interface{}{"event_id": 42, "name": "Again"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION", resp.Error.Code)

	code, resp = env.do(t, http.MethodGet, "/api/v1/events/42", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ETHGlobal Lisbon", decode[EventView](t, resp.Data).Name)

	code, _ = env.do(t, http.MethodGet, "/api/v1/events/nope", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, resp = env.do(t, http.MethodGet, "/api/v1/events/7", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)

	code, resp = env.do(t, http.MethodPost, "/api/v1/join/"+event.JoinCode+"/participants",
		map[string]string{"wallet": "0x00000000000000000000000000000000000a11ce", "name": "Alice", "team": "Red"})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, alice.Hex(), decode[ParticipantView](t, resp.Data).Wallet)

	code, _ = env.do(t, http.MethodPost, "/api/v1/events/42/participants", map[string]string{"wallet": "not-a-wallet", "name": "X"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodPost, "/api/v1/events/42/participants", map[string]string{"wallet": bob.Hex(), "name": "Bob", "extra": "x"})
	assert.Equal(t, http.StatusBadRequest, code, "unknown fields are rejected")

	code, resp = env.do(t, http.MethodGet, "/api/v1/events/42/participants", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]ParticipantView](t, resp.Data), 1)

	code, resp = env.do(t, http.MethodGet, "/api/v1/events/42/participants/"+alice.Hex(), nil)
	require.Equal(t, http.StatusOK, code)
	status := decode[ParticipantStatus](t, resp.Data)
	assert.Equal(t, string(store.StatusRegistered), status.PoA.Status)
	assert.Equal(t, string(store.StatusRegistered), status.Certificate.Status)
	assert.Nil(t, status.PoA.Ownership)
}

func (e *testEnv) seed(t *testing.T, wallets ...ethcommon.Address) {
	t.Helper()
	ctx := context.Background()
	_, err := e.store.CreateEvent(ctx, 42, "ETHGlobal Lisbon")
	require.NoError(t, err)
	for _, w := range wallets {
		_, err := e.store.RegisterParticipant(ctx, lifecycle.ParticipantInput{EventID: 42, Wallet: w.Hex(), Name: "Hacker"})
		require.NoError(t, err)
	}
}

func TestIssuanceFlow(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, alice, bob)

	code, resp := env.do(t, http.MethodPost, "/api/v1/events/42/issuance/poa_mint", nil)
	assert.Equal(t, http.StatusBadRequest, code, "event not yet on the ledger")
	assert.Contains(t, resp.Error.Message, "registry reconcile")

	code, resp = env.do(t, http.MethodPost, "/api/v1/registry/reconcile", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []uint64{42}, decode[registry.Summary](t, resp.Data).Created)

	code, resp = env.do(t, http.MethodGet, "/api/v1/events/42/issuance/poa_mint/prepare", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[bulk.Prepared](t, resp.Data).Recipients, 2)

	code, _ = env.do(t, http.MethodGet, "/api/v1/events/42/issuance/burn/prepare", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp = env.do(t, http.MethodPost, "/api/v1/events/42/issuance/poa_mint", nil)
	require.Equal(t, http.StatusAccepted, code)
	attempt := decode[AttemptView](t, resp.Data)
	assert.Equal(t, store.AttemptSubmitted, attempt.Status)
	assert.Len(t, attempt.Recipients, 2)
	env.orch.Wait()

	code, resp = env.do(t, http.MethodGet, "/api/v1/attempts/"+attempt.TxHash, nil)
	require.Equal(t, http.StatusOK, code)
	settled := decode[AttemptView](t, resp.Data)
	assert.Equal(t, store.AttemptConsumed, settled.Status)
	summary := decode[reconciler.Summary](t, settled.Summary)
	assert.Len(t, summary.Succeeded, 2)
	assert.Equal(t, reconciler.Totals{Succeeded: 2}, summary.Totals)

	code, _ = env.do(t, http.MethodPost, "/api/v1/events/42/issuance/poa_transfer", nil)
	require.Equal(t, http.StatusAccepted, code)
	env.orch.Wait()

	code, resp = env.do(t, http.MethodGet, "/api/v1/events/42/participants/"+bob.Hex(), nil)
	require.Equal(t, http.StatusOK, code)
	status := decode[ParticipantStatus](t, resp.Data)
	assert.Equal(t, string(store.StatusTransferred), status.PoA.Status)
	require.NotNil(t, status.PoA.Ownership)
	assert.True(t, status.PoA.Ownership.Matches)
	assert.Equal(t, bob.Hex(), status.PoA.Ownership.Owner)
	assert.Equal(t, string(store.StatusEligible), status.Certificate.Status)
}

func TestSubmitInFlight(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, alice)
	env.ledger.SetEventName(42, "ETHGlobal Lisbon")
	env.ledger.AutoMine = false

	code, resp := env.do(t, http.MethodPost, "/api/v1/events/42/issuance/poa_mint", nil)
	require.Equal(t, http.StatusAccepted, code)
	txHash := decode[AttemptView](t, resp.Data).TxHash

	code, resp = env.do(t, http.MethodPost, "/api/v1/events/42/issuance/poa_mint", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "OPERATION_IN_FLIGHT", resp.Error.Code)
	env.orch.Wait()

	code, resp = env.do(t, http.MethodGet, "/api/v1/attempts?event=42", nil)
	require.Equal(t, http.StatusOK, code)
	list := decode[[]AttemptView](t, resp.Data)
	require.Len(t, list, 1)
	assert.Equal(t, txHash, list[0].TxHash)
	assert.Equal(t, store.AttemptUnconfirmed, list[0].Status)

	code, resp = env.do(t, http.MethodGet, "/api/v1/attempts?status=consumed", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, decode[[]AttemptView](t, resp.Data))
}

func TestConfirmWalletSigned(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, alice)
	env.ledger.SetEventName(42, "ETHGlobal Lisbon")

	txHash, err := env.ledger.BulkMintPoA(context.Background(), []ethcommon.Address{alice}, 42)
	require.NoError(t, err)

	body := map[string]interface{}{
		"tx_hash": txHash,
		"logs":    []map[string]string{{"kind": "PoAMinted", "recipient": alice.Hex(), "token_id": "1", "event_id": "42"}},
	}
	code, resp := env.do(t, http.MethodPost, "/api/v1/events/42/issuance/poa_mint/confirm", body)
	require.Equal(t, http.StatusOK, code)
	summary := decode[reconciler.Summary](t, resp.Data)
	require.Len(t, summary.Succeeded, 1)
	assert.Equal(t, "1", summary.Succeeded[0].TokenID)

	code, _ = env.do(t, http.MethodPost, "/api/v1/events/42/issuance/poa_mint/confirm",
		map[string]interface{}{"tx_hash": txHash, "logs": []map[string]string{{"token_id": "-5"}}})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestResolveAndRegistryEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, alice)

	code, resp := env.do(t, http.MethodPost, "/api/v1/attempts/0xmissing/resolve", map[string]string{"note": "x"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)

	env.ledger.SetEventName(42, "Other Name")
	code, resp = env.do(t, http.MethodPost, "/api/v1/events/42/registry/reconcile", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "CONFLICT", resp.Error.Code)

	code, _ = env.do(t, http.MethodPost, "/api/v1/registry/sync", nil)
	assert.Equal(t, http.StatusNotFound, code)

	env.server.deps.ForceRegistrySync = func() { env.forced++ }
	code, _ = env.do(t, http.MethodPost, "/api/v1/registry/sync", nil)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, 1, env.forced)
}

func TestStatusFor(t *testing.T) {
	tests := map[string]int{
		"VALIDATION":           http.StatusBadRequest,
		"NOT_FOUND":            http.StatusNotFound,
		"CONFLICT":             http.StatusConflict,
		"OPERATION_IN_FLIGHT":  http.StatusConflict,
		"STALE_TRANSITION":     http.StatusConflict,
		"UNCONFIRMED":          http.StatusAccepted,
		"UNDECODABLE_LOG":      http.StatusUnprocessableEntity,
		"REGISTRY_UNREACHABLE": http.StatusServiceUnavailable,
		"LEDGER":               http.StatusBadGateway,
		"DATABASE":             http.StatusInternalServerError,
	}
	for code, want := range tests {
		t.Run(code, func(t *testing.T) {
			assert.Equal(t, want, statusFor(issuererrors.ErrorCode(code)))
		})
	}
}
