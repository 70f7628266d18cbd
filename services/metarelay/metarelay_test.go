package metarelay

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/microcredit_relay/internal/chain"
	"github.com/R3E-Network/microcredit_relay/internal/config"
	"github.com/R3E-Network/microcredit_relay/internal/contracts"
	"github.com/R3E-Network/microcredit_relay/internal/eip712"
	"github.com/R3E-Network/microcredit_relay/internal/logging"
	"github.com/R3E-Network/microcredit_relay/internal/middleware"
	"github.com/R3E-Network/microcredit_relay/pkg/testutil"
	"github.com/R3E-Network/microcredit_relay/services/metarelay/store"
)

var nodeAccount = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

type fakeClients struct {
	client *chain.Client
	urls   []string
}

func (f *fakeClients) Get(_ context.Context, rpcURL string) (*chain.Client, error) {
	f.urls = append(f.urls, rpcURL)
	return f.client, nil
}

type harness struct {
	t       *testing.T
	mc      *testutil.MockChain
	svc     *Service
	store   *store.MemoryStore
	clients *fakeClients
}

func newHarness(t *testing.T, chainID int64, opts ...func(*config.Config)) *harness {
	t.Helper()
	return newHarnessWithMiddleware(t, chainID, nil, opts...)
}

func newHarnessWithMiddleware(t *testing.T, chainID int64, mw []mux.MiddlewareFunc, opts ...func(*config.Config)) *harness {
	t.Helper()
	mc := testutil.NewMockChain(chainID)
	mc.SetUnlocked(nodeAccount)
	mc.SetBalance(nodeAccount, big.NewInt(1e18))

	cfg := &config.Config{
		LocalRPCURL:    "http://local-node",
		ConfirmTimeout: time.Second,
		ReceiptPoll:    time.Millisecond,
		MinBalanceWei:  "0",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	clients := &fakeClients{client: chain.NewClient(mc, mc.NodeAccounts(), time.Millisecond)}
	st := store.NewMemoryStore(0)
	svc, err := New(Config{
		Relay:   cfg,
		Clients: clients,
		Store:   st,
		Logger:  logging.Discard(),

		APIMiddleware: mw,
	})
	require.NoError(t, err)
	return &harness{t: t, mc: mc, svc: svc, store: st, clients: clients}
}

func (h *harness) post(op string, body interface{}) (int, map[string]interface{}) {
	h.t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(h.t, err)
	return h.do(http.MethodPost, "/api/meta/"+op, raw)
}

func (h *harness) do(method, path string, raw []byte) (int, map[string]interface{}) {
	h.t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.svc.Router().ServeHTTP(rec, req)

	var out map[string]interface{}
	require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func (h *harness) chainID() int64 {
	id, _ := h.mc.ChainID(context.Background())
	return id.Int64()
}

// signed builds a relay body for s signed by key.
func (h *harness) signed(key *ecdsa.PrivateKey, s eip712.Struct) map[string]interface{} {
	h.t.Helper()
	sig, err := eip712.Sign(h.mc.MicrocreditDomain(), s, key)
	require.NoError(h.t, err)
	return map[string]interface{}{
		"chainId":         h.chainID(),
		"contractAddress": h.mc.Contract().Hex(),
		"req":             map[string]interface{}(s.Message()),
		"signature":       hexutil.Encode(sig),
	}
}

func (h *harness) permit(key *ecdsa.PrivateKey, value int64) map[string]interface{} {
	h.t.Helper()
	p, err := h.mc.SignPermit(key, big.NewInt(value), deadline())
	require.NoError(h.t, err)
	return permitJSON(p)
}

func permitJSON(p contracts.PermitArgs) map[string]interface{} {
	return map[string]interface{}{
		"value":    p.Value.String(),
		"deadline": p.Deadline.String(),
		"v":        p.V,
		"r":        hexutil.Encode(p.R[:]),
		"s":        hexutil.Encode(p.S[:]),
	}
}

func deadline() *big.Int {
	return big.NewInt(time.Now().Add(time.Hour).Unix())
}

func newUser(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

func (h *harness) requestLoan(key *ecdsa.PrivateKey, amount int64) map[string]interface{} {
	h.t.Helper()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	code, resp := h.post(OpRequestLoan, h.signed(key, eip712.LoanRequest{
		Borrower: addr,
		Amount:   big.NewInt(amount),
		Nonce:    h.mc.Nonce(addr),
		Deadline: deadline(),
	}))
	require.Equal(h.t, http.StatusOK, code, resp)
	return resp
}

func TestRequestLoan_ReturnsLoanID(t *testing.T) {
	h := newHarness(t, 31337)
	key, _ := newUser(t)

	resp := h.requestLoan(key, 1000)
	assert.Equal(t, StatusSuccess, resp["status"])
	assert.Equal(t, "1", resp["loanId"])
	assert.Equal(t, nodeAccount.Hex(), resp["relayer"])
	assert.True(t, strings.HasPrefix(resp["txHash"].(string), "0x"))

	other, _ := newUser(t)
	h.requestLoan(other, 10)
	resp = h.requestLoan(key, 500)
	assert.Equal(t, "3", resp["loanId"])

	assert.Equal(t, []string{"http://local-node", "http://local-node", "http://local-node"}, h.clients.urls)
}

func TestDisburseLoan_ReportsTransfer(t *testing.T) {
	h := newHarness(t, 31337)
	key, borrower := newUser(t)
	_, payee := newUser(t)
	h.requestLoan(key, 750)

	code, resp := h.post(OpDisburseLoan, h.signed(key, eip712.DisburseRequest{
		Borrower: borrower,
		LoanId:   big.NewInt(1),
		To:       payee,
		Nonce:    h.mc.Nonce(borrower),
		Deadline: deadline(),
	}))
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, true, resp["transferred"])
	assert.Equal(t, "750", resp["transferAmount"])
}

func TestRepayLoan_WithAndWithoutPermit(t *testing.T) {
	h := newHarness(t, 31337)
	key, borrower := newUser(t)
	h.requestLoan(key, 1000)

	// No permit: existing allowance.
	code, resp := h.post(OpRepayLoan, h.signed(key, eip712.RepayRequest{
		Borrower: borrower,
		LoanId:   big.NewInt(1),
		Amount:   big.NewInt(400),
		Nonce:    h.mc.Nonce(borrower),
		Deadline: deadline(),
	}))
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, true, resp["transferred"])
	assert.Equal(t, "400", resp["transferAmount"])

	body := h.signed(key, eip712.RepayRequest{
		Borrower: borrower,
		LoanId:   big.NewInt(1),
		Amount:   big.NewInt(600),
		Nonce:    h.mc.Nonce(borrower),
		Deadline: deadline(),
	})
	body["permit"] = h.permit(key, 600)
	code, resp = h.post(OpRepayLoan, body)
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, "600", resp["transferAmount"])
}

func TestRepayOne_ReportsAmountUsed(t *testing.T) {
	h := newHarness(t, 31337)
	key, borrower := newUser(t)
	h.requestLoan(key, 300)

	code, resp := h.post(OpRepayOne, map[string]interface{}{
		"chainId":         31337,
		"contractAddress": h.mc.Contract().Hex(),
		"borrower":        borrower.Hex(),
		"loanId":          "1",
		"permit":          h.permit(key, 500),
	})
	require.Equal(t, http.StatusOK, code, resp)
	// Only the outstanding 300 is consumed.
	assert.Equal(t, "300", resp["amountUsed"])
	assert.Equal(t, StatusSuccess, resp["status"])
}

func TestRepayOne_RejectsLegacyFields(t *testing.T) {
	h := newHarness(t, 31337)
	key, borrower := newUser(t)

	valid := map[string]interface{}{
		"chainId":         31337,
		"contractAddress": h.mc.Contract().Hex(),
		"borrower":        borrower.Hex(),
		"loanId":          "1",
		"permit":          h.permit(key, 1),
	}
	for _, legacy := range []string{"signature", "req"} {
		for _, value := range []interface{}{"0x1234", nil, map[string]interface{}{}} {
			body := map[string]interface{}{}
			for k, v := range valid {
				body[k] = v
			}
			body[legacy] = value
			code, resp := h.post(OpRepayOne, body)
			assert.Equal(t, http.StatusBadRequest, code, "%s=%v", legacy, value)
			assert.Contains(t, resp["error"], "permit-only")
		}
	}

	// Rejected before required fields are checked.
	code, _ := h.post(OpRepayOne, map[string]interface{}{"signature": "0x"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Empty(t, h.mc.Sent)
}

func TestDeposit(t *testing.T) {
	h := newHarness(t, 31337)
	key, lender := newUser(t)

	code, resp := h.post(OpDeposit, map[string]interface{}{
		"chainId":         "0x7a69",
		"contractAddress": h.mc.Contract().Hex(),
		"lender":          lender.Hex(),
		"permit":          h.permit(key, 5000),
	})
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, StatusSuccess, resp["status"])
	assert.Equal(t, nodeAccount.Hex(), resp["relayer"])
}

func TestAttest(t *testing.T) {
	h := newHarness(t, 31337)
	key, attester := newUser(t)
	_, borrower := newUser(t)

	code, resp := h.post(OpAttest, h.signed(key, eip712.AttestRequest{
		Attester: attester,
		Borrower: borrower,
		Weight:   big.NewInt(800000),
		Nonce:    h.mc.Nonce(attester),
		Deadline: deadline(),
	}))
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, StatusSuccess, resp["status"])
	assert.Equal(t, big.NewInt(1), h.mc.Nonce(attester))
}

func TestRequestWithdrawal(t *testing.T) {
	cases := []struct {
		name      string
		liquidity int64
		queueID   interface{}
		queued    string
		filled    string
	}{
		{name: "partially queued", liquidity: 600, queueID: "1", queued: "400", filled: "600"},
		{name: "filled now", liquidity: 5000, queueID: nil, queued: "0", filled: "1000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 31337)
			h.mc.SetLiquidity(big.NewInt(tc.liquidity))
			key, lender := newUser(t)

			code, resp := h.post(OpRequestWithdrawal, h.signed(key, eip712.RequestWithdrawal{
				Lender:   lender,
				Amount:   big.NewInt(1000),
				To:       lender,
				Nonce:    h.mc.Nonce(lender),
				Deadline: deadline(),
			}))
			require.Equal(t, http.StatusOK, code, resp)
			assert.Equal(t, tc.queueID, resp["queueId"])
			assert.Equal(t, tc.queued, resp["amountQueued"])
			assert.Equal(t, tc.filled, resp["amountFilledNow"])
		})
	}
}

func TestReplaySurfacesRevert(t *testing.T) {
	h := newHarness(t, 31337)
	key, borrower := newUser(t)
	body := h.signed(key, eip712.LoanRequest{
		Borrower: borrower,
		Amount:   big.NewInt(100),
		Nonce:    h.mc.Nonce(borrower),
		Deadline: deadline(),
	})

	code, _ := h.post(OpRequestLoan, body)
	require.Equal(t, http.StatusOK, code)

	code, resp := h.post(OpRequestLoan, body)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, resp["error"], "invalid nonce")
	assert.Equal(t, "CHAIN_FAILURE", resp["code"])
}

func TestMinedRevertReturnsTxHash(t *testing.T) {
	h := newHarness(t, 31337)
	h.mc.SkipEstimate = true
	key, borrower := newUser(t)

	body := h.signed(key, eip712.AttestRequest{
		Attester: borrower,
		Borrower: borrower,
		Weight:   big.NewInt(1),
		Nonce:    h.mc.Nonce(borrower),
		Deadline: deadline(),
	})
	code, resp := h.post(OpAttest, body)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "transaction reverted", resp["error"])
	assert.Equal(t, StatusReverted, resp["status"])
	require.NotEmpty(t, resp["txHash"])

	rec, err := h.store.GetByTxHash(context.Background(), resp["txHash"].(string))
	require.NoError(t, err)
	assert.Equal(t, store.StatusReverted, rec.Status)
}

func TestMissingFieldsReturn400(t *testing.T) {
	h := newHarness(t, 31337)
	sig := hexutil.Encode(make([]byte, 65))
	addr := "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	permit := map[string]interface{}{
		"value": "1", "deadline": "1", "v": 27,
		"r": hexutil.Encode(make([]byte, 32)), "s": hexutil.Encode(make([]byte, 32)),
	}
	envelope := func(extra map[string]interface{}) map[string]interface{} {
		body := map[string]interface{}{"chainId": 31337, "contractAddress": h.mc.Contract().Hex()}
		for k, v := range extra {
			body[k] = v
		}
		return body
	}
	withReq := func(req map[string]interface{}) map[string]interface{} {
		return envelope(map[string]interface{}{"req": req, "signature": sig})
	}

	cases := map[string]map[string]interface{}{
		OpRequestLoan: withReq(map[string]interface{}{
			"borrower": addr, "amount": "1", "nonce": "0", "deadline": "1"}),
		OpDisburseLoan: withReq(map[string]interface{}{
			"borrower": addr, "loanId": "1", "to": addr, "nonce": "0", "deadline": "1"}),
		OpRepayLoan: withReq(map[string]interface{}{
			"borrower": addr, "loanId": "1", "amount": "1", "nonce": "0", "deadline": "1"}),
		OpAttest: withReq(map[string]interface{}{
			"attester": addr, "borrower": addr, "weight": "1", "nonce": "0", "deadline": "1"}),
		OpRequestWithdrawal: withReq(map[string]interface{}{
			"lender": addr, "amount": "1", "to": addr, "nonce": "0", "deadline": "1"}),
		OpRepayOne: envelope(map[string]interface{}{"borrower": addr, "loanId": "1", "permit": permit}),
		OpDeposit:  envelope(map[string]interface{}{"lender": addr, "permit": permit}),
	}

	for op, body := range cases {
		for _, path := range leafPaths("", body) {
			t.Run(op+"/"+path, func(t *testing.T) {
				stripped := deepCopy(body)
				deletePath(stripped, path)
				code, resp := h.post(op, stripped)
				assert.Equal(t, http.StatusBadRequest, code)
				assert.Contains(t, resp["error"], path)
				assert.Equal(t, "MISSING_PARAMETER", resp["code"])
			})
		}
		t.Run(op+"/empty string", func(t *testing.T) {
			stripped := deepCopy(body)
			stripped["contractAddress"] = ""
			code, _ := h.post(op, stripped)
			assert.Equal(t, http.StatusBadRequest, code)
		})
	}
	assert.Empty(t, h.mc.Sent)
}

func TestMalformedFieldsReturn400(t *testing.T) {
	h := newHarness(t, 31337)
	key, borrower := newUser(t)
	base := func() map[string]interface{} {
		return h.signed(key, eip712.LoanRequest{
			Borrower: borrower, Amount: big.NewInt(1), Nonce: big.NewInt(0), Deadline: deadline(),
		})
	}

	cases := map[string]func(map[string]interface{}){
		"bad address":   func(b map[string]interface{}) { b["req"].(map[string]interface{})["borrower"] = "0x1234" },
		"negative":      func(b map[string]interface{}) { b["req"].(map[string]interface{})["amount"] = "-5" },
		"not a number":  func(b map[string]interface{}) { b["req"].(map[string]interface{})["nonce"] = "ten" },
		"short sig":     func(b map[string]interface{}) { b["signature"] = "0xdeadbeef" },
		"boolean chain": func(b map[string]interface{}) { b["chainId"] = true },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			body := base()
			mutate(body)
			code, resp := h.post(OpRequestLoan, body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, "INVALID_PARAMETER", resp["code"])
		})
	}

	code, _ := h.do(http.MethodPost, "/api/meta/request-loan", []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestNonLocalChainWithoutKeyIs500(t *testing.T) {
	h := newHarness(t, 5, func(c *config.Config) { c.RPCURL = "http://remote" })
	key, borrower := newUser(t)

	code, resp := h.post(OpRequestLoan, h.signed(key, eip712.LoanRequest{
		Borrower: borrower, Amount: big.NewInt(1), Nonce: big.NewInt(0), Deadline: deadline(),
	}))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "RELAYER_UNAVAILABLE", resp["code"])
	assert.Empty(t, h.clients.urls)
}

func TestLocalChainWithoutUnlockedAccountIs500(t *testing.T) {
	h := newHarness(t, 31337)
	h.mc.SetUnlocked()
	key, borrower := newUser(t)

	code, resp := h.post(OpRequestLoan, h.signed(key, eip712.LoanRequest{
		Borrower: borrower, Amount: big.NewInt(1), Nonce: big.NewInt(0), Deadline: deadline(),
	}))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "RELAYER_UNAVAILABLE", resp["code"])
}

func TestRelayerKeyOnRemoteChain(t *testing.T) {
	relayerKey, relayerAddr := newUser(t)
	h := newHarness(t, 5, func(c *config.Config) {
		c.RPCURL = "http://remote"
		c.RelayerPrivateKey = hexutil.Encode(crypto.FromECDSA(relayerKey))
	})
	key, borrower := newUser(t)

	code, resp := h.post(OpRequestLoan, h.signed(key, eip712.LoanRequest{
		Borrower: borrower, Amount: big.NewInt(1), Nonce: big.NewInt(0), Deadline: deadline(),
	}))
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, relayerAddr.Hex(), resp["relayer"])
	assert.Equal(t, []string{"http://remote"}, h.clients.urls)
	require.Len(t, h.mc.Sent, 1)
}

func TestChainIDMismatchIs400(t *testing.T) {
	relayerKey, _ := newUser(t)
	h := newHarness(t, 31337, func(c *config.Config) {
		c.RPCURL = "http://remote"
		c.RelayerPrivateKey = hexutil.Encode(crypto.FromECDSA(relayerKey))
	})
	key, borrower := newUser(t)
	body := h.signed(key, eip712.LoanRequest{
		Borrower: borrower, Amount: big.NewInt(1), Nonce: big.NewInt(0), Deadline: deadline(),
	})
	body["chainId"] = 5

	code, resp := h.post(OpRequestLoan, body)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, resp["error"], "chainId")
}

func TestContractAllowlist(t *testing.T) {
	h := newHarness(t, 31337, func(c *config.Config) {
		c.Networks = []config.Network{{
			ChainID:   31337,
			Name:      "hardhat",
			Contracts: []string{"0x0000000000000000000000000000000000000001"},
		}}
	})
	key, borrower := newUser(t)
	code, resp := h.post(OpRequestLoan, h.signed(key, eip712.LoanRequest{
		Borrower: borrower, Amount: big.NewInt(1), Nonce: big.NewInt(0), Deadline: deadline(),
	}))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, resp["error"], "contractAddress")
}

func TestSignaturePrecheck(t *testing.T) {
	h := newHarness(t, 31337, func(c *config.Config) { c.VerifySignatures = true })
	_, borrower := newUser(t)
	impostor, _ := newUser(t)

	code, resp := h.post(OpRequestLoan, h.signed(impostor, eip712.LoanRequest{
		Borrower: borrower, Amount: big.NewInt(1), Nonce: big.NewInt(0), Deadline: deadline(),
	}))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, resp["error"], "signature does not match")
	assert.Empty(t, h.mc.Sent)
	assert.Empty(t, h.clients.urls)
}

func TestRPCFailureIs500(t *testing.T) {
	h := newHarness(t, 31337)
	h.mc.FailRPC = testutil.ErrMockRPC
	key, borrower := newUser(t)

	code, resp := h.post(OpRequestLoan, h.signed(key, eip712.LoanRequest{
		Borrower: borrower, Amount: big.NewInt(1), Nonce: big.NewInt(0), Deadline: deadline(),
	}))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, resp["error"], "connection refused")
}

func TestConfirmTimeoutIs500(t *testing.T) {
	h := newHarness(t, 31337, func(c *config.Config) { c.ConfirmTimeout = 20 * time.Millisecond })
	h.mc.PendingPolls = 1 << 20
	key, attester := newUser(t)
	_, borrower := newUser(t)

	code, resp := h.post(OpAttest, h.signed(key, eip712.AttestRequest{
		Attester: attester,
		Borrower: borrower,
		Weight:   big.NewInt(1),
		Nonce:    h.mc.Nonce(attester),
		Deadline: deadline(),
	}))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "CHAIN_FAILURE", resp["code"])
	assert.Equal(t, "timed out waiting for transaction confirmation", resp["error"])
	require.NotEmpty(t, resp["txHash"])

	rec, err := h.store.GetByTxHash(context.Background(), resp["txHash"].(string))
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
}

func TestListRelays(t *testing.T) {
	h := newHarness(t, 31337)

	code, resp := h.do(http.MethodGet, "/api/meta/relays", nil)
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, float64(0), resp["count"])
	assert.Empty(t, resp["relays"])

	key, _ := newUser(t)
	first := h.requestLoan(key, 1)
	time.Sleep(2 * time.Millisecond)
	second := h.requestLoan(key, 2)

	code, resp = h.do(http.MethodGet, "/api/meta/relays?limit=1", nil)
	require.Equal(t, http.StatusOK, code, resp)
	relays := resp["relays"].([]interface{})
	require.Len(t, relays, 1)
	assert.Equal(t, second["txHash"], relays[0].(map[string]interface{})["txHash"])

	code, resp = h.do(http.MethodGet, "/api/meta/relays", nil)
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, float64(2), resp["count"])
	relays = resp["relays"].([]interface{})
	assert.Equal(t, first["txHash"], relays[1].(map[string]interface{})["txHash"])

	for _, bad := range []string{"0", "-3", "ten"} {
		code, resp = h.do(http.MethodGet, "/api/meta/relays?limit="+bad, nil)
		assert.Equal(t, http.StatusBadRequest, code, bad)
		assert.Equal(t, "INVALID_PARAMETER", resp["code"])
	}
}

func TestAPIMiddlewareWrapsRelayRoutesOnly(t *testing.T) {
	rl := middleware.NewRateLimiter(middleware.NewLocalLimiter(0.001, 1), 1, "second", logging.Discard())
	h := newHarnessWithMiddleware(t, 31337, []mux.MiddlewareFunc{rl.Handler})

	get := func(path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.svc.Router().ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, get("/health"))
		assert.Equal(t, http.StatusOK, get("/info"))
	}
	assert.Equal(t, http.StatusOK, get("/api/meta/relayer"))
	assert.Equal(t, http.StatusTooManyRequests, get("/api/meta/relayer"))
	assert.Equal(t, http.StatusTooManyRequests, get("/api/meta/relays"))
}

func TestAuditLookup(t *testing.T) {
	h := newHarness(t, 31337)
	key, _ := newUser(t)
	resp := h.requestLoan(key, 42)
	txHash := resp["txHash"].(string)

	code, rec := h.do(http.MethodGet, "/api/meta/relays/"+txHash, nil)
	require.Equal(t, http.StatusOK, code, rec)
	assert.Equal(t, OpRequestLoan, rec["operation"])
	assert.Equal(t, store.StatusSuccess, rec["status"])
	assert.Equal(t, nodeAccount.Hex(), rec["relayer"])
	assert.Equal(t, "1", rec["derived"].(map[string]interface{})["loanId"])

	unknown := hexutil.Encode(make([]byte, 32))
	code, _ = h.do(http.MethodGet, "/api/meta/relays/"+unknown, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = h.do(http.MethodGet, "/api/meta/relays/0x1234", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRelayerEndpoint(t *testing.T) {
	h := newHarness(t, 31337)

	code, resp := h.do(http.MethodGet, "/api/meta/relayer?chainId=31337", nil)
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, nodeAccount.Hex(), resp["relayer"])
	assert.Equal(t, "node-account", resp["mode"])
	assert.Equal(t, "1000000000000000000", resp["balanceWei"])

	code, _ = h.do(http.MethodGet, "/api/meta/relayer?chainId=1", nil)
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestInfoReportsOperations(t *testing.T) {
	h := newHarness(t, 31337)
	key, _ := newUser(t)
	h.requestLoan(key, 1)

	code, resp := h.do(http.MethodGet, "/info", nil)
	require.Equal(t, http.StatusOK, code)
	stats := resp["statistics"].(map[string]interface{})
	assert.Equal(t, float64(1), stats["relays_total"])
	assert.Equal(t, "node-account", stats["relayer_mode"])
}

func TestBalanceMonitor(t *testing.T) {
	h := newHarness(t, 31337, func(c *config.Config) { c.MinBalanceWei = "2000000000000000000" })
	require.NoError(t, h.svc.checkRelayerBalances(context.Background()))

	h.mc.FailRPC = testutil.ErrMockRPC
	assert.Error(t, h.svc.checkRelayerBalances(context.Background()))
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(Config{
		Relay:   &config.Config{BalanceCheckSchedule: "every minute"},
		Clients: &fakeClients{},
		Logger:  logging.Discard(),
	})
	assert.Error(t, err)
}

func leafPaths(prefix string, m map[string]interface{}) []string {
	var out []string
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out = append(out, leafPaths(path, nested)...)
			continue
		}
		out = append(out, path)
	}
	return out
}

func deepCopy(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = deepCopy(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func deletePath(m map[string]interface{}, path string) {
	parts := strings.Split(path, ".")
	for _, p := range parts[:len(parts)-1] {
		m = m[p].(map[string]interface{})
	}
	delete(m, parts[len(parts)-1])
}
