package metarelay

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"

	"github.com/R3E-Network/microcredit_relay/internal/config"
	"github.com/R3E-Network/microcredit_relay/internal/errors"
	"github.com/R3E-Network/microcredit_relay/internal/httputil"
	"github.com/R3E-Network/microcredit_relay/services/metarelay/store"
)

// relayFunc is one POST /api/meta/* operation.
type relayFunc func(ctx context.Context, body []byte) (interface{}, error)

func (s *Service) registerRoutes() {
	api := s.Router().PathPrefix("/api/meta").Subrouter()
	api.Use(s.apiMW...)

	ops := map[string]relayFunc{
		OpRequestLoan:       s.RequestLoan,
		OpDisburseLoan:      s.DisburseLoan,
		OpRepayLoan:         s.RepayLoan,
		OpRepayOne:          s.RepayOne,
		OpDeposit:           s.Deposit,
		OpAttest:            s.Attest,
		OpRequestWithdrawal: s.RequestWithdrawal,
	}
	for _, name := range Operations {
		api.HandleFunc("/"+name, s.handleRelay(ops[name])).Methods(http.MethodPost)
	}

	api.HandleFunc("/relays", s.handleListRelays).Methods(http.MethodGet)
	api.HandleFunc("/relays/{txHash}", s.handleGetRelay).Methods(http.MethodGet)
	api.HandleFunc("/relayer", s.handleRelayer).Methods(http.MethodGet)
}

func (s *Service) handleRelay(fn relayFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := httputil.ReadBody(r)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		resp, err := fn(r.Context(), body)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

const (
	defaultRelayListLimit = 50
	maxRelayListLimit     = 500
)

func (s *Service) handleListRelays(w http.ResponseWriter, r *http.Request) {
	limit := defaultRelayListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteError(w, errors.InvalidParameter("limit", stderrors.New("must be a positive integer")))
			return
		}
		limit = n
	}
	if limit > maxRelayListLimit {
		limit = maxRelayListLimit
	}

	records := []*store.Record{}
	if s.store != nil {
		recent, err := s.store.ListRecent(r.Context(), limit)
		if err != nil {
			httputil.WriteError(w, errors.Internal("audit listing failed", err))
			return
		}
		if recent != nil {
			records = recent
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"relays": records,
		"count":  len(records),
	})
}

func (s *Service) handleGetRelay(w http.ResponseWriter, r *http.Request) {
	txHash := mux.Vars(r)["txHash"]
	if b, err := hexutil.Decode(txHash); err != nil || len(b) != 32 {
		httputil.WriteError(w, errors.InvalidParameter("txHash", stderrors.New("not a 32-byte 0x-prefixed hash")))
		return
	}
	if s.store == nil {
		httputil.WriteError(w, errors.NotFound("relay", txHash))
		return
	}

	rec, err := s.store.GetByTxHash(r.Context(), txHash)
	if stderrors.Is(err, store.ErrNotFound) {
		httputil.WriteError(w, errors.NotFound("relay", txHash))
		return
	}
	if err != nil {
		httputil.WriteError(w, errors.Internal("audit lookup failed", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

func (s *Service) handleRelayer(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("chainId"))
	chainID := config.LocalChainID
	if raw != "" {
		n, err := strconv.ParseUint(raw, 0, 64)
		if err != nil {
			httputil.WriteError(w, errors.InvalidParameter("chainId", err))
			return
		}
		chainID = n
	}

	resp, err := s.RelayerInfo(r.Context(), chainID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// RelayerInfo reports the account that would pay for relays on chainID and
// its balance.
func (s *Service) RelayerInfo(ctx context.Context, chainID uint64) (*RelayerResponse, error) {
	network, err := s.network(chainID)
	if err != nil {
		return nil, err
	}
	client, relayer, err := s.connect(ctx, network)
	if err != nil {
		return nil, err
	}
	bal, err := client.BalanceAt(ctx, relayer.Address())
	if err != nil {
		return nil, chainFailure(err)
	}
	return &RelayerResponse{
		ChainID:    chainID,
		Relayer:    relayer.Address().Hex(),
		Mode:       s.relayerMode(),
		BalanceWei: bal.String(),
	}, nil
}
