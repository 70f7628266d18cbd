// Package metarelay submits signed DecentralizedMicrocredit meta-transactions
// from a gas-paying relayer account and reports the mined result.
package metarelay

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/mux"

	"github.com/R3E-Network/microcredit_relay/internal/chain"
	"github.com/R3E-Network/microcredit_relay/internal/config"
	"github.com/R3E-Network/microcredit_relay/internal/eip712"
	"github.com/R3E-Network/microcredit_relay/internal/errors"
	"github.com/R3E-Network/microcredit_relay/internal/logging"
	"github.com/R3E-Network/microcredit_relay/internal/metrics"
	"github.com/R3E-Network/microcredit_relay/services/common/service"
	"github.com/R3E-Network/microcredit_relay/services/metarelay/store"
)

const (
	ServiceID   = "metarelay"
	ServiceName = "Microcredit Meta Relay"
	Version     = "1.0.0"
)

// ClientSource hands out chain clients by RPC URL. *chain.Pool satisfies it.
type ClientSource interface {
	Get(ctx context.Context, rpcURL string) (*chain.Client, error)
}

// Config wires the service's dependencies. Store and Router are optional.
type Config struct {
	Relay   *config.Config
	Clients ClientSource
	Store   store.Store
	Logger  *logging.Logger
	Router  *mux.Router

	// APIMiddleware wraps the /api/meta routes only.
	APIMiddleware []mux.MiddlewareFunc
}

// Service is the meta-transaction relay.
type Service struct {
	*service.BaseService
	cfg        *config.Config
	clients    ClientSource
	store      store.Store
	relayerKey *ecdsa.PrivateKey
	stats      *service.ServiceMetrics
	apiMW      []mux.MiddlewareFunc
}

// New builds the relay and registers its routes.
func New(cfg Config) (*Service, error) {
	if cfg.Relay == nil {
		return nil, fmt.Errorf("metarelay: relay config required")
	}
	if cfg.Clients == nil {
		return nil, fmt.Errorf("metarelay: client source required")
	}

	var key *ecdsa.PrivateKey
	if cfg.Relay.HasRelayerKey() {
		k, err := chain.ParsePrivateKey(cfg.Relay.RelayerPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("metarelay: %w", err)
		}
		key = k
	}

	base := service.NewBase(service.BaseConfig{
		ID:      ServiceID,
		Name:    ServiceName,
		Version: Version,
		Logger:  cfg.Logger,
		Router:  cfg.Router,
	})

	s := &Service{
		BaseService: base,
		cfg:         cfg.Relay,
		clients:     cfg.Clients,
		store:       cfg.Store,
		relayerKey:  key,
		stats:       service.NewServiceMetrics(),
		apiMW:       cfg.APIMiddleware,
	}

	base.WithStats(s.statistics)
	if s.store != nil {
		base.AddHealthCheck("store", s.store.Ping)
	}
	if spec := cfg.Relay.BalanceCheckSchedule; spec != "" {
		if err := base.AddCronWorker(spec, s.checkRelayerBalances); err != nil {
			return nil, fmt.Errorf("metarelay: balance monitor: %w", err)
		}
	}

	base.RegisterStandardRoutes()
	s.registerRoutes()
	return s, nil
}

func (s *Service) statistics() map[string]any {
	stats := s.stats.Export()
	stats["relayer_mode"] = s.relayerMode()
	stats["signature_precheck"] = s.cfg.VerifySignatures
	stats["audit_store"] = s.store != nil
	return stats
}

func (s *Service) relayerMode() string {
	if s.relayerKey != nil {
		return "private-key"
	}
	return "node-account"
}

// call is one contract write to relay.
type call struct {
	operation string
	env       envelope
	signer    common.Address
	data      []byte

	// typed and signature enable the optional signer pre-check.
	typed     eip712.Struct
	signature []byte
}

// mined is what derivation functions get after a successful receipt.
type mined struct {
	client  *chain.Client
	relayer common.Address
	receipt *types.Receipt
}

func (m *mined) base() RelayResponse {
	return RelayResponse{
		TxHash:  m.receipt.TxHash.Hex(),
		Status:  StatusSuccess,
		Relayer: m.relayer.Hex(),
	}
}

// deriveFunc builds the operation's response from the mined receipt.
type deriveFunc func(ctx context.Context, m *mined) (interface{}, error)

// relay runs one call end to end: network and relayer selection, submit,
// confirmation, derivation, audit and metrics.
func (s *Service) relay(ctx context.Context, c call, derive deriveFunc) (interface{}, error) {
	start := time.Now()
	ctx = logging.WithSigner(ctx, c.signer.Hex())

	rec := &store.Record{
		Operation:       c.operation,
		ChainID:         int64(c.env.ChainID),
		ContractAddress: c.env.Contract.Hex(),
		Signer:          c.signer.Hex(),
		Status:          store.StatusPending,
	}

	resp, receipt, err := s.submit(ctx, c, rec, derive)

	outcome := "success"
	if err != nil {
		outcome = "error"
		if se := errors.GetServiceError(err); se != nil && se.HTTPStatus < 500 {
			outcome = "rejected"
		} else if se != nil && se.Code == errors.CodeTransactionFailed {
			outcome = StatusReverted
		}
	}
	var gasUsed uint64
	if receipt != nil {
		gasUsed = receipt.GasUsed
	}
	metrics.RecordRelay(c.operation, outcome, time.Since(start), gasUsed)
	s.stats.RecordRequest(c.operation, time.Since(start), err == nil)

	fields := map[string]interface{}{
		"operation": c.operation,
		"chain_id":  c.env.ChainID,
		"contract":  c.env.Contract.Hex(),
		"outcome":   outcome,
		"duration":  time.Since(start).String(),
	}
	if rec.TxHash != "" {
		fields["tx_hash"] = rec.TxHash
	}
	switch outcome {
	case "success":
		s.Logger().Info(ctx, "meta-transaction relayed", fields)
	case "rejected":
		fields["error"] = errors.ShortMessage(err)
		s.Logger().Warn(ctx, "meta-transaction rejected", fields)
	default:
		s.Logger().Error(ctx, "meta-transaction failed", err, fields)
	}
	return resp, err
}

func (s *Service) submit(ctx context.Context, c call, rec *store.Record, derive deriveFunc) (interface{}, *types.Receipt, error) {
	client, relayer, err := s.prepare(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	rec.Relayer = relayer.Address().Hex()
	s.audit(ctx, rec, true)

	hash, err := relayer.Send(ctx, c.env.Contract, c.data)
	if err != nil {
		se := chainFailure(err)
		s.finish(ctx, rec, store.StatusFailed, se.Message, nil)
		return nil, nil, se
	}
	rec.TxHash = hash.Hex()
	rec.Status = store.StatusSubmitted
	s.audit(ctx, rec, false)

	receipt, err := client.WaitForReceipt(ctx, hash, s.cfg.ConfirmTimeout)
	if err != nil {
		se := chainFailure(err).WithDetails("txHash", hash.Hex())
		s.finish(ctx, rec, store.StatusFailed, se.Message, nil)
		return nil, nil, se
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		se := errors.TransactionReverted(hash.Hex()).WithDetails("status", StatusReverted)
		s.finish(ctx, rec, store.StatusReverted, se.Message, nil)
		return nil, receipt, se
	}

	m := &mined{client: client, relayer: relayer.Address(), receipt: receipt}
	resp, err := derive(ctx, m)
	if err != nil {
		s.finish(ctx, rec, store.StatusFailed, errors.ShortMessage(err), nil)
		return nil, receipt, err
	}
	s.finish(ctx, rec, store.StatusSuccess, "", resp)
	return resp, receipt, nil
}

// prepare resolves the network, checks the node's chain id and picks the
// relayer account. Nothing is sent.
func (s *Service) prepare(ctx context.Context, c call) (*chain.Client, chain.Relayer, error) {
	network, err := s.network(c.env.ChainID)
	if err != nil {
		return nil, nil, err
	}
	if !network.ContractAllowed(c.env.Contract.Hex()) {
		return nil, nil, errors.InvalidParameter("contractAddress",
			fmt.Errorf("contract %s is not served on chain %d", c.env.Contract.Hex(), c.env.ChainID))
	}

	if s.cfg.VerifySignatures && c.typed != nil {
		domain := eip712.MicrocreditDomain(new(big.Int).SetUint64(c.env.ChainID), c.env.Contract)
		ok, err := eip712.Verify(domain, c.typed, c.signature)
		if err != nil {
			return nil, nil, errors.InvalidParameter("signature", err)
		}
		if !ok {
			return nil, nil, errors.BadRequest("signature does not match " + c.signer.Hex())
		}
	}

	return s.connect(ctx, network)
}

// network applies the relayer policy and resolves chainID's RPC endpoint.
// Without a private key only the local development chain can be served.
func (s *Service) network(chainID uint64) (config.Network, error) {
	if s.relayerKey == nil && chainID != config.LocalChainID {
		return config.Network{}, errors.RelayerUnavailable(
			fmt.Sprintf("Relayer not configured: set RELAYER_PRIVATE_KEY to relay on chain %d", chainID))
	}
	network, ok := s.cfg.ResolveNetwork(chainID)
	if !ok {
		return config.Network{}, errors.ChainFailure(fmt.Errorf("no RPC endpoint configured for chain %d", chainID))
	}
	network.ChainID = chainID
	return network, nil
}

// connect dials network, confirms the node serves the expected chain and
// selects the relayer.
func (s *Service) connect(ctx context.Context, network config.Network) (*chain.Client, chain.Relayer, error) {
	client, err := s.clients.Get(ctx, network.RPCURL)
	if err != nil {
		return nil, nil, chainFailure(err)
	}
	nodeChainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, nil, chainFailure(err)
	}
	if !nodeChainID.IsUint64() || nodeChainID.Uint64() != network.ChainID {
		return nil, nil, errors.InvalidParameter("chainId",
			fmt.Errorf("RPC node reports chain %s, request targets %d", nodeChainID, network.ChainID))
	}

	relayer, err := s.relayerFor(ctx, client)
	if err != nil {
		return nil, nil, err
	}
	return client, relayer, nil
}

func (s *Service) relayerFor(ctx context.Context, client *chain.Client) (chain.Relayer, error) {
	if s.relayerKey != nil {
		return chain.NewKeyRelayer(client, s.relayerKey), nil
	}
	relayer, err := client.NodeRelayer(ctx)
	if err != nil {
		return nil, errors.RelayerUnavailable("No relayer account: the local node exposes no unlocked accounts")
	}
	return relayer, nil
}

// audit writes rec to the store. Store failures never fail the relay.
func (s *Service) audit(ctx context.Context, rec *store.Record, create bool) {
	if s.store == nil {
		return
	}
	var err error
	if create {
		err = s.store.Create(ctx, rec)
	} else {
		err = s.store.Update(ctx, rec)
	}
	if err != nil {
		s.Logger().Warn(ctx, "audit write failed", map[string]interface{}{
			"operation": rec.Operation,
			"error":     err.Error(),
		})
	}
}

func (s *Service) finish(ctx context.Context, rec *store.Record, status, errMsg string, derived interface{}) {
	now := time.Now().UTC()
	rec.Status = status
	rec.Error = errMsg
	rec.CompletedAt = &now
	if derived != nil {
		if b, err := json.Marshal(derived); err == nil {
			rec.Derived = b
		}
	}
	s.audit(ctx, rec, false)
}

// chainFailure maps RPC, revert and timeout errors to a 500 carrying the
// node's short message.
func chainFailure(err error) *errors.ServiceError {
	if se := errors.GetServiceError(err); se != nil {
		return se
	}
	se := errors.ChainFailure(err)
	se.Message = chain.ShortMessage(err)
	if stderrors.Is(err, chain.ErrConfirmTimeout) {
		se.Message = "timed out waiting for transaction confirmation"
	}
	return se
}
