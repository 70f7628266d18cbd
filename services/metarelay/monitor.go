package metarelay

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/R3E-Network/microcredit_relay/internal/config"
	"github.com/R3E-Network/microcredit_relay/internal/metrics"
)

// checkRelayerBalances exports the relayer balance of every configured
// network and warns when it drops below RELAY_MIN_BALANCE_WEI. It runs on
// the RELAY_BALANCE_CHECK schedule.
func (s *Service) checkRelayerBalances(ctx context.Context) error {
	networks := s.cfg.KnownNetworks()
	if len(networks) == 0 {
		if n, ok := s.cfg.ResolveNetwork(config.LocalChainID); ok {
			n.ChainID = config.LocalChainID
			networks = append(networks, n)
		}
	}

	min := s.cfg.MinBalance()
	var errs []error
	for _, n := range networks {
		if err := s.checkBalance(ctx, n, min); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name, err))
		}
	}
	return stderrors.Join(errs...)
}

func (s *Service) checkBalance(ctx context.Context, n config.Network, min *big.Int) error {
	if n.ChainID == 0 {
		// RPC_URL without a networks file: learn the chain from the node.
		client, err := s.clients.Get(ctx, n.RPCURL)
		if err != nil {
			return err
		}
		id, err := client.ChainID(ctx)
		if err != nil {
			return err
		}
		n.ChainID = id.Uint64()
	}
	if s.relayerKey == nil && n.ChainID != config.LocalChainID {
		return nil
	}

	client, relayer, err := s.connect(ctx, n)
	if err != nil {
		return err
	}
	bal, err := client.BalanceAt(ctx, relayer.Address())
	if err != nil {
		return err
	}

	metrics.SetRelayerBalance(strconv.FormatUint(n.ChainID, 10), relayer.Address().Hex(), bal)
	if bal.Cmp(min) < 0 {
		s.Logger().Warn(ctx, "relayer balance low", map[string]interface{}{
			"chain_id":    n.ChainID,
			"relayer":     relayer.Address().Hex(),
			"balance_wei": bal.String(),
			"min_wei":     min.String(),
		})
	}
	return nil
}
