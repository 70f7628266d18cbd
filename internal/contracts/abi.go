// Package contracts holds the ABI bindings the relay needs for the
// DecentralizedMicrocredit contract and its ERC-2612 token.
package contracts

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
)

// MicrocreditABI covers the meta-transaction entry points, enrichment views
// and the events the relay decodes.
const MicrocreditABI = `[
  {"type":"function","name":"requestLoanMeta","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"req","type":"tuple","internalType":"struct DecentralizedMicrocredit.LoanRequest","components":[
      {"name":"borrower","type":"address"},{"name":"amount","type":"uint256"},
      {"name":"nonce","type":"uint256"},{"name":"deadline","type":"uint256"}]},
    {"name":"signature","type":"bytes"}]},
  {"type":"function","name":"disburseLoanMeta","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"req","type":"tuple","internalType":"struct DecentralizedMicrocredit.DisburseRequest","components":[
      {"name":"borrower","type":"address"},{"name":"loanId","type":"uint256"},{"name":"to","type":"address"},
      {"name":"nonce","type":"uint256"},{"name":"deadline","type":"uint256"}]},
    {"name":"signature","type":"bytes"}]},
  {"type":"function","name":"repayLoanMeta","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"req","type":"tuple","internalType":"struct DecentralizedMicrocredit.RepayRequest","components":[
      {"name":"borrower","type":"address"},{"name":"loanId","type":"uint256"},{"name":"amount","type":"uint256"},
      {"name":"nonce","type":"uint256"},{"name":"deadline","type":"uint256"}]},
    {"name":"signature","type":"bytes"},
    {"name":"permit","type":"tuple","internalType":"struct DecentralizedMicrocredit.PermitData","components":[
      {"name":"value","type":"uint256"},{"name":"deadline","type":"uint256"},
      {"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}]}]},
  {"type":"function","name":"repayWithPermit","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"borrower","type":"address"},{"name":"loanId","type":"uint256"},{"name":"amount","type":"uint256"},
    {"name":"deadline","type":"uint256"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}]},
  {"type":"function","name":"attestMeta","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"req","type":"tuple","internalType":"struct DecentralizedMicrocredit.AttestRequest","components":[
      {"name":"attester","type":"address"},{"name":"borrower","type":"address"},{"name":"weight","type":"uint256"},
      {"name":"nonce","type":"uint256"},{"name":"deadline","type":"uint256"}]},
    {"name":"signature","type":"bytes"}]},
  {"type":"function","name":"depositPermitOnlyMeta","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"lender","type":"address"},{"name":"value","type":"uint256"},{"name":"deadline","type":"uint256"},
    {"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}]},
  {"type":"function","name":"requestWithdrawalMeta","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"req","type":"tuple","internalType":"struct DecentralizedMicrocredit.RequestWithdrawal","components":[
      {"name":"lender","type":"address"},{"name":"amount","type":"uint256"},{"name":"to","type":"address"},
      {"name":"nonce","type":"uint256"},{"name":"deadline","type":"uint256"}]},
    {"name":"signature","type":"bytes"}]},
  {"type":"function","name":"getBorrowerLoanIds","stateMutability":"view","inputs":[
    {"name":"borrower","type":"address"}],"outputs":[{"name":"","type":"uint256[]"}]},
  {"type":"function","name":"nonces","stateMutability":"view","inputs":[
    {"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"token","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"event","name":"LoanRepaid","anonymous":false,"inputs":[
    {"name":"loanId","type":"uint256","indexed":true},{"name":"borrower","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"WithdrawalRequested","anonymous":false,"inputs":[
    {"name":"queueId","type":"uint256","indexed":true},{"name":"lender","type":"address","indexed":true},
    {"name":"amountQueued","type":"uint256","indexed":false},{"name":"amountFilledNow","type":"uint256","indexed":false}]}
]`

// ERC20PermitABI is the subset of an ERC-20 + ERC-2612 token the relay and
// its clients touch.
const ERC20PermitABI = `[
  {"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"nonces","stateMutability":"view","inputs":[
    {"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
    {"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"Transfer","anonymous":false,"inputs":[
    {"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},
    {"name":"value","type":"uint256","indexed":false}]}
]`

var (
	parseOnce   sync.Once
	microcredit abi.ABI
	erc20       abi.ABI
	errParseABI error
)

func parsed() (abi.ABI, abi.ABI, error) {
	parseOnce.Do(func() {
		microcredit, errParseABI = abi.JSON(strings.NewReader(MicrocreditABI))
		if errParseABI != nil {
			errParseABI = fmt.Errorf("parse microcredit abi: %w", errParseABI)
			return
		}
		erc20, errParseABI = abi.JSON(strings.NewReader(ERC20PermitABI))
		if errParseABI != nil {
			errParseABI = fmt.Errorf("parse erc20 abi: %w", errParseABI)
		}
	})
	return microcredit, erc20, errParseABI
}

// MustMicrocreditABI returns the parsed contract ABI. The ABI is a constant,
// so a parse failure is a programming error.
func MustMicrocreditABI() abi.ABI {
	m, _, err := parsed()
	if err != nil {
		panic(err)
	}
	return m
}

// MustERC20ABI returns the parsed token ABI.
func MustERC20ABI() abi.ABI {
	_, t, err := parsed()
	if err != nil {
		panic(err)
	}
	return t
}

// unpackLog decodes both indexed and data fields of log into out.
func unpackLog(a abi.ABI, event string, log types.Log, out map[string]interface{}) error {
	ev, ok := a.Events[event]
	if !ok {
		return fmt.Errorf("event %s not in abi", event)
	}
	if len(log.Topics) == 0 || log.Topics[0] != ev.ID {
		return ErrEventMismatch
	}
	if len(log.Data) > 0 {
		if err := a.UnpackIntoMap(out, event, log.Data); err != nil {
			return fmt.Errorf("unpack %s data: %w", event, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(out, indexed, log.Topics[1:]); err != nil {
		return fmt.Errorf("unpack %s topics: %w", event, err)
	}
	return nil
}
