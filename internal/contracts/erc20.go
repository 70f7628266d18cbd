package contracts

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Transfer is a decoded ERC-20 Transfer event.
type Transfer struct {
	Token common.Address
	From  common.Address
	To    common.Address
	Value *big.Int
}

// TransferDirection selects which side of a Transfer must match.
type TransferDirection int

const (
	// FromContract matches transfers paid out by the contract.
	FromContract TransferDirection = iota
	// IntoContract matches transfers received by the contract.
	IntoContract
)

// ParseTransfer decodes log as an ERC-20 Transfer.
func ParseTransfer(log types.Log) (*Transfer, error) {
	m := map[string]interface{}{}
	if err := unpackLog(MustERC20ABI(), "Transfer", log, m); err != nil {
		return nil, err
	}
	t := &Transfer{Token: log.Address}
	t.From, _ = m["from"].(common.Address)
	t.To, _ = m["to"].(common.Address)
	t.Value, _ = m["value"].(*big.Int)
	return t, nil
}

// FindTransfer returns the first Transfer log in logs whose from (or to,
// per dir) is contract. Logs from any token are considered.
func FindTransfer(logs []*types.Log, contract common.Address, dir TransferDirection) *Transfer {
	for _, l := range logs {
		if l == nil {
			continue
		}
		t, err := ParseTransfer(*l)
		if err != nil {
			continue
		}
		switch dir {
		case FromContract:
			if t.From == contract {
				return t
			}
		case IntoContract:
			if t.To == contract {
				return t
			}
		}
	}
	return nil
}

// PackTokenName encodes name().
func PackTokenName() ([]byte, error) {
	return MustERC20ABI().Pack("name")
}

// UnpackTokenName decodes a name() result.
func UnpackTokenName(data []byte) (string, error) {
	out, err := MustERC20ABI().Unpack("name", data)
	if err != nil {
		return "", fmt.Errorf("unpack name: %w", err)
	}
	name, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("unpack name: unexpected type %T", out[0])
	}
	return name, nil
}

// PackBalanceOf encodes balanceOf(account).
func PackBalanceOf(account common.Address) ([]byte, error) {
	return MustERC20ABI().Pack("balanceOf", account)
}

// TransferLog builds a Transfer log as a token would emit it. Used by tests
// and fake backends.
func TransferLog(token, from, to common.Address, value *big.Int) *types.Log {
	ev := MustERC20ABI().Events["Transfer"]
	return &types.Log{
		Address: token,
		Topics:  []common.Hash{ev.ID, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:    common.LeftPadBytes(value.Bytes(), 32),
	}
}

// LoanRepaidLog builds a LoanRepaid log.
func LoanRepaidLog(contract common.Address, loanID *big.Int, borrower common.Address, amount *big.Int) *types.Log {
	ev := MustMicrocreditABI().Events["LoanRepaid"]
	return &types.Log{
		Address: contract,
		Topics:  []common.Hash{ev.ID, common.BigToHash(loanID), common.BytesToHash(borrower.Bytes())},
		Data:    common.LeftPadBytes(amount.Bytes(), 32),
	}
}

// WithdrawalRequestedLog builds a WithdrawalRequested log.
func WithdrawalRequestedLog(contract common.Address, queueID *big.Int, lender common.Address, queued, filled *big.Int) *types.Log {
	ev := MustMicrocreditABI().Events["WithdrawalRequested"]
	data := append(common.LeftPadBytes(queued.Bytes(), 32), common.LeftPadBytes(filled.Bytes(), 32)...)
	return &types.Log{
		Address: contract,
		Topics:  []common.Hash{ev.ID, common.BigToHash(queueID), common.BytesToHash(lender.Bytes())},
		Data:    data,
	}
}
