package main

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/R3E-Network/microcredit_relay/pkg/relayclient"
)

var operations = []string{
	relayclient.OpRequestLoan,
	relayclient.OpDisburseLoan,
	relayclient.OpRepayLoan,
	relayclient.OpRepayOne,
	relayclient.OpDeposit,
	relayclient.OpAttest,
	relayclient.OpRequestWithdrawal,
}

// params are the operation inputs as given on the command line.
type params struct {
	Amount   string
	LoanID   string
	To       string
	Borrower string
	Weight   string
	Permit   bool
}

// build signs the body for op with s.
func build(ctx context.Context, s *relayclient.Signer, op string, p params) (interface{}, error) {
	switch op {
	case relayclient.OpRequestLoan:
		amount, err := number("amount", p.Amount)
		if err != nil {
			return nil, err
		}
		return s.RequestLoan(ctx, amount)

	case relayclient.OpDisburseLoan:
		loanID, err := number("loan-id", p.LoanID)
		if err != nil {
			return nil, err
		}
		to, err := addressOr("to", p.To, s.Address())
		if err != nil {
			return nil, err
		}
		return s.DisburseLoan(ctx, loanID, to)

	case relayclient.OpRepayLoan, relayclient.OpRepayOne:
		loanID, err := number("loan-id", p.LoanID)
		if err != nil {
			return nil, err
		}
		amount, err := number("amount", p.Amount)
		if err != nil {
			return nil, err
		}
		if op == relayclient.OpRepayOne {
			return s.RepayOne(ctx, loanID, amount)
		}
		return s.RepayLoan(ctx, loanID, amount, p.Permit)

	case relayclient.OpDeposit:
		amount, err := number("amount", p.Amount)
		if err != nil {
			return nil, err
		}
		return s.Deposit(ctx, amount)

	case relayclient.OpAttest:
		if !common.IsHexAddress(p.Borrower) {
			return nil, fmt.Errorf("-borrower must be a hex address")
		}
		weight, err := number("weight", p.Weight)
		if err != nil {
			return nil, err
		}
		return s.Attest(ctx, common.HexToAddress(p.Borrower), weight)

	case relayclient.OpRequestWithdrawal:
		amount, err := number("amount", p.Amount)
		if err != nil {
			return nil, err
		}
		to, err := addressOr("to", p.To, s.Address())
		if err != nil {
			return nil, err
		}
		return s.RequestWithdrawal(ctx, amount, to)
	}
	return nil, fmt.Errorf("unknown operation %q", op)
}

func number(name, raw string) (*big.Int, error) {
	if raw == "" {
		return nil, fmt.Errorf("-%s is required", name)
	}
	n, ok := new(big.Int).SetString(raw, 0)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("-%s must be a non-negative integer", name)
	}
	return n, nil
}

func addressOr(name, raw string, fallback common.Address) (common.Address, error) {
	if raw == "" {
		return fallback, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("-%s must be a hex address", name)
	}
	return common.HexToAddress(raw), nil
}
