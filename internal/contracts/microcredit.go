package contracts

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/R3E-Network/microcredit_relay/internal/eip712"
)

// Method names on DecentralizedMicrocredit.
const (
	MethodRequestLoanMeta       = "requestLoanMeta"
	MethodDisburseLoanMeta      = "disburseLoanMeta"
	MethodRepayLoanMeta         = "repayLoanMeta"
	MethodRepayWithPermit       = "repayWithPermit"
	MethodAttestMeta            = "attestMeta"
	MethodDepositPermitOnlyMeta = "depositPermitOnlyMeta"
	MethodRequestWithdrawalMeta = "requestWithdrawalMeta"
	MethodGetBorrowerLoanIds    = "getBorrowerLoanIds"
	MethodNonces                = "nonces"
	MethodToken                 = "token"
)

// ErrEventMismatch is returned when a log is not the requested event.
var ErrEventMismatch = errors.New("log does not match event")

// PermitArgs is the permit tuple passed alongside a repay request. A zero
// Value tells the contract to use the borrower's existing allowance.
type PermitArgs struct {
	Value    *big.Int
	Deadline *big.Int
	V        uint8
	R        [32]byte
	S        [32]byte
}

// NoPermit is the empty permit tuple.
func NoPermit() PermitArgs {
	return PermitArgs{Value: new(big.Int), Deadline: new(big.Int)}
}

// PackRequestLoan encodes requestLoanMeta(req, signature).
func PackRequestLoan(req eip712.LoanRequest, sig []byte) ([]byte, error) {
	return MustMicrocreditABI().Pack(MethodRequestLoanMeta, req, sig)
}

// PackDisburseLoan encodes disburseLoanMeta(req, signature).
func PackDisburseLoan(req eip712.DisburseRequest, sig []byte) ([]byte, error) {
	return MustMicrocreditABI().Pack(MethodDisburseLoanMeta, req, sig)
}

// PackRepayLoan encodes repayLoanMeta(req, signature, permit).
func PackRepayLoan(req eip712.RepayRequest, sig []byte, permit PermitArgs) ([]byte, error) {
	return MustMicrocreditABI().Pack(MethodRepayLoanMeta, req, sig, permit)
}

// PackRepayWithPermit encodes repayWithPermit. The permit itself authorizes
// the repayment, so there is no separate request signature.
func PackRepayWithPermit(borrower common.Address, loanID, amount *big.Int, permit PermitArgs) ([]byte, error) {
	return MustMicrocreditABI().Pack(MethodRepayWithPermit,
		borrower, loanID, amount, permit.Deadline, permit.V, permit.R, permit.S)
}

// PackAttest encodes attestMeta(req, signature).
func PackAttest(req eip712.AttestRequest, sig []byte) ([]byte, error) {
	return MustMicrocreditABI().Pack(MethodAttestMeta, req, sig)
}

// PackDeposit encodes depositPermitOnlyMeta for a permit-authorized deposit.
func PackDeposit(lender common.Address, permit PermitArgs) ([]byte, error) {
	return MustMicrocreditABI().Pack(MethodDepositPermitOnlyMeta,
		lender, permit.Value, permit.Deadline, permit.V, permit.R, permit.S)
}

// PackRequestWithdrawal encodes requestWithdrawalMeta(req, signature).
func PackRequestWithdrawal(req eip712.RequestWithdrawal, sig []byte) ([]byte, error) {
	return MustMicrocreditABI().Pack(MethodRequestWithdrawalMeta, req, sig)
}

// PackBorrowerLoanIDs encodes the getBorrowerLoanIds view call.
func PackBorrowerLoanIDs(borrower common.Address) ([]byte, error) {
	return MustMicrocreditABI().Pack(MethodGetBorrowerLoanIds, borrower)
}

// UnpackBorrowerLoanIDs decodes the getBorrowerLoanIds result.
func UnpackBorrowerLoanIDs(data []byte) ([]*big.Int, error) {
	out, err := MustMicrocreditABI().Unpack(MethodGetBorrowerLoanIds, data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", MethodGetBorrowerLoanIds, err)
	}
	ids, ok := out[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", MethodGetBorrowerLoanIds, out[0])
	}
	return ids, nil
}

// PackNonces encodes nonces(owner). The selector is the same on the contract
// and on ERC-2612 tokens.
func PackNonces(owner common.Address) ([]byte, error) {
	return MustMicrocreditABI().Pack(MethodNonces, owner)
}

// UnpackNonces decodes a nonces(owner) result.
func UnpackNonces(data []byte) (*big.Int, error) {
	out, err := MustMicrocreditABI().Unpack(MethodNonces, data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", MethodNonces, err)
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", MethodNonces, out[0])
	}
	return n, nil
}

// PackToken encodes the token() view call.
func PackToken() ([]byte, error) {
	return MustMicrocreditABI().Pack(MethodToken)
}

// UnpackToken decodes the token() result.
func UnpackToken(data []byte) (common.Address, error) {
	out, err := MustMicrocreditABI().Unpack(MethodToken, data)
	if err != nil {
		return common.Address{}, fmt.Errorf("unpack %s: %w", MethodToken, err)
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unpack %s: unexpected type %T", MethodToken, out[0])
	}
	return addr, nil
}

// LoanRepaid is the decoded LoanRepaid event.
type LoanRepaid struct {
	LoanID   *big.Int
	Borrower common.Address
	Amount   *big.Int
}

// WithdrawalRequested is the decoded WithdrawalRequested event.
type WithdrawalRequested struct {
	QueueID         *big.Int
	Lender          common.Address
	AmountQueued    *big.Int
	AmountFilledNow *big.Int
}

// ParseLoanRepaid decodes log as LoanRepaid.
func ParseLoanRepaid(log types.Log) (*LoanRepaid, error) {
	m := map[string]interface{}{}
	if err := unpackLog(MustMicrocreditABI(), "LoanRepaid", log, m); err != nil {
		return nil, err
	}
	ev := &LoanRepaid{}
	ev.LoanID, _ = m["loanId"].(*big.Int)
	ev.Borrower, _ = m["borrower"].(common.Address)
	ev.Amount, _ = m["amount"].(*big.Int)
	return ev, nil
}

// ParseWithdrawalRequested decodes log as WithdrawalRequested.
func ParseWithdrawalRequested(log types.Log) (*WithdrawalRequested, error) {
	m := map[string]interface{}{}
	if err := unpackLog(MustMicrocreditABI(), "WithdrawalRequested", log, m); err != nil {
		return nil, err
	}
	ev := &WithdrawalRequested{}
	ev.QueueID, _ = m["queueId"].(*big.Int)
	ev.Lender, _ = m["lender"].(common.Address)
	ev.AmountQueued, _ = m["amountQueued"].(*big.Int)
	ev.AmountFilledNow, _ = m["amountFilledNow"].(*big.Int)
	return ev, nil
}

// FindLoanRepaid returns the first LoanRepaid log emitted by contract.
func FindLoanRepaid(logs []*types.Log, contract common.Address) *LoanRepaid {
	for _, l := range logs {
		if l == nil || l.Address != contract {
			continue
		}
		if ev, err := ParseLoanRepaid(*l); err == nil {
			return ev
		}
	}
	return nil
}

// FindWithdrawalRequested returns the first WithdrawalRequested log emitted
// by contract.
func FindWithdrawalRequested(logs []*types.Log, contract common.Address) *WithdrawalRequested {
	for _, l := range logs {
		if l == nil || l.Address != contract {
			continue
		}
		if ev, err := ParseWithdrawalRequested(*l); err == nil {
			return ev
		}
	}
	return nil
}
