// Package eip712 builds and signs the typed-data structs accepted by the
// DecentralizedMicrocredit contract and ERC-2612 permit tokens.
//
// Field order and Solidity types here must match the contract exactly: a
// mismatch produces a different digest and the contract reverts.
package eip712

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	// DomainName and DomainVersion are fixed by the contract.
	DomainName    = "DecentralizedMicrocredit"
	DomainVersion = "1"

	// PermitVersion is the EIP-712 version used by the platform's permit token.
	PermitVersion = "1"
)

// Primary type names.
const (
	TypeLoanRequest       = "LoanRequest"
	TypeDisburseRequest   = "DisburseRequest"
	TypeRepayRequest      = "RepayRequest"
	TypeAttestRequest     = "AttestRequest"
	TypeRequestWithdrawal = "RequestWithdrawal"
	TypePermit            = "Permit"
	typeDomain            = "EIP712Domain"
)

var domainFields = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var structFields = map[string][]apitypes.Type{
	TypeLoanRequest: {
		{Name: "borrower", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
	TypeDisburseRequest: {
		{Name: "borrower", Type: "address"},
		{Name: "loanId", Type: "uint256"},
		{Name: "to", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
	TypeRepayRequest: {
		{Name: "borrower", Type: "address"},
		{Name: "loanId", Type: "uint256"},
		{Name: "amount", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
	TypeAttestRequest: {
		{Name: "attester", Type: "address"},
		{Name: "borrower", Type: "address"},
		{Name: "weight", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
	TypeRequestWithdrawal: {
		{Name: "lender", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "to", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
	TypePermit: {
		{Name: "owner", Type: "address"},
		{Name: "spender", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
}

// Struct is a typed message that can be signed under a Domain.
type Struct interface {
	PrimaryType() string
	Message() apitypes.TypedDataMessage
	// Signer is the address expected to have signed the struct.
	Signer() common.Address
}

// LoanRequest asks the contract to open a loan for Borrower.
// Field names double as ABI tuple component names.
type LoanRequest struct {
	Borrower common.Address
	Amount   *big.Int
	Nonce    *big.Int
	Deadline *big.Int
}

func (r LoanRequest) PrimaryType() string { return TypeLoanRequest }
func (r LoanRequest) Signer() common.Address { return r.Borrower }

func (r LoanRequest) Message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"borrower": r.Borrower.Hex(),
		"amount":   decimal(r.Amount),
		"nonce":    decimal(r.Nonce),
		"deadline": decimal(r.Deadline),
	}
}

// DisburseRequest releases the funds of LoanID to To.
type DisburseRequest struct {
	Borrower common.Address
	LoanId   *big.Int // ABI component "loanId"
	To       common.Address
	Nonce    *big.Int
	Deadline *big.Int
}

func (r DisburseRequest) PrimaryType() string { return TypeDisburseRequest }
func (r DisburseRequest) Signer() common.Address { return r.Borrower }

func (r DisburseRequest) Message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"borrower": r.Borrower.Hex(),
		"loanId":   decimal(r.LoanId),
		"to":       r.To.Hex(),
		"nonce":    decimal(r.Nonce),
		"deadline": decimal(r.Deadline),
	}
}

// RepayRequest repays Amount of LoanId from Borrower's tokens.
type RepayRequest struct {
	Borrower common.Address
	LoanId   *big.Int
	Amount   *big.Int
	Nonce    *big.Int
	Deadline *big.Int
}

func (r RepayRequest) PrimaryType() string { return TypeRepayRequest }
func (r RepayRequest) Signer() common.Address { return r.Borrower }

func (r RepayRequest) Message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"borrower": r.Borrower.Hex(),
		"loanId":   decimal(r.LoanId),
		"amount":   decimal(r.Amount),
		"nonce":    decimal(r.Nonce),
		"deadline": decimal(r.Deadline),
	}
}

// AttestRequest records Attester vouching for Borrower with Weight.
type AttestRequest struct {
	Attester common.Address
	Borrower common.Address
	Weight   *big.Int
	Nonce    *big.Int
	Deadline *big.Int
}

func (r AttestRequest) PrimaryType() string { return TypeAttestRequest }
func (r AttestRequest) Signer() common.Address { return r.Attester }

func (r AttestRequest) Message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"attester": r.Attester.Hex(),
		"borrower": r.Borrower.Hex(),
		"weight":   decimal(r.Weight),
		"nonce":    decimal(r.Nonce),
		"deadline": decimal(r.Deadline),
	}
}

// RequestWithdrawal withdraws Amount of Lender's deposit to To. The contract
// pays what liquidity allows now and queues the remainder.
type RequestWithdrawal struct {
	Lender   common.Address
	Amount   *big.Int
	To       common.Address
	Nonce    *big.Int
	Deadline *big.Int
}

func (r RequestWithdrawal) PrimaryType() string { return TypeRequestWithdrawal }
func (r RequestWithdrawal) Signer() common.Address { return r.Lender }

func (r RequestWithdrawal) Message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"lender":   r.Lender.Hex(),
		"amount":   decimal(r.Amount),
		"to":       r.To.Hex(),
		"nonce":    decimal(r.Nonce),
		"deadline": decimal(r.Deadline),
	}
}

// Permit is an ERC-2612 approval signed under the token's own domain.
type Permit struct {
	Owner    common.Address
	Spender  common.Address
	Value    *big.Int
	Nonce    *big.Int
	Deadline *big.Int
}

func (p Permit) PrimaryType() string { return TypePermit }
func (p Permit) Signer() common.Address { return p.Owner }

func (p Permit) Message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"owner":    p.Owner.Hex(),
		"spender":  p.Spender.Hex(),
		"value":    decimal(p.Value),
		"nonce":    decimal(p.Nonce),
		"deadline": decimal(p.Deadline),
	}
}

// EncodeType returns the canonical type string, e.g.
// "LoanRequest(address borrower,uint256 amount,uint256 nonce,uint256 deadline)".
func EncodeType(primaryType string) string {
	td := apitypes.TypedData{Types: typesFor(primaryType), PrimaryType: primaryType}
	return string(td.EncodeType(primaryType))
}

func typesFor(primaryType string) apitypes.Types {
	if primaryType == typeDomain {
		return apitypes.Types{typeDomain: domainFields}
	}
	return apitypes.Types{
		typeDomain:  domainFields,
		primaryType: structFields[primaryType],
	}
}

func decimal(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
