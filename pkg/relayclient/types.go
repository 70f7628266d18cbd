package relayclient

import (
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Envelope routes a request to a chain and contract.
type Envelope struct {
	ChainID         uint64 `json:"chainId"`
	ContractAddress string `json:"contractAddress"`
}

// Permit is the wire form of an ERC-2612 permit.
type Permit struct {
	Value    string `json:"value"`
	Deadline string `json:"deadline"`
	V        uint8  `json:"v"`
	R        string `json:"r"`
	S        string `json:"s"`
}

// MetaRequest is a signed meta-transaction body.
type MetaRequest struct {
	Envelope
	Req       apitypes.TypedDataMessage `json:"req"`
	Signature string                    `json:"signature"`
	Permit    *Permit                   `json:"permit,omitempty"`
}

// RepayOneRequest is the body of a permit-only repayment.
type RepayOneRequest struct {
	Envelope
	Borrower string `json:"borrower"`
	LoanID   string `json:"loanId"`
	Permit   Permit `json:"permit"`
}

// DepositRequest is the body of a permit-only deposit.
type DepositRequest struct {
	Envelope
	Lender string `json:"lender"`
	Permit Permit `json:"permit"`
}

// Result is a relay response. Fields not produced by an operation stay nil
// or empty.
type Result struct {
	TxHash          string  `json:"txHash"`
	Status          string  `json:"status"`
	Relayer         string  `json:"relayer"`
	LoanID          *string `json:"loanId,omitempty"`
	Transferred     *bool   `json:"transferred,omitempty"`
	TransferAmount  *string `json:"transferAmount,omitempty"`
	AmountUsed      string  `json:"amountUsed,omitempty"`
	QueueID         *string `json:"queueId,omitempty"`
	AmountQueued    string  `json:"amountQueued,omitempty"`
	AmountFilledNow string  `json:"amountFilledNow,omitempty"`
}

// RelayerInfo is the relay's paying account on a chain.
type RelayerInfo struct {
	ChainID    uint64 `json:"chainId"`
	Relayer    string `json:"relayer"`
	Mode       string `json:"mode"`
	BalanceWei string `json:"balanceWei"`
}
