package metarelay

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Operation names, used as route suffixes, metric labels and audit records.
const (
	OpRequestLoan       = "request-loan"
	OpDisburseLoan      = "disburse-loan"
	OpRepayLoan         = "repay-loan"
	OpRepayOne          = "repay-one"
	OpDeposit           = "deposit"
	OpAttest            = "attest"
	OpRequestWithdrawal = "request-withdrawal"
)

// Operations lists every relay route.
var Operations = []string{
	OpRequestLoan,
	OpDisburseLoan,
	OpRepayLoan,
	OpRepayOne,
	OpDeposit,
	OpAttest,
	OpRequestWithdrawal,
}

// StatusSuccess is the status of a mined, successful relay.
const StatusSuccess = "success"

// StatusReverted is reported alongside a 500 when the receipt has status 0.
const StatusReverted = "reverted"

// envelope is the routing part shared by every request.
type envelope struct {
	ChainID  uint64
	Contract common.Address
}

// RelayResponse is the common part of every relay response.
type RelayResponse struct {
	TxHash  string `json:"txHash"`
	Status  string `json:"status"`
	Relayer string `json:"relayer"`
}

// RequestLoanResponse carries the id of the loan just opened.
type RequestLoanResponse struct {
	RelayResponse
	LoanID *string `json:"loanId"`
}

// TransferResponse is returned by disburse-loan and repay-loan.
type TransferResponse struct {
	RelayResponse
	Transferred    bool    `json:"transferred"`
	TransferAmount *string `json:"transferAmount"`
}

// RepayOneResponse reports how much of the permit the contract consumed.
type RepayOneResponse struct {
	RelayResponse
	AmountUsed string `json:"amountUsed"`
}

// WithdrawalResponse describes how a withdrawal request was filled.
type WithdrawalResponse struct {
	RelayResponse
	QueueID         *string `json:"queueId"`
	AmountQueued    string  `json:"amountQueued"`
	AmountFilledNow string  `json:"amountFilledNow"`
}

// RelayerResponse is returned by GET /api/meta/relayer.
type RelayerResponse struct {
	ChainID    uint64 `json:"chainId"`
	Relayer    string `json:"relayer"`
	Mode       string `json:"mode"`
	BalanceWei string `json:"balanceWei"`
}

func decimalString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

func optionalDecimal(n *big.Int) *string {
	if n == nil {
		return nil
	}
	s := n.String()
	return &s
}
