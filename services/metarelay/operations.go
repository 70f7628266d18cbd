package metarelay

import (
	"context"
	"math/big"

	"github.com/R3E-Network/microcredit_relay/internal/contracts"
	"github.com/R3E-Network/microcredit_relay/internal/eip712"
	"github.com/R3E-Network/microcredit_relay/internal/errors"
)

func (p *payload) envelope() envelope {
	return envelope{
		ChainID:  p.uint64("chainId"),
		Contract: p.address("contractAddress"),
	}
}

// RequestLoan relays requestLoanMeta and reports the new loan id.
func (s *Service) RequestLoan(ctx context.Context, body []byte) (interface{}, error) {
	p, err := newPayload(body)
	if err != nil {
		return nil, err
	}
	env := p.envelope()
	req := eip712.LoanRequest{
		Borrower: p.address("req.borrower"),
		Amount:   p.uint256("req.amount"),
		Nonce:    p.uint256("req.nonce"),
		Deadline: p.uint256("req.deadline"),
	}
	sig := p.signature("signature")
	if err := p.err(); err != nil {
		return nil, err
	}

	data, err := contracts.PackRequestLoan(req, sig)
	if err != nil {
		return nil, errors.Internal("encode requestLoanMeta", err)
	}

	return s.relay(ctx, call{
		operation: OpRequestLoan,
		env:       env,
		signer:    req.Borrower,
		data:      data,
		typed:     req,
		signature: sig,
	}, func(ctx context.Context, m *mined) (interface{}, error) {
		resp := RequestLoanResponse{RelayResponse: m.base()}
		resp.LoanID = s.latestLoanID(ctx, m, env, req)
		return resp, nil
	})
}

// latestLoanID reads the borrower's loan list after mining. A failed read
// leaves the id null; the loan itself was already created.
func (s *Service) latestLoanID(ctx context.Context, m *mined, env envelope, req eip712.LoanRequest) *string {
	callData, err := contracts.PackBorrowerLoanIDs(req.Borrower)
	if err != nil {
		return nil
	}
	out, err := m.client.Call(ctx, env.Contract, callData)
	if err == nil {
		var ids []*big.Int
		if ids, err = contracts.UnpackBorrowerLoanIDs(out); err == nil {
			if len(ids) == 0 {
				return nil
			}
			return optionalDecimal(ids[len(ids)-1])
		}
	}
	s.Logger().Warn(ctx, "loan id lookup failed", map[string]interface{}{
		"tx_hash": m.receipt.TxHash.Hex(),
		"error":   err.Error(),
	})
	return nil
}

// DisburseLoan relays disburseLoanMeta and reports the payout transfer.
func (s *Service) DisburseLoan(ctx context.Context, body []byte) (interface{}, error) {
	p, err := newPayload(body)
	if err != nil {
		return nil, err
	}
	env := p.envelope()
	req := eip712.DisburseRequest{
		Borrower: p.address("req.borrower"),
		LoanId:   p.uint256("req.loanId"),
		To:       p.address("req.to"),
		Nonce:    p.uint256("req.nonce"),
		Deadline: p.uint256("req.deadline"),
	}
	sig := p.signature("signature")
	if err := p.err(); err != nil {
		return nil, err
	}

	data, err := contracts.PackDisburseLoan(req, sig)
	if err != nil {
		return nil, errors.Internal("encode disburseLoanMeta", err)
	}

	return s.relay(ctx, call{
		operation: OpDisburseLoan,
		env:       env,
		signer:    req.Borrower,
		data:      data,
		typed:     req,
		signature: sig,
	}, transferDerivation(env, contracts.FromContract))
}

// RepayLoan relays repayLoanMeta. The permit is optional; without one the
// contract pulls from the borrower's existing allowance.
func (s *Service) RepayLoan(ctx context.Context, body []byte) (interface{}, error) {
	p, err := newPayload(body)
	if err != nil {
		return nil, err
	}
	env := p.envelope()
	req := eip712.RepayRequest{
		Borrower: p.address("req.borrower"),
		LoanId:   p.uint256("req.loanId"),
		Amount:   p.uint256("req.amount"),
		Nonce:    p.uint256("req.nonce"),
		Deadline: p.uint256("req.deadline"),
	}
	sig := p.signature("signature")
	permit := contracts.NoPermit()
	if p.present("permit") {
		permit = p.permit("permit")
	}
	if err := p.err(); err != nil {
		return nil, err
	}

	data, err := contracts.PackRepayLoan(req, sig, permit)
	if err != nil {
		return nil, errors.Internal("encode repayLoanMeta", err)
	}

	return s.relay(ctx, call{
		operation: OpRepayLoan,
		env:       env,
		signer:    req.Borrower,
		data:      data,
		typed:     req,
		signature: sig,
	}, transferDerivation(env, contracts.IntoContract))
}

func transferDerivation(env envelope, dir contracts.TransferDirection) deriveFunc {
	return func(_ context.Context, m *mined) (interface{}, error) {
		resp := TransferResponse{RelayResponse: m.base()}
		if t := contracts.FindTransfer(m.receipt.Logs, env.Contract, dir); t != nil {
			resp.Transferred = true
			resp.TransferAmount = optionalDecimal(t.Value)
		}
		return resp, nil
	}
}

// RepayOne relays the permit-only repayWithPermit. Bodies carrying the
// legacy signature or req fields are rejected before anything else.
func (s *Service) RepayOne(ctx context.Context, body []byte) (interface{}, error) {
	p, err := newPayload(body)
	if err != nil {
		return nil, err
	}
	if p.has("signature") || p.has("req") {
		return nil, errors.BadRequest("repay-one is permit-only: remove the signature and req fields")
	}
	env := p.envelope()
	borrower := p.address("borrower")
	loanID := p.uint256("loanId")
	permit := p.permit("permit")
	if err := p.err(); err != nil {
		return nil, err
	}

	data, err := contracts.PackRepayWithPermit(borrower, loanID, permit.Value, permit)
	if err != nil {
		return nil, errors.Internal("encode repayWithPermit", err)
	}

	return s.relay(ctx, call{
		operation: OpRepayOne,
		env:       env,
		signer:    borrower,
		data:      data,
	}, func(_ context.Context, m *mined) (interface{}, error) {
		used := permit.Value
		if ev := contracts.FindLoanRepaid(m.receipt.Logs, env.Contract); ev != nil && ev.Amount != nil {
			used = ev.Amount
		} else if t := contracts.FindTransfer(m.receipt.Logs, env.Contract, contracts.IntoContract); t != nil {
			used = t.Value
		}
		return RepayOneResponse{RelayResponse: m.base(), AmountUsed: decimalString(used)}, nil
	})
}

// Deposit relays depositPermitOnlyMeta.
func (s *Service) Deposit(ctx context.Context, body []byte) (interface{}, error) {
	p, err := newPayload(body)
	if err != nil {
		return nil, err
	}
	env := p.envelope()
	lender := p.address("lender")
	permit := p.permit("permit")
	if err := p.err(); err != nil {
		return nil, err
	}

	data, err := contracts.PackDeposit(lender, permit)
	if err != nil {
		return nil, errors.Internal("encode depositPermitOnlyMeta", err)
	}

	return s.relay(ctx, call{
		operation: OpDeposit,
		env:       env,
		signer:    lender,
		data:      data,
	}, func(_ context.Context, m *mined) (interface{}, error) {
		return m.base(), nil
	})
}

// Attest relays attestMeta.
func (s *Service) Attest(ctx context.Context, body []byte) (interface{}, error) {
	p, err := newPayload(body)
	if err != nil {
		return nil, err
	}
	env := p.envelope()
	req := eip712.AttestRequest{
		Attester: p.address("req.attester"),
		Borrower: p.address("req.borrower"),
		Weight:   p.uint256("req.weight"),
		Nonce:    p.uint256("req.nonce"),
		Deadline: p.uint256("req.deadline"),
	}
	sig := p.signature("signature")
	if err := p.err(); err != nil {
		return nil, err
	}

	data, err := contracts.PackAttest(req, sig)
	if err != nil {
		return nil, errors.Internal("encode attestMeta", err)
	}

	return s.relay(ctx, call{
		operation: OpAttest,
		env:       env,
		signer:    req.Attester,
		data:      data,
		typed:     req,
		signature: sig,
	}, func(_ context.Context, m *mined) (interface{}, error) {
		return m.base(), nil
	})
}

// RequestWithdrawal relays requestWithdrawalMeta and reports how the
// request was split between immediate payout and the withdrawal queue.
func (s *Service) RequestWithdrawal(ctx context.Context, body []byte) (interface{}, error) {
	p, err := newPayload(body)
	if err != nil {
		return nil, err
	}
	env := p.envelope()
	req := eip712.RequestWithdrawal{
		Lender:   p.address("req.lender"),
		Amount:   p.uint256("req.amount"),
		To:       p.address("req.to"),
		Nonce:    p.uint256("req.nonce"),
		Deadline: p.uint256("req.deadline"),
	}
	sig := p.signature("signature")
	if err := p.err(); err != nil {
		return nil, err
	}

	data, err := contracts.PackRequestWithdrawal(req, sig)
	if err != nil {
		return nil, errors.Internal("encode requestWithdrawalMeta", err)
	}

	return s.relay(ctx, call{
		operation: OpRequestWithdrawal,
		env:       env,
		signer:    req.Lender,
		data:      data,
		typed:     req,
		signature: sig,
	}, func(_ context.Context, m *mined) (interface{}, error) {
		resp := WithdrawalResponse{
			RelayResponse:   m.base(),
			AmountQueued:    "0",
			AmountFilledNow: "0",
		}
		ev := contracts.FindWithdrawalRequested(m.receipt.Logs, env.Contract)
		if ev == nil {
			return resp, nil
		}
		resp.AmountQueued = decimalString(ev.AmountQueued)
		resp.AmountFilledNow = decimalString(ev.AmountFilledNow)
		if ev.AmountQueued != nil && ev.AmountQueued.Sign() > 0 {
			resp.QueueID = optionalDecimal(ev.QueueID)
		}
		return resp, nil
	})
}
