package main

import (
	"bytes"
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/microcredit_relay/internal/chain"
	"github.com/R3E-Network/microcredit_relay/pkg/relayclient"
	"github.com/R3E-Network/microcredit_relay/pkg/testutil"
)

func newSigner(t *testing.T) *relayclient.Signer {
	t.Helper()
	mc := testutil.NewMockChain(31337)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := relayclient.NewSigner(context.Background(), relayclient.SignerConfig{
		Key:      key,
		Chain:    chain.NewClient(mc, nil, time.Millisecond),
		Contract: mc.Contract(),
	})
	require.NoError(t, err)
	return s
}

func TestBuildEveryOperation(t *testing.T) {
	s := newSigner(t)
	borrower := "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"

	inputs := map[string]params{
		relayclient.OpRequestLoan:       {Amount: "1000"},
		relayclient.OpDisburseLoan:      {LoanID: "1"},
		relayclient.OpRepayLoan:         {LoanID: "1", Amount: "0x10", Permit: true},
		relayclient.OpRepayOne:          {LoanID: "1", Amount: "10"},
		relayclient.OpDeposit:           {Amount: "10"},
		relayclient.OpAttest:            {Borrower: borrower, Weight: "5"},
		relayclient.OpRequestWithdrawal: {Amount: "10", To: borrower},
	}
	require.Len(t, inputs, len(operations))

	for _, op := range operations {
		t.Run(op, func(t *testing.T) {
			body, err := build(context.Background(), s, op, inputs[op])
			require.NoError(t, err)
			require.NotNil(t, body)
		})
	}

	body, err := build(context.Background(), s, relayclient.OpRepayLoan, inputs[relayclient.OpRepayLoan])
	require.NoError(t, err)
	req := body.(*relayclient.MetaRequest)
	require.NotNil(t, req.Permit)
	assert.Equal(t, "16", req.Permit.Value)

	body, err = build(context.Background(), s, relayclient.OpDisburseLoan, inputs[relayclient.OpDisburseLoan])
	require.NoError(t, err)
	assert.Equal(t, s.Address().Hex(), body.(*relayclient.MetaRequest).Req["to"])
}

func TestBuildValidatesInputs(t *testing.T) {
	s := newSigner(t)
	cases := map[string]params{
		relayclient.OpRequestLoan:       {},
		relayclient.OpDisburseLoan:      {LoanID: "x"},
		relayclient.OpAttest:            {Borrower: "nope", Weight: "1"},
		relayclient.OpRequestWithdrawal: {Amount: "-1"},
		"liquidate":                     {Amount: "1"},
	}
	for op, p := range cases {
		_, err := build(context.Background(), s, op, p)
		assert.Error(t, err, op)
	}
}

func TestRunRequiresSubcommand(t *testing.T) {
	var out bytes.Buffer
	assert.Error(t, run(context.Background(), nil, &out))
	assert.Error(t, run(context.Background(), []string{"frobnicate"}, &out))
	assert.Error(t, run(context.Background(), []string{"sign"}, &out))
	assert.Error(t, run(context.Background(), []string{"sign", "-op", "deposit", "-key", ""}, &out))
	assert.Equal(t, 0, out.Len())
}

func TestNumber(t *testing.T) {
	n, err := number("amount", "0x7a69")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(31337), n)

	_, err = number("amount", "")
	assert.Error(t, err)
}
