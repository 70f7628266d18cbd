package relayclient

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/R3E-Network/microcredit_relay/internal/httputil"
)

// Operation paths under /api/meta.
const (
	OpRequestLoan       = "request-loan"
	OpDisburseLoan      = "disburse-loan"
	OpRepayLoan         = "repay-loan"
	OpRepayOne          = "repay-one"
	OpDeposit           = "deposit"
	OpAttest            = "attest"
	OpRequestWithdrawal = "request-withdrawal"
)

// Client signs requests with a Signer and posts them to a relay.
type Client struct {
	http   *httputil.ServiceClient
	signer *Signer
}

// ClientConfig configures a Client.
type ClientConfig struct {
	RelayURL string
	Timeout  time.Duration
	Headers  map[string]string
}

// NewClient returns a client for the relay at cfg.RelayURL. signer may be nil
// when only Submit and Relayer are used.
func NewClient(cfg ClientConfig, signer *Signer) *Client {
	return &Client{
		http: httputil.NewServiceClient(httputil.ServiceClientConfig{
			BaseURL: cfg.RelayURL,
			Timeout: cfg.Timeout,
			Headers: cfg.Headers,
		}),
		signer: signer,
	}
}

// Submit posts an already built body to the operation's route.
func (c *Client) Submit(ctx context.Context, op string, body interface{}) (*Result, error) {
	var res Result
	if err := c.http.PostJSON(ctx, "/api/meta/"+op, body, &res); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &res, nil
}

// Relayer reports the relay's paying account on chainID.
func (c *Client) Relayer(ctx context.Context, chainID uint64) (*RelayerInfo, error) {
	q := url.Values{"chainId": {strconv.FormatUint(chainID, 10)}}
	resp, err := c.http.Get(ctx, "/api/meta/relayer?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var info RelayerInfo
	if err := httputil.DecodeResponse(resp, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) requireSigner() error {
	if c.signer == nil {
		return fmt.Errorf("relayclient: no signer configured")
	}
	return nil
}

// RequestLoan signs and relays a loan request.
func (c *Client) RequestLoan(ctx context.Context, amount *big.Int) (*Result, error) {
	if err := c.requireSigner(); err != nil {
		return nil, err
	}
	body, err := c.signer.RequestLoan(ctx, amount)
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, OpRequestLoan, body)
}

// DisburseLoan signs and relays a disbursement.
func (c *Client) DisburseLoan(ctx context.Context, loanID *big.Int, to common.Address) (*Result, error) {
	if err := c.requireSigner(); err != nil {
		return nil, err
	}
	body, err := c.signer.DisburseLoan(ctx, loanID, to)
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, OpDisburseLoan, body)
}

// RepayLoan signs and relays a signed repayment.
func (c *Client) RepayLoan(ctx context.Context, loanID, amount *big.Int, withPermit bool) (*Result, error) {
	if err := c.requireSigner(); err != nil {
		return nil, err
	}
	body, err := c.signer.RepayLoan(ctx, loanID, amount, withPermit)
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, OpRepayLoan, body)
}

// RepayOne relays a permit-only repayment.
func (c *Client) RepayOne(ctx context.Context, loanID, amount *big.Int) (*Result, error) {
	if err := c.requireSigner(); err != nil {
		return nil, err
	}
	body, err := c.signer.RepayOne(ctx, loanID, amount)
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, OpRepayOne, body)
}

// Deposit relays a permit-only deposit.
func (c *Client) Deposit(ctx context.Context, amount *big.Int) (*Result, error) {
	if err := c.requireSigner(); err != nil {
		return nil, err
	}
	body, err := c.signer.Deposit(ctx, amount)
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, OpDeposit, body)
}

// Attest signs and relays an attestation for borrower.
func (c *Client) Attest(ctx context.Context, borrower common.Address, weight *big.Int) (*Result, error) {
	if err := c.requireSigner(); err != nil {
		return nil, err
	}
	body, err := c.signer.Attest(ctx, borrower, weight)
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, OpAttest, body)
}

// RequestWithdrawal signs and relays a withdrawal request.
func (c *Client) RequestWithdrawal(ctx context.Context, amount *big.Int, to common.Address) (*Result, error) {
	if err := c.requireSigner(); err != nil {
		return nil, err
	}
	body, err := c.signer.RequestWithdrawal(ctx, amount, to)
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, OpRequestWithdrawal, body)
}
