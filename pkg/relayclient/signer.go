// Package relayclient signs DecentralizedMicrocredit meta-transactions with a
// wallet key and submits them to a relay.
package relayclient

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/R3E-Network/microcredit_relay/internal/contracts"
	"github.com/R3E-Network/microcredit_relay/internal/eip712"
)

// DefaultTTL is the validity window given to signed requests.
const DefaultTTL = 10 * time.Minute

// Caller is the read-only chain access the signer needs. *chain.Client
// satisfies it.
type Caller interface {
	ChainID(ctx context.Context) (*big.Int, error)
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// SignerConfig configures a Signer.
type SignerConfig struct {
	Key      *ecdsa.PrivateKey
	Chain    Caller
	Contract common.Address
	// TTL defaults to DefaultTTL.
	TTL time.Duration
}

// Signer builds and signs request bodies for one wallet and contract.
type Signer struct {
	key      *ecdsa.PrivateKey
	addr     common.Address
	chain    Caller
	contract common.Address
	chainID  *big.Int
	ttl      time.Duration
	now      func() time.Time
}

// NewSigner reads the chain id once and returns a signer bound to it.
func NewSigner(ctx context.Context, cfg SignerConfig) (*Signer, error) {
	if cfg.Key == nil {
		return nil, fmt.Errorf("relayclient: key required")
	}
	if cfg.Chain == nil {
		return nil, fmt.Errorf("relayclient: chain required")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, fmt.Errorf("relayclient: contract address required")
	}
	chainID, err := cfg.Chain.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("relayclient: chain id: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{
		key:      cfg.Key,
		addr:     crypto.PubkeyToAddress(cfg.Key.PublicKey),
		chain:    cfg.Chain,
		contract: cfg.Contract,
		chainID:  chainID,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// Address is the wallet address.
func (s *Signer) Address() common.Address { return s.addr }

// ChainID is the chain the signer was bound to.
func (s *Signer) ChainID() *big.Int { return new(big.Int).Set(s.chainID) }

// Domain is the contract's EIP-712 domain.
func (s *Signer) Domain() eip712.Domain {
	return eip712.MicrocreditDomain(s.chainID, s.contract)
}

func (s *Signer) deadline() *big.Int {
	return big.NewInt(s.now().Add(s.ttl).Unix())
}

// Nonce reads the wallet's meta-transaction nonce from the contract.
func (s *Signer) Nonce(ctx context.Context) (*big.Int, error) {
	return s.nonceAt(ctx, s.contract)
}

func (s *Signer) nonceAt(ctx context.Context, at common.Address) (*big.Int, error) {
	data, err := contracts.PackNonces(s.addr)
	if err != nil {
		return nil, err
	}
	out, err := s.chain.Call(ctx, at, data)
	if err != nil {
		return nil, fmt.Errorf("nonces(%s): %w", s.addr.Hex(), err)
	}
	return contracts.UnpackNonces(out)
}

// PermitDomain resolves the contract's token and its EIP-712 domain.
func (s *Signer) PermitDomain(ctx context.Context) (eip712.Domain, error) {
	data, err := contracts.PackToken()
	if err != nil {
		return eip712.Domain{}, err
	}
	out, err := s.chain.Call(ctx, s.contract, data)
	if err != nil {
		return eip712.Domain{}, fmt.Errorf("token(): %w", err)
	}
	token, err := contracts.UnpackToken(out)
	if err != nil {
		return eip712.Domain{}, err
	}

	if data, err = contracts.PackTokenName(); err != nil {
		return eip712.Domain{}, err
	}
	if out, err = s.chain.Call(ctx, token, data); err != nil {
		return eip712.Domain{}, fmt.Errorf("name(): %w", err)
	}
	name, err := contracts.UnpackTokenName(out)
	if err != nil {
		return eip712.Domain{}, err
	}
	return eip712.PermitDomain(name, s.chainID, token), nil
}

// Permit signs an ERC-2612 permit letting the contract pull value tokens.
func (s *Signer) Permit(ctx context.Context, value *big.Int) (*Permit, error) {
	domain, err := s.PermitDomain(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := s.nonceAt(ctx, domain.VerifyingContract)
	if err != nil {
		return nil, err
	}
	deadline := s.deadline()
	sig, err := eip712.Sign(domain, eip712.Permit{
		Owner:    s.addr,
		Spender:  s.contract,
		Value:    value,
		Nonce:    nonce,
		Deadline: deadline,
	}, s.key)
	if err != nil {
		return nil, err
	}
	v, r, ss, err := eip712.SplitSignature(sig)
	if err != nil {
		return nil, err
	}
	return &Permit{
		Value:    value.String(),
		Deadline: deadline.String(),
		V:        v,
		R:        hexutil.Encode(r[:]),
		S:        hexutil.Encode(ss[:]),
	}, nil
}

// sign fetches the nonce, fills in the deadline and signs the struct build
// returns.
func (s *Signer) sign(ctx context.Context, build func(nonce, deadline *big.Int) eip712.Struct) (*MetaRequest, error) {
	nonce, err := s.Nonce(ctx)
	if err != nil {
		return nil, err
	}
	typed := build(nonce, s.deadline())
	sig, err := eip712.Sign(s.Domain(), typed, s.key)
	if err != nil {
		return nil, err
	}
	return &MetaRequest{
		Envelope:  s.envelope(),
		Req:       typed.Message(),
		Signature: hexutil.Encode(sig),
	}, nil
}

func (s *Signer) envelope() Envelope {
	return Envelope{ChainID: s.chainID.Uint64(), ContractAddress: s.contract.Hex()}
}

// RequestLoan signs a LoanRequest for amount.
func (s *Signer) RequestLoan(ctx context.Context, amount *big.Int) (*MetaRequest, error) {
	return s.sign(ctx, func(nonce, deadline *big.Int) eip712.Struct {
		return eip712.LoanRequest{Borrower: s.addr, Amount: amount, Nonce: nonce, Deadline: deadline}
	})
}

// DisburseLoan signs a DisburseRequest paying loanID out to to.
func (s *Signer) DisburseLoan(ctx context.Context, loanID *big.Int, to common.Address) (*MetaRequest, error) {
	return s.sign(ctx, func(nonce, deadline *big.Int) eip712.Struct {
		return eip712.DisburseRequest{Borrower: s.addr, LoanId: loanID, To: to, Nonce: nonce, Deadline: deadline}
	})
}

// RepayLoan signs a RepayRequest. With withPermit a matching token permit is
// attached; otherwise the contract relies on an existing allowance.
func (s *Signer) RepayLoan(ctx context.Context, loanID, amount *big.Int, withPermit bool) (*MetaRequest, error) {
	req, err := s.sign(ctx, func(nonce, deadline *big.Int) eip712.Struct {
		return eip712.RepayRequest{Borrower: s.addr, LoanId: loanID, Amount: amount, Nonce: nonce, Deadline: deadline}
	})
	if err != nil || !withPermit {
		return req, err
	}
	if req.Permit, err = s.Permit(ctx, amount); err != nil {
		return nil, err
	}
	return req, nil
}

// Attest signs an AttestRequest vouching for borrower with weight.
func (s *Signer) Attest(ctx context.Context, borrower common.Address, weight *big.Int) (*MetaRequest, error) {
	return s.sign(ctx, func(nonce, deadline *big.Int) eip712.Struct {
		return eip712.AttestRequest{Attester: s.addr, Borrower: borrower, Weight: weight, Nonce: nonce, Deadline: deadline}
	})
}

// RequestWithdrawal signs a RequestWithdrawal of amount paid to to.
func (s *Signer) RequestWithdrawal(ctx context.Context, amount *big.Int, to common.Address) (*MetaRequest, error) {
	return s.sign(ctx, func(nonce, deadline *big.Int) eip712.Struct {
		return eip712.RequestWithdrawal{Lender: s.addr, Amount: amount, To: to, Nonce: nonce, Deadline: deadline}
	})
}

// RepayOne builds a permit-only repayment of loanID.
func (s *Signer) RepayOne(ctx context.Context, loanID, amount *big.Int) (*RepayOneRequest, error) {
	permit, err := s.Permit(ctx, amount)
	if err != nil {
		return nil, err
	}
	return &RepayOneRequest{
		Envelope: s.envelope(),
		Borrower: s.addr.Hex(),
		LoanID:   loanID.String(),
		Permit:   *permit,
	}, nil
}

// Deposit builds a permit-only deposit of amount.
func (s *Signer) Deposit(ctx context.Context, amount *big.Int) (*DepositRequest, error) {
	permit, err := s.Permit(ctx, amount)
	if err != nil {
		return nil, err
	}
	return &DepositRequest{
		Envelope: s.envelope(),
		Lender:   s.addr.Hex(),
		Permit:   *permit,
	}, nil
}
