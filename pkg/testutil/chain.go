// Package testutil provides an in-memory EVM backend that behaves like a
// deployed DecentralizedMicrocredit contract and its permit token.
package testutil

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/R3E-Network/microcredit_relay/internal/contracts"
	"github.com/R3E-Network/microcredit_relay/internal/eip712"
)

// Default addresses used by MockChain.
var (
	DefaultContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	DefaultToken    = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
)

// DefaultTokenName is the permit domain name of the mock token.
const DefaultTokenName = "Mock USD"

const mockGasUsed = 60000

// RevertError mimics a node's "execution reverted" JSON-RPC error.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string { return "execution reverted: " + e.Reason }

// ErrorCode matches the code geth returns for reverts.
func (e *RevertError) ErrorCode() int { return 3 }

// ErrorData returns the ABI-encoded Error(string) payload.
func (e *RevertError) ErrorData() interface{} {
	str, _ := abi.NewType("string", "", nil)
	packed, _ := abi.Arguments{{Type: str}}.Pack(e.Reason)
	sel := crypto.Keccak256([]byte("Error(string)"))[:4]
	return hexutil.Encode(append(sel, packed...))
}

func revert(format string, args ...interface{}) error {
	return &RevertError{Reason: fmt.Sprintf(format, args...)}
}

type loan struct {
	borrower  common.Address
	amount    *big.Int
	repaid    *big.Int
	disbursed bool
}

// MockChain implements chain.Backend and chain.NodeAccounts.
type MockChain struct {
	mu sync.Mutex

	chainID   *big.Int
	contract  common.Address
	token     common.Address
	tokenName string

	nonces      map[common.Address]*big.Int
	tokenNonces map[common.Address]*big.Int
	loans       map[int64]*loan
	borrowers   map[common.Address][]*big.Int
	nextLoanID  int64
	nextQueueID int64
	liquidity   *big.Int

	senderNonces map[common.Address]uint64
	balances     map[common.Address]*big.Int
	receipts     map[common.Hash]*types.Receipt
	unlocked     []common.Address
	block        uint64

	// PendingPolls is how many receipt lookups return NotFound before a
	// mined receipt is returned.
	PendingPolls int
	polls        map[common.Hash]int

	// SkipEstimate lets invalid calls through gas estimation so they
	// revert on chain with a status 0 receipt.
	SkipEstimate bool

	// FailRPC makes every call fail with this error.
	FailRPC error

	Sent []*types.Transaction
}

// NewMockChain returns a chain with id chainID and default addresses.
func NewMockChain(chainID int64) *MockChain {
	return &MockChain{
		chainID:      big.NewInt(chainID),
		contract:     DefaultContract,
		token:        DefaultToken,
		tokenName:    DefaultTokenName,
		nonces:       make(map[common.Address]*big.Int),
		tokenNonces:  make(map[common.Address]*big.Int),
		loans:        make(map[int64]*loan),
		borrowers:    make(map[common.Address][]*big.Int),
		nextLoanID:   1,
		nextQueueID:  1,
		liquidity:    new(big.Int),
		senderNonces: make(map[common.Address]uint64),
		balances:     make(map[common.Address]*big.Int),
		receipts:     make(map[common.Hash]*types.Receipt),
		polls:        make(map[common.Hash]int),
		block:        1,
	}
}

// Contract returns the microcredit contract address.
func (m *MockChain) Contract() common.Address { return m.contract }

// Token returns the permit token address.
func (m *MockChain) Token() common.Address { return m.token }

// SetUnlocked sets the accounts returned by eth_accounts.
func (m *MockChain) SetUnlocked(accts ...common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlocked = accts
}

// SetBalance sets the native balance of addr.
func (m *MockChain) SetBalance(addr common.Address, wei *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[addr] = new(big.Int).Set(wei)
}

// SetLiquidity sets the pool liquidity available for withdrawals.
func (m *MockChain) SetLiquidity(wei *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liquidity = new(big.Int).Set(wei)
}

// Nonce returns the contract nonce of addr.
func (m *MockChain) Nonce(addr common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.nonceOf(m.nonces, addr))
}

// MicrocreditDomain returns the EIP-712 domain of the mock contract.
func (m *MockChain) MicrocreditDomain() eip712.Domain {
	return eip712.MicrocreditDomain(m.chainID, m.contract)
}

// PermitDomain returns the EIP-712 domain of the mock token.
func (m *MockChain) PermitDomain() eip712.Domain {
	return eip712.PermitDomain(m.tokenName, m.chainID, m.token)
}

// SignPermit builds and signs a permit for owner with the token's current
// nonce.
func (m *MockChain) SignPermit(key *ecdsa.PrivateKey, value, deadline *big.Int) (contracts.PermitArgs, error) {
	owner := crypto.PubkeyToAddress(key.PublicKey)
	m.mu.Lock()
	nonce := new(big.Int).Set(m.nonceOf(m.tokenNonces, owner))
	m.mu.Unlock()

	sig, err := eip712.Sign(m.PermitDomain(), eip712.Permit{
		Owner:    owner,
		Spender:  m.contract,
		Value:    value,
		Nonce:    nonce,
		Deadline: deadline,
	}, key)
	if err != nil {
		return contracts.PermitArgs{}, err
	}
	v, r, s, err := eip712.SplitSignature(sig)
	if err != nil {
		return contracts.PermitArgs{}, err
	}
	return contracts.PermitArgs{Value: value, Deadline: deadline, V: v, R: r, S: s}, nil
}

func (m *MockChain) nonceOf(set map[common.Address]*big.Int, addr common.Address) *big.Int {
	n, ok := set[addr]
	if !ok {
		n = new(big.Int)
		set[addr] = n
	}
	return n
}

// ChainID implements chain.Backend.
func (m *MockChain) ChainID(context.Context) (*big.Int, error) {
	if m.FailRPC != nil {
		return nil, m.FailRPC
	}
	return new(big.Int).Set(m.chainID), nil
}

// CallContract serves the view functions of the contract and token.
func (m *MockChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if m.FailRPC != nil {
		return nil, m.FailRPC
	}
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, revert("bad call")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch *msg.To {
	case m.contract:
		parsed := contracts.MustMicrocreditABI()
		method, err := parsed.MethodById(msg.Data[:4])
		if err != nil {
			return nil, revert("unknown selector")
		}
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, revert("bad calldata")
		}
		switch method.Name {
		case contracts.MethodGetBorrowerLoanIds:
			ids := m.borrowers[args[0].(common.Address)]
			if ids == nil {
				ids = []*big.Int{}
			}
			return method.Outputs.Pack(ids)
		case contracts.MethodNonces:
			return method.Outputs.Pack(m.nonceOf(m.nonces, args[0].(common.Address)))
		case contracts.MethodToken:
			return method.Outputs.Pack(m.token)
		}
		// A state-changing call through eth_call is a dry run.
		if err := m.execute(msg.From, msg.Data, true, nil); err != nil {
			return nil, err
		}
		return nil, nil
	case m.token:
		parsed := contracts.MustERC20ABI()
		method, err := parsed.MethodById(msg.Data[:4])
		if err != nil {
			return nil, revert("unknown selector")
		}
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, revert("bad calldata")
		}
		switch method.Name {
		case "name":
			return method.Outputs.Pack(m.tokenName)
		case "nonces":
			return method.Outputs.Pack(m.nonceOf(m.tokenNonces, args[0].(common.Address)))
		case "balanceOf":
			return method.Outputs.Pack(new(big.Int))
		}
	}
	return nil, nil
}

// PendingNonceAt implements chain.Backend.
func (m *MockChain) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	if m.FailRPC != nil {
		return 0, m.FailRPC
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.senderNonces[account], nil
}

// EstimateGas dry-runs the call and reports reverts like a node would.
func (m *MockChain) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	if m.FailRPC != nil {
		return 0, m.FailRPC
	}
	if m.SkipEstimate {
		return mockGasUsed, nil
	}
	if msg.To == nil || *msg.To != m.contract {
		return 21000, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.execute(msg.From, msg.Data, true, nil); err != nil {
		return 0, err
	}
	return mockGasUsed, nil
}

// SuggestGasPrice implements chain.Backend.
func (m *MockChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

// SuggestGasTipCap implements chain.Backend.
func (m *MockChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

// HeaderByNumber returns a London header for the current block.
func (m *MockChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	if m.FailRPC != nil {
		return nil, m.FailRPC
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return &types.Header{
		Number:  new(big.Int).SetUint64(m.block),
		BaseFee: big.NewInt(1_000_000_000),
		Time:    uint64(time.Now().Unix()),
	}, nil
}

// SendTransaction mines a signed transaction immediately.
func (m *MockChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if m.FailRPC != nil {
		return m.FailRPC
	}
	if tx.ChainId().Cmp(m.chainID) != 0 {
		return fmt.Errorf("invalid chain id")
	}
	from, err := types.Sender(types.LatestSignerForChainID(m.chainID), tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.Nonce() != m.senderNonces[from] {
		return fmt.Errorf("nonce too low: have %d, want %d", tx.Nonce(), m.senderNonces[from])
	}
	m.Sent = append(m.Sent, tx)
	m.mine(from, *tx.To(), tx.Data(), tx.Hash())
	return nil
}

// TransactionReceipt implements chain.Backend.
func (m *MockChain) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	if m.FailRPC != nil {
		return nil, m.FailRPC
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.polls[txHash] < m.PendingPolls {
		m.polls[txHash]++
		return nil, ethereum.NotFound
	}
	r, ok := m.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

// BalanceAt implements chain.Backend.
func (m *MockChain) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if m.FailRPC != nil {
		return nil, m.FailRPC
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

// Accounts implements chain.NodeAccounts.
func (m *MockChain) Accounts(context.Context) ([]common.Address, error) {
	if m.FailRPC != nil {
		return nil, m.FailRPC
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]common.Address(nil), m.unlocked...), nil
}

// SendTransaction for an unlocked account. Like Hardhat, the node runs the
// call first and rejects reverts without mining.
func (m *MockChain) sendUnlocked(from, to common.Address, data []byte) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for _, a := range m.unlocked {
		if a == from {
			found = true
		}
	}
	if !found {
		return common.Hash{}, fmt.Errorf("unknown account %s", from.Hex())
	}
	if !m.SkipEstimate && to == m.contract {
		if err := m.execute(from, data, true, nil); err != nil {
			return common.Hash{}, err
		}
	}
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], m.senderNonces[from])
	hash := crypto.Keccak256Hash(from.Bytes(), n[:], data)
	m.mine(from, to, data, hash)
	return hash, nil
}

// NodeAccounts returns the unlocked-account view of the chain.
func (m *MockChain) NodeAccounts() *NodeAccounts {
	return &NodeAccounts{chain: m}
}

// NodeAccounts adapts MockChain to chain.NodeAccounts.
type NodeAccounts struct {
	chain *MockChain
}

func (a *NodeAccounts) Accounts(ctx context.Context) ([]common.Address, error) {
	return a.chain.Accounts(ctx)
}

func (a *NodeAccounts) SendTransaction(_ context.Context, from, to common.Address, data []byte) (common.Hash, error) {
	if a.chain.FailRPC != nil {
		return common.Hash{}, a.chain.FailRPC
	}
	return a.chain.sendUnlocked(from, to, data)
}

// mine executes data and stores a receipt. Caller holds m.mu.
func (m *MockChain) mine(from, to common.Address, data []byte, hash common.Hash) {
	m.senderNonces[from]++
	m.block++

	var logs []*types.Log
	status := types.ReceiptStatusSuccessful
	if to == m.contract {
		if err := m.execute(from, data, false, &logs); err != nil {
			status = types.ReceiptStatusFailed
			logs = nil
		}
	}
	for i, l := range logs {
		l.TxHash = hash
		l.Index = uint(i)
		l.BlockNumber = m.block
	}
	m.receipts[hash] = &types.Receipt{
		Type:        types.DynamicFeeTxType,
		Status:      status,
		TxHash:      hash,
		Logs:        logs,
		GasUsed:     mockGasUsed,
		BlockNumber: new(big.Int).SetUint64(m.block),
	}
}

// execute runs a contract call. With dryRun no state changes. Caller holds
// m.mu.
func (m *MockChain) execute(_ common.Address, data []byte, dryRun bool, logs *[]*types.Log) error {
	if len(data) < 4 {
		return revert("no selector")
	}
	parsed := contracts.MustMicrocreditABI()
	method, err := parsed.MethodById(data[:4])
	if err != nil {
		return revert("unknown selector")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return revert("bad calldata")
	}
	emit := func(l *types.Log) {
		if logs != nil {
			*logs = append(*logs, l)
		}
	}

	switch method.Name {
	case contracts.MethodRequestLoanMeta:
		req := *abi.ConvertType(args[0], new(eip712.LoanRequest)).(*eip712.LoanRequest)
		if err := m.checkMeta(req, req.Nonce, req.Deadline, args[1].([]byte)); err != nil {
			return err
		}
		if req.Amount.Sign() <= 0 {
			return revert("amount zero")
		}
		if dryRun {
			return nil
		}
		m.useNonce(req.Borrower)
		id := big.NewInt(m.nextLoanID)
		m.nextLoanID++
		m.loans[id.Int64()] = &loan{borrower: req.Borrower, amount: new(big.Int).Set(req.Amount), repaid: new(big.Int)}
		m.borrowers[req.Borrower] = append(m.borrowers[req.Borrower], id)

	case contracts.MethodDisburseLoanMeta:
		req := *abi.ConvertType(args[0], new(eip712.DisburseRequest)).(*eip712.DisburseRequest)
		if err := m.checkMeta(req, req.Nonce, req.Deadline, args[1].([]byte)); err != nil {
			return err
		}
		l, err := m.loanOf(req.LoanId, req.Borrower)
		if err != nil {
			return err
		}
		if l.disbursed {
			return revert("already disbursed")
		}
		if dryRun {
			return nil
		}
		m.useNonce(req.Borrower)
		l.disbursed = true
		emit(contracts.TransferLog(m.token, m.contract, req.To, l.amount))

	case contracts.MethodRepayLoanMeta:
		req := *abi.ConvertType(args[0], new(eip712.RepayRequest)).(*eip712.RepayRequest)
		if err := m.checkMeta(req, req.Nonce, req.Deadline, args[1].([]byte)); err != nil {
			return err
		}
		permit := *abi.ConvertType(args[2], new(contracts.PermitArgs)).(*contracts.PermitArgs)
		if permit.Value.Sign() > 0 {
			if err := m.checkPermit(req.Borrower, permit); err != nil {
				return err
			}
		}
		l, err := m.loanOf(req.LoanId, req.Borrower)
		if err != nil {
			return err
		}
		if dryRun {
			return nil
		}
		m.useNonce(req.Borrower)
		if permit.Value.Sign() > 0 {
			m.nonceOf(m.tokenNonces, req.Borrower).Add(m.nonceOf(m.tokenNonces, req.Borrower), big.NewInt(1))
		}
		used := m.repay(l, req.Amount)
		emit(contracts.TransferLog(m.token, req.Borrower, m.contract, used))
		emit(contracts.LoanRepaidLog(m.contract, req.LoanId, req.Borrower, used))

	case contracts.MethodRepayWithPermit:
		borrower := args[0].(common.Address)
		loanID := args[1].(*big.Int)
		amount := args[2].(*big.Int)
		permit := contracts.PermitArgs{
			Value:    amount,
			Deadline: args[3].(*big.Int),
			V:        args[4].(uint8),
			R:        args[5].([32]byte),
			S:        args[6].([32]byte),
		}
		if err := m.checkPermit(borrower, permit); err != nil {
			return err
		}
		l, err := m.loanOf(loanID, borrower)
		if err != nil {
			return err
		}
		if dryRun {
			return nil
		}
		m.nonceOf(m.tokenNonces, borrower).Add(m.nonceOf(m.tokenNonces, borrower), big.NewInt(1))
		used := m.repay(l, amount)
		emit(contracts.TransferLog(m.token, borrower, m.contract, used))
		emit(contracts.LoanRepaidLog(m.contract, loanID, borrower, used))

	case contracts.MethodAttestMeta:
		req := *abi.ConvertType(args[0], new(eip712.AttestRequest)).(*eip712.AttestRequest)
		if err := m.checkMeta(req, req.Nonce, req.Deadline, args[1].([]byte)); err != nil {
			return err
		}
		if req.Attester == req.Borrower {
			return revert("self attestation")
		}
		if dryRun {
			return nil
		}
		m.useNonce(req.Attester)

	case contracts.MethodDepositPermitOnlyMeta:
		lender := args[0].(common.Address)
		permit := contracts.PermitArgs{
			Value:    args[1].(*big.Int),
			Deadline: args[2].(*big.Int),
			V:        args[3].(uint8),
			R:        args[4].([32]byte),
			S:        args[5].([32]byte),
		}
		if err := m.checkPermit(lender, permit); err != nil {
			return err
		}
		if dryRun {
			return nil
		}
		m.nonceOf(m.tokenNonces, lender).Add(m.nonceOf(m.tokenNonces, lender), big.NewInt(1))
		m.liquidity.Add(m.liquidity, permit.Value)
		emit(contracts.TransferLog(m.token, lender, m.contract, permit.Value))

	case contracts.MethodRequestWithdrawalMeta:
		req := *abi.ConvertType(args[0], new(eip712.RequestWithdrawal)).(*eip712.RequestWithdrawal)
		if err := m.checkMeta(req, req.Nonce, req.Deadline, args[1].([]byte)); err != nil {
			return err
		}
		if dryRun {
			return nil
		}
		m.useNonce(req.Lender)
		filled := new(big.Int).Set(req.Amount)
		if filled.Cmp(m.liquidity) > 0 {
			filled.Set(m.liquidity)
		}
		queued := new(big.Int).Sub(req.Amount, filled)
		m.liquidity.Sub(m.liquidity, filled)
		if filled.Sign() > 0 {
			emit(contracts.TransferLog(m.token, m.contract, req.To, filled))
		}
		queueID := new(big.Int)
		if queued.Sign() > 0 {
			queueID.SetInt64(m.nextQueueID)
			m.nextQueueID++
		}
		emit(contracts.WithdrawalRequestedLog(m.contract, queueID, req.Lender, queued, filled))

	default:
		return revert("unsupported method %s", method.Name)
	}
	return nil
}

func (m *MockChain) checkMeta(s eip712.Struct, nonce, deadline *big.Int, sig []byte) error {
	if deadline.Int64() < time.Now().Unix() {
		return revert("expired")
	}
	signer, err := eip712.Recover(m.MicrocreditDomain(), s, sig)
	if err != nil || signer != s.Signer() {
		return revert("invalid signature")
	}
	if nonce.Cmp(m.nonceOf(m.nonces, s.Signer())) != 0 {
		return revert("invalid nonce")
	}
	return nil
}

func (m *MockChain) checkPermit(owner common.Address, p contracts.PermitArgs) error {
	if p.Deadline.Int64() < time.Now().Unix() {
		return revert("ERC20Permit: expired deadline")
	}
	permit := eip712.Permit{
		Owner:    owner,
		Spender:  m.contract,
		Value:    p.Value,
		Nonce:    m.nonceOf(m.tokenNonces, owner),
		Deadline: p.Deadline,
	}
	signer, err := eip712.Recover(m.PermitDomain(), permit, eip712.JoinSignature(p.V, p.R, p.S))
	if err != nil || signer != owner {
		return revert("ERC20Permit: invalid signature")
	}
	return nil
}

func (m *MockChain) useNonce(addr common.Address) {
	n := m.nonceOf(m.nonces, addr)
	n.Add(n, big.NewInt(1))
}

func (m *MockChain) loanOf(id *big.Int, borrower common.Address) (*loan, error) {
	l, ok := m.loans[id.Int64()]
	if !ok || l.borrower != borrower {
		return nil, revert("unknown loan")
	}
	return l, nil
}

func (m *MockChain) repay(l *loan, amount *big.Int) *big.Int {
	outstanding := new(big.Int).Sub(l.amount, l.repaid)
	used := new(big.Int).Set(amount)
	if used.Cmp(outstanding) > 0 {
		used.Set(outstanding)
	}
	l.repaid.Add(l.repaid, used)
	return used
}

// ErrMockRPC is a generic transport failure.
var ErrMockRPC = errors.New("connection refused")
