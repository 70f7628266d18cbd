package eip712

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// SignatureLength is the size of an r||s||v signature.
const SignatureLength = 65

// Domain is the EIP-712 domain separator input.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// MicrocreditDomain returns the contract's domain on chainID.
func MicrocreditDomain(chainID *big.Int, contract common.Address) Domain {
	return Domain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainID:           chainID,
		VerifyingContract: contract,
	}
}

// PermitDomain returns an ERC-2612 token's domain.
func PermitDomain(tokenName string, chainID *big.Int, token common.Address) Domain {
	return Domain{
		Name:              tokenName,
		Version:           PermitVersion,
		ChainID:           chainID,
		VerifyingContract: token,
	}
}

func (d Domain) typed() apitypes.TypedDataDomain {
	chainID := d.ChainID
	if chainID == nil {
		chainID = new(big.Int)
	}
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(chainID)),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

// TypedData assembles the full eth_signTypedData_v4 payload for s.
func TypedData(d Domain, s Struct) (apitypes.TypedData, error) {
	primary := s.PrimaryType()
	if _, ok := structFields[primary]; !ok {
		return apitypes.TypedData{}, fmt.Errorf("unknown primary type %q", primary)
	}
	return apitypes.TypedData{
		Types:       typesFor(primary),
		PrimaryType: primary,
		Domain:      d.typed(),
		Message:     s.Message(),
	}, nil
}

// Hash returns the EIP-712 digest keccak256("\x19\x01" || domainSeparator || structHash).
func Hash(d Domain, s Struct) (common.Hash, error) {
	td, err := TypedData(d, s)
	if err != nil {
		return common.Hash{}, err
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash %s: %w", td.PrimaryType, err)
	}
	return common.BytesToHash(digest), nil
}

// DomainSeparator returns the hashed domain, as exposed by DOMAIN_SEPARATOR().
func DomainSeparator(d Domain) (common.Hash, error) {
	td := apitypes.TypedData{Types: apitypes.Types{typeDomain: domainFields}, Domain: d.typed()}
	sep, err := td.HashStruct(typeDomain, td.Domain.Map())
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(sep), nil
}

// Sign produces a wallet-style signature (v in {27,28}) over s.
func Sign(d Domain, s Struct, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := Hash(d, s)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", s.PrimaryType(), err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the address that produced sig over s.
func Recover(d Domain, s Struct, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(sig))
	}
	digest, err := Hash(d, s)
	if err != nil {
		return common.Address{}, err
	}

	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify reports whether sig over s was produced by s.Signer().
func Verify(d Domain, s Struct, sig []byte) (bool, error) {
	addr, err := Recover(d, s, sig)
	if err != nil {
		return false, err
	}
	return addr == s.Signer(), nil
}

// SplitSignature splits r||s||v into the components permit functions take.
// v is normalized to {27,28}.
func SplitSignature(sig []byte) (v uint8, r, s [32]byte, err error) {
	if len(sig) != SignatureLength {
		return 0, r, s, fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(sig))
	}
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v < 27 {
		v += 27
	}
	return v, r, s, nil
}

// JoinSignature is the inverse of SplitSignature.
func JoinSignature(v uint8, r, s [32]byte) []byte {
	sig := make([]byte, SignatureLength)
	copy(sig[:32], r[:])
	copy(sig[32:64], s[:])
	sig[64] = v
	return sig
}
