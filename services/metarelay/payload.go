package metarelay

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/microcredit_relay/internal/contracts"
	"github.com/R3E-Network/microcredit_relay/internal/eip712"
	"github.com/R3E-Network/microcredit_relay/internal/errors"
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// payload reads typed fields out of a raw JSON body. Missing fields are
// collected so one 400 can name all of them; the first malformed field is
// kept separately.
type payload struct {
	raw     gjson.Result
	missing []string
	invalid *errors.ServiceError
}

func newPayload(body []byte) (*payload, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.BadRequest("invalid JSON body")
	}
	raw := gjson.ParseBytes(body)
	if !raw.IsObject() {
		return nil, errors.BadRequest("request body must be a JSON object")
	}
	return &payload{raw: raw}, nil
}

// has reports whether key is present at the top level, whatever its value.
func (p *payload) has(key string) bool {
	return p.raw.Get(gjson.Escape(key)).Exists()
}

// present reports whether path holds a usable value. null and "" count as
// absent.
func (p *payload) present(path string) bool {
	v := p.raw.Get(path)
	if !v.Exists() || v.Type == gjson.Null {
		return false
	}
	if v.Type == gjson.String && strings.TrimSpace(v.Str) == "" {
		return false
	}
	return true
}

func (p *payload) lookup(path string) (gjson.Result, bool) {
	if !p.present(path) {
		p.missing = append(p.missing, path)
		return gjson.Result{}, false
	}
	return p.raw.Get(path), true
}

func (p *payload) fail(path string, err error) {
	if p.invalid == nil {
		p.invalid = errors.InvalidParameter(path, err)
	}
}

func (p *payload) address(path string) common.Address {
	v, ok := p.lookup(path)
	if !ok {
		return common.Address{}
	}
	s := strings.TrimSpace(v.String())
	if v.Type != gjson.String || !common.IsHexAddress(s) {
		p.fail(path, fmt.Errorf("not a 20-byte hex address"))
		return common.Address{}
	}
	return common.HexToAddress(s)
}

func (p *payload) uint256(path string) *big.Int {
	v, ok := p.lookup(path)
	if !ok {
		return new(big.Int)
	}
	n, err := parseUint256(v)
	if err != nil {
		p.fail(path, err)
		return new(big.Int)
	}
	return n
}

func (p *payload) uint64(path string) uint64 {
	n := p.uint256(path)
	if !n.IsUint64() {
		p.fail(path, fmt.Errorf("out of range"))
		return 0
	}
	return n.Uint64()
}

func (p *payload) uint8(path string) uint8 {
	n := p.uint256(path)
	if n.BitLen() > 8 {
		p.fail(path, fmt.Errorf("out of range"))
		return 0
	}
	return uint8(n.Uint64())
}

func (p *payload) bytes32(path string) [32]byte {
	var out [32]byte
	v, ok := p.lookup(path)
	if !ok {
		return out
	}
	b, err := hexutil.Decode(strings.TrimSpace(v.String()))
	if err != nil || len(b) != 32 {
		p.fail(path, fmt.Errorf("not 32 bytes of 0x-prefixed hex"))
		return out
	}
	copy(out[:], b)
	return out
}

func (p *payload) signature(path string) []byte {
	v, ok := p.lookup(path)
	if !ok {
		return nil
	}
	b, err := hexutil.Decode(strings.TrimSpace(v.String()))
	if err != nil || len(b) != eip712.SignatureLength {
		p.fail(path, fmt.Errorf("not a 65-byte 0x-prefixed hex signature"))
		return nil
	}
	return b
}

// permit reads a {value, deadline, v, r, s} tuple under prefix.
func (p *payload) permit(prefix string) contracts.PermitArgs {
	return contracts.PermitArgs{
		Value:    p.uint256(prefix + ".value"),
		Deadline: p.uint256(prefix + ".deadline"),
		V:        p.uint8(prefix + ".v"),
		R:        p.bytes32(prefix + ".r"),
		S:        p.bytes32(prefix + ".s"),
	}
}

// err returns the 400 for the request, if any. Missing fields win over
// malformed ones.
func (p *payload) err() error {
	if len(p.missing) > 0 {
		return errors.MissingParameter(p.missing...)
	}
	if p.invalid != nil {
		return p.invalid
	}
	return nil
}

// parseUint256 accepts JSON numbers and strings holding a decimal or
// 0x-prefixed hex integer.
func parseUint256(v gjson.Result) (*big.Int, error) {
	var s string
	switch v.Type {
	case gjson.Number:
		s = v.Raw
	case gjson.String:
		s = strings.TrimSpace(v.Str)
	default:
		return nil, fmt.Errorf("expected integer")
	}

	n := new(big.Int)
	var ok bool
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		_, ok = n.SetString(s[2:], 16)
	} else {
		_, ok = n.SetString(s, 10)
	}
	if !ok {
		return nil, fmt.Errorf("expected integer, got %q", s)
	}
	if n.Sign() < 0 || n.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("out of uint256 range")
	}
	return n, nil
}
