package chain

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// RevertReason extracts the Error(string) reason carried in a JSON-RPC
// error's data field, if any.
func RevertReason(err error) (string, bool) {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return "", false
	}
	data, ok := de.ErrorData().(string)
	if !ok || data == "" {
		return "", false
	}
	raw, decErr := hexutil.Decode(data)
	if decErr != nil {
		return "", false
	}
	reason, unpackErr := abi.UnpackRevert(raw)
	if unpackErr != nil {
		return "", false
	}
	return reason, true
}

// ShortMessage returns the first line of err, with the decoded revert
// reason appended when the node only reported "execution reverted".
func ShortMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	msg = strings.TrimSpace(msg)
	if reason, ok := RevertReason(err); ok && !strings.Contains(msg, reason) {
		msg += ": " + reason
	}
	return msg
}
