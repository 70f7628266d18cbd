package httputil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/R3E-Network/microcredit_relay/internal/errors"
)

// MaxRequestBody bounds relay request bodies.
const MaxRequestBody = 64 << 10

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes err as {"error": ..., "code": ...}.
// Errors outside the taxonomy become a 500 with their short message.
func WriteError(w http.ResponseWriter, err error) {
	se := errors.GetServiceError(err)
	if se == nil {
		se = errors.Internal(errors.ShortMessage(err), err)
	}

	body := map[string]interface{}{
		"error": se.Message,
		"code":  se.Code,
	}
	for k, v := range se.Details {
		if k == "fields" || k == "field" {
			continue
		}
		body[k] = v
	}
	WriteJSON(w, se.HTTPStatus, body)
}

// ReadBody reads the request body up to MaxRequestBody.
func ReadBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, errors.BadRequest("request body required")
	}
	body, err := ReadAllStrict(r.Body, MaxRequestBody)
	if err != nil {
		return nil, errors.BadRequest(err.Error())
	}
	if len(body) == 0 {
		return nil, errors.BadRequest("request body required")
	}
	return body, nil
}

// ReadAllWithLimit reads at most limit bytes and reports whether more were available.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

// ReadAllStrict reads everything or fails when the body exceeds limit.
func ReadAllStrict(r io.Reader, limit int64) ([]byte, error) {
	data, truncated, err := ReadAllWithLimit(r, limit)
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}
	return data, nil
}
