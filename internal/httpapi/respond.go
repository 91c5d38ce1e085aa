// Package httpapi exposes the service cores over HTTP. Public routes sit
// behind the bearer verifier; internal routes sit behind the shared service
// token and carry idempotency keys.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	serrors "github.com/stridehq/stride/internal/errors"
)

const maxBodyBytes = 1 << 20

func decodeJSON(body io.Reader, target interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		return serrors.InvalidArgument(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func writeError(w http.ResponseWriter, err error) {
	se, ok := err.(*serrors.ServiceError)
	if !ok {
		se = serrors.Internal(err.Error())
	}
	writeJSON(w, se.HTTPStatus(), se)
}

func idempotencyKey(r *http.Request) string {
	return r.Header.Get("Idempotency-Key")
}
