/*
Package req binds HTTP request bodies, mapping decoding failures to errs codes.
*/
package req

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"pairup/internal/pkg/errs"
)

// MaxJSONBodySize caps JSON request bodies. The broker's HTTP inputs are tiny.
const MaxJSONBodySize int64 = 16 << 10

// BindJSON decodes a single JSON document from the request body into dst, rejecting
// unknown fields, trailing content and bodies over MaxJSONBodySize.
func BindJSON(w http.ResponseWriter, r *http.Request, dst any) *errs.CustomError {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		return errs.NewError(errs.ErrUnsupportedMediaType)
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxJSONBodySize)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errs.NewError(errs.ErrRequestEntityTooLarge)
		}
		return errs.NewError(errs.ErrInvalidJSONFormat)
	}

	if decoder.More() {
		return errs.NewError(errs.ErrExtraContentInBody)
	}

	return nil
}
