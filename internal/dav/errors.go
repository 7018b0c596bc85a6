package dav

import (
	"errors"
	"net/http"

	"github.com/soderlund/maildav/internal/errs"
)

// httpStatus maps the backend error taxonomy to response codes.
func httpStatus(err error) int {
	var parseErr *errs.ParseError
	var conflict *errs.IdentityConflict
	var unsupported *errs.Unsupported
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrForbidden):
		return http.StatusForbidden
	case errors.As(err, &parseErr):
		return http.StatusBadRequest
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &unsupported):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), httpStatus(err))
}
