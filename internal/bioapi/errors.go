package bioapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/lattice-genomics/bioindex/internal/blobstore"
	"github.com/lattice-genomics/bioindex/internal/catalog"
	"github.com/lattice-genomics/bioindex/internal/continuation"
	"github.com/lattice-genomics/bioindex/internal/planner"
)

// apiError carries the HTTP status a handler error should surface as,
// per spec.md §7's error taxonomy.
type apiError struct {
	status int
	msg    string
}

func (e *apiError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &apiError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

func forbidden(format string, args ...any) error {
	return &apiError{status: http.StatusForbidden, msg: fmt.Sprintf(format, args...)}
}

func payloadTooLarge(format string, args ...any) error {
	return &apiError{status: http.StatusRequestEntityTooLarge, msg: fmt.Sprintf(format, args...)}
}

// statusFor classifies an error into the HTTP status spec.md §7 assigns
// it, falling back to 500 for anything unrecognized.
func statusFor(err error) int {
	var api *apiError
	if errors.As(err, &api) {
		return api.status
	}
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return http.StatusBadRequest
	case errors.Is(err, planner.ErrArity), errors.Is(err, planner.ErrNotBuilt):
		return http.StatusBadRequest
	case errors.Is(err, continuation.ErrNoSuchToken):
		return http.StatusBadRequest
	case errors.Is(err, blobstore.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON {"error": "..."} body with the classified
// status code.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
