package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/alecthomas/errors"
	"github.com/dyninc/qstring"
)

// An APIError is an error that is also a http.Handler used to encode the error.
type APIError interface {
	error
	http.Handler
}

// APIErrorf returns an error that is encoded as a JSON body in the form {"error": "<msg>", "code": "<code>"}.
func APIErrorf(code int, format string, args ...any) APIError {
	return apiError{
		code: code,
		err:  errors.Errorf(format, args...),
	}
}

type apiError struct {
	code int
	err  error
}

// Error implements APIError.
func (a apiError) Error() string { return fmt.Sprintf("%d: %s", a.code, a.err) }
func (a apiError) Unwrap() error { return a.err }

// ServeHTTP implements APIError.
func (a apiError) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(a.code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": a.err.Error(), "code": strconv.Itoa(a.code)}) //nolint
}

// DecodeRequest decodes the JSON request body into T for PATCH/POST/PUT methods, and query parameters for all other
// method types.
func DecodeRequest[T any](r *http.Request) (T, error) {
	var result T
	method := strings.ToUpper(r.Method)
	if method == http.MethodPatch || method == http.MethodPost || method == http.MethodPut {
		if r.ContentLength == 0 {
			return result, nil
		}
		if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
			return result, APIErrorf(http.StatusBadRequest, "failed to decode JSON request body: %w", err)
		}
	} else if err := qstring.Unmarshal(r.URL.Query(), &result); err != nil {
		return result, APIErrorf(http.StatusBadRequest, "failed to decode query parameters: %w", err)
	}
	return result, nil
}

// EncodeError writes a JSON error body in the form {"error": "<msg>", "code": "<code>"}.
func EncodeError(logger *slog.Logger, w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	eerr := json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": strconv.Itoa(status)})
	if eerr != nil {
		logger.Error("Failed to encode error", "error", msg, "status", status)
	}
}

// EncodeResponse encodes data as JSON, or outErr as a JSON error.
//
// Errors implementing [http.Handler] (such as those created with [APIErrorf]) encode themselves, all others
// result in a 500.
func EncodeResponse(logger *slog.Logger, r *http.Request, w http.ResponseWriter, data any, outErr error) {
	if outErr != nil {
		var handler http.Handler
		if errors.As(outErr, &handler) {
			handler.ServeHTTP(w, r)
		} else {
			logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", outErr)
			EncodeError(logger, w, outErr.Error(), http.StatusInternalServerError)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}
