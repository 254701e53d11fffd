package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"time"
)

// ErrValidation marks request bodies that could not be decoded.
var ErrValidation = errors.New("validation failed")

// DefaultRetryAfter is advertised on 503 responses.
const DefaultRetryAfter = 5 * time.Second

// Unavailable responds 503 with a Retry-After hint in whole seconds.
func Unavailable(w http.ResponseWriter, retryAfter time.Duration, detail string) {
	seconds := int(retryAfter / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	Problem(w, http.StatusServiceUnavailable, "Service Unavailable", detail)
}
