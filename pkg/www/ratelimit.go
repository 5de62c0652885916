package www

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

// RateLimited limits handle to maxRequests per window, per client IP.
// Requests over the limit receive 429 Too Many Requests.
// If maxRequests is zero, handle is returned unchanged.
func RateLimited(maxRequests int, window time.Duration, handle httprouter.Handle) httprouter.Handle {
	if maxRequests <= 0 {
		return handle
	}
	limited := httprate.Limit(maxRequests, window, httprate.WithKeyFuncs(httprate.KeyByIP))
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handle(w, r, p)
		})).ServeHTTP(w, r)
	}
}
