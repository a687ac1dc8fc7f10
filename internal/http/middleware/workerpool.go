package middleware

import (
	"net/http"

	"golang.org/x/sync/semaphore"
)

// WorkerPool bounds the number of requests handled concurrently to limit,
// per spec §4.8/§5: "a worker pool of N threads (configurable, default =
// CPU count) serves requests." net/http already runs each connection on
// its own goroutine; this middleware is the bound on top of that, acquiring
// a weighted semaphore slot for the duration of the handler and blocking
// (suspending, per §5's "Suspension points") new requests once limit is in
// use.
func WorkerPool(limit int) func(http.Handler) http.Handler {
	if limit <= 0 {
		limit = 1
	}
	sem := semaphore.NewWeighted(int64(limit))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if err := sem.Acquire(ctx, 1); err != nil {
				http.Error(w, "request cancelled while waiting for a worker", http.StatusServiceUnavailable)
				return
			}
			defer sem.Release(1)

			next.ServeHTTP(w, r)
		})
	}
}
