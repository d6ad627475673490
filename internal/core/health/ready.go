package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is any dependency that can report its own reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Check struct {
	Name string
	P    Pinger
	// Optional checks are reported but never flip the overall status.
	Optional bool
}

// Readiness runs every check with a shared deadline and answers 503 when a
// required one fails.
func Readiness(timeout time.Duration, checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks,omitempty"`
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		ready := true
		out := resp{Checks: make(map[string]string, len(checks))}
		for _, c := range checks {
			if err := c.P.Ping(ctx); err != nil {
				out.Checks[c.Name] = err.Error()
				if !c.Optional {
					ready = false
				}
				continue
			}
			out.Checks[c.Name] = "ok"
		}
		out.Status = "not_ready"
		if ready {
			out.Status = "ready"
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
