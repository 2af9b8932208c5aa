package idempotency

import (
	"encoding/json"
	"net/http"

	"idemgate/internal/entry"
)

// WriteReplay writes a recorded response to w. Recorded headers are merged in
// only where w does not already carry them, and ReplayHeader is set.
func WriteReplay(w http.ResponseWriter, c *entry.Completed) {
	h := w.Header()
	for k, v := range c.Header {
		if _, exists := h[k]; exists {
			continue
		}
		h[k] = append([]string(nil), v...)
	}
	if c.ContentType != "" && h.Get("Content-Type") == "" {
		h.Set("Content-Type", c.ContentType)
	}
	h.Set(ReplayHeader, "true")

	status := c.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(c.Body)
}

// WriteProblem writes p as a JSON error body.
func WriteProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}
