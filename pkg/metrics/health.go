package metrics

import (
	"encoding/json"
	"net/http"
	"time"
)

var startTime = time.Now()

// LivenessHandler answers the control server's /healthz route: 200 for as
// long as the process is serving HTTP, regardless of pod/process state.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(startTime).String(),
		})
	}
}
