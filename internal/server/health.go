package server

import (
	"io"
	"net/http"
)

// Probe endpoints sit outside the admin auth middleware: orchestrators call
// them unauthenticated, and they must stay cheap under tight scrape intervals.
var probeCT = []string{"text/plain; charset=utf-8"} // skips Header.Set's []string alloc

func writeProbe(w http.ResponseWriter, status int, msg string) {
	w.Header()["Content-Type"] = probeCT
	w.WriteHeader(status)
	io.WriteString(w, msg) //nolint:errcheck
}

// handleHealthz is the liveness probe: the process is up and serving.
func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeProbe(w, http.StatusOK, "ok")
}

// handleReadyz is the readiness probe. It fails while the store is
// unreachable so the proxy is pulled from rotation before requests 500.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			writeProbe(w, http.StatusServiceUnavailable, "not ready: "+err.Error())
			return
		}
	}
	writeProbe(w, http.StatusOK, "ready")
}
