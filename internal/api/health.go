package api

import (
	"net/http"
	"sort"
)

type healthResponse struct {
	Status    string   `json:"status"`
	Backends  []string `json:"backends"`
	Sandboxes struct {
		Live int `json:"live"`
		Idle int `json:"idle"`
	} `json:"sandboxes"`
}

// handleHealthz reports liveness along with the registered backends and the
// number of pooled sandboxes.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Backends: []string{}}
	for _, info := range s.registry.List() {
		resp.Backends = append(resp.Backends, info.Name)
	}
	sort.Strings(resp.Backends)
	for _, ks := range s.pools.Stats() {
		resp.Sandboxes.Live += ks.Live
		resp.Sandboxes.Idle += ks.Idle
	}
	s.writeJSON(w, http.StatusOK, resp)
}
