package api

import (
	"net/http"

	"github.com/seantiz/kiln/internal/pool"
)

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}

// poolsResponse is the JSON response for GET /v1/pools.
type poolsResponse struct {
	Capacity    int              `json:"capacity"`
	PreWarm     int              `json:"prewarm"`
	GlobalLimit int              `json:"global_limit"`
	Keys        []pool.KeyStats `json:"keys"`
}

func (s *Server) handleListPools(w http.ResponseWriter, _ *http.Request) {
	cfg := s.pools.Config()
	s.writeJSON(w, http.StatusOK, poolsResponse{
		Capacity:    cfg.Capacity,
		PreWarm:     cfg.PreWarm,
		GlobalLimit: cfg.GlobalLimit,
		Keys:        s.pools.Stats(),
	})
}
