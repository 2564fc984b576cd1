package api

import (
	"net/http"

	"github.com/seantiz/runctx/internal/execctx"
)

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.devices.List())
}

// The parameter table is the same for every context, so a fresh one
// describes it.
func (s *Server) handleListParameters(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, execctx.New().Parameters())
}
