package server

import "net/http"

// handleNextSeq handles POST /v1/streams/{id}/next.
func (s *RunServer) handleNextSeq(w http.ResponseWriter, r *http.Request) {
	if s.seq == nil {
		writeError(w, http.StatusNotImplemented, "sequence generator not configured")
		return
	}
	n, err := s.seq.Next(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"seq": n})
}

// handleAllocatePair handles POST /v1/streams/{id}/pair.
func (s *RunServer) handleAllocatePair(w http.ResponseWriter, r *http.Request) {
	if s.seq == nil {
		writeError(w, http.StatusNotImplemented, "sequence generator not configured")
		return
	}
	first, second, err := s.seq.AllocatePair(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"first": first, "second": second})
}
