package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/nerrad567/pulsegate-core/internal/ingest"
)

// handleIngest accepts one telemetry telegram from a metering device.
//
// The response status is all a battery device can reasonably act on:
//
//	200 accepted or partially accepted; body echoes per-channel outcomes
//	400 malformed or invalid content; retrying the same bytes is pointless
//	413 oversized; the device must not retry
//	503 shutting down; retry on the next report cycle
//
// Every rejection, including the ones refused before the body is read,
// goes through the coordinator so stats and the observability sinks
// count it.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	source := r.RemoteAddr

	// Refuse a declared-oversized body without reading a single byte.
	if r.ContentLength > s.maxBody {
		out, _ := s.coordinator.Ingest(r.Context(), nil, r.ContentLength, source)
		s.writeIngestRejection(w, out)
		return
	}

	// The limit sits one byte above the ceiling so an at-the-limit body
	// reads cleanly and an over-limit one is caught by length, keeping
	// the oversized classification in one place.
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody+1))
	if err != nil {
		// Only the reader's own limit means oversized. Any other read
		// failure is a client that vanished mid-upload; the empty body
		// classifies it as malformed, keeping the oversized counters
		// for actual over-limit payloads.
		length := r.ContentLength
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			length = s.maxBody + 1
		}
		out, _ := s.coordinator.Ingest(r.Context(), nil, length, source)
		s.writeIngestRejection(w, out)
		return
	}

	out, err := s.coordinator.Ingest(r.Context(), raw, r.ContentLength, source)
	if err != nil {
		s.writeIngestRejection(w, out)
		return
	}

	writeJSON(w, http.StatusOK, out)
}

// writeIngestRejection maps a rejected outcome to its transport status.
// The rejection category doubles as the error code.
func (s *Server) writeIngestRejection(w http.ResponseWriter, out ingest.Outcome) {
	status := http.StatusInternalServerError
	switch out.Category {
	case ingest.CategoryOversized:
		status = http.StatusRequestEntityTooLarge
	case ingest.CategoryMalformed, ingest.CategoryInvalidContent:
		status = http.StatusBadRequest
	case ingest.CategoryCancelled:
		status = http.StatusServiceUnavailable
	}

	detail := out.Detail
	if detail == "" {
		detail = "telegram rejected"
	}

	writeError(w, status, out.Category, detail)
}
