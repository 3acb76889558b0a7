package ops

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/capture"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/session"
)

// SessionDTO is the JSON representation of an active session.
type SessionDTO struct {
	ID         string   `json:"id"`
	Number     uint64   `json:"number"`
	ClientAddr string   `json:"client_addr"`
	CreatedAt  string   `json:"created_at"`
	AgeMicros  int64    `json:"age_micros"`
	State      string   `json:"state"`
	Method     string   `json:"method,omitempty"`
	URL        string   `json:"url,omitempty"`
	Host       string   `json:"host,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// SessionsResponse is the JSON response for GET /sessions.
type SessionsResponse struct {
	Sessions []SessionDTO `json:"sessions"`
	Count    int          `json:"count"`
}

// FlowsResponse is the JSON response for GET /flows. Flow records carry
// their own wire form; no separate DTO.
type FlowsResponse struct {
	Flows []capture.Flow `json:"flows"`
	Count int            `json:"count"`
}

func sessionDTO(s *session.Session, now time.Time) SessionDTO {
	dto := SessionDTO{
		ID:         s.ID,
		Number:     s.Number,
		ClientAddr: s.ClientAddr,
		CreatedAt:  s.CreatedAt.UTC().Format(time.RFC3339Nano),
		AgeMicros:  now.Sub(s.CreatedAt).Microseconds(),
		State:      s.State().String(),
		Tags:       s.Tags(),
	}
	if req := s.Request(); req != nil {
		dto.Method = req.Method()
		dto.Host = req.Host()
		if u := req.URL(); u != nil {
			dto.URL = u.String()
		}
	}
	return dto
}

// handleSessions returns a snapshot of the active-session registry.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		s.respondError(w, http.StatusServiceUnavailable, "session registry not configured")
		return
	}
	active, err := s.registry.Active(r.Context())
	if err != nil {
		s.logger.Error("session snapshot failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "session snapshot failed")
		return
	}
	now := time.Now().UTC()
	dtos := make([]SessionDTO, len(active))
	for i, sess := range active {
		dtos[i] = sessionDTO(sess, now)
	}
	s.respondJSON(w, http.StatusOK, SessionsResponse{Sessions: dtos, Count: len(dtos)})
}

// handleFlows returns recent captured flows, newest first.
func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	if s.flows == nil {
		s.respondError(w, http.StatusServiceUnavailable, "flow store not configured")
		return
	}
	filter, err := parseFlowFilter(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	flows, err := s.flows.Recent(r.Context(), filter)
	if err != nil {
		s.logger.Error("flow query failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "flow query failed")
		return
	}
	if flows == nil {
		flows = []capture.Flow{}
	}
	s.respondJSON(w, http.StatusOK, FlowsResponse{Flows: flows, Count: len(flows)})
}

// handleFlowByID returns a single captured flow.
func (s *Server) handleFlowByID(w http.ResponseWriter, r *http.Request) {
	if s.flows == nil {
		s.respondError(w, http.StatusServiceUnavailable, "flow store not configured")
		return
	}
	id := r.PathValue("id")
	flow, err := s.flows.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, capture.ErrFlowNotFound) {
			s.respondError(w, http.StatusNotFound, "flow not found")
			return
		}
		s.logger.Error("flow lookup failed", "id", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "flow lookup failed")
		return
	}
	s.respondJSON(w, http.StatusOK, flow)
}

// handleFlowStats returns aggregated counters over captured flows.
func (s *Server) handleFlowStats(w http.ResponseWriter, r *http.Request) {
	if s.flows == nil {
		s.respondError(w, http.StatusServiceUnavailable, "flow store not configured")
		return
	}
	stats, err := s.flows.Stats(r.Context())
	if err != nil {
		s.logger.Error("flow stats failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "flow stats failed")
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

// handleCACert serves the CA certificate for client trust installation.
func (s *Server) handleCACert(w http.ResponseWriter, r *http.Request) {
	if s.ca == nil {
		s.respondError(w, http.StatusServiceUnavailable, "TLS inspection not configured")
		return
	}
	pemBytes := s.ca.CACertPEM()
	if len(pemBytes) == 0 {
		s.respondError(w, http.StatusNotFound, "no CA certificate loaded")
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="titanium-ca.pem"`)
	w.Header().Set("X-CA-Fingerprint", s.ca.CAFingerprint())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pemBytes)
}

// parseFlowFilter builds a FlowFilter from query parameters. Unknown
// outcome values and malformed numbers or timestamps are rejected.
func parseFlowFilter(r *http.Request) (capture.FlowFilter, error) {
	q := r.URL.Query()
	filter := capture.FlowFilter{}
	filter.Host = q.Get("host")
	filter.Method = q.Get("method")
	filter.Tag = q.Get("tag")
	if outcome := q.Get("outcome"); outcome != "" {
		switch outcome {
		case capture.OutcomeForwarded, capture.OutcomeShortCircuited,
			capture.OutcomeTunneled, capture.OutcomeFailed:
			filter.Outcome = outcome
		default:
			return filter, fmt.Errorf("invalid outcome filter %q", outcome)
		}
	}
	if statusStr := q.Get("status"); statusStr != "" {
		status, err := strconv.Atoi(statusStr)
		if err != nil || status < 100 || status > 599 {
			return filter, fmt.Errorf("invalid status filter: must be a status code")
		}
		filter.Status = status
	}
	if sinceStr := q.Get("since"); sinceStr != "" {
		t, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			return filter, fmt.Errorf("invalid since time: %w", err)
		}
		filter.Since = t
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			return filter, fmt.Errorf("invalid limit: must be a positive integer")
		}
		if limit > 1000 {
			limit = 1000
		}
		filter.Limit = limit
	} else {
		filter.Limit = 100
	}
	return filter, nil
}

// respondJSON writes a JSON response with the given status code.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

// respondError writes a JSON error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
