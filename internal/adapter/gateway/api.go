package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"zeddring/internal/domain"
)

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error to an HTTP status and a machine-readable
// error kind.
func writeError(w http.ResponseWriter, err error) {
	kind := domain.ErrorKind(err)
	status := http.StatusInternalServerError
	switch kind {
	case "invalid_input":
		status = http.StatusBadRequest
	case "not_found":
		status = http.StatusNotFound
	case "duplicate_address", "device_unavailable", "cancelled":
		status = http.StatusConflict
	case "transport_timeout", "transport_failure":
		status = http.StatusBadGateway
	}
	writeJSON(w, status, errorResponse{Error: kind, Detail: err.Error()})
}

func (s *Server) handleListRings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleRegisterRing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
		Name    string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewDomainError("gateway.Register", domain.ErrInvalidInput, "malformed JSON body"))
		return
	}
	if req.Address == "" {
		writeError(w, domain.NewDomainError("gateway.Register", domain.ErrInvalidInput, "address is required"))
		return
	}
	ring, err := s.registry.Register(r.Context(), req.Address, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ring)
}

func (s *Server) handleGetRing(w http.ResponseWriter, r *http.Request) {
	ring, err := s.registry.Get(chi.URLParam(r, "ringID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ring)
}

func (s *Server) handleRenameRing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewDomainError("gateway.Rename", domain.ErrInvalidInput, "malformed JSON body"))
		return
	}
	if req.Name == "" {
		writeError(w, domain.NewDomainError("gateway.Rename", domain.ErrInvalidInput, "name is required"))
		return
	}
	id := chi.URLParam(r, "ringID")
	if err := s.registry.Rename(r.Context(), id, req.Name); err != nil {
		writeError(w, err)
		return
	}
	ring, err := s.registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ring)
}

func (s *Server) handleRemoveRing(w http.ResponseWriter, r *http.Request) {
	if err := s.fleet.RemoveRing(r.Context(), chi.URLParam(r, "ringID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.fleet.Connect)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.fleet.Disconnect)
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.fleet.Reboot)
}

func (s *Server) handleSetTime(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.fleet.SetTime)
}

// command runs a fleet command against the ring in the URL and returns the
// ring's resulting record.
func (s *Server) command(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "ringID")
	if err := fn(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	ring, err := s.registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ring)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.fleet.SyncHistory(r.Context(), chi.URLParam(r, "ringID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ringID")
	if _, err := s.registry.Get(id); err != nil {
		writeError(w, err)
		return
	}
	metric := domain.Metric(r.URL.Query().Get("metric"))
	if !metric.Valid() {
		writeError(w, domain.NewDomainError("gateway.Samples", domain.ErrInvalidInput, "unknown metric "+string(metric)))
		return
	}
	since, until, err := parseWindow(r, 24*time.Hour)
	if err != nil {
		writeError(w, err)
		return
	}

	cur, err := s.store.Range(r.Context(), id, metric, since, until)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cur.Close()

	samples := make([]domain.Sample, 0, 64)
	for cur.Next() {
		samples = append(samples, cur.Sample())
	}
	if err := cur.Err(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (s *Server) handleDailyStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ringID")
	if _, err := s.registry.Get(id); err != nil {
		writeError(w, err)
		return
	}
	metric := domain.Metric(r.URL.Query().Get("metric"))
	if !metric.Valid() {
		writeError(w, domain.NewDomainError("gateway.DailyStats", domain.ErrInvalidInput, "unknown metric "+string(metric)))
		return
	}
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, domain.NewDomainError("gateway.DailyStats", domain.ErrInvalidInput, "days must be a positive integer"))
			return
		}
		days = n
	}
	until := time.Now()
	since := until.Add(-time.Duration(days) * 24 * time.Hour)

	stats, err := s.store.AggregateByDay(r.Context(), id, metric, since, until)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// parseWindow reads optional RFC 3339 since/until query params, defaulting
// to the trailing span ending now.
func parseWindow(r *http.Request, span time.Duration) (time.Time, time.Time, error) {
	until := time.Now()
	since := until.Add(-span)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, domain.NewDomainError("gateway.parseWindow", domain.ErrInvalidInput, "since must be RFC 3339")
		}
		since = t
	}
	if raw := r.URL.Query().Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, domain.NewDomainError("gateway.parseWindow", domain.ErrInvalidInput, "until must be RFC 3339")
		}
		until = t
	}
	return since, until, nil
}

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Name          string     `json:"name"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	Rings         RingCounts `json:"rings"`
	Samples       int64      `json:"samples"`
}

// RingCounts breaks the fleet down by connection state.
type RingCounts struct {
	Total        int `json:"total"`
	Connected    int `json:"connected"`
	Connecting   int `json:"connecting"`
	Disconnected int `json:"disconnected"`
	Backoff      int `json:"backoff"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts := RingCounts{}
	for _, ring := range s.registry.List() {
		counts.Total++
		switch ring.State {
		case domain.StateConnected:
			counts.Connected++
		case domain.StateConnecting:
			counts.Connecting++
		case domain.StateBackoff:
			counts.Backoff++
		default:
			counts.Disconnected++
		}
	}
	samples, err := s.store.CountSamples(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Name:          "zeddring",
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Rings:         counts,
		Samples:       samples,
	})
}
