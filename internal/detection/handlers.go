package detection

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/seancwalsh/flynn/internal/auth"
	"github.com/seancwalsh/flynn/pkg/plugin"
	"github.com/seancwalsh/flynn/pkg/usage"
	"go.uber.org/zap"
)

const (
	defaultUnackedLimit = 50
	maxUnackedLimit     = 1000
	defaultRecentDays   = 7
	maxRecentDays       = 365
	maxBodyBytes        = 1 << 16
)

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/children/{child_id}/anomalies/unacknowledged", Handler: m.handleUnacknowledged},
		{Method: "GET", Path: "/children/{child_id}/anomalies/recent", Handler: m.handleRecent},
		{Method: "GET", Path: "/anomalies/{id}", Handler: m.handleGetAnomaly},
		{Method: "POST", Path: "/anomalies/{id}/acknowledge", Handler: m.handleAcknowledge},
		{Method: "POST", Path: "/anomalies/{id}/resolve", Handler: m.handleResolve},
		{Method: "POST", Path: "/runs", Handler: m.handleRun},
	}
}

// anomalyView is the wire form of an anomaly: the stored record plus its
// derived lifecycle state and caregiver-facing message.
type anomalyView struct {
	usage.Anomaly
	DetectedForDate string               `json:"detected_for_date"`
	State           usage.LifecycleState `json:"state"`
	Message         string               `json:"message"`
}

func viewOf(a *usage.Anomaly) anomalyView {
	return anomalyView{
		Anomaly:         *a,
		DetectedForDate: a.DetectedForDate.Format(usage.DateLayout),
		State:           a.State(),
		Message:         a.Message(),
	}
}

func viewsOf(list []usage.Anomaly) []anomalyView {
	out := make([]anomalyView, 0, len(list))
	for i := range list {
		out = append(out, viewOf(&list[i]))
	}
	return out
}

// handleUnacknowledged returns a child's unacknowledged anomalies, newest first.
func (m *Module) handleUnacknowledged(w http.ResponseWriter, r *http.Request) {
	if !m.requireStore(w, r) {
		return
	}
	childID := r.PathValue("child_id")
	if childID == "" {
		writeError(w, r, http.StatusBadRequest, "child_id is required")
		return
	}
	limit, err := intParam(r, "limit", defaultUnackedLimit, maxUnackedLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	list, err := m.store.Unacknowledged(r.Context(), childID, limit)
	if err != nil {
		m.logger.Error("list unacknowledged anomalies", zap.String("child_id", childID), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "failed to list anomalies")
		return
	}
	writeJSON(w, http.StatusOK, viewsOf(list))
}

// handleRecent returns a child's anomalies for the trailing window of days.
func (m *Module) handleRecent(w http.ResponseWriter, r *http.Request) {
	if !m.requireStore(w, r) {
		return
	}
	childID := r.PathValue("child_id")
	if childID == "" {
		writeError(w, r, http.StatusBadRequest, "child_id is required")
		return
	}
	days, err := intParam(r, "days", defaultRecentDays, maxRecentDays)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	list, err := m.store.Recent(r.Context(), childID, days)
	if err != nil {
		m.logger.Error("list recent anomalies", zap.String("child_id", childID), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "failed to list anomalies")
		return
	}
	writeJSON(w, http.StatusOK, viewsOf(list))
}

func (m *Module) handleGetAnomaly(w http.ResponseWriter, r *http.Request) {
	if !m.requireStore(w, r) {
		return
	}
	a, err := m.store.GetAnomaly(r.Context(), r.PathValue("id"))
	if err != nil {
		m.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(a))
}

type acknowledgeRequest struct {
	UserID string `json:"user_id"`
}

// handleAcknowledge marks an anomaly as seen. The acknowledging user comes
// from the bearer token; user_id in the body is only read when the server
// runs without authentication.
func (m *Module) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if !m.requireStore(w, r) {
		return
	}
	var req acknowledgeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if claims := auth.UserFromContext(r.Context()); claims != nil {
		userID = claims.UserID
	}
	if userID == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}

	a, err := m.store.Acknowledge(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		m.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(a))
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

// handleResolve closes an anomaly with a free-text resolution.
func (m *Module) handleResolve(w http.ResponseWriter, r *http.Request) {
	if !m.requireStore(w, r) {
		return
	}
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	resolution := strings.TrimSpace(req.Resolution)
	if resolution == "" {
		writeError(w, r, http.StatusBadRequest, "resolution is required")
		return
	}

	a, err := m.store.Resolve(r.Context(), r.PathValue("id"), resolution)
	if err != nil {
		m.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(a))
}

type runRequest struct {
	Date string `json:"date"` // YYYY-MM-DD; empty means yesterday
}

// handleRun triggers a detection run and waits for its result.
func (m *Module) handleRun(w http.ResponseWriter, r *http.Request) {
	if !m.requireStore(w, r) {
		return
	}
	var req runRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var opts RunOptions
	if req.Date != "" {
		d, err := time.Parse(usage.DateLayout, req.Date)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		opts.Date = d
	}

	res, err := m.Run(r.Context(), opts)
	switch {
	case errors.Is(err, ErrRunInProgress):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidConfig):
		writeError(w, r, http.StatusInternalServerError, err.Error())
	case err != nil:
		m.logger.Error("manual detection run failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "detection run failed")
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// -- helpers --

func (m *Module) requireStore(w http.ResponseWriter, r *http.Request) bool {
	if m.store == nil {
		writeError(w, r, http.StatusServiceUnavailable, errNoStore.Error())
		return false
	}
	return true
}

func (m *Module) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrNotFound) {
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	}
	m.logger.Error("anomaly store error", zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, r, http.StatusInternalServerError, "internal error")
}

// decodeBody decodes a JSON body into v. An empty body leaves v unchanged.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// intParam reads a positive integer query parameter, clamped to maxVal.
func intParam(r *http.Request, name string, defaultVal, maxVal int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, errors.New(name + " must be a positive integer")
	}
	return min(n, maxVal), nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":     "https://flynn.app/problems/" + strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "-"),
		"title":    http.StatusText(status),
		"status":   status,
		"detail":   detail,
		"instance": r.URL.Path,
	})
}
