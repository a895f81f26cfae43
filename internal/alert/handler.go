package alert

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"vidashield/internal/auth"
	"vidashield/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service *Service
	logger  *observability.Logger
}

func NewHandler(service *Service, logger *observability.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

type alertResponse struct {
	Alert Alert `json:"alert"`
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := h.service.List(r.Context(), filter)
	if err != nil {
		if errors.Is(err, ErrInvalidAlert) {
			writeError(w, http.StatusBadRequest, "invalid filter")
			return
		}
		h.fail(w, r, err, "failed to list alerts")
		return
	}

	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrAlertNotFound) {
			writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		h.fail(w, r, err, "failed to get alert")
		return
	}

	writeJSON(w, http.StatusOK, alertResponse{Alert: a})
}

func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	var body resolveRequest
	if err := decodeOptional(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	a, err := h.service.Resolve(r.Context(), r.PathValue("id"), accountID, body.Notes)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlertNotFound):
			writeError(w, http.StatusNotFound, "alert not found")
		case errors.Is(err, ErrAlertAlreadyResolved):
			writeError(w, http.StatusBadRequest, "alert already resolved")
		case errors.Is(err, ErrInvalidAlert):
			writeError(w, http.StatusBadRequest, "invalid resolution")
		default:
			h.fail(w, r, err, "failed to resolve alert")
		}
		return
	}

	h.logger.Info("alert_resolved", map[string]any{"alert_id": a.ID, "resolved_by": accountID})
	writeJSON(w, http.StatusOK, alertResponse{Alert: a})
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body NewAlert
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if body.Type == "" {
		body.Type = TypeManual
	}

	a, err := h.service.Create(r.Context(), body)
	if err != nil {
		if errors.Is(err, ErrInvalidAlert) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.fail(w, r, err, "failed to create alert")
		return
	}

	writeJSON(w, http.StatusCreated, alertResponse{Alert: a})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, message string) {
	fields := map[string]any{"path": r.URL.Path, "error": err.Error()}
	h.logger.Error("alert_request_failed", fields)
	observability.CaptureError(err, fields)
	writeError(w, http.StatusInternalServerError, message)
}

func parseFilter(r *http.Request) (Filter, error) {
	query := r.URL.Query()
	var filter Filter

	if value := strings.TrimSpace(query.Get("severity")); value != "" {
		severity := Severity(strings.ToLower(value))
		if !severity.Valid() {
			return Filter{}, errors.New("severity must be info, warning or critical")
		}
		filter.Severity = &severity
	}

	if value := strings.TrimSpace(query.Get("resolved")); value != "" {
		resolved, err := strconv.ParseBool(value)
		if err != nil {
			return Filter{}, errors.New("resolved must be true or false")
		}
		filter.Resolved = &resolved
	}

	var err error
	if filter.Limit, err = intParam(query.Get("limit"), DefaultListLimit); err != nil {
		return Filter{}, errors.New("limit must be a positive integer")
	}
	if filter.Offset, err = intParam(query.Get("offset"), 0); err != nil {
		return Filter{}, errors.New("offset must be a non-negative integer")
	}

	return filter, nil
}

func intParam(value string, fallback int) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0, errors.New("invalid integer")
	}
	return parsed, nil
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
