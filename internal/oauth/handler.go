package oauth

import (
	"encoding/json"
	"net/http"

	"vidashield/internal/observability"
)

type Handler struct {
	coordinator *Coordinator
	logger      *observability.Logger
}

func NewHandler(coordinator *Coordinator, logger *observability.Logger) *Handler {
	return &Handler{coordinator: coordinator, logger: logger}
}

// Start serves GET /oauth/{provider}.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	if !h.coordinator.HasProvider(provider) {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}

	target, flow, err := h.coordinator.Initiate(r.Context(), provider, observability.ClientIP(r), r.UserAgent())
	if err != nil {
		fields := map[string]any{"provider": provider, "step": string(flow.Current()), "error": err.Error()}
		h.logger.Error("oauth_initiate_failed", fields)
		observability.CaptureError(err, fields)
		writeError(w, http.StatusInternalServerError, "could not start login")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, target, http.StatusFound)
}

// Callback serves GET /oauth/{provider}/callback and always redirects to the
// frontend.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	if !h.coordinator.HasProvider(provider) {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}

	query := r.URL.Query()
	_, target := h.coordinator.Callback(r.Context(), provider, CallbackParams{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
		IP:               observability.ClientIP(r),
		UserAgent:        r.UserAgent(),
	})

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, target, http.StatusFound)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
