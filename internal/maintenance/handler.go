// Package maintenance exposes the cron-triggered cleanup endpoint.
package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"vidashield/internal/observability"
)

type AuditPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// Sweeper drops expired entries from an in-process store and reports how
// many it removed.
type Sweeper interface {
	Sweep(now time.Time) int
}

type Result struct {
	DeletedAuthLogs int64          `json:"deleted_auth_logs"`
	Swept           map[string]int `json:"swept"`
}

type CleanupHandler struct {
	audit             AuditPruner
	sweepers          map[string]Sweeper
	logger            *observability.Logger
	cronSecret        string
	auditLogRetention time.Duration
	batchSize         int
	now               func() time.Time
}

func NewCleanupHandler(
	audit AuditPruner,
	sweepers map[string]Sweeper,
	logger *observability.Logger,
	cronSecret string,
	auditLogRetention time.Duration,
	batchSize int,
) *CleanupHandler {
	if auditLogRetention <= 0 {
		auditLogRetention = 30 * 24 * time.Hour
	}
	if batchSize <= 0 {
		batchSize = 500
	}

	return &CleanupHandler{
		audit:             audit,
		sweepers:          sweepers,
		logger:            logger,
		cronSecret:        strings.TrimSpace(cronSecret),
		auditLogRetention: auditLogRetention,
		batchSize:         batchSize,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	parts := strings.SplitN(strings.TrimSpace(r.Header.Get("Authorization")), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") ||
		subtle.ConstantTimeCompare([]byte(strings.TrimSpace(parts[1])), []byte(h.cronSecret)) != 1 {
		h.logger.Warn("maintenance_unauthorized", map[string]any{"ip": observability.ClientIP(r)})
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.Run(r.Context())
	if err != nil {
		fields := map[string]any{"error": err.Error()}
		h.logger.Error("maintenance_cleanup_failed", fields)
		observability.CaptureError(err, fields)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

// Run sweeps every in-process store and prunes audit rows older than the
// retention period.
func (h *CleanupHandler) Run(ctx context.Context) (Result, error) {
	now := h.now()
	result := Result{Swept: make(map[string]int, len(h.sweepers))}

	for name, sweeper := range h.sweepers {
		result.Swept[name] = sweeper.Sweep(now)
	}

	if h.audit != nil {
		deleted, err := h.audit.DeleteOlderThan(ctx, now.Add(-h.auditLogRetention), h.batchSize)
		if err != nil {
			return Result{}, err
		}
		result.DeletedAuthLogs = deleted
	}

	h.logger.Info("maintenance_cleanup_completed", map[string]any{
		"deleted_auth_logs": result.DeletedAuthLogs,
		"swept":             result.Swept,
	})

	return result, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
