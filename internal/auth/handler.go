package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"vidashield/internal/observability"
)

var emailRegex = regexp.MustCompile(`^[^@\s]{1,64}@[^@\s]{1,255}$`)

const maxJSONBodyBytes = 1 << 20

// bcrypt ignores input past 72 bytes.
const (
	minPasswordLength = 8
	maxPasswordBytes  = 72
	maxNameLength     = 100
)

type Handler struct {
	service *Service
	logger  *observability.Logger
}

func NewHandler(service *Service, logger *observability.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body loginRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	body.Email = strings.TrimSpace(body.Email)
	if !emailRegex.MatchString(body.Email) {
		writeError(w, http.StatusBadRequest, "email format is invalid")
		return
	}
	if body.Password == "" || len(body.Password) > 200 {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	ip := observability.ClientIP(r)
	result, err := h.service.Login(r.Context(), body.Email, body.Password, ip, r.UserAgent())
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		var lockedErr LockedError
		if errors.As(err, &lockedErr) {
			retryAfter := int(time.Until(lockedErr.Until).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "account temporarily locked")
			return
		}

		fields := map[string]any{"ip": ip, "error": err.Error()}
		h.logger.Error("login_failed", fields)
		observability.CaptureError(err, fields)
		writeError(w, http.StatusInternalServerError, "failed to login")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body registerRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	body.Email = strings.TrimSpace(body.Email)
	if !emailRegex.MatchString(body.Email) {
		writeError(w, http.StatusBadRequest, "email format is invalid")
		return
	}
	if utf8.RuneCountInString(body.Password) < minPasswordLength || len(body.Password) > maxPasswordBytes {
		writeError(w, http.StatusBadRequest, "password must be 8 to 72 bytes long")
		return
	}
	if utf8.RuneCountInString(strings.TrimSpace(body.Name)) > maxNameLength {
		writeError(w, http.StatusBadRequest, "name is too long")
		return
	}

	account, err := h.service.Register(r.Context(), body.Email, body.Password, body.Name)
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			writeError(w, http.StatusBadRequest, "registration failed")
			return
		}

		fields := map[string]any{"ip": observability.ClientIP(r), "error": err.Error()}
		h.logger.Error("register_failed", fields)
		observability.CaptureError(err, fields)
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}

	writeJSON(w, http.StatusCreated, account)
}

// Me returns the caller's own account. It expects Middleware in front.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	accountID, ok := AccountIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	account, err := h.service.Profile(r.Context(), accountID)
	if err != nil {
		switch {
		case errors.Is(err, ErrAccountNotFound):
			writeError(w, http.StatusUnauthorized, "account not found")
		case errors.Is(err, ErrAccountLocked):
			writeError(w, http.StatusForbidden, "account is not active")
		default:
			fields := map[string]any{"account_id": accountID, "error": err.Error()}
			h.logger.Error("profile_lookup_failed", fields)
			observability.CaptureError(err, fields)
			writeError(w, http.StatusInternalServerError, "failed to load account")
		}
		return
	}

	writeJSON(w, http.StatusOK, account)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
