package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"regpay/backend/internal/auth"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"
)

// adminAuthRequest represents admin auth request.
type adminAuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthAdmin authenticates admin.
func (h *Handler) AuthAdmin(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	var req adminAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("auth_admin", "status", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	username := strings.TrimSpace(req.Username)
	password := req.Password
	if username == "" || password == "" {
		logger.Warn("auth_admin", "status", "invalid_credentials")
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}
	if h.cfg.Admin.Login == "" || (h.cfg.Admin.Password == "" && h.cfg.Admin.PassHash == "") || h.cfg.Admin.JWTSecret == "" {
		logger.Warn("auth_admin", "status", "disabled")
		writeError(w, http.StatusUnauthorized, "admin login disabled")
		return
	}
	if username != h.cfg.Admin.Login {
		logger.Warn("auth_admin", "status", "invalid_credentials")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if h.cfg.Admin.PassHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(h.cfg.Admin.PassHash), []byte(password)); err != nil {
			logger.Warn("auth_admin", "status", "invalid_credentials")
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
	} else if password != h.cfg.Admin.Password {
		logger.Warn("auth_admin", "status", "invalid_credentials")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := auth.SignAdminToken(h.cfg.Admin.JWTSecret, username)
	if err != nil {
		logger.Error("auth_admin", "status", "sign_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "token error")
		return
	}
	logger.Info("auth_admin", "status", "ok", "admin", username)
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// AdminGetRegistration returns the stored record for a registration id,
// for support enquiries about a charge or a missing receipt.
func (h *Handler) AdminGetRegistration(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	regID := strings.TrimSpace(chi.URLParam(r, "regID"))
	if regID == "" {
		writeError(w, http.StatusBadRequest, "invalid registration id")
		return
	}

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()
	record, err := h.store.GetRegistration(ctx, regID)
	if err != nil {
		logger.Error("admin_get_registration", "status", "db_error", "reg_id", regID, "error", err)
		writeError(w, http.StatusInternalServerError, "db error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"regId":  regID,
		"record": record,
		"empty":  record.IsZero(),
	})
}
