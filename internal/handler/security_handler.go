package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"security-engine/internal/authn"
	"security-engine/internal/engine"
	"security-engine/internal/model"
	"security-engine/internal/session"
	"security-engine/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// SecurityHandler exposes the engine over HTTP.
type SecurityHandler struct {
	engine *engine.SecurityEngine
	logger *zap.Logger
}

func NewSecurityHandler(eng *engine.SecurityEngine, logger *zap.Logger) *SecurityHandler {
	return &SecurityHandler{
		engine: eng,
		logger: logger,
	}
}

// Response is the standard API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// RegisterRoutes mounts all security endpoints.
func (h *SecurityHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.Login)
		r.Post("/refresh", h.Refresh)
		r.Post("/logout", h.Logout)
		r.Post("/password", h.ChangePassword)
		r.Post("/mfa/enroll", h.EnrollMFA)
		r.Delete("/mfa", h.DisableMFA)
	})

	router.Post("/access/check", h.CheckAccess)

	router.Route("/users", func(r chi.Router) {
		r.Post("/", h.CreateUser)
		r.Get("/{userID}", h.GetUser)
		r.Delete("/{userID}", h.DeleteUser)
	})

	router.Route("/threats", func(r chi.Router) {
		r.Get("/", h.ListThreats)
		r.Post("/{threatID}/resolve", h.ResolveThreat)
	})

	router.Get("/audit", h.ListAuditLogs)
	router.Get("/events", h.ListSecurityEvents)
	router.Get("/posture", h.SecurityMetrics)
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
	MFACode    string `json:"mfa_code,omitempty"`
}

func (h *SecurityHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	sess, err := h.engine.Authenticate(ctx, authn.Credentials{
		Identifier: req.Identifier,
		Credential: req.Password,
		MFACode:    req.MFACode,
		IPAddress:  clientIP(r),
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Authentication failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(sess, "Authenticated"))
	h.logger.Info("Login via HTTP",
		util.String("user_id", sess.UserID),
		util.Duration("duration", time.Since(startTime)),
	)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *SecurityHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	sess, err := h.engine.RefreshToken(r.Context(), req.RefreshToken)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Token refresh failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(sess, "Token refreshed"))
}

func (h *SecurityHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("missing bearer token"), "Authorization header required")
		return
	}

	h.engine.Logout(token)
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out"))
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *SecurityHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authenticated(w, r)
	if !ok {
		return
	}

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.engine.ChangePassword(r.Context(), sess.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Password change failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Password changed; all sessions revoked"))
}

func (h *SecurityHandler) EnrollMFA(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authenticated(w, r)
	if !ok {
		return
	}

	url, err := h.engine.EnrollMFA(r.Context(), sess.UserID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "MFA enrollment failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{"provisioning_url": url}, "MFA enrolled"))
}

func (h *SecurityHandler) DisableMFA(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authenticated(w, r)
	if !ok {
		return
	}

	if err := h.engine.DisableMFA(r.Context(), sess.UserID); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "MFA disable failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "MFA disabled"))
}

type accessCheckRequest struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

func (h *SecurityHandler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("missing bearer token"), "Authorization header required")
		return
	}

	var req accessCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	allowed := h.engine.CheckAccess(r.Context(), token, req.Resource, req.Action)
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{"allowed": allowed}, ""))
}

type createUserRequest struct {
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Password string   `json:"password"`
	RoleIDs  []string `json:"role_ids,omitempty"`
}

func (h *SecurityHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("username and password are required"), "Missing fields")
		return
	}

	user, err := h.engine.CreateUser(r.Context(), req.Username, req.Email, req.Password, req.RoleIDs)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to create user")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(user, "User created"))
}

func (h *SecurityHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	user, err := h.engine.GetUser(r.Context(), userID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get user")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(user, ""))
}

func (h *SecurityHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	if err := h.engine.DeleteUser(r.Context(), userID); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to delete user")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "User deleted"))
}

func (h *SecurityHandler) ListThreats(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, successResponse(h.engine.GetActiveThreats(), ""))
}

type resolveThreatRequest struct {
	Status model.ThreatStatus `json:"status"`
}

func (h *SecurityHandler) ResolveThreat(w http.ResponseWriter, r *http.Request) {
	threatID := chi.URLParam(r, "threatID")

	var req resolveThreatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	switch req.Status {
	case model.ThreatStatusInvestigating, model.ThreatStatusResolved, model.ThreatStatusFalsePositive:
	default:
		h.respondWithError(w, http.StatusBadRequest, errors.New("invalid threat status"), "Unknown status")
		return
	}

	if !h.engine.ResolveThreat(threatID, req.Status) {
		h.respondWithError(w, http.StatusNotFound, errors.New("threat not found or already resolved"), "Resolution failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Threat updated"))
}

func (h *SecurityHandler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, successResponse(h.engine.GetAuditLogs(queryLimit(r)), ""))
}

func (h *SecurityHandler) ListSecurityEvents(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, successResponse(h.engine.GetSecurityEvents(queryLimit(r)), ""))
}

func (h *SecurityHandler) SecurityMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.engine.GetSecurityMetrics(r.Context())
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to derive metrics")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(metrics, ""))
}

// authenticated resolves the bearer token to a live session or writes a 401.
func (h *SecurityHandler) authenticated(w http.ResponseWriter, r *http.Request) (*model.Session, bool) {
	token := bearerToken(r)
	if token == "" {
		h.respondWithError(w, http.StatusUnauthorized, errors.New("missing bearer token"), "Authorization header required")
		return nil, false
	}

	sess, err := h.engine.ValidateSession(token)
	if err != nil {
		h.respondWithError(w, http.StatusUnauthorized, err, "Invalid or expired session")
		return nil, false
	}
	return sess, true
}

func (h *SecurityHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, authn.ErrInvalidCredentials), errors.Is(err, authn.ErrInvalidMFA):
		return http.StatusUnauthorized
	case errors.Is(err, authn.ErrMFARequired):
		return http.StatusUnauthorized
	case errors.Is(err, authn.ErrAccountLocked):
		return http.StatusLocked
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrWeakPassword):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *SecurityHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *SecurityHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err), zap.Int("status", statusCode))
	}
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func clientIP(r *http.Request) string {
	// middleware.RealIP has already rewritten RemoteAddr from the
	// forwarding headers when present.
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return host
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 100
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 100
	}
	return n
}
