package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"creatorhub/internal/authz"
	"creatorhub/internal/usertoken"
	"creatorhub/internal/util"
	"creatorhub/services/ledger/internal/app"
)

const (
	maxJSONBytes = 1 << 20

	msgUnliked = "Like retiré."
	msgLiked   = "Post aimé."
)

// TokenVerifier validates bearer tokens. *usertoken.Verifier implements it.
type TokenVerifier interface {
	VerifyIdentity(ctx context.Context, token string) (usertoken.Identity, error)
	Revoke(ctx context.Context, identity usertoken.Identity) error
}

// RateLimiter is satisfied by *ratelimit.FixedWindowLimiter.
type RateLimiter interface {
	Allow(ctx context.Context, key string) bool
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  TokenVerifier
	Limiter        RateLimiter
	TrustedProxies *util.TrustedProxies
	MaxAvatarBytes int64
}

// Server exposes the interaction ledger over HTTP.
type Server struct {
	app            *app.App
	tokenVerifier  TokenVerifier
	limiter        RateLimiter
	trustedProxies *util.TrustedProxies
	maxAvatarBytes int64
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	maxAvatar := cfg.MaxAvatarBytes
	if maxAvatar <= 0 {
		maxAvatar = 5 << 20
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		limiter:        cfg.Limiter,
		trustedProxies: cfg.TrustedProxies,
		maxAvatarBytes: maxAvatar,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("ledger", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/api/posts/like", s.limited("like", s.handleLike))
	s.mux.Handle("/api/comments", s.limited("comments", s.handleComments))
	s.mux.Handle("/api/notifications/mark-read", s.limited("notifications", s.handleMarkRead))
	s.mux.Handle("/api/cart/add", s.limited("cart", s.handleCartAdd))
	s.mux.Handle("/api/cart/update", s.limited("cart", s.handleCartUpdate))
	s.mux.Handle("/api/cart/remove", s.limited("cart", s.handleCartRemove))
	s.mux.Handle("/api/messages", s.limited("messages", s.handleSendMessage))

	// bearer token required
	s.mux.Handle("/api/settings", s.authenticated("ledger.settings", s.handleSettings))
	s.mux.Handle("/api/users/avatar", s.authenticated("ledger.avatar", s.handleAvatar))
	s.mux.Handle("/api/auth/logout", s.authenticated("ledger.logout", s.handleLogout))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type likeRequest struct {
	PostID string `json:"postId"`
	UserID string `json:"userId"`
}

func (s *Server) handleLike(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req likeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	liked, err := s.app.ToggleLike(r.Context(), req.PostID, req.UserID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	msg := msgUnliked
	if liked {
		msg = msgLiked
	}
	writeSuccess(w, http.StatusOK, map[string]any{"message": msg})
}

type commentRequest struct {
	PostID   string `json:"postId"`
	AuthorID string `json:"authorId"`
	Content  string `json:"content"`
}

func (s *Server) handleComments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req commentRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		comment, err := s.app.AppendComment(r.Context(), app.CommentInput{
			PostID:   req.PostID,
			AuthorID: req.AuthorID,
			Content:  req.Content,
		})
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeSuccess(w, http.StatusOK, map[string]any{"commentId": comment.ID})
	case http.MethodGet:
		comments, err := s.app.ListComments(r.Context(), r.URL.Query().Get("postId"))
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeSuccess(w, http.StatusOK, map[string]any{"comments": comments})
	default:
		methodNotAllowed(w)
	}
}

type markReadRequest struct {
	UserID          string   `json:"userId"`
	NotificationIDs []string `json:"notificationIds"`
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req markReadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.app.MarkNotificationsRead(r.Context(), req.UserID, req.NotificationIDs); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}

type cartRequest struct {
	UserID    string `json:"userId"`
	ProductID string `json:"productId"`
	Quantity  *int   `json:"quantity"`
}

func (s *Server) handleCartAdd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req cartRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Quantity == nil {
		writeError(w, http.StatusBadRequest, "quantity required")
		return
	}
	if _, err := s.app.AddToCart(r.Context(), req.UserID, req.ProductID, *req.Quantity); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}

func (s *Server) handleCartUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req cartRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Quantity == nil {
		writeError(w, http.StatusBadRequest, "quantity required")
		return
	}
	if err := s.app.UpdateCartItem(r.Context(), req.UserID, req.ProductID, *req.Quantity); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}

func (s *Server) handleCartRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	var req cartRequest
	q := r.URL.Query()
	if r.Method == http.MethodDelete && (r.Body == nil || r.Body == http.NoBody || q.Has("userId")) {
		req.UserID = q.Get("userId")
		req.ProductID = q.Get("productId")
	} else if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.app.RemoveFromCart(r.Context(), req.UserID, req.ProductID); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}

type messageRequest struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Message    string `json:"message"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req messageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	msg, err := s.app.SendMessage(r.Context(), req.SenderID, req.ReceiverID, req.Message)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"messageId": msg.ID})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	switch r.Method {
	case http.MethodGet:
		settings, err := s.app.GetSettings(r.Context(), id.Role)
		if err != nil {
			s.auditDenied(r, "ledger.settings.read", id, err)
			writeAppError(w, r, err)
			return
		}
		writeSuccess(w, http.StatusOK, map[string]any{"settings": settings.Values})
	case http.MethodPut:
		var values map[string]any
		if !decodeJSON(w, r, &values) {
			return
		}
		settings, err := s.app.UpdateSettings(r.Context(), id.UserID, id.Role, values)
		if err != nil {
			s.auditDenied(r, "ledger.settings.update", id, err)
			writeAppError(w, r, err)
			return
		}
		s.audit(r, "ledger.settings.update", "success", "user_id", id.UserID, "role", string(id.Role))
		writeSuccess(w, http.StatusOK, map[string]any{"settings": settings.Values})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleAvatar(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxAvatarBytes+(1<<20))
	if err := r.ParseMultipartForm(s.maxAvatarBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "avatar too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	url, err := s.app.UploadAvatar(r.Context(), app.AvatarUpload{
		UserID:      id.UserID,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"profileImage": url})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !authz.Allow(id.Role, authz.ActionRevokeSession) {
		s.audit(r, "ledger.logout", "fail", "user_id", id.UserID, "reason", "forbidden")
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := s.tokenVerifier.Revoke(r.Context(), id); err != nil {
		s.audit(r, "ledger.logout", "fail", "user_id", id.UserID, "reason", err.Error())
		if errors.Is(err, usertoken.ErrTokenNotRevocable) {
			writeError(w, http.StatusBadRequest, "token cannot be revoked")
			return
		}
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	s.audit(r, "ledger.logout", "success", "user_id", id.UserID)
	writeSuccess(w, http.StatusOK, nil)
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, usertoken.Identity)

func (s *Server) authenticated(event string, next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenVerifier == nil {
			s.audit(r, event, "fail", "reason", "verifier_not_configured")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, event, "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		id, err := s.tokenVerifier.VerifyIdentity(r.Context(), token)
		if err != nil {
			reason := "invalid_signature_or_claims"
			if errors.Is(err, usertoken.ErrTokenRevoked) {
				reason = "revoked"
			}
			s.audit(r, event, "fail", "reason", reason)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		s.audit(r, event, "success", "user_id", id.UserID, "role", string(id.Role))
		next(w, r, id)
	})
}

func (s *Server) limited(name string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && r.Method != http.MethodGet && r.Method != http.MethodOptions {
			key := name + "|" + util.ClientIP(r, s.trustedProxies)
			if !s.limiter.Allow(r.Context(), key) {
				s.audit(r, "ledger.ratelimit", "rate_limited", "bucket", name)
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
		}
		next(w, r)
	})
}

func (s *Server) auditDenied(r *http.Request, event string, id usertoken.Identity, err error) {
	if errors.Is(err, app.ErrForbidden) {
		s.audit(r, event, "fail", "user_id", id.UserID, "role", string(id.Role), "reason", "forbidden")
	}
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func bearerToken(r *http.Request) (string, bool) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, status int, fields map[string]any) {
	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["status"] = "success"
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": msg})
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	}
	writeError(w, status, app.Message(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrInvalidInput), errors.Is(err, app.ErrLimitExceeded):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, app.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, app.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, app.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, app.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
