package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"findkin/internal/app"
	"findkin/internal/metrics"
	"findkin/internal/notify"
	"findkin/internal/ratelimit"
	"findkin/internal/usertoken"
	"findkin/internal/util"
	"findkin/pkg/domain"
	"findkin/pkg/storage"
)

const presignExpiry = 15 * time.Minute

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	Notifier      *notify.Service
	Hub           *notify.Hub
	TokenVerifier *usertoken.Verifier
	Objects       storage.ObjectStore
	Metrics       *metrics.Metrics

	RedisAddr              string
	RedisPassword          string
	RequestRateLimitPerMin int
	TrustedProxies         *util.TrustedProxies
	MaxUploadBytes         int64
	AllowedImageExtensions []string
	NotificationPageSize   int
	SessionBuffer          int
}

// Server exposes the HTTP endpoints.
type Server struct {
	app           *app.App
	notifier      *notify.Service
	hub           *notify.Hub
	tokenVerifier *usertoken.Verifier
	objects       storage.ObjectStore
	metrics       *metrics.Metrics
	mux           *http.ServeMux

	requestLimiter    *ratelimit.FixedWindowLimiter
	trustedProxies    *util.TrustedProxies
	maxUploadBytes    int64
	allowedExtensions map[string]struct{}
	pageSize          int
	sessionBuffer     int
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	limit := cfg.RequestRateLimitPerMin
	if limit <= 0 {
		limit = 60
	}
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(
		cfg.RedisAddr, cfg.RedisPassword, "findkin:ratelimit:api", limit, time.Minute)
	if err != nil {
		return nil, fmt.Errorf("init request limiter: %w", err)
	}
	pageSize := cfg.NotificationPageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	s := &Server{
		app:               cfg.App,
		notifier:          cfg.Notifier,
		hub:               cfg.Hub,
		tokenVerifier:     cfg.TokenVerifier,
		objects:           cfg.Objects,
		metrics:           cfg.Metrics,
		mux:               http.NewServeMux(),
		requestLimiter:    limiter,
		trustedProxies:    cfg.TrustedProxies,
		maxUploadBytes:    normalizeMaxBytes(cfg.MaxUploadBytes),
		allowedExtensions: normalizeExtensions(cfg.AllowedImageExtensions),
		pageSize:          pageSize,
		sessionBuffer:     cfg.SessionBuffer,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with middleware applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("api", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}

	s.mux.Handle("/api/cases", s.authenticatedOptional(s.handleCases))
	s.mux.Handle("/api/cases/", s.authenticated(s.handleCaseByID))
	s.mux.Handle("/api/find-matches", s.authenticatedOptional(s.handleFindMatches))

	s.mux.Handle("/api/notifications", s.authenticated(s.handleNotifications))
	s.mux.Handle("/api/notifications/read", s.authenticated(s.handleNotificationsRead))
	s.mux.Handle("/api/notifications/read-all", s.authenticated(s.handleNotificationsReadAll))
	s.mux.Handle("/api/notifications/stream", s.authenticatedStream(s.handleNotificationStream))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type actorHandler func(http.ResponseWriter, *http.Request, app.Actor)

func (s *Server) authenticated(next actorHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := s.authorize(r, false)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !s.allowRate(w, r, actor.ID) {
			return
		}
		next(w, r, actor)
	})
}

// authenticatedOptional lets anonymous callers through as a guest actor. A
// token, when present, must still verify. Guests are rate limited by client
// address.
func (s *Server) authenticatedOptional(next actorHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := app.Actor{Role: domain.RoleGeneral}
		if _, ok := bearerToken(r); ok {
			verified, ok := s.authorize(r, false)
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			actor = verified
		}
		if !s.allowRate(w, r, actor.ID) {
			return
		}
		next(w, r, actor)
	})
}

// authenticatedStream accepts the token from the query string as well, since
// browser websocket clients cannot set headers. The stream endpoint is not
// run through the request limiter; the hub enforces its own capacity.
func (s *Server) authenticatedStream(next actorHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := s.authorize(r, true)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, actor)
	})
}

func (s *Server) authorize(r *http.Request, allowQueryToken bool) (app.Actor, bool) {
	token, ok := bearerToken(r)
	if !ok && allowQueryToken {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
		ok = token != ""
	}
	if !ok || s.tokenVerifier == nil {
		return app.Actor{}, false
	}
	verified, err := s.tokenVerifier.VerifyActor(token)
	if err != nil {
		return app.Actor{}, false
	}
	return app.Actor{ID: verified.ID, Name: verified.Name, Role: verified.Role}, true
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, subject string) bool {
	key := subject
	if key == "" {
		key = util.ClientIP(r, s.trustedProxies)
	}
	allowed, retryAfter := s.requestLimiter.Allow(key)
	if allowed {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(retryAfter)))
	writeError(w, http.StatusTooManyRequests, "too many requests")
	return false
}

// case endpoints

func (s *Server) handleCases(w http.ResponseWriter, r *http.Request, actor app.Actor) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	req, err := s.parseRegisterForm(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caseID, err := s.app.Register(r.Context(), actor, req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": caseID})
}

func (s *Server) handleCaseByID(w http.ResponseWriter, r *http.Request, actor app.Actor) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/cases/")
	caseID, action, _ := strings.Cut(rest, "/")
	if caseID == "" {
		writeError(w, http.StatusNotFound, "case not found")
		return
	}
	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleCaseGet(w, r, actor, caseID)
	case "status":
		if r.Method != http.MethodPut {
			methodNotAllowed(w)
			return
		}
		s.handleCaseClose(w, r, actor, caseID)
	case "flag":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleCaseFlag(w, r, actor, caseID)
	case "assign":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleCaseAssign(w, r, actor, caseID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

type caseResponse struct {
	domain.Case
	ImageURLs []string `json:"imageUrls,omitempty"`
}

func (s *Server) handleCaseGet(w http.ResponseWriter, r *http.Request, actor app.Actor, caseID string) {
	c, err := s.app.CaseByID(caseID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	// Hidden cases stay readable for their owner only.
	if !c.Visible && c.OwnerID != actor.ID {
		writeError(w, http.StatusNotFound, "case not found")
		return
	}
	resp := caseResponse{Case: c}
	if s.objects != nil {
		for i := 0; i < 2; i++ {
			url, err := s.objects.PresignGet(r.Context(), storage.ImageKey(c.Jurisdiction, c.ID, i), presignExpiry)
			if err != nil {
				continue
			}
			resp.ImageURLs = append(resp.ImageURLs, url)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type closeRequest struct {
	Status   string `json:"status,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Reunited bool   `json:"reunited"`
}

func (s *Server) handleCaseClose(w http.ResponseWriter, r *http.Request, actor app.Actor, caseID string) {
	var req closeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	// The only status transition this endpoint performs is closure.
	if req.Status != "" && req.Status != string(domain.StatusClosed) {
		writeError(w, http.StatusBadRequest, "status must be closed")
		return
	}
	if err := s.app.Close(r.Context(), actor, caseID, req.Reason, req.Reunited); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.StatusClosed)})
}

type flagRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCaseFlag(w http.ResponseWriter, r *http.Request, actor app.Actor, caseID string) {
	var req flagRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.app.Flag(r.Context(), actor, caseID, domain.FlagReason(req.Reason)); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignRequest struct {
	TargetID string `json:"targetId"`
}

func (s *Server) handleCaseAssign(w http.ResponseWriter, r *http.Request, actor app.Actor, caseID string) {
	var req assignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.TargetID) == "" {
		writeError(w, http.StatusBadRequest, "targetId is required")
		return
	}
	if err := s.app.Assign(r.Context(), actor, caseID, req.TargetID); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type findMatchesRequest struct {
	CaseID string `json:"caseId"`
}

func (s *Server) handleFindMatches(w http.ResponseWriter, r *http.Request, _ app.Actor) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req findMatchesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.CaseID) == "" {
		writeError(w, http.StatusBadRequest, "caseId is required")
		return
	}
	matches, err := s.app.FindMatches(r.Context(), req.CaseID)
	if err != nil {
		var rerr *app.RateLimitError
		if errors.As(err, &rerr) && s.metrics != nil {
			s.metrics.SearchRejected.Inc()
		}
		writeAppError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.Searches.Inc()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"matches": matches,
		"count":   len(matches),
	})
}

// notification endpoints

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request, actor app.Actor) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	offset := parseIntParam(r, "offset", 0)
	limit := parseIntParam(r, "limit", s.pageSize)
	page, err := s.notifier.Page(actor.ID, offset, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type readRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleNotificationsRead(w http.ResponseWriter, r *http.Request, actor app.Actor) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req readRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}
	receipt, err := s.notifier.MarkRead(actor.ID, req.IDs, false)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleNotificationsReadAll(w http.ResponseWriter, r *http.Request, actor app.Actor) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	receipt, err := s.notifier.MarkRead(actor.ID, nil, true)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// form parsing

func (s *Server) parseRegisterForm(r *http.Request) (app.RegisterRequest, error) {
	var req app.RegisterRequest
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		return req, errors.New("invalid multipart form")
	}
	req.Jurisdiction = strings.TrimSpace(r.FormValue("jurisdiction"))
	req.ReferenceNo = strings.TrimSpace(r.FormValue("referenceNo"))
	req.PersonName = strings.TrimSpace(r.FormValue("personName"))
	req.Gender = domain.Gender(strings.ToLower(strings.TrimSpace(r.FormValue("gender"))))
	req.Location = strings.TrimSpace(r.FormValue("location"))
	req.Status = domain.CaseStatus(strings.ToLower(strings.TrimSpace(r.FormValue("status"))))
	if v := r.FormValue("age"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, errors.New("age must be an integer")
		}
		req.Age = n
	}
	if v := r.FormValue("dateTs"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return req, errors.New("dateTs must be a unix timestamp")
		}
		req.DateTs = n
	}
	if v := r.FormValue("skipVerification"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return req, errors.New("skipVerification must be a boolean")
		}
		req.SkipVerification = b
	}
	files := r.MultipartForm.File["images"]
	if len(files) != 2 {
		return req, errors.New("exactly two images are required")
	}
	for _, header := range files {
		if !s.isExtensionAllowed(header.Filename) {
			return req, errors.New("unsupported image type")
		}
		data, err := readFormFile(header, s.maxUploadBytes)
		if err != nil {
			return req, err
		}
		req.Images = append(req.Images, data)
	}
	return req, nil
}

func (s *Server) isExtensionAllowed(filename string) bool {
	if len(s.allowedExtensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(filename))
	_, ok := s.allowedExtensions[ext]
	return ok
}

func normalizeExtensions(exts []string) map[string]struct{} {
	if len(exts) == 0 {
		exts = []string{".jpg", ".jpeg", ".png", ".webp"}
	}
	out := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[ext] = struct{}{}
	}
	return out
}

func readFormFile(header *multipart.FileHeader, maxBytes int64) ([]byte, error) {
	file, err := header.Open()
	if err != nil {
		return nil, errors.New("unreadable image upload")
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		return nil, errors.New("unreadable image upload")
	}
	if int64(len(data)) > maxBytes {
		return nil, errors.New("image exceeds upload limit")
	}
	return data, nil
}

// helpers

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
}

func parseIntParam(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func retrySeconds(d time.Duration) int {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps the application error taxonomy onto HTTP statuses.
func writeAppError(w http.ResponseWriter, err error) {
	var verr *app.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, verr.Msg)
		return
	}
	var aerr *app.AuthorizationError
	if errors.As(err, &aerr) {
		writeError(w, http.StatusForbidden, aerr.Error())
		return
	}
	var nerr *app.NotFoundError
	if errors.As(err, &nerr) {
		writeError(w, http.StatusNotFound, nerr.Error())
		return
	}
	var cerr *app.ConflictError
	if errors.As(err, &cerr) {
		writeError(w, http.StatusConflict, cerr.Msg)
		return
	}
	var rerr *app.RateLimitError
	if errors.As(err, &rerr) {
		w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(rerr.RetryAfter)))
		writeError(w, http.StatusTooManyRequests, rerr.Error())
		return
	}
	var serr *app.ExternalServiceError
	if errors.As(err, &serr) {
		writeError(w, http.StatusBadGateway, serr.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 10 * 1024 * 1024
	}
	return value
}
