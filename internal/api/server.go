package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"studybuddy/internal/hub"
	"studybuddy/pkg/interfaces"
	"studybuddy/pkg/types"
)

// maxListLimit caps the limit query parameter of list endpoints.
const maxListLimit = 100

// Directory is the Buddy Directory surface used by the HTTP layer.
type Directory interface {
	Find(ctx context.Context, requesterID, level string, limit int, busy []string) ([]*types.LearnerProfile, error)
	Upsert(ctx context.Context, p *types.LearnerProfile) error
	SetPresence(ctx context.Context, learnerID string, online bool) error
}

// SessionHistory lists past and current sessions of a learner.
type SessionHistory interface {
	ListSessions(ctx context.Context, learnerID string, limit int) ([]*types.MatchedSession, error)
}

// HealthChecker reports store health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ConnectionCounter reports live websocket connections.
type ConnectionCounter interface {
	Count() int
}

// EventStats reports push delivery counters.
type EventStats interface {
	Stats() hub.Stats
}

// Config controls the HTTP surface.
type Config struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	HistoryLimit   int
}

// Deps are the components the server fronts. WebSocket, Connections and
// Events may be nil.
type Deps struct {
	Matcher     interfaces.MatchService
	Directory   Directory
	History     SessionHistory
	Health      HealthChecker
	WebSocket   http.Handler
	Connections ConnectionCounter
	Events      EventStats
	Limiter     *RateLimiter
	Logger      *slog.Logger
}

// Server translates HTTP calls into matcher and directory operations. It
// holds no matching logic of its own.
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	startedAt time.Time
	handler   http.Handler
}

// NewServer builds the router and wraps it in CORS handling.
func NewServer(config Config, deps Deps) *Server {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 20
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"*"}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:    config,
		deps:      deps,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
	s.handler = cors.New(cors.Options{
		AllowedOrigins: config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         86400,
	}).Handler(s.routes())
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	// Registered ahead of the JSON subrouter; the upgrade writes its own headers.
	if s.deps.WebSocket != nil {
		r.Handle("/study-buddy/ws", s.deps.WebSocket).Methods(http.MethodGet)
	}

	buddy := r.PathPrefix("/study-buddy").Subrouter()
	buddy.Use(s.jsonMiddleware, s.timeoutMiddleware)
	buddy.HandleFunc("/match", s.handleMatch).Methods(http.MethodPost)
	buddy.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	buddy.HandleFunc("/cancel", s.handleCancel).Methods(http.MethodPost)
	buddy.HandleFunc("/end", s.handleEnd).Methods(http.MethodPost)
	buddy.HandleFunc("/find", s.handleFind).Methods(http.MethodGet)
	buddy.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)

	learners := r.PathPrefix("/learners").Subrouter()
	learners.Use(s.jsonMiddleware, s.timeoutMiddleware)
	learners.HandleFunc("/{id}", s.handleUpsertLearner).Methods(http.MethodPut)
	learners.HandleFunc("/{id}/presence", s.handlePresence).Methods(http.MethodPost)

	r.Handle("/health", s.jsonMiddleware(http.HandlerFunc(s.healthCheck))).Methods(http.MethodGet)

	notFound := s.jsonMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, http.StatusNotFound, "Route not found")
	}))
	notAllowed := s.jsonMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}))
	// Subrouters do not inherit these from the root.
	for _, router := range []*mux.Router{r, buddy, learners} {
		router.NotFoundHandler = notFound
		router.MethodNotAllowedHandler = notAllowed
	}
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Request/Response types for JSON serialization
type MatchRequest struct {
	UserID string `json:"user_id" validate:"required,userid"`
	Topic  string `json:"topic"`
	Level  string `json:"level" validate:"omitempty,level"`
}

type UserRequest struct {
	UserID string `json:"user_id" validate:"required,userid"`
}

type ProfileRequest struct {
	DisplayName string `json:"display_name" validate:"max=100"`
	Level       string `json:"level" validate:"omitempty,level"`
	Online      bool   `json:"online"`
	Streak      int    `json:"streak" validate:"gte=0"`
	XP          int    `json:"xp" validate:"gte=0"`
}

type PresenceRequest struct {
	Online *bool `json:"online" validate:"required"`
}

type findQuery struct {
	UserID string `json:"user_id" validate:"required,userid"`
	Level  string `json:"level" validate:"omitempty,level"`
	Limit  int    `json:"limit" validate:"gte=0"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type FindResponse struct {
	Learners []*types.LearnerProfile `json:"learners"`
}

type SessionsResponse struct {
	Sessions []*types.MatchedSession `json:"sessions"`
}

type HealthResponse struct {
	Status      string      `json:"status"`
	Timestamp   time.Time   `json:"timestamp"`
	Uptime      string      `json:"uptime"`
	Database    string      `json:"database"`
	Matching    types.Stats `json:"matching"`
	Connections int         `json:"connections"`
	Events      *hub.Stats  `json:"events,omitempty"`
}

type ErrorResponse struct {
	Error     string            `json:"error"`
	Code      int               `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
}

// POST /study-buddy/match
func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	var req MatchRequest
	if !s.decode(w, r, &req) || !s.allow(w, req.UserID) {
		return
	}

	result, err := s.deps.Matcher.TryMatch(r.Context(), req.UserID, req.Topic, req.Level)
	if err != nil {
		s.sendFailure(w, "match", req.UserID, err)
		return
	}
	s.sendJSON(w, http.StatusOK, result)
}

// GET /study-buddy/status?user_id=
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	q := UserRequest{UserID: r.URL.Query().Get("user_id")}
	if !s.check(w, q) || !s.allow(w, q.UserID) {
		return
	}

	result, err := s.deps.Matcher.Status(r.Context(), q.UserID)
	if err != nil {
		s.sendFailure(w, "status", q.UserID, err)
		return
	}
	s.sendJSON(w, http.StatusOK, result)
}

// POST /study-buddy/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if !s.decode(w, r, &req) || !s.allow(w, req.UserID) {
		return
	}

	if err := s.deps.Matcher.Cancel(r.Context(), req.UserID); err != nil {
		s.sendFailure(w, "cancel", req.UserID, err)
		return
	}
	s.sendJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// POST /study-buddy/end
func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if !s.decode(w, r, &req) || !s.allow(w, req.UserID) {
		return
	}

	if err := s.deps.Matcher.End(r.Context(), req.UserID); err != nil {
		s.sendFailure(w, "end", req.UserID, err)
		return
	}
	s.sendJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// GET /study-buddy/find?user_id=&level=&limit=
func (s *Server) handleFind(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	q := findQuery{UserID: values.Get("user_id"), Level: values.Get("level")}
	limit, ok := s.limit(w, values.Get("limit"))
	if !ok {
		return
	}
	q.Limit = limit
	if !s.check(w, q) || !s.allow(w, q.UserID) {
		return
	}

	busy := s.deps.Matcher.ActiveParticipants()
	learners, err := s.deps.Directory.Find(r.Context(), q.UserID, q.Level, q.Limit, busy)
	if err != nil {
		s.sendFailure(w, "find", q.UserID, err)
		return
	}
	if learners == nil {
		learners = []*types.LearnerProfile{}
	}
	s.sendJSON(w, http.StatusOK, FindResponse{Learners: learners})
}

// limit parses an optional limit query value. Values above maxListLimit
// are capped rather than rejected.
func (s *Server) limit(w http.ResponseWriter, raw string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		s.sendValidation(w, validationErrors{"limit": "limit must be a number"})
		return 0, false
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}

// GET /study-buddy/sessions?user_id=&limit=
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	q := findQuery{UserID: values.Get("user_id")}
	limit, ok := s.limit(w, values.Get("limit"))
	if !ok {
		return
	}
	q.Limit = limit
	if !s.check(w, q) || !s.allow(w, q.UserID) {
		return
	}
	if q.Limit == 0 {
		q.Limit = s.config.HistoryLimit
	}

	sessions, err := s.deps.History.ListSessions(r.Context(), q.UserID, q.Limit)
	if err != nil {
		s.sendFailure(w, "sessions", q.UserID, err)
		return
	}
	if sessions == nil {
		sessions = []*types.MatchedSession{}
	}
	s.sendJSON(w, http.StatusOK, SessionsResponse{Sessions: sessions})
}

// PUT /learners/{id}
func (s *Server) handleUpsertLearner(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !types.IsValidUserID(id) {
		s.sendValidation(w, validationErrors{"id": types.ErrInvalidUserID.Error()})
		return
	}
	var req ProfileRequest
	if !s.decode(w, r, &req) {
		return
	}

	profile := &types.LearnerProfile{
		ID:          id,
		DisplayName: req.DisplayName,
		Level:       req.Level,
		Online:      req.Online,
		Streak:      req.Streak,
		XP:          req.XP,
	}
	if err := s.deps.Directory.Upsert(r.Context(), profile); err != nil {
		s.sendFailure(w, "upsert learner", id, err)
		return
	}
	s.sendJSON(w, http.StatusOK, profile)
}

// POST /learners/{id}/presence
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !types.IsValidUserID(id) {
		s.sendValidation(w, validationErrors{"id": types.ErrInvalidUserID.Error()})
		return
	}
	var req PresenceRequest
	if !s.decode(w, r, &req) {
		return
	}

	err := s.deps.Directory.SetPresence(r.Context(), id, *req.Online)
	if errors.Is(err, interfaces.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "Learner not found")
		return
	}
	if err != nil {
		s.sendFailure(w, "presence", id, err)
		return
	}
	s.sendJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Database:  "healthy",
		Matching:  s.deps.Matcher.Stats(),
	}
	if err := s.deps.Health.HealthCheck(ctx); err != nil {
		s.logger.Error("Health check failed", "error", err)
		response.Status = "unhealthy"
		response.Database = "unavailable"
	}
	if s.deps.Connections != nil {
		response.Connections = s.deps.Connections.Count()
	}
	if s.deps.Events != nil {
		stats := s.deps.Events.Stats()
		response.Events = &stats
	}

	code := http.StatusOK
	if response.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, response)
}

// decode reads a JSON body into v and validates it, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	return s.check(w, v)
}

func (s *Server) check(w http.ResponseWriter, v interface{}) bool {
	err := validateStruct(v)
	if err == nil {
		return true
	}
	var fields validationErrors
	if errors.As(err, &fields) {
		s.sendValidation(w, fields)
		return false
	}
	s.logger.Error("Validator failure", "error", err)
	s.sendError(w, http.StatusInternalServerError, "Validation unavailable")
	return false
}

func (s *Server) allow(w http.ResponseWriter, learnerID string) bool {
	if s.deps.Limiter.Allow(learnerID) {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(s.deps.Limiter.RetryAfter()))
	s.sendError(w, http.StatusTooManyRequests, "Too many requests, slow down")
	return false
}

// sendFailure maps a component error to a response. Validation sentinels
// become 400s; anything else is an infrastructure failure, logged in full
// and reported to the client as a generic retryable 503.
func (s *Server) sendFailure(w http.ResponseWriter, op, learnerID string, err error) {
	if fields, ok := fieldErrorFor(err); ok {
		s.sendValidation(w, fields)
		return
	}
	s.logger.Error("Request failed", "op", op, "learner_id", learnerID, "error", err)
	s.sendJSON(w, http.StatusServiceUnavailable, ErrorResponse{
		Error:     http.StatusText(http.StatusServiceUnavailable),
		Code:      http.StatusServiceUnavailable,
		Message:   fmt.Sprintf("Could not complete %s, please retry", op),
		Retryable: true,
	})
}

func (s *Server) sendValidation(w http.ResponseWriter, fields validationErrors) {
	s.sendJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   http.StatusText(http.StatusBadRequest),
		Code:    http.StatusBadRequest,
		Message: "Validation failed",
		Fields:  fields,
	})
}

// Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", "error", err)
	}
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// timeoutMiddleware bounds how long a handler may hold the store.
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
