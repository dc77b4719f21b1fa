package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/improvstage/internal/access"
	"github.com/ent0n29/improvstage/internal/config"
	"github.com/ent0n29/improvstage/internal/observability"
	"github.com/ent0n29/improvstage/internal/policy"
	"github.com/ent0n29/improvstage/internal/reliability"
	"github.com/ent0n29/improvstage/internal/session"
	"github.com/ent0n29/improvstage/internal/turn"
)

const retryAfterSeconds = 5

// TurnExecutor runs one scene turn against a loaded session.
type TurnExecutor interface {
	ExecuteTurn(ctx context.Context, s *session.Session, userInput string, turnNumber int) (*turn.Result, error)
}

// Gate decides whether a user may start a session or take a turn.
type Gate interface {
	AllowSessionStart(ctx context.Context, userID string) (access.Profile, error)
	ReleaseSessionStart(userID string)
	AllowTurn(ctx context.Context, userID string) error
}

type Deps struct {
	Store        session.Store
	Turns        TurnExecutor
	Gate         Gate
	Metrics      *observability.Metrics
	Stages       *observability.TurnStageWindow
	Gatherer     prometheus.Gatherer
	Logger       *slog.Logger
	RuntimeName  string
	OnSessionEnd func(*session.Session)
}

type Server struct {
	cfg         config.Config
	store       session.Store
	turns       TurnExecutor
	gate        Gate
	metrics     *observability.Metrics
	stages      *observability.TurnStageWindow
	gatherer    prometheus.Gatherer
	logger      *slog.Logger
	runtimeName string
	onEnd       func(*session.Session)
	locks       *sessionLocks
	upgrader    websocket.Upgrader
}

var validate *validator.Validate

func init() {
	validate = validator.New()
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:         cfg,
		store:       deps.Store,
		turns:       deps.Turns,
		gate:        deps.Gate,
		metrics:     deps.Metrics,
		stages:      deps.Stages,
		gatherer:    deps.Gatherer,
		logger:      logger,
		runtimeName: deps.RuntimeName,
		onEnd:       deps.OnSessionEnd,
		locks:       newSessionLocks(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler(s.gatherer).ServeHTTP(w, r)
	})
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/perf/turns", s.handlePerfTurns)

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/turns", s.handleTurn)
	r.Post("/v1/sessions/{id}/close", s.handleCloseSession)
	r.Get("/v1/sessions/{id}/stream", s.handleSessionStream)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"agent_runtime": s.runtimeName,
		"session_store": s.cfg.StoreBackend,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store == nil || s.turns == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "service is not wired")
		return
	}
	if _, err := s.store.ActiveCount(r.Context()); err != nil {
		s.logger.Warn("readiness probe failed", slog.String("error", err.Error()))
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "session store is unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type createSessionRequest struct {
	UserID      string `json:"user_id" validate:"required,max=128"`
	UserEmail   string `json:"user_email" validate:"omitempty,email"`
	Location    string `json:"location" validate:"required,max=200"`
	DisplayName string `json:"display_name" validate:"max=80"`
}

type createSessionResponse struct {
	SessionID string         `json:"session_id"`
	Status    session.Status `json:"status"`
	Tier      access.Tier    `json:"tier"`
	Location  string         `json:"location"`
	TurnCount int            `json:"turn_count"`
	ExpiresAt string         `json:"expires_at"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.Location = strings.TrimSpace(req.Location)
	if err := validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	profile := access.Profile{UserID: req.UserID, Tier: access.TierFree}
	if s.gate != nil {
		p, err := s.gate.AllowSessionStart(r.Context(), req.UserID)
		if err != nil {
			s.metrics.AccessDenied("daily_sessions")
			s.writeError(w, err)
			return
		}
		profile = p
	}

	sess, err := s.store.Create(r.Context(), session.CreateParams{
		UserID:      req.UserID,
		UserEmail:   req.UserEmail,
		Location:    req.Location,
		DisplayName: req.DisplayName,
		TTL:         s.cfg.SessionTTL,
	})
	if err != nil {
		if s.gate != nil {
			s.gate.ReleaseSessionStart(req.UserID)
		}
		s.writeError(w, err)
		return
	}
	s.metrics.SessionEvent("created")
	s.refreshActiveSessions(r.Context())
	s.logger.Info("session created",
		slog.String("session_id", sess.ID),
		slog.String("user_id", sess.UserID),
		slog.String("tier", string(profile.Tier)),
	)

	respondJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: sess.ID,
		Status:    sess.Status,
		Tier:      profile.Tier,
		Location:  sess.Location,
		TurnCount: sess.TurnCount,
		ExpiresAt: sess.ExpiresAt.Format(timeFormat),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

type turnRequest struct {
	TurnNumber int    `json:"turn_number" validate:"gte=1"`
	UserInput  string `json:"user_input" validate:"required"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := s.runTurn(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// runTurn validates, gates and executes one turn. Turns for the same session
// run one at a time.
func (s *Server) runTurn(ctx context.Context, sessionID string, req turnRequest) (*turn.Result, error) {
	if err := validate.Struct(req); err != nil {
		return nil, &requestError{status: http.StatusBadRequest, code: "invalid_request", msg: err.Error()}
	}
	if decision := policy.ScreenUserInput(req.UserInput); decision.Blocked {
		s.metrics.TurnOutcome("blocked")
		return nil, &requestError{status: http.StatusUnprocessableEntity, code: "input_blocked", msg: decision.Reason}
	} else if decision.Flagged {
		s.logger.Warn("flagged scene line",
			slog.String("session_id", sessionID),
			slog.String("preview", policy.LogPreview(req.UserInput, 60)),
		)
	}

	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, session.ErrSessionClosed
	}
	if req.TurnNumber != sess.TurnCount+1 {
		return nil, &requestError{
			status: http.StatusConflict,
			code:   "turn_out_of_order",
			msg:    "turn_number must be " + strconv.Itoa(sess.TurnCount+1),
		}
	}
	if s.gate != nil {
		if err := s.gate.AllowTurn(ctx, sess.UserID); err != nil {
			s.metrics.AccessDenied("turn_rate")
			return nil, err
		}
	}
	return s.turns.ExecuteTurn(ctx, sess, strings.TrimSpace(req.UserInput), req.TurnNumber)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	unlock := s.locks.lock(id)
	sess, err := s.store.End(r.Context(), id)
	unlock()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.SessionEvent("closed")
	s.refreshActiveSessions(r.Context())
	if s.onEnd != nil {
		s.onEnd(sess)
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) refreshActiveSessions(ctx context.Context) {
	n, err := s.store.ActiveCount(ctx)
	if err != nil {
		s.logger.Warn("count active sessions", slog.String("error", err.Error()))
		return
	}
	s.metrics.SetActiveSessions(n)
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// requestError is a rejection decided by the HTTP layer itself.
type requestError struct {
	status int
	code   string
	msg    string
}

func (e *requestError) Error() string { return e.msg }

// statusFor maps an error to the response the client sees. Internal detail
// never leaks past the generic 500 message.
func statusFor(err error) (int, errorResponse) {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return reqErr.status, errorResponse{Error: reqErr.msg, Code: reqErr.code}
	}
	switch reliability.Classify(err) {
	case reliability.KindTimeout:
		return http.StatusGatewayTimeout, errorResponse{Error: "execution timed out, try again", Code: "timeout"}
	case reliability.KindNotFound:
		return http.StatusNotFound, errorResponse{Error: "session not found", Code: "session_not_found"}
	case reliability.KindConflict:
		return http.StatusConflict, errorResponse{Error: "turn already recorded, reload the session", Code: "turn_conflict"}
	case reliability.KindClosed:
		return http.StatusConflict, errorResponse{Error: "session is closed", Code: "session_closed"}
	case reliability.KindRateLimited:
		return http.StatusTooManyRequests, errorResponse{Error: err.Error(), Code: "rate_limited"}
	case reliability.KindInvalid:
		return http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_request"}
	default:
		return http.StatusInternalServerError, errorResponse{Error: "an error occurred", Code: "internal"}
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, body := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.Int("status", status),
			slog.String("kind", string(reliability.Classify(err))),
			slog.String("error", err.Error()),
		)
	}
	if status == http.StatusTooManyRequests || (status == http.StatusGatewayTimeout && reliability.Retryable(err)) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	respondJSON(w, status, body)
}

var errEmptyBody = errors.New("request body is empty")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
