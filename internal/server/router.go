package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/assocrm/backend/internal/storage"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	sessionIDContextKey      = "assocrm_session_id"
	sessionContextKey        = "assocrm_session"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingStore         = errors.New("table store dependency required")
	errMissingSessions      = errors.New("session repository dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TableStore loads and saves whole tables on behalf of a session.
type TableStore interface {
	EnsureTableSource(ctx context.Context, session *storage.Session, name string, schema storage.Schema) (storage.Table, error)
	SaveTableTarget(ctx context.Context, session *storage.Session, name string, table storage.Table, opts storage.SaveOptions) (string, error)
	OptimisticLock() bool
	Backend() string
}

// SessionRepository persists session fingerprints and lock overrides between requests.
type SessionRepository interface {
	Load(ctx context.Context, sessionID string) (*storage.Session, error)
	Save(ctx context.Context, session *storage.Session) error
}

// TokenManager issues and validates bearer tokens whose subject is a session ID.
type TokenManager interface {
	Issue(sessionID string) (string, int64, error)
	Validate(token string) (string, error)
}

type Dependencies struct {
	Store             TableStore
	Sessions          SessionRepository
	Tokens            TokenManager
	Dispatcher        *RealtimeDispatcher
	Metrics           *HTTPMetrics
	Gatherer          prometheus.Gatherer
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if deps.Metrics != nil {
		router.Use(deps.Metrics.middleware())
	}
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		store:      deps.Store,
		sessions:   deps.Sessions,
		tokens:     deps.Tokens,
		dispatcher: dispatcher,
		heartbeat:  heartbeat,
		clock:      clock,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	router.POST("/sessions", handler.handleCreateSession)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.PUT("/sessions/lock", handler.handleSessionLock)
	protected.GET("/tables", handler.handleListTables)
	protected.GET("/tables/:name", handler.handleGetTable)
	protected.PUT("/tables/:name", handler.handlePutTable)
	protected.GET("/tables/:name/export", handler.handleExportTable)
	protected.POST("/tables/:name/import", handler.handleImportTable)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	store      TableStore
	sessions   SessionRepository
	tokens     TokenManager
	dispatcher *RealtimeDispatcher
	heartbeat  time.Duration
	clock      func() time.Time
	logger     *zap.Logger
}

type sessionResponsePayload struct {
	SessionID   string `json:"session_id"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "backend": h.store.Backend()})
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	sessionID := uuid.NewString()
	token, expiresIn, err := h.tokens.Issue(sessionID)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	if err := h.sessions.Save(c.Request.Context(), storage.NewSession(sessionID)); err != nil {
		h.logger.Error("failed to persist session", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_create_failed"})
		return
	}
	c.JSON(http.StatusCreated, sessionResponsePayload{
		SessionID:   sessionID,
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type lockRequestPayload struct {
	Enabled *bool `json:"enabled"`
}

// handleSessionLock sets the session's optimistic lock override. A null enabled value clears
// it so the process default applies again.
func (h *httpHandler) handleSessionLock(c *gin.Context) {
	current := currentSession(c)
	var request lockRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.Enabled == nil {
		current.ClearOptimisticLock()
	} else {
		current.SetOptimisticLock(*request.Enabled)
	}
	c.JSON(http.StatusOK, gin.H{"optimistic_lock": current.LockEnabled(h.store.OptimisticLock())})
}

// authorizeRequest resolves the bearer token to a session, runs the handler, then persists
// whatever fingerprints the handler recorded.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	sessionID, err := h.tokens.Validate(token)
	if err != nil {
		logFn := h.logger.Warn
		if errors.Is(err, jwt.ErrTokenExpired) {
			logFn = h.logger.Info
		}
		logFn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	current, err := h.sessions.Load(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("failed to load session", zap.String("session_id", sessionID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session_load_failed"})
		return
	}
	c.Set(sessionIDContextKey, sessionID)
	c.Set(sessionContextKey, current)
	c.Next()

	if err := h.sessions.Save(context.WithoutCancel(c.Request.Context()), current); err != nil {
		h.logger.Error("failed to persist session", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func currentSession(c *gin.Context) *storage.Session {
	value, ok := c.Get(sessionContextKey)
	if !ok {
		return storage.NewSession(c.GetString(sessionIDContextKey))
	}
	current, ok := value.(*storage.Session)
	if !ok || current == nil {
		return storage.NewSession(c.GetString(sessionIDContextKey))
	}
	return current
}
