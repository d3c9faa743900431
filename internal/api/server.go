package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shirou/gopsutil/process"

	"collabsync/internal/session"
	"collabsync/pkg/interfaces"
	"collabsync/pkg/types"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// Rooms exposes live room membership without coupling to the websocket registry.
type Rooms interface {
	ActiveUsers(sessionID string) []string
	GetStats() map[string]int
}

// SessionEnder ends a session and disconnects its room.
type SessionEnder interface {
	EndSession(ctx context.Context, sessionID string) error
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	sessionManager interfaces.SessionManager
	dbManager      interfaces.DatabaseManager
	rooms          Rooms
	ender          SessionEnder
	log            zerolog.Logger
	started        time.Time
	router         *gin.Engine
	self           *process.Process
}

// NewServer wires the REST endpoints.
func NewServer(sessionManager interfaces.SessionManager, dbManager interfaces.DatabaseManager, rooms Rooms, ender SessionEnder, log zerolog.Logger) *Server {
	s := &Server{
		sessionManager: sessionManager,
		dbManager:      dbManager,
		rooms:          rooms,
		ender:          ender,
		log:            log.With().Str("component", "api").Logger(),
		started:        time.Now(),
		router:         gin.New(),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.self = p
	} else {
		s.log.Warn().Err(err).Msg("process stats unavailable")
	}

	s.router.HandleMethodNotAllowed = true
	// Engine-level middleware also runs for unmatched routes, so preflight
	// requests are answered before method routing.
	s.router.Use(gin.Recovery(), s.requestLogger(), s.corsMiddleware())
	s.router.NoRoute(func(c *gin.Context) { s.sendError(c, "Not found", http.StatusNotFound) })
	s.router.NoMethod(func(c *gin.Context) { s.sendError(c, "Method not allowed", http.StatusMethodNotAllowed) })
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	sessions := s.router.Group("/api/sessions")
	sessions.GET("", s.listSessions)
	sessions.GET("/:id", s.getSession)
	sessions.DELETE("/:id", s.endSession)
	sessions.GET("/:id/changes", s.changeHistory)
	s.router.GET("/health", s.healthCheck)
}

// Handle mounts an extra handler, such as the WebSocket endpoint, on the
// same router.
func (s *Server) Handle(path string, h http.Handler) {
	s.router.GET(path, gin.WrapH(h))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type SessionSummary struct {
	*types.Session
	ActiveCount int `json:"activeCount"`
}

type ListSessionsResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

type SessionResponse struct {
	Session      *types.Session      `json:"session"`
	Participants []types.Participant `json:"participants"`
	ActiveCount  int                 `json:"activeCount"`
}

type ChangeHistoryResponse struct {
	SessionID string                 `json:"sessionId"`
	Changes   []*types.ChangeMessage `json:"changes"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Database    string                 `json:"database"`
	Connections map[string]int         `json:"connections"`
	System      map[string]interface{} `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /api/sessions lists active sessions with their live member counts.
func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.sessionManager.ListActiveSessions(c.Request.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("list sessions")
		s.sendError(c, "Failed to list sessions", http.StatusInternalServerError)
		return
	}

	summaries := lo.Map(sessions, func(session *types.Session, _ int) SessionSummary {
		return SessionSummary{Session: session, ActiveCount: len(s.rooms.ActiveUsers(session.ID))}
	})
	c.JSON(http.StatusOK, ListSessionsResponse{Sessions: summaries})
}

// GET /api/sessions/:id returns metadata, members and presence.
func (s *Server) getSession(c *gin.Context) {
	session, ok := s.lookup(c)
	if !ok {
		return
	}

	active := s.rooms.ActiveUsers(session.ID)
	participants := lo.Map(session.AllowedUsers, func(email string, _ int) types.Participant {
		return types.Participant{
			Email:       email,
			IsActive:    lo.Contains(active, email),
			Permissions: session.PermissionsFor(email),
			IsCreator:   email == session.CreatorEmail,
		}
	})
	c.JSON(http.StatusOK, SessionResponse{Session: session, Participants: participants, ActiveCount: len(active)})
}

// DELETE /api/sessions/:id ends the session and disconnects its room.
func (s *Server) endSession(c *gin.Context) {
	sessionID := c.Param("id")
	err := s.ender.EndSession(c.Request.Context(), sessionID)
	switch {
	case err == nil:
		s.log.Info().Str("session", sessionID).Msg("session ended via API")
		c.JSON(http.StatusOK, gin.H{"message": "Session ended successfully"})
	case errors.Is(err, session.ErrSessionAlreadyEnded):
		s.sendError(c, "Session already ended", http.StatusConflict)
	case errors.Is(err, types.ErrSessionNotFound):
		s.sendError(c, "Session not found", http.StatusNotFound)
	default:
		s.log.Error().Err(err).Str("session", sessionID).Msg("end session")
		s.sendError(c, "Failed to end session", http.StatusInternalServerError)
	}
}

// GET /api/sessions/:id/changes?limit=N returns the most recent changes in
// arrival order.
func (s *Server) changeHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.sendError(c, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	session, ok := s.lookup(c)
	if !ok {
		return
	}

	changes, err := s.dbManager.GetChangeHistory(c.Request.Context(), session.ID, limit)
	if err != nil {
		s.log.Error().Err(err).Str("session", session.ID).Msg("change history")
		s.sendError(c, "Failed to load change history", http.StatusInternalServerError)
		return
	}
	if changes == nil {
		changes = []*types.ChangeMessage{}
	}
	c.JSON(http.StatusOK, ChangeHistoryResponse{SessionID: session.ID, Changes: changes})
}

// GET /health checks the database and reports connection statistics.
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status, dbStatus, code := "healthy", "healthy", http.StatusOK
	if err := s.dbManager.HealthCheck(ctx); err != nil {
		status, dbStatus, code = "unhealthy", "error: "+err.Error(), http.StatusServiceUnavailable
	}

	c.JSON(code, HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.rooms.GetStats(),
		System:      s.systemStats(),
	})
}

// systemStats reports runtime and, where the platform allows, process
// resource usage.
func (s *Server) systemStats() map[string]interface{} {
	stats := map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"uptime":     time.Since(s.started).Round(time.Second).String(),
	}
	if s.self == nil {
		return stats
	}
	if mem, err := s.self.MemoryInfo(); err == nil {
		stats["memory_rss_bytes"] = mem.RSS
	}
	if pct, err := s.self.MemoryPercent(); err == nil {
		stats["memory_percent"] = pct
	}
	if cpu, err := s.self.CPUPercent(); err == nil {
		stats["cpu_percent"] = cpu
	}
	return stats
}

// lookup loads the :id session or writes the error response.
func (s *Server) lookup(c *gin.Context) (*types.Session, bool) {
	session, err := s.sessionManager.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, types.ErrSessionNotFound) {
			s.sendError(c, "Session not found", http.StatusNotFound)
		} else {
			s.log.Error().Err(err).Msg("get session")
			s.sendError(c, "Failed to get session", http.StatusInternalServerError)
		}
		return nil, false
	}
	return session, true
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(c *gin.Context, message string, code int) {
	c.AbortWithStatusJSON(code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables browser-hosted editors
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		h.Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

// requestLogger logs API requests at debug level. Upgrades are skipped since
// the socket outlives the request.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.IsWebsocket() {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}
