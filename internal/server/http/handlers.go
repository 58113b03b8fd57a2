package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ivory/internal/environment"
	"ivory/internal/session"
	apperrors "ivory/internal/shared/errors"
)

type apiError struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeError maps component error kinds onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperrors.KindOf(err) {
	case apperrors.KindSessionNotFound:
		status = http.StatusNotFound
	case apperrors.KindAgentBusy:
		status = http.StatusConflict
	case apperrors.KindToolValidation, apperrors.KindInvalidTransition:
		status = http.StatusBadRequest
	case apperrors.KindPermissionDenied:
		status = http.StatusForbidden
	case apperrors.KindAdapterUnavailable:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, apiError{Error: err.Error(), Kind: string(apperrors.KindOf(err))})
}

type sessionView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Environment string    `json:"environment,omitempty"`
	FastEdit    bool      `json:"fastEdit"`
	Processing  bool      `json:"processing"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (s *Server) viewOf(sess *session.Session) sessionView {
	return sessionView{
		ID:          sess.ID,
		Name:        sess.Name(),
		Environment: sess.AdapterKind().String(),
		FastEdit:    sess.FastEdit(),
		Processing:  s.svc.IsProcessing(sess.ID),
		CreatedAt:   sess.CreatedAt,
		UpdatedAt:   sess.UpdatedAt(),
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now()})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req struct {
		Name        string `json:"name"`
		Environment string `json:"environment"`
		SandboxID   string `json:"sandboxId"`
	}
	// The body is optional; an empty request creates a default session.
	_ = c.ShouldBindJSON(&req)

	sess, err := s.svc.StartSession(req.Name, environment.Kind(req.Environment), req.SandboxID)
	if err != nil {
		c.JSON(http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, s.viewOf(sess))
}

func (s *Server) handleListSessions(c *gin.Context) {
	active := make([]sessionView, 0)
	for _, sess := range s.svc.Sessions() {
		active = append(active, s.viewOf(sess))
	}

	resp := gin.H{"active": active}
	if persisted, err := s.svc.ListPersistedSessions(); err == nil {
		resp["persisted"] = persisted
	} else {
		s.logger.Warn("listing persisted sessions failed: %v", err)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.svc.DeleteSession(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

func (s *Server) handleLoadSession(c *gin.Context) {
	sess, err := s.svc.LoadSession(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.viewOf(sess))
}

func (s *Server) handleQuery(c *gin.Context) {
	var req struct {
		Query string `json:"query" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiError{Error: "query is required"})
		return
	}

	result, err := s.svc.ProcessQuery(c.Request.Context(), c.Param("id"), req.Query)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"response": result.Response,
		"aborted":  result.Aborted,
	})
}

func (s *Server) handleAbort(c *gin.Context) {
	at, err := s.svc.AbortOperation(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"aborted": true, "timestamp": at})
}

func (s *Server) handleToggleFastEdit(c *gin.Context) {
	enabled, err := s.svc.ToggleFastEditMode(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fastEdit": enabled})
}

func (s *Server) handleHistory(c *gin.Context) {
	history, err := s.svc.GetHistory(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func (s *Server) handleSessionTools(c *gin.Context) {
	if _, err := s.svc.Session(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tools":      s.svc.Registry().List(),
		"executions": s.svc.ExecutionsForSession(c.Param("id")),
	})
}

func (s *Server) handleResolvePermission(c *gin.Context) {
	var req struct {
		Granted *bool `json:"granted" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiError{Error: "granted is required"})
		return
	}

	if err := s.svc.ResolvePermission(c.Param("id"), *req.Granted); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true, "granted": *req.Granted})
}
