package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/templates"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

type infoResp struct {
	Version   string    `json:"version"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	Tools     int       `json:"tools"`
}

type toolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleInfo returns daemon status and version information.
func (s *Server) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, infoResp{
		Version:   s.version,
		Status:    "running",
		StartedAt: s.startedAt,
		Tools:     len(s.definitions()),
	})
}

// handleTools returns the locally registered function tools.
func (s *Server) handleTools(c *gin.Context) {
	tools := lo.Map(s.definitions(), func(t llm.Tool, _ int) toolInfo {
		name, _ := t["name"].(string)
		desc, _ := t["description"].(string)
		return toolInfo{Name: name, Description: desc}
	})
	c.JSON(http.StatusOK, gin.H{"tools": tools})
}

func (s *Server) definitions() []llm.Tool {
	if s.deps.Tools == nil {
		return nil
	}
	return s.deps.Tools.Definitions()
}

func (s *Server) handleSync(c *gin.Context) {
	if s.deps.Syncer == nil {
		c.JSON(http.StatusServiceUnavailable, errorResp{Error: "synchronization is not configured"})
		return
	}
	report, err := s.deps.Syncer.SyncRef(c.Request.Context(), c.Param("ref"))
	switch {
	case errors.Is(err, templates.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResp{Error: err.Error()})
		return
	case err != nil:
		s.logger.Error().Err(err).Str("template", c.Param("ref")).Msg("Template sync failed")
		c.JSON(http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": report.OK(), "report": report})
}
