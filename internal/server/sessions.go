package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/vilokanam/internal/coordinator"
	sessiondomain "github.com/smallbiznis/vilokanam/internal/session/domain"
	"go.uber.org/zap"
)

type openSessionRequest struct {
	ViewerID  string         `json:"viewer_id"`
	CreatorID string         `json:"creator_id"`
	Metadata  map[string]any `json:"metadata"`
}

type signalRequest struct {
	ViewerID   string     `json:"viewer_id"`
	CreatorID  string     `json:"creator_id"`
	ObservedAt *time.Time `json:"observed_at"`
}

type pairQuery struct {
	ViewerID  string `form:"viewer_id"`
	CreatorID string `form:"creator_id"`
}

func (s *Server) OpenSession(c *gin.Context) {
	var req openSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.coordinator.Open(c.Request.Context(), strings.TrimSpace(req.ViewerID), strings.TrimSpace(req.CreatorID), req.Metadata)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetSession(c *gin.Context) {
	var query pairQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.coordinator.QuerySession(strings.TrimSpace(query.ViewerID), strings.TrimSpace(query.CreatorID))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) EndSession(c *gin.Context) {
	var query pairQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.coordinator.End(c.Request.Context(), strings.TrimSpace(query.ViewerID), strings.TrimSpace(query.CreatorID))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RetrySettlement(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.coordinator.RetryRejected(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) Connected(c *gin.Context) {
	s.handleSignal(c, s.coordinator.Connected)
}

func (s *Server) Disconnected(c *gin.Context) {
	s.handleSignal(c, s.coordinator.Disconnected)
}

type signalFunc func(ctx context.Context, viewerID, creatorID string, observedAt time.Time) (sessiondomain.Snapshot, error)

// handleSignal answers 202 for signals that no longer apply so senders do
// not retry them.
func (s *Server) handleSignal(c *gin.Context, apply signalFunc) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var observedAt time.Time
	if req.ObservedAt != nil {
		observedAt = req.ObservedAt.UTC()
	}

	resp, err := apply(c.Request.Context(), strings.TrimSpace(req.ViewerID), strings.TrimSpace(req.CreatorID), observedAt)
	if errors.Is(err, coordinator.ErrStaleSignal) {
		c.JSON(http.StatusAccepted, gin.H{"data": resp, "ignored": true})
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type creatorTicksResponse struct {
	coordinator.CreatorTicks
	SettledTicks *uint64 `json:"settled_ticks,omitempty"`
}

func (s *Server) GetCreatorTicks(c *gin.Context) {
	creatorID := strings.TrimSpace(c.Param("creator_id"))
	if creatorID == "" {
		AbortWithError(c, sessiondomain.ErrInvalidCreator)
		return
	}

	resp := creatorTicksResponse{CreatorTicks: s.coordinator.CreatorTickCount(creatorID)}
	if s.ledger != nil {
		settled, err := s.ledger.TickCount(c.Request.Context(), creatorID)
		if err != nil {
			s.log.Warn("ledger tick count unavailable", zap.String("creator_id", creatorID), zap.Error(err))
		} else {
			resp.SettledTicks = &settled
		}
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListCreatorSessions(c *gin.Context) {
	creatorID := strings.TrimSpace(c.Param("creator_id"))
	if creatorID == "" {
		AbortWithError(c, sessiondomain.ErrInvalidCreator)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": s.coordinator.Sessions(creatorID)})
}
